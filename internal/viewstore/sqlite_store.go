// Package viewstore persists saved views (bookmarks) using SQLite.
package viewstore

import (
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	_ "modernc.org/sqlite"

	"github.com/omeview/server/internal/backend"
	"github.com/omeview/server/pkg/geometry"
)

// ErrNotFound is returned when a view does not exist.
var ErrNotFound = errors.New("view not found")

// Window is the intensity window stored with a view.
type Window struct {
	Min *float64 `json:"min"`
	Max *float64 `json:"max"`
}

// View is a saved frame selection, camera and display setting.
type View struct {
	ID           string           `json:"view_id"`
	Document     string           `json:"document"`
	Name         string           `json:"name"`
	Frame        backend.FrameKey `json:"frame"`
	DisplayArea  geometry.Rect    `json:"display_area"`
	Window       Window           `json:"window"`
	Colormap     string           `json:"colormap"`
	ShiftTo8Bits bool             `json:"shift_to_8_bits"`
	CreatedAt    time.Time        `json:"created_at"`
	LastUsedAt   *time.Time       `json:"last_used_at,omitempty"`
}

// Store provides persistent storage for views using SQLite.
type Store struct {
	db *sql.DB
	mu sync.Mutex
}

// NewStore creates a new SQLite-based view store.
func NewStore(dbPath string) (*Store, error) {
	// Ensure directory exists
	dir := filepath.Dir(dbPath)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create directory for sqlite: %w", err)
	}

	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return nil, fmt.Errorf("failed to open sqlite: %w", err)
	}

	// Enable WAL mode for better concurrency
	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to enable WAL: %w", err)
	}

	s := &Store{db: db}
	if err := s.migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to migrate: %w", err)
	}

	return s, nil
}

// Close closes the database connection.
func (s *Store) Close() error {
	return s.db.Close()
}

func (s *Store) migrate() error {
	schema := `
	CREATE TABLE IF NOT EXISTS views (
		view_id TEXT PRIMARY KEY,
		document_id TEXT NOT NULL,
		name TEXT NOT NULL DEFAULT '',
		frame_json TEXT NOT NULL,
		display_json TEXT NOT NULL,
		window_json TEXT NOT NULL,
		colormap TEXT NOT NULL DEFAULT '',
		shift8 INTEGER NOT NULL DEFAULT 0,
		created_at TEXT NOT NULL,
		last_used_at TEXT
	);

	CREATE INDEX IF NOT EXISTS idx_views_document ON views(document_id);
	CREATE INDEX IF NOT EXISTS idx_views_created ON views(created_at);
	`
	_, err := s.db.Exec(schema)
	return err
}

// CreateView stores a new view.
func (s *Store) CreateView(v *View) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	frameJSON, err := json.Marshal(v.Frame)
	if err != nil {
		return fmt.Errorf("failed to marshal frame: %w", err)
	}
	displayJSON, err := json.Marshal(v.DisplayArea)
	if err != nil {
		return fmt.Errorf("failed to marshal display area: %w", err)
	}
	windowJSON, err := json.Marshal(v.Window)
	if err != nil {
		return fmt.Errorf("failed to marshal window: %w", err)
	}
	if v.CreatedAt.IsZero() {
		v.CreatedAt = time.Now().UTC()
	}
	shift8 := 0
	if v.ShiftTo8Bits {
		shift8 = 1
	}

	_, err = s.db.Exec(`
		INSERT INTO views (view_id, document_id, name, frame_json, display_json, window_json, colormap, shift8, created_at, last_used_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`,
		v.ID,
		v.Document,
		v.Name,
		string(frameJSON),
		string(displayJSON),
		string(windowJSON),
		v.Colormap,
		shift8,
		v.CreatedAt.Format(time.RFC3339),
		nil,
	)
	if err != nil {
		return fmt.Errorf("failed to insert view %s: %w", v.ID, err)
	}
	return nil
}

const viewColumns = `view_id, document_id, name, frame_json, display_json, window_json, colormap, shift8, created_at, last_used_at`

// GetView retrieves a view by ID.
func (s *Store) GetView(viewID string) (*View, error) {
	row := s.db.QueryRow(`SELECT `+viewColumns+` FROM views WHERE view_id = ?`, viewID)
	v, err := scanView(row)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return v, nil
}

// ListViews returns the views of a document, newest first.
func (s *Store) ListViews(document string) ([]*View, error) {
	rows, err := s.db.Query(`
		SELECT `+viewColumns+`
		FROM views WHERE document_id = ?
		ORDER BY created_at DESC, view_id ASC
	`, document)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var views []*View
	for rows.Next() {
		v, err := scanView(rows)
		if err != nil {
			return nil, err
		}
		views = append(views, v)
	}
	return views, rows.Err()
}

// TouchView records that a view was applied.
func (s *Store) TouchView(viewID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := time.Now().UTC().Format(time.RFC3339)
	res, err := s.db.Exec(`UPDATE views SET last_used_at = ? WHERE view_id = ?`, now, viewID)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

// DeleteView deletes a view.
func (s *Store) DeleteView(viewID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	res, err := s.db.Exec("DELETE FROM views WHERE view_id = ?", viewID)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

// DeleteExpiredViews deletes views not used for retentionDays.
func (s *Store) DeleteExpiredViews(retentionDays int) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	cutoff := time.Now().UTC().AddDate(0, 0, -retentionDays).Format(time.RFC3339)
	result, err := s.db.Exec(`
		DELETE FROM views WHERE COALESCE(last_used_at, created_at) < ?
	`, cutoff)
	if err != nil {
		return 0, err
	}
	return result.RowsAffected()
}

type scanner interface {
	Scan(dest ...any) error
}

func scanView(row scanner) (*View, error) {
	var v View
	var frameJSON, displayJSON, windowJSON string
	var createdAtStr string
	var lastUsedStr sql.NullString
	var shift8 int

	err := row.Scan(
		&v.ID,
		&v.Document,
		&v.Name,
		&frameJSON,
		&displayJSON,
		&windowJSON,
		&v.Colormap,
		&shift8,
		&createdAtStr,
		&lastUsedStr,
	)
	if err != nil {
		return nil, err
	}

	if err := json.Unmarshal([]byte(frameJSON), &v.Frame); err != nil {
		return nil, fmt.Errorf("failed to unmarshal frame: %w", err)
	}
	if err := json.Unmarshal([]byte(displayJSON), &v.DisplayArea); err != nil {
		return nil, fmt.Errorf("failed to unmarshal display area: %w", err)
	}
	if err := json.Unmarshal([]byte(windowJSON), &v.Window); err != nil {
		return nil, fmt.Errorf("failed to unmarshal window: %w", err)
	}

	v.ShiftTo8Bits = shift8 != 0
	v.CreatedAt, _ = time.Parse(time.RFC3339, createdAtStr)
	if lastUsedStr.Valid {
		t, _ := time.Parse(time.RFC3339, lastUsedStr.String)
		v.LastUsedAt = &t
	}
	return &v, nil
}
