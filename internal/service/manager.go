package service

import (
	"errors"
	"fmt"
	"log"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/omeview/server/internal/viewstore"
)

// ErrSessionNotFound is returned for an unknown or expired session id.
var ErrSessionNotFound = errors.New("session not found")

// ManagerConfig contains configuration for the session manager.
type ManagerConfig struct {
	Registry      *DocumentRegistry
	Session       SessionConfig
	Views         *viewstore.Store // optional
	IdleTTL       time.Duration    // close sessions unused this long (default 30m)
	RetentionDays int              // days to keep unused saved views (default 90)
	CleanupPeriod time.Duration
}

// SessionManager owns the open sessions and closes idle ones.
type SessionManager struct {
	cfg      ManagerConfig
	sessions map[string]*Session
	mu       sync.Mutex
	wg       sync.WaitGroup
	stopOnce sync.Once
	stopCh   chan struct{}
}

// NewSessionManager creates a new session manager.
func NewSessionManager(cfg ManagerConfig) *SessionManager {
	if cfg.IdleTTL <= 0 {
		cfg.IdleTTL = 30 * time.Minute
	}
	if cfg.RetentionDays <= 0 {
		cfg.RetentionDays = 90
	}
	if cfg.CleanupPeriod <= 0 {
		cfg.CleanupPeriod = time.Minute
	}
	return &SessionManager{
		cfg:      cfg,
		sessions: make(map[string]*Session),
		stopCh:   make(chan struct{}),
	}
}

// Registry returns the document registry.
func (m *SessionManager) Registry() *DocumentRegistry {
	return m.cfg.Registry
}

// Start starts the cleanup ticker.
func (m *SessionManager) Start() {
	m.wg.Add(1)
	go m.cleaner()
}

// Stop stops the cleaner and closes every session.
func (m *SessionManager) Stop() {
	m.stopOnce.Do(func() {
		close(m.stopCh)
		m.wg.Wait()

		m.mu.Lock()
		sessions := m.sessions
		m.sessions = make(map[string]*Session)
		m.mu.Unlock()
		for _, s := range sessions {
			s.Close()
		}
	})
}

func (m *SessionManager) cleaner() {
	defer m.wg.Done()
	ticker := time.NewTicker(m.cfg.CleanupPeriod)
	defer ticker.Stop()
	for {
		select {
		case <-m.stopCh:
			return
		case <-ticker.C:
			m.cleanup()
		}
	}
}

func (m *SessionManager) cleanup() {
	m.mu.Lock()
	var idle []*Session
	for id, s := range m.sessions {
		if s.IdleFor() > m.cfg.IdleTTL {
			idle = append(idle, s)
			delete(m.sessions, id)
		}
	}
	m.mu.Unlock()
	for _, s := range idle {
		s.Close()
	}
	if len(idle) > 0 {
		log.Printf("[SessionManager] closed %d idle sessions", len(idle))
	}

	if m.cfg.Views == nil {
		return
	}
	deleted, err := m.cfg.Views.DeleteExpiredViews(m.cfg.RetentionDays)
	if err != nil {
		log.Printf("[SessionManager] view cleanup error: %v", err)
	} else if deleted > 0 {
		log.Printf("[SessionManager] cleaned up %d expired views", deleted)
	}
}

// Create opens documentID in a new session and requests its first frame.
func (m *SessionManager) Create(documentID string) (*Session, error) {
	if documentID == "" {
		documentID = m.cfg.Registry.DefaultDocumentID()
	}
	doc, err := m.cfg.Registry.Open(documentID)
	if err != nil {
		return nil, err
	}
	key, err := DefaultFrame(doc)
	if err != nil {
		doc.Close()
		return nil, fmt.Errorf("failed to select a frame of %s: %w", documentID, err)
	}

	s := NewSession(uuid.NewString(), documentID, doc, m.cfg.Session)
	s.Start()
	if err := s.SelectFrame(key, false); err != nil {
		s.Close()
		return nil, err
	}

	m.mu.Lock()
	m.sessions[s.ID()] = s
	m.mu.Unlock()
	log.Printf("[SessionManager] session %s opened %s", s.ID(), documentID)
	return s, nil
}

// Get returns a session by ID and marks it as used.
func (m *SessionManager) Get(id string) (*Session, error) {
	m.mu.Lock()
	s, ok := m.sessions[id]
	m.mu.Unlock()
	if !ok {
		return nil, ErrSessionNotFound
	}
	s.Touch()
	return s, nil
}

// Delete closes a session.
func (m *SessionManager) Delete(id string) error {
	m.mu.Lock()
	s, ok := m.sessions[id]
	delete(m.sessions, id)
	m.mu.Unlock()
	if !ok {
		return ErrSessionNotFound
	}
	s.Close()
	return nil
}

// Len returns the number of open sessions.
func (m *SessionManager) Len() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.sessions)
}

// ErrViewsDisabled is returned when no view store is configured.
var ErrViewsDisabled = errors.New("saved views are disabled")

// SaveView stores the current view of a session.
func (m *SessionManager) SaveView(sessionID, name string) (*viewstore.View, error) {
	if m.cfg.Views == nil {
		return nil, ErrViewsDisabled
	}
	s, err := m.Get(sessionID)
	if err != nil {
		return nil, err
	}
	v, err := s.NewView(uuid.NewString(), name)
	if err != nil {
		return nil, err
	}
	if err := m.cfg.Views.CreateView(v); err != nil {
		return nil, err
	}
	return v, nil
}

// ApplyView restores a saved view into a session of the same document.
func (m *SessionManager) ApplyView(sessionID, viewID string) (*viewstore.View, error) {
	if m.cfg.Views == nil {
		return nil, ErrViewsDisabled
	}
	s, err := m.Get(sessionID)
	if err != nil {
		return nil, err
	}
	v, err := m.cfg.Views.GetView(viewID)
	if err != nil {
		return nil, err
	}
	if v.Document != s.DocumentID() {
		return nil, fmt.Errorf("view %s belongs to %s: %w", viewID, v.Document, ErrUnknownDocument)
	}
	if err := s.ApplyView(v); err != nil {
		return nil, err
	}
	if err := m.cfg.Views.TouchView(viewID); err != nil {
		log.Printf("[SessionManager] touch view %s: %v", viewID, err)
	}
	return v, nil
}

// Views lists the saved views of a document.
func (m *SessionManager) Views(documentID string) ([]*viewstore.View, error) {
	if m.cfg.Views == nil {
		return nil, ErrViewsDisabled
	}
	return m.cfg.Views.ListViews(documentID)
}

// DeleteView deletes a saved view.
func (m *SessionManager) DeleteView(viewID string) error {
	if m.cfg.Views == nil {
		return ErrViewsDisabled
	}
	return m.cfg.Views.DeleteView(viewID)
}
