// Package service ties a document's viewport, loader, windowing engine and
// scene together into sessions.
package service

import (
	"errors"
	"fmt"
	"log"

	"github.com/omeview/server/internal/backend"
	"github.com/omeview/server/internal/config"
)

// ErrUnknownDocument is returned for a document id that is not configured.
var ErrUnknownDocument = errors.New("unknown document")

// DocumentInfo contains information about a document for the API response.
type DocumentInfo struct {
	ID      string `json:"id"`
	Name    string `json:"name"`
	Backend string `json:"backend"`
}

// DocumentRegistry maps configured document ids to backend openers.
type DocumentRegistry struct {
	documents       map[string]config.DocumentConfig
	defaultDocument string
	documentOrder   []string
	title           string
}

// NewDocumentRegistry creates a registry from the data section of the config.
func NewDocumentRegistry(data config.DataConfig, title string) *DocumentRegistry {
	docs := make(map[string]config.DocumentConfig, len(data.Documents))
	for id, d := range data.Documents {
		docs[id] = d
	}
	return &DocumentRegistry{
		documents:       docs,
		defaultDocument: data.DefaultDocument,
		documentOrder:   data.DocumentIDs(),
		title:           title,
	}
}

// Open opens a new handle on the document. The caller closes it.
func (r *DocumentRegistry) Open(id string) (backend.Document, error) {
	d, ok := r.documents[id]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownDocument, id)
	}
	doc, err := backend.Open(d.Backend, d.Path, backend.ModeReadOnly)
	if err != nil {
		return nil, fmt.Errorf("failed to open document %s: %w", id, err)
	}
	log.Printf("[Registry] opened %s (%s)", id, d.Backend)
	return doc, nil
}

// Has reports whether id is configured.
func (r *DocumentRegistry) Has(id string) bool {
	_, ok := r.documents[id]
	return ok
}

// DefaultDocumentID returns the default document ID.
func (r *DocumentRegistry) DefaultDocumentID() string {
	return r.defaultDocument
}

// Title returns the configured site title.
func (r *DocumentRegistry) Title() string {
	if r.title != "" {
		return r.title
	}
	return "OME-View"
}

// Documents returns info for all documents in config order.
func (r *DocumentRegistry) Documents() []DocumentInfo {
	infos := make([]DocumentInfo, 0, len(r.documentOrder))
	for _, id := range r.documentOrder {
		infos = append(infos, DocumentInfo{
			ID:      id,
			Name:    id,
			Backend: r.documents[id].Backend,
		})
	}
	return infos
}
