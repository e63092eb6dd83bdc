// Package api provides HTTP handlers for the OME-View server.
package api

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strconv"
	"strings"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"

	"github.com/omeview/server/internal/backend"
	"github.com/omeview/server/internal/cache"
	"github.com/omeview/server/internal/loader"
	"github.com/omeview/server/internal/render"
	"github.com/omeview/server/internal/service"
	"github.com/omeview/server/internal/viewstore"
	"github.com/omeview/server/internal/windowing"
	"github.com/omeview/server/pkg/colormap"
	"github.com/omeview/server/pkg/geometry"
)

// RouterConfig contains router configuration.
type RouterConfig struct {
	Sessions    *service.SessionManager
	Cache       *cache.Manager
	CORSOrigins []string
}

// NewRouter creates a new HTTP router.
func NewRouter(cfg RouterConfig) *chi.Mux {
	r := chi.NewRouter()

	// Middleware
	r.Use(middleware.Logger)
	r.Use(middleware.Recoverer)
	r.Use(middleware.Compress(5))

	// CORS
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins:   cfg.CORSOrigins,
		AllowedMethods:   []string{"GET", "POST", "PUT", "DELETE", "OPTIONS"},
		AllowedHeaders:   []string{"Accept", "Authorization", "Content-Type"},
		ExposedHeaders:   []string{"Link"},
		AllowCredentials: true,
		MaxAge:           300,
	}))

	// Health check
	r.Get("/health", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		w.Write([]byte("OK"))
	})

	r.Get("/api/documents", documentsHandler(cfg.Sessions.Registry()))
	r.Get("/api/colormaps", colormapsHandler)
	if cfg.Cache != nil {
		r.Get("/api/cache/stats", cacheStatsHandler(cfg.Cache))
	}

	r.Route("/api/views", func(r chi.Router) {
		r.Get("/", listViewsHandler(cfg.Sessions))
		r.Delete("/{view_id}", deleteViewHandler(cfg.Sessions))
	})

	r.Route("/api/sessions", func(r chi.Router) {
		r.Post("/", createSessionHandler(cfg.Sessions))

		// Session-scoped routes
		r.Route("/{session_id}", func(r chi.Router) {
			r.Use(sessionMiddleware(cfg.Sessions))

			r.Get("/", sessionStateHandler)
			r.Delete("/", deleteSessionHandler(cfg.Sessions))
			r.Get("/hierarchy", hierarchyHandler)
			r.Put("/frame", frameHandler)
			r.Put("/window", windowHandler)
			r.Put("/colormap", colormapHandler)
			r.Post("/viewport/{op}", viewportHandler)
			r.Get("/scroll", scrollHandler)
			r.Get("/pixel", pixelHandler)
			r.Get("/scene", sceneHandler)
			r.Get("/tiles/{index}.png", tileHandler)
			r.Get("/screen.png", screenHandler)
			r.Post("/views", saveViewHandler(cfg.Sessions))
			r.Post("/views/{view_id}/apply", applyViewHandler(cfg.Sessions))
		})
	})

	return r
}

// Context key for the session
type ctxKey string

const sessionKey ctxKey = "session"

// sessionMiddleware resolves the session from the URL and injects it into context.
func sessionMiddleware(sessions *service.SessionManager) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			id := chi.URLParam(r, "session_id")
			s, err := sessions.Get(id)
			if err != nil {
				http.Error(w, "session not found: "+id, http.StatusNotFound)
				return
			}
			ctx := context.WithValue(r.Context(), sessionKey, s)
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}

func getSession(r *http.Request) *service.Session {
	if s, ok := r.Context().Value(sessionKey).(*service.Session); ok {
		return s
	}
	return nil
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

// writeError maps service errors to HTTP status codes.
func writeError(w http.ResponseWriter, err error) {
	status := http.StatusInternalServerError
	switch {
	case errors.Is(err, service.ErrSessionNotFound),
		errors.Is(err, service.ErrTileNotFound),
		errors.Is(err, service.ErrUnknownDocument),
		errors.Is(err, viewstore.ErrNotFound):
		status = http.StatusNotFound
	case errors.Is(err, windowing.ErrOutOfRange),
		errors.Is(err, windowing.ErrOutOfOrder),
		errors.Is(err, service.ErrUnknownAutoMode),
		errors.Is(err, render.ErrUnknownColormap):
		status = http.StatusBadRequest
	case errors.Is(err, service.ErrNoFrame):
		status = http.StatusConflict
	case errors.Is(err, loader.ErrClosed):
		status = http.StatusGone
	case errors.Is(err, service.ErrViewsDisabled):
		status = http.StatusNotImplemented
	}
	http.Error(w, err.Error(), status)
}

const maxBodyBytes = 1 << 20

// decodeBody decodes an optional JSON body into v. An empty body leaves v unchanged.
func decodeBody(r *http.Request, v interface{}) error {
	if r.Body == nil {
		return nil
	}
	err := json.NewDecoder(io.LimitReader(r.Body, maxBodyBytes)).Decode(v)
	if errors.Is(err, io.EOF) {
		return nil
	}
	return err
}

// documentsHandler returns the list of available documents.
func documentsHandler(registry *service.DocumentRegistry) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		response := map[string]interface{}{
			"default":   registry.DefaultDocumentID(),
			"documents": registry.Documents(),
			"title":     registry.Title(),
		}
		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(response)
	}
}

func colormapsHandler(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(map[string]interface{}{
		"colormaps": colormap.Names(),
	})
}

func cacheStatsHandler(cm *cache.Manager) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(cm.Stats())
	}
}

func createSessionHandler(sessions *service.SessionManager) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var req struct {
			Document string `json:"document"`
		}
		if err := decodeBody(r, &req); err != nil {
			http.Error(w, "invalid request body: "+err.Error(), http.StatusBadRequest)
			return
		}
		s, err := sessions.Create(strings.TrimSpace(req.Document))
		if err != nil {
			writeError(w, err)
			return
		}
		writeJSON(w, http.StatusCreated, s.State())
	}
}

func sessionStateHandler(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, getSession(r).State())
}

func deleteSessionHandler(sessions *service.SessionManager) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if err := sessions.Delete(getSession(r).ID()); err != nil {
			writeError(w, err)
			return
		}
		w.WriteHeader(http.StatusNoContent)
	}
}

func hierarchyHandler(w http.ResponseWriter, r *http.Request) {
	data, err := getSession(r).Hierarchy()
	if err != nil {
		writeError(w, err)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	w.Write(data)
}

func frameHandler(w http.ResponseWriter, r *http.Request) {
	var req struct {
		backend.FrameKey
		ShiftTo8Bits bool `json:"shift8"`
	}
	if err := decodeBody(r, &req); err != nil {
		http.Error(w, "invalid request body: "+err.Error(), http.StatusBadRequest)
		return
	}
	if err := getSession(r).SelectFrame(req.FrameKey, req.ShiftTo8Bits); err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusAccepted, map[string]interface{}{
		"requested": req.FrameKey,
		"shift8":    req.ShiftTo8Bits,
	})
}

func windowHandler(w http.ResponseWriter, r *http.Request) {
	var req service.WindowRequest
	if err := decodeBody(r, &req); err != nil {
		http.Error(w, "invalid request body: "+err.Error(), http.StatusBadRequest)
		return
	}
	params, err := getSession(r).SetWindow(req)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, params)
}

func colormapHandler(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Name string `json:"name"`
	}
	if err := decodeBody(r, &req); err != nil {
		http.Error(w, "invalid request body: "+err.Error(), http.StatusBadRequest)
		return
	}
	s := getSession(r)
	if err := s.SetColormap(req.Name); err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"colormap": s.Colormap()})
}

func scrollHandler(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, getSession(r).Viewport().ScrollInfo())
}

func parseFloatParam(r *http.Request, name string) (float64, error) {
	raw := strings.TrimSpace(r.URL.Query().Get(name))
	if raw == "" {
		return 0, errors.New("missing required query param: " + name)
	}
	v, err := strconv.ParseFloat(raw, 64)
	if err != nil {
		return 0, errors.New("invalid " + name)
	}
	return v, nil
}

func pixelHandler(w http.ResponseWriter, r *http.Request) {
	x, err := parseFloatParam(r, "x")
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	y, err := parseFloatParam(r, "y")
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	info, err := getSession(r).PixelAt(geometry.Pt(x, y), r.URL.Query().Get("space"))
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	writeJSON(w, http.StatusOK, info)
}

func sceneHandler(w http.ResponseWriter, r *http.Request) {
	s := getSession(r)
	visuals := s.Scene().Snapshot()
	adds, removes := s.Scene().Pending()
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"visuals":         visuals,
		"total":           len(visuals),
		"pending_adds":    adds,
		"pending_removes": removes,
		"version":         s.State().SceneVersion,
	})
}

func tileHandler(w http.ResponseWriter, r *http.Request) {
	index, err := strconv.Atoi(chi.URLParam(r, "index"))
	if err != nil {
		http.Error(w, "invalid index", http.StatusBadRequest)
		return
	}
	data, err := getSession(r).TilePNG(index)
	if err != nil {
		writeError(w, err)
		return
	}
	w.Header().Set("Content-Type", "image/png")
	w.Header().Set("Cache-Control", "no-cache")
	w.Write(data)
}

func screenHandler(w http.ResponseWriter, r *http.Request) {
	data, err := getSession(r).ScreenPNG()
	if err != nil {
		writeError(w, err)
		return
	}
	w.Header().Set("Content-Type", "image/png")
	w.Header().Set("Cache-Control", "no-cache")
	w.Write(data)
}

func saveViewHandler(sessions *service.SessionManager) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var req struct {
			Name string `json:"name"`
		}
		if err := decodeBody(r, &req); err != nil {
			http.Error(w, "invalid request body: "+err.Error(), http.StatusBadRequest)
			return
		}
		v, err := sessions.SaveView(getSession(r).ID(), req.Name)
		if err != nil {
			writeError(w, err)
			return
		}
		writeJSON(w, http.StatusCreated, v)
	}
}

func applyViewHandler(sessions *service.SessionManager) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		v, err := sessions.ApplyView(getSession(r).ID(), chi.URLParam(r, "view_id"))
		if err != nil {
			writeError(w, err)
			return
		}
		writeJSON(w, http.StatusAccepted, v)
	}
}

func listViewsHandler(sessions *service.SessionManager) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		document := strings.TrimSpace(r.URL.Query().Get("document"))
		if document == "" {
			http.Error(w, "missing required query param: document", http.StatusBadRequest)
			return
		}
		views, err := sessions.Views(document)
		if err != nil {
			writeError(w, err)
			return
		}
		if views == nil {
			views = []*viewstore.View{}
		}
		writeJSON(w, http.StatusOK, map[string]interface{}{
			"document": document,
			"views":    views,
		})
	}
}

func deleteViewHandler(sessions *service.SessionManager) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if err := sessions.DeleteView(chi.URLParam(r, "view_id")); err != nil {
			writeError(w, err)
			return
		}
		w.WriteHeader(http.StatusNoContent)
	}
}
