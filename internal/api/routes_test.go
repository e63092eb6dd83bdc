package api

import (
	"bytes"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/omeview/server/internal/cache"
	"github.com/omeview/server/internal/config"
	"github.com/omeview/server/internal/render"
	"github.com/omeview/server/internal/service"
	"github.com/omeview/server/internal/viewstore"
	"github.com/omeview/server/pkg/geometry"
)

// testServer holds the test server and its dependencies
type testServer struct {
	server   *httptest.Server
	sessions *service.SessionManager
	cache    *cache.Manager
	views    *viewstore.Store
}

// setupTestServer initializes all components and returns a test server
func setupTestServer(t *testing.T) *testServer {
	t.Helper()

	cacheManager, err := cache.NewManager(cache.Config{
		TileCacheSizeMB: 64, // Smaller cache for tests
		TileTTL:         5 * time.Minute,
		QueryCacheSize:  100,
	})
	if err != nil {
		t.Fatalf("Failed to initialize cache: %v", err)
	}

	views, err := viewstore.NewStore(filepath.Join(t.TempDir(), "views.db"))
	if err != nil {
		t.Fatalf("Failed to initialize view store: %v", err)
	}

	registry := service.NewDocumentRegistry(config.DataConfig{
		Documents: map[string]config.DocumentConfig{
			"small": {Backend: "synthetic", Path: "width=300&height=200&bits=10&z=2"},
		},
		DefaultDocument: "small",
	}, "")

	sessions := service.NewSessionManager(service.ManagerConfig{
		Registry: registry,
		Session: service.SessionConfig{
			RefreshHz:  200,
			ScreenSize: geometry.Size{Width: 320, Height: 240},
			Cache:      cacheManager,
			Renderer:   render.NewRenderer(render.Config{}),
		},
		Views: views,
	})
	sessions.Start()

	router := NewRouter(RouterConfig{
		Sessions:    sessions,
		Cache:       cacheManager,
		CORSOrigins: []string{"http://localhost:3000"},
	})

	ts := &testServer{
		server:   httptest.NewServer(router),
		sessions: sessions,
		cache:    cacheManager,
		views:    views,
	}
	t.Cleanup(ts.close)
	return ts
}

// close cleans up test server resources
func (ts *testServer) close() {
	ts.server.Close()
	ts.sessions.Stop()
	ts.views.Close()
	ts.cache.Close()
}

func (ts *testServer) do(t *testing.T, method, path, body string) (*http.Response, []byte) {
	t.Helper()
	var reader io.Reader
	if body != "" {
		reader = strings.NewReader(body)
	}
	req, err := http.NewRequest(method, ts.server.URL+path, reader)
	if err != nil {
		t.Fatalf("Failed to build request: %v", err)
	}
	if body != "" {
		req.Header.Set("Content-Type", "application/json")
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("Failed to make request: %v", err)
	}
	defer resp.Body.Close()
	data, err := io.ReadAll(resp.Body)
	if err != nil {
		t.Fatalf("Failed to read response body: %v", err)
	}
	return resp, data
}

// createSession opens the default document and waits for its first frame.
func (ts *testServer) createSession(t *testing.T) string {
	t.Helper()
	resp, body := ts.do(t, http.MethodPost, "/api/sessions", `{"document":"small"}`)
	assertStatusCode(t, resp, http.StatusCreated)

	var state struct {
		ID string `json:"session_id"`
	}
	if err := json.Unmarshal(body, &state); err != nil {
		t.Fatalf("Failed to parse JSON response: %v", err)
	}
	if state.ID == "" {
		t.Fatalf("expected a session id")
	}

	deadline := time.Now().Add(5 * time.Second)
	for {
		_, body := ts.do(t, http.MethodGet, "/api/sessions/"+state.ID, "")
		var st struct {
			Frame  json.RawMessage `json:"frame"`
			Loader struct {
				Loading bool `json:"loading"`
				Pending bool `json:"pending"`
			} `json:"loader"`
		}
		if err := json.Unmarshal(body, &st); err != nil {
			t.Fatalf("Failed to parse JSON response: %v", err)
		}
		if string(st.Frame) != "null" && len(st.Frame) > 0 && !st.Loader.Loading && !st.Loader.Pending {
			return state.ID
		}
		if time.Now().After(deadline) {
			t.Fatalf("timed out waiting for the first frame")
		}
		time.Sleep(10 * time.Millisecond)
	}
}

// --- Helper Functions ---

// assertStatusCode verifies the HTTP status code
func assertStatusCode(t *testing.T, resp *http.Response, expected int) {
	t.Helper()
	if resp.StatusCode != expected {
		t.Errorf("Expected status code %d, got %d", expected, resp.StatusCode)
	}
}

// assertContentType verifies the Content-Type header
func assertContentType(t *testing.T, resp *http.Response, expected string) {
	t.Helper()
	contentType := resp.Header.Get("Content-Type")
	if contentType != expected {
		t.Errorf("Expected Content-Type %q, got %q", expected, contentType)
	}
}

// assertPNG verifies the response body is a valid PNG image
func assertPNG(t *testing.T, body []byte) {
	t.Helper()
	pngMagic := []byte{0x89, 0x50, 0x4E, 0x47, 0x0D, 0x0A, 0x1A, 0x0A}
	if !bytes.HasPrefix(body, pngMagic) {
		t.Errorf("Response is not a PNG image (%d bytes)", len(body))
	}
}

// assertJSONFields verifies the response contains expected JSON fields
func assertJSONFields(t *testing.T, body []byte, expectedFields []string) {
	t.Helper()
	var result map[string]interface{}
	if err := json.Unmarshal(body, &result); err != nil {
		t.Errorf("Failed to parse JSON response: %v", err)
		return
	}
	for _, field := range expectedFields {
		if _, ok := result[field]; !ok {
			t.Errorf("Expected JSON field %q not found in response", field)
		}
	}
}

// --- Test Cases ---

func TestHealthEndpoint(t *testing.T) {
	ts := setupTestServer(t)

	resp, body := ts.do(t, http.MethodGet, "/health", "")
	assertStatusCode(t, resp, http.StatusOK)
	if string(body) != "OK" {
		t.Errorf("Expected body 'OK', got %q", string(body))
	}
}

func TestDocumentsEndpoint(t *testing.T) {
	ts := setupTestServer(t)

	resp, body := ts.do(t, http.MethodGet, "/api/documents", "")
	assertStatusCode(t, resp, http.StatusOK)
	assertContentType(t, resp, "application/json")
	assertJSONFields(t, body, []string{"default", "documents", "title"})

	resp, body = ts.do(t, http.MethodGet, "/api/colormaps", "")
	assertStatusCode(t, resp, http.StatusOK)
	assertJSONFields(t, body, []string{"colormaps"})
}

func TestSessionLifecycle(t *testing.T) {
	ts := setupTestServer(t)
	id := ts.createSession(t)
	base := "/api/sessions/" + id

	resp, body := ts.do(t, http.MethodGet, base, "")
	assertStatusCode(t, resp, http.StatusOK)
	assertJSONFields(t, body, []string{"viewport", "frame", "stats", "window", "colormap", "tiles"})

	resp, body = ts.do(t, http.MethodGet, base+"/hierarchy", "")
	assertStatusCode(t, resp, http.StatusOK)
	assertJSONFields(t, body, []string{"plates"})

	tests := []struct {
		name           string
		path           string
		expectedStatus int
		expectPNG      bool
	}{
		{"first tile", base + "/tiles/0.png", http.StatusOK, true},
		{"second tile", base + "/tiles/1.png", http.StatusOK, true},
		{"tile outside grid", base + "/tiles/9.png", http.StatusNotFound, false},
		{"invalid index", base + "/tiles/abc.png", http.StatusBadRequest, false},
		{"screen", base + "/screen.png", http.StatusOK, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			resp, body := ts.do(t, http.MethodGet, tt.path, "")
			assertStatusCode(t, resp, tt.expectedStatus)
			if tt.expectPNG {
				assertContentType(t, resp, "image/png")
				assertPNG(t, body)
			}
		})
	}

	resp, body = ts.do(t, http.MethodGet, base+"/scene", "")
	assertStatusCode(t, resp, http.StatusOK)
	assertJSONFields(t, body, []string{"visuals", "total", "pending_adds", "pending_removes", "version"})

	resp, _ = ts.do(t, http.MethodPut, base+"/frame", `{"z":5,"shift8":true}`)
	assertStatusCode(t, resp, http.StatusAccepted)

	resp, _ = ts.do(t, http.MethodDelete, base, "")
	assertStatusCode(t, resp, http.StatusNoContent)
	resp, _ = ts.do(t, http.MethodGet, base, "")
	assertStatusCode(t, resp, http.StatusNotFound)
}

func TestCreateSessionErrors(t *testing.T) {
	ts := setupTestServer(t)

	resp, _ := ts.do(t, http.MethodPost, "/api/sessions", `{"document":"missing"}`)
	assertStatusCode(t, resp, http.StatusNotFound)

	resp, _ = ts.do(t, http.MethodPost, "/api/sessions", `{"document":`)
	assertStatusCode(t, resp, http.StatusBadRequest)

	resp, _ = ts.do(t, http.MethodGet, "/api/sessions/unknown/scroll", "")
	assertStatusCode(t, resp, http.StatusNotFound)
}

func TestWindowEndpoint(t *testing.T) {
	ts := setupTestServer(t)
	id := ts.createSession(t)
	path := "/api/sessions/" + id + "/window"

	tests := []struct {
		name           string
		body           string
		expectedStatus int
	}{
		{"min above max", `{"min":10,"max":5}`, http.StatusBadRequest},
		{"max beyond bit depth", `{"min":0,"max":5000}`, http.StatusBadRequest},
		{"unknown auto mode", `{"auto":"gamma"}`, http.StatusBadRequest},
		{"malformed body", `{"min":`, http.StatusBadRequest},
		{"valid window", `{"min":100,"max":200}`, http.StatusOK},
		{"auto brightness", `{"auto":"brightness"}`, http.StatusOK},
		{"auto contrast", `{"auto":"contrast","saturation":1}`, http.StatusOK},
		{"clear", `{}`, http.StatusOK},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			resp, _ := ts.do(t, http.MethodPut, path, tt.body)
			assertStatusCode(t, resp, tt.expectedStatus)
		})
	}

	resp, _ := ts.do(t, http.MethodPut, "/api/sessions/"+id+"/colormap", `{"name":"nope"}`)
	assertStatusCode(t, resp, http.StatusBadRequest)
}

func TestViewportEndpoint(t *testing.T) {
	ts := setupTestServer(t)
	id := ts.createSession(t)
	base := "/api/sessions/" + id + "/viewport/"

	tests := []struct {
		name           string
		op             string
		body           string
		expectedStatus int
	}{
		{"resize", "resize", `{"width":640,"height":480}`, http.StatusOK},
		{"resize with behavior", "resize", `{"width":600,"height":480,"behavior":"fit"}`, http.StatusOK},
		{"resize unknown behavior", "resize", `{"width":600,"height":480,"behavior":"stretch"}`, http.StatusBadRequest},
		{"zoom in", "zoom", `{"x":100,"y":100,"in":true}`, http.StatusOK},
		{"scale", "scale", `{"x":0,"y":0,"scale":2}`, http.StatusOK},
		{"scale not positive", "scale", `{"scale":0}`, http.StatusBadRequest},
		{"move", "move", `{"dx":5,"dy":5}`, http.StatusOK},
		{"move pixel", "move-pixel", `{"dx":-5}`, http.StatusOK},
		{"line", "line", `{"direction":"down"}`, http.StatusOK},
		{"page unknown direction", "page", `{"direction":"sideways"}`, http.StatusBadRequest},
		{"offset", "offset", `{"horizontal":0}`, http.StatusOK},
		{"offset missing", "offset", `{}`, http.StatusBadRequest},
		{"aspect", "aspect", `{"locked":true}`, http.StatusOK},
		{"fit", "fit", ``, http.StatusOK},
		{"unknown op", "spin", `{}`, http.StatusNotFound},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			resp, body := ts.do(t, http.MethodPost, base+tt.op, tt.body)
			assertStatusCode(t, resp, tt.expectedStatus)
			if tt.expectedStatus == http.StatusOK {
				assertJSONFields(t, body, []string{"changed", "viewport"})
			}
		})
	}

	resp, body := ts.do(t, http.MethodGet, "/api/sessions/"+id+"/scroll", "")
	assertStatusCode(t, resp, http.StatusOK)
	assertJSONFields(t, body, []string{"extent_width", "viewport_width", "horizontal_offset"})
}

func TestPixelEndpoint(t *testing.T) {
	ts := setupTestServer(t)
	path := "/api/sessions/" + ts.createSession(t) + "/pixel"

	resp, _ := ts.do(t, http.MethodGet, path+"?y=1", "")
	assertStatusCode(t, resp, http.StatusBadRequest)
	resp, _ = ts.do(t, http.MethodGet, path+"?x=1&y=1&space=world", "")
	assertStatusCode(t, resp, http.StatusBadRequest)

	resp, body := ts.do(t, http.MethodGet, path+"?x=12&y=7&space=pixel", "")
	assertStatusCode(t, resp, http.StatusOK)
	var info struct {
		InImage bool `json:"in_image"`
		Tile    int  `json:"tile"`
	}
	if err := json.Unmarshal(body, &info); err != nil {
		t.Fatalf("Failed to parse JSON response: %v", err)
	}
	if !info.InImage || info.Tile != 0 {
		t.Errorf("expected pixel (12,7) in tile 0, got %+v", info)
	}
}

func TestViewsEndpoints(t *testing.T) {
	ts := setupTestServer(t)
	id := ts.createSession(t)

	resp, body := ts.do(t, http.MethodPost, "/api/sessions/"+id+"/views", `{"name":"overview"}`)
	assertStatusCode(t, resp, http.StatusCreated)
	var view struct {
		ID string `json:"view_id"`
	}
	if err := json.Unmarshal(body, &view); err != nil {
		t.Fatalf("Failed to parse JSON response: %v", err)
	}

	resp, _ = ts.do(t, http.MethodGet, "/api/views", "")
	assertStatusCode(t, resp, http.StatusBadRequest)

	resp, body = ts.do(t, http.MethodGet, "/api/views?document=small", "")
	assertStatusCode(t, resp, http.StatusOK)
	var list struct {
		Views []struct {
			ID string `json:"view_id"`
		} `json:"views"`
	}
	if err := json.Unmarshal(body, &list); err != nil {
		t.Fatalf("Failed to parse JSON response: %v", err)
	}
	if len(list.Views) != 1 || list.Views[0].ID != view.ID {
		t.Fatalf("expected the saved view to be listed, got %+v", list.Views)
	}

	resp, _ = ts.do(t, http.MethodPost, "/api/sessions/"+id+"/views/"+view.ID+"/apply", "")
	assertStatusCode(t, resp, http.StatusAccepted)
	resp, _ = ts.do(t, http.MethodPost, "/api/sessions/"+id+"/views/missing/apply", "")
	assertStatusCode(t, resp, http.StatusNotFound)

	resp, _ = ts.do(t, http.MethodDelete, "/api/views/"+view.ID, "")
	assertStatusCode(t, resp, http.StatusNoContent)
	resp, _ = ts.do(t, http.MethodDelete, "/api/views/"+view.ID, "")
	assertStatusCode(t, resp, http.StatusNotFound)
}
