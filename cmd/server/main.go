// Package main is the entry point for the OME-View server.
package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/omeview/server/internal/api"
	_ "github.com/omeview/server/internal/backend/chunkstore"
	_ "github.com/omeview/server/internal/backend/tiffstore"
	"github.com/omeview/server/internal/cache"
	"github.com/omeview/server/internal/config"
	"github.com/omeview/server/internal/loader"
	"github.com/omeview/server/internal/render"
	"github.com/omeview/server/internal/service"
	"github.com/omeview/server/internal/viewport"
	"github.com/omeview/server/internal/viewstore"
	"github.com/omeview/server/pkg/geometry"
)

func main() {
	// Parse command line flags
	configPath := flag.String("config", "config/server.yaml", "Path to configuration file")
	flag.Parse()

	// Load configuration
	cfg, err := config.Load(*configPath)
	if err != nil {
		log.Fatalf("Failed to load configuration: %v", err)
	}

	log.Printf("Starting OME-View server on port %d", cfg.Server.Port)

	ctx := context.Background()

	// Initialize cache manager (shared across all sessions)
	cacheManager, err := cache.NewManager(cache.Config{
		TileCacheSizeMB: cfg.Cache.TileSizeMB,
		TileTTL:         time.Duration(cfg.Cache.TileTTLMinutes) * time.Minute,
		QueryCacheSize:  cfg.Cache.QueryCacheSize,
	})
	if err != nil {
		log.Fatalf("Failed to initialize cache: %v", err)
	}
	defer cacheManager.Close()

	// Initialize renderer (shared across all sessions)
	renderer := render.NewRenderer(render.Config{
		DefaultColormap: cfg.Render.DefaultColormap,
	})
	if _, err := renderer.LUT(""); err != nil {
		log.Fatalf("Invalid default colormap %q: %v", cfg.Render.DefaultColormap, err)
	}

	resize, ok := viewport.ParseResizeBehavior(cfg.Viewport.Resize)
	if !ok {
		log.Fatalf("Invalid viewport resize behavior %q", cfg.Viewport.Resize)
	}

	// Initialize saved view store (SQLite persistence)
	views, err := viewstore.NewStore(cfg.Views.SQLitePath)
	if err != nil {
		log.Fatalf("Failed to initialize view store: %v", err)
	}
	defer views.Close()
	log.Printf("View store: retention_days=%d, sqlite=%s", cfg.Views.RetentionDays, cfg.Views.SQLitePath)

	// Initialize document registry
	registry := service.NewDocumentRegistry(cfg.Data, cfg.Server.Title)
	log.Printf("Serving %d document(s), default: %s", len(registry.Documents()), registry.DefaultDocumentID())
	for _, d := range registry.Documents() {
		log.Printf("  [%s] backend=%s", d.ID, d.Backend)
	}

	sessions := service.NewSessionManager(service.ManagerConfig{
		Registry: registry,
		Session: service.SessionConfig{
			Viewport: viewport.Options{
				MaxScale:   cfg.Viewport.MaxScale,
				ZoomRate:   cfg.Viewport.ZoomRate,
				MinOverlap: cfg.Viewport.MinOverlap,
				Resize:     resize,
			},
			Loader: loader.Options{
				MaxTiles:    cfg.Loader.MaxTiles,
				Parallelism: cfg.Loader.FetchParallelism,
			},
			RefreshHz: cfg.Render.RefreshHz,
			Colormap:  cfg.Render.DefaultColormap,
			ScreenSize: geometry.Size{
				Width:  float64(cfg.Render.ScreenWidth),
				Height: float64(cfg.Render.ScreenHeight),
			},
			Cache:    cacheManager,
			Renderer: renderer,
		},
		Views:         views,
		IdleTTL:       time.Duration(cfg.Sessions.IdleTTLMinutes) * time.Minute,
		RetentionDays: cfg.Views.RetentionDays,
		CleanupPeriod: 1 * time.Minute,
	})
	sessions.Start()
	defer sessions.Stop()

	// Set up HTTP router
	router := api.NewRouter(api.RouterConfig{
		Sessions:    sessions,
		Cache:       cacheManager,
		CORSOrigins: cfg.Server.CORSOrigins,
	})

	// Create HTTP server
	server := &http.Server{
		Addr:         fmt.Sprintf(":%d", cfg.Server.Port),
		Handler:      router,
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 60 * time.Second,
		IdleTimeout:  120 * time.Second,
	}

	// Start server in goroutine
	go func() {
		log.Printf("Server listening on http://localhost:%d", cfg.Server.Port)
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatalf("Server failed: %v", err)
		}
	}()

	// Wait for interrupt signal
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	log.Println("Shutting down server...")

	// Graceful shutdown with timeout
	shutdownCtx, cancel := context.WithTimeout(ctx, 30*time.Second)
	defer cancel()

	if err := server.Shutdown(shutdownCtx); err != nil {
		log.Printf("Server forced to shutdown: %v", err)
	}

	log.Println("Server stopped")
}
