package main

import (
	"fmt"
	"log"
	"net/http"

	"github.com/gorilla/mux"
	"github.com/panjf2000/ants/v2"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"tpbinge-proxy/work/auth"
	"tpbinge-proxy/work/catalog"
	"tpbinge-proxy/work/client"
	"tpbinge-proxy/work/config"
	"tpbinge-proxy/work/handlers"
	"tpbinge-proxy/work/logger"
	"tpbinge-proxy/work/middleware"
	"tpbinge-proxy/work/playlist"
	"tpbinge-proxy/work/resolver"
	"tpbinge-proxy/work/store"
	"tpbinge-proxy/work/upstream"
)

var (
	Version = "v0.1.0" // default version
)

// our main app worker
func main() {

	// load our config
	cfg := config.LoadConfig()

	// Set up logging
	appLogger := logger.New("INFO")
	if cfg.Debug {
		appLogger.SetLevel("DEBUG")
		logger.SetLogLevel("DEBUG")
	}

	// Initialize HTTP client with the browser identity
	httpClient := client.NewHeaderSettingClient(cfg)

	// Initialize worker pool for background refresh tasks
	workerPool, err := ants.NewPool(cfg.WorkerThreads, ants.WithPreAlloc(true))
	if err != nil {
		log.Fatalf("Failed to create worker pool: %v", err)
	}
	defer workerPool.Release()

	// Pick the credential store backend
	var credStore store.Store
	if cfg.StoragePath != "" {
		sqlStore, err := store.OpenSQLite(cfg.StoragePath, appLogger.Tagged("store"))
		if err != nil {
			log.Fatalf("Failed to open session database: %v", err)
		}
		credStore = sqlStore
	} else {
		credStore = store.NewMemoryStore(appLogger.Tagged("store"))
	}
	defer credStore.Close()

	// Hourly safety net on top of lazy expiry
	credStore.StartSweeper(cfg.SweepInterval)

	// Wire the pipeline
	upstreamClient := upstream.New(cfg, appLogger.Tagged("upstream"), httpClient)
	channelCatalog := catalog.New(cfg, appLogger.Tagged("catalog"), httpClient, workerPool)
	defer channelCatalog.Close()

	manifestResolver := resolver.New(cfg, appLogger.Tagged("resolver"), httpClient, credStore, upstreamClient)
	playlistBuilder := playlist.NewBuilder(cfg)
	orchestrator := auth.New(cfg, appLogger.Tagged("auth"), credStore, upstreamClient)

	app := &handlers.App{
		Logger:   appLogger,
		Auth:     orchestrator,
		Catalog:  channelCatalog,
		Resolver: manifestResolver,
		Playlist: playlistBuilder,
	}

	// Warm the catalog and keep it warm
	channelCatalog.Refresh()
	channelCatalog.StartRefreshLoop()

	// Setup HTTP routes
	router := mux.NewRouter()

	// Auth endpoints for the login panel
	router.HandleFunc("/api/auth/status", handlers.HandleAuthStatus(app)).Methods("GET")
	router.HandleFunc("/api/auth/send-otp", handlers.HandleSendOTP(app)).Methods("POST")
	router.HandleFunc("/api/auth/verify-otp", handlers.HandleVerifyOTP(app)).Methods("POST")
	router.HandleFunc("/api/auth/logout", handlers.HandleLogout(app)).Methods("POST")

	// Player-facing endpoints
	router.HandleFunc("/api/playlist.m3u", middleware.Gzip(handlers.HandlePlaylist(app))).Methods("GET")
	router.HandleFunc("/api/manifest.mpd", middleware.Gzip(handlers.HandleManifest(app))).Methods("GET")

	// Metrics handler
	router.Handle("/metrics", promhttp.Handler()).Methods("GET")

	addr := fmt.Sprintf(":%d", cfg.ListenPort)

	// show info
	appLogger.Info("Starting TP Binge Proxy %s", Version)
	appLogger.Info("Server configuration:")
	appLogger.Info("  - Base URL: %s", cfg.BaseURL)
	appLogger.Info("  - Session TTL: %s", cfg.SessionTTL)
	appLogger.Info("  - Sweep Interval: %s", cfg.SweepInterval)
	appLogger.Info("  - Catalog Cache: %s", cfg.CatalogCacheDuration)
	appLogger.Info("  - Worker Threads: %d", cfg.WorkerThreads)
	appLogger.Info("  - Debug Enabled: %v", cfg.Debug)
	appLogger.Info("  - URL Obfuscation: %v", cfg.ObfuscateUrls)

	// fire us up
	if err := http.ListenAndServe(addr, router); err != nil {
		log.Fatalf("Server failed to start: %v", err)
	}
}
