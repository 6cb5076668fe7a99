package main

import (
	"context"
	"log"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/tinypipe/tinypipe/pkg/config"
	"github.com/tinypipe/tinypipe/pkg/export"
	"github.com/tinypipe/tinypipe/pkg/gateway/sqlite"
	"github.com/tinypipe/tinypipe/pkg/httpx"
	"github.com/tinypipe/tinypipe/pkg/ingest"
	"github.com/tinypipe/tinypipe/pkg/ingest/journal"
	"github.com/tinypipe/tinypipe/pkg/pipeline"
	"github.com/tinypipe/tinypipe/pkg/status"
)

const (
	serverReadTimeout  = 10 * time.Second
	serverWriteTimeout = 10 * time.Second
)

var startTime = time.Now()

// getEnv gets a string from an environment variable or returns the default.
func getEnv(key, defaultValue string) string {
	if val := os.Getenv(key); val != "" {
		return val
	}
	return defaultValue
}

// getEnvInt gets an int from an environment variable or returns the default.
func getEnvInt(key string, defaultValue int) int {
	if val := os.Getenv(key); val != "" {
		if parsed, err := strconv.Atoi(val); err == nil {
			return parsed
		}
		log.Printf("⚠️  Invalid value for %s: %q, using default %d", key, val, defaultValue)
	}
	return defaultValue
}

func handleHealth(w http.ResponseWriter, r *http.Request) {
	httpx.RespondJSON(w, http.StatusOK, map[string]any{
		"status": "healthy",
		"uptime": time.Since(startTime).String(),
	})
}

func main() {
	log.Println("🚀 Starting TinyPipe Server...")

	// Configuration from environment variables:
	// TINYPIPE_PORT        HTTP listen port
	// TINYPIPE_DATA_DIR    SQLite database and journal location
	// TINYPIPE_EXPORT_DIR  daily/batch export file location
	// TINYPIPE_FEED_URL    websocket feed to subscribe to (optional)
	port := getEnvInt("TINYPIPE_PORT", config.DefaultPort)
	dataDir := getEnv("TINYPIPE_DATA_DIR", config.DefaultDataDir)
	exportDir := getEnv("TINYPIPE_EXPORT_DIR", config.DefaultExportDir)
	feedURL := getEnv("TINYPIPE_FEED_URL", "")

	if err := os.MkdirAll(dataDir, 0755); err != nil {
		log.Fatalf("❌ Failed to create data directory: %v", err)
	}
	log.Printf("📁 Data directory: %s", dataDir)

	gw, err := sqlite.Open(dataDir)
	if err != nil {
		log.Fatalf("❌ Failed to open database: %v", err)
	}
	defer gw.Close()
	log.Println("✅ SQLite storage initialized")

	jnl, err := journal.Open(journal.Config{Path: dataDir + "/journal"})
	if err != nil {
		log.Fatalf("❌ Failed to open save queue journal: %v", err)
	}
	defer jnl.Close()
	log.Println("✅ Save queue journal opened")

	var feed ingest.Feed
	if feedURL != "" {
		feed = ingest.NewWebsocketFeed(feedURL, config.ReconnectDelay, config.MaxReconnectAttempts)
		log.Printf("📡 Websocket feed configured: %s", feedURL)
	} else {
		feed = ingest.NewChannelFeed(64)
		log.Println("⚠️  No TINYPIPE_FEED_URL set, running without a live feed")
	}

	cfg := pipeline.DefaultConfig()
	cfg.ExportDir = exportDir
	p := pipeline.New(gw, feed, jnl, cfg)

	p.Notifier().Register(export.ListenerFunc(func(ev export.BatchReadyEvent) {
		log.Printf("📦 Batch %s ready: %d aggregates, mean=%.2f min=%.2f max=%.2f, files=%v",
			ev.BatchID, ev.RecordCount, ev.Mean, ev.Min, ev.Max, ev.FilePaths)
	}))

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	if err := p.Start(ctx); err != nil {
		log.Fatalf("❌ Failed to start pipeline: %v", err)
	}
	log.Println("⚙️  Pipeline started (reduce → aggregate → export → cleanup)")

	prometheus.MustRegister(pipeline.NewCollector(p))

	router := mux.NewRouter()
	status.NewHandler(p).Register(router)
	router.HandleFunc("/v1/health", handleHealth).Methods(http.MethodGet)
	router.Handle("/metrics", promhttp.Handler()).Methods(http.MethodGet)

	server := &http.Server{
		Addr:         ":" + strconv.Itoa(port),
		Handler:      router,
		ReadTimeout:  serverReadTimeout,
		WriteTimeout: serverWriteTimeout,
	}

	go func() {
		log.Printf("🌐 Server listening on http://localhost:%d", port)
		log.Println("📡 API endpoints:")
		log.Println("   GET  /v1/status           - Pipeline state")
		log.Println("   POST /v1/ops/flush        - Flush minute buffer")
		log.Println("   POST /v1/ops/aggregate    - Run aggregation check")
		log.Println("   POST /v1/ops/export-daily - Run daily export")
		log.Println("   POST /v1/ops/export-batch - Run batch export")
		log.Println("   POST /v1/ops/cleanup      - Run retention cleanup")
		log.Println("   POST /v1/ops/reconnect    - Reset a stalled feed")
		log.Println("   GET  /metrics             - Prometheus endpoint")

		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatalf("❌ Server failed to start: %v", err)
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	log.Println("🛑 Shutdown signal received...")

	// Stop the feed and timers first so no new readings arrive while
	// the buffers drain.
	cancel()

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), config.ShutdownTimeout)
	defer shutdownCancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		log.Printf("⚠️  Server shutdown warning: %v", err)
	}

	if err := p.Shutdown(); err != nil {
		log.Printf("⚠️  Pipeline shutdown warning: %v", err)
	}
	feed.Close()

	log.Println("👋 TinyPipe server exited cleanly")
}
