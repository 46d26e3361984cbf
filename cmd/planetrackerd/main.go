// PlaneTracker server
// Polls the OpenSky Network, enriches flights with altitude estimates and
// trajectory forecasts, and serves them over REST + WebSocket.
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

	"github.com/planetracker/planetracker/internal/enrich"
	"github.com/planetracker/planetracker/internal/fetch"
	"github.com/planetracker/planetracker/internal/server"
	"github.com/planetracker/planetracker/pkg/config"
	"github.com/planetracker/planetracker/pkg/opensky"
)

var (
	configPath = flag.String("config", "configs/config.json", "Path to configuration file")
	port       = flag.String("port", "", "HTTP server port (overrides config)")
)

func main() {
	flag.Parse()

	log.Println("🚀 Starting PlaneTracker server...")

	cfg, err := config.Load(*configPath)
	if err != nil {
		log.Fatalf("Failed to load config: %v", err)
	}
	if *port != "" {
		cfg.Server.Port = *port
	}

	client := opensky.NewClient(cfg.Upstream.BaseURL)
	if cfg.Upstream.TimeoutSeconds > 0 {
		client.SetTimeout(time.Duration(cfg.Upstream.TimeoutSeconds * float64(time.Second)))
	}

	bbox := opensky.BoundingBox{
		LatMin: cfg.Upstream.Region.LatMin,
		LatMax: cfg.Upstream.Region.LatMax,
		LonMin: cfg.Upstream.Region.LonMin,
		LonMax: cfg.Upstream.Region.LonMax,
	}

	fetchCfg := fetch.Config{
		BoundingBox:   bbox,
		CacheDuration: time.Duration(cfg.Upstream.CacheSeconds * float64(time.Second)),
		MinInterval:   time.Duration(cfg.Upstream.MinIntervalSeconds * float64(time.Second)),
		CreditCeiling: cfg.Upstream.CreditCeiling,
	}

	pipeline := enrich.NewPipeline(client, fetchCfg, enrich.Options{
		HorizonSeconds: cfg.Enrich.HorizonSeconds,
		StepSeconds:    cfg.Enrich.StepSeconds,
		EvictAfter:     time.Duration(cfg.Enrich.EvictAfterSeconds * float64(time.Second)),
	}, log.Default())

	srv := server.New(pipeline, log.Default())

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// Verify the upstream is reachable before the loop takes over; a cold
	// API is common enough that a few retries beat failing the boot.
	warmUp(ctx, client, bbox)

	// Background refresh loop, pushing each pass to WebSocket clients
	go pipeline.Run(ctx, srv.Broadcast)

	httpServer := &http.Server{
		Addr:         fmt.Sprintf("%s:%s", cfg.Server.Host, cfg.Server.Port),
		Handler:      srv.Router(),
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	go func() {
		log.Printf("📡 Server listening on http://%s", httpServer.Addr)

		if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatalf("Server failed: %v", err)
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	log.Println("\n👋 Shutting down server...")
	cancel()

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer shutdownCancel()

	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		log.Fatalf("Server forced to shutdown: %v", err)
	}

	log.Println("✅ Server stopped")
}

// warmUp probes the upstream with backoff. Non-fatal: the orchestrator will
// keep retrying on its own cadence either way.
func warmUp(ctx context.Context, client *opensky.Client, bbox opensky.BoundingBox) {
	probeCtx, cancel := context.WithTimeout(ctx, time.Minute)
	defer cancel()

	resp, err := opensky.RetryWithBackoff(probeCtx, opensky.DefaultRetryConfig(),
		func() (*opensky.StatesResponse, error) {
			return client.States(probeCtx, bbox)
		})
	if err != nil {
		log.Printf("⚠️  Upstream not reachable yet: %v", err)
		return
	}
	log.Printf("✈️  Upstream reachable, %d aircraft in region", len(resp.States))
}
