// Command phantomlinkd is the PhantomLink Core process entry point: it
// loads configuration, constructs the dataset, noise stage, session
// manager, side bus, and HTTP server, then blocks until interrupted,
// mirroring the teacher's RunRPCServer's block-until-SIGINT-then-Stop
// shutdown sequence.
package main

import (
	"context"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"time"

	phantomlink "github.com/yelabb/PhantomLink"
	"github.com/yelabb/PhantomLink/config"
	"github.com/yelabb/PhantomLink/httpapi"
	"github.com/yelabb/PhantomLink/sidebus"
)

func main() {
	logger := log.New(os.Stderr, "phantomlinkd: ", log.LstdFlags)

	cfg, err := config.Load()
	if err != nil {
		logger.Fatalf("configuration error: %v", err)
	}

	datasetConfig := phantomlink.DefaultSyntheticDatasetConfig(cfg.DatasetName)
	if err := datasetConfig.Validate(); err != nil {
		logger.Fatalf("dataset error: %v", err)
	}
	dataset := phantomlink.NewSyntheticDataset(datasetConfig)
	logger.Printf("loaded dataset %q: %d channels, %.1fs, %d trials",
		cfg.DatasetName, dataset.NumChannels(), dataset.DurationSeconds(), len(dataset.TrialList()))

	noiseConfig := phantomlink.NoiseConfig{
		Enabled:         cfg.NoiseInjectionEnabled,
		StdDev:          cfg.NoiseStd,
		DriftEnabled:    cfg.NoiseInjectionEnabled,
		DriftAmplitude:  cfg.DriftAmplitude,
		DriftPeriodSecs: cfg.DriftPeriodSeconds,
	}

	sm := phantomlink.NewSessionManager(dataset, noiseConfig, cfg.MaxConnections, cfg.SessionTTL, logger)
	defer sm.StopAll()

	bus := buildSideBus(cfg, logger)
	defer bus.Close()

	publicURL := fmt.Sprintf("ws://%s:%d", cfg.Host, cfg.Port)
	server := httpapi.NewServer(sm, dataset, bus, publicURL, cfg.DatasetName, logger)

	httpServer := &http.Server{
		Addr:    cfg.Addr(),
		Handler: server.Router(),
	}

	go runCleanupLoop(sm, logger)

	go func() {
		logger.Printf("listening on %s", cfg.Addr())
		if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Fatalf("server error: %v", err)
		}
	}()

	interruptCatcher := make(chan os.Signal, 1)
	signal.Notify(interruptCatcher, os.Interrupt)
	<-interruptCatcher

	logger.Printf("shutting down")
	sm.StopAll()

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := httpServer.Shutdown(ctx); err != nil {
		logger.Printf("shutdown error: %v", err)
	}
}

// buildSideBus constructs the optional research-bus publisher. Failure to
// bind the PUB socket degrades to sidebus.Noop rather than failing
// startup, per spec.md §6.4's "must tolerate ... its initialization
// failure" requirement.
func buildSideBus(cfg config.Config, logger *log.Logger) sidebus.Publisher {
	if !cfg.LSLEnabled {
		return sidebus.Noop{}
	}
	publisher, err := sidebus.NewCZMQPublisher(sidebus.Config{
		Hostname:   "tcp://*:5556",
		StreamName: cfg.LSLStreamName,
		StreamType: cfg.LSLStreamType,
		SourceID:   cfg.LSLSourceID,
	}, logger)
	if err != nil {
		logger.Printf("side bus unavailable, continuing without it: %v", err)
		return sidebus.Noop{}
	}
	return publisher
}

// runCleanupLoop periodically evicts idle sessions, per spec.md §4.4's
// "runs periodically (e.g. every 5 min) on a background task owned by
// the process."
func runCleanupLoop(sm *phantomlink.SessionManager, logger *log.Logger) {
	ticker := time.NewTicker(5 * time.Minute)
	defer ticker.Stop()
	for range ticker.C {
		if n := sm.CleanupExpired(); n > 0 {
			logger.Printf("cleaned up %d expired sessions", n)
		}
	}
}
