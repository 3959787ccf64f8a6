package main

import (
	"context"
	"fmt"
	"net"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"github.com/haven-home/haven/internal/api"
	"github.com/haven-home/haven/internal/config"
	"github.com/haven-home/haven/internal/logging"
	"github.com/haven-home/haven/internal/registry"
	"github.com/haven-home/haven/internal/secrets"
	"github.com/haven-home/haven/internal/spaces"
	"github.com/haven-home/haven/internal/store"
	"github.com/haven-home/haven/internal/supervisor"
	"github.com/haven-home/haven/internal/websocket"
)

// Version information (set at build time with -ldflags)
var (
	Version   = "dev"
	BuildTime = "unknown"
	GitCommit = "unknown"
)

const metricsPort = 9421

var rootCmd = &cobra.Command{
	Use:     "havend",
	Short:   "Haven - home automation adapter substrate",
	Long:    `Haven hosts process-isolated device adapters, routes and classifies their events, and maps discovered entities into configured spaces`,
	Version: Version,
	Run: func(cmd *cobra.Command, args []string) {
		runServer()
	},
}

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Print version information",
	Run: func(cmd *cobra.Command, args []string) {
		fmt.Printf("Haven %s\n", Version)
		if BuildTime != "unknown" {
			fmt.Printf("Built: %s\n", BuildTime)
		}
		if GitCommit != "unknown" {
			fmt.Printf("Commit: %s\n", GitCommit)
		}
	},
}

func init() {
	rootCmd.AddCommand(versionCmd)
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func runServer() {
	// Baseline logger for early startup logs
	logging.Init(logging.Config{
		Format:    "auto",
		Level:     "info",
		Component: "havend",
	})

	cfg, err := config.Load()
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to load configuration")
	}

	// Re-initialize logging with configuration-driven settings
	logging.Init(logging.Config{
		Format:    cfg.LogFormat,
		Level:     cfg.LogLevel,
		Component: "havend",
	})

	log.Info().Str("version", Version).Msg("Starting Haven daemon")

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	metricsAddr := net.JoinHostPort(cfg.BackendHost, strconv.Itoa(metricsPort))
	startMetricsServer(ctx, metricsAddr)

	st, err := store.Open(cfg.DatabasePath())
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to open store")
	}
	defer st.Close()

	secretStore, err := secrets.New(cfg.DataDir, st)
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to initialize secret store")
	}

	adapterRegistry := registry.New(cfg.AdapterDirs)
	stopWatch, err := adapterRegistry.Watch()
	if err != nil {
		log.Warn().Err(err).Msg("Adapter directory watching unavailable")
	} else {
		defer stopWatch()
	}

	spaceRegistry, err := loadSpaces(st)
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to load space registry")
	}

	hub := websocket.NewHub()
	go hub.Run()
	defer hub.Shutdown()

	pipeline := newEventPipeline(cfg, spaceRegistry, hub)

	sup := supervisor.New(adapterRegistry, secretStore, supervisor.Callbacks{
		OnReachabilityChange: func(adapterID string, reachable bool) {
			spaceRegistry.SetAdapterReachability(adapterID, reachable)
			hub.BroadcastReachability(adapterID, reachable)
		},
		OnEntityRegistration: pipeline.handleRegistration,
		OnStateChange:        pipeline.handleStateChange,
		OnExecute:            pipeline.handleExecute,
	}, supervisor.Options{
		PingInterval:   cfg.PingInterval,
		BackoffFloor:   cfg.BackoffFloor,
		BackoffCeiling: cfg.BackoffCeiling,
	})
	pipeline.bind(sup)

	stopTicks := make(chan struct{})
	go pipeline.classifier.Run(stopTicks)
	defer close(stopTicks)

	startConfiguredAdapters(ctx, st, sup)

	router := api.NewRouter(sup, spaceRegistry, st, hub)
	addr := net.JoinHostPort(cfg.BackendHost, strconv.Itoa(cfg.BackendPort))
	srv := &http.Server{
		Addr:         addr,
		Handler:      router.Handler(),
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 30 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	go func() {
		log.Info().Str("addr", addr).Msg("API listening")
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatal().Err(err).Msg("API server failed")
		}
	}()

	// Block until interrupted
	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
	sig := <-sigChan
	log.Info().Str("signal", sig.String()).Msg("Shutting down")

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer shutdownCancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Warn().Err(err).Msg("API server shutdown failed")
	}
	if err := sup.StopAll(shutdownCtx); err != nil {
		log.Warn().Err(err).Msg("Adapter shutdown incomplete")
	}
	cancel()

	log.Info().Msg("Shutdown complete")
}

// loadSpaces assembles the in-memory space registry from the persisted rows.
func loadSpaces(st *store.Store) (*spaces.Registry, error) {
	spaceRows, err := st.ListSpaces()
	if err != nil {
		return nil, fmt.Errorf("list spaces: %w", err)
	}
	sourceRows, err := st.ListSources()
	if err != nil {
		return nil, fmt.Errorf("list sources: %w", err)
	}
	propertyRows, err := st.ListSourceProperties()
	if err != nil {
		return nil, fmt.Errorf("list source properties: %w", err)
	}
	rows := make([]spaces.PropertyRow, 0, len(propertyRows))
	for _, row := range propertyRows {
		rows = append(rows, spaces.PropertyRow{SourceID: row.SourceID, Property: row.Property})
	}
	return spaces.Load(spaceRows, sourceRows, rows), nil
}

// startConfiguredAdapters boots every persisted adapter record. Failures are
// logged; the supervisor keeps retrying retryable ones with backoff.
func startConfiguredAdapters(ctx context.Context, st *store.Store, sup *supervisor.Supervisor) {
	records, err := st.ListAdapters()
	if err != nil {
		log.Error().Err(err).Msg("Failed to list configured adapters")
		return
	}
	for _, rec := range records {
		go func() {
			if err := sup.Start(ctx, rec); err != nil {
				log.Warn().Err(err).Str("adapterId", rec.ID).Msg("Adapter failed to start")
			}
		}()
	}
}
