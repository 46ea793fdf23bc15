// Command engine runs the trade execution core: broker client, state
// store, risk manager, engine loop, market stream and status server,
// wired together with graceful shutdown.
package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"log"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"golang.org/x/sync/errgroup"

	"tradexec/internal/broker"
	"tradexec/internal/config"
	"tradexec/internal/dashboard"
	"tradexec/internal/engine"
	"tradexec/internal/models"
	"tradexec/internal/risk"
	"tradexec/internal/storage"
	"tradexec/internal/stream"
)

func main() {
	var configPath string
	flag.StringVar(&configPath, "config", "config.yaml", "Path to configuration file")
	flag.Parse()

	// .env is optional; real deployments set the environment directly.
	_ = godotenv.Load()

	cfg, err := config.Load(configPath)
	if err != nil {
		log.Fatalf("Failed to load config: %v", err)
	}

	logger := log.New(os.Stdout, "[ENGINE] ", log.LstdFlags)
	logger.Printf("starting in %s mode (trading_enabled=%v)",
		cfg.Environment.Mode, cfg.Environment.TradingEnabled)
	if cfg.Environment.Mode == "live" {
		logger.Println("LIVE MODE: real orders will be placed")
	}

	if err := run(cfg, logger); err != nil && err != context.Canceled {
		logger.Fatalf("engine exited: %v", err)
	}
	logger.Println("engine stopped")
}

func run(cfg *config.Config, logger *log.Logger) error {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	store, err := storage.New(cfg.Storage.Path)
	if err != nil {
		return fmt.Errorf("opening storage: %w", err)
	}

	restClient := broker.NewClient(broker.ClientConfig{
		BaseURL:     cfg.Broker.BaseURL,
		APIKey:      cfg.Broker.APIKey,
		AccessToken: cfg.Broker.AccessToken,
		Timeout:     cfg.Broker.Timeout.Std(),
		ReqPerSec:   cfg.Broker.ReqPerSec,
	})
	brk := broker.NewBreakerBroker(restClient, logger)

	riskManager, err := risk.NewManager(cfg, store, logger)
	if err != nil {
		return fmt.Errorf("building risk manager: %w", err)
	}

	catalog, err := loadCatalog(cfg.Instruments.Path)
	if err != nil {
		return fmt.Errorf("loading instrument catalog: %w", err)
	}
	logger.Printf("instrument catalog: %d contracts", len(catalog))

	eng, err := engine.New(engine.Params{
		Config: cfg,
		Logger: logger,
		Store:  store,
		Broker: brk,
		Risk:   riskManager,
		Instruments: func(token int64) (models.Instrument, bool) {
			entry, ok := catalog[token]
			if !ok {
				return models.Instrument{}, false
			}
			return entry.Instrument, true
		},
		Options: func(token int64) *models.OptionMeta {
			entry, ok := catalog[token]
			if !ok {
				return nil
			}
			return entry.OptionMeta
		},
	})
	if err != nil {
		return fmt.Errorf("building engine: %w", err)
	}

	feed := stream.NewClient(cfg.Stream, logger, stream.Callbacks{
		OnTick:        eng.OnTick,
		OnOrderUpdate: eng.OnOrderUpdate,
		OnConnect: func() {
			// Postbacks may have been missed while disconnected.
			eng.RequestReconcile("stream connect")
		},
		OnDisconnect: func(err error) {
			logger.Printf("stream disconnected: %v", err)
		},
	})

	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error { return eng.Run(ctx) })
	g.Go(func() error { return feed.Run(ctx) })

	if cfg.Dashboard.Enabled {
		statusServer := dashboard.NewServer(cfg.Dashboard, store, riskManager, eng, logger)
		g.Go(statusServer.Start)
		g.Go(func() error {
			<-ctx.Done()
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			return statusServer.Shutdown(shutdownCtx)
		})
	}

	err = g.Wait()
	if serr := store.Save(); serr != nil {
		logger.Printf("final state save: %v", serr)
	}
	return err
}

// catalogEntry is one row of the instrument catalog file.
type catalogEntry struct {
	Token      int64              `json:"instrument_token"`
	Instrument models.Instrument  `json:"instrument"`
	OptionMeta *models.OptionMeta `json:"option_meta,omitempty"`
}

// loadCatalog reads the JSON contract catalog. An empty path yields an
// empty catalog; every signal then fails the instrument gate, which is
// the safe default.
func loadCatalog(path string) (map[int64]catalogEntry, error) {
	catalog := make(map[int64]catalogEntry)
	if path == "" {
		return catalog, nil
	}
	data, err := os.ReadFile(path) // #nosec G304 -- operator-provided catalog path
	if err != nil {
		return nil, err
	}
	var entries []catalogEntry
	if err := json.Unmarshal(data, &entries); err != nil {
		return nil, fmt.Errorf("parsing %s: %w", path, err)
	}
	for _, entry := range entries {
		catalog[entry.Token] = entry
	}
	return catalog, nil
}
