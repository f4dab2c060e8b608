package main

import (
	"flag"
	"fmt"
	"net/http"
	"os"
	"path/filepath"
	"time"

	"github.com/falconscript/proxyratemanager/internal/coordinator"
	"github.com/falconscript/proxyratemanager/internal/daemon"
	"github.com/falconscript/proxyratemanager/internal/discovery"
	"github.com/falconscript/proxyratemanager/internal/pool"
	"github.com/falconscript/proxyratemanager/internal/ratestore"
	"github.com/falconscript/proxyratemanager/internal/shared/config"
	"github.com/falconscript/proxyratemanager/internal/shared/logger"
	"github.com/falconscript/proxyratemanager/internal/statushub"
)

func main() {
	configDir := flag.String("configdir", "configs", "path to config directory")
	flag.Parse()

	iniPath := filepath.Join(*configDir, "ratemanager.ini")
	circuitsPath := filepath.Join(*configDir, "circuits.json")

	cfg := config.Default()
	if err := config.LoadIni(cfg, iniPath); err != nil {
		fmt.Fprintf(os.Stderr, "fatal: failed to load config file %q: %v\n", iniPath, err)
		os.Exit(1)
	}

	if err := logger.Init(cfg.Common.LogLevel); err != nil {
		fmt.Fprintf(os.Stderr, "fatal: failed to initialize logger: %v\n", err)
		os.Exit(1)
	}

	circuitDefs, err := config.LoadCircuits(circuitsPath)
	if err != nil {
		logger.Fatal().Err(err).Str("path", circuitsPath).Msg("failed to load circuits file")
	}

	store := ratestore.New(nil)
	store.SetCompactThreshold(cfg.RateStore.CompactThreshold)
	if err := store.Load(cfg.RateStore.PersistPath); err != nil {
		logger.Fatal().Err(err).Msg("failed to load rate store cache")
	}

	circuitPool := pool.New(nil)
	supervisor := daemon.New(daemon.NewOSProcessController(), cfg.Daemon.BinaryName, nil)

	co := coordinator.New(circuitPool, store, supervisor, cfg.RateStore.PersistPath, cfg.Common.ProbeURL)
	co.SetMaxChangeTries(cfg.Daemon.MaxChangeTries)

	hub := statushub.NewHub()
	go hub.Run()
	co.SetStatusPublisher(hub)

	for _, def := range circuitDefs {
		if _, err := co.AddCircuit(def); err != nil {
			logger.Error().Err(err).Str("host", def.Host).Msg("failed to add configured circuit")
		}
	}

	if cfg.Discovery.Enabled {
		startDiscovery(cfg, co)
	}

	mux := http.NewServeMux()
	mux.HandleFunc("/status/ws", func(w http.ResponseWriter, r *http.Request) {
		statushub.ServeWs(hub, w, r)
	})

	logger.Info().Str("addr", cfg.Common.ListenAddress).Msg("ratemanager listening")
	if err := http.ListenAndServe(cfg.Common.ListenAddress, mux); err != nil {
		logger.Fatal().Err(err).Msg("http server exited")
	}
}

func startDiscovery(cfg *config.Config, co *coordinator.Coordinator) {
	storage := discovery.NewFileStorage(cfg.Discovery.CandidatesPath)
	mgr := discovery.New(storage, co.AddCircuit, cfg.Common.ProbeURL)
	mgr.AddScraper(discovery.NewIP3366Scraper())
	mgr.AddScraper(discovery.NewKuaidailiScraper())

	mgr.Start(
		time.Duration(cfg.Discovery.ScrapeIntervalHours)*time.Hour,
		time.Duration(cfg.Discovery.HealthCheckIntervalSeconds)*time.Second,
	)
}
