// Package config loads the process's bootstrap configuration (an ini
// file) and the separately persisted circuit list (a JSON file).
package config

import (
	"encoding/json"
	"fmt"
	"os"
	"strconv"
	"time"

	"gopkg.in/ini.v1"

	"github.com/falconscript/proxyratemanager/internal/circuit"
)

// Config is the top-level bootstrap shape, loaded from an ini file.
type Config struct {
	Common     CommonConf     `ini:"common"`
	RateStore  RateStoreConf  `ini:"ratestore"`
	Daemon     DaemonConf     `ini:"daemon"`
	Discovery  DiscoveryConf  `ini:"discovery"`
}

type CommonConf struct {
	LogLevel      string `ini:"log_level"`
	ListenAddress string `ini:"listen_address"`
	ProbeURL      string `ini:"probe_url"`
}

type RateStoreConf struct {
	PersistPath      string `ini:"persist_path"`
	CompactThreshold int    `ini:"compact_threshold"`
}

type DaemonConf struct {
	BinaryName     string `ini:"binary_name"`
	MaxChangeTries int    `ini:"max_change_tries"`
}

type DiscoveryConf struct {
	Enabled                   bool `ini:"enabled"`
	CandidatesPath            string `ini:"candidates_path"`
	ScrapeIntervalHours       int  `ini:"scrape_interval_hours"`
	HealthCheckIntervalSeconds int `ini:"health_check_interval_seconds"`
}

// Default returns this package's built-in defaults, applied before an
// ini file is overlaid on top.
func Default() *Config {
	return &Config{
		Common: CommonConf{
			LogLevel:      "info",
			ListenAddress: ":8080",
			ProbeURL:      "http://localhost/raw_external_ip",
		},
		RateStore: RateStoreConf{
			PersistPath:      "proxyratecache-v1.json",
			CompactThreshold: 500,
		},
		Daemon: DaemonConf{
			BinaryName:     "tor",
			MaxChangeTries: 7,
		},
		Discovery: DiscoveryConf{
			Enabled:                    false,
			CandidatesPath:             "discovery-candidates.json",
			ScrapeIntervalHours:        6,
			HealthCheckIntervalSeconds: 300,
		},
	}
}

// LoadIni overlays fileName's ini contents onto cfg, then applies a
// handful of environment-variable overrides for values operators
// commonly need to change per-deployment without editing the file.
func LoadIni(cfg *Config, fileName string) error {
	iniFile, err := ini.Load(fileName)
	if err != nil {
		return err
	}
	if err := iniFile.MapTo(cfg); err != nil {
		return err
	}
	overrideFromEnvInt(&cfg.RateStore.CompactThreshold, "RATESTORE_COMPACT_THRESHOLD")
	overrideFromEnvInt(&cfg.Daemon.MaxChangeTries, "DAEMON_MAX_CHANGE_TRIES")
	return nil
}

func overrideFromEnvInt(target *int, envName string) {
	if v := os.Getenv(envName); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			*target = n
		}
	}
}

// circuitRecord is the on-disk JSON shape for one configured circuit,
// independent of circuit.Definition so the file format doesn't have to
// change shape if Definition's internals do.
type circuitRecord struct {
	Host                     string `json:"host"`
	Port                     int    `json:"port"`
	Username                 string `json:"username,omitempty"`
	Password                 string `json:"password,omitempty"`
	Scheme                   string `json:"scheme"`
	Name                     string `json:"name,omitempty"`
	InCyclingPool            bool   `json:"in_cycling_pool"`
	IsLocalDaemon            bool   `json:"is_local_daemon"`
	PollIntervalSeconds      int    `json:"poll_interval_seconds,omitempty"`
	HealIntervalSeconds      int    `json:"heal_interval_seconds,omitempty"`
	HealAmountPerInterval    int    `json:"heal_amount_per_interval,omitempty"`
}

// LoadCircuits reads the persisted circuit list from fileName. A
// missing file yields an empty list rather than an error.
func LoadCircuits(fileName string) ([]circuit.Definition, error) {
	data, err := os.ReadFile(fileName)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("config: failed to read circuits file: %w", err)
	}

	var records []circuitRecord
	if err := json.Unmarshal(data, &records); err != nil {
		return nil, fmt.Errorf("config: failed to unmarshal circuits file: %w", err)
	}

	defs := make([]circuit.Definition, 0, len(records))
	for _, r := range records {
		defs = append(defs, circuit.Definition{
			Host:                  r.Host,
			Port:                  r.Port,
			Username:              r.Username,
			Password:              r.Password,
			Scheme:                circuit.Scheme(r.Scheme),
			Name:                  r.Name,
			InCyclingPool:         r.InCyclingPool,
			IsLocalDaemon:         r.IsLocalDaemon,
			PollInterval:          time.Duration(r.PollIntervalSeconds) * time.Second,
			HealInterval:          time.Duration(r.HealIntervalSeconds) * time.Second,
			HealAmountPerInterval: r.HealAmountPerInterval,
		})
	}
	return defs, nil
}

// SaveCircuits writes defs to fileName as indented JSON.
func SaveCircuits(fileName string, defs []circuit.Definition) error {
	records := make([]circuitRecord, 0, len(defs))
	for _, d := range defs {
		records = append(records, circuitRecord{
			Host:                  d.Host,
			Port:                  d.Port,
			Username:              d.Username,
			Password:              d.Password,
			Scheme:                string(d.Scheme),
			Name:                  d.Name,
			InCyclingPool:         d.InCyclingPool,
			IsLocalDaemon:         d.IsLocalDaemon,
			PollIntervalSeconds:   int(d.PollInterval / time.Second),
			HealIntervalSeconds:   int(d.HealInterval / time.Second),
			HealAmountPerInterval: d.HealAmountPerInterval,
		})
	}

	data, err := json.MarshalIndent(records, "", "  ")
	if err != nil {
		return fmt.Errorf("config: failed to marshal circuits: %w", err)
	}
	return os.WriteFile(fileName, data, 0o644)
}
