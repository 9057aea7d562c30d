// Package config loads the single ThemisDB configuration document (YAML)
// and applies THEMIS_* environment variable overrides.
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"

	"github.com/themisdb/themisdb/internal/errs"
	"gopkg.in/yaml.v3"
)

// Storage configures the KV substrate and on-disk layout.
type Storage struct {
	RocksdbPath      string `yaml:"rocksdb_path"`
	MemtableSizeMB   int    `yaml:"memtable_size_mb"`
	BlockCacheSizeMB int    `yaml:"block_cache_size_mb"`
	MaxOpenFiles     int    `yaml:"max_open_files"`
	RollbackDir      string `yaml:"rollback_dir"`
}

// Server configures the thin transport facade's listen parameters.
type Server struct {
	Port          int `yaml:"port"`
	WorkerThreads int `yaml:"worker_threads"`
}

// TLS configures the transport facade's TLS termination (collaborator-owned).
type TLS struct {
	Enabled bool `yaml:"enabled"`
}

// RBAC toggles the RBAC/ABAC collaborator.
type RBAC struct {
	Enabled bool `yaml:"enabled"`
}

// RateLimiting toggles per-connection request throttling.
type RateLimiting struct {
	Enabled bool `yaml:"enabled"`
}

// Security groups the TLS/RBAC/rate-limiting collaborator toggles.
type Security struct {
	TLS          TLS          `yaml:"tls"`
	RBAC         RBAC         `yaml:"rbac"`
	RateLimiting RateLimiting `yaml:"rate_limiting"`
}

// Logging configures the global logger.
type Logging struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
}

// VectorIndex configures the ANN engine defaults.
type VectorIndex struct {
	Engine             string `yaml:"engine"`
	HNSWM              int    `yaml:"hnsw_m"`
	HNSWEfConstruction int    `yaml:"hnsw_ef_construction"`
	SavePath           string `yaml:"save_path"`
}

// Features toggles optional subsystems.
type Features struct {
	CDC            bool `yaml:"cdc"`
	SemanticCache  bool `yaml:"semantic_cache"`
	Timeseries     bool `yaml:"timeseries"`
	UpdateChecker  bool `yaml:"update_checker"`
	HotReload      bool `yaml:"hot_reload"`
}

// Tracing configures OTLP export (collaborator-owned span emission).
type Tracing struct {
	Enabled      bool   `yaml:"enabled"`
	OTLPEndpoint string `yaml:"otlp_endpoint"`
}

// SSE configures change-feed streaming rate limits.
type SSE struct {
	MaxEventsPerSecond int `yaml:"max_events_per_second"`
}

// Config is the single configuration document described in spec.md §6.
type Config struct {
	Storage     Storage     `yaml:"storage"`
	Server      Server      `yaml:"server"`
	Security    Security    `yaml:"security"`
	Logging     Logging     `yaml:"logging"`
	VectorIndex VectorIndex `yaml:"vector_index"`
	Features    Features    `yaml:"features"`
	Tracing     Tracing     `yaml:"tracing"`
	SSE         SSE         `yaml:"sse"`
}

// Default returns the baseline configuration, matching a fresh single-node
// deployment.
func Default() *Config {
	return &Config{
		Storage: Storage{
			RocksdbPath:      "./data/themis.db",
			MemtableSizeMB:   64,
			BlockCacheSizeMB: 256,
			MaxOpenFiles:     512,
			RollbackDir:      "./data/rollback",
		},
		Server: Server{Port: 8529, WorkerThreads: 4},
		Logging: Logging{Level: "info", Format: "json"},
		VectorIndex: VectorIndex{
			Engine:             "hnsw",
			HNSWM:              16,
			HNSWEfConstruction: 200,
			SavePath:           "./data/vector",
		},
		Features: Features{CDC: true, SemanticCache: true, Timeseries: true},
		SSE:      SSE{MaxEventsPerSecond: 50},
	}
}

// Load reads a YAML document from path and applies THEMIS_* environment
// overrides on top of it.
func Load(path string) (*Config, error) {
	cfg := Default()
	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, errs.Wrap(errs.ConfigInvalid, "read config file", err)
		}
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, errs.Wrap(errs.ConfigInvalid, "parse config yaml", err)
		}
	}
	if err := applyEnvOverrides(cfg); err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate checks invariants that would otherwise surface as confusing
// failures deep inside the engine.
func (c *Config) Validate() error {
	if c.Storage.RocksdbPath == "" {
		return errs.New(errs.ConfigInvalid, "storage.rocksdb_path must be set")
	}
	if c.Server.Port < 0 || c.Server.Port > 65535 {
		return errs.Newf(errs.ConfigInvalid, "server.port out of range: %d", c.Server.Port)
	}
	return nil
}

// envOverrides maps dotted config paths to their THEMIS_* environment name
// and a setter that applies a raw string value onto cfg.
var envOverrides = map[string]func(c *Config, v string) error{
	"storage.rocksdb_path": func(c *Config, v string) error { c.Storage.RocksdbPath = v; return nil },
	"storage.memtable_size_mb": func(c *Config, v string) error {
		n, err := strconv.Atoi(v)
		if err != nil {
			return err
		}
		c.Storage.MemtableSizeMB = n
		return nil
	},
	"server.port": func(c *Config, v string) error {
		n, err := strconv.Atoi(v)
		if err != nil {
			return err
		}
		c.Server.Port = n
		return nil
	},
	"security.tls.enabled": func(c *Config, v string) error {
		b, err := strconv.ParseBool(v)
		if err != nil {
			return err
		}
		c.Security.TLS.Enabled = b
		return nil
	},
	"security.rbac.enabled": func(c *Config, v string) error {
		b, err := strconv.ParseBool(v)
		if err != nil {
			return err
		}
		c.Security.RBAC.Enabled = b
		return nil
	},
	"logging.level":  func(c *Config, v string) error { c.Logging.Level = v; return nil },
	"logging.format": func(c *Config, v string) error { c.Logging.Format = v; return nil },
	"features.cdc": func(c *Config, v string) error {
		b, err := strconv.ParseBool(v)
		if err != nil {
			return err
		}
		c.Features.CDC = b
		return nil
	},
	"features.semantic_cache": func(c *Config, v string) error {
		b, err := strconv.ParseBool(v)
		if err != nil {
			return err
		}
		c.Features.SemanticCache = b
		return nil
	},
	"vector_index.save_path": func(c *Config, v string) error { c.VectorIndex.SavePath = v; return nil },
}

func applyEnvOverrides(cfg *Config) error {
	for path, setter := range envOverrides {
		name := "THEMIS_" + strings.ToUpper(strings.ReplaceAll(path, ".", "_"))
		if v, ok := os.LookupEnv(name); ok {
			if err := setter(cfg, v); err != nil {
				return errs.Wrap(errs.ConfigInvalid, fmt.Sprintf("invalid override %s=%q", name, v), err)
			}
		}
	}
	return nil
}
