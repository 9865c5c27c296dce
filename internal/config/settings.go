package config

import (
	_ "embed"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"slices"
	"sync"
	"sync/atomic"

	"github.com/charmbracelet/log"
)

type Config struct {
	Manager struct {
		DefaultSource string  `json:"default_source"`
		CacheTTL      uint32  `json:"cache_ttl"`
		FailureTTL    uint32  `json:"failure_ttl"`
		MaxFailures   uint32  `json:"max_failures"`
		GetRetries    uint32  `json:"get_retries"`
		RetryDelayMs  uint32  `json:"retry_delay_ms"`
		OverFetch     float64 `json:"over_fetch"`
		ValidateBatch bool    `json:"validate_batch"`
	} `json:"manager"`

	Breaker struct {
		Policy               string  `json:"policy"`
		FailureThreshold     uint32  `json:"failure_threshold"`
		WindowSize           uint32  `json:"window_size"`
		FailureRateThreshold float64 `json:"failure_rate_threshold"`
		ResetTimeout         uint32  `json:"reset_timeout"`
		HalfOpenMaxTrials    uint32  `json:"half_open_max_trials"`
	} `json:"breaker"`

	TaskPool struct {
		Store           string  `json:"store"`
		SafetyFactor    float64 `json:"safety_factor"`
		InitialPrefill  float64 `json:"initial_prefill"`
		MinProxies      uint32  `json:"min_proxies"`
		MonitorTimer    Timer   `json:"monitor_timer"`
		MaxFetchRounds  uint32  `json:"max_fetch_rounds"`
		FetchTimeout    uint32  `json:"fetch_timeout"`
		MaxProxyRetries uint32  `json:"max_proxy_retries"`
		CheckOnReserve  bool    `json:"check_on_reserve"`
	} `json:"task_pool"`

	Checker struct {
		TestURLs      []string `json:"test_urls"`
		IPPath        string   `json:"ip_path"`
		CountryPath   string   `json:"country_path"`
		Timeout       uint32   `json:"timeout"`
		MaxRetries    uint32   `json:"max_retries"`
		RetryDelayMs  uint32   `json:"retry_delay_ms"`
		UserAgent     string   `json:"user_agent"`
		TargetCountry string   `json:"target_country"`
		GeoIPDatabase string   `json:"geoip_database"`
		MaxWorkers    uint32   `json:"max_workers"`
	} `json:"checker"`

	API struct {
		URL            string `json:"url"`
		Protocol       string `json:"protocol"`
		CallIntervalMs uint32 `json:"call_interval_ms"`
		Timeout        uint32 `json:"timeout"`
		Render         bool   `json:"render"`
	} `json:"api"`

	Fixed FixedProxy `json:"fixed"`

	Import struct {
		AllowReuse bool   `json:"allow_reuse"`
		Country    string `json:"country"`
	} `json:"import"`

	Database struct {
		Driver     string `json:"driver"`
		SQLitePath string `json:"sqlite_path"`
	} `json:"database"`

	Redis struct {
		Enabled      bool   `json:"enabled"`
		URL          string `json:"url"`
		SyncSettings bool   `json:"sync_settings"`
	} `json:"redis"`

	Server struct {
		Port uint16 `json:"port"`
	} `json:"server"`

	Runtime struct {
		HeartbeatTimer    Timer `json:"heartbeat_timer"`
		HistoryRetention  Timer `json:"history_retention"`
		HistoryFlushTimer Timer `json:"history_flush_timer"`
	} `json:"runtime"`
}

type FixedProxy struct {
	Protocol string `json:"protocol"`
	Host     string `json:"host"`
	Port     uint16 `json:"port"`
	Username string `json:"username"`
	Password string `json:"password"`
}

func (f FixedProxy) Configured() bool {
	return f.Host != "" && f.Port != 0
}

type Timer struct {
	Days    uint32 `json:"days"`
	Hours   uint32 `json:"hours"`
	Minutes uint32 `json:"minutes"`
	Seconds uint32 `json:"seconds"`
}

const DefaultSettingsPath = "data/settings.json"

//go:embed default_settings.json
var defaultConfig []byte

// Default returns the embedded default settings.
func Default() Config {
	var cfg Config
	if err := json.Unmarshal(defaultConfig, &cfg); err != nil {
		panic(fmt.Errorf("config: embedded defaults are invalid: %w", err))
	}
	return cfg
}

// Load reads path over the embedded defaults, so keys missing from the file
// keep their default value. A missing file is created from the defaults.
func Load(path string) (Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		if !os.IsNotExist(err) {
			return Config{}, fmt.Errorf("read settings: %w", err)
		}

		log.Warn("Settings file not found, creating with default configuration", "path", path)
		if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
			return Config{}, fmt.Errorf("create settings directory: %w", err)
		}
		if err := os.WriteFile(path, defaultConfig, 0o644); err != nil {
			return Config{}, fmt.Errorf("write default settings: %w", err)
		}
		data = defaultConfig
	}

	cfg := Default()
	if err := json.Unmarshal(data, &cfg); err != nil {
		return Config{}, fmt.Errorf("parse settings %s: %w", path, err)
	}
	return cfg, nil
}

// Store holds the live settings of one process. Updates are written back to
// the settings file and, once redis synchronisation is enabled, shared with
// the other instances.
type Store struct {
	path   string
	value  atomic.Value
	mu     sync.Mutex
	remote redisSync
}

func NewStore(path string) (*Store, error) {
	if path == "" {
		path = DefaultSettingsPath
	}
	cfg, err := Load(path)
	if err != nil {
		return nil, err
	}

	s := &Store{path: path}
	s.value.Store(cfg)
	log.Debug("Settings file loaded successfully", "path", path)
	return s, nil
}

// Get returns a copy of the current settings.
func (s *Store) Get() Config {
	cfg := s.value.Load().(Config)
	cfg.Checker.TestURLs = slices.Clone(cfg.Checker.TestURLs)
	return cfg
}

func (s *Store) Path() string {
	return s.path
}

// Update applies fn to a copy of the current settings and publishes the
// result.
func (s *Store) Update(fn func(cfg *Config)) (Config, error) {
	if fn == nil {
		return Config{}, errors.New("config: updater cannot be nil")
	}
	cfg := s.Get()
	fn(&cfg)
	return cfg, s.apply(cfg, updateOptions{persist: true, broadcast: true, source: "local"})
}

type updateOptions struct {
	persist   bool
	broadcast bool
	source    string
}

func (s *Store) apply(cfg Config, opts updateOptions) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.value.Store(cfg)

	var errs []error
	if opts.persist || opts.broadcast {
		data, err := json.MarshalIndent(cfg, "", "  ")
		if err != nil {
			return fmt.Errorf("marshal settings: %w", err)
		}
		if opts.persist {
			if err := os.WriteFile(s.path, data, 0o644); err != nil {
				log.Error("Error writing new configuration to file", "error", err)
				errs = append(errs, err)
			}
		}
		if opts.broadcast {
			if err := s.remote.broadcast(data); err != nil {
				log.Error("Error broadcasting configuration update", "error", err)
				errs = append(errs, err)
			}
		}
	}

	log.Debug("Configuration applied", "source", opts.source)
	return errors.Join(errs...)
}
