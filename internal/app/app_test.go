package app

import (
	"fmt"
	"testing"
	"time"

	"proxybroker/internal/breaker"
	"proxybroker/internal/config"
	"proxybroker/internal/database"
	"proxybroker/internal/domain"
	"proxybroker/internal/taskpool"

	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
)

func mustSQLite(t *testing.T) gorm.Dialector {
	t.Helper()
	return sqlite.Open(fmt.Sprintf("file:%s?mode=memory&cache=shared&_fk=1", t.Name()))
}

func TestReadPort(t *testing.T) {
	t.Setenv("PROXYBROKER_PORT_VALID", "12345")
	if got := readPort("PROXYBROKER_PORT_VALID"); got != 12345 {
		t.Fatalf("readPort returned %d, want 12345", got)
	}

	t.Setenv("PROXYBROKER_PORT_INVALID", "not-a-number")
	if got := readPort("PROXYBROKER_PORT_INVALID"); got != 0 {
		t.Fatalf("readPort with invalid value returned %d, want 0", got)
	}

	t.Setenv("PROXYBROKER_PORT_ZERO", "0")
	if got := readPort("PROXYBROKER_PORT_ZERO"); got != 0 {
		t.Fatalf("readPort with zero value returned %d, want 0", got)
	}
}

func TestResolvePort(t *testing.T) {
	t.Run("primary env overrides fallback", func(t *testing.T) {
		t.Setenv("PRIMARY_PORT", "5050")
		if got := resolvePort("PRIMARY_PORT", "LEGACY_PORT", 8080); got != 5050 {
			t.Fatalf("resolvePort returned %d, want 5050", got)
		}
	})

	t.Run("legacy env used when primary missing", func(t *testing.T) {
		t.Setenv("LEGACY_PORT", "6060")
		if got := resolvePort("PRIMARY_MISSING", "LEGACY_PORT", 8080); got != 6060 {
			t.Fatalf("resolvePort returned %d, want 6060", got)
		}
	})

	t.Run("fallback used when env unset", func(t *testing.T) {
		if got := resolvePort("UNSET_PRIMARY", "UNSET_LEGACY", 9090); got != 9090 {
			t.Fatalf("resolvePort returned %d, want 9090", got)
		}
	})
}

func TestParseFlags(t *testing.T) {
	opts, err := parseFlags([]string{"-port", "9000", "-tasks", "50", "-source", "pool", "-serve=false"})
	if err != nil {
		t.Fatalf("parseFlags returned error: %v", err)
	}
	if opts.port != 9000 || opts.tasks != 50 || opts.source != "pool" || opts.serve {
		t.Fatalf("parseFlags returned %+v", opts)
	}
	if opts.settingsPath != config.DefaultSettingsPath {
		t.Fatalf("settings path = %q, want %q", opts.settingsPath, config.DefaultSettingsPath)
	}

	if _, err := parseFlags([]string{"-unknown"}); err == nil {
		t.Fatal("parseFlags accepted an unknown flag")
	}
}

func TestManagerSettingsFromDefaults(t *testing.T) {
	settings, err := managerSettings(config.Default())
	if err != nil {
		t.Fatalf("managerSettings returned error: %v", err)
	}

	if settings.DefaultSource != domain.SourceDirect {
		t.Fatalf("default source = %q, want direct", settings.DefaultSource)
	}
	if settings.CacheTTL != 300*time.Second || settings.FailureTTL != 30*time.Second {
		t.Fatalf("cache ttls = %s/%s, want 5m/30s", settings.CacheTTL, settings.FailureTTL)
	}
	if settings.RetryDelay != time.Second || settings.GetRetries != 3 {
		t.Fatalf("retries = %d every %s, want 3 every 1s", settings.GetRetries, settings.RetryDelay)
	}
	if settings.InitialPrefill != 0.3 || settings.OverFetch != 1.5 {
		t.Fatalf("prefill/over-fetch = %v/%v, want 0.3/1.5", settings.InitialPrefill, settings.OverFetch)
	}
	if settings.MaxWorkers != 10 || settings.CheckTimeout != 10*time.Second || !settings.CheckOnReserve {
		t.Fatalf("check settings = %+v", settings)
	}
}

func TestManagerSettingsRejectsUnknownSource(t *testing.T) {
	cfg := config.Default()
	cfg.Manager.DefaultSource = "carrier-pigeon"
	if _, err := managerSettings(cfg); err == nil {
		t.Fatal("managerSettings accepted an unknown source")
	}
}

func TestBreakerRegistryFromSettings(t *testing.T) {
	cfg := config.Default()
	cfg.Breaker.Policy = "Percentage"
	cfg.Breaker.ResetTimeout = 30

	registry, err := newBreakerRegistry(cfg)
	if err != nil {
		t.Fatalf("newBreakerRegistry returned error: %v", err)
	}
	b, err := registry.Get("api")
	if err != nil {
		t.Fatalf("Get returned error: %v", err)
	}
	stats := b.Stats()
	if stats.Policy != breaker.PolicyPercentage || stats.WindowSize != 10 {
		t.Fatalf("breaker stats = %+v, want percentage over 10", stats)
	}

	cfg.Breaker.Policy = "sometimes"
	if _, err := newBreakerRegistry(cfg); err == nil {
		t.Fatal("newBreakerRegistry accepted an unknown policy")
	}
}

func TestNewPoolStore(t *testing.T) {
	cfg := config.Default()

	store, err := newPoolStore(cfg, nil, nil)
	if err != nil {
		t.Fatalf("newPoolStore returned error: %v", err)
	}
	if _, ok := store.(*taskpool.MemoryStore); !ok {
		t.Fatalf("default store is %T, want *taskpool.MemoryStore", store)
	}

	cfg.TaskPool.Store = "database"
	if _, err := newPoolStore(cfg, nil, nil); err == nil {
		t.Fatal("database store without a connection returned nil error")
	}

	db, err := database.SetupDB(database.WithDialector(mustSQLite(t)))
	if err != nil {
		t.Fatalf("SetupDB returned error: %v", err)
	}
	store, err = newPoolStore(cfg, db, nil)
	if err != nil {
		t.Fatalf("newPoolStore returned error: %v", err)
	}
	if _, ok := store.(*database.TaskProxyStore); !ok {
		t.Fatalf("database store is %T, want *database.TaskProxyStore", store)
	}

	cfg.TaskPool.Store = "redis"
	if _, err := newPoolStore(cfg, nil, nil); err == nil {
		t.Fatal("redis store without a client returned nil error")
	}

	cfg.TaskPool.Store = "carrier-pigeon"
	if _, err := newPoolStore(cfg, nil, nil); err == nil {
		t.Fatal("unknown store returned nil error")
	}
}

func TestFixedCandidate(t *testing.T) {
	candidate, err := fixedCandidate(config.FixedProxy{})
	if err != nil || candidate != nil {
		t.Fatalf("unconfigured fixed proxy returned %v, %v", candidate, err)
	}

	candidate, err = fixedCandidate(config.FixedProxy{Protocol: "socks5", Host: "198.51.100.7", Port: 1080, Username: "u", Password: "p"})
	if err != nil {
		t.Fatalf("fixedCandidate returned error: %v", err)
	}
	if candidate.Source != domain.SourceFixed || candidate.Protocol != domain.ProtocolSOCKS5 || candidate.Username != "u" {
		t.Fatalf("fixedCandidate returned %+v", candidate)
	}

	if _, err := fixedCandidate(config.FixedProxy{Protocol: "gopher", Host: "198.51.100.7", Port: 1080}); err == nil {
		t.Fatal("fixedCandidate accepted an unknown protocol")
	}
}

func TestNewSources(t *testing.T) {
	cfg := config.Default()

	sources, closer, err := newSources(cfg, nil)
	if err != nil {
		t.Fatalf("newSources returned error: %v", err)
	}
	defer closer.Close()
	if len(sources) != 0 {
		t.Fatalf("newSources returned %d sources without api url or database, want 0", len(sources))
	}

	cfg.API.URL = "https://vendor.example.com/extract?num=10"
	db, err := database.SetupDB(database.WithDialector(mustSQLite(t)))
	if err != nil {
		t.Fatalf("SetupDB returned error: %v", err)
	}
	sources, closer, err = newSources(cfg, db)
	if err != nil {
		t.Fatalf("newSources returned error: %v", err)
	}
	defer closer.Close()
	if sources[domain.SourceAPI] == nil || sources[domain.SourcePool] == nil {
		t.Fatalf("newSources returned %v, want api and pool", sources)
	}

	cfg.API.URL = "ftp://vendor.example.com"
	if _, _, err := newSources(cfg, nil); err == nil {
		t.Fatal("newSources accepted a non-http api url")
	}
}
