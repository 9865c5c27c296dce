package app

import (
	"errors"
	"fmt"
	"io"
	"strings"
	"time"

	"proxybroker/internal/breaker"
	"proxybroker/internal/checker"
	"proxybroker/internal/config"
	"proxybroker/internal/database"
	"proxybroker/internal/domain"
	"proxybroker/internal/geo"
	"proxybroker/internal/manager"
	"proxybroker/internal/queue/taskproxy"
	"proxybroker/internal/source"
	"proxybroker/internal/support"
	"proxybroker/internal/taskpool"

	"github.com/charmbracelet/log"
	"github.com/redis/go-redis/v9"
	"gorm.io/gorm"
)

const (
	StoreMemory   = "memory"
	StoreDatabase = "database"
	StoreRedis    = "redis"

	taskPoolLeaderKey = "proxybroker:leader:task_pool"
	taskPoolRedisName = "default"
)

func openDatabase(cfg config.Config) (*gorm.DB, error) {
	dialector, err := database.Dialector(
		support.GetEnv("DB_DRIVER", cfg.Database.Driver),
		support.GetEnv("DB_SQLITE_PATH", cfg.Database.SQLitePath),
	)
	if err != nil {
		return nil, err
	}
	return database.SetupDB(database.WithDialector(dialector))
}

func breakerTemplate(cfg config.Config) breaker.Config {
	b := cfg.Breaker
	return breaker.Config{
		Policy:               breaker.Policy(strings.ToLower(strings.TrimSpace(b.Policy))),
		FailureThreshold:     int(b.FailureThreshold),
		WindowSize:           int(b.WindowSize),
		FailureRateThreshold: b.FailureRateThreshold,
		ResetTimeout:         time.Duration(b.ResetTimeout) * time.Second,
		HalfOpenMaxTrials:    int(b.HalfOpenMaxTrials),
	}
}

func newBreakerRegistry(cfg config.Config) (*breaker.Registry, error) {
	return breaker.NewRegistry(breakerTemplate(cfg), breaker.WithListener(breaker.LogEvent))
}

// newPoolStore picks the task pool backend. Shared backends need their
// connection; the memory store needs nothing.
func newPoolStore(cfg config.Config, db *gorm.DB, client *redis.Client) (taskpool.Store, error) {
	switch kind := strings.ToLower(strings.TrimSpace(cfg.TaskPool.Store)); kind {
	case "", StoreMemory:
		return taskpool.NewMemoryStore(), nil
	case StoreDatabase:
		if db == nil {
			return nil, errors.New("task pool store \"database\" needs a database connection")
		}
		return database.NewTaskProxyStore(db), nil
	case StoreRedis:
		if client == nil {
			return nil, errors.New("task pool store \"redis\" needs a redis connection")
		}
		return taskproxy.NewRedisStore(client, taskPoolRedisName), nil
	default:
		return nil, fmt.Errorf("unknown task pool store %q", kind)
	}
}

func newPool(cfg config.Config, store taskpool.Store, client *redis.Client) *taskpool.Pool {
	tp := cfg.TaskPool
	opts := []taskpool.Option{
		taskpool.WithSafetyFactor(tp.SafetyFactor),
		taskpool.WithMinProxies(int(tp.MinProxies)),
		taskpool.WithInterval(config.TimerOr(tp.MonitorTimer, taskpool.DefaultInterval)),
		taskpool.WithMaxFetchRounds(int(tp.MaxFetchRounds)),
		taskpool.WithFetchTimeout(config.Seconds(tp.FetchTimeout, taskpool.DefaultFetchTimeout)),
	}
	// Instances sharing a redis pool take turns replenishing it.
	if _, shared := store.(*taskproxy.RedisStore); shared && client != nil {
		leader := support.NewLeader(client, taskPoolLeaderKey, support.DefaultLeadershipTTL)
		opts = append(opts, taskpool.WithLeaderLock(leader.Run))
	}
	return taskpool.New(store, opts...)
}

func checkerSettings(cfg config.Config) checker.Settings {
	c := cfg.Checker
	return checker.Settings{
		TestURLs:      append([]string(nil), c.TestURLs...),
		IPPath:        c.IPPath,
		CountryPath:   c.CountryPath,
		Timeout:       config.Seconds(c.Timeout, 10*time.Second),
		MaxRetries:    int(c.MaxRetries),
		RetryDelay:    config.Milliseconds(c.RetryDelayMs, time.Second),
		UserAgent:     c.UserAgent,
		TargetCountry: c.TargetCountry,
	}
}

// newChecker returns the checker and a closer for the GeoIP database it may
// have opened.
func newChecker(cfg config.Config) (*checker.Checker, io.Closer, error) {
	var (
		opts   []checker.Option
		closer io.Closer = nopCloser{}
	)
	if path := strings.TrimSpace(cfg.Checker.GeoIPDatabase); path != "" {
		reader, err := geo.Open(path)
		if err != nil {
			return nil, nil, fmt.Errorf("open geoip database: %w", err)
		}
		opts = append(opts, checker.WithCountryResolver(reader))
		closer = reader
	}

	c, err := checker.New(checkerSettings(cfg), opts...)
	if err != nil {
		_ = closer.Close()
		return nil, nil, err
	}
	return c, closer, nil
}

func managerSettings(cfg config.Config) (manager.Settings, error) {
	settings := manager.DefaultSettings()
	m := cfg.Manager

	if m.DefaultSource != "" {
		st, err := domain.ParseSourceType(m.DefaultSource)
		if err != nil {
			return manager.Settings{}, err
		}
		settings.DefaultSource = st
	}
	settings.CacheTTL = config.Seconds(m.CacheTTL, settings.CacheTTL)
	settings.FailureTTL = time.Duration(m.FailureTTL) * time.Second
	if m.MaxFailures > 0 {
		settings.MaxFailures = int(m.MaxFailures)
	}
	if m.GetRetries > 0 {
		settings.GetRetries = int(m.GetRetries)
	}
	settings.RetryDelay = time.Duration(m.RetryDelayMs) * time.Millisecond
	if m.OverFetch > 0 {
		settings.OverFetch = m.OverFetch
	}
	settings.ValidateBatch = m.ValidateBatch

	tp := cfg.TaskPool
	settings.InitialPrefill = tp.InitialPrefill
	if tp.MaxProxyRetries > 0 {
		settings.MaxProxyRetries = int(tp.MaxProxyRetries)
	}
	settings.CheckOnReserve = tp.CheckOnReserve

	settings.CheckTimeout = config.Seconds(cfg.Checker.Timeout, settings.CheckTimeout)
	if cfg.Checker.MaxWorkers > 0 {
		settings.MaxWorkers = int(cfg.Checker.MaxWorkers)
	}
	return settings, nil
}

func fixedCandidate(fixed config.FixedProxy) (*domain.Candidate, error) {
	if !fixed.Configured() {
		return nil, nil
	}
	protocol, err := domain.ParseProtocol(fixed.Protocol)
	if err != nil {
		return nil, fmt.Errorf("fixed proxy: %w", err)
	}
	candidate, err := domain.NewCandidate(fixed.Host, int(fixed.Port), protocol, domain.SourceFixed)
	if err != nil {
		return nil, fmt.Errorf("fixed proxy: %w", err)
	}
	candidate.Username = fixed.Username
	candidate.Password = fixed.Password
	return &candidate, nil
}

// newSources builds the fetch sources that are configured. The returned
// closer shuts down the headless browser when one was started.
func newSources(cfg config.Config, db *gorm.DB) (map[domain.SourceType]manager.Source, io.Closer, error) {
	sources := make(map[domain.SourceType]manager.Source)
	var closer io.Closer = nopCloser{}

	if api := cfg.API; strings.TrimSpace(api.URL) != "" {
		protocol, err := domain.ParseProtocol(api.Protocol)
		if err != nil {
			return nil, nil, fmt.Errorf("api source: %w", err)
		}

		var opts []source.APIOption
		if api.Render {
			renderer := source.NewBrowserRenderer()
			opts = append(opts, source.WithRenderer(renderer))
			closer = renderer
		}

		apiSource, err := source.NewAPISource(source.APIConfig{
			URL:          api.URL,
			Protocol:     protocol,
			CallInterval: config.Milliseconds(api.CallIntervalMs, source.DefaultCallInterval),
			Timeout:      config.Seconds(api.Timeout, source.DefaultAPITimeout),
			Render:       api.Render,
		}, opts...)
		if err != nil {
			_ = closer.Close()
			return nil, nil, err
		}
		sources[domain.SourceAPI] = apiSource
	}

	if db != nil {
		sources[domain.SourcePool] = source.NewImportedSource(
			database.NewImportedProxyRepository(db),
			source.ImportedConfig{AllowReuse: cfg.Import.AllowReuse, Country: cfg.Import.Country},
		)
	}

	return sources, closer, nil
}

type nopCloser struct{}

func (nopCloser) Close() error { return nil }

type closers []io.Closer

func (c closers) Close() {
	for i := len(c) - 1; i >= 0; i-- {
		if err := c[i].Close(); err != nil {
			log.Warn("error while shutting down", "error", err)
		}
	}
}
