package app

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"sync"
	"syscall"

	"github.com/charmbracelet/log"
	"github.com/google/uuid"
	"github.com/joho/godotenv"
	"github.com/redis/go-redis/v9"

	"proxybroker/internal/app/server"
	"proxybroker/internal/auth"
	"proxybroker/internal/config"
	"proxybroker/internal/database"
	"proxybroker/internal/domain"
	"proxybroker/internal/jobs/runtime"
	"proxybroker/internal/manager"
	"proxybroker/internal/support"
)

type options struct {
	settingsPath string
	port         int
	tasks        int
	source       string
	serve        bool
	logLevel     string
}

func parseFlags(args []string) (options, error) {
	var opts options
	fs := flag.NewFlagSet("proxybroker", flag.ContinueOnError)
	fs.StringVar(&opts.settingsPath, "settings", config.DefaultSettingsPath, "Path to the settings file")
	fs.IntVar(&opts.port, "port", 0, "Port for the API server (overrides settings)")
	fs.IntVar(&opts.tasks, "tasks", 0, "Start a task session sized for this many tasks")
	fs.StringVar(&opts.source, "source", "", "Proxy source for the task session or one-off lookup")
	fs.BoolVar(&opts.serve, "serve", true, "Serve the HTTP API")
	fs.StringVar(&opts.logLevel, "log-level", support.GetEnv("LOG_LEVEL", "debug"), "Log level")
	if err := fs.Parse(args); err != nil {
		return options{}, err
	}
	return opts, nil
}

func Run() error {
	if err := godotenv.Load(); err != nil {
		log.Warn("No .env file found. Falling back to system environment variables.")
	}

	opts, err := parseFlags(os.Args[1:])
	if err != nil {
		return err
	}
	if level, err := log.ParseLevel(opts.logLevel); err == nil {
		log.SetLevel(level)
	} else {
		log.Warn("invalid log level, using debug", "value", opts.logLevel)
		log.SetLevel(log.DebugLevel)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	return run(ctx, opts)
}

func run(ctx context.Context, opts options) error {
	store, err := config.NewStore(opts.settingsPath)
	if err != nil {
		return fmt.Errorf("load settings: %w", err)
	}
	cfg := store.Get()

	var (
		cleanup closers
		jobs    sync.WaitGroup
	)
	jobCtx, cancelJobs := context.WithCancel(ctx)
	defer func() {
		cancelJobs()
		jobs.Wait()
		cleanup.Close()
	}()

	var redisClient *redis.Client
	if support.GetEnvBool("REDIS_ENABLED", cfg.Redis.Enabled) || strings.EqualFold(cfg.TaskPool.Store, StoreRedis) {
		url := cfg.Redis.URL
		if url == "" {
			url = support.RedisURLFromEnv()
		}
		redisClient, err = support.NewRedisClient(ctx, url)
		if err != nil {
			return fmt.Errorf("failed to get redis client: %w", err)
		}
		cleanup = append(cleanup, redisClient)

		if cfg.Redis.SyncSettings {
			if err := store.EnableRedisSync(jobCtx, redisClient); err != nil {
				log.Error("settings sync disabled", "error", err)
			}
			cfg = store.Get()
		}
	}

	db, err := openDatabase(cfg)
	if err != nil {
		if strings.EqualFold(cfg.TaskPool.Store, StoreDatabase) {
			return fmt.Errorf("failed to open database: %w", err)
		}
		log.Warn("database unavailable, imported pool and check history are disabled", "error", err)
		db = nil
	}

	registry, err := newBreakerRegistry(cfg)
	if err != nil {
		return fmt.Errorf("circuit breaker settings: %w", err)
	}

	poolStore, err := newPoolStore(cfg, db, redisClient)
	if err != nil {
		return err
	}
	pool := newPool(cfg, poolStore, redisClient)

	proxyChecker, geoCloser, err := newChecker(cfg)
	if err != nil {
		return err
	}
	cleanup = append(cleanup, geoCloser)

	sources, sourceCloser, err := newSources(cfg, db)
	if err != nil {
		return err
	}
	cleanup = append(cleanup, sourceCloser)

	fixed, err := fixedCandidate(cfg.Fixed)
	if err != nil {
		return err
	}

	settings, err := managerSettings(cfg)
	if err != nil {
		return err
	}

	instanceID := uuid.NewString()
	var leader *support.Leader
	if redisClient != nil {
		heartbeat := runtime.NewHeartbeat(redisClient, config.TimerOr(cfg.Runtime.HeartbeatTimer, runtime.DefaultHeartbeatInterval))
		instanceID = heartbeat.ID()
		goJob(jobCtx, &jobs, heartbeat.Run)
		leader = support.NewLeader(redisClient, runtime.HistoryCleanupLockKey, support.DefaultLeadershipTTL)
	}

	var (
		recorder manager.Recorder
		checks   *database.ProxyCheckRepository
		imported *database.ImportedProxyRepository
	)
	if db != nil {
		checks = database.NewProxyCheckRepository(db)
		imported = database.NewImportedProxyRepository(db)

		history := runtime.NewCheckHistory(checks, config.TimerOr(cfg.Runtime.HistoryFlushTimer, runtime.DefaultHistoryFlushInterval))
		recorder = history
		goJob(jobCtx, &jobs, history.Run)

		retention := config.TimerOr(cfg.Runtime.HistoryRetention, runtime.DefaultHistoryRetention)
		goJob(jobCtx, &jobs, func(ctx context.Context) {
			runtime.StartHistoryCleanup(ctx, checks, retention, leader)
		})
	}

	mgr, err := manager.New(manager.Dependencies{
		Checker:  proxyChecker,
		Sources:  sources,
		Fixed:    fixed,
		Pool:     pool,
		Breakers: registry,
		Recorder: recorder,
	}, settings)
	if err != nil {
		return err
	}

	log.Info("Proxy manager ready",
		"default_source", settings.DefaultSource,
		"sources", len(sources),
		"task_pool_store", cfg.TaskPool.Store,
		"instance", instanceID,
	)

	source := domain.SourceType("")
	if opts.source != "" {
		if source, err = domain.ParseSourceType(opts.source); err != nil {
			return err
		}
	}

	if opts.tasks > 0 {
		sessionSource := source
		if sessionSource == "" {
			sessionSource = domain.SourceAPI
		}
		if err := mgr.StartTaskSession(ctx, opts.tasks, sessionSource); err != nil {
			return fmt.Errorf("start task session: %w", err)
		}
		defer mgr.StopTaskSession()
	}

	if !opts.serve {
		if opts.tasks > 0 {
			<-ctx.Done()
			return nil
		}
		return lookupOnce(ctx, mgr, source)
	}

	issuer, admin, err := newAuth()
	if err != nil {
		return err
	}

	var (
		importedPool server.ImportedPool
		checkLister  server.CheckHistory
	)
	if db != nil {
		importedPool = imported
		checkLister = checks
	}

	srv, err := server.New(server.Dependencies{
		Manager:    mgr,
		Issuer:     issuer,
		Admin:      admin,
		Settings:   store,
		Imported:   importedPool,
		Checks:     checkLister,
		URLs:       proxyChecker,
		Redis:      redisClient,
		InstanceID: instanceID,
	})
	if err != nil {
		return err
	}

	port := opts.port
	if port == 0 {
		port = resolvePort("PROXYBROKER_PORT", "BACKEND_PORT", int(cfg.Server.Port))
	}
	return srv.ListenAndServe(ctx, port)
}

// lookupOnce prints one validated proxy and exits.
func lookupOnce(ctx context.Context, mgr *manager.Manager, source domain.SourceType) error {
	acquired, err := mgr.GetProxy(ctx, source)
	if err != nil {
		return err
	}
	if acquired.IsDirect() {
		log.Info("Direct connection validated", "ip", acquired.Result.IP, "response_time", acquired.Result.ResponseTime)
		return nil
	}
	log.Info("Proxy validated",
		"source", acquired.Source,
		"proxy", acquired.Candidate.String(),
		"ip", acquired.Result.IP,
		"response_time", acquired.Result.ResponseTime,
	)
	return nil
}

func newAuth() (*auth.Issuer, auth.Admin, error) {
	secret := os.Getenv("JWT_SECRET")
	if secret == "" {
		secret = strings.ReplaceAll(uuid.NewString()+uuid.NewString(), "-", "")
		log.Warn("JWT_SECRET not set, tokens will not survive a restart")
	}
	issuer, err := auth.NewIssuer(secret, support.GetEnvDuration("JWT_TTL", auth.DefaultTokenTTL))
	if err != nil {
		return nil, auth.Admin{}, err
	}

	admin := auth.Admin{
		Username:     support.GetEnv("ADMIN_USERNAME", "admin"),
		PasswordHash: os.Getenv("ADMIN_PASSWORD_HASH"),
	}
	if !admin.Configured() {
		log.Warn("ADMIN_PASSWORD_HASH not set, POST /login is disabled")
	}
	return issuer, admin, nil
}

func goJob(ctx context.Context, wg *sync.WaitGroup, fn func(context.Context)) {
	wg.Add(1)
	go func() {
		defer wg.Done()
		fn(ctx)
	}()
}

func resolvePort(primaryEnv, legacyEnv string, fallback int) int {
	if port := readPort(primaryEnv); port != 0 {
		return port
	}
	if port := readPort(legacyEnv); port != 0 {
		return port
	}
	return fallback
}

func readPort(envKey string) int {
	raw := os.Getenv(envKey)
	if raw == "" {
		return 0
	}
	port, err := strconv.Atoi(raw)
	if err != nil || port == 0 {
		log.Warn("invalid port override", "env", envKey, "value", raw)
		return 0
	}
	return port
}
