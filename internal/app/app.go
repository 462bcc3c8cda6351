package app

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"math"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/redis/go-redis/v9"
	"golang.org/x/time/rate"

	"github.com/hitoshi/apdelivery/internal/config"
	"github.com/hitoshi/apdelivery/internal/database"
	"github.com/hitoshi/apdelivery/internal/fanout"
	"github.com/hitoshi/apdelivery/internal/handler"
	"github.com/hitoshi/apdelivery/internal/legacy"
	"github.com/hitoshi/apdelivery/internal/logger"
	"github.com/hitoshi/apdelivery/internal/metrics"
	"github.com/hitoshi/apdelivery/internal/middleware"
	"github.com/hitoshi/apdelivery/internal/partition"
	"github.com/hitoshi/apdelivery/internal/registry"
	"github.com/hitoshi/apdelivery/internal/repository"
	"github.com/hitoshi/apdelivery/internal/security"
	"github.com/hitoshi/apdelivery/internal/transport"
	"github.com/hitoshi/apdelivery/internal/worker/cleanup"
	"github.com/hitoshi/apdelivery/internal/worker/delivery"
)

// errorSnippetLength はlast_errorに残すリモート応答本文の最大長。
const errorSnippetLength = 512

// Init はアプリケーションの初期化を行う。
// 環境変数からConfigを読み込み、JSON構造化ログをセットアップする。
// writerが指定された場合はログ出力先としてそのwriterを使用する。
func Init(w io.Writer) (*config.Config, error) {
	// 1. ログの初期化（設定読み込み前にログを使えるようにする）
	logger.SetupDefault(w)

	// 2. 環境変数から設定を読み込む
	cfg, err := config.Load()
	if err != nil {
		return nil, fmt.Errorf("failed to load config: %w", err)
	}
	logger.SetLevel(cfg.LogLevel)

	return cfg, nil
}

// Run はアプリケーションのメインエントリーポイント。
// コマンドライン引数からサブコマンドを解析し、対応するモードで起動する。
// argsにはos.Args[1:]を渡す。
func Run(w io.Writer, args []string) error {
	cmd := ParseCommand(args)

	// healthcheck は軽量サブコマンドのため、フル初期化をスキップする
	if cmd == CommandHealthcheck {
		port := os.Getenv("SERVER_PORT")
		if port == "" {
			port = "8080"
		}
		return runHealthcheck(port)
	}

	cfg, err := Init(w)
	if err != nil {
		return fmt.Errorf("initialization failed: %w", err)
	}

	slog.Info("starting application",
		slog.String("command", string(cmd)),
		slog.String("store_backend", string(cfg.StoreBackend)),
		slog.Int("partition_count", cfg.PartitionCount),
	)

	// SIGINTまたはSIGTERMでキャンセルされるコンテキスト
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	switch cmd {
	case CommandWorker:
		return runWorker(ctx, cfg)
	case CommandMigrate:
		return runMigrate(cfg)
	case CommandMigrateLegacy:
		return runMigrateLegacy(ctx, cfg)
	default:
		return runServe(ctx, cfg)
	}
}

// components は全モードで共有する依存関係。
type components struct {
	cfg    *config.Config
	logger *slog.Logger

	db    *sql.DB       // メモリバックエンドではnil
	redis *redis.Client // REDIS_URL未設定時はnil

	store      repository.QueueStore
	activities repository.ActivityRepository
	moderation repository.ModerationRepository
	windows    repository.RateWindowRepository
	legacy     repository.LegacyQueueRepository

	promRegistry *prometheus.Registry
	collector    *metrics.Collector

	partitioner *partition.Partitioner
	registry    *registry.Registry
	throttle    *transport.HostThrottle
	batcher     *fanout.Batcher
	coordinator *delivery.Coordinator
	migrator    *legacy.Migrator
	cleanup     *cleanup.CleanupJob
}

// newComponents は設定に従ってストレージを開き、全コンポーネントをワイヤリングする。
func newComponents(ctx context.Context, cfg *config.Config, log *slog.Logger) (*components, error) {
	c := &components{
		cfg:          cfg,
		logger:       log,
		partitioner:  partition.New(cfg.PartitionCount),
		promRegistry: prometheus.NewRegistry(),
	}

	// 1. ストレージ
	switch cfg.StoreBackend {
	case config.StoreBackendMemory:
		store := repository.NewMemoryQueueRepo(time.Now)
		c.store = store
		c.activities = store
		c.moderation = repository.NewMemoryModerationRepo(time.Now)
		c.windows = repository.NewMemoryRateWindowRepo()
		c.legacy = repository.NewMemoryLegacyQueueRepo()
		log.Warn("メモリバックエンドで起動します。プロセス終了時にキューは失われます")
	default:
		db, err := database.Open(cfg.DatabaseURL)
		if err != nil {
			return nil, fmt.Errorf("failed to open database: %w", err)
		}
		if err := db.PingContext(ctx); err != nil {
			db.Close()
			return nil, fmt.Errorf("failed to connect to database: %w", err)
		}
		log.Info("database connection established")

		c.db = db
		c.store = repository.NewPostgresQueueRepo(db)
		c.activities = repository.NewPostgresActivityRepo(db)
		c.moderation = repository.NewPostgresModerationRepo(db)
		c.windows = repository.NewPostgresRateWindowRepo(db)
		c.legacy = repository.NewPostgresLegacyQueueRepo(db)
	}

	// 2. 送信量ウィンドウはRedisがあれば複数ワーカーで共有する
	if cfg.RedisURL != "" {
		opts, err := redis.ParseURL(cfg.RedisURL)
		if err != nil {
			c.Close()
			return nil, fmt.Errorf("failed to parse REDIS_URL: %w", err)
		}
		client := redis.NewClient(opts)
		if err := client.Ping(ctx).Err(); err != nil {
			client.Close()
			c.Close()
			return nil, fmt.Errorf("failed to connect to redis: %w", err)
		}
		log.Info("redis connection established")

		c.redis = client
		c.windows = repository.NewRedisRateWindowRepo(client, "")
	}

	// 3. メトリクス
	c.promRegistry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	c.collector = metrics.NewCollector(c.promRegistry)

	// 4. レジストリ
	c.registry = registry.New(c.moderation, c.windows, registry.Config{
		AutoProbationThreshold: cfg.AutoProbationThreshold,
		AutoProbationWindow:    cfg.AutoProbationWindow,
	}, log, registry.WithObserver(c.collector))

	// 5. 配送
	guard := security.NewInboxGuard()
	c.throttle = transport.NewHostThrottle(transport.ThrottleConfig{
		NormalRate:      rate.Limit(cfg.HostRatePerSecond),
		NormalBurst:     burstFor(cfg.HostRatePerSecond),
		ProbationRate:   rate.Limit(cfg.ProbationRatePerSecond),
		ProbationBurst:  1,
		CleanupInterval: 5 * time.Minute,
	})
	deliverer := transport.NewHTTPDeliverer(
		guard.NewDeliveryClient(cfg.DeliveryTimeout),
		transport.NopSigner{},
		cfg.UserAgent,
		cfg.DeliveryMaxResponseSize,
	)
	worker := delivery.NewWorker(
		c.store, c.activities, c.registry, deliverer, c.throttle,
		security.NewErrorSanitizer(errorSnippetLength), c.collector, log,
		delivery.Config{
			BatchSize:     cfg.DeliveryBatchSize,
			Concurrency:   cfg.DeliveryWorkerConcurrency,
			LeaseDuration: cfg.DeliveryLeaseDuration,
			Retry: delivery.RetryPolicy{
				MaxAttempts:    cfg.DeliveryMaxAttempts,
				InitialBackoff: cfg.BackoffInitial,
				MaxBackoff:     cfg.BackoffMax,
			},
			Policy: delivery.ProbationPolicy(cfg.ProbationMaxAttempts),
		},
	)
	c.coordinator = delivery.NewCoordinator(
		c.store, worker, c.partitioner, c.collector, log,
		cfg.DeliveryBatchSize, cfg.CoordinatorConcurrency,
	)

	// 6. ファンアウト・移行・クリーンアップ
	c.batcher = fanout.NewBatcher(c.store, c.partitioner, guard, nil, log)
	c.migrator = legacy.NewMigrator(c.legacy, c.store, c.partitioner, log, legacy.DefaultPageSize)

	var exec cleanup.Executor
	if c.db != nil {
		exec = c.db
	}
	c.cleanup = cleanup.NewCleanupJob(c.windows, exec, log)
	c.cleanup.WindowRetention = cfg.RateWindowRetention

	return c, nil
}

// Close は開いた接続とバックグラウンド処理を閉じる。
func (c *components) Close() {
	if c.throttle != nil {
		c.throttle.Stop()
	}
	if c.redis != nil {
		c.redis.Close()
	}
	if c.db != nil {
		c.db.Close()
	}
}

// healthChecker はストレージの疎通確認先を返す。メモリバックエンドではnil。
func (c *components) healthChecker() handler.HealthChecker {
	if c.db == nil {
		return nil
	}
	return c.db
}

// router は管理APIのルーターを構成する。
func (c *components) router(rl *middleware.RateLimiter) http.Handler {
	return handler.NewRouter(&handler.RouterDeps{
		Logger:            c.logger,
		AdminToken:        c.cfg.AdminAPIToken,
		CORSAllowedOrigin: c.cfg.CORSAllowedOrigin,
		RateLimiter:       rl,

		HealthChecker: c.healthChecker(),
		Gatherer:      c.promRegistry,

		Coordinator: c.coordinator,
		Stats:       c.store,
		Moderation:  c.registry,

		Enqueuer: c.batcher,
		Queue:    c.store,
		Reaper:   c.coordinator,
		Migrator: c.migrator,
	})
}

// scheduler は配送とクリーンアップの定期実行スケジューラを構成する。
func (c *components) scheduler() *delivery.Scheduler {
	return delivery.NewScheduler(c.coordinator, c.cleanup, c.logger, c.cfg.CoordinatorConcurrency)
}

// runServe は管理APIサーバーモードで起動する。
// ctxがキャンセルされるとグレースフルシャットダウンを行う。
// メモリバックエンドでは別プロセスのワーカーとキューを共有できないため、同一プロセスでスケジューラも動かす。
func runServe(ctx context.Context, cfg *config.Config) error {
	c, err := newComponents(ctx, cfg, slog.Default())
	if err != nil {
		return err
	}
	defer c.Close()

	rl := middleware.NewRateLimiter(middleware.DefaultRateLimiterConfig(cfg.RateLimitAdmin))
	defer rl.Stop()

	schedulerDone := make(chan struct{})
	if cfg.StoreBackend == config.StoreBackendMemory {
		go func() {
			defer close(schedulerDone)
			if err := c.scheduler().Start(ctx, cfg.DeliverySchedule, cfg.CleanupSchedule); err != nil {
				slog.Error("scheduler failed", slog.String("error", err.Error()))
			}
		}()
	} else {
		close(schedulerDone)
	}

	server := &http.Server{
		Addr:         ":" + cfg.ServerPort,
		Handler:      c.router(rl),
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 5 * time.Minute, // 手動の全パーティション処理を待つ
		IdleTimeout:  60 * time.Second,
	}

	err = serveUntilDone(ctx, server, "API server")
	<-schedulerDone
	return err
}

// runWorker は配送ワーカーモードで起動する。
// スケジューラをメインgoroutineで実行し、メトリクスを別ポートで公開する。
func runWorker(ctx context.Context, cfg *config.Config) error {
	c, err := newComponents(ctx, cfg, slog.Default())
	if err != nil {
		return err
	}
	defer c.Close()

	metricsServer := &http.Server{
		Addr:         ":" + cfg.WorkerMetricsPort,
		Handler:      metrics.SetupMetricsRoute(c.promRegistry),
		ReadTimeout:  5 * time.Second,
		WriteTimeout: 10 * time.Second,
	}
	metricsDone := make(chan struct{})
	go func() {
		defer close(metricsDone)
		if err := serveUntilDone(ctx, metricsServer, "worker metrics server"); err != nil {
			slog.Error("metrics server failed", slog.String("error", err.Error()))
		}
	}()

	slog.Info("worker starting",
		slog.String("delivery_schedule", cfg.DeliverySchedule),
		slog.Int("coordinator_concurrency", cfg.CoordinatorConcurrency),
		slog.Int("worker_concurrency", cfg.DeliveryWorkerConcurrency),
	)

	err = c.scheduler().Start(ctx, cfg.DeliverySchedule, cfg.CleanupSchedule)
	<-metricsDone
	if err != nil {
		return fmt.Errorf("scheduler failed: %w", err)
	}

	slog.Info("worker stopped gracefully")
	return nil
}

// runMigrate はデータベースマイグレーションを実行する。
// すべての未適用マイグレーションを順番に適用する。
func runMigrate(cfg *config.Config) error {
	if cfg.StoreBackend == config.StoreBackendMemory {
		slog.Info("memory backend: no migrations to run")
		return nil
	}

	slog.Info("running database migrations",
		slog.String("database_url", maskDatabaseURL(cfg.DatabaseURL)),
	)

	version, err := database.RunMigrations(cfg.DatabaseURL)
	if err != nil {
		return fmt.Errorf("migration failed: %w", err)
	}

	slog.Info("database migrations completed successfully", slog.Uint64("version", uint64(version)))
	return nil
}

// runMigrateLegacy は旧単一キューの未移行行をパーティション付きキューへ移行する。
// 冪等であり、再実行しても既に移行した行は取り込まない。
func runMigrateLegacy(ctx context.Context, cfg *config.Config) error {
	c, err := newComponents(ctx, cfg, slog.Default())
	if err != nil {
		return err
	}
	defer c.Close()

	n, err := c.migrator.Migrate(ctx)
	if err != nil {
		return fmt.Errorf("legacy migration failed: %w", err)
	}

	slog.Info("legacy queue migration completed", slog.Int("migrated_count", n))
	return nil
}

// serveUntilDone はHTTPサーバーを起動し、ctxがキャンセルされたらシャットダウンする。
func serveUntilDone(ctx context.Context, server *http.Server, name string) error {
	errCh := make(chan error, 1)
	go func() {
		slog.Info(name+" starting", slog.String("addr", server.Addr))
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case err, ok := <-errCh:
		if ok && err != nil {
			return fmt.Errorf("%s listen error: %w", name, err)
		}
		return nil
	case <-ctx.Done():
	}

	slog.Info("shutting down " + name + "...")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if err := server.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("%s shutdown failed: %w", name, err)
	}

	slog.Info(name + " stopped gracefully")
	return nil
}

// runHealthcheck はヘルスチェックを実行する。
// distroless環境でのDockerヘルスチェック用サブコマンド。
// /health エンドポイントにHTTPリクエストを送り、結果を返す。
func runHealthcheck(port string) error {
	url := fmt.Sprintf("http://localhost:%s/health", port)
	client := &http.Client{Timeout: 5 * time.Second}

	resp, err := client.Get(url)
	if err != nil {
		return fmt.Errorf("health check failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("health check returned status %d", resp.StatusCode)
	}

	return nil
}

// burstFor は送信レートから許容するバーストサイズを求める。最低1。
func burstFor(perSecond float64) int {
	b := int(math.Ceil(perSecond))
	if b < 1 {
		return 1
	}
	return b
}

// maskDatabaseURL はデータベースURLの認証情報をマスクする。
func maskDatabaseURL(url string) string {
	if len(url) > 20 {
		return url[:12] + "***@..."
	}
	return "***"
}
