package handler

import (
	"context"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus"

	"github.com/hitoshi/apdelivery/internal/metrics"
	"github.com/hitoshi/apdelivery/internal/middleware"
)

// HealthChecker はストレージの疎通確認を行う。
type HealthChecker interface {
	PingContext(ctx context.Context) error
}

// RouterDeps はNewRouterに必要な依存関係をまとめた構造体。
type RouterDeps struct {
	// ミドルウェア依存
	Logger            *slog.Logger
	AdminToken        string
	CORSAllowedOrigin string
	RateLimiter       *middleware.RateLimiter

	// 公開エンドポイント。HealthCheckerがnilの場合は常に200を返す。
	HealthChecker HealthChecker
	Gatherer      prometheus.Gatherer

	// パーティション
	Coordinator PartitionCoordinator
	Stats       PartitionStatsReader

	// モデレーション
	Moderation ModerationService

	// キュー
	Enqueuer ActivityEnqueuer
	Queue    QueueReader
	Reaper   LeaseReaper
	Migrator LegacyMigrator
}

// NewRouter は全APIエンドポイントのルーティングとミドルウェアチェーンを構成したchi.Routerを返す。
//
// ミドルウェアスタックの実行順序:
//
//	CORS → /health, /metrics: Recovery
//	     → /api: RealIP → AdminAuth → Logging → Recovery → RateLimit → SecurityHeaders
//
// /health と /metrics は認証の外に配置する。/api のRecoveryは認証の後に置き、
// panicのログにprincipalを含め、アクセスログに500を残す。
func NewRouter(deps *RouterDeps) http.Handler {
	r := chi.NewRouter()

	logger := deps.Logger
	if logger == nil {
		logger = slog.Default()
	}

	r.Use(middleware.NewCORSMiddleware(deps.CORSAllowedOrigin))

	partitionHandler := NewPartitionHandler(deps.Coordinator, deps.Stats)
	moderationHandler := NewModerationHandler(deps.Moderation)
	queueHandler := NewQueueHandler(deps.Enqueuer, deps.Queue, deps.Reaper, deps.Migrator)

	// --- 認証不要のルート ---
	r.Group(func(r chi.Router) {
		r.Use(middleware.NewRecoveryMiddleware(logger))
		r.Get("/health", healthHandler(deps.HealthChecker))
		if deps.Gatherer != nil {
			r.Method(http.MethodGet, "/metrics", metrics.Handler(deps.Gatherer))
		}
	})

	// --- 管理API ---
	r.Route("/api", func(r chi.Router) {
		r.Use(chimw.RealIP)
		r.Use(middleware.NewAdminAuthMiddleware(deps.AdminToken))
		r.Use(middleware.NewLoggingMiddleware(logger))
		r.Use(middleware.NewRecoveryMiddleware(logger))
		if deps.RateLimiter != nil {
			r.Use(deps.RateLimiter.Middleware())
		}
		r.Use(middleware.NewSecurityHeadersMiddleware())

		// パーティション
		r.Route("/partitions", func(r chi.Router) {
			r.Get("/", partitionHandler.Stats)
			r.Post("/process", partitionHandler.ProcessAll)
			r.Post("/{key}/process", partitionHandler.ProcessPartition)
		})

		// ホスト・モデレーション
		r.Get("/hosts/rate-limited", moderationHandler.RateLimitedHosts)
		r.Route("/moderation", func(r chi.Router) {
			r.Get("/domains", moderationHandler.ListDomains)
			r.Post("/domains", moderationHandler.SetDomain)
			r.Get("/actors", moderationHandler.ListActors)
			r.Post("/actors", moderationHandler.SetActor)
			r.Delete("/actors", moderationHandler.DeleteActor)
		})

		// キュー
		r.Post("/activities", queueHandler.EnqueueActivity)
		r.Get("/batches", queueHandler.GetBatches)
		r.Route("/queue", func(r chi.Router) {
			r.Get("/failed", queueHandler.ListFailed)
			r.Post("/reap", queueHandler.Reap)
			r.Post("/migrate-legacy", queueHandler.MigrateLegacy)
		})
	})

	return r
}

// healthHandler はストレージに疎通できれば200、できなければ503を返す。
func healthHandler(checker HealthChecker) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if checker != nil {
			ctx, cancel := context.WithTimeout(r.Context(), 3*time.Second)
			defer cancel()
			if err := checker.PingContext(ctx); err != nil {
				slog.Warn("health check failed", slog.String("error", err.Error()))
				writeJSON(w, http.StatusServiceUnavailable, map[string]string{"status": "unavailable"})
				return
			}
		}
		writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
	}
}
