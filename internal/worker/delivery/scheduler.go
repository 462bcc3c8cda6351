package delivery

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/robfig/cron/v3"

	"github.com/hitoshi/apdelivery/internal/model"
)

// AllRunner は全パーティションの配送を1回実行する。
type AllRunner interface {
	RunAll(ctx context.Context, concurrencyLimit int) (model.CoordinatorResult, error)
}

// Job は定期実行されるジョブ。
type Job interface {
	Run(ctx context.Context) error
}

// Scheduler はcron式に従って配送サイクルとクリーンアップジョブを起動する。
// 前回の実行が終わっていない場合、その回の起動はスキップする。
type Scheduler struct {
	runner      AllRunner
	cleanup     Job
	logger      *slog.Logger
	concurrency int
	cron        *cron.Cron
}

// NewScheduler はSchedulerを生成する。cleanupはnil可。
func NewScheduler(runner AllRunner, cleanup Job, logger *slog.Logger, concurrency int) *Scheduler {
	cl := cronLogger{logger: logger}
	return &Scheduler{
		runner:      runner,
		cleanup:     cleanup,
		logger:      logger,
		concurrency: concurrency,
		cron: cron.New(cron.WithChain(
			cron.Recover(cl),
			cron.SkipIfStillRunning(cl),
		)),
	}
}

// Start はジョブを登録してスケジューラを起動し、ctxがキャンセルされるまでブロックする。
// 停止時は実行中のジョブの完了を待つ。
func (s *Scheduler) Start(ctx context.Context, deliverySpec, cleanupSpec string) error {
	if _, err := s.cron.AddFunc(deliverySpec, func() { s.runDelivery(ctx) }); err != nil {
		return fmt.Errorf("配送スケジュールの登録に失敗しました: %w", err)
	}
	if s.cleanup != nil && cleanupSpec != "" {
		if _, err := s.cron.AddFunc(cleanupSpec, func() { s.runCleanup(ctx) }); err != nil {
			return fmt.Errorf("クリーンアップスケジュールの登録に失敗しました: %w", err)
		}
	}

	s.logger.Info("配送スケジューラを開始しました",
		slog.String("delivery_schedule", deliverySpec),
		slog.String("cleanup_schedule", cleanupSpec),
		slog.Int("concurrency", s.concurrency),
	)

	// 起動直後に1回実行
	s.runDelivery(ctx)

	s.cron.Start()
	<-ctx.Done()
	<-s.cron.Stop().Done()

	s.logger.Info("配送スケジューラを停止しました")
	return nil
}

func (s *Scheduler) runDelivery(ctx context.Context) {
	if ctx.Err() != nil {
		return
	}
	if _, err := s.runner.RunAll(ctx, s.concurrency); err != nil {
		s.logger.Error("配送サイクルの実行に失敗しました",
			slog.String("error", err.Error()),
		)
	}
}

func (s *Scheduler) runCleanup(ctx context.Context) {
	if ctx.Err() != nil {
		return
	}
	if err := s.cleanup.Run(ctx); err != nil {
		s.logger.Error("クリーンアップジョブの実行に失敗しました",
			slog.String("error", err.Error()),
		)
	}
}

// cronLogger はcron.Loggerをslogに橋渡しする。
type cronLogger struct {
	logger *slog.Logger
}

func (l cronLogger) Info(msg string, keysAndValues ...interface{}) {
	l.logger.Debug(msg, keysAndValues...)
}

func (l cronLogger) Error(err error, msg string, keysAndValues ...interface{}) {
	l.logger.Error(msg, append(keysAndValues, "error", err.Error())...)
}

var _ cron.Logger = cronLogger{}
