package delivery

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/hitoshi/apdelivery/internal/metrics"
	"github.com/hitoshi/apdelivery/internal/model"
	"github.com/hitoshi/apdelivery/internal/partition"
	"github.com/hitoshi/apdelivery/internal/repository"
)

// ErrInvalidPartition は範囲外のパーティションが指定された場合のエラー。
var ErrInvalidPartition = errors.New("invalid partition key")

// PartitionRunner は1パーティションの配送を実行する。
type PartitionRunner interface {
	RunPartition(ctx context.Context, partitionKey, batchSize int) (model.WorkerResult, error)
}

// Coordinator はリース回収と、Pendingのあるパーティションへのワーカー割り当てを行う。
// スケジューラと管理APIの手動実行は同じメソッドを呼ぶ。
type Coordinator struct {
	store       repository.QueueStore
	runner      PartitionRunner
	partitioner *partition.Partitioner
	metrics     metrics.MetricsCollector
	logger      *slog.Logger
	batchSize   int
	concurrency int
}

// NewCoordinator はCoordinatorを生成する。
// concurrencyは全パーティション走査時の既定の並列数（0以下の場合は4）。
func NewCoordinator(
	store repository.QueueStore,
	runner PartitionRunner,
	partitioner *partition.Partitioner,
	collector metrics.MetricsCollector,
	logger *slog.Logger,
	batchSize, concurrency int,
) *Coordinator {
	if concurrency <= 0 {
		concurrency = 4
	}
	if collector == nil {
		collector = metrics.Nop{}
	}
	return &Coordinator{
		store:       store,
		runner:      runner,
		partitioner: partitioner,
		metrics:     collector,
		logger:      logger,
		batchSize:   batchSize,
		concurrency: concurrency,
	}
}

// PartitionCount はパーティション数を返す。
func (c *Coordinator) PartitionCount() int {
	return c.partitioner.Count()
}

// RunAll は期限切れリースを回収した後、Pendingが1件以上あるパーティションを
// 最大concurrencyLimit並列で処理する。concurrencyLimitが0以下の場合は既定値を使う。
// 個々のパーティションの失敗はログに記録して残りの処理を続ける。
func (c *Coordinator) RunAll(ctx context.Context, concurrencyLimit int) (model.CoordinatorResult, error) {
	result := model.CoordinatorResult{PerPartition: []model.WorkerResult{}}
	if concurrencyLimit <= 0 {
		concurrencyLimit = c.concurrency
	}
	start := time.Now()

	reaped, err := c.Reap(ctx)
	if err != nil {
		return result, err
	}
	result.Reaped = reaped

	stats, err := c.store.StatsByPartition(ctx, c.partitioner.Count())
	if err != nil {
		return result, fmt.Errorf("パーティション集計の取得に失敗しました: %w", err)
	}

	var targets []int
	for _, s := range stats {
		if s.PendingCount > 0 {
			targets = append(targets, s.PartitionKey)
		}
	}
	if len(targets) == 0 {
		c.logger.Debug("配送対象のパーティションはありません", slog.Int("reaped", reaped))
		return result, nil
	}

	var (
		mu  sync.Mutex
		wg  sync.WaitGroup
		sem = make(chan struct{}, concurrencyLimit)
	)
	for _, key := range targets {
		if ctx.Err() != nil {
			break
		}
		wg.Add(1)
		sem <- struct{}{}

		go func(key int) {
			defer wg.Done()
			defer func() { <-sem }()

			wr, err := c.runner.RunPartition(ctx, key, c.batchSize)
			if err != nil {
				c.logger.Error("パーティションの配送に失敗しました",
					slog.Int("partition", key),
					slog.String("error", err.Error()),
				)
				return
			}
			mu.Lock()
			result.Add(wr)
			mu.Unlock()
		}(key)
	}
	wg.Wait()

	sort.Slice(result.PerPartition, func(i, j int) bool {
		return result.PerPartition[i].Partition < result.PerPartition[j].Partition
	})

	c.logger.Info("配送サイクルが完了しました",
		slog.Int("partitions", result.PartitionsTouched),
		slog.Int("reaped", result.Reaped),
		slog.Int("claimed", result.Claimed),
		slog.Int("delivered", result.Delivered),
		slog.Int("retried", result.Retried),
		slog.Int("failed", result.Failed),
		slog.Float64("duration_ms", float64(time.Since(start).Milliseconds())),
	)
	return result, nil
}

// RunPartition は1パーティションを手動で処理する。
func (c *Coordinator) RunPartition(ctx context.Context, partitionKey int) (model.WorkerResult, error) {
	if !c.partitioner.Valid(partitionKey) {
		return model.WorkerResult{Partition: partitionKey}, fmt.Errorf("%w: %d", ErrInvalidPartition, partitionKey)
	}
	return c.runner.RunPartition(ctx, partitionKey, c.batchSize)
}

// Reap は期限切れリースのアイテムをPendingへ戻す。
func (c *Coordinator) Reap(ctx context.Context) (int, error) {
	n, err := c.store.ReapExpiredLeases(ctx)
	if err != nil {
		return 0, fmt.Errorf("期限切れリースの回収に失敗しました: %w", err)
	}
	if n > 0 {
		c.metrics.RecordReaped(n)
		c.logger.Warn("期限切れリースを回収しました", slog.Int("reaped", n))
	}
	return n, nil
}
