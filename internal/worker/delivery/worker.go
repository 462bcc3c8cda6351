// Package delivery はパーティション単位の配送ワーカーと、全パーティションを走査するコーディネーターを提供する。
package delivery

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"sync"
	"time"

	"github.com/hitoshi/apdelivery/internal/metrics"
	"github.com/hitoshi/apdelivery/internal/model"
	"github.com/hitoshi/apdelivery/internal/partition"
	"github.com/hitoshi/apdelivery/internal/repository"
	"github.com/hitoshi/apdelivery/internal/transport"
)

// ModerationRegistry は配送前のポリシー判定と送信量の記録を行う。
type ModerationRegistry interface {
	Evaluate(ctx context.Context, host string, actors []string) (model.ModerationStatus, error)
	RecordRequest(ctx context.Context, remoteHost string, throttled bool) error
}

// Throttle はリモートホスト単位の送信ペースを制御する。
type Throttle interface {
	Wait(ctx context.Context, host string, probation bool) error
}

// Sanitizer はリモートの応答本文をlast_error用の短い文字列に変換する。
type Sanitizer interface {
	Snippet(body []byte) string
}

// Config はワーカーの設定。
type Config struct {
	BatchSize     int
	Concurrency   int
	LeaseDuration time.Duration
	Retry         RetryPolicy
	// Policy はモデレーション状態からリトライ設定を導出する。nilの場合は全状態でRetryを使う。
	Policy PolicyFunc
}

// Worker は1パーティションの配送を実行する。
type Worker struct {
	store      repository.QueueStore
	activities repository.ActivityRepository
	registry   ModerationRegistry
	deliverer  transport.Deliverer
	throttle   Throttle
	sanitizer  Sanitizer
	metrics    metrics.MetricsCollector
	logger     *slog.Logger
	config     Config
	now        func() time.Time
}

// NewWorker はWorkerを生成する。
// Concurrencyが0以下の場合は8、BatchSizeが0以下の場合は50を使用する。
func NewWorker(
	store repository.QueueStore,
	activities repository.ActivityRepository,
	registry ModerationRegistry,
	deliverer transport.Deliverer,
	throttle Throttle,
	sanitizer Sanitizer,
	collector metrics.MetricsCollector,
	logger *slog.Logger,
	config Config,
) *Worker {
	if config.Concurrency <= 0 {
		config.Concurrency = 8
	}
	if config.BatchSize <= 0 {
		config.BatchSize = 50
	}
	if config.LeaseDuration <= 0 {
		config.LeaseDuration = 5 * time.Minute
	}
	if config.Retry.MaxAttempts <= 0 {
		config.Retry = DefaultRetryPolicy()
	}
	if collector == nil {
		collector = metrics.Nop{}
	}
	return &Worker{
		store:      store,
		activities: activities,
		registry:   registry,
		deliverer:  deliverer,
		throttle:   throttle,
		sanitizer:  sanitizer,
		metrics:    collector,
		logger:     logger,
		config:     config,
		now:        time.Now,
	}
}

// SetClock は現在時刻の取得関数を差し替える。テスト用。
func (w *Worker) SetClock(now func() time.Time) {
	w.now = now
}

// RunPartition はpartitionKeyのPendingアイテムを最大batchSize件取得して配送する。
// batchSizeが0以下の場合は設定値を使用する。
func (w *Worker) RunPartition(ctx context.Context, partitionKey, batchSize int) (model.WorkerResult, error) {
	result := model.WorkerResult{Partition: partitionKey}
	if batchSize <= 0 {
		batchSize = w.config.BatchSize
	}

	items, err := w.store.Claim(ctx, partitionKey, batchSize, w.config.LeaseDuration)
	if err != nil {
		return result, fmt.Errorf("アイテムの取得に失敗しました: %w", err)
	}
	result.Claimed = len(items)
	if len(items) == 0 {
		return result, nil
	}
	w.metrics.RecordClaimed(partitionKey, len(items))

	start := time.Now()
	docs := newDocumentCache(w.activities)

	var mu sync.Mutex
	sem := make(chan struct{}, w.config.Concurrency)
	var wg sync.WaitGroup

	for _, item := range items {
		if ctx.Err() != nil {
			// 未処理のアイテムはリース期限切れで回収される
			break
		}
		wg.Add(1)
		sem <- struct{}{}

		go func(item *model.QueueItem) {
			defer wg.Done()
			defer func() { <-sem }()

			res := w.process(ctx, item, docs)

			mu.Lock()
			defer mu.Unlock()
			switch res {
			case metrics.ResultDelivered:
				result.Delivered++
			case metrics.ResultRetried:
				result.Retried++
			case metrics.ResultFailed, metrics.ResultBlocked:
				result.Failed++
			}
		}(item)
	}
	wg.Wait()

	w.logger.Info("パーティションの配送が完了しました",
		slog.Int("partition", partitionKey),
		slog.Int("claimed", result.Claimed),
		slog.Int("delivered", result.Delivered),
		slog.Int("retried", result.Retried),
		slog.Int("failed", result.Failed),
		slog.Float64("duration_ms", float64(time.Since(start).Milliseconds())),
	)
	return result, nil
}

// process は1アイテムを配送して完了させ、結果のラベルを返す。
// 完了を記録できなかった場合は空文字を返し、アイテムはリース期限切れで回収される。
func (w *Worker) process(ctx context.Context, item *model.QueueItem, docs *documentCache) string {
	log := w.logger.With(
		slog.Int("partition", item.PartitionKey),
		slog.String("item_id", item.ID),
		slog.String("activity_ref", item.ActivityRef),
	)

	host, err := partition.HostOf(item.TargetInbox)
	if err != nil {
		return w.complete(ctx, log, item, model.CompletionOutcome{
			State:     model.ItemStateFailed,
			LastError: "invalid inbox: " + err.Error(),
		}, metrics.ResultFailed)
	}
	log = log.With(slog.String("remote_host", host))

	status, err := w.registry.Evaluate(ctx, host, item.RecipientActors)
	if err != nil {
		log.Error("モデレーション状態の取得に失敗しました", slog.String("error", err.Error()))
		return ""
	}
	if status == model.ModerationBlocked {
		log.Info("ブロック対象のため配送しません")
		return w.complete(ctx, log, item, model.Blocked(), metrics.ResultBlocked)
	}
	probation := status == model.ModerationProbation

	policy := w.config.Retry
	if w.config.Policy != nil {
		policy = w.config.Policy(status, policy)
	}

	document, err := docs.get(ctx, item.ActivityRef)
	if err != nil {
		log.Error("アクティビティ文書の取得に失敗しました", slog.String("error", err.Error()))
		return ""
	}
	if len(document) == 0 {
		return w.complete(ctx, log, item, model.CompletionOutcome{
			State:     model.ItemStateFailed,
			LastError: "activity document not found",
		}, metrics.ResultFailed)
	}

	if err := w.throttle.Wait(ctx, host, probation); err != nil {
		log.Warn("送信待機が中断されました", slog.String("error", err.Error()))
		return ""
	}

	resp, deliverErr := w.deliverer.Deliver(ctx, item.TargetInbox, document)

	throttled := resp != nil && resp.StatusCode == 429
	if err := w.registry.RecordRequest(ctx, host, throttled); err != nil {
		log.Error("送信量の記録に失敗しました", slog.String("error", err.Error()))
	}

	var (
		lastError  string
		retryAfter time.Duration
	)
	if resp != nil {
		w.metrics.RecordHTTPStatus(resp.StatusCode)
		w.metrics.RecordDeliveryLatency(resp.Duration)
		retryAfter = resp.RetryAfter
		lastError = "HTTP " + strconv.Itoa(resp.StatusCode)
		if snippet := w.sanitizer.Snippet(resp.Body); snippet != "" {
			lastError += ": " + snippet
		}
		if resp.BodyErr != nil {
			log.Warn("応答本文を最後まで読めませんでした",
				slog.Int("status", resp.StatusCode),
				slog.String("error", resp.BodyErr.Error()),
			)
			lastError += " (body: " + w.sanitizer.Snippet([]byte(resp.BodyErr.Error())) + ")"
		}
	} else {
		lastError = "network: " + w.sanitizer.Snippet([]byte(errorText(deliverErr)))
	}

	kind := ClassifyOutcome(resp, deliverErr)
	outcome := decide(item, kind, policy, retryAfter, lastError, w.now())

	label := metrics.ResultDelivered
	switch outcome.State {
	case model.ItemStatePending:
		label = metrics.ResultRetried
		log.Warn("配送に失敗しました。再試行します",
			slog.String("error", lastError),
			slog.Int("attempt", item.AttemptCount+1),
			slog.Time("not_before", outcome.NotBefore),
		)
	case model.ItemStateFailed:
		label = metrics.ResultFailed
		log.Warn("配送に失敗しました",
			slog.String("error", lastError),
			slog.Int("attempt", item.AttemptCount+1),
			slog.String("outcome", kind.String()),
		)
	}
	return w.complete(ctx, log, item, outcome, label)
}

func (w *Worker) complete(ctx context.Context, log *slog.Logger, item *model.QueueItem, outcome model.CompletionOutcome, label string) string {
	if err := w.store.Complete(ctx, item.ID, item.LeaseToken, outcome); err != nil {
		if errors.Is(err, model.ErrLeaseLost) {
			log.Warn("リースを失ったため結果を破棄しました")
		} else {
			log.Error("配送結果の記録に失敗しました", slog.String("error", err.Error()))
		}
		return ""
	}
	w.metrics.RecordDelivery(label)
	return label
}

func errorText(err error) string {
	if err == nil {
		return "empty response"
	}
	return err.Error()
}

// documentCache は1回の実行内でアクティビティ文書を共有する。
type documentCache struct {
	repo repository.ActivityRepository

	mu   sync.Mutex
	docs map[string][]byte
}

func newDocumentCache(repo repository.ActivityRepository) *documentCache {
	return &documentCache{repo: repo, docs: make(map[string][]byte)}
}

func (c *documentCache) get(ctx context.Context, ref string) ([]byte, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if doc, ok := c.docs[ref]; ok {
		return doc, nil
	}
	doc, err := c.repo.FindDocument(ctx, ref)
	if err != nil {
		return nil, err
	}
	c.docs[ref] = doc
	return doc, nil
}
