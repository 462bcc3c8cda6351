package repository

import (
	"context"
	"fmt"
	"sort"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/hitoshi/apdelivery/internal/model"
)

// RedisRateWindowRepo はRedisを使用したRateWindowRepositoryの実装。
// 複数のワーカープロセスでホスト別のリクエスト数を共有する場合に使用する。
// リクエストは1件ずつ時刻をスコアとしたZSETに記録し、ZCOUNTで範囲を数える。
//
// キー構成（スコアはすべてunixマイクロ秒）:
//
//	{prefix}:hosts       ZSET  member=ホスト     score=最終リクエスト時刻
//	{prefix}:req:{host}  ZSET  member=リクエストID score=リクエスト時刻
//	{prefix}:thr:{host}  ZSET  member=リクエストID score=429を受けた時刻
type RedisRateWindowRepo struct {
	client *redis.Client
	prefix string
}

// NewRedisRateWindowRepo はRedisRateWindowRepoを生成する。prefixが空の場合は"apdelivery:rate"。
func NewRedisRateWindowRepo(client *redis.Client, prefix string) *RedisRateWindowRepo {
	if prefix == "" {
		prefix = "apdelivery:rate"
	}
	return &RedisRateWindowRepo{client: client, prefix: prefix}
}

func (r *RedisRateWindowRepo) hostsKey() string {
	return r.prefix + ":hosts"
}

func (r *RedisRateWindowRepo) requestsKey(host string) string {
	return r.prefix + ":req:" + host
}

func (r *RedisRateWindowRepo) throttledKey(host string) string {
	return r.prefix + ":thr:" + host
}

func scoreOf(t time.Time) float64 {
	return float64(t.UnixMicro())
}

func minScore(t time.Time) string {
	return strconv.FormatInt(t.UnixMicro(), 10)
}

// Record はhostへのリクエスト1件を記録する。
func (r *RedisRateWindowRepo) Record(ctx context.Context, host string, at time.Time, throttled bool) error {
	member := redis.Z{Score: scoreOf(at), Member: model.NewID()}

	pipe := r.client.TxPipeline()
	pipe.ZAdd(ctx, r.requestsKey(host), member)
	if throttled {
		pipe.ZAdd(ctx, r.throttledKey(host), member)
	}
	pipe.ZAddArgs(ctx, r.hostsKey(), redis.ZAddArgs{
		GT:      true,
		Members: []redis.Z{{Score: scoreOf(at), Member: host}},
	})
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("リクエスト数の記録に失敗しました: %w", err)
	}
	return nil
}

// Summaries はsince以降にリクエストのあったホストの合算を返す。
func (r *RedisRateWindowRepo) Summaries(ctx context.Context, since time.Time) ([]model.HostRateWindow, error) {
	hosts, err := r.client.ZRangeByScore(ctx, r.hostsKey(), &redis.ZRangeBy{
		Min: minScore(since),
		Max: "+inf",
	}).Result()
	if err != nil {
		return nil, fmt.Errorf("ホスト一覧の取得に失敗しました: %w", err)
	}

	var out []model.HostRateWindow
	for _, host := range hosts {
		w, err := r.Summary(ctx, host, since)
		if err != nil {
			return nil, err
		}
		if w.RequestCount > 0 {
			out = append(out, w)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].RemoteHost < out[j].RemoteHost })
	return out, nil
}

// Summary は1ホストのsince以降（sinceを含む）の合算を返す。
func (r *RedisRateWindowRepo) Summary(ctx context.Context, host string, since time.Time) (model.HostRateWindow, error) {
	w := model.HostRateWindow{RemoteHost: host, WindowStart: since}
	lower := minScore(since)

	pipe := r.client.Pipeline()
	reqCount := pipe.ZCount(ctx, r.requestsKey(host), lower, "+inf")
	thrCount := pipe.ZCount(ctx, r.throttledKey(host), lower, "+inf")
	latest := pipe.ZRevRangeByScoreWithScores(ctx, r.requestsKey(host), &redis.ZRangeBy{
		Min:   lower,
		Max:   "+inf",
		Count: 1,
	})
	if _, err := pipe.Exec(ctx); err != nil {
		return w, fmt.Errorf("ホストのリクエスト数の取得に失敗しました: %w", err)
	}

	w.RequestCount = int(reqCount.Val())
	w.ThrottledCount = int(thrCount.Val())
	if zs := latest.Val(); len(zs) > 0 {
		w.LatestRequestAt = time.UnixMicro(int64(zs[0].Score)).UTC()
	}
	return w, nil
}

// Prune はbeforeより前のリクエスト記録を削除し、削除したリクエスト数を返す。
// 記録が空になったホストは一覧からも取り除く。
func (r *RedisRateWindowRepo) Prune(ctx context.Context, before time.Time) (int64, error) {
	hosts, err := r.client.ZRange(ctx, r.hostsKey(), 0, -1).Result()
	if err != nil {
		return 0, fmt.Errorf("ホスト一覧の取得に失敗しました: %w", err)
	}

	upper := "(" + minScore(before)
	var removed int64
	for _, host := range hosts {
		n, err := r.client.ZRemRangeByScore(ctx, r.requestsKey(host), "-inf", upper).Result()
		if err != nil {
			return removed, fmt.Errorf("古いリクエスト記録の削除に失敗しました: %w", err)
		}
		removed += n
		if err := r.client.ZRemRangeByScore(ctx, r.throttledKey(host), "-inf", upper).Err(); err != nil {
			return removed, fmt.Errorf("古いリクエスト記録の削除に失敗しました: %w", err)
		}

		left, err := r.client.ZCard(ctx, r.requestsKey(host)).Result()
		if err != nil {
			return removed, fmt.Errorf("リクエスト記録の件数取得に失敗しました: %w", err)
		}
		if left > 0 {
			continue
		}
		pipe := r.client.TxPipeline()
		pipe.Del(ctx, r.requestsKey(host), r.throttledKey(host))
		pipe.ZRem(ctx, r.hostsKey(), host)
		if _, err := pipe.Exec(ctx); err != nil {
			return removed, fmt.Errorf("ホスト一覧の整理に失敗しました: %w", err)
		}
	}
	return removed, nil
}

var _ RateWindowRepository = (*RedisRateWindowRepo)(nil)
