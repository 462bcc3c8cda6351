package transport

import (
	"context"
	"time"

	"golang.org/x/time/rate"

	"github.com/hitoshi/apdelivery/internal/ratelimit"
)

// ThrottleConfig はホスト単位の送信ペースの設定。
type ThrottleConfig struct {
	NormalRate      rate.Limit    // 通常ホストへの送信レート（req/sec）
	NormalBurst     int           // 通常ホストのバーストサイズ
	ProbationRate   rate.Limit    // Probationホストへの送信レート（req/sec）
	ProbationBurst  int           // Probationホストのバーストサイズ
	CleanupInterval time.Duration // 未使用エントリのクリーンアップ間隔
}

// DefaultThrottleConfig はデフォルトの送信ペース設定を返す。
func DefaultThrottleConfig() ThrottleConfig {
	return ThrottleConfig{
		NormalRate:      5,
		NormalBurst:     5,
		ProbationRate:   0.5,
		ProbationBurst:  1,
		CleanupInterval: 5 * time.Minute,
	}
}

// HostThrottle はリモートホストごとに送信ペースを制限する。
// 複数パーティションのワーカーが同じホストへ同時に送信しても
// 1プロセス内ではホスト単位のレートを超えない。
type HostThrottle struct {
	config   ThrottleConfig
	limiters *ratelimit.Keyed[throttleKey]
}

type throttleKey struct {
	host      string
	probation bool
}

// NewHostThrottle はHostThrottleを生成し、バックグラウンドのクリーンアップを開始する。
func NewHostThrottle(config ThrottleConfig) *HostThrottle {
	if config.NormalBurst <= 0 {
		config.NormalBurst = 1
	}
	if config.ProbationBurst <= 0 {
		config.ProbationBurst = 1
	}
	if config.CleanupInterval <= 0 {
		config.CleanupInterval = ratelimit.DefaultCleanupInterval
	}
	return &HostThrottle{
		config:   config,
		limiters: ratelimit.NewKeyed[throttleKey](config.CleanupInterval),
	}
}

// Stop はクリーンアップのバックグラウンドゴルーチンを停止する。
func (t *HostThrottle) Stop() {
	t.limiters.Stop()
}

// Wait はhostへの送信枠が空くまで待機する。
// ctxがキャンセルされた場合はctxのエラーを返す。
func (t *HostThrottle) Wait(ctx context.Context, host string, probation bool) error {
	return t.limiter(host, probation).Wait(ctx)
}

// Len は現在管理しているリミッター数を返す。テスト用。
func (t *HostThrottle) Len() int {
	return t.limiters.Len()
}

// Probationとそれ以外でレートが違うので、同じホストでも別のリミッターを持つ。
func (t *HostThrottle) limiter(host string, probation bool) *rate.Limiter {
	return t.limiters.Get(throttleKey{host: host, probation: probation}, func() *rate.Limiter {
		if probation {
			return rate.NewLimiter(t.config.ProbationRate, t.config.ProbationBurst)
		}
		return rate.NewLimiter(t.config.NormalRate, t.config.NormalBurst)
	})
}
