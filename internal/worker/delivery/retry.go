package delivery

import (
	"errors"
	"fmt"
	"net"
	"time"

	"github.com/hitoshi/apdelivery/internal/model"
	"github.com/hitoshi/apdelivery/internal/transport"
)

// Outcome は配送試行の結果分類。
type Outcome int

const (
	// OutcomeSuccess は配送成功（2xx）。
	OutcomeSuccess Outcome = iota
	// OutcomeRetryable は再試行可能な失敗（タイムアウト、接続エラー、408/429/5xx）。
	OutcomeRetryable
	// OutcomeTerminal は再試行しない失敗（429以外の4xx、リダイレクト、存在しないホスト）。
	OutcomeTerminal
)

func (o Outcome) String() string {
	switch o {
	case OutcomeSuccess:
		return "success"
	case OutcomeRetryable:
		return "retryable"
	default:
		return "terminal"
	}
}

// ClassifyStatus はHTTPステータスコードを配送結果に分類する。
func ClassifyStatus(statusCode int) Outcome {
	switch {
	case statusCode >= 200 && statusCode < 300:
		return OutcomeSuccess
	case statusCode == 408 || statusCode == 429:
		return OutcomeRetryable
	case statusCode >= 500:
		return OutcomeRetryable
	default:
		return OutcomeTerminal
	}
}

// ClassifyError はネットワークエラーを配送結果に分類する。
// 名前解決で存在しないと確定したホストは再試行しない。
func ClassifyError(err error) Outcome {
	var dnsErr *net.DNSError
	if errors.As(err, &dnsErr) && dnsErr.IsNotFound {
		return OutcomeTerminal
	}
	return OutcomeRetryable
}

// ClassifyOutcome はDeliverの戻り値を配送結果に分類する。
func ClassifyOutcome(resp *transport.Response, err error) Outcome {
	if err != nil || resp == nil {
		return ClassifyError(err)
	}
	return ClassifyStatus(resp.StatusCode)
}

// RetryPolicy はリトライ回数と指数バックオフの設定。
type RetryPolicy struct {
	// MaxAttempts は試行回数の上限。この回数に達した失敗はFailedになる。
	MaxAttempts    int
	InitialBackoff time.Duration
	MaxBackoff     time.Duration
}

// DefaultRetryPolicy はデフォルトのリトライ設定を返す。
func DefaultRetryPolicy() RetryPolicy {
	return RetryPolicy{
		MaxAttempts:    8,
		InitialBackoff: 30 * time.Second,
		MaxBackoff:     6 * time.Hour,
	}
}

// CanRetry は試行済み回数attemptCountのアイテムが今回の失敗後に再試行できるかを返す。
func (p RetryPolicy) CanRetry(attemptCount int) bool {
	return attemptCount+1 < p.MaxAttempts
}

// Backoff は試行済み回数に応じた再試行までの待機時間を返す。
func (p RetryPolicy) Backoff(attemptCount int) time.Duration {
	return CalculateBackoff(attemptCount, p.InitialBackoff, p.MaxBackoff)
}

// CalculateBackoff は指数バックオフの遅延を計算する。
// 初回initial、2倍ずつ増加、最大maxDelay。
func CalculateBackoff(attemptCount int, initial, maxDelay time.Duration) time.Duration {
	delay := initial
	for i := 0; i < attemptCount; i++ {
		delay *= 2
		if delay > maxDelay {
			return maxDelay
		}
	}
	if delay > maxDelay {
		return maxDelay
	}
	return delay
}

// PolicyFunc はモデレーション状態に応じてリトライ設定を導出する。
// Probationの扱いを運用ごとに差し替えるためのフック。
type PolicyFunc func(status model.ModerationStatus, base RetryPolicy) RetryPolicy

// ProbationPolicy はProbationの宛先の試行回数をmaxAttemptsまでに制限するPolicyFuncを返す。
func ProbationPolicy(maxAttempts int) PolicyFunc {
	return func(status model.ModerationStatus, base RetryPolicy) RetryPolicy {
		if status == model.ModerationProbation && maxAttempts > 0 && maxAttempts < base.MaxAttempts {
			base.MaxAttempts = maxAttempts
		}
		return base
	}
}

// decide は分類済みの配送結果から完了結果を組み立てる。
func decide(item *model.QueueItem, outcome Outcome, policy RetryPolicy, retryAfter time.Duration, lastError string, now time.Time) model.CompletionOutcome {
	switch outcome {
	case OutcomeSuccess:
		return model.Succeeded()
	case OutcomeRetryable:
		if !policy.CanRetry(item.AttemptCount) {
			return model.FailedAttempt(fmt.Sprintf("%s (attempts exhausted)", lastError))
		}
		delay := policy.Backoff(item.AttemptCount)
		if retryAfter > delay {
			delay = min(retryAfter, policy.MaxBackoff)
		}
		return model.RetryAt(now.Add(delay), lastError)
	default:
		return model.FailedAttempt(lastError)
	}
}
