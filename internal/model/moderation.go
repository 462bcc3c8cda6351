package model

import (
	"errors"
	"fmt"
	"time"
)

// ModerationStatus はリモートホストまたはアクターの配送ポリシー。
type ModerationStatus string

const (
	// ModerationNormal は制限なし。
	ModerationNormal ModerationStatus = "normal"
	// ModerationProbation は配送するが、より厳しいリトライ・送信レートを適用する。
	ModerationProbation ModerationStatus = "probation"
	// ModerationBlocked は配送を試行しない。
	ModerationBlocked ModerationStatus = "blocked"
)

// ErrInvalidModerationStatus は未知のモデレーション状態が指定された場合のエラー。
var ErrInvalidModerationStatus = errors.New("invalid moderation status")

// ParseModerationStatus は文字列をModerationStatusに変換する。
func ParseModerationStatus(s string) (ModerationStatus, error) {
	switch ModerationStatus(s) {
	case ModerationNormal, ModerationProbation, ModerationBlocked:
		return ModerationStatus(s), nil
	default:
		return "", fmt.Errorf("%w: %q", ErrInvalidModerationStatus, s)
	}
}

// Severity は状態の重さを返す。複数の該当レコードから最も重いものを選ぶのに使う。
func (s ModerationStatus) Severity() int {
	switch s {
	case ModerationBlocked:
		return 2
	case ModerationProbation:
		return 1
	default:
		return 0
	}
}

// SubjectKind はモデレーション対象の種別。
type SubjectKind string

const (
	// SubjectHost はリモートホスト（ドメイン）。
	SubjectHost SubjectKind = "host"
	// SubjectActor は個別のリモートアクター。
	SubjectActor SubjectKind = "actor"
)

// AutoProbationReason はレート制限超過による自動Probation化の理由。
const AutoProbationReason = "auto: remote rate limited"

// ModerationRecord はホストまたはアクターに対するモデレーション設定。
type ModerationRecord struct {
	Subject   string
	Kind      SubjectKind
	Status    ModerationStatus
	Reason    string
	CreatedAt time.Time
	UpdatedAt time.Time
}

// HostRateWindow はリモートホスト単位の送信リクエスト数の集計。
// ThrottledCountはリモートから429を返された回数。
type HostRateWindow struct {
	RemoteHost      string
	WindowStart     time.Time
	RequestCount    int
	ThrottledCount  int
	LatestRequestAt time.Time
}
