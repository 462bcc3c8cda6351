// Package model はドメインモデルを定義する。
package model

import (
	"errors"
	"time"
)

// ItemState は配送キューアイテムの状態を表す。
// 常にいずれか1つの状態のみを取る。
type ItemState string

const (
	// ItemStatePending は配送待ちの状態。
	ItemStatePending ItemState = "pending"
	// ItemStateProcessing はワーカーがリースを保持して配送中の状態。
	ItemStateProcessing ItemState = "processing"
	// ItemStateFailed は終端の失敗状態。自動リトライされない。
	ItemStateFailed ItemState = "failed"
	// ItemStateProcessed は終端の配送完了状態。
	ItemStateProcessed ItemState = "processed"
)

// IsTerminal は状態が終端（Processed/Failed）かを返す。
func (s ItemState) IsTerminal() bool {
	return s == ItemStateFailed || s == ItemStateProcessed
}

// BlockedReason はモデレーションで配送がブロックされた場合のlast_error。
const BlockedReason = "blocked"

var (
	// ErrLeaseLost はリースを失ったアイテムを完了しようとした場合のエラー。
	// リース期限切れで回収され、別のワーカーが再取得した可能性がある。
	ErrLeaseLost = errors.New("lease lost: item is no longer processing under this lease")
	// ErrBatchExists は同一アクティビティのファンアウトが既に存在する場合のエラー。
	ErrBatchExists = errors.New("fan-out batch already exists for activity")
)

// QueueItem は1件の配送単位を表す。
// 共有inboxの場合は複数のフォロワーを1件にまとめて配送する。
type QueueItem struct {
	ID              string
	BatchID         string
	PartitionKey    int
	ActivityRef     string
	TargetInbox     string
	RecipientActors []string
	State           ItemState
	AttemptCount    int
	LastError       string
	NotBefore       time.Time
	LeaseToken      string
	LeaseExpiresAt  *time.Time // Processing の間のみ設定される
	LegacyID        string
	CreatedAt       time.Time
	UpdatedAt       time.Time
}

// BatchFanoutEntry は（アクティビティ × パーティション）単位の集計を表す。
// total = pending + processing + failed + processed を常に満たす。
type BatchFanoutEntry struct {
	ID              string
	ActivityRef     string
	PartitionKey    int
	TotalCount      int
	PendingCount    int
	ProcessingCount int
	FailedCount     int
	ProcessedCount  int
	CreatedAt       time.Time
	UpdatedAt       time.Time
}

// Consistent はカウンタの不変条件が成り立っているかを返す。
func (b *BatchFanoutEntry) Consistent() bool {
	return b.TotalCount == b.PendingCount+b.ProcessingCount+b.FailedCount+b.ProcessedCount
}

// Move は状態遷移に合わせてカウンタを1件移動する。
func (b *BatchFanoutEntry) Move(from, to ItemState) {
	b.adjust(from, -1)
	b.adjust(to, 1)
}

func (b *BatchFanoutEntry) adjust(s ItemState, delta int) {
	switch s {
	case ItemStatePending:
		b.PendingCount += delta
	case ItemStateProcessing:
		b.ProcessingCount += delta
	case ItemStateFailed:
		b.FailedCount += delta
	case ItemStateProcessed:
		b.ProcessedCount += delta
	}
}

// PartitionStats はパーティションごとの集計値。ダッシュボードが参照する。
type PartitionStats struct {
	PartitionKey    int `json:"partition_key"`
	TotalCount      int `json:"total_count"`
	PendingCount    int `json:"pending_count"`
	ProcessingCount int `json:"processing_count"`
	FailedCount     int `json:"failed_count"`
	ProcessedCount  int `json:"processed_count"`
}

// Add はBatchFanoutEntryのカウンタを加算する。
func (p *PartitionStats) Add(b *BatchFanoutEntry) {
	p.TotalCount += b.TotalCount
	p.PendingCount += b.PendingCount
	p.ProcessingCount += b.ProcessingCount
	p.FailedCount += b.FailedCount
	p.ProcessedCount += b.ProcessedCount
}

// BatchSummary は1アクティビティの全パーティションを合算した集計。
type BatchSummary struct {
	ActivityRef string
	Entries     []*BatchFanoutEntry
	Total       PartitionStats
}

// CompletionOutcome はアイテム完了時の遷移先と付随情報。
type CompletionOutcome struct {
	// State は遷移先（Processed / Pending / Failed）。
	State ItemState
	// CountAttempt がtrueの場合はattempt_countを1増やす。
	CountAttempt bool
	// LastError は失敗時のエラーメッセージ。
	LastError string
	// NotBefore はPendingへ戻す場合の再試行可能時刻。
	NotBefore time.Time
}

// Succeeded は配送成功の完了結果を返す。
func Succeeded() CompletionOutcome {
	return CompletionOutcome{State: ItemStateProcessed}
}

// RetryAt は再試行可能な失敗の完了結果を返す。
func RetryAt(notBefore time.Time, lastError string) CompletionOutcome {
	return CompletionOutcome{State: ItemStatePending, CountAttempt: true, LastError: lastError, NotBefore: notBefore}
}

// FailedAttempt は試行後の終端失敗の完了結果を返す。
func FailedAttempt(lastError string) CompletionOutcome {
	return CompletionOutcome{State: ItemStateFailed, CountAttempt: true, LastError: lastError}
}

// Blocked はモデレーションによるブロックの完了結果を返す。
// ネットワーク試行を伴わないためattempt_countは増やさない。
func Blocked() CompletionOutcome {
	return CompletionOutcome{State: ItemStateFailed, LastError: BlockedReason}
}

// WorkerResult は1パーティションに対するワーカー実行結果。
type WorkerResult struct {
	Partition int `json:"partition_key"`
	Claimed   int `json:"claimed"`
	Delivered int `json:"delivered"`
	Failed    int `json:"failed"`
	Retried   int `json:"retried"`
}

// CoordinatorResult は全パーティション走査の集計結果。
type CoordinatorResult struct {
	PerPartition      []WorkerResult `json:"per_partition"`
	PartitionsTouched int            `json:"partitions_touched"`
	Reaped            int            `json:"reaped"`
	Claimed           int            `json:"claimed"`
	Delivered         int            `json:"delivered"`
	Failed            int            `json:"failed"`
	Retried           int            `json:"retried"`
}

// Add はワーカー結果を合算する。
func (r *CoordinatorResult) Add(w WorkerResult) {
	r.PerPartition = append(r.PerPartition, w)
	r.PartitionsTouched++
	r.Claimed += w.Claimed
	r.Delivered += w.Delivered
	r.Failed += w.Failed
	r.Retried += w.Retried
}
