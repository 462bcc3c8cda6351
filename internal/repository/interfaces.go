// Package repository はデータ永続化のインターフェースと実装を定義する。
// PostgreSQL実装が本番用、Memory実装はローカル開発とテストで使用する。
// 両実装は同一の状態遷移・カウンタ更新の意味論を持つ。
package repository

import (
	"context"
	"time"

	"github.com/hitoshi/apdelivery/internal/model"
)

// QueueStore はパーティション分割された配送キューの永続化インターフェース。
// アイテムの状態遷移と親BatchFanoutEntryのカウンタ更新は常に同一の原子的操作で行う。
type QueueStore interface {
	// CreateBatch はアクティビティ文書、パーティションごとのBatchFanoutEntry、
	// QueueItemを1トランザクションで作成する。
	// 同一アクティビティのバッチが既に存在する場合はmodel.ErrBatchExistsを返す。
	CreateBatch(ctx context.Context, activity *model.Activity, entries []*model.BatchFanoutEntry, items []*model.QueueItem) error

	// Claim は指定パーティションのPendingアイテム（not_before <= now）を最大maxItems件、
	// 作成順にProcessingへ遷移させて返す。リース期限はnow + leaseDuration。
	// 二重配送を防ぐ唯一の排他制御点であり、並行呼び出しで同じアイテムを返してはならない。
	Claim(ctx context.Context, partitionKey, maxItems int, leaseDuration time.Duration) ([]*model.QueueItem, error)

	// Complete はProcessing中のアイテムをoutcomeに従って遷移させる。
	// leaseTokenが一致しない、またはProcessingでない場合はmodel.ErrLeaseLostを返し何も変更しない。
	Complete(ctx context.Context, id, leaseToken string, outcome model.CompletionOutcome) error

	// ReapExpiredLeases はリース期限切れのProcessingアイテムをPendingへ戻し、
	// attempt_countを1増やす。戻した件数を返す。冪等。
	ReapExpiredLeases(ctx context.Context) (int, error)

	// StatsByPartition は0からpartitionCount-1までの全パーティションの集計を返す。
	StatsByPartition(ctx context.Context, partitionCount int) ([]model.PartitionStats, error)

	// BatchesByActivity はアクティビティのパーティション別集計を返す。存在しない場合はnilを返す。
	BatchesByActivity(ctx context.Context, activityRef string) (*model.BatchSummary, error)

	// ListFailed はFailedアイテムを新しい順に返す。partitionKeyが負の場合は全パーティション。
	ListFailed(ctx context.Context, partitionKey, limit int) ([]*model.QueueItem, error)

	// ImportLegacy は旧キューから変換したアイテムを取り込む。
	// legacy_idが既に存在するアイテムはスキップし、新規に取り込んだ件数を返す。
	// 親BatchFanoutEntryは（アクティビティ × パーティション）単位で作成または加算する。
	ImportLegacy(ctx context.Context, activities []*model.Activity, items []*model.QueueItem) (int, error)
}

// ActivityRepository は配送するアクティビティ文書の参照インターフェース。
type ActivityRepository interface {
	// FindDocument はアクティビティ文書を返す。見つからない場合はnilを返す。
	FindDocument(ctx context.Context, activityRef string) ([]byte, error)
}

// ModerationRepository はモデレーション設定の永続化インターフェース。
type ModerationRepository interface {
	// Find は対象のモデレーション設定を返す。見つからない場合はnilを返す。
	Find(ctx context.Context, kind model.SubjectKind, subject string) (*model.ModerationRecord, error)

	// FindMany は複数対象のモデレーション設定をまとめて返す。存在しない対象は含まれない。
	FindMany(ctx context.Context, kind model.SubjectKind, subjects []string) ([]*model.ModerationRecord, error)

	// Upsert はモデレーション設定を作成または更新する。created_atは初回作成時の値を維持する。
	Upsert(ctx context.Context, record *model.ModerationRecord) error

	// UpsertIfAbsentOrNormal は現在の状態がNormalまたは未設定の場合のみ更新する。
	// 運用者が設定した状態を自動処理で上書きしないために使う。更新した場合にtrueを返す。
	UpsertIfAbsentOrNormal(ctx context.Context, record *model.ModerationRecord) (bool, error)

	// Delete はモデレーション設定を削除する。削除した場合にtrueを返す。
	Delete(ctx context.Context, kind model.SubjectKind, subject string) (bool, error)

	// List は種別ごとの全設定を更新日時の新しい順に返す。
	List(ctx context.Context, kind model.SubjectKind) ([]*model.ModerationRecord, error)
}

// RateWindowRepository はリモートホストごとの送信リクエスト数を記録する。
type RateWindowRepository interface {
	// Record はhostへのリクエスト1件をat時点で記録する。throttledはリモートが429を返したことを示す。
	Record(ctx context.Context, host string, at time.Time, throttled bool) error

	// Summaries はsince以降のリクエストをホストごとに合算して返す。
	// WindowStartには集計範囲の開始時刻（since）が入る。
	Summaries(ctx context.Context, since time.Time) ([]model.HostRateWindow, error)

	// Summary は1ホストのsince以降の合算を返す。
	Summary(ctx context.Context, host string, since time.Time) (model.HostRateWindow, error)

	// Prune はbefore以前の記録を削除し、削除件数を返す。
	Prune(ctx context.Context, before time.Time) (int64, error)
}

// LegacyQueueRepository はシャーディング導入前の単一キューの読み出しインターフェース。
type LegacyQueueRepository interface {
	// ListUnmigrated は未移行の行を作成順に最大limit件返す。
	ListUnmigrated(ctx context.Context, limit int) ([]*model.LegacyQueueRow, error)

	// MarkMigrated は行を移行済みにする。
	MarkMigrated(ctx context.Context, ids []string, at time.Time) error
}
