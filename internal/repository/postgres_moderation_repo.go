package repository

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/lib/pq"

	"github.com/hitoshi/apdelivery/internal/model"
)

const moderationColumns = `subject, kind, status, reason, created_at, updated_at`

// PostgresModerationRepo はPostgreSQLを使用したモデレーション設定リポジトリ。
type PostgresModerationRepo struct {
	db *sql.DB
}

// NewPostgresModerationRepo はPostgresModerationRepoを生成する。
func NewPostgresModerationRepo(db *sql.DB) *PostgresModerationRepo {
	return &PostgresModerationRepo{db: db}
}

// Find は対象のモデレーション設定を返す。見つからない場合はnilを返す。
func (r *PostgresModerationRepo) Find(ctx context.Context, kind model.SubjectKind, subject string) (*model.ModerationRecord, error) {
	rec, err := scanModerationRecord(r.db.QueryRowContext(ctx,
		`SELECT `+moderationColumns+` FROM moderation_records WHERE kind = $1 AND subject = $2`,
		string(kind), subject,
	))
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("モデレーション設定の取得に失敗しました: %w", err)
	}
	return rec, nil
}

// FindMany は複数対象のモデレーション設定をまとめて返す。
func (r *PostgresModerationRepo) FindMany(ctx context.Context, kind model.SubjectKind, subjects []string) ([]*model.ModerationRecord, error) {
	if len(subjects) == 0 {
		return nil, nil
	}
	rows, err := r.db.QueryContext(ctx,
		`SELECT `+moderationColumns+` FROM moderation_records WHERE kind = $1 AND subject = ANY($2)`,
		string(kind), pq.Array(subjects),
	)
	if err != nil {
		return nil, fmt.Errorf("モデレーション設定の一括取得に失敗しました: %w", err)
	}
	return scanModerationRecords(rows)
}

// Upsert はモデレーション設定を作成または更新する。
func (r *PostgresModerationRepo) Upsert(ctx context.Context, record *model.ModerationRecord) error {
	err := r.db.QueryRowContext(ctx,
		`INSERT INTO moderation_records (kind, subject, status, reason)
		 VALUES ($1, $2, $3, $4)
		 ON CONFLICT (kind, subject)
		 DO UPDATE SET status = EXCLUDED.status, reason = EXCLUDED.reason, updated_at = now()
		 RETURNING created_at, updated_at`,
		string(record.Kind), record.Subject, string(record.Status), record.Reason,
	).Scan(&record.CreatedAt, &record.UpdatedAt)
	if err != nil {
		return fmt.Errorf("モデレーション設定の保存に失敗しました: %w", err)
	}
	return nil
}

// UpsertIfAbsentOrNormal は現在の状態がNormalまたは未設定の場合のみ更新する。
func (r *PostgresModerationRepo) UpsertIfAbsentOrNormal(ctx context.Context, record *model.ModerationRecord) (bool, error) {
	err := r.db.QueryRowContext(ctx,
		`INSERT INTO moderation_records (kind, subject, status, reason)
		 VALUES ($1, $2, $3, $4)
		 ON CONFLICT (kind, subject)
		 DO UPDATE SET status = EXCLUDED.status, reason = EXCLUDED.reason, updated_at = now()
		 WHERE moderation_records.status = 'normal'
		 RETURNING created_at, updated_at`,
		string(record.Kind), record.Subject, string(record.Status), record.Reason,
	).Scan(&record.CreatedAt, &record.UpdatedAt)
	if err == sql.ErrNoRows {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("モデレーション設定の条件付き保存に失敗しました: %w", err)
	}
	return true, nil
}

// Delete はモデレーション設定を削除する。
func (r *PostgresModerationRepo) Delete(ctx context.Context, kind model.SubjectKind, subject string) (bool, error) {
	res, err := r.db.ExecContext(ctx,
		`DELETE FROM moderation_records WHERE kind = $1 AND subject = $2`,
		string(kind), subject,
	)
	if err != nil {
		return false, fmt.Errorf("モデレーション設定の削除に失敗しました: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("削除件数の取得に失敗しました: %w", err)
	}
	return n > 0, nil
}

// List は種別ごとの全設定を更新日時の新しい順に返す。
func (r *PostgresModerationRepo) List(ctx context.Context, kind model.SubjectKind) ([]*model.ModerationRecord, error) {
	rows, err := r.db.QueryContext(ctx,
		`SELECT `+moderationColumns+` FROM moderation_records WHERE kind = $1 ORDER BY updated_at DESC, subject`,
		string(kind),
	)
	if err != nil {
		return nil, fmt.Errorf("モデレーション設定一覧の取得に失敗しました: %w", err)
	}
	return scanModerationRecords(rows)
}

func scanModerationRecords(rows *sql.Rows) ([]*model.ModerationRecord, error) {
	defer rows.Close()

	var out []*model.ModerationRecord
	for rows.Next() {
		rec, err := scanModerationRecord(rows)
		if err != nil {
			return nil, fmt.Errorf("モデレーション設定の読み取りに失敗しました: %w", err)
		}
		out = append(out, rec)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("モデレーション設定の読み取りに失敗しました: %w", err)
	}
	return out, nil
}

func scanModerationRecord(s rowScanner) (*model.ModerationRecord, error) {
	rec := &model.ModerationRecord{}
	var kind, status string
	if err := s.Scan(&rec.Subject, &kind, &status, &rec.Reason, &rec.CreatedAt, &rec.UpdatedAt); err != nil {
		return nil, err
	}
	rec.Kind = model.SubjectKind(kind)
	rec.Status = model.ModerationStatus(status)
	return rec, nil
}

var _ ModerationRepository = (*PostgresModerationRepo)(nil)
