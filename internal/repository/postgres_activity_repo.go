package repository

import (
	"context"
	"database/sql"
	"fmt"
)

// PostgresActivityRepo はPostgreSQLを使用したアクティビティ文書の参照実装。
type PostgresActivityRepo struct {
	db *sql.DB
}

// NewPostgresActivityRepo はPostgresActivityRepoを生成する。
func NewPostgresActivityRepo(db *sql.DB) *PostgresActivityRepo {
	return &PostgresActivityRepo{db: db}
}

// FindDocument はアクティビティ文書を返す。見つからない場合はnilを返す。
func (r *PostgresActivityRepo) FindDocument(ctx context.Context, activityRef string) ([]byte, error) {
	var doc []byte
	err := r.db.QueryRowContext(ctx,
		`SELECT document FROM activities WHERE ref = $1`,
		activityRef,
	).Scan(&doc)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("アクティビティ文書の取得に失敗しました: %w", err)
	}
	return doc, nil
}

var _ ActivityRepository = (*PostgresActivityRepo)(nil)
