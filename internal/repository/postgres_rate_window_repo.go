package repository

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/hitoshi/apdelivery/internal/model"
)

// PostgresRateWindowRepo はPostgreSQLを使用したホスト別リクエスト数の記録。
// リクエストを1件ずつhost_requestsに記録し、集計時に時刻で絞り込む。
type PostgresRateWindowRepo struct {
	db *sql.DB
}

// NewPostgresRateWindowRepo はPostgresRateWindowRepoを生成する。
func NewPostgresRateWindowRepo(db *sql.DB) *PostgresRateWindowRepo {
	return &PostgresRateWindowRepo{db: db}
}

// Record はhostへのリクエスト1件を記録する。
func (r *PostgresRateWindowRepo) Record(ctx context.Context, host string, at time.Time, throttled bool) error {
	_, err := r.db.ExecContext(ctx,
		`INSERT INTO host_requests (remote_host, requested_at, throttled) VALUES ($1, $2, $3)`,
		host, at.UTC(), throttled,
	)
	if err != nil {
		return fmt.Errorf("リクエスト数の記録に失敗しました: %w", err)
	}
	return nil
}

// Summaries はsince以降のリクエスト数をホストごとに合算して返す。
func (r *PostgresRateWindowRepo) Summaries(ctx context.Context, since time.Time) ([]model.HostRateWindow, error) {
	rows, err := r.db.QueryContext(ctx,
		`SELECT remote_host, COUNT(*), COUNT(*) FILTER (WHERE throttled), MAX(requested_at)
		 FROM host_requests
		 WHERE requested_at >= $1
		 GROUP BY remote_host
		 ORDER BY remote_host`,
		since.UTC(),
	)
	if err != nil {
		return nil, fmt.Errorf("ホスト別リクエスト数の取得に失敗しました: %w", err)
	}
	defer rows.Close()

	var out []model.HostRateWindow
	for rows.Next() {
		w := model.HostRateWindow{WindowStart: since}
		if err := rows.Scan(&w.RemoteHost, &w.RequestCount, &w.ThrottledCount, &w.LatestRequestAt); err != nil {
			return nil, fmt.Errorf("ホスト別リクエスト数の読み取りに失敗しました: %w", err)
		}
		out = append(out, w)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("ホスト別リクエスト数の読み取りに失敗しました: %w", err)
	}
	return out, nil
}

// Summary は1ホストのsince以降の合算を返す。
func (r *PostgresRateWindowRepo) Summary(ctx context.Context, host string, since time.Time) (model.HostRateWindow, error) {
	w := model.HostRateWindow{RemoteHost: host, WindowStart: since}
	var latest sql.NullTime
	err := r.db.QueryRowContext(ctx,
		`SELECT COUNT(*), COUNT(*) FILTER (WHERE throttled), MAX(requested_at)
		 FROM host_requests
		 WHERE remote_host = $1 AND requested_at >= $2`,
		host, since.UTC(),
	).Scan(&w.RequestCount, &w.ThrottledCount, &latest)
	if err != nil {
		return w, fmt.Errorf("ホストのリクエスト数の取得に失敗しました: %w", err)
	}
	if latest.Valid {
		w.LatestRequestAt = latest.Time
	}
	return w, nil
}

// Prune はbeforeより前のリクエスト記録を削除する。
func (r *PostgresRateWindowRepo) Prune(ctx context.Context, before time.Time) (int64, error) {
	res, err := r.db.ExecContext(ctx,
		`DELETE FROM host_requests WHERE requested_at < $1`,
		before.UTC(),
	)
	if err != nil {
		return 0, fmt.Errorf("古いリクエスト記録の削除に失敗しました: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("削除件数の取得に失敗しました: %w", err)
	}
	return n, nil
}

var _ RateWindowRepository = (*PostgresRateWindowRepo)(nil)
