// Package registry はリモートホストへの送信量の記録と、ホスト・アクター単位のモデレーションを管理する。
//
// 送信量はホストごとのスライディングウィンドウで集計し、リモートから429を返される頻度が
// 閾値に達したホストを自動的にProbationへ移す。モデレーションの判定はホスト名の親ドメインを
// 登録可能ドメイン（eTLD+1）までさかのぼり、最も重い状態を採用する。
package registry

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/url"
	"sort"
	"strings"
	"time"

	"golang.org/x/net/publicsuffix"

	"github.com/hitoshi/apdelivery/internal/model"
	"github.com/hitoshi/apdelivery/internal/repository"
)

// ErrInvalidSubject はモデレーション対象のホスト名またはアクターURLが不正な場合のエラー。
var ErrInvalidSubject = errors.New("invalid moderation subject")

// Config はレジストリの設定。
type Config struct {
	// AutoProbationThreshold はAutoProbationWindow内の429応答数の閾値。0以下で自動Probationを無効化する。
	AutoProbationThreshold int
	AutoProbationWindow    time.Duration
}

// AutoProbationObserver は自動Probation化の通知を受け取る。
type AutoProbationObserver interface {
	RecordAutoProbation(host string)
}

// Registry はレート記録とモデレーション設定を扱う。
type Registry struct {
	moderation repository.ModerationRepository
	windows    repository.RateWindowRepository
	config     Config
	logger     *slog.Logger
	observer   AutoProbationObserver
	now        func() time.Time
}

// Option はRegistryの任意設定。
type Option func(*Registry)

// WithClock は現在時刻の取得関数を差し替える。
func WithClock(now func() time.Time) Option {
	return func(r *Registry) { r.now = now }
}

// WithObserver は自動Probation化の通知先を設定する。
func WithObserver(o AutoProbationObserver) Option {
	return func(r *Registry) { r.observer = o }
}

// New はRegistryを生成する。
func New(moderation repository.ModerationRepository, windows repository.RateWindowRepository, config Config, logger *slog.Logger, opts ...Option) *Registry {
	r := &Registry{
		moderation: moderation,
		windows:    windows,
		config:     config,
		logger:     logger,
		now:        time.Now,
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// RecordRequest はremoteHostへのリクエスト1件を記録する。
// throttledはリモートが429を返したことを示す。
func (r *Registry) RecordRequest(ctx context.Context, remoteHost string, throttled bool) error {
	host := normalizeHost(remoteHost)
	now := r.now()

	if err := r.windows.Record(ctx, host, now, throttled); err != nil {
		return err
	}
	if !throttled || r.config.AutoProbationThreshold <= 0 {
		return nil
	}

	summary, err := r.windows.Summary(ctx, host, now.Add(-r.config.AutoProbationWindow))
	if err != nil {
		return err
	}
	if summary.ThrottledCount < r.config.AutoProbationThreshold {
		return nil
	}

	changed, err := r.moderation.UpsertIfAbsentOrNormal(ctx, &model.ModerationRecord{
		Subject: host,
		Kind:    model.SubjectHost,
		Status:  model.ModerationProbation,
		Reason:  model.AutoProbationReason,
	})
	if err != nil {
		return fmt.Errorf("自動Probationの設定に失敗しました: %w", err)
	}
	if changed {
		r.logger.Warn("リモートのレート制限が続いたためホストをProbationに移行しました",
			slog.String("remote_host", host),
			slog.Int("throttled_count", summary.ThrottledCount),
			slog.Duration("window", r.config.AutoProbationWindow),
		)
		if r.observer != nil {
			r.observer.RecordAutoProbation(host)
		}
	}
	return nil
}

// RateLimitedHosts は直近windowMinutes分のリクエスト数がthresholdを超えたホストを、
// リクエスト数の多い順に返す。
func (r *Registry) RateLimitedHosts(ctx context.Context, threshold, windowMinutes int) ([]model.HostRateWindow, error) {
	if threshold < 0 || windowMinutes <= 0 {
		return nil, fmt.Errorf("invalid rate query: threshold=%d window_minutes=%d", threshold, windowMinutes)
	}
	since := r.now().Add(-time.Duration(windowMinutes) * time.Minute)

	summaries, err := r.windows.Summaries(ctx, since)
	if err != nil {
		return nil, err
	}

	var hosts []model.HostRateWindow
	for _, s := range summaries {
		if s.RequestCount > threshold {
			hosts = append(hosts, s)
		}
	}
	sortByRequests(hosts)
	return hosts, nil
}

// ModerationStatus は対象の実効モデレーション状態を返す。
// subjectがURLの場合はアクターとして、それ以外はホストとして扱う。
func (r *Registry) ModerationStatus(ctx context.Context, subject string) (model.ModerationStatus, error) {
	if strings.Contains(subject, "://") {
		actor, host, err := normalizeActor(subject)
		if err != nil {
			return "", err
		}
		return r.Evaluate(ctx, host, []string{actor})
	}
	host := normalizeHost(subject)
	if !validHost(host) {
		return "", fmt.Errorf("%w: %q", ErrInvalidSubject, subject)
	}
	return r.domainStatus(ctx, host)
}

// SetDomainModeration はホストのモデレーション状態を設定する。
func (r *Registry) SetDomainModeration(ctx context.Context, host string, status model.ModerationStatus, reason string) (*model.ModerationRecord, error) {
	if _, err := model.ParseModerationStatus(string(status)); err != nil {
		return nil, err
	}
	normalized := normalizeHost(host)
	if !validHost(normalized) {
		return nil, fmt.Errorf("%w: %q", ErrInvalidSubject, host)
	}

	rec := &model.ModerationRecord{Subject: normalized, Kind: model.SubjectHost, Status: status, Reason: reason}
	if err := r.moderation.Upsert(ctx, rec); err != nil {
		return nil, err
	}
	r.logger.Info("ホストのモデレーション状態を設定しました",
		slog.String("remote_host", normalized),
		slog.String("status", string(status)),
	)
	return rec, nil
}

// SetActorModeration はアクターのモデレーション状態を設定する。
func (r *Registry) SetActorModeration(ctx context.Context, actorURL string, status model.ModerationStatus, reason string) (*model.ModerationRecord, error) {
	if _, err := model.ParseModerationStatus(string(status)); err != nil {
		return nil, err
	}
	actor, _, err := normalizeActor(actorURL)
	if err != nil {
		return nil, err
	}

	rec := &model.ModerationRecord{Subject: actor, Kind: model.SubjectActor, Status: status, Reason: reason}
	if err := r.moderation.Upsert(ctx, rec); err != nil {
		return nil, err
	}
	r.logger.Info("アクターのモデレーション状態を設定しました",
		slog.String("actor_url", actor),
		slog.String("status", string(status)),
	)
	return rec, nil
}

// DeleteActorModeration はアクターのモデレーション設定を削除する。削除した場合にtrueを返す。
func (r *Registry) DeleteActorModeration(ctx context.Context, actorURL string) (bool, error) {
	actor, _, err := normalizeActor(actorURL)
	if err != nil {
		return false, err
	}
	return r.moderation.Delete(ctx, model.SubjectActor, actor)
}

// ListDomainModeration はホストのモデレーション設定一覧を返す。
func (r *Registry) ListDomainModeration(ctx context.Context) ([]*model.ModerationRecord, error) {
	return r.moderation.List(ctx, model.SubjectHost)
}

// ListActorModeration はアクターのモデレーション設定一覧を返す。
func (r *Registry) ListActorModeration(ctx context.Context) ([]*model.ModerationRecord, error) {
	return r.moderation.List(ctx, model.SubjectActor)
}

// Evaluate は配送アイテムの実効モデレーション状態を返す。
//   - ホストがBlocked、または宛先アクターが全員Blockedの場合はBlocked
//   - ホストまたはいずれかのアクターがProbationの場合はProbation
//   - それ以外はNormal
//
// 共有inboxで一部のアクターのみBlockedの場合、他の宛先のために配送は行う。
func (r *Registry) Evaluate(ctx context.Context, host string, actors []string) (model.ModerationStatus, error) {
	hostStatus, err := r.domainStatus(ctx, normalizeHost(host))
	if err != nil {
		return "", err
	}
	if hostStatus == model.ModerationBlocked {
		return model.ModerationBlocked, nil
	}

	status := hostStatus
	if len(actors) > 0 {
		normalized := make([]string, len(actors))
		for i, a := range actors {
			if n, _, err := normalizeActor(a); err == nil {
				normalized[i] = n
			} else {
				normalized[i] = a
			}
		}
		actors = normalized

		records, err := r.moderation.FindMany(ctx, model.SubjectActor, actors)
		if err != nil {
			return "", err
		}
		byActor := make(map[string]model.ModerationStatus, len(records))
		for _, rec := range records {
			byActor[rec.Subject] = rec.Status
		}

		blocked := 0
		for _, a := range actors {
			switch byActor[a] {
			case model.ModerationBlocked:
				blocked++
			case model.ModerationProbation:
				status = model.ModerationProbation
			}
		}
		if blocked == len(actors) {
			return model.ModerationBlocked, nil
		}
	}
	if status == "" {
		status = model.ModerationNormal
	}
	return status, nil
}

// domainStatus はホストとその親ドメインの設定から最も重い状態を返す。
func (r *Registry) domainStatus(ctx context.Context, host string) (model.ModerationStatus, error) {
	records, err := r.moderation.FindMany(ctx, model.SubjectHost, domainCandidates(host))
	if err != nil {
		return "", err
	}
	status := model.ModerationNormal
	for _, rec := range records {
		if rec.Status.Severity() > status.Severity() {
			status = rec.Status
		}
	}
	return status, nil
}

// domainCandidates はホスト自身から登録可能ドメイン（eTLD+1）までの候補を返す。
// 例: a.b.example.co.jp → [a.b.example.co.jp, b.example.co.jp, example.co.jp]
func domainCandidates(host string) []string {
	if host == "" {
		return nil
	}
	if net.ParseIP(host) != nil {
		return []string{host}
	}
	registrable, err := publicsuffix.EffectiveTLDPlusOne(host)
	if err != nil {
		return []string{host}
	}

	candidates := []string{host}
	for h := host; h != registrable; {
		_, parent, ok := strings.Cut(h, ".")
		if !ok {
			break
		}
		h = parent
		candidates = append(candidates, h)
	}
	return candidates
}

// normalizeHost はホスト名を小文字化し、ポートと末尾のドットを除く。
func normalizeHost(host string) string {
	h := strings.ToLower(strings.TrimSpace(host))
	if strings.Contains(h, "://") {
		if u, err := url.Parse(h); err == nil {
			h = u.Host
		}
	}
	if hostOnly, _, err := net.SplitHostPort(h); err == nil {
		h = hostOnly
	}
	h = strings.Trim(h, "[]")
	return strings.TrimSuffix(h, ".")
}

func validHost(host string) bool {
	if host == "" || strings.ContainsAny(host, "/?#@ ") {
		return false
	}
	if net.ParseIP(host) != nil {
		return true
	}
	return strings.Contains(host, ".") || host == "localhost"
}

// normalizeActor はアクターURLを正規化し、ホスト名と共に返す。
// スキームとホストは小文字化し、パスはそのまま保持する。
func normalizeActor(actorURL string) (string, string, error) {
	u, err := url.Parse(strings.TrimSpace(actorURL))
	if err != nil || (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
		return "", "", fmt.Errorf("%w: %q", ErrInvalidSubject, actorURL)
	}
	u.Host = strings.ToLower(u.Host)
	u.Fragment = ""
	return u.String(), normalizeHost(u.Host), nil
}

// sortByRequests はリクエスト数の多い順、同数はホスト名順に並べる。
func sortByRequests(hosts []model.HostRateWindow) {
	sort.SliceStable(hosts, func(i, j int) bool {
		if hosts[i].RequestCount != hosts[j].RequestCount {
			return hosts[i].RequestCount > hosts[j].RequestCount
		}
		return hosts[i].RemoteHost < hosts[j].RemoteHost
	})
}
