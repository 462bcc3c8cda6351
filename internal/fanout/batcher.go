// Package fanout は1件のアクティビティを宛先inboxごとの配送アイテムへ展開する。
package fanout

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/url"
	"strings"
	"time"

	"github.com/hitoshi/apdelivery/internal/model"
	"github.com/hitoshi/apdelivery/internal/partition"
	"github.com/hitoshi/apdelivery/internal/repository"
)

var (
	// ErrInvalidActivity はアクティビティの参照IDまたは文書が空の場合のエラー。
	ErrInvalidActivity = errors.New("activity ref and document are required")
	// ErrNoRecipients は宛先が0件の場合のエラー。
	ErrNoRecipients = errors.New("no recipients")
	// ErrNoResolver はFollowerResolverが設定されていない場合のエラー。
	ErrNoResolver = errors.New("follower resolver is not configured")
)

// FollowerResolver はアクティビティの宛先フォロワーとそのinboxを解決する。
// フォロワーグラフの管理は外部の責務。
type FollowerResolver interface {
	ResolveFollowers(ctx context.Context, activityRef string) ([]model.Recipient, error)
}

// InboxValidator は配送先inboxのURLを検証する。
type InboxValidator interface {
	ValidateInbox(rawURL string) error
}

// Batcher はファンアウトを行い、結果を1トランザクションでキューへ登録する。
type Batcher struct {
	store       repository.QueueStore
	partitioner *partition.Partitioner
	validator   InboxValidator
	resolver    FollowerResolver
	logger      *slog.Logger
	now         func() time.Time
}

// NewBatcher はBatcherを生成する。resolverはnil可（FanoutResolvedが使えなくなる）。
func NewBatcher(
	store repository.QueueStore,
	partitioner *partition.Partitioner,
	validator InboxValidator,
	resolver FollowerResolver,
	logger *slog.Logger,
) *Batcher {
	return &Batcher{
		store:       store,
		partitioner: partitioner,
		validator:   validator,
		resolver:    resolver,
		logger:      logger,
		now:         time.Now,
	}
}

// SetClock は現在時刻の取得関数を差し替える。テスト用。
func (b *Batcher) SetClock(now func() time.Time) {
	b.now = now
}

// FanoutResolved はFollowerResolverで宛先を解決してからファンアウトする。
func (b *Batcher) FanoutResolved(ctx context.Context, activity *model.Activity) (*model.FanoutResult, error) {
	if b.resolver == nil {
		return nil, ErrNoResolver
	}
	recipients, err := b.resolver.ResolveFollowers(ctx, activity.Ref)
	if err != nil {
		return nil, fmt.Errorf("フォロワーの解決に失敗しました: %w", err)
	}
	return b.Fanout(ctx, activity, recipients)
}

// Fanout はrecipientsを配送inboxごとにまとめ、パーティション別のバッチとして登録する。
//
// 共有inboxを持つ宛先は同じinboxの1アイテムにまとめ、RecipientActorsに全員を記録する。
// inboxが解決できない、または安全でない宛先は、他の宛先を妨げないよう
// 最初からFailedのアイテムとして登録する（パーティションはアクターのホストで決める）。
func (b *Batcher) Fanout(ctx context.Context, activity *model.Activity, recipients []model.Recipient) (*model.FanoutResult, error) {
	if activity == nil || activity.Ref == "" || len(activity.Document) == 0 {
		return nil, ErrInvalidActivity
	}
	if len(recipients) == 0 {
		return nil, ErrNoRecipients
	}

	now := b.now()
	if activity.CreatedAt.IsZero() {
		activity.CreatedAt = now
	}

	var (
		items      []*model.QueueItem
		byInbox    = make(map[string]*model.QueueItem)
		entries    = make(map[int]*model.BatchFanoutEntry)
		order      []int
		resolved   int
		unresolved int
	)

	entryFor := func(key int) *model.BatchFanoutEntry {
		e, ok := entries[key]
		if !ok {
			e = &model.BatchFanoutEntry{
				ID:           model.NewID(),
				ActivityRef:  activity.Ref,
				PartitionKey: key,
				CreatedAt:    now,
				UpdatedAt:    now,
			}
			entries[key] = e
			order = append(order, key)
		}
		return e
	}

	newItem := func(key int, inbox string, state model.ItemState) *model.QueueItem {
		item := &model.QueueItem{
			ID:           model.NewQueueItemID(now),
			PartitionKey: key,
			ActivityRef:  activity.Ref,
			TargetInbox:  inbox,
			State:        state,
			NotBefore:    now,
			CreatedAt:    now,
			UpdatedAt:    now,
		}
		e := entryFor(key)
		item.BatchID = e.ID
		e.TotalCount++
		switch state {
		case model.ItemStateFailed:
			e.FailedCount++
		default:
			e.PendingCount++
		}
		items = append(items, item)
		return item
	}

	for _, r := range recipients {
		inbox, host, reason := b.deliveryTarget(r)
		if reason != "" {
			key := b.partitioner.PartitionFor(actorKey(r.ActorURL))
			item := newItem(key, inbox, model.ItemStateFailed)
			item.RecipientActors = []string{r.ActorURL}
			item.LastError = reason
			unresolved++
			b.logger.Warn("宛先を解決できないため配送をスキップします",
				slog.String("activity_ref", activity.Ref),
				slog.String("actor_url", r.ActorURL),
				slog.String("reason", reason),
			)
			continue
		}

		resolved++
		k := inboxKey(inbox)
		item, ok := byInbox[k]
		if !ok {
			item = newItem(b.partitioner.PartitionFor(host), inbox, model.ItemStatePending)
			byInbox[k] = item
		}
		if r.ActorURL != "" && !contains(item.RecipientActors, r.ActorURL) {
			item.RecipientActors = append(item.RecipientActors, r.ActorURL)
		}
	}

	batch := make([]*model.BatchFanoutEntry, 0, len(order))
	for _, key := range order {
		batch = append(batch, entries[key])
	}

	if err := b.store.CreateBatch(ctx, activity, batch, items); err != nil {
		return nil, err
	}

	b.logger.Info("アクティビティをファンアウトしました",
		slog.String("activity_ref", activity.Ref),
		slog.Int("recipients", len(recipients)),
		slog.Int("items", len(items)),
		slog.Int("partitions", len(batch)),
		slog.Int("unresolved", unresolved),
	)

	return &model.FanoutResult{
		ActivityRef: activity.Ref,
		Entries:     batch,
		Recipients:  resolved + unresolved,
		Items:       len(items),
		Unresolved:  unresolved,
	}, nil
}

// deliveryTarget は宛先の配送inboxとそのホストを返す。
// 配送できない場合は理由を返す。
func (b *Batcher) deliveryTarget(r model.Recipient) (inbox, host, reason string) {
	inbox = r.DeliveryInbox()
	if r.ResolveError != "" {
		return inbox, "", "unresolved: " + r.ResolveError
	}
	if inbox == "" {
		return "", "", "unresolved: no inbox"
	}
	if b.validator != nil {
		if err := b.validator.ValidateInbox(inbox); err != nil {
			return inbox, "", "invalid inbox: " + err.Error()
		}
	}
	h, err := partition.HostOf(inbox)
	if err != nil {
		return inbox, "", "invalid inbox: " + err.Error()
	}
	return inbox, h, ""
}

// inboxKey は同一inboxの判定に使うキー。スキームとホストを小文字にし、既定ポートを落とす。
// パス以降は大文字小文字を区別する。
func inboxKey(inbox string) string {
	u, err := url.Parse(inbox)
	if err != nil || u.Host == "" {
		return inbox
	}
	scheme := strings.ToLower(u.Scheme)
	host := strings.ToLower(u.Hostname())
	if port := u.Port(); port != "" && !(scheme == "https" && port == "443") && !(scheme == "http" && port == "80") {
		host += ":" + port
	}
	u.Scheme = scheme
	u.Host = host
	u.Fragment = ""
	return u.String()
}

// actorKey は未解決の宛先のパーティションキー。アクターURLのホスト、取れなければURL自体。
func actorKey(actorURL string) string {
	if h, err := partition.HostOf(actorURL); err == nil {
		return h
	}
	return actorURL
}

func contains(list []string, s string) bool {
	for _, v := range list {
		if v == s {
			return true
		}
	}
	return false
}
