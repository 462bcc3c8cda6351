package fanout

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/hitoshi/apdelivery/internal/model"
	"github.com/hitoshi/apdelivery/internal/partition"
	"github.com/hitoshi/apdelivery/internal/repository"
)

type mockValidator struct {
	validateFn func(rawURL string) error
}

func (m *mockValidator) ValidateInbox(rawURL string) error {
	if m.validateFn != nil {
		return m.validateFn(rawURL)
	}
	return nil
}

type mockResolver struct {
	resolveFn func(ctx context.Context, activityRef string) ([]model.Recipient, error)
}

func (m *mockResolver) ResolveFollowers(ctx context.Context, activityRef string) ([]model.Recipient, error) {
	return m.resolveFn(ctx, activityRef)
}

var testNow = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

func newTestBatcher(store repository.QueueStore, validator InboxValidator, resolver FollowerResolver) *Batcher {
	b := NewBatcher(store, partition.New(16), validator, resolver, slog.New(slog.NewTextHandler(io.Discard, nil)))
	b.SetClock(func() time.Time { return testNow })
	return b
}

func newActivity(ref string) *model.Activity {
	return &model.Activity{Ref: ref, ActorURL: "https://local.example/users/alice", Document: []byte(`{"type":"Create"}`)}
}

func TestFanout_CoalescesSharedInbox(t *testing.T) {
	store := repository.NewMemoryQueueRepo(func() time.Time { return testNow })
	b := newTestBatcher(store, &mockValidator{}, nil)

	recipients := []model.Recipient{
		{ActorURL: "https://a.example/users/1", Inbox: "https://a.example/users/1/inbox", SharedInbox: "https://a.example/inbox"},
		{ActorURL: "https://a.example/users/2", Inbox: "https://a.example/users/2/inbox", SharedInbox: "https://a.example/inbox"},
		{ActorURL: "https://a.example/users/2", Inbox: "https://a.example/users/2/inbox", SharedInbox: "https://a.example/inbox"},
		{ActorURL: "https://b.example/users/x", Inbox: "https://b.example/users/x/inbox"},
	}

	result, err := b.Fanout(context.Background(), newActivity("act-1"), recipients)
	if err != nil {
		t.Fatalf("Fanout failed: %v", err)
	}
	if result.Items != 2 {
		t.Errorf("items = %d, want 2", result.Items)
	}
	if result.Unresolved != 0 {
		t.Errorf("unresolved = %d, want 0", result.Unresolved)
	}

	items := store.Items()
	var shared *model.QueueItem
	for _, item := range items {
		if item.TargetInbox == "https://a.example/inbox" {
			shared = item
		}
	}
	if shared == nil {
		t.Fatal("共有inbox宛のアイテムが作成されていない")
	}
	if len(shared.RecipientActors) != 2 {
		t.Errorf("recipient actors = %v, want 2 distinct actors", shared.RecipientActors)
	}
	p := partition.New(16)
	if shared.PartitionKey != p.PartitionFor("a.example") {
		t.Errorf("partition = %d, want %d", shared.PartitionKey, p.PartitionFor("a.example"))
	}
	if err := store.VerifyCounters(); err != nil {
		t.Errorf("カウンタ不整合: %v", err)
	}
}

func TestFanout_CoalescesInboxWithDifferentHostCase(t *testing.T) {
	store := repository.NewMemoryQueueRepo(func() time.Time { return testNow })
	b := newTestBatcher(store, &mockValidator{}, nil)

	recipients := []model.Recipient{
		{ActorURL: "https://mastodon.example/users/1", SharedInbox: "https://Mastodon.Example/inbox"},
		{ActorURL: "https://mastodon.example/users/2", SharedInbox: "https://mastodon.example/inbox"},
		{ActorURL: "https://mastodon.example/users/3", SharedInbox: "HTTPS://mastodon.example:443/inbox"},
		{ActorURL: "https://mastodon.example/users/4", SharedInbox: "https://mastodon.example/Inbox"},
	}

	result, err := b.Fanout(context.Background(), newActivity("act-case"), recipients)
	if err != nil {
		t.Fatalf("Fanout failed: %v", err)
	}
	// パスの大文字小文字は区別するので /Inbox は別アイテム
	if result.Items != 2 {
		t.Fatalf("items = %d, want 2", result.Items)
	}

	var merged *model.QueueItem
	for _, item := range store.Items() {
		if item.TargetInbox == "https://Mastodon.Example/inbox" {
			merged = item
		}
	}
	if merged == nil {
		t.Fatal("最初に現れた表記のinboxでアイテムが作成されていない")
	}
	want := []string{"https://mastodon.example/users/1", "https://mastodon.example/users/2", "https://mastodon.example/users/3"}
	if len(merged.RecipientActors) != len(want) {
		t.Fatalf("recipient actors = %v, want %v", merged.RecipientActors, want)
	}
	for i, a := range want {
		if merged.RecipientActors[i] != a {
			t.Errorf("recipient actors[%d] = %s, want %s", i, merged.RecipientActors[i], a)
		}
	}
	if err := store.VerifyCounters(); err != nil {
		t.Errorf("カウンタ不整合: %v", err)
	}
}

func TestInboxKey(t *testing.T) {
	tests := []struct {
		name string
		a, b string
		same bool
	}{
		{"ホストの大文字小文字", "https://A.example/inbox", "https://a.example/inbox", true},
		{"スキームの大文字小文字", "HTTPS://a.example/inbox", "https://a.example/inbox", true},
		{"既定ポート", "https://a.example:443/inbox", "https://a.example/inbox", true},
		{"既定でないポート", "https://a.example:8443/inbox", "https://a.example/inbox", false},
		{"パスは区別する", "https://a.example/Inbox", "https://a.example/inbox", false},
		{"スキーム違い", "http://a.example/inbox", "https://a.example/inbox", false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := inboxKey(tt.a) == inboxKey(tt.b); got != tt.same {
				t.Errorf("inboxKey(%q)=%q, inboxKey(%q)=%q, same=%v want %v",
					tt.a, inboxKey(tt.a), tt.b, inboxKey(tt.b), got, tt.same)
			}
		})
	}
}

func TestFanout_EntriesPerPartition(t *testing.T) {
	store := repository.NewMemoryQueueRepo(func() time.Time { return testNow })
	b := newTestBatcher(store, &mockValidator{}, nil)

	var recipients []model.Recipient
	hosts := []string{"a.example", "b.example", "c.example", "d.example", "e.example"}
	for _, h := range hosts {
		for i := 0; i < 3; i++ {
			recipients = append(recipients, model.Recipient{
				ActorURL: "https://" + h + "/users/" + string(rune('a'+i)),
				Inbox:    "https://" + h + "/users/" + string(rune('a'+i)) + "/inbox",
			})
		}
	}

	result, err := b.Fanout(context.Background(), newActivity("act-2"), recipients)
	if err != nil {
		t.Fatalf("Fanout failed: %v", err)
	}

	total := 0
	seen := make(map[int]bool)
	for _, e := range result.Entries {
		if seen[e.PartitionKey] {
			t.Errorf("partition %d has multiple entries", e.PartitionKey)
		}
		seen[e.PartitionKey] = true
		if !e.Consistent() {
			t.Errorf("entry %+v is inconsistent", e)
		}
		total += e.TotalCount
	}
	if total != 15 {
		t.Errorf("total = %d, want 15", total)
	}

	summary, _ := store.BatchesByActivity(context.Background(), "act-2")
	if summary == nil || summary.Total.PendingCount != 15 {
		t.Errorf("summary = %+v", summary)
	}
}

func TestFanout_UnresolvedRecipientsBecomeFailed(t *testing.T) {
	store := repository.NewMemoryQueueRepo(func() time.Time { return testNow })
	validator := &mockValidator{validateFn: func(rawURL string) error {
		if rawURL == "http://10.0.0.1/inbox" {
			return errors.New("private address")
		}
		return nil
	}}
	b := newTestBatcher(store, validator, nil)

	recipients := []model.Recipient{
		{ActorURL: "https://ok.example/users/1", Inbox: "https://ok.example/inbox"},
		{ActorURL: "https://gone.example/users/2", ResolveError: "HTTP 404"},
		{ActorURL: "https://none.example/users/3"},
		{ActorURL: "https://evil.example/users/4", Inbox: "http://10.0.0.1/inbox"},
	}

	result, err := b.Fanout(context.Background(), newActivity("act-3"), recipients)
	if err != nil {
		t.Fatalf("Fanout failed: %v", err)
	}
	if result.Unresolved != 3 {
		t.Errorf("unresolved = %d, want 3", result.Unresolved)
	}

	summary, _ := store.BatchesByActivity(context.Background(), "act-3")
	if summary.Total.PendingCount != 1 || summary.Total.FailedCount != 3 {
		t.Errorf("total = %+v", summary.Total)
	}

	failed, _ := store.ListFailed(context.Background(), -1, 10)
	for _, item := range failed {
		if item.LastError == "" {
			t.Errorf("failed item %s has no last_error", item.ID)
		}
		if item.AttemptCount != 0 {
			t.Errorf("未試行のアイテムのattempt_countは0であるべき: %d", item.AttemptCount)
		}
	}
}

func TestFanout_Validation(t *testing.T) {
	store := repository.NewMemoryQueueRepo(func() time.Time { return testNow })
	b := newTestBatcher(store, nil, nil)
	ctx := context.Background()
	recipients := []model.Recipient{{ActorURL: "https://a.example/users/1", Inbox: "https://a.example/inbox"}}

	tests := []struct {
		name       string
		activity   *model.Activity
		recipients []model.Recipient
		want       error
	}{
		{"nil activity", nil, recipients, ErrInvalidActivity},
		{"empty ref", &model.Activity{Document: []byte(`{}`)}, recipients, ErrInvalidActivity},
		{"empty document", &model.Activity{Ref: "x"}, recipients, ErrInvalidActivity},
		{"no recipients", newActivity("x"), nil, ErrNoRecipients},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := b.Fanout(ctx, tt.activity, tt.recipients)
			if !errors.Is(err, tt.want) {
				t.Errorf("err = %v, want %v", err, tt.want)
			}
		})
	}
}

func TestFanout_DuplicateActivity(t *testing.T) {
	store := repository.NewMemoryQueueRepo(func() time.Time { return testNow })
	b := newTestBatcher(store, nil, nil)
	recipients := []model.Recipient{{ActorURL: "https://a.example/users/1", Inbox: "https://a.example/inbox"}}

	if _, err := b.Fanout(context.Background(), newActivity("dup"), recipients); err != nil {
		t.Fatalf("1回目のFanout failed: %v", err)
	}
	_, err := b.Fanout(context.Background(), newActivity("dup"), recipients)
	if !errors.Is(err, model.ErrBatchExists) {
		t.Errorf("二重登録はErrBatchExistsになるべき: %v", err)
	}
	if n := len(store.Items()); n != 1 {
		t.Errorf("items = %d, want 1", n)
	}
}

func TestFanoutResolved(t *testing.T) {
	store := repository.NewMemoryQueueRepo(func() time.Time { return testNow })
	resolver := &mockResolver{resolveFn: func(ctx context.Context, ref string) ([]model.Recipient, error) {
		if ref != "act-r" {
			t.Errorf("ref = %s", ref)
		}
		return []model.Recipient{{ActorURL: "https://a.example/users/1", Inbox: "https://a.example/inbox"}}, nil
	}}
	b := newTestBatcher(store, nil, resolver)

	result, err := b.FanoutResolved(context.Background(), newActivity("act-r"))
	if err != nil {
		t.Fatalf("FanoutResolved failed: %v", err)
	}
	if result.Items != 1 {
		t.Errorf("items = %d, want 1", result.Items)
	}

	noResolver := newTestBatcher(store, nil, nil)
	if _, err := noResolver.FanoutResolved(context.Background(), newActivity("act-x")); !errors.Is(err, ErrNoResolver) {
		t.Errorf("err = %v, want ErrNoResolver", err)
	}
}
