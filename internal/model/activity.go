package model

import "time"

// Activity は配送対象のアウトバウンドアクティビティ。
// 署名済み文書の構築は外部の責務であり、Documentは不透明なバイト列として扱う。
type Activity struct {
	Ref       string
	ActorURL  string
	Document  []byte
	CreatedAt time.Time
}

// Recipient はフォロワー解決の結果1件を表す。
// SharedInboxがあればそちらへまとめて配送する。
type Recipient struct {
	ActorURL     string `json:"actor_url"`
	Inbox        string `json:"inbox"`
	SharedInbox  string `json:"shared_inbox,omitempty"`
	ResolveError string `json:"resolve_error,omitempty"`
}

// DeliveryInbox は実際の配送先inboxを返す。
func (r Recipient) DeliveryInbox() string {
	if r.SharedInbox != "" {
		return r.SharedInbox
	}
	return r.Inbox
}

// FanoutResult はファンアウト結果の概要。
type FanoutResult struct {
	ActivityRef string
	Entries     []*BatchFanoutEntry
	Recipients  int
	Items       int
	Unresolved  int
}

// LegacyQueueRow はシャーディング導入前の単一キュー（delivery_queue）の行。
type LegacyQueueRow struct {
	ID          string
	ActivityRef string
	Document    []byte
	InboxURL    string
	ActorURL    string
	Attempts    int
	CreatedAt   time.Time
}
