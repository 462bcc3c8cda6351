// Package ratelimit はキーごとに rate.Limiter を保持し、使われなくなったものを掃除する。
// 管理APIのクライアントIP単位の制限と、配送先ホスト単位の送信ペース制御で共有する。
package ratelimit

import (
	"sync"
	"time"

	"golang.org/x/time/rate"
)

// DefaultCleanupInterval はCleanupIntervalが未指定の場合のクリーンアップ間隔。
const DefaultCleanupInterval = 5 * time.Minute

type entry struct {
	limiter    *rate.Limiter
	lastAccess time.Time
}

// Keyed はキーKごとのリミッター表。
// 最終アクセスからクリーンアップ間隔の2倍を超えたエントリは削除される。
type Keyed[K comparable] struct {
	interval time.Duration

	mu      sync.Mutex
	entries map[K]*entry

	stopCh   chan struct{}
	stopOnce sync.Once
}

// NewKeyed はKeyedを生成し、バックグラウンドのクリーンアップを開始する。
// 不要になったらStopを呼ぶこと。
func NewKeyed[K comparable](cleanupInterval time.Duration) *Keyed[K] {
	if cleanupInterval <= 0 {
		cleanupInterval = DefaultCleanupInterval
	}
	k := &Keyed[K]{
		interval: cleanupInterval,
		entries:  make(map[K]*entry),
		stopCh:   make(chan struct{}),
	}
	go k.cleanupLoop()
	return k
}

// Get はkeyのリミッターを返す。未登録ならnewLimiterで生成して登録する。
func (k *Keyed[K]) Get(key K, newLimiter func() *rate.Limiter) *rate.Limiter {
	now := time.Now()

	k.mu.Lock()
	defer k.mu.Unlock()

	if e, ok := k.entries[key]; ok {
		e.lastAccess = now
		return e.limiter
	}
	e := &entry{limiter: newLimiter(), lastAccess: now}
	k.entries[key] = e
	return e.limiter
}

// Len は現在保持しているエントリ数を返す。
func (k *Keyed[K]) Len() int {
	k.mu.Lock()
	defer k.mu.Unlock()
	return len(k.entries)
}

// Stop はクリーンアップのゴルーチンを停止する。複数回呼んでもよい。
func (k *Keyed[K]) Stop() {
	k.stopOnce.Do(func() { close(k.stopCh) })
}

// Sweep はnow時点でTTL（クリーンアップ間隔の2倍）を超えたエントリを削除し、削除数を返す。
func (k *Keyed[K]) Sweep(now time.Time) int {
	ttl := k.interval * 2

	k.mu.Lock()
	defer k.mu.Unlock()

	removed := 0
	for key, e := range k.entries {
		if now.Sub(e.lastAccess) > ttl {
			delete(k.entries, key)
			removed++
		}
	}
	return removed
}

func (k *Keyed[K]) cleanupLoop() {
	ticker := time.NewTicker(k.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			k.Sweep(time.Now())
		case <-k.stopCh:
			return
		}
	}
}
