package model

import (
	"crypto/rand"
	"io"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/oklog/ulid/v2"
)

// monoEntropy は全呼び出しで共有する単調増加エントロピー源。
// 同一ミリ秒内に生成しても辞書順が生成順と一致する。
var (
	monoMu      sync.Mutex
	monoEntropy io.Reader = ulid.Monotonic(rand.Reader, 0)
)

// NewQueueItemID は時刻順に並ぶQueueItemのID（ULID）を生成する。
// 同一created_at内でのFIFOの順序付けに使う。
func NewQueueItemID(at time.Time) string {
	monoMu.Lock()
	defer monoMu.Unlock()
	return ulid.MustNew(ulid.Timestamp(at), monoEntropy).String()
}

// NewID はバッチ、リーストークン等に使うUUIDを生成する。
func NewID() string {
	return uuid.New().String()
}
