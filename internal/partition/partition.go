// Package partition は配送先キーから固定数パーティションへの決定的な割り当てを提供する。
// 割り当てはFNV-1a 32bitハッシュのNによる剰余で、プロセス再起動をまたいで安定している。
// Nを変更すると既存アイテムの所属がずれるため、再配置手順なしに変更してはならない。
package partition

import (
	"fmt"
	"hash/fnv"
	"net/url"
	"strings"
)

// DefaultCount はパーティション数のデフォルト値。
const DefaultCount = 16

// Partitioner はキーをパーティション番号 [0, N) に割り当てる。
type Partitioner struct {
	n int
}

// New はPartitionerを生成する。nが0以下の場合はDefaultCountを使用する。
func New(n int) *Partitioner {
	if n <= 0 {
		n = DefaultCount
	}
	return &Partitioner{n: n}
}

// Count はパーティション数を返す。
func (p *Partitioner) Count() int {
	return p.n
}

// PartitionFor はキーのパーティション番号を返す。
// 大文字小文字の違いは同一キーとして扱う。
func (p *Partitioner) PartitionFor(key string) int {
	h := fnv.New32a()
	h.Write([]byte(strings.ToLower(key)))
	return int(h.Sum32() % uint32(p.n))
}

// PartitionForURL はURLのホストに基づいてパーティション番号を返す。
func (p *Partitioner) PartitionForURL(rawURL string) (int, error) {
	host, err := HostOf(rawURL)
	if err != nil {
		return 0, err
	}
	return p.PartitionFor(host), nil
}

// Valid はパーティション番号が範囲内かを返す。
func (p *Partitioner) Valid(key int) bool {
	return key >= 0 && key < p.n
}

// All は全パーティション番号を昇順で返す。
func (p *Partitioner) All() []int {
	keys := make([]int, p.n)
	for i := range keys {
		keys[i] = i
	}
	return keys
}

// HostOf はURLからポートを除いた小文字のホスト名を取り出す。
func HostOf(rawURL string) (string, error) {
	u, err := url.Parse(rawURL)
	if err != nil {
		return "", fmt.Errorf("invalid URL %q: %w", rawURL, err)
	}
	host := strings.ToLower(u.Hostname())
	if host == "" {
		return "", fmt.Errorf("empty host in URL: %s", rawURL)
	}
	return host, nil
}
