// Package transport はリモートinboxへのHTTP配送と、ホスト単位の送信ペース制御を提供する。
package transport

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"time"
)

// ActivityContentType はActivityPubの配送で使用するContent-Type。
const ActivityContentType = `application/activity+json`

// Response はリモートinboxからの応答。
// ネットワークエラーの場合はDeliverがerrorを返し、Responseはnilになる。
// ステータス受信後に本文の読み取りが失敗した場合は、読めた分をBodyに、原因をBodyErrに入れる。
type Response struct {
	StatusCode int
	Body       []byte
	BodyErr    error
	RetryAfter time.Duration
	Duration   time.Duration
}

// Deliverer はアクティビティ文書を1つのinboxへPOSTする。
type Deliverer interface {
	Deliver(ctx context.Context, inbox string, document []byte) (*Response, error)
}

// RequestSigner は配送リクエストに署名を付与する。
// HTTP Signaturesの鍵管理は外部の責務であり、実装は呼び出し側が注入する。
type RequestSigner interface {
	Sign(req *http.Request, body []byte) error
}

// NopSigner は署名を付与しないRequestSigner。ローカル開発用。
type NopSigner struct{}

// Sign は何もしない。
func (NopSigner) Sign(*http.Request, []byte) error { return nil }

// HTTPDeliverer はnet/httpを使用したDelivererの実装。
type HTTPDeliverer struct {
	client          *http.Client
	signer          RequestSigner
	userAgent       string
	maxResponseSize int64
}

// NewHTTPDeliverer はHTTPDelivererを生成する。
// clientには security.InboxGuard.NewDeliveryClient で生成したSSRF防止付きクライアントを渡す。
// signerがnilの場合はNopSignerを使用する。
func NewHTTPDeliverer(client *http.Client, signer RequestSigner, userAgent string, maxResponseSize int64) *HTTPDeliverer {
	if signer == nil {
		signer = NopSigner{}
	}
	if maxResponseSize <= 0 {
		maxResponseSize = 1 << 20
	}
	return &HTTPDeliverer{
		client:          client,
		signer:          signer,
		userAgent:       userAgent,
		maxResponseSize: maxResponseSize,
	}
}

// Deliver はdocumentをinboxへPOSTする。
// 応答本文はmaxResponseSizeまで読み取り、それ以降は破棄する。
func (d *HTTPDeliverer) Deliver(ctx context.Context, inbox string, document []byte) (*Response, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, inbox, bytes.NewReader(document))
	if err != nil {
		return nil, fmt.Errorf("リクエスト作成に失敗: %w", err)
	}
	req.Header.Set("Content-Type", ActivityContentType)
	req.Header.Set("Accept", ActivityContentType+`, application/ld+json; profile="https://www.w3.org/ns/activitystreams"`)
	req.Header.Set("User-Agent", d.userAgent)
	req.Header.Set("Date", time.Now().UTC().Format(http.TimeFormat))

	if err := d.signer.Sign(req, document); err != nil {
		return nil, fmt.Errorf("リクエスト署名に失敗: %w", err)
	}

	start := time.Now()
	resp, err := d.client.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	body, readErr := io.ReadAll(io.LimitReader(resp.Body, d.maxResponseSize))
	if readErr != nil {
		readErr = fmt.Errorf("応答本文の読み取りに失敗: %w", readErr)
	} else {
		// 接続再利用のための読み捨て。失敗しても結果には影響しない
		_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, d.maxResponseSize))
	}

	return &Response{
		StatusCode: resp.StatusCode,
		Body:       body,
		BodyErr:    readErr,
		RetryAfter: parseRetryAfter(resp.Header.Get("Retry-After"), time.Now()),
		Duration:   time.Since(start),
	}, nil
}

// parseRetryAfter はRetry-Afterヘッダー（秒数またはHTTP日付）を解釈する。
func parseRetryAfter(v string, now time.Time) time.Duration {
	if v == "" {
		return 0
	}
	if secs, err := strconv.Atoi(v); err == nil && secs > 0 {
		return time.Duration(secs) * time.Second
	}
	if t, err := http.ParseTime(v); err == nil && t.After(now) {
		return t.Sub(now)
	}
	return 0
}

var _ Deliverer = (*HTTPDeliverer)(nil)
