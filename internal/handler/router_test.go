package handler

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/hitoshi/apdelivery/internal/middleware"
	"github.com/hitoshi/apdelivery/internal/model"
	"github.com/hitoshi/apdelivery/internal/registry"
	"github.com/hitoshi/apdelivery/internal/worker/delivery"
)

const testToken = "test-admin-token"

type routerFixture struct {
	coordinator *mockCoordinator
	queue       *mockQueue
	moderation  *mockModeration
	enqueuer    *mockEnqueuer
	migrator    *mockMigrator
	health      *mockHealthChecker
	deps        *RouterDeps
}

func newRouterFixture() *routerFixture {
	f := &routerFixture{
		coordinator: &mockCoordinator{partitionCount: 4},
		queue:       &mockQueue{},
		moderation:  &mockModeration{},
		enqueuer:    &mockEnqueuer{},
		migrator:    &mockMigrator{},
		health:      &mockHealthChecker{},
	}
	f.deps = &RouterDeps{
		Logger:            slog.New(slog.NewTextHandler(io.Discard, nil)),
		AdminToken:        testToken,
		CORSAllowedOrigin: "http://localhost:3000",
		HealthChecker:     f.health,
		Gatherer:          prometheus.NewRegistry(),
		Coordinator:       f.coordinator,
		Stats:             f.queue,
		Moderation:        f.moderation,
		Enqueuer:          f.enqueuer,
		Queue:             f.queue,
		Reaper:            f.coordinator,
		Migrator:          f.migrator,
	}
	return f
}

func (f *routerFixture) do(t *testing.T, method, path, body string) *httptest.ResponseRecorder {
	t.Helper()
	var reader io.Reader
	if body != "" {
		reader = strings.NewReader(body)
	}
	req := httptest.NewRequest(method, path, reader)
	req.Header.Set("Authorization", "Bearer "+testToken)
	if body != "" {
		req.Header.Set("Content-Type", "application/json")
	}
	w := httptest.NewRecorder()
	NewRouter(f.deps).ServeHTTP(w, req)
	return w
}

func decodeError(t *testing.T, w *httptest.ResponseRecorder) middleware.ErrorResponseBody {
	t.Helper()
	var body middleware.ErrorResponseBody
	if err := json.NewDecoder(w.Body).Decode(&body); err != nil {
		t.Fatalf("failed to decode error body: %v", err)
	}
	return body
}

// --- 公開エンドポイント ---

func TestHealth(t *testing.T) {
	f := newRouterFixture()

	req := httptest.NewRequest(http.MethodGet, "/health", nil)
	w := httptest.NewRecorder()
	NewRouter(f.deps).ServeHTTP(w, req)
	if w.Code != http.StatusOK {
		t.Errorf("status = %d, want 200", w.Code)
	}

	f.health.err = errors.New("connection refused")
	w = httptest.NewRecorder()
	NewRouter(f.deps).ServeHTTP(w, req)
	if w.Code != http.StatusServiceUnavailable {
		t.Errorf("DB不通時のstatus = %d, want 503", w.Code)
	}
}

func TestMetricsIsPublic(t *testing.T) {
	f := newRouterFixture()
	reg := prometheus.NewRegistry()
	reg.MustRegister(prometheus.NewCounter(prometheus.CounterOpts{Name: "apdelivery_test_total"}))
	f.deps.Gatherer = reg

	w := httptest.NewRecorder()
	NewRouter(f.deps).ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	if w.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", w.Code)
	}
	if !strings.Contains(w.Body.String(), "apdelivery_test_total") {
		t.Error("登録したメトリクスが出力されていない")
	}
}

func TestAPIRequiresToken(t *testing.T) {
	f := newRouterFixture()

	paths := []struct {
		method string
		path   string
	}{
		{http.MethodGet, "/api/partitions"},
		{http.MethodPost, "/api/partitions/process"},
		{http.MethodPost, "/api/partitions/1/process"},
		{http.MethodGet, "/api/hosts/rate-limited"},
		{http.MethodGet, "/api/moderation/domains"},
		{http.MethodDelete, "/api/moderation/actors"},
		{http.MethodPost, "/api/activities"},
		{http.MethodPost, "/api/queue/migrate-legacy"},
	}
	for _, p := range paths {
		t.Run(p.method+" "+p.path, func(t *testing.T) {
			req := httptest.NewRequest(p.method, p.path, nil)
			w := httptest.NewRecorder()
			NewRouter(f.deps).ServeHTTP(w, req)
			if w.Code != http.StatusUnauthorized {
				t.Errorf("status = %d, want 401", w.Code)
			}
		})
	}
}

func TestAPIRateLimited(t *testing.T) {
	f := newRouterFixture()
	rl := middleware.NewRateLimiter(middleware.RateLimiterConfig{Rate: 0.01, Burst: 2, CleanupInterval: time.Minute})
	defer rl.Stop()
	f.deps.RateLimiter = rl

	router := NewRouter(f.deps)
	var last int
	for i := 0; i < 3; i++ {
		req := httptest.NewRequest(http.MethodGet, "/api/partitions", nil)
		req.Header.Set("Authorization", "Bearer "+testToken)
		w := httptest.NewRecorder()
		router.ServeHTTP(w, req)
		last = w.Code
	}
	if last != http.StatusTooManyRequests {
		t.Errorf("3件目のstatus = %d, want 429", last)
	}
}

func TestAPISecurityHeaders(t *testing.T) {
	f := newRouterFixture()
	w := f.do(t, http.MethodGet, "/api/partitions", "")
	if got := w.Header().Get("Cache-Control"); got != "no-store" {
		t.Errorf("Cache-Control = %q, want no-store", got)
	}
}

func TestAPIPreflightFromDashboard(t *testing.T) {
	f := newRouterFixture()
	req := httptest.NewRequest(http.MethodOptions, "/api/partitions/process", nil)
	req.Header.Set("Origin", "http://localhost:3000")
	req.Header.Set("Access-Control-Request-Method", http.MethodPost)
	w := httptest.NewRecorder()
	NewRouter(f.deps).ServeHTTP(w, req)

	if w.Code != http.StatusNoContent {
		t.Fatalf("status = %d, want 204（プリフライトは認証不要）", w.Code)
	}
	if got := w.Header().Get("Access-Control-Allow-Origin"); got != "http://localhost:3000" {
		t.Errorf("Access-Control-Allow-Origin = %q", got)
	}
}

// ハンドラー内のpanicは統一形式の500になる
func TestAPIPanicReturnsInternalError(t *testing.T) {
	f := newRouterFixture()
	f.coordinator.runAllFunc = func(ctx context.Context, concurrencyLimit int) (model.CoordinatorResult, error) {
		panic("coordinator bug")
	}

	w := f.do(t, http.MethodPost, "/api/partitions/process", "")
	if w.Code != http.StatusInternalServerError {
		t.Fatalf("status = %d, want 500", w.Code)
	}
	if body := decodeError(t, w); body.Code != model.ErrCodeInternal {
		t.Errorf("code = %q, want %s", body.Code, model.ErrCodeInternal)
	}
}

// --- パーティション ---

func TestPartitionStats(t *testing.T) {
	f := newRouterFixture()
	f.queue.statsFunc = func(ctx context.Context, n int) ([]model.PartitionStats, error) {
		if n != 4 {
			t.Errorf("partitionCount = %d, want 4", n)
		}
		return []model.PartitionStats{
			{PartitionKey: 0, TotalCount: 3, PendingCount: 1, ProcessedCount: 2},
			{PartitionKey: 1},
			{PartitionKey: 2, TotalCount: 1, FailedCount: 1},
			{PartitionKey: 3},
		}, nil
	}

	w := f.do(t, http.MethodGet, "/api/partitions", "")
	if w.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", w.Code)
	}

	var resp partitionStatsResponse
	if err := json.NewDecoder(w.Body).Decode(&resp); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if resp.PartitionCount != 4 || len(resp.Partitions) != 4 {
		t.Errorf("resp = %+v", resp)
	}
	if resp.Total.TotalCount != 4 || resp.Total.FailedCount != 1 || resp.Total.ProcessedCount != 2 {
		t.Errorf("total = %+v", resp.Total)
	}
}

func TestProcessPartition(t *testing.T) {
	tests := []struct {
		name       string
		path       string
		runErr     error
		wantStatus int
		wantCode   string
	}{
		{"正常", "/api/partitions/2/process", nil, http.StatusOK, ""},
		{"数値でない", "/api/partitions/abc/process", nil, http.StatusBadRequest, model.ErrCodeInvalidPartition},
		{"範囲外", "/api/partitions/99/process", fmt.Errorf("%w: 99", delivery.ErrInvalidPartition), http.StatusBadRequest, model.ErrCodeInvalidPartition},
		{"内部エラー", "/api/partitions/1/process", errors.New("db down"), http.StatusInternalServerError, "INTERNAL_ERROR"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := newRouterFixture()
			f.coordinator.runPartitionFunc = func(ctx context.Context, key int) (model.WorkerResult, error) {
				if tt.runErr != nil {
					return model.WorkerResult{}, tt.runErr
				}
				return model.WorkerResult{Partition: key, Claimed: 3, Delivered: 2, Failed: 1}, nil
			}

			w := f.do(t, http.MethodPost, tt.path, "")
			if w.Code != tt.wantStatus {
				t.Fatalf("status = %d, want %d", w.Code, tt.wantStatus)
			}
			if tt.wantCode != "" {
				if got := decodeError(t, w).Code; got != tt.wantCode {
					t.Errorf("code = %q, want %q", got, tt.wantCode)
				}
				return
			}

			var result model.WorkerResult
			if err := json.NewDecoder(w.Body).Decode(&result); err != nil {
				t.Fatalf("decode: %v", err)
			}
			if result.Partition != 2 || result.Delivered != 2 || result.Failed != 1 {
				t.Errorf("result = %+v", result)
			}
		})
	}
}

func TestProcessAll(t *testing.T) {
	tests := []struct {
		name            string
		body            string
		wantStatus      int
		wantConcurrency int
	}{
		{"ボディなし", "", http.StatusOK, 0},
		{"並列数指定", `{"concurrency":3}`, http.StatusOK, 3},
		{"不正なJSON", `{`, http.StatusBadRequest, 0},
		{"負の並列数", `{"concurrency":-1}`, http.StatusBadRequest, 0},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := newRouterFixture()
			var gotConcurrency int
			f.coordinator.runAllFunc = func(ctx context.Context, limit int) (model.CoordinatorResult, error) {
				gotConcurrency = limit
				return model.CoordinatorResult{PartitionsTouched: 2, Delivered: 5, PerPartition: []model.WorkerResult{}}, nil
			}

			w := f.do(t, http.MethodPost, "/api/partitions/process", tt.body)
			if w.Code != tt.wantStatus {
				t.Fatalf("status = %d, want %d", w.Code, tt.wantStatus)
			}
			if tt.wantStatus != http.StatusOK {
				return
			}
			if gotConcurrency != tt.wantConcurrency {
				t.Errorf("concurrency = %d, want %d", gotConcurrency, tt.wantConcurrency)
			}

			var result model.CoordinatorResult
			if err := json.NewDecoder(w.Body).Decode(&result); err != nil {
				t.Fatalf("decode: %v", err)
			}
			if result.PartitionsTouched != 2 || result.Delivered != 5 {
				t.Errorf("result = %+v", result)
			}
		})
	}
}

// --- ホスト・モデレーション ---

func TestRateLimitedHosts(t *testing.T) {
	tests := []struct {
		name          string
		query         string
		wantStatus    int
		wantThreshold int
		wantWindow    int
	}{
		{"既定値", "", http.StatusOK, 25, 10},
		{"指定", "?threshold=100&window_minutes=60", http.StatusOK, 100, 60},
		{"閾値が数値でない", "?threshold=x", http.StatusBadRequest, 0, 0},
		{"ウィンドウが0", "?window_minutes=0", http.StatusBadRequest, 0, 0},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := newRouterFixture()
			latest := time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC)
			f.moderation.rateLimitedFunc = func(ctx context.Context, threshold, window int) ([]model.HostRateWindow, error) {
				if threshold != tt.wantThreshold || window != tt.wantWindow {
					t.Errorf("args = (%d, %d), want (%d, %d)", threshold, window, tt.wantThreshold, tt.wantWindow)
				}
				return []model.HostRateWindow{{RemoteHost: "busy.example", RequestCount: 30, LatestRequestAt: latest}}, nil
			}

			w := f.do(t, http.MethodGet, "/api/hosts/rate-limited"+tt.query, "")
			if w.Code != tt.wantStatus {
				t.Fatalf("status = %d, want %d", w.Code, tt.wantStatus)
			}
			if tt.wantStatus != http.StatusOK {
				if got := decodeError(t, w).Code; got != model.ErrCodeInvalidRateQuery {
					t.Errorf("code = %q", got)
				}
				return
			}

			var hosts []rateLimitedHostResponse
			if err := json.NewDecoder(w.Body).Decode(&hosts); err != nil {
				t.Fatalf("decode: %v", err)
			}
			if len(hosts) != 1 || hosts[0].RemoteHost != "busy.example" || hosts[0].RequestCount != 30 || !hosts[0].LatestRequestAt.Equal(latest) {
				t.Errorf("hosts = %+v", hosts)
			}
		})
	}
}

func TestSetDomainModeration(t *testing.T) {
	tests := []struct {
		name       string
		body       string
		serviceErr error
		wantStatus int
		wantCode   string
	}{
		{"ブロック", `{"host":"bad.example","status":"blocked","reason":"spam"}`, nil, http.StatusOK, ""},
		{"不正な状態", `{"host":"bad.example","status":"silenced"}`, nil, http.StatusBadRequest, model.ErrCodeInvalidStatus},
		{"不正なホスト", `{"host":"bad host","status":"blocked"}`, fmt.Errorf("%w: %q", registry.ErrInvalidSubject, "bad host"), http.StatusBadRequest, model.ErrCodeInvalidSubject},
		{"不正なJSON", `{`, nil, http.StatusBadRequest, model.ErrCodeInvalidRequest},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := newRouterFixture()
			var called bool
			f.moderation.setDomainFunc = func(ctx context.Context, host string, status model.ModerationStatus, reason string) (*model.ModerationRecord, error) {
				called = true
				if tt.serviceErr != nil {
					return nil, tt.serviceErr
				}
				return &model.ModerationRecord{Subject: host, Kind: model.SubjectHost, Status: status, Reason: reason}, nil
			}

			w := f.do(t, http.MethodPost, "/api/moderation/domains", tt.body)
			if w.Code != tt.wantStatus {
				t.Fatalf("status = %d, want %d", w.Code, tt.wantStatus)
			}
			if tt.wantCode != "" {
				if got := decodeError(t, w).Code; got != tt.wantCode {
					t.Errorf("code = %q, want %q", got, tt.wantCode)
				}
				return
			}
			if !called {
				t.Fatal("SetDomainModerationが呼ばれていない")
			}

			var rec moderationResponse
			if err := json.NewDecoder(w.Body).Decode(&rec); err != nil {
				t.Fatalf("decode: %v", err)
			}
			if rec.Subject != "bad.example" || rec.Status != "blocked" || rec.Kind != "host" || rec.Reason != "spam" {
				t.Errorf("rec = %+v", rec)
			}
		})
	}
}

func TestListModeration(t *testing.T) {
	f := newRouterFixture()
	f.moderation.listDomainsFunc = func(ctx context.Context) ([]*model.ModerationRecord, error) {
		return []*model.ModerationRecord{{Subject: "a.example", Kind: model.SubjectHost, Status: model.ModerationProbation}}, nil
	}

	w := f.do(t, http.MethodGet, "/api/moderation/domains", "")
	var domains []moderationResponse
	if err := json.NewDecoder(w.Body).Decode(&domains); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if len(domains) != 1 || domains[0].Status != "probation" {
		t.Errorf("domains = %+v", domains)
	}

	// 0件でも配列で返す
	w = f.do(t, http.MethodGet, "/api/moderation/actors", "")
	if strings.TrimSpace(w.Body.String()) != "[]" {
		t.Errorf("body = %q, want []", w.Body.String())
	}
}

func TestSetActorModeration(t *testing.T) {
	f := newRouterFixture()
	var gotActor string
	f.moderation.setActorFunc = func(ctx context.Context, actorURL string, status model.ModerationStatus, reason string) (*model.ModerationRecord, error) {
		gotActor = actorURL
		return &model.ModerationRecord{Subject: actorURL, Kind: model.SubjectActor, Status: status}, nil
	}

	w := f.do(t, http.MethodPost, "/api/moderation/actors", `{"actor_url":"https://x.example/users/troll","status":"blocked"}`)
	if w.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", w.Code)
	}
	if gotActor != "https://x.example/users/troll" {
		t.Errorf("actor = %q", gotActor)
	}
}

func TestDeleteActorModeration(t *testing.T) {
	tests := []struct {
		name       string
		path       string
		body       string
		deleted    bool
		wantStatus int
		wantActor  string
	}{
		{"クエリ指定", "/api/moderation/actors?actor_url=https://x.example/users/a", "", true, http.StatusNoContent, "https://x.example/users/a"},
		{"ボディ指定", "/api/moderation/actors", `{"actor_url":"https://x.example/users/b"}`, true, http.StatusNoContent, "https://x.example/users/b"},
		{"存在しない", "/api/moderation/actors?actor_url=https://x.example/users/c", "", false, http.StatusNotFound, "https://x.example/users/c"},
		{"指定なし", "/api/moderation/actors", "", false, http.StatusBadRequest, ""},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := newRouterFixture()
			var gotActor string
			f.moderation.deleteActorFunc = func(ctx context.Context, actorURL string) (bool, error) {
				gotActor = actorURL
				return tt.deleted, nil
			}

			w := f.do(t, http.MethodDelete, tt.path, tt.body)
			if w.Code != tt.wantStatus {
				t.Fatalf("status = %d, want %d", w.Code, tt.wantStatus)
			}
			if gotActor != tt.wantActor {
				t.Errorf("actor = %q, want %q", gotActor, tt.wantActor)
			}
		})
	}
}

// --- キュー ---

func TestEnqueueActivity(t *testing.T) {
	validBody := `{"activity_ref":"https://local.example/activities/1","document":{"type":"Create"},
		"recipients":[{"actor_url":"https://a.example/users/x","inbox":"https://a.example/users/x/inbox"}]}`

	tests := []struct {
		name       string
		body       string
		fanoutErr  error
		wantStatus int
		wantCode   string
	}{
		{"登録", validBody, nil, http.StatusCreated, ""},
		{"重複", validBody, fmt.Errorf("wrap: %w", model.ErrBatchExists), http.StatusConflict, model.ErrCodeBatchExists},
		{"宛先なし", `{"activity_ref":"r","document":{},"recipients":[]}`, nil, http.StatusBadRequest, model.ErrCodeEmptyRecipients},
		{"文書なし", `{"activity_ref":"r","recipients":[{"inbox":"https://a.example/inbox"}]}`, nil, http.StatusBadRequest, model.ErrCodeInvalidRequest},
		{"参照なし", `{"document":{},"recipients":[{"inbox":"https://a.example/inbox"}]}`, nil, http.StatusBadRequest, model.ErrCodeInvalidRequest},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := newRouterFixture()
			var gotDoc string
			f.enqueuer.fanoutFunc = func(ctx context.Context, activity *model.Activity, recipients []model.Recipient) (*model.FanoutResult, error) {
				gotDoc = string(activity.Document)
				if tt.fanoutErr != nil {
					return nil, tt.fanoutErr
				}
				return &model.FanoutResult{
					ActivityRef: activity.Ref,
					Recipients:  len(recipients),
					Items:       1,
					Entries:     []*model.BatchFanoutEntry{{ID: "b1", PartitionKey: 3, TotalCount: 1, PendingCount: 1}},
				}, nil
			}

			w := f.do(t, http.MethodPost, "/api/activities", tt.body)
			if w.Code != tt.wantStatus {
				t.Fatalf("status = %d, want %d", w.Code, tt.wantStatus)
			}
			if tt.wantCode != "" {
				if got := decodeError(t, w).Code; got != tt.wantCode {
					t.Errorf("code = %q, want %q", got, tt.wantCode)
				}
				return
			}

			if gotDoc != `{"type":"Create"}` {
				t.Errorf("document = %q", gotDoc)
			}
			var resp fanoutResponse
			if err := json.NewDecoder(w.Body).Decode(&resp); err != nil {
				t.Fatalf("decode: %v", err)
			}
			if resp.Items != 1 || len(resp.Entries) != 1 || resp.Entries[0].PartitionKey != 3 {
				t.Errorf("resp = %+v", resp)
			}
		})
	}
}

func TestGetBatches(t *testing.T) {
	f := newRouterFixture()
	f.queue.batchesFunc = func(ctx context.Context, ref string) (*model.BatchSummary, error) {
		if ref != "act-1" {
			return nil, nil
		}
		return &model.BatchSummary{
			ActivityRef: ref,
			Entries:     []*model.BatchFanoutEntry{{ID: "b1", PartitionKey: 1, TotalCount: 2, ProcessedCount: 2}},
			Total:       model.PartitionStats{TotalCount: 2, ProcessedCount: 2},
		}, nil
	}

	w := f.do(t, http.MethodGet, "/api/batches?activity_ref=act-1", "")
	if w.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", w.Code)
	}
	var resp batchSummaryResponse
	if err := json.NewDecoder(w.Body).Decode(&resp); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if resp.Total.ProcessedCount != 2 || len(resp.Entries) != 1 {
		t.Errorf("resp = %+v", resp)
	}

	w = f.do(t, http.MethodGet, "/api/batches?activity_ref=unknown", "")
	if w.Code != http.StatusNotFound {
		t.Errorf("未登録のstatus = %d, want 404", w.Code)
	}

	w = f.do(t, http.MethodGet, "/api/batches", "")
	if w.Code != http.StatusBadRequest {
		t.Errorf("指定なしのstatus = %d, want 400", w.Code)
	}
}

func TestListFailed(t *testing.T) {
	tests := []struct {
		name          string
		query         string
		wantStatus    int
		wantPartition int
		wantLimit     int
	}{
		{"既定値", "", http.StatusOK, -1, 50},
		{"パーティション指定", "?partition=2&limit=10", http.StatusOK, 2, 10},
		{"上限で切り詰め", "?limit=10000", http.StatusOK, -1, 500},
		{"不正なlimit", "?limit=0", http.StatusBadRequest, 0, 0},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := newRouterFixture()
			f.queue.failedFunc = func(ctx context.Context, partitionKey, limit int) ([]*model.QueueItem, error) {
				if partitionKey != tt.wantPartition || limit != tt.wantLimit {
					t.Errorf("args = (%d, %d), want (%d, %d)", partitionKey, limit, tt.wantPartition, tt.wantLimit)
				}
				return []*model.QueueItem{{ID: "i1", State: model.ItemStateFailed, LastError: model.BlockedReason}}, nil
			}

			w := f.do(t, http.MethodGet, "/api/queue/failed"+tt.query, "")
			if w.Code != tt.wantStatus {
				t.Fatalf("status = %d, want %d", w.Code, tt.wantStatus)
			}
			if tt.wantStatus != http.StatusOK {
				return
			}
			var items []queueItemResponse
			if err := json.NewDecoder(w.Body).Decode(&items); err != nil {
				t.Fatalf("decode: %v", err)
			}
			if len(items) != 1 || items[0].LastError != "blocked" || items[0].State != "failed" {
				t.Errorf("items = %+v", items)
			}
		})
	}
}

func TestReapAndMigrate(t *testing.T) {
	f := newRouterFixture()
	f.coordinator.reapFunc = func(ctx context.Context) (int, error) { return 4, nil }
	f.migrator.migrateFunc = func(ctx context.Context) (int, error) { return 12, nil }

	w := f.do(t, http.MethodPost, "/api/queue/reap", "")
	var reaped map[string]int
	json.NewDecoder(w.Body).Decode(&reaped)
	if w.Code != http.StatusOK || reaped["reaped"] != 4 {
		t.Errorf("reap: status=%d body=%v", w.Code, reaped)
	}

	w = f.do(t, http.MethodPost, "/api/queue/migrate-legacy", "")
	var migrated map[string]int
	json.NewDecoder(w.Body).Decode(&migrated)
	if w.Code != http.StatusOK || migrated["migrated_count"] != 12 {
		t.Errorf("migrate: status=%d body=%v", w.Code, migrated)
	}

	f.migrator.migrateFunc = func(ctx context.Context) (int, error) { return 0, errors.New("legacy table missing") }
	w = f.do(t, http.MethodPost, "/api/queue/migrate-legacy", "")
	if w.Code != http.StatusInternalServerError {
		t.Errorf("移行失敗のstatus = %d, want 500", w.Code)
	}
	if body := w.Body.String(); strings.Contains(body, "legacy table missing") {
		t.Error("内部エラーの詳細をクライアントに返してはならない")
	}
}

func TestMigrateLegacyWithoutMigrator(t *testing.T) {
	f := newRouterFixture()
	f.deps.Migrator = nil

	w := f.do(t, http.MethodPost, "/api/queue/migrate-legacy", "")
	if w.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", w.Code)
	}
}
