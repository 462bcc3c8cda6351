package handler

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/hitoshi/apdelivery/internal/middleware"
	"github.com/hitoshi/apdelivery/internal/model"
)

const (
	defaultFailedLimit = 50
	maxFailedLimit     = 500
)

// ActivityEnqueuer はアクティビティをファンアウトしてキューへ登録する。
type ActivityEnqueuer interface {
	Fanout(ctx context.Context, activity *model.Activity, recipients []model.Recipient) (*model.FanoutResult, error)
}

// QueueReader はキューの参照インターフェース。
type QueueReader interface {
	BatchesByActivity(ctx context.Context, activityRef string) (*model.BatchSummary, error)
	ListFailed(ctx context.Context, partitionKey, limit int) ([]*model.QueueItem, error)
}

// LeaseReaper は期限切れリースを回収する。
type LeaseReaper interface {
	Reap(ctx context.Context) (int, error)
}

// LegacyMigrator は旧キューの移行を行う。
type LegacyMigrator interface {
	Migrate(ctx context.Context) (int, error)
}

// QueueHandler はアクティビティ登録とキュー運用のHTTPハンドラー。
type QueueHandler struct {
	enqueuer ActivityEnqueuer
	reader   QueueReader
	reaper   LeaseReaper
	migrator LegacyMigrator
}

// NewQueueHandler はQueueHandlerを生成する。migratorはnil可（旧キューなし）。
func NewQueueHandler(enqueuer ActivityEnqueuer, reader QueueReader, reaper LeaseReaper, migrator LegacyMigrator) *QueueHandler {
	return &QueueHandler{
		enqueuer: enqueuer,
		reader:   reader,
		reaper:   reaper,
		migrator: migrator,
	}
}

// enqueueActivityRequest はアクティビティ登録リクエストのボディ。
// documentは署名済みの文書をそのまま保持する。
type enqueueActivityRequest struct {
	ActivityRef string            `json:"activity_ref"`
	ActorURL    string            `json:"actor_url"`
	Document    json.RawMessage   `json:"document"`
	Recipients  []model.Recipient `json:"recipients"`
}

// fanoutResponse はファンアウト結果のAPIレスポンス。
type fanoutResponse struct {
	ActivityRef string          `json:"activity_ref"`
	Recipients  int             `json:"recipients"`
	Items       int             `json:"items"`
	Unresolved  int             `json:"unresolved"`
	Entries     []entryResponse `json:"entries"`
}

// entryResponse はBatchFanoutEntryのAPIレスポンス。
type entryResponse struct {
	ID              string `json:"id"`
	PartitionKey    int    `json:"partition_key"`
	TotalCount      int    `json:"total_count"`
	PendingCount    int    `json:"pending_count"`
	ProcessingCount int    `json:"processing_count"`
	FailedCount     int    `json:"failed_count"`
	ProcessedCount  int    `json:"processed_count"`
}

// batchSummaryResponse はアクティビティ単位の集計のAPIレスポンス。
type batchSummaryResponse struct {
	ActivityRef string               `json:"activity_ref"`
	Entries     []entryResponse      `json:"entries"`
	Total       model.PartitionStats `json:"total"`
}

// queueItemResponse はキューアイテムのAPIレスポンス。
type queueItemResponse struct {
	ID              string    `json:"id"`
	PartitionKey    int       `json:"partition_key"`
	ActivityRef     string    `json:"activity_ref"`
	TargetInbox     string    `json:"target_inbox"`
	RecipientActors []string  `json:"recipient_actors"`
	State           string    `json:"state"`
	AttemptCount    int       `json:"attempt_count"`
	LastError       string    `json:"last_error"`
	UpdatedAt       time.Time `json:"updated_at"`
}

// EnqueueActivity はアクティビティを宛先へファンアウトし、キューへ登録する。
// POST /api/activities
func (h *QueueHandler) EnqueueActivity(w http.ResponseWriter, r *http.Request) {
	var req enqueueActivityRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		middleware.WriteAPIError(w, model.NewInvalidRequestError())
		return
	}
	req.ActivityRef = strings.TrimSpace(req.ActivityRef)
	if req.ActivityRef == "" || len(req.Document) == 0 {
		middleware.WriteAPIError(w, model.NewInvalidRequestError())
		return
	}
	if len(req.Recipients) == 0 {
		middleware.WriteAPIError(w, model.NewEmptyRecipientsError())
		return
	}

	activity := &model.Activity{
		Ref:      req.ActivityRef,
		ActorURL: req.ActorURL,
		Document: []byte(req.Document),
	}
	result, err := h.enqueuer.Fanout(r.Context(), activity, req.Recipients)
	if err != nil {
		if errors.Is(err, model.ErrBatchExists) {
			middleware.WriteAPIError(w, model.NewBatchExistsError(req.ActivityRef))
			return
		}
		handleServiceError(w, err)
		return
	}

	writeJSON(w, http.StatusCreated, fanoutResponse{
		ActivityRef: result.ActivityRef,
		Recipients:  result.Recipients,
		Items:       result.Items,
		Unresolved:  result.Unresolved,
		Entries:     toEntryResponses(result.Entries),
	})
}

// GetBatches はアクティビティのパーティション別集計を返す。
// GET /api/batches?activity_ref=
func (h *QueueHandler) GetBatches(w http.ResponseWriter, r *http.Request) {
	ref := strings.TrimSpace(r.URL.Query().Get("activity_ref"))
	if ref == "" {
		middleware.WriteAPIError(w, model.NewInvalidRequestError())
		return
	}

	summary, err := h.reader.BatchesByActivity(r.Context(), ref)
	if err != nil {
		handleServiceError(w, err)
		return
	}
	if summary == nil {
		middleware.WriteAPIError(w, model.NewBatchNotFoundError(ref))
		return
	}

	summary.Total.PartitionKey = -1
	writeJSON(w, http.StatusOK, batchSummaryResponse{
		ActivityRef: summary.ActivityRef,
		Entries:     toEntryResponses(summary.Entries),
		Total:       summary.Total,
	})
}

// ListFailed はFailedアイテムを新しい順に返す。partition未指定の場合は全パーティション。
// GET /api/queue/failed?partition=&limit=
func (h *QueueHandler) ListFailed(w http.ResponseWriter, r *http.Request) {
	partitionKey, err := queryInt(r, "partition", -1)
	if err != nil {
		middleware.WriteAPIError(w, model.NewInvalidRequestError())
		return
	}
	limit, err := queryInt(r, "limit", defaultFailedLimit)
	if err != nil || limit <= 0 {
		middleware.WriteAPIError(w, model.NewInvalidRequestError())
		return
	}
	if limit > maxFailedLimit {
		limit = maxFailedLimit
	}

	items, err := h.reader.ListFailed(r.Context(), partitionKey, limit)
	if err != nil {
		handleServiceError(w, err)
		return
	}

	resp := make([]queueItemResponse, 0, len(items))
	for _, item := range items {
		resp = append(resp, queueItemResponse{
			ID:              item.ID,
			PartitionKey:    item.PartitionKey,
			ActivityRef:     item.ActivityRef,
			TargetInbox:     item.TargetInbox,
			RecipientActors: item.RecipientActors,
			State:           string(item.State),
			AttemptCount:    item.AttemptCount,
			LastError:       item.LastError,
			UpdatedAt:       item.UpdatedAt,
		})
	}
	writeJSON(w, http.StatusOK, resp)
}

// Reap は期限切れリースを回収する。
// POST /api/queue/reap
func (h *QueueHandler) Reap(w http.ResponseWriter, r *http.Request) {
	n, err := h.reaper.Reap(r.Context())
	if err != nil {
		handleServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]int{"reaped": n})
}

// MigrateLegacy は旧キューの未移行行をパーティション付きキューへ移行する。
// POST /api/queue/migrate-legacy
func (h *QueueHandler) MigrateLegacy(w http.ResponseWriter, r *http.Request) {
	if h.migrator == nil {
		writeJSON(w, http.StatusOK, map[string]int{"migrated_count": 0})
		return
	}
	n, err := h.migrator.Migrate(r.Context())
	if err != nil {
		handleServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]int{"migrated_count": n})
}

func toEntryResponses(entries []*model.BatchFanoutEntry) []entryResponse {
	resp := make([]entryResponse, 0, len(entries))
	for _, e := range entries {
		resp = append(resp, entryResponse{
			ID:              e.ID,
			PartitionKey:    e.PartitionKey,
			TotalCount:      e.TotalCount,
			PendingCount:    e.PendingCount,
			ProcessingCount: e.ProcessingCount,
			FailedCount:     e.FailedCount,
			ProcessedCount:  e.ProcessedCount,
		})
	}
	return resp
}
