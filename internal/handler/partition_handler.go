package handler

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"

	"github.com/hitoshi/apdelivery/internal/middleware"
	"github.com/hitoshi/apdelivery/internal/model"
)

// PartitionCoordinator はパーティション操作ハンドラーが必要とするコーディネーターのインターフェース。
// スケジューラと同じCoordinatorを呼ぶため、手動実行と定期実行の処理経路は同一になる。
type PartitionCoordinator interface {
	PartitionCount() int
	RunAll(ctx context.Context, concurrencyLimit int) (model.CoordinatorResult, error)
	RunPartition(ctx context.Context, partitionKey int) (model.WorkerResult, error)
}

// PartitionStatsReader はパーティション集計の参照インターフェース。
type PartitionStatsReader interface {
	StatsByPartition(ctx context.Context, partitionCount int) ([]model.PartitionStats, error)
}

// PartitionHandler はパーティションの集計と手動処理のHTTPハンドラー。
type PartitionHandler struct {
	coordinator PartitionCoordinator
	stats       PartitionStatsReader
}

// NewPartitionHandler はPartitionHandlerを生成する。
func NewPartitionHandler(coordinator PartitionCoordinator, stats PartitionStatsReader) *PartitionHandler {
	return &PartitionHandler{coordinator: coordinator, stats: stats}
}

// partitionStatsResponse はパーティション集計のAPIレスポンス。
type partitionStatsResponse struct {
	PartitionCount int                    `json:"partition_count"`
	Partitions     []model.PartitionStats `json:"partitions"`
	Total          model.PartitionStats   `json:"total"`
}

// processAllRequest は全パーティション処理リクエストのボディ。省略可。
type processAllRequest struct {
	Concurrency int `json:"concurrency"`
}

// Stats は全パーティションの集計を返す。
// GET /api/partitions
func (h *PartitionHandler) Stats(w http.ResponseWriter, r *http.Request) {
	n := h.coordinator.PartitionCount()
	stats, err := h.stats.StatsByPartition(r.Context(), n)
	if err != nil {
		handleServiceError(w, err)
		return
	}

	resp := partitionStatsResponse{PartitionCount: n, Partitions: stats}
	resp.Total.PartitionKey = -1
	for _, s := range stats {
		resp.Total.TotalCount += s.TotalCount
		resp.Total.PendingCount += s.PendingCount
		resp.Total.ProcessingCount += s.ProcessingCount
		resp.Total.FailedCount += s.FailedCount
		resp.Total.ProcessedCount += s.ProcessedCount
	}
	writeJSON(w, http.StatusOK, resp)
}

// ProcessPartition は1パーティションを手動で処理する。
// POST /api/partitions/{key}/process
func (h *PartitionHandler) ProcessPartition(w http.ResponseWriter, r *http.Request) {
	raw := chi.URLParam(r, "key")
	key, err := strconv.Atoi(raw)
	if err != nil {
		middleware.WriteAPIError(w, model.NewInvalidPartitionError(raw, h.coordinator.PartitionCount()))
		return
	}

	result, err := h.coordinator.RunPartition(r.Context(), key)
	if err != nil {
		if isInvalidPartition(err) {
			middleware.WriteAPIError(w, model.NewInvalidPartitionError(raw, h.coordinator.PartitionCount()))
			return
		}
		handleServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, result)
}

// ProcessAll はPendingのある全パーティションを処理する。
// POST /api/partitions/process
func (h *PartitionHandler) ProcessAll(w http.ResponseWriter, r *http.Request) {
	var req processAllRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil && !errors.Is(err, io.EOF) {
		middleware.WriteAPIError(w, model.NewInvalidRequestError())
		return
	}
	if req.Concurrency < 0 {
		middleware.WriteAPIError(w, model.NewInvalidRequestError())
		return
	}

	result, err := h.coordinator.RunAll(r.Context(), req.Concurrency)
	if err != nil {
		handleServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, result)
}
