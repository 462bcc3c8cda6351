package handler

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strconv"
	"time"

	"github.com/hitoshi/apdelivery/internal/middleware"
	"github.com/hitoshi/apdelivery/internal/model"
)

// 送信量集計の既定条件。
const (
	defaultRateThreshold     = 25
	defaultRateWindowMinutes = 10
)

// ModerationService はモデレーションハンドラーが必要とするレジストリのインターフェース。
type ModerationService interface {
	RateLimitedHosts(ctx context.Context, threshold, windowMinutes int) ([]model.HostRateWindow, error)
	SetDomainModeration(ctx context.Context, host string, status model.ModerationStatus, reason string) (*model.ModerationRecord, error)
	SetActorModeration(ctx context.Context, actorURL string, status model.ModerationStatus, reason string) (*model.ModerationRecord, error)
	DeleteActorModeration(ctx context.Context, actorURL string) (bool, error)
	ListDomainModeration(ctx context.Context) ([]*model.ModerationRecord, error)
	ListActorModeration(ctx context.Context) ([]*model.ModerationRecord, error)
}

// ModerationHandler はホスト・アクターのモデレーション操作のHTTPハンドラー。
type ModerationHandler struct {
	service ModerationService
}

// NewModerationHandler はModerationHandlerを生成する。
func NewModerationHandler(service ModerationService) *ModerationHandler {
	return &ModerationHandler{service: service}
}

// setDomainRequest はホストのモデレーション設定リクエストのボディ。
type setDomainRequest struct {
	Host   string `json:"host"`
	Status string `json:"status"`
	Reason string `json:"reason"`
}

// setActorRequest はアクターのモデレーション設定リクエストのボディ。
type setActorRequest struct {
	ActorURL string `json:"actor_url"`
	Status   string `json:"status"`
	Reason   string `json:"reason"`
}

// moderationResponse はモデレーション設定のAPIレスポンス。
type moderationResponse struct {
	Subject   string    `json:"subject"`
	Kind      string    `json:"kind"`
	Status    string    `json:"status"`
	Reason    string    `json:"reason"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// rateLimitedHostResponse は送信量超過ホストのAPIレスポンス。
type rateLimitedHostResponse struct {
	RemoteHost      string    `json:"remote_host"`
	WindowStart     time.Time `json:"window_start"`
	RequestCount    int       `json:"request_count"`
	ThrottledCount  int       `json:"throttled_count"`
	LatestRequestAt time.Time `json:"latest_request_at"`
}

// RateLimitedHosts は直近の送信量が閾値を超えたホストを返す。
// GET /api/hosts/rate-limited?threshold=&window_minutes=
func (h *ModerationHandler) RateLimitedHosts(w http.ResponseWriter, r *http.Request) {
	threshold, err := queryInt(r, "threshold", defaultRateThreshold)
	if err != nil || threshold < 0 {
		middleware.WriteAPIError(w, model.NewInvalidRateQueryError("threshold"))
		return
	}
	windowMinutes, err := queryInt(r, "window_minutes", defaultRateWindowMinutes)
	if err != nil || windowMinutes <= 0 {
		middleware.WriteAPIError(w, model.NewInvalidRateQueryError("window_minutes"))
		return
	}

	hosts, err := h.service.RateLimitedHosts(r.Context(), threshold, windowMinutes)
	if err != nil {
		handleServiceError(w, err)
		return
	}

	resp := make([]rateLimitedHostResponse, 0, len(hosts))
	for _, host := range hosts {
		resp = append(resp, rateLimitedHostResponse{
			RemoteHost:      host.RemoteHost,
			WindowStart:     host.WindowStart,
			RequestCount:    host.RequestCount,
			ThrottledCount:  host.ThrottledCount,
			LatestRequestAt: host.LatestRequestAt,
		})
	}
	writeJSON(w, http.StatusOK, resp)
}

// ListDomains はホストのモデレーション設定一覧を返す。
// GET /api/moderation/domains
func (h *ModerationHandler) ListDomains(w http.ResponseWriter, r *http.Request) {
	records, err := h.service.ListDomainModeration(r.Context())
	if err != nil {
		handleServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, toModerationResponses(records))
}

// SetDomain はホストのモデレーション状態を設定する。
// POST /api/moderation/domains
func (h *ModerationHandler) SetDomain(w http.ResponseWriter, r *http.Request) {
	var req setDomainRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		middleware.WriteAPIError(w, model.NewInvalidRequestError())
		return
	}
	status, err := model.ParseModerationStatus(req.Status)
	if err != nil {
		middleware.WriteAPIError(w, model.NewInvalidStatusError(req.Status))
		return
	}

	rec, err := h.service.SetDomainModeration(r.Context(), req.Host, status, req.Reason)
	if err != nil {
		handleServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, toModerationResponse(rec))
}

// ListActors はアクターのモデレーション設定一覧を返す。
// GET /api/moderation/actors
func (h *ModerationHandler) ListActors(w http.ResponseWriter, r *http.Request) {
	records, err := h.service.ListActorModeration(r.Context())
	if err != nil {
		handleServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, toModerationResponses(records))
}

// SetActor はアクターのモデレーション状態を設定する。
// POST /api/moderation/actors
func (h *ModerationHandler) SetActor(w http.ResponseWriter, r *http.Request) {
	var req setActorRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		middleware.WriteAPIError(w, model.NewInvalidRequestError())
		return
	}
	status, err := model.ParseModerationStatus(req.Status)
	if err != nil {
		middleware.WriteAPIError(w, model.NewInvalidStatusError(req.Status))
		return
	}

	rec, err := h.service.SetActorModeration(r.Context(), req.ActorURL, status, req.Reason)
	if err != nil {
		handleServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, toModerationResponse(rec))
}

// DeleteActor はアクターのモデレーション設定を削除する。
// 対象はクエリのactor_url、またはボディの{"actor_url"}で指定する。
// DELETE /api/moderation/actors
func (h *ModerationHandler) DeleteActor(w http.ResponseWriter, r *http.Request) {
	actorURL := r.URL.Query().Get("actor_url")
	if actorURL == "" {
		var req setActorRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil && !errors.Is(err, io.EOF) {
			middleware.WriteAPIError(w, model.NewInvalidRequestError())
			return
		}
		actorURL = req.ActorURL
	}
	if actorURL == "" {
		middleware.WriteAPIError(w, model.NewInvalidSubjectError("actor_url が空です"))
		return
	}

	deleted, err := h.service.DeleteActorModeration(r.Context(), actorURL)
	if err != nil {
		handleServiceError(w, err)
		return
	}
	if !deleted {
		middleware.WriteAPIError(w, model.NewModerationNotFoundError(actorURL))
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func toModerationResponse(rec *model.ModerationRecord) moderationResponse {
	return moderationResponse{
		Subject:   rec.Subject,
		Kind:      string(rec.Kind),
		Status:    string(rec.Status),
		Reason:    rec.Reason,
		CreatedAt: rec.CreatedAt,
		UpdatedAt: rec.UpdatedAt,
	}
}

func toModerationResponses(records []*model.ModerationRecord) []moderationResponse {
	resp := make([]moderationResponse, 0, len(records))
	for _, rec := range records {
		resp = append(resp, toModerationResponse(rec))
	}
	return resp
}

// queryInt はクエリパラメータを整数として読む。未指定の場合はdefaultValを返す。
func queryInt(r *http.Request, key string, defaultVal int) (int, error) {
	raw := r.URL.Query().Get(key)
	if raw == "" {
		return defaultVal, nil
	}
	return strconv.Atoi(raw)
}
