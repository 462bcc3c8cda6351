// Package handler は管理APIのHTTPハンドラーとルーティングを提供する。
package handler

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"

	"github.com/hitoshi/apdelivery/internal/fanout"
	"github.com/hitoshi/apdelivery/internal/middleware"
	"github.com/hitoshi/apdelivery/internal/model"
	"github.com/hitoshi/apdelivery/internal/registry"
	"github.com/hitoshi/apdelivery/internal/worker/delivery"
)

// writeJSON はJSONレスポンスを書き込む。
func writeJSON(w http.ResponseWriter, statusCode int, body interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)
	json.NewEncoder(w).Encode(body)
}

// handleServiceError はサービス層から返されたエラーを適切なHTTPステータスコードに変換する。
// 内部エラーの詳細はクライアントに返さない。
func handleServiceError(w http.ResponseWriter, err error) {
	var apiErr *model.APIError
	if errors.As(err, &apiErr) {
		middleware.WriteAPIError(w, apiErr)
		return
	}

	switch {
	case errors.Is(err, model.ErrInvalidModerationStatus):
		middleware.WriteAPIError(w, model.NewInvalidStatusError(err.Error()))
		return
	case errors.Is(err, registry.ErrInvalidSubject):
		middleware.WriteAPIError(w, model.NewInvalidSubjectError(err.Error()))
		return
	case errors.Is(err, fanout.ErrNoRecipients):
		middleware.WriteAPIError(w, model.NewEmptyRecipientsError())
		return
	case errors.Is(err, fanout.ErrInvalidActivity):
		middleware.WriteAPIError(w, model.NewInvalidRequestError())
		return
	}

	slog.Error("internal server error", slog.String("error", err.Error()))
	middleware.WriteInternalServerError(w)
}

// isInvalidPartition はパーティション指定の誤りかを返す。
func isInvalidPartition(err error) bool {
	return errors.Is(err, delivery.ErrInvalidPartition)
}
