package handler

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strings"
	"time"

	chimw "github.com/go-chi/chi/v5/middleware"

	"github.com/hitoshi/calbridge/internal/middleware"
	"github.com/hitoshi/calbridge/internal/model"
)

// writeAPIError は統一エラーフォーマットでエラーレスポンスを書き込む。
func writeAPIError(w http.ResponseWriter, r *http.Request, apiErr *model.APIError) {
	middleware.WriteErrorResponse(w, r, apiErr)
}

func writeJSON(w http.ResponseWriter, statusCode int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)
	json.NewEncoder(w).Encode(body)
}

// handleServiceError はサービス層から返されたエラーをレスポンスに変換する。
// APIError以外は内部エラーとしてログに記録し、詳細は返さない。
func handleServiceError(w http.ResponseWriter, r *http.Request, err error) {
	var apiErr *model.APIError
	if errors.As(err, &apiErr) {
		writeAPIError(w, r, apiErr)
		return
	}

	slog.Error("内部エラー",
		slog.String("error", err.Error()),
		slog.String("request_id", requestID(r)),
	)
	middleware.WriteInternalServerError(w, r)
}

// decodeRequest はJSONボディを読み込む。失敗時は400を書き込みfalseを返す。
func decodeRequest(w http.ResponseWriter, r *http.Request, dst any) bool {
	if err := json.NewDecoder(r.Body).Decode(dst); err != nil {
		writeAPIError(w, r, model.NewInvalidRequestError("リクエストボディの解析に失敗しました"))
		return false
	}
	return true
}

// parseTimeRange はRFC3339の開始・終了時刻を解析する。
func parseTimeRange(start, end string) (time.Time, time.Time, *model.APIError) {
	s, err := time.Parse(time.RFC3339, strings.TrimSpace(start))
	if err != nil {
		return time.Time{}, time.Time{}, model.NewInvalidRequestError("startはRFC3339形式で指定してください")
	}
	e, err := time.Parse(time.RFC3339, strings.TrimSpace(end))
	if err != nil {
		return time.Time{}, time.Time{}, model.NewInvalidRequestError("endはRFC3339形式で指定してください")
	}
	return s, e, nil
}

func requestID(r *http.Request) string {
	return chimw.GetReqID(r.Context())
}
