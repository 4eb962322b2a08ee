package middleware

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	chimw "github.com/go-chi/chi/v5/middleware"

	"github.com/hitoshi/calbridge/internal/model"
)

// TestWriteErrorResponse_WritesUnifiedFormat は統一エラーフォーマットでレスポンスが書き込まれることを検証する。
func TestWriteErrorResponse_WritesUnifiedFormat(t *testing.T) {
	w := httptest.NewRecorder()

	WriteErrorResponse(w, nil, model.NewInvalidRequestError("userIdは必須です"))

	resp := w.Result()
	if resp.StatusCode != http.StatusBadRequest {
		t.Errorf("status = %d, want %d", resp.StatusCode, http.StatusBadRequest)
	}
	if ct := resp.Header.Get("Content-Type"); ct != "application/json" {
		t.Errorf("Content-Type = %q, want %q", ct, "application/json")
	}

	var body ErrorResponseBody
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		t.Fatalf("failed to decode response body: %v", err)
	}
	if body.Code != model.ErrCodeInvalidRequest {
		t.Errorf("code = %q, want %q", body.Code, model.ErrCodeInvalidRequest)
	}
	if body.Category != "validation" {
		t.Errorf("category = %q, want %q", body.Category, "validation")
	}
	if body.Action == "" || body.Message == "" {
		t.Errorf("message と action は空でないこと: %+v", body)
	}
}

// TestStatusForError はエラーコードごとのステータスコード対応を検証する。
func TestStatusForError(t *testing.T) {
	tests := []struct {
		name string
		err  *model.APIError
		want int
	}{
		{"Invalid", model.NewInvalidRequestError("x"), http.StatusBadRequest},
		{"Unauthorized", model.NewUnauthorizedError(), http.StatusUnauthorized},
		{"NotConnected", model.NewAccountNotConnectedError(), http.StatusNotFound},
		{"CalendarNotFound", model.NewCalendarNotFoundError("cal"), http.StatusNotFound},
		{"RateLimited", model.NewRateLimitedError(), http.StatusTooManyRequests},
		{"Upstream", model.NewUpstreamUnavailableError(), http.StatusBadGateway},
		{"BookingFailed", model.NewBookingCreateFailedError(), http.StatusBadGateway},
		{"Internal", model.NewInternalError(), http.StatusInternalServerError},
		{"Unknown", &model.APIError{Code: "SOMETHING_ELSE"}, http.StatusInternalServerError},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := StatusForError(tt.err); got != tt.want {
				t.Errorf("StatusForError(%s) = %d, want %d", tt.err.Code, got, tt.want)
			}
		})
	}
}

// TestInternalServerError_ReturnsSystemError は内部エラーが統一フォーマットで返ることを検証する。
func TestInternalServerError_ReturnsSystemError(t *testing.T) {
	w := httptest.NewRecorder()

	WriteInternalServerError(w, nil)

	resp := w.Result()
	if resp.StatusCode != http.StatusInternalServerError {
		t.Errorf("status = %d, want %d", resp.StatusCode, http.StatusInternalServerError)
	}

	var body ErrorResponseBody
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		t.Fatalf("failed to decode: %v", err)
	}
	if body.Code != model.ErrCodeInternal {
		t.Errorf("code = %q, want %q", body.Code, model.ErrCodeInternal)
	}
	if body.Category != "system" {
		t.Errorf("category = %q, want %q", body.Category, "system")
	}
}

// TestWriteErrorResponse_IncludesRequestID はRequestIDミドルウェア配下でrequest_idが付与されることを検証する。
func TestWriteErrorResponse_IncludesRequestID(t *testing.T) {
	var captured string
	h := chimw.RequestID(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		captured = chimw.GetReqID(r.Context())
		WriteErrorResponse(w, r, model.NewAccountNotConnectedError())
	}))

	w := httptest.NewRecorder()
	h.ServeHTTP(w, httptest.NewRequest(http.MethodPost, "/integrations/get-status", nil))

	var body ErrorResponseBody
	if err := json.NewDecoder(w.Result().Body).Decode(&body); err != nil {
		t.Fatalf("failed to decode: %v", err)
	}
	if captured == "" || body.RequestID != captured {
		t.Errorf("request_id = %q, want %q", body.RequestID, captured)
	}
}

// TestErrorResponseBody_OmitsEmptyRequestID はrequest_idがない場合にフィールドを出力しないことを検証する。
func TestErrorResponseBody_OmitsEmptyRequestID(t *testing.T) {
	w := httptest.NewRecorder()

	WriteErrorResponse(w, httptest.NewRequest(http.MethodGet, "/", nil), model.NewUnauthorizedError())

	var raw map[string]interface{}
	if err := json.NewDecoder(w.Result().Body).Decode(&raw); err != nil {
		t.Fatalf("failed to decode: %v", err)
	}
	for _, field := range []string{"code", "message", "category", "action"} {
		if _, ok := raw[field]; !ok {
			t.Errorf("missing required field: %s", field)
		}
	}
	if _, ok := raw["request_id"]; ok {
		t.Error("request_id は空の場合に出力しないこと")
	}
}
