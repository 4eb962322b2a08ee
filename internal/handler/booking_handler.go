package handler

import (
	"context"
	"log/slog"
	"net/http"

	"github.com/hitoshi/calbridge/internal/booking"
	"github.com/hitoshi/calbridge/internal/middleware"
	"github.com/hitoshi/calbridge/internal/model"
)

// BookingServiceInterface は予約ハンドラーが必要とするサービスインターフェース。
type BookingServiceInterface interface {
	CreateBooking(ctx context.Context, req booking.Request) (*booking.Result, error)
}

// BookingHandler は予約作成のHTTPハンドラー。
type BookingHandler struct {
	service BookingServiceInterface
	logger  *slog.Logger
}

// NewBookingHandler はBookingHandlerを生成する。
func NewBookingHandler(service BookingServiceInterface, logger *slog.Logger) *BookingHandler {
	if logger == nil {
		logger = slog.Default()
	}
	return &BookingHandler{service: service, logger: logger}
}

type patientRequest struct {
	Name  string `json:"name"`
	Email string `json:"email"`
	Phone string `json:"phone"`
}

type createBookingRequest struct {
	UserID     string         `json:"user_id"`
	Email      string         `json:"email"`
	CalendarID string         `json:"calendar_id"`
	Start      string         `json:"start"`
	End        string         `json:"end"`
	Patient    patientRequest `json:"patient"`
	Source     string         `json:"source"`
}

type createBookingResponse struct {
	Success   bool                          `json:"success"`
	BookingID string                        `json:"booking_id"`
	EventID   string                        `json:"event_id"`
	EventData booking.EventData             `json:"event_data"`
	Warning   *middleware.ErrorResponseBody `json:"warning,omitempty"`
}

// Create は予約作成を処理する。
// 外部イベント作成後にローカル保存だけ失敗した場合は、成功に警告を付けて返す。
// POST /bookings/create
func (h *BookingHandler) Create(w http.ResponseWriter, r *http.Request) {
	var req createBookingRequest
	if !decodeRequest(w, r, &req) {
		return
	}

	start, end, apiErr := parseTimeRange(req.Start, req.End)
	if apiErr != nil {
		writeAPIError(w, r, apiErr)
		return
	}

	result, err := h.service.CreateBooking(r.Context(), booking.Request{
		UserIdentifier: req.UserID,
		EmailHint:      req.Email,
		CalendarID:     req.CalendarID,
		Start:          start,
		End:            end,
		Patient: model.Patient{
			Name:  req.Patient.Name,
			Email: req.Patient.Email,
			Phone: req.Patient.Phone,
		},
		Source: req.Source,
	})
	if err != nil {
		handleServiceError(w, r, err)
		return
	}

	resp := createBookingResponse{
		Success:   true,
		BookingID: result.BookingID,
		EventID:   result.EventID,
		EventData: result.Event,
	}
	if result.LocalRecordMissing {
		warning := middleware.NewErrorResponseBody(r, model.NewPartialSuccessError())
		resp.Warning = &warning
		h.logger.Warn("予約履歴なしで予約作成を応答",
			slog.String("request_id", requestID(r)),
			slog.String("event_id", result.EventID),
		)
	}

	writeJSON(w, http.StatusOK, resp)
}
