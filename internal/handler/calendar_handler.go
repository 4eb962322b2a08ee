package handler

import (
	"context"
	"encoding/json"
	"net/http"

	"github.com/hitoshi/calbridge/internal/calendar"
	"github.com/hitoshi/calbridge/internal/model"
)

// CalendarServiceInterface はカレンダーハンドラーが必要とするサービスインターフェース。
type CalendarServiceInterface interface {
	// Refresh はプロバイダーからカレンダー一覧を取得して保存する。
	Refresh(ctx context.Context, acct calendar.Account) ([]model.CalendarDescriptor, error)
	// Select はカレンダーを1件だけ選択状態にする。
	Select(ctx context.Context, userIdentifier, calendarID string) (*model.CalendarDescriptor, error)
	// Availability は期間内の予定をプロバイダーの形式で返す。
	Availability(ctx context.Context, req calendar.AvailabilityRequest) (json.RawMessage, error)
}

// CalendarHandler はカレンダー一覧・選択・空き状況のHTTPハンドラー。
type CalendarHandler struct {
	service CalendarServiceInterface
}

// NewCalendarHandler はCalendarHandlerを生成する。
func NewCalendarHandler(service CalendarServiceInterface) *CalendarHandler {
	return &CalendarHandler{service: service}
}

type refreshRequest struct {
	UserID string `json:"userId"`
	Email  string `json:"email"`
}

type selectRequest struct {
	UserID     string `json:"userId"`
	CalendarID string `json:"calendarId"`
}

type freeBusyRequest struct {
	UserID     string `json:"user_id"`
	Email      string `json:"email"`
	CalendarID string `json:"calendar_id"`
	Start      string `json:"start"`
	End        string `json:"end"`
}

// calendarResponse はカレンダー1件のAPIレスポンス。
type calendarResponse struct {
	CalendarID string `json:"calendar_id"`
	Name       string `json:"name"`
	IsPrimary  bool   `json:"is_primary"`
	IsSelected bool   `json:"is_selected"`
	AccessRole string `json:"access_role,omitempty"`
	TimeZone   string `json:"time_zone,omitempty"`
}

type refreshResponse struct {
	Calendars []calendarResponse `json:"calendars"`
}

type selectResponse struct {
	Success          bool             `json:"success"`
	SelectedCalendar calendarResponse `json:"selectedCalendar"`
}

func toCalendarResponse(d model.CalendarDescriptor) calendarResponse {
	return calendarResponse{
		CalendarID: d.CalendarID,
		Name:       d.DisplayName,
		IsPrimary:  d.IsPrimary,
		IsSelected: d.IsSelected,
		AccessRole: d.AccessRole,
		TimeZone:   d.TimeZone,
	}
}

// Refresh はカレンダー一覧の再取得を処理する。
// POST /integrations/unipile/google/calendars/refresh
func (h *CalendarHandler) Refresh(w http.ResponseWriter, r *http.Request) {
	var req refreshRequest
	if !decodeRequest(w, r, &req) {
		return
	}

	cals, err := h.service.Refresh(r.Context(), calendar.Account{
		UserIdentifier: req.UserID,
		Provider:       model.ProviderGoogle,
		EmailHint:      req.Email,
	})
	if err != nil {
		handleServiceError(w, r, err)
		return
	}

	resp := refreshResponse{Calendars: make([]calendarResponse, 0, len(cals))}
	for _, c := range cals {
		resp.Calendars = append(resp.Calendars, toCalendarResponse(c))
	}
	writeJSON(w, http.StatusOK, resp)
}

// Select はカレンダーの選択を処理する。
// POST /integrations/unipile/google/calendars/select
func (h *CalendarHandler) Select(w http.ResponseWriter, r *http.Request) {
	var req selectRequest
	if !decodeRequest(w, r, &req) {
		return
	}
	if req.UserID == "" || req.CalendarID == "" {
		writeAPIError(w, r, model.NewInvalidRequestError("userIdとcalendarIdは必須です"))
		return
	}

	selected, err := h.service.Select(r.Context(), req.UserID, req.CalendarID)
	if err != nil {
		handleServiceError(w, r, err)
		return
	}

	writeJSON(w, http.StatusOK, selectResponse{
		Success:          true,
		SelectedCalendar: toCalendarResponse(*selected),
	})
}

// FreeBusy は空き状況の取得を処理する。
// プロバイダーの応答をそのまま返す。
// POST /calendar/freebusy
func (h *CalendarHandler) FreeBusy(w http.ResponseWriter, r *http.Request) {
	var req freeBusyRequest
	if !decodeRequest(w, r, &req) {
		return
	}

	start, end, apiErr := parseTimeRange(req.Start, req.End)
	if apiErr != nil {
		writeAPIError(w, r, apiErr)
		return
	}

	raw, err := h.service.Availability(r.Context(), calendar.AvailabilityRequest{
		Account: calendar.Account{
			UserIdentifier: req.UserID,
			Provider:       model.ProviderGoogle,
			EmailHint:      req.Email,
		},
		CalendarID: req.CalendarID,
		Start:      start,
		End:        end,
	})
	if err != nil {
		handleServiceError(w, r, err)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	w.Write(raw)
}
