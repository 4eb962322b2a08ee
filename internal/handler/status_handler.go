package handler

import (
	"context"
	"net/http"

	"github.com/hitoshi/calbridge/internal/model"
	"github.com/hitoshi/calbridge/internal/status"
)

// StatusServiceInterface は状態ハンドラーが必要とするサービスインターフェース。
type StatusServiceInterface interface {
	GetStatus(ctx context.Context, q status.Query) (*status.Status, error)
}

// StatusHandler は連携状態の集約HTTPハンドラー。
type StatusHandler struct {
	service StatusServiceInterface
}

// NewStatusHandler はStatusHandlerを生成する。
func NewStatusHandler(service StatusServiceInterface) *StatusHandler {
	return &StatusHandler{service: service}
}

// getStatusRequest はuserIdとsessionIdのどちらかを受け付ける。両方ある場合はuserIdを優先する。
type getStatusRequest struct {
	UserID    string `json:"userId"`
	SessionID string `json:"sessionId"`
	Email     string `json:"email"`
}

type integrationResponse struct {
	Connected        bool              `json:"connected"`
	Status           string            `json:"status"`
	Provider         string            `json:"provider"`
	ProviderType     string            `json:"provider_type"`
	AccountID        string            `json:"account_id,omitempty"`
	Email            string            `json:"email,omitempty"`
	SelectedCalendar *calendarResponse `json:"selectedCalendar,omitempty"`
	Capabilities     []string          `json:"capabilities"`
}

type getStatusResponse struct {
	IntegrationStatus       string                         `json:"integration_status"`
	GoogleCalendarConnected bool                           `json:"google_calendar_connected"`
	Integrations            map[string]integrationResponse `json:"integrations"`
}

// GetStatus は連携状態の集約を処理する。
// 未連携はエラーではなく正常応答として返す。
// POST /integrations/get-status
func (h *StatusHandler) GetStatus(w http.ResponseWriter, r *http.Request) {
	var req getStatusRequest
	if !decodeRequest(w, r, &req) {
		return
	}

	identifier := req.UserID
	if identifier == "" {
		identifier = req.SessionID
	}
	if identifier == "" {
		writeAPIError(w, r, model.NewInvalidRequestError("userIdまたはsessionIdは必須です"))
		return
	}

	st, err := h.service.GetStatus(r.Context(), status.Query{
		UserIdentifier: identifier,
		EmailHint:      req.Email,
	})
	if err != nil {
		handleServiceError(w, r, err)
		return
	}

	resp := getStatusResponse{
		IntegrationStatus:       st.IntegrationStatus,
		GoogleCalendarConnected: st.GoogleCalendarConnected,
		Integrations:            make(map[string]integrationResponse, len(st.Integrations)),
	}
	for key, in := range st.Integrations {
		ir := integrationResponse{
			Connected:    in.Connected,
			Status:       in.Status,
			Provider:     string(in.Provider),
			ProviderType: string(in.ProviderType),
			AccountID:    in.AccountID,
			Email:        in.Email,
			Capabilities: in.Capabilities,
		}
		if ir.Capabilities == nil {
			ir.Capabilities = []string{}
		}
		if in.SelectedCalendar != nil {
			sc := toCalendarResponse(*in.SelectedCalendar)
			ir.SelectedCalendar = &sc
		}
		resp.Integrations[key] = ir
	}

	writeJSON(w, http.StatusOK, resp)
}
