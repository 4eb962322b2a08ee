package handler

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"time"

	"github.com/hitoshi/calbridge/internal/linking"
	"github.com/hitoshi/calbridge/internal/middleware"
	"github.com/hitoshi/calbridge/internal/status"
)

// LinkingServiceInterface は連携ハンドラーが必要とするサービスインターフェース。
type LinkingServiceInterface interface {
	// Initiate はホスト型認証リンクを発行する。
	Initiate(ctx context.Context, req linking.InitiateRequest) (*linking.InitiateResult, error)
	// HandleNotification はプロバイダーからの完了通知を処理する。
	HandleNotification(ctx context.Context, n linking.Notification) linking.Outcome
	// Disconnect は連携を解除する。
	Disconnect(ctx context.Context, req linking.DisconnectRequest) error
}

// TokenResolverInterface はワークフローエンジン向けの接続情報解決。
type TokenResolverInterface interface {
	ResolveToken(ctx context.Context, userIdentifier, emailHint string) (*status.Token, error)
}

// IntegrationHandler は連携ライフサイクルのHTTPハンドラー。
type IntegrationHandler struct {
	service LinkingServiceInterface
	tokens  TokenResolverInterface
	logger  *slog.Logger
}

// NewIntegrationHandler はIntegrationHandlerを生成する。
func NewIntegrationHandler(service LinkingServiceInterface, tokens TokenResolverInterface, logger *slog.Logger) *IntegrationHandler {
	if logger == nil {
		logger = slog.Default()
	}
	return &IntegrationHandler{
		service: service,
		tokens:  tokens,
		logger:  logger,
	}
}

type initRequest struct {
	UserID          string `json:"userId"`
	Provider        string `json:"provider"`
	ProviderType    string `json:"providerType"`
	SuccessRedirect string `json:"successRedirect"`
	FailureRedirect string `json:"failureRedirect"`
}

type initResponse struct {
	URL       string    `json:"url"`
	ExpiresOn time.Time `json:"expiresOn"`
}

type notifyRequest struct {
	Status    string `json:"status"`
	AccountID string `json:"account_id"`
	Name      string `json:"name"`
}

type disconnectRequest struct {
	UserID       string `json:"userId"`
	Provider     string `json:"provider"`
	ProviderType string `json:"providerType"`
}

type tokenResolveRequest struct {
	UserID string `json:"user_id"`
	Email  string `json:"email"`
}

type tokenResolveResponse struct {
	AccountID string `json:"account_id"`
	Email     string `json:"email"`
	APIKey    string `json:"api_key"`
	DSN       string `json:"dsn"`
}

type successResponse struct {
	Success bool `json:"success"`
}

// Init はホスト型認証リンクの発行を処理する。
// POST /integrations/unipile/init
func (h *IntegrationHandler) Init(w http.ResponseWriter, r *http.Request) {
	var req initRequest
	if !decodeRequest(w, r, &req) {
		return
	}

	result, err := h.service.Initiate(r.Context(), linking.InitiateRequest{
		UserIdentifier:  req.UserID,
		Provider:        req.Provider,
		ProviderType:    req.ProviderType,
		SuccessRedirect: req.SuccessRedirect,
		FailureRedirect: req.FailureRedirect,
	})
	if err != nil {
		handleServiceError(w, r, err)
		return
	}

	writeJSON(w, http.StatusOK, initResponse{URL: result.URL, ExpiresOn: result.ExpiresAt})
}

// Notify はプロバイダーからのWebhookを受け付ける。
// プロバイダーの再送を避けるため、処理結果に関わらず常に200を返す。
// POST /integrations/unipile/notify
func (h *IntegrationHandler) Notify(w http.ResponseWriter, r *http.Request) {
	var req notifyRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.logger.Warn("Webhookボディの解析に失敗",
			slog.String("request_id", requestID(r)),
			slog.String("error", err.Error()),
		)
		writeJSON(w, http.StatusOK, successResponse{Success: true})
		return
	}

	h.service.HandleNotification(r.Context(), linking.Notification{
		Status:    req.Status,
		AccountID: req.AccountID,
		Name:      req.Name,
	})

	writeJSON(w, http.StatusOK, successResponse{Success: true})
}

// Disconnect は連携解除を処理する。
// POST /integrations/unipile/disconnect
func (h *IntegrationHandler) Disconnect(w http.ResponseWriter, r *http.Request) {
	var req disconnectRequest
	if !decodeRequest(w, r, &req) {
		return
	}

	err := h.service.Disconnect(r.Context(), linking.DisconnectRequest{
		UserIdentifier: req.UserID,
		Provider:       req.Provider,
		ProviderType:   req.ProviderType,
	})
	if err != nil {
		handleServiceError(w, r, err)
		return
	}

	writeJSON(w, http.StatusOK, successResponse{Success: true})
}

// TokenResolve はワークフローエンジンに接続情報を返す。
// サービス認証ミドルウェアの内側でのみ公開する。
// POST /integrations/unipile/token-resolve
func (h *IntegrationHandler) TokenResolve(w http.ResponseWriter, r *http.Request) {
	var req tokenResolveRequest
	if !decodeRequest(w, r, &req) {
		return
	}

	token, err := h.tokens.ResolveToken(r.Context(), req.UserID, req.Email)
	if err != nil {
		handleServiceError(w, r, err)
		return
	}

	subject, _ := middleware.ServiceSubjectFromContext(r.Context())
	h.logger.Info("接続情報を解決",
		slog.String("request_id", requestID(r)),
		slog.String("service_subject", subject),
		slog.String("account_id", token.AccountID),
	)

	writeJSON(w, http.StatusOK, tokenResolveResponse{
		AccountID: token.AccountID,
		Email:     token.Email,
		APIKey:    token.APIKey,
		DSN:       token.DSN,
	})
}
