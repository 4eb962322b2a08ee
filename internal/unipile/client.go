// Package unipile は外部アカウント集約プロバイダー(Unipile)のAPIクライアントを提供する。
// ホスト型認証リンクの発行、アカウント情報、カレンダー一覧、イベント作成を扱う。
package unipile

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/hitoshi/calbridge/internal/metrics"
)

// maxResponseSize はレスポンスボディの読み取り上限。
const maxResponseSize = 1 << 20

// Error はプロバイダーが2xx以外を返した場合のエラー。
// Bodyはログ用であり、利用者向けのレスポンスに含めてはならない。
type Error struct {
	Operation  string
	StatusCode int
	Body       string
}

// Error はerrorインターフェースを実装する。
func (e *Error) Error() string {
	return fmt.Sprintf("unipile %s: status %d", e.Operation, e.StatusCode)
}

// IsTimeout はエラーがタイムアウトによるものかを返す。
func IsTimeout(err error) bool {
	if errors.Is(err, context.DeadlineExceeded) {
		return true
	}
	var netErr net.Error
	return errors.As(err, &netErr) && netErr.Timeout()
}

// Client はUnipile APIのクライアント。
type Client struct {
	httpClient *http.Client
	logger     *slog.Logger
	metrics    metrics.MetricsCollector
	baseURL    string // テスト用に差し替え可能
	apiKey     string
}

// NewClient はClientの新しいインスタンスを生成する。
// dsnは "host:port" またはスキーム付きURL。
func NewClient(httpClient *http.Client, dsn, apiKey string, m metrics.MetricsCollector, logger *slog.Logger) *Client {
	return &Client{
		httpClient: httpClient,
		logger:     logger,
		metrics:    m,
		baseURL:    BaseURL(dsn),
		apiKey:     apiKey,
	}
}

// BaseURL はDSNをAPIのベースURLに変換する。スキームがない場合はhttpsを補う。
func BaseURL(dsn string) string {
	dsn = strings.TrimRight(strings.TrimSpace(dsn), "/")
	if strings.HasPrefix(dsn, "http://") || strings.HasPrefix(dsn, "https://") {
		return dsn
	}
	return "https://" + dsn
}

// HostedAuthRequest はホスト型認証リンク発行の入力。
type HostedAuthRequest struct {
	Providers          []string
	ExpiresOn          time.Time
	Name               string
	SuccessRedirectURL string
	FailureRedirectURL string
	NotifyURL          string
	Scopes             []string
}

type hostedAuthBody struct {
	Type               string   `json:"type"`
	Providers          []string `json:"providers"`
	APIURL             string   `json:"api_url"`
	ExpiresOn          string   `json:"expiresOn"`
	Name               string   `json:"name"`
	SuccessRedirectURL string   `json:"success_redirect_url,omitempty"`
	FailureRedirectURL string   `json:"failure_redirect_url,omitempty"`
	NotifyURL          string   `json:"notify_url,omitempty"`
	Scopes             []string `json:"scopes,omitempty"`
}

// CreateHostedAuthLink はホスト型認証リンクを発行し、そのURLを返す。
func (c *Client) CreateHostedAuthLink(ctx context.Context, req HostedAuthRequest) (string, error) {
	body := hostedAuthBody{
		Type:               "create",
		Providers:          req.Providers,
		APIURL:             c.baseURL,
		ExpiresOn:          req.ExpiresOn.UTC().Format("2006-01-02T15:04:05.000Z"),
		Name:               req.Name,
		SuccessRedirectURL: req.SuccessRedirectURL,
		FailureRedirectURL: req.FailureRedirectURL,
		NotifyURL:          req.NotifyURL,
		Scopes:             req.Scopes,
	}

	respBody, err := c.do(ctx, "hosted_auth_link", http.MethodPost, "/api/v1/hosted/accounts/link", body)
	if err != nil {
		return "", err
	}

	var result struct {
		URL string `json:"url"`
	}
	if err := json.Unmarshal(respBody, &result); err != nil {
		return "", fmt.Errorf("failed to decode hosted auth response: %w", err)
	}
	if result.URL == "" {
		return "", fmt.Errorf("hosted auth response has no url")
	}
	return result.URL, nil
}

// Account はプロバイダー上のアカウント情報。
type Account struct {
	ID    string
	Type  string
	Name  string
	Email string
}

// GetAccount はアカウント情報を取得する。
// メールアドレスはconnection_params配下のusername/email/mailから探す。
func (c *Client) GetAccount(ctx context.Context, accountID string) (*Account, error) {
	respBody, err := c.do(ctx, "get_account", http.MethodGet, "/api/v1/accounts/"+url.PathEscape(accountID), nil)
	if err != nil {
		return nil, err
	}

	var raw struct {
		ID               string                     `json:"id"`
		Type             string                     `json:"type"`
		Name             string                     `json:"name"`
		ConnectionParams map[string]json.RawMessage `json:"connection_params"`
	}
	if err := json.Unmarshal(respBody, &raw); err != nil {
		return nil, fmt.Errorf("failed to decode account: %w", err)
	}

	account := &Account{ID: raw.ID, Type: raw.Type, Name: raw.Name}
	account.Email = findEmail(raw.ConnectionParams)
	if account.Email == "" && strings.Contains(raw.Name, "@") {
		account.Email = raw.Name
	}
	return account, nil
}

func findEmail(params map[string]json.RawMessage) string {
	for _, section := range params {
		var fields map[string]any
		if err := json.Unmarshal(section, &fields); err != nil {
			continue
		}
		for _, key := range []string{"email", "username", "mail"} {
			if v, ok := fields[key].(string); ok && strings.Contains(v, "@") {
				return v
			}
		}
	}
	return ""
}

// DeleteAccount はプロバイダー上のアカウントを削除する。
func (c *Client) DeleteAccount(ctx context.Context, accountID string) error {
	_, err := c.do(ctx, "delete_account", http.MethodDelete, "/api/v1/accounts/"+url.PathEscape(accountID), nil)
	return err
}

// Event は作成するカレンダーイベント。
type Event struct {
	Title       string
	Description string
	Start       time.Time
	End         time.Time
	Attendees   []string
}

type eventTime struct {
	DateTime string `json:"date_time"`
	TimeZone string `json:"time_zone"`
}

type eventAttendee struct {
	Email string `json:"email"`
}

type eventBody struct {
	Title       string          `json:"title"`
	Description string          `json:"description,omitempty"`
	Start       eventTime       `json:"start"`
	End         eventTime       `json:"end"`
	Attendees   []eventAttendee `json:"attendees,omitempty"`
}

// CreateEvent はカレンダーにイベントを作成し、外部イベントIDを返す。
func (c *Client) CreateEvent(ctx context.Context, accountID, calendarID string, ev Event) (string, error) {
	body := eventBody{
		Title:       ev.Title,
		Description: ev.Description,
		Start:       eventTime{DateTime: ev.Start.UTC().Format(time.RFC3339), TimeZone: "UTC"},
		End:         eventTime{DateTime: ev.End.UTC().Format(time.RFC3339), TimeZone: "UTC"},
	}
	for _, a := range ev.Attendees {
		if a != "" {
			body.Attendees = append(body.Attendees, eventAttendee{Email: a})
		}
	}

	path := "/api/v1/calendars/" + url.PathEscape(calendarID) + "/events?account_id=" + url.QueryEscape(accountID)
	respBody, err := c.do(ctx, "create_event", http.MethodPost, path, body)
	if err != nil {
		return "", err
	}

	var result struct {
		EventID string `json:"event_id"`
		ID      string `json:"id"`
	}
	if err := json.Unmarshal(respBody, &result); err != nil {
		return "", fmt.Errorf("failed to decode event response: %w", err)
	}
	if result.EventID != "" {
		return result.EventID, nil
	}
	if result.ID != "" {
		return result.ID, nil
	}
	return "", fmt.Errorf("event response has no id")
}

// ListEvents は期間内のイベントをプロバイダーの形式のまま返す。
func (c *Client) ListEvents(ctx context.Context, accountID, calendarID string, start, end time.Time) (json.RawMessage, error) {
	q := url.Values{}
	q.Set("account_id", accountID)
	q.Set("start", start.UTC().Format(time.RFC3339))
	q.Set("end", end.UTC().Format(time.RFC3339))

	path := "/api/v1/calendars/" + url.PathEscape(calendarID) + "/events?" + q.Encode()
	respBody, err := c.do(ctx, "list_events", http.MethodGet, path, nil)
	if err != nil {
		return nil, err
	}
	if !json.Valid(respBody) {
		return nil, fmt.Errorf("events response is not valid JSON")
	}
	return json.RawMessage(respBody), nil
}

// do はリクエストを送信し、2xxの場合にレスポンスボディを返す。
// 2xx以外は本文をログに記録した上で*Errorを返す。
func (c *Client) do(ctx context.Context, operation, method, path string, payload any) ([]byte, error) {
	var reqBody io.Reader
	if payload != nil {
		encoded, err := json.Marshal(payload)
		if err != nil {
			return nil, fmt.Errorf("failed to encode %s request: %w", operation, err)
		}
		reqBody = bytes.NewReader(encoded)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, reqBody)
	if err != nil {
		return nil, fmt.Errorf("failed to create %s request: %w", operation, err)
	}
	req.Header.Set("X-API-KEY", c.apiKey)
	req.Header.Set("Accept", "application/json")
	if payload != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	start := time.Now()
	resp, err := c.httpClient.Do(req)
	if err != nil {
		c.metrics.RecordUpstreamCall(operation, 0, time.Since(start))
		c.logger.Error("Unipile APIの呼び出しに失敗しました",
			slog.String("operation", operation),
			slog.String("error", err.Error()),
		)
		return nil, fmt.Errorf("unipile %s: %w", operation, err)
	}
	defer resp.Body.Close()
	c.metrics.RecordUpstreamCall(operation, resp.StatusCode, time.Since(start))

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseSize))
	if err != nil {
		return nil, fmt.Errorf("failed to read %s response: %w", operation, err)
	}

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		c.logger.Error("Unipile APIがエラーステータスを返しました",
			slog.String("operation", operation),
			slog.Int("http_status", resp.StatusCode),
			slog.String("body", string(body)),
		)
		return nil, &Error{Operation: operation, StatusCode: resp.StatusCode, Body: string(body)}
	}

	return body, nil
}
