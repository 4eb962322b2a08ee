// Package linking は外部アカウント連携のライフサイクルを提供する。
// ホスト型認証リンクの発行、完了通知(Webhook)の反映、連携解除を扱う。
package linking

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/hitoshi/calbridge/internal/correlation"
	"github.com/hitoshi/calbridge/internal/identity"
	"github.com/hitoshi/calbridge/internal/metrics"
	"github.com/hitoshi/calbridge/internal/model"
	"github.com/hitoshi/calbridge/internal/repository"
	"github.com/hitoshi/calbridge/internal/unipile"
	"github.com/hitoshi/calbridge/internal/worker/backfill"
)

// defaultHostedAuthTTL はホスト型認証リンクの既定の有効期間。
const defaultHostedAuthTTL = 24 * time.Hour

// googleCalendarScopes はGOOGLEのカレンダー連携で要求するスコープ。
var googleCalendarScopes = []string{
	"https://www.googleapis.com/auth/calendar",
	"https://www.googleapis.com/auth/userinfo.email",
	"https://www.googleapis.com/auth/userinfo.profile",
}

// ProviderClient はプロバイダー上の連携操作を抽象化する。
type ProviderClient interface {
	CreateHostedAuthLink(ctx context.Context, req unipile.HostedAuthRequest) (string, error)
	DeleteAccount(ctx context.Context, accountID string) error
}

// LinkWriter は連携の書き込みを抽象化する。
type LinkWriter interface {
	Upsert(ctx context.Context, link *model.ExternalAccountLink) (*model.ExternalAccountLink, error)
	UpdateStatus(ctx context.Context, userIdentifier string, provider model.Provider, providerType model.ProviderType, status model.LinkStatus) (int64, error)
	Delete(ctx context.Context, userIdentifier string, provider model.Provider, providerType model.ProviderType) (int64, error)
}

// LinkResolver は識別子から連携を解決する。
type LinkResolver interface {
	ResolveAndMaybeMigrate(ctx context.Context, q identity.Query) (*identity.Resolution, error)
}

// CalendarRemover は連携解除時のカレンダー削除を抽象化する。
type CalendarRemover interface {
	DeleteByUser(ctx context.Context, userIdentifier string) error
}

// BackfillQueue はメールアドレス補完ジョブの投入を抽象化する。
type BackfillQueue interface {
	Enqueue(job backfill.Job) error
}

// RedirectValidator はリダイレクト先URLの検証を抽象化する。
type RedirectValidator interface {
	ValidateRedirectURL(rawURL string) error
}

// Config はServiceの設定。
type Config struct {
	// NotifyURL はプロバイダーが完了通知を送るWebhookのURL。
	NotifyURL string
	// HostedAuthTTL はホスト型認証リンクの有効期間。0以下の場合は24時間。
	HostedAuthTTL time.Duration
}

// Service は連携ライフサイクルのサービス層。
type Service struct {
	provider  ProviderClient
	links     LinkWriter
	resolver  LinkResolver
	calendars CalendarRemover
	backfill  BackfillQueue
	redirects RedirectValidator
	events    repository.WebhookEventRepository
	metrics   metrics.MetricsCollector
	logger    *slog.Logger
	cfg       Config
	now       func() time.Time
}

// NewService はServiceの新しいインスタンスを生成する。
func NewService(
	provider ProviderClient,
	links LinkWriter,
	resolver LinkResolver,
	calendars CalendarRemover,
	backfillQueue BackfillQueue,
	redirects RedirectValidator,
	events repository.WebhookEventRepository,
	m metrics.MetricsCollector,
	logger *slog.Logger,
	cfg Config,
) *Service {
	if cfg.HostedAuthTTL <= 0 {
		cfg.HostedAuthTTL = defaultHostedAuthTTL
	}
	return &Service{
		provider:  provider,
		links:     links,
		resolver:  resolver,
		calendars: calendars,
		backfill:  backfillQueue,
		redirects: redirects,
		events:    events,
		metrics:   m,
		logger:    logger,
		cfg:       cfg,
		now:       time.Now,
	}
}

// InitiateRequest は連携開始の入力。
type InitiateRequest struct {
	UserIdentifier  string
	Provider        string
	ProviderType    string
	SuccessRedirect string
	FailureRedirect string
}

// InitiateResult は連携開始の結果。
type InitiateResult struct {
	URL       string
	ExpiresAt time.Time
	Label     string
}

// Initiate はホスト型認証リンクを発行する。
// 入力不備の場合はプロバイダーを呼び出さずにINVALID_REQUESTを返す。
// この時点では連携ストアに書き込まない。
func (s *Service) Initiate(ctx context.Context, req InitiateRequest) (*InitiateResult, error) {
	token, apiErr := parseTuple(req.UserIdentifier, req.Provider, req.ProviderType)
	if apiErr != nil {
		return nil, apiErr
	}
	for _, redirect := range []string{req.SuccessRedirect, req.FailureRedirect} {
		if redirect == "" {
			continue
		}
		if err := s.redirects.ValidateRedirectURL(redirect); err != nil {
			return nil, model.NewInvalidRequestError("リダイレクト先URLが不正です")
		}
	}

	expiresAt := s.now().UTC().Add(s.cfg.HostedAuthTTL)
	label := token.Encode()

	hosted := unipile.HostedAuthRequest{
		Providers:          []string{string(token.Provider)},
		ExpiresOn:          expiresAt,
		Name:               label,
		SuccessRedirectURL: req.SuccessRedirect,
		FailureRedirectURL: req.FailureRedirect,
		NotifyURL:          s.cfg.NotifyURL,
	}
	if token.Provider == model.ProviderGoogle && token.ProviderType == model.ProviderTypeCalendar {
		hosted.Scopes = googleCalendarScopes
	}

	url, err := s.provider.CreateHostedAuthLink(ctx, hosted)
	if err != nil {
		s.logger.Error("ホスト型認証リンクの発行に失敗しました",
			slog.String("user_identifier", token.UserIdentifier),
			slog.String("provider", string(token.Provider)),
			slog.String("provider_type", string(token.ProviderType)),
			slog.String("error", err.Error()),
		)
		return nil, model.NewUpstreamUnavailableError()
	}

	return &InitiateResult{URL: url, ExpiresAt: expiresAt, Label: label}, nil
}

// DisconnectRequest は連携解除の入力。
type DisconnectRequest struct {
	UserIdentifier string
	Provider       string
	ProviderType   string
}

// Disconnect は連携を解除する。
// プロバイダー上のアカウント削除はベストエフォートで行い、失敗しても続行する。
// カレンダー連携の場合はカレンダー一覧を先に削除してから連携行を削除する。
// 連携が存在しない場合もエラーにしない。
func (s *Service) Disconnect(ctx context.Context, req DisconnectRequest) error {
	token, apiErr := parseTuple(req.UserIdentifier, req.Provider, req.ProviderType)
	if apiErr != nil {
		return apiErr
	}

	res, err := s.resolver.ResolveAndMaybeMigrate(ctx, identity.Query{
		UserIdentifier: token.UserIdentifier,
		Provider:       token.Provider,
		ProviderType:   token.ProviderType,
	})
	if err != nil && !errors.Is(err, identity.ErrNotFound) {
		return fmt.Errorf("連携の解決に失敗しました: %w", err)
	}

	// 別用途の連携のアカウントは削除しない
	if res != nil && res.Link.ExternalAccountID != "" && res.Link.ServesType(token.ProviderType) {
		if err := s.provider.DeleteAccount(ctx, res.Link.ExternalAccountID); err != nil {
			s.logger.Warn("プロバイダー上のアカウント削除に失敗しました",
				slog.String("account_id", res.Link.ExternalAccountID),
				slog.String("error", err.Error()),
			)
		}
	}

	if token.ProviderType == model.ProviderTypeCalendar {
		if err := s.calendars.DeleteByUser(ctx, token.UserIdentifier); err != nil {
			return fmt.Errorf("カレンダーの削除に失敗しました: %w", err)
		}
	}

	deleted, err := s.links.Delete(ctx, token.UserIdentifier, token.Provider, token.ProviderType)
	if err != nil {
		return fmt.Errorf("連携の削除に失敗しました: %w", err)
	}

	s.logger.Info("連携を解除しました",
		slog.String("user_identifier", token.UserIdentifier),
		slog.String("provider", string(token.Provider)),
		slog.String("provider_type", string(token.ProviderType)),
		slog.Int64("deleted", deleted),
	)
	return nil
}

// parseTuple は(識別子, provider, provider_type)の入力を検証して正規化する。
func parseTuple(userIdentifier, provider, providerType string) (correlation.Token, *model.APIError) {
	id := strings.TrimSpace(userIdentifier)
	if id == "" {
		return correlation.Token{}, model.NewInvalidRequestError("userIdが必要です")
	}
	if provider == "" {
		return correlation.Token{}, model.NewInvalidRequestError("providerが必要です")
	}
	if providerType == "" {
		return correlation.Token{}, model.NewInvalidRequestError("providerTypeが必要です")
	}

	p := model.Provider(strings.ToUpper(strings.TrimSpace(provider)))
	if !p.Valid() {
		return correlation.Token{}, model.NewInvalidRequestError(fmt.Sprintf("未対応のproviderです: %s", provider))
	}
	t := model.ProviderType(strings.ToLower(strings.TrimSpace(providerType)))
	if !t.Valid() {
		return correlation.Token{}, model.NewInvalidRequestError(fmt.Sprintf("未対応のproviderTypeです: %s", providerType))
	}
	return correlation.New(id, p, t), nil
}
