// Package status は連携状態を1つのペイロードにまとめる。
// 管理画面とワークフローエンジンへの送信ペイロードの両方で使われる。
package status

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"

	"github.com/hitoshi/calbridge/internal/identity"
	"github.com/hitoshi/calbridge/internal/model"
	"github.com/hitoshi/calbridge/internal/worker/backfill"
)

// 連携済みカレンダーで利用できる機能。
const (
	CapabilityCalendarList     = "calendar.list"
	CapabilityCalendarSelect   = "calendar.select"
	CapabilityCalendarFreeBusy = "calendar.freebusy"
	CapabilityBookingCreate    = "booking.create"
)

// 全体の連携状態。
const (
	IntegrationConnected        = "connected"
	IntegrationCredentialsError = "credentials_error"
	IntegrationNotConnected     = "not_connected"
)

// LinkResolver は識別子から連携を解決する。
type LinkResolver interface {
	ResolveAndMaybeMigrate(ctx context.Context, q identity.Query) (*identity.Resolution, error)
}

// SelectionReader は選択中カレンダーの取得を抽象化する。
type SelectionReader interface {
	Selected(ctx context.Context, userIdentifier string) (*model.CalendarDescriptor, error)
}

// EmailBackfiller はメールアドレスの同期補完を抽象化する。
type EmailBackfiller interface {
	FetchAndPatch(ctx context.Context, job backfill.Job) (string, error)
}

// Target は状態を集約する(provider, provider_type)の組。
type Target struct {
	Provider     model.Provider
	ProviderType model.ProviderType
}

// Key は応答のintegrationsで使うキーを返す。例: google_calendar
func (t Target) Key() string {
	return strings.ToLower(string(t.Provider)) + "_" + string(t.ProviderType)
}

// DefaultTargets は既定で集約する連携の一覧。
var DefaultTargets = []Target{
	{model.ProviderGoogle, model.ProviderTypeCalendar},
	{model.ProviderMicrosoft, model.ProviderTypeCalendar},
	{model.ProviderGoogle, model.ProviderTypeEmail},
	{model.ProviderMicrosoft, model.ProviderTypeEmail},
	{model.ProviderWhatsApp, model.ProviderTypeMessaging},
}

// Config はAggregatorの設定。
type Config struct {
	// APIKey と DSN はトークン解決でワークフローエンジンに渡すプロバイダーの接続情報。
	APIKey string
	DSN    string
}

// Aggregator は連携状態の集約を行う。
type Aggregator struct {
	resolver  LinkResolver
	selection SelectionReader
	backfill  EmailBackfiller
	targets   []Target
	cfg       Config
	logger    *slog.Logger
}

// NewAggregator はAggregatorを生成する。
func NewAggregator(resolver LinkResolver, selection SelectionReader, backfiller EmailBackfiller, cfg Config, logger *slog.Logger) *Aggregator {
	return &Aggregator{
		resolver:  resolver,
		selection: selection,
		backfill:  backfiller,
		targets:   DefaultTargets,
		cfg:       cfg,
		logger:    logger,
	}
}

// Query は状態取得の入力。
type Query struct {
	UserIdentifier string
	EmailHint      string
}

// Integration は連携1件の状態。
type Integration struct {
	Connected        bool
	Status           string
	Provider         model.Provider
	ProviderType     model.ProviderType
	AccountID        string
	Email            string
	SelectedCalendar *model.CalendarDescriptor
	Capabilities     []string
}

// Status は集約した連携状態。
type Status struct {
	IntegrationStatus       string
	GoogleCalendarConnected bool
	Integrations            map[string]Integration
}

// GetStatus は識別子の連携状態を集約する。
// 未連携は正常な状態であり、エラーではなくconnected=falseとして返す。
// connectedでメールアドレスが空の場合は同期的に補完を試みる。
func (a *Aggregator) GetStatus(ctx context.Context, q Query) (*Status, error) {
	if strings.TrimSpace(q.UserIdentifier) == "" {
		return nil, model.NewInvalidRequestError("userIdまたはsessionIdが必要です")
	}

	st := &Status{
		IntegrationStatus: IntegrationNotConnected,
		Integrations:      make(map[string]Integration, len(a.targets)),
	}
	for _, target := range a.targets {
		in, err := a.integration(ctx, q, target)
		if err != nil {
			return nil, err
		}
		st.Integrations[target.Key()] = in

		switch {
		case in.Connected:
			st.IntegrationStatus = IntegrationConnected
		case in.Status == string(model.LinkStatusCredentialsError) && st.IntegrationStatus == IntegrationNotConnected:
			st.IntegrationStatus = IntegrationCredentialsError
		}
	}
	st.GoogleCalendarConnected = st.Integrations[Target{model.ProviderGoogle, model.ProviderTypeCalendar}.Key()].Connected
	return st, nil
}

func (a *Aggregator) integration(ctx context.Context, q Query, target Target) (Integration, error) {
	in := Integration{
		Status:       IntegrationNotConnected,
		Provider:     target.Provider,
		ProviderType: target.ProviderType,
	}

	res, err := a.resolver.ResolveAndMaybeMigrate(ctx, identity.Query{
		UserIdentifier: q.UserIdentifier,
		Provider:       target.Provider,
		ProviderType:   target.ProviderType,
		EmailHint:      q.EmailHint,
	})
	if errors.Is(err, identity.ErrNotFound) {
		return in, nil
	}
	if err != nil {
		return in, fmt.Errorf("連携の解決に失敗しました: %w", err)
	}

	link := res.Link
	if !link.ServesType(target.ProviderType) {
		return in, nil
	}

	in.Status = string(link.Status)
	in.AccountID = link.ExternalAccountID
	in.Email = link.Email
	if !link.Connected() {
		return in, nil
	}
	in.Connected = true

	if in.Email == "" {
		in.Email = a.backfillEmail(ctx, link)
	}

	if target.ProviderType == model.ProviderTypeCalendar {
		in.Capabilities = []string{
			CapabilityCalendarList,
			CapabilityCalendarSelect,
			CapabilityCalendarFreeBusy,
			CapabilityBookingCreate,
		}
		selected, err := a.selection.Selected(ctx, q.UserIdentifier)
		if err != nil {
			return in, err
		}
		in.SelectedCalendar = selected
	}
	return in, nil
}

// backfillEmail はメールアドレスをベストエフォートで補完する。失敗時は空文字列を返す。
func (a *Aggregator) backfillEmail(ctx context.Context, link *model.ExternalAccountLink) string {
	email, err := a.backfill.FetchAndPatch(ctx, backfill.Job{
		ExternalAccountID: link.ExternalAccountID,
		UserIdentifier:    link.UserIdentifier,
	})
	if err != nil {
		a.logger.Warn("状態取得時のメールアドレス補完に失敗しました",
			slog.String("account_id", link.ExternalAccountID),
			slog.String("error", err.Error()),
		)
		return ""
	}
	return email
}

// Token はワークフローエンジンがプロバイダーを直接呼び出すための接続情報。
type Token struct {
	AccountID string
	Email     string
	APIKey    string
	DSN       string
}

// ResolveToken はGOOGLEカレンダー連携の接続情報を返す。
// connectedな連携がない場合はACCOUNT_NOT_CONNECTEDを返す。
func (a *Aggregator) ResolveToken(ctx context.Context, userIdentifier, emailHint string) (*Token, error) {
	if strings.TrimSpace(userIdentifier) == "" {
		return nil, model.NewInvalidRequestError("user_idが必要です")
	}

	res, err := a.resolver.ResolveAndMaybeMigrate(ctx, identity.Query{
		UserIdentifier: userIdentifier,
		Provider:       model.ProviderGoogle,
		ProviderType:   model.ProviderTypeCalendar,
		EmailHint:      emailHint,
	})
	if errors.Is(err, identity.ErrNotFound) {
		return nil, model.NewAccountNotConnectedError()
	}
	if err != nil {
		return nil, fmt.Errorf("連携の解決に失敗しました: %w", err)
	}
	if !res.Link.Connected() || !res.Link.ServesType(model.ProviderTypeCalendar) {
		return nil, model.NewAccountNotConnectedError()
	}

	email := res.Link.Email
	if email == "" {
		email = a.backfillEmail(ctx, res.Link)
	}
	return &Token{
		AccountID: res.Link.ExternalAccountID,
		Email:     email,
		APIKey:    a.cfg.APIKey,
		DSN:       a.cfg.DSN,
	}, nil
}
