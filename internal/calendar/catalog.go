// Package calendar は連携アカウント配下のカレンダー一覧と選択状態を管理する。
package calendar

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/hitoshi/calbridge/internal/identity"
	"github.com/hitoshi/calbridge/internal/model"
	"github.com/hitoshi/calbridge/internal/repository"
	"github.com/hitoshi/calbridge/internal/unipile"
)

// fallbackCalendarID はGOOGLEで一覧取得に失敗した場合に合成するカレンダーID。
const fallbackCalendarID = "primary"

const fallbackDisplayName = "Primary Calendar"

// Provider はプロバイダー上のカレンダー操作を抽象化する。
type Provider interface {
	ListCalendars(ctx context.Context, endpoint unipile.CalendarEndpoint, accountID string) ([]unipile.Calendar, error)
	ListEvents(ctx context.Context, accountID, calendarID string, start, end time.Time) (json.RawMessage, error)
}

// LinkResolver は識別子から連携を解決する。
type LinkResolver interface {
	ResolveAndMaybeMigrate(ctx context.Context, q identity.Query) (*identity.Resolution, error)
}

// Catalog はカレンダー一覧の取得・保存・選択を行う。
type Catalog struct {
	provider  Provider
	resolver  LinkResolver
	repo      repository.CalendarRepository
	endpoints []unipile.CalendarEndpoint
	timeout   time.Duration
	logger    *slog.Logger
}

// NewCatalog はCatalogを生成する。timeoutはプロバイダー呼び出し1回あたりの期限。
func NewCatalog(provider Provider, resolver LinkResolver, repo repository.CalendarRepository, timeout time.Duration, logger *slog.Logger) *Catalog {
	return &Catalog{
		provider:  provider,
		resolver:  resolver,
		repo:      repo,
		endpoints: unipile.CalendarEndpoints,
		timeout:   timeout,
		logger:    logger,
	}
}

// Account はカレンダー操作の対象となる連携の指定。
type Account struct {
	UserIdentifier string
	Provider       model.Provider
	EmailHint      string
}

// ConnectedLink はカレンダー連携を解決し、connectedでなければACCOUNT_NOT_CONNECTEDを返す。
func (c *Catalog) ConnectedLink(ctx context.Context, acct Account) (*model.ExternalAccountLink, error) {
	if strings.TrimSpace(acct.UserIdentifier) == "" {
		return nil, model.NewInvalidRequestError("userIdが必要です")
	}
	provider := acct.Provider
	if provider == "" {
		provider = model.ProviderGoogle
	}

	res, err := c.resolver.ResolveAndMaybeMigrate(ctx, identity.Query{
		UserIdentifier: acct.UserIdentifier,
		Provider:       provider,
		ProviderType:   model.ProviderTypeCalendar,
		EmailHint:      acct.EmailHint,
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
	return res.Link, nil
}

// Refresh はプロバイダーからカレンダー一覧を取得して保存し、保存後の一覧を返す。
// 候補エンドポイントを順に試し、最初に1件以上返したものを採用する。
// すべて失敗した場合、GOOGLEなら主カレンダー1件を合成し、それ以外はUPSTREAM_UNAVAILABLEを返す。
// 既存カレンダーの選択状態は維持される。
func (c *Catalog) Refresh(ctx context.Context, acct Account) ([]model.CalendarDescriptor, error) {
	link, err := c.ConnectedLink(ctx, acct)
	if err != nil {
		return nil, err
	}

	calendars := c.fetch(ctx, link)
	if len(calendars) == 0 {
		if link.Provider != model.ProviderGoogle {
			return nil, model.NewUpstreamUnavailableError()
		}
		calendars = []model.CalendarDescriptor{fallbackDescriptor(link)}
		c.logger.Warn("カレンダー一覧を取得できないため主カレンダーを合成しました",
			slog.String("user_identifier", acct.UserIdentifier),
			slog.String("account_id", link.ExternalAccountID),
		)
	}

	saved, err := c.repo.Merge(ctx, acct.UserIdentifier, calendars)
	if err != nil {
		return nil, fmt.Errorf("カレンダー一覧の保存に失敗しました: %w", err)
	}
	return saved, nil
}

func (c *Catalog) fetch(ctx context.Context, link *model.ExternalAccountLink) []model.CalendarDescriptor {
	for _, endpoint := range c.endpoints {
		callCtx, cancel := c.withTimeout(ctx)
		found, err := c.provider.ListCalendars(callCtx, endpoint, link.ExternalAccountID)
		cancel()
		if err != nil {
			c.logger.Warn("カレンダー一覧の取得に失敗しました",
				slog.String("endpoint", endpoint.Name),
				slog.String("account_id", link.ExternalAccountID),
				slog.String("error", err.Error()),
			)
			continue
		}

		out := make([]model.CalendarDescriptor, 0, len(found))
		for _, cal := range found {
			if cal.ID == "" {
				continue
			}
			name := cal.Name
			if name == "" {
				name = cal.ID
			}
			out = append(out, model.CalendarDescriptor{
				CalendarID:  cal.ID,
				DisplayName: name,
				IsPrimary:   cal.IsPrimary,
				AccessRole:  cal.AccessRole,
				TimeZone:    cal.TimeZone,
			})
		}
		if len(out) > 0 {
			return out
		}
		c.logger.Info("カレンダー一覧が空のため次の候補を試します",
			slog.String("endpoint", endpoint.Name),
			slog.String("account_id", link.ExternalAccountID),
		)
	}
	return nil
}

func fallbackDescriptor(link *model.ExternalAccountLink) model.CalendarDescriptor {
	name := fallbackDisplayName
	if link.Email != "" {
		name = link.Email
	}
	return model.CalendarDescriptor{
		CalendarID:  fallbackCalendarID,
		DisplayName: name,
		IsPrimary:   true,
		AccessRole:  "owner",
	}
}

// Select は指定カレンダーを既定として選択する。
// 識別子配下に存在しない場合はCALENDAR_NOT_FOUNDを返す。
func (c *Catalog) Select(ctx context.Context, userIdentifier, calendarID string) (*model.CalendarDescriptor, error) {
	if strings.TrimSpace(userIdentifier) == "" {
		return nil, model.NewInvalidRequestError("userIdが必要です")
	}
	if strings.TrimSpace(calendarID) == "" {
		return nil, model.NewInvalidRequestError("calendarIdが必要です")
	}

	selected, err := c.repo.Select(ctx, userIdentifier, calendarID)
	if errors.Is(err, repository.ErrCalendarNotFound) {
		return nil, model.NewCalendarNotFoundError(calendarID)
	}
	if err != nil {
		return nil, fmt.Errorf("カレンダーの選択に失敗しました: %w", err)
	}

	c.logger.Info("既定カレンダーを選択しました",
		slog.String("user_identifier", userIdentifier),
		slog.String("calendar_id", calendarID),
	)
	return selected, nil
}

// Selected は選択中のカレンダーを返す。未選択の場合はnilを返す。
func (c *Catalog) Selected(ctx context.Context, userIdentifier string) (*model.CalendarDescriptor, error) {
	selected, err := c.repo.FindSelected(ctx, userIdentifier)
	if err != nil {
		return nil, fmt.Errorf("選択中カレンダーの取得に失敗しました: %w", err)
	}
	return selected, nil
}

// AvailabilityRequest は空き状況照会の入力。
type AvailabilityRequest struct {
	Account
	CalendarID string
	Start      time.Time
	End        time.Time
}

// Availability は期間内の予定をプロバイダーの形式のまま返す。
// カレンダーIDが空の場合は選択中のカレンダーを使う。
func (c *Catalog) Availability(ctx context.Context, req AvailabilityRequest) (json.RawMessage, error) {
	if req.Start.IsZero() || req.End.IsZero() || !req.Start.Before(req.End) {
		return nil, model.NewInvalidRequestError("startはendより前である必要があります")
	}

	link, err := c.ConnectedLink(ctx, req.Account)
	if err != nil {
		return nil, err
	}

	calendarID, err := c.ResolveCalendarID(ctx, req.UserIdentifier, req.CalendarID)
	if err != nil {
		return nil, err
	}

	callCtx, cancel := c.withTimeout(ctx)
	defer cancel()

	payload, err := c.provider.ListEvents(callCtx, link.ExternalAccountID, calendarID, req.Start, req.End)
	if err != nil {
		c.logger.Error("空き状況の取得に失敗しました",
			slog.String("user_identifier", req.UserIdentifier),
			slog.String("calendar_id", calendarID),
			slog.Bool("timeout", unipile.IsTimeout(err)),
			slog.String("error", err.Error()),
		)
		return nil, model.NewUpstreamUnavailableError()
	}
	return payload, nil
}

// ResolveCalendarID はcalendarIDが空の場合に選択中、次いでプライマリのカレンダーIDで補う。
// どちらもない場合はINVALID_REQUESTを返す。
func (c *Catalog) ResolveCalendarID(ctx context.Context, userIdentifier, calendarID string) (string, error) {
	if calendarID != "" {
		return calendarID, nil
	}
	selected, err := c.Selected(ctx, userIdentifier)
	if err != nil {
		return "", err
	}
	if selected != nil {
		return selected.CalendarID, nil
	}

	calendars, err := c.repo.ListByUser(ctx, userIdentifier)
	if err != nil {
		return "", fmt.Errorf("カレンダー一覧の取得に失敗しました: %w", err)
	}
	for _, cal := range calendars {
		if cal.IsPrimary {
			return cal.CalendarID, nil
		}
	}
	return "", model.NewInvalidRequestError("calendar_idが必要です")
}

func (c *Catalog) withTimeout(ctx context.Context) (context.Context, context.CancelFunc) {
	if c.timeout <= 0 {
		return context.WithCancel(ctx)
	}
	return context.WithTimeout(ctx, c.timeout)
}
