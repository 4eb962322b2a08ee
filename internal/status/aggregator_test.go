package status

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"testing"

	"github.com/hitoshi/calbridge/internal/identity"
	"github.com/hitoshi/calbridge/internal/metrics"
	"github.com/hitoshi/calbridge/internal/model"
	"github.com/hitoshi/calbridge/internal/repository/repotest"
	"github.com/hitoshi/calbridge/internal/worker/backfill"
)

type mockBackfiller struct {
	fetchAndPatchFn func(ctx context.Context, job backfill.Job) (string, error)
	calls           int
}

func (m *mockBackfiller) FetchAndPatch(ctx context.Context, job backfill.Job) (string, error) {
	m.calls++
	return m.fetchAndPatchFn(ctx, job)
}

func newTestAggregator(bf *mockBackfiller) (*Aggregator, *repotest.LinkRepo, *repotest.CalendarRepo) {
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	links := repotest.NewLinkRepo()
	store := identity.NewLinkStore(repotest.NewStrictLinkRepo(), links, logger)
	resolver := identity.NewResolver(store, metrics.Nop{}, logger)
	cals := repotest.NewCalendarRepo()
	agg := NewAggregator(resolver, selectionFunc(cals.FindSelected), bf, Config{APIKey: "key-1", DSN: "api1.unipile.com:13111"}, logger)
	return agg, links, cals
}

// selectionFunc は関数をSelectionReaderとして扱う。
type selectionFunc func(ctx context.Context, userIdentifier string) (*model.CalendarDescriptor, error)

func (f selectionFunc) Selected(ctx context.Context, userIdentifier string) (*model.CalendarDescriptor, error) {
	return f(ctx, userIdentifier)
}

func noBackfill() *mockBackfiller {
	return &mockBackfiller{fetchAndPatchFn: func(context.Context, backfill.Job) (string, error) {
		return "", nil
	}}
}

func TestGetStatus_NotConnectedIsNotAnError(t *testing.T) {
	agg, _, _ := newTestAggregator(noBackfill())

	st, err := agg.GetStatus(context.Background(), Query{UserIdentifier: "session-1"})
	if err != nil {
		t.Fatalf("未連携はエラーにしないこと: %v", err)
	}
	if st.IntegrationStatus != IntegrationNotConnected || st.GoogleCalendarConnected {
		t.Errorf("Status = %+v", st)
	}
	if len(st.Integrations) != len(DefaultTargets) {
		t.Errorf("全対象の状態を返すこと: %d", len(st.Integrations))
	}
}

func TestGetStatus_ConnectedCalendar(t *testing.T) {
	agg, links, cals := newTestAggregator(noBackfill())
	ctx := context.Background()
	links.Put(model.ExternalAccountLink{
		UserIdentifier: "u1", Provider: model.ProviderGoogle, ProviderType: model.ProviderTypeCalendar,
		ExternalAccountID: "acc1", Status: model.LinkStatusConnected, Email: "doc@example.com",
	})
	_, _ = cals.Merge(ctx, "u1", []model.CalendarDescriptor{{CalendarID: "cal-2", DisplayName: "Clinic"}})
	_, _ = cals.Select(ctx, "u1", "cal-2")

	st, err := agg.GetStatus(ctx, Query{UserIdentifier: "u1"})
	if err != nil {
		t.Fatalf("GetStatus: %v", err)
	}
	if !st.GoogleCalendarConnected || st.IntegrationStatus != IntegrationConnected {
		t.Errorf("Status = %+v", st)
	}
	gc := st.Integrations["google_calendar"]
	if gc.AccountID != "acc1" || gc.Email != "doc@example.com" {
		t.Errorf("google_calendar = %+v", gc)
	}
	if gc.SelectedCalendar == nil || gc.SelectedCalendar.CalendarID != "cal-2" {
		t.Errorf("選択中カレンダーを含めること: %+v", gc.SelectedCalendar)
	}
	if len(gc.Capabilities) != 4 {
		t.Errorf("Capabilities = %v", gc.Capabilities)
	}
	if st.Integrations["google_email"].Connected {
		t.Error("別用途の行を連携済みとして扱わないこと")
	}
}

func TestGetStatus_BackfillsMissingEmail(t *testing.T) {
	bf := &mockBackfiller{fetchAndPatchFn: func(_ context.Context, job backfill.Job) (string, error) {
		if job.ExternalAccountID != "acc1" {
			t.Errorf("Job = %+v", job)
		}
		return "late@example.com", nil
	}}
	agg, links, _ := newTestAggregator(bf)
	links.Put(model.ExternalAccountLink{
		UserIdentifier: "u1", Provider: model.ProviderGoogle, ProviderType: model.ProviderTypeCalendar,
		ExternalAccountID: "acc1", Status: model.LinkStatusConnected,
	})

	st, err := agg.GetStatus(context.Background(), Query{UserIdentifier: "u1"})
	if err != nil {
		t.Fatalf("GetStatus: %v", err)
	}
	if st.Integrations["google_calendar"].Email != "late@example.com" {
		t.Errorf("Email = %q", st.Integrations["google_calendar"].Email)
	}
	if bf.calls != 1 {
		t.Errorf("補完の呼び出し回数 = %d, want 1", bf.calls)
	}
}

func TestGetStatus_BackfillFailureIsIgnored(t *testing.T) {
	bf := &mockBackfiller{fetchAndPatchFn: func(context.Context, backfill.Job) (string, error) {
		return "", errors.New("provider down")
	}}
	agg, links, _ := newTestAggregator(bf)
	links.Put(model.ExternalAccountLink{
		UserIdentifier: "u1", Provider: model.ProviderGoogle, ProviderType: model.ProviderTypeCalendar,
		ExternalAccountID: "acc1", Status: model.LinkStatusConnected,
	})

	st, err := agg.GetStatus(context.Background(), Query{UserIdentifier: "u1"})
	if err != nil {
		t.Fatalf("補完の失敗で状態取得を失敗させないこと: %v", err)
	}
	if !st.GoogleCalendarConnected {
		t.Error("連携済みとして返すこと")
	}
}

func TestGetStatus_CredentialsError(t *testing.T) {
	agg, links, _ := newTestAggregator(noBackfill())
	links.Put(model.ExternalAccountLink{
		UserIdentifier: "u1", Provider: model.ProviderGoogle, ProviderType: model.ProviderTypeCalendar,
		ExternalAccountID: "acc1", Status: model.LinkStatusCredentialsError,
	})

	st, err := agg.GetStatus(context.Background(), Query{UserIdentifier: "u1"})
	if err != nil {
		t.Fatalf("GetStatus: %v", err)
	}
	gc := st.Integrations["google_calendar"]
	if gc.Connected || gc.Status != string(model.LinkStatusCredentialsError) {
		t.Errorf("google_calendar = %+v", gc)
	}
	if st.IntegrationStatus != IntegrationCredentialsError {
		t.Errorf("IntegrationStatus = %s", st.IntegrationStatus)
	}
}

func TestGetStatus_RequiresIdentifier(t *testing.T) {
	agg, _, _ := newTestAggregator(noBackfill())
	_, err := agg.GetStatus(context.Background(), Query{})

	var apiErr *model.APIError
	if !errors.As(err, &apiErr) || apiErr.Code != model.ErrCodeInvalidRequest {
		t.Errorf("err = %v, want INVALID_REQUEST", err)
	}
}

func TestResolveToken(t *testing.T) {
	agg, links, _ := newTestAggregator(noBackfill())
	links.Put(model.ExternalAccountLink{
		UserIdentifier: "u1", Provider: model.ProviderGoogle, ProviderType: model.ProviderTypeCalendar,
		ExternalAccountID: "acc1", Status: model.LinkStatusConnected, Email: "doc@example.com",
	})

	tok, err := agg.ResolveToken(context.Background(), "u1", "")
	if err != nil {
		t.Fatalf("ResolveToken: %v", err)
	}
	if tok.AccountID != "acc1" || tok.Email != "doc@example.com" || tok.APIKey != "key-1" {
		t.Errorf("Token = %+v", tok)
	}

	_, err = agg.ResolveToken(context.Background(), "nobody", "")
	var apiErr *model.APIError
	if !errors.As(err, &apiErr) || apiErr.Code != model.ErrCodeAccountNotConnected {
		t.Errorf("err = %v, want ACCOUNT_NOT_CONNECTED", err)
	}
}

func TestResolveToken_IgnoresOtherProviderType(t *testing.T) {
	agg, links, _ := newTestAggregator(noBackfill())
	links.Put(model.ExternalAccountLink{
		UserIdentifier: "u1", Provider: model.ProviderGoogle, ProviderType: model.ProviderTypeEmail,
		ExternalAccountID: "acc-mail", Status: model.LinkStatusConnected, Email: "doc@example.com",
	})

	tok, err := agg.ResolveToken(context.Background(), "u1", "")
	var apiErr *model.APIError
	if !errors.As(err, &apiErr) || apiErr.Code != model.ErrCodeAccountNotConnected {
		t.Fatalf("メール用途の連携の接続情報を返さないこと: tok=%+v err=%v", tok, err)
	}

	st, err := agg.GetStatus(context.Background(), Query{UserIdentifier: "u1"})
	if err != nil {
		t.Fatalf("GetStatus: %v", err)
	}
	if st.GoogleCalendarConnected {
		t.Error("状態取得と接続情報の判定が一致すること")
	}
}
