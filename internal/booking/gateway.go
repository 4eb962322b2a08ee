// Package booking は予約を外部カレンダーに作成し、ローカルに記録する。
// 外部イベントが正であり、ローカル記録の失敗は部分成功として報告する。
package booking

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/hitoshi/calbridge/internal/calendar"
	"github.com/hitoshi/calbridge/internal/metrics"
	"github.com/hitoshi/calbridge/internal/model"
	"github.com/hitoshi/calbridge/internal/repository"
	"github.com/hitoshi/calbridge/internal/unipile"
)

// EventCreator はプロバイダー上のイベント作成を抽象化する。
type EventCreator interface {
	CreateEvent(ctx context.Context, accountID, calendarID string, ev unipile.Event) (string, error)
}

// Calendars は予約先カレンダーの解決を抽象化する。
type Calendars interface {
	ConnectedLink(ctx context.Context, acct calendar.Account) (*model.ExternalAccountLink, error)
	ResolveCalendarID(ctx context.Context, userIdentifier, calendarID string) (string, error)
}

// TextSanitizer は予約者が入力した文字列からマークアップを除去する。
type TextSanitizer interface {
	SanitizeText(s string) string
}

// Request は予約作成の入力。
type Request struct {
	UserIdentifier string
	EmailHint      string
	CalendarID     string
	Start          time.Time
	End            time.Time
	Patient        model.Patient
	Source         string
}

// EventData はプロバイダーに送信したイベントの内容。
type EventData struct {
	Title       string    `json:"title"`
	Description string    `json:"description"`
	CalendarID  string    `json:"calendar_id"`
	Start       time.Time `json:"start"`
	End         time.Time `json:"end"`
	Attendees   []string  `json:"attendees,omitempty"`
}

// Result は予約作成の結果。
// LocalRecordMissingがtrueの場合、外部イベントは作成済みだがローカル記録がない。
type Result struct {
	BookingID          string
	EventID            string
	Event              EventData
	LocalRecordMissing bool
}

// Gateway は予約作成のサービス層。
type Gateway struct {
	calendars Calendars
	events    EventCreator
	repo      repository.BookingRepository
	sanitizer TextSanitizer
	metrics   metrics.MetricsCollector
	timeout   time.Duration
	logger    *slog.Logger
}

// NewGateway はGatewayを生成する。
func NewGateway(
	calendars Calendars,
	events EventCreator,
	repo repository.BookingRepository,
	sanitizer TextSanitizer,
	m metrics.MetricsCollector,
	timeout time.Duration,
	logger *slog.Logger,
) *Gateway {
	return &Gateway{
		calendars: calendars,
		events:    events,
		repo:      repo,
		sanitizer: sanitizer,
		metrics:   m,
		timeout:   timeout,
		logger:    logger,
	}
}

// CreateBooking は外部カレンダーにイベントを作成し、予約をローカルに記録する。
//
// 外部作成に失敗した場合はBOOKING_CREATE_FAILED（タイムアウトはUPSTREAM_UNAVAILABLE）を返し、
// ローカル行は作らない。ローカル記録に失敗した場合はエラーにせず、
// EventIDを含むResultをLocalRecordMissing=trueで返す。
func (g *Gateway) CreateBooking(ctx context.Context, req Request) (*Result, error) {
	source, apiErr := validate(&req)
	if apiErr != nil {
		return nil, apiErr
	}

	link, err := g.calendars.ConnectedLink(ctx, calendar.Account{UserIdentifier: req.UserIdentifier, EmailHint: req.EmailHint})
	if err != nil {
		return nil, err
	}
	calendarID, err := g.calendars.ResolveCalendarID(ctx, req.UserIdentifier, req.CalendarID)
	if err != nil {
		return nil, err
	}

	patient := model.Patient{
		Name:  g.sanitizer.SanitizeText(req.Patient.Name),
		Email: g.sanitizer.SanitizeText(req.Patient.Email),
		Phone: g.sanitizer.SanitizeText(req.Patient.Phone),
	}
	data := EventData{
		Title:       fmt.Sprintf("予約: %s", patient.Name),
		Description: describe(patient, source),
		CalendarID:  calendarID,
		Start:       req.Start.UTC(),
		End:         req.End.UTC(),
	}
	if patient.Email != "" {
		data.Attendees = []string{patient.Email}
	}

	callCtx, cancel := g.withTimeout(ctx)
	eventID, err := g.events.CreateEvent(callCtx, link.ExternalAccountID, calendarID, unipile.Event{
		Title:       data.Title,
		Description: data.Description,
		Start:       data.Start,
		End:         data.End,
		Attendees:   data.Attendees,
	})
	cancel()
	if err != nil {
		g.logger.Error("外部カレンダーへの予約作成に失敗しました",
			slog.String("user_identifier", req.UserIdentifier),
			slog.String("calendar_id", calendarID),
			slog.Bool("timeout", unipile.IsTimeout(err)),
			slog.String("error", err.Error()),
		)
		if unipile.IsTimeout(err) {
			g.metrics.RecordBooking("upstream_timeout")
			return nil, model.NewUpstreamUnavailableError()
		}
		g.metrics.RecordBooking("failed")
		return nil, model.NewBookingCreateFailedError()
	}

	booking := &model.Booking{
		UserIdentifier:  req.UserIdentifier,
		CalendarID:      calendarID,
		ExternalEventID: eventID,
		StartTime:       data.Start,
		EndTime:         data.End,
		Patient:         patient,
		Source:          source,
		Status:          model.BookingStatusConfirmed,
	}
	if err := g.repo.Create(ctx, booking); err != nil {
		g.metrics.RecordBooking("partial")
		g.logger.Error("予約のローカル記録に失敗しました",
			slog.String("user_identifier", req.UserIdentifier),
			slog.String("event_id", eventID),
			slog.String("error", err.Error()),
		)
		return &Result{EventID: eventID, Event: data, LocalRecordMissing: true}, nil
	}

	g.metrics.RecordBooking("created")
	g.logger.Info("予約を作成しました",
		slog.String("user_identifier", req.UserIdentifier),
		slog.String("booking_id", booking.ID),
		slog.String("event_id", eventID),
		slog.String("source", string(source)),
	)
	return &Result{BookingID: booking.ID, EventID: eventID, Event: data}, nil
}

func validate(req *Request) (model.BookingSource, *model.APIError) {
	if strings.TrimSpace(req.UserIdentifier) == "" {
		return "", model.NewInvalidRequestError("user_idが必要です")
	}
	if strings.TrimSpace(req.Patient.Name) == "" {
		return "", model.NewInvalidRequestError("patient.nameが必要です")
	}
	if req.Start.IsZero() || req.End.IsZero() {
		return "", model.NewInvalidRequestError("startとendが必要です")
	}
	if !req.Start.Before(req.End) {
		return "", model.NewInvalidRequestError("startはendより前である必要があります")
	}

	source := model.BookingSourceWeb
	if req.Source != "" {
		source = model.BookingSource(strings.ToLower(req.Source))
		if !source.Valid() {
			return "", model.NewInvalidRequestError(fmt.Sprintf("未対応のsourceです: %s", req.Source))
		}
	}
	return source, nil
}

func describe(p model.Patient, source model.BookingSource) string {
	lines := []string{"氏名: " + p.Name}
	if p.Email != "" {
		lines = append(lines, "メール: "+p.Email)
	}
	if p.Phone != "" {
		lines = append(lines, "電話: "+p.Phone)
	}
	lines = append(lines, "経路: "+string(source))
	return strings.Join(lines, "\n")
}

func (g *Gateway) withTimeout(ctx context.Context) (context.Context, context.CancelFunc) {
	if g.timeout <= 0 {
		return context.WithCancel(ctx)
	}
	return context.WithTimeout(ctx, g.timeout)
}
