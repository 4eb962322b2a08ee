// Package repotest はテスト用のインメモリリポジトリ実装を提供する。
// PostgreSQLの制約（一意キー、外部キー、選択中カレンダーの一意性）を同じ意味で再現する。
package repotest

import (
	"context"
	"sort"
	"strconv"
	"sync"
	"time"

	"github.com/hitoshi/calbridge/internal/model"
	"github.com/hitoshi/calbridge/internal/repository"
)

type linkKey struct {
	id           string
	provider     model.Provider
	providerType model.ProviderType
}

// LinkRepo は連携テーブルのインメモリ実装。
// KnownUsersがnilでない場合は厳格ストアとして振る舞い、
// 未知の識別子への書き込みをErrForeignKeyViolationにする。
type LinkRepo struct {
	mu         sync.Mutex
	rows       map[linkKey]*model.ExternalAccountLink
	seq        int
	clock      int64
	KnownUsers map[string]bool
}

// NewLinkRepo は寛容ストア相当のLinkRepoを生成する。
func NewLinkRepo() *LinkRepo {
	return &LinkRepo{rows: make(map[linkKey]*model.ExternalAccountLink)}
}

// NewStrictLinkRepo は指定ユーザーのみ書き込める厳格ストア相当のLinkRepoを生成する。
func NewStrictLinkRepo(users ...string) *LinkRepo {
	r := NewLinkRepo()
	r.KnownUsers = make(map[string]bool)
	for _, u := range users {
		r.KnownUsers[u] = true
	}
	return r
}

// Put は行を直接書き込む。レガシー行（provider_typeが空）の準備に使う。
func (r *LinkRepo) Put(link model.ExternalAccountLink) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.put(&link)
}

// All は全行のコピーを返す。
func (r *LinkRepo) All() []model.ExternalAccountLink {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]model.ExternalAccountLink, 0, len(r.rows))
	for _, l := range r.rows {
		out = append(out, *l)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

func (r *LinkRepo) put(link *model.ExternalAccountLink) {
	r.seq++
	r.clock++
	if link.ID == "" {
		link.ID = "link-" + strconv.Itoa(r.seq)
	}
	ts := time.Unix(r.clock, 0).UTC()
	if link.CreatedAt.IsZero() {
		link.CreatedAt = ts
	}
	link.UpdatedAt = ts
	r.rows[linkKey{link.UserIdentifier, link.Provider, link.ProviderType}] = link
}

func (r *LinkRepo) FindConnected(_ context.Context, id string, provider model.Provider, providerType model.ProviderType) (*model.ExternalAccountLink, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	l, ok := r.rows[linkKey{id, provider, providerType}]
	if !ok || l.Status != model.LinkStatusConnected {
		return nil, nil
	}
	c := *l
	return &c, nil
}

func (r *LinkRepo) FindConnectedByProvider(_ context.Context, id string, provider model.Provider, providerType model.ProviderType) (*model.ExternalAccountLink, error) {
	return r.latest(id, provider, providerType, true), nil
}

func (r *LinkRepo) FindLatestByProvider(_ context.Context, id string, provider model.Provider, providerType model.ProviderType) (*model.ExternalAccountLink, error) {
	return r.latest(id, provider, providerType, false), nil
}

func (r *LinkRepo) latest(id string, provider model.Provider, providerType model.ProviderType, connectedOnly bool) *model.ExternalAccountLink {
	r.mu.Lock()
	defer r.mu.Unlock()
	var found *model.ExternalAccountLink
	for k, l := range r.rows {
		if k.id != id || k.provider != provider || !l.ServesType(providerType) {
			continue
		}
		if connectedOnly && l.Status != model.LinkStatusConnected {
			continue
		}
		if found == nil || l.UpdatedAt.After(found.UpdatedAt) {
			found = l
		}
	}
	if found == nil {
		return nil
	}
	c := *found
	return &c
}

func (r *LinkRepo) Upsert(_ context.Context, link *model.ExternalAccountLink) (*model.ExternalAccountLink, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.KnownUsers != nil && !r.KnownUsers[link.UserIdentifier] {
		return nil, repository.ErrForeignKeyViolation
	}

	key := linkKey{link.UserIdentifier, link.Provider, link.ProviderType}
	if existing, ok := r.rows[key]; ok {
		existing.ExternalAccountID = link.ExternalAccountID
		existing.Status = link.Status
		if link.Email != "" {
			existing.Email = link.Email
		}
		r.clock++
		existing.UpdatedAt = time.Unix(r.clock, 0).UTC()
		c := *existing
		return &c, nil
	}

	row := *link
	row.ID = ""
	r.put(&row)
	c := row
	return &c, nil
}

func (r *LinkRepo) UpdateStatus(_ context.Context, id string, provider model.Provider, providerType model.ProviderType, status model.LinkStatus) (int64, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var n int64
	for k, l := range r.rows {
		if k.id != id || k.provider != provider || (k.providerType != providerType && k.providerType != "") {
			continue
		}
		l.Status = status
		r.clock++
		l.UpdatedAt = time.Unix(r.clock, 0).UTC()
		n++
	}
	return n, nil
}

func (r *LinkRepo) UpdateEmail(_ context.Context, accountID, email string) (int64, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var n int64
	for _, l := range r.rows {
		if l.ExternalAccountID == accountID {
			l.Email = email
			n++
		}
	}
	return n, nil
}

func (r *LinkRepo) Delete(_ context.Context, id string, provider model.Provider, providerType model.ProviderType) (int64, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var n int64
	for k := range r.rows {
		if k.id == id && k.provider == provider && (k.providerType == providerType || k.providerType == "") {
			delete(r.rows, k)
			n++
		}
	}
	return n, nil
}

func (r *LinkRepo) Rekey(_ context.Context, from, to string, provider model.Provider) (int64, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var n int64
	for k, l := range r.rows {
		if k.id != from || k.provider != provider || l.Status != model.LinkStatusConnected {
			continue
		}
		target := linkKey{to, k.provider, k.providerType}
		if _, exists := r.rows[target]; exists {
			continue
		}
		delete(r.rows, k)
		l.UserIdentifier = to
		r.clock++
		l.UpdatedAt = time.Unix(r.clock, 0).UTC()
		r.rows[target] = l
		n++
	}
	return n, nil
}

// CalendarRepo はカレンダーテーブルのインメモリ実装。
type CalendarRepo struct {
	mu   sync.Mutex
	rows map[string][]model.CalendarDescriptor
}

// NewCalendarRepo はCalendarRepoを生成する。
func NewCalendarRepo() *CalendarRepo {
	return &CalendarRepo{rows: make(map[string][]model.CalendarDescriptor)}
}

func (r *CalendarRepo) ListByUser(_ context.Context, id string) ([]model.CalendarDescriptor, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return sortedCopy(r.rows[id]), nil
}

func (r *CalendarRepo) Merge(_ context.Context, id string, calendars []model.CalendarDescriptor) ([]model.CalendarDescriptor, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	selected := make(map[string]bool)
	for _, c := range r.rows[id] {
		if c.IsSelected {
			selected[c.CalendarID] = true
		}
	}

	merged := make([]model.CalendarDescriptor, 0, len(calendars))
	for _, c := range calendars {
		c.UserIdentifier = id
		c.IsSelected = selected[c.CalendarID]
		if c.ID == "" {
			c.ID = id + "/" + c.CalendarID
		}
		merged = append(merged, c)
	}
	r.rows[id] = merged
	return sortedCopy(merged), nil
}

func (r *CalendarRepo) Select(_ context.Context, id, calendarID string) (*model.CalendarDescriptor, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	rows := r.rows[id]
	idx := -1
	for i := range rows {
		if rows[i].CalendarID == calendarID {
			idx = i
		}
	}
	if idx < 0 {
		return nil, repository.ErrCalendarNotFound
	}
	for i := range rows {
		rows[i].IsSelected = i == idx
	}
	c := rows[idx]
	return &c, nil
}

func (r *CalendarRepo) FindSelected(_ context.Context, id string) (*model.CalendarDescriptor, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, c := range r.rows[id] {
		if c.IsSelected {
			cc := c
			return &cc, nil
		}
	}
	return nil, nil
}

func (r *CalendarRepo) DeleteByUser(_ context.Context, id string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.rows, id)
	return nil
}

func sortedCopy(in []model.CalendarDescriptor) []model.CalendarDescriptor {
	out := append([]model.CalendarDescriptor(nil), in...)
	sort.SliceStable(out, func(i, j int) bool {
		if out[i].IsPrimary != out[j].IsPrimary {
			return out[i].IsPrimary
		}
		return out[i].DisplayName < out[j].DisplayName
	})
	return out
}

// BookingRepo は予約テーブルのインメモリ実装。
// CreateErrを設定するとCreateがそのエラーを返す。
type BookingRepo struct {
	mu        sync.Mutex
	rows      []model.Booking
	CreateErr error
}

// NewBookingRepo はBookingRepoを生成する。
func NewBookingRepo() *BookingRepo {
	return &BookingRepo{}
}

func (r *BookingRepo) Create(_ context.Context, b *model.Booking) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.CreateErr != nil {
		return r.CreateErr
	}
	if b.ID == "" {
		b.ID = "booking-" + strconv.Itoa(len(r.rows)+1)
	}
	r.rows = append(r.rows, *b)
	return nil
}

// All は保存済みの予約のコピーを返す。
func (r *BookingRepo) All() []model.Booking {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]model.Booking(nil), r.rows...)
}

// Len は保存済みの予約件数を返す。
func (r *BookingRepo) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.rows)
}

// WebhookEventRepo はWebhook監査記録のインメモリ実装。
type WebhookEventRepo struct {
	mu     sync.Mutex
	events []model.WebhookEvent
}

// NewWebhookEventRepo はWebhookEventRepoを生成する。
func NewWebhookEventRepo() *WebhookEventRepo {
	return &WebhookEventRepo{}
}

func (r *WebhookEventRepo) Create(_ context.Context, e *model.WebhookEvent) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if e.ReceivedAt.IsZero() {
		e.ReceivedAt = time.Now().UTC()
	}
	r.events = append(r.events, *e)
	return nil
}

func (r *WebhookEventRepo) DeleteOlderThan(_ context.Context, before time.Time) (int64, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	kept := r.events[:0]
	var n int64
	for _, e := range r.events {
		if e.ReceivedAt.Before(before) {
			n++
			continue
		}
		kept = append(kept, e)
	}
	r.events = kept
	return n, nil
}

// Events は記録済みの監査記録のコピーを返す。
func (r *WebhookEventRepo) Events() []model.WebhookEvent {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]model.WebhookEvent(nil), r.events...)
}

// compile-time interface check
var (
	_ repository.MappingRepository      = (*LinkRepo)(nil)
	_ repository.CalendarRepository     = (*CalendarRepo)(nil)
	_ repository.BookingRepository      = (*BookingRepo)(nil)
	_ repository.WebhookEventRepository = (*WebhookEventRepo)(nil)
)
