// Package repository はデータ永続化のインターフェースを定義する。
package repository

import (
	"context"
	"errors"
	"time"

	"github.com/hitoshi/calbridge/internal/model"
)

var (
	// ErrForeignKeyViolation は参照先の行が存在しない場合に返される。
	// 厳格ストアでusersに存在しないUUIDを書き込もうとした場合など。
	ErrForeignKeyViolation = errors.New("foreign key violation")

	// ErrCalendarNotFound は指定したカレンダーが識別子配下に存在しない場合に返される。
	ErrCalendarNotFound = errors.New("calendar not found")
)

// LinkRepository は外部アカウント連携の永続化インターフェース。
// 厳格ストア（unipile_accounts）と寛容ストア（unipile_mappings）が同じ契約で実装する。
type LinkRepository interface {
	// FindConnected は(識別子, provider, provider_type)が完全一致するconnected行を返す。
	// 見つからない場合はnilを返す。
	FindConnected(ctx context.Context, userIdentifier string, provider model.Provider, providerType model.ProviderType) (*model.ExternalAccountLink, error)

	// FindConnectedByProvider は(識別子, provider)のconnected行を返す。
	// providerTypeが空でなければ、その型かprovider_typeがNULLのレガシー行に限る。
	// 複数ある場合は更新日時が新しいものを優先する。見つからない場合はnilを返す。
	FindConnectedByProvider(ctx context.Context, userIdentifier string, provider model.Provider, providerType model.ProviderType) (*model.ExternalAccountLink, error)

	// FindLatestByProvider は状態を問わず(識別子, provider)の最新行を返す。
	// providerTypeの絞り込みはFindConnectedByProviderと同じ。見つからない場合はnilを返す。
	FindLatestByProvider(ctx context.Context, userIdentifier string, provider model.Provider, providerType model.ProviderType) (*model.ExternalAccountLink, error)

	// Upsert は(識別子, provider, provider_type)をキーに冪等に作成・更新する。
	// 既存行のemailは新しい値が空の場合は維持する。
	Upsert(ctx context.Context, link *model.ExternalAccountLink) (*model.ExternalAccountLink, error)

	// UpdateStatus は該当行の状態を更新し、更新件数を返す。
	// provider_typeがNULLのレガシー行も対象にする。
	UpdateStatus(ctx context.Context, userIdentifier string, provider model.Provider, providerType model.ProviderType, status model.LinkStatus) (int64, error)

	// UpdateEmail は外部アカウントIDに紐づく行のemailを更新し、更新件数を返す。
	UpdateEmail(ctx context.Context, externalAccountID, email string) (int64, error)

	// Delete は該当行を削除し、削除件数を返す。
	Delete(ctx context.Context, userIdentifier string, provider model.Provider, providerType model.ProviderType) (int64, error)
}

// MappingRepository は寛容ストア固有の操作を含む連携リポジトリ。
type MappingRepository interface {
	LinkRepository

	// Rekey はfrom識別子のconnected行をto識別子に付け替え、更新件数を返す。
	// to側に同じ(provider, provider_type)の行が既にある場合は付け替えない。
	Rekey(ctx context.Context, from, to string, provider model.Provider) (int64, error)
}

// CalendarRepository はカレンダー一覧の永続化インターフェース。
type CalendarRepository interface {
	// ListByUser は識別子配下のカレンダーを返す。
	ListByUser(ctx context.Context, userIdentifier string) ([]model.CalendarDescriptor, error)

	// Merge はcalendar_idをキーに一覧を同一トランザクションで差し替える。
	// 一覧にないカレンダーは削除し、残るカレンダーのis_selectedは維持する。
	Merge(ctx context.Context, userIdentifier string, calendars []model.CalendarDescriptor) ([]model.CalendarDescriptor, error)

	// Select は指定カレンダーを選択状態にし、他の選択を同一トランザクションで解除する。
	// 対象が存在しない場合はErrCalendarNotFoundを返す。
	Select(ctx context.Context, userIdentifier, calendarID string) (*model.CalendarDescriptor, error)

	// FindSelected は選択中のカレンダーを返す。未選択の場合はnilを返す。
	FindSelected(ctx context.Context, userIdentifier string) (*model.CalendarDescriptor, error)

	// DeleteByUser は識別子配下のカレンダーをすべて削除する。
	DeleteByUser(ctx context.Context, userIdentifier string) error
}

// BookingRepository は予約の永続化インターフェース。
type BookingRepository interface {
	// Create は予約を作成する。
	Create(ctx context.Context, booking *model.Booking) error
}

// WebhookEventRepository はWebhook監査記録の永続化インターフェース。
type WebhookEventRepository interface {
	// Create は監査記録を1件作成する。
	Create(ctx context.Context, event *model.WebhookEvent) error

	// DeleteOlderThan は指定時刻より古い監査記録を削除し、削除件数を返す。
	DeleteOlderThan(ctx context.Context, before time.Time) (int64, error)
}
