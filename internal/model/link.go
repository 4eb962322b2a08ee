package model

import "time"

// Provider は外部アカウント集約プロバイダー上の接続先サービスを表す。
type Provider string

const (
	ProviderGoogle    Provider = "GOOGLE"
	ProviderMicrosoft Provider = "MICROSOFT"
	ProviderIMAP      Provider = "IMAP"
	ProviderWhatsApp  Provider = "WHATSAPP"
	ProviderLinkedIn  Provider = "LINKEDIN"
	ProviderInstagram Provider = "INSTAGRAM"
	ProviderMessenger Provider = "MESSENGER"
	ProviderTwitter   Provider = "TWITTER"
	ProviderTelegram  Provider = "TELEGRAM"
)

// Valid は定義済みのプロバイダーかどうかを返す。
func (p Provider) Valid() bool {
	switch p {
	case ProviderGoogle, ProviderMicrosoft, ProviderIMAP, ProviderWhatsApp, ProviderLinkedIn,
		ProviderInstagram, ProviderMessenger, ProviderTwitter, ProviderTelegram:
		return true
	}
	return false
}

// ProviderType は連携の用途を表す。
type ProviderType string

const (
	ProviderTypeCalendar  ProviderType = "calendar"
	ProviderTypeEmail     ProviderType = "email"
	ProviderTypeMessaging ProviderType = "messaging"
)

// Valid は定義済みの用途かどうかを返す。
func (t ProviderType) Valid() bool {
	switch t {
	case ProviderTypeCalendar, ProviderTypeEmail, ProviderTypeMessaging:
		return true
	}
	return false
}

// LinkStatus は外部アカウント連携の状態を表す。
type LinkStatus string

const (
	// LinkStatusConnected は連携済み。
	LinkStatusConnected LinkStatus = "connected"
	// LinkStatusDisconnected は連携失敗または切断済み。
	LinkStatusDisconnected LinkStatus = "disconnected"
	// LinkStatusCredentialsError は認証情報の期限切れ。再連携が必要。
	LinkStatusCredentialsError LinkStatus = "credentials_error"
)

// ExternalAccountLink は内部識別子と外部プロバイダーアカウントの紐付けを表す。
// UserIdentifierは認証済みユーザーのUUIDのほか、セッション文字列やメールアドレスの場合もある。
// ProviderTypeが空の場合はprovider_type列追加前に作られたレガシー行。
type ExternalAccountLink struct {
	ID                string
	UserIdentifier    string
	Provider          Provider
	ProviderType      ProviderType
	ExternalAccountID string
	Status            LinkStatus
	Email             string
	CreatedAt         time.Time
	UpdatedAt         time.Time
}

// Connected は連携済み状態かどうかを返す。
func (l *ExternalAccountLink) Connected() bool {
	return l != nil && l.Status == LinkStatusConnected
}

// ServesType は連携が指定した用途に使えるかを返す。
// provider_typeが空のレガシー行はどの用途にも使える。
func (l *ExternalAccountLink) ServesType(pt ProviderType) bool {
	return l != nil && (l.ProviderType == "" || pt == "" || l.ProviderType == pt)
}

// WebhookOutcome はWebhook処理結果の分類。
type WebhookOutcome string

const (
	WebhookOutcomeApplied WebhookOutcome = "applied"
	WebhookOutcomeIgnored WebhookOutcome = "ignored"
	WebhookOutcomeFailed  WebhookOutcome = "failed"
)

// WebhookEvent はプロバイダーから受信したWebhook 1件の監査記録。
// Webhookは常に200で応答するため、内部失敗の追跡はこの記録と構造化ログで行う。
type WebhookEvent struct {
	ID                string
	Status            string
	ExternalAccountID string
	Label             string
	UserIdentifier    string
	Provider          Provider
	ProviderType      ProviderType
	Outcome           WebhookOutcome
	ErrorMessage      string
	ReceivedAt        time.Time
}
