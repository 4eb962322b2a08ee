package model

import "time"

// CalendarDescriptor は連携アカウント配下の選択可能なカレンダー1件を表す。
// 識別子ごとにIsSelectedがtrueの行は高々1件。
type CalendarDescriptor struct {
	ID             string
	UserIdentifier string
	CalendarID     string
	DisplayName    string
	IsPrimary      bool
	IsSelected     bool
	AccessRole     string
	TimeZone       string
	CreatedAt      time.Time
	UpdatedAt      time.Time
}

// BookingSource は予約の流入元チャネル。
type BookingSource string

const (
	BookingSourceWeb       BookingSource = "web"
	BookingSourceSMS       BookingSource = "sms"
	BookingSourceFacebook  BookingSource = "facebook"
	BookingSourceInstagram BookingSource = "instagram"
)

// Valid は定義済みの流入元かどうかを返す。
func (s BookingSource) Valid() bool {
	switch s {
	case BookingSourceWeb, BookingSourceSMS, BookingSourceFacebook, BookingSourceInstagram:
		return true
	}
	return false
}

// BookingStatus は予約の状態。
type BookingStatus string

const (
	BookingStatusConfirmed   BookingStatus = "confirmed"
	BookingStatusCancelled   BookingStatus = "cancelled"
	BookingStatusRescheduled BookingStatus = "rescheduled"
)

// Patient は予約者の連絡先情報。
type Patient struct {
	Name  string
	Email string
	Phone string
}

// Booking は予約ゲートウェイ経由で作成された予約1件を表す。
// ExternalEventIDが正であり、ローカル行が存在しない外部イベントもあり得る。
type Booking struct {
	ID              string
	UserIdentifier  string
	CalendarID      string
	ExternalEventID string
	StartTime       time.Time
	EndTime         time.Time
	Patient         Patient
	Source          BookingSource
	Status          BookingStatus
	CreatedAt       time.Time
}
