// Package model はドメインモデルを定義する。
package model

import "fmt"

// APIError は統一エラーフォーマットを表す。
// UIに表示する原因カテゴリと対処方法を含む。
// プロバイダー由来の生のエラー本文は含めず、ログのみに記録する。
type APIError struct {
	Code     string // エラーコード
	Message  string // エラーメッセージ
	Category string // カテゴリ: validation, integration, upstream, booking, system
	Action   string // ユーザー向け対処方法
}

// Error はerrorインターフェースを実装する。
func (e *APIError) Error() string {
	return fmt.Sprintf("[%s] %s", e.Code, e.Message)
}

// 定義済みエラーコード
const (
	ErrCodeInvalidRequest      = "INVALID_REQUEST"
	ErrCodeUpstreamUnavailable = "UPSTREAM_UNAVAILABLE"
	ErrCodeAccountNotConnected = "ACCOUNT_NOT_CONNECTED"
	ErrCodeBookingCreateFailed = "BOOKING_CREATE_FAILED"
	ErrCodePartialSuccess      = "PARTIAL_SUCCESS"
	ErrCodeCalendarNotFound    = "CALENDAR_NOT_FOUND"
	ErrCodeUnauthorized        = "UNAUTHORIZED"
	ErrCodeRateLimited         = "RATE_LIMITED"
	ErrCodeInternal            = "INTERNAL_ERROR"
)

// NewInvalidRequestError は入力不備エラーを生成する。
func NewInvalidRequestError(reason string) *APIError {
	return &APIError{
		Code:     ErrCodeInvalidRequest,
		Message:  fmt.Sprintf("リクエストが不正です: %s", reason),
		Category: "validation",
		Action:   "入力内容を確認して再度お試しください。",
	}
}

// NewUpstreamUnavailableError は外部プロバイダー呼び出し失敗エラーを生成する。
// 呼び出し元での再試行を想定し、プロバイダーのエラー本文は含めない。
func NewUpstreamUnavailableError() *APIError {
	return &APIError{
		Code:     ErrCodeUpstreamUnavailable,
		Message:  "外部サービスとの通信に失敗しました。",
		Category: "upstream",
		Action:   "しばらく待ってから再度お試しください。",
	}
}

// NewAccountNotConnectedError はアカウント未連携エラーを生成する。
func NewAccountNotConnectedError() *APIError {
	return &APIError{
		Code:     ErrCodeAccountNotConnected,
		Message:  "連携済みのアカウントが見つかりません。",
		Category: "integration",
		Action:   "設定画面からアカウントを連携してください。",
	}
}

// NewBookingCreateFailedError は外部カレンダーへの予約作成失敗エラーを生成する。
// この場合ローカルの予約行は作成されない。
func NewBookingCreateFailedError() *APIError {
	return &APIError{
		Code:     ErrCodeBookingCreateFailed,
		Message:  "カレンダーへの予約登録に失敗しました。",
		Category: "booking",
		Action:   "時間帯とカレンダーの設定を確認して再度お試しください。",
	}
}

// NewPartialSuccessError は外部予約は作成済みだがローカル記録に失敗した状態を表す。
// 失敗として扱わず、予約成功レスポンスの警告として返す。
func NewPartialSuccessError() *APIError {
	return &APIError{
		Code:     ErrCodePartialSuccess,
		Message:  "予約はカレンダーに登録されましたが、予約履歴の保存に失敗しました。",
		Category: "booking",
		Action:   "予約は有効です。履歴の再同期が必要な場合は管理者に連絡してください。",
	}
}

// NewCalendarNotFoundError は指定カレンダーが見つからない場合のエラーを生成する。
func NewCalendarNotFoundError(calendarID string) *APIError {
	return &APIError{
		Code:     ErrCodeCalendarNotFound,
		Message:  fmt.Sprintf("指定されたカレンダーが見つかりません: %s", calendarID),
		Category: "integration",
		Action:   "カレンダー一覧を更新してから選択し直してください。",
	}
}

// NewUnauthorizedError はサービス間認証の失敗エラーを生成する。
func NewUnauthorizedError() *APIError {
	return &APIError{
		Code:     ErrCodeUnauthorized,
		Message:  "認証が必要です。",
		Category: "auth",
		Action:   "有効なトークンを指定してください。",
	}
}

// NewRateLimitedError はレート制限超過エラーを生成する。
func NewRateLimitedError() *APIError {
	return &APIError{
		Code:     ErrCodeRateLimited,
		Message:  "リクエストが多すぎます。",
		Category: "system",
		Action:   "Retry-Afterの秒数だけ待ってから再度お試しください。",
	}
}

// NewInternalError は内部エラーを生成する。詳細はログのみに記録する。
func NewInternalError() *APIError {
	return &APIError{
		Code:     ErrCodeInternal,
		Message:  "内部エラーが発生しました。",
		Category: "system",
		Action:   "しばらく待ってから再度お試しください。",
	}
}
