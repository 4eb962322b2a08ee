// Package security はアプリケーションのセキュリティ機能を提供する。
//
// TextSanitizer は予約者が入力した文字列からマークアップを除去する。
// 除去後の文字列はカレンダーイベントのタイトルや説明として外部に送信される。
package security

import (
	"html"
	"strings"

	"github.com/microcosm-cc/bluemonday"
)

// TextSanitizer はbluemondayのStrictPolicyを保持し、スレッドセーフに処理する。
type TextSanitizer struct {
	policy *bluemonday.Policy
}

// NewTextSanitizer はTextSanitizerを生成する。
func NewTextSanitizer() *TextSanitizer {
	return &TextSanitizer{
		policy: bluemonday.StrictPolicy(),
	}
}

// SanitizeText は全てのタグを除去し、前後の空白を取り除いたテキストを返す。
// StrictPolicyがエスケープした実体参照はプレーンテキストとして戻す。
func (s *TextSanitizer) SanitizeText(raw string) string {
	if raw == "" {
		return ""
	}
	return strings.TrimSpace(html.UnescapeString(s.policy.Sanitize(raw)))
}
