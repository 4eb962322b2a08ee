// Package correlation はホスト型認証フローの往復で使う相関トークンを提供する。
//
// トークンはプロバイダーに連携名(name)として渡され、完了通知のWebhookでそのまま返ってくる。
// 非同期の往復で元のリクエストを特定できる唯一の手段のため、識別子に区切り文字が
// 含まれていても可逆にエンコードする。
package correlation

import (
	"errors"
	"fmt"
	"strings"

	"github.com/hitoshi/calbridge/internal/model"
)

const delimiter = ":"

// ErrMalformedLabel はラベルの形式が不正な場合に返される。
var ErrMalformedLabel = errors.New("malformed correlation label")

var (
	escaper   = strings.NewReplacer("%", "%25", ":", "%3A")
	unescaper = strings.NewReplacer("%3A", ":", "%25", "%")
)

// Token は(識別子, プロバイダー, 用途)の組を表す相関トークン。
type Token struct {
	UserIdentifier string
	Provider       model.Provider
	ProviderType   model.ProviderType

	// Legacy は区切り文字を含まない旧形式ラベルから復元されたことを示す。
	Legacy bool
}

// New はTokenを生成する。
func New(userIdentifier string, provider model.Provider, providerType model.ProviderType) Token {
	return Token{
		UserIdentifier: userIdentifier,
		Provider:       provider,
		ProviderType:   providerType,
	}
}

// Encode はトークンを "{id}:{PROVIDER}:{type}" 形式にエンコードする。
// 識別子中の "%" と ":" はエスケープする。
func (t Token) Encode() string {
	return escaper.Replace(t.UserIdentifier) + delimiter + string(t.Provider) + delimiter + string(t.ProviderType)
}

// String はEncodeと同じ。
func (t Token) String() string {
	return t.Encode()
}

// Parse はラベルをトークンに復元する。
// 区切り文字を含まないラベルは旧形式とみなし、全体を識別子、
// プロバイダーをGOOGLE、用途をcalendarとして扱う。
func Parse(label string) (Token, error) {
	if label == "" {
		return Token{}, fmt.Errorf("%w: empty label", ErrMalformedLabel)
	}

	if !strings.Contains(label, delimiter) {
		return Token{
			UserIdentifier: label,
			Provider:       model.ProviderGoogle,
			ProviderType:   model.ProviderTypeCalendar,
			Legacy:         true,
		}, nil
	}

	parts := strings.Split(label, delimiter)
	if len(parts) != 3 {
		return Token{}, fmt.Errorf("%w: expected 3 segments, got %d", ErrMalformedLabel, len(parts))
	}

	id := unescaper.Replace(parts[0])
	if id == "" {
		return Token{}, fmt.Errorf("%w: empty identifier", ErrMalformedLabel)
	}

	provider := model.Provider(strings.ToUpper(parts[1]))
	if !provider.Valid() {
		return Token{}, fmt.Errorf("%w: unknown provider %q", ErrMalformedLabel, parts[1])
	}

	providerType := model.ProviderType(strings.ToLower(parts[2]))
	if !providerType.Valid() {
		return Token{}, fmt.Errorf("%w: unknown provider type %q", ErrMalformedLabel, parts[2])
	}

	return Token{
		UserIdentifier: id,
		Provider:       provider,
		ProviderType:   providerType,
	}, nil
}
