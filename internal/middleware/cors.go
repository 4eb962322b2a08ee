package middleware

import (
	"net/http"

	"github.com/go-chi/cors"
)

// NewCORSMiddleware は埋め込みウィジェットの配信元に対するCORSミドルウェアを返す。
// allowedOriginsが空または"*"のみの場合は全オリジンを許可し、credentialsは送信させない。
// OPTIONSプリフライトリクエストには後続ハンドラーを呼ばずに応答する。
func NewCORSMiddleware(allowedOrigins []string) func(next http.Handler) http.Handler {
	wildcard := len(allowedOrigins) == 0 || (len(allowedOrigins) == 1 && allowedOrigins[0] == "*")
	if wildcard {
		allowedOrigins = []string{"*"}
	}
	return cors.Handler(cors.Options{
		AllowedOrigins:   allowedOrigins,
		AllowedMethods:   []string{http.MethodGet, http.MethodPost, http.MethodOptions},
		AllowedHeaders:   []string{"Accept", "Authorization", "Content-Type", "X-Request-Id"},
		ExposedHeaders:   []string{"X-Request-Id", "Retry-After"},
		AllowCredentials: !wildcard,
		MaxAge:           86400,
	})
}
