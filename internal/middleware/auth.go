package middleware

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"strings"

	"github.com/golang-jwt/jwt/v5"

	"github.com/hitoshi/calbridge/internal/model"
)

type contextKey string

const serviceSubjectContextKey contextKey = "service_subject"

// ServiceSubjectFromContext はサービス間認証で検証したトークンのsubを返す。
func ServiceSubjectFromContext(ctx context.Context) (string, bool) {
	subject, ok := ctx.Value(serviceSubjectContextKey).(string)
	return subject, ok
}

// NewServiceAuthMiddleware はワークフローエンジン向けエンドポイントのサービス間認証ミドルウェアを返す。
// Authorization: Bearer のHS256署名JWTを共有シークレットで検証する。
// expがある場合は期限も検証する。失敗時は401を返す。
func NewServiceAuthMiddleware(secret string, logger *slog.Logger) func(next http.Handler) http.Handler {
	key := []byte(secret)
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			authHeader := r.Header.Get("Authorization")
			tokenString, found := strings.CutPrefix(authHeader, "Bearer ")
			if !found || tokenString == "" {
				WriteErrorResponse(w, r, model.NewUnauthorizedError())
				return
			}

			token, err := jwt.Parse(tokenString, func(token *jwt.Token) (any, error) {
				if _, ok := token.Method.(*jwt.SigningMethodHMAC); !ok {
					return nil, fmt.Errorf("unexpected signing method: %v", token.Header["alg"])
				}
				return key, nil
			}, jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}))
			if err != nil || !token.Valid {
				logger.Warn("サービス間認証に失敗しました",
					slog.String("path", r.URL.Path),
					slog.String("error", fmt.Sprint(err)),
				)
				WriteErrorResponse(w, r, model.NewUnauthorizedError())
				return
			}

			subject, _ := token.Claims.GetSubject()
			ctx := context.WithValue(r.Context(), serviceSubjectContextKey, subject)
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}
