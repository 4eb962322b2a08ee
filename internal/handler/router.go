package handler

import (
	"context"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"
	"github.com/hitoshi/calbridge/internal/metrics"
	"github.com/hitoshi/calbridge/internal/middleware"
	"github.com/prometheus/client_golang/prometheus"
)

// HealthChecker はDB疎通確認のためのインターフェース。*sql.DBが満たす。
type HealthChecker interface {
	PingContext(ctx context.Context) error
}

// RouterDeps はNewRouterに必要な依存関係をまとめた構造体。
type RouterDeps struct {
	// ミドルウェア依存
	CORSAllowedOrigins  []string
	RateLimiter         *middleware.RateLimiter
	AutomationJWTSecret string
	Logger              *slog.Logger

	// ヘルスチェック・メトリクス
	HealthChecker   HealthChecker
	MetricsGatherer prometheus.Gatherer

	// 連携ライフサイクル
	LinkingService LinkingServiceInterface

	// カレンダー
	CalendarService CalendarServiceInterface

	// 予約
	BookingService BookingServiceInterface

	// 状態集約・接続情報解決
	StatusService StatusServiceInterface
	TokenResolver TokenResolverInterface
}

// NewRouter は全APIエンドポイントのルーティングとミドルウェアチェーンを構成したchi.Routerを返す。
//
// ミドルウェアスタックの実行順序:
//
//	RequestID → RealIP → Recovery → Logging → SecurityHeaders → CORS
//
// Webhookは専用のレート制限、トークン解決はサービス認証を追加で適用する。
func NewRouter(deps *RouterDeps) http.Handler {
	logger := deps.Logger
	if logger == nil {
		logger = slog.Default()
	}

	r := chi.NewRouter()

	r.Use(chimw.RequestID)
	r.Use(chimw.RealIP)
	r.Use(middleware.NewRecoveryMiddleware(logger))
	r.Use(middleware.NewLoggingMiddleware(logger))
	r.Use(middleware.NewSecurityHeadersMiddleware())
	r.Use(middleware.NewCORSMiddleware(deps.CORSAllowedOrigins))

	integrationHandler := NewIntegrationHandler(deps.LinkingService, deps.TokenResolver, logger)
	calendarHandler := NewCalendarHandler(deps.CalendarService)
	bookingHandler := NewBookingHandler(deps.BookingService, logger)
	statusHandler := NewStatusHandler(deps.StatusService)

	// --- 運用エンドポイント ---
	r.Get("/health", healthHandler(deps.HealthChecker))
	if deps.MetricsGatherer != nil {
		r.Handle("/metrics", metrics.Handler(deps.MetricsGatherer))
	}

	// --- プロバイダーからのWebhook ---
	r.With(deps.RateLimiter.WebhookMiddleware()).
		Post("/integrations/unipile/notify", integrationHandler.Notify)

	// --- ワークフローエンジン向け ---
	r.With(
		deps.RateLimiter.GeneralMiddleware(),
		middleware.NewServiceAuthMiddleware(deps.AutomationJWTSecret, logger),
	).Post("/integrations/unipile/token-resolve", integrationHandler.TokenResolve)

	// --- ウィジェット・管理画面向け ---
	r.Group(func(r chi.Router) {
		r.Use(deps.RateLimiter.GeneralMiddleware())

		r.Route("/integrations", func(r chi.Router) {
			r.Post("/get-status", statusHandler.GetStatus)

			r.Route("/unipile", func(r chi.Router) {
				r.Post("/init", integrationHandler.Init)
				r.Post("/disconnect", integrationHandler.Disconnect)
				r.Post("/google/calendars/refresh", calendarHandler.Refresh)
				r.Post("/google/calendars/select", calendarHandler.Select)
			})
		})

		r.Post("/calendar/freebusy", calendarHandler.FreeBusy)
		r.Post("/bookings/create", bookingHandler.Create)
	})

	return r
}

// healthHandler はDB疎通を確認し、200または503を返す。
func healthHandler(checker HealthChecker) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if checker != nil {
			ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
			defer cancel()
			if err := checker.PingContext(ctx); err != nil {
				slog.Warn("ヘルスチェックでDB疎通に失敗", slog.String("error", err.Error()))
				writeJSON(w, http.StatusServiceUnavailable, map[string]string{"status": "unavailable"})
				return
			}
		}
		writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
	}
}
