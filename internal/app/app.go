package app

import (
	"context"
	"database/sql"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"golang.org/x/time/rate"

	"github.com/hitoshi/calbridge/internal/booking"
	"github.com/hitoshi/calbridge/internal/calendar"
	"github.com/hitoshi/calbridge/internal/config"
	"github.com/hitoshi/calbridge/internal/database"
	"github.com/hitoshi/calbridge/internal/handler"
	"github.com/hitoshi/calbridge/internal/identity"
	"github.com/hitoshi/calbridge/internal/linking"
	"github.com/hitoshi/calbridge/internal/logger"
	"github.com/hitoshi/calbridge/internal/metrics"
	"github.com/hitoshi/calbridge/internal/middleware"
	"github.com/hitoshi/calbridge/internal/repository"
	"github.com/hitoshi/calbridge/internal/security"
	"github.com/hitoshi/calbridge/internal/status"
	"github.com/hitoshi/calbridge/internal/unipile"
	"github.com/hitoshi/calbridge/internal/worker/backfill"
	"github.com/hitoshi/calbridge/internal/worker/cleanup"
)

// Init はアプリケーションの初期化を行う。
// 環境変数からConfigを読み込み、JSON構造化ログをセットアップする。
// writerが指定された場合はログ出力先としてそのwriterを使用する。
func Init(w io.Writer) (*config.Config, error) {
	// 1. ログの初期化（設定読み込み前にログを使えるようにする）
	logger.SetupDefault(w)

	// 2. 環境変数から設定を読み込む
	cfg, err := config.Load()
	if err != nil {
		return nil, fmt.Errorf("failed to load config: %w", err)
	}

	return cfg, nil
}

// Run はアプリケーションのメインエントリーポイント。
// コマンドライン引数からサブコマンドを解析し、対応するモードで起動する。
// argsにはos.Args[1:]を渡す。
func Run(w io.Writer, args []string) error {
	cmd, err := ParseCommand(args)
	if err != nil {
		return err
	}

	// healthcheck は軽量サブコマンドのため、フル初期化をスキップする
	if cmd == CommandHealthcheck {
		port := os.Getenv("SERVER_PORT")
		if port == "" {
			port = "8080"
		}
		return runHealthcheck(port)
	}

	cfg, err := Init(w)
	if err != nil {
		return fmt.Errorf("initialization failed: %w", err)
	}

	slog.Info("アプリケーションを起動します",
		slog.String("command", string(cmd)),
		slog.String("port", cfg.ServerPort),
		slog.String("base_url", cfg.BaseURL),
	)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	switch cmd {
	case CommandWorker:
		return runWorker(ctx, cfg)
	case CommandMigrate:
		return runMigrate(cfg)
	default:
		return runServe(ctx, cfg)
	}
}

// openDatabase はDB接続を開き、疎通を確認する。
func openDatabase(cfg *config.Config) (*sql.DB, error) {
	db, err := database.Open(cfg.DatabaseURL, database.PoolConfig{
		MaxOpenConns:    20,
		MaxIdleConns:    5,
		ConnMaxLifetime: 30 * time.Minute,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	if err := database.Ping(db, 5*time.Second); err != nil {
		db.Close()
		return nil, err
	}
	slog.Info("データベースに接続しました")
	return db, nil
}

// rateLimiterConfig はreq/min単位の設定をreq/secのリミッター設定に変換する。
func rateLimiterConfig(cfg *config.Config) middleware.RateLimiterConfig {
	rl := middleware.DefaultRateLimiterConfig()
	if cfg.RateLimitGeneral > 0 {
		rl.GeneralRate = rate.Limit(float64(cfg.RateLimitGeneral) / 60.0)
		rl.GeneralBurst = cfg.RateLimitGeneral
	}
	if cfg.RateLimitWebhook > 0 {
		rl.WebhookRate = rate.Limit(float64(cfg.RateLimitWebhook) / 60.0)
		rl.WebhookBurst = cfg.RateLimitWebhook
	}
	return rl
}

// newMetricsRegistry はアプリケーションとランタイムのメトリクスを登録したレジストリを返す。
func newMetricsRegistry() (*prometheus.Registry, *metrics.Collector) {
	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	return reg, metrics.NewCollector(reg)
}

// runServe はAPIサーバーモードで起動する。
// DB接続を開き、全依存関係をワイヤリングし、HTTPサーバーを起動する。
// SIGINTまたはSIGTERMシグナルを受信するとグレースフルシャットダウンを行う。
func runServe(ctx context.Context, cfg *config.Config) error {
	// 1. DB接続
	db, err := openDatabase(cfg)
	if err != nil {
		return err
	}
	defer db.Close()

	log := slog.Default()
	reg, collector := newMetricsRegistry()

	// 2. リポジトリの初期化
	accountRepo := repository.NewPostgresAccountRepo(db)
	mappingRepo := repository.NewPostgresMappingRepo(db)
	calendarRepo := repository.NewPostgresCalendarRepo(db)
	bookingRepo := repository.NewPostgresBookingRepo(db)
	webhookEventRepo := repository.NewPostgresWebhookEventRepo(db)

	// 3. セキュリティ・外部クライアントの初期化
	guard := security.NewURLGuard()
	httpClient := guard.NewProviderClient(cfg.UpstreamTimeout, security.ProviderPort(cfg.UnipileDSN))
	client := unipile.NewClient(httpClient, cfg.UnipileDSN, cfg.UnipileAPIKey, collector, log)

	// 4. ドメインサービスの初期化
	store := identity.NewLinkStore(accountRepo, mappingRepo, log)
	resolver := identity.NewResolver(store, collector, log)

	backfiller := backfill.NewBackfiller(
		client, store, collector, log,
		cfg.BackfillWorkers, cfg.BackfillQueueSize, cfg.UpstreamTimeout,
	)
	backfiller.Start(ctx)
	go drainBackfillFailures(ctx, backfiller, log)

	catalog := calendar.NewCatalog(client, resolver, calendarRepo, cfg.UpstreamTimeout, log)
	gateway := booking.NewGateway(catalog, client, bookingRepo, security.NewTextSanitizer(), collector, cfg.UpstreamTimeout, log)
	aggregator := status.NewAggregator(resolver, catalog, backfiller, status.Config{
		APIKey: cfg.UnipileAPIKey,
		DSN:    cfg.UnipileDSN,
	}, log)
	linkingService := linking.NewService(
		client, store, resolver, calendarRepo, backfiller, guard,
		webhookEventRepo, collector, log,
		linking.Config{NotifyURL: cfg.NotifyURL(), HostedAuthTTL: cfg.HostedAuthTTL},
	)

	// 5. ルーターの構築
	rateLimiter := middleware.NewRateLimiter(rateLimiterConfig(cfg), log)
	defer rateLimiter.Stop()

	router := handler.NewRouter(&handler.RouterDeps{
		CORSAllowedOrigins:  cfg.CORSAllowedOrigins,
		RateLimiter:         rateLimiter,
		AutomationJWTSecret: cfg.AutomationJWTSecret,
		Logger:              log,
		HealthChecker:       db,
		MetricsGatherer:     reg,
		LinkingService:      linkingService,
		CalendarService:     catalog,
		BookingService:      gateway,
		StatusService:       aggregator,
		TokenResolver:       aggregator,
	})

	// 6. HTTPサーバーの起動
	server := &http.Server{
		Addr:         ":" + cfg.ServerPort,
		Handler:      router,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15*time.Second + cfg.UpstreamTimeout*2,
		IdleTimeout:  60 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		slog.Info("APIサーバーを起動しました", slog.String("addr", server.Addr))
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errCh <- err
		}
	}()

	select {
	case <-ctx.Done():
	case err := <-errCh:
		return fmt.Errorf("server listen error: %w", err)
	}
	slog.Info("APIサーバーを停止しています...")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if err := server.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("server shutdown failed: %w", err)
	}
	backfiller.Wait()

	slog.Info("APIサーバーを正常に停止しました")
	return nil
}

// drainBackfillFailures はメールアドレス補完の失敗通知を受け取り、記録する。
func drainBackfillFailures(ctx context.Context, b *backfill.Backfiller, log *slog.Logger) {
	for {
		select {
		case <-ctx.Done():
			return
		case f := <-b.Failures():
			log.Debug("メールアドレス補完の失敗を受信しました",
				slog.String("account_id", f.Job.ExternalAccountID),
				slog.Time("failed_at", f.At),
			)
		}
	}
}

// runWorker はワーカーモードで起動する。
// DB接続を開き、監査ログのクリーンアップをcronスケジュールで実行する。
// SIGINTまたはSIGTERMシグナルを受信するとシャットダウンする。
func runWorker(ctx context.Context, cfg *config.Config) error {
	db, err := openDatabase(cfg)
	if err != nil {
		return err
	}
	defer db.Close()

	log := slog.Default()
	cleanupJob := cleanup.NewCleanupJob(
		repository.NewPostgresWebhookEventRepo(db),
		cfg.WebhookEventRetentionDays,
		log,
	)

	scheduler := cleanup.NewScheduler(log)
	if err := scheduler.Add(ctx, cfg.CleanupSchedule, "webhook_events_retention", cleanupJob); err != nil {
		return err
	}

	// 起動直後に1回実行
	if err := cleanupJob.Run(ctx); err != nil {
		slog.Error("クリーンアップジョブが失敗しました", slog.String("error", err.Error()))
	}

	scheduler.Start()
	slog.Info("ワーカーを起動しました",
		slog.String("cleanup_schedule", cfg.CleanupSchedule),
		slog.Int("retention_days", cfg.WebhookEventRetentionDays),
	)

	<-ctx.Done()
	slog.Info("ワーカーを停止しています...")
	scheduler.Stop()

	slog.Info("ワーカーを正常に停止しました")
	return nil
}

// runMigrate はデータベースマイグレーションを実行する。
// すべての未適用マイグレーションを順番に適用する。
func runMigrate(cfg *config.Config) error {
	slog.Info("マイグレーションを実行します",
		slog.String("database_url", maskDatabaseURL(cfg.DatabaseURL)),
	)

	version, err := database.RunMigrations(cfg.DatabaseURL)
	if err != nil {
		return fmt.Errorf("migration failed: %w", err)
	}

	slog.Info("マイグレーションが完了しました", slog.Uint64("version", uint64(version)))
	return nil
}

// runHealthcheck はヘルスチェックを実行する。
// distroless環境でのDockerヘルスチェック用サブコマンド。
// /health エンドポイントにHTTPリクエストを送り、結果を返す。
func runHealthcheck(port string) error {
	url := fmt.Sprintf("http://localhost:%s/health", port)
	client := &http.Client{Timeout: 5 * time.Second}

	resp, err := client.Get(url)
	if err != nil {
		return fmt.Errorf("health check failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("health check returned status %d", resp.StatusCode)
	}

	return nil
}

// maskDatabaseURL はデータベースURLの認証情報をマスクする。
func maskDatabaseURL(url string) string {
	if len(url) > 20 {
		return url[:12] + "***@..."
	}
	return "***"
}
