// Package backfill は連携アカウントのメールアドレス補完ジョブを提供する。
// Webhook受信後にプロバイダーからアカウント情報を取得し、連携行のemailを埋める。
// Webhookの応答を遅らせないよう、キューとワーカーで非同期に処理する。
package backfill

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/hitoshi/calbridge/internal/metrics"
	"github.com/hitoshi/calbridge/internal/unipile"
)

// ErrQueueFull はキューが満杯でジョブを受け付けられなかった場合のエラー。
var ErrQueueFull = errors.New("backfill queue is full")

// AccountFetcher はプロバイダーのアカウント情報取得を抽象化する。
type AccountFetcher interface {
	GetAccount(ctx context.Context, accountID string) (*unipile.Account, error)
}

// EmailUpdater は連携行のemail更新を抽象化する。
type EmailUpdater interface {
	UpdateEmail(ctx context.Context, externalAccountID, email string) (int64, error)
}

// Job は補完対象の連携1件。
type Job struct {
	ExternalAccountID string
	UserIdentifier    string
}

// Failure は補完に失敗したジョブ。
type Failure struct {
	Job Job
	Err error
	At  time.Time
}

// Backfiller はメールアドレス補完のキューとワーカー群。
type Backfiller struct {
	fetcher  AccountFetcher
	updater  EmailUpdater
	metrics  metrics.MetricsCollector
	logger   *slog.Logger
	queue    chan Job
	failures chan Failure
	workers  int
	timeout  time.Duration
	wg       sync.WaitGroup
}

// NewBackfiller はBackfillerを生成する。
// workersとqueueSizeが0以下の場合はそれぞれ1と64を使う。
func NewBackfiller(
	fetcher AccountFetcher,
	updater EmailUpdater,
	m metrics.MetricsCollector,
	logger *slog.Logger,
	workers int,
	queueSize int,
	timeout time.Duration,
) *Backfiller {
	if workers <= 0 {
		workers = 1
	}
	if queueSize <= 0 {
		queueSize = 64
	}
	return &Backfiller{
		fetcher:  fetcher,
		updater:  updater,
		metrics:  m,
		logger:   logger,
		queue:    make(chan Job, queueSize),
		failures: make(chan Failure, queueSize),
		workers:  workers,
		timeout:  timeout,
	}
}

// Start はワーカーを起動する。コンテキストがキャンセルされると
// キューに残ったジョブを処理せずに停止する。
func (b *Backfiller) Start(ctx context.Context) {
	b.logger.Info("メールアドレス補完ワーカーを開始しました",
		slog.Int("workers", b.workers),
		slog.Int("queue_size", cap(b.queue)),
	)
	for i := 0; i < b.workers; i++ {
		b.wg.Add(1)
		go func() {
			defer b.wg.Done()
			b.run(ctx)
		}()
	}
}

// Wait は全ワーカーの停止を待つ。
func (b *Backfiller) Wait() {
	b.wg.Wait()
}

func (b *Backfiller) run(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case job := <-b.queue:
			jobCtx := ctx
			cancel := func() {}
			if b.timeout > 0 {
				jobCtx, cancel = context.WithTimeout(ctx, b.timeout)
			}
			if _, err := b.FetchAndPatch(jobCtx, job); err != nil {
				b.fail(job, err)
			}
			cancel()
		}
	}
}

// Enqueue はジョブをキューに追加する。キューが満杯の場合はブロックせずにErrQueueFullを返す。
func (b *Backfiller) Enqueue(job Job) error {
	select {
	case b.queue <- job:
		return nil
	default:
		b.metrics.RecordBackfill("dropped")
		b.logger.Warn("メールアドレス補完キューが満杯のためジョブを破棄しました",
			slog.String("account_id", job.ExternalAccountID),
			slog.String("user_identifier", job.UserIdentifier),
		)
		return ErrQueueFull
	}
}

// FetchAndPatch はアカウント情報を取得し、メールアドレスがあれば連携行を更新する。
// 更新したメールアドレスを返す。プロバイダーがメールアドレスを持たない場合は空文字列を返す。
func (b *Backfiller) FetchAndPatch(ctx context.Context, job Job) (string, error) {
	account, err := b.fetcher.GetAccount(ctx, job.ExternalAccountID)
	if err != nil {
		return "", fmt.Errorf("アカウント情報の取得に失敗しました: %w", err)
	}
	if account.Email == "" {
		b.metrics.RecordBackfill("no_email")
		return "", nil
	}

	n, err := b.updater.UpdateEmail(ctx, job.ExternalAccountID, account.Email)
	if err != nil {
		return "", fmt.Errorf("メールアドレスの更新に失敗しました: %w", err)
	}

	b.metrics.RecordBackfill("updated")
	b.logger.Info("連携アカウントのメールアドレスを補完しました",
		slog.String("account_id", job.ExternalAccountID),
		slog.Int64("rows", n),
	)
	return account.Email, nil
}

// Failures は失敗したジョブを通知するチャネルを返す。
// 受信側がいない場合、通知はバッファが埋まった時点で破棄される。
func (b *Backfiller) Failures() <-chan Failure {
	return b.failures
}

func (b *Backfiller) fail(job Job, err error) {
	b.metrics.RecordBackfill("failed")
	b.logger.Error("メールアドレス補完に失敗しました",
		slog.String("account_id", job.ExternalAccountID),
		slog.String("user_identifier", job.UserIdentifier),
		slog.String("error", err.Error()),
	)
	select {
	case b.failures <- Failure{Job: job, Err: err, At: time.Now()}:
	default:
	}
}
