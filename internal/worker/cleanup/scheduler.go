package cleanup

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/robfig/cron/v3"
)

// Runner は定期実行されるジョブ。
type Runner interface {
	Run(ctx context.Context) error
}

// Scheduler はcron式に従ってジョブを実行する。
type Scheduler struct {
	cron   *cron.Cron
	logger *slog.Logger
}

// NewScheduler はSchedulerを生成する。
func NewScheduler(logger *slog.Logger) *Scheduler {
	return &Scheduler{
		cron:   cron.New(),
		logger: logger,
	}
}

// Add はジョブをcron式(分 時 日 月 曜日)で登録する。
// ジョブはctxがキャンセルされた後は実行されない。
func (s *Scheduler) Add(ctx context.Context, schedule, name string, job Runner) error {
	_, err := s.cron.AddFunc(schedule, func() {
		if ctx.Err() != nil {
			return
		}
		if err := job.Run(ctx); err != nil {
			s.logger.Error("定期ジョブが失敗しました",
				slog.String("job", name),
				slog.String("error", err.Error()),
			)
		}
	})
	if err != nil {
		return fmt.Errorf("invalid schedule %q for %s: %w", schedule, name, err)
	}
	s.logger.Info("定期ジョブを登録しました",
		slog.String("job", name),
		slog.String("schedule", schedule),
	)
	return nil
}

// Start はスケジューラを開始する。
func (s *Scheduler) Start() {
	s.cron.Start()
}

// Stop はスケジューラを停止し、実行中のジョブの完了を待つ。
func (s *Scheduler) Stop() {
	<-s.cron.Stop().Done()
	s.logger.Info("定期ジョブのスケジューラを停止しました")
}

// Len は登録済みジョブの数を返す。
func (s *Scheduler) Len() int {
	return len(s.cron.Entries())
}
