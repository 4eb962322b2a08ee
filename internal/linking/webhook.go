package linking

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/hitoshi/calbridge/internal/correlation"
	"github.com/hitoshi/calbridge/internal/model"
	"github.com/hitoshi/calbridge/internal/worker/backfill"
)

// プロバイダーが通知する連携ステータス。
const (
	StatusCreationSuccess  = "CREATION_SUCCESS"
	StatusReconnected      = "RECONNECTED"
	StatusCreationFailed   = "CREATION_FAILED"
	StatusCredentialsError = "CREDENTIALS_ERROR"
)

// Notification はホスト型認証の完了通知。
// NameはInitiateで渡した相関ラベルがそのまま返ってくる。
type Notification struct {
	Status    string
	AccountID string
	Name      string
}

// Outcome は通知1件の処理結果。
type Outcome struct {
	Result model.WebhookOutcome
	Token  correlation.Token
	Err    error
}

// HandleNotification は完了通知を連携ストアに反映する。
// 呼び出し元（Webhookハンドラー）は結果にかかわらず成功を応答するため、
// 内部の失敗は監査記録と構造化ログにのみ残る。
func (s *Service) HandleNotification(ctx context.Context, n Notification) Outcome {
	out := s.apply(ctx, n)

	s.metrics.RecordWebhook(n.Status, string(out.Result))
	s.audit(ctx, n, out)

	attrs := []any{
		slog.String("status", n.Status),
		slog.String("account_id", n.AccountID),
		slog.String("label", n.Name),
		slog.String("user_identifier", out.Token.UserIdentifier),
		slog.String("provider", string(out.Token.Provider)),
		slog.String("provider_type", string(out.Token.ProviderType)),
		slog.Bool("legacy_label", out.Token.Legacy),
		slog.String("outcome", string(out.Result)),
	}
	if out.Err != nil {
		s.logger.Error("webhook_failed", append(attrs, slog.String("error", out.Err.Error()))...)
	} else {
		s.logger.Info("webhook_processed", attrs...)
	}
	return out
}

func (s *Service) apply(ctx context.Context, n Notification) Outcome {
	switch n.Status {
	case StatusCreationSuccess, StatusReconnected, StatusCreationFailed, StatusCredentialsError:
	default:
		return Outcome{Result: model.WebhookOutcomeIgnored}
	}

	token, err := correlation.Parse(n.Name)
	if err != nil {
		return Outcome{Result: model.WebhookOutcomeFailed, Err: err}
	}

	switch n.Status {
	case StatusCreationSuccess, StatusReconnected:
		if err := s.connect(ctx, token, n.AccountID); err != nil {
			return Outcome{Result: model.WebhookOutcomeFailed, Token: token, Err: err}
		}
	case StatusCreationFailed:
		return s.markStatus(ctx, token, model.LinkStatusDisconnected)
	case StatusCredentialsError:
		return s.markStatus(ctx, token, model.LinkStatusCredentialsError)
	}
	return Outcome{Result: model.WebhookOutcomeApplied, Token: token}
}

// markStatus は既存の連携の状態を更新する。
// 該当行がない場合は何も作らず、ignoredとして扱う。
func (s *Service) markStatus(ctx context.Context, token correlation.Token, status model.LinkStatus) Outcome {
	n, err := s.links.UpdateStatus(ctx, token.UserIdentifier, token.Provider, token.ProviderType, status)
	if err != nil {
		return Outcome{Result: model.WebhookOutcomeFailed, Token: token, Err: err}
	}
	if n == 0 {
		s.logger.Warn("状態を更新する連携が見つかりませんでした",
			slog.String("user_identifier", token.UserIdentifier),
			slog.String("provider", string(token.Provider)),
			slog.String("provider_type", string(token.ProviderType)),
			slog.String("status", string(status)),
		)
		return Outcome{Result: model.WebhookOutcomeIgnored, Token: token}
	}
	return Outcome{Result: model.WebhookOutcomeApplied, Token: token}
}

// connect は連携をconnectedとして保存し、メールアドレス補完をキューに積む。
// 補完の投入失敗は通知処理の失敗として扱わない。
func (s *Service) connect(ctx context.Context, token correlation.Token, accountID string) error {
	if accountID == "" {
		return errors.New("notification has no account_id")
	}

	saved, err := s.links.Upsert(ctx, &model.ExternalAccountLink{
		UserIdentifier:    token.UserIdentifier,
		Provider:          token.Provider,
		ProviderType:      token.ProviderType,
		ExternalAccountID: accountID,
		Status:            model.LinkStatusConnected,
	})
	if err != nil {
		return fmt.Errorf("連携の保存に失敗しました: %w", err)
	}

	if saved.Email == "" {
		if err := s.backfill.Enqueue(backfill.Job{ExternalAccountID: accountID, UserIdentifier: token.UserIdentifier}); err != nil {
			s.logger.Warn("メールアドレス補完ジョブを投入できませんでした",
				slog.String("account_id", accountID),
				slog.String("error", err.Error()),
			)
		}
	}
	return nil
}

// audit は通知1件の監査記録を保存する。保存失敗はログのみ。
func (s *Service) audit(ctx context.Context, n Notification, out Outcome) {
	event := &model.WebhookEvent{
		Status:            n.Status,
		ExternalAccountID: n.AccountID,
		Label:             n.Name,
		UserIdentifier:    out.Token.UserIdentifier,
		Provider:          out.Token.Provider,
		ProviderType:      out.Token.ProviderType,
		Outcome:           out.Result,
	}
	if out.Err != nil {
		event.ErrorMessage = out.Err.Error()
	}
	if err := s.events.Create(ctx, event); err != nil {
		s.logger.Error("Webhook監査記録の保存に失敗しました",
			slog.String("status", n.Status),
			slog.String("account_id", n.AccountID),
			slog.String("error", err.Error()),
		)
	}
}
