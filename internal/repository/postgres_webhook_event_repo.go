package repository

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/hitoshi/calbridge/internal/model"
)

// PostgresWebhookEventRepo はWebhook監査記録のリポジトリ。
type PostgresWebhookEventRepo struct {
	db *sql.DB
}

// NewPostgresWebhookEventRepo はPostgresWebhookEventRepoを生成する。
func NewPostgresWebhookEventRepo(db *sql.DB) *PostgresWebhookEventRepo {
	return &PostgresWebhookEventRepo{db: db}
}

// Create は監査記録を1件作成する。
func (r *PostgresWebhookEventRepo) Create(ctx context.Context, e *model.WebhookEvent) error {
	if e.ID == "" {
		e.ID = uuid.New().String()
	}
	if e.ReceivedAt.IsZero() {
		e.ReceivedAt = time.Now().UTC()
	}

	_, err := r.db.ExecContext(ctx,
		`INSERT INTO webhook_events (id, status, account_id, label, user_identifier, provider, provider_type,
		                             outcome, error_message, received_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)`,
		e.ID, e.Status, e.ExternalAccountID, e.Label, e.UserIdentifier, string(e.Provider), string(e.ProviderType),
		string(e.Outcome), e.ErrorMessage, e.ReceivedAt,
	)
	if err != nil {
		return fmt.Errorf("failed to insert webhook event: %w", err)
	}
	return nil
}

// DeleteOlderThan は指定時刻より古い監査記録を削除し、削除件数を返す。
// 冪等: 削除対象がない場合でもエラーにならない。
func (r *PostgresWebhookEventRepo) DeleteOlderThan(ctx context.Context, before time.Time) (int64, error) {
	result, err := r.db.ExecContext(ctx,
		`DELETE FROM webhook_events WHERE received_at < $1`,
		before,
	)
	if err != nil {
		return 0, fmt.Errorf("failed to delete webhook events: %w", err)
	}
	return result.RowsAffected()
}

// compile-time interface check
var _ WebhookEventRepository = (*PostgresWebhookEventRepo)(nil)
