package repository

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/hitoshi/calbridge/internal/model"
)

// PostgresBookingRepo はPostgreSQLを使用した予約リポジトリ。
type PostgresBookingRepo struct {
	db *sql.DB
}

// NewPostgresBookingRepo はPostgresBookingRepoを生成する。
func NewPostgresBookingRepo(db *sql.DB) *PostgresBookingRepo {
	return &PostgresBookingRepo{db: db}
}

// Create は予約を作成する。IDと作成日時が未設定の場合は採番する。
func (r *PostgresBookingRepo) Create(ctx context.Context, b *model.Booking) error {
	if b.ID == "" {
		b.ID = uuid.New().String()
	}
	if b.CreatedAt.IsZero() {
		b.CreatedAt = time.Now().UTC()
	}

	_, err := r.db.ExecContext(ctx,
		`INSERT INTO bookings (id, user_identifier, calendar_id, external_event_id, start_time, end_time,
		                       patient_name, patient_email, patient_phone, source, status, created_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12)`,
		b.ID, b.UserIdentifier, b.CalendarID, b.ExternalEventID, b.StartTime, b.EndTime,
		b.Patient.Name, b.Patient.Email, b.Patient.Phone, string(b.Source), string(b.Status), b.CreatedAt,
	)
	if err != nil {
		return fmt.Errorf("failed to insert booking: %w", err)
	}
	return nil
}

// compile-time interface check
var _ BookingRepository = (*PostgresBookingRepo)(nil)
