package repository

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/hitoshi/calbridge/internal/model"
	"github.com/lib/pq"
)

// PostgresCalendarRepo はPostgreSQLを使用したカレンダーリポジトリ。
type PostgresCalendarRepo struct {
	db *sql.DB
}

// NewPostgresCalendarRepo はPostgresCalendarRepoを生成する。
func NewPostgresCalendarRepo(db *sql.DB) *PostgresCalendarRepo {
	return &PostgresCalendarRepo{db: db}
}

const calendarColumns = `id, user_identifier, calendar_id, display_name, is_primary, is_selected,
	access_role, time_zone, created_at, updated_at`

// queryer は*sql.DBと*sql.Txの共通部分。
type queryer interface {
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
}

// ListByUser は識別子配下のカレンダーを返す。プライマリ、表示名の順に並べる。
func (r *PostgresCalendarRepo) ListByUser(ctx context.Context, userIdentifier string) ([]model.CalendarDescriptor, error) {
	return listCalendars(ctx, r.db, userIdentifier)
}

// Merge はcalendar_idをキーに一覧を同一トランザクションで差し替える。
// 一覧にないカレンダーは削除し、既存カレンダーは表示情報のみ更新してis_selectedを維持する。
func (r *PostgresCalendarRepo) Merge(ctx context.Context, userIdentifier string, calendars []model.CalendarDescriptor) ([]model.CalendarDescriptor, error) {
	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	ids := make([]string, 0, len(calendars))
	for _, c := range calendars {
		ids = append(ids, c.CalendarID)
	}

	// 一覧から消えたカレンダーを削除
	if _, err := tx.ExecContext(ctx,
		`DELETE FROM calendars WHERE user_identifier = $1 AND NOT (calendar_id = ANY($2))`,
		userIdentifier, pq.Array(ids),
	); err != nil {
		return nil, fmt.Errorf("failed to delete stale calendars: %w", err)
	}

	now := time.Now().UTC()
	for _, c := range calendars {
		_, err := tx.ExecContext(ctx,
			`INSERT INTO calendars (id, user_identifier, calendar_id, display_name, is_primary, is_selected,
			                        access_role, time_zone, created_at, updated_at)
			 VALUES ($1, $2, $3, $4, $5, false, $6, $7, $8, $8)
			 ON CONFLICT (user_identifier, calendar_id) DO UPDATE SET
			   display_name = EXCLUDED.display_name,
			   is_primary = EXCLUDED.is_primary,
			   access_role = EXCLUDED.access_role,
			   time_zone = EXCLUDED.time_zone,
			   updated_at = EXCLUDED.updated_at`,
			uuid.New().String(), userIdentifier, c.CalendarID, c.DisplayName, c.IsPrimary,
			c.AccessRole, c.TimeZone, now,
		)
		if err != nil {
			return nil, fmt.Errorf("failed to upsert calendar %s: %w", c.CalendarID, err)
		}
	}

	merged, err := listCalendars(ctx, tx, userIdentifier)
	if err != nil {
		return nil, err
	}

	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("failed to commit transaction: %w", err)
	}
	return merged, nil
}

// Select は指定カレンダーを選択状態にし、他の選択を同一トランザクションで解除する。
// 部分ユニークインデックス（識別子ごとに選択中は1件）を満たすため、解除してから設定する。
func (r *PostgresCalendarRepo) Select(ctx context.Context, userIdentifier, calendarID string) (*model.CalendarDescriptor, error) {
	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	// 同一識別子の並行した選択操作を直列化する
	rows, err := tx.QueryContext(ctx,
		`SELECT calendar_id FROM calendars WHERE user_identifier = $1 FOR UPDATE`,
		userIdentifier,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to lock calendars: %w", err)
	}
	found := false
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			rows.Close()
			return nil, fmt.Errorf("failed to scan calendar id: %w", err)
		}
		if id == calendarID {
			found = true
		}
	}
	if err := rows.Close(); err != nil {
		return nil, fmt.Errorf("failed to close rows: %w", err)
	}
	if !found {
		return nil, ErrCalendarNotFound
	}

	if _, err := tx.ExecContext(ctx,
		`UPDATE calendars SET is_selected = false, updated_at = now()
		 WHERE user_identifier = $1 AND is_selected AND calendar_id <> $2`,
		userIdentifier, calendarID,
	); err != nil {
		return nil, fmt.Errorf("failed to clear calendar selection: %w", err)
	}

	selected, err := scanCalendar(tx.QueryRowContext(ctx,
		`UPDATE calendars SET is_selected = true, updated_at = now()
		 WHERE user_identifier = $1 AND calendar_id = $2
		 RETURNING `+calendarColumns,
		userIdentifier, calendarID,
	))
	if err != nil {
		return nil, fmt.Errorf("failed to set calendar selection: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("failed to commit transaction: %w", err)
	}
	return selected, nil
}

// FindSelected は選択中のカレンダーを返す。未選択の場合はnilを返す。
func (r *PostgresCalendarRepo) FindSelected(ctx context.Context, userIdentifier string) (*model.CalendarDescriptor, error) {
	cal, err := scanCalendar(r.db.QueryRowContext(ctx,
		`SELECT `+calendarColumns+` FROM calendars WHERE user_identifier = $1 AND is_selected`,
		userIdentifier,
	))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to find selected calendar: %w", err)
	}
	return cal, nil
}

// DeleteByUser は識別子配下のカレンダーをすべて削除する。
func (r *PostgresCalendarRepo) DeleteByUser(ctx context.Context, userIdentifier string) error {
	if _, err := r.db.ExecContext(ctx,
		`DELETE FROM calendars WHERE user_identifier = $1`,
		userIdentifier,
	); err != nil {
		return fmt.Errorf("failed to delete calendars: %w", err)
	}
	return nil
}

func listCalendars(ctx context.Context, q queryer, userIdentifier string) ([]model.CalendarDescriptor, error) {
	rows, err := q.QueryContext(ctx,
		`SELECT `+calendarColumns+` FROM calendars
		 WHERE user_identifier = $1
		 ORDER BY is_primary DESC, display_name ASC`,
		userIdentifier,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to list calendars: %w", err)
	}
	defer rows.Close()

	var calendars []model.CalendarDescriptor
	for rows.Next() {
		var c model.CalendarDescriptor
		if err := rows.Scan(
			&c.ID, &c.UserIdentifier, &c.CalendarID, &c.DisplayName, &c.IsPrimary, &c.IsSelected,
			&c.AccessRole, &c.TimeZone, &c.CreatedAt, &c.UpdatedAt,
		); err != nil {
			return nil, fmt.Errorf("failed to scan calendar: %w", err)
		}
		calendars = append(calendars, c)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate calendars: %w", err)
	}
	return calendars, nil
}

// scanCalendar は1行を読み取る。行がない場合はsql.ErrNoRowsをそのまま返す。
func scanCalendar(row *sql.Row) (*model.CalendarDescriptor, error) {
	var c model.CalendarDescriptor
	if err := row.Scan(
		&c.ID, &c.UserIdentifier, &c.CalendarID, &c.DisplayName, &c.IsPrimary, &c.IsSelected,
		&c.AccessRole, &c.TimeZone, &c.CreatedAt, &c.UpdatedAt,
	); err != nil {
		return nil, err
	}
	return &c, nil
}

// compile-time interface check
var _ CalendarRepository = (*PostgresCalendarRepo)(nil)
