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

// pgForeignKeyViolation はPostgreSQLの外部キー制約違反のSQLSTATE。
const pgForeignKeyViolation = "23503"

// linkTable は連携テーブルごとの差分（テーブル名と識別子カラム）を保持する。
type linkTable struct {
	name     string
	idColumn string
	idCast   string // 識別子パラメータのキャスト（厳格ストアは ::uuid）
}

// postgresLinkRepo は両ストアに共通する連携テーブル操作。
type postgresLinkRepo struct {
	db    *sql.DB
	table linkTable
}

// PostgresAccountRepo は厳格ストア（unipile_accounts）のリポジトリ。
// 識別子はusersテーブルに存在するUUIDでなければならない。
type PostgresAccountRepo struct {
	postgresLinkRepo
}

// NewPostgresAccountRepo はPostgresAccountRepoを生成する。
func NewPostgresAccountRepo(db *sql.DB) *PostgresAccountRepo {
	return &PostgresAccountRepo{postgresLinkRepo{
		db:    db,
		table: linkTable{name: "unipile_accounts", idColumn: "user_id", idCast: "::uuid"},
	}}
}

// PostgresMappingRepo は寛容ストア（unipile_mappings）のリポジトリ。
// 識別子は任意の文字列を受け付ける。
type PostgresMappingRepo struct {
	postgresLinkRepo
}

// NewPostgresMappingRepo はPostgresMappingRepoを生成する。
func NewPostgresMappingRepo(db *sql.DB) *PostgresMappingRepo {
	return &PostgresMappingRepo{postgresLinkRepo{
		db:    db,
		table: linkTable{name: "unipile_mappings", idColumn: "user_identifier"},
	}}
}

func (r *postgresLinkRepo) columns() string {
	return fmt.Sprintf("id, %s, provider, provider_type, account_id, status, email, created_at, updated_at", r.table.idColumn)
}

// FindConnected は(識別子, provider, provider_type)が完全一致するconnected行を返す。
func (r *postgresLinkRepo) FindConnected(ctx context.Context, userIdentifier string, provider model.Provider, providerType model.ProviderType) (*model.ExternalAccountLink, error) {
	query := fmt.Sprintf(
		`SELECT %s FROM %s
		 WHERE %s = $1%s AND provider = $2 AND provider_type = $3 AND status = $4`,
		r.columns(), r.table.name, r.table.idColumn, r.table.idCast,
	)
	link, err := scanLink(r.db.QueryRowContext(ctx, query, userIdentifier, string(provider), string(providerType), string(model.LinkStatusConnected)))
	if err != nil {
		return nil, fmt.Errorf("failed to find connected link in %s: %w", r.table.name, err)
	}
	return link, nil
}

// compatibleType はproviderTypeと同じ型かレガシー行（NULL）に絞る条件。空文字列なら絞らない。
const compatibleType = `($%[1]d::text = '' OR provider_type = $%[1]d::text OR provider_type IS NULL)`

// FindConnectedByProvider は(識別子, provider)のconnected行のうち、
// provider_typeが一致するかNULLのものを返す。
func (r *postgresLinkRepo) FindConnectedByProvider(ctx context.Context, userIdentifier string, provider model.Provider, providerType model.ProviderType) (*model.ExternalAccountLink, error) {
	query := fmt.Sprintf(
		`SELECT %s FROM %s
		 WHERE %s = $1%s AND provider = $2 AND status = $3 AND %s
		 ORDER BY updated_at DESC
		 LIMIT 1`,
		r.columns(), r.table.name, r.table.idColumn, r.table.idCast, fmt.Sprintf(compatibleType, 4),
	)
	link, err := scanLink(r.db.QueryRowContext(ctx, query, userIdentifier, string(provider), string(model.LinkStatusConnected), string(providerType)))
	if err != nil {
		return nil, fmt.Errorf("failed to find link by provider in %s: %w", r.table.name, err)
	}
	return link, nil
}

// FindLatestByProvider は状態を問わず(識別子, provider)の最新行を返す。
// provider_typeの絞り込みはFindConnectedByProviderと同じ。
func (r *postgresLinkRepo) FindLatestByProvider(ctx context.Context, userIdentifier string, provider model.Provider, providerType model.ProviderType) (*model.ExternalAccountLink, error) {
	query := fmt.Sprintf(
		`SELECT %s FROM %s
		 WHERE %s = $1%s AND provider = $2 AND %s
		 ORDER BY updated_at DESC
		 LIMIT 1`,
		r.columns(), r.table.name, r.table.idColumn, r.table.idCast, fmt.Sprintf(compatibleType, 3),
	)
	link, err := scanLink(r.db.QueryRowContext(ctx, query, userIdentifier, string(provider), string(providerType)))
	if err != nil {
		return nil, fmt.Errorf("failed to find latest link in %s: %w", r.table.name, err)
	}
	return link, nil
}

// Upsert は(識別子, provider, provider_type)をキーに冪等に作成・更新する。
// 同じ通知を複数回受信しても行は1件のまま更新される。
func (r *postgresLinkRepo) Upsert(ctx context.Context, link *model.ExternalAccountLink) (*model.ExternalAccountLink, error) {
	now := time.Now().UTC()
	query := fmt.Sprintf(
		`INSERT INTO %[1]s (id, %[2]s, provider, provider_type, account_id, status, email, created_at, updated_at)
		 VALUES ($1, $2%[3]s, $3, $4, $5, $6, $7, $8, $8)
		 ON CONFLICT (%[2]s, provider, provider_type) DO UPDATE SET
		   account_id = EXCLUDED.account_id,
		   status = EXCLUDED.status,
		   email = CASE WHEN EXCLUDED.email <> '' THEN EXCLUDED.email ELSE %[1]s.email END,
		   updated_at = EXCLUDED.updated_at
		 RETURNING %[4]s`,
		r.table.name, r.table.idColumn, r.table.idCast, r.columns(),
	)

	saved, err := scanLink(r.db.QueryRowContext(ctx, query,
		uuid.New().String(),
		link.UserIdentifier,
		string(link.Provider),
		nullableType(link.ProviderType),
		link.ExternalAccountID,
		string(link.Status),
		link.Email,
		now,
	))
	if err != nil {
		return nil, fmt.Errorf("failed to upsert link in %s: %w", r.table.name, translatePQError(err))
	}
	return saved, nil
}

// UpdateStatus は該当行の状態を更新し、更新件数を返す。
// provider_typeがNULLのレガシー行も同じproviderであれば更新する。
func (r *postgresLinkRepo) UpdateStatus(ctx context.Context, userIdentifier string, provider model.Provider, providerType model.ProviderType, status model.LinkStatus) (int64, error) {
	query := fmt.Sprintf(
		`UPDATE %s SET status = $4, updated_at = now()
		 WHERE %s = $1%s AND provider = $2 AND (provider_type = $3 OR provider_type IS NULL)`,
		r.table.name, r.table.idColumn, r.table.idCast,
	)
	result, err := r.db.ExecContext(ctx, query, userIdentifier, string(provider), string(providerType), string(status))
	if err != nil {
		return 0, fmt.Errorf("failed to update link status in %s: %w", r.table.name, err)
	}
	return result.RowsAffected()
}

// UpdateEmail は外部アカウントIDに紐づく行のemailを更新し、更新件数を返す。
func (r *postgresLinkRepo) UpdateEmail(ctx context.Context, externalAccountID, email string) (int64, error) {
	query := fmt.Sprintf(
		`UPDATE %s SET email = $2, updated_at = now() WHERE account_id = $1`,
		r.table.name,
	)
	result, err := r.db.ExecContext(ctx, query, externalAccountID, email)
	if err != nil {
		return 0, fmt.Errorf("failed to update link email in %s: %w", r.table.name, err)
	}
	return result.RowsAffected()
}

// Delete は該当行を削除し、削除件数を返す。
// provider_typeがNULLのレガシー行も同じproviderであれば削除する。
func (r *postgresLinkRepo) Delete(ctx context.Context, userIdentifier string, provider model.Provider, providerType model.ProviderType) (int64, error) {
	query := fmt.Sprintf(
		`DELETE FROM %s
		 WHERE %s = $1%s AND provider = $2 AND (provider_type = $3 OR provider_type IS NULL)`,
		r.table.name, r.table.idColumn, r.table.idCast,
	)
	result, err := r.db.ExecContext(ctx, query, userIdentifier, string(provider), string(providerType))
	if err != nil {
		return 0, fmt.Errorf("failed to delete link in %s: %w", r.table.name, err)
	}
	return result.RowsAffected()
}

// Rekey はfrom識別子のconnected行をto識別子に付け替え、更新件数を返す。
// to側に同じ(provider, provider_type)の行が既にある行は対象外にしてユニーク制約違反を避ける。
func (r *PostgresMappingRepo) Rekey(ctx context.Context, from, to string, provider model.Provider) (int64, error) {
	result, err := r.db.ExecContext(ctx,
		`UPDATE unipile_mappings AS m
		 SET user_identifier = $2, updated_at = now()
		 WHERE m.user_identifier = $1 AND m.provider = $3 AND m.status = $4
		   AND NOT EXISTS (
		     SELECT 1 FROM unipile_mappings o
		     WHERE o.user_identifier = $2 AND o.provider = m.provider
		       AND o.provider_type IS NOT DISTINCT FROM m.provider_type
		   )`,
		from, to, string(provider), string(model.LinkStatusConnected),
	)
	if err != nil {
		return 0, fmt.Errorf("failed to rekey mapping: %w", err)
	}
	return result.RowsAffected()
}

// scanLink は1行を読み取る。行がない場合はnil, nilを返す。
func scanLink(row *sql.Row) (*model.ExternalAccountLink, error) {
	var (
		link         model.ExternalAccountLink
		provider     string
		providerType sql.NullString
		status       string
	)
	err := row.Scan(
		&link.ID, &link.UserIdentifier, &provider, &providerType,
		&link.ExternalAccountID, &status, &link.Email,
		&link.CreatedAt, &link.UpdatedAt,
	)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}

	link.Provider = model.Provider(provider)
	if providerType.Valid {
		link.ProviderType = model.ProviderType(providerType.String)
	}
	link.Status = model.LinkStatus(status)
	return &link, nil
}

// nullableType は空のprovider_typeをNULLとして扱う。
func nullableType(t model.ProviderType) sql.NullString {
	return sql.NullString{String: string(t), Valid: t != ""}
}

// translatePQError はドライバ固有のエラーをパッケージのセンチネルに変換する。
func translatePQError(err error) error {
	var pqErr *pq.Error
	if errors.As(err, &pqErr) && string(pqErr.Code) == pgForeignKeyViolation {
		return fmt.Errorf("%w: %s", ErrForeignKeyViolation, pqErr.Constraint)
	}
	return err
}

// compile-time interface check
var (
	_ LinkRepository    = (*PostgresAccountRepo)(nil)
	_ MappingRepository = (*PostgresMappingRepo)(nil)
)
