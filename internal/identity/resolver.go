package identity

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/hitoshi/calbridge/internal/metrics"
	"github.com/hitoshi/calbridge/internal/model"
)

// ErrNotFound はすべての解決段階で連携が見つからなかった場合に返される。
var ErrNotFound = errors.New("external account link not found")

// 解決に成功した段階。
const (
	StepExact         = 1 // (識別子, provider, provider_type)の完全一致
	StepProviderOnly  = 2 // provider_typeが空のレガシー行
	StepEmailMigrated = 3 // メールアドレスキーの行をUUIDへ付け替えた
	StepLatestAny     = 4 // 状態を問わない最新行
)

// Query は識別子解決の入力。
type Query struct {
	UserIdentifier string
	Provider       model.Provider
	ProviderType   model.ProviderType

	// EmailHint は認証済みユーザーのメールアドレス。
	// 以前メールアドレスをキーに作られた連携をUUIDへ移行するために使う。
	EmailHint string
}

// Resolution は識別子解決の結果。
type Resolution struct {
	Link     *model.ExternalAccountLink
	Migrated bool
	Step     int
}

// Resolver は段階的なフォールバックで識別子を外部アカウント連携に解決する。
type Resolver struct {
	store   *LinkStore
	metrics metrics.MetricsCollector
	logger  *slog.Logger
}

// NewResolver はResolverを生成する。
func NewResolver(store *LinkStore, m metrics.MetricsCollector, logger *slog.Logger) *Resolver {
	return &Resolver{
		store:   store,
		metrics: m,
		logger:  logger,
	}
}

// ResolveAndMaybeMigrate は次の順に連携を探し、最初に見つかったものを返す。
//
//  1. (識別子, provider, provider_type)が一致するconnected行
//  2. (識別子, provider)が一致し、provider_typeが空のレガシーconnected行
//  3. 識別子がUUIDでEmailHintがある場合、メールアドレスをキーにした寛容ストアの
//     connected行をUUIDに付け替えてから1をやり直す
//  4. 状態を問わない(識別子, provider)の最新行
//
// ProviderTypeを指定した場合、2から4は同じ型かレガシー行だけを対象にする。
// 別の型の行（カレンダー用途に対するメール用途など）は返さない。
// いずれも見つからない場合はErrNotFoundを返す。
func (r *Resolver) ResolveAndMaybeMigrate(ctx context.Context, q Query) (*Resolution, error) {
	res, err := r.resolve(ctx, q)
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			r.metrics.RecordResolverStep(0)
		}
		return nil, err
	}
	r.metrics.RecordResolverStep(res.Step)
	return res, nil
}

func (r *Resolver) resolve(ctx context.Context, q Query) (*Resolution, error) {
	if q.UserIdentifier == "" {
		return nil, ErrNotFound
	}

	link, err := r.findConnected(ctx, q)
	if err != nil {
		return nil, err
	}
	if link != nil {
		return &Resolution{Link: link, Step: StepExact}, nil
	}

	link, err = r.store.FindConnectedByProvider(ctx, q.UserIdentifier, q.Provider, q.ProviderType)
	if err != nil {
		return nil, err
	}
	if link != nil {
		return &Resolution{Link: link, Step: StepProviderOnly}, nil
	}

	if IsStrongIdentity(q.UserIdentifier) && q.EmailHint != "" && q.EmailHint != q.UserIdentifier {
		res, err := r.migrateFromEmail(ctx, q)
		if err != nil {
			return nil, err
		}
		if res != nil {
			return res, nil
		}
	}

	link, err = r.store.FindLatestByProvider(ctx, q.UserIdentifier, q.Provider, q.ProviderType)
	if err != nil {
		return nil, err
	}
	if link != nil {
		return &Resolution{Link: link, Step: StepLatestAny}, nil
	}

	return nil, ErrNotFound
}

func (r *Resolver) findConnected(ctx context.Context, q Query) (*model.ExternalAccountLink, error) {
	if q.ProviderType == "" {
		return nil, nil
	}
	return r.store.FindConnected(ctx, q.UserIdentifier, q.Provider, q.ProviderType)
}

// migrateFromEmail はメールアドレスをキーにした連携をUUIDへ付け替える。
// 付け替えた行が見つからない場合はnilを返す。
func (r *Resolver) migrateFromEmail(ctx context.Context, q Query) (*Resolution, error) {
	legacy, err := r.store.FindConnectedInMappings(ctx, q.EmailHint, q.Provider, q.ProviderType)
	if err != nil {
		return nil, err
	}
	if legacy == nil {
		return nil, nil
	}

	n, err := r.store.Rekey(ctx, q.EmailHint, q.UserIdentifier, q.Provider)
	if err != nil {
		return nil, fmt.Errorf("failed to migrate email-keyed link: %w", err)
	}
	if n == 0 {
		return nil, nil
	}

	r.logger.Info("メールアドレスキーの連携をUUIDへ移行しました",
		slog.String("user_identifier", q.UserIdentifier),
		slog.String("provider", string(q.Provider)),
		slog.String("account_id", legacy.ExternalAccountID),
		slog.Int64("rows", n),
	)

	link, err := r.findConnected(ctx, q)
	if err != nil {
		return nil, err
	}
	if link == nil {
		link, err = r.store.FindConnectedByProvider(ctx, q.UserIdentifier, q.Provider, q.ProviderType)
		if err != nil {
			return nil, err
		}
	}
	if link == nil {
		return nil, nil
	}
	return &Resolution{Link: link, Migrated: true, Step: StepEmailMigrated}, nil
}
