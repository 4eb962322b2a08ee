// Package identity は外部アカウント連携の論理ストアと識別子解決を提供する。
//
// 連携は物理的に2つのテーブルに保存される。認証済みユーザー(UUID)の連携は
// usersへの外部キーを持つ厳格ストアへ、セッション文字列やメールアドレスなど
// それ以外の識別子は寛容ストアへ書き込む。呼び出し側はこの分割を意識しない。
package identity

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/google/uuid"
	"github.com/hitoshi/calbridge/internal/model"
	"github.com/hitoshi/calbridge/internal/repository"
)

// IsStrongIdentity は識別子が認証済みユーザーのUUIDとみなせるかを返す。
// 正規の36文字表記のみを対象とし、波括弧やurn形式は弱い識別子として扱う。
func IsStrongIdentity(userIdentifier string) bool {
	if len(userIdentifier) != 36 {
		return false
	}
	_, err := uuid.Parse(userIdentifier)
	return err == nil
}

// LinkStore は厳格ストアと寛容ストアを1つの論理ストアとして扱う。
// UUIDの読み取りは厳格ストアを優先し、見つからなければ寛容ストアを参照する。
type LinkStore struct {
	strict     repository.LinkRepository
	permissive repository.MappingRepository
	logger     *slog.Logger
}

// NewLinkStore はLinkStoreを生成する。
func NewLinkStore(strict repository.LinkRepository, permissive repository.MappingRepository, logger *slog.Logger) *LinkStore {
	return &LinkStore{
		strict:     strict,
		permissive: permissive,
		logger:     logger,
	}
}

// Upsert は識別子に応じたストアへ連携を書き込む。
// UUIDでもusersに存在しない場合（外部キー違反）は寛容ストアへ書き込む。
func (s *LinkStore) Upsert(ctx context.Context, link *model.ExternalAccountLink) (*model.ExternalAccountLink, error) {
	if !IsStrongIdentity(link.UserIdentifier) {
		return s.permissive.Upsert(ctx, link)
	}

	saved, err := s.strict.Upsert(ctx, link)
	if err == nil {
		return saved, nil
	}
	if !errors.Is(err, repository.ErrForeignKeyViolation) {
		return nil, err
	}

	s.logger.Warn("usersに存在しないUUIDのため寛容ストアに保存します",
		slog.String("user_identifier", link.UserIdentifier),
		slog.String("provider", string(link.Provider)),
		slog.String("provider_type", string(link.ProviderType)),
	)
	return s.permissive.Upsert(ctx, link)
}

// FindConnected は(識別子, provider, provider_type)が完全一致するconnected行を返す。
func (s *LinkStore) FindConnected(ctx context.Context, userIdentifier string, provider model.Provider, providerType model.ProviderType) (*model.ExternalAccountLink, error) {
	return s.read(ctx, userIdentifier, func(r repository.LinkRepository) (*model.ExternalAccountLink, error) {
		return r.FindConnected(ctx, userIdentifier, provider, providerType)
	})
}

// FindConnectedByProvider は(識別子, provider)のconnected行のうち、
// providerTypeが一致するかレガシー行（provider_typeが空）のものを返す。
func (s *LinkStore) FindConnectedByProvider(ctx context.Context, userIdentifier string, provider model.Provider, providerType model.ProviderType) (*model.ExternalAccountLink, error) {
	return s.read(ctx, userIdentifier, func(r repository.LinkRepository) (*model.ExternalAccountLink, error) {
		return r.FindConnectedByProvider(ctx, userIdentifier, provider, providerType)
	})
}

// FindLatestByProvider は状態を問わず(識別子, provider)の最新行を返す。
// providerTypeの絞り込みはFindConnectedByProviderと同じ。
func (s *LinkStore) FindLatestByProvider(ctx context.Context, userIdentifier string, provider model.Provider, providerType model.ProviderType) (*model.ExternalAccountLink, error) {
	return s.read(ctx, userIdentifier, func(r repository.LinkRepository) (*model.ExternalAccountLink, error) {
		return r.FindLatestByProvider(ctx, userIdentifier, provider, providerType)
	})
}

// FindConnectedInMappings は寛容ストアのみを対象にconnected行を探す。
// メールアドレスをキーにした旧連携の移行判定で使う。
func (s *LinkStore) FindConnectedInMappings(ctx context.Context, userIdentifier string, provider model.Provider, providerType model.ProviderType) (*model.ExternalAccountLink, error) {
	return s.permissive.FindConnectedByProvider(ctx, userIdentifier, provider, providerType)
}

// UpdateStatus は該当する連携の状態を更新し、更新件数を返す。
// 行が存在しない場合は0件でエラーにしない。
func (s *LinkStore) UpdateStatus(ctx context.Context, userIdentifier string, provider model.Provider, providerType model.ProviderType, status model.LinkStatus) (int64, error) {
	var total int64
	for _, r := range s.stores(userIdentifier) {
		n, err := r.UpdateStatus(ctx, userIdentifier, provider, providerType, status)
		if err != nil {
			return total, err
		}
		total += n
	}
	return total, nil
}

// UpdateEmail は外部アカウントIDに紐づく全行のemailを更新する。
func (s *LinkStore) UpdateEmail(ctx context.Context, externalAccountID, email string) (int64, error) {
	var total int64
	for _, r := range []repository.LinkRepository{s.strict, s.permissive} {
		n, err := r.UpdateEmail(ctx, externalAccountID, email)
		if err != nil {
			return total, err
		}
		total += n
	}
	return total, nil
}

// Delete は両ストアから該当する連携を削除し、削除件数を返す。
func (s *LinkStore) Delete(ctx context.Context, userIdentifier string, provider model.Provider, providerType model.ProviderType) (int64, error) {
	var total int64
	for _, r := range s.stores(userIdentifier) {
		n, err := r.Delete(ctx, userIdentifier, provider, providerType)
		if err != nil {
			return total, err
		}
		total += n
	}
	return total, nil
}

// Rekey は寛容ストアの行を別の識別子に付け替える。
func (s *LinkStore) Rekey(ctx context.Context, from, to string, provider model.Provider) (int64, error) {
	return s.permissive.Rekey(ctx, from, to, provider)
}

// stores は識別子が存在し得るストアを読み取り優先順に返す。
func (s *LinkStore) stores(userIdentifier string) []repository.LinkRepository {
	if IsStrongIdentity(userIdentifier) {
		return []repository.LinkRepository{s.strict, s.permissive}
	}
	return []repository.LinkRepository{s.permissive}
}

func (s *LinkStore) read(ctx context.Context, userIdentifier string, find func(repository.LinkRepository) (*model.ExternalAccountLink, error)) (*model.ExternalAccountLink, error) {
	for _, r := range s.stores(userIdentifier) {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		link, err := find(r)
		if err != nil {
			return nil, fmt.Errorf("failed to read link: %w", err)
		}
		if link != nil {
			return link, nil
		}
	}
	return nil, nil
}
