// Package user はユーザー登録・検索と外部IdPアカウントの解決を提供する。
package user

import (
	"context"
	"errors"
	"log/slog"
	"strings"

	"github.com/hitoshi/authsvc/internal/model"
	"github.com/hitoshi/authsvc/internal/repository"
	"github.com/hitoshi/authsvc/internal/security"
)

// RegisterInput はユーザー登録の入力。
type RegisterInput struct {
	Name     string `json:"name" validate:"required,max=100"`
	Email    string `json:"email" validate:"required,email,max=320"`
	Password string `json:"password" validate:"required,min=8,maxbytes=72"`
}

// ProviderProfile は外部IdPで検証済みのプロフィール。
type ProviderProfile struct {
	Provider       string
	ProviderUserID string
	Email          string
	Name           string
}

// PasswordHasher はパスワードのハッシュ化インターフェース。
type PasswordHasher interface {
	Hash(password string) (string, error)
}

// Service はユーザー管理のサービス層。
type Service struct {
	users      repository.UserRepository
	identities repository.IdentityRepository
	hasher     PasswordHasher
	sanitizer  *security.NameSanitizer
	logger     *slog.Logger
}

// NewService はServiceの新しいインスタンスを生成する。
func NewService(
	users repository.UserRepository,
	identities repository.IdentityRepository,
	hasher PasswordHasher,
	logger *slog.Logger,
) *Service {
	if logger == nil {
		logger = slog.Default()
	}
	return &Service{
		users:      users,
		identities: identities,
		hasher:     hasher,
		sanitizer:  security.NewNameSanitizer(),
		logger:     logger,
	}
}

// NormalizeEmail は前後の空白を除去して小文字化したメールアドレスを返す。
func NormalizeEmail(email string) string {
	return strings.ToLower(strings.TrimSpace(email))
}

// Register はパスワード付きのユーザーを作成する。ログインは行わない。
// メールアドレスが登録済みの場合はKindConflictを返す。
func (s *Service) Register(ctx context.Context, in RegisterInput) (*model.User, error) {
	const op = "user.register"

	in.Email = NormalizeEmail(in.Email)
	in.Name = s.sanitizer.Sanitize(in.Name)
	if err := validateStruct(op, in); err != nil {
		return nil, err
	}

	existing, err := s.users.FindByEmail(ctx, in.Email)
	if err != nil {
		return nil, err
	}
	if existing != nil {
		return nil, model.EmailTaken(op, nil)
	}

	hash, err := s.hasher.Hash(in.Password)
	if errors.Is(err, security.ErrPasswordTooLong) {
		return nil, model.Validation(op, passwordTooLongMessage)
	}
	if err != nil {
		return nil, model.NewError(model.KindInternal, op, "failed to hash password", err)
	}

	user := &model.User{
		Email:        in.Email,
		Name:         in.Name,
		PasswordHash: hash,
	}
	// 同時登録の競合は一意インデックスでKindConflictになる
	if err := s.users.Create(ctx, user); err != nil {
		return nil, err
	}

	s.logger.Info("user registered", slog.String("user_id", user.ID))
	return user, nil
}

// FindByID は指定IDのユーザーを返す。見つからない場合はnilを返す。
func (s *Service) FindByID(ctx context.Context, id string) (*model.User, error) {
	return s.users.FindByID(ctx, id)
}

// ResolveByProviderEmail は外部IdPのプロフィールからユーザーを解決する。
// 紐付け済みのidentity、同じメールアドレスの既存ユーザー、新規作成の順に試す。
// 既存ユーザーに一致した場合はidentityを紐付ける。
func (s *Service) ResolveByProviderEmail(ctx context.Context, profile ProviderProfile) (*model.User, error) {
	const op = "user.resolve_provider"

	email := NormalizeEmail(profile.Email)
	if email == "" || profile.Provider == "" || profile.ProviderUserID == "" {
		return nil, model.Validation(op, "provider profile requires email and subject")
	}

	identity, err := s.identities.FindByProviderAndProviderUserID(ctx, profile.Provider, profile.ProviderUserID)
	if err != nil {
		return nil, err
	}
	if identity != nil {
		user, err := s.users.FindByID(ctx, identity.UserID)
		if err != nil {
			return nil, err
		}
		if user == nil {
			return nil, model.NewError(model.KindInternal, op, "identity references a missing user", nil)
		}
		return user, nil
	}

	user, err := s.users.FindByEmail(ctx, email)
	if err != nil {
		return nil, err
	}
	if user != nil {
		return user, s.link(ctx, op, user, profile)
	}

	user = &model.User{
		Email: email,
		Name:  s.sanitizer.Sanitize(profile.Name),
	}
	newIdentity := &model.Identity{
		Provider:       profile.Provider,
		ProviderUserID: profile.ProviderUserID,
	}
	err = s.users.CreateWithIdentity(ctx, user, newIdentity)
	if model.IsKind(err, model.KindConflict) {
		// 同じメールアドレスの同時作成に負けた場合は勝った側のユーザーに紐付ける
		winner, findErr := s.users.FindByEmail(ctx, email)
		if findErr != nil {
			return nil, findErr
		}
		if winner == nil {
			return nil, err
		}
		return winner, s.link(ctx, op, winner, profile)
	}
	if err != nil {
		return nil, err
	}

	s.logger.Info("user created from provider",
		slog.String("user_id", user.ID),
		slog.String("provider", profile.Provider),
	)
	return user, nil
}

// link は既存ユーザーにidentityを紐付ける。既に紐付いている場合は成功とみなす。
func (s *Service) link(ctx context.Context, op string, user *model.User, profile ProviderProfile) error {
	err := s.identities.Create(ctx, &model.Identity{
		UserID:         user.ID,
		Provider:       profile.Provider,
		ProviderUserID: profile.ProviderUserID,
	})
	if err != nil && !model.IsKind(err, model.KindConflict) {
		return err
	}
	if err == nil {
		s.logger.Info("identity linked",
			slog.String("user_id", user.ID),
			slog.String("provider", profile.Provider),
			slog.String("op", op),
		)
	}
	return nil
}
