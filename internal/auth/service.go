// Package auth はセッションの発行・ローテーション・失効と外部IdP認証フローを提供する。
package auth

import (
	"context"
	"errors"
	"log/slog"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"

	"github.com/hitoshi/authsvc/internal/metrics"
	"github.com/hitoshi/authsvc/internal/model"
	"github.com/hitoshi/authsvc/internal/repository"
	"github.com/hitoshi/authsvc/internal/security"
)

// maxJTIAttempts はjti衝突時にセッション作成を試みる最大回数。
const maxJTIAttempts = 3

// TokenIssuer はトークンの発行と検証のインターフェース。security.TokenSignerが実装する。
type TokenIssuer interface {
	IssueAccess(userID, email string) (string, time.Time, error)
	IssueRefresh(userID, jti string) (string, time.Time, error)
	VerifyRefresh(token string) (*security.RefreshClaims, error)
}

// CredentialVerifier はパスワード照合のインターフェース。security.PasswordHasherが実装する。
type CredentialVerifier interface {
	Verify(password, hash string) bool
	DummyVerify(password string)
}

// LoginInput はパスワードログインの入力。
type LoginInput struct {
	Email     string `json:"email" validate:"required"`
	Password  string `json:"password" validate:"required"`
	IP        string `json:"-"`
	UserAgent string `json:"-"`
}

// SessionMeta はセッションに記録するリクエスト元の情報。
type SessionMeta struct {
	IP        string
	UserAgent string
}

// LoginResult はセッション発行の結果。
type LoginResult struct {
	User    *model.User
	Tokens  model.TokenPair
	Session *model.Session
}

// Service はセッションライフサイクルを管理する。
// ログイン・外部IdPログインのどちらもStartSessionを通ってセッションを作る。
type Service struct {
	users     repository.UserRepository
	sessions  repository.SessionRepository
	tokens    TokenIssuer
	passwords CredentialVerifier
	recorder  metrics.AuthRecorder
	logger    *slog.Logger
	validate  *validator.Validate
	newJTI    func() (string, error)
}

// NewService はServiceを生成する。recorderがnilの場合は記録しない。
func NewService(
	users repository.UserRepository,
	sessions repository.SessionRepository,
	tokens TokenIssuer,
	passwords CredentialVerifier,
	recorder metrics.AuthRecorder,
	logger *slog.Logger,
) *Service {
	if recorder == nil {
		recorder = metrics.Nop{}
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Service{
		users:     users,
		sessions:  sessions,
		tokens:    tokens,
		passwords: passwords,
		recorder:  recorder,
		logger:    logger,
		validate:  validator.New(),
		newJTI:    security.NewJTI,
	}
}

// Login はメールアドレスとパスワードを検証してセッションを発行する。
// 未登録・パスワード未設定・不一致はすべてKindInvalidCredentialsとなり、区別できない。
func (s *Service) Login(ctx context.Context, in LoginInput) (*LoginResult, error) {
	const op = "auth.login"

	in.Email = strings.ToLower(strings.TrimSpace(in.Email))
	if err := s.validate.Struct(in); err != nil {
		s.recorder.RecordLogin(metrics.ResultValidation)
		return nil, model.Validation(op, "email and password are required")
	}

	user, err := s.users.FindByEmail(ctx, in.Email)
	if err != nil {
		s.recordFailure(op, s.recorder.RecordLogin, err)
		return nil, err
	}

	if user == nil || !user.HasPassword() {
		s.passwords.DummyVerify(in.Password)
		s.recorder.RecordLogin(metrics.ResultInvalidCredentials)
		s.logger.Warn("login failed", slog.String("reason", "unknown_account"))
		return nil, model.InvalidCredentials(op)
	}

	if !s.passwords.Verify(in.Password, user.PasswordHash) {
		s.recorder.RecordLogin(metrics.ResultInvalidCredentials)
		s.logger.Warn("login failed",
			slog.String("reason", "password_mismatch"),
			slog.String("user_id", user.ID),
		)
		return nil, model.InvalidCredentials(op)
	}

	result, err := s.StartSession(ctx, user, SessionMeta{IP: in.IP, UserAgent: in.UserAgent})
	if err != nil {
		s.recordFailure(op, s.recorder.RecordLogin, err)
		return nil, err
	}

	s.recorder.RecordLogin(metrics.ResultSuccess)
	return result, nil
}

// StartSession は新しいjtiでトークンペアを発行し、セッションを保存する。
// jtiが衝突した場合は新しいjtiで再試行する。
func (s *Service) StartSession(ctx context.Context, user *model.User, meta SessionMeta) (*LoginResult, error) {
	const op = "auth.start_session"

	var lastErr error
	for attempt := 0; attempt < maxJTIAttempts; attempt++ {
		tokens, session, err := s.issue(op, user, meta)
		if err != nil {
			return nil, err
		}

		err = s.sessions.Create(ctx, session)
		if err == nil {
			s.recorder.RecordSessionCreated()
			s.logger.Info("session started",
				slog.String("user_id", user.ID),
				slog.String("session_id", session.ID),
			)
			return &LoginResult{User: user, Tokens: *tokens, Session: session}, nil
		}
		if !model.IsKind(err, model.KindConflict) {
			return nil, err
		}
		lastErr = err
		s.logger.Warn("jti collision, retrying", slog.Int("attempt", attempt+1))
	}

	return nil, model.Conflict(op, "could not allocate a unique token identifier", lastErr)
}

// Refresh はリフレッシュトークンを検証し、セッションをローテーションする。
// 使用済みトークンの再提示は常にKindSessionRevokedとなる。
func (s *Service) Refresh(ctx context.Context, refreshToken string) (*LoginResult, error) {
	const op = "auth.refresh"

	claims, err := s.tokens.VerifyRefresh(refreshToken)
	if err != nil {
		s.recorder.RecordRefresh(metrics.ResultInvalidToken)
		return nil, model.InvalidToken(op, err)
	}

	current, err := s.sessions.FindByJTI(ctx, claims.ID)
	if err != nil {
		s.recordFailure(op, s.recorder.RecordRefresh, err)
		return nil, err
	}
	if current == nil || !current.IsActive() {
		s.recorder.RecordRefresh(metrics.ResultSessionRevoked)
		s.logger.Warn("refresh token reuse or unknown session",
			slog.String("user_id", claims.Subject),
			slog.String("jti", claims.ID),
		)
		return nil, model.SessionRevoked(op)
	}

	if current.UserID != claims.Subject ||
		!security.RefreshHashEqual(security.HashRefreshToken(refreshToken), current.RefreshHash) {
		s.recorder.RecordRefresh(metrics.ResultInvalidToken)
		s.logger.Warn("refresh token does not match session",
			slog.String("session_id", current.ID),
			slog.String("jti", claims.ID),
		)
		return nil, model.InvalidToken(op, nil)
	}

	user, err := s.users.FindByID(ctx, current.UserID)
	if err != nil {
		s.recordFailure(op, s.recorder.RecordRefresh, err)
		return nil, err
	}
	if user == nil {
		s.recorder.RecordRefresh(metrics.ResultInvalidToken)
		return nil, model.InvalidToken(op, errors.New("session owner no longer exists"))
	}

	tokens, next, err := s.issue(op, user, SessionMeta{IP: current.IPAddress, UserAgent: current.UserAgent})
	if err != nil {
		s.recordFailure(op, s.recorder.RecordRefresh, err)
		return nil, err
	}

	if err := s.sessions.Rotate(ctx, current.ID, next); err != nil {
		switch model.KindOf(err) {
		case model.KindSessionRevoked, model.KindConflict:
			// 同時リフレッシュに負けた側
			s.recorder.RecordRefresh(metrics.ResultSessionRevoked)
			s.logger.Warn("concurrent refresh lost",
				slog.String("session_id", current.ID),
				slog.String("user_id", user.ID),
			)
			return nil, model.SessionRevoked(op)
		default:
			s.recordFailure(op, s.recorder.RecordRefresh, err)
			return nil, err
		}
	}

	s.recorder.RecordSessionCreated()
	s.recorder.RecordRefresh(metrics.ResultSuccess)
	return &LoginResult{User: user, Tokens: *tokens, Session: next}, nil
}

// Logout はリフレッシュトークンに対応するセッションを失効させる。
// トークンが不正・ストア障害の場合もエラーを返さない。
func (s *Service) Logout(ctx context.Context, refreshToken string) error {
	const op = "auth.logout"

	s.recorder.RecordLogout()

	claims, err := s.tokens.VerifyRefresh(refreshToken)
	if err != nil {
		return nil
	}

	session, err := s.sessions.FindByJTI(ctx, claims.ID)
	if err != nil {
		s.logStoreError(op, err)
		return nil
	}
	if session == nil {
		return nil
	}

	if err := s.sessions.Revoke(ctx, session.ID); err != nil {
		s.logStoreError(op, err)
		return nil
	}

	s.logger.Info("session revoked",
		slog.String("user_id", session.UserID),
		slog.String("session_id", session.ID),
	)
	return nil
}

// CurrentUser は指定IDのユーザーを返す。存在しない場合はKindInvalidTokenを返す。
func (s *Service) CurrentUser(ctx context.Context, userID string) (*model.User, error) {
	const op = "auth.current_user"

	user, err := s.users.FindByID(ctx, userID)
	if err != nil {
		return nil, err
	}
	if user == nil {
		return nil, model.InvalidToken(op, nil)
	}
	return user, nil
}

// issue はトークンペアとそれに対応する未保存のセッションを作る。
func (s *Service) issue(op string, user *model.User, meta SessionMeta) (*model.TokenPair, *model.Session, error) {
	jti, err := s.newJTI()
	if err != nil {
		return nil, nil, model.SigningUnavailable(op, err)
	}

	access, accessExp, err := s.tokens.IssueAccess(user.ID, user.Email)
	if err != nil {
		return nil, nil, model.SigningUnavailable(op, err)
	}
	refresh, refreshExp, err := s.tokens.IssueRefresh(user.ID, jti)
	if err != nil {
		return nil, nil, model.SigningUnavailable(op, err)
	}

	tokens := &model.TokenPair{
		AccessToken:      access,
		AccessExpiresAt:  accessExp,
		RefreshToken:     refresh,
		RefreshExpiresAt: refreshExp,
	}
	session := &model.Session{
		UserID:      user.ID,
		JTI:         jti,
		IPAddress:   meta.IP,
		UserAgent:   meta.UserAgent,
		RefreshHash: security.HashRefreshToken(refresh),
	}
	return tokens, session, nil
}

// recordFailure はインフラ系の失敗を記録し、エラーログを出力する。
func (s *Service) recordFailure(op string, record func(string), err error) {
	record(ResultOf(err))
	s.logStoreError(op, err)
}

func (s *Service) logStoreError(op string, err error) {
	s.logger.Error("auth operation failed",
		slog.String("op", op),
		slog.String("kind", model.KindOf(err).String()),
		slog.String("error", err.Error()),
	)
}

// ResultOf はエラー種別をメトリクスの結果ラベルに変換する。
func ResultOf(err error) string {
	if err == nil {
		return metrics.ResultSuccess
	}
	switch model.KindOf(err) {
	case model.KindInvalidCredentials:
		return metrics.ResultInvalidCredentials
	case model.KindInvalidToken:
		return metrics.ResultInvalidToken
	case model.KindSessionRevoked:
		return metrics.ResultSessionRevoked
	case model.KindConflict:
		return metrics.ResultConflict
	case model.KindValidation:
		return metrics.ResultValidation
	case model.KindProviderError:
		return metrics.ResultProviderError
	default:
		return metrics.ResultError
	}
}
