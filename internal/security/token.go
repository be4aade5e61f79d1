package security

import (
	"crypto/rand"
	"encoding/hex"
	"errors"
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

// ErrInvalidToken はトークン検証失敗を表す唯一のエラー。
// 署名不一致・期限切れ・構造不正を呼び出し側に区別させない。
var ErrInvalidToken = errors.New("invalid token")

const (
	tokenTypeAccess  = "access"
	tokenTypeRefresh = "refresh"

	audienceAccess  = "authsvc-access"
	audienceRefresh = "authsvc-refresh"

	// DefaultAccessTTL はアクセストークンの既定の有効期間。
	DefaultAccessTTL = 15 * time.Minute
	// DefaultRefreshTTL はリフレッシュトークンの既定の有効期間。
	DefaultRefreshTTL = 30 * 24 * time.Hour
)

// AccessClaims はアクセストークンのペイロード。
type AccessClaims struct {
	Email string `json:"email"`
	Type  string `json:"typ"`
	jwt.RegisteredClaims
}

// RefreshClaims はリフレッシュトークンのペイロード。ID(jti)でセッションと紐づく。
type RefreshClaims struct {
	Type string `json:"typ"`
	jwt.RegisteredClaims
}

// TokenConfig はTokenSignerの設定。
type TokenConfig struct {
	AccessSecret  []byte
	RefreshSecret []byte
	AccessTTL     time.Duration
	RefreshTTL    time.Duration
	Issuer        string
}

// TokenSigner はHS256でアクセス/リフレッシュトークンを発行・検証する。
// 秘密鍵とペイロードのみに依存し、状態を持たない。
type TokenSigner struct {
	config TokenConfig
	now    func() time.Time
}

// TokenOption はTokenSignerのオプション。
type TokenOption func(*TokenSigner)

// WithClock は現在時刻の取得関数を差し替える。
func WithClock(now func() time.Time) TokenOption {
	return func(s *TokenSigner) {
		s.now = now
	}
}

// NewTokenSigner はTokenSignerを生成する。
func NewTokenSigner(config TokenConfig, opts ...TokenOption) (*TokenSigner, error) {
	if len(config.AccessSecret) == 0 || len(config.RefreshSecret) == 0 {
		return nil, errors.New("token secrets must not be empty")
	}
	if config.AccessTTL <= 0 {
		config.AccessTTL = DefaultAccessTTL
	}
	if config.RefreshTTL <= 0 {
		config.RefreshTTL = DefaultRefreshTTL
	}
	if config.Issuer == "" {
		config.Issuer = "authsvc"
	}

	s := &TokenSigner{config: config, now: time.Now}
	for _, opt := range opts {
		opt(s)
	}
	return s, nil
}

// AccessTTL はアクセストークンの有効期間を返す。
func (s *TokenSigner) AccessTTL() time.Duration { return s.config.AccessTTL }

// RefreshTTL はリフレッシュトークンの有効期間を返す。
func (s *TokenSigner) RefreshTTL() time.Duration { return s.config.RefreshTTL }

// IssueAccess はユーザーIDとメールアドレスを含むアクセストークンを発行する。
func (s *TokenSigner) IssueAccess(userID, email string) (string, time.Time, error) {
	now := s.now()
	exp := now.Add(s.config.AccessTTL)

	claims := AccessClaims{
		Email: email,
		Type:  tokenTypeAccess,
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   userID,
			Issuer:    s.config.Issuer,
			Audience:  jwt.ClaimStrings{audienceAccess},
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(exp),
		},
	}

	signed, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(s.config.AccessSecret)
	if err != nil {
		return "", time.Time{}, fmt.Errorf("failed to sign access token: %w", err)
	}
	return signed, exp, nil
}

// IssueRefresh はユーザーIDとjtiを含むリフレッシュトークンを発行する。
func (s *TokenSigner) IssueRefresh(userID, jti string) (string, time.Time, error) {
	now := s.now()
	exp := now.Add(s.config.RefreshTTL)

	claims := RefreshClaims{
		Type: tokenTypeRefresh,
		RegisteredClaims: jwt.RegisteredClaims{
			ID:        jti,
			Subject:   userID,
			Issuer:    s.config.Issuer,
			Audience:  jwt.ClaimStrings{audienceRefresh},
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(exp),
		},
	}

	signed, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(s.config.RefreshSecret)
	if err != nil {
		return "", time.Time{}, fmt.Errorf("failed to sign refresh token: %w", err)
	}
	return signed, exp, nil
}

// VerifyAccess はアクセストークンを検証してペイロードを返す。
// 失敗時は理由によらずErrInvalidTokenを返す。
func (s *TokenSigner) VerifyAccess(token string) (*AccessClaims, error) {
	claims := &AccessClaims{}
	if err := s.parse(token, claims, s.config.AccessSecret, audienceAccess); err != nil {
		return nil, ErrInvalidToken
	}
	if claims.Type != tokenTypeAccess || claims.Subject == "" {
		return nil, ErrInvalidToken
	}
	return claims, nil
}

// VerifyRefresh はリフレッシュトークンを検証してペイロードを返す。
// 失敗時は理由によらずErrInvalidTokenを返す。
func (s *TokenSigner) VerifyRefresh(token string) (*RefreshClaims, error) {
	claims := &RefreshClaims{}
	if err := s.parse(token, claims, s.config.RefreshSecret, audienceRefresh); err != nil {
		return nil, ErrInvalidToken
	}
	if claims.Type != tokenTypeRefresh || claims.Subject == "" || claims.ID == "" {
		return nil, ErrInvalidToken
	}
	return claims, nil
}

func (s *TokenSigner) parse(token string, claims jwt.Claims, secret []byte, audience string) error {
	if token == "" {
		return ErrInvalidToken
	}
	parsed, err := jwt.ParseWithClaims(token, claims,
		func(*jwt.Token) (any, error) { return secret, nil },
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithIssuer(s.config.Issuer),
		jwt.WithAudience(audience),
		jwt.WithExpirationRequired(),
		jwt.WithTimeFunc(s.now),
	)
	if err != nil {
		return err
	}
	if !parsed.Valid {
		return ErrInvalidToken
	}
	return nil
}

// NewJTI はトークン識別子として使うランダムな16バイトの16進文字列を生成する。
func NewJTI() (string, error) {
	b := make([]byte, 16)
	if _, err := rand.Read(b); err != nil {
		return "", fmt.Errorf("failed to generate jti: %w", err)
	}
	return hex.EncodeToString(b), nil
}
