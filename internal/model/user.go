// Package model はドメインモデルを定義する。
package model

import "time"

// User はサービス利用ユーザーを表す。
// PasswordHashが空の場合は外部IdP専用アカウントである。
type User struct {
	ID           string
	Email        string
	Name         string
	PasswordHash string
	CreatedAt    time.Time
	UpdatedAt    time.Time
}

// HasPassword はパスワードログインが可能なアカウントかどうかを返す。
func (u *User) HasPassword() bool {
	return u.PasswordHash != ""
}

// Identity は外部IdPとの紐付け情報を表す。
type Identity struct {
	ID             string
	UserID         string
	Provider       string
	ProviderUserID string
	CreatedAt      time.Time
}

// Session はリフレッシュトークン1つ分の系譜を表す。
// RefreshHashは作成後に変更されない。ローテーションは常に新しいSessionを作る。
type Session struct {
	ID          string
	UserID      string
	JTI         string
	IPAddress   string
	UserAgent   string
	RefreshHash string
	CreatedAt   time.Time
	RevokedAt   *time.Time
}

// IsActive はセッションが失効していないかを返す。
func (s *Session) IsActive() bool {
	return s.RevokedAt == nil
}

// TokenPair はクライアントに渡すアクセストークンとリフレッシュトークンの組。永続化しない。
type TokenPair struct {
	AccessToken      string
	AccessExpiresAt  time.Time
	RefreshToken     string
	RefreshExpiresAt time.Time
}
