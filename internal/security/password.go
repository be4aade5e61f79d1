// Package security はパスワードハッシュ、トークン署名、入力サニタイズを提供する。
package security

import (
	"fmt"

	"golang.org/x/crypto/bcrypt"
)

// DefaultBcryptCost はBCRYPT_COST未指定時のコスト。
const DefaultBcryptCost = 12

// ErrPasswordTooLong はbcryptの入力上限（72バイト）を超えたパスワードを示す。
var ErrPasswordTooLong = bcrypt.ErrPasswordTooLong

// PasswordHasher はbcryptによるパスワードのハッシュ化と照合を行う。
type PasswordHasher struct {
	cost  int
	dummy []byte
}

// NewPasswordHasher はPasswordHasherを生成する。
// costはbcryptの許容範囲に丸める。
func NewPasswordHasher(cost int) *PasswordHasher {
	if cost < bcrypt.MinCost {
		cost = bcrypt.MinCost
	}
	if cost > bcrypt.MaxCost {
		cost = bcrypt.MaxCost
	}

	// 未登録ユーザーの照合でも同じ計算量を消費させるためのハッシュ
	dummy, err := bcrypt.GenerateFromPassword([]byte("dummy-password-for-timing"), cost)
	if err != nil {
		dummy = nil
	}

	return &PasswordHasher{cost: cost, dummy: dummy}
}

// Hash はパスワードのbcryptハッシュを返す。
func (h *PasswordHasher) Hash(password string) (string, error) {
	hash, err := bcrypt.GenerateFromPassword([]byte(password), h.cost)
	if err != nil {
		return "", fmt.Errorf("failed to hash password: %w", err)
	}
	return string(hash), nil
}

// Verify はパスワードが保存済みハッシュと一致するかを返す。
// 比較は定数時間で行われる。ハッシュが空・不正な形式の場合もfalseを返し、エラーにはしない。
func (h *PasswordHasher) Verify(password, hash string) bool {
	if hash == "" {
		return false
	}
	return bcrypt.CompareHashAndPassword([]byte(hash), []byte(password)) == nil
}

// DummyVerify は存在しないアカウントに対して照合と同等の時間を消費する。
// 結果は常に破棄する。
func (h *PasswordHasher) DummyVerify(password string) {
	if h.dummy == nil {
		return
	}
	_ = bcrypt.CompareHashAndPassword(h.dummy, []byte(password))
}

// Cost は実際に使用するbcryptコストを返す。
func (h *PasswordHasher) Cost() int {
	return h.cost
}
