package security

import (
	"crypto/sha256"
	"crypto/subtle"
	"encoding/hex"
)

// HashRefreshToken はリフレッシュトークンのSHA-256を16進文字列で返す。
// ストアには生のトークンではなくこの値だけを保存する。
func HashRefreshToken(token string) string {
	sum := sha256.Sum256([]byte(token))
	return hex.EncodeToString(sum[:])
}

// RefreshHashEqual は2つのハッシュを定数時間で比較する。
func RefreshHashEqual(a, b string) bool {
	if a == "" || b == "" {
		return false
	}
	return subtle.ConstantTimeCompare([]byte(a), []byte(b)) == 1
}
