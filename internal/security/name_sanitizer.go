package security

import (
	"html"
	"strings"
	"unicode/utf8"

	"github.com/microcosm-cc/bluemonday"
)

// MaxNameLength は表示名として保存する最大文字数。
const MaxNameLength = 100

// NameSanitizer はユーザー表示名からマークアップを除去する。
// 登録フォームとGoogleプロフィールの両方の入力に適用する。
type NameSanitizer struct {
	policy *bluemonday.Policy
}

// NewNameSanitizer はNameSanitizerを生成する。
// 表示名にタグは不要なため、すべての要素を除去するStrictPolicyを使う。
func NewNameSanitizer() *NameSanitizer {
	return &NameSanitizer{policy: bluemonday.StrictPolicy()}
}

// Sanitize はタグを除去し、連続する空白を1つにまとめた表示名を返す。
// エスケープされた実体参照は元の文字に戻して保存する（出力時のエスケープは表示側の責務）。
func (s *NameSanitizer) Sanitize(name string) string {
	cleaned := html.UnescapeString(s.policy.Sanitize(name))
	cleaned = strings.Join(strings.Fields(cleaned), " ")

	if utf8.RuneCountInString(cleaned) > MaxNameLength {
		runes := []rune(cleaned)
		cleaned = string(runes[:MaxNameLength])
	}
	return cleaned
}
