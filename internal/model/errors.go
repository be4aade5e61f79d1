// Package model はドメインモデルを定義する。
package model

import (
	"errors"
	"fmt"
)

// APIError は統一エラーフォーマットを表す。
// UIに表示する原因カテゴリと対処方法を含む。
type APIError struct {
	Code     string // エラーコード
	Message  string // エラーメッセージ
	Category string // カテゴリ: auth, validation, system
	Action   string // ユーザー向け対処方法
}

// Error はerrorインターフェースを実装する。
func (e *APIError) Error() string {
	return fmt.Sprintf("[%s] %s", e.Code, e.Message)
}

// ErrorKind は認証コアが返すエラーの種別。閉じた集合として扱い、
// 呼び出し側はswitchで網羅的に処理する。
type ErrorKind int

const (
	// KindInternal は分類されていない内部エラー。
	KindInternal ErrorKind = iota
	// KindInvalidCredentials はメールアドレス不明またはパスワード不一致。
	KindInvalidCredentials
	// KindInvalidToken は署名・期限・構造のいずれかが不正なトークン、またはハッシュ不一致。
	KindInvalidToken
	// KindSessionRevoked はセッションが存在しないか失効済み。
	KindSessionRevoked
	// KindConflict はメールアドレスまたはjtiの重複。
	KindConflict
	// KindValidation は入力値の検証エラー。
	KindValidation
	// KindProviderError は外部IdPのアサーション失敗または拒否。
	KindProviderError
	// KindStoreUnavailable はセッションストアへの到達不能またはタイムアウト。
	KindStoreUnavailable
	// KindSigningUnavailable はトークン署名の失敗。
	KindSigningUnavailable
)

// String はログ出力用の種別名を返す。
func (k ErrorKind) String() string {
	switch k {
	case KindInvalidCredentials:
		return "invalid_credentials"
	case KindInvalidToken:
		return "invalid_token"
	case KindSessionRevoked:
		return "session_revoked"
	case KindConflict:
		return "conflict"
	case KindValidation:
		return "validation"
	case KindProviderError:
		return "provider_error"
	case KindStoreUnavailable:
		return "store_unavailable"
	case KindSigningUnavailable:
		return "signing_unavailable"
	default:
		return "internal"
	}
}

// Error は種別付きのドメインエラー。
// Opは発生箇所、Messageは呼び出し側に見せてよい説明（検証・重複エラーのみ）。
type Error struct {
	Kind    ErrorKind
	Op      string
	Message string
	Err     error
}

// NewError はErrorを生成する。
func NewError(kind ErrorKind, op, message string, err error) *Error {
	return &Error{Kind: kind, Op: op, Message: message, Err: err}
}

// Error はerrorインターフェースを実装する。
func (e *Error) Error() string {
	msg := e.Message
	if msg == "" {
		msg = e.Kind.String()
	}
	if e.Err != nil {
		return fmt.Sprintf("%s: %s: %v", e.Op, msg, e.Err)
	}
	return fmt.Sprintf("%s: %s", e.Op, msg)
}

// Unwrap は原因エラーを返す。
func (e *Error) Unwrap() error {
	return e.Err
}

// Is は同じ種別のErrorとの比較でtrueを返す。
// errors.Is(err, &model.Error{Kind: model.KindConflict}) のように使う。
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	if !ok {
		return false
	}
	return t.Kind == e.Kind
}

// KindOf はエラーチェーンからErrorKindを取り出す。
// 種別を持たないエラーはKindInternalとして扱う。
func KindOf(err error) ErrorKind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return KindInternal
}

// IsKind はerrが指定種別かどうかを返す。
func IsKind(err error, kind ErrorKind) bool {
	return err != nil && KindOf(err) == kind
}

// InvalidCredentials は認証情報不一致エラーを生成する。
func InvalidCredentials(op string) *Error {
	return NewError(KindInvalidCredentials, op, "", nil)
}

// InvalidToken はトークン不正エラーを生成する。
func InvalidToken(op string, err error) *Error {
	return NewError(KindInvalidToken, op, "", err)
}

// SessionRevoked はセッション失効エラーを生成する。
func SessionRevoked(op string) *Error {
	return NewError(KindSessionRevoked, op, "", nil)
}

// ErrEmailTaken はメールアドレス重複を示すマーカー。
// KindConflictのうち、これを含むものだけが409として呼び出し側に返る。
var ErrEmailTaken = errors.New("email taken")

// EmailTaken はメールアドレス重複のKindConflictを生成する。causeはnilでもよい。
func EmailTaken(op string, cause error) *Error {
	err := ErrEmailTaken
	if cause != nil {
		err = fmt.Errorf("%w: %w", ErrEmailTaken, cause)
	}
	return Conflict(op, "email is already registered", err)
}

// Conflict は重複エラーを生成する。
func Conflict(op, message string, err error) *Error {
	return NewError(KindConflict, op, message, err)
}

// Validation は入力検証エラーを生成する。
func Validation(op, message string) *Error {
	return NewError(KindValidation, op, message, nil)
}

// ProviderError は外部IdPエラーを生成する。
func ProviderError(op string, err error) *Error {
	return NewError(KindProviderError, op, "", err)
}

// StoreUnavailable はストア到達不能エラーを生成する。
func StoreUnavailable(op string, err error) *Error {
	return NewError(KindStoreUnavailable, op, "", err)
}

// SigningUnavailable は署名失敗エラーを生成する。
func SigningUnavailable(op string, err error) *Error {
	return NewError(KindSigningUnavailable, op, "", err)
}

// 定義済みエラーコード
const (
	ErrCodeUnauthorized      = "UNAUTHORIZED"
	ErrCodeValidation        = "VALIDATION_ERROR"
	ErrCodeInvalidRequest    = "INVALID_REQUEST"
	ErrCodeEmailTaken        = "EMAIL_TAKEN"
	ErrCodeStoreUnavailable  = "STORE_UNAVAILABLE"
	ErrCodeInternal          = "INTERNAL_ERROR"
	ErrCodeRateLimitExceeded = "RATE_LIMIT_EXCEEDED"
)

// NewUnauthorizedError は認証失敗の統一エラーを生成する。
// パスワード不一致・トークン不正・セッション失効のすべてでこの同一内容を返す。
func NewUnauthorizedError() *APIError {
	return &APIError{
		Code:     ErrCodeUnauthorized,
		Message:  "authentication required",
		Category: "auth",
		Action:   "再度ログインしてください。",
	}
}

// NewValidationError は入力検証エラーを生成する。
func NewValidationError(message string) *APIError {
	return &APIError{
		Code:     ErrCodeValidation,
		Message:  message,
		Category: "validation",
		Action:   "入力内容を確認してください。",
	}
}

// NewEmailTakenError はメールアドレス重複エラーを生成する。
func NewEmailTakenError() *APIError {
	return &APIError{
		Code:     ErrCodeEmailTaken,
		Message:  "email is already registered",
		Category: "validation",
		Action:   "別のメールアドレスを使用するか、ログインしてください。",
	}
}

// NewStoreUnavailableError はストア障害時のエラーを生成する。詳細はログのみに記録する。
func NewStoreUnavailableError() *APIError {
	return &APIError{
		Code:     ErrCodeStoreUnavailable,
		Message:  "service temporarily unavailable",
		Category: "system",
		Action:   "しばらく待ってから再度お試しください。",
	}
}
