// Package middleware はHTTPミドルウェアを提供する。
package middleware

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"

	"github.com/hitoshi/authsvc/internal/model"
	"github.com/hitoshi/authsvc/internal/security"
)

// AccessTokenCookieName はアクセストークンを保持するCookieの名前。
const AccessTokenCookieName = "access_token"

// contextKey はコンテキストに値を格納するための型安全なキー。
type contextKey string

var (
	userIDContextKey = contextKey("user_id")
	userContextKey   = contextKey("user")
)

// AccessVerifier はアクセストークンの検証インターフェース。
type AccessVerifier interface {
	VerifyAccess(token string) (*security.AccessClaims, error)
}

// UserFinder はユーザーの検索に必要なインターフェース。
// repository.UserRepositoryの部分集合として定義する。
type UserFinder interface {
	FindByID(ctx context.Context, id string) (*model.User, error)
}

// NewAuthMiddleware はHTTP Only Cookieのアクセストークンを検証し、
// 認証済みユーザーをリクエストコンテキストに注入するミドルウェアを返す。
// セッションストアには問い合わせない。失敗はすべて同一の401となる。
func NewAuthMiddleware(verifier AccessVerifier, users UserFinder) func(next http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			// 1. Cookieからアクセストークンを取得
			cookie, err := r.Cookie(AccessTokenCookieName)
			if err != nil || cookie.Value == "" {
				WriteUnauthorized(w)
				return
			}

			// 2. 署名・期限・種別を検証
			claims, err := verifier.VerifyAccess(cookie.Value)
			if err != nil {
				WriteUnauthorized(w)
				return
			}

			// 3. ユーザーの存在を確認
			user, err := users.FindByID(r.Context(), claims.Subject)
			if err != nil {
				slog.Error("failed to find user for access token",
					slog.String("user_id", claims.Subject),
					slog.String("kind", model.KindOf(err).String()),
					slog.String("error", err.Error()),
				)
				WriteUnauthorized(w)
				return
			}
			if user == nil {
				WriteUnauthorized(w)
				return
			}

			// 4. 認証済みユーザーをコンテキストに注入
			ctx := ContextWithUser(r.Context(), user)
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}

// UserIDFromContext はリクエストコンテキストからユーザーIDを取得する。
// 認証ミドルウェアを通過したリクエストでのみ有効。
func UserIDFromContext(ctx context.Context) (string, error) {
	userID, ok := ctx.Value(userIDContextKey).(string)
	if !ok || userID == "" {
		return "", fmt.Errorf("user ID not found in context")
	}
	return userID, nil
}

// UserFromContext はリクエストコンテキストから認証済みユーザーを取得する。
func UserFromContext(ctx context.Context) (*model.User, bool) {
	user, ok := ctx.Value(userContextKey).(*model.User)
	return user, ok && user != nil
}

// ContextWithUserID はコンテキストにユーザーIDを注入する。
func ContextWithUserID(ctx context.Context, userID string) context.Context {
	return context.WithValue(ctx, userIDContextKey, userID)
}

// ContextWithUser はコンテキストにユーザーとそのIDを注入する。
func ContextWithUser(ctx context.Context, user *model.User) context.Context {
	noteUserID(ctx, user.ID)
	ctx = context.WithValue(ctx, userContextKey, user)
	return ContextWithUserID(ctx, user.ID)
}
