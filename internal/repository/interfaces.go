// Package repository はデータ永続化のインターフェースとPostgreSQL実装を提供する。
package repository

import (
	"context"
	"database/sql"
	"time"

	"github.com/hitoshi/authsvc/internal/model"
)

// Store はリポジトリが利用するDB接続ハンドル。database.Handleが実装する。
type Store interface {
	DB() *sql.DB
	Available() bool
}

// UserRepository はユーザーデータの永続化インターフェース。
type UserRepository interface {
	// FindByID は指定IDのユーザーを取得する。見つからない場合はnilを返す。
	FindByID(ctx context.Context, id string) (*model.User, error)

	// FindByEmail はメールアドレス（大文字小文字を区別しない）でユーザーを取得する。
	// 見つからない場合はnilを返す。
	FindByEmail(ctx context.Context, email string) (*model.User, error)

	// Create はユーザーを作成する。メールアドレスが重複する場合はKindConflictを返す。
	Create(ctx context.Context, user *model.User) error

	// CreateWithIdentity はユーザーとidentityを同一トランザクションで作成する。
	CreateWithIdentity(ctx context.Context, user *model.User, identity *model.Identity) error
}

// IdentityRepository は外部IdP紐付け情報の永続化インターフェース。
type IdentityRepository interface {
	// FindByProviderAndProviderUserID はproviderとprovider_user_idでidentityを検索する。
	// 見つからない場合はnilを返す。
	FindByProviderAndProviderUserID(ctx context.Context, provider, providerUserID string) (*model.Identity, error)

	// Create は既存ユーザーにidentityを紐付ける。
	Create(ctx context.Context, identity *model.Identity) error
}

// SessionRepository はセッションの永続化インターフェース。
// refresh_hashを更新する操作は持たない。
type SessionRepository interface {
	// Create は有効なセッションを作成する。jtiが重複する場合はKindConflictを返す。
	Create(ctx context.Context, session *model.Session) error

	// FindByJTI はjtiでセッションを取得する。見つからない場合はnilを返す。
	// 失効済みのセッションもそのまま返す。
	FindByJTI(ctx context.Context, jti string) (*model.Session, error)

	// Revoke はセッションを失効させる。冪等であり、最初の失効時刻を保持する。
	Revoke(ctx context.Context, sessionID string) error

	// Rotate は旧セッションの失効と新セッションの作成を同一トランザクションで行う。
	// 旧セッションが既に失効していた場合はKindSessionRevokedを返し、何も書き込まない。
	Rotate(ctx context.Context, oldSessionID string, next *model.Session) error

	// RevokeStale はolderThanより前に作成された有効なセッションを失効させ、件数を返す。
	RevokeStale(ctx context.Context, olderThan time.Time) (int64, error)
}
