package repository

import (
	"context"
	"database/sql"
	"errors"
	"time"

	"github.com/google/uuid"

	"github.com/hitoshi/authsvc/internal/model"
)

// PostgresIdentityRepo はPostgreSQLを使用したidentityリポジトリ。
type PostgresIdentityRepo struct {
	base
}

// NewPostgresIdentityRepo はPostgresIdentityRepoを生成する。
func NewPostgresIdentityRepo(store Store, timeout time.Duration) *PostgresIdentityRepo {
	return &PostgresIdentityRepo{base: newBase(store, timeout)}
}

// FindByProviderAndProviderUserID はproviderとprovider_user_idでidentityを検索する。
// 見つからない場合はnilを返す。
func (r *PostgresIdentityRepo) FindByProviderAndProviderUserID(ctx context.Context, provider, providerUserID string) (*model.Identity, error) {
	const op = "identity.find"

	ctx, cancel, db, err := r.conn(ctx, op)
	if err != nil {
		return nil, err
	}
	defer cancel()

	identity := &model.Identity{}
	err = db.QueryRowContext(ctx,
		`SELECT id, user_id, provider, provider_user_id, created_at
		 FROM identities
		 WHERE provider = $1 AND provider_user_id = $2`,
		provider, providerUserID,
	).Scan(&identity.ID, &identity.UserID, &identity.Provider, &identity.ProviderUserID, &identity.CreatedAt)

	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, classify(op, "find identity", err)
	}
	return identity, nil
}

// Create は既存ユーザーにidentityを紐付ける。
func (r *PostgresIdentityRepo) Create(ctx context.Context, identity *model.Identity) error {
	const op = "identity.create"

	ctx, cancel, db, err := r.conn(ctx, op)
	if err != nil {
		return err
	}
	defer cancel()

	fillIdentityDefaults(identity)

	_, err = db.ExecContext(ctx,
		`INSERT INTO identities (id, user_id, provider, provider_user_id, created_at)
		 VALUES ($1, $2, $3, $4, $5)`,
		identity.ID, identity.UserID, identity.Provider, identity.ProviderUserID, identity.CreatedAt,
	)
	if err != nil {
		return classify(op, "insert identity", err)
	}
	return nil
}

func fillIdentityDefaults(identity *model.Identity) {
	if identity.ID == "" {
		identity.ID = uuid.NewString()
	}
	if identity.CreatedAt.IsZero() {
		identity.CreatedAt = time.Now().UTC()
	}
}

// compile-time interface check
var _ IdentityRepository = (*PostgresIdentityRepo)(nil)
