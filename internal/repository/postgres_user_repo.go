package repository

import (
	"context"
	"database/sql"
	"errors"
	"time"

	"github.com/google/uuid"

	"github.com/hitoshi/authsvc/internal/model"
)

// PostgresUserRepo はPostgreSQLを使用したユーザーリポジトリ。
type PostgresUserRepo struct {
	base
}

// NewPostgresUserRepo はPostgresUserRepoを生成する。timeoutが0以下の場合はDefaultTimeoutを使う。
func NewPostgresUserRepo(store Store, timeout time.Duration) *PostgresUserRepo {
	return &PostgresUserRepo{base: newBase(store, timeout)}
}

const userColumns = `id, email, name, password_hash, created_at, updated_at`

// FindByID は指定IDのユーザーを取得する。見つからない場合はnilを返す。
// UUIDとして解釈できないIDは該当なしとして扱う。
func (r *PostgresUserRepo) FindByID(ctx context.Context, id string) (*model.User, error) {
	const op = "user.find_by_id"

	if _, err := uuid.Parse(id); err != nil {
		return nil, nil
	}

	ctx, cancel, db, err := r.conn(ctx, op)
	if err != nil {
		return nil, err
	}
	defer cancel()

	row := db.QueryRowContext(ctx, `SELECT `+userColumns+` FROM users WHERE id = $1`, id)
	user, err := scanUser(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, classify(op, "find user by ID", err)
	}
	return user, nil
}

// FindByEmail はメールアドレスでユーザーを取得する。見つからない場合はnilを返す。
func (r *PostgresUserRepo) FindByEmail(ctx context.Context, email string) (*model.User, error) {
	const op = "user.find_by_email"

	ctx, cancel, db, err := r.conn(ctx, op)
	if err != nil {
		return nil, err
	}
	defer cancel()

	row := db.QueryRowContext(ctx, `SELECT `+userColumns+` FROM users WHERE lower(email) = lower($1)`, email)
	user, err := scanUser(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, classify(op, "find user by email", err)
	}
	return user, nil
}

// Create はユーザーを作成する。ID・タイムスタンプが未設定なら補完する。
func (r *PostgresUserRepo) Create(ctx context.Context, user *model.User) error {
	const op = "user.create"

	ctx, cancel, db, err := r.conn(ctx, op)
	if err != nil {
		return err
	}
	defer cancel()

	fillUserDefaults(user)

	_, err = db.ExecContext(ctx,
		`INSERT INTO users (id, email, name, password_hash, created_at, updated_at)
		 VALUES ($1, $2, $3, $4, $5, $6)`,
		user.ID, user.Email, user.Name, nullString(user.PasswordHash), user.CreatedAt, user.UpdatedAt,
	)
	if err != nil {
		return classify(op, "insert user", err)
	}
	return nil
}

// CreateWithIdentity はユーザーとidentityを同一トランザクションで作成する。
func (r *PostgresUserRepo) CreateWithIdentity(ctx context.Context, user *model.User, identity *model.Identity) error {
	const op = "user.create_with_identity"

	ctx, cancel, db, err := r.conn(ctx, op)
	if err != nil {
		return err
	}
	defer cancel()

	fillUserDefaults(user)
	identity.UserID = user.ID
	fillIdentityDefaults(identity)

	tx, err := db.BeginTx(ctx, nil)
	if err != nil {
		return classify(op, "begin transaction", err)
	}
	defer tx.Rollback()

	// ユーザーを作成
	_, err = tx.ExecContext(ctx,
		`INSERT INTO users (id, email, name, password_hash, created_at, updated_at)
		 VALUES ($1, $2, $3, $4, $5, $6)`,
		user.ID, user.Email, user.Name, nullString(user.PasswordHash), user.CreatedAt, user.UpdatedAt,
	)
	if err != nil {
		return classify(op, "insert user", err)
	}

	// identityを作成
	_, err = tx.ExecContext(ctx,
		`INSERT INTO identities (id, user_id, provider, provider_user_id, created_at)
		 VALUES ($1, $2, $3, $4, $5)`,
		identity.ID, identity.UserID, identity.Provider, identity.ProviderUserID, identity.CreatedAt,
	)
	if err != nil {
		return classify(op, "insert identity", err)
	}

	if err := tx.Commit(); err != nil {
		return classify(op, "commit transaction", err)
	}
	return nil
}

func scanUser(row *sql.Row) (*model.User, error) {
	user := &model.User{}
	var hash sql.NullString
	if err := row.Scan(&user.ID, &user.Email, &user.Name, &hash, &user.CreatedAt, &user.UpdatedAt); err != nil {
		return nil, err
	}
	user.PasswordHash = hash.String
	return user, nil
}

func fillUserDefaults(user *model.User) {
	if user.ID == "" {
		user.ID = uuid.NewString()
	}
	now := time.Now().UTC()
	if user.CreatedAt.IsZero() {
		user.CreatedAt = now
	}
	if user.UpdatedAt.IsZero() {
		user.UpdatedAt = user.CreatedAt
	}
}

// compile-time interface check
var _ UserRepository = (*PostgresUserRepo)(nil)
