package repository

import (
	"context"
	"database/sql"
	"errors"
	"time"

	"github.com/google/uuid"

	"github.com/hitoshi/authsvc/internal/model"
)

// PostgresSessionRepo はPostgreSQLを使用したセッションリポジトリ。
// 行は削除せず、revoked_atの設定で失効を表す。
type PostgresSessionRepo struct {
	base
	now func() time.Time
}

// NewPostgresSessionRepo はPostgresSessionRepoを生成する。
func NewPostgresSessionRepo(store Store, timeout time.Duration) *PostgresSessionRepo {
	return &PostgresSessionRepo{
		base: newBase(store, timeout),
		now:  func() time.Time { return time.Now().UTC() },
	}
}

const insertSessionSQL = `INSERT INTO sessions (id, user_id, jti, ip_address, user_agent, refresh_hash, created_at)
	 VALUES ($1, $2, $3, $4, $5, $6, $7)`

// Create は有効なセッションを作成する。
func (r *PostgresSessionRepo) Create(ctx context.Context, session *model.Session) error {
	const op = "session.create"

	if err := r.prepare(op, session); err != nil {
		return err
	}

	ctx, cancel, db, err := r.conn(ctx, op)
	if err != nil {
		return err
	}
	defer cancel()

	_, err = db.ExecContext(ctx, insertSessionSQL, sessionArgs(session)...)
	if err != nil {
		return classify(op, "insert session", err)
	}
	return nil
}

// FindByJTI はjtiでセッションを取得する。見つからない場合はnilを返す。
func (r *PostgresSessionRepo) FindByJTI(ctx context.Context, jti string) (*model.Session, error) {
	const op = "session.find_by_jti"

	if jti == "" {
		return nil, nil
	}

	ctx, cancel, db, err := r.conn(ctx, op)
	if err != nil {
		return nil, err
	}
	defer cancel()

	session := &model.Session{}
	var revokedAt sql.NullTime
	err = db.QueryRowContext(ctx,
		`SELECT id, user_id, jti, ip_address, user_agent, refresh_hash, created_at, revoked_at
		 FROM sessions
		 WHERE jti = $1`,
		jti,
	).Scan(&session.ID, &session.UserID, &session.JTI, &session.IPAddress, &session.UserAgent,
		&session.RefreshHash, &session.CreatedAt, &revokedAt)

	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, classify(op, "find session", err)
	}
	if revokedAt.Valid {
		t := revokedAt.Time
		session.RevokedAt = &t
	}
	return session, nil
}

// Revoke はセッションを失効させる。既に失効済みなら最初の失効時刻を保持し、成功を返す。
// 存在しないセッションも成功として扱う。
func (r *PostgresSessionRepo) Revoke(ctx context.Context, sessionID string) error {
	const op = "session.revoke"

	ctx, cancel, db, err := r.conn(ctx, op)
	if err != nil {
		return err
	}
	defer cancel()

	_, err = db.ExecContext(ctx,
		`UPDATE sessions SET revoked_at = COALESCE(revoked_at, $2) WHERE id = $1`,
		sessionID, r.now(),
	)
	if err != nil {
		return classify(op, "revoke session", err)
	}
	return nil
}

// Rotate は旧セッションの失効と新セッションの作成を同一トランザクションで行う。
// 失効は「未失効であること」を条件にした更新で行い、同時に2つのRotateが成功しないようにする。
func (r *PostgresSessionRepo) Rotate(ctx context.Context, oldSessionID string, next *model.Session) error {
	const op = "session.rotate"

	if err := r.prepare(op, next); err != nil {
		return err
	}

	ctx, cancel, db, err := r.conn(ctx, op)
	if err != nil {
		return err
	}
	defer cancel()

	tx, err := db.BeginTx(ctx, nil)
	if err != nil {
		return classify(op, "begin transaction", err)
	}
	defer tx.Rollback()

	result, err := tx.ExecContext(ctx,
		`UPDATE sessions SET revoked_at = $2 WHERE id = $1 AND revoked_at IS NULL`,
		oldSessionID, r.now(),
	)
	if err != nil {
		return classify(op, "revoke previous session", err)
	}
	affected, err := result.RowsAffected()
	if err != nil {
		return classify(op, "get rows affected", err)
	}
	if affected == 0 {
		return model.SessionRevoked(op)
	}

	if _, err := tx.ExecContext(ctx, insertSessionSQL, sessionArgs(next)...); err != nil {
		return classify(op, "insert rotated session", err)
	}

	if err := tx.Commit(); err != nil {
		return classify(op, "commit transaction", err)
	}
	return nil
}

// RevokeStale はolderThanより前に作成された有効なセッションを失効させ、件数を返す。
func (r *PostgresSessionRepo) RevokeStale(ctx context.Context, olderThan time.Time) (int64, error) {
	const op = "session.revoke_stale"

	ctx, cancel, db, err := r.conn(ctx, op)
	if err != nil {
		return 0, err
	}
	defer cancel()

	result, err := db.ExecContext(ctx,
		`UPDATE sessions SET revoked_at = $2 WHERE revoked_at IS NULL AND created_at < $1`,
		olderThan, r.now(),
	)
	if err != nil {
		return 0, classify(op, "revoke stale sessions", err)
	}
	n, err := result.RowsAffected()
	if err != nil {
		return 0, classify(op, "get rows affected", err)
	}
	return n, nil
}

// prepare は書き込み前の必須項目を確認し、IDと作成時刻を補完する。
// jtiまたはrefresh_hashが空のセッションは書き込まない。
func (r *PostgresSessionRepo) prepare(op string, session *model.Session) error {
	if session == nil {
		return model.Validation(op, "session is required")
	}
	if session.UserID == "" || session.JTI == "" || session.RefreshHash == "" {
		return model.Validation(op, "session requires user_id, jti and refresh_hash")
	}
	if session.ID == "" {
		session.ID = uuid.NewString()
	}
	if session.CreatedAt.IsZero() {
		session.CreatedAt = r.now()
	}
	session.RevokedAt = nil
	return nil
}

func sessionArgs(s *model.Session) []any {
	return []any{s.ID, s.UserID, s.JTI, s.IPAddress, s.UserAgent, s.RefreshHash, s.CreatedAt}
}

// compile-time interface check
var _ SessionRepository = (*PostgresSessionRepo)(nil)
