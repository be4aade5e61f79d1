package repository

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgerrcode"
	"github.com/lib/pq"

	"github.com/hitoshi/authsvc/internal/model"
)

// DefaultTimeout はストア操作1回あたりの既定のタイムアウト。
const DefaultTimeout = 5 * time.Second

// base は各Postgresリポジトリに共通の接続取得とタイムアウト処理。
type base struct {
	store   Store
	timeout time.Duration
}

func newBase(store Store, timeout time.Duration) base {
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	return base{store: store, timeout: timeout}
}

// conn は可用性を確認し、タイムアウト付きのコンテキストとDBを返す。
// ハンドルが利用不可の場合はDBに触れずにKindStoreUnavailableを返す。
func (b base) conn(ctx context.Context, op string) (context.Context, context.CancelFunc, *sql.DB, error) {
	if b.store == nil || !b.store.Available() || b.store.DB() == nil {
		return nil, nil, nil, model.StoreUnavailable(op, errors.New("store handle is not available"))
	}
	ctx, cancel := context.WithTimeout(ctx, b.timeout)
	return ctx, cancel, b.store.DB(), nil
}

// classify はドライバエラーをドメインエラーに変換する。
// 一意制約違反はKindConflict、それ以外（タイムアウトを含む）はKindStoreUnavailableとする。
func classify(op, action string, err error) error {
	if err == nil {
		return nil
	}
	if isUniqueViolation(err) {
		if violatedConstraint(err) == emailConstraint {
			return model.EmailTaken(op, err)
		}
		return model.Conflict(op, uniqueMessage(err), err)
	}
	return model.StoreUnavailable(op, fmt.Errorf("failed to %s: %w", action, err))
}

// isUniqueViolation はPostgreSQLの一意制約違反かどうかを判定する。
func isUniqueViolation(err error) bool {
	var pqErr *pq.Error
	if errors.As(err, &pqErr) {
		return string(pqErr.Code) == pgerrcode.UniqueViolation
	}
	return false
}

// emailConstraint はusers.emailの大文字小文字を区別しない一意インデックス名。
const emailConstraint = "users_email_lower_key"

func violatedConstraint(err error) string {
	var pqErr *pq.Error
	if errors.As(err, &pqErr) {
		return pqErr.Constraint
	}
	return ""
}

func uniqueMessage(err error) string {
	switch violatedConstraint(err) {
	case "sessions_jti_key":
		return "token identifier already exists"
	case "identities_provider_provider_user_id_key":
		return "identity is already linked"
	}
	return "duplicate value"
}

func nullString(s string) sql.NullString {
	return sql.NullString{String: s, Valid: s != ""}
}
