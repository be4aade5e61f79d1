package repository

import (
	"database/sql"
	"testing"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/stretchr/testify/require"
)

// fakeStore はsqlmockのDBを包むStore実装。
type fakeStore struct {
	db          *sql.DB
	unavailable bool
}

func (s *fakeStore) DB() *sql.DB     { return s.db }
func (s *fakeStore) Available() bool { return !s.unavailable }

func newMockStore(t *testing.T) (*fakeStore, sqlmock.Sqlmock) {
	t.Helper()
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })
	return &fakeStore{db: db}, mock
}
