package sqlite

import (
	"context"
	"database/sql"

	"github.com/aussiebroadwan/simplechat/internal/chat/store"
	"github.com/aussiebroadwan/simplechat/internal/chat/store/drivers/sqlite/gen"
)

type txStore struct {
	tx *sql.Tx
	q  *gen.Queries
}

func newTx(tx *sql.Tx, q *gen.Queries) *txStore {
	return &txStore{
		tx: tx,
		q:  q.WithTx(tx),
	}
}

func (t *txStore) Commit() error   { return t.tx.Commit() }
func (t *txStore) Rollback() error { return t.tx.Rollback() }

// Close is a no-op, the outer Store owns the database handle.
func (t *txStore) Close() error { return nil }

func (t *txStore) Ping(ctx context.Context) error { return nil }

func (t *txStore) Tx(ctx context.Context) (store.Tx, error) {
	return nil, sql.ErrTxDone
}

func (t *txStore) WithTx(ctx context.Context, fn func(tx store.Tx) error) error {
	return sql.ErrTxDone
}

func (t *txStore) Users() store.Users   { return &usersRepo{q: t.q} }
func (t *txStore) Tokens() store.Tokens { return &tokensRepo{q: t.q} }

func (t *txStore) ApplyMigrations() error { return nil }
