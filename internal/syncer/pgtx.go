package syncer

import (
	"context"

	"credport/api/internal/store"
)

// PgTxStore adapts the Postgres store to the reconciler's transactional
// interface.
type PgTxStore struct {
	pg *store.PostgresStore
}

func NewPgTxStore(pg *store.PostgresStore) *PgTxStore {
	return &PgTxStore{pg: pg}
}

func (s *PgTxStore) InTx(ctx context.Context, fn func(tx Store) error) error {
	return s.pg.InTx(ctx, func(tx *store.PostgresStore) error {
		return fn(tx)
	})
}
