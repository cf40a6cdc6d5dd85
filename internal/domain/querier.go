package domain

import (
	"context"
	"database/sql"
)

// Querier is satisfied by both *sql.DB and *sql.Tx.
type Querier interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

// TxManager runs fn inside one database transaction. The transaction travels
// in the context handed to fn; nested calls join it instead of opening another.
type TxManager interface {
	WithinTx(ctx context.Context, fn func(ctx context.Context) error) error
}
