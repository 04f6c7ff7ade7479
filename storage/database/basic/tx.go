package basic

import (
	"context"
	"database/sql"
	"errors"

	core "sagaflow/storage/database"
	"sagaflow/storage/database/dialect"
)

// ErrNestedTx 事务内不支持再次开启事务
var ErrNestedTx = errors.New("basic: nested transactions are not supported")

// Tx 事务实现，同时满足 core.IDatabase，可直接传给仓储
type Tx struct {
	db      *sql.DB
	tx      *sql.Tx
	driver  string
	dialect dialect.Dialect
}

func (t *Tx) Query(ctx context.Context, query string, args ...any) (core.IRows, error) {
	rows, err := t.tx.QueryContext(ctx, t.dialect.Rebind(query), args...)
	if err != nil {
		return nil, err
	}
	return rows, nil
}

func (t *Tx) QueryRow(ctx context.Context, query string, args ...any) core.IRow {
	return t.tx.QueryRowContext(ctx, t.dialect.Rebind(query), args...)
}

func (t *Tx) Exec(ctx context.Context, query string, args ...any) (sql.Result, error) {
	return t.tx.ExecContext(ctx, t.dialect.Rebind(query), args...)
}

func (t *Tx) Begin(context.Context) (core.ITransaction, error) { return nil, ErrNestedTx }

func (t *Tx) BeginTx(context.Context, *sql.TxOptions) (core.ITransaction, error) {
	return nil, ErrNestedTx
}

func (t *Tx) Ping(ctx context.Context) error { return t.db.PingContext(ctx) }
func (t *Tx) Close() error                   { return nil }

func (t *Tx) Commit() error   { return t.tx.Commit() }
func (t *Tx) Rollback() error { return t.tx.Rollback() }

// GetDialectName 事务上下文中复用方言能力
func (t *Tx) GetDialectName() string { return t.driver }
