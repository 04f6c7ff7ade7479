package database

import (
	"context"
	"fmt"
)

// WithTx 在事务中执行 fn。
//
// fn 返回错误或发生 panic 时回滚，否则提交。传入的 db 已经是事务时
// 直接复用，由外层负责提交。
func WithTx(ctx context.Context, db IDatabase, fn func(tx IDatabase) error) (err error) {
	if tx, ok := db.(ITransaction); ok {
		return fn(tx)
	}

	tx, err := db.Begin(ctx)
	if err != nil {
		return fmt.Errorf("begin transaction: %w", err)
	}

	defer func() {
		if p := recover(); p != nil {
			_ = tx.Rollback()
			panic(p)
		}
		if err != nil {
			_ = tx.Rollback()
		}
	}()

	if err = fn(tx); err != nil {
		return err
	}
	if err = tx.Commit(); err != nil {
		return fmt.Errorf("commit transaction: %w", err)
	}
	return nil
}
