package sql

import (
	"context"
	"database/sql"
	"strings"

	core "sagaflow/storage/database"
)

type updateBuilder struct {
	db core.IDatabase

	table     string
	sets      []string
	setArgs   []any
	whereExpr []string
	whereArgs []any
}

func (b *updateBuilder) Set(col string, val any) IUpdateBuilder {
	if col == "" {
		return b
	}
	b.sets = append(b.sets, col+" = ?")
	b.setArgs = append(b.setArgs, val)
	return b
}

func (b *updateBuilder) SetExpr(expr string, args ...any) IUpdateBuilder {
	if expr == "" {
		return b
	}
	b.sets = append(b.sets, expr)
	b.setArgs = append(b.setArgs, args...)
	return b
}

func (b *updateBuilder) Where(cond string, args ...any) IUpdateBuilder {
	if cond != "" {
		b.whereExpr = append(b.whereExpr, cond)
		b.whereArgs = append(b.whereArgs, args...)
	}
	return b
}

func (b *updateBuilder) Build() (string, []any) {
	if !isSafeIdentifier(b.table) {
		panic("updateBuilder: unsafe table name " + b.table)
	}
	if len(b.sets) == 0 {
		panic("updateBuilder: no columns or expressions to set")
	}

	var sb strings.Builder
	args := make([]any, 0, len(b.setArgs)+len(b.whereArgs))

	sb.WriteString("UPDATE ")
	sb.WriteString(b.table)
	sb.WriteString(" SET ")
	sb.WriteString(strings.Join(b.sets, ", "))
	args = append(args, b.setArgs...)

	if len(b.whereExpr) > 0 {
		sb.WriteString(" WHERE ")
		sb.WriteString(strings.Join(b.whereExpr, " AND "))
		args = append(args, b.whereArgs...)
	}
	return sb.String(), args
}

func (b *updateBuilder) Exec(ctx context.Context) (sql.Result, error) {
	q, args := b.Build()
	return b.db.Exec(ctx, q, args...)
}

// RowsAffected 读取影响行数，驱动不支持时视为 0
func RowsAffected(res sql.Result) int64 {
	if res == nil {
		return 0
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0
	}
	return n
}
