package sql

import (
	"context"
	"database/sql"
	"strings"

	core "sagaflow/storage/database"
)

type insertBuilder struct {
	db core.IDatabase

	table      string
	columns    []string
	rows       [][]any
	conflictOn []string
	ignoreDup  bool
}

func (b *insertBuilder) Columns(cols ...string) IInsertBuilder {
	b.columns = cols
	return b
}

func (b *insertBuilder) Values(vals ...any) IInsertBuilder {
	if len(vals) > 0 {
		b.rows = append(b.rows, vals)
	}
	return b
}

func (b *insertBuilder) OnConflictDoNothing(keyCols ...string) IInsertBuilder {
	b.ignoreDup = true
	b.conflictOn = keyCols
	return b
}

func (b *insertBuilder) Build() (string, []any) {
	if !isSafeIdentifier(b.table) {
		panic("insertBuilder: unsafe table name " + b.table)
	}
	if len(b.columns) == 0 {
		panic("insertBuilder: Columns is required")
	}
	if len(b.rows) == 0 {
		panic("insertBuilder: at least one row is required")
	}

	var sb strings.Builder
	args := make([]any, 0, len(b.rows)*len(b.columns))

	sb.WriteString("INSERT INTO ")
	sb.WriteString(b.table)
	sb.WriteString(" (")
	for i, col := range b.columns {
		if !isSafeIdentifier(col) {
			panic("insertBuilder: unsafe column name " + col)
		}
		if i > 0 {
			sb.WriteString(", ")
		}
		sb.WriteString(col)
	}
	sb.WriteString(") VALUES ")

	rowPlaceholder := "(" + strings.TrimSuffix(strings.Repeat("?, ", len(b.columns)), ", ") + ")"
	for i, row := range b.rows {
		if len(row) != len(b.columns) {
			panic("insertBuilder: values length mismatch columns length")
		}
		if i > 0 {
			sb.WriteString(", ")
		}
		sb.WriteString(rowPlaceholder)
		args = append(args, row...)
	}

	if b.ignoreDup {
		sb.WriteString(" ON CONFLICT")
		if len(b.conflictOn) > 0 {
			sb.WriteString(" (" + strings.Join(b.conflictOn, ", ") + ")")
		}
		sb.WriteString(" DO NOTHING")
	}
	return sb.String(), args
}

func (b *insertBuilder) Exec(ctx context.Context) (sql.Result, error) {
	q, args := b.Build()
	return b.db.Exec(ctx, q, args...)
}
