package sql

import (
	"context"
	"strings"

	core "sagaflow/storage/database"
)

type selectBuilder struct {
	db core.IDatabase

	cols    []string
	table   string
	where   []string
	args    []any
	groupBy []string
	orderBy string
	limit   int
}

func (b *selectBuilder) From(table string) ISelectBuilder {
	b.table = table
	return b
}

func (b *selectBuilder) Where(cond string, args ...any) ISelectBuilder {
	if cond != "" {
		b.where = append(b.where, cond)
		b.args = append(b.args, args...)
	}
	return b
}

// WhereIn 追加 column IN (?, ?...)；values 为空时条件恒假
func (b *selectBuilder) WhereIn(column string, values ...any) ISelectBuilder {
	if len(values) == 0 {
		b.where = append(b.where, "1 = 0")
		return b
	}
	placeholders := strings.TrimSuffix(strings.Repeat("?, ", len(values)), ", ")
	b.where = append(b.where, column+" IN ("+placeholders+")")
	b.args = append(b.args, values...)
	return b
}

func (b *selectBuilder) GroupBy(cols ...string) ISelectBuilder {
	b.groupBy = append(b.groupBy, cols...)
	return b
}

func (b *selectBuilder) OrderBy(expr string) ISelectBuilder {
	b.orderBy = expr
	return b
}

func (b *selectBuilder) Limit(n int) ISelectBuilder {
	b.limit = n
	return b
}

func (b *selectBuilder) Build() (string, []any) {
	if !isSafeIdentifier(b.table) {
		panic("selectBuilder: unsafe table name " + b.table)
	}

	var sb strings.Builder
	args := make([]any, 0, len(b.args)+1)
	args = append(args, b.args...)

	sb.WriteString("SELECT ")
	sb.WriteString(strings.Join(b.cols, ", "))
	sb.WriteString(" FROM ")
	sb.WriteString(b.table)
	if len(b.where) > 0 {
		sb.WriteString(" WHERE ")
		sb.WriteString(strings.Join(b.where, " AND "))
	}
	if len(b.groupBy) > 0 {
		sb.WriteString(" GROUP BY ")
		sb.WriteString(strings.Join(b.groupBy, ", "))
	}
	if b.orderBy != "" {
		sb.WriteString(" ORDER BY ")
		sb.WriteString(b.orderBy)
	}
	if b.limit > 0 {
		sb.WriteString(" LIMIT ?")
		args = append(args, b.limit)
	}
	return sb.String(), args
}

func (b *selectBuilder) Query(ctx context.Context) (core.IRows, error) {
	q, args := b.Build()
	return b.db.Query(ctx, q, args...)
}

func (b *selectBuilder) QueryRow(ctx context.Context) core.IRow {
	q, args := b.Build()
	return b.db.QueryRow(ctx, q, args...)
}
