// Package dialect 抽象项目用到的少量 SQL 方言差异
package dialect

import (
	"strconv"
	"strings"

	core "sagaflow/storage/database"
)

// Name 标准化的数据库方言名称
type Name string

const (
	NameSQLite   Name = "sqlite"
	NamePostgres Name = "postgres"
	NameUnknown  Name = ""
)

// Dialect 表示当前数据库的方言能力
type Dialect struct {
	name Name
}

// New 根据 driver 名构造方言（大小写不敏感），pgx 视为 postgres
func New(name string) Dialect {
	switch strings.ToLower(strings.TrimSpace(name)) {
	case "sqlite", "sqlite3":
		return Dialect{name: NameSQLite}
	case "postgres", "postgresql", "pgx":
		return Dialect{name: NamePostgres}
	default:
		return Dialect{name: NameUnknown}
	}
}

// FromDatabase 从 IDatabase 实例推断方言
func FromDatabase(db core.IDatabase) Dialect {
	if p, ok := db.(core.IDialectNameProvider); ok {
		return New(p.GetDialectName())
	}
	return Dialect{name: NameUnknown}
}

// Name 返回标准化方言名
func (d Dialect) Name() Name {
	return d.name
}

// Rebind 将通用占位符 ? 转换为方言特定形式。
//
// 仅 Postgres 需要替换为 $1、$2...；单引号字面量内的 ? 保持原样。
func (d Dialect) Rebind(query string) string {
	if d.name != NamePostgres || !strings.Contains(query, "?") {
		return query
	}

	var sb strings.Builder
	sb.Grow(len(query) + 8)
	n := 1
	inLiteral := false
	for i := 0; i < len(query); i++ {
		ch := query[i]
		switch {
		case ch == '\'':
			inLiteral = !inLiteral
			sb.WriteByte(ch)
		case ch == '?' && !inLiteral:
			sb.WriteByte('$')
			sb.WriteString(strconv.Itoa(n))
			n++
		default:
			sb.WriteByte(ch)
		}
	}
	return sb.String()
}

// IsUniqueViolation 判断错误是否为唯一键/主键冲突
func (d Dialect) IsUniqueViolation(err error) bool {
	if err == nil {
		return false
	}
	msg := strings.ToLower(err.Error())
	switch d.name {
	case NameSQLite:
		return strings.Contains(msg, "unique constraint failed")
	case NamePostgres:
		return strings.Contains(msg, "duplicate key") || strings.Contains(msg, "sqlstate 23505")
	default:
		return strings.Contains(msg, "duplicate key") || strings.Contains(msg, "unique constraint")
	}
}
