// Package dbtest 为各仓储测试提供已迁移的内存 sqlite 数据库
package dbtest

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"
	_ "modernc.org/sqlite"

	core "sagaflow/storage/database"
	"sagaflow/storage/database/basic"
	"sagaflow/storage/database/schema"
)

// NewSQLite 打开内存 sqlite 并执行核心 DDL 与 extra DDL。
//
// 内存库按连接隔离，因此连接池固定为 1；事务内只能使用事务句柄访问数据库。
func NewSQLite(t testing.TB, extra ...string) *basic.DB {
	t.Helper()

	db, err := basic.Open(core.DBConfig{Driver: "sqlite", DSN: ":memory:", MaxOpenConns: 1})
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })

	require.NoError(t, schema.Migrate(context.Background(), db, extra...))
	return db
}
