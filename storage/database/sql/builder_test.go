package sql

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestSelectBuild(t *testing.T) {
	q, args := New(nil).Select("event_id", "status").
		From("event_store").
		Where("status = ?", "DB_COMMITTED").
		WhereIn("delivery_mode", "QUEUE", "STREAM").
		OrderBy("created_at ASC").
		Limit(50).
		Build()

	assert.Equal(t,
		"SELECT event_id, status FROM event_store WHERE status = ? AND delivery_mode IN (?, ?) ORDER BY created_at ASC LIMIT ?",
		q)
	assert.Equal(t, []any{"DB_COMMITTED", "QUEUE", "STREAM", 50}, args)
}

func TestSelectBuild_EmptyIn(t *testing.T) {
	q, args := New(nil).Select("COUNT(*)").From("saga").WhereIn("status").Build()
	assert.Equal(t, "SELECT COUNT(*) FROM saga WHERE 1 = 0", q)
	assert.Empty(t, args)
}

func TestInsertBuild_OnConflict(t *testing.T) {
	q, args := New(nil).InsertInto("event_store").
		Columns("event_id", "status").
		Values("e-1", "DB_COMMITTED").
		OnConflictDoNothing("event_id").
		Build()
	assert.Equal(t, "INSERT INTO event_store (event_id, status) VALUES (?, ?) ON CONFLICT (event_id) DO NOTHING", q)
	assert.Equal(t, []any{"e-1", "DB_COMMITTED"}, args)
}

func TestUpdateBuild_ArgOrder(t *testing.T) {
	q, args := New(nil).Update("scheduler_lock").
		Set("locked_by", "node-b").
		SetExpr("lock_until = ?", "t1").
		Where("name = ?", "sweep").
		Where("lock_until <= ?", "t0").
		Build()
	assert.Equal(t, "UPDATE scheduler_lock SET locked_by = ?, lock_until = ? WHERE name = ? AND lock_until <= ?", q)
	assert.Equal(t, []any{"node-b", "t1", "sweep", "t0"}, args)
}

func TestUnsafeIdentifierPanics(t *testing.T) {
	assert.Panics(t, func() {
		New(nil).Select().From("saga; DROP TABLE saga").Build()
	})
	assert.True(t, isSafeIdentifier("public.saga"))
	assert.False(t, isSafeIdentifier("1saga"))
}
