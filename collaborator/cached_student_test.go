package collaborator

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"sagaflow/cache"
)

type countingLookup struct {
	inner StudentLookup
	calls int
}

func (c *countingLookup) GetStudent(ctx context.Context, id string) (*Student, error) {
	c.calls++
	return c.inner.GetStudent(ctx, id)
}

func TestCachedStudentLookup(t *testing.T) {
	ctx := context.Background()
	inner := &countingLookup{inner: NewMemoryStudentLookup(&Student{StudentID: "abc", SchoolID: "X"})}
	lookup := NewCachedStudentLookup(inner, cache.Config{MaxSize: 10, TTL: time.Minute})

	for i := 0; i < 3; i++ {
		s, err := lookup.GetStudent(ctx, "abc")
		require.NoError(t, err)
		assert.Equal(t, "X", s.SchoolID)
	}
	assert.Equal(t, 1, inner.calls)

	// 不存在的学生每次都查询
	for i := 0; i < 2; i++ {
		_, err := lookup.GetStudent(ctx, "ghost")
		assert.ErrorIs(t, err, ErrStudentNotFound)
	}
	assert.Equal(t, 3, inner.calls)

	stats := lookup.(*CachedStudentLookup).Stats()
	assert.Equal(t, int64(2), stats.Hits)
}

func TestCachedStudentLookup_DisabledReturnsNext(t *testing.T) {
	inner := NewMemoryStudentLookup()
	assert.Same(t, StudentLookup(inner), NewCachedStudentLookup(inner, cache.Config{}))
}
