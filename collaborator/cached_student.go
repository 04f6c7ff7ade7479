package collaborator

import (
	"context"

	"sagaflow/cache"
)

// CachedStudentLookup 缓存查询到的学生；不存在与出错的结果不缓存
type CachedStudentLookup struct {
	next  StudentLookup
	cache *cache.Cache[string, Student]
}

// NewCachedStudentLookup 包装 next，cfg.MaxSize 与 cfg.TTL 均为 0 时直接返回 next
func NewCachedStudentLookup(next StudentLookup, cfg cache.Config) StudentLookup {
	if cfg.MaxSize == 0 && cfg.TTL == 0 {
		return next
	}
	if cfg.Name == "" {
		cfg.Name = "student-lookup"
	}
	return &CachedStudentLookup{next: next, cache: cache.New[string, Student](cfg)}
}

func (c *CachedStudentLookup) GetStudent(ctx context.Context, studentID string) (*Student, error) {
	if s, ok := c.cache.Get(studentID); ok {
		return &s, nil
	}
	s, err := c.next.GetStudent(ctx, studentID)
	if err != nil {
		return nil, err
	}
	c.cache.Set(studentID, *s)
	return s, nil
}

// Stats 缓存统计
func (c *CachedStudentLookup) Stats() cache.Stats { return c.cache.Stats() }
