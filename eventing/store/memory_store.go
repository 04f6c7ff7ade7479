package store

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"sagaflow/eventing"
	"sagaflow/storage/database"
)

// MemoryEventStore 内存事件存储，exec 参数被忽略，适用于测试与单进程演示
type MemoryEventStore struct {
	mu     sync.RWMutex
	events map[string]*eventing.DomainEvent
	clock  func() time.Time
}

// NewMemoryEventStore 创建内存事件存储
func NewMemoryEventStore(opts ...Option) *MemoryEventStore {
	o := buildOptions(opts)
	return &MemoryEventStore{events: make(map[string]*eventing.DomainEvent), clock: o.clock}
}

func (s *MemoryEventStore) prepare(evt *eventing.DomainEvent) error {
	if evt == nil || evt.EventType == "" || evt.Topic == "" {
		return fmt.Errorf("%w: eventType and topic are required", eventing.ErrInvalidEvent)
	}
	if evt.EventID == "" {
		evt.EventID = uuid.NewString()
	}
	if evt.DeliveryMode == "" {
		evt.DeliveryMode = eventing.DeliveryQueue
	}
	if evt.CreateUser == "" {
		evt.CreateUser = "SAGAFLOW"
	}
	if evt.UpdateUser == "" {
		evt.UpdateUser = evt.CreateUser
	}
	now := s.clock().UTC()
	evt.Status = eventing.StatusDBCommitted
	evt.CreatedAt = now
	evt.UpdatedAt = now
	return nil
}

func (s *MemoryEventStore) Record(_ context.Context, _ database.IDatabase, evt *eventing.DomainEvent) (string, error) {
	if err := s.prepare(evt); err != nil {
		return "", err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.events[evt.EventID]; ok {
		return "", fmt.Errorf("%w: duplicate event %s", eventing.ErrInvalidEvent, evt.EventID)
	}
	cp := *evt
	s.events[evt.EventID] = &cp
	return evt.EventID, nil
}

func (s *MemoryEventStore) RecordIfAbsent(_ context.Context, _ database.IDatabase, evt *eventing.DomainEvent) (bool, error) {
	if err := s.prepare(evt); err != nil {
		return false, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.events[evt.EventID]; ok {
		return false, nil
	}
	cp := *evt
	s.events[evt.EventID] = &cp
	return true, nil
}

func (s *MemoryEventStore) Get(_ context.Context, eventID string) (*eventing.DomainEvent, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	evt, ok := s.events[eventID]
	if !ok {
		return nil, fmt.Errorf("%w: %s", eventing.ErrEventNotFound, eventID)
	}
	cp := *evt
	return &cp, nil
}

func (s *MemoryEventStore) FindCommittedBefore(_ context.Context, cutoff time.Time, limit int) ([]*eventing.DomainEvent, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []*eventing.DomainEvent
	for _, evt := range s.events {
		if evt.Status == eventing.StatusDBCommitted && evt.UpdatedAt.Before(cutoff) {
			cp := *evt
			out = append(out, &cp)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (s *MemoryEventStore) MarkPublished(_ context.Context, _ database.IDatabase, eventID, user string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	evt, ok := s.events[eventID]
	if !ok || evt.Status != eventing.StatusDBCommitted {
		return false, nil
	}
	if user == "" {
		user = "SAGAFLOW"
	}
	evt.Status = eventing.StatusMessagePublished
	evt.UpdateUser = user
	evt.UpdatedAt = s.clock().UTC()
	return true, nil
}

func (s *MemoryEventStore) Touch(_ context.Context, eventID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if evt, ok := s.events[eventID]; ok && evt.Status == eventing.StatusDBCommitted {
		evt.UpdatedAt = s.clock().UTC()
	}
	return nil
}

func (s *MemoryEventStore) CountByStatus(context.Context) (map[eventing.Status]int64, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	counts := map[eventing.Status]int64{
		eventing.StatusDBCommitted:      0,
		eventing.StatusMessagePublished: 0,
	}
	for _, evt := range s.events {
		counts[evt.Status]++
	}
	return counts, nil
}

var (
	_ IEventStore = (*SQLEventStore)(nil)
	_ IEventStore = (*MemoryEventStore)(nil)
)
