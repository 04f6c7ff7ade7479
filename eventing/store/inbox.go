package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"sync"
	"time"

	apperrors "sagaflow/errors"
	"sagaflow/eventing"
	"sagaflow/messaging"
	"sagaflow/storage/database"
	"sagaflow/storage/database/schema"
	sqlbuilder "sagaflow/storage/database/sql"
)

// IInbox 编排消费方的收件箱。
//
// 与事件存储分表：发布方确认发送后即翻转事件存储记录，消费方的去重只看收件箱。
type IInbox interface {
	// Receive 记录收到的事件并返回当前记录，已存在时不做修改
	Receive(ctx context.Context, consumer string, evt *messaging.Event, user string) (*eventing.InboxEntry, error)

	// MarkProcessed 条件更新 RECEIVED -> PROCESSED，返回是否由本次调用完成翻转
	MarkProcessed(ctx context.Context, consumer, eventID, user string) (bool, error)
}

var inboxColumns = []string{
	"consumer", "event_id", "event_type", "status",
	"create_user", "created_at", "update_user", "updated_at",
}

// SQLInbox 基于关系数据库的收件箱
type SQLInbox struct {
	db    database.IDatabase
	clock func() time.Time
}

// NewSQLInbox 创建 SQL 收件箱
func NewSQLInbox(db database.IDatabase, opts ...Option) *SQLInbox {
	o := buildOptions(opts)
	return &SQLInbox{db: db, clock: o.clock}
}

func (s *SQLInbox) Receive(ctx context.Context, consumer string, evt *messaging.Event, user string) (*eventing.InboxEntry, error) {
	if consumer == "" || evt == nil || evt.EventID == "" {
		return nil, fmt.Errorf("%w: consumer and eventId are required", eventing.ErrInvalidEvent)
	}
	if user == "" {
		user = "SAGAFLOW"
	}
	now := s.clock().UTC()
	_, err := sqlbuilder.New(s.db).InsertInto(schema.TableInbox).
		Columns(inboxColumns...).
		Values(consumer, evt.EventID, string(evt.EventType), string(eventing.InboxReceived), user, now, user, now).
		OnConflictDoNothing("consumer", "event_id").
		Exec(ctx)
	if err != nil {
		return nil, apperrors.WrapDatabaseError(err, "record inbox entry")
	}

	row := sqlbuilder.New(s.db).Select(inboxColumns...).
		From(schema.TableInbox).
		Where("consumer = ?", consumer).
		Where("event_id = ?", evt.EventID).
		QueryRow(ctx)
	var (
		entry     eventing.InboxEntry
		eventType string
		status    string
	)
	err = row.Scan(&entry.Consumer, &entry.EventID, &eventType, &status,
		&entry.CreateUser, &entry.CreatedAt, &entry.UpdateUser, &entry.UpdatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("%w: inbox %s/%s", eventing.ErrEventNotFound, consumer, evt.EventID)
	}
	if err != nil {
		return nil, apperrors.WrapDatabaseError(err, "get inbox entry")
	}
	entry.EventType = messaging.EventType(eventType)
	entry.Status = eventing.InboxStatus(status)
	return &entry, nil
}

func (s *SQLInbox) MarkProcessed(ctx context.Context, consumer, eventID, user string) (bool, error) {
	if user == "" {
		user = "SAGAFLOW"
	}
	res, err := sqlbuilder.New(s.db).Update(schema.TableInbox).
		Set("status", string(eventing.InboxProcessed)).
		Set("update_user", user).
		Set("updated_at", s.clock().UTC()).
		Where("consumer = ?", consumer).
		Where("event_id = ?", eventID).
		Where("status = ?", string(eventing.InboxReceived)).
		Exec(ctx)
	if err != nil {
		return false, apperrors.WrapDatabaseError(err, "mark inbox entry processed")
	}
	return sqlbuilder.RowsAffected(res) == 1, nil
}

// MemoryInbox 内存收件箱，测试与单进程演示使用
type MemoryInbox struct {
	mu      sync.Mutex
	entries map[[2]string]*eventing.InboxEntry
	clock   func() time.Time
}

// NewMemoryInbox 创建内存收件箱
func NewMemoryInbox(opts ...Option) *MemoryInbox {
	o := buildOptions(opts)
	return &MemoryInbox{entries: make(map[[2]string]*eventing.InboxEntry), clock: o.clock}
}

func (s *MemoryInbox) Receive(_ context.Context, consumer string, evt *messaging.Event, user string) (*eventing.InboxEntry, error) {
	if consumer == "" || evt == nil || evt.EventID == "" {
		return nil, fmt.Errorf("%w: consumer and eventId are required", eventing.ErrInvalidEvent)
	}
	if user == "" {
		user = "SAGAFLOW"
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	key := [2]string{consumer, evt.EventID}
	entry, ok := s.entries[key]
	if !ok {
		now := s.clock().UTC()
		entry = &eventing.InboxEntry{
			Consumer: consumer, EventID: evt.EventID, EventType: evt.EventType,
			Status:     eventing.InboxReceived,
			CreateUser: user, CreatedAt: now, UpdateUser: user, UpdatedAt: now,
		}
		s.entries[key] = entry
	}
	cp := *entry
	return &cp, nil
}

func (s *MemoryInbox) MarkProcessed(_ context.Context, consumer, eventID, user string) (bool, error) {
	if user == "" {
		user = "SAGAFLOW"
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	entry, ok := s.entries[[2]string{consumer, eventID}]
	if !ok || entry.Status != eventing.InboxReceived {
		return false, nil
	}
	entry.Status = eventing.InboxProcessed
	entry.UpdateUser = user
	entry.UpdatedAt = s.clock().UTC()
	return true, nil
}

var (
	_ IInbox = (*SQLInbox)(nil)
	_ IInbox = (*MemoryInbox)(nil)
)
