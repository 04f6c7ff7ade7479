package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	apperrors "sagaflow/errors"
	"sagaflow/eventing"
	"sagaflow/logging"
	"sagaflow/messaging"
	"sagaflow/storage/database"
	"sagaflow/storage/database/schema"
	sqlbuilder "sagaflow/storage/database/sql"
)

var eventColumns = []string{
	"event_id", "saga_id", "saga_name", "event_type", "event_outcome", "event_payload",
	"assessment_student_id", "staged_student_result_id", "correlation_id",
	"topic", "reply_to", "delivery_mode", "status",
	"create_user", "created_at", "update_user", "updated_at",
}

// SQLEventStore 基于关系数据库的事件存储
type SQLEventStore struct {
	db     database.IDatabase
	logger logging.Logger
	clock  func() time.Time
}

// NewSQLEventStore 创建 SQL 事件存储，表结构见 schema 包
func NewSQLEventStore(db database.IDatabase, opts ...Option) *SQLEventStore {
	o := buildOptions(opts)
	return &SQLEventStore{db: db, logger: o.logger, clock: o.clock}
}

func (s *SQLEventStore) exec(exec database.IDatabase) database.IDatabase {
	if exec != nil {
		return exec
	}
	return s.db
}

func (s *SQLEventStore) prepare(evt *eventing.DomainEvent) error {
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

func (s *SQLEventStore) insert(ctx context.Context, exec database.IDatabase, evt *eventing.DomainEvent, ignoreDup bool) (sql.Result, error) {
	b := sqlbuilder.New(s.exec(exec)).InsertInto(schema.TableEventStore).
		Columns(eventColumns...).
		Values(
			evt.EventID, nullString(evt.SagaID), nullString(evt.SagaName),
			string(evt.EventType), string(evt.EventOutcome), evt.EventPayload,
			nullString(evt.AssessmentStudentID), nullString(evt.StagedStudentResultID), nullString(evt.CorrelationID),
			evt.Topic, nullString(evt.ReplyTo), string(evt.DeliveryMode), string(evt.Status),
			evt.CreateUser, evt.CreatedAt, evt.UpdateUser, evt.UpdatedAt,
		)
	if ignoreDup {
		b = b.OnConflictDoNothing("event_id")
	}
	return b.Exec(ctx)
}

// Record 插入事件，失败时调用方事务应整体回滚
func (s *SQLEventStore) Record(ctx context.Context, exec database.IDatabase, evt *eventing.DomainEvent) (string, error) {
	if err := s.prepare(evt); err != nil {
		return "", err
	}
	if _, err := s.insert(ctx, exec, evt, false); err != nil {
		s.logger.Warn(ctx, "记录事件失败", logging.EventID(evt.EventID), logging.EventType(string(evt.EventType)), logging.Error(err))
		return "", apperrors.WrapDatabaseError(err, "record event")
	}
	return evt.EventID, nil
}

// RecordIfAbsent 插入事件，已存在同 ID 记录时返回 false
func (s *SQLEventStore) RecordIfAbsent(ctx context.Context, exec database.IDatabase, evt *eventing.DomainEvent) (bool, error) {
	if err := s.prepare(evt); err != nil {
		return false, err
	}
	res, err := s.insert(ctx, exec, evt, true)
	if err != nil {
		return false, apperrors.WrapDatabaseError(err, "record event if absent")
	}
	return sqlbuilder.RowsAffected(res) == 1, nil
}

// Get 按 ID 读取事件
func (s *SQLEventStore) Get(ctx context.Context, eventID string) (*eventing.DomainEvent, error) {
	row := sqlbuilder.New(s.db).Select(eventColumns...).
		From(schema.TableEventStore).
		Where("event_id = ?", eventID).
		QueryRow(ctx)

	evt, err := scanEvent(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("%w: %s", eventing.ErrEventNotFound, eventID)
	}
	if err != nil {
		return nil, apperrors.WrapDatabaseError(err, "get event")
	}
	return evt, nil
}

// FindCommittedBefore 发件箱扫描查询
func (s *SQLEventStore) FindCommittedBefore(ctx context.Context, cutoff time.Time, limit int) ([]*eventing.DomainEvent, error) {
	rows, err := sqlbuilder.New(s.db).Select(eventColumns...).
		From(schema.TableEventStore).
		Where("status = ?", string(eventing.StatusDBCommitted)).
		Where("updated_at < ?", cutoff.UTC()).
		OrderBy("created_at ASC").
		Limit(limit).
		Query(ctx)
	if err != nil {
		return nil, apperrors.WrapDatabaseError(err, "find committed events")
	}
	defer rows.Close()

	var out []*eventing.DomainEvent
	for rows.Next() {
		evt, err := scanEvent(rows)
		if err != nil {
			return nil, apperrors.WrapDatabaseError(err, "scan event")
		}
		out = append(out, evt)
	}
	return out, rows.Err()
}

// MarkPublished 条件翻转状态；已被其他参与方翻转时返回 false
func (s *SQLEventStore) MarkPublished(ctx context.Context, exec database.IDatabase, eventID, user string) (bool, error) {
	if user == "" {
		user = "SAGAFLOW"
	}
	res, err := sqlbuilder.New(s.exec(exec)).Update(schema.TableEventStore).
		Set("status", string(eventing.StatusMessagePublished)).
		Set("update_user", user).
		Set("updated_at", s.clock().UTC()).
		Where("event_id = ?", eventID).
		Where("status = ?", string(eventing.StatusDBCommitted)).
		Exec(ctx)
	if err != nil {
		return false, apperrors.WrapDatabaseError(err, "mark event published")
	}
	return sqlbuilder.RowsAffected(res) == 1, nil
}

// Touch 刷新 updated_at
func (s *SQLEventStore) Touch(ctx context.Context, eventID string) error {
	_, err := sqlbuilder.New(s.db).Update(schema.TableEventStore).
		Set("updated_at", s.clock().UTC()).
		Where("event_id = ?", eventID).
		Where("status = ?", string(eventing.StatusDBCommitted)).
		Exec(ctx)
	return apperrors.WrapDatabaseError(err, "touch event")
}

// CountByStatus 各状态记录数
func (s *SQLEventStore) CountByStatus(ctx context.Context) (map[eventing.Status]int64, error) {
	rows, err := sqlbuilder.New(s.db).Select("status", "COUNT(*)").
		From(schema.TableEventStore).
		GroupBy("status").
		Query(ctx)
	if err != nil {
		return nil, apperrors.WrapDatabaseError(err, "count events")
	}
	defer rows.Close()

	counts := map[eventing.Status]int64{
		eventing.StatusDBCommitted:      0,
		eventing.StatusMessagePublished: 0,
	}
	for rows.Next() {
		var (
			status string
			n      int64
		)
		if err := rows.Scan(&status, &n); err != nil {
			return nil, apperrors.WrapDatabaseError(err, "scan event count")
		}
		counts[eventing.Status(status)] = n
	}
	return counts, rows.Err()
}

type scanner interface {
	Scan(dest ...any) error
}

func scanEvent(sc scanner) (*eventing.DomainEvent, error) {
	var (
		evt                           eventing.DomainEvent
		sagaID, sagaName, replyTo     sql.NullString
		assessmentStudentID, stagedID sql.NullString
		correlationID                 sql.NullString
		eventType, outcome, mode, sts string
	)
	err := sc.Scan(
		&evt.EventID, &sagaID, &sagaName, &eventType, &outcome, &evt.EventPayload,
		&assessmentStudentID, &stagedID, &correlationID,
		&evt.Topic, &replyTo, &mode, &sts,
		&evt.CreateUser, &evt.CreatedAt, &evt.UpdateUser, &evt.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}
	evt.SagaID = sagaID.String
	evt.SagaName = sagaName.String
	evt.ReplyTo = replyTo.String
	evt.AssessmentStudentID = assessmentStudentID.String
	evt.StagedStudentResultID = stagedID.String
	evt.CorrelationID = correlationID.String
	evt.EventType = messaging.EventType(eventType)
	evt.EventOutcome = messaging.EventOutcome(outcome)
	evt.DeliveryMode = eventing.DeliveryMode(mode)
	evt.Status = eventing.Status(sts)
	return &evt, nil
}

func nullString(s string) sql.NullString {
	return sql.NullString{String: s, Valid: s != ""}
}
