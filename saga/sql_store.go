package saga

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	apperrors "sagaflow/errors"
	"sagaflow/messaging"
	"sagaflow/storage/database"
	"sagaflow/storage/database/schema"
	sqlbuilder "sagaflow/storage/database/sql"
)

var sagaColumns = []string{
	"saga_id", "saga_name", "saga_state", "status", "payload", "business_key",
	"create_user", "created_at", "update_user", "updated_at",
}

var eventStateColumns = []string{
	"saga_event_id", "saga_id", "seq", "event_type", "event_outcome", "event_payload",
	"create_user", "created_at",
}

// SQLStore 基于关系数据库的 Saga 存储
type SQLStore struct {
	db    database.IDatabase
	clock func() time.Time
}

// StoreOption SQLStore 选项
type StoreOption func(*SQLStore)

// WithStoreClock 设置时钟
func WithStoreClock(clock func() time.Time) StoreOption {
	return func(s *SQLStore) { s.clock = clock }
}

// NewSQLStore 创建 SQL Saga 存储
func NewSQLStore(db database.IDatabase, opts ...StoreOption) *SQLStore {
	s := &SQLStore{db: db, clock: time.Now}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

func (s *SQLStore) exec(exec database.IDatabase) database.IDatabase {
	if exec != nil {
		return exec
	}
	return s.db
}

func (s *SQLStore) now() time.Time { return s.clock().UTC() }

func (s *SQLStore) InsertSaga(ctx context.Context, exec database.IDatabase, sg *Saga) error {
	if sg.SagaID == "" {
		sg.SagaID = uuid.NewString()
	}
	now := s.now()
	sg.CreatedAt, sg.UpdatedAt = now, now
	if sg.UpdateUser == "" {
		sg.UpdateUser = sg.CreateUser
	}
	_, err := sqlbuilder.New(s.exec(exec)).InsertInto(schema.TableSaga).
		Columns(sagaColumns...).
		Values(sg.SagaID, sg.SagaName, sg.SagaState, string(sg.Status), sg.Payload, nullString(sg.BusinessKey),
			sg.CreateUser, sg.CreatedAt, sg.UpdateUser, sg.UpdatedAt).
		Exec(ctx)
	return apperrors.WrapDatabaseError(err, "insert saga")
}

func (s *SQLStore) GetSaga(ctx context.Context, sagaID string) (*Saga, error) {
	row := sqlbuilder.New(s.db).Select(sagaColumns...).
		From(schema.TableSaga).
		Where("saga_id = ?", sagaID).
		QueryRow(ctx)
	sg, err := scanSaga(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("%w: %s", ErrSagaNotFound, sagaID)
	}
	if err != nil {
		return nil, apperrors.WrapDatabaseError(err, "get saga")
	}
	return sg, nil
}

func (s *SQLStore) UpdateSaga(ctx context.Context, exec database.IDatabase, sg *Saga, expectedState string) error {
	now := s.now()
	res, err := sqlbuilder.New(s.exec(exec)).Update(schema.TableSaga).
		Set("saga_state", sg.SagaState).
		Set("status", string(sg.Status)).
		Set("payload", sg.Payload).
		Set("update_user", sg.UpdateUser).
		Set("updated_at", now).
		Where("saga_id = ?", sg.SagaID).
		Where("saga_state = ?", expectedState).
		Where("status NOT IN (?, ?)", string(StatusCompleted), string(StatusForceStopped)).
		Exec(ctx)
	if err != nil {
		return apperrors.WrapDatabaseError(err, "update saga")
	}
	if sqlbuilder.RowsAffected(res) != 1 {
		return fmt.Errorf("%w: saga %s expected state %s", ErrConcurrentUpdate, sg.SagaID, expectedState)
	}
	sg.UpdatedAt = now
	return nil
}

func (s *SQLStore) AppendEventState(ctx context.Context, exec database.IDatabase, es *EventState) error {
	x := s.exec(exec)
	var maxSeq int64
	err := sqlbuilder.New(x).Select("COALESCE(MAX(seq), 0)").
		From(schema.TableEventStates).
		Where("saga_id = ?", es.SagaID).
		QueryRow(ctx).Scan(&maxSeq)
	if err != nil {
		return apperrors.WrapDatabaseError(err, "next event state seq")
	}

	if es.ID == "" {
		es.ID = uuid.NewString()
	}
	es.Seq = maxSeq + 1
	es.CreatedAt = s.now()
	_, err = sqlbuilder.New(x).InsertInto(schema.TableEventStates).
		Columns(eventStateColumns...).
		Values(es.ID, es.SagaID, es.Seq, string(es.EventType), string(es.EventOutcome), es.EventPayload,
			es.CreateUser, es.CreatedAt).
		Exec(ctx)
	return apperrors.WrapDatabaseError(err, "append event state")
}

func (s *SQLStore) ListEventStates(ctx context.Context, sagaID string) ([]*EventState, error) {
	rows, err := sqlbuilder.New(s.db).Select(eventStateColumns...).
		From(schema.TableEventStates).
		Where("saga_id = ?", sagaID).
		OrderBy("seq ASC").
		Query(ctx)
	if err != nil {
		return nil, apperrors.WrapDatabaseError(err, "list event states")
	}
	defer rows.Close()

	var out []*EventState
	for rows.Next() {
		es, err := scanEventState(rows)
		if err != nil {
			return nil, apperrors.WrapDatabaseError(err, "scan event state")
		}
		out = append(out, es)
	}
	return out, rows.Err()
}

func (s *SQLStore) LatestEventState(ctx context.Context, sagaID string) (*EventState, error) {
	row := sqlbuilder.New(s.db).Select(eventStateColumns...).
		From(schema.TableEventStates).
		Where("saga_id = ?", sagaID).
		OrderBy("seq DESC").
		Limit(1).
		QueryRow(ctx)
	es, err := scanEventState(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("%w: %s", ErrEventStateNotFound, sagaID)
	}
	if err != nil {
		return nil, apperrors.WrapDatabaseError(err, "latest event state")
	}
	return es, nil
}

func (s *SQLStore) FindActiveByBusinessKey(ctx context.Context, sagaName, businessKey string) (*Saga, error) {
	row := sqlbuilder.New(s.db).Select(sagaColumns...).
		From(schema.TableSaga).
		Where("saga_name = ?", sagaName).
		Where("business_key = ?", businessKey).
		Where("status NOT IN (?, ?)", string(StatusCompleted), string(StatusForceStopped)).
		OrderBy("created_at DESC").
		Limit(1).
		QueryRow(ctx)
	sg, err := scanSaga(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("%w: %s/%s", ErrSagaNotFound, sagaName, businessKey)
	}
	if err != nil {
		return nil, apperrors.WrapDatabaseError(err, "find saga by business key")
	}
	return sg, nil
}

func (s *SQLStore) FindStuck(ctx context.Context, statuses []Status, olderThan time.Time, limit int) ([]*Saga, error) {
	rows, err := sqlbuilder.New(s.db).Select(sagaColumns...).
		From(schema.TableSaga).
		WhereIn("status", statusArgs(statuses)...).
		Where("updated_at < ?", olderThan.UTC()).
		OrderBy("updated_at ASC").
		Limit(limit).
		Query(ctx)
	if err != nil {
		return nil, apperrors.WrapDatabaseError(err, "find stuck sagas")
	}
	defer rows.Close()

	var out []*Saga
	for rows.Next() {
		sg, err := scanSaga(rows)
		if err != nil {
			return nil, apperrors.WrapDatabaseError(err, "scan saga")
		}
		out = append(out, sg)
	}
	return out, rows.Err()
}

func (s *SQLStore) CountByStatuses(ctx context.Context, statuses ...Status) (int64, error) {
	var n int64
	err := sqlbuilder.New(s.db).Select("COUNT(*)").
		From(schema.TableSaga).
		WhereIn("status", statusArgs(statuses)...).
		QueryRow(ctx).Scan(&n)
	if err != nil {
		return 0, apperrors.WrapDatabaseError(err, "count sagas")
	}
	return n, nil
}

func (s *SQLStore) ForceStop(ctx context.Context, sagaID, user string) error {
	res, err := sqlbuilder.New(s.db).Update(schema.TableSaga).
		Set("status", string(StatusForceStopped)).
		Set("update_user", user).
		Set("updated_at", s.now()).
		Where("saga_id = ?", sagaID).
		Where("status NOT IN (?, ?)", string(StatusCompleted), string(StatusForceStopped)).
		Exec(ctx)
	if err != nil {
		return apperrors.WrapDatabaseError(err, "force stop saga")
	}
	if sqlbuilder.RowsAffected(res) == 1 {
		return nil
	}
	if _, err := s.GetSaga(ctx, sagaID); err != nil {
		return err
	}
	return fmt.Errorf("%w: %s", ErrSagaTerminal, sagaID)
}

type scanner interface {
	Scan(dest ...any) error
}

func scanSaga(sc scanner) (*Saga, error) {
	var (
		sg          Saga
		status      string
		businessKey sql.NullString
	)
	err := sc.Scan(&sg.SagaID, &sg.SagaName, &sg.SagaState, &status, &sg.Payload, &businessKey,
		&sg.CreateUser, &sg.CreatedAt, &sg.UpdateUser, &sg.UpdatedAt)
	if err != nil {
		return nil, err
	}
	sg.Status = Status(status)
	sg.BusinessKey = businessKey.String
	return &sg, nil
}

func scanEventState(sc scanner) (*EventState, error) {
	var (
		es               EventState
		eventType, outcm string
	)
	err := sc.Scan(&es.ID, &es.SagaID, &es.Seq, &eventType, &outcm, &es.EventPayload, &es.CreateUser, &es.CreatedAt)
	if err != nil {
		return nil, err
	}
	es.EventType = messaging.EventType(eventType)
	es.EventOutcome = messaging.EventOutcome(outcm)
	return &es, nil
}

func statusArgs(statuses []Status) []any {
	args := make([]any, len(statuses))
	for i, st := range statuses {
		args[i] = string(st)
	}
	return args
}

func nullString(s string) sql.NullString {
	return sql.NullString{String: s, Valid: s != ""}
}

var _ IStore = (*SQLStore)(nil)
