package registration

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	apperrors "sagaflow/errors"
	"sagaflow/saga"
	"sagaflow/storage/database"
	sqlbuilder "sagaflow/storage/database/sql"
)

// TableRequests 注册请求表
const TableRequests = "student_registration_request"

// Schema 注册请求表 DDL，追加到 schema.Migrate
var Schema = []string{
	`CREATE TABLE IF NOT EXISTS student_registration_request (
		request_id             VARCHAR(36)  NOT NULL PRIMARY KEY,
		assessment_student_id  VARCHAR(36)  NOT NULL,
		student_id             VARCHAR(36)  NOT NULL,
		school_id              VARCHAR(36)  NOT NULL,
		assessment_id          VARCHAR(36)  NOT NULL,
		status                 VARCHAR(20)  NOT NULL,
		saga_id                VARCHAR(36),
		create_user            VARCHAR(100) NOT NULL,
		created_at             TIMESTAMP    NOT NULL,
		update_user            VARCHAR(100) NOT NULL,
		updated_at             TIMESTAMP    NOT NULL
	)`,
	`CREATE INDEX IF NOT EXISTS idx_registration_request_status ON student_registration_request (status, created_at)`,
	`CREATE INDEX IF NOT EXISTS idx_registration_request_school ON student_registration_request (school_id, assessment_id)`,
}

// RequestStatus 请求状态：PENDING → LOADED → PUBLISHED
type RequestStatus string

const (
	RequestPending   RequestStatus = "PENDING"
	RequestLoaded    RequestStatus = "LOADED"
	RequestPublished RequestStatus = "PUBLISHED"
)

// ErrRequestNotFound 请求不存在
var ErrRequestNotFound = errors.New("registration request not found")

// Request 注册发布请求
type Request struct {
	RequestID           string        `json:"requestID"`
	AssessmentStudentID string        `json:"assessmentStudentID"`
	StudentID           string        `json:"studentID"`
	SchoolID            string        `json:"schoolID"`
	AssessmentID        string        `json:"assessmentID"`
	Status              RequestStatus `json:"status"`
	SagaID              string        `json:"sagaID,omitempty"`
	CreateUser          string        `json:"createUser"`
	CreatedAt           time.Time     `json:"createdAt"`
	UpdateUser          string        `json:"updateUser"`
	UpdatedAt           time.Time     `json:"updatedAt"`
}

var requestColumns = []string{
	"request_id", "assessment_student_id", "student_id", "school_id", "assessment_id",
	"status", "saga_id", "create_user", "created_at", "update_user", "updated_at",
}

// RequestStore 注册请求仓储，同时作为 saga 启动器的待处理队列
type RequestStore struct {
	db    database.IDatabase
	user  string
	clock func() time.Time
}

// NewRequestStore 创建仓储，user 为状态变更时写入的操作人
func NewRequestStore(db database.IDatabase, user string) *RequestStore {
	if user == "" {
		user = "REGISTRATION"
	}
	return &RequestStore{db: db, user: user, clock: time.Now}
}

func (s *RequestStore) now() time.Time { return s.clock().UTC() }

// Submit 写入 PENDING 请求
func (s *RequestStore) Submit(ctx context.Context, r *Request) error {
	if r.StudentID == "" || r.SchoolID == "" {
		return apperrors.NewError(apperrors.ErrCodeInvalidInput, "studentID and schoolID are required")
	}
	if r.RequestID == "" {
		r.RequestID = uuid.NewString()
	}
	if r.AssessmentStudentID == "" {
		r.AssessmentStudentID = uuid.NewString()
	}
	if r.CreateUser == "" {
		r.CreateUser = s.user
	}
	now := s.now()
	r.Status, r.CreatedAt, r.UpdatedAt, r.UpdateUser = RequestPending, now, now, r.CreateUser
	_, err := sqlbuilder.New(s.db).InsertInto(TableRequests).
		Columns(requestColumns...).
		Values(r.RequestID, r.AssessmentStudentID, r.StudentID, r.SchoolID, r.AssessmentID,
			string(r.Status), nil, r.CreateUser, r.CreatedAt, r.UpdateUser, r.UpdatedAt).
		Exec(ctx)
	return apperrors.WrapDatabaseError(err, "submit registration request")
}

func (s *RequestStore) Get(ctx context.Context, requestID string) (*Request, error) {
	row := sqlbuilder.New(s.db).Select(requestColumns...).
		From(TableRequests).
		Where("request_id = ?", requestID).
		QueryRow(ctx)
	r, err := scanRequest(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("%w: %s", ErrRequestNotFound, requestID)
	}
	if err != nil {
		return nil, apperrors.WrapDatabaseError(err, "get registration request")
	}
	return r, nil
}

// FetchPending 实现 saga.PendingSource，按创建顺序返回 PENDING 请求
func (s *RequestStore) FetchPending(ctx context.Context, limit int) ([]saga.PendingRequest, error) {
	rows, err := sqlbuilder.New(s.db).Select(requestColumns...).
		From(TableRequests).
		Where("status = ?", string(RequestPending)).
		OrderBy("created_at ASC").
		Limit(limit).
		Query(ctx)
	if err != nil {
		return nil, apperrors.WrapDatabaseError(err, "fetch pending registration requests")
	}
	defer rows.Close()

	var out []saga.PendingRequest
	for rows.Next() {
		r, err := scanRequest(rows)
		if err != nil {
			return nil, apperrors.WrapDatabaseError(err, "scan registration request")
		}
		payload, err := json.Marshal(Data{
			RequestID:           r.RequestID,
			StudentID:           r.StudentID,
			SchoolID:            r.SchoolID,
			AssessmentID:        r.AssessmentID,
			AssessmentStudentID: r.AssessmentStudentID,
		})
		if err != nil {
			return nil, err
		}
		out = append(out, saga.PendingRequest{
			ID:          r.RequestID,
			SagaName:    SagaName,
			BusinessKey: r.AssessmentStudentID,
			Payload:     string(payload),
			User:        r.CreateUser,
		})
	}
	return out, rows.Err()
}

// MarkLoaded 实现 saga.PendingSource
func (s *RequestStore) MarkLoaded(ctx context.Context, requestID, sagaID string) error {
	_, err := sqlbuilder.New(s.db).Update(TableRequests).
		Set("status", string(RequestLoaded)).
		Set("saga_id", sagaID).
		Set("update_user", s.user).
		Set("updated_at", s.now()).
		Where("request_id = ?", requestID).
		Where("status = ?", string(RequestPending)).
		Exec(ctx)
	return apperrors.WrapDatabaseError(err, "mark registration request loaded")
}

// MarkPublished LOADED → PUBLISHED，返回是否发生变更
func (s *RequestStore) MarkPublished(ctx context.Context, requestID string) (bool, error) {
	res, err := sqlbuilder.New(s.db).Update(TableRequests).
		Set("status", string(RequestPublished)).
		Set("update_user", s.user).
		Set("updated_at", s.now()).
		Where("request_id = ?", requestID).
		Where("status = ?", string(RequestLoaded)).
		Exec(ctx)
	if err != nil {
		return false, apperrors.WrapDatabaseError(err, "mark registration request published")
	}
	return sqlbuilder.RowsAffected(res) == 1, nil
}

// ListBySchool 学校在某次考试下的全部请求
func (s *RequestStore) ListBySchool(ctx context.Context, schoolID, assessmentID string) ([]*Request, error) {
	q := sqlbuilder.New(s.db).Select(requestColumns...).
		From(TableRequests).
		Where("school_id = ?", schoolID)
	if assessmentID != "" {
		q = q.Where("assessment_id = ?", assessmentID)
	}
	rows, err := q.OrderBy("created_at ASC").Query(ctx)
	if err != nil {
		return nil, apperrors.WrapDatabaseError(err, "list registration requests")
	}
	defer rows.Close()

	var out []*Request
	for rows.Next() {
		r, err := scanRequest(rows)
		if err != nil {
			return nil, apperrors.WrapDatabaseError(err, "scan registration request")
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

type scanner interface {
	Scan(dest ...any) error
}

func scanRequest(row scanner) (*Request, error) {
	var (
		r      Request
		status string
		sagaID sql.NullString
	)
	if err := row.Scan(&r.RequestID, &r.AssessmentStudentID, &r.StudentID, &r.SchoolID, &r.AssessmentID,
		&status, &sagaID, &r.CreateUser, &r.CreatedAt, &r.UpdateUser, &r.UpdatedAt); err != nil {
		return nil, err
	}
	r.Status = RequestStatus(status)
	r.SagaID = sagaID.String
	return &r, nil
}

var _ saga.PendingSource = (*RequestStore)(nil)
