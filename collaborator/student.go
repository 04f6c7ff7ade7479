package collaborator

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/nats-io/nats.go"

	"sagaflow/patterns/retry"
)

// ErrStudentNotFound 学生不存在，不重试
var ErrStudentNotFound = errors.New("collaborator: student not found")

// Student 学生信息
type Student struct {
	StudentID      string `json:"studentID"`
	PEN            string `json:"pen,omitempty"`
	LegalFirstName string `json:"legalFirstName,omitempty"`
	LegalLastName  string `json:"legalLastName,omitempty"`
	SchoolID       string `json:"schoolID,omitempty"`
	StatusCode     string `json:"statusCode,omitempty"`
}

// StudentLookup 学生查询服务
type StudentLookup interface {
	GetStudent(ctx context.Context, studentID string) (*Student, error)
}

type requester interface {
	RequestWithContext(ctx context.Context, subj string, data []byte) (*nats.Msg, error)
}

type studentRequest struct {
	StudentID string `json:"studentID"`
}

type studentReply struct {
	Student *Student `json:"student,omitempty"`
	Error   string   `json:"error,omitempty"`
}

// 回复中的错误码
const replyNotFound = "NOT_FOUND"

// NATSStudentLookup 通过 NATS request/reply 查询学生
type NATSStudentLookup struct {
	conn    requester
	subject string
	timeout time.Duration
	breaker *Breaker
}

// NewNATSStudentLookup 创建查询客户端，conn 一般为 *nats.Conn
func NewNATSStudentLookup(conn requester, subject string, timeout time.Duration, breaker *Breaker) *NATSStudentLookup {
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	if breaker == nil {
		breaker = NewBreaker(DefaultBreakerConfig("student-lookup"), nil)
	}
	return &NATSStudentLookup{conn: conn, subject: subject, timeout: timeout, breaker: breaker}
}

func (l *NATSStudentLookup) GetStudent(ctx context.Context, studentID string) (*Student, error) {
	req, err := json.Marshal(studentRequest{StudentID: studentID})
	if err != nil {
		return nil, err
	}

	var student *Student
	err = l.breaker.Do(ctx, func(ctx context.Context) error {
		reqCtx, cancel := context.WithTimeout(ctx, l.timeout)
		defer cancel()

		msg, err := l.conn.RequestWithContext(reqCtx, l.subject, req)
		if err != nil {
			return fmt.Errorf("student lookup request: %w", err)
		}
		var reply studentReply
		if err := json.Unmarshal(msg.Data, &reply); err != nil {
			return retry.Permanent(fmt.Errorf("decode student reply: %w", err))
		}
		switch {
		case reply.Error == replyNotFound:
			return retry.Permanent(ErrStudentNotFound)
		case reply.Error != "":
			return fmt.Errorf("student lookup failed: %s", reply.Error)
		case reply.Student == nil:
			return retry.Permanent(ErrStudentNotFound)
		}
		student = reply.Student
		return nil
	})
	if err != nil {
		return nil, err
	}
	return student, nil
}

var _ StudentLookup = (*NATSStudentLookup)(nil)

// MemoryStudentLookup 进程内实现，用于开发与测试
type MemoryStudentLookup struct {
	mu       sync.RWMutex
	students map[string]*Student
}

func NewMemoryStudentLookup(students ...*Student) *MemoryStudentLookup {
	m := &MemoryStudentLookup{students: make(map[string]*Student)}
	for _, s := range students {
		m.students[s.StudentID] = s
	}
	return m
}

func (m *MemoryStudentLookup) GetStudent(_ context.Context, studentID string) (*Student, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	s, ok := m.students[studentID]
	if !ok {
		return nil, ErrStudentNotFound
	}
	cp := *s
	return &cp, nil
}

var _ StudentLookup = (*MemoryStudentLookup)(nil)
