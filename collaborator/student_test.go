package collaborator

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeRequester struct {
	subjects []string
	replies  []func(data []byte) (*nats.Msg, error)
}

func (f *fakeRequester) RequestWithContext(ctx context.Context, subj string, data []byte) (*nats.Msg, error) {
	f.subjects = append(f.subjects, subj)
	if _, ok := ctx.Deadline(); !ok {
		return nil, errors.New("request without timeout")
	}
	reply := f.replies[0]
	if len(f.replies) > 1 {
		f.replies = f.replies[1:]
	}
	return reply(data)
}

func jsonReply(v any) func([]byte) (*nats.Msg, error) {
	return func([]byte) (*nats.Msg, error) {
		data, _ := json.Marshal(v)
		return &nats.Msg{Data: data}, nil
	}
}

func TestNATSStudentLookup_Found(t *testing.T) {
	var seen studentRequest
	req := &fakeRequester{replies: []func([]byte) (*nats.Msg, error){
		func(data []byte) (*nats.Msg, error) {
			_ = json.Unmarshal(data, &seen)
			return jsonReply(studentReply{Student: &Student{StudentID: "abc", SchoolID: "X"}})(data)
		},
	}}
	lookup := NewNATSStudentLookup(req, "student.lookup", time.Second, fastBreaker(5, 3))

	s, err := lookup.GetStudent(context.Background(), "abc")
	require.NoError(t, err)
	assert.Equal(t, "X", s.SchoolID)
	assert.Equal(t, "abc", seen.StudentID)
	assert.Equal(t, []string{"student.lookup"}, req.subjects)
}

func TestNATSStudentLookup_NotFoundIsNotRetried(t *testing.T) {
	req := &fakeRequester{replies: []func([]byte) (*nats.Msg, error){
		jsonReply(studentReply{Error: replyNotFound}),
	}}
	lookup := NewNATSStudentLookup(req, "student.lookup", time.Second, fastBreaker(5, 3))

	_, err := lookup.GetStudent(context.Background(), "missing")
	assert.ErrorIs(t, err, ErrStudentNotFound)
	assert.Len(t, req.subjects, 1)
}

func TestNATSStudentLookup_RetriesTimeouts(t *testing.T) {
	req := &fakeRequester{replies: []func([]byte) (*nats.Msg, error){
		func([]byte) (*nats.Msg, error) { return nil, nats.ErrTimeout },
		jsonReply(studentReply{Student: &Student{StudentID: "abc"}}),
	}}
	lookup := NewNATSStudentLookup(req, "student.lookup", time.Second, fastBreaker(5, 3))

	s, err := lookup.GetStudent(context.Background(), "abc")
	require.NoError(t, err)
	assert.Equal(t, "abc", s.StudentID)
	assert.Len(t, req.subjects, 2)
}

func TestMemoryStudentLookup(t *testing.T) {
	lookup := NewMemoryStudentLookup(&Student{StudentID: "abc", SchoolID: "X"})

	s, err := lookup.GetStudent(context.Background(), "abc")
	require.NoError(t, err)
	s.SchoolID = "changed"

	again, _ := lookup.GetStudent(context.Background(), "abc")
	assert.Equal(t, "X", again.SchoolID)

	_, err = lookup.GetStudent(context.Background(), "nope")
	assert.ErrorIs(t, err, ErrStudentNotFound)
}
