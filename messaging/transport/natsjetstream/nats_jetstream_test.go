package natsjetstream

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"sagaflow/logging"
	"sagaflow/messaging"
)

func TestSubjectMatches(t *testing.T) {
	tests := []struct {
		pattern, subject string
		want             bool
	}{
		{"sagaflow.*.events", "sagaflow.registration.events", true},
		{"sagaflow.*.events", "sagaflow.registration.saga", false},
		{"sagaflow.*.events", "sagaflow.events", false},
		{"sagaflow.>", "sagaflow.a.b.c", true},
		{"sagaflow.>", "sagaflow", false},
		{"saga.PUBLISH", "saga.PUBLISH", true},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, subjectMatches(tt.pattern, tt.subject), "%s ~ %s", tt.pattern, tt.subject)
	}
}

func TestNewTransport_Defaults(t *testing.T) {
	tr := NewTransport(Config{Logger: logging.NewNoopLogger()})

	assert.Equal(t, "SAGAFLOW_EVENTS", tr.cfg.Stream)
	assert.True(t, tr.inStream("sagaflow.registration.events"))
	assert.False(t, tr.inStream("sagaflow.saga.PUBLISH_STUDENT_REGISTRATION_SAGA"))
	assert.Nil(t, tr.Conn())
}

func TestPublish_NotRunning(t *testing.T) {
	tr := NewTransport(Config{Logger: logging.NewNoopLogger()})
	err := tr.Publish(context.Background(), "sagaflow.registration.events", &messaging.Event{EventType: "X"})
	assert.ErrorIs(t, err, ErrNotRunning)
}

func TestSubscribeDurable_RequiresStreamSubject(t *testing.T) {
	tr := NewTransport(Config{Logger: logging.NewNoopLogger()})
	noop := func(context.Context, *messaging.Message) {}

	require.Error(t, tr.SubscribeDurable("sagaflow.saga.X", "svc", noop))
	require.NoError(t, tr.SubscribeDurable("sagaflow.registration.events", "svc", noop))
	require.NoError(t, tr.Subscribe("sagaflow.saga.X", "sagaflow", noop))
	assert.Len(t, tr.subs, 2)
}
