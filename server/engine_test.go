package server

import (
	"context"
	"errors"
	"os"
	"sync"
	"syscall"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"sagaflow/logging"
)

// fakeServer 记录生命周期调用顺序；block 为 true 时 Run 阻塞到 ctx 取消
type fakeServer struct {
	mu    sync.Mutex
	steps []string

	loadErr, setupErr, backgroundErr, runErr, shutdownErr error
	block                                                 bool
	bgDone                                                chan struct{}
}

func (s *fakeServer) record(step string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.steps = append(s.steps, step)
}

func (s *fakeServer) snapshot() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]string(nil), s.steps...)
}

func (s *fakeServer) Name() string { return "fake" }

func (s *fakeServer) LoadConfig() error {
	s.record("LoadConfig")
	return s.loadErr
}

func (s *fakeServer) SetupDependencies(context.Context) error {
	s.record("SetupDependencies")
	return s.setupErr
}

func (s *fakeServer) StartBackgroundTasks(ctx context.Context) error {
	s.record("StartBackgroundTasks")
	if s.bgDone != nil {
		go func() {
			<-ctx.Done()
			close(s.bgDone)
		}()
	}
	return s.backgroundErr
}

func (s *fakeServer) Run(ctx context.Context) error {
	s.record("Run")
	if s.block {
		<-ctx.Done()
	}
	return s.runErr
}

func (s *fakeServer) Shutdown(context.Context) error {
	s.record("Shutdown")
	return s.shutdownErr
}

func newTestEngine(s IServer, opts ...Option) *Engine {
	opts = append([]Option{WithLogger(logging.NewNoopLogger()), WithShutdownTimeout(100 * time.Millisecond)}, opts...)
	return NewEngine(s, opts...)
}

var fullLifecycle = []string{"LoadConfig", "SetupDependencies", "StartBackgroundTasks", "Run", "Shutdown"}

func TestEngineStart_Lifecycle(t *testing.T) {
	s := &fakeServer{bgDone: make(chan struct{})}
	var stopped bool
	e := newTestEngine(s, WithAfterStop(func(context.Context) error { stopped = true; return nil }))

	require.NoError(t, e.Start())
	assert.Equal(t, StateStopped, e.State())
	assert.Equal(t, fullLifecycle, s.snapshot())
	assert.True(t, stopped)

	select {
	case <-s.bgDone:
	case <-time.After(time.Second):
		t.Fatal("background context was not cancelled")
	}
}

func TestEngineStart_RunError(t *testing.T) {
	runErr := errors.New("listen failed")
	s := &fakeServer{runErr: runErr}
	e := newTestEngine(s)

	err := e.Start()
	require.ErrorIs(t, err, runErr)
	assert.Contains(t, err.Error(), "server execution error")
	assert.Equal(t, StateError, e.State())
	assert.Equal(t, fullLifecycle, s.snapshot())
}

func TestEngineStart_EarlyFailures(t *testing.T) {
	boom := errors.New("boom")
	tests := []struct {
		name   string
		server *fakeServer
		prefix string
		steps  []string
	}{
		{"load config", &fakeServer{loadErr: boom}, "failed to load config", []string{"LoadConfig"}},
		{"setup", &fakeServer{setupErr: boom}, "failed to setup dependencies", []string{"LoadConfig", "SetupDependencies"}},
		{"background", &fakeServer{backgroundErr: boom}, "failed to start background tasks",
			[]string{"LoadConfig", "SetupDependencies", "StartBackgroundTasks", "Shutdown"}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			e := newTestEngine(tt.server)
			err := e.Start()
			require.ErrorIs(t, err, boom)
			assert.Contains(t, err.Error(), tt.prefix)
			assert.Equal(t, StateError, e.State())
			assert.Equal(t, tt.steps, tt.server.snapshot())
		})
	}
}

func TestEngineStart_BeforeStartHookAborts(t *testing.T) {
	s := &fakeServer{}
	e := newTestEngine(s, WithBeforeStart(func(context.Context) error { return errors.New("not ready") }))

	require.Error(t, e.Start())
	assert.Equal(t, []string{"LoadConfig", "SetupDependencies"}, s.snapshot())
}

func TestEngineStart_SignalTriggersShutdown(t *testing.T) {
	s := &fakeServer{block: true}
	e := newTestEngine(s)
	sig := make(chan os.Signal, 1)
	e.signals = sig

	done := make(chan error, 1)
	go func() { done <- e.Start() }()

	require.Eventually(t, func() bool { return e.State() == StateRunning }, time.Second, 5*time.Millisecond)
	sig <- syscall.SIGTERM

	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(time.Second):
		t.Fatal("engine did not stop after signal")
	}
	assert.Equal(t, StateStopped, e.State())
	assert.Equal(t, fullLifecycle, s.snapshot())
}

func TestEngineStart_ShutdownError(t *testing.T) {
	s := &fakeServer{shutdownErr: errors.New("close db")}
	e := newTestEngine(s)

	require.Error(t, e.Start())
	assert.Equal(t, StateError, e.State())
}

func TestStateString(t *testing.T) {
	assert.Equal(t, "Running", StateRunning.String())
	assert.Equal(t, "Unknown", State(42).String())
}
