package saga

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"sagaflow/messaging"
)

// Runner 与 saga 数据类型无关的编排器视图，供恢复、启动与管理接口使用
type Runner interface {
	Name() string
	Topic() string
	Handle(ctx context.Context, evt *messaging.Event) error
	CreateSagaFromPayload(ctx context.Context, payload, user, businessKey string) (*Saga, error)
	StartSaga(ctx context.Context, sg *Saga) error
	ReplaySaga(ctx context.Context, sg *Saga) error
	ForceStop(ctx context.Context, sagaID, user string) error
}

// Registry 按 saga 名称索引的编排器
type Registry struct {
	mu      sync.RWMutex
	runners map[string]Runner
}

// NewRegistry 创建注册表
func NewRegistry(runners ...Runner) *Registry {
	r := &Registry{runners: make(map[string]Runner)}
	for _, rn := range runners {
		r.Register(rn)
	}
	return r
}

// Register 注册编排器，同名覆盖
func (r *Registry) Register(rn Runner) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.runners[rn.Name()] = rn
}

// Get 查找编排器
func (r *Registry) Get(sagaName string) (Runner, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	rn, ok := r.runners[sagaName]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownSaga, sagaName)
	}
	return rn, nil
}

// All 按名称排序返回全部编排器
func (r *Registry) All() []Runner {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]Runner, 0, len(r.runners))
	for _, rn := range r.runners {
		out = append(out, rn)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name() < out[j].Name() })
	return out
}

var _ Runner = (*Orchestrator[struct{}])(nil)
