package saga

import (
	"context"
	"fmt"

	"sagaflow/messaging"
)

// StepFunc 步骤函数。
//
// 入参 evt 为触发本步骤的入站事件，data 为可修改的 saga 数据；返回的出站事件
// 只需填写 EventOutcome 与 EventPayload，EventType 为空时取步骤表中的 next。
type StepFunc[D any] func(ctx context.Context, evt *messaging.Event, saga *Saga, data *D) (*messaging.Event, error)

type stepKey struct {
	eventType messaging.EventType
	outcome   messaging.EventOutcome
}

type step[D any] struct {
	key  stepKey
	next messaging.EventType
	fn   StepFunc[D]
	end  bool
}

// StepTable 不可变的步骤表，按 (eventType, eventOutcome) 查找
type StepTable[D any] struct {
	steps []*step[D]
	index map[stepKey]*step[D]
}

func (t *StepTable[D]) lookup(eventType messaging.EventType, outcome messaging.EventOutcome) (*step[D], bool) {
	s, ok := t.index[stepKey{eventType, outcome}]
	return s, ok
}

// Len 步骤表条目数
func (t *StepTable[D]) Len() int { return len(t.steps) }

// StepTableBuilder 步骤表构建器，重复的键在 Build 时报错
type StepTableBuilder[D any] struct {
	steps []*step[D]
	errs  []error
}

// NewStepTable 创建步骤表构建器
func NewStepTable[D any]() *StepTableBuilder[D] {
	return &StepTableBuilder[D]{}
}

// Begin 起始步骤，等价于 Step(INITIATED, INITIATE_SUCCESS, next, fn)
func (b *StepTableBuilder[D]) Begin(next messaging.EventType, fn StepFunc[D]) *StepTableBuilder[D] {
	return b.Step(EventInitiated, OutcomeInitiateSuccess, next, fn)
}

// Step 收到 (eventType, outcome) 时执行 fn，并把 saga 推进到 next
func (b *StepTableBuilder[D]) Step(eventType messaging.EventType, outcome messaging.EventOutcome, next messaging.EventType, fn StepFunc[D]) *StepTableBuilder[D] {
	switch {
	case fn == nil:
		b.errs = append(b.errs, fmt.Errorf("step %s/%s: nil step func", eventType, outcome))
	case next == "" || next == eventType:
		b.errs = append(b.errs, fmt.Errorf("step %s/%s: next event type must differ from the current one", eventType, outcome))
	}
	b.steps = append(b.steps, &step[D]{key: stepKey{eventType, outcome}, next: next, fn: fn})
	return b
}

// End 收到 (eventType, outcome) 时结束 saga
func (b *StepTableBuilder[D]) End(eventType messaging.EventType, outcome messaging.EventOutcome) *StepTableBuilder[D] {
	b.steps = append(b.steps, &step[D]{key: stepKey{eventType, outcome}, end: true})
	return b
}

// Build 校验并生成步骤表
func (b *StepTableBuilder[D]) Build() (*StepTable[D], error) {
	if len(b.errs) > 0 {
		return nil, fmt.Errorf("%w: %v", ErrInvalidStepTable, b.errs[0])
	}
	t := &StepTable[D]{index: make(map[stepKey]*step[D], len(b.steps))}
	hasEnd := false
	for _, s := range b.steps {
		if _, dup := t.index[s.key]; dup {
			return nil, fmt.Errorf("%w: duplicate step %s/%s", ErrInvalidStepTable, s.key.eventType, s.key.outcome)
		}
		t.index[s.key] = s
		t.steps = append(t.steps, s)
		hasEnd = hasEnd || s.end
	}
	if len(t.steps) == 0 || !hasEnd {
		return nil, fmt.Errorf("%w: table needs at least one end entry", ErrInvalidStepTable)
	}
	return t, nil
}

// MustBuild Build 失败时 panic，用于包级初始化
func (b *StepTableBuilder[D]) MustBuild() *StepTable[D] {
	t, err := b.Build()
	if err != nil {
		panic(err)
	}
	return t
}
