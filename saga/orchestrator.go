package saga

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	apperrors "sagaflow/errors"
	"sagaflow/eventing"
	evstore "sagaflow/eventing/store"
	"sagaflow/logging"
	"sagaflow/messaging"
	"sagaflow/monitoring"
	"sagaflow/storage/database"
)

// outboundNamespace 出站事件 ID 的命名空间，同一入站事件状态重放得到相同 ID
var outboundNamespace = uuid.MustParse("8c4b3a52-6f0e-4f8e-9d0b-5f3c1e2a7b61")

// OutboundEventID 由 saga、入站事件状态与出站事件类型确定出站事件 ID
func OutboundEventID(sagaID, eventStateID string, eventType messaging.EventType) string {
	return uuid.NewSHA1(outboundNamespace, []byte(sagaID+"/"+eventStateID+"/"+string(eventType))).String()
}

// Publisher 提交后发送事件存储中的一条记录
type Publisher interface {
	Publish(ctx context.Context, eventID string) error
}

// Deps 编排器依赖
type Deps struct {
	DB         database.IDatabase
	Store      IStore
	EventStore evstore.IEventStore
	Publisher  Publisher
	Logger     logging.Logger
	Metrics    *monitoring.Metrics
	// User 写入 create_user/update_user 的操作人
	User string
}

// Orchestrator 单一 saga 类型的编排器。
//
// 每个步骤分三段执行：事务内推进 saga_state 并追加入站事件状态；调用步骤函数；
// 事务内保存 saga 数据并以确定性 ID 记录出站事件，提交后发布。
type Orchestrator[D any] struct {
	name  string
	topic string
	table *StepTable[D]

	db        database.IDatabase
	store     IStore
	events    evstore.IEventStore
	publisher Publisher
	log       logging.Logger
	metrics   *monitoring.Metrics
	user      string
}

// NewOrchestrator 创建编排器，topic 为该 saga 类型的步骤续接主题
func NewOrchestrator[D any](name, topic string, table *StepTable[D], deps Deps) (*Orchestrator[D], error) {
	if name == "" || topic == "" || table == nil {
		return nil, fmt.Errorf("%w: name, topic and step table are required", ErrInvalidStepTable)
	}
	if deps.DB == nil || deps.Store == nil || deps.EventStore == nil || deps.Publisher == nil {
		return nil, errors.New("saga orchestrator: missing dependency")
	}
	if deps.Logger == nil {
		deps.Logger = logging.ComponentLogger("saga.orchestrator")
	}
	if deps.User == "" {
		deps.User = name
	}
	return &Orchestrator[D]{
		name:      name,
		topic:     topic,
		table:     table,
		db:        deps.DB,
		store:     deps.Store,
		events:    deps.EventStore,
		publisher: deps.Publisher,
		log:       deps.Logger.WithFields(logging.String("saga_name", name)),
		metrics:   deps.Metrics,
		user:      deps.User,
	}, nil
}

func (o *Orchestrator[D]) Name() string  { return o.name }
func (o *Orchestrator[D]) Topic() string { return o.topic }

// CreateSaga 以 STARTED 状态创建 saga 并写入第一条事件状态。
//
// 不做去重，调用方需先通过 FindActiveByBusinessKey 确认没有进行中的实例。
func (o *Orchestrator[D]) CreateSaga(ctx context.Context, data D, user, businessKey string) (*Saga, error) {
	payload, err := json.Marshal(data)
	if err != nil {
		return nil, apperrors.WrapError(err, apperrors.ErrCodeInvalidInput, "序列化 saga 数据失败")
	}
	return o.createSaga(ctx, string(payload), user, businessKey)
}

// CreateSagaFromPayload 以序列化后的数据创建 saga，数据必须能解析为 D
func (o *Orchestrator[D]) CreateSagaFromPayload(ctx context.Context, payload, user, businessKey string) (*Saga, error) {
	var data D
	if err := json.Unmarshal([]byte(payload), &data); err != nil {
		return nil, apperrors.WrapError(err, apperrors.ErrCodeInvalidInput, "saga 数据格式错误")
	}
	return o.createSaga(ctx, payload, user, businessKey)
}

func (o *Orchestrator[D]) createSaga(ctx context.Context, payload, user, businessKey string) (*Saga, error) {
	if user == "" {
		user = o.user
	}
	sg := &Saga{
		SagaID:      uuid.NewString(),
		SagaName:    o.name,
		SagaState:   string(EventInitiated),
		Status:      StatusStarted,
		Payload:     payload,
		BusinessKey: businessKey,
		CreateUser:  user,
		UpdateUser:  user,
	}
	err := database.WithTx(ctx, o.db, func(tx database.IDatabase) error {
		if err := o.store.InsertSaga(ctx, tx, sg); err != nil {
			return err
		}
		return o.store.AppendEventState(ctx, tx, &EventState{
			SagaID:       sg.SagaID,
			EventType:    EventInitiated,
			EventOutcome: OutcomeInitiateSuccess,
			EventPayload: payload,
			CreateUser:   user,
		})
	})
	if err != nil {
		return nil, err
	}
	o.metrics.SagaTransition(o.name, string(StatusStarted))
	o.log.Info(ctx, "saga 已创建", logging.SagaID(sg.SagaID), logging.String("business_key", businessKey))
	return sg, nil
}

// StartSaga 记录并发布起始事件 (INITIATED, INITIATE_SUCCESS)
func (o *Orchestrator[D]) StartSaga(ctx context.Context, sg *Saga) error {
	evt := &messaging.Event{
		EventID:      OutboundEventID(sg.SagaID, "start", EventInitiated),
		EventType:    EventInitiated,
		EventOutcome: OutcomeInitiateSuccess,
		SagaID:       sg.SagaID,
		SagaName:     o.name,
		ReplyTo:      o.topic,
		EventPayload: sg.Payload,
	}
	messaging.StampCorrelation(ctx, evt)
	if _, err := o.events.RecordIfAbsent(ctx, nil, eventing.FromMessage(evt, o.topic, eventing.DeliveryQueue, o.user)); err != nil {
		return err
	}
	return o.publisher.Publish(ctx, evt.EventID)
}

// Handle 处理 saga 主题上的事件，实现 dispatch.EventHandler。
//
// 重复或乱序的事件（evt.eventType 与 saga_state 不一致）直接忽略；
// 返回错误仅表示基础设施故障，消息应被重投。
func (o *Orchestrator[D]) Handle(ctx context.Context, evt *messaging.Event) error {
	log := o.log.WithFields(logging.SagaID(evt.SagaID), logging.EventType(string(evt.EventType)),
		logging.String("event_outcome", string(evt.EventOutcome)))

	sg, err := o.store.GetSaga(ctx, evt.SagaID)
	if errors.Is(err, ErrSagaNotFound) {
		log.Warn(ctx, "saga 不存在，忽略事件")
		return nil
	}
	if err != nil {
		return err
	}

	switch {
	case sg.SagaName != o.name:
		log.Warn(ctx, "saga 类型不匹配，忽略事件", logging.String("actual", sg.SagaName))
		return nil
	case sg.Status.IsTerminal():
		log.Info(ctx, "saga 已结束，忽略事件", logging.String("status", string(sg.Status)))
		return nil
	case sg.Status == StatusError:
		log.Warn(ctx, "saga 处于 ERROR 状态，需要人工重放")
		return nil
	case sg.SagaState != string(evt.EventType):
		log.Info(ctx, "重复或乱序事件，忽略", logging.String("saga_state", sg.SagaState))
		return nil
	}

	st, ok := o.table.lookup(evt.EventType, evt.EventOutcome)
	if !ok {
		log.Warn(ctx, "步骤表中没有对应条目，忽略事件")
		return nil
	}
	return o.execute(ctx, sg, evt, st)
}

// execute 推进 saga 并执行步骤；最近一条事件状态与入站事件一致且尚未推进时复用该记录
func (o *Orchestrator[D]) execute(ctx context.Context, sg *Saga, evt *messaging.Event, st *step[D]) error {
	latest, err := o.store.LatestEventState(ctx, sg.SagaID)
	if err != nil && !errors.Is(err, ErrEventStateNotFound) {
		return err
	}

	var inbound *EventState
	if latest != nil && latest.EventType == evt.EventType && latest.EventOutcome == evt.EventOutcome {
		inbound = latest
	}

	expected := sg.SagaState
	if st.end {
		sg.SagaState, sg.Status = SagaStateCompleted, StatusCompleted
	} else {
		sg.SagaState, sg.Status = string(st.next), StatusInProgress
	}
	sg.UpdateUser = o.user

	err = database.WithTx(ctx, o.db, func(tx database.IDatabase) error {
		if err := o.store.UpdateSaga(ctx, tx, sg, expected); err != nil {
			return err
		}
		if inbound != nil {
			return nil
		}
		inbound = &EventState{
			SagaID:       sg.SagaID,
			EventType:    evt.EventType,
			EventOutcome: evt.EventOutcome,
			EventPayload: evt.EventPayload,
			CreateUser:   o.user,
		}
		return o.store.AppendEventState(ctx, tx, inbound)
	})
	if errors.Is(err, ErrConcurrentUpdate) {
		o.log.Info(ctx, "saga 已被其他投递推进，忽略事件", logging.SagaID(sg.SagaID), logging.EventType(string(evt.EventType)))
		return nil
	}
	if err != nil {
		return err
	}
	o.metrics.SagaTransition(o.name, string(sg.Status))

	if st.end {
		o.log.Info(ctx, "saga 已完成", logging.SagaID(sg.SagaID))
		return nil
	}
	return o.runStep(ctx, sg, inbound, st)
}

// runStep 调用步骤函数并记录、发布出站事件
func (o *Orchestrator[D]) runStep(ctx context.Context, sg *Saga, inbound *EventState, st *step[D]) error {
	var data D
	if err := json.Unmarshal([]byte(sg.Payload), &data); err != nil {
		return o.markError(ctx, sg, fmt.Errorf("decode saga payload: %w", err))
	}

	in := &messaging.Event{
		EventID:      inbound.ID,
		EventType:    inbound.EventType,
		EventOutcome: inbound.EventOutcome,
		SagaID:       sg.SagaID,
		SagaName:     sg.SagaName,
		EventPayload: inbound.EventPayload,
	}
	start := time.Now()
	out, err := st.fn(ctx, in, sg, &data)
	o.metrics.ObserveStep(o.name, string(inbound.EventType), time.Since(start))
	if err != nil {
		return o.markError(ctx, sg, err)
	}

	if out == nil {
		out = &messaging.Event{}
	}
	if out.EventType == "" {
		out.EventType = st.next
	}
	out.SagaID = sg.SagaID
	out.SagaName = o.name
	out.ReplyTo = o.topic
	out.EventID = OutboundEventID(sg.SagaID, inbound.ID, out.EventType)
	messaging.StampCorrelation(ctx, out)

	payload, err := json.Marshal(&data)
	if err != nil {
		return o.markError(ctx, sg, fmt.Errorf("encode saga payload: %w", err))
	}
	sg.Payload = string(payload)
	if sg.Status == StatusError || sg.Status == StatusStarted {
		sg.Status = StatusInProgress
	}
	sg.UpdateUser = o.user

	var inserted bool
	err = database.WithTx(ctx, o.db, func(tx database.IDatabase) error {
		if err := o.store.UpdateSaga(ctx, tx, sg, sg.SagaState); err != nil {
			return err
		}
		var err error
		inserted, err = o.events.RecordIfAbsent(ctx, tx, eventing.FromMessage(out, o.topic, eventing.DeliveryQueue, o.user))
		return err
	})
	if errors.Is(err, ErrConcurrentUpdate) {
		o.log.Info(ctx, "saga 已被推进，放弃本次出站事件", logging.SagaID(sg.SagaID))
		return nil
	}
	if err != nil {
		return err
	}
	if !inserted {
		o.log.Debug(ctx, "出站事件已存在", logging.SagaID(sg.SagaID), logging.EventID(out.EventID))
	}

	o.log.Info(ctx, "saga 步骤完成",
		logging.SagaID(sg.SagaID), logging.EventType(string(out.EventType)),
		logging.String("event_outcome", string(out.EventOutcome)))
	return o.publisher.Publish(ctx, out.EventID)
}

// markError 步骤失败：saga 置为 ERROR 并停止推进，已写入的事件状态保留
func (o *Orchestrator[D]) markError(ctx context.Context, sg *Saga, cause error) error {
	o.log.Error(ctx, "saga 步骤失败，标记为 ERROR", logging.SagaID(sg.SagaID),
		logging.String("saga_state", sg.SagaState), logging.Error(cause))
	sg.Status = StatusError
	sg.UpdateUser = o.user
	if err := o.store.UpdateSaga(ctx, nil, sg, sg.SagaState); err != nil {
		if errors.Is(err, ErrConcurrentUpdate) {
			return nil
		}
		return err
	}
	o.metrics.SagaTransition(o.name, string(StatusError))
	return nil
}

// ReplaySaga 从最近一条事件状态恢复执行。
//
// 迁移尚未应用（saga_state 等于最近事件类型）时完整执行该步骤；否则只重新执行
// 步骤函数与出站事件记录，出站事件 ID 不变，因此不会产生重复记录。
// 终态 saga 不会被重放；ERROR 状态的 saga 只能通过该方法显式重放。
func (o *Orchestrator[D]) ReplaySaga(ctx context.Context, sg *Saga) error {
	if sg.Status.IsTerminal() {
		o.log.Info(ctx, "saga 已结束，跳过重放", logging.SagaID(sg.SagaID), logging.String("status", string(sg.Status)))
		return nil
	}
	latest, err := o.store.LatestEventState(ctx, sg.SagaID)
	if err != nil {
		return err
	}
	st, ok := o.table.lookup(latest.EventType, latest.EventOutcome)
	if !ok {
		o.log.Warn(ctx, "最近事件状态不在步骤表中，无法重放", logging.SagaID(sg.SagaID),
			logging.EventType(string(latest.EventType)))
		return nil
	}

	o.log.Info(ctx, "重放 saga", logging.SagaID(sg.SagaID),
		logging.EventType(string(latest.EventType)), logging.String("saga_state", sg.SagaState))

	if sg.SagaState == string(latest.EventType) {
		evt := &messaging.Event{
			EventID:      latest.ID,
			EventType:    latest.EventType,
			EventOutcome: latest.EventOutcome,
			SagaID:       sg.SagaID,
			SagaName:     sg.SagaName,
			EventPayload: latest.EventPayload,
		}
		return o.execute(ctx, sg, evt, st)
	}
	if st.end || sg.SagaState != string(st.next) {
		o.log.Warn(ctx, "saga_state 与事件状态不一致，跳过重放", logging.SagaID(sg.SagaID),
			logging.String("saga_state", sg.SagaState))
		return nil
	}
	return o.runStep(ctx, sg, latest, st)
}

// ForceStop 管理操作：将 saga 置为 FORCE_STOPPED
func (o *Orchestrator[D]) ForceStop(ctx context.Context, sagaID, user string) error {
	if user == "" {
		user = o.user
	}
	if err := o.store.ForceStop(ctx, sagaID, user); err != nil {
		return err
	}
	o.metrics.SagaTransition(o.name, string(StatusForceStopped))
	o.log.Warn(ctx, "saga 已强制停止", logging.SagaID(sagaID), logging.String("user", user))
	return nil
}
