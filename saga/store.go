package saga

import (
	"context"
	"time"

	"sagaflow/storage/database"
)

// IStore Saga 存储接口
//
// 写方法的 exec 可以是事务，传 nil 使用存储自身的连接。
type IStore interface {
	InsertSaga(ctx context.Context, exec database.IDatabase, s *Saga) error

	// GetSaga 不存在时返回 ErrSagaNotFound
	GetSaga(ctx context.Context, sagaID string) (*Saga, error)

	// UpdateSaga 以 expectedState 作为 saga_state 的比较值做 CAS 更新，
	// 不匹配时返回 ErrConcurrentUpdate
	UpdateSaga(ctx context.Context, exec database.IDatabase, s *Saga, expectedState string) error

	// AppendEventState 追加事件状态，填充 ID、Seq、CreatedAt
	AppendEventState(ctx context.Context, exec database.IDatabase, es *EventState) error

	// ListEventStates 按写入顺序返回
	ListEventStates(ctx context.Context, sagaID string) ([]*EventState, error)

	// LatestEventState 没有记录时返回 ErrEventStateNotFound
	LatestEventState(ctx context.Context, sagaID string) (*EventState, error)

	// FindActiveByBusinessKey 查找同一业务键下未结束的 saga，不存在时返回 ErrSagaNotFound
	FindActiveByBusinessKey(ctx context.Context, sagaName, businessKey string) (*Saga, error)

	// FindStuck 查找处于 statuses 且 updated_at 早于 olderThan 的 saga
	FindStuck(ctx context.Context, statuses []Status, olderThan time.Time, limit int) ([]*Saga, error)

	CountByStatuses(ctx context.Context, statuses ...Status) (int64, error)

	// ForceStop 将未结束的 saga 置为 FORCE_STOPPED
	ForceStop(ctx context.Context, sagaID, user string) error
}
