package saga

import "errors"

// Saga 相关错误
var (
	// ErrSagaNotFound Saga 不存在
	ErrSagaNotFound = errors.New("saga not found")

	// ErrConcurrentUpdate saga_state 已被其他处理者推进（CAS 失败）
	ErrConcurrentUpdate = errors.New("saga concurrently updated")

	// ErrSagaTerminal Saga 已处于终态
	ErrSagaTerminal = errors.New("saga already terminal")

	// ErrEventStateNotFound Saga 没有任何事件状态记录
	ErrEventStateNotFound = errors.New("saga event state not found")

	// ErrInvalidStepTable 步骤表定义无效
	ErrInvalidStepTable = errors.New("saga invalid step table")

	// ErrUnknownSaga 注册表中没有该 saga 类型
	ErrUnknownSaga = errors.New("saga type not registered")
)
