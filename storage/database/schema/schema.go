// Package schema 维护 sagaflow 的表结构，DDL 同时兼容 sqlite 与 postgres
package schema

import (
	"context"
	"fmt"

	core "sagaflow/storage/database"
)

const (
	TableSaga        = "saga"
	TableEventStates = "saga_event_states"
	TableEventStore  = "event_store"
	TableLock        = "scheduler_lock"
	TableInbox       = "choreography_inbox"
)

// Statements 核心表 DDL，按依赖顺序排列
var Statements = []string{
	`CREATE TABLE IF NOT EXISTS saga (
		saga_id       VARCHAR(36)  NOT NULL PRIMARY KEY,
		saga_name     VARCHAR(100) NOT NULL,
		saga_state    VARCHAR(100) NOT NULL,
		status        VARCHAR(20)  NOT NULL,
		payload       TEXT         NOT NULL,
		business_key  VARCHAR(255),
		create_user   VARCHAR(100) NOT NULL,
		created_at    TIMESTAMP    NOT NULL,
		update_user   VARCHAR(100) NOT NULL,
		updated_at    TIMESTAMP    NOT NULL
	)`,
	`CREATE INDEX IF NOT EXISTS idx_saga_status_updated ON saga (status, updated_at)`,
	`CREATE INDEX IF NOT EXISTS idx_saga_business_key ON saga (saga_name, business_key)`,

	`CREATE TABLE IF NOT EXISTS saga_event_states (
		saga_event_id  VARCHAR(36)  NOT NULL PRIMARY KEY,
		saga_id        VARCHAR(36)  NOT NULL,
		seq            INTEGER      NOT NULL,
		event_type     VARCHAR(100) NOT NULL,
		event_outcome  VARCHAR(100) NOT NULL,
		event_payload  TEXT         NOT NULL,
		create_user    VARCHAR(100) NOT NULL,
		created_at     TIMESTAMP    NOT NULL,
		UNIQUE (saga_id, seq)
	)`,

	`CREATE TABLE IF NOT EXISTS event_store (
		event_id       VARCHAR(36)  NOT NULL PRIMARY KEY,
		saga_id        VARCHAR(36),
		saga_name      VARCHAR(100),
		event_type     VARCHAR(100) NOT NULL,
		event_outcome  VARCHAR(100) NOT NULL,
		event_payload  TEXT         NOT NULL,
		assessment_student_id    VARCHAR(100),
		staged_student_result_id VARCHAR(100),
		correlation_id           VARCHAR(100),
		topic          VARCHAR(255) NOT NULL,
		reply_to       VARCHAR(255),
		delivery_mode  VARCHAR(10)  NOT NULL,
		status         VARCHAR(20)  NOT NULL,
		create_user    VARCHAR(100) NOT NULL,
		created_at     TIMESTAMP    NOT NULL,
		update_user    VARCHAR(100) NOT NULL,
		updated_at     TIMESTAMP    NOT NULL
	)`,
	`CREATE INDEX IF NOT EXISTS idx_event_store_status_updated ON event_store (status, updated_at)`,

	`CREATE TABLE IF NOT EXISTS choreography_inbox (
		consumer      VARCHAR(100) NOT NULL,
		event_id      VARCHAR(36)  NOT NULL,
		event_type    VARCHAR(100) NOT NULL,
		status        VARCHAR(20)  NOT NULL,
		create_user   VARCHAR(100) NOT NULL,
		created_at    TIMESTAMP    NOT NULL,
		update_user   VARCHAR(100) NOT NULL,
		updated_at    TIMESTAMP    NOT NULL,
		PRIMARY KEY (consumer, event_id)
	)`,

	`CREATE TABLE IF NOT EXISTS scheduler_lock (
		name        VARCHAR(100) NOT NULL PRIMARY KEY,
		lock_until  TIMESTAMP    NOT NULL,
		locked_at   TIMESTAMP    NOT NULL,
		locked_by   VARCHAR(255) NOT NULL
	)`,
}

// Migrate 依次执行核心 DDL 与调用方追加的 DDL，语句均为幂等
func Migrate(ctx context.Context, db core.IDatabase, extra ...string) error {
	stmts := make([]string, 0, len(Statements)+len(extra))
	stmts = append(stmts, Statements...)
	stmts = append(stmts, extra...)
	for i, stmt := range stmts {
		if _, err := db.Exec(ctx, stmt); err != nil {
			return fmt.Errorf("migrate statement %d: %w", i, err)
		}
	}
	return nil
}
