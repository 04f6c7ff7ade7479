package dispatch

import (
	"context"
	"errors"
	"sync"
)

// ErrPoolClosed 工作池已关闭
var ErrPoolClosed = errors.New("dispatch: worker pool closed")

// Task 工作池任务
type Task func()

// WorkerPool 固定大小的工作池。
//
// Submit 在所有 worker 忙碌且缓冲区满时阻塞，从而向传输层施加背压。
type WorkerPool struct {
	tasks chan Task
	wg    sync.WaitGroup

	mu     sync.RWMutex
	closed bool
}

// NewWorkerPool 创建并启动工作池，size<=0 时使用 10
func NewWorkerPool(size int) *WorkerPool {
	if size <= 0 {
		size = 10
	}
	p := &WorkerPool{tasks: make(chan Task)}
	for i := 0; i < size; i++ {
		p.wg.Add(1)
		go p.worker()
	}
	return p
}

func (p *WorkerPool) worker() {
	defer p.wg.Done()
	for task := range p.tasks {
		task()
	}
}

// Submit 提交任务，阻塞直到有 worker 接收或 ctx 结束
func (p *WorkerPool) Submit(ctx context.Context, task Task) error {
	p.mu.RLock()
	defer p.mu.RUnlock()
	if p.closed {
		return ErrPoolClosed
	}
	select {
	case p.tasks <- task:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Close 停止接收任务并等待已接收的任务执行完毕
func (p *WorkerPool) Close() {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return
	}
	p.closed = true
	close(p.tasks)
	p.mu.Unlock()

	p.wg.Wait()
}
