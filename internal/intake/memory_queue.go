package intake

import (
	"context"
	"sync"

	xerrors "OpenIntent-Chain/internal/errors"
)

// MemoryQueue 使用 channel 实现的有界队列，用于单机部署与测试。
// 队列满时立即拒绝而不是阻塞调用方。
type MemoryQueue struct {
	ch     chan []byte
	mu     sync.Mutex
	closed bool
}

// NewMemoryQueue 创建一个内存队列。
func NewMemoryQueue(capacity int) *MemoryQueue {
	if capacity <= 0 {
		capacity = 1024
	}
	return &MemoryQueue{ch: make(chan []byte, capacity)}
}

// Publish 将意图投递到队列。队列已满返回 QUEUE_FULL。
func (q *MemoryQueue) Publish(ctx context.Context, payload []byte) error {
	q.mu.Lock()
	closed := q.closed
	q.mu.Unlock()
	if closed {
		return xerrors.New(xerrors.CodeQueueClosed, "")
	}
	select {
	case <-ctx.Done():
		return ctx.Err()
	case q.ch <- payload:
		return nil
	default:
		return xerrors.New(xerrors.CodeQueueFull, "")
	}
}

// Consume 启动指定数量的工作协程消费队列。
func (q *MemoryQueue) Consume(ctx context.Context, workerCount int, handler Handler) error {
	if workerCount <= 0 {
		workerCount = 1
	}
	var wg sync.WaitGroup
	for i := 0; i < workerCount; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for {
				select {
				case <-ctx.Done():
					return
				case payload, ok := <-q.ch:
					if !ok {
						return
					}
					_ = handler(ctx, payload)
				}
			}
		}()
	}
	<-ctx.Done()
	wg.Wait()
	return ctx.Err()
}

// Close 关闭内存队列。
func (q *MemoryQueue) Close() error {
	q.mu.Lock()
	if !q.closed {
		close(q.ch)
		q.closed = true
	}
	q.mu.Unlock()
	return nil
}

var _ Queue = (*MemoryQueue)(nil)
