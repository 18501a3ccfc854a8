package router

import (
	"container/heap"
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/oklog/ulid/v2"

	"OpenIntent-Chain/internal/adapter"
	xerrors "OpenIntent-Chain/internal/errors"
)

// AdapterCall 描述一次经路由器排队的适配器操作。
type AdapterCall struct {
	ID        string         `json:"id,omitempty"`
	Adapter   string         `json:"adapter,omitempty"`
	Kind      adapter.Kind   `json:"kind,omitempty"`
	Operation string         `json:"operation"`
	Params    map[string]any `json:"params,omitempty"`
	Priority  int            `json:"priority,omitempty"`
}

type queuedCall struct {
	call        AdapterCall
	delivery    *Delivery
	seq         uint64
	submittedAt time.Time
}

// callQueue 按优先级降序排队，同级按提交顺序先进先出。
type callQueue []*queuedCall

func (q callQueue) Len() int { return len(q) }

func (q callQueue) Less(i, j int) bool {
	if q[i].call.Priority != q[j].call.Priority {
		return q[i].call.Priority > q[j].call.Priority
	}
	return q[i].seq < q[j].seq
}

func (q callQueue) Swap(i, j int) { q[i], q[j] = q[j], q[i] }

func (q *callQueue) Push(x any) { *q = append(*q, x.(*queuedCall)) }

func (q *callQueue) Pop() any {
	old := *q
	n := len(old)
	item := old[n-1]
	old[n-1] = nil
	*q = old[:n-1]
	return item
}

// RouteAdapterCall 投递一次适配器操作。独立于消息通道的并发额度耗尽时
// 调用进入优先级队列：优先级高者先出队，同级按提交顺序。
func (r *Router) RouteAdapterCall(ctx context.Context, call AdapterCall) (*Delivery, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if strings.TrimSpace(call.Operation) == "" {
		return nil, xerrors.New(xerrors.CodeValidation, "适配器操作不能为空")
	}
	if r.adapters == nil {
		return nil, xerrors.New(xerrors.CodeAdapterNotAvailable, "未配置适配器注册表")
	}
	if call.ID == "" {
		call.ID = ulid.Make().String()
	}

	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		return nil, xerrors.New(xerrors.CodeRouterClosed, "路由器已关闭")
	}
	d := newDelivery(call.ID)
	qc := &queuedCall{call: call, delivery: d, submittedAt: time.Now()}
	if r.callActive < r.cfg.MaxConcurrentAdapterCalls {
		r.callActive++
		r.wg.Add(1)
		r.mu.Unlock()
		go r.runCall(qc)
		return d, nil
	}
	d.Queued = true
	r.callSeq++
	qc.seq = r.callSeq
	heap.Push(&r.callQueue, qc)
	depth := r.callQueue.Len()
	r.mu.Unlock()

	r.log.Debug("适配器调用进入等待队列",
		slog.String("call_id", call.ID),
		slog.String("operation", call.Operation),
		slog.Int("queue_depth", depth),
	)
	return d, nil
}

// runCall 执行一次调用并在收尾时放行队列中优先级最高的等待者。
func (r *Router) runCall(qc *queuedCall) {
	defer r.wg.Done()
	qc.delivery.markAdmitted()
	if qc.delivery.Queued {
		r.log.Debug("适配器调用出队",
			slog.String("call_id", qc.call.ID),
			slog.Duration("waited", time.Since(qc.submittedAt)),
		)
	}
	out := r.executeCall(qc)
	qc.delivery.complete(out)
	r.admitNextCall()
}

// admitNextCall 在槽位空出后放行下一次调用，槽位直接转移给它。
func (r *Router) admitNextCall() {
	r.mu.Lock()
	r.processedCalls++
	if r.callQueue.Len() == 0 || r.closed {
		r.callActive--
		r.mu.Unlock()
		return
	}
	next := heap.Pop(&r.callQueue).(*queuedCall)
	r.wg.Add(1)
	r.mu.Unlock()
	go r.runCall(next)
}

// executeCall 解析目标适配器并在独立时限内执行操作。调用期间为实例
// 累加在途计数，结束后无论成败都回收，并把结果计入实例健康记录。
func (r *Router) executeCall(qc *queuedCall) Outcome {
	start := time.Now()
	call := qc.call

	handle, err := r.resolveAdapter(call)
	if err != nil {
		return Outcome{ID: call.ID, Status: StatusFailed, Err: err, Attempts: 1, Duration: time.Since(start)}
	}
	name := handle.Name()
	release := r.adapters.TrackOperation(name)
	defer release()

	ctx, cancel := context.WithTimeout(context.Background(), r.cfg.AdapterTimeout)
	defer cancel()

	type callResult struct {
		payload map[string]any
		err     error
	}
	done := make(chan callResult, 1)
	go func() {
		defer func() {
			if rec := recover(); rec != nil {
				done <- callResult{err: xerrors.New(xerrors.CodeInternal,
					fmt.Sprintf("适配器调用崩溃: %v", rec),
					xerrors.WithMetadata("adapter", name))}
			}
		}()
		payload, err := handle.Execute(ctx, call.Operation, call.Params)
		done <- callResult{payload: payload, err: err}
	}()

	select {
	case res := <-done:
		r.recordCallHealth(name, res.err)
		if res.err != nil {
			r.observeCall(name, StatusFailed)
			return Outcome{ID: call.ID, Status: StatusFailed, Err: res.err, Attempts: 1, Duration: time.Since(start)}
		}
		r.observeCall(name, StatusCompleted)
		return Outcome{ID: call.ID, Status: StatusCompleted, Payload: res.payload, Attempts: 1, Duration: time.Since(start)}
	case <-ctx.Done():
		r.mu.Lock()
		r.timeouts++
		r.mu.Unlock()
		timeoutErr := xerrors.Wrap(xerrors.CodeAdapterTimeout, ctx.Err(), "适配器调用超时",
			xerrors.WithMetadata("adapter", name),
			xerrors.WithMetadata("operation", call.Operation))
		r.recordCallHealth(name, timeoutErr)
		r.observeCall(name, StatusTimeout)
		return Outcome{ID: call.ID, Status: StatusTimeout, Err: timeoutErr, Attempts: 1, Duration: time.Since(start)}
	}
}

// resolveAdapter 解析调用目标：指定实例名时点名取用，否则按能力挑选。
func (r *Router) resolveAdapter(call AdapterCall) (adapter.Adapter, error) {
	if call.Adapter != "" {
		return r.adapters.Lookup(call.Adapter)
	}
	return r.adapters.FindBest(call.Operation, call.Kind)
}

// recordCallHealth 把调用结果计入实例健康记录。参数类失败不代表实例故障。
func (r *Router) recordCallHealth(name string, callErr error) {
	if callErr != nil && xerrors.CodeOf(callErr) == xerrors.CodeValidation {
		return
	}
	r.adapters.RecordProbe(name, callErr)
}

func (r *Router) observeCall(name string, status Status) {
	if r.callObserver == nil {
		return
	}
	r.callObserver(name, status)
}
