package events

import "sync"

// DefaultRecorderCapacity 是事件回放缓冲区的默认容量。
const DefaultRecorderCapacity = 256

// Recorder 保留最近发布的事件，供查询接口回放。
// 内部是固定容量的环形缓冲，写满后覆盖最旧的记录。
type Recorder struct {
	mu    sync.Mutex
	ring  []Event
	next  int
	count int

	unsubscribe func()
}

// NewRecorder 订阅总线上的全部事件并保留最近 capacity 条。
func NewRecorder(bus *Bus, capacity int) *Recorder {
	if capacity <= 0 {
		capacity = DefaultRecorderCapacity
	}
	r := &Recorder{ring: make([]Event, capacity)}
	r.unsubscribe = bus.SubscribeAll(r.record)
	return r
}

func (r *Recorder) record(event Event) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.ring[r.next] = event
	r.next = (r.next + 1) % len(r.ring)
	if r.count < len(r.ring) {
		r.count++
	}
}

// Recent 按时间倒序返回最多 limit 条事件。limit 非正时返回全部缓存。
func (r *Recorder) Recent(limit int) []Event {
	r.mu.Lock()
	defer r.mu.Unlock()
	if limit <= 0 || limit > r.count {
		limit = r.count
	}
	out := make([]Event, 0, limit)
	for i := 0; i < limit; i++ {
		idx := (r.next - 1 - i + len(r.ring)) % len(r.ring)
		out = append(out, r.ring[idx])
	}
	return out
}

// Close 取消订阅，已缓存的事件仍可读取。
func (r *Recorder) Close() {
	if r.unsubscribe != nil {
		r.unsubscribe()
		r.unsubscribe = nil
	}
}
