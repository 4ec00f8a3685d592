package outbox

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"

	"gopherex.com/execsim/pkg/logger"
	"gopherex.com/execsim/pkg/metrics"
)

const DefaultCapacity = 1000

// Event 待发布的一条消息，fill 和 reconcile 各一条
type Event struct {
	Subject    string
	EventType  string
	EventID    string // fill_id / reconcile_id，发布时作为 Nats-Msg-Id
	CorrID     string
	Payload    []byte
	Headers    map[string]string
	EnqueuedAt time.Time
}

// Buffer 有界 FIFO，满了丢最老的并计数
// 出队的事件算 in-flight，直到 Ack 或 Requeue
type Buffer struct {
	mu       sync.Mutex
	ring     []Event
	head     int
	n        int
	inflight int
	dropped  uint64

	notify  chan struct{}
	metrics *metrics.Registry
	now     func() time.Time
}

func NewBuffer(capacity int, m *metrics.Registry) *Buffer {
	if capacity <= 0 {
		capacity = DefaultCapacity
	}
	if m == nil {
		m = metrics.New()
	}
	return &Buffer{
		ring:    make([]Event, capacity),
		notify:  make(chan struct{}, 1),
		metrics: m,
		now:     time.Now,
	}
}

// Enqueue 一次调用里的事件保持相邻；返回因溢出丢掉的条数
func (b *Buffer) Enqueue(ctx context.Context, events ...Event) int {
	if len(events) == 0 {
		return 0
	}
	now := b.now()

	b.mu.Lock()
	var lost []Event
	for _, ev := range events {
		if ev.EnqueuedAt.IsZero() {
			ev.EnqueuedAt = now
		}
		if b.n == len(b.ring) {
			lost = append(lost, b.popFrontLocked())
		}
		b.pushBackLocked(ev)
	}
	b.dropped += uint64(len(lost))
	b.syncGaugeLocked()
	b.mu.Unlock()

	b.reportDrops(ctx, lost)
	b.wake()
	return len(lost)
}

// DequeueBatch 取出最多 n 条最老的事件，所有权交给调用方
func (b *Buffer) DequeueBatch(n int) []Event {
	b.mu.Lock()
	defer b.mu.Unlock()
	if n > b.n {
		n = b.n
	}
	if n <= 0 {
		return nil
	}
	out := make([]Event, n)
	for i := range out {
		out[i] = b.popFrontLocked()
	}
	b.inflight += n
	return out
}

// Ack n 条 in-flight 已发布
func (b *Buffer) Ack(n int) {
	b.mu.Lock()
	b.inflight -= n
	if b.inflight < 0 {
		b.inflight = 0
	}
	b.syncGaugeLocked()
	b.mu.Unlock()
}

// Requeue 未发布的事件放回队头，顺序不变
// 期间新入队的事件把队列填满时，仍按丢最老处理（丢的是放回的这些）
func (b *Buffer) Requeue(ctx context.Context, events []Event) int {
	if len(events) == 0 {
		return 0
	}
	b.mu.Lock()
	b.inflight -= len(events)
	if b.inflight < 0 {
		b.inflight = 0
	}
	var lost []Event
	free := len(b.ring) - b.n
	keep := events
	if len(keep) > free {
		lost = append(lost, keep[:len(keep)-free]...)
		keep = keep[len(keep)-free:]
	}
	for i := len(keep) - 1; i >= 0; i-- {
		b.pushFrontLocked(keep[i])
	}
	b.dropped += uint64(len(lost))
	b.syncGaugeLocked()
	b.mu.Unlock()

	b.reportDrops(ctx, lost)
	b.wake()
	return len(lost)
}

func (b *Buffer) Len() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.n
}

// Pending 还没发布出去的：排队 + in-flight
func (b *Buffer) Pending() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.n + b.inflight
}

func (b *Buffer) Cap() int { return len(b.ring) }

func (b *Buffer) Dropped() uint64 {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.dropped
}

// Saturated pending 到达高水位
func (b *Buffer) Saturated(highWatermark int) bool {
	return b.Pending() >= highWatermark
}

// Notify 有新事件时脉冲一次，多次入队合并
func (b *Buffer) Notify() <-chan struct{} { return b.notify }

func (b *Buffer) wake() {
	select {
	case b.notify <- struct{}{}:
	default:
	}
}

func (b *Buffer) pushBackLocked(ev Event) {
	b.ring[(b.head+b.n)%len(b.ring)] = ev
	b.n++
}

func (b *Buffer) pushFrontLocked(ev Event) {
	b.head = (b.head - 1 + len(b.ring)) % len(b.ring)
	b.ring[b.head] = ev
	b.n++
}

func (b *Buffer) popFrontLocked() Event {
	ev := b.ring[b.head]
	b.ring[b.head] = Event{}
	b.head = (b.head + 1) % len(b.ring)
	b.n--
	return ev
}

func (b *Buffer) syncGaugeLocked() {
	b.metrics.PendingEvents.Set(float64(b.n + b.inflight))
}

func (b *Buffer) reportDrops(ctx context.Context, lost []Event) {
	if len(lost) == 0 {
		return
	}
	b.metrics.BufferDropped.Add(float64(len(lost)))
	for _, ev := range lost {
		logger.Warn(ctx, "outbound buffer overflow, dropped oldest event",
			zap.String("dropped_corr_id", ev.CorrID),
			zap.String("event_type", ev.EventType),
			zap.String("event_id", ev.EventID),
			zap.Duration("age", b.now().Sub(ev.EnqueuedAt)),
		)
	}
}
