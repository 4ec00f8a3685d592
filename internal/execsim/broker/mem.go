package broker

import (
	"context"
	"sync"
	"time"

	"github.com/nats-io/nats.go"
)

// MemBroker 进程内实现，测试和本地联调用
// 语义尽量贴近 JetStream：显式 ack、Nak 重投、MaxDeliver、按 MsgID 去重
type MemBroker struct {
	mu          sync.Mutex
	inbox       []*MemMessage
	published   []OutMsg
	seenMsgIDs  map[string]struct{}
	connected   bool
	closed      bool
	publishErr  error
	consumerErr error
	maxDeliver  uint64
	arrived     chan struct{}

	filter string
}

func NewMemBroker(filterSubject string) *MemBroker {
	return &MemBroker{
		seenMsgIDs: make(map[string]struct{}),
		connected:  true,
		maxDeliver: 10,
		arrived:    make(chan struct{}, 1),
		filter:     filterSubject,
	}
}

// Inject 模拟上游往 filter subject 发一条
func (b *MemBroker) Inject(data []byte, header nats.Header) *MemMessage {
	m := &MemMessage{b: b, subject: b.filter, data: data, header: header}
	b.mu.Lock()
	b.inbox = append(b.inbox, m)
	b.mu.Unlock()
	b.wake()
	return m
}

func (b *MemBroker) Fetch(ctx context.Context, batch int, wait time.Duration) ([]Message, error) {
	deadline := time.NewTimer(wait)
	defer deadline.Stop()
	for {
		b.mu.Lock()
		if b.closed {
			b.mu.Unlock()
			return nil, ErrClosed
		}
		if !b.connected {
			b.mu.Unlock()
			return nil, ErrDisconnected
		}
		if len(b.inbox) > 0 {
			n := batch
			if n > len(b.inbox) {
				n = len(b.inbox)
			}
			out := make([]Message, 0, n)
			for _, m := range b.inbox[:n] {
				m.delivered++
				out = append(out, m)
			}
			b.inbox = append(b.inbox[:0], b.inbox[n:]...)
			b.mu.Unlock()
			return out, nil
		}
		b.mu.Unlock()

		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-deadline.C:
			return nil, nil
		case <-b.arrived:
		}
	}
}

func (b *MemBroker) Publish(ctx context.Context, m OutMsg) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	switch {
	case b.closed:
		return ErrClosed
	case !b.connected:
		return ErrDisconnected
	case b.publishErr != nil:
		return b.publishErr
	}
	if m.MsgID != "" {
		if _, dup := b.seenMsgIDs[m.MsgID]; dup {
			return nil
		}
		b.seenMsgIDs[m.MsgID] = struct{}{}
	}
	b.published = append(b.published, m)
	return nil
}

// Published 已发布消息的快照
func (b *MemBroker) Published() []OutMsg {
	b.mu.Lock()
	defer b.mu.Unlock()
	out := make([]OutMsg, len(b.published))
	copy(out, b.published)
	return out
}

// PublishedTo 按 subject 过滤
func (b *MemBroker) PublishedTo(subject string) []OutMsg {
	var out []OutMsg
	for _, m := range b.Published() {
		if m.Subject == subject {
			out = append(out, m)
		}
	}
	return out
}

func (b *MemBroker) SetConnected(v bool) {
	b.mu.Lock()
	b.connected = v
	b.mu.Unlock()
	b.wake()
}

// SetPublishError 非 nil 时所有 Publish 都失败
func (b *MemBroker) SetPublishError(err error) {
	b.mu.Lock()
	b.publishErr = err
	b.mu.Unlock()
}

func (b *MemBroker) Connected() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.connected && !b.closed
}

func (b *MemBroker) Status() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	switch {
	case b.closed:
		return StatusClosed
	case b.connected:
		return StatusConnected
	default:
		return StatusDisconnected
	}
}

func (b *MemBroker) ConsumerStatus(context.Context) (ConsumerStatus, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	st := ConsumerStatus{
		Stream:        "mem",
		Durable:       "mem",
		FilterSubject: b.filter,
		NumPending:    uint64(len(b.inbox)),
		Healthy:       b.connected && !b.closed,
	}
	if b.consumerErr != nil {
		st.Healthy = false
		st.Error = b.consumerErr.Error()
		return st, b.consumerErr
	}
	return st, nil
}

// SetConsumerError 模拟 consumer 查询失败或配置漂移
func (b *MemBroker) SetConsumerError(err error) {
	b.mu.Lock()
	b.consumerErr = err
	b.mu.Unlock()
}

// Pending 还在 inbox 里等待投递的条数
func (b *MemBroker) Pending() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.inbox)
}

func (b *MemBroker) Close() error {
	b.mu.Lock()
	b.closed = true
	b.mu.Unlock()
	b.wake()
	return nil
}

func (b *MemBroker) wake() {
	select {
	case b.arrived <- struct{}{}:
	default:
	}
}

func (b *MemBroker) redeliver(m *MemMessage) {
	b.mu.Lock()
	if m.delivered < b.maxDeliver {
		b.inbox = append(b.inbox, m)
	}
	b.mu.Unlock()
	b.wake()
}

type ackState int

const (
	statePending ackState = iota
	stateAcked
	stateNaked
	stateTermed
)

type MemMessage struct {
	b         *MemBroker
	subject   string
	data      []byte
	header    nats.Header
	delivered uint64

	mu    sync.Mutex
	state ackState
	acks  int
	naks  int
	terms int
}

func (m *MemMessage) Subject() string      { return m.subject }
func (m *MemMessage) Data() []byte         { return m.data }
func (m *MemMessage) Headers() nats.Header { return m.header }

func (m *MemMessage) NumDelivered() uint64 {
	m.b.mu.Lock()
	defer m.b.mu.Unlock()
	return m.delivered
}

func (m *MemMessage) Ack() error {
	m.mu.Lock()
	m.state = stateAcked
	m.acks++
	m.mu.Unlock()
	return nil
}

func (m *MemMessage) Nak(time.Duration) error {
	m.mu.Lock()
	m.state = stateNaked
	m.naks++
	m.mu.Unlock()
	m.b.redeliver(m)
	return nil
}

func (m *MemMessage) Term() error {
	m.mu.Lock()
	m.state = stateTermed
	m.terms++
	m.mu.Unlock()
	return nil
}

// Counts 测试断言用：ack/nak/term 次数
func (m *MemMessage) Counts() (acks, naks, terms int) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.acks, m.naks, m.terms
}

func (m *MemMessage) Acked() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state == stateAcked
}
