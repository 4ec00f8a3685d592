package broker

import (
	"context"
	"errors"
	"time"

	"github.com/nats-io/nats.go"
)

var (
	ErrDisconnected  = errors.New("broker disconnected")
	ErrClosed        = errors.New("broker closed")
	ErrConsumerDrift = errors.New("consumer config drift")
)

// 出站消息头
const (
	HeaderCorrID        = "corr_id"
	HeaderEventType     = "event_type"
	HeaderTimestamp     = "timestamp"
	HeaderCorrSynthetic = "corr_synthetic"
)

// Message 拉取到的一条消息，处理完必须 Ack/Nak/Term 之一
type Message interface {
	Subject() string
	Data() []byte
	Headers() nats.Header
	Ack() error
	// Nak 让 broker 重投，delay<=0 立即重投
	Nak(delay time.Duration) error
	// Term 不再重投（坏消息）
	Term() error
	NumDelivered() uint64
}

// OutMsg MsgID 非空时作为 Nats-Msg-Id，broker 侧去重
type OutMsg struct {
	Subject string
	Data    []byte
	Header  nats.Header
	MsgID   string
}

// ConsumerStatus 给 /healthz 用
type ConsumerStatus struct {
	Stream         string `json:"stream"`
	Durable        string `json:"durable"`
	FilterSubject  string `json:"filter_subject"`
	NumPending     uint64 `json:"num_pending"`
	NumAckPending  int    `json:"num_ack_pending"`
	NumRedelivered int    `json:"num_redelivered"`
	NumWaiting     int    `json:"num_waiting"`
	Healthy        bool   `json:"healthy"`
	Error          string `json:"error,omitempty"`
}

type Broker interface {
	Fetch(ctx context.Context, batch int, wait time.Duration) ([]Message, error)
	Publish(ctx context.Context, m OutMsg) error
	Connected() bool
	// Status connected/disconnected/reconnecting/closed
	Status() string
	ConsumerStatus(ctx context.Context) (ConsumerStatus, error)
	Close() error
}

const (
	StatusConnected    = "connected"
	StatusDisconnected = "disconnected"
	StatusReconnecting = "reconnecting"
	StatusClosed       = "closed"
)
