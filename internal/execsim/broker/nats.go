package broker

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/nats-io/nats.go/jetstream"
	"go.uber.org/zap"

	"gopherex.com/execsim/pkg/backoff"
	"gopherex.com/execsim/pkg/logger"
)

type NatsConfig struct {
	URL  string
	Name string

	// 初始连接重试
	MaxRetries  int
	RetryBase   time.Duration
	RetryMax    time.Duration
	RetryFactor float64

	ReconnectWait  time.Duration
	PingInterval   time.Duration
	ConnectTimeout time.Duration

	Topology Topology
}

// NatsBroker JetStream pull consumer + publisher
type NatsBroker struct {
	nc   *nats.Conn
	js   jetstream.JetStream
	cons jetstream.Consumer
	topo Topology
}

// Connect 建连 + 拓扑校验，失败按指数退避重试 MaxRetries 次
func Connect(ctx context.Context, cfg NatsConfig) (*NatsBroker, error) {
	bo := backoff.New(cfg.RetryBase, cfg.RetryMax, cfg.RetryFactor)
	var lastErr error
	for attempt := 0; attempt <= cfg.MaxRetries; attempt++ {
		logger.Info(ctx, "attempting NATS connection",
			zap.Int("attempt", attempt+1), zap.Int("max_retries", cfg.MaxRetries), zap.String("nats_url", cfg.URL))

		b, err := dial(ctx, cfg)
		if err == nil {
			logger.Info(ctx, "connected to NATS",
				zap.String("nats_url", cfg.URL), zap.String("stream", cfg.Topology.Stream), zap.Int("attempt", attempt+1))
			return b, nil
		}
		lastErr = err
		// 配置漂移重试也不会好
		if errors.Is(err, ErrConsumerDrift) {
			return nil, err
		}
		if attempt == cfg.MaxRetries {
			break
		}
		wait := bo.Next()
		logger.Warn(ctx, "NATS connection failed, retrying",
			zap.Error(err), zap.Int("attempt", attempt+1), zap.Duration("retry_delay", wait))
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(wait):
		}
	}
	return nil, fmt.Errorf("connect NATS after %d retries: %w", cfg.MaxRetries, lastErr)
}

func dial(ctx context.Context, cfg NatsConfig) (*NatsBroker, error) {
	nc, err := nats.Connect(cfg.URL,
		nats.Name(cfg.Name),
		nats.MaxReconnects(-1),
		nats.ReconnectWait(cfg.ReconnectWait),
		nats.PingInterval(cfg.PingInterval),
		nats.Timeout(cfg.ConnectTimeout),
		nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
			logger.Warn(context.Background(), "NATS disconnected", zap.Error(err))
		}),
		nats.ReconnectHandler(func(nc *nats.Conn) {
			logger.Info(context.Background(), "NATS reconnected", zap.String("url", nc.ConnectedUrl()))
		}),
		nats.ClosedHandler(func(*nats.Conn) {
			logger.Error(context.Background(), "NATS connection closed")
		}),
		nats.ErrorHandler(func(_ *nats.Conn, _ *nats.Subscription, err error) {
			logger.Error(context.Background(), "NATS error", zap.Error(err))
		}),
	)
	if err != nil {
		return nil, err
	}

	js, err := jetstream.New(nc)
	if err != nil {
		nc.Close()
		return nil, err
	}
	cons, err := cfg.Topology.Ensure(ctx, js)
	if err != nil {
		nc.Close()
		return nil, err
	}
	return &NatsBroker{nc: nc, js: js, cons: cons, topo: cfg.Topology}, nil
}

func (b *NatsBroker) Fetch(ctx context.Context, batch int, wait time.Duration) ([]Message, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if !b.nc.IsConnected() {
		return nil, ErrDisconnected
	}
	mb, err := b.cons.Fetch(batch, jetstream.FetchMaxWait(wait))
	if err != nil {
		return nil, err
	}
	var out []Message
	for m := range mb.Messages() {
		out = append(out, natsMessage{m})
	}
	if err := mb.Error(); err != nil && !errors.Is(err, nats.ErrTimeout) && !errors.Is(err, context.DeadlineExceeded) {
		return out, err
	}
	return out, nil
}

func (b *NatsBroker) Publish(ctx context.Context, m OutMsg) error {
	if !b.nc.IsConnected() {
		return ErrDisconnected
	}
	var opts []jetstream.PublishOpt
	if m.MsgID != "" {
		opts = append(opts, jetstream.WithMsgID(m.MsgID))
	}
	_, err := b.js.PublishMsg(ctx, &nats.Msg{Subject: m.Subject, Data: m.Data, Header: m.Header}, opts...)
	return err
}

func (b *NatsBroker) Connected() bool { return b.nc.IsConnected() }

func (b *NatsBroker) Status() string {
	switch b.nc.Status() {
	case nats.CONNECTED:
		return StatusConnected
	case nats.RECONNECTING:
		return StatusReconnecting
	case nats.CLOSED:
		return StatusClosed
	default:
		return StatusDisconnected
	}
}

func (b *NatsBroker) ConsumerStatus(ctx context.Context) (ConsumerStatus, error) {
	st := ConsumerStatus{Stream: b.topo.Stream, Durable: b.topo.Durable, FilterSubject: b.topo.FilterSubject}
	info, err := b.cons.Info(ctx)
	if err != nil {
		st.Error = err.Error()
		return st, err
	}
	st.NumPending = info.NumPending
	st.NumAckPending = info.NumAckPending
	st.NumRedelivered = info.NumRedelivered
	st.NumWaiting = info.NumWaiting
	// 运行中被人改了 consumer，health 报 degraded
	if err := b.topo.ValidateConsumer(info.Config); err != nil {
		st.Error = err.Error()
		return st, err
	}
	st.Healthy = true
	return st, nil
}

func (b *NatsBroker) Close() error {
	if b.nc == nil {
		return nil
	}
	_ = b.nc.FlushTimeout(2 * time.Second)
	b.nc.Close()
	return nil
}

type natsMessage struct{ m jetstream.Msg }

func (n natsMessage) Subject() string      { return n.m.Subject() }
func (n natsMessage) Data() []byte         { return n.m.Data() }
func (n natsMessage) Headers() nats.Header { return n.m.Headers() }
func (n natsMessage) Ack() error           { return n.m.Ack() }
func (n natsMessage) Term() error          { return n.m.Term() }

func (n natsMessage) Nak(delay time.Duration) error {
	if delay > 0 {
		return n.m.NakWithDelay(delay)
	}
	return n.m.Nak()
}

func (n natsMessage) NumDelivered() uint64 {
	md, err := n.m.Metadata()
	if err != nil {
		return 0
	}
	return md.NumDelivered
}
