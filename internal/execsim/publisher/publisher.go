package publisher

import (
	"context"
	"errors"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/sony/gobreaker/v2"
	"go.uber.org/zap"

	"gopherex.com/execsim/internal/execsim/broker"
	"gopherex.com/execsim/internal/execsim/outbox"
	"gopherex.com/execsim/pkg/backoff"
	"gopherex.com/execsim/pkg/breaker"
	"gopherex.com/execsim/pkg/logger"
	"gopherex.com/execsim/pkg/metrics"
	"gopherex.com/execsim/pkg/xerr"
)

// Sink 发布目标，broker.Broker 满足
type Sink interface {
	Publish(ctx context.Context, m broker.OutMsg) error
	Connected() bool
}

type Config struct {
	BatchSize     int
	BackoffBase   time.Duration
	BackoffMax    time.Duration
	BackoffFactor float64
	BackoffJitter float64
	Breaker       breaker.Rule
}

func DefaultConfig() Config {
	return Config{
		BatchSize:     64,
		BackoffBase:   time.Second,
		BackoffMax:    30 * time.Second,
		BackoffFactor: 2,
		BackoffJitter: 0.2,
		Breaker:       breaker.Rule{TripConsecutiveFailures: 5, Timeout: 5 * time.Second},
	}
}

// Publisher 单协程把 outbox 排空到 broker
// 失败时把剩余事件放回队头，按退避定时重试，不阻塞其它工作
type Publisher struct {
	sink    Sink
	buf     *outbox.Buffer
	m       *metrics.Registry
	bo      *backoff.Backoff
	br      *breaker.Manager
	cfg     Config
	lastErr atomic.Pointer[string]
}

func New(sink Sink, buf *outbox.Buffer, m *metrics.Registry, cfg Config) *Publisher {
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = 64
	}
	if m == nil {
		m = metrics.New()
	}
	bo := backoff.New(cfg.BackoffBase, cfg.BackoffMax, cfg.BackoffFactor)
	bo.Jitter = cfg.BackoffJitter

	p := &Publisher{sink: sink, buf: buf, m: m, bo: bo, cfg: cfg}
	p.br = breaker.NewManager(cfg.Breaker, func(name string, from, to gobreaker.State) {
		m.SetBreakerState(name, to.String())
		logger.Warn(context.Background(), "publish circuit breaker state changed",
			zap.String("subject", name), zap.String("from", from.String()), zap.String("to", to.String()))
	})
	return p
}

// Run 直到 ctx 取消；退出时 in-flight 已全部放回 buffer
func (p *Publisher) Run(ctx context.Context) error {
	var (
		retry  *time.Timer
		retryC <-chan time.Time
	)
	defer func() {
		if retry != nil {
			retry.Stop()
		}
	}()

	for {
		if retryC == nil {
			if err := p.drain(ctx); err != nil && ctx.Err() == nil {
				wait := p.bo.Next()
				logger.Warn(ctx, "publish failed, scheduling retry",
					zap.Error(err),
					zap.Duration("retry_in", wait),
					zap.Int("attempt", p.bo.Attempts()),
					zap.Int("pending", p.buf.Pending()),
				)
				retry = time.NewTimer(wait)
				retryC = retry.C
			}
		}

		select {
		case <-ctx.Done():
			return nil
		case <-p.buf.Notify():
		case <-retryC:
			retryC = nil
		}
	}
}

// Flush 停机时尽力排空，ctx 到期还有剩余则返回错误
func (p *Publisher) Flush(ctx context.Context) error {
	for {
		pending := p.buf.Pending()
		if pending == 0 {
			return nil
		}
		err := p.drain(ctx)
		if err == nil {
			continue
		}
		wait := p.bo.Next()
		select {
		case <-ctx.Done():
			return xerr.Wrap(fmt.Errorf("flush deadline with %d events pending: %w", p.buf.Pending(), err),
				xerr.TransportUnavailable, "outbound buffer not fully flushed")
		case <-time.After(wait):
		}
	}
}

// TransportUp broker 连着且熔断器没打开
func (p *Publisher) TransportUp() bool {
	return p.sink.Connected() && !p.br.AnyOpen()
}

func (p *Publisher) BreakerStates() map[string]string { return p.br.States() }

func (p *Publisher) LastError() string {
	if s := p.lastErr.Load(); s != nil {
		return *s
	}
	return ""
}

func (p *Publisher) drain(ctx context.Context) error {
	for {
		if p.buf.Len() == 0 {
			return nil
		}
		// 断线时不出队，pending 始终不超过 buffer 容量
		if !p.sink.Connected() {
			werr := xerr.Wrap(broker.ErrDisconnected, xerr.TransportUnavailable, "transport down")
			s := werr.Error()
			p.lastErr.Store(&s)
			return werr
		}
		batch := p.buf.DequeueBatch(p.cfg.BatchSize)
		if len(batch) == 0 {
			return nil
		}
		for i, ev := range batch {
			if err := p.publishOne(ctx, ev); err != nil {
				p.buf.Ack(i)
				p.buf.Requeue(ctx, batch[i:])
				return err
			}
		}
		p.buf.Ack(len(batch))
		p.bo.Reset()
		p.lastErr.Store(nil)
	}
}

func (p *Publisher) publishOne(ctx context.Context, ev outbox.Event) error {
	msg := broker.OutMsg{
		Subject: ev.Subject,
		Data:    ev.Payload,
		Header:  nats.Header{},
		MsgID:   ev.EventID,
	}
	for k, v := range ev.Headers {
		msg.Header.Set(k, v)
	}

	var err error
	if !p.sink.Connected() {
		// 断线不计入熔断，等重连
		err = broker.ErrDisconnected
	} else {
		err = p.br.Execute(ev.Subject, func() error { return p.sink.Publish(ctx, msg) })
	}
	if err != nil {
		if errors.Is(err, context.Canceled) {
			return err
		}
		p.m.PublishErrors.WithLabelValues(ev.Subject).Inc()
		werr := xerr.Wrap(err, xerr.PublishFailure, "publish "+ev.Subject)
		s := werr.Error()
		p.lastErr.Store(&s)
		logger.Error(logger.WithCorrID(ctx, ev.CorrID), "publish failed",
			zap.String("subject", ev.Subject),
			zap.String("event_type", ev.EventType),
			zap.String("event_id", ev.EventID),
			zap.Error(err),
		)
		return werr
	}
	p.m.Published.WithLabelValues(ev.Subject).Inc()
	logger.Debug(logger.WithCorrID(ctx, ev.CorrID), "event published",
		zap.String("subject", ev.Subject), zap.String("event_id", ev.EventID))
	return nil
}
