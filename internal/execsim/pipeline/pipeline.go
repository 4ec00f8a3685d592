package pipeline

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"gopherex.com/execsim/internal/execsim/broker"
	"gopherex.com/execsim/internal/execsim/domain"
	"gopherex.com/execsim/internal/execsim/idempotency"
	"gopherex.com/execsim/internal/execsim/outbox"
	"gopherex.com/execsim/pkg/logger"
	"gopherex.com/execsim/pkg/metrics"
	"gopherex.com/execsim/pkg/safe"
	"gopherex.com/execsim/pkg/xerr"
)

const (
	StatusActive   = "active"
	StatusDegraded = "degraded"
	StatusStopped  = "stopped"

	pauseTransportDown   = "transport_down"
	pauseBufferSaturated = "buffer_saturated"
)

// Source 拉取 order intent，broker.Broker 满足
type Source interface {
	Fetch(ctx context.Context, batch int, wait time.Duration) ([]broker.Message, error)
}

// Transport 出站通道是否可用，publisher.Publisher 满足
type Transport interface {
	TransportUp() bool
}

// Simulator simulator.Simulator 满足；NewID 给 reconcile_id 用
type Simulator interface {
	Simulate(in domain.OrderIntent) (domain.Fill, error)
	NewID(prefix string) (string, error)
}

type Config struct {
	SubjectFill      string
	SubjectReconcile string

	FetchBatch int
	FetchWait  time.Duration

	// shard worker 数，同一 corr_id 串行，不同 corr_id 并行
	Concurrency int
	// 暂停消费时的轮询间隔
	PausePoll time.Duration
	NakDelay  time.Duration
	// pending 达到该值暂停拉取
	HighWatermark int
	// 拉取统计日志最短间隔
	StatsInterval time.Duration
}

func (c *Config) normalize() {
	if c.FetchBatch <= 0 {
		c.FetchBatch = 1
	}
	if c.FetchWait <= 0 {
		c.FetchWait = 2500 * time.Millisecond
	}
	if c.Concurrency <= 0 {
		c.Concurrency = 8
	}
	if c.PausePoll <= 0 {
		c.PausePoll = 250 * time.Millisecond
	}
	if c.NakDelay < 0 {
		c.NakDelay = 0
	}
	if c.StatsInterval <= 0 {
		c.StatsInterval = 5 * time.Second
	}
}

type job struct {
	msg       broker.Message
	raw       map[string]any
	corrID    string
	synthetic bool
}

// Pipeline consume -> validate -> 幂等 -> simulate -> reconcile -> outbox -> ack
type Pipeline struct {
	cfg       Config
	src       Source
	transport Transport
	store     idempotency.Store
	sim       Simulator
	buf       *outbox.Buffer
	m         *metrics.Registry
	tracer    trace.Tracer

	shards []chan job
	wg     sync.WaitGroup

	running atomic.Bool
	paused  atomic.Bool
	stats   fetchStats
	statLog rate.Sometimes
}

func New(cfg Config, src Source, transport Transport, store idempotency.Store, sim Simulator, buf *outbox.Buffer, m *metrics.Registry) *Pipeline {
	cfg.normalize()
	if m == nil {
		m = metrics.New()
	}
	if cfg.HighWatermark <= 0 {
		cfg.HighWatermark = buf.Cap() * 8 / 10
	}
	return &Pipeline{
		cfg:       cfg,
		src:       src,
		transport: transport,
		store:     store,
		sim:       sim,
		buf:       buf,
		m:         m,
		tracer:    otel.Tracer("gopherex.com/execsim/pipeline"),
		statLog:   rate.Sometimes{Interval: cfg.StatsInterval},
	}
}

// Run 阻塞到 ctx 取消；退出前已拉取的消息处理完（并 ack）
func (p *Pipeline) Run(ctx context.Context) error {
	if !p.running.CompareAndSwap(false, true) {
		return errors.New("pipeline already running")
	}
	defer p.running.Store(false)

	// 停机时 worker 要把手上的消息做完，不能跟着 ctx 一起取消
	workCtx := context.WithoutCancel(ctx)
	p.shards = make([]chan job, p.cfg.Concurrency)
	for i := range p.shards {
		inbox := make(chan job, p.cfg.FetchBatch)
		p.shards[i] = inbox
		safe.GoWG(&p.wg, func() {
			for j := range inbox {
				p.process(workCtx, j)
			}
		})
	}

	logger.Info(ctx, "pipeline started",
		zap.Int("concurrency", p.cfg.Concurrency),
		zap.Int("fetch_batch", p.cfg.FetchBatch),
		zap.Int("high_watermark", p.cfg.HighWatermark))

	p.consume(ctx)

	for _, inbox := range p.shards {
		close(inbox)
	}
	p.wg.Wait()
	p.m.ConsumerPaused.Set(0)
	logger.Info(workCtx, "pipeline stopped", p.stats.fields()...)
	return nil
}

func (p *Pipeline) consume(ctx context.Context) {
	for ctx.Err() == nil {
		if reason := p.pauseReason(); reason != "" {
			if !p.paused.Swap(true) {
				p.m.ConsumerPaused.Set(1)
				logger.Warn(ctx, "consumer paused",
					zap.String("reason", reason), zap.Int("pending", p.buf.Pending()))
			}
			p.sleep(ctx, p.cfg.PausePoll)
			continue
		}
		if p.paused.Swap(false) {
			p.m.ConsumerPaused.Set(0)
			logger.Info(ctx, "consumer resumed", zap.Int("pending", p.buf.Pending()))
		}

		msgs, err := p.src.Fetch(ctx, p.cfg.FetchBatch, p.cfg.FetchWait)
		p.m.FetchCalls.Inc()
		p.stats.calls.Add(1)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			p.stats.errors.Add(1)
			logger.Warn(ctx, "fetch failed", zap.Error(err))
			p.sleep(ctx, p.cfg.PausePoll)
			continue
		}
		if len(msgs) == 0 {
			p.m.FetchEmpty.Inc()
			p.stats.empty.Add(1)
		}
		p.stats.messages.Add(uint64(len(msgs)))

		for _, msg := range msgs {
			if !p.dispatch(ctx, msg) {
				// 没派发出去的消息不 ack，broker 会重投
				return
			}
		}
		p.statLog.Do(func() {
			logger.Info(ctx, "fetch statistics", p.stats.fields()...)
		})
	}
}

func (p *Pipeline) dispatch(ctx context.Context, msg broker.Message) bool {
	raw, err := domain.DecodeRaw(msg.Data())
	if err != nil {
		p.m.OrdersReceived.WithLabelValues("malformed").Inc()
		logger.Error(ctx, "undecodable order intent, terminating",
			zap.Error(xerr.Wrap(err, xerr.DecodeError, "decode order intent")),
			zap.Int("size", len(msg.Data())),
			zap.Uint64("delivered", msg.NumDelivered()))
		p.settle(ctx, msg.Term, "term")
		return true
	}

	corrID, synthetic := resolveCorrID(raw, msg.Headers(), msg.Data())
	j := job{msg: msg, raw: raw, corrID: corrID, synthetic: synthetic}
	select {
	case p.shards[shardIndex(corrID, len(p.shards))] <- j:
		return true
	case <-ctx.Done():
		return false
	}
}

func (p *Pipeline) pauseReason() string {
	if !p.transport.TransportUp() {
		return pauseTransportDown
	}
	if p.buf.Saturated(p.cfg.HighWatermark) {
		return pauseBufferSaturated
	}
	return ""
}

func (p *Pipeline) sleep(ctx context.Context, d time.Duration) {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
	case <-t.C:
	}
}

func (p *Pipeline) settle(ctx context.Context, fn func() error, op string) {
	switch op {
	case "ack":
		p.stats.acks.Add(1)
	case "nak":
		p.stats.naks.Add(1)
	case "term":
		p.stats.terms.Add(1)
	}
	if err := fn(); err != nil {
		logger.Warn(ctx, "message "+op+" failed", zap.Error(err))
	}
}

func (p *Pipeline) Paused() bool { return p.paused.Load() }

// Status active/degraded/stopped
func (p *Pipeline) Status() string {
	switch {
	case !p.running.Load():
		return StatusStopped
	case p.paused.Load():
		return StatusDegraded
	default:
		return StatusActive
	}
}

func (p *Pipeline) Stats() Stats { return p.stats.snapshot() }
