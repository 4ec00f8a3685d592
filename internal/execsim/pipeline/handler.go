package pipeline

import (
	"context"
	"fmt"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/propagation"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"gopherex.com/execsim/internal/execsim/broker"
	"gopherex.com/execsim/internal/execsim/domain"
	"gopherex.com/execsim/internal/execsim/outbox"
	"gopherex.com/execsim/internal/execsim/reconcile"
	"gopherex.com/execsim/internal/execsim/validator"
	"gopherex.com/execsim/pkg/logger"
	"gopherex.com/execsim/pkg/safe"
	"gopherex.com/execsim/pkg/xerr"
)

// Outcome 单条消息的终态
type Outcome string

const (
	OutcomeEnqueued  Outcome = "enqueued"
	OutcomeDuplicate Outcome = "duplicate"
	OutcomeRejected  Outcome = "rejected"
	OutcomeFailed    Outcome = "failed"
)

// process 在 shard worker 里执行，同一 corr_id 不会并发
func (p *Pipeline) process(ctx context.Context, j job) {
	ctx = otel.GetTextMapPropagator().Extract(ctx, headerCarrier(j.msg.Headers()))
	ctx, span := p.tracer.Start(ctx, "execsim.process", trace.WithSpanKind(trace.SpanKindConsumer))
	defer span.End()
	ctx = logger.WithCorrID(ctx, j.corrID)

	var outcome Outcome
	err := safe.Call(ctx, func(ctx context.Context) error {
		var err error
		outcome, err = p.handle(ctx, j)
		return err
	})
	if err != nil {
		outcome = OutcomeFailed
	}
	span.SetAttributes(
		attribute.String("corr_id", j.corrID),
		attribute.Bool("corr_synthetic", j.synthetic),
		attribute.String("outcome", string(outcome)),
	)

	switch outcome {
	case OutcomeEnqueued, OutcomeDuplicate, OutcomeRejected:
		p.settle(ctx, j.msg.Ack, "ack")
	default:
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		logger.Error(ctx, "order intent processing failed, nak for redelivery",
			zap.Error(err),
			zap.Uint64("delivered", j.msg.NumDelivered()),
			zap.Duration("nak_delay", p.cfg.NakDelay))
		p.settle(ctx, func() error { return j.msg.Nak(p.cfg.NakDelay) }, "nak")
	}
}

// handle Received -> Validated -> (Duplicate|Simulated) -> Enqueued，或 Rejected
func (p *Pipeline) handle(ctx context.Context, j job) (Outcome, error) {
	res := validator.Validate(j.raw)

	if len(res.Unknown) > 0 {
		for _, f := range res.Unknown {
			p.m.UnknownFields.WithLabelValues(f).Inc()
		}
		logger.Info(ctx, "unknown fields detected in order intent", zap.Strings("unknown_fields", res.Unknown))
	}

	if !res.Valid() {
		p.m.OrdersReceived.WithLabelValues("invalid").Inc()
		for _, fe := range res.Errors {
			p.m.ValidationErrors.WithLabelValues(fe.Field).Inc()
		}
		logger.Warn(ctx, "order intent rejected",
			zap.Error(xerr.Wrap(res, xerr.ValidationError, "order intent failed validation")),
			zap.Any("field_errors", res.Errors))
		return OutcomeRejected, nil
	}

	in := res.Intent
	in.CorrID = j.corrID
	in.CorrSynthesized = j.synthetic
	if res.NeedsCorrID {
		logger.Warn(ctx, xerr.MapErrMsg(xerr.CorrelationMissing),
			zap.String("code", xerr.CorrelationMissing), zap.Bool("synthetic", j.synthetic))
	}
	trace.SpanFromContext(ctx).SetAttributes(attribute.String("instrument", in.Instrument))

	outcome := OutcomeEnqueued
	rec, found, err := p.store.Lookup(ctx, in.CorrID)
	if err != nil {
		return OutcomeFailed, fmt.Errorf("idempotency lookup: %w", err)
	}
	exec := rec.Execution
	if found {
		outcome = OutcomeDuplicate
		p.m.OrdersReceived.WithLabelValues("duplicate").Inc()
		logger.Warn(ctx, "duplicate order intent, replaying stored execution",
			zap.String("fill_id", exec.Fill.FillID), zap.Time("recorded_at", rec.InsertedAt))
	} else {
		p.m.OrdersReceived.WithLabelValues("valid").Inc()
		if exec, err = p.simulate(ctx, in); err != nil {
			return OutcomeFailed, err
		}
	}

	events, err := p.events(ctx, in, exec)
	if err != nil {
		return OutcomeFailed, err
	}
	if lost := p.buf.Enqueue(ctx, events...); lost > 0 {
		logger.Warn(ctx, xerr.MapErrMsg(xerr.BufferOverflow),
			zap.String("code", xerr.BufferOverflow), zap.Int("dropped", lost))
	}
	return outcome, nil
}

func (p *Pipeline) simulate(ctx context.Context, in domain.OrderIntent) (domain.Execution, error) {
	start := time.Now()
	fill, err := p.sim.Simulate(in)
	if err != nil {
		return domain.Execution{}, fmt.Errorf("simulate: %w", err)
	}
	rc, err := reconcile.Build(in, fill, p.sim)
	if err != nil {
		return domain.Execution{}, fmt.Errorf("reconcile: %w", err)
	}
	p.m.SimulationDuration.WithLabelValues(in.Instrument, string(in.OrderType)).Observe(time.Since(start).Seconds())

	// 先写者赢，以存储里的为准
	rec, err := p.store.Record(ctx, in.CorrID, domain.Execution{Fill: fill, Reconcile: rc})
	if err != nil {
		return domain.Execution{}, fmt.Errorf("idempotency record: %w", err)
	}
	exec := rec.Execution
	p.m.FillsGenerated.WithLabelValues(string(exec.Fill.FillStatus), in.Instrument).Inc()
	logger.Info(ctx, "execution simulation completed",
		zap.String("instrument", in.Instrument),
		zap.String("fill_id", exec.Fill.FillID),
		zap.Float64("quantity_filled", exec.Fill.QuantityFilled),
		zap.String("fill_status", string(exec.Fill.FillStatus)),
		zap.Float64("avg_fill_price", exec.Fill.AvgFillPrice),
		zap.Int("delay_ms", exec.Fill.SimulationMetadata.DelayMs))
	return exec, nil
}

// events fill 在前 reconcile 在后
func (p *Pipeline) events(ctx context.Context, in domain.OrderIntent, exec domain.Execution) ([]outbox.Event, error) {
	fillPayload, err := domain.Encode(exec.Fill)
	if err != nil {
		return nil, fmt.Errorf("encode fill: %w", err)
	}
	recPayload, err := domain.Encode(exec.Reconcile)
	if err != nil {
		return nil, fmt.Errorf("encode reconcile: %w", err)
	}
	ts := exec.Fill.FillTimestamp.Format(time.RFC3339Nano)
	return []outbox.Event{
		{
			Subject:   p.cfg.SubjectFill,
			EventType: domain.EventTypeFill,
			EventID:   exec.Fill.FillID,
			CorrID:    in.CorrID,
			Payload:   fillPayload,
			Headers:   p.headers(ctx, in, domain.EventTypeFill, ts),
		},
		{
			Subject:   p.cfg.SubjectReconcile,
			EventType: domain.EventTypeReconcile,
			EventID:   exec.Reconcile.ReconcileID,
			CorrID:    in.CorrID,
			Payload:   recPayload,
			Headers:   p.headers(ctx, in, domain.EventTypeReconcile, ts),
		},
	}, nil
}

func (p *Pipeline) headers(ctx context.Context, in domain.OrderIntent, eventType, ts string) map[string]string {
	h := propagation.MapCarrier{
		broker.HeaderCorrID:    in.CorrID,
		broker.HeaderEventType: eventType,
		broker.HeaderTimestamp: ts,
	}
	if in.CorrSynthesized {
		h[broker.HeaderCorrSynthetic] = "true"
	}
	otel.GetTextMapPropagator().Inject(ctx, h)
	return h
}
