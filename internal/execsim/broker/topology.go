package broker

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/nats-io/nats.go/jetstream"
	"go.uber.org/zap"

	"gopherex.com/execsim/pkg/backoff"
	"gopherex.com/execsim/pkg/logger"
)

const streamVerifyAttempts = 10

// Topology stream + durable pull consumer
type Topology struct {
	Stream         string
	StreamSubjects []string
	StreamMaxAge   time.Duration
	Durable        string
	FilterSubject  string
	AckWait        time.Duration
	MaxDeliver     int
	// 为 true 时幂等地创建 stream/consumer，否则只校验
	Create bool
}

func DefaultStreamSubjects() []string {
	return []string{"decisions.*", "executions.*", "signals.*"}
}

func (t Topology) StreamConfig() jetstream.StreamConfig {
	subjects := t.StreamSubjects
	if len(subjects) == 0 {
		subjects = DefaultStreamSubjects()
	}
	maxAge := t.StreamMaxAge
	if maxAge <= 0 {
		maxAge = 24 * time.Hour
	}
	return jetstream.StreamConfig{
		Name:     t.Stream,
		Subjects: subjects,
		Storage:  jetstream.FileStorage,
		MaxAge:   maxAge,
	}
}

func (t Topology) ConsumerConfig() jetstream.ConsumerConfig {
	ackWait := t.AckWait
	if ackWait <= 0 {
		ackWait = 30 * time.Second
	}
	maxDeliver := t.MaxDeliver
	if maxDeliver == 0 {
		maxDeliver = 10
	}
	return jetstream.ConsumerConfig{
		Durable:       t.Durable,
		FilterSubject: t.FilterSubject,
		AckPolicy:     jetstream.AckExplicitPolicy,
		DeliverPolicy: jetstream.DeliverAllPolicy,
		AckWait:       ackWait,
		MaxDeliver:    maxDeliver,
	}
}

// ValidateConsumer 线上 consumer 配置和期望不一致时报 ErrConsumerDrift
func (t Topology) ValidateConsumer(got jetstream.ConsumerConfig) error {
	filter := got.FilterSubject
	if filter == "" && len(got.FilterSubjects) == 1 {
		filter = got.FilterSubjects[0]
	}
	if filter != t.FilterSubject {
		return fmt.Errorf("%w: filter subject expected %q, got %q", ErrConsumerDrift, t.FilterSubject, filter)
	}
	if got.Durable != t.Durable {
		return fmt.Errorf("%w: durable expected %q, got %q", ErrConsumerDrift, t.Durable, got.Durable)
	}
	if got.AckPolicy != jetstream.AckExplicitPolicy {
		return fmt.Errorf("%w: ack policy expected explicit, got %s", ErrConsumerDrift, got.AckPolicy)
	}
	return nil
}

// Ensure 校验（或创建）stream 和 consumer，返回可用的 consumer
func (t Topology) Ensure(ctx context.Context, js jetstream.JetStream) (jetstream.Consumer, error) {
	if t.Create {
		if _, err := js.CreateOrUpdateStream(ctx, t.StreamConfig()); err != nil {
			return nil, fmt.Errorf("create stream %s: %w", t.Stream, err)
		}
		logger.Info(ctx, "stream ensured", zap.String("stream", t.Stream))
	} else if err := t.verifyStream(ctx, js); err != nil {
		return nil, err
	}

	var (
		cons jetstream.Consumer
		err  error
	)
	if t.Create {
		cons, err = js.CreateOrUpdateConsumer(ctx, t.Stream, t.ConsumerConfig())
	} else {
		cons, err = js.Consumer(ctx, t.Stream, t.Durable)
	}
	if errors.Is(err, jetstream.ErrConsumerNotFound) {
		return nil, fmt.Errorf("consumer %s not found in stream %s: %w", t.Durable, t.Stream, err)
	}
	if err != nil {
		return nil, fmt.Errorf("consumer %s: %w", t.Durable, err)
	}

	info, err := cons.Info(ctx)
	if err != nil {
		return nil, fmt.Errorf("consumer info %s: %w", t.Durable, err)
	}
	if err := t.ValidateConsumer(info.Config); err != nil {
		return nil, err
	}
	logger.Info(ctx, "consumer configuration validated",
		zap.String("durable", info.Config.Durable),
		zap.String("filter_subject", info.Config.FilterSubject),
		zap.String("deliver_policy", info.Config.DeliverPolicy.String()),
		zap.String("ack_policy", info.Config.AckPolicy.String()),
	)
	return cons, nil
}

// verifyStream stream 由 bootstrap 创建，这里等它就绪
func (t Topology) verifyStream(ctx context.Context, js jetstream.JetStream) error {
	bo := backoff.New(time.Second, 10*time.Second, 1.5)
	for attempt := 1; ; attempt++ {
		_, err := js.Stream(ctx, t.Stream)
		if err == nil {
			logger.Info(ctx, "stream verified", zap.String("stream", t.Stream), zap.Int("attempt", attempt))
			return nil
		}
		if !errors.Is(err, jetstream.ErrStreamNotFound) || attempt >= streamVerifyAttempts {
			return fmt.Errorf("verify stream %s: %w", t.Stream, err)
		}
		wait := bo.Next()
		logger.Warn(ctx, "stream not found, waiting for bootstrap",
			zap.String("stream", t.Stream), zap.Int("attempt", attempt), zap.Duration("retry_in", wait))
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(wait):
		}
	}
}
