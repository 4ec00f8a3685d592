package app

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"sync/atomic"
	"time"

	"github.com/spf13/viper"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"gopherex.com/execsim/internal/execsim"
	"gopherex.com/execsim/internal/execsim/broker"
	"gopherex.com/execsim/internal/execsim/health"
	"gopherex.com/execsim/internal/execsim/idempotency"
	"gopherex.com/execsim/internal/execsim/outbox"
	"gopherex.com/execsim/internal/execsim/pipeline"
	"gopherex.com/execsim/internal/execsim/publisher"
	"gopherex.com/execsim/internal/execsim/simulator"
	"gopherex.com/execsim/pkg/breaker"
	vipConfig "gopherex.com/execsim/pkg/config"
	"gopherex.com/execsim/pkg/logger"
	"gopherex.com/execsim/pkg/metrics"
	"gopherex.com/execsim/pkg/safe"
	"gopherex.com/execsim/pkg/trace"
	"gopherex.com/execsim/pkg/xredis"
)

type App struct {
	cfg *execsim.Cfg
	sim atomic.Pointer[simulator.Simulator]
	// 启动时确定，热更新不影响
	flushTimeout time.Duration

	metrics   *metrics.Registry
	broker    broker.Broker
	store     idempotency.Store
	buf       *outbox.Buffer
	publisher *publisher.Publisher
	pipeline  *pipeline.Pipeline
	health    *health.Server

	traceShutdown func(context.Context) error
}

// New 只加载配置，不建立任何连接
func New(configName string) (*App, error) {
	if configName == "" {
		configName = execsim.ServiceName
	}
	app := &App{cfg: &execsim.Cfg{}}
	_, err := vipConfig.LoadAndWatch(configName, app.cfg, vipConfig.Options{
		AllowMissing: true,
		Defaults:     execsim.Defaults(),
		EnvBindings:  execsim.EnvBindings(),
		Reload:       app.applyReload,
	})
	if err != nil {
		return nil, fmt.Errorf("load config: %w", err)
	}
	if err := app.cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}
	return app, nil
}

// Start 初始化日志、trace、broker、存储和处理链路
func (app *App) Start(ctx context.Context) error {
	cfg := app.cfg
	app.flushTimeout = cfg.Publisher.FlushTimeout
	if app.flushTimeout <= 0 {
		app.flushTimeout = 5 * time.Second
	}
	logger.InitWithFile(cfg.Name, cfg.LogLevel, cfg.LogFile)

	shutdown, err := trace.InitTrace(cfg.Name, cfg.OTel.Exporter, cfg.OTel.Addr)
	if err != nil {
		return fmt.Errorf("init tracer: %w", err)
	}
	app.traceShutdown = shutdown
	app.metrics = metrics.New()

	if err := app.startBroker(ctx); err != nil {
		return err
	}
	if err := app.startStore(ctx); err != nil {
		return err
	}

	sim, err := simulator.New(simConfig(cfg.Simulation), simulator.NewRand(cfg.Simulation.Seed), simulator.DefaultPrices())
	if err != nil {
		return fmt.Errorf("init simulator: %w", err)
	}
	app.sim.Store(sim)

	app.buf = outbox.NewBuffer(cfg.Buffer.Capacity, app.metrics)
	app.publisher = publisher.New(app.broker, app.buf, app.metrics, publisher.Config{
		BatchSize:     cfg.Publisher.BatchSize,
		BackoffBase:   cfg.Publisher.BackoffBase,
		BackoffMax:    cfg.Publisher.BackoffMax,
		BackoffFactor: cfg.Publisher.BackoffFactor,
		BackoffJitter: cfg.Publisher.BackoffJitter,
		Breaker: breaker.Rule{
			TripConsecutiveFailures: cfg.Publisher.BreakerFailures,
			Timeout:                 cfg.Publisher.BreakerOpenFor,
		},
	})
	app.pipeline = pipeline.New(pipeline.Config{
		SubjectFill:      cfg.Nats.SubjectFill,
		SubjectReconcile: cfg.Nats.SubjectReconcile,
		FetchBatch:       cfg.Nats.BatchSize,
		FetchWait:        cfg.Nats.FetchTimeout(),
		Concurrency:      cfg.Pipeline.Concurrency,
		PausePoll:        cfg.Pipeline.PausePoll,
		NakDelay:         cfg.Pipeline.NakDelay,
		HighWatermark:    cfg.HighWatermarkCount(),
	}, app.broker, app.publisher, app.store, sim, app.buf, app.metrics)

	app.health = health.New(health.Options{
		Service:      cfg.Name,
		Version:      cfg.Version,
		Addr:         health.Addr(cfg.HTTP.Port),
		MaxBodyBytes: cfg.HTTP.MaxBodyBytes,
		RateLimit:    cfg.HTTP.RateLimit,
		RateBurst:    cfg.HTTP.RateBurst,
	}, app.broker, app.pipeline, app.buf, app.publisher, app.metrics)
	return nil
}

func (app *App) startBroker(ctx context.Context) error {
	n := app.cfg.Nats
	b, err := broker.Connect(ctx, broker.NatsConfig{
		URL:            n.URL,
		Name:           app.cfg.Name,
		MaxRetries:     n.MaxRetries,
		RetryBase:      secs(n.InitialRetrySec),
		RetryMax:       secs(n.MaxRetrySec),
		RetryFactor:    n.RetryFactor,
		ReconnectWait:  n.ReconnectWait,
		PingInterval:   n.PingInterval,
		ConnectTimeout: n.ConnectTimeout,
		Topology: broker.Topology{
			Stream:         n.Stream,
			StreamSubjects: broker.DefaultStreamSubjects(),
			StreamMaxAge:   n.StreamMaxAge,
			Durable:        n.Durable,
			FilterSubject:  n.SubjectIntent,
			AckWait:        n.ConsumerAckWait,
			MaxDeliver:     n.ConsumerMaxDeliver,
			Create:         n.CreateTopology,
		},
	})
	if err != nil {
		return fmt.Errorf("connect nats: %w", err)
	}
	app.broker = b
	return nil
}

func (app *App) startStore(ctx context.Context) error {
	idem := app.cfg.Idempotency
	switch idem.Backend {
	case "redis":
		rdb, err := xredis.NewRedis(ctx, xredis.Config{
			Addr:     idem.Redis.Addr,
			Password: idem.Redis.Auth,
			DB:       idem.Redis.Database,
			PoolSize: idem.Redis.PoolSize,
		})
		if err != nil {
			return fmt.Errorf("connect redis: %w", err)
		}
		app.store = idempotency.NewRedisStore(rdb, idem.Redis.KeyPrefix, app.cfg.IdempotencyTTL())
	default:
		mem := idempotency.NewMemoryStore(app.cfg.IdempotencyTTL(), idempotency.WithMaxEntries(idem.MaxEntries))
		mem.StartJanitor(ctx, time.Minute)
		app.store = mem
	}
	logger.Info(ctx, "idempotency store ready",
		zap.String("backend", idem.Backend), zap.Int("ttl_sec", idem.TTLSec))
	return nil
}

// Run 阻塞到 ctx 取消，然后按 pipeline -> publisher flush -> http -> broker 的顺序停机
func (app *App) Run(ctx context.Context) error {
	srv := app.health.HTTPServer(ctx)
	pubCtx, stopPub := context.WithCancel(context.WithoutCancel(ctx))
	defer stopPub()

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		logger.Info(gctx, "http server listening", zap.String("addr", srv.Addr))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("http server: %w", err)
		}
		return nil
	})
	pubDone := goDone(pubCtx, app.publisher.Run)
	g.Go(func() error { return app.pipeline.Run(gctx) })
	g.Go(func() error {
		<-gctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	})

	logger.Info(ctx, "exec-sim started",
		zap.String("version", app.cfg.Version), zap.Int("port", app.cfg.HTTP.Port))
	err := g.Wait()

	// pipeline 已经停了；先停后台发送，再同步把 outbox 尽量发完
	stopPub()
	<-pubDone
	flushCtx, cancel := context.WithTimeout(context.Background(), app.flushTimeout)
	defer cancel()
	if ferr := app.publisher.Flush(flushCtx); ferr != nil {
		logger.Warn(flushCtx, "outbox not fully flushed on shutdown",
			zap.Error(ferr), zap.Int("pending", app.buf.Pending()))
	} else {
		logger.Info(flushCtx, "outbox flushed")
	}
	return err
}

// Close 释放连接，可重复调用
func (app *App) Close(ctx context.Context) {
	if app.broker != nil {
		if err := app.broker.Close(); err != nil {
			logger.Warn(ctx, "close broker", zap.Error(err))
		}
	}
	if app.store != nil {
		_ = app.store.Close()
	}
	if app.traceShutdown != nil {
		_ = app.traceShutdown(ctx)
	}
	logger.Info(ctx, "exec-sim stopped")
	logger.Sync()
}

// goDone 在 safe 协程里跑 fn，fn 返回或 panic 后关闭返回的 chan
func goDone(ctx context.Context, fn func(ctx context.Context) error) <-chan struct{} {
	done := make(chan struct{})
	safe.GoCtx(ctx, func(ctx context.Context) {
		defer close(done)
		if err := fn(ctx); err != nil {
			logger.Warn(ctx, "background loop exited", zap.Error(err))
		}
	})
	return done
}

// applyReload 在 viper 的 watcher 协程里执行；解码到新的 Cfg，不碰 Run 正在读的 app.cfg
func (app *App) applyReload(v *viper.Viper) {
	var fresh execsim.Cfg
	if err := v.Unmarshal(&fresh); err != nil {
		logger.Warn(context.Background(), "reload config error", zap.Error(err))
		return
	}
	app.reload(fresh.Simulation)
}

// reload 只热更新模拟参数，其它参数需要重启
func (app *App) reload(s execsim.Simulation) {
	sc := simConfig(s)

	sim := app.sim.Load()
	if sim == nil {
		return
	}
	if err := sim.UpdateConfig(sc); err != nil {
		logger.Warn(context.Background(), "reject simulation config reload", zap.Error(err))
		return
	}
	logger.Info(context.Background(), "simulation config reloaded",
		zap.Int("min_delay_ms", sc.MinDelayMs),
		zap.Int("max_delay_ms", sc.MaxDelayMs),
		zap.Float64("partial_fill_chance", sc.PartialFillChance),
		zap.Float64("max_slippage_bps", sc.MaxSlippageBps))
}

func simConfig(s execsim.Simulation) simulator.Config {
	return simulator.Config{
		MinDelayMs:               s.MinDelayMs,
		MaxDelayMs:               s.MaxDelayMs,
		PartialFillChance:        s.PartialFillChance,
		MaxSlippageBps:           s.MaxSlippageBps,
		PriceJitterBps:           s.PriceJitterBps,
		RejectUnknownInstruments: s.RejectUnknownInstruments,
	}
}

func secs(f float64) time.Duration {
	return time.Duration(f * float64(time.Second))
}
