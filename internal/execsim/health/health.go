package health

import (
	"context"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"go.opentelemetry.io/contrib/instrumentation/github.com/gin-gonic/gin/otelgin"
	"golang.org/x/time/rate"

	"gopherex.com/execsim/internal/execsim/broker"
	"gopherex.com/execsim/internal/execsim/pipeline"
	"gopherex.com/execsim/pkg/metrics"
	"gopherex.com/execsim/pkg/middleware"
	"gopherex.com/execsim/pkg/ratelimit"
)

// 以下接口只读，health 从不修改运行状态

type Broker interface {
	Status() string
	ConsumerStatus(ctx context.Context) (broker.ConsumerStatus, error)
}

type Processor interface {
	Status() string
}

type Outbox interface {
	Pending() int
	Dropped() uint64
}

type Breakers interface {
	BreakerStates() map[string]string
}

type Options struct {
	Service      string
	Version      string
	Addr         string
	MaxBodyBytes int64
	RateLimit    float64
	RateBurst    int
	// consumer info 查询超时
	ProbeTimeout time.Duration
}

// Report /healthz 响应体
type Report struct {
	OK              bool                   `json:"ok"`
	UptimeS         int64                  `json:"uptime_s"`
	Nats            string                 `json:"nats"`
	NatsConnected   bool                   `json:"nats_connected"`
	Version         string                 `json:"version"`
	ProcessorStatus string                 `json:"processor_status"`
	PendingEvents   int                    `json:"pending_events"`
	DroppedEvents   uint64                 `json:"dropped_events"`
	Consumer        *broker.ConsumerStatus `json:"consumer,omitempty"`
	Breakers        map[string]string      `json:"breakers,omitempty"`
	Error           string                 `json:"error,omitempty"`
}

type Server struct {
	opts     Options
	broker   Broker
	proc     Processor
	outbox   Outbox
	breakers Breakers
	m        *metrics.Registry
	started  time.Time
	limiter  *ratelimit.Store
	engine   *gin.Engine
}

// New breakers 可以为 nil
func New(opts Options, b Broker, proc Processor, out Outbox, breakers Breakers, m *metrics.Registry) *Server {
	if opts.ProbeTimeout <= 0 {
		opts.ProbeTimeout = 2 * time.Second
	}
	if opts.RateLimit <= 0 {
		opts.RateLimit = 50
	}
	if opts.RateBurst <= 0 {
		opts.RateBurst = 100
	}
	s := &Server{
		opts:     opts,
		broker:   b,
		proc:     proc,
		outbox:   out,
		breakers: breakers,
		m:        m,
		started:  time.Now(),
		limiter:  ratelimit.NewStore(rate.Limit(opts.RateLimit), opts.RateBurst, 10*time.Minute),
	}
	s.engine = s.router()
	return s
}

func (s *Server) router() *gin.Engine {
	r := gin.New()
	corsCfg := cors.DefaultConfig()
	corsCfg.AllowAllOrigins = true
	r.Use(
		otelgin.Middleware(s.opts.Service),
		middleware.ReqId(),
		cors.New(corsCfg),
		middleware.Recover(),
		middleware.BodyLimit(s.opts.MaxBodyBytes),
		middleware.RateLimit(s.limiter),
	)
	r.GET("/healthz", s.healthz)
	r.GET("/metrics", gin.WrapH(s.m.Handler()))
	return r
}

func (s *Server) Handler() http.Handler { return s.engine }

// HTTPServer 调用方负责 ListenAndServe / Shutdown
func (s *Server) HTTPServer(ctx context.Context) *http.Server {
	s.limiter.StartJanitor(ctx, time.Minute)
	return &http.Server{
		Addr:              s.opts.Addr,
		Handler:           s.engine,
		ReadHeaderTimeout: 5 * time.Second,
		ReadTimeout:       10 * time.Second,
		WriteTimeout:      10 * time.Second,
		MaxHeaderBytes:    1 << 20,
	}
}

func (s *Server) healthz(c *gin.Context) {
	rep := s.Check(c.Request.Context())
	code := http.StatusOK
	if !rep.OK {
		code = http.StatusServiceUnavailable
	}
	c.JSON(code, rep)
}

// Check 汇总 broker / consumer / pipeline / outbox 状态
func (s *Server) Check(ctx context.Context) Report {
	rep := Report{
		UptimeS:       int64(time.Since(s.started).Seconds()),
		Nats:          s.broker.Status(),
		Version:       s.opts.Version,
		PendingEvents: s.outbox.Pending(),
		DroppedEvents: s.outbox.Dropped(),
	}
	rep.NatsConnected = rep.Nats == broker.StatusConnected
	if s.breakers != nil {
		rep.Breakers = s.breakers.BreakerStates()
	}

	probeCtx, cancel := context.WithTimeout(ctx, s.opts.ProbeTimeout)
	defer cancel()
	cs, err := s.broker.ConsumerStatus(probeCtx)
	if err != nil {
		cs.Healthy = false
		if cs.Error == "" {
			cs.Error = err.Error()
		}
	}
	rep.Consumer = &cs

	proc := s.proc.Status()
	switch {
	case !rep.NatsConnected:
		if rep.Nats == broker.StatusDisconnected || rep.Nats == broker.StatusClosed {
			proc = pipeline.StatusStopped
		} else {
			proc = pipeline.StatusDegraded
		}
	case !cs.Healthy && proc == pipeline.StatusActive:
		proc = pipeline.StatusDegraded
	}
	rep.ProcessorStatus = proc

	rep.OK = rep.NatsConnected && cs.Healthy && proc != pipeline.StatusStopped
	if !rep.OK {
		switch {
		case !rep.NatsConnected:
			rep.Error = "NATS not connected: " + rep.Nats
		case !cs.Healthy:
			rep.Error = fmt.Sprintf("consumer degraded: %s", cs.Error)
		default:
			rep.Error = "processor status: " + proc
		}
	}
	return rep
}

// Addr ":port"
func Addr(port int) string { return ":" + strconv.Itoa(port) }
