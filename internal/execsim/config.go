package execsim

import (
	"errors"
	"fmt"
	"time"
)

const ServiceName = "exec-sim"

type Cfg struct {
	Name        string      `yaml:"name" mapstructure:"name"`
	Version     string      `yaml:"version" mapstructure:"version"`
	LogLevel    string      `yaml:"log_level" mapstructure:"log_level"`
	LogFile     string      `yaml:"log_file" mapstructure:"log_file"`
	HTTP        HTTP        `yaml:"http" mapstructure:"http"`
	Nats        Nats        `yaml:"nats" mapstructure:"nats"`
	Simulation  Simulation  `yaml:"simulation" mapstructure:"simulation"`
	Idempotency Idempotency `yaml:"idempotency" mapstructure:"idempotency"`
	Buffer      Buffer      `yaml:"buffer" mapstructure:"buffer"`
	Publisher   Publisher   `yaml:"publisher" mapstructure:"publisher"`
	Pipeline    Pipeline    `yaml:"pipeline" mapstructure:"pipeline"`
	OTel        OTel        `yaml:"otel" mapstructure:"otel"`
}

type HTTP struct {
	Port         int   `yaml:"port" mapstructure:"port"`
	MaxBodyBytes int64 `yaml:"max_body_bytes" mapstructure:"max_body_bytes"`
	// 每个客户端 IP 的限流
	RateLimit float64 `yaml:"rate_limit" mapstructure:"rate_limit"`
	RateBurst int     `yaml:"rate_burst" mapstructure:"rate_burst"`
}

type Nats struct {
	URL              string `yaml:"url" mapstructure:"url"`
	Stream           string `yaml:"stream" mapstructure:"stream"`
	Durable          string `yaml:"durable" mapstructure:"durable"`
	SubjectIntent    string `yaml:"subject_order_intent" mapstructure:"subject_order_intent"`
	SubjectFill      string `yaml:"subject_fill" mapstructure:"subject_fill"`
	SubjectReconcile string `yaml:"subject_reconcile" mapstructure:"subject_reconcile"`
	CreateTopology   bool   `yaml:"create_topology" mapstructure:"create_topology"`

	BatchSize       int     `yaml:"batch_size" mapstructure:"batch_size"`
	FetchTimeoutSec float64 `yaml:"fetch_timeout_sec" mapstructure:"fetch_timeout_sec"`

	// 初始连接重试，秒为单位，和老服务的环境变量保持一致
	MaxRetries         int           `yaml:"max_retries" mapstructure:"max_retries"`
	InitialRetrySec    float64       `yaml:"initial_retry_delay_sec" mapstructure:"initial_retry_delay_sec"`
	MaxRetrySec        float64       `yaml:"max_retry_delay_sec" mapstructure:"max_retry_delay_sec"`
	RetryFactor        float64       `yaml:"retry_backoff_factor" mapstructure:"retry_backoff_factor"`
	ReconnectWait      time.Duration `yaml:"reconnect_wait" mapstructure:"reconnect_wait"`
	PingInterval       time.Duration `yaml:"ping_interval" mapstructure:"ping_interval"`
	ConnectTimeout     time.Duration `yaml:"connect_timeout" mapstructure:"connect_timeout"`
	StreamMaxAge       time.Duration `yaml:"stream_max_age" mapstructure:"stream_max_age"`
	ConsumerAckWait    time.Duration `yaml:"consumer_ack_wait" mapstructure:"consumer_ack_wait"`
	ConsumerMaxDeliver int           `yaml:"consumer_max_deliver" mapstructure:"consumer_max_deliver"`
}

type Simulation struct {
	MinDelayMs               int     `yaml:"min_delay_ms" mapstructure:"min_delay_ms"`
	MaxDelayMs               int     `yaml:"max_delay_ms" mapstructure:"max_delay_ms"`
	PartialFillChance        float64 `yaml:"partial_fill_chance" mapstructure:"partial_fill_chance"`
	MaxSlippageBps           float64 `yaml:"max_slippage_bps" mapstructure:"max_slippage_bps"`
	PriceJitterBps           float64 `yaml:"price_jitter_bps" mapstructure:"price_jitter_bps"`
	RejectUnknownInstruments bool    `yaml:"reject_unknown_instruments" mapstructure:"reject_unknown_instruments"`
	Seed                     uint64  `yaml:"seed" mapstructure:"seed"`
}

type Idempotency struct {
	Backend    string `yaml:"backend" mapstructure:"backend"` // memory / redis
	TTLSec     int    `yaml:"ttl_sec" mapstructure:"ttl_sec"`
	MaxEntries int    `yaml:"max_entries" mapstructure:"max_entries"`
	Redis      Redis  `yaml:"redis" mapstructure:"redis"`
}

type Redis struct {
	Addr      string `yaml:"addr" mapstructure:"addr"`
	Database  int    `yaml:"db" mapstructure:"db"`
	Auth      string `yaml:"auth" mapstructure:"auth"`
	PoolSize  int    `yaml:"pool_size" mapstructure:"pool_size"`
	KeyPrefix string `yaml:"key_prefix" mapstructure:"key_prefix"`
}

type Buffer struct {
	Capacity      int     `yaml:"capacity" mapstructure:"capacity"`
	HighWatermark float64 `yaml:"high_watermark" mapstructure:"high_watermark"` // 占容量比例
}

type Publisher struct {
	BatchSize       int           `yaml:"batch_size" mapstructure:"batch_size"`
	BackoffBase     time.Duration `yaml:"backoff_base" mapstructure:"backoff_base"`
	BackoffMax      time.Duration `yaml:"backoff_max" mapstructure:"backoff_max"`
	BackoffFactor   float64       `yaml:"backoff_factor" mapstructure:"backoff_factor"`
	BackoffJitter   float64       `yaml:"backoff_jitter" mapstructure:"backoff_jitter"`
	FlushTimeout    time.Duration `yaml:"flush_timeout" mapstructure:"flush_timeout"`
	BreakerFailures uint32        `yaml:"breaker_failures" mapstructure:"breaker_failures"`
	BreakerOpenFor  time.Duration `yaml:"breaker_open_for" mapstructure:"breaker_open_for"`
}

type Pipeline struct {
	Concurrency int           `yaml:"concurrency" mapstructure:"concurrency"`
	PausePoll   time.Duration `yaml:"pause_poll" mapstructure:"pause_poll"`
	NakDelay    time.Duration `yaml:"nak_delay" mapstructure:"nak_delay"`
}

type OTel struct {
	Exporter string `yaml:"exporter" mapstructure:"exporter"` // otlp / stdout / none
	Addr     string `yaml:"addr" mapstructure:"addr"`
}

// Defaults viper 点分 key 的默认值
func Defaults() map[string]interface{} {
	return map[string]interface{}{
		"name":      ServiceName,
		"version":   "0.1.0",
		"log_level": "info",
		"log_file":  "logs/exec-sim.log",

		"http.port":           8004,
		"http.max_body_bytes": 1 << 20,
		"http.rate_limit":     50,
		"http.rate_burst":     100,

		"nats.url":                     "nats://localhost:4222",
		"nats.stream":                  "trading-events",
		"nats.durable":                 "exec-sim",
		"nats.subject_order_intent":    "decisions.order_intent",
		"nats.subject_fill":            "executions.fill",
		"nats.subject_reconcile":       "executions.reconcile",
		"nats.create_topology":         false,
		"nats.batch_size":              1,
		"nats.fetch_timeout_sec":       2.5,
		"nats.max_retries":             30,
		"nats.initial_retry_delay_sec": 1.0,
		"nats.max_retry_delay_sec":     30.0,
		"nats.retry_backoff_factor":    2.0,
		"nats.reconnect_wait":          "2s",
		"nats.ping_interval":           "10s",
		"nats.connect_timeout":         "3s",
		"nats.stream_max_age":          "24h",
		"nats.consumer_ack_wait":       "30s",
		"nats.consumer_max_deliver":    10,

		"simulation.min_delay_ms":               100,
		"simulation.max_delay_ms":               2000,
		"simulation.partial_fill_chance":        0.1,
		"simulation.max_slippage_bps":           2.0,
		"simulation.price_jitter_bps":           10.0,
		"simulation.reject_unknown_instruments": false,
		"simulation.seed":                       0,

		"idempotency.backend":          "memory",
		"idempotency.ttl_sec":          3600,
		"idempotency.max_entries":      100000,
		"idempotency.redis.addr":       "localhost:6379",
		"idempotency.redis.pool_size":  10,
		"idempotency.redis.key_prefix": "exec-sim:idem:",

		"buffer.capacity":       1000,
		"buffer.high_watermark": 0.8,

		"publisher.batch_size":       64,
		"publisher.backoff_base":     "1s",
		"publisher.backoff_max":      "30s",
		"publisher.backoff_factor":   2.0,
		"publisher.backoff_jitter":   0.2,
		"publisher.flush_timeout":    "5s",
		"publisher.breaker_failures": 5,
		"publisher.breaker_open_for": "5s",

		"pipeline.concurrency": 8,
		"pipeline.pause_poll":  "250ms",
		"pipeline.nak_delay":   "1s",

		"otel.exporter": "none",
		"otel.addr":     "localhost:4317",
	}
}

// EnvBindings 老服务的环境变量名
func EnvBindings() map[string]string {
	return map[string]string{
		"name":                           "SERVICE_NAME",
		"http.port":                      "PORT",
		"nats.url":                       "NATS_URL",
		"nats.stream":                    "NATS_STREAM",
		"nats.durable":                   "NATS_DURABLE",
		"nats.subject_order_intent":      "NATS_SUBJECT_ORDER_INTENT",
		"nats.subject_fill":              "NATS_SUBJECT_FILL",
		"nats.subject_reconcile":         "NATS_SUBJECT_RECONCILE",
		"nats.batch_size":                "NATS_BATCH_SIZE",
		"nats.fetch_timeout_sec":         "NATS_FETCH_TIMEOUT",
		"nats.max_retries":               "NATS_MAX_RETRIES",
		"nats.initial_retry_delay_sec":   "NATS_INITIAL_RETRY_DELAY",
		"nats.max_retry_delay_sec":       "NATS_MAX_RETRY_DELAY",
		"nats.retry_backoff_factor":      "NATS_RETRY_BACKOFF_FACTOR",
		"simulation.min_delay_ms":        "SIMULATION_MIN_DELAY_MS",
		"simulation.max_delay_ms":        "SIMULATION_MAX_DELAY_MS",
		"simulation.partial_fill_chance": "SIMULATION_PARTIAL_FILL_CHANCE",
		"simulation.max_slippage_bps":    "SIMULATION_SLIPPAGE_BPS",
		"idempotency.ttl_sec":            "IDEMPOTENCY_TTL_SEC",
	}
}

func (c *Cfg) Validate() error {
	var errs []error
	s := c.Simulation
	if s.MinDelayMs < 0 || s.MaxDelayMs < s.MinDelayMs {
		errs = append(errs, fmt.Errorf("simulation delay range invalid: [%d, %d]", s.MinDelayMs, s.MaxDelayMs))
	}
	if s.PartialFillChance < 0 || s.PartialFillChance > 1 {
		errs = append(errs, fmt.Errorf("simulation.partial_fill_chance must be in [0,1], got %v", s.PartialFillChance))
	}
	if s.MaxSlippageBps < 0 || s.PriceJitterBps < 0 {
		errs = append(errs, errors.New("simulation bps values must be >= 0"))
	}
	if c.Buffer.Capacity <= 0 {
		errs = append(errs, fmt.Errorf("buffer.capacity must be > 0, got %d", c.Buffer.Capacity))
	}
	if c.Buffer.HighWatermark <= 0 || c.Buffer.HighWatermark > 1 {
		errs = append(errs, fmt.Errorf("buffer.high_watermark must be in (0,1], got %v", c.Buffer.HighWatermark))
	}
	if c.Idempotency.TTLSec <= 0 {
		errs = append(errs, errors.New("idempotency.ttl_sec must be > 0"))
	}
	switch c.Idempotency.Backend {
	case "memory", "redis":
	default:
		errs = append(errs, fmt.Errorf("idempotency.backend %q unknown", c.Idempotency.Backend))
	}
	if c.Nats.URL == "" || c.Nats.Stream == "" || c.Nats.Durable == "" ||
		c.Nats.SubjectIntent == "" || c.Nats.SubjectFill == "" || c.Nats.SubjectReconcile == "" {
		errs = append(errs, errors.New("nats url/stream/durable/subjects are required"))
	}
	if c.Nats.BatchSize <= 0 || c.Publisher.BatchSize <= 0 || c.Pipeline.Concurrency <= 0 {
		errs = append(errs, errors.New("batch sizes and pipeline.concurrency must be > 0"))
	}
	return errors.Join(errs...)
}

// HighWatermarkCount 触发暂停消费的 pending 数
func (c *Cfg) HighWatermarkCount() int {
	n := int(float64(c.Buffer.Capacity) * c.Buffer.HighWatermark)
	if n < 1 {
		n = 1
	}
	return n
}

func (n Nats) FetchTimeout() time.Duration {
	return time.Duration(n.FetchTimeoutSec * float64(time.Second))
}

func (c *Cfg) IdempotencyTTL() time.Duration {
	return time.Duration(c.Idempotency.TTLSec) * time.Second
}
