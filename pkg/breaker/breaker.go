package breaker

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/sony/gobreaker/v2"
)

// ErrOpen 熔断器拒绝（open 或 half-open 探测名额已满）
var ErrOpen = errors.New("circuit breaker open")

type Rule struct {
	// Half-Open 状态允许通过的探测请求数（MaxRequests=0 时库会当作 1）
	MaxRequests uint32

	// Closed 状态计数窗口
	Interval time.Duration

	// Open 状态持续时间，到期进入 Half-Open
	Timeout time.Duration

	// 触发熔断条件（两种之一即可）
	TripConsecutiveFailures uint32  // 连续失败阈值
	TripFailureRate         float64 // 失败率阈值（0~1）
	TripMinRequests         uint32  // 失败率计算的最小样本数
}

// StateListener 状态变化回调，用来打点/打日志
type StateListener func(name string, from, to gobreaker.State)

// Manager 按名字（这里是 subject）懒创建熔断器
type Manager struct {
	mu sync.RWMutex
	m  map[string]*gobreaker.CircuitBreaker[struct{}]

	rule     Rule
	listener StateListener
}

func NewManager(rule Rule, listener StateListener) *Manager {
	if rule.MaxRequests == 0 {
		rule.MaxRequests = 1
	}
	if rule.Timeout <= 0 {
		rule.Timeout = 5 * time.Second
	}
	if rule.Interval <= 0 {
		rule.Interval = 30 * time.Second
	}
	if rule.TripConsecutiveFailures == 0 && rule.TripFailureRate == 0 {
		rule.TripConsecutiveFailures = 5
	}
	if rule.TripMinRequests == 0 {
		rule.TripMinRequests = 20
	}
	return &Manager{
		m:        make(map[string]*gobreaker.CircuitBreaker[struct{}], 4),
		rule:     rule,
		listener: listener,
	}
}

func (m *Manager) Get(name string) *gobreaker.CircuitBreaker[struct{}] {
	// 快路径：读锁
	m.mu.RLock()
	cb := m.m[name]
	m.mu.RUnlock()
	if cb != nil {
		return cb
	}

	// 慢路径：创建
	m.mu.Lock()
	defer m.mu.Unlock()
	if cb = m.m[name]; cb != nil {
		return cb
	}

	rule := m.rule
	st := gobreaker.Settings{
		Name:        name,
		MaxRequests: rule.MaxRequests,
		Interval:    rule.Interval,
		Timeout:     rule.Timeout,
		ReadyToTrip: func(c gobreaker.Counts) bool {
			if rule.TripConsecutiveFailures > 0 && c.ConsecutiveFailures >= rule.TripConsecutiveFailures {
				return true
			}
			if rule.TripFailureRate > 0 && c.Requests >= rule.TripMinRequests {
				return float64(c.TotalFailures)/float64(c.Requests) >= rule.TripFailureRate
			}
			return false
		},
		IsSuccessful: isSuccessfulForBreaker,
	}
	if m.listener != nil {
		st.OnStateChange = func(name string, from, to gobreaker.State) { m.listener(name, from, to) }
	}

	cb = gobreaker.NewCircuitBreaker[struct{}](st)
	m.m[name] = cb
	return cb
}

// Execute 走熔断器执行 fn，熔断拒绝统一转成 ErrOpen
func (m *Manager) Execute(name string, fn func() error) error {
	_, err := m.Get(name).Execute(func() (struct{}, error) {
		return struct{}{}, fn()
	})
	if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
		return ErrOpen
	}
	return err
}

// AnyOpen 任意一个熔断器处于 open
func (m *Manager) AnyOpen() bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	for _, cb := range m.m {
		if cb.State() == gobreaker.StateOpen {
			return true
		}
	}
	return false
}

// States name -> closed/half-open/open，给 health 用
func (m *Manager) States() map[string]string {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make(map[string]string, len(m.m))
	for name, cb := range m.m {
		out[name] = cb.State().String()
	}
	return out
}

func isSuccessfulForBreaker(err error) bool {
	if err == nil {
		return true
	}
	// 本地取消（停机）不代表 broker 不健康
	return errors.Is(err, context.Canceled)
}
