package ratelimit

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"gopherex.com/execsim/pkg/logger"
	"gopherex.com/execsim/pkg/safe"
)

type entry struct {
	limiter  *rate.Limiter
	lastSeen atomic.Int64 // unix nano
}

// Store 按 key（一般是 client ip + route）各一个令牌桶，长时间不用的会被清掉
type Store struct {
	mu      sync.Mutex
	entries map[string]*entry
	rate    rate.Limit
	burst   int
	ttl     time.Duration
	now     func() time.Time
}

func NewStore(r rate.Limit, burst int, ttl time.Duration) *Store {
	if ttl <= 0 {
		ttl = 10 * time.Minute
	}
	if burst <= 0 {
		burst = 1
	}
	return &Store{
		entries: make(map[string]*entry, 64),
		rate:    r,
		burst:   burst,
		ttl:     ttl,
		now:     time.Now,
	}
}

// Allow 不阻塞，false 表示该 key 已超限
func (s *Store) Allow(key string) bool {
	now := s.now()
	return s.get(key, now).limiter.AllowN(now, 1)
}

func (s *Store) get(key string, now time.Time) *entry {
	s.mu.Lock()
	defer s.mu.Unlock()
	e, ok := s.entries[key]
	if !ok {
		e = &entry{limiter: rate.NewLimiter(s.rate, s.burst)}
		s.entries[key] = e
	}
	e.lastSeen.Store(now.UnixNano())
	return e
}

// Len 当前跟踪的 key 数
func (s *Store) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.entries)
}

// StartJanitor 周期性清理闲置 key，ctx 取消后退出
func (s *Store) StartJanitor(ctx context.Context, every time.Duration) {
	if every <= 0 {
		every = time.Minute
	}
	safe.GoCtx(ctx, func(ctx context.Context) {
		tick := time.NewTicker(every)
		defer tick.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-tick.C:
				if n := s.Sweep(); n > 0 {
					logger.Debug(ctx, "ratelimit idle keys swept", zap.Int("removed", n), zap.Int("remaining", s.Len()))
				}
			}
		}
	})
}

// Sweep 删除超过 ttl 未访问的 key，返回删除数
func (s *Store) Sweep() int {
	cut := s.now().Add(-s.ttl).UnixNano()
	s.mu.Lock()
	defer s.mu.Unlock()
	removed := 0
	for k, e := range s.entries {
		if e.lastSeen.Load() >= cut {
			continue
		}
		delete(s.entries, k)
		removed++
	}
	return removed
}
