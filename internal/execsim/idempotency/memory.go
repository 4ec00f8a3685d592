package idempotency

import (
	"container/list"
	"context"
	"sync"
	"time"

	"go.uber.org/zap"

	"gopherex.com/execsim/internal/execsim/domain"
	"gopherex.com/execsim/pkg/logger"
	"gopherex.com/execsim/pkg/safe"
)

const (
	DefaultTTL        = time.Hour
	DefaultMaxEntries = 100000
)

type MemoryOption func(*MemoryStore)

// WithClock 测试里注入假时钟
func WithClock(now func() time.Time) MemoryOption {
	return func(s *MemoryStore) { s.now = now }
}

func WithMaxEntries(n int) MemoryOption {
	return func(s *MemoryStore) {
		if n > 0 {
			s.maxEntries = n
		}
	}
}

// MemoryStore map + 插入顺序链表。TTL 相同，所以链表头永远是最早过期的
type MemoryStore struct {
	mu         sync.Mutex
	items      map[string]*list.Element
	order      *list.List // *Record，按插入顺序
	ttl        time.Duration
	maxEntries int
	now        func() time.Time

	evicted uint64
}

func NewMemoryStore(ttl time.Duration, opts ...MemoryOption) *MemoryStore {
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	s := &MemoryStore{
		items:      make(map[string]*list.Element, 1024),
		order:      list.New(),
		ttl:        ttl,
		maxEntries: DefaultMaxEntries,
		now:        time.Now,
	}
	for _, o := range opts {
		o(s)
	}
	return s
}

func (s *MemoryStore) Lookup(_ context.Context, key string) (Record, bool, error) {
	if key == "" {
		return Record{}, false, ErrEmptyKey
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	s.expireLocked(s.now())
	el, ok := s.items[key]
	if !ok {
		return Record{}, false, nil
	}
	return *el.Value.(*Record), true, nil
}

func (s *MemoryStore) Record(_ context.Context, key string, exec domain.Execution) (Record, error) {
	if key == "" {
		return Record{}, ErrEmptyKey
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.now()
	s.expireLocked(now)
	if el, ok := s.items[key]; ok {
		return *el.Value.(*Record), nil
	}

	for s.order.Len() >= s.maxEntries {
		s.removeLocked(s.order.Front())
		s.evicted++
	}

	rec := &Record{Key: key, Execution: exec, InsertedAt: now, ExpiresAt: now.Add(s.ttl)}
	s.items[key] = s.order.PushBack(rec)
	return *rec, nil
}

func (s *MemoryStore) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.items)
}

// Evicted 因容量上限被挤掉的条数
func (s *MemoryStore) Evicted() uint64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.evicted
}

// Sweep 清理过期条目，返回清理数
func (s *MemoryStore) Sweep() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.expireLocked(s.now())
}

// StartJanitor 周期性 Sweep，ctx 取消后退出
func (s *MemoryStore) StartJanitor(ctx context.Context, interval time.Duration) {
	if interval <= 0 {
		interval = time.Minute
	}
	safe.GoCtx(ctx, func(ctx context.Context) {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				if n := s.Sweep(); n > 0 {
					logger.Debug(ctx, "idempotency sweep", zap.Int("expired", n), zap.Int("size", s.Len()))
				}
			}
		}
	})
}

func (s *MemoryStore) Close() error { return nil }

func (s *MemoryStore) expireLocked(now time.Time) int {
	n := 0
	for el := s.order.Front(); el != nil; el = s.order.Front() {
		if now.Before(el.Value.(*Record).ExpiresAt) {
			break
		}
		s.removeLocked(el)
		n++
	}
	return n
}

func (s *MemoryStore) removeLocked(el *list.Element) {
	rec := s.order.Remove(el).(*Record)
	delete(s.items, rec.Key)
}
