package backoff

import (
	"math/rand"
	"sync"
	"time"
)

// Backoff 指数退避 + jitter，一个连接一份，不按消息计
type Backoff struct {
	Base   time.Duration // 第一次等待，e.g. 1s
	Max    time.Duration // 上限，e.g. 30s
	Factor float64       // 倍数，默认 2
	// Jitter 取值 [0,1]，在当前等待上额外随机增加最多 Jitter 比例
	Jitter float64

	mu       sync.Mutex
	current  time.Duration
	attempts int
}

func New(base, max time.Duration, factor float64) *Backoff {
	b := &Backoff{Base: base, Max: max, Factor: factor}
	b.normalize()
	return b
}

func (b *Backoff) normalize() {
	if b.Base <= 0 {
		b.Base = time.Second
	}
	if b.Max < b.Base {
		b.Max = b.Base
	}
	if b.Factor < 1 {
		b.Factor = 2
	}
}

// Next 返回本次应该等待的时间，并推进到下一档
func (b *Backoff) Next() time.Duration {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.normalize()

	if b.current == 0 {
		b.current = b.Base
	}
	d := b.current
	b.attempts++

	next := time.Duration(float64(b.current) * b.Factor)
	if next > b.Max || next <= 0 {
		next = b.Max
	}
	b.current = next

	if b.Jitter > 0 {
		// 避免所有实例同时重连造成尖峰
		d += time.Duration(rand.Int63n(int64(float64(d)*b.Jitter) + 1))
		if d > b.Max {
			d = b.Max
		}
	}
	return d
}

// Reset 成功后回到 Base
func (b *Backoff) Reset() {
	b.mu.Lock()
	b.current = 0
	b.attempts = 0
	b.mu.Unlock()
}

// Attempts 连续失败次数
func (b *Backoff) Attempts() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.attempts
}
