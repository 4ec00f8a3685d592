package simulator

import (
	"sync"
	"time"

	"golang.org/x/exp/rand"
)

// Rand 模拟用的随机源，测试里可以注入固定序列
type Rand interface {
	Float64() float64
	// Int63n [0, n)
	Int63n(n int64) int64
	// Read 给 uuid 生成用，保证同一种子下 id 也可复现
	Read(p []byte) (int, error)
}

// lockedRand x/exp/rand 的 *Rand 不是并发安全的，shard worker 共享一份
type lockedRand struct {
	mu sync.Mutex
	r  *rand.Rand
}

// NewRand seed 为 0 时按当前时间播种
func NewRand(seed uint64) Rand {
	if seed == 0 {
		seed = uint64(time.Now().UnixNano())
	}
	return &lockedRand{r: rand.New(rand.NewSource(seed))}
}

func (l *lockedRand) Float64() float64 {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.r.Float64()
}

func (l *lockedRand) Int63n(n int64) int64 {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.r.Int63n(n)
}

func (l *lockedRand) Read(p []byte) (int, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.r.Read(p)
}
