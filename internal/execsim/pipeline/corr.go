package pipeline

import (
	"hash/fnv"

	"github.com/google/uuid"
	"github.com/nats-io/nats.go"

	"gopherex.com/execsim/internal/execsim/broker"
)

const syntheticPrefix = "synthetic_"

// 合成 corr_id 的命名空间，固定值保证同一 payload 重投得到同一个 id
var corrNamespace = uuid.NewSHA1(uuid.NameSpaceURL, []byte("gopherex.com/execsim/corr_id"))

// resolveCorrID payload corr_id -> header corr_id -> 由 payload 派生
func resolveCorrID(raw map[string]any, h nats.Header, data []byte) (id string, synthetic bool) {
	if s, ok := raw["corr_id"].(string); ok && s != "" {
		return s, false
	}
	if h != nil {
		if s := h.Get(broker.HeaderCorrID); s != "" {
			return s, false
		}
	}
	return syntheticPrefix + uuid.NewSHA1(corrNamespace, data).String(), true
}

// shardIndex 同一个 corr_id 永远落到同一个 worker
func shardIndex(corrID string, n int) int {
	h := fnv.New32a()
	_, _ = h.Write([]byte(corrID))
	return int(h.Sum32() % uint32(n))
}

// headerCarrier nats.Header 适配 otel TextMapCarrier
type headerCarrier nats.Header

func (c headerCarrier) Get(key string) string { return nats.Header(c).Get(key) }
func (c headerCarrier) Set(key, value string) { nats.Header(c).Set(key, value) }
func (c headerCarrier) Keys() []string {
	keys := make([]string, 0, len(c))
	for k := range c {
		keys = append(keys, k)
	}
	return keys
}
