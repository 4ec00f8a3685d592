package pipeline

import (
	"testing"

	"github.com/nats-io/nats.go"
	"github.com/stretchr/testify/assert"
)

func TestResolveCorrID(t *testing.T) {
	hdr := nats.Header{}
	hdr.Set("corr_id", "hdr-1")

	id, synth := resolveCorrID(map[string]any{"corr_id": "p-1"}, hdr, nil)
	assert.Equal(t, "p-1", id)
	assert.False(t, synth)

	id, synth = resolveCorrID(map[string]any{"corr_id": ""}, hdr, nil)
	assert.Equal(t, "hdr-1", id)
	assert.False(t, synth)

	data := []byte(`{"agent_id":"a"}`)
	a, synth := resolveCorrID(map[string]any{}, nil, data)
	b, _ := resolveCorrID(map[string]any{}, nats.Header{}, data)
	c, _ := resolveCorrID(map[string]any{}, nil, []byte(`{"agent_id":"b"}`))
	assert.True(t, synth)
	assert.Equal(t, a, b)
	assert.NotEqual(t, a, c)
	assert.Regexp(t, `^synthetic_`, a)
}

func TestShardIndex_Stable(t *testing.T) {
	for _, id := range []string{"t1", "t2", "synthetic_x", ""} {
		i := shardIndex(id, 8)
		assert.GreaterOrEqual(t, i, 0)
		assert.Less(t, i, 8)
		assert.Equal(t, i, shardIndex(id, 8))
	}
	assert.Equal(t, 0, shardIndex("anything", 1))
}

func TestHeaderCarrier(t *testing.T) {
	h := nats.Header{}
	c := headerCarrier(h)
	c.Set("traceparent", "00-abc-def-01")
	assert.Equal(t, "00-abc-def-01", h.Get("traceparent"))
	assert.Equal(t, []string{"traceparent"}, c.Keys())
}
