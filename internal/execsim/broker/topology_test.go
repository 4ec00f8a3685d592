package broker

import (
	"testing"
	"time"

	"github.com/nats-io/nats.go/jetstream"
	"github.com/stretchr/testify/assert"
)

func topo() Topology {
	return Topology{Stream: "trading-events", Durable: "exec-sim", FilterSubject: "decisions.order_intent"}
}

func TestTopology_Defaults(t *testing.T) {
	sc := topo().StreamConfig()
	assert.Equal(t, "trading-events", sc.Name)
	assert.Equal(t, []string{"decisions.*", "executions.*", "signals.*"}, sc.Subjects)
	assert.Equal(t, jetstream.FileStorage, sc.Storage)
	assert.Equal(t, 24*time.Hour, sc.MaxAge)

	cc := topo().ConsumerConfig()
	assert.Equal(t, "exec-sim", cc.Durable)
	assert.Equal(t, "decisions.order_intent", cc.FilterSubject)
	assert.Equal(t, jetstream.AckExplicitPolicy, cc.AckPolicy)
	assert.Equal(t, 30*time.Second, cc.AckWait)
	assert.Equal(t, 10, cc.MaxDeliver)
}

func TestTopology_ValidateConsumer(t *testing.T) {
	tp := topo()
	assert.NoError(t, tp.ValidateConsumer(tp.ConsumerConfig()))

	single := tp.ConsumerConfig()
	single.FilterSubject = ""
	single.FilterSubjects = []string{"decisions.order_intent"}
	assert.NoError(t, tp.ValidateConsumer(single))

	cases := map[string]func(c *jetstream.ConsumerConfig){
		"filter":  func(c *jetstream.ConsumerConfig) { c.FilterSubject = "decisions.*" },
		"durable": func(c *jetstream.ConsumerConfig) { c.Durable = "other" },
		"ack":     func(c *jetstream.ConsumerConfig) { c.AckPolicy = jetstream.AckNonePolicy },
	}
	for name, mutate := range cases {
		t.Run(name, func(t *testing.T) {
			c := tp.ConsumerConfig()
			mutate(&c)
			assert.ErrorIs(t, tp.ValidateConsumer(c), ErrConsumerDrift)
		})
	}
}
