package breaker

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/sony/gobreaker/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestManager_TripsAfterConsecutiveFailures(t *testing.T) {
	var transitions []string
	m := NewManager(Rule{TripConsecutiveFailures: 3, Timeout: time.Hour}, func(name string, from, to gobreaker.State) {
		transitions = append(transitions, name+":"+from.String()+"->"+to.String())
	})

	fail := errors.New("nats: no responders")
	for i := 0; i < 3; i++ {
		assert.ErrorIs(t, m.Execute("executions.fill", func() error { return fail }), fail)
	}
	assert.True(t, m.AnyOpen())
	assert.Equal(t, "open", m.States()["executions.fill"])
	assert.Equal(t, []string{"executions.fill:closed->open"}, transitions)

	called := false
	err := m.Execute("executions.fill", func() error { called = true; return nil })
	assert.ErrorIs(t, err, ErrOpen)
	assert.False(t, called, "open 状态不应该再打下游")

	// 其它 subject 不受影响
	require.NoError(t, m.Execute("executions.reconcile", func() error { return nil }))
}

func TestManager_CanceledDoesNotTrip(t *testing.T) {
	m := NewManager(Rule{TripConsecutiveFailures: 1}, nil)
	for i := 0; i < 5; i++ {
		_ = m.Execute("executions.fill", func() error { return context.Canceled })
	}
	assert.False(t, m.AnyOpen())
}

func TestManager_HalfOpenRecovers(t *testing.T) {
	m := NewManager(Rule{TripConsecutiveFailures: 1, Timeout: 20 * time.Millisecond}, nil)
	_ = m.Execute("s", func() error { return errors.New("down") })
	require.True(t, m.AnyOpen())

	time.Sleep(40 * time.Millisecond)
	require.NoError(t, m.Execute("s", func() error { return nil }))
	assert.False(t, m.AnyOpen())
	assert.Equal(t, "closed", m.States()["s"])
}
