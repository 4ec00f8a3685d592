package safe

import (
	"context"
	"errors"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCall_ConvertsPanic(t *testing.T) {
	err := Call(context.Background(), func(ctx context.Context) error {
		panic("boom")
	})
	require.Error(t, err)

	var pe *PanicError
	require.True(t, errors.As(err, &pe))
	assert.Equal(t, "boom", pe.Value)
	assert.NotEmpty(t, pe.Stack)
}

func TestCall_PassesThroughError(t *testing.T) {
	want := errors.New("nak me")
	err := Call(context.Background(), func(ctx context.Context) error { return want })
	assert.ErrorIs(t, err, want)
}

func TestGoWG_DoneEvenOnPanic(t *testing.T) {
	var wg sync.WaitGroup
	GoWG(&wg, func() { panic("worker died") })
	GoWG(&wg, func() {})
	wg.Wait()
}
