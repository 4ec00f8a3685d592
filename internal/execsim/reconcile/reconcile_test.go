package reconcile

import (
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"gopherex.com/execsim/internal/execsim/domain"
)

type stubIDs struct {
	n   int
	err error
}

func (s *stubIDs) NewID(prefix string) (string, error) {
	s.n++
	return prefix + "_stub", s.err
}

func TestBuild(t *testing.T) {
	ts := time.Date(2024, 3, 1, 12, 0, 1, 0, time.UTC)
	in := domain.OrderIntent{CorrID: "t1", AgentID: "agent-9", Instrument: "SPY"}

	cases := []struct {
		name   string
		side   domain.Side
		filled float64
		want   float64
	}{
		{"buy", domain.SideBuy, 420.5, 420.5},
		{"sell", domain.SideSell, 420.5, -420.5},
		{"rejected sell", domain.SideSell, 0, 0},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			f := domain.Fill{CorrID: "t1", Instrument: "SPY", Side: tc.side, QuantityFilled: tc.filled, FillTimestamp: ts}
			rec, err := Build(in, f, &stubIDs{})
			require.NoError(t, err)

			assert.Equal(t, tc.want, rec.PositionDelta)
			assert.Equal(t, "t1", rec.CorrID)
			assert.Equal(t, "agent-9", rec.AgentID)
			assert.Equal(t, "rec_stub", rec.ReconcileID)
			assert.Equal(t, ts, rec.ReconcileTimestamp)
			assert.Equal(t, domain.ReconcileExecution, rec.ReconcileType)
			assert.Zero(t, rec.RealizedPnl)
			assert.Zero(t, rec.UnrealizedPnl)
		})
	}
}

func TestBuild_ZeroDeltaEncodesWithoutSign(t *testing.T) {
	f := domain.Fill{Side: domain.SideSell}
	rec, err := Build(domain.OrderIntent{}, f, &stubIDs{})
	require.NoError(t, err)
	b, _ := domain.Encode(rec)
	assert.Contains(t, string(b), `"position_delta":0,`)
}

func TestBuild_IDError(t *testing.T) {
	_, err := Build(domain.OrderIntent{}, domain.Fill{}, &stubIDs{err: errors.New("entropy")})
	assert.Error(t, err)
}
