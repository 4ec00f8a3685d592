package domain

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDecodeRaw(t *testing.T) {
	m, err := DecodeRaw([]byte(` {"corr_id":"t1","quantity":10000,"risk_params":{"max":1}}`))
	require.NoError(t, err)
	assert.Equal(t, "t1", m["corr_id"])
	assert.Equal(t, 10000.0, m["quantity"])
	assert.IsType(t, map[string]any{}, m["risk_params"])

	_, err = DecodeRaw([]byte(`[1,2]`))
	assert.ErrorIs(t, err, ErrNotObject)
	_, err = DecodeRaw([]byte(`{"corr_id":`))
	assert.Error(t, err)
}

func TestFillWireNames(t *testing.T) {
	ts := time.Date(2024, 1, 2, 3, 4, 5, 0, time.UTC)
	f := Fill{
		CorrID: "t1", FillID: "fill_x", Instrument: "EURUSD", Side: SideBuy,
		QuantityRequested: 10, QuantityFilled: 10, AvgFillPrice: 1.0945,
		FillStatus: FillFull, ExecutionVenue: VenueSimulator, FillTimestamp: ts,
	}
	b, err := Encode(f)
	require.NoError(t, err)
	s := string(b)
	assert.Contains(t, s, `"fill_status":"full"`)
	assert.Contains(t, s, `"fill_timestamp":"2024-01-02T03:04:05Z"`)
	assert.Contains(t, s, `"partial_fill_reason":null`)
}

func TestExecutionRoundTripIsByteStable(t *testing.T) {
	reason := ReasonLiquidity
	e := Execution{
		Fill: Fill{CorrID: "t1", FillID: "fill_1", QuantityFilled: 4213.123457, AvgFillPrice: 1.094612,
			FillTimestamp:      time.Date(2024, 1, 2, 3, 4, 5, 120_000_000, time.UTC),
			SimulationMetadata: SimulationMetadata{DelayMs: 120, SlippageBps: 1.37, PartialFillReason: &reason}},
		Reconcile: Reconcile{CorrID: "t1", ReconcileID: "rec_1", PositionDelta: -4213.123457, ReconcileType: ReconcileExecution},
	}
	first, err := Encode(e)
	require.NoError(t, err)
	back, err := DecodeExecution(first)
	require.NoError(t, err)
	second, err := Encode(back)
	require.NoError(t, err)
	assert.Equal(t, string(first), string(second))
}

func TestSideSign(t *testing.T) {
	assert.Equal(t, 1.0, SideBuy.Sign())
	assert.Equal(t, -1.0, SideSell.Sign())
}
