package reconcile

import (
	"github.com/shopspring/decimal"

	"gopherex.com/execsim/internal/execsim/domain"
)

// IDGenerator 和模拟器共用随机源，保证 reconcile_id 可复现
type IDGenerator interface {
	NewID(prefix string) (string, error)
}

// Build 由 intent + fill 推出持仓变化，模拟环境不算 pnl
func Build(in domain.OrderIntent, f domain.Fill, ids IDGenerator) (domain.Reconcile, error) {
	id, err := ids.NewID("rec")
	if err != nil {
		return domain.Reconcile{}, err
	}
	delta := decimal.NewFromFloat(f.QuantityFilled).Mul(decimal.NewFromFloat(f.Side.Sign()))
	return domain.Reconcile{
		CorrID:             f.CorrID,
		ReconcileID:        id,
		AgentID:            in.AgentID,
		Instrument:         f.Instrument,
		PositionDelta:      delta.InexactFloat64(),
		RealizedPnl:        0,
		UnrealizedPnl:      0,
		ReconcileTimestamp: f.FillTimestamp,
		ReconcileType:      domain.ReconcileExecution,
	}, nil
}
