package domain

import (
	"time"

	"github.com/segmentio/encoding/json"
)

type Side string

const (
	SideBuy  Side = "buy"
	SideSell Side = "sell"
)

// Sign buy +1 / sell -1
func (s Side) Sign() float64 {
	if s == SideSell {
		return -1
	}
	return 1
}

type OrderType string

const (
	OrderMarket OrderType = "market"
	OrderLimit  OrderType = "limit"
	OrderStop   OrderType = "stop"
)

type FillStatus string

const (
	FillFull     FillStatus = "full"
	FillPartial  FillStatus = "partial"
	FillRejected FillStatus = "rejected"
)

const (
	VenueSimulator     = "simulator"
	ReconcileExecution = "execution"

	ReasonLiquidity     = "liquidity_constraint"
	ReasonMarketImpact  = "market_impact"
	ReasonPositionLimit = "position_limit"
	ReasonUnknownInst   = "unknown_instrument"

	EventTypeFill      = "execution_fill"
	EventTypeReconcile = "execution_reconcile"
)

// OrderIntent 上游 decisions.order_intent，收到后不再修改
type OrderIntent struct {
	CorrID     string          `json:"corr_id"`
	AgentID    string          `json:"agent_id"`
	Instrument string          `json:"instrument"`
	Side       Side            `json:"side"`
	Quantity   float64         `json:"quantity"`
	OrderType  OrderType       `json:"order_type"`
	PriceLimit *float64        `json:"price_limit,omitempty"`
	Timestamp  time.Time       `json:"timestamp"`
	Strategy   string          `json:"strategy,omitempty"`
	RiskParams json.RawMessage `json:"risk_params,omitempty"`

	// 不上线，只在进程内标记 corr_id 是补出来的
	CorrSynthesized bool `json:"-"`
}

type SimulationMetadata struct {
	DelayMs           int     `json:"delay_ms"`
	SlippageBps       float64 `json:"slippage_bps"`
	PartialFillReason *string `json:"partial_fill_reason"`
}

type Fill struct {
	CorrID             string             `json:"corr_id"`
	FillID             string             `json:"fill_id"`
	Instrument         string             `json:"instrument"`
	Side               Side               `json:"side"`
	QuantityRequested  float64            `json:"quantity_requested"`
	QuantityFilled     float64            `json:"quantity_filled"`
	AvgFillPrice       float64            `json:"avg_fill_price"`
	FillStatus         FillStatus         `json:"fill_status"`
	ExecutionVenue     string             `json:"execution_venue"`
	FillTimestamp      time.Time          `json:"fill_timestamp"`
	SimulationMetadata SimulationMetadata `json:"simulation_metadata"`
}

type Reconcile struct {
	CorrID             string    `json:"corr_id"`
	ReconcileID        string    `json:"reconcile_id"`
	AgentID            string    `json:"agent_id"`
	Instrument         string    `json:"instrument"`
	PositionDelta      float64   `json:"position_delta"`
	RealizedPnl        float64   `json:"realized_pnl"`
	UnrealizedPnl      float64   `json:"unrealized_pnl"`
	ReconcileTimestamp time.Time `json:"reconcile_timestamp"`
	ReconcileType      string    `json:"reconcile_type"`
}

// PartialReasons 部分成交原因，按顺序抽样
var PartialReasons = []string{ReasonLiquidity, ReasonMarketImpact, ReasonPositionLimit}

// Execution 一个 corr_id 对应的一对输出
type Execution struct {
	Fill      Fill      `json:"fill"`
	Reconcile Reconcile `json:"reconcile"`
}
