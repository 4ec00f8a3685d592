package simulator

import (
	"errors"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"gopherex.com/execsim/internal/execsim/domain"
)

const (
	PartialRatioMin = 0.30
	PartialRatioMax = 0.95

	priceScale    = 6
	slippageScale = 2
	quantityScale = 6
)

var bpsDenominator = decimal.NewFromInt(10000)

type Config struct {
	MinDelayMs        int
	MaxDelayMs        int
	PartialFillChance float64
	MaxSlippageBps    float64
	// 参考价随机扰动幅度（±bps）
	PriceJitterBps float64
	// 参考价表里没有时直接拒单，否则按 DefaultReferencePrice 成交
	RejectUnknownInstruments bool
}

func DefaultConfig() Config {
	return Config{
		MinDelayMs:        100,
		MaxDelayMs:        2000,
		PartialFillChance: 0.1,
		MaxSlippageBps:    2,
		PriceJitterBps:    10,
	}
}

func (c Config) Validate() error {
	if c.MinDelayMs < 0 || c.MaxDelayMs < c.MinDelayMs {
		return fmt.Errorf("delay range invalid: [%d, %d]", c.MinDelayMs, c.MaxDelayMs)
	}
	if c.PartialFillChance < 0 || c.PartialFillChance > 1 {
		return fmt.Errorf("partial fill chance %v not in [0,1]", c.PartialFillChance)
	}
	if c.MaxSlippageBps < 0 || c.PriceJitterBps < 0 {
		return errors.New("bps values must be >= 0")
	}
	return nil
}

// Simulator intent + 随机源 + 配置 -> Fill
// 抽样顺序固定：延迟、是否部分成交、比例、原因、参考价扰动、滑点、fill_id
// 同一种子串行跑出的结果逐字节一致
type Simulator struct {
	cfg    atomic.Pointer[Config]
	rng    Rand
	prices PriceSource
}

func New(cfg Config, rng Rand, prices PriceSource) (*Simulator, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if rng == nil {
		rng = NewRand(0)
	}
	if prices == nil {
		prices = DefaultPrices()
	}
	s := &Simulator{rng: rng, prices: prices}
	s.cfg.Store(&cfg)
	return s, nil
}

// UpdateConfig 配置热更新，非法配置不生效
func (s *Simulator) UpdateConfig(cfg Config) error {
	if err := cfg.Validate(); err != nil {
		return err
	}
	s.cfg.Store(&cfg)
	return nil
}

func (s *Simulator) Config() Config { return *s.cfg.Load() }

func (s *Simulator) Simulate(in domain.OrderIntent) (domain.Fill, error) {
	cfg := s.Config()

	delayMs := cfg.MinDelayMs
	if span := int64(cfg.MaxDelayMs - cfg.MinDelayMs); span > 0 {
		delayMs += int(s.rng.Int63n(span + 1))
	}

	requested := decimal.NewFromFloat(in.Quantity)
	filled := requested
	status := domain.FillFull
	var reason *string

	ref, known := s.prices.Reference(in.Instrument)
	if !known && cfg.RejectUnknownInstruments {
		r := domain.ReasonUnknownInst
		fillID, err := s.NewID("fill")
		if err != nil {
			return domain.Fill{}, err
		}
		return domain.Fill{
			CorrID:            in.CorrID,
			FillID:            fillID,
			Instrument:        in.Instrument,
			Side:              in.Side,
			QuantityRequested: in.Quantity,
			FillStatus:        domain.FillRejected,
			ExecutionVenue:    domain.VenueSimulator,
			FillTimestamp:     fillTime(in.Timestamp, delayMs),
			SimulationMetadata: domain.SimulationMetadata{
				DelayMs:           delayMs,
				PartialFillReason: &r,
			},
		}, nil
	}
	if !known {
		ref = DefaultReferencePrice
	}

	if s.rng.Float64() < cfg.PartialFillChance {
		ratio := PartialRatioMin + (PartialRatioMax-PartialRatioMin)*s.rng.Float64()
		filled = requested.Mul(decimal.NewFromFloat(ratio)).Round(quantityScale)
		status = domain.FillPartial
		r := domain.PartialReasons[s.rng.Int63n(int64(len(domain.PartialReasons)))]
		reason = &r
	}

	var (
		price    float64
		slippage float64
	)
	switch in.OrderType {
	case domain.OrderMarket:
		price, slippage = s.marketPrice(cfg, ref, in.Side)
	default:
		// limit/stop 按限价成交，不加滑点
		if in.PriceLimit != nil {
			price = *in.PriceLimit
		} else {
			price = decimal.NewFromFloat(ref).Round(priceScale).InexactFloat64()
		}
	}

	fillID, err := s.NewID("fill")
	if err != nil {
		return domain.Fill{}, err
	}

	return domain.Fill{
		CorrID:            in.CorrID,
		FillID:            fillID,
		Instrument:        in.Instrument,
		Side:              in.Side,
		QuantityRequested: in.Quantity,
		QuantityFilled:    filled.InexactFloat64(),
		AvgFillPrice:      price,
		FillStatus:        status,
		ExecutionVenue:    domain.VenueSimulator,
		FillTimestamp:     fillTime(in.Timestamp, delayMs),
		SimulationMetadata: domain.SimulationMetadata{
			DelayMs:           delayMs,
			SlippageBps:       slippage,
			PartialFillReason: reason,
		},
	}, nil
}

// NewID prefix_<uuid>，字节取自同一随机源
func (s *Simulator) NewID(prefix string) (string, error) {
	id, err := uuid.NewRandomFromReader(s.rng)
	if err != nil {
		return "", fmt.Errorf("generate %s id: %w", prefix, err)
	}
	return prefix + "_" + id.String(), nil
}

func (s *Simulator) marketPrice(cfg Config, ref float64, side domain.Side) (float64, float64) {
	base := decimal.NewFromFloat(ref)
	if cfg.PriceJitterBps > 0 {
		jitter := (2*s.rng.Float64() - 1) * cfg.PriceJitterBps
		base = base.Mul(decimal.NewFromInt(1).Add(decimal.NewFromFloat(jitter).Div(bpsDenominator)))
	}

	maxBps := decimal.NewFromFloat(cfg.MaxSlippageBps)
	bps := decimal.NewFromFloat(s.rng.Float64() * cfg.MaxSlippageBps).Round(slippageScale)
	if bps.GreaterThan(maxBps) {
		bps = maxBps
	}

	adj := bps.Div(bpsDenominator)
	if side == domain.SideSell {
		adj = adj.Neg()
	}
	price := base.Mul(decimal.NewFromInt(1).Add(adj)).Round(priceScale)
	return price.InexactFloat64(), bps.InexactFloat64()
}

func fillTime(ts time.Time, delayMs int) time.Time {
	return ts.Add(time.Duration(delayMs) * time.Millisecond).UTC()
}
