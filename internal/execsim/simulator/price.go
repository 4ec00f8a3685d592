package simulator

// PriceSource 参考价来源，真实行情接入前用静态表
type PriceSource interface {
	Reference(instrument string) (float64, bool)
}

// DefaultReferencePrice 表里没有的品种
const DefaultReferencePrice = 100.0

type StaticPrices map[string]float64

func (p StaticPrices) Reference(instrument string) (float64, bool) {
	v, ok := p[instrument]
	return v, ok
}

func DefaultPrices() StaticPrices {
	return StaticPrices{
		"EURUSD":  1.0945,
		"GBPUSD":  1.2634,
		"USDJPY":  149.75,
		"BTC/USD": 42500.00,
		"ETH/USD": 2650.00,
		"SPY":     485.50,
		"QQQ":     389.25,
	}
}
