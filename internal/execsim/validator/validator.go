package validator

import (
	"fmt"
	"math"
	"regexp"
	"sort"
	"strings"
	"time"

	"github.com/segmentio/encoding/json"

	"gopherex.com/execsim/internal/execsim/domain"
)

const MinQuantity = 0.001

var instrumentPattern = regexp.MustCompile(`^[A-Z]{3,6}(/[A-Z]{3,6})?$`)

var knownFields = map[string]struct{}{
	"corr_id": {}, "agent_id": {}, "instrument": {}, "side": {}, "quantity": {},
	"order_type": {}, "price_limit": {}, "timestamp": {}, "strategy": {}, "risk_params": {},
}

// 错误种类，也是 validation_errors_total 的 type 标签
const (
	KindMissing = "missing"
	KindType    = "invalid_type"
	KindPattern = "pattern"
	KindEnum    = "enum"
	KindRange   = "range"
	KindFormat  = "format"
)

type FieldError struct {
	Field string `json:"field"`
	Kind  string `json:"kind"`
	Msg   string `json:"msg"`
}

func (e FieldError) Error() string {
	return fmt.Sprintf("%s: %s", e.Field, e.Msg)
}

type Result struct {
	Intent domain.OrderIntent
	Errors []FieldError
	// corr_id 缺失，需要上游补一个
	NeedsCorrID bool
	// 未知顶层字段，只报告不算错
	Unknown []string
}

func (r Result) Valid() bool { return len(r.Errors) == 0 }

func (r Result) Error() string {
	parts := make([]string, 0, len(r.Errors))
	for _, e := range r.Errors {
		parts = append(parts, e.Error())
	}
	return strings.Join(parts, "; ")
}

// Validate 纯函数，不打日志不计数
func Validate(raw map[string]any) Result {
	var (
		res Result
		in  domain.OrderIntent
	)
	fail := func(field, kind, format string, args ...any) {
		res.Errors = append(res.Errors, FieldError{Field: field, Kind: kind, Msg: fmt.Sprintf(format, args...)})
	}

	switch v := raw["corr_id"].(type) {
	case nil:
		res.NeedsCorrID = true
	case string:
		if v == "" {
			res.NeedsCorrID = true
		}
		in.CorrID = v
	default:
		fail("corr_id", KindType, "must be a string")
	}

	if s, ok := requireString(raw, "agent_id", fail); ok {
		in.AgentID = s
	}

	if s, ok := requireString(raw, "instrument", fail); ok {
		if instrumentPattern.MatchString(s) {
			in.Instrument = s
		} else {
			fail("instrument", KindPattern, "%q does not match %s", s, instrumentPattern.String())
		}
	}

	if s, ok := requireString(raw, "side", fail); ok {
		switch domain.Side(s) {
		case domain.SideBuy, domain.SideSell:
			in.Side = domain.Side(s)
		default:
			fail("side", KindEnum, "must be buy or sell, got %q", s)
		}
	}

	switch v := raw["quantity"].(type) {
	case nil:
		fail("quantity", KindMissing, "required")
	case float64:
		switch {
		case math.IsNaN(v) || math.IsInf(v, 0):
			fail("quantity", KindRange, "must be finite")
		case v < MinQuantity:
			fail("quantity", KindRange, "must be >= %g, got %g", MinQuantity, v)
		default:
			in.Quantity = v
		}
	default:
		fail("quantity", KindType, "must be a number")
	}

	if s, ok := requireString(raw, "order_type", fail); ok {
		switch domain.OrderType(s) {
		case domain.OrderMarket, domain.OrderLimit, domain.OrderStop:
			in.OrderType = domain.OrderType(s)
		default:
			fail("order_type", KindEnum, "must be market, limit or stop, got %q", s)
		}
	}

	switch v := raw["price_limit"].(type) {
	case nil:
	case float64:
		if math.IsNaN(v) || math.IsInf(v, 0) || v <= 0 {
			fail("price_limit", KindRange, "must be a positive finite number")
		} else {
			p := v
			in.PriceLimit = &p
		}
	default:
		fail("price_limit", KindType, "must be a number or null")
	}

	if s, ok := requireString(raw, "timestamp", fail); ok {
		ts, err := time.Parse(time.RFC3339Nano, s)
		if err != nil {
			fail("timestamp", KindFormat, "not an RFC 3339 instant: %v", err)
		} else {
			in.Timestamp = ts
		}
	}

	switch v := raw["strategy"].(type) {
	case nil:
	case string:
		in.Strategy = v
	default:
		fail("strategy", KindType, "must be a string")
	}

	switch v := raw["risk_params"].(type) {
	case nil:
	case map[string]any:
		b, err := json.Marshal(v)
		if err != nil {
			fail("risk_params", KindType, "not encodable: %v", err)
		} else {
			in.RiskParams = b
		}
	default:
		fail("risk_params", KindType, "must be an object")
	}

	for k := range raw {
		if _, ok := knownFields[k]; !ok {
			res.Unknown = append(res.Unknown, k)
		}
	}
	sort.Strings(res.Unknown)

	if res.Valid() {
		res.Intent = in
	}
	return res
}

func requireString(raw map[string]any, field string, fail func(field, kind, format string, args ...any)) (string, bool) {
	v, present := raw[field]
	if !present || v == nil {
		fail(field, KindMissing, "required")
		return "", false
	}
	s, ok := v.(string)
	if !ok {
		fail(field, KindType, "must be a string")
		return "", false
	}
	if s == "" {
		fail(field, KindMissing, "must not be empty")
		return "", false
	}
	return s, true
}
