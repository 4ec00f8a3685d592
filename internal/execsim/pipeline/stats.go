package pipeline

import (
	"sync/atomic"

	"go.uber.org/zap"
)

type Stats struct {
	FetchCalls  uint64 `json:"fetch_calls"`
	FetchEmpty  uint64 `json:"fetch_empty"`
	FetchErrors uint64 `json:"fetch_errors"`
	Messages    uint64 `json:"messages"`
	Acks        uint64 `json:"acks"`
	Naks        uint64 `json:"naks"`
	Terms       uint64 `json:"terms"`
}

type fetchStats struct {
	calls, empty, errors, messages atomic.Uint64
	acks, naks, terms              atomic.Uint64
}

func (s *fetchStats) snapshot() Stats {
	return Stats{
		FetchCalls:  s.calls.Load(),
		FetchEmpty:  s.empty.Load(),
		FetchErrors: s.errors.Load(),
		Messages:    s.messages.Load(),
		Acks:        s.acks.Load(),
		Naks:        s.naks.Load(),
		Terms:       s.terms.Load(),
	}
}

func (s *fetchStats) fields() []zap.Field {
	st := s.snapshot()
	rate := 0.0
	if st.Messages > 0 {
		rate = float64(st.Acks) / float64(st.Messages)
	}
	return []zap.Field{
		zap.Uint64("fetch_calls", st.FetchCalls),
		zap.Uint64("fetch_empty", st.FetchEmpty),
		zap.Uint64("fetch_errors", st.FetchErrors),
		zap.Uint64("messages", st.Messages),
		zap.Uint64("acks", st.Acks),
		zap.Uint64("naks", st.Naks),
		zap.Uint64("terms", st.Terms),
		zap.Float64("success_rate", rate),
	}
}
