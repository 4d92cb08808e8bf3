package llm

import "math"

// Rates holds per-million-token pricing for one model. Cache reads and
// writes are priced at their own rates, not the input rate.
type Rates struct {
	InputPerMTok      float64 `json:"input_per_mtok" yaml:"input_per_mtok"`
	OutputPerMTok     float64 `json:"output_per_mtok" yaml:"output_per_mtok"`
	CacheReadPerMTok  float64 `json:"cache_read_per_mtok" yaml:"cache_read_per_mtok"`
	CacheWritePerMTok float64 `json:"cache_write_per_mtok" yaml:"cache_write_per_mtok"`
}

// Cost computes the unrounded dollar cost of a call. Rounding happens
// once, at the point of persistence, to avoid compounding error.
func (r Rates) Cost(u TokenUsage) float64 {
	return float64(u.InputTokens)/1e6*r.InputPerMTok +
		float64(u.OutputTokens)/1e6*r.OutputPerMTok +
		float64(u.CacheRead)/1e6*r.CacheReadPerMTok +
		float64(u.CacheWrite)/1e6*r.CacheWritePerMTok
}

// RoundCost rounds a dollar amount to 6 decimal places for persistence.
func RoundCost(cost float64) float64 {
	return math.Round(cost*1e6) / 1e6
}
