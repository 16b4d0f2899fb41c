// Package tokens estimates token counts and computes usage reports
// against per-model context ceilings.
package tokens

import (
	"log"
	"sync"

	"github.com/pkoukk/tiktoken-go"
)

const (
	// HeuristicCharsPerToken is the divisor for the fallback estimator,
	// used identically wherever the exact tokenizer is unavailable.
	HeuristicCharsPerToken = 4

	// OutputReserve is the number of tokens held back from every context
	// ceiling for the next generated response.
	OutputReserve = 1024

	// DefaultContextLimit applies to models missing from the lookup table.
	DefaultContextLimit = 128000

	encodingName = "cl100k_base"
)

var contextLimits = map[string]int{
	"claude-sonnet-4-5-20250929": 200000,
	"claude-opus-4-1-20250805":   200000,
	"claude-3-5-haiku-20241022":  200000,
	"claude-3-haiku-20240307":    200000,
	"gpt-4o":                     128000,
	"gpt-4o-mini":                128000,
	"gpt-4-turbo":                128000,
}

// Estimator converts text to a token count. Implementations must be
// deterministic for identical input within one process run.
type Estimator interface {
	Estimate(text string) int
}

type exactEstimator struct {
	enc *tiktoken.Tiktoken
}

func (e *exactEstimator) Estimate(text string) int {
	if text == "" {
		return 0
	}
	return len(e.enc.Encode(text, nil, nil))
}

type heuristicEstimator struct{}

func (heuristicEstimator) Estimate(text string) int {
	if len(text) == 0 {
		return 0
	}
	return (len(text) + HeuristicCharsPerToken - 1) / HeuristicCharsPerToken
}

var (
	sharedOnce sync.Once
	sharedEst  Estimator
)

// Shared returns the process-wide estimator. The exact tokenizer is
// constructed once and reused; construction cost is non-trivial. When it
// cannot be built the char-count heuristic takes over for the rest of the
// process, so callers never need to know which path is active.
func Shared() Estimator {
	sharedOnce.Do(func() {
		enc, err := tiktoken.GetEncoding(encodingName)
		if err != nil {
			log.Printf("[tokens] exact tokenizer unavailable, using char heuristic: %v", err)
			sharedEst = heuristicEstimator{}
			return
		}
		sharedEst = &exactEstimator{enc: enc}
	})
	return sharedEst
}

// Heuristic returns the char-count estimator directly. Tests and offline
// paths use it to stay independent of tokenizer availability.
func Heuristic() Estimator {
	return heuristicEstimator{}
}

// ContextLimit returns the context ceiling for a model, falling back to
// DefaultContextLimit for unknown models.
func ContextLimit(model string) int {
	if limit, ok := contextLimits[model]; ok {
		return limit
	}
	return DefaultContextLimit
}

// EstimateAll sums the estimate over a list of texts.
func EstimateAll(est Estimator, texts []string) int {
	total := 0
	for _, t := range texts {
		total += est.Estimate(t)
	}
	return total
}

// UsageReport is a point-in-time snapshot of budget consumption for a
// request about to be assembled.
type UsageReport struct {
	SystemTokens  int
	HistoryTokens int
	TotalUsed     int
	Available     int
	UsagePercent  float64
	TurnCount     int
}

// Report computes a usage report for the given history against a model's
// ceiling. Available already excludes OutputReserve. Pure function of its
// inputs plus the estimator.
func Report(est Estimator, systemText string, history []string, model string) UsageReport {
	r := UsageReport{
		SystemTokens:  est.Estimate(systemText),
		HistoryTokens: EstimateAll(est, history),
		TurnCount:     len(history),
	}
	r.TotalUsed = r.SystemTokens + r.HistoryTokens
	r.Available = ContextLimit(model) - OutputReserve
	if r.Available > 0 {
		r.UsagePercent = float64(r.TotalUsed) / float64(r.Available) * 100
	}
	return r
}
