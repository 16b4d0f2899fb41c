// Package llm defines the narrow generation capability the engine
// consumes, plus its Anthropic-backed implementation.
package llm

import "context"

// Generator is the only surface the engine needs from a generation
// backend: a single prompt-in, text-out completion with explicit output
// budget and temperature.
type Generator interface {
	Complete(ctx context.Context, prompt, system string, maxOutput int, temperature float64) (string, error)
}
