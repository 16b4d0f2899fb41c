// Package summarize compresses evicted turn spans into compact summaries,
// with a deterministic extractive fallback when the generation backend is
// unavailable.
package summarize

import (
	"context"
	"fmt"
	"log"
	"math"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/stellarlinkco/recall/internal/llm"
	"github.com/stellarlinkco/recall/internal/session"
	"github.com/stellarlinkco/recall/internal/tokens"
)

const (
	// DefaultCompressionRatio derives the token target when the caller
	// does not give one.
	DefaultCompressionRatio = 0.3

	// summaryTemperature keeps compression factual and repeatable.
	summaryTemperature = 0.2

	ellipsisMarker = " ... "

	summaryInstruction = `You compress conversation transcripts. Preserve decisions, concrete facts, and action items. Write flowing prose, not bullet points. Stay within %d tokens.`

	keyPointInstruction = `Extract the most important points from this conversation transcript as a plain list, one point per line, each line starting with "- ". At most %d points. No preamble.`
)

// Summary is the compressed form of one evicted span.
type Summary struct {
	SessionID        string
	StartIndex       int
	EndIndex         int
	Text             string
	KeyPoints        []string
	OriginalTokens   int
	SummaryTokens    int
	CompressionRatio float64
	CreatedAt        time.Time
}

// Summarizer turns spans of turns into Summaries via the generation
// backend, falling back to extraction on failure.
type Summarizer struct {
	gen   llm.Generator
	est   tokens.Estimator
	ratio float64
}

// New builds a Summarizer. ratio outside (0, 1) falls back to the default.
// gen may be nil, which forces the extractive path (degraded startup).
func New(gen llm.Generator, est tokens.Estimator, ratio float64) *Summarizer {
	if ratio <= 0 || ratio >= 1 {
		ratio = DefaultCompressionRatio
	}
	return &Summarizer{gen: gen, est: est, ratio: ratio}
}

// Summarize compresses a span into at most targetTokens tokens. A
// targetTokens <= 0 derives ceil(originalTokens * ratio). It never fails:
// any backend error degrades to the extractive fallback, so the caller
// always gets a usable (possibly degenerate) summary.
func (s *Summarizer) Summarize(ctx context.Context, turns []session.Turn, targetTokens int) Summary {
	out := Summary{CreatedAt: time.Now().UTC()}
	if len(turns) == 0 {
		return out
	}

	out.OriginalTokens = spanTokens(s.est, turns)
	if targetTokens <= 0 {
		targetTokens = int(math.Ceil(float64(out.OriginalTokens) * s.ratio))
	}
	if targetTokens < 1 {
		targetTokens = 1
	}

	text := ""
	if s.gen != nil {
		generated, err := s.gen.Complete(ctx, transcript(turns),
			fmt.Sprintf(summaryInstruction, targetTokens), targetTokens, summaryTemperature)
		if err != nil {
			log.Printf("[summarize] generation failed, using extractive fallback: %v", err)
		} else {
			text = strings.TrimSpace(generated)
		}
	}
	if text == "" {
		text = extractiveFallback(s.est, turns, targetTokens)
	}

	out.Text = text
	out.SummaryTokens = s.est.Estimate(text)
	if out.OriginalTokens > 0 {
		out.CompressionRatio = float64(out.SummaryTokens) / float64(out.OriginalTokens)
	}
	return out
}

// ExtractKeyPoints asks the backend for a bullet list of the span's most
// important points. Any failure yields an empty list, never an error.
func (s *Summarizer) ExtractKeyPoints(ctx context.Context, turns []session.Turn, maxPoints int) []string {
	if s.gen == nil || len(turns) == 0 || maxPoints <= 0 {
		return nil
	}

	raw, err := s.gen.Complete(ctx, transcript(turns),
		fmt.Sprintf(keyPointInstruction, maxPoints), tokens.OutputReserve, summaryTemperature)
	if err != nil {
		log.Printf("[summarize] key point extraction failed: %v", err)
		return nil
	}

	points := make([]string, 0, maxPoints)
	for _, line := range strings.Split(raw, "\n") {
		line = strings.TrimSpace(line)
		line = strings.TrimPrefix(line, "- ")
		line = strings.TrimPrefix(line, "* ")
		if line == "" {
			continue
		}
		points = append(points, line)
		if len(points) >= maxPoints {
			break
		}
	}
	return points
}

// GroupByTokenBudget splits turns into groups that each fit within limit,
// for batch summarization. A user turn and its immediately following
// assistant turn stay in the same group, tolerating up to 10% overshoot
// to keep that pairing. A single turn larger than the limit still gets a
// group of its own.
func (s *Summarizer) GroupByTokenBudget(turns []session.Turn, limit int) [][]session.Turn {
	if len(turns) == 0 {
		return nil
	}
	if limit <= 0 {
		return [][]session.Turn{append([]session.Turn(nil), turns...)}
	}

	groups := make([][]session.Turn, 0)
	current := make([]session.Turn, 0)
	currentTokens := 0

	flush := func() {
		if len(current) > 0 {
			groups = append(groups, current)
			current = nil
			currentTokens = 0
		}
	}

	for i := 0; i < len(turns); {
		unit := turns[i : i+1]
		if turns[i].Role == session.RoleUser && i+1 < len(turns) && turns[i+1].Role == session.RoleAssistant {
			unit = turns[i : i+2]
		}
		unitTokens := spanTokens(s.est, unit)

		if len(current) > 0 && currentTokens+unitTokens > limit {
			overshootOK := len(unit) == 2 && currentTokens+unitTokens <= limit+limit/10
			if !overshootOK {
				flush()
			}
		}

		current = append(current, unit...)
		currentTokens += unitTokens
		i += len(unit)

		if currentTokens >= limit {
			flush()
		}
	}
	flush()
	return groups
}

// extractiveFallback concatenates the first and last turn of the span,
// truncated to the token budget. Deterministic and total: it always
// returns non-empty text for a non-empty span.
func extractiveFallback(est tokens.Estimator, turns []session.Turn, budget int) string {
	text := strings.TrimSpace(turns[0].Text)
	if len(turns) > 1 {
		text = text + ellipsisMarker + strings.TrimSpace(turns[len(turns)-1].Text)
	}
	return truncateToTokens(est, text, budget)
}

// truncateToTokens cuts text down until it estimates at or under budget,
// keeping at least one rune so the result is never empty. Cuts always land
// on rune boundaries so the result stays valid UTF-8.
func truncateToTokens(est tokens.Estimator, text string, budget int) string {
	if text == "" {
		return text
	}
	if budget <= 0 {
		_, n := utf8.DecodeRuneInString(text)
		return text[:n]
	}
	if est.Estimate(text) <= budget {
		return text
	}

	// First cut by the heuristic char ratio, then shrink until it fits.
	cut := runeBound(text, budget*tokens.HeuristicCharsPerToken)
	for cut > 1 && est.Estimate(text[:cut]) > budget {
		step := cut / 10
		if step < 1 {
			step = 1
		}
		cut = runeBound(text, cut-step)
	}
	if cut < 1 {
		_, cut = utf8.DecodeRuneInString(text)
	}
	return text[:cut]
}

// runeBound snaps a byte offset back to the nearest rune start at or
// before it.
func runeBound(text string, cut int) int {
	if cut >= len(text) {
		return len(text)
	}
	for cut > 0 && !utf8.RuneStart(text[cut]) {
		cut--
	}
	return cut
}

func transcript(turns []session.Turn) string {
	var sb strings.Builder
	for _, t := range turns {
		sb.WriteString("[")
		sb.WriteString(t.Role)
		sb.WriteString("]: ")
		sb.WriteString(t.Text)
		sb.WriteString("\n")
	}
	return strings.TrimSpace(sb.String())
}

func spanTokens(est tokens.Estimator, turns []session.Turn) int {
	total := 0
	for _, t := range turns {
		if t.Tokens > 0 {
			total += t.Tokens
			continue
		}
		total += est.Estimate(t.Text)
	}
	return total
}
