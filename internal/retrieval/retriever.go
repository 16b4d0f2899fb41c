// Package retrieval pulls relevant fragments of compressed history back
// out of the durable summary store and formats them into a token-bounded
// context block.
package retrieval

import (
	"context"
	"fmt"
	"log"
	"sort"
	"strings"
	"time"

	"github.com/stellarlinkco/recall/internal/store"
	"github.com/stellarlinkco/recall/internal/tokens"
)

// Domain scopes searches to conversation summaries; other producers can
// share the same store under their own domains.
const Domain = "conversation_summary"

// searchOverfetch widens the store query so that threshold filtering and
// budget trimming still leave enough candidates.
const searchOverfetch = 3

// SearchStore is the slice of the durable store the retriever needs.
type SearchStore interface {
	Search(ctx context.Context, domain, query string, limit int, f store.Filters) ([]store.Hit, error)
	Touch(id int64) error
}

// Query describes one retrieval request.
type Query struct {
	Text               string
	SessionID          string
	MaxResults         int
	RelevanceThreshold float64
	MaxTokens          int
	SessionScoped      bool
}

// Fragment is a read-only view of one retrieved piece of history.
type Fragment struct {
	id int64

	Content    string
	Relevance  float64
	Heat       float64
	Importance float64
	SessionID  string
	StartIndex int
	EndIndex   int
	CreatedAt  time.Time
}

// Result is what the assembler injects. A zero Result (no fragments,
// empty text) is the uniform answer to every failure mode.
type Result struct {
	Fragments     []Fragment
	FormattedText string
	TokenCount    int
	LatencyMs     int64
}

type Retriever struct {
	store SearchStore
	est   tokens.Estimator
}

func New(st SearchStore, est tokens.Estimator) *Retriever {
	return &Retriever{store: st, est: est}
}

// Retrieve searches the summary domain, converts distances to relevance,
// filters by threshold, ranks by relevance, heat and importance, and
// formats the survivors into a single block bounded by q.MaxTokens.
// Fragments are included whole or not at all. Store errors degrade to an
// empty result; memory injection is best-effort by contract.
func (r *Retriever) Retrieve(ctx context.Context, q Query) Result {
	start := time.Now()
	res := Result{}

	text := strings.TrimSpace(q.Text)
	if text == "" || q.MaxResults <= 0 {
		res.LatencyMs = time.Since(start).Milliseconds()
		return res
	}

	filters := store.Filters{}
	if q.SessionScoped {
		filters.SessionID = q.SessionID
	}

	hits, err := r.store.Search(ctx, Domain, text, q.MaxResults*searchOverfetch, filters)
	if err != nil {
		log.Printf("[retrieval] search failed, returning empty context: %v", err)
		res.LatencyMs = time.Since(start).Milliseconds()
		return res
	}

	fragments := make([]Fragment, 0, len(hits))
	for _, hit := range hits {
		relevance := relevanceFromDistance(hit.Distance)
		if relevance < q.RelevanceThreshold {
			continue
		}
		fragments = append(fragments, Fragment{
			id:         hit.ID,
			Content:    hit.Content,
			Relevance:  relevance,
			Heat:       hit.Heat,
			Importance: hit.Meta.Importance,
			SessionID:  hit.Meta.SessionID,
			StartIndex: hit.Meta.StartIndex,
			EndIndex:   hit.Meta.EndIndex,
			CreatedAt:  hit.Meta.CreatedAt,
		})
	}

	sort.SliceStable(fragments, func(i, j int) bool {
		return rankScore(fragments[i]) > rankScore(fragments[j])
	})
	if len(fragments) > q.MaxResults {
		fragments = fragments[:q.MaxResults]
	}

	included, formatted, used := formatBudgeted(r.est, fragments, q.MaxTokens)
	for _, f := range included {
		if f.id == 0 {
			continue
		}
		if err := r.store.Touch(f.id); err != nil {
			log.Printf("[retrieval] touch summary warning: %v", err)
		}
	}

	res.Fragments = included
	res.FormattedText = formatted
	res.TokenCount = used
	res.LatencyMs = time.Since(start).Milliseconds()
	return res
}

// relevanceFromDistance maps a [0, 2]-bounded distance onto [0, 1].
func relevanceFromDistance(distance float64) float64 {
	relevance := 1 - distance/2
	if relevance < 0 {
		relevance = 0
	}
	if relevance > 1 {
		relevance = 1
	}
	return relevance
}

// rankScore biases semantic relevance by the store's heat and the
// summary's importance.
func rankScore(f Fragment) float64 {
	heat := f.Heat
	if heat <= 0 {
		heat = 0.01
	}
	importance := f.Importance
	if importance <= 0 {
		importance = 0.5
	}
	return f.Relevance * heat * importance
}

// formatBudgeted renders fragments one paragraph each, labeled with
// timestamp and original message range, stopping before any fragment
// would push the running total over maxTokens.
func formatBudgeted(est tokens.Estimator, fragments []Fragment, maxTokens int) ([]Fragment, string, int) {
	if len(fragments) == 0 || maxTokens <= 0 {
		return nil, "", 0
	}

	var sb strings.Builder
	included := make([]Fragment, 0, len(fragments))
	used := 0

	for _, f := range fragments {
		paragraph := formatFragment(f)
		cost := est.Estimate(paragraph)
		if used+cost > maxTokens {
			break
		}
		sb.WriteString(paragraph)
		sb.WriteString("\n\n")
		included = append(included, f)
		used += cost
	}

	return included, strings.TrimSpace(sb.String()), used
}

func formatFragment(f Fragment) string {
	label := "earlier"
	if !f.CreatedAt.IsZero() {
		label = f.CreatedAt.UTC().Format("2006-01-02 15:04 UTC")
	}
	return fmt.Sprintf("[%s, turns %d-%d] %s", label, f.StartIndex, f.EndIndex, f.Content)
}
