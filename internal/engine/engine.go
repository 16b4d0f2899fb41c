// Package engine wires the window, summarizer, retriever and store into
// one conversation whose assembled requests always fit a token budget.
package engine

import (
	"context"
	"fmt"
	"strings"

	"github.com/stellarlinkco/recall/internal/config"
	"github.com/stellarlinkco/recall/internal/llm"
	"github.com/stellarlinkco/recall/internal/retrieval"
	"github.com/stellarlinkco/recall/internal/session"
	"github.com/stellarlinkco/recall/internal/store"
	"github.com/stellarlinkco/recall/internal/summarize"
	"github.com/stellarlinkco/recall/internal/tokens"
)

// memoryHeader labels the injected context block so the model can tell
// recalled history from the live exchange.
const memoryHeader = "Relevant context from earlier in this conversation:"

// Message is one entry of an assembled request, in send order.
type Message struct {
	Role   string
	Text   string
	Tokens int
}

// Conversation binds one live session to the shared durable store. Turn
// processing is sequential; the embedded session serializes its own state.
type Conversation struct {
	cfg  *config.Config
	est  tokens.Estimator
	st   *store.Store
	sum  *summarize.Summarizer
	ret  *retrieval.Retriever
	sess *session.Session
}

// spanEvictor compresses evicted spans into the durable store. Summarize
// never fails, so the only error path is storage itself. The owning session
// id is fixed at construction: eviction can fire during session restore,
// before the Conversation points at the restored session.
type spanEvictor struct {
	c         *Conversation
	sessionID string
}

func (ev *spanEvictor) Evict(span []session.Turn, start int) error {
	c := ev.c
	ctx := context.Background()

	summary := c.sum.Summarize(ctx, span, 0)
	if summary.Text == "" {
		return fmt.Errorf("evict span at %d: empty summary", start)
	}

	content := summary.Text
	if points := c.sum.ExtractKeyPoints(ctx, span, c.cfg.Window.KeyPoints); len(points) > 0 {
		var sb strings.Builder
		sb.WriteString(content)
		sb.WriteString("\nKey points:")
		for _, p := range points {
			sb.WriteString("\n- ")
			sb.WriteString(p)
		}
		content = sb.String()
	}

	meta := store.Metadata{
		SessionID:      ev.sessionID,
		StartIndex:     start,
		EndIndex:       start + len(span) - 1,
		OriginalTokens: summary.OriginalTokens,
		SummaryTokens:  summary.SummaryTokens,
		CreatedAt:      summary.CreatedAt,
	}
	if err := c.st.Put(ctx, retrieval.Domain, content, meta); err != nil {
		return fmt.Errorf("store evicted span at %d: %w", start, err)
	}
	return nil
}

// New starts a fresh conversation. gen may be nil; summarization then runs
// extractive-only and the conversation still works.
func New(cfg *config.Config, gen llm.Generator, st *store.Store) *Conversation {
	return newWith(cfg, gen, st, tokens.Shared())
}

func newWith(cfg *config.Config, gen llm.Generator, st *store.Store, est tokens.Estimator) *Conversation {
	c := &Conversation{
		cfg: cfg,
		est: est,
		st:  st,
		sum: summarize.New(gen, est, cfg.Window.CompressionRatio),
		ret: retrieval.New(st, est),
	}
	ev := &spanEvictor{c: c}
	c.sess = session.New(cfg.Agent.Name, cfg.Window.Capacity, ev)
	ev.sessionID = c.sess.ID()
	return c
}

// Load replaces the live session with a persisted one. Overflow against
// the current capacity is evicted through the normal summarize-and-store
// path during restore.
func (c *Conversation) Load(id string) error {
	rec, err := c.st.LoadSession(id)
	if err != nil {
		return fmt.Errorf("load conversation: %w", err)
	}
	c.sess = session.Restore(rec, c.cfg.Window.Capacity, &spanEvictor{c: c, sessionID: rec.ID})
	return nil
}

func (c *Conversation) ID() string { return c.sess.ID() }

// AddUserMessage appends a user turn with an estimated token count.
func (c *Conversation) AddUserMessage(text string) session.Turn {
	return c.sess.AddUser(text, c.est.Estimate(text))
}

// AddAssistantMessage appends an assistant turn.
func (c *Conversation) AddAssistantMessage(text string) session.Turn {
	return c.sess.AddAssistant(text, c.est.Estimate(text))
}

// BuildRequest assembles the next request within maxTokens. The most
// recent user turn is always included, even when it alone exceeds the
// budget; remaining turns fill the budget newest first and the result is
// returned in chronological order. When injectMemory is set, a slice of
// the budget goes to retrieved summaries, injected as a leading system
// message. Retrieval failures degrade to a request without memory.
func (c *Conversation) BuildRequest(ctx context.Context, maxTokens int, injectMemory bool) []Message {
	turns := c.sess.Turns()
	lastUser := -1
	for i := len(turns) - 1; i >= 0; i-- {
		if turns[i].Role == session.RoleUser {
			lastUser = i
			break
		}
	}

	used := 0
	var memory *Message
	if injectMemory && maxTokens > 0 && lastUser >= 0 {
		memBudget := int(float64(maxTokens) * c.cfg.Retrieval.MemoryBudgetFraction)
		res := c.ret.Retrieve(ctx, retrieval.Query{
			Text:               turns[lastUser].Text,
			SessionID:          c.sess.ID(),
			MaxResults:         c.cfg.Retrieval.MaxResults,
			RelevanceThreshold: c.cfg.Retrieval.RelevanceThreshold,
			MaxTokens:          memBudget,
			SessionScoped:      c.cfg.Retrieval.SessionScoped,
		})
		if res.FormattedText != "" {
			text := memoryHeader + "\n\n" + res.FormattedText
			memory = &Message{Role: session.RoleSystem, Text: text, Tokens: c.est.Estimate(text)}
			used += memory.Tokens
		}
	}

	included := make([]bool, len(turns))
	if lastUser >= 0 {
		included[lastUser] = true
		used += turnTokens(c.est, turns[lastUser])
	}

	// Fill the remaining budget from the newest turn backward, stopping at
	// the first turn that does not fit so the request stays contiguous.
	for i := len(turns) - 1; i >= 0; i-- {
		if i == lastUser {
			continue
		}
		cost := turnTokens(c.est, turns[i])
		if maxTokens <= 0 || used+cost > maxTokens {
			break
		}
		included[i] = true
		used += cost
	}

	msgs := make([]Message, 0, len(turns)+1)
	if memory != nil {
		msgs = append(msgs, *memory)
	}
	for i, t := range turns {
		if !included[i] {
			continue
		}
		msgs = append(msgs, Message{Role: t.Role, Text: t.Text, Tokens: turnTokens(c.est, t)})
	}
	return msgs
}

// UsageReport measures the resident window against the configured model's
// context ceiling. Read-only and repeatable.
func (c *Conversation) UsageReport(systemText string) tokens.UsageReport {
	turns := c.sess.Turns()
	history := make([]string, len(turns))
	for i, t := range turns {
		history[i] = t.Text
	}
	return tokens.Report(c.est, systemText, history, c.cfg.Agent.Model)
}

// Save persists the session record under its id.
func (c *Conversation) Save() error {
	if err := c.st.SaveSession(c.sess.Snapshot()); err != nil {
		return fmt.Errorf("save conversation: %w", err)
	}
	return nil
}

// Clear empties the live window; cumulative counters survive.
func (c *Conversation) Clear() { c.sess.Clear() }

func (c *Conversation) CorrectLastUserTokens(actual int) bool {
	return c.sess.CorrectLastUserTokens(actual)
}

func (c *Conversation) AddCost(v float64) { c.sess.AddCost(v) }
func (c *Conversation) RecordError()      { c.sess.RecordError() }

func (c *Conversation) Stats() session.Stats { return c.sess.Stats() }

func turnTokens(est tokens.Estimator, t session.Turn) int {
	if t.Tokens > 0 {
		return t.Tokens
	}
	return est.Estimate(t.Text)
}
