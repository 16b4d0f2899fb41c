package store

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/stellarlinkco/recall/internal/session"
)

func openTestStore(t *testing.T) *Store {
	t.Helper()
	st, err := Open(filepath.Join(t.TempDir(), "test.db"))
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { st.Close() })
	return st
}

func TestPutAndSearchFTS(t *testing.T) {
	st := openTestStore(t)
	ctx := context.Background()

	meta := Metadata{
		SessionID:      "sess-1",
		StartIndex:     0,
		EndIndex:       3,
		OriginalTokens: 200,
		SummaryTokens:  60,
		Importance:     0.8,
	}
	if err := st.Put(ctx, "conversation_summary", "the user deployed the billing service to production", meta); err != nil {
		t.Fatalf("put: %v", err)
	}
	if err := st.Put(ctx, "conversation_summary", "a discussion about gardening and tomato plants", Metadata{SessionID: "sess-1"}); err != nil {
		t.Fatalf("put: %v", err)
	}

	hits, err := st.Search(ctx, "conversation_summary", "billing service deployment", 10, Filters{})
	if err != nil {
		t.Fatalf("search: %v", err)
	}
	if len(hits) == 0 {
		t.Fatal("no hits for matching query")
	}
	top := hits[0]
	if top.Meta.SessionID != "sess-1" || top.Meta.EndIndex != 3 {
		t.Errorf("hit metadata = %+v", top.Meta)
	}
	if top.Distance < 0 || top.Distance > 2 {
		t.Errorf("distance = %f, want within [0, 2]", top.Distance)
	}
	if top.Heat <= 0 || top.Heat > 1 {
		t.Errorf("heat = %f, want within (0, 1]", top.Heat)
	}
}

func TestSearchSessionFilter(t *testing.T) {
	st := openTestStore(t)
	ctx := context.Background()

	if err := st.Put(ctx, "d", "shared topic alpha", Metadata{SessionID: "a"}); err != nil {
		t.Fatal(err)
	}
	if err := st.Put(ctx, "d", "shared topic alpha again", Metadata{SessionID: "b"}); err != nil {
		t.Fatal(err)
	}

	hits, err := st.Search(ctx, "d", "shared topic alpha", 10, Filters{SessionID: "a"})
	if err != nil {
		t.Fatalf("search: %v", err)
	}
	for _, h := range hits {
		if h.Meta.SessionID != "a" {
			t.Errorf("hit leaked from session %s", h.Meta.SessionID)
		}
	}
	if len(hits) != 1 {
		t.Errorf("filtered hits = %d, want 1", len(hits))
	}
}

func TestSearchDomainIsolation(t *testing.T) {
	st := openTestStore(t)
	ctx := context.Background()

	if err := st.Put(ctx, "other_domain", "unique zanzibar keyword", Metadata{}); err != nil {
		t.Fatal(err)
	}
	hits, err := st.Search(ctx, "conversation_summary", "zanzibar", 10, Filters{})
	if err != nil {
		t.Fatalf("search: %v", err)
	}
	if len(hits) != 0 {
		t.Errorf("cross-domain hits = %d, want 0", len(hits))
	}
}

func TestPutRejectsEmptyContent(t *testing.T) {
	st := openTestStore(t)
	if err := st.Put(context.Background(), "d", "   ", Metadata{}); err == nil {
		t.Error("empty content stored without error")
	}
}

func TestPutClampsImportance(t *testing.T) {
	st := openTestStore(t)
	ctx := context.Background()
	if err := st.Put(ctx, "d", "importance clamp probe", Metadata{Importance: 9}); err != nil {
		t.Fatal(err)
	}
	hits, err := st.Search(ctx, "d", "importance clamp probe", 1, Filters{})
	if err != nil || len(hits) != 1 {
		t.Fatalf("search: %v, hits=%d", err, len(hits))
	}
	if hits[0].Meta.Importance != 1 {
		t.Errorf("importance = %f, want clamped to 1", hits[0].Meta.Importance)
	}
}

func TestTouchBumpsAccess(t *testing.T) {
	st := openTestStore(t)
	ctx := context.Background()
	if err := st.Put(ctx, "d", "touch probe content", Metadata{}); err != nil {
		t.Fatal(err)
	}
	hits, err := st.Search(ctx, "d", "touch probe", 1, Filters{})
	if err != nil || len(hits) != 1 {
		t.Fatalf("search: %v, hits=%d", err, len(hits))
	}
	if err := st.Touch(hits[0].ID); err != nil {
		t.Fatalf("touch: %v", err)
	}

	var count int
	if err := st.db.QueryRow(`SELECT access_count FROM summaries WHERE id = ?`, hits[0].ID).Scan(&count); err != nil {
		t.Fatal(err)
	}
	if count != 1 {
		t.Errorf("access count = %d, want 1", count)
	}
}

func TestHeat(t *testing.T) {
	now := time.Now().UTC()

	fresh := Heat(0, now.Format(time.RFC3339), now)
	if fresh < 0.99 || fresh > 1 {
		t.Errorf("fresh heat = %f, want about 1", fresh)
	}

	old := Heat(0, now.AddDate(0, -6, 0).Format(time.RFC3339), now)
	if old >= fresh {
		t.Errorf("old heat %f not below fresh %f", old, fresh)
	}

	boosted := Heat(10, now.AddDate(0, -6, 0).Format(time.RFC3339), now)
	if boosted <= old {
		t.Errorf("access boost did not raise heat: %f vs %f", boosted, old)
	}
	if boosted-old > heatAccessBoostCap+1e-9 {
		t.Errorf("boost %f exceeds cap %f", boosted-old, heatAccessBoostCap)
	}

	if h := Heat(100, now.Format(time.RFC3339), now); h > 1 {
		t.Errorf("heat = %f, want clamped to 1", h)
	}
	if h := Heat(0, "not a timestamp", now); h < 0 || h > 1 {
		t.Errorf("unparseable timestamp heat = %f, want within [0, 1]", h)
	}
}

func TestArchiveDecayed(t *testing.T) {
	st := openTestStore(t)
	ctx := context.Background()

	if err := st.Put(ctx, "d", "stale summary about old topic", Metadata{}); err != nil {
		t.Fatal(err)
	}
	if err := st.Put(ctx, "d", "fresh summary about new topic", Metadata{}); err != nil {
		t.Fatal(err)
	}

	// Age the first row far enough that its heat falls below any floor.
	ancient := time.Now().UTC().AddDate(-1, 0, 0).Format(time.RFC3339)
	if _, err := st.db.Exec(`UPDATE summaries SET last_accessed = ? WHERE content LIKE 'stale%'`, ancient); err != nil {
		t.Fatal(err)
	}

	archived, err := st.ArchiveDecayed(0.05)
	if err != nil {
		t.Fatalf("archive decayed: %v", err)
	}
	if archived != 1 {
		t.Errorf("archived = %d, want 1", archived)
	}

	n, err := st.CountSummaries("d")
	if err != nil {
		t.Fatal(err)
	}
	if n != 1 {
		t.Errorf("active summaries = %d, want 1", n)
	}

	// Archived rows no longer surface in search.
	hits, err := st.Search(ctx, "d", "stale old topic", 10, Filters{})
	if err != nil {
		t.Fatal(err)
	}
	for _, h := range hits {
		if h.Content == "stale summary about old topic" {
			t.Error("archived summary still returned by search")
		}
	}
}

func TestSessionRoundTrip(t *testing.T) {
	st := openTestStore(t)

	rec := session.Record{
		ID:        "sess-42",
		Agent:     "recall",
		StartedAt: time.Now().UTC().Truncate(time.Second),
		Turns: []session.Turn{
			{Role: session.RoleUser, Text: "hello", Tokens: 2, CreatedAt: time.Now().UTC().Truncate(time.Second)},
			{Role: session.RoleAssistant, Text: "hi there", Tokens: 3, CreatedAt: time.Now().UTC().Truncate(time.Second)},
		},
		EvictedTurns: 7,
		InputTokens:  2,
		OutputTokens: 3,
		Cost:         0.001,
		ErrorCount:   1,
	}
	if err := st.SaveSession(rec); err != nil {
		t.Fatalf("save session: %v", err)
	}

	got, err := st.LoadSession("sess-42")
	if err != nil {
		t.Fatalf("load session: %v", err)
	}
	if got.ID != rec.ID || got.Agent != rec.Agent {
		t.Errorf("identity mismatch: %+v", got)
	}
	if len(got.Turns) != 2 || got.Turns[0].Text != "hello" || got.Turns[1].Role != session.RoleAssistant {
		t.Errorf("turns mismatch: %+v", got.Turns)
	}
	if got.EvictedTurns != 7 {
		t.Errorf("evicted turns = %d, want 7", got.EvictedTurns)
	}
	if got.InputTokens != 2 || got.OutputTokens != 3 || got.Cost != 0.001 || got.ErrorCount != 1 {
		t.Errorf("counters mismatch: %+v", got)
	}
}

func TestSaveSessionUpserts(t *testing.T) {
	st := openTestStore(t)

	rec := session.Record{ID: "s", StartedAt: time.Now().UTC(), Turns: []session.Turn{{Role: "user", Text: "v1"}}}
	if err := st.SaveSession(rec); err != nil {
		t.Fatal(err)
	}
	rec.Turns = append(rec.Turns, session.Turn{Role: "assistant", Text: "v2"})
	if err := st.SaveSession(rec); err != nil {
		t.Fatal(err)
	}

	got, err := st.LoadSession("s")
	if err != nil {
		t.Fatal(err)
	}
	if len(got.Turns) != 2 {
		t.Errorf("turns after upsert = %d, want 2", len(got.Turns))
	}

	infos, err := st.ListSessions(10)
	if err != nil {
		t.Fatal(err)
	}
	if len(infos) != 1 {
		t.Errorf("sessions listed = %d, want 1", len(infos))
	}
	if infos[0].Messages != 2 {
		t.Errorf("listed messages = %d, want 2", infos[0].Messages)
	}
}

func TestLoadSessionMissing(t *testing.T) {
	st := openTestStore(t)
	if _, err := st.LoadSession("nope"); err == nil {
		t.Error("missing session loaded without error")
	}
}

func TestSnapshot(t *testing.T) {
	st := openTestStore(t)
	ctx := context.Background()

	if err := st.Put(ctx, "d", "one summary", Metadata{}); err != nil {
		t.Fatal(err)
	}
	if err := st.SaveSession(session.Record{ID: "s", StartedAt: time.Now().UTC()}); err != nil {
		t.Fatal(err)
	}

	snap, err := st.Snapshot()
	if err != nil {
		t.Fatalf("snapshot: %v", err)
	}
	if snap.SummariesActive != 1 || snap.SummariesArchived != 0 || snap.Sessions != 1 {
		t.Errorf("snapshot = %+v", snap)
	}
}

func TestBuildMatchQuery(t *testing.T) {
	cases := []struct {
		in   string
		want string
	}{
		{"deploy the billing service", `"deploy" OR "the" OR "billing" OR "service"`},
		{"Deploy DEPLOY deploy", `"deploy"`},
		{"!!! ???", ""},
	}
	for _, tc := range cases {
		if got := buildMatchQuery(tc.in); got != tc.want {
			t.Errorf("buildMatchQuery(%q) = %q, want %q", tc.in, got, tc.want)
		}
	}
}

func TestNormalizeScores(t *testing.T) {
	out := normalizeScores([]float64{-10, -5, 0})
	if out[0] != 1 || out[2] != 0 {
		t.Errorf("normalized = %v, want best 1 and worst 0", out)
	}

	equal := normalizeScores([]float64{-3, -3})
	if equal[0] != 1 || equal[1] != 1 {
		t.Errorf("all-equal normalized = %v, want all 1", equal)
	}

	if normalizeScores(nil) != nil {
		t.Error("nil input should normalize to nil")
	}
}
