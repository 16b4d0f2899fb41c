package session

import (
	"errors"
	"fmt"
	"testing"
)

// recordingEvictor captures every evicted span for assertions.
type recordingEvictor struct {
	spans  [][]Turn
	starts []int
	err    error
}

func (e *recordingEvictor) Evict(span []Turn, start int) error {
	copied := make([]Turn, len(span))
	copy(copied, span)
	e.spans = append(e.spans, copied)
	e.starts = append(e.starts, start)
	return e.err
}

func TestWindowNeverExceedsCapacity(t *testing.T) {
	ev := &recordingEvictor{}
	s := New("test", 5, ev)

	for i := 0; i < 14; i++ {
		if i%2 == 0 {
			s.AddUser(fmt.Sprintf("user message %d", i), 3)
		} else {
			s.AddAssistant(fmt.Sprintf("assistant message %d", i), 4)
		}
		if n := len(s.Turns()); n > 5 {
			t.Fatalf("window grew to %d after turn %d, capacity 5", n, i)
		}
	}

	if n := len(s.Turns()); n != 5 {
		t.Errorf("final window size = %d, want 5", n)
	}
	st := s.Stats()
	if st.Evictions != 9 {
		t.Errorf("evictions = %d, want 9", st.Evictions)
	}
	if len(ev.spans) != 9 {
		t.Fatalf("evictor saw %d spans, want 9", len(ev.spans))
	}
	for i, span := range ev.spans {
		if len(span) != 1 {
			t.Errorf("span %d has %d turns, want 1", i, len(span))
		}
		if ev.starts[i] != i {
			t.Errorf("span %d start = %d, want %d", i, ev.starts[i], i)
		}
	}
}

func TestEvictionIsOldestFirst(t *testing.T) {
	ev := &recordingEvictor{}
	s := New("test", 3, ev)

	for i := 0; i < 5; i++ {
		s.AddUser(fmt.Sprintf("m%d", i), 1)
	}

	if got := ev.spans[0][0].Text; got != "m0" {
		t.Errorf("first evicted turn = %q, want m0", got)
	}
	if got := ev.spans[1][0].Text; got != "m1" {
		t.Errorf("second evicted turn = %q, want m1", got)
	}
	turns := s.Turns()
	if turns[0].Text != "m2" || turns[len(turns)-1].Text != "m4" {
		t.Errorf("resident window = %v, want m2..m4", turns)
	}
}

func TestEvictorErrorStillRemovesSpan(t *testing.T) {
	ev := &recordingEvictor{err: errors.New("store down")}
	s := New("test", 2, ev)

	s.AddUser("a", 1)
	s.AddUser("b", 1)
	s.AddUser("c", 1)

	if n := len(s.Turns()); n != 2 {
		t.Errorf("window size = %d after failed eviction, want 2", n)
	}
	if s.Stats().Evictions != 1 {
		t.Errorf("evictions = %d, want 1", s.Stats().Evictions)
	}
}

func TestTokenCounters(t *testing.T) {
	s := New("test", 10, nil)
	s.AddUser("hi", 7)
	s.AddAssistant("hello", 11)
	s.AddSystem("context", 5)

	st := s.Stats()
	if st.InputTokens != 12 {
		t.Errorf("input tokens = %d, want 12", st.InputTokens)
	}
	if st.OutputTokens != 11 {
		t.Errorf("output tokens = %d, want 11", st.OutputTokens)
	}
}

func TestCountersSurviveEvictionAndClear(t *testing.T) {
	s := New("test", 2, nil)
	for i := 0; i < 6; i++ {
		s.AddUser("msg", 10)
	}
	s.AddCost(0.05)
	s.RecordError()

	before := s.Stats()
	if before.InputTokens != 60 {
		t.Fatalf("input tokens = %d, want 60", before.InputTokens)
	}

	s.Clear()
	after := s.Stats()
	if after.MessageCount != 0 {
		t.Errorf("message count after clear = %d, want 0", after.MessageCount)
	}
	if after.InputTokens != before.InputTokens ||
		after.Cost != before.Cost ||
		after.ErrorCount != before.ErrorCount ||
		after.Evictions != before.Evictions {
		t.Errorf("counters changed across clear: before %+v after %+v", before, after)
	}
	if after.SessionID != before.SessionID {
		t.Errorf("session id changed across clear")
	}
}

func TestCorrectLastUserTokens(t *testing.T) {
	s := New("test", 10, nil)
	s.AddUser("question", 10)
	s.AddAssistant("answer", 20)

	if !s.CorrectLastUserTokens(25) {
		t.Fatal("correction reported no user turn")
	}
	st := s.Stats()
	if st.InputTokens != 25 {
		t.Errorf("input tokens = %d after correction, want 25", st.InputTokens)
	}

	turn, _, ok := s.LastUser()
	if !ok || turn.Tokens != 25 {
		t.Errorf("last user turn tokens = %d, want 25", turn.Tokens)
	}
}

func TestCorrectLastUserTokensClampsAtZero(t *testing.T) {
	s := New("test", 10, nil)
	s.AddUser("q", 3)

	if !s.CorrectLastUserTokens(0) {
		t.Fatal("correction reported no user turn")
	}
	if st := s.Stats(); st.InputTokens != 0 {
		t.Errorf("input tokens = %d, want 0", st.InputTokens)
	}
}

func TestCorrectLastUserTokensNoUserTurn(t *testing.T) {
	s := New("test", 10, nil)
	s.AddAssistant("unprompted", 5)
	if s.CorrectLastUserTokens(9) {
		t.Error("correction succeeded with no user turn resident")
	}
	if s.CorrectLastUserTokens(-1) {
		t.Error("negative correction accepted")
	}
}

func TestSnapshotRestoreRoundTrip(t *testing.T) {
	s := New("agent-a", 10, nil)
	s.AddUser("one", 1)
	s.AddAssistant("two", 2)
	s.AddCost(0.01)
	s.RecordError()

	rec := s.Snapshot()
	restored := Restore(rec, 10, nil)

	if restored.ID() != s.ID() {
		t.Errorf("restored id = %s, want %s", restored.ID(), s.ID())
	}
	if restored.Agent() != "agent-a" {
		t.Errorf("restored agent = %s", restored.Agent())
	}
	got, want := restored.Stats(), s.Stats()
	if got.InputTokens != want.InputTokens || got.OutputTokens != want.OutputTokens ||
		got.Cost != want.Cost || got.ErrorCount != want.ErrorCount ||
		got.MessageCount != want.MessageCount {
		t.Errorf("restored stats %+v, want %+v", got, want)
	}
}

func TestEvictionIndicesContinueAcrossRestore(t *testing.T) {
	s := New("test", 2, &recordingEvictor{})
	for i := 0; i < 4; i++ {
		s.AddUser(fmt.Sprintf("m%d", i), 1)
	}

	rec := s.Snapshot()
	if rec.EvictedTurns != 2 {
		t.Fatalf("snapshot evicted turns = %d, want 2", rec.EvictedTurns)
	}

	ev := &recordingEvictor{}
	restored := Restore(rec, 2, ev)
	restored.AddUser("m4", 1)

	if len(ev.spans) != 1 {
		t.Fatalf("evictor saw %d spans, want 1", len(ev.spans))
	}
	if ev.starts[0] != 2 {
		t.Errorf("post-restore span start = %d, want 2", ev.starts[0])
	}
	if ev.spans[0][0].Text != "m2" {
		t.Errorf("post-restore evicted turn = %q, want m2", ev.spans[0][0].Text)
	}
}

func TestRestoreEvictsOverflowAsOneSpan(t *testing.T) {
	s := New("test", 10, nil)
	for i := 0; i < 8; i++ {
		s.AddUser(fmt.Sprintf("m%d", i), 1)
	}
	rec := s.Snapshot()

	ev := &recordingEvictor{}
	restored := Restore(rec, 3, ev)

	if n := len(restored.Turns()); n != 3 {
		t.Errorf("restored window size = %d, want 3", n)
	}
	if len(ev.spans) != 1 {
		t.Fatalf("evictor saw %d spans, want 1", len(ev.spans))
	}
	if len(ev.spans[0]) != 5 {
		t.Errorf("overflow span has %d turns, want 5", len(ev.spans[0]))
	}
	if ev.starts[0] != 0 {
		t.Errorf("overflow span start = %d, want 0", ev.starts[0])
	}
	if restored.Turns()[0].Text != "m5" {
		t.Errorf("oldest resident turn = %q, want m5", restored.Turns()[0].Text)
	}
}
