package session

import (
	"errors"
	"testing"
	"time"

	"github.com/comalice/energyflow/internal/energy"
	"github.com/comalice/energyflow/internal/primitives"
)

func startSession(t *testing.T, s *State) {
	t.Helper()
	_, err := s.ApplyCommand(primitives.Command{
		Type:      primitives.CmdSessionStart,
		SessionID: "sess-1",
		Tier:      primitives.TierMid,
	}, time.Unix(1700000000, 0))
	if err != nil {
		t.Fatalf("session start failed: %v", err)
	}
}

func token(src primitives.SourceID, at time.Time) primitives.TokenMetric {
	return primitives.TokenMetric{Source: src, EmittedAt: at, Length: 3}
}

func comp(value float64) energy.Components {
	return energy.Components{Value: value, Class: primitives.ClassNormal}
}

func TestPhaseLifecycle(t *testing.T) {
	s := New(16)
	at := time.Unix(1700000000, 0)

	if s.Phase() != PhaseIdle {
		t.Fatalf("fresh state phase %s, want idle", s.Phase())
	}

	startSession(t, s)
	if s.Phase() != PhaseCharging {
		t.Fatalf("after start phase %s, want charging", s.Phase())
	}
	if s.SessionID() != "sess-1" || s.Tier() != primitives.TierMid {
		t.Fatalf("session identity not folded: %q %q", s.SessionID(), s.Tier())
	}

	entries, err := s.ApplyToken(token("a", at), comp(1.5))
	if err != nil {
		t.Fatal(err)
	}
	if len(entries) != 2 || entries[0].Kind != EntryPhase || entries[1].Kind != EntryToken {
		t.Fatalf("first token entries = %+v, want phase then token", entries)
	}
	if s.Phase() != PhaseFlowing {
		t.Fatalf("after first token phase %s, want flowing", s.Phase())
	}

	if _, err := s.ApplyCommand(primitives.Command{Type: primitives.CmdGenerationComplete, Source: "a"}, at); err != nil {
		t.Fatal(err)
	}
	if s.Phase() != PhaseDraining {
		t.Fatalf("after complete phase %s, want draining", s.Phase())
	}

	// Tokens are rejected once draining.
	if _, err := s.ApplyToken(token("a", at), comp(1)); err == nil {
		t.Fatal("expected phase error for token while draining")
	}
	var pe *ErrPhase
	_, err = s.ApplyToken(token("a", at), comp(1))
	if !errors.As(err, &pe) {
		t.Fatalf("error %v, want *ErrPhase", err)
	}

	if _, err := s.ApplyCommand(primitives.Command{Type: primitives.CmdSessionStop}, at); err != nil {
		t.Fatal(err)
	}
	if s.Phase() != PhaseIdle {
		t.Fatalf("after stop phase %s, want idle", s.Phase())
	}
}

func TestStopFromFlowingPassesThroughDraining(t *testing.T) {
	s := New(16)
	at := time.Unix(1700000000, 0)
	startSession(t, s)
	if _, err := s.ApplyToken(token("a", at), comp(1)); err != nil {
		t.Fatal(err)
	}

	entries, err := s.ApplyCommand(primitives.Command{Type: primitives.CmdSessionStop}, at)
	if err != nil {
		t.Fatal(err)
	}
	if len(entries) != 1 || entries[0].To != PhaseDraining {
		t.Fatalf("first stop = %+v, want transition to draining", entries)
	}

	entries, err = s.ApplyCommand(primitives.Command{Type: primitives.CmdSessionStop}, at)
	if err != nil {
		t.Fatal(err)
	}
	if len(entries) != 1 || entries[0].To != PhaseIdle {
		t.Fatalf("second stop = %+v, want transition to idle", entries)
	}
}

func TestApplyTokenAccumulates(t *testing.T) {
	s := New(16)
	at := time.Unix(1700000000, 0)
	startSession(t, s)

	values := []float64{1.2, 0.8, 2.0}
	var want float64
	for i, v := range values {
		if _, err := s.ApplyToken(token("a", at.Add(time.Duration(i)*time.Millisecond)), comp(v)); err != nil {
			t.Fatal(err)
		}
		want += v
		if s.TotalEnergy() < want-1e-9 {
			t.Fatalf("total energy %v not monotone toward %v", s.TotalEnergy(), want)
		}
	}

	view := s.View()
	if view.Ledger["a"].TokenCount != 3 {
		t.Errorf("ledger count = %d, want 3", view.Ledger["a"].TokenCount)
	}
	// start + charging->flowing + 3 tokens = 5 frames
	if view.FrameCounter != 5 {
		t.Errorf("frame counter = %d, want 5", view.FrameCounter)
	}
}

func TestSessionStartResetsAccumulator(t *testing.T) {
	s := New(16)
	at := time.Unix(1700000000, 0)
	startSession(t, s)
	if _, err := s.ApplyToken(token("a", at), comp(2.5)); err != nil {
		t.Fatal(err)
	}
	if _, err := s.ApplyPattern("resonance", 0.7, []string{"a", "b", "c"}, at); err != nil {
		t.Fatal(err)
	}
	for i := 0; i < 2; i++ {
		if _, err := s.ApplyCommand(primitives.Command{Type: primitives.CmdSessionStop}, at); err != nil {
			t.Fatal(err)
		}
	}

	// A new session on the same state accrues from zero.
	_, err := s.ApplyCommand(primitives.Command{
		Type: primitives.CmdSessionStart, SessionID: "sess-2", Tier: primitives.TierHigh,
	}, at.Add(time.Second))
	if err != nil {
		t.Fatal(err)
	}

	if s.SessionID() != "sess-2" || s.Tier() != primitives.TierHigh {
		t.Fatalf("session identity not folded: %q %q", s.SessionID(), s.Tier())
	}
	if s.TotalEnergy() != 0 {
		t.Errorf("total energy %v carried over", s.TotalEnergy())
	}
	if s.FrameCounter() != 1 {
		t.Errorf("frame counter = %d, want 1 after start fold", s.FrameCounter())
	}
	view := s.View()
	if len(view.Ledger) != 0 {
		t.Errorf("ledger carried over: %+v", view.Ledger)
	}
	if !view.LastResonance.IsZero() {
		t.Error("resonance marker carried over")
	}
	if got := s.Window(time.Time{}); len(got) != 0 {
		t.Errorf("recent window carried %d events over", len(got))
	}
}

func TestReplayIdempotence(t *testing.T) {
	// Record a live run's entries, then replay them twice from the same
	// starting point: identical resulting state both times.
	live := New(16)
	at := time.Unix(1700000000, 0)
	var journal []LogEntry

	record := func(entries []LogEntry, err error) {
		t.Helper()
		if err != nil {
			t.Fatal(err)
		}
		journal = append(journal, entries...)
	}

	record(live.ApplyCommand(primitives.Command{Type: primitives.CmdSessionStart, SessionID: "sess-1"}, at))
	record(live.ApplyToken(token("a", at.Add(10*time.Millisecond)), comp(1.1)))
	record(live.ApplyToken(token("b", at.Add(12*time.Millisecond)), comp(0.9)))
	p, err := live.ApplyPattern("interference", 0.8, []string{"a", "b"}, at.Add(13*time.Millisecond))
	if err != nil {
		t.Fatal(err)
	}
	journal = append(journal, p)
	record(live.ApplyCommand(primitives.Command{Type: primitives.CmdGenerationComplete, Source: "a"}, at.Add(20*time.Millisecond)))

	replayOnce := func() *State {
		r := New(16)
		for i, e := range journal {
			e.ID = int64(i + 1)
			if err := r.ApplyEntry(e); err != nil {
				t.Fatalf("replay entry %d: %v", i, err)
			}
		}
		return r
	}

	r1, r2 := replayOnce(), replayOnce()
	for _, r := range []*State{r1, r2} {
		if r.TotalEnergy() != live.TotalEnergy() {
			t.Errorf("replay total %v, want %v", r.TotalEnergy(), live.TotalEnergy())
		}
		if r.FrameCounter() != live.FrameCounter() {
			t.Errorf("replay frames %d, want %d", r.FrameCounter(), live.FrameCounter())
		}
		if r.Phase() != live.Phase() {
			t.Errorf("replay phase %s, want %s", r.Phase(), live.Phase())
		}
	}
	if r1.View().Ledger["a"] != r2.View().Ledger["a"] {
		t.Errorf("double replay ledgers diverge: %+v vs %+v", r1.View().Ledger["a"], r2.View().Ledger["a"])
	}
}

func TestMementoRoundTrip(t *testing.T) {
	s := New(16)
	at := time.Unix(1700000000, 0)
	startSession(t, s)
	if _, err := s.ApplyToken(token("a", at), comp(1.5)); err != nil {
		t.Fatal(err)
	}
	if _, err := s.ApplyPattern("resonance", 0.7, []string{"a", "b", "c"}, at); err != nil {
		t.Fatal(err)
	}

	restored := FromMemento(s.Memento(), 16)
	if restored.TotalEnergy() != s.TotalEnergy() ||
		restored.FrameCounter() != s.FrameCounter() ||
		restored.Phase() != s.Phase() ||
		restored.SessionID() != s.SessionID() {
		t.Fatalf("restored state diverged: %+v vs %+v", restored.View(), s.View())
	}
	if restored.View().LastResonance != s.View().LastResonance {
		t.Errorf("resonance marker lost across memento")
	}
	// The ring is intentionally not captured.
	if got := restored.Window(time.Time{}); len(got) != 0 {
		t.Errorf("restored ring has %d events, want 0", len(got))
	}
}

func TestRingWindow(t *testing.T) {
	r := newRing(4)
	base := time.Unix(1700000000, 0)
	for i := 0; i < 6; i++ {
		r.push(EnergyEvent{Source: "s", Energy: 1, At: base.Add(time.Duration(i) * time.Second)})
	}
	if r.len() != 4 {
		t.Fatalf("ring len %d, want 4 after overwrite", r.len())
	}
	got := r.window(base.Add(3 * time.Second))
	if len(got) != 3 {
		t.Fatalf("window returned %d events, want 3", len(got))
	}
	for i := 1; i < len(got); i++ {
		if got[i].At.Before(got[i-1].At) {
			t.Fatal("window not in chronological order")
		}
	}
}
