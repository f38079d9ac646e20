package energyflow

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/comalice/energyflow/internal/emit"
	"github.com/comalice/energyflow/internal/primitives"
	"github.com/comalice/energyflow/internal/session"
)

func testConfig(t *testing.T) Config {
	t.Helper()
	cfg := DefaultConfig()
	cfg.DataDir = t.TempDir()
	cfg.Writer.FlushEvery = 5 * time.Millisecond
	return cfg
}

func TestConfigValidate(t *testing.T) {
	cfg := DefaultConfig()
	require.NoError(t, cfg.Validate())

	cases := []struct {
		name   string
		mutate func(*Config)
	}{
		{"zero interval", func(c *Config) { c.CycleInterval = 0 }},
		{"batch above capacity", func(c *Config) { c.IngressCapacity = c.MaxBatchPerCycle - 1 }},
		{"ceiling at one", func(c *Config) { c.OverrunRateCeiling = 1 }},
		{"tiny overrun window", func(c *Config) { c.OverrunWindow = 5 }},
		{"missing data dir", func(c *Config) { c.DataDir = "" }},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			bad := DefaultConfig()
			tc.mutate(&bad)
			assert.Error(t, bad.Validate())
		})
	}
}

func TestApplyTier(t *testing.T) {
	cfg := DefaultConfig()
	cfg.ApplyTier(primitives.TierLow)
	assert.Equal(t, 33333*time.Microsecond, cfg.CycleInterval)
	assert.Equal(t, 64, cfg.MaxBatchPerCycle)

	cfg.ApplyTier(primitives.TierHigh)
	assert.Equal(t, 8333*time.Microsecond, cfg.CycleInterval)
	assert.Equal(t, 256, cfg.MaxBatchPerCycle)
}

func TestIngressDropOldest(t *testing.T) {
	q := newIngress(4)
	base := time.Now()
	for i := 0; i < 6; i++ {
		q.push(input{token: primitives.NewTokenMetric(primitives.SourceID(rune('a'+i)), base, i)})
	}

	got := q.drain(10)
	require.Len(t, got, 4)
	// The two oldest were shed.
	assert.Equal(t, 2, got[0].token.Length)
	assert.Equal(t, 5, got[3].token.Length)
	assert.Equal(t, uint64(2), q.droppedCount())
	assert.Equal(t, 0, q.pending())
}

func TestIngressRequeueRunsNext(t *testing.T) {
	q := newIngress(4)
	base := time.Now()
	q.push(input{token: primitives.NewTokenMetric("a", base, 1)})
	q.push(input{token: primitives.NewTokenMetric("b", base, 2)})

	batch := q.drain(1)
	require.Len(t, batch, 1)
	retry := batch[0]
	retry.retries++
	q.requeue(retry)

	batch = q.drain(2)
	require.Len(t, batch, 2)
	assert.Equal(t, primitives.SourceID("a"), batch[0].token.Source)
	assert.Equal(t, 1, batch[0].retries)
	assert.Equal(t, primitives.SourceID("b"), batch[1].token.Source)
}

// newTestPipeline builds a pipeline whose cycles the test drives directly.
func newTestPipeline(t *testing.T, cfg Config, opts ...Option) *Pipeline {
	t.Helper()
	p, err := New(cfg, opts...)
	require.NoError(t, err)
	p.runCtx, p.cancel = context.WithCancel(context.Background())
	return p
}

func collectEvents(ch <-chan emit.Event) []emit.Event {
	var out []emit.Event
	for ev := range ch {
		out = append(out, ev)
	}
	return out
}

func TestPipelineSessionLifecycle(t *testing.T) {
	cfg := testConfig(t)
	p := newTestPipeline(t, cfg)

	now := time.Unix(1700000000, 0)
	p.EnqueueCommand(primitives.Command{Type: primitives.CmdSessionStart, SessionID: "s1"})
	p.runCycle(now, cfg.MaxBatchPerCycle)
	assert.Equal(t, session.PhaseCharging, p.State().Phase)

	// Three tokens across three cycles: one energy update each.
	for i := 0; i < 3; i++ {
		m := primitives.NewTokenMetric("src", now.Add(time.Duration(i+1)*30*time.Millisecond), 5)
		m.Gap = 30 * time.Millisecond
		p.EnqueueToken(m)
		p.runCycle(now.Add(time.Duration(i+1)*30*time.Millisecond), cfg.MaxBatchPerCycle)
	}
	view := p.State()
	assert.Equal(t, session.PhaseFlowing, view.Phase)
	assert.Greater(t, view.TotalEnergy, 0.0)
	// start + charging->flowing + 3 token folds
	assert.Equal(t, uint64(5), view.FrameCounter)

	p.EnqueueCommand(primitives.Command{Type: primitives.CmdSessionStop})
	p.runCycle(now.Add(time.Second), cfg.MaxBatchPerCycle)
	assert.Equal(t, session.PhaseIdle, p.State().Phase)

	p.finalCycle()

	events := collectEvents(p.Events())
	var types []emit.Type
	for _, ev := range events {
		types = append(types, ev.Type)
	}
	require.Equal(t, []emit.Type{
		emit.TypeSessionStart,
		emit.TypeEnergyUpdate, emit.TypeEnergyUpdate, emit.TypeEnergyUpdate,
		emit.TypeSessionEnd,
	}, types)

	// Every update carries a growing total and a positive delta.
	var prevTotal float64
	for _, ev := range events[1:4] {
		up := ev.Payload.(emit.EnergyUpdate)
		assert.Greater(t, up.EnergyDelta, 0.0)
		assert.Greater(t, up.TotalEnergy, prevTotal)
		prevTotal = up.TotalEnergy
		require.Len(t, up.Contributions, 1)
		assert.Equal(t, "src", up.Contributions[0].SourceID)
	}

	end := events[4].Payload.(emit.SessionEnd)
	assert.Equal(t, "s1", end.SessionID)
	assert.InDelta(t, view.TotalEnergy, end.TotalEnergy, 1e-9)

	// The graceful stop committed a final snapshot and stamped the marker.
	_, err := os.Stat(filepath.Join(cfg.DataDir, "s1", "CLEAN"))
	assert.NoError(t, err)

	stats := p.Stats()
	assert.Equal(t, uint64(3), stats.TokensProcessed)
	assert.Zero(t, stats.InputErrors)
}

func TestPipelineValidationErrorDropsInput(t *testing.T) {
	cfg := testConfig(t)
	p := newTestPipeline(t, cfg)

	now := time.Unix(1700000000, 0)
	p.EnqueueCommand(primitives.Command{Type: primitives.CmdSessionStart, SessionID: "s1"})
	p.runCycle(now, cfg.MaxBatchPerCycle)

	p.EnqueueToken(primitives.TokenMetric{Source: "", EmittedAt: now, Length: 3})
	p.runCycle(now.Add(20*time.Millisecond), cfg.MaxBatchPerCycle)

	// Dropped immediately: no retry sits in the queue.
	assert.Equal(t, 0, p.queue.pending())
	assert.Equal(t, uint64(1), p.Stats().InputErrors)

	p.finalCycle()
	var sawInputError bool
	for _, ev := range collectEvents(p.Events()) {
		if ev.Type == emit.TypeError {
			sawInputError = true
		}
	}
	assert.True(t, sawInputError, "validation failure must surface as an error event")
}

func TestPipelinePhaseErrorRetriesThenDrops(t *testing.T) {
	cfg := testConfig(t)
	cfg.MaxInputRetries = 2
	p := newTestPipeline(t, cfg)

	// Valid token, but no session is active: a phase error, retried up to
	// the cap and then dropped.
	now := time.Unix(1700000000, 0)
	m := primitives.NewTokenMetric("src", now, 5)
	p.EnqueueToken(m)

	p.runCycle(now, cfg.MaxBatchPerCycle)
	assert.Equal(t, 1, p.queue.pending(), "first failure requeues")

	p.runCycle(now.Add(20*time.Millisecond), cfg.MaxBatchPerCycle)
	assert.Equal(t, 1, p.queue.pending(), "second failure requeues")

	p.runCycle(now.Add(40*time.Millisecond), cfg.MaxBatchPerCycle)
	assert.Equal(t, 0, p.queue.pending(), "retry cap reached, input dropped")
	assert.Equal(t, uint64(3), p.Stats().InputErrors)
	p.finalCycle()
}

func TestDegradedModeHysteresis(t *testing.T) {
	cfg := testConfig(t)
	cfg.CycleInterval = 10 * time.Millisecond
	cfg.OverrunWindow = 10
	cfg.OverrunRateCeiling = 0.2
	p := newTestPipeline(t, cfg)

	for i := 0; i < 3; i++ {
		p.accountBudget(20 * time.Millisecond)
	}
	assert.True(t, p.Stats().Degraded, "overrun rate 0.3 above ceiling 0.2")

	// Engaged state holds until the rate falls to half the ceiling.
	p.accountBudget(time.Millisecond)
	assert.True(t, p.Stats().Degraded)

	for i := 0; i < 10; i++ {
		p.accountBudget(time.Millisecond)
	}
	assert.False(t, p.Stats().Degraded, "rate back at or below half the ceiling")

	stats := p.Stats()
	assert.Equal(t, uint64(14), stats.Cycles)
	assert.Equal(t, uint64(3), stats.Overruns)
	p.finalCycle()
}

func TestDegradedModeSkipsPatternDetection(t *testing.T) {
	cfg := testConfig(t)
	p := newTestPipeline(t, cfg)

	now := time.Unix(1700000000, 0)
	p.EnqueueCommand(primitives.Command{Type: primitives.CmdSessionStart, SessionID: "s1"})
	p.runCycle(now, cfg.MaxBatchPerCycle)

	// Coherent emissions from three sources would resonate if detection ran.
	p.degraded = true
	for i := 0; i < 4; i++ {
		at := now.Add(time.Duration(i+1) * 100 * time.Millisecond)
		for _, src := range []primitives.SourceID{"a", "b", "c"} {
			m := primitives.NewTokenMetric(src, at, 5)
			p.EnqueueToken(m)
		}
		p.runCycle(at, cfg.MaxBatchPerCycle)
	}

	p.finalCycle()
	for _, ev := range collectEvents(p.Events()) {
		if ev.Type == emit.TypeResonance || ev.Type == emit.TypeInterference {
			t.Fatalf("pattern event %s emitted while degraded", ev.Type)
		}
	}
}

func TestPipelineSecondSessionStartsFresh(t *testing.T) {
	cfg := testConfig(t)
	p := newTestPipeline(t, cfg)

	now := time.Unix(1700000000, 0)
	p.EnqueueCommand(primitives.Command{Type: primitives.CmdSessionStart, SessionID: "first"})
	p.runCycle(now, cfg.MaxBatchPerCycle)
	for i := 0; i < 3; i++ {
		at := now.Add(time.Duration(i+1) * 30 * time.Millisecond)
		m := primitives.NewTokenMetric("src", at, 5)
		m.Gap = 30 * time.Millisecond
		p.EnqueueToken(m)
		p.runCycle(at, cfg.MaxBatchPerCycle)
	}
	firstTotal := p.State().TotalEnergy
	require.Greater(t, firstTotal, 0.0)

	p.EnqueueCommand(primitives.Command{Type: primitives.CmdSessionStop})
	p.runCycle(now.Add(time.Second), cfg.MaxBatchPerCycle)
	require.Equal(t, session.PhaseIdle, p.State().Phase)

	// The second session accrues from zero in its own storage.
	p.EnqueueCommand(primitives.Command{Type: primitives.CmdSessionStart, SessionID: "second"})
	p.runCycle(now.Add(2*time.Second), cfg.MaxBatchPerCycle)

	view := p.State()
	assert.Equal(t, "second", view.SessionID)
	assert.Equal(t, session.PhaseCharging, view.Phase)
	assert.Zero(t, view.TotalEnergy)
	assert.Equal(t, uint64(1), view.FrameCounter)
	assert.Empty(t, view.Ledger)

	at := now.Add(2*time.Second + 30*time.Millisecond)
	m := primitives.NewTokenMetric("other", at, 5)
	m.Gap = 30 * time.Millisecond
	p.EnqueueToken(m)
	p.runCycle(at, cfg.MaxBatchPerCycle)

	view = p.State()
	assert.Greater(t, view.TotalEnergy, 0.0)
	assert.Less(t, view.TotalEnergy, firstTotal)
	require.Contains(t, view.Ledger, primitives.SourceID("other"))
	assert.NotContains(t, view.Ledger, primitives.SourceID("src"))

	p.EnqueueCommand(primitives.Command{Type: primitives.CmdSessionStop})
	p.runCycle(at.Add(time.Second), cfg.MaxBatchPerCycle)
	p.finalCycle()

	// Each session owns its directory, log and clean marker.
	for _, id := range []string{"first", "second"} {
		_, err := os.Stat(filepath.Join(cfg.DataDir, id, "CLEAN"))
		assert.NoError(t, err, "session %s", id)
		_, err = os.Stat(filepath.Join(cfg.DataDir, id, "wal.db"))
		assert.NoError(t, err, "session %s", id)
	}
}

func TestPipelineResumeAfterCrash(t *testing.T) {
	cfg := testConfig(t)
	p1 := newTestPipeline(t, cfg)

	now := time.Unix(1700000000, 0)
	p1.EnqueueCommand(primitives.Command{Type: primitives.CmdSessionStart, SessionID: "s1"})
	p1.runCycle(now, cfg.MaxBatchPerCycle)
	for i := 0; i < 4; i++ {
		at := now.Add(time.Duration(i+1) * 30 * time.Millisecond)
		m := primitives.NewTokenMetric("src", at, 5)
		m.Gap = 30 * time.Millisecond
		p1.EnqueueToken(m)
		p1.runCycle(at, cfg.MaxBatchPerCycle)
	}
	crashed := p1.State()
	require.Equal(t, session.PhaseFlowing, crashed.Phase)

	// The process dies: the log is flushed on close but the clean marker is
	// never stamped.
	require.NoError(t, p1.dur.Close())
	p1.dur = nil
	p1.cancel()

	opt, err := Resume(context.Background(), cfg, "s1", nil)
	require.NoError(t, err)
	p2 := newTestPipeline(t, cfg, opt)

	resumed := p2.State()
	assert.Equal(t, session.PhaseFlowing, resumed.Phase)
	assert.Equal(t, crashed.FrameCounter, resumed.FrameCounter)
	assert.InEpsilon(t, crashed.TotalEnergy, resumed.TotalEnergy, 1e-9)
	assert.False(t, resumed.Recovery.CleanShutdown)

	// The session continues without re-announcing: new folds stack on the
	// recovered state, frames never repeat.
	at := now.Add(time.Second)
	m := primitives.NewTokenMetric("src", at, 5)
	m.Gap = 30 * time.Millisecond
	p2.EnqueueToken(m)
	p2.runCycle(at, cfg.MaxBatchPerCycle)
	assert.Equal(t, crashed.FrameCounter+1, p2.State().FrameCounter)
	assert.Greater(t, p2.State().TotalEnergy, crashed.TotalEnergy)

	p2.EnqueueCommand(primitives.Command{Type: primitives.CmdSessionStop})
	p2.runCycle(at.Add(time.Second), cfg.MaxBatchPerCycle)
	p2.finalCycle()

	_, err = os.Stat(filepath.Join(cfg.DataDir, "s1", "CLEAN"))
	assert.NoError(t, err)
}

// stallTransport sleeps on pattern events, modeling a delivery path that
// makes pattern-bearing cycles blow the budget.
type stallTransport struct {
	delay    time.Duration
	patterns int
}

func (tr *stallTransport) Deliver(_ context.Context, ev emit.Event, _ []byte) error {
	if ev.Type == emit.TypeInterference || ev.Type == emit.TypeResonance {
		tr.patterns++
		time.Sleep(tr.delay)
	}
	return nil
}

func TestDegradedModeShedsLoadUntilRecovered(t *testing.T) {
	cfg := testConfig(t)
	cfg.CycleInterval = 20 * time.Millisecond
	cfg.OverrunWindow = 10
	cfg.OverrunRateCeiling = 0.2
	tr := &stallTransport{delay: 60 * time.Millisecond}
	p := newTestPipeline(t, cfg, WithTransport(tr))

	p.EnqueueCommand(primitives.Command{Type: primitives.CmdSessionStart, SessionID: "s1"})
	p.runCycle(time.Now(), cfg.MaxBatchPerCycle)

	// Coherent emissions from three sources: every full-detail cycle
	// detects patterns and stalls in delivery.
	feed := func() {
		at := time.Now()
		for _, src := range []primitives.SourceID{"a", "b", "c"} {
			m := primitives.NewTokenMetric(src, at, 5)
			m.Gap = 30 * time.Millisecond
			p.EnqueueToken(m)
		}
	}

	engaged := false
	for i := 0; i < 20 && !engaged; i++ {
		feed()
		p.runCycle(time.Now(), cfg.MaxBatchPerCycle)
		engaged = p.Stats().Degraded
	}
	require.True(t, engaged, "sustained overruns must engage degraded mode")
	require.Greater(t, tr.patterns, 0)

	// With pattern work shed, the same load fits the budget; the overrun
	// rate decays until the mode disengages on its own.
	overrunsBefore := p.Stats().Overruns
	patternsBefore := tr.patterns
	degradedCycles := 0
	for ; degradedCycles < 20 && p.Stats().Degraded; degradedCycles++ {
		feed()
		p.runCycle(time.Now(), cfg.MaxBatchPerCycle)
	}

	assert.False(t, p.Stats().Degraded, "overrun rate must fall to half the ceiling")
	assert.Equal(t, patternsBefore, tr.patterns, "no pattern delivery while degraded")
	assert.LessOrEqual(t, p.Stats().Overruns-overrunsBefore, uint64(1),
		"degraded cycles must stay under budget")
	p.finalCycle()
}

// chanSource adapts a channel to the Source interface.
type chanSource struct{ ch chan primitives.TokenMetric }

func (s *chanSource) Tokens() <-chan primitives.TokenMetric { return s.ch }

func TestPipelineStartStop(t *testing.T) {
	cfg := testConfig(t)
	cfg.CycleInterval = 5 * time.Millisecond
	p, err := New(cfg)
	require.NoError(t, err)
	require.NoError(t, p.Start(context.Background()))

	p.EnqueueCommand(primitives.Command{
		Type: primitives.CmdSessionStart, SessionID: "live", Tier: primitives.TierMid,
	})

	src := &chanSource{ch: make(chan primitives.TokenMetric, 16)}
	p.AttachSource("a", src)
	base := time.Now()
	for i := 0; i < 10; i++ {
		m := primitives.NewTokenMetric("a", base.Add(time.Duration(i)*5*time.Millisecond), 4)
		m.Gap = 5 * time.Millisecond
		src.ch <- m
	}
	close(src.ch) // producer enqueues generation-complete

	drained := make(chan []emit.Event, 1)
	go func() { drained <- collectEvents(p.Events()) }()

	// Poll the stats surface while the loop runs; it is documented safe for
	// concurrent reads.
	pollDone := make(chan struct{})
	go func() {
		defer close(pollDone)
		for i := 0; i < 100; i++ {
			_ = p.Stats()
			time.Sleep(time.Millisecond)
		}
	}()

	time.Sleep(100 * time.Millisecond)
	require.NoError(t, p.Stop())
	<-pollDone

	events := <-drained
	require.NotEmpty(t, events)
	assert.Equal(t, emit.TypeSessionStart, events[0].Type)
	assert.Equal(t, emit.TypeSessionEnd, events[len(events)-1].Type)

	stats := p.Stats()
	assert.Equal(t, uint64(10), stats.TokensProcessed)
	assert.Equal(t, session.PhaseIdle, p.State().Phase)

	_, err = os.Stat(filepath.Join(cfg.DataDir, "live", "CLEAN"))
	assert.NoError(t, err)
}

func TestStopIsIdempotent(t *testing.T) {
	cfg := testConfig(t)
	cfg.CycleInterval = 5 * time.Millisecond
	p, err := New(cfg)
	require.NoError(t, err)
	require.NoError(t, p.Start(context.Background()))

	go func() {
		for range p.Events() {
		}
	}()
	require.NoError(t, p.Stop())
	require.NoError(t, p.Stop())
}

func TestWithTransport(t *testing.T) {
	cfg := testConfig(t)
	var delivered []emit.Event
	tr := transportFunc(func(_ context.Context, ev emit.Event, _ []byte) error {
		delivered = append(delivered, ev)
		return nil
	})
	p := newTestPipeline(t, cfg, WithTransport(tr))
	assert.Nil(t, p.Events(), "custom transport replaces the channel")

	now := time.Unix(1700000000, 0)
	p.EnqueueCommand(primitives.Command{Type: primitives.CmdSessionStart, SessionID: "s1"})
	p.runCycle(now, cfg.MaxBatchPerCycle)
	require.Len(t, delivered, 1)
	assert.Equal(t, emit.TypeSessionStart, delivered[0].Type)
	p.finalCycle()
}

type transportFunc func(context.Context, emit.Event, []byte) error

func (f transportFunc) Deliver(ctx context.Context, ev emit.Event, raw []byte) error {
	return f(ctx, ev, raw)
}
