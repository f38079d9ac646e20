package energyflow

import (
	"errors"
	"fmt"
	"time"

	"github.com/comalice/energyflow/internal/durability"
	"github.com/comalice/energyflow/internal/pattern"
	"github.com/comalice/energyflow/internal/primitives"
	"github.com/comalice/energyflow/internal/session"
)

// runCycle processes one complete cycle:
//
//  1. Drain a bounded batch of queued inputs.
//  2. Per input: calculator → accumulator → (then detector over the
//     updated window), with per-input failure isolation.
//  3. Compose and emit this cycle's events.
//  4. Measure elapsed time against the budget and adjust degraded mode.
//
// The end-of-cycle sleep lives in the ticker; an over-budget cycle simply
// starts the next one late.
func (p *Pipeline) runCycle(start time.Time, maxBatch int) {
	batch := p.queue.drain(maxBatch)

	p.cycleDelta = 0
	clear(p.perSource)

	tokensFolded := 0
	for _, in := range batch {
		if err := p.processInput(start, in); err != nil {
			p.handleInputError(start, in, err)
			continue
		}
		if !in.isCommand() {
			tokensFolded++
		}
	}

	patterns := p.detectPatterns(start, tokensFolded)

	if tokensFolded > 0 || len(patterns) > 0 {
		view := p.state.View()
		for _, ev := range p.composer.ComposeCycle(start, view, p.cycleDelta, p.perSource, patterns, p.degraded) {
			p.emitter.Emit(p.runCtx, ev)
		}
	}

	p.maybeSnapshot(start)
	p.checkWriterFatal()
	p.accountBudget(time.Since(start))
}

// processInput dispatches one queued input with panic isolation: a
// misbehaving input never aborts the cycle for the rest of the batch.
func (p *Pipeline) processInput(now time.Time, in input) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("input processing panicked: %v", r)
		}
	}()
	if in.isCommand() {
		return p.processCommand(now, *in.cmd)
	}
	return p.processToken(in.token)
}

// processToken scores and folds one token, and queues its log entries.
func (p *Pipeline) processToken(m primitives.TokenMetric) error {
	if err := m.Validate(); err != nil {
		return err
	}
	comp := p.calc.Score(m)
	entries, err := p.state.ApplyToken(m, comp)
	if err != nil {
		return err
	}
	if err := p.enqueueEntries(entries); err != nil {
		return err
	}

	p.cycleDelta += comp.Value
	p.perSource[m.Source] += comp.Value
	p.statsMu.Lock()
	p.stats.TokensProcessed++
	p.statsMu.Unlock()
	return nil
}

// processCommand folds one control signal and runs its side effects.
func (p *Pipeline) processCommand(now time.Time, cmd primitives.Command) error {
	switch cmd.Type {
	case primitives.CmdSessionStart:
		return p.startSession(now, cmd)

	case primitives.CmdGenerationComplete:
		wasDraining := p.state.Phase() == session.PhaseDraining
		entries, err := p.state.ApplyCommand(cmd, now)
		if err != nil {
			return err
		}
		if err := p.enqueueEntries(entries); err != nil {
			return err
		}
		// Entering Draining triggers a snapshot.
		if !wasDraining && p.state.Phase() == session.PhaseDraining {
			p.snapshotAsync()
		}
		return nil

	case primitives.CmdSessionStop:
		return p.stopSession(now)

	default:
		return fmt.Errorf("unknown command %q", cmd.Type)
	}
}

// startSession opens durable storage for the session, clears the clean
// marker, folds Idle→Charging, applies the hardware tier, and announces.
// Storage is keyed per session: a new session ID gets its own directory,
// log, and snapshots, never the previous session's.
func (p *Pipeline) startSession(now time.Time, cmd primitives.Command) error {
	if p.dur != nil && p.dur.SessionID() != cmd.SessionID {
		if err := p.dur.Close(); err != nil {
			p.log.Warn("previous session storage close failed", "error", err)
		}
		p.dur = nil
	}
	if p.dur == nil {
		mgr, err := durability.Open(p.cfg.DataDir, cmd.SessionID, p.cfg.Writer, p.log)
		if err != nil {
			return fmt.Errorf("open durable storage: %w", err)
		}
		p.dur = mgr
	}
	if err := p.dur.BeginSession(); err != nil {
		return err
	}

	entries, err := p.state.ApplyCommand(cmd, now)
	if err != nil {
		return err
	}
	if err := p.enqueueEntries(entries); err != nil {
		return err
	}

	if cmd.Tier != "" {
		p.cfg.ApplyTier(cmd.Tier)
		p.ticker.Reset(p.cfg.CycleInterval)
		p.overrunRing = make([]bool, p.cfg.OverrunWindow)
		p.overrunIdx = 0
	}

	p.lastSnap = now
	p.emitter.Emit(p.runCtx, p.composer.SessionStartEvent(now, cmd.SessionID, cmd.Tier))
	p.log.Info("session started", "session", cmd.SessionID, "tier", cmd.Tier)
	return nil
}

// stopSession winds an active session down: fold into Draining, take the
// final snapshot synchronously (the writer stamps the clean marker only
// after it commits), fold Draining→Idle, and announce the end.
func (p *Pipeline) stopSession(now time.Time) error {
	if p.state.Phase() == session.PhaseIdle {
		return nil
	}

	entries, err := p.state.ApplyCommand(primitives.Command{Type: primitives.CmdSessionStop}, now)
	if err != nil {
		return err
	}
	if err := p.enqueueEntries(entries); err != nil {
		return err
	}

	view := p.state.View()
	if p.dur != nil {
		w := p.dur.Writer()
		if _, err := w.RequestSnapshot(p.state.Memento(), w.Enqueued(), true); err != nil {
			return fmt.Errorf("final snapshot: %w", err)
		}
	}

	if p.state.Phase() == session.PhaseDraining {
		entries, err = p.state.ApplyCommand(primitives.Command{Type: primitives.CmdSessionStop}, now)
		if err != nil {
			return err
		}
		if err := p.enqueueEntries(entries); err != nil {
			return err
		}
	}

	p.emitter.Emit(p.runCtx, p.composer.SessionEndEvent(now, view))
	p.log.Info("session stopped",
		"session", view.SessionID, "totalEnergy", view.TotalEnergy, "frames", view.FrameCounter)
	return nil
}

// detectPatterns runs the detector over the updated window and logs each
// finding. Skipped entirely in degraded mode: pattern analysis is the
// optional work the scheduler sheds first.
func (p *Pipeline) detectPatterns(now time.Time, tokensFolded int) []pattern.Pattern {
	if p.degraded || tokensFolded == 0 || p.state.Phase() != session.PhaseFlowing {
		return nil
	}
	window := p.state.Window(now.Add(-p.cfg.Pattern.ResonanceWindow))
	found := p.det.Detect(now, window, p.state.View().LastResonance)

	out := make([]pattern.Pattern, 0, len(found))
	for _, pat := range found {
		srcs := make([]string, len(pat.Sources))
		for i, s := range pat.Sources {
			srcs[i] = string(s)
		}
		entry, err := p.state.ApplyPattern(string(pat.Kind), pat.Strength, srcs, now)
		if err != nil {
			p.log.Warn("pattern fold failed", "kind", pat.Kind, "error", err)
			continue
		}
		if err := p.enqueueEntries([]session.LogEntry{entry}); err != nil {
			p.log.Warn("pattern log enqueue failed", "error", err)
		}
		out = append(out, pat)
	}
	return out
}

// enqueueEntries hands log entries to the durability queue in fold order.
func (p *Pipeline) enqueueEntries(entries []session.LogEntry) error {
	if p.dur == nil {
		return nil
	}
	for _, e := range entries {
		if err := p.dur.Writer().Enqueue(e); err != nil {
			return err
		}
	}
	return nil
}

// handleInputError isolates one input's failure: validation failures and
// exhausted retries drop the input with a reported error event; transient
// failures requeue up to the retry cap.
func (p *Pipeline) handleInputError(now time.Time, in input, err error) {
	p.statsMu.Lock()
	p.stats.InputErrors++
	p.statsMu.Unlock()

	retryable := !isValidationError(err)
	if retryable && in.retries < p.cfg.MaxInputRetries {
		in.retries++
		p.queue.requeue(in)
		return
	}

	p.log.Warn("dropping input", "command", in.isCommand(), "retries", in.retries, "error", err)
	p.emitter.Emit(p.runCtx, p.composer.ErrorEvent(now, "input", err, true))
}

func isValidationError(err error) bool {
	return errors.Is(err, primitives.ErrEmptySource) ||
		errors.Is(err, primitives.ErrZeroTimestamp) ||
		errors.Is(err, primitives.ErrNegativeLength) ||
		errors.Is(err, primitives.ErrConfidenceRange) ||
		errors.Is(err, primitives.ErrNegativeGap)
}

// maybeSnapshot fires the periodic background snapshot while a session is
// active. The request runs on the writer; only the handoff happens here.
func (p *Pipeline) maybeSnapshot(now time.Time) {
	if p.dur == nil || p.state.Phase() == session.PhaseIdle {
		return
	}
	if now.Sub(p.lastSnap) < p.cfg.SnapshotInterval {
		return
	}
	p.lastSnap = now
	p.snapshotAsync()
}

// snapshotAsync requests a snapshot without blocking the cycle loop. The
// memento and the enqueue sequence it covers are captured together on the
// loop goroutine; entries folded later never shift the snapshot's cutoff.
func (p *Pipeline) snapshotAsync() {
	memento := p.state.Memento()
	writer := p.dur.Writer()
	seq := writer.Enqueued()
	go func() {
		if rec, err := writer.RequestSnapshot(memento, seq, false); err != nil {
			p.log.Warn("background snapshot failed", "error", err)
		} else {
			p.log.Debug("background snapshot", "id", rec.ID, "cutoff", rec.LastLogEntryID)
		}
	}()
}

// checkWriterFatal escalates an exhausted durable write: continuing
// without the log would corrupt recovery.
func (p *Pipeline) checkWriterFatal() {
	if p.dur == nil {
		return
	}
	select {
	case err := <-p.dur.Writer().Fatal():
		p.setFatal(err)
	default:
	}
}

// accountBudget records this cycle against the time budget and flips
// degraded mode when the overrun rate crosses the ceiling (engaging) or
// falls to half of it (disengaging).
func (p *Pipeline) accountBudget(elapsed time.Duration) {
	over := elapsed > p.cfg.CycleInterval

	p.overrunRing[p.overrunIdx] = over
	p.overrunIdx = (p.overrunIdx + 1) % len(p.overrunRing)

	overruns := 0
	for _, o := range p.overrunRing {
		if o {
			overruns++
		}
	}
	rate := float64(overruns) / float64(len(p.overrunRing))

	p.statsMu.Lock()
	p.stats.Cycles++
	if over {
		p.stats.Overruns++
	}
	wasDegraded := p.degraded
	switch {
	case !p.degraded && rate > p.cfg.OverrunRateCeiling:
		p.degraded = true
	case p.degraded && rate <= p.cfg.OverrunRateCeiling/2:
		p.degraded = false
	}
	nowDegraded := p.degraded
	p.statsMu.Unlock()

	if over {
		p.log.Debug("cycle over budget", "elapsed", elapsed, "budget", p.cfg.CycleInterval)
	}
	if nowDegraded != wasDegraded {
		if nowDegraded {
			p.log.Warn("overrun rate above ceiling, shedding optional work", "rate", rate)
		} else {
			p.log.Info("overrun rate recovered, resuming full detail", "rate", rate)
		}
	}
}
