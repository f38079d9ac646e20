package energyflow

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/comalice/energyflow/internal/durability"
	"github.com/comalice/energyflow/internal/emit"
	"github.com/comalice/energyflow/internal/energy"
	"github.com/comalice/energyflow/internal/pattern"
	"github.com/comalice/energyflow/internal/primitives"
	"github.com/comalice/energyflow/internal/session"
)

// Source is the generation collaborator's face: one concurrent token
// stream. The pipeline consumes the channel from a producer goroutine that
// only ever enqueues.
type Source interface {
	Tokens() <-chan primitives.TokenMetric
}

// Stats is a point-in-time counters snapshot, safe to read while running.
type Stats struct {
	Cycles          uint64
	Overruns        uint64
	Degraded        bool
	DroppedInputs   uint64
	TokensProcessed uint64
	InputErrors     uint64
	EventsEmitted   uint64
	EventsFailed    uint64
}

// Pipeline is the cycle scheduler runtime: a single goroutine that drains
// the ingestion queue at a fixed cadence, drives calculator, accumulator
// and detector, and hands composed events to the transport. Session state
// has exactly one writer: this loop.
type Pipeline struct {
	cfg Config
	log *slog.Logger

	calc     *energy.Calculator
	det      *pattern.Detector
	state    *session.State
	dur      *durability.Manager
	composer *emit.Composer
	emitter  *emit.Emitter
	queue    *ingress

	// events backs the default channel transport.
	events    chan emit.Event
	transport emit.Transport

	ticker   *time.Ticker
	runCtx   context.Context
	cancel   context.CancelFunc
	quit     chan struct{}
	quitOnce sync.Once
	stopped  chan struct{}
	wg       sync.WaitGroup

	// Per-cycle scratch, loop-goroutine only.
	cycleDelta float64
	perSource  map[primitives.SourceID]float64
	lastSnap   time.Time

	// overrunRing tracks the last OverrunWindow cycles for the degraded
	// mode decision. Loop-goroutine only.
	overrunRing []bool
	overrunIdx  int
	degraded    bool

	statsMu  sync.Mutex
	stats    Stats
	fatalErr error
}

// New builds a pipeline from cfg. Component configs are validated by their
// constructors; an invalid configuration never produces a half-built
// pipeline.
func New(cfg Config, opts ...Option) (*Pipeline, error) {
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("pipeline config: %w", err)
	}
	calc, err := energy.NewCalculator(cfg.Energy)
	if err != nil {
		return nil, err
	}
	det, err := pattern.NewDetector(cfg.Pattern)
	if err != nil {
		return nil, err
	}

	p := &Pipeline{
		cfg:         cfg,
		log:         slog.Default(),
		calc:        calc,
		det:         det,
		state:       session.New(cfg.RingCapacity),
		composer:    emit.NewComposer(cfg.Limits),
		queue:       newIngress(cfg.IngressCapacity),
		quit:        make(chan struct{}),
		stopped:     make(chan struct{}),
		perSource:   make(map[primitives.SourceID]float64),
		overrunRing: make([]bool, cfg.OverrunWindow),
	}

	for _, opt := range opts {
		opt(p)
	}

	if p.transport == nil {
		p.events = make(chan emit.Event, 256)
		p.transport = emit.NewChannelTransport(p.events)
	}
	p.emitter = emit.NewEmitter(p.transport, p.composer, cfg.Limits, p.log)
	return p, nil
}

// Events returns the outbound event channel when the default channel
// transport is in use. Closed after Stop. Nil if a custom transport was
// injected.
func (p *Pipeline) Events() <-chan emit.Event { return p.events }

// Start launches the cycle loop.
func (p *Pipeline) Start(ctx context.Context) error {
	p.runCtx, p.cancel = context.WithCancel(ctx)
	p.ticker = time.NewTicker(p.cfg.CycleInterval)
	go p.loop()
	return nil
}

// loop is the scheduler: one cycle per tick, a final draining cycle on
// shutdown. The ticker drops missed ticks, so an over-budget cycle is
// never "caught up" by compressing cycles.
func (p *Pipeline) loop() {
	defer close(p.stopped)
	defer p.ticker.Stop()

	for {
		select {
		case <-p.runCtx.Done():
			p.finalCycle()
			return
		case <-p.quit:
			p.finalCycle()
			return
		case <-p.ticker.C:
			p.safeCycle(time.Now(), p.cfg.MaxBatchPerCycle)
			if p.fatal() {
				p.finalCycle()
				return
			}
		}
	}
}

// safeCycle guards the loop against a panicking cycle.
func (p *Pipeline) safeCycle(now time.Time, maxBatch int) {
	defer func() {
		if r := recover(); r != nil {
			p.log.Error("cycle panicked", "panic", r)
		}
	}()
	p.runCycle(now, maxBatch)
}

// finalCycle drains everything still queued through one last cycle, then
// releases resources.
func (p *Pipeline) finalCycle() {
	p.safeCycle(time.Now(), p.cfg.IngressCapacity)
	if p.dur != nil {
		if err := p.dur.Close(); err != nil {
			p.log.Warn("durability close failed", "error", err)
		}
		p.dur = nil
	}
	if p.events != nil {
		close(p.events)
	}
}

// Stop requests a graceful shutdown: the session-stop command drains
// through the final cycle, forcing the Draining snapshot and the clean
// marker before resources go away. Safe to call once.
func (p *Pipeline) Stop() error {
	p.EnqueueCommand(primitives.Command{Type: primitives.CmdSessionStop})
	p.quitOnce.Do(func() { close(p.quit) })
	<-p.stopped

	p.statsMu.Lock()
	defer p.statsMu.Unlock()
	return p.fatalErr
}

// EnqueueToken queues one token metric. Never blocks: on overflow the
// oldest queued input is dropped and counted.
func (p *Pipeline) EnqueueToken(m primitives.TokenMetric) {
	p.queue.push(input{token: m})
}

// EnqueueCommand queues one control signal.
func (p *Pipeline) EnqueueCommand(cmd primitives.Command) {
	c := cmd
	p.queue.push(input{cmd: &c})
}

// AttachSource spawns the producer goroutine for one token stream. It only
// enqueues; it never touches session state. The goroutine exits when the
// source channel closes (enqueuing generation-complete for the stream) or
// the pipeline context ends.
func (p *Pipeline) AttachSource(id primitives.SourceID, src Source) {
	p.wg.Add(1)
	go func() {
		defer p.wg.Done()
		for {
			select {
			case <-p.runCtx.Done():
				return
			case m, ok := <-src.Tokens():
				if !ok {
					p.EnqueueCommand(primitives.Command{
						Type:   primitives.CmdGenerationComplete,
						Source: id,
					})
					return
				}
				p.EnqueueToken(m)
			}
		}
	}()
}

// Stats snapshots the counters.
func (p *Pipeline) Stats() Stats {
	p.statsMu.Lock()
	defer p.statsMu.Unlock()
	s := p.stats
	s.DroppedInputs = p.queue.droppedCount()
	s.EventsEmitted = p.emitter.Emitted()
	s.EventsFailed = p.emitter.Failed()
	s.Degraded = p.degraded
	return s
}

// State returns a read-only view of the session state.
func (p *Pipeline) State() session.View { return p.state.View() }

func (p *Pipeline) fatal() bool {
	p.statsMu.Lock()
	defer p.statsMu.Unlock()
	return p.fatalErr != nil
}

// setFatal records a terminal error, emits the terminal event, and forces
// shutdown of the loop.
func (p *Pipeline) setFatal(err error) {
	p.statsMu.Lock()
	p.fatalErr = err
	p.statsMu.Unlock()

	p.log.Error("fatal pipeline error, forcing shutdown", "error", err)
	p.emitter.Emit(p.runCtx, p.composer.ErrorEvent(time.Now(), "durability", err, false))
	p.cancel()
}
