package energyflow

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/comalice/energyflow/internal/durability"
	"github.com/comalice/energyflow/internal/emit"
	"github.com/comalice/energyflow/internal/session"
)

// Option applies configuration to a Pipeline via functional options.
type Option func(*Pipeline)

// WithLogger configures the structured logger. Defaults to slog.Default().
func WithLogger(log *slog.Logger) Option {
	return func(p *Pipeline) {
		if log != nil {
			p.log = log
		}
	}
}

// WithTransport injects a custom outbound transport. Without it the
// pipeline uses a buffered channel transport exposed by Events().
func WithTransport(t emit.Transport) Option {
	return func(p *Pipeline) {
		p.transport = t
	}
}

// WithRecovered adopts a recovered session state and its open durability
// manager, resuming a session interrupted by a crash. The caller obtains
// both from durability.Open + Manager.Recover before Start.
func WithRecovered(state *session.State, mgr *durability.Manager) Option {
	return func(p *Pipeline) {
		if state != nil {
			p.state = state
		}
		p.dur = mgr
	}
}

// Resume reopens durable storage for a session under cfg.DataDir, rebuilds
// its state from the newest snapshot plus the log tail, and returns the
// option adopting both into a new pipeline. An empty sessionID resumes the
// most recently active session. The pipeline takes ownership of the
// storage; the session continues where the log left off without a new
// session-start command.
func Resume(ctx context.Context, cfg Config, sessionID string, log *slog.Logger) (Option, error) {
	if sessionID == "" {
		id, err := durability.LatestSession(cfg.DataDir)
		if err != nil {
			return nil, fmt.Errorf("locate session to resume: %w", err)
		}
		sessionID = id
	}
	mgr, err := durability.Open(cfg.DataDir, sessionID, cfg.Writer, log)
	if err != nil {
		return nil, err
	}
	state, err := mgr.Recover(ctx, cfg.RingCapacity)
	if err != nil {
		mgr.Close()
		return nil, fmt.Errorf("recover session %s: %w", sessionID, err)
	}
	return WithRecovered(state, mgr), nil
}
