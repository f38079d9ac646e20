package main

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"math/rand"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/comalice/energyflow"
)

func newRunCmd() *cobra.Command {
	var (
		sessionID string
		tier      string
		sources   int
		duration  time.Duration
		resume    bool
		verbose   bool
	)

	cmd := &cobra.Command{
		Use:   "run",
		Short: "Run a pipeline session against simulated sources",
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := loadConfig(cmd)
			if err != nil {
				return err
			}
			level := slog.LevelInfo
			if verbose {
				level = slog.LevelDebug
			}
			log := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level}))

			opts := []energyflow.Option{energyflow.WithLogger(log)}
			if resume {
				// Resume the named session, or the most recent one when
				// --session was left at its generated default.
				target := ""
				if cmd.Flags().Changed("session") {
					target = sessionID
				}
				opt, err := energyflow.Resume(cmd.Context(), cfg, target, log)
				if err != nil {
					return err
				}
				opts = append(opts, opt)
			}
			p, err := energyflow.New(cfg, opts...)
			if err != nil {
				return err
			}

			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			if err := p.Start(ctx); err != nil {
				return err
			}

			if view := p.State(); view.Phase != energyflow.PhaseIdle {
				sessionID = view.SessionID
				log.Info("resuming session",
					"session", view.SessionID, "frame", view.FrameCounter, "phase", view.Phase)
			} else {
				p.EnqueueCommand(energyflow.Command{
					Type:      energyflow.CmdSessionStart,
					SessionID: sessionID,
					Tier:      energyflow.HardwareTier(tier),
				})
			}
			for i := 0; i < sources; i++ {
				id := energyflow.SourceID(fmt.Sprintf("source-%d", i))
				p.AttachSource(id, newSimSource(ctx, id, duration))
			}

			// Print outbound events as JSON lines until the stream closes.
			done := make(chan struct{})
			go func() {
				defer close(done)
				enc := json.NewEncoder(cmd.OutOrStdout())
				for ev := range p.Events() {
					if err := enc.Encode(ev); err != nil {
						log.Warn("event print failed", "error", err)
					}
				}
			}()

			select {
			case <-ctx.Done():
			case <-time.After(duration + time.Second):
			}
			if err := p.Stop(); err != nil {
				return err
			}
			<-done

			stats := p.Stats()
			log.Info("session summary",
				"cycles", stats.Cycles, "overruns", stats.Overruns,
				"tokens", stats.TokensProcessed, "dropped", stats.DroppedInputs,
				"events", stats.EventsEmitted, "failed", stats.EventsFailed)
			return nil
		},
	}

	cmd.Flags().StringVar(&sessionID, "session", fmt.Sprintf("session-%d", time.Now().Unix()), "session identifier")
	cmd.Flags().StringVar(&tier, "tier", string(energyflow.TierMid), "hardware tier (low|mid|high)")
	cmd.Flags().IntVar(&sources, "sources", 2, "number of simulated token sources")
	cmd.Flags().DurationVar(&duration, "duration", 5*time.Second, "how long sources emit")
	cmd.Flags().BoolVar(&resume, "resume", false, "recover and continue an interrupted session")
	cmd.Flags().BoolVarP(&verbose, "verbose", "v", false, "debug logging")
	return cmd
}

// simSource emits tokens with jittered gaps and confidences, closing its
// channel when the duration elapses.
type simSource struct {
	ch chan energyflow.TokenMetric
}

func newSimSource(ctx context.Context, id energyflow.SourceID, duration time.Duration) *simSource {
	s := &simSource{ch: make(chan energyflow.TokenMetric, 16)}
	go func() {
		defer close(s.ch)
		deadline := time.Now().Add(duration)
		for {
			gap := time.Duration(10+rand.Intn(80)) * time.Millisecond
			select {
			case <-ctx.Done():
				return
			case <-time.After(gap):
			}
			now := time.Now()
			final := now.After(deadline)
			m := energyflow.TokenMetric{
				Source:        id,
				EmittedAt:     now,
				Length:        1 + rand.Intn(8),
				Confidence:    0.5 + rand.Float64()*0.5,
				HasConfidence: true,
				Gap:           gap,
				Final:         final,
			}
			select {
			case <-ctx.Done():
				return
			case s.ch <- m:
			}
			if final {
				return
			}
		}
	}()
	return s
}

func (s *simSource) Tokens() <-chan energyflow.TokenMetric { return s.ch }
