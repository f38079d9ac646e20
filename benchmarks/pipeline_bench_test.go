package benchmarks

import (
	"context"
	"testing"
	"time"

	"github.com/comalice/energyflow"
	"github.com/comalice/energyflow/internal/durability"
	"github.com/comalice/energyflow/internal/emit"
	"github.com/comalice/energyflow/internal/energy"
	"github.com/comalice/energyflow/internal/pattern"
	"github.com/comalice/energyflow/internal/primitives"
	"github.com/comalice/energyflow/internal/session"
)

func BenchmarkCalculatorScore(b *testing.B) {
	calc, err := energy.NewCalculator(energy.DefaultConfig())
	if err != nil {
		b.Fatal(err)
	}
	metrics := tokenBurst(1024, []primitives.SourceID{"a", "b", "c", "d"},
		time.Unix(1700000000, 0), 10*time.Millisecond)

	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		calc.Score(metrics[i%len(metrics)])
	}
}

func BenchmarkCalculatorScoreColdCache(b *testing.B) {
	calc, err := energy.NewCalculator(energy.DefaultConfig())
	if err != nil {
		b.Fatal(err)
	}
	base := time.Unix(1700000000, 0)

	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		// Distinct lengths defeat the result cache.
		m := primitives.NewTokenMetric("a", base.Add(time.Duration(i)*time.Millisecond), i%4096)
		m.Gap = time.Duration(i%50) * time.Millisecond
		calc.Score(m)
	}
}

func BenchmarkStateFold(b *testing.B) {
	calc, _ := energy.NewCalculator(energy.DefaultConfig())
	metrics := tokenBurst(1024, []primitives.SourceID{"a", "b", "c", "d"},
		time.Unix(1700000000, 0), 10*time.Millisecond)

	st := session.New(256)
	if _, err := st.ApplyCommand(primitives.Command{
		Type: primitives.CmdSessionStart, SessionID: "bench", Tier: primitives.TierMid,
	}, time.Unix(1700000000, 0)); err != nil {
		b.Fatal(err)
	}

	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		m := metrics[i%len(metrics)]
		if _, err := st.ApplyToken(m, calc.Score(m)); err != nil {
			b.Fatal(err)
		}
	}
}

func BenchmarkDetector(b *testing.B) {
	det, err := pattern.NewDetector(pattern.DefaultConfig())
	if err != nil {
		b.Fatal(err)
	}
	start := time.Unix(1700000000, 0)
	window := windowBurst(tokenBurst(256, []primitives.SourceID{"a", "b", "c", "d"},
		start, 10*time.Millisecond))
	now := start.Add(256 * 10 * time.Millisecond)

	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		det.Detect(now, window, time.Time{})
	}
}

func BenchmarkWALAppend(b *testing.B) {
	wal, err := durability.OpenWAL(b.TempDir() + "/wal.db")
	if err != nil {
		b.Fatal(err)
	}
	defer wal.Close()

	entries := make([]session.LogEntry, 32)
	for i := range entries {
		entries[i] = session.LogEntry{
			SessionID: "bench",
			Kind:      session.EntryToken,
			At:        time.Unix(1700000000, 0),
			Source:    "a",
			Energy:    1.25,
			Length:    5,
			Class:     primitives.ClassNormal,
		}
	}
	ctx := context.Background()

	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		if _, err := wal.Append(ctx, entries); err != nil {
			b.Fatal(err)
		}
	}
}

func BenchmarkEventMarshal(b *testing.B) {
	ev := emit.NewEvent(time.Unix(1700000000, 0), emit.EnergyUpdate{Frame: emit.Frame{
		FrameID:     42,
		TotalEnergy: 128.5,
		EnergyDelta: 3.25,
		Phase:       "flowing",
		Contributions: []emit.Contribution{
			{SourceID: "a", Energy: 1.5}, {SourceID: "b", Energy: 1.0}, {SourceID: "c", Energy: 0.75},
		},
	}})

	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		if _, err := emit.Marshal(ev); err != nil {
			b.Fatal(err)
		}
	}
}

// BenchmarkPipelineThroughput measures tokens through the full running
// loop, durable log included.
func BenchmarkPipelineThroughput(b *testing.B) {
	cfg := energyflow.DefaultConfig()
	cfg.DataDir = b.TempDir()
	cfg.CycleInterval = time.Millisecond
	cfg.MaxBatchPerCycle = 1024
	cfg.IngressCapacity = 1 << 16

	p, err := energyflow.New(cfg)
	if err != nil {
		b.Fatal(err)
	}
	if err := p.Start(context.Background()); err != nil {
		b.Fatal(err)
	}
	go func() {
		for range p.Events() {
		}
	}()
	p.EnqueueCommand(primitives.Command{Type: primitives.CmdSessionStart, SessionID: "bench"})

	metrics := tokenBurst(1024, []primitives.SourceID{"a", "b", "c", "d"},
		time.Now(), time.Millisecond)

	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		m := metrics[i%len(metrics)]
		m.EmittedAt = time.Now()
		p.EnqueueToken(m)
	}
	for p.Stats().TokensProcessed+p.Stats().DroppedInputs < uint64(b.N) {
		time.Sleep(time.Millisecond)
	}
	b.StopTimer()

	if err := p.Stop(); err != nil {
		b.Fatal(err)
	}
}
