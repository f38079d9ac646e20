package energyflow

import (
	"fmt"
	"time"

	"github.com/comalice/energyflow/internal/durability"
	"github.com/comalice/energyflow/internal/emit"
	"github.com/comalice/energyflow/internal/energy"
	"github.com/comalice/energyflow/internal/pattern"
	"github.com/comalice/energyflow/internal/primitives"
)

// Config is the full pipeline configuration. Zero fields take reference
// defaults; Validate runs at construction and rejects impossible tunings.
type Config struct {
	// CycleInterval is the fixed cadence of the scheduler loop, which is
	// also the per-cycle time budget.
	CycleInterval time.Duration `json:"cycleInterval" yaml:"cycleInterval"`
	// MaxBatchPerCycle bounds how many queued inputs one cycle drains, so
	// an input burst cannot run a cycle unbounded.
	MaxBatchPerCycle int `json:"maxBatchPerCycle" yaml:"maxBatchPerCycle"`
	// IngressCapacity bounds the multiplexed token/command queue.
	// Overflow drops the oldest queued input (counted in Stats).
	IngressCapacity int `json:"ingressCapacity" yaml:"ingressCapacity"`
	// RingCapacity bounds the recent-event window kept for detection.
	RingCapacity int `json:"ringCapacity" yaml:"ringCapacity"`
	// OverrunRateCeiling is the tolerated fraction of over-budget cycles
	// (measured over OverrunWindow cycles) before degraded mode engages.
	OverrunRateCeiling float64 `json:"overrunRateCeiling" yaml:"overrunRateCeiling"`
	OverrunWindow      int     `json:"overrunWindow" yaml:"overrunWindow"`
	// MaxInputRetries caps re-processing of a failing input before it is
	// dropped with a reported error.
	MaxInputRetries int `json:"maxInputRetries" yaml:"maxInputRetries"`
	// SnapshotInterval triggers periodic background snapshots while a
	// session is active.
	SnapshotInterval time.Duration `json:"snapshotInterval" yaml:"snapshotInterval"`
	// DataDir is the base directory for per-session durable storage.
	DataDir string `json:"dataDir" yaml:"dataDir"`

	Energy  energy.Config           `json:"energy" yaml:"energy"`
	Pattern pattern.Config          `json:"pattern" yaml:"pattern"`
	Writer  durability.WriterConfig `json:"writer" yaml:"writer"`
	Limits  emit.Limits             `json:"limits" yaml:"limits"`
}

// DefaultConfig returns the reference tuning (mid tier, 60 cycles/sec).
func DefaultConfig() Config {
	return Config{
		CycleInterval:      16667 * time.Microsecond,
		MaxBatchPerCycle:   128,
		IngressCapacity:    1024,
		RingCapacity:       256,
		OverrunRateCeiling: 0.05,
		OverrunWindow:      60,
		MaxInputRetries:    3,
		SnapshotInterval:   5 * time.Second,
		DataDir:            "data",
		Energy:             energy.DefaultConfig(),
		Pattern:            pattern.DefaultConfig(),
		Writer:             durability.DefaultWriterConfig(),
		Limits:             emit.DefaultLimits(),
	}
}

// Validate checks the scheduler tunables; component configs validate in
// their own constructors.
func (c *Config) Validate() error {
	if c.CycleInterval <= 0 {
		return fmt.Errorf("cycleInterval must be positive")
	}
	if c.MaxBatchPerCycle <= 0 {
		return fmt.Errorf("maxBatchPerCycle must be positive")
	}
	if c.IngressCapacity < c.MaxBatchPerCycle {
		return fmt.Errorf("ingressCapacity %d below maxBatchPerCycle %d", c.IngressCapacity, c.MaxBatchPerCycle)
	}
	if c.RingCapacity <= 0 {
		return fmt.Errorf("ringCapacity must be positive")
	}
	if c.OverrunRateCeiling <= 0 || c.OverrunRateCeiling >= 1 {
		return fmt.Errorf("overrunRateCeiling %v outside (0,1)", c.OverrunRateCeiling)
	}
	if c.OverrunWindow < 10 {
		return fmt.Errorf("overrunWindow must be at least 10 cycles")
	}
	if c.MaxInputRetries < 0 {
		return fmt.Errorf("maxInputRetries cannot be negative")
	}
	if c.SnapshotInterval <= 0 {
		return fmt.Errorf("snapshotInterval must be positive")
	}
	if c.DataDir == "" {
		return fmt.Errorf("dataDir is required")
	}
	return nil
}

// ApplyTier scales cadence and batching for the hardware tier announced at
// session start.
func (c *Config) ApplyTier(tier primitives.HardwareTier) {
	switch tier {
	case primitives.TierLow:
		c.CycleInterval = 33333 * time.Microsecond // 30 cycles/sec
		c.MaxBatchPerCycle = 64
	case primitives.TierHigh:
		c.CycleInterval = 8333 * time.Microsecond // 120 cycles/sec
		c.MaxBatchPerCycle = 256
	case primitives.TierMid:
		c.CycleInterval = 16667 * time.Microsecond
		c.MaxBatchPerCycle = 128
	}
}
