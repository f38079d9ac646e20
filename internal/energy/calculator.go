// Package energy implements the pure per-token energy computation.
//
// The calculator turns a TokenMetric into a Components breakdown via
// three weighted sub-scores (velocity, certainty, friction) and a
// classification multiplier. Compute is pure given the supplied source
// history: it never mutates shared state and never blocks.
//
//go:generate go test ./... -race
package energy

import (
	"fmt"
	"math"
	"time"

	"github.com/comalice/energyflow/internal/primitives"
)

// Weights distributes influence across the three sub-scores.
// They must sum to 1.0; Validate enforces it at construction.
type Weights struct {
	Velocity  float64 `json:"velocity" yaml:"velocity"`
	Certainty float64 `json:"certainty" yaml:"certainty"`
	Friction  float64 `json:"friction" yaml:"friction"`
}

const weightSumTolerance = 1e-9

// Validate checks each weight is in [0,1] and the sum is 1.0 within tolerance.
func (w Weights) Validate() error {
	for name, v := range map[string]float64{"velocity": w.Velocity, "certainty": w.Certainty, "friction": w.Friction} {
		if v < 0 || v > 1 {
			return fmt.Errorf("weight %s = %v outside [0,1]", name, v)
		}
	}
	if sum := w.Velocity + w.Certainty + w.Friction; math.Abs(sum-1.0) > weightSumTolerance {
		return fmt.Errorf("weights sum to %v, want 1.0", sum)
	}
	return nil
}

// Config holds every tunable of the calculator. The defaults are heuristics
// carried from the reference tuning, not load-bearing constants; override
// freely as long as Validate passes.
type Config struct {
	Weights          Weights `json:"weights" yaml:"weights"`
	BasePerToken     float64 `json:"basePerToken" yaml:"basePerToken"`
	MinTokensPerSec  float64 `json:"minTokensPerSec" yaml:"minTokensPerSec"`
	MaxTokensPerSec  float64 `json:"maxTokensPerSec" yaml:"maxTokensPerSec"`
	NeutralCertainty float64 `json:"neutralCertainty" yaml:"neutralCertainty"`
	// Piecewise certainty remap: [0,LowKnee]→[0,LowOut] penalizes,
	// [HighKnee,1]→[HighOut,1] rewards, linear in between.
	LowKnee  float64 `json:"lowKnee" yaml:"lowKnee"`
	LowOut   float64 `json:"lowOut" yaml:"lowOut"`
	HighKnee float64 `json:"highKnee" yaml:"highKnee"`
	HighOut  float64 `json:"highOut" yaml:"highOut"`
	// Friction timing thresholds and stall decay constant.
	BurstBelow    time.Duration `json:"burstBelow" yaml:"burstBelow"`
	StallAbove    time.Duration `json:"stallAbove" yaml:"stallAbove"`
	StallDecay    time.Duration `json:"stallDecay" yaml:"stallDecay"`
	FrictionFloor float64       `json:"frictionFloor" yaml:"frictionFloor"`
	BurstBonus    float64       `json:"burstBonus" yaml:"burstBonus"`
	// Multipliers is the classification multiplier table.
	Multipliers map[primitives.Classification]float64 `json:"multipliers" yaml:"multipliers"`
	// Precision is the number of decimals the final value is rounded to.
	Precision int `json:"precision" yaml:"precision"`
	CacheSize int `json:"cacheSize" yaml:"cacheSize"`
}

// DefaultConfig returns the reference tuning.
func DefaultConfig() Config {
	return Config{
		Weights:          Weights{Velocity: 0.4, Certainty: 0.35, Friction: 0.25},
		BasePerToken:     1.0,
		MinTokensPerSec:  0.5,
		MaxTokensPerSec:  200,
		NeutralCertainty: 0.5,
		LowKnee:          0.3,
		LowOut:           0.15,
		HighKnee:         0.7,
		HighOut:          0.85,
		BurstBelow:       20 * time.Millisecond,
		StallAbove:       500 * time.Millisecond,
		StallDecay:       750 * time.Millisecond,
		FrictionFloor:    0.2,
		BurstBonus:       0.1,
		Multipliers: map[primitives.Classification]float64{
			primitives.ClassNormal:  1.0,
			primitives.ClassBurst:   1.2,
			primitives.ClassStall:   0.6,
			primitives.ClassFinal:   1.5,
			primitives.ClassSpecial: 0.8,
		},
		Precision: 3,
		CacheSize: 4096,
	}
}

// Validate rejects configurations the calculator cannot run with.
func (c Config) Validate() error {
	if err := c.Weights.Validate(); err != nil {
		return err
	}
	if c.BasePerToken <= 0 {
		return fmt.Errorf("basePerToken must be positive, got %v", c.BasePerToken)
	}
	if c.MinTokensPerSec <= 0 || c.MaxTokensPerSec <= c.MinTokensPerSec {
		return fmt.Errorf("invalid tokens/sec clamp [%v, %v]", c.MinTokensPerSec, c.MaxTokensPerSec)
	}
	if c.NeutralCertainty < 0 || c.NeutralCertainty > 1 {
		return fmt.Errorf("neutralCertainty %v outside [0,1]", c.NeutralCertainty)
	}
	if !(0 < c.LowKnee && c.LowKnee < c.HighKnee && c.HighKnee < 1) {
		return fmt.Errorf("certainty knees must satisfy 0 < low < high < 1, got %v, %v", c.LowKnee, c.HighKnee)
	}
	if c.LowOut > c.LowKnee || c.HighOut < c.HighKnee {
		return fmt.Errorf("remap must penalize below low knee and reward above high knee")
	}
	if c.StallAbove <= c.BurstBelow {
		return fmt.Errorf("stallAbove must exceed burstBelow")
	}
	if c.StallDecay <= 0 {
		return fmt.Errorf("stallDecay must be positive")
	}
	if c.FrictionFloor < 0 || c.FrictionFloor > 1 {
		return fmt.Errorf("frictionFloor %v outside [0,1]", c.FrictionFloor)
	}
	if c.Precision < 0 || c.Precision > 9 {
		return fmt.Errorf("precision %d outside [0,9]", c.Precision)
	}
	for _, class := range []primitives.Classification{
		primitives.ClassNormal, primitives.ClassBurst, primitives.ClassStall,
		primitives.ClassFinal, primitives.ClassSpecial,
	} {
		m, ok := c.Multipliers[class]
		if !ok {
			return fmt.Errorf("multiplier table missing class %q", class)
		}
		if m < 0 {
			return fmt.Errorf("multiplier for %q is negative", class)
		}
	}
	return nil
}

// Components is the calculator's output breakdown. Ephemeral; only Value
// feeds the accumulator.
type Components struct {
	Base       float64
	Velocity   float64
	Certainty  float64
	Friction   float64
	Multiplier float64
	Class      primitives.Classification
	// Value is the final energy: non-negative, bounded by MaxPerToken.
	Value float64
}

// Calculator scores tokens. Safe for use from the single scheduler
// goroutine; not safe for concurrent use (it owns per-source histories
// and a result cache).
type Calculator struct {
	cfg       Config
	histories map[primitives.SourceID]*SourceHistory
	cache     *resultCache
}

// NewCalculator validates cfg and builds a calculator.
func NewCalculator(cfg Config) (*Calculator, error) {
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("energy config: %w", err)
	}
	return &Calculator{
		cfg:       cfg,
		histories: make(map[primitives.SourceID]*SourceHistory),
		cache:     newResultCache(cfg.CacheSize),
	}, nil
}

// MaxPerToken is the documented upper bound of a single token's energy:
// base × the largest classification multiplier × the burst-bonus ceiling.
func (c *Calculator) MaxPerToken() float64 {
	maxMult := 0.0
	for _, m := range c.cfg.Multipliers {
		if m > maxMult {
			maxMult = m
		}
	}
	return c.cfg.BasePerToken * maxMult * (1 + c.cfg.BurstBonus)
}

// Score resolves the metric's source history, classifies the token, and
// computes its components. This is the entry point the scheduler calls.
func (c *Calculator) Score(m primitives.TokenMetric) Components {
	hist, ok := c.histories[m.Source]
	if !ok {
		hist = NewSourceHistory()
		c.histories[m.Source] = hist
	}
	comp := c.Compute(m, hist)
	hist.Observe(m)
	return comp
}

// Compute is pure given hist: same metric and history always produce the
// same components. It consults the result cache first; a cached value never
// diverges from recomputation beyond rounding tolerance because the cache
// key includes every input the formula reads.
func (c *Calculator) Compute(m primitives.TokenMetric, hist *SourceHistory) Components {
	gap := m.Gap
	if gap == 0 {
		gap = hist.GapSince(m.EmittedAt)
	}
	// The formula reads the rounded gap, so a cache hit on the same key is
	// exact, not approximate.
	gap = gap.Round(time.Millisecond)
	cert := roundTo(c.certainty(m), 2)
	class := primitives.Classify(m, c.cfg.BurstBelow, c.cfg.StallAbove)

	key := cacheKey{
		length: m.Length,
		cert:   int(cert * 100),
		class:  class,
		gapMS:  int(gap / time.Millisecond),
	}
	if comp, ok := c.cache.get(key); ok {
		return comp
	}

	comp := Components{
		Base:       c.cfg.BasePerToken,
		Velocity:   c.velocity(gap),
		Certainty:  c.remapCertainty(cert),
		Friction:   c.friction(gap),
		Class:      class,
		Multiplier: c.cfg.Multipliers[class],
	}
	weighted := c.cfg.Weights.Velocity*comp.Velocity +
		c.cfg.Weights.Certainty*comp.Certainty +
		c.cfg.Weights.Friction*comp.Friction
	value := comp.Base * weighted * comp.Multiplier
	comp.Value = math.Max(0, roundTo(value, c.cfg.Precision))

	c.cache.put(key, comp)
	return comp
}

// velocity normalizes tokens/sec on a log scale to [0,1].
func (c *Calculator) velocity(gap time.Duration) float64 {
	if gap <= 0 {
		// First token of a stream: no rate signal yet, score neutral.
		return 0.5
	}
	tps := 1.0 / gap.Seconds()
	tps = clamp(tps, c.cfg.MinTokensPerSec, c.cfg.MaxTokensPerSec)
	lo, hi := math.Log(c.cfg.MinTokensPerSec), math.Log(c.cfg.MaxTokensPerSec)
	return (math.Log(tps) - lo) / (hi - lo)
}

// certainty resolves the raw certainty signal: confidence if present, else
// derived from entropy, else the configured neutral fallback.
func (c *Calculator) certainty(m primitives.TokenMetric) float64 {
	switch {
	case m.HasConfidence:
		return clamp(m.Confidence, 0, 1)
	case m.HasEntropy:
		// High entropy means low certainty. Entropy is normalized against
		// a nominal 5-bit ceiling before inversion.
		return clamp(1-m.Entropy/5.0, 0, 1)
	default:
		return c.cfg.NeutralCertainty
	}
}

// remapCertainty applies the three-segment piecewise curve: penalize low,
// reward high, linear in between. Pinned at (0,0) and (1,1).
func (c *Calculator) remapCertainty(v float64) float64 {
	switch {
	case v <= c.cfg.LowKnee:
		return lerp(v, 0, c.cfg.LowKnee, 0, c.cfg.LowOut)
	case v >= c.cfg.HighKnee:
		return lerp(v, c.cfg.HighKnee, 1, c.cfg.HighOut, 1)
	default:
		return lerp(v, c.cfg.LowKnee, c.cfg.HighKnee, c.cfg.LowOut, c.cfg.HighOut)
	}
}

// friction is 1.0 on smooth pacing, decays exponentially past the stall
// threshold (clamped to the floor), gets a mild bonus under the burst
// threshold.
func (c *Calculator) friction(gap time.Duration) float64 {
	switch {
	case gap <= 0:
		return 1.0
	case gap > c.cfg.StallAbove:
		over := (gap - c.cfg.StallAbove).Seconds()
		decay := math.Exp(-over / c.cfg.StallDecay.Seconds())
		return math.Max(c.cfg.FrictionFloor, decay)
	case gap < c.cfg.BurstBelow:
		return 1.0 + c.cfg.BurstBonus
	default:
		return 1.0
	}
}

func clamp(v, lo, hi float64) float64 {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}

func lerp(v, x0, x1, y0, y1 float64) float64 {
	if x1 == x0 {
		return y0
	}
	return y0 + (v-x0)*(y1-y0)/(x1-x0)
}

func roundTo(v float64, decimals int) float64 {
	p := math.Pow10(decimals)
	return math.Round(v*p) / p
}
