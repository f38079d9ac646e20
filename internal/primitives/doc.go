// Package primitives provides the foundational, zero-dependency data structures
// for the energy pipeline.
//
// This package uses ONLY the Go standard library. Everything here is a value
// type produced by collaborators outside the pipeline (the generation backend)
// or shared between internal tiers:
// - Immutable token metrics (TokenMetric)
// - Token classification feeding the energy multiplier table
// - Control commands that drive the session phase machine
//
// Core invariants:
// - Immutability (a TokenMetric is never mutated after construction)
// - No goroutines, no I/O, no clocks
package primitives
