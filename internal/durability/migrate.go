package durability

import (
	"encoding/json"
	"fmt"
)

// CurrentSchemaVersion is the snapshot schema this build writes.
//
// History:
//
//	v1  ledger stored bare energy floats per source, no token counts,
//	    no resonance marker
//	v2  ledger entries carry {energy, tokenCount}; lastResonance added
const CurrentSchemaVersion = 2

// migration upgrades a raw snapshot document one version step.
type migration func(map[string]any) error

// migrations[v] upgrades v -> v+1.
var migrations = map[int]migration{
	1: migrateV1toV2,
}

// Migrate upgrades raw snapshot JSON from the given version to the current
// schema, one explicit step at a time. Version 0 is treated as v1 (records
// written before the tag existed).
func Migrate(data []byte, from int) ([]byte, error) {
	if from == 0 {
		from = 1
	}
	if from == CurrentSchemaVersion {
		return data, nil
	}

	var doc map[string]any
	if err := json.Unmarshal(data, &doc); err != nil {
		return nil, fmt.Errorf("migration decode: %w", err)
	}
	for v := from; v < CurrentSchemaVersion; v++ {
		step, ok := migrations[v]
		if !ok {
			return nil, fmt.Errorf("%w: no migration from schema v%d", ErrUnknownSchema, v)
		}
		if err := step(doc); err != nil {
			return nil, fmt.Errorf("migrate snapshot v%d -> v%d: %w", v, v+1, err)
		}
		doc["schemaVersion"] = v + 1
	}

	out, err := json.Marshal(doc)
	if err != nil {
		return nil, fmt.Errorf("migration encode: %w", err)
	}
	return out, nil
}

// migrateV1toV2 rewrites the v1 ledger (source -> energy float) into the v2
// shape (source -> {energy, tokenCount}), with counts unknown and zeroed.
func migrateV1toV2(doc map[string]any) error {
	state, ok := doc["state"].(map[string]any)
	if !ok {
		return fmt.Errorf("v1 snapshot missing state object")
	}
	rawLedger, ok := state["ledger"].(map[string]any)
	if !ok {
		// No contributions recorded yet; nothing to rewrite.
		return nil
	}
	ledger := make(map[string]any, len(rawLedger))
	for src, v := range rawLedger {
		energy, ok := v.(float64)
		if !ok {
			// Already structured: tolerate re-running on v2-shaped data.
			ledger[src] = v
			continue
		}
		ledger[src] = map[string]any{"energy": energy, "tokenCount": 0}
	}
	state["ledger"] = ledger
	return nil
}
