// Package durability persists session state: immutable point-in-time
// snapshots plus an append-only log of state-changing occurrences, and the
// recovery path that replays one on top of the other after an unclean
// shutdown.
//
// Layout per session under the base directory:
//
//	<dir>/<sessionID>/snapshots/<nanos>-<id>.json[.gz]
//	<dir>/<sessionID>/wal.db
//	<dir>/<sessionID>/CLEAN
//
//go:generate go test ./... -race
package durability

import (
	"bytes"
	"compress/gzip"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/comalice/energyflow/internal/session"
)

// SnapshotRecord is a point-in-time serialization of session state, tagged
// with its schema version and the last log entry it incorporates. Written
// once, never mutated; later snapshots supersede it.
type SnapshotRecord struct {
	ID             string          `json:"id"`
	SessionID      string          `json:"sessionID"`
	SchemaVersion  int             `json:"schemaVersion"`
	LastLogEntryID int64           `json:"lastLogEntryID"`
	CreatedAt      time.Time       `json:"createdAt"`
	State          session.Memento `json:"state"`
}

// compressAbove is the serialized size past which snapshots are gzipped.
const compressAbove = 4 << 10

// SnapshotStore reads and writes snapshot records for one session.
type SnapshotStore struct {
	dir string
}

// NewSnapshotStore creates the store, ensuring the directory exists.
func NewSnapshotStore(dir string) (*SnapshotStore, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("mkdir %s: %w", dir, err)
	}
	return &SnapshotStore{dir: dir}, nil
}

// Write serializes a memento into a new immutable snapshot record and
// returns it. The record ID is a fresh UUID.
func (st *SnapshotStore) Write(sessionID string, state session.Memento, lastLogEntryID int64) (SnapshotRecord, error) {
	rec := SnapshotRecord{
		ID:             uuid.NewString(),
		SessionID:      sessionID,
		SchemaVersion:  CurrentSchemaVersion,
		LastLogEntryID: lastLogEntryID,
		CreatedAt:      time.Now().UTC(),
		State:          state,
	}

	data, err := json.Marshal(rec)
	if err != nil {
		return SnapshotRecord{}, fmt.Errorf("snapshot marshal: %w", err)
	}

	name := fmt.Sprintf("%020d-%s.json", rec.CreatedAt.UnixNano(), rec.ID)
	if len(data) > compressAbove {
		var buf bytes.Buffer
		zw := gzip.NewWriter(&buf)
		if _, err := zw.Write(data); err != nil {
			return SnapshotRecord{}, fmt.Errorf("snapshot gzip: %w", err)
		}
		if err := zw.Close(); err != nil {
			return SnapshotRecord{}, fmt.Errorf("snapshot gzip close: %w", err)
		}
		data = buf.Bytes()
		name += ".gz"
	}

	// Write-then-rename so a torn write never looks like a snapshot.
	tmp := filepath.Join(st.dir, name+".tmp")
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return SnapshotRecord{}, fmt.Errorf("write %s: %w", tmp, err)
	}
	if err := os.Rename(tmp, filepath.Join(st.dir, name)); err != nil {
		return SnapshotRecord{}, fmt.Errorf("rename %s: %w", tmp, err)
	}
	return rec, nil
}

// Latest loads the newest snapshot record, migrating older schema versions
// forward. Returns os.ErrNotExist when no snapshot has been written.
func (st *SnapshotStore) Latest() (SnapshotRecord, error) {
	names, err := st.list()
	if err != nil {
		return SnapshotRecord{}, err
	}
	if len(names) == 0 {
		return SnapshotRecord{}, os.ErrNotExist
	}
	return st.load(names[len(names)-1])
}

func (st *SnapshotStore) list() ([]string, error) {
	entries, err := os.ReadDir(st.dir)
	if err != nil {
		return nil, fmt.Errorf("read dir %s: %w", st.dir, err)
	}
	var names []string
	for _, e := range entries {
		n := e.Name()
		if strings.HasSuffix(n, ".json") || strings.HasSuffix(n, ".json.gz") {
			names = append(names, n)
		}
	}
	sort.Strings(names) // nanos prefix makes lexicographic == chronological
	return names, nil
}

func (st *SnapshotStore) load(name string) (SnapshotRecord, error) {
	data, err := os.ReadFile(filepath.Join(st.dir, name))
	if err != nil {
		return SnapshotRecord{}, fmt.Errorf("read snapshot %s: %w", name, err)
	}
	if strings.HasSuffix(name, ".gz") {
		zr, err := gzip.NewReader(bytes.NewReader(data))
		if err != nil {
			return SnapshotRecord{}, fmt.Errorf("gunzip %s: %w", name, err)
		}
		if data, err = io.ReadAll(zr); err != nil {
			return SnapshotRecord{}, fmt.Errorf("gunzip %s: %w", name, err)
		}
		if err := zr.Close(); err != nil {
			return SnapshotRecord{}, fmt.Errorf("gunzip %s: %w", name, err)
		}
	}
	return decodeSnapshot(data)
}

// decodeSnapshot migrates the raw record to the current schema version
// before final decode. Unknown future versions fail loudly; guessing at
// them would silently truncate fields.
func decodeSnapshot(data []byte) (SnapshotRecord, error) {
	var probe struct {
		SchemaVersion int `json:"schemaVersion"`
	}
	if err := json.Unmarshal(data, &probe); err != nil {
		return SnapshotRecord{}, fmt.Errorf("snapshot probe: %w", err)
	}
	if probe.SchemaVersion > CurrentSchemaVersion {
		return SnapshotRecord{}, fmt.Errorf("%w: snapshot schema v%d, newest known v%d",
			ErrUnknownSchema, probe.SchemaVersion, CurrentSchemaVersion)
	}

	migrated, err := Migrate(data, probe.SchemaVersion)
	if err != nil {
		return SnapshotRecord{}, err
	}

	var rec SnapshotRecord
	if err := json.Unmarshal(migrated, &rec); err != nil {
		return SnapshotRecord{}, fmt.Errorf("snapshot unmarshal: %w", err)
	}
	rec.SchemaVersion = CurrentSchemaVersion
	return rec, nil
}

// Sentinel errors for durability failures callers branch on.
var (
	// ErrUnknownSchema marks a snapshot written by a newer schema version.
	// Fatal for the session; never guessed at.
	ErrUnknownSchema = errors.New("unknown snapshot schema version")
	// ErrWriteExhausted marks a durable write whose retries ran out.
	// Escalated as fatal since recovery correctness depends on the log.
	ErrWriteExhausted = errors.New("durable write retries exhausted")
)
