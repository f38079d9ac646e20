package durability

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync/atomic"
	"time"

	"github.com/comalice/energyflow/internal/session"
)

// WriterConfig tunes the background durability worker.
type WriterConfig struct {
	QueueSize    int           `json:"queueSize" yaml:"queueSize"`
	FlushEvery   time.Duration `json:"flushEvery" yaml:"flushEvery"`
	MaxBatch     int           `json:"maxBatch" yaml:"maxBatch"`
	MaxRetries   int           `json:"maxRetries" yaml:"maxRetries"`
	RetryBackoff time.Duration `json:"retryBackoff" yaml:"retryBackoff"`
	// KeepLog disables compaction of entries made redundant by a snapshot.
	KeepLog bool `json:"keepLog" yaml:"keepLog"`
}

// DefaultWriterConfig returns the reference tuning: a 50ms flush window
// trades a small recovery-window risk for commit throughput.
func DefaultWriterConfig() WriterConfig {
	return WriterConfig{
		QueueSize:    1024,
		FlushEvery:   50 * time.Millisecond,
		MaxBatch:     256,
		MaxRetries:   5,
		RetryBackoff: 20 * time.Millisecond,
	}
}

func (c *WriterConfig) applyDefaults() {
	d := DefaultWriterConfig()
	if c.QueueSize <= 0 {
		c.QueueSize = d.QueueSize
	}
	if c.FlushEvery <= 0 {
		c.FlushEvery = d.FlushEvery
	}
	if c.MaxBatch <= 0 {
		c.MaxBatch = d.MaxBatch
	}
	if c.MaxRetries <= 0 {
		c.MaxRetries = d.MaxRetries
	}
	if c.RetryBackoff <= 0 {
		c.RetryBackoff = d.RetryBackoff
	}
}

// snapshotReq asks the writer to snapshot the captured state. seq pins the
// record's cutoff to the entries that state covers: entries enqueued after
// the capture stay out of the cutoff even when the writer has already seen
// them.
type snapshotReq struct {
	state session.Memento
	seq   int64
	final bool
	reply chan snapshotReply
}

type snapshotReply struct {
	rec SnapshotRecord
	err error
}

// Writer is the single consumer of the durability queue. The scheduler
// enqueues; the writer batches entries over the flush window and commits
// them in enqueue order. The queue is bounded and applies backpressure to
// the producer rather than dropping: losing durable entries would break
// recovery, and the scheduler tolerates the bounded queuing delay.
type Writer struct {
	cfg   WriterConfig
	wal   *WAL
	store *SnapshotStore
	// markClean stamps the clean-shutdown marker after a final snapshot
	// durably commits.
	markClean func() error
	log       *slog.Logger

	entryQ chan session.LogEntry
	snapQ  chan snapshotReq
	fatal  chan error
	quit   chan struct{}
	done   chan struct{}

	// enqueued numbers entries as producers hand them over; snapshot
	// requests carry the sequence their captured state covers.
	enqueued atomic.Int64

	// Writer-goroutine only.
	committedSeq  int64
	lastCommitted int64
}

// NewWriter builds a writer; Start launches its goroutine.
func NewWriter(wal *WAL, store *SnapshotStore, markClean func() error, cfg WriterConfig, log *slog.Logger) *Writer {
	cfg.applyDefaults()
	if log == nil {
		log = slog.Default()
	}
	return &Writer{
		cfg:       cfg,
		wal:       wal,
		store:     store,
		markClean: markClean,
		log:       log,
		entryQ:    make(chan session.LogEntry, cfg.QueueSize),
		snapQ:     make(chan snapshotReq),
		fatal:     make(chan error, 1),
		quit:      make(chan struct{}),
		done:      make(chan struct{}),
	}
}

// Start launches the background loop.
func (w *Writer) Start() {
	go w.run()
}

// Enqueue hands one log entry to the writer. Blocks when the queue is full
// (backpressure) and fails once the writer has stopped.
func (w *Writer) Enqueue(e session.LogEntry) error {
	select {
	case w.entryQ <- e:
		w.enqueued.Add(1)
		return nil
	case <-w.done:
		return errors.New("durability writer stopped")
	}
}

// Enqueued reports how many entries producers have handed over. A caller
// that reads it right after capturing a state memento gets the sequence
// that memento covers, with no entries from later folds counted.
func (w *Writer) Enqueued() int64 { return w.enqueued.Load() }

// RequestSnapshot commits pending entries through sequence seq and writes
// a snapshot whose cutoff is the ID of the entry carrying seq. Entries
// enqueued past seq stay pending, so a crash between the capture and the
// snapshot never loses them to compaction or replay skipping. When final
// is set, the clean-shutdown marker is stamped after the snapshot commits.
func (w *Writer) RequestSnapshot(state session.Memento, seq int64, final bool) (SnapshotRecord, error) {
	req := snapshotReq{state: state, seq: seq, final: final, reply: make(chan snapshotReply, 1)}
	select {
	case w.snapQ <- req:
	case <-w.done:
		return SnapshotRecord{}, errors.New("durability writer stopped")
	}
	rep := <-req.reply
	return rep.rec, rep.err
}

// Fatal delivers the single unrecoverable durability error, if one occurs.
func (w *Writer) Fatal() <-chan error { return w.fatal }

// Close flushes whatever is queued and stops the loop.
func (w *Writer) Close() error {
	close(w.quit)
	<-w.done
	return nil
}

func (w *Writer) run() {
	defer close(w.done)

	ticker := time.NewTicker(w.cfg.FlushEvery)
	defer ticker.Stop()

	batch := make([]session.LogEntry, 0, w.cfg.MaxBatch)
	for {
		select {
		case e := <-w.entryQ:
			batch = append(batch, e)
			if len(batch) >= w.cfg.MaxBatch {
				if !w.flush(&batch) {
					return
				}
			}
		case <-ticker.C:
			if !w.flush(&batch) {
				return
			}
		case req := <-w.snapQ:
			// Commit exactly through the request's sequence; entries
			// enqueued after the state was captured stay pending.
			batch = w.drain(batch)
			if need := req.seq - w.committedSeq; need > 0 {
				if need > int64(len(batch)) {
					need = int64(len(batch))
				}
				head := batch[:need]
				if !w.flush(&head) {
					req.reply <- snapshotReply{err: ErrWriteExhausted}
					return
				}
				batch = batch[:copy(batch, batch[need:])]
			}
			req.reply <- w.snapshot(req)
		case <-w.quit:
			batch = w.drain(batch)
			w.flush(&batch)
			return
		}
	}
}

func (w *Writer) drain(batch []session.LogEntry) []session.LogEntry {
	for {
		select {
		case e := <-w.entryQ:
			batch = append(batch, e)
		default:
			return batch
		}
	}
}

// flush commits the batch with bounded retries. Returns false when retries
// are exhausted, which escalates a fatal error: continuing without the log
// would corrupt recovery.
func (w *Writer) flush(batch *[]session.LogEntry) bool {
	if len(*batch) == 0 {
		return true
	}
	var err error
	backoff := w.cfg.RetryBackoff
	for attempt := 0; attempt <= w.cfg.MaxRetries; attempt++ {
		var lastID int64
		if lastID, err = w.wal.Append(context.Background(), *batch); err == nil {
			w.lastCommitted = lastID
			w.committedSeq += int64(len(*batch))
			*batch = (*batch)[:0]
			return true
		}
		w.log.Warn("durable append failed, retrying",
			"attempt", attempt+1, "entries", len(*batch), "error", err)
		time.Sleep(backoff)
		backoff *= 2
	}
	w.fatal <- fmt.Errorf("%w: %v", ErrWriteExhausted, err)
	return false
}

func (w *Writer) snapshot(req snapshotReq) snapshotReply {
	// Sequence-to-ID arithmetic holds because this writer is the log's only
	// appender: IDs advance by exactly one per committed entry.
	cutoff := w.lastCommitted - (w.committedSeq - req.seq)
	rec, err := w.store.Write(req.state.SessionID, req.state, cutoff)
	if err != nil {
		w.log.Error("snapshot write failed", "session", req.state.SessionID, "error", err)
		return snapshotReply{err: err}
	}
	w.log.Debug("snapshot written",
		"session", rec.SessionID, "id", rec.ID, "cutoff", rec.LastLogEntryID)

	// Older log entries are redundant once the snapshot is durable.
	if !w.cfg.KeepLog {
		if err := w.wal.Compact(context.Background(), rec.SessionID, rec.LastLogEntryID); err != nil {
			w.log.Warn("log compaction failed", "session", rec.SessionID, "error", err)
		}
	}

	if req.final && w.markClean != nil {
		if err := w.markClean(); err != nil {
			return snapshotReply{rec: rec, err: fmt.Errorf("clean marker: %w", err)}
		}
	}
	return snapshotReply{rec: rec}
}

// LastCommittedID reports the newest committed entry ID. Meaningful only
// from the writer goroutine or after Close.
func (w *Writer) LastCommittedID() int64 { return w.lastCommitted }
