package energyflow

import (
	"sync"

	"github.com/comalice/energyflow/internal/primitives"
)

// input is one queued unit of work: a token metric or a control command.
type input struct {
	token primitives.TokenMetric
	cmd   *primitives.Command
	seq   uint64
	// retries counts failed processing attempts for the retry cap.
	retries int
}

func (in input) isCommand() bool { return in.cmd != nil }

// ingress is the bounded multiplexed queue between producer goroutines
// (one per source, plus control) and the single-consumer scheduler loop.
// Producers only enqueue; they never touch session state.
//
// Overflow policy: drop-oldest. A stalled consumer sheds the stalest
// tokens rather than blocking producers or growing without bound; the drop
// count is surfaced in Stats. Per-source arrival order is preserved by the
// sequence numbers; cross-source interleaving is whatever arrival order
// produced.
type ingress struct {
	mu      sync.Mutex
	buf     []input
	head    int
	filled  int
	seq     uint64
	dropped uint64
}

func newIngress(capacity int) *ingress {
	return &ingress{buf: make([]input, capacity)}
}

// push enqueues one input, dropping the oldest when full.
func (q *ingress) push(in input) {
	q.mu.Lock()
	defer q.mu.Unlock()

	in.seq = q.seq
	q.seq++

	if q.filled == len(q.buf) {
		q.head = (q.head + 1) % len(q.buf)
		q.filled--
		q.dropped++
	}
	q.buf[(q.head+q.filled)%len(q.buf)] = in
	q.filled++
}

// requeue puts a failed input back at the front so its retry runs next
// cycle in original order.
func (q *ingress) requeue(in input) {
	q.mu.Lock()
	defer q.mu.Unlock()

	if q.filled == len(q.buf) {
		// Queue refilled behind us; the retry loses to fresh input.
		q.dropped++
		return
	}
	q.head = (q.head - 1 + len(q.buf)) % len(q.buf)
	q.buf[q.head] = in
	q.filled++
}

// drain removes up to max inputs in FIFO order.
func (q *ingress) drain(max int) []input {
	q.mu.Lock()
	defer q.mu.Unlock()

	n := q.filled
	if n > max {
		n = max
	}
	if n == 0 {
		return nil
	}
	out := make([]input, n)
	for i := 0; i < n; i++ {
		out[i] = q.buf[(q.head+i)%len(q.buf)]
	}
	q.head = (q.head + n) % len(q.buf)
	q.filled -= n
	return out
}

func (q *ingress) pending() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.filled
}

func (q *ingress) droppedCount() uint64 {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.dropped
}
