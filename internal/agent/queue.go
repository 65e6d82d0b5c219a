package agent

import "sync"

// commandKind discriminates the instructions the agent loop accepts.
type commandKind int

const (
	cmdFlush commandKind = iota + 1
	cmdSkipWaiting
	cmdOnline
	cmdPush
	cmdCheckUpdate
)

// command is one inbound instruction for the agent loop.
type command struct {
	kind    commandKind
	online  bool   // cmdOnline
	payload []byte // cmdPush
}

// commandQueue is an unbounded FIFO with a wake signal. Producers never
// block; the loop drains with TryDequeue and parks on Wait.
type commandQueue struct {
	mu     sync.Mutex
	items  []command
	closed bool

	// signal has capacity 1 so a send never blocks and repeated enqueues
	// coalesce into one wakeup.
	signal chan struct{}
}

func newCommandQueue() *commandQueue {
	return &commandQueue{signal: make(chan struct{}, 1)}
}

// Enqueue appends cmd and wakes the loop. It reports false once the
// queue is closed.
func (q *commandQueue) Enqueue(cmd command) bool {
	q.mu.Lock()
	if q.closed {
		q.mu.Unlock()
		return false
	}
	q.items = append(q.items, cmd)
	q.mu.Unlock()

	q.kick()
	return true
}

// TryDequeue pops the oldest command without blocking.
func (q *commandQueue) TryDequeue() (command, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if len(q.items) == 0 {
		return command{}, false
	}
	cmd := q.items[0]
	q.items = q.items[1:]
	return cmd, true
}

// Wait returns the wake channel. Receive from it in a select; a signal
// means the queue MAY have commands or may have been closed.
func (q *commandQueue) Wait() <-chan struct{} {
	return q.signal
}

// Close marks the queue closed and wakes the loop so it can observe the
// closure. Commands already queued still drain.
func (q *commandQueue) Close() {
	q.mu.Lock()
	q.closed = true
	q.mu.Unlock()

	q.kick()
}

func (q *commandQueue) Closed() bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.closed
}

func (q *commandQueue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.items)
}

func (q *commandQueue) kick() {
	select {
	case q.signal <- struct{}{}:
	default:
	}
}
