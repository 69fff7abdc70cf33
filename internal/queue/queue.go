// Package queue implements the partitioned, at-least-once message queue
// (spec §4.4): pending/inflight/acked/dead states, a visibility-timeout
// sweeper, and a DLQ at a configured retry threshold. Heavily grounded on
// internal/core/queue.go's Queue (queueItem in-flight tracking,
// Ack/Nack/sweep-timeout loop) and internal/core/broker.go's
// retry-with-backoff delivery loop, generalized so every state
// transition — enqueue, reserve, ack, return, dead-letter — is applied
// from a committed log entry rather than mutated directly, and so
// ownership of a queue name is assigned by internal/queue.Ring instead of
// always being local.
package queue

import (
	"sync"
	"time"

	"github.com/ruvnet/clustercore/internal/consensus"
)

// MessageState mirrors the teacher's string Status field ("pending",
// "in_flight", "dead_letter") as a closed enum.
type MessageState int

const (
	StatePending MessageState = iota
	StateInFlight
	StateAcked
	StateDead
)

type message struct {
	id          string
	queueName   string
	payload     []byte
	producedAt  time.Time
	attempts    int
	state       MessageState
	consumerID  string
	visibleAt   time.Time
}

// Table is one node's view of the replicated queue state, applied only
// from committed QueueEnqueue/QueueReserve/QueueAck/QueueReturn/QueueDead
// commands.
type Table struct {
	mu         sync.Mutex
	maxRetries int

	// pending holds, per queue name, message IDs in FIFO enqueue order
	// that are neither reserved nor dead.
	pending map[string][]string
	dead    map[string][]string

	messages map[string]*message
}

func NewTable(maxRetries int) *Table {
	return &Table{
		maxRetries: maxRetries,
		pending:    make(map[string][]string),
		dead:       make(map[string][]string),
		messages:   make(map[string]*message),
	}
}

// Enqueue applies a QueueEnqueueCmd, appending the message to its queue's
// pending list.
func (t *Table) Enqueue(cmd *consensus.QueueEnqueueCmd) {
	t.mu.Lock()
	defer t.mu.Unlock()

	if _, exists := t.messages[cmd.MessageID]; exists {
		return // idempotent replay of an already-applied entry
	}

	t.messages[cmd.MessageID] = &message{
		id:         cmd.MessageID,
		queueName:  cmd.QueueName,
		payload:    cmd.Payload,
		producedAt: cmd.ProducedAt,
		state:      StatePending,
	}
	t.pending[cmd.QueueName] = append(t.pending[cmd.QueueName], cmd.MessageID)
}

// Reserve applies a QueueReserveCmd: the pending message cmd.MessageID is
// handed to consumerID and becomes invisible until visibleAt (a message
// that is unknown or not pending is left as it is),
// implementing at-least-once delivery via a visibility timeout rather than
// outright removal (spec §4.4).
func (t *Table) Reserve(cmd *consensus.QueueReserveCmd) {
	t.mu.Lock()
	defer t.mu.Unlock()

	msg, ok := t.messages[cmd.MessageID]
	if !ok || msg.state != StatePending {
		return
	}

	msg.state = StateInFlight
	msg.consumerID = cmd.ConsumerID
	msg.visibleAt = cmd.VisibleAt
	msg.attempts++
	t.removeFromPendingLocked(msg.queueName, msg.id)
}

// NextPending returns the oldest pending message ID in queueName, or ""
// if none. Callers propose a QueueReserve for it through consensus —
// this method itself performs no mutation.
func (t *Table) NextPending(queueName string) string {
	t.mu.Lock()
	defer t.mu.Unlock()

	ids := t.pending[queueName]
	if len(ids) == 0 {
		return ""
	}
	return ids[0]
}

// Ack applies a QueueAckCmd, permanently removing the message.
func (t *Table) Ack(cmd *consensus.QueueAckCmd) {
	t.mu.Lock()
	defer t.mu.Unlock()

	msg, ok := t.messages[cmd.MessageID]
	if !ok {
		return
	}
	msg.state = StateAcked
	delete(t.messages, cmd.MessageID)
}

// Return applies a QueueReturnCmd: a reservation expired or was explicitly
// nacked. An in-flight message always goes back to the end of its queue's
// pending list; Return never dead-letters. The DLQ move is the separate
// QueueDead command, which the caller proposes instead of QueueReturn when
// ShouldDeadLetter reports true (DLQ moves, like every other mutation, are
// log-proposed, not implicit).
func (t *Table) Return(cmd *consensus.QueueReturnCmd) {
	t.mu.Lock()
	defer t.mu.Unlock()

	msg, ok := t.messages[cmd.MessageID]
	if !ok || msg.state != StateInFlight {
		return
	}

	msg.state = StatePending
	msg.consumerID = ""
	t.pending[msg.queueName] = append(t.pending[msg.queueName], msg.id)
}

// ShouldDeadLetter reports whether msgID has exhausted its retry budget
// and is still in flight — the caller proposes QueueDead when true,
// instead of QueueReturn.
func (t *Table) ShouldDeadLetter(msgID string) bool {
	t.mu.Lock()
	defer t.mu.Unlock()

	msg, ok := t.messages[msgID]
	return ok && msg.state == StateInFlight && msg.attempts >= t.maxRetries
}

// Dead applies a QueueDeadCmd, moving the message to its queue's DLQ.
func (t *Table) Dead(cmd *consensus.QueueDeadCmd) {
	t.mu.Lock()
	defer t.mu.Unlock()

	msg, ok := t.messages[cmd.MessageID]
	if !ok {
		return
	}
	msg.state = StateDead
	t.dead[msg.queueName] = append(t.dead[msg.queueName], msg.id)
}

func (t *Table) removeFromPendingLocked(queueName, messageID string) {
	ids := t.pending[queueName]
	for i, id := range ids {
		if id == messageID {
			t.pending[queueName] = append(ids[:i], ids[i+1:]...)
			return
		}
	}
}

// ExpiredReservations returns message IDs whose visibility timeout has
// passed, for the sweeper to propose QueueReturn/QueueDead for.
func (t *Table) ExpiredReservations(now time.Time) []string {
	t.mu.Lock()
	defer t.mu.Unlock()

	var expired []string
	for id, msg := range t.messages {
		if msg.state == StateInFlight && now.After(msg.visibleAt) {
			expired = append(expired, id)
		}
	}
	return expired
}

// Stats is a read-only snapshot of one queue's pending/in-flight/DLQ
// counts (SPEC_FULL.md §5's Queue.Stats addition).
type Stats struct {
	QueueName string
	Pending   int
	InFlight  int
	Dead      int
}

func (t *Table) Stats(queueName string) Stats {
	t.mu.Lock()
	defer t.mu.Unlock()

	stats := Stats{QueueName: queueName, Pending: len(t.pending[queueName]), Dead: len(t.dead[queueName])}
	for _, msg := range t.messages {
		if msg.queueName == queueName && msg.state == StateInFlight {
			stats.InFlight++
		}
	}
	return stats
}

// Payload returns a message's payload by ID, for a caller that has just
// reserved it and needs to hand the bytes back to the consumer.
func (t *Table) Payload(messageID string) ([]byte, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()

	msg, ok := t.messages[messageID]
	if !ok {
		return nil, false
	}
	return msg.payload, true
}

// Peek returns, without mutating state, up to n pending message payloads
// for queueName (SPEC_FULL.md §5's Queue.Peek addition).
func (t *Table) Peek(queueName string, n int) [][]byte {
	t.mu.Lock()
	defer t.mu.Unlock()

	ids := t.pending[queueName]
	if n > len(ids) {
		n = len(ids)
	}
	out := make([][]byte, 0, n)
	for _, id := range ids[:n] {
		out = append(out, t.messages[id].payload)
	}
	return out
}

// Sweeper periodically scans for expired reservations (on every node) and
// hands them to onExpired, which decides whether to propose
// QueueReturn/QueueDead, mirroring
// the teacher's performCleanup in-flight-timeout handling but driven
// through consensus instead of direct mutation.
type Sweeper struct {
	table    *Table
	interval time.Duration
	stopCh   chan struct{}
}

func NewSweeper(table *Table, interval time.Duration) *Sweeper {
	return &Sweeper{table: table, interval: interval, stopCh: make(chan struct{})}
}

func (s *Sweeper) Run(onExpired func(messageID string)) {
	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	for {
		select {
		case <-s.stopCh:
			return
		case <-ticker.C:
			for _, id := range s.table.ExpiredReservations(time.Now()) {
				onExpired(id)
			}
		}
	}
}

func (s *Sweeper) Stop() {
	close(s.stopCh)
}
