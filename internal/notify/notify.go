// Package notify publishes cluster events (role changes, peer failure
// suspicion, dead-letter moves) on an advisory NATS side channel clients
// may optionally watch — it carries no consensus-critical data and
// subscribers missing a notification never affects correctness (SPEC_FULL.md's
// domain-stack addition wiring github.com/nats-io/nats.go, a dependency the
// teacher's cmd/worker/main.go constructs a broker from but whose
// implementation body is not present anywhere in the retrieved pack).
// The publish/subscribe surface mirrors internal/core/broker.go's
// Broker.Publish/Subscribe shape (topic-keyed delivery, a small bounded
// retry, structured zap logging of delivery failures) adapted onto a real
// NATS connection instead of the teacher's in-process channel broker.
package notify

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/nats-io/nats.go"
	"go.uber.org/zap"
)

// EventKind tags the advisory events this side channel carries.
type EventKind string

const (
	EventRoleChanged    EventKind = "role_changed"
	EventPeerSuspected  EventKind = "peer_suspected"
	EventPeerFailed     EventKind = "peer_failed"
	EventMessageDead    EventKind = "message_dead_lettered"
	EventDeadlockBroken EventKind = "deadlock_broken"
)

// Event is the payload published on every notify subject.
type Event struct {
	Kind      EventKind `json:"kind"`
	NodeID    string    `json:"node_id"`
	Detail    string    `json:"detail"`
	Timestamp time.Time `json:"timestamp"`
}

const subjectPrefix = "clustercore.events."

// Publisher publishes Events to a NATS subject namespaced by EventKind.
type Publisher struct {
	conn   *nats.Conn
	logger *zap.Logger
}

// Connect dials url (empty uses nats.DefaultURL) with a small bounded
// reconnect budget, mirroring the teacher's RetryAttempts/RetryDelay
// broker-delivery posture.
func Connect(url string, logger *zap.Logger) (*Publisher, error) {
	if url == "" {
		url = nats.DefaultURL
	}
	conn, err := nats.Connect(url,
		nats.MaxReconnects(5),
		nats.ReconnectWait(time.Second),
		nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
			if logger != nil && err != nil {
				logger.Warn("notify: disconnected from NATS", zap.Error(err))
			}
		}),
	)
	if err != nil {
		return nil, fmt.Errorf("notify: connect: %w", err)
	}
	return &Publisher{conn: conn, logger: logger}, nil
}

// Publish sends ev on its kind's subject. Delivery is best-effort: a
// publish failure is logged, never returned to the consensus path that
// triggered it.
func (p *Publisher) Publish(ev Event) {
	if ev.Timestamp.IsZero() {
		ev.Timestamp = time.Now()
	}
	data, err := json.Marshal(ev)
	if err != nil {
		if p.logger != nil {
			p.logger.Error("notify: marshal event failed", zap.Error(err))
		}
		return
	}
	if err := p.conn.Publish(subjectPrefix+string(ev.Kind), data); err != nil {
		if p.logger != nil {
			p.logger.Warn("notify: publish failed", zap.String("kind", string(ev.Kind)), zap.Error(err))
		}
	}
}

func (p *Publisher) Close() {
	p.conn.Close()
}

// Subscriber watches one or more event kinds for external tooling (e.g. a
// CLI watching for deadlock victims).
type Subscriber struct {
	conn *nats.Conn
}

func NewSubscriber(conn *nats.Conn) *Subscriber {
	return &Subscriber{conn: conn}
}

// Subscribe delivers every Event published for kind to handler until the
// returned nats.Subscription is unsubscribed.
func (s *Subscriber) Subscribe(kind EventKind, handler func(Event)) (*nats.Subscription, error) {
	return s.conn.Subscribe(subjectPrefix+string(kind), func(msg *nats.Msg) {
		var ev Event
		if err := json.Unmarshal(msg.Data, &ev); err != nil {
			return
		}
		handler(ev)
	})
}
