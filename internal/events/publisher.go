// Package events publishes domain events on the outbound stream.
//
// Ordering contract: the subject embeds the event's partition key, and
// JetStream preserves per-subject publish order, so a consumer of one
// subject observes a single invocation's events in the order they were
// published. No ordering is promised across partition keys.
package events

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/nats-io/nats.go"
	"github.com/sirupsen/logrus"

	"github.com/outboundlabs/triggerd/internal/domain"
)

const (
	// StreamName is the JetStream stream that retains trigger events.
	StreamName = "TRIGGER_EVENTS"
	// subjectRoot prefixes every event subject.
	subjectRoot = "trigger"
)

// NATSPublisher publishes domain events to a JetStream stream.
type NATSPublisher struct {
	conn   *nats.Conn
	js     nats.JetStreamContext
	logger *logrus.Logger
}

// Connect dials NATS, ensures the stream exists, and returns a publisher.
func Connect(url string, logger *logrus.Logger) (*NATSPublisher, error) {
	conn, err := nats.Connect(url,
		nats.Name("triggerd"),
		nats.MaxReconnects(-1),
	)
	if err != nil {
		return nil, fmt.Errorf("connect to nats: %w", err)
	}

	js, err := conn.JetStream()
	if err != nil {
		conn.Close()
		return nil, fmt.Errorf("jetstream context: %w", err)
	}

	_, err = js.AddStream(&nats.StreamConfig{
		Name:     StreamName,
		Subjects: []string{subjectRoot + ".>"},
		Storage:  nats.FileStorage,
	})
	if err != nil && !streamExists(err) {
		conn.Close()
		return nil, fmt.Errorf("ensure stream %s: %w", StreamName, err)
	}

	return &NATSPublisher{conn: conn, js: js, logger: logger}, nil
}

// Publish serializes the event and publishes it on its partition subject,
// waiting for the stream acknowledgement.
func (p *NATSPublisher) Publish(ctx context.Context, event domain.Event) error {
	data, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("marshal event %s: %w", event.EventType(), err)
	}

	subject := Subject(event.EventType(), event.PartitionKey())
	if _, err := p.js.Publish(subject, data, nats.Context(ctx)); err != nil {
		return fmt.Errorf("publish %s: %w", subject, err)
	}

	p.logger.WithFields(logrus.Fields{
		"subject":    subject,
		"event_type": event.EventType(),
	}).Debug("events: published")
	return nil
}

// Conn exposes the underlying connection for core NATS subscribers.
func (p *NATSPublisher) Conn() *nats.Conn {
	return p.conn
}

// Close drains the connection.
func (p *NATSPublisher) Close() {
	if p.conn != nil {
		p.conn.Close()
	}
}

// Ping reports whether the NATS connection is alive. Used by the health
// endpoint.
func (p *NATSPublisher) Ping() error {
	if !p.conn.IsConnected() {
		return fmt.Errorf("nats disconnected")
	}
	return nil
}

// streamExists reports whether a stream-ensure failure just means another
// instance created the stream first. JetStream errors can arrive wrapped.
func streamExists(err error) bool {
	return errors.Is(err, nats.ErrStreamNameAlreadyInUse)
}

// Subject maps an event to its NATS subject. Event types are dotted
// ("invocation.completed"); the partition key sits between the category and
// the leaf so ordered consumers subscribe to trigger.<category>.<key>.>.
func Subject(eventType, partitionKey string) string {
	category, leaf, found := strings.Cut(eventType, ".")
	if !found {
		leaf = "event"
	}
	return subjectRoot + "." + category + "." + sanitizeToken(partitionKey) + "." + leaf
}

// sanitizeToken rewrites a partition key into a single valid NATS token.
func sanitizeToken(key string) string {
	if key == "" {
		return "none"
	}
	return strings.Map(func(r rune) rune {
		switch r {
		case '.', ' ', '*', '>':
			return '-'
		}
		return r
	}, key)
}
