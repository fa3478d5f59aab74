// Package events publishes audit records to NATS subjects.
package events

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/nats-io/nats.go"

	"stancore/internal/core"
)

// DefaultSubject prefixes every published subject.
const DefaultSubject = "stancore.audit"

// conn is the subset of *nats.Conn the publisher uses.
type conn interface {
	Publish(subject string, data []byte) error
	Drain() error
}

// Envelope wraps a published payload.
type Envelope struct {
	Kind        string          `json:"kind"`
	PublishedAt time.Time       `json:"published_at"`
	Payload     json.RawMessage `json:"payload"`
}

// Publisher sends JSON envelopes to "<subject>.<kind>". It implements
// core.AuditRecorder for service audit entries.
type Publisher struct {
	conn    conn
	subject string
	logger  core.Logger
	now     func() time.Time
}

// Connect dials url and returns a publisher on subject. An empty subject
// uses DefaultSubject.
func Connect(url, subject string, logger core.Logger) (*Publisher, error) {
	if url == "" {
		return nil, errors.New("nats url is required")
	}
	nc, err := nats.Connect(url,
		nats.Name("stancore"),
		nats.MaxReconnects(-1),
		nats.ReconnectWait(2*time.Second),
		nats.Timeout(5*time.Second),
	)
	if err != nil {
		return nil, fmt.Errorf("connect to nats: %w", err)
	}
	return newPublisher(nc, subject, logger), nil
}

func newPublisher(c conn, subject string, logger core.Logger) *Publisher {
	if subject == "" {
		subject = DefaultSubject
	}
	if logger == nil {
		logger = discard{}
	}
	return &Publisher{conn: c, subject: subject, logger: logger, now: func() time.Time { return time.Now().UTC() }}
}

// Publish marshals payload into an envelope of kind and publishes it.
func (p *Publisher) Publish(ctx context.Context, kind string, payload any) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	raw, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("marshal %s event: %w", kind, err)
	}
	data, err := json.Marshal(Envelope{Kind: kind, PublishedAt: p.now(), Payload: raw})
	if err != nil {
		return fmt.Errorf("marshal %s envelope: %w", kind, err)
	}
	subject := p.subject + "." + kind
	if err := p.conn.Publish(subject, data); err != nil {
		return fmt.Errorf("publish %s: %w", subject, err)
	}
	return nil
}

// Record implements core.AuditRecorder. Failures are logged, not returned.
func (p *Publisher) Record(ctx context.Context, entry core.AuditEntry) {
	if err := p.Publish(ctx, "service", entry); err != nil {
		p.logger.Warn("audit publish failed", "operation", entry.Operation, "error", err)
	}
}

// Close drains pending messages and closes the connection.
func (p *Publisher) Close() error {
	return p.conn.Drain()
}

type discard struct{}

func (discard) Debug(string, ...any) {}
func (discard) Info(string, ...any)  {}
func (discard) Warn(string, ...any)  {}
func (discard) Error(string, ...any) {}
