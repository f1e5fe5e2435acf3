// Package natspublisher is the NATS-backed ports.EventPublisher, adapted
// from the teacher's event/eventbus/nats package: same connect-once /
// functional-options / os.Getenv("…_URL") idiom, but a JSON CloudEvents-like
// envelope (spec.md §6) instead of gob, and a per-request subject instead of
// a per-event-name subject.
package natspublisher

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"sync"
	"time"

	"github.com/nats-io/nats.go"

	"github.com/flowcore/workflow/eventlog"
)

// Publisher is the NATS ports.EventPublisher.
type Publisher struct {
	url         string
	source      string
	connectOpts []nats.Option

	connMux sync.Mutex
	conn    *nats.Conn

	onceConnect sync.Once
}

// Option is a Publisher option.
type Option func(*Publisher)

// URL sets the NATS connection URL. If unset, "WORKFLOW_NATS_URL" is used.
func URL(url string) Option { return func(p *Publisher) { p.url = url } }

// Source sets the stable "source" URI attached to every published event
// (spec.md §6 wire format).
func Source(source string) Option { return func(p *Publisher) { p.source = source } }

// Connection provides an already-connected *nats.Conn.
func Connection(conn *nats.Conn) Option { return func(p *Publisher) { p.conn = conn } }

// ConnectWith adds extra nats.Options used on first connect.
func ConnectWith(opts ...nats.Option) Option {
	return func(p *Publisher) { p.connectOpts = append(p.connectOpts, opts...) }
}

// New returns a NATS-backed ports.EventPublisher.
func New(opts ...Option) *Publisher {
	p := &Publisher{source: "urn:flowcore:workflow"}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

// envelope is the wire shape spec.md §6 names: a deterministic id, a
// versioned type, a stable source URI, the per-request subject, UTC time,
// the content type, and the correlation/causation extensions.
type envelope struct {
	ID              string          `json:"id"`
	Type            string          `json:"type"`
	Source          string          `json:"source"`
	Subject         string          `json:"subject"`
	Time            string          `json:"time"`
	DataContentType string          `json:"datacontenttype"`
	CorrelationID   *string         `json:"correlationId,omitempty"`
	CausationID     *string         `json:"causationId,omitempty"`
	Data            json.RawMessage `json:"data"`
}

// Publish implements ports.EventPublisher.
func (p *Publisher) Publish(ctx context.Context, eventType, subject string, evt eventlog.Event) error {
	if err := p.connectOnce(ctx); err != nil {
		return fmt.Errorf("natspublisher: connect: %w", err)
	}

	select {
	case <-ctx.Done():
		return ctx.Err()
	default:
	}

	env := envelope{
		ID:              evt.ID,
		Type:            eventType,
		Source:          p.source,
		Subject:         subject,
		Time:            evt.OccurredUTC.UTC().Format("2006-01-02T15:04:05.000Z"),
		DataContentType: "application/json",
		CorrelationID:   evt.CorrelationID,
		CausationID:     evt.CausationID,
		Data:            evt.Data,
	}

	payload, err := json.Marshal(env)
	if err != nil {
		return fmt.Errorf("natspublisher: encode envelope: %w", err)
	}

	if err := p.conn.Publish(subject, payload); err != nil {
		return fmt.Errorf("nats: %w", err)
	}
	return nil
}

// Envelope is the decoded wire shape handed to Subscribe callbacks.
type Envelope struct {
	ID            string
	Type          string
	Source        string
	Subject       string
	Time          string
	CorrelationID *string
	CausationID   *string
	Data          json.RawMessage
}

// ToEvent rebuilds an eventlog.Event from a received envelope, for handlers
// that expect eventlog.Event rather than the raw wire shape.
func (e Envelope) ToEvent() (eventlog.Event, error) {
	t, err := time.Parse("2006-01-02T15:04:05.000Z", e.Time)
	if err != nil {
		return eventlog.Event{}, fmt.Errorf("natspublisher: parse envelope time: %w", err)
	}
	return eventlog.Event{
		ID: e.ID, Type: e.Type, OccurredUTC: t, Data: e.Data,
		CorrelationID: e.CorrelationID, CausationID: e.CausationID,
	}, nil
}

// Subscribe delivers every envelope received on subject to handle, decoding
// the JSON wire shape published by Publish. It mirrors the teacher's
// EventBus.Subscribe in spirit (one NATS subscription, one decode step per
// message) without the gob fan-in machinery, since every envelope here
// already carries its own type.
func (p *Publisher) Subscribe(ctx context.Context, subject string, handle func(Envelope) error) error {
	if err := p.connectOnce(ctx); err != nil {
		return fmt.Errorf("natspublisher: connect: %w", err)
	}

	sub, err := p.conn.Subscribe(subject, func(msg *nats.Msg) {
		var env Envelope
		if err := json.Unmarshal(msg.Data, &env); err != nil {
			return
		}
		_ = handle(env)
	})
	if err != nil {
		return fmt.Errorf("natspublisher: subscribe %s: %w", subject, err)
	}

	go func() {
		<-ctx.Done()
		_ = sub.Unsubscribe()
	}()
	return nil
}

func (p *Publisher) connectOnce(ctx context.Context) error {
	var err error
	p.onceConnect.Do(func() { err = p.connect(ctx) })
	return err
}

func (p *Publisher) connect(ctx context.Context) error {
	p.connMux.Lock()
	defer p.connMux.Unlock()

	if p.conn != nil {
		return nil
	}

	url := p.url
	if url == "" {
		url = os.Getenv("WORKFLOW_NATS_URL")
	}
	if url == "" {
		url = nats.DefaultURL
	}

	conn, err := nats.Connect(url, p.connectOpts...)
	if err != nil {
		return fmt.Errorf("nats.Connect: %w", err)
	}
	p.conn = conn
	return nil
}
