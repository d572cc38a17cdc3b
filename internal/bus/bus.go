// Package bus wraps the pub-sub substrate (NATS) behind the narrow
// interface the Streaming Dispatcher needs: fire-and-forget publish
// with headers, ephemeral subscribe, and durable stream publish for
// the raw-memory subject. See spec §4.A.
package bus

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/nats-io/nats.go"
)

// Message is a bus delivery handed to a subscription handler. Handlers
// never see the underlying transport type.
type Message struct {
	Subject string
	Data    []byte
	Headers map[string]string
}

// Handler processes one message. Handler invocations for a given
// subject are serialized by the underlying NATS dispatcher.
type Handler func(Message)

// Subscription is an active ephemeral subscription.
type Subscription interface {
	Unsubscribe() error
}

// Bus is the uniform surface the Dispatcher depends on. Defined as an
// interface so tests can substitute an in-memory fake instead of a live
// NATS server.
type Bus interface {
	Publish(subject string, payload []byte, headers map[string]string) error
	Subscribe(subject string, handler Handler) (Subscription, error)
	PublishStream(ctx context.Context, streamSubject string, payload []byte) error
	Close()
}

// ErrUnavailable is returned by Publish when the underlying transport
// has no connection (fail-fast per spec §4.A).
var ErrUnavailable = errors.New("bus: unavailable")

// Client is the NATS-backed Bus implementation.
type Client struct {
	conn       *nats.Conn
	js         nats.JetStreamContext
	streamName string
	log        *slog.Logger
}

// Config controls connection and reconnect behavior.
type Config struct {
	URL              string
	RawMemorySubject string
	ReconnectMin     time.Duration
	ReconnectMax     time.Duration

	// OnReconnect, if set, is invoked each time the connection recovers
	// (wired to the reconnect counter in internal/metrics).
	OnReconnect func()
}

// Connect dials the bus with exponential reconnect backoff (base
// ReconnectMin, capped at ReconnectMax, per spec §4.A) and ensures the
// durable raw-memory stream exists.
func Connect(cfg Config) (*Client, error) {
	log := slog.With("component", "bus")

	opts := []nats.Option{
		nats.RetryOnFailedConnect(true),
		nats.MaxReconnects(-1),
		nats.CustomReconnectDelay(func(attempts int) time.Duration {
			delay := cfg.ReconnectMin << uint(attempts)
			if delay <= 0 || delay > cfg.ReconnectMax {
				delay = cfg.ReconnectMax
			}
			return delay
		}),
		nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
			if err != nil {
				log.Warn("disconnected from bus", "error", err)
			}
		}),
		nats.ReconnectHandler(func(nc *nats.Conn) {
			log.Info("reconnected to bus", "url", nc.ConnectedUrl())
			if cfg.OnReconnect != nil {
				cfg.OnReconnect()
			}
		}),
		nats.ClosedHandler(func(*nats.Conn) {
			log.Warn("bus connection closed")
		}),
	}

	conn, err := nats.Connect(cfg.URL, opts...)
	if err != nil {
		return nil, fmt.Errorf("bus: connect: %w", err)
	}

	js, err := conn.JetStream()
	if err != nil {
		conn.Close()
		return nil, fmt.Errorf("bus: jetstream context: %w", err)
	}

	streamName := "MEMORY"
	_, err = js.AddStream(&nats.StreamConfig{
		Name:     streamName,
		Subjects: []string{cfg.RawMemorySubject},
	})
	if err != nil && !strings.Contains(err.Error(), "already in use") {
		log.Warn("could not ensure raw-memory stream exists", "error", err)
	}

	return &Client{conn: conn, js: js, streamName: streamName, log: log}, nil
}

// Publish fires a fire-and-forget message with headers. Fails fast with
// ErrUnavailable when the connection is down (spec §4.A).
func (c *Client) Publish(subject string, payload []byte, headers map[string]string) error {
	if !c.conn.IsConnected() {
		return ErrUnavailable
	}
	msg := &nats.Msg{Subject: subject, Data: payload}
	if len(headers) > 0 {
		msg.Header = nats.Header{}
		for k, v := range headers {
			msg.Header.Set(k, v)
		}
	}
	if err := c.conn.PublishMsg(msg); err != nil {
		return fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	return nil
}

// Subscribe registers an ephemeral, asynchronous handler for subject.
func (c *Client) Subscribe(subject string, handler Handler) (Subscription, error) {
	sub, err := c.conn.Subscribe(subject, func(m *nats.Msg) {
		headers := map[string]string{}
		for k := range m.Header {
			headers[k] = m.Header.Get(k)
		}
		handler(Message{Subject: m.Subject, Data: m.Data, Headers: headers})
	})
	if err != nil {
		return nil, fmt.Errorf("bus: subscribe %s: %w", subject, err)
	}
	return sub, nil
}

// PublishStream publishes to the durable, replayable raw-memory
// subject. At-least-once: consumers of this stream must be idempotent
// (spec §4.A).
func (c *Client) PublishStream(ctx context.Context, streamSubject string, payload []byte) error {
	_, err := c.js.Publish(streamSubject, payload, nats.Context(ctx))
	if err != nil {
		return fmt.Errorf("bus: publish stream %s: %w", streamSubject, err)
	}
	return nil
}

// Close closes the underlying connection without draining its
// subscriptions.
func (c *Client) Close() {
	if c.conn != nil {
		c.conn.Close()
	}
}
