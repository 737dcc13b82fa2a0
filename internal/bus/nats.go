// Package bus publishes job lifecycle events to NATS subjects.
package bus

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/nats-io/nats.go"

	"github.com/paulgrammer/taskmaster/internal/events"
)

const drainTimeout = 5 * time.Second

// Client is a NATS connection that publishes JSON payloads. It reconnects for
// as long as it is open.
type Client struct {
	conn   *nats.Conn
	closed chan struct{}
}

func Connect(url string, opts ...nats.Option) (*Client, error) {
	c := &Client{closed: make(chan struct{})}
	base := []nats.Option{
		nats.Name("taskmaster"),
		nats.MaxReconnects(-1),
		nats.ReconnectWait(2 * time.Second),
		nats.Timeout(5 * time.Second),
		nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
			if err != nil {
				slog.Warn("nats disconnected", "error", err)
			}
		}),
		nats.ReconnectHandler(func(nc *nats.Conn) {
			slog.Info("nats reconnected", "url", nc.ConnectedUrl())
		}),
		nats.ClosedHandler(func(*nats.Conn) {
			close(c.closed)
		}),
	}

	conn, err := nats.Connect(url, append(base, opts...)...)
	if err != nil {
		return nil, fmt.Errorf("bus: connecting to %s: %w", url, err)
	}
	c.conn = conn
	return c, nil
}

// Close delivers buffered messages and waits for the connection to close.
func (c *Client) Close() {
	if err := c.conn.Drain(); err != nil {
		slog.Warn("nats drain failed", "error", err)
		c.conn.Close()
		return
	}
	select {
	case <-c.closed:
	case <-time.After(drainTimeout):
		slog.Warn("nats drain timed out", "timeout", drainTimeout.String())
		c.conn.Close()
	}
}

func (c *Client) PublishJSON(subject string, v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("bus: encoding %s payload: %w", subject, err)
	}
	return c.conn.Publish(subject, data)
}

type jsonPublisher interface {
	PublishJSON(subject string, v any) error
}

// Publisher sends lifecycle events to "<subject>.<event type>", e.g.
// taskmaster.jobs.job.completed.
type Publisher struct {
	client  jsonPublisher
	subject string
}

func NewPublisher(client jsonPublisher, subject string) *Publisher {
	return &Publisher{client: client, subject: subject}
}

func (p *Publisher) Notify(_ context.Context, event events.Event) error {
	return p.client.PublishJSON(p.subject+"."+string(event.Type), event)
}
