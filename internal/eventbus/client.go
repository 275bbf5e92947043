package eventbus

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/nats-io/nats.go"
)

// Event is the envelope carried on every events.> topic.
type Event struct {
	Type      string         `json:"type"`
	Timestamp string         `json:"timestamp"`
	Data      map[string]any `json:"data,omitempty"`
}

// Client is a connection to the embedded bus, shared by everything in
// the daemon that publishes or subscribes.
type Client struct {
	conn *nats.Conn
}

func NewClient(bus *Bus) (*Client, error) {
	conn, err := nats.Connect(bus.ClientURL())
	if err != nil {
		return nil, fmt.Errorf("connect to nats: %w", err)
	}
	return &Client{conn: conn}, nil
}

func (c *Client) PublishJSON(topic string, v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("marshal: %w", err)
	}
	return c.conn.Publish(topic, data)
}

func (c *Client) Subscribe(topic string, handler func(msg *nats.Msg)) (*nats.Subscription, error) {
	return c.conn.Subscribe(topic, handler)
}

func (c *Client) Request(topic string, data []byte, timeout time.Duration) (*nats.Msg, error) {
	return c.conn.Request(topic, data, timeout)
}

// Flush blocks until the server has processed everything published on
// this connection.
func (c *Client) Flush() error {
	return c.conn.Flush()
}

func (c *Client) Close() {
	c.conn.Close()
}

// Publisher adapts a Client to the orchestrator's and scheduler's
// event hook. It wraps each event in the standard envelope and
// publishes it under events.<kind>. Publish problems are logged, never
// surfaced: eventing is observability, not control flow.
type Publisher struct {
	client *Client
}

func NewPublisher(client *Client) *Publisher {
	return &Publisher{client: client}
}

func (p *Publisher) PublishEvent(kind string, data map[string]any) {
	event := Event{
		Type:      kind,
		Timestamp: time.Now().UTC().Format(time.RFC3339),
		Data:      data,
	}
	if err := p.client.PublishJSON(TopicEvent(kind), event); err != nil {
		slog.Warn("event publish failed", "event", kind, "error", err)
	}
}
