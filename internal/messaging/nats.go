// Package messaging provides a NATS client wrapper for the relay's event tap.
// The relay publishes every envelope it forwards to relay.events.<kind>;
// observers such as cmd/relaytap subscribe to the wildcard subject.
package messaging

import (
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/rs/zerolog"
)

// SubjectRelayEvents is the subject prefix of the event tap. Each forwarded
// envelope goes to SubjectRelayEvents + "." + kind.
const SubjectRelayEvents = "relay.events"

// EventSubject returns the tap subject for an envelope kind.
func EventSubject(kind string) string {
	return SubjectRelayEvents + "." + kind
}

// KindFromSubject extracts the envelope kind from a tap subject. It returns
// false for subjects outside the tap.
func KindFromSubject(subject string) (string, bool) {
	kind, ok := strings.CutPrefix(subject, SubjectRelayEvents+".")
	if !ok || kind == "" {
		return "", false
	}
	return kind, true
}

// NATSClient wraps the NATS connection with helper methods for pub/sub.
type NATSClient struct {
	conn   *nats.Conn
	logger zerolog.Logger
	mu     sync.Mutex
	subs   map[string]*nats.Subscription
}

// NATSConfig holds NATS connection settings.
type NATSConfig struct {
	URL           string        // nats://localhost:4222
	Name          string        // client name for identification
	ReconnectWait time.Duration // time between reconnect attempts
	MaxReconnects int           // max reconnect attempts (-1 for infinite)
	Logger        *zerolog.Logger
}

// DefaultNATSConfig returns sensible defaults.
func DefaultNATSConfig() NATSConfig {
	return NATSConfig{
		URL:           nats.DefaultURL,
		Name:          "chat-relay",
		ReconnectWait: 2 * time.Second,
		MaxReconnects: -1, // infinite reconnects
	}
}

// NewNATSClient connects to NATS with the given config and returns a ready client.
// It returns an error if the initial connection fails.
func NewNATSClient(config NATSConfig) (*NATSClient, error) {
	base := zerolog.Nop()
	if config.Logger != nil {
		base = *config.Logger
	}
	logger := base.With().Str("component", "nats").Logger()

	opts := []nats.Option{
		nats.Name(config.Name),
		nats.ReconnectWait(config.ReconnectWait),
		nats.MaxReconnects(config.MaxReconnects),
		nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
			logger.Warn().Err(err).Msg("disconnected")
		}),
		nats.ReconnectHandler(func(nc *nats.Conn) {
			logger.Info().Str("url", nc.ConnectedUrl()).Msg("reconnected")
		}),
		nats.ClosedHandler(func(_ *nats.Conn) {
			logger.Debug().Msg("connection closed")
		}),
	}

	nc, err := nats.Connect(config.URL, opts...)
	if err != nil {
		return nil, fmt.Errorf("messaging: nats connect: %w", err)
	}

	logger.Info().Str("url", nc.ConnectedUrl()).Msg("connected")

	return &NATSClient{
		conn:   nc,
		logger: logger,
		subs:   make(map[string]*nats.Subscription),
	}, nil
}

// Publish sends data to the given NATS subject.
func (c *NATSClient) Publish(subject string, data []byte) error {
	if err := c.conn.Publish(subject, data); err != nil {
		return fmt.Errorf("messaging: publish %s: %w", subject, err)
	}
	return nil
}

// Subscribe registers a handler for the given subject and stores the
// subscription internally for later cleanup.
func (c *NATSClient) Subscribe(subject string, handler func(msg *nats.Msg)) error {
	sub, err := c.conn.Subscribe(subject, handler)
	if err != nil {
		return fmt.Errorf("messaging: subscribe %s: %w", subject, err)
	}

	c.mu.Lock()
	c.subs[subject] = sub
	c.mu.Unlock()

	return nil
}

// PublishEvent publishes a raw forwarded envelope on the tap subject for kind.
func (c *NATSClient) PublishEvent(kind string, data []byte) error {
	return c.Publish(EventSubject(kind), data)
}

// SubscribeEvents subscribes to every tap subject and passes the envelope
// kind and raw bytes to handler.
func (c *NATSClient) SubscribeEvents(handler func(kind string, data []byte)) error {
	return c.Subscribe(SubjectRelayEvents+".>", func(msg *nats.Msg) {
		kind, ok := KindFromSubject(msg.Subject)
		if !ok {
			return
		}
		handler(kind, msg.Data)
	})
}

// Flush waits until the server has processed everything published so far.
func (c *NATSClient) Flush(timeout time.Duration) error {
	if err := c.conn.FlushTimeout(timeout); err != nil {
		return fmt.Errorf("messaging: flush: %w", err)
	}
	return nil
}

// Unsubscribe removes and unsubscribes from a specific subject.
func (c *NATSClient) Unsubscribe(subject string) error {
	c.mu.Lock()
	sub, ok := c.subs[subject]
	if !ok {
		c.mu.Unlock()
		return fmt.Errorf("messaging: no subscription for subject %s", subject)
	}
	delete(c.subs, subject)
	c.mu.Unlock()

	if err := sub.Unsubscribe(); err != nil {
		return fmt.Errorf("messaging: unsubscribe %s: %w", subject, err)
	}
	return nil
}

// Close drains all active subscriptions and closes the NATS connection.
func (c *NATSClient) Close() {
	c.mu.Lock()
	defer c.mu.Unlock()

	for subject, sub := range c.subs {
		if err := sub.Drain(); err != nil {
			c.logger.Warn().Err(err).Str("subject", subject).Msg("drain failed")
		}
	}
	c.subs = make(map[string]*nats.Subscription)

	if err := c.conn.Drain(); err != nil {
		c.logger.Warn().Err(err).Msg("connection drain failed")
	}

	c.logger.Info().Msg("client closed")
}
