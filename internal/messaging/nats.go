// Package messaging provides a NATS client wrapper for cross-instance
// event delivery. Multiple matchserver instances may run behind a load
// balancer; the instance whose engine produces a match publishes it on a
// per-participant subject, and whichever instance holds that participant's
// push session delivers it.
package messaging

import (
	"fmt"
	"log"
	"sync"
	"time"

	"github.com/nats-io/nats.go"
)

// Subject patterns.
const (
	SubjectMatchFound  = "match.found"  // + .<participant_id>
	SubjectMatchUpdate = "match.update" // + .<match_id>
)

// NATSClient wraps the NATS connection with helper methods for pub/sub.
type NATSClient struct {
	conn *nats.Conn
	mu   sync.Mutex
	subs map[string]*nats.Subscription
}

// NATSConfig holds NATS connection settings.
type NATSConfig struct {
	URL           string
	Name          string
	ReconnectWait time.Duration
	MaxReconnects int // -1 for infinite
}

// DefaultNATSConfig returns sensible defaults.
func DefaultNATSConfig() NATSConfig {
	return NATSConfig{
		URL:           "nats://localhost:4222",
		Name:          "matchserver",
		ReconnectWait: 2 * time.Second,
		MaxReconnects: -1,
	}
}

// NewNATSClient connects to NATS with the given config and returns a
// ready client. It returns an error if the initial connection fails.
func NewNATSClient(config NATSConfig) (*NATSClient, error) {
	opts := []nats.Option{
		nats.Name(config.Name),
		nats.ReconnectWait(config.ReconnectWait),
		nats.MaxReconnects(config.MaxReconnects),
		nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
			if err != nil {
				log.Printf("[nats] disconnected: %v", err)
			} else {
				log.Printf("[nats] disconnected")
			}
		}),
		nats.ReconnectHandler(func(nc *nats.Conn) {
			log.Printf("[nats] reconnected to %s", nc.ConnectedUrl())
		}),
		nats.ClosedHandler(func(_ *nats.Conn) {
			log.Printf("[nats] connection closed")
		}),
	}

	nc, err := nats.Connect(config.URL, opts...)
	if err != nil {
		return nil, fmt.Errorf("nats connect: %w", err)
	}

	log.Printf("[nats] connected to %s", nc.ConnectedUrl())

	return &NATSClient{
		conn: nc,
		subs: make(map[string]*nats.Subscription),
	}, nil
}

// Publish sends data to the given NATS subject.
func (c *NATSClient) Publish(subject string, data []byte) error {
	return c.conn.Publish(subject, data)
}

// PublishMatchFound publishes a match record to a participant's subject.
func (c *NATSClient) PublishMatchFound(participantID string, data []byte) error {
	return c.Publish(SubjectMatchFound+"."+participantID, data)
}

// SubscribeMatchFound subscribes to match.found.<participantID>.
func (c *NATSClient) SubscribeMatchFound(participantID string, handler func(data []byte)) error {
	subject := SubjectMatchFound + "." + participantID
	return c.subscribe(subject, handler)
}

// UnsubscribeMatchFound removes a participant's match.found subscription.
func (c *NATSClient) UnsubscribeMatchFound(participantID string) error {
	return c.unsubscribe(SubjectMatchFound + "." + participantID)
}

// PublishMatchUpdate publishes an update to a match's subject.
func (c *NATSClient) PublishMatchUpdate(matchID string, data []byte) error {
	return c.Publish(SubjectMatchUpdate+"."+matchID, data)
}

// SubscribeMatchUpdate subscribes to match.update.<matchID>. The
// subscription is keyed by (matchID, participantID) so two local peers of
// the same match do not overwrite each other.
func (c *NATSClient) SubscribeMatchUpdate(matchID, participantID string, handler func(data []byte)) error {
	subject := SubjectMatchUpdate + "." + matchID
	key := "updsub:" + matchID + ":" + participantID

	sub, err := c.conn.Subscribe(subject, func(msg *nats.Msg) {
		handler(msg.Data)
	})
	if err != nil {
		return fmt.Errorf("nats subscribe %s: %w", subject, err)
	}

	c.mu.Lock()
	c.subs[key] = sub
	c.mu.Unlock()
	return nil
}

// UnsubscribeMatchUpdate removes a participant's match.update subscription.
func (c *NATSClient) UnsubscribeMatchUpdate(matchID, participantID string) error {
	return c.unsubscribe("updsub:" + matchID + ":" + participantID)
}

// subscribe registers a handler keyed by the subject itself.
func (c *NATSClient) subscribe(subject string, handler func(data []byte)) error {
	sub, err := c.conn.Subscribe(subject, func(msg *nats.Msg) {
		handler(msg.Data)
	})
	if err != nil {
		return fmt.Errorf("nats subscribe %s: %w", subject, err)
	}

	c.mu.Lock()
	c.subs[subject] = sub
	c.mu.Unlock()
	return nil
}

// unsubscribe removes and unsubscribes a stored subscription.
func (c *NATSClient) unsubscribe(key string) error {
	c.mu.Lock()
	sub, ok := c.subs[key]
	if !ok {
		c.mu.Unlock()
		return fmt.Errorf("nats: no subscription for %s", key)
	}
	delete(c.subs, key)
	c.mu.Unlock()

	if err := sub.Unsubscribe(); err != nil {
		return fmt.Errorf("nats unsubscribe %s: %w", key, err)
	}
	return nil
}

// Close drains all active subscriptions and closes the NATS connection.
func (c *NATSClient) Close() {
	c.mu.Lock()
	defer c.mu.Unlock()

	for key, sub := range c.subs {
		if err := sub.Drain(); err != nil {
			log.Printf("[nats] drain %s: %v", key, err)
		}
	}
	c.subs = make(map[string]*nats.Subscription)

	if err := c.conn.Drain(); err != nil {
		log.Printf("[nats] connection drain: %v", err)
	}

	log.Printf("[nats] client closed")
}
