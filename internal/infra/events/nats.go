package events

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/nats-io/nats.go"
	"go.uber.org/zap"
)

// Subject is the NATS subject auth events are published on.
const Subject = "compass.auth.events"

const signedOut = "SIGNED_OUT"

// message is the wire form of an auth event.
type message struct {
	Type   string `json:"type"`
	UserID string `json:"user_id"`
	Origin string `json:"origin"`
}

// NATSBus fans sign-outs out to every replica subscribed to Subject.
// The local replica receives its own publications as well.
type NATSBus struct {
	conn   *nats.Conn
	origin string
	logger *zap.Logger
}

// ConnectNATS dials url and returns a bus over the connection.
func ConnectNATS(url string, logger *zap.Logger) (*NATSBus, error) {
	nc, err := nats.Connect(url,
		nats.Name("compassmetrics-bfa"),
		nats.MaxReconnects(-1),
		nats.ReconnectWait(2*time.Second),
		nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
			if err != nil {
				logger.Warn("nats disconnected", zap.Error(err))
			}
		}),
		nats.ReconnectHandler(func(c *nats.Conn) {
			logger.Info("nats reconnected", zap.String("url", c.ConnectedUrl()))
		}),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to nats %s: %w", url, err)
	}
	return NewNATSBus(nc, logger), nil
}

// NewNATSBus wraps an existing connection.
func NewNATSBus(nc *nats.Conn, logger *zap.Logger) *NATSBus {
	return &NATSBus{conn: nc, origin: uuid.NewString(), logger: logger}
}

// PublishSignOut publishes a SIGNED_OUT event for userID and flushes.
func (b *NATSBus) PublishSignOut(ctx context.Context, userID string) error {
	data, err := json.Marshal(message{Type: signedOut, UserID: userID, Origin: b.origin})
	if err != nil {
		return err
	}
	if err := b.conn.Publish(Subject, data); err != nil {
		return fmt.Errorf("failed to publish sign-out: %w", err)
	}
	return b.conn.FlushWithContext(ctx)
}

// SubscribeSignOut calls fn for every SIGNED_OUT event on Subject.
// Malformed messages are logged and dropped.
func (b *NATSBus) SubscribeSignOut(fn func(userID string)) (func(), error) {
	sub, err := b.conn.Subscribe(Subject, func(msg *nats.Msg) {
		var m message
		if err := json.Unmarshal(msg.Data, &m); err != nil {
			b.logger.Warn("dropping malformed auth event", zap.Error(err))
			return
		}
		if m.Type != signedOut || m.UserID == "" {
			return
		}
		b.logger.Debug("auth event received",
			zap.String("type", m.Type),
			zap.Bool("remote", m.Origin != b.origin),
		)
		fn(m.UserID)
	})
	if err != nil {
		return nil, fmt.Errorf("failed to subscribe to %s: %w", Subject, err)
	}
	return func() {
		if err := sub.Unsubscribe(); err != nil {
			b.logger.Debug("nats unsubscribe", zap.Error(err))
		}
	}, nil
}

// Ping reports whether the connection is up.
func (b *NATSBus) Ping(_ context.Context) error {
	if !b.conn.IsConnected() {
		return fmt.Errorf("nats not connected: %s", b.conn.Status())
	}
	return nil
}

// Close drains the connection.
func (b *NATSBus) Close() error {
	return b.conn.Drain()
}
