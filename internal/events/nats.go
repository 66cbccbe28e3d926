package events

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/nats-io/nats.go"
	"go.uber.org/zap"
)

// NATSBus publishes events to NATS subjects.
type NATSBus struct {
	nc     *nats.Conn
	prefix string
	logger *zap.Logger
	owned  bool
}

// Connect dials url and returns a bus that closes the connection on Close.
func Connect(url, prefix string, logger *zap.Logger) (*NATSBus, error) {
	nc, err := nats.Connect(url,
		nats.Name("researchd"),
		nats.RetryOnFailedConnect(true),
		nats.MaxReconnects(5),
		nats.ReconnectWait(time.Second),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to NATS at %s: %w", url, err)
	}
	b := NewNATSBus(nc, prefix, logger)
	b.owned = true
	return b, nil
}

// NewNATSBus wraps an existing connection.
func NewNATSBus(nc *nats.Conn, prefix string, logger *zap.Logger) *NATSBus {
	if logger == nil {
		logger = zap.NewNop()
	}
	if prefix == "" {
		prefix = "research.tasks"
	}
	return &NATSBus{nc: nc, prefix: strings.TrimSuffix(prefix, "."), logger: logger}
}

// Subject returns the subject an event for taskID of type t is published on.
func (b *NATSBus) Subject(taskID string, t Type) string {
	return fmt.Sprintf("%s.%s.%s", b.prefix, taskID, t)
}

func (b *NATSBus) Publish(_ context.Context, e Event) error {
	data, err := json.Marshal(e)
	if err != nil {
		return fmt.Errorf("marshal event: %w", err)
	}
	if err := b.nc.Publish(b.Subject(e.TaskID, e.Type), data); err != nil {
		return fmt.Errorf("publish %s event: %w", e.Type, err)
	}
	return nil
}

func (b *NATSBus) Subscribe(ctx context.Context, taskID string) (<-chan Event, func(), error) {
	msgs := make(chan *nats.Msg, subscriberBuffer)
	sub, err := b.nc.ChanSubscribe(fmt.Sprintf("%s.%s.*", b.prefix, taskID), msgs)
	if err != nil {
		return nil, nil, fmt.Errorf("subscribe to task %s: %w", taskID, err)
	}
	// Make sure the server knows the interest before events are published.
	if err := b.nc.Flush(); err != nil {
		_ = sub.Unsubscribe()
		return nil, nil, fmt.Errorf("flush subscription: %w", err)
	}

	out := make(chan Event, subscriberBuffer)
	done := make(chan struct{})
	var once sync.Once
	cancel := func() { once.Do(func() { close(done) }) }

	go func() {
		defer close(out)
		defer func() { _ = sub.Unsubscribe() }()
		for {
			select {
			case msg := <-msgs:
				var e Event
				if err := json.Unmarshal(msg.Data, &e); err != nil {
					b.logger.Warn("dropping malformed event", zap.String("subject", msg.Subject), zap.Error(err))
					continue
				}
				select {
				case out <- e:
				case <-done:
					return
				case <-ctx.Done():
					return
				}
			case <-done:
				return
			case <-ctx.Done():
				return
			}
		}
	}()
	return out, cancel, nil
}

// Close drains the connection if the bus dialed it.
func (b *NATSBus) Close() error {
	if !b.owned {
		return nil
	}
	return b.nc.Drain()
}

var _ Bus = (*NATSBus)(nil)
