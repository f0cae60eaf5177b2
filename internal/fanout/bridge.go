package fanout

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"

	"github.com/nats-io/nats.go"
)

// NatsBridge carries lifecycle frames between processes. A worker
// publishes each frame to a per-token subject; the API process relays
// them into its local hub so websocket clients see updates for
// submissions judged elsewhere.
type NatsBridge struct {
	nc     *nats.Conn
	prefix string
	sub    *nats.Subscription
	log    *slog.Logger
}

func NewNatsBridge(url, prefix string, log *slog.Logger) (*NatsBridge, error) {
	nc, err := nats.Connect(url, nats.Name("judge-events"))
	if err != nil {
		return nil, fmt.Errorf("failed to connect to NATS: %w", err)
	}
	return &NatsBridge{
		nc:     nc,
		prefix: prefix,
		log:    log.With(slog.String("component", "fanout-bridge")),
	}, nil
}

// Broadcast publishes the frame for relaying. Delivery is best effort,
// same as a local broadcast: the store stays the source of truth.
func (b *NatsBridge) Broadcast(token string, frame any) int {
	raw, err := json.Marshal(frame)
	if err != nil {
		b.log.Warn("failed to marshal frame", slog.String("token", token), slog.Any("error", err))
		return 0
	}
	if err := b.nc.Publish(eventSubject(b.prefix, token), raw); err != nil {
		b.log.Warn("failed to publish frame", slog.String("token", token), slog.Any("error", err))
		return 0
	}
	return 1
}

// RelayTo forwards every published frame into the hub. Call once on the
// process that owns the websocket subscribers.
func (b *NatsBridge) RelayTo(hub *Hub) error {
	sub, err := b.nc.Subscribe(b.prefix+".*", func(msg *nats.Msg) {
		relayFrame(hub, b.prefix, msg.Subject, msg.Data)
	})
	if err != nil {
		return fmt.Errorf("failed to subscribe to event subjects: %w", err)
	}
	b.sub = sub
	return nil
}

func (b *NatsBridge) Close() error {
	if b.sub != nil {
		_ = b.sub.Unsubscribe()
	}
	b.nc.Close()
	return nil
}

func eventSubject(prefix, token string) string {
	return prefix + "." + token
}

// relayFrame rebroadcasts a marshalled frame to the token's local
// subscribers. Frames stay raw bytes end to end; subscribers treat
// json.RawMessage like any other frame value.
func relayFrame(hub *Hub, prefix, subject string, data []byte) {
	token := strings.TrimPrefix(subject, prefix+".")
	if token == subject || token == "" {
		return
	}
	hub.Broadcast(token, json.RawMessage(data))
}
