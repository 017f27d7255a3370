package chat

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"

	"github.com/redis/go-redis/v9"
)

// Relay carries room broadcasts through an external pub/sub transport.
// Frames come back to the hub through Hub.Deliver.
//
// Only broadcasts travel the relay; room state stays in this process.
type Relay interface {
	Publish(ctx context.Context, roomCode string, payload []byte) error
}

const channelPrefix = "cookroom:room:"

var errEmptyRelayFrame = errors.New("relay frame has no payload")

func channelFor(roomCode string) string {
	return channelPrefix + roomCode
}

func roomCodeFrom(channel string) (string, bool) {
	return strings.CutPrefix(channel, channelPrefix)
}

// relayFrame is what travels on a room channel: the outbound frame plus the
// connections that were in the room when it was emitted.
type relayFrame struct {
	To    []string        `json:"to"`
	Frame json.RawMessage `json:"frame"`
}

func wrapRelayFrame(to []string, payload []byte) ([]byte, error) {
	return json.Marshal(relayFrame{To: to, Frame: payload})
}

func unwrapRelayFrame(wire []byte) ([]string, []byte, error) {
	var f relayFrame
	if err := json.Unmarshal(wire, &f); err != nil {
		return nil, nil, err
	}
	if len(f.Frame) == 0 {
		return nil, nil, errEmptyRelayFrame
	}
	return f.To, f.Frame, nil
}

type RedisRelay struct {
	rdb *redis.Client
	log *slog.Logger
}

func NewRedisRelay(rdb *redis.Client, log *slog.Logger) *RedisRelay {
	return &RedisRelay{rdb: rdb, log: log}
}

func (r *RedisRelay) Publish(ctx context.Context, roomCode string, payload []byte) error {
	return r.rdb.Publish(ctx, channelFor(roomCode), payload).Err()
}

// Subscription is a confirmed pattern subscription on every room channel.
type Subscription struct {
	pubsub *redis.PubSub
	log    *slog.Logger
}

// Subscribe returns once Redis has confirmed the subscription, so nothing
// published afterwards is missed.
func (r *RedisRelay) Subscribe(ctx context.Context) (*Subscription, error) {
	pubsub := r.rdb.PSubscribe(ctx, channelPrefix+"*")
	if _, err := pubsub.Receive(ctx); err != nil {
		pubsub.Close()
		return nil, fmt.Errorf("relay subscribe: %w", err)
	}
	r.log.Info("relay subscribed", "pattern", channelPrefix+"*")
	return &Subscription{pubsub: pubsub, log: r.log}, nil
}

// Run hands frames to deliver until ctx is cancelled, then closes the
// subscription. Redis keeps per-channel order, which is the room's order.
func (s *Subscription) Run(ctx context.Context, deliver func(roomCode string, payload []byte)) error {
	defer s.pubsub.Close()

	ch := s.pubsub.Channel()
	for {
		select {
		case <-ctx.Done():
			return nil
		case msg, ok := <-ch:
			if !ok {
				return nil
			}
			code, ok := roomCodeFrom(msg.Channel)
			if !ok {
				continue
			}
			deliver(code, []byte(msg.Payload))
		}
	}
}
