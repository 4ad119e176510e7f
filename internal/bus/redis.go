package bus

import (
	"context"
	"fmt"
	"log/slog"
	"sync"

	"github.com/go-redis/redis/v8"
)

// Redis broadcasts through Redis pub/sub channels named after the topic.
// Delivery is at-most-once: messages published while a subscriber is
// disconnected are lost.
type Redis struct {
	client *redis.Client
	owned  bool
	log    *slog.Logger
}

// OpenRedis connects to the Redis server at url and pings it.
func OpenRedis(ctx context.Context, url string, logger *slog.Logger) (*Redis, error) {
	opt, err := redis.ParseURL(url)
	if err != nil {
		return nil, fmt.Errorf("bus: redis url: %w", err)
	}
	client := redis.NewClient(opt)
	if err := client.Ping(ctx).Err(); err != nil {
		client.Close()
		return nil, fmt.Errorf("bus: redis ping: %w", err)
	}
	r := NewRedis(client, logger)
	r.owned = true
	return r, nil
}

// NewRedis wraps an existing client. Close does not close a shared client.
func NewRedis(client *redis.Client, logger *slog.Logger) *Redis {
	if logger == nil {
		logger = slog.Default()
	}
	return &Redis{client: client, log: logger.With("backend", "redis")}
}

func (r *Redis) Publish(ctx context.Context, topic string, msg Message) error {
	b, err := encodeFrame(msg)
	if err != nil {
		return err
	}
	if err := r.client.Publish(ctx, topic, b).Err(); err != nil {
		return fmt.Errorf("bus: redis publish %s: %w", topic, err)
	}
	return nil
}

// Subscribe returns once Redis has confirmed the subscription, so anything
// published afterwards is delivered.
func (r *Redis) Subscribe(ctx context.Context, topic string) (Subscription, error) {
	ps := r.client.Subscribe(ctx, topic)
	if _, err := ps.Receive(ctx); err != nil {
		ps.Close()
		return nil, fmt.Errorf("bus: redis subscribe %s: %w", topic, err)
	}

	sub := &redisSub{
		ps:   ps,
		out:  make(chan Message, DefaultBuffer),
		done: make(chan struct{}),
		log:  r.log,
	}
	go sub.run(ps.Channel())
	return sub, nil
}

func (r *Redis) Close() error {
	if !r.owned {
		return nil
	}
	return r.client.Close()
}

type redisSub struct {
	ps        *redis.PubSub
	out       chan Message
	done      chan struct{}
	closeOnce sync.Once
	log       *slog.Logger
}

func (s *redisSub) run(in <-chan *redis.Message) {
	defer close(s.out)
	for {
		select {
		case <-s.done:
			return
		case m, ok := <-in:
			if !ok {
				return
			}
			msg, err := decodeFrame([]byte(m.Payload))
			if err != nil {
				s.log.Warn("dropping malformed frame", "channel", m.Channel, "error", err)
				continue
			}
			select {
			case s.out <- msg:
			case <-s.done:
				return
			}
		}
	}
}

func (s *redisSub) Messages() <-chan Message { return s.out }

func (s *redisSub) Err() error { return nil }

func (s *redisSub) Close() error {
	var err error
	s.closeOnce.Do(func() {
		close(s.done)
		err = s.ps.Close()
	})
	return err
}
