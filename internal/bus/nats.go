package bus

import (
	"context"
	"fmt"
	"log/slog"
	"sync"

	"github.com/nats-io/nats.go"
)

// NATS broadcasts on core NATS subjects named after the topic.
type NATS struct {
	nc  *nats.Conn
	log *slog.Logger
}

// OpenNATS connects to the NATS server at url. The client reconnects on its
// own; messages published while disconnected are buffered by nats.go.
func OpenNATS(url string, logger *slog.Logger) (*NATS, error) {
	if logger == nil {
		logger = slog.Default()
	}
	log := logger.With("backend", "nats")
	nc, err := nats.Connect(url,
		nats.Name("place-canvas"),
		nats.MaxReconnects(-1),
		nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
			log.Warn("nats disconnected", "error", err)
		}),
		nats.ReconnectHandler(func(c *nats.Conn) {
			log.Info("nats reconnected", "url", c.ConnectedUrl())
		}),
	)
	if err != nil {
		return nil, fmt.Errorf("bus: nats connect: %w", err)
	}
	return &NATS{nc: nc, log: log}, nil
}

func (n *NATS) Publish(ctx context.Context, topic string, msg Message) error {
	b, err := encodeFrame(msg)
	if err != nil {
		return err
	}
	if err := n.nc.Publish(topic, b); err != nil {
		return fmt.Errorf("bus: nats publish %s: %w", topic, err)
	}
	return nil
}

func (n *NATS) Subscribe(ctx context.Context, topic string) (Subscription, error) {
	in := make(chan *nats.Msg, DefaultBuffer)
	ns, err := n.nc.ChanSubscribe(topic, in)
	if err != nil {
		return nil, fmt.Errorf("bus: nats subscribe %s: %w", topic, err)
	}
	// Make sure the server has registered interest before returning.
	if err := n.nc.FlushWithContext(ctx); err != nil {
		ns.Unsubscribe()
		return nil, fmt.Errorf("bus: nats flush: %w", err)
	}

	sub := &natsSub{
		ns:   ns,
		out:  make(chan Message, DefaultBuffer),
		done: make(chan struct{}),
		log:  n.log,
	}
	go sub.run(in)
	return sub, nil
}

func (n *NATS) Close() error {
	return n.nc.Drain()
}

type natsSub struct {
	ns        *nats.Subscription
	out       chan Message
	done      chan struct{}
	closeOnce sync.Once
	log       *slog.Logger
}

// run never sees in closed: nats.go does not close channels passed to
// ChanSubscribe, so it stops on done.
func (s *natsSub) run(in <-chan *nats.Msg) {
	defer close(s.out)
	for {
		select {
		case <-s.done:
			return
		case m := <-in:
			msg, err := decodeFrame(m.Data)
			if err != nil {
				s.log.Warn("dropping malformed frame", "subject", m.Subject, "error", err)
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

func (s *natsSub) Messages() <-chan Message { return s.out }

func (s *natsSub) Err() error { return nil }

func (s *natsSub) Close() error {
	var err error
	s.closeOnce.Do(func() {
		err = s.ns.Unsubscribe()
		close(s.done)
	})
	return err
}
