package bus

import (
	"context"
	"fmt"
	"log/slog"
	"sync"

	amqp "github.com/rabbitmq/amqp091-go"
)

// AMQPChannel is the part of *amqp.Channel the bus uses.
type AMQPChannel interface {
	ExchangeDeclare(name, kind string, durable, autoDelete, internal, noWait bool, args amqp.Table) error
	QueueDeclare(name string, durable, autoDelete, exclusive, noWait bool, args amqp.Table) (amqp.Queue, error)
	QueueBind(name, key, exchange string, noWait bool, args amqp.Table) error
	QueueDelete(name string, ifUnused, ifEmpty, noWait bool) (int, error)
	Consume(queue, consumer string, autoAck, exclusive, noLocal, noWait bool, args amqp.Table) (<-chan amqp.Delivery, error)
	PublishWithContext(ctx context.Context, exchange, key string, mandatory, immediate bool, msg amqp.Publishing) error
	NotifyClose(c chan *amqp.Error) chan *amqp.Error
	Close() error
}

// AMQP publishes persistent messages to a fanout exchange per topic. Every
// subscription owns a channel and an exclusive, auto-deleting queue bound to
// that exchange, so each subscriber gets its own copy and the queue goes
// away with the subscriber.
//
// Channel errors only cost the affected channel: the publisher channel is
// reopened on the next Publish and the connection stays up.
type AMQP struct {
	url  string
	open func() (AMQPChannel, error)
	log  *slog.Logger

	connMu sync.Mutex
	conn   *amqp.Connection

	pubMu     sync.Mutex
	pub       AMQPChannel
	pubClosed chan *amqp.Error
	declared  map[string]bool

	mu     sync.Mutex
	subs   map[*amqpSub]struct{}
	closed bool
}

// OpenAMQP dials the broker at url.
func OpenAMQP(url string, logger *slog.Logger) (*AMQP, error) {
	if logger == nil {
		logger = slog.Default()
	}
	conn, err := amqp.Dial(url)
	if err != nil {
		return nil, fmt.Errorf("bus: amqp dial: %w", err)
	}
	b := NewAMQP(nil, logger)
	b.url = url
	b.conn = conn
	b.open = b.openChannel
	return b, nil
}

// NewAMQP builds a bus on channels obtained from open.
func NewAMQP(open func() (AMQPChannel, error), logger *slog.Logger) *AMQP {
	if logger == nil {
		logger = slog.Default()
	}
	return &AMQP{
		open: open,
		log:  logger.With("backend", "amqp"),
		subs: make(map[*amqpSub]struct{}),
	}
}

// openChannel opens a channel on the shared connection, redialing first if
// the broker dropped it.
func (b *AMQP) openChannel() (AMQPChannel, error) {
	b.connMu.Lock()
	defer b.connMu.Unlock()

	if b.conn == nil || b.conn.IsClosed() {
		conn, err := amqp.Dial(b.url)
		if err != nil {
			return nil, fmt.Errorf("bus: amqp redial: %w", err)
		}
		b.log.Info("amqp connection re-established")
		b.conn = conn
	}
	ch, err := b.conn.Channel()
	if err != nil {
		return nil, fmt.Errorf("bus: amqp channel: %w", err)
	}
	return ch, nil
}

func (b *AMQP) Publish(ctx context.Context, topic string, msg Message) error {
	body, err := encodeFrame(msg)
	if err != nil {
		return err
	}
	publishing := amqp.Publishing{
		ContentType:  "application/json",
		DeliveryMode: amqp.Persistent,
		Body:         body,
	}

	b.pubMu.Lock()
	defer b.pubMu.Unlock()

	// One retry on a fresh channel if the current one was closed under us.
	for attempt := 0; ; attempt++ {
		err = b.publishLocked(ctx, topic, publishing)
		if err == nil {
			return nil
		}
		b.dropPublisherLocked()
		if attempt == 1 || ctx.Err() != nil {
			return fmt.Errorf("bus: amqp publish %s: %w", topic, err)
		}
		b.log.Warn("publisher channel failed, reopening", "topic", topic, "error", err)
	}
}

func (b *AMQP) publishLocked(ctx context.Context, topic string, p amqp.Publishing) error {
	b.mu.Lock()
	closed := b.closed
	b.mu.Unlock()
	if closed {
		return ErrClosed
	}

	if b.pub != nil {
		select {
		case <-b.pubClosed:
			b.dropPublisherLocked()
		default:
		}
	}
	if b.pub == nil {
		ch, err := b.open()
		if err != nil {
			return err
		}
		b.pub = ch
		b.pubClosed = ch.NotifyClose(make(chan *amqp.Error, 1))
		b.declared = make(map[string]bool)
	}
	if !b.declared[topic] {
		if err := b.pub.ExchangeDeclare(topic, amqp.ExchangeFanout, true, false, false, false, nil); err != nil {
			return err
		}
		b.declared[topic] = true
	}
	return b.pub.PublishWithContext(ctx, topic, "", false, false, p)
}

func (b *AMQP) dropPublisherLocked() {
	if b.pub != nil {
		b.pub.Close()
	}
	b.pub = nil
	b.pubClosed = nil
	b.declared = nil
}

func (b *AMQP) Subscribe(ctx context.Context, topic string) (Subscription, error) {
	b.mu.Lock()
	closed := b.closed
	b.mu.Unlock()
	if closed {
		return nil, ErrClosed
	}

	ch, err := b.open()
	if err != nil {
		return nil, fmt.Errorf("bus: amqp subscribe %s: %w", topic, err)
	}
	fail := func(step string, err error) (Subscription, error) {
		ch.Close()
		return nil, fmt.Errorf("bus: amqp subscribe %s: %s: %w", topic, step, err)
	}

	if err := ch.ExchangeDeclare(topic, amqp.ExchangeFanout, true, false, false, false, nil); err != nil {
		return fail("declare exchange", err)
	}
	q, err := ch.QueueDeclare("", false, true, true, false, nil)
	if err != nil {
		return fail("declare queue", err)
	}
	if err := ch.QueueBind(q.Name, "", topic, false, nil); err != nil {
		return fail("bind queue", err)
	}
	deliveries, err := ch.Consume(q.Name, "", true, true, false, false, nil)
	if err != nil {
		return fail("consume", err)
	}

	sub := &amqpSub{
		bus:    b,
		ch:     ch,
		queue:  q.Name,
		notify: ch.NotifyClose(make(chan *amqp.Error, 1)),
		out:    make(chan Message, DefaultBuffer),
		done:   make(chan struct{}),
	}
	b.mu.Lock()
	b.subs[sub] = struct{}{}
	b.mu.Unlock()

	go sub.run(deliveries)
	return sub, nil
}

func (b *AMQP) Close() error {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return nil
	}
	b.closed = true
	subs := make([]*amqpSub, 0, len(b.subs))
	for s := range b.subs {
		subs = append(subs, s)
	}
	b.mu.Unlock()

	for _, s := range subs {
		s.Close()
	}

	b.pubMu.Lock()
	b.dropPublisherLocked()
	b.pubMu.Unlock()

	b.connMu.Lock()
	defer b.connMu.Unlock()
	if b.conn != nil {
		return b.conn.Close()
	}
	return nil
}

type amqpSub struct {
	bus    *AMQP
	ch     AMQPChannel
	queue  string
	notify chan *amqp.Error
	out    chan Message
	done   chan struct{}

	closeOnce sync.Once
	mu        sync.Mutex
	err       error
}

func (s *amqpSub) run(deliveries <-chan amqp.Delivery) {
	defer close(s.out)
	for {
		select {
		case <-s.done:
			return
		case d, ok := <-deliveries:
			if !ok {
				s.channelClosed()
				return
			}
			msg, err := decodeFrame(d.Body)
			if err != nil {
				s.bus.log.Warn("dropping malformed frame", "queue", s.queue, "error", err)
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

// channelClosed records the broker-side reason the delivery stream ended.
func (s *amqpSub) channelClosed() {
	select {
	case amqpErr, ok := <-s.notify:
		if ok && amqpErr != nil {
			s.mu.Lock()
			s.err = amqpErr
			s.mu.Unlock()
		}
	default:
	}
}

func (s *amqpSub) Messages() <-chan Message { return s.out }

func (s *amqpSub) Err() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.err
}

// Close deletes the queue explicitly before closing the channel; the
// exclusive/auto-delete flags cover the case where the process dies first.
func (s *amqpSub) Close() error {
	var err error
	s.closeOnce.Do(func() {
		close(s.done)
		if _, derr := s.ch.QueueDelete(s.queue, false, false, false); derr != nil {
			s.bus.log.Debug("queue delete failed", "queue", s.queue, "error", derr)
		}
		err = s.ch.Close()

		s.bus.mu.Lock()
		delete(s.bus.subs, s)
		s.bus.mu.Unlock()
	})
	return err
}
