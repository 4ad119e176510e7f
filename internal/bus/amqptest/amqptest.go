// Package amqptest provides an in-memory RabbitMQ stand-in with fanout
// exchanges only, for driving the AMQP bus without a broker.
package amqptest

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"

	amqp "github.com/rabbitmq/amqp091-go"
)

// Broker holds exchanges, queues and bindings shared by its channels.
type Broker struct {
	mu        sync.Mutex
	seq       int
	exchanges map[string]string            // name -> kind
	bindings  map[string]map[string]*queue // exchange -> queue name -> queue
	queues    map[string]*queue
	modes     []uint8
	failNext  bool
	openErr   error
}

// Queue describes a declared queue.
type Queue struct {
	Name       string
	Exclusive  bool
	AutoDelete bool
}

type queue struct {
	Queue
	deliveries chan amqp.Delivery
}

func NewBroker() *Broker {
	return &Broker{
		exchanges: make(map[string]string),
		bindings:  make(map[string]map[string]*queue),
		queues:    make(map[string]*queue),
	}
}

// Open returns a new channel, or the error set by FailOpen.
func (f *Broker) Open() (*Channel, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.openErr != nil {
		return nil, f.openErr
	}
	return &Channel{broker: f}, nil
}

// FailOpen makes every later Open return err.
func (f *Broker) FailOpen(err error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.openErr = err
}

// FailNextPublish makes the next publish fail as a closed channel would.
func (f *Broker) FailNextPublish() {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.failNext = true
}

func (f *Broker) HasQueue(name string) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	_, ok := f.queues[name]
	return ok
}

func (f *Broker) Queue(name string) (Queue, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	q, ok := f.queues[name]
	if !ok {
		return Queue{}, false
	}
	return q.Queue, true
}

// Queues lists the declared queue names, sorted.
func (f *Broker) Queues() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	names := make([]string, 0, len(f.queues))
	for name := range f.queues {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

func (f *Broker) Exchange(name string) string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.exchanges[name]
}

// Bound counts the queues bound to exchange.
func (f *Broker) Bound(exchange string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.bindings[exchange])
}

// DeliveryModes lists the delivery mode of every published message.
func (f *Broker) DeliveryModes() []uint8 {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]uint8(nil), f.modes...)
}

// Channel is one channel on a Broker.
type Channel struct {
	broker *Broker
	mu     sync.Mutex
	closed bool
	notify []chan *amqp.Error
}

func (c *Channel) ExchangeDeclare(name, kind string, durable, autoDelete, internal, noWait bool, args amqp.Table) error {
	c.broker.mu.Lock()
	defer c.broker.mu.Unlock()
	c.broker.exchanges[name] = kind
	return nil
}

func (c *Channel) QueueDeclare(name string, durable, autoDelete, exclusive, noWait bool, args amqp.Table) (amqp.Queue, error) {
	c.broker.mu.Lock()
	defer c.broker.mu.Unlock()
	if name == "" {
		c.broker.seq++
		name = fmt.Sprintf("amq.gen-%d", c.broker.seq)
	}
	c.broker.queues[name] = &queue{
		Queue:      Queue{Name: name, Exclusive: exclusive, AutoDelete: autoDelete},
		deliveries: make(chan amqp.Delivery, 128),
	}
	return amqp.Queue{Name: name}, nil
}

func (c *Channel) QueueBind(name, key, exchange string, noWait bool, args amqp.Table) error {
	c.broker.mu.Lock()
	defer c.broker.mu.Unlock()
	q, ok := c.broker.queues[name]
	if !ok {
		return errors.New("no queue")
	}
	if c.broker.bindings[exchange] == nil {
		c.broker.bindings[exchange] = make(map[string]*queue)
	}
	c.broker.bindings[exchange][name] = q
	return nil
}

func (c *Channel) QueueDelete(name string, ifUnused, ifEmpty, noWait bool) (int, error) {
	c.broker.mu.Lock()
	defer c.broker.mu.Unlock()
	q, ok := c.broker.queues[name]
	if !ok {
		return 0, errors.New("no queue")
	}
	delete(c.broker.queues, name)
	for _, qs := range c.broker.bindings {
		delete(qs, name)
	}
	close(q.deliveries)
	return len(q.deliveries), nil
}

func (c *Channel) Consume(queue, consumer string, autoAck, exclusive, noLocal, noWait bool, args amqp.Table) (<-chan amqp.Delivery, error) {
	c.broker.mu.Lock()
	defer c.broker.mu.Unlock()
	q, ok := c.broker.queues[queue]
	if !ok {
		return nil, errors.New("no queue")
	}
	return q.deliveries, nil
}

func (c *Channel) PublishWithContext(ctx context.Context, exchange, key string, mandatory, immediate bool, msg amqp.Publishing) error {
	c.broker.mu.Lock()
	defer c.broker.mu.Unlock()
	if c.broker.failNext {
		c.broker.failNext = false
		return amqp.ErrClosed
	}
	c.broker.modes = append(c.broker.modes, msg.DeliveryMode)
	for _, q := range c.broker.bindings[exchange] {
		q.deliveries <- amqp.Delivery{Body: msg.Body}
	}
	return nil
}

func (c *Channel) NotifyClose(ch chan *amqp.Error) chan *amqp.Error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.notify = append(c.notify, ch)
	return ch
}

func (c *Channel) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return nil
	}
	c.closed = true
	for _, n := range c.notify {
		close(n)
	}
	return nil
}

func (c *Channel) IsClosed() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.closed
}
