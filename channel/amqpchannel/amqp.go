// Package amqpchannel carries relay envelopes over a RabbitMQ fanout exchange.
//
// Like the in-page bus it replaces, a fanout exchange authenticates nothing: any
// client with broker access can publish or bind a queue. Every subscriber gets
// its own exclusive, auto-deleted queue, so a subscriber only sees messages
// published after it bound.
package amqpchannel

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/pilacorp/go-proof-relay/channel"
	"github.com/pilacorp/go-proof-relay/common/logger"
	amqp "github.com/rabbitmq/amqp091-go"
)

// DefaultExchange is the fanout exchange name used when none is configured.
const DefaultExchange = "proofrelay.zkp"

// Connection is the part of *amqp.Connection the channel needs.
type Connection interface {
	Channel() (*amqp.Channel, error)
}

type Channel struct {
	conn     Connection
	exchange string
	logger   *logger.Logger

	mu  sync.Mutex
	pub *amqp.Channel
}

var _ channel.Channel = (*Channel)(nil)

type Option func(*Channel)

func WithExchange(name string) Option {
	return func(c *Channel) { c.exchange = name }
}

func WithLogger(l *logger.Logger) Option {
	return func(c *Channel) { c.logger = l }
}

// Dial connects to url and declares the exchange.
func Dial(url string, opts ...Option) (*Channel, *amqp.Connection, error) {
	conn, err := amqp.Dial(url)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to connect to AMQP broker: %w", err)
	}
	ch, err := New(conn, opts...)
	if err != nil {
		_ = conn.Close()
		return nil, nil, err
	}
	return ch, conn, nil
}

// New declares the fanout exchange on conn and opens the publishing channel.
func New(conn Connection, opts ...Option) (*Channel, error) {
	if conn == nil {
		return nil, errors.New("amqp connection is nil")
	}
	c := &Channel{
		conn:     conn,
		exchange: DefaultExchange,
		logger:   logger.Nop(),
	}
	for _, opt := range opts {
		opt(c)
	}

	pub, err := conn.Channel()
	if err != nil {
		return nil, fmt.Errorf("failed to open publish channel: %w", err)
	}
	if err := declareExchange(pub, c.exchange); err != nil {
		_ = pub.Close()
		return nil, err
	}
	c.pub = pub
	return c, nil
}

func declareExchange(ch *amqp.Channel, name string) error {
	err := ch.ExchangeDeclare(
		name,
		amqp.ExchangeFanout,
		false, // durable
		true,  // auto-delete
		false, // internal
		false, // no-wait
		nil,
	)
	if err != nil {
		return fmt.Errorf("failed to declare exchange %q: %w", name, err)
	}
	return nil
}

// Publish sends msg to every bound queue. Messages are transient.
func (c *Channel) Publish(ctx context.Context, msg []byte) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.pub == nil {
		return channel.ErrClosed
	}
	err := c.pub.PublishWithContext(ctx,
		c.exchange,
		"",    // routing key, ignored by fanout
		false, // mandatory
		false, // immediate
		amqp.Publishing{
			ContentType:  "application/json",
			Body:         msg,
			Timestamp:    time.Now(),
			DeliveryMode: amqp.Transient,
		},
	)
	if err != nil {
		return fmt.Errorf("failed to publish relay message: %w", err)
	}
	return nil
}

// Subscribe binds a private queue and calls h for each delivery on a dedicated
// goroutine, one delivery at a time.
func (c *Channel) Subscribe(h channel.Handler) (func(), error) {
	if h == nil {
		return nil, errors.New("handler is nil")
	}

	ch, err := c.conn.Channel()
	if err != nil {
		return nil, fmt.Errorf("failed to open subscribe channel: %w", err)
	}

	q, err := ch.QueueDeclare(
		"",    // server-named
		false, // durable
		true,  // auto-delete
		true,  // exclusive
		false, // no-wait
		nil,
	)
	if err != nil {
		_ = ch.Close()
		return nil, fmt.Errorf("failed to declare queue: %w", err)
	}
	if err := ch.QueueBind(q.Name, "", c.exchange, false, nil); err != nil {
		_ = ch.Close()
		return nil, fmt.Errorf("failed to bind queue to %q: %w", c.exchange, err)
	}

	deliveries, err := ch.Consume(
		q.Name,
		"",    // consumer tag
		true,  // auto-ack
		true,  // exclusive
		false, // no-local
		false, // no-wait
		nil,
	)
	if err != nil {
		_ = ch.Close()
		return nil, fmt.Errorf("failed to consume from %q: %w", q.Name, err)
	}

	done := make(chan struct{})
	go func() {
		defer close(done)
		for d := range deliveries {
			h(d.Body)
		}
		c.logger.Debugf("relay subscription on %s ended", q.Name)
	}()

	var once sync.Once
	return func() {
		once.Do(func() {
			if err := ch.Close(); err != nil {
				c.logger.Warnf("closing relay subscription: %v", err)
			}
			<-done
		})
	}, nil
}

// Close closes the publishing channel. Subscriptions are closed by their own
// unsubscribe functions or with the connection.
func (c *Channel) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.pub == nil {
		return nil
	}
	err := c.pub.Close()
	c.pub = nil
	return err
}
