package events

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/cenkalti/backoff"
	"github.com/google/uuid"
	amqp "github.com/rabbitmq/amqp091-go"

	"github.com/nerrad567/iothub-portal/internal/infrastructure/config"
)

const (
	exchangeTypeTopic = "topic"
	durable           = true
	autoDelete        = false
	internal          = false
	noWait            = false
	mandatory         = false
	immediate         = false
)

// amqpChannel is the part of *amqp.Channel the publisher uses.
type amqpChannel interface {
	ExchangeDeclare(name, kind string, durable, autoDelete, internal, noWait bool, args amqp.Table) error
	PublishWithContext(ctx context.Context, exchange, key string, mandatory, immediate bool, msg amqp.Publishing) error
	Close() error
}

// amqpConnection is the part of *amqp.Connection the publisher uses.
type amqpConnection interface {
	Channel() (amqpChannel, error)
	NotifyClose(receiver chan *amqp.Error) chan *amqp.Error
	Close() error
}

type dialedConnection struct {
	*amqp.Connection
}

func (c dialedConnection) Channel() (amqpChannel, error) {
	return c.Connection.Channel()
}

func dialAMQP(url string) (amqpConnection, error) {
	conn, err := amqp.Dial(url)
	if err != nil {
		return nil, err
	}
	return dialedConnection{conn}, nil
}

// AMQPLogger is the logging interface used by AMQPPublisher.
type AMQPLogger interface {
	Info(msg string, args ...any)
	Warn(msg string, args ...any)
	Error(msg string, args ...any)
}

type noopAMQPLogger struct{}

func (noopAMQPLogger) Info(string, ...any)  {}
func (noopAMQPLogger) Warn(string, ...any)  {}
func (noopAMQPLogger) Error(string, ...any) {}

// AMQPPublisher publishes events to a durable topic exchange with the
// event type as routing key. It reconnects with exponential backoff when
// the broker closes the connection.
//
// Thread Safety: all methods are safe for concurrent use.
type AMQPPublisher struct {
	url      string
	exchange string
	dial     func(url string) (amqpConnection, error)
	logger   AMQPLogger

	mu      sync.RWMutex
	conn    amqpConnection
	channel amqpChannel

	stop     chan struct{}
	stopOnce sync.Once

	// reconnectBackoff builds the policy used after the connection drops.
	reconnectBackoff func() backoff.BackOff
}

// NewAMQPPublisher creates an unconnected publisher. Call Start.
func NewAMQPPublisher(cfg config.AMQPConfig) *AMQPPublisher {
	return &AMQPPublisher{
		url:      cfg.URL,
		exchange: cfg.Exchange,
		dial:     dialAMQP,
		logger:   noopAMQPLogger{},
		stop:     make(chan struct{}),
		reconnectBackoff: func() backoff.BackOff {
			b := backoff.NewExponentialBackOff()
			b.InitialInterval = 5 * time.Second
			b.MaxInterval = 5 * time.Minute
			b.Multiplier = 1.7
			b.MaxElapsedTime = 0
			return b
		},
	}
}

// SetLogger sets the logger.
func (p *AMQPPublisher) SetLogger(logger AMQPLogger) {
	p.logger = logger
}

// Start connects, retrying with backoff until ctx expires, and watches
// the connection for closure.
func (p *AMQPPublisher) Start(ctx context.Context) error {
	b := backoff.NewExponentialBackOff()
	b.MaxElapsedTime = time.Minute
	if err := backoff.Retry(p.connect, backoff.WithContext(b, ctx)); err != nil {
		return fmt.Errorf("connecting to amqp broker: %w", err)
	}
	p.logger.Info("connected to amqp broker", "exchange", p.exchange)
	go p.notifyWhenClosed()
	return nil
}

func (p *AMQPPublisher) connect() error {
	conn, err := p.dial(p.url)
	if err != nil {
		return err
	}
	ch, err := conn.Channel()
	if err != nil {
		conn.Close() //nolint:errcheck // best effort on failed setup
		return err
	}
	if err := ch.ExchangeDeclare(p.exchange, exchangeTypeTopic, durable, autoDelete, internal, noWait, nil); err != nil {
		ch.Close()   //nolint:errcheck // best effort on failed setup
		conn.Close() //nolint:errcheck // best effort on failed setup
		return fmt.Errorf("declaring exchange %s: %w", p.exchange, err)
	}

	p.mu.Lock()
	p.conn, p.channel = conn, ch
	p.mu.Unlock()
	return nil
}

func (p *AMQPPublisher) notifyWhenClosed() {
	p.mu.RLock()
	conn := p.conn
	p.mu.RUnlock()
	if conn == nil {
		return
	}

	closed := conn.NotifyClose(make(chan *amqp.Error, 1))
	select {
	case <-p.stop:
		return
	case reason, ok := <-closed:
		if !ok || reason == nil {
			// Graceful close.
			return
		}
		p.logger.Warn("amqp connection closed", "reason", reason.Error())
	}

	p.mu.Lock()
	p.conn, p.channel = nil, nil
	p.mu.Unlock()

	b := p.reconnectBackoff()
	err := backoff.RetryNotify(func() error {
		select {
		case <-p.stop:
			return backoff.Permanent(ErrNotConnected)
		default:
		}
		return p.connect()
	}, b, func(err error, wait time.Duration) {
		p.logger.Warn("amqp reconnect failed", "error", err, "retry_in", wait)
	})
	if err != nil {
		return
	}
	p.logger.Info("amqp reconnection successful")
	go p.notifyWhenClosed()
}

// IsConnected reports whether a channel is open.
func (p *AMQPPublisher) IsConnected() bool {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.channel != nil
}

// Publish implements Publisher.
func (p *AMQPPublisher) Publish(ctx context.Context, ev Event) error {
	body, err := json.Marshal(ev)
	if err != nil {
		return fmt.Errorf("encoding event: %w", err)
	}

	p.mu.RLock()
	ch := p.channel
	p.mu.RUnlock()
	if ch == nil {
		return ErrNotConnected
	}

	err = ch.PublishWithContext(ctx, p.exchange, ev.Type, mandatory, immediate, amqp.Publishing{
		ContentType:  "application/json",
		DeliveryMode: amqp.Persistent,
		MessageId:    uuid.NewString(),
		Timestamp:    ev.Timestamp,
		Type:         ev.Type,
		Body:         body,
	})
	if err != nil {
		return fmt.Errorf("publishing %s over amqp: %w", ev.Type, err)
	}
	return nil
}

// Close stops reconnection and closes the connection.
func (p *AMQPPublisher) Close() error {
	p.stopOnce.Do(func() { close(p.stop) })

	p.mu.Lock()
	defer p.mu.Unlock()
	if p.channel != nil {
		p.channel.Close() //nolint:errcheck // closing connection below
		p.channel = nil
	}
	if p.conn != nil {
		err := p.conn.Close()
		p.conn = nil
		return err
	}
	return nil
}
