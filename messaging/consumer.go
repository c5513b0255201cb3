package messaging

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"
	"github.com/sirupsen/logrus"
)

const (
	retryDelay      = 5 * time.Second
	maxRetries      = 10
	dispatchTimeout = 30 * time.Second
)

// Config describes the payments queue.
type Config struct {
	URL      string
	Queue    string
	Prefetch int
	Workers  int
}

// Handler decides the disposition of a delivery body.
type Handler interface {
	Dispatch(ctx context.Context, body []byte) Disposition
}

// session is one broker connection with a channel bound to the queue.
type session interface {
	Deliveries(queue string) (<-chan amqp.Delivery, error)
	Close() error
}

type dialFunc func(cfg Config) (session, error)

// Consumer feeds queue deliveries to a Handler and settles each one with
// the returned Disposition. A dropped connection is redialed with a linear
// backoff; consecutive failures past maxRetries stop the consumer.
type Consumer struct {
	cfg     Config
	log     logrus.FieldLogger
	handler Handler
	dial    dialFunc
	delay   time.Duration

	mu      sync.Mutex
	current session
}

// NewConsumer dials the broker once so a bad URL fails at startup.
func NewConsumer(cfg Config, handler Handler, log logrus.FieldLogger) (*Consumer, error) {
	c := newConsumer(cfg, handler, log, dialAMQP)
	sess, err := c.dial(c.cfg)
	if err != nil {
		return nil, err
	}
	c.current = sess
	return c, nil
}

func newConsumer(cfg Config, handler Handler, log logrus.FieldLogger, dial dialFunc) *Consumer {
	if cfg.Workers <= 0 {
		cfg.Workers = 1
	}
	if cfg.Prefetch <= 0 {
		cfg.Prefetch = cfg.Workers
	}
	return &Consumer{
		cfg:     cfg,
		log:     log.WithFields(logrus.Fields{"component": "consumer", "queue": cfg.Queue}),
		handler: handler,
		dial:    dial,
		delay:   retryDelay,
	}
}

// Start consumes until ctx is cancelled. It returns nil on cancellation and
// an error when the broker stays unreachable.
func (c *Consumer) Start(ctx context.Context) error {
	for {
		sess, err := c.session(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			return err
		}

		if err := c.serve(ctx, sess); err != nil {
			c.log.WithError(err).Warn("failed to consume")
		}
		c.drop(sess)

		if ctx.Err() != nil {
			return nil
		}
		c.log.Warn("delivery stream closed, reconnecting")
	}
}

// Close tears down the open session, which ends the running workers.
func (c *Consumer) Close() error {
	c.mu.Lock()
	sess := c.current
	c.current = nil
	c.mu.Unlock()
	if sess == nil {
		return nil
	}
	return sess.Close()
}

// session returns the open session or dials a new one.
func (c *Consumer) session(ctx context.Context) (session, error) {
	c.mu.Lock()
	sess := c.current
	c.mu.Unlock()
	if sess != nil {
		return sess, nil
	}

	for attempt := 1; attempt <= maxRetries; attempt++ {
		select {
		case <-time.After(c.delay * time.Duration(attempt)):
		case <-ctx.Done():
			return nil, ctx.Err()
		}

		sess, err := c.dial(c.cfg)
		if err != nil {
			c.log.WithError(err).WithField("attempt", attempt).Warn("reconnect failed")
			continue
		}
		c.mu.Lock()
		c.current = sess
		c.mu.Unlock()
		c.log.WithField("attempt", attempt).Info("reconnected")
		return sess, nil
	}
	return nil, fmt.Errorf("broker unreachable after %d attempts", maxRetries)
}

func (c *Consumer) drop(sess session) {
	c.mu.Lock()
	if c.current == sess {
		c.current = nil
	}
	c.mu.Unlock()
	_ = sess.Close()
}

// serve runs the workers until the delivery stream closes or ctx is done.
func (c *Consumer) serve(ctx context.Context, sess session) error {
	msgs, err := sess.Deliveries(c.cfg.Queue)
	if err != nil {
		return err
	}

	var wg sync.WaitGroup
	for i := 0; i < c.cfg.Workers; i++ {
		wg.Add(1)
		go func(worker int) {
			defer wg.Done()
			log := c.log.WithField("worker", worker)
			for {
				select {
				case <-ctx.Done():
					return
				case msg, ok := <-msgs:
					if !ok {
						return
					}
					c.process(ctx, log, msg)
				}
			}
		}(i)
	}
	wg.Wait()
	return nil
}

func (c *Consumer) process(ctx context.Context, log logrus.FieldLogger, msg amqp.Delivery) {
	dctx, cancel := context.WithTimeout(ctx, dispatchTimeout)
	defer cancel()

	disp := c.handler.Dispatch(dctx, msg.Body)
	if err := settle(msg, disp); err != nil {
		log.WithError(err).WithFields(logrus.Fields{
			"delivery_tag": msg.DeliveryTag,
			"disposition":  disp.String(),
		}).Error("failed to settle delivery")
	}
}

// settle maps a Disposition onto the broker acknowledgement. Reject drops
// the message, Requeue hands it back for redelivery.
func settle(msg amqp.Delivery, disp Disposition) error {
	if msg.Acknowledger == nil {
		return errors.New("delivery has no acknowledger")
	}
	switch disp {
	case Ack:
		return msg.Ack(false)
	case Reject:
		return msg.Reject(false)
	default:
		return msg.Nack(false, true)
	}
}

// =============================================================================
// AMQP
// =============================================================================

type amqpSession struct {
	conn *amqp.Connection
	ch   *amqp.Channel
}

func dialAMQP(cfg Config) (session, error) {
	conn, err := amqp.Dial(cfg.URL)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to RabbitMQ: %w", err)
	}
	ch, err := conn.Channel()
	if err != nil {
		conn.Close()
		return nil, fmt.Errorf("failed to open channel: %w", err)
	}
	if _, err := ch.QueueDeclare(cfg.Queue, true, false, false, false, nil); err != nil {
		ch.Close()
		conn.Close()
		return nil, fmt.Errorf("failed to declare queue %s: %w", cfg.Queue, err)
	}
	if err := ch.Qos(cfg.Prefetch, 0, false); err != nil {
		ch.Close()
		conn.Close()
		return nil, fmt.Errorf("failed to set QoS: %w", err)
	}
	return &amqpSession{conn: conn, ch: ch}, nil
}

// Deliveries registers a manual-ack consumer. The returned channel closes
// when the connection drops.
func (s *amqpSession) Deliveries(queue string) (<-chan amqp.Delivery, error) {
	msgs, err := s.ch.Consume(queue, "", false, false, false, false, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to register consumer: %w", err)
	}
	return msgs, nil
}

func (s *amqpSession) Close() error {
	if s.conn.IsClosed() {
		return nil
	}
	_ = s.ch.Close()
	return s.conn.Close()
}
