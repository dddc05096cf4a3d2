package notify

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"strings"
	"sync"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"
	log "github.com/sirupsen/logrus"
)

const amqpReconnectDelay = 2 * time.Second

// AMQPConfig names the exchange and queue used for disconnect events.
type AMQPConfig struct {
	URL        string
	Exchange   string
	RoutingKey string
	Queue      string
}

// AMQPBus publishes to a durable topic exchange and consumes a durable queue with
// manual acknowledgements. Failed handlers are nacked and requeued.
type AMQPBus struct {
	cfg AMQPConfig

	mu   sync.Mutex
	conn *amqp.Connection
	ch   *amqp.Channel
}

func sanitizeAMQPURL(raw string) (string, error) {
	clean := strings.Trim(strings.TrimSpace(raw), "\"'")
	u, err := url.Parse(clean)
	if err != nil {
		return "", err
	}
	if u.Scheme != "amqp" && u.Scheme != "amqps" {
		return "", errors.New("AMQP scheme must be either 'amqp://' or 'amqps://'")
	}
	return clean, nil
}

// NewAMQPBus dials the broker and declares the exchange.
func NewAMQPBus(cfg AMQPConfig) (*AMQPBus, error) {
	cleanURL, err := sanitizeAMQPURL(cfg.URL)
	if err != nil {
		return nil, fmt.Errorf("notify: amqp url: %w", err)
	}
	cfg.URL = cleanURL
	b := &AMQPBus{cfg: cfg}
	if _, errOpen := b.channel(); errOpen != nil {
		return nil, errOpen
	}
	return b, nil
}

func (b *AMQPBus) dial() (*amqp.Connection, error) {
	return amqp.DialConfig(b.cfg.URL, amqp.Config{Dial: amqp.DefaultDial(10 * time.Second)})
}

// channel returns the publishing channel, reopening it when closed.
func (b *AMQPBus) channel() (*amqp.Channel, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.ch != nil && !b.ch.IsClosed() {
		return b.ch, nil
	}
	if b.conn == nil || b.conn.IsClosed() {
		conn, err := b.dial()
		if err != nil {
			return nil, fmt.Errorf("notify: amqp dial: %w", err)
		}
		b.conn = conn
	}
	ch, err := b.conn.Channel()
	if err != nil {
		return nil, fmt.Errorf("notify: amqp channel: %w", err)
	}
	if errDeclare := ch.ExchangeDeclare(b.cfg.Exchange, "topic", true, false, false, false, nil); errDeclare != nil {
		_ = ch.Close()
		return nil, fmt.Errorf("notify: amqp exchange: %w", errDeclare)
	}
	b.ch = ch
	return ch, nil
}

// Publish implements Publisher.
func (b *AMQPBus) Publish(ctx context.Context, ev Event) error {
	body, err := encodeEvent(ev)
	if err != nil {
		return fmt.Errorf("notify: encode: %w", err)
	}
	msg := amqp.Publishing{
		ContentType:  "application/json",
		DeliveryMode: amqp.Persistent,
		Timestamp:    time.Now(),
		Body:         body,
	}
	ch, err := b.channel()
	if err != nil {
		return err
	}
	errPublish := ch.PublishWithContext(ctx, b.cfg.Exchange, b.cfg.RoutingKey, false, false, msg)
	if errPublish == nil {
		return nil
	}
	// One retry on a fresh channel.
	b.mu.Lock()
	b.ch = nil
	b.mu.Unlock()
	ch, err = b.channel()
	if err != nil {
		return err
	}
	if errRetry := ch.PublishWithContext(ctx, b.cfg.Exchange, b.cfg.RoutingKey, false, false, msg); errRetry != nil {
		return fmt.Errorf("notify: amqp publish: %w", errRetry)
	}
	return nil
}

// Subscribe implements Subscriber. The consumer reconnects until ctx is done.
func (b *AMQPBus) Subscribe(ctx context.Context, handler Handler) error {
	logger := log.WithFields(log.Fields{"component": "notify", "queue": b.cfg.Queue})
	for {
		errConsume := b.consume(ctx, handler)
		if ctx.Err() != nil {
			return ctx.Err()
		}
		logger.WithError(errConsume).Warn("notify: amqp consumer stopped, reconnecting")
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(amqpReconnectDelay):
		}
	}
}

func (b *AMQPBus) consume(ctx context.Context, handler Handler) error {
	conn, err := b.dial()
	if err != nil {
		return err
	}
	defer conn.Close()
	ch, err := conn.Channel()
	if err != nil {
		return err
	}
	defer ch.Close()

	if errDeclare := ch.ExchangeDeclare(b.cfg.Exchange, "topic", true, false, false, false, nil); errDeclare != nil {
		return errDeclare
	}
	q, err := ch.QueueDeclare(b.cfg.Queue, true, false, false, false, nil)
	if err != nil {
		return err
	}
	if errBind := ch.QueueBind(q.Name, b.cfg.RoutingKey, b.cfg.Exchange, false, nil); errBind != nil {
		return errBind
	}
	if errQos := ch.Qos(8, 0, false); errQos != nil {
		return errQos
	}
	deliveries, err := ch.Consume(q.Name, "", false, false, false, false, nil)
	if err != nil {
		return err
	}

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case d, ok := <-deliveries:
			if !ok {
				return errors.New("delivery channel closed")
			}
			ev, errDecode := decodeEvent(d.Body)
			if errDecode != nil {
				log.WithError(errDecode).WithField("component", "notify").Warn("notify: drop malformed message")
				_ = d.Ack(false)
				continue
			}
			if errHandle := handler(ctx, ev); errHandle != nil {
				log.WithError(errHandle).WithFields(log.Fields{"component": "notify", "username": ev.Username}).
					Warn("notify: handler failed, requeueing")
				_ = d.Nack(false, true)
				continue
			}
			_ = d.Ack(false)
		}
	}
}

// Close closes the publishing channel and connection.
func (b *AMQPBus) Close() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.ch != nil {
		_ = b.ch.Close()
		b.ch = nil
	}
	if b.conn != nil {
		err := b.conn.Close()
		b.conn = nil
		return err
	}
	return nil
}
