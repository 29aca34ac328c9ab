package notify

import (
	"context"
	"encoding/json"
	"fmt"
	"io"

	amqp "github.com/rabbitmq/amqp091-go"
	"go.uber.org/zap"
)

const (
	messageType = "notification.generated"
	appID       = "xonotify"
)

// channel is the subset of *amqp.Channel the sink uses.
type channel interface {
	PublishWithContext(ctx context.Context, exchange, key string, mandatory, immediate bool, msg amqp.Publishing) error
	Close() error
}

// AMQPSink publishes notifications as persistent JSON messages to a durable
// topic exchange.
type AMQPSink struct {
	conn       io.Closer
	open       func() (channel, error)
	exchange   string
	routingKey string
	log        *zap.Logger
}

// DialAMQP connects to url and declares exchange as a durable topic exchange.
func DialAMQP(url, exchange, routingKey string, log *zap.Logger) (*AMQPSink, error) {
	conn, err := amqp.Dial(url)
	if err != nil {
		return nil, fmt.Errorf("dial amqp: %w", err)
	}
	ch, err := conn.Channel()
	if err != nil {
		conn.Close()
		return nil, fmt.Errorf("open amqp channel: %w", err)
	}
	defer ch.Close()
	if err := ch.ExchangeDeclare(exchange, "topic", true, false, false, false, nil); err != nil {
		conn.Close()
		return nil, fmt.Errorf("declare exchange %s: %w", exchange, err)
	}

	open := func() (channel, error) { return conn.Channel() }
	return newAMQPSink(conn, open, exchange, routingKey, log), nil
}

func newAMQPSink(conn io.Closer, open func() (channel, error), exchange, routingKey string, log *zap.Logger) *AMQPSink {
	if log == nil {
		log = zap.NewNop()
	}
	return &AMQPSink{
		conn:       conn,
		open:       open,
		exchange:   exchange,
		routingKey: routingKey,
		log:        log,
	}
}

// Deliver publishes n on a short-lived channel.
func (s *AMQPSink) Deliver(ctx context.Context, n Notification) error {
	body, err := json.Marshal(n)
	if err != nil {
		return fmt.Errorf("marshal notification: %w", err)
	}

	ch, err := s.open()
	if err != nil {
		return fmt.Errorf("open amqp channel: %w", err)
	}
	defer ch.Close()

	err = ch.PublishWithContext(ctx, s.exchange, s.routingKey, false, false, amqp.Publishing{
		ContentType:   "application/json",
		DeliveryMode:  amqp.Persistent,
		MessageId:     n.ID,
		CorrelationId: n.UserID,
		Type:          messageType,
		AppId:         appID,
		Timestamp:     n.CreatedAt,
		Body:          body,
	})
	if err != nil {
		return fmt.Errorf("publish notification %s: %w", n.ID, err)
	}
	s.log.Info("published notification",
		zap.String("id", n.ID),
		zap.String("exchange", s.exchange),
		zap.String("routing_key", s.routingKey),
	)
	return nil
}

// Close closes the broker connection.
func (s *AMQPSink) Close() error {
	if s.conn == nil {
		return nil
	}
	return s.conn.Close()
}
