package notify

import (
	"context"
	"encoding/json"
	stderrors "errors"
	"log"
	"sync"
	"time"

	"github.com/jmgilman/go/errors"
	"github.com/streadway/amqp"
)

// Surface shows notifications to the user.
type Surface interface {
	Show(ctx context.Context, n Notification) error
}

// LogSurface writes notifications to the process log.
type LogSurface struct{}

func (LogSurface) Show(_ context.Context, n Notification) error {
	log.Printf("notify: [%s] %s: %s (id=%s url=%q)", n.Kind, n.Title, n.Body, n.ID, n.URL())
	return nil
}

// Surfaces shows each notification on every member. A failing member does
// not stop the others.
type Surfaces []Surface

func (s Surfaces) Show(ctx context.Context, n Notification) error {
	var errs []error
	for _, sf := range s {
		if err := sf.Show(ctx, n); err != nil {
			errs = append(errs, err)
		}
	}
	return stderrors.Join(errs...)
}

// publisher is the subset of *amqp.Channel the AMQP surface uses.
type publisher interface {
	Publish(exchange, key string, mandatory, immediate bool, msg amqp.Publishing) error
}

// AMQPSurface publishes notifications as persistent JSON messages to a
// fanout exchange. Desktop and mobile shells bind their own queues to it.
type AMQPSurface struct {
	exchange string

	mu      sync.Mutex
	conn    *amqp.Connection
	channel publisher
}

// DialAMQP connects to the broker at dsn and declares a durable fanout
// exchange.
func DialAMQP(dsn, exchange string) (*AMQPSurface, error) {
	conn, err := amqp.Dial(dsn)
	if err != nil {
		return nil, errors.Wrap(err, errors.CodeNetwork, "dial amqp broker")
	}
	channel, err := conn.Channel()
	if err != nil {
		_ = conn.Close()
		return nil, errors.Wrap(err, errors.CodeNetwork, "open amqp channel")
	}
	if err := channel.ExchangeDeclare(
		exchange,
		"fanout",
		true,  // durable
		false, // autoDelete
		false, // internal
		false, // noWait
		nil,   // args
	); err != nil {
		_ = conn.Close()
		return nil, errors.Wrapf(err, errors.CodeNetwork, "declare exchange %s", exchange)
	}
	return &AMQPSurface{exchange: exchange, conn: conn, channel: channel}, nil
}

func (s *AMQPSurface) Show(_ context.Context, n Notification) error {
	msg, err := publishing(n)
	if err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.channel == nil {
		return errors.New(errors.CodeUnavailable, "amqp surface is closed")
	}
	if err := s.channel.Publish(
		s.exchange,
		n.Kind,
		false, // mandatory
		false, // immediate
		msg,
	); err != nil {
		return errors.Wrapf(err, errors.CodeNetwork, "publish notification %s", n.ID)
	}
	return nil
}

func (s *AMQPSurface) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.channel = nil
	if s.conn == nil {
		return nil
	}
	err := s.conn.Close()
	s.conn = nil
	return err
}

func publishing(n Notification) (amqp.Publishing, error) {
	body, err := json.Marshal(n)
	if err != nil {
		return amqp.Publishing{}, errors.Wrap(err, errors.CodeInternal, "encode notification")
	}
	return amqp.Publishing{
		ContentType:  "application/json",
		DeliveryMode: amqp.Persistent,
		MessageId:    n.ID,
		Timestamp:    time.Now(),
		Type:         n.Kind,
		Body:         body,
	}, nil
}
