package bus

import (
	"context"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	amqp "github.com/rabbitmq/amqp091-go"

	xerrors "Enclosure-Core/internal/errors"
)

// RabbitMQConfig describes the AMQP connection. Subjects travel as routing
// keys on a topic exchange, so subject segments must not contain dots.
type RabbitMQConfig struct {
	URL      string
	Exchange string
	Durable  bool
}

// RabbitMQ carries subjects over an AMQP topic exchange. Each daemon binds
// an exclusive, server named queue.
type RabbitMQ struct {
	cfg   RabbitMQConfig
	retry RetryConfig
	inbox *Inbox
	log   *slog.Logger

	mu        sync.Mutex
	conn      *amqp.Connection
	ch        *amqp.Channel
	queue     string
	patterns  []string
	consuming bool
	wg        sync.WaitGroup
}

// NewRabbitMQ creates the driver without connecting.
func NewRabbitMQ(cfg RabbitMQConfig, retryCfg RetryConfig, inbox *Inbox, log *slog.Logger) (*RabbitMQ, error) {
	if cfg.URL == "" {
		return nil, xerrors.New(xerrors.CodeConfiguration, "rabbitmq url is required")
	}
	if cfg.Exchange == "" {
		cfg.Exchange = "enclosure"
	}
	if inbox == nil {
		inbox = NewInbox(0)
	}
	return &RabbitMQ{cfg: cfg, retry: retryCfg, inbox: inbox, log: log}, nil
}

func (q *RabbitMQ) Connect(ctx context.Context) error {
	var conn *amqp.Connection
	err := retry(ctx, q.retry, q.log, "rabbitmq dial", func() error {
		c, err := amqp.Dial(q.cfg.URL)
		if err != nil {
			return err
		}
		conn = c
		return nil
	})
	if err != nil {
		return xerrors.Wrap(xerrors.CodeBusFailure, err, "connect rabbitmq")
	}
	ch, err := conn.Channel()
	if err != nil {
		conn.Close()
		return xerrors.Wrap(xerrors.CodeBusFailure, err, "open rabbitmq channel")
	}
	if err := ch.ExchangeDeclare(q.cfg.Exchange, "topic", q.cfg.Durable, !q.cfg.Durable, false, false, nil); err != nil {
		ch.Close()
		conn.Close()
		return xerrors.Wrap(xerrors.CodeBusFailure, err, "declare rabbitmq exchange")
	}
	declared, err := ch.QueueDeclare("", false, true, true, false, nil)
	if err != nil {
		ch.Close()
		conn.Close()
		return xerrors.Wrap(xerrors.CodeBusFailure, err, "declare rabbitmq queue")
	}

	q.mu.Lock()
	q.conn, q.ch, q.queue = conn, ch, declared.Name
	q.mu.Unlock()
	return nil
}

// routingKey turns "switch/lamp" into "switch.lamp".
func routingKey(subject string) string {
	return strings.ReplaceAll(subject, "/", ".")
}

// bindingKey turns a subject pattern into an AMQP binding key: "*" keeps
// its meaning and "**" becomes "#".
func bindingKey(pattern string) string {
	segments := strings.Split(pattern, "/")
	for i, s := range segments {
		if s == "**" {
			segments[i] = "#"
		}
	}
	return strings.Join(segments, ".")
}

func subjectOf(key string) string {
	return strings.ReplaceAll(key, ".", "/")
}

func (q *RabbitMQ) Subscribe(_ context.Context, patterns ...string) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.ch == nil {
		return xerrors.New(xerrors.CodeInitializationFailure, "rabbitmq not connected")
	}
	for _, p := range patterns {
		if err := q.ch.QueueBind(q.queue, bindingKey(p), q.cfg.Exchange, false, nil); err != nil {
			return xerrors.Wrap(xerrors.CodeBusFailure, err, "bind "+p)
		}
		q.patterns = append(q.patterns, p)
	}
	if q.consuming {
		return nil
	}
	deliveries, err := q.ch.Consume(q.queue, "", true, true, false, false, nil)
	if err != nil {
		return xerrors.Wrap(xerrors.CodeBusFailure, err, "consume rabbitmq queue")
	}
	q.consuming = true
	q.wg.Add(1)
	go q.read(deliveries)
	return nil
}

func (q *RabbitMQ) read(deliveries <-chan amqp.Delivery) {
	defer q.wg.Done()
	for d := range deliveries {
		subject := subjectOf(d.RoutingKey)
		q.mu.Lock()
		wanted := MatchAny(q.patterns, subject)
		q.mu.Unlock()
		if !wanted {
			continue
		}
		msg := NewMessage(subject, d.Body)
		if d.MessageId != "" {
			msg.ID = d.MessageId
		}
		if err := q.inbox.Put(msg); err != nil {
			q.log.Debug("inbound message dropped", "subject", subject, "error", err)
		}
	}
}

func (q *RabbitMQ) Publish(ctx context.Context, subject string, payload []byte) error {
	q.mu.Lock()
	ch := q.ch
	q.mu.Unlock()
	if ch == nil {
		return xerrors.New(xerrors.CodeInitializationFailure, "rabbitmq not connected")
	}
	err := ch.PublishWithContext(ctx, q.cfg.Exchange, routingKey(subject), false, false, amqp.Publishing{
		ContentType: "text/plain",
		MessageId:   uuid.NewString(),
		Timestamp:   time.Now(),
		Body:        payload,
	})
	if err != nil {
		return xerrors.Wrap(xerrors.CodeBusFailure, err, "rabbitmq publish "+subject)
	}
	return nil
}

func (q *RabbitMQ) Inbox() *Inbox { return q.inbox }

func (q *RabbitMQ) Close() error {
	q.mu.Lock()
	ch, conn := q.ch, q.conn
	q.ch, q.conn = nil, nil
	q.mu.Unlock()

	if ch != nil {
		_ = ch.Close()
	}
	var err error
	if conn != nil {
		err = conn.Close()
	}
	q.wg.Wait()
	q.inbox.Close()
	return err
}
