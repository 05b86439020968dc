// Package bus connects the daemon to the outside world. Drivers run their
// network I/O on their own goroutines and only hand inbound messages to the
// thread-safe Inbox, which the daemon loop drains once per tick.
package bus

import (
	"context"
	"fmt"
	"log/slog"
	"strings"

	"github.com/bmatcuk/doublestar/v4"

	xerrors "Enclosure-Core/internal/errors"
	"Enclosure-Core/pkg/logger"
)

// Client is implemented by every bus driver.
type Client interface {
	// Connect establishes the connection, retrying with backoff.
	Connect(ctx context.Context) error
	// Subscribe starts delivering messages whose subject matches any of
	// patterns into the inbox.
	Subscribe(ctx context.Context, patterns ...string) error
	// Publish sends payload on subject.
	Publish(ctx context.Context, subject string, payload []byte) error
	// Inbox returns the queue inbound messages are appended to.
	Inbox() *Inbox
	Close() error
}

const (
	DriverMemory    = "memory"
	DriverRedis     = "redis"
	DriverRabbitMQ  = "rabbitmq"
	DriverWebSocket = "websocket"
)

// Config selects and configures a driver.
type Config struct {
	Driver    string
	InboxHint int
	Retry     RetryConfig
	Redis     RedisConfig
	RabbitMQ  RabbitMQConfig
	WebSocket WebSocketConfig
}

// Option customises a driver created by New.
type Option func(*options)

type options struct {
	log *slog.Logger
}

// WithLogger overrides the driver logger.
func WithLogger(l *slog.Logger) Option {
	return func(o *options) {
		if l != nil {
			o.log = l
		}
	}
}

// New builds the driver named by cfg.Driver. It does not connect.
func New(cfg Config, opts ...Option) (Client, error) {
	o := options{log: logger.Named("bus")}
	for _, opt := range opts {
		if opt != nil {
			opt(&o)
		}
	}
	inbox := NewInbox(cfg.InboxHint)
	log := o.log.With("driver", driverName(cfg.Driver))

	switch driverName(cfg.Driver) {
	case DriverMemory:
		return NewMemory(inbox), nil
	case DriverRedis:
		return NewRedis(cfg.Redis, cfg.Retry, inbox, log)
	case DriverRabbitMQ:
		return NewRabbitMQ(cfg.RabbitMQ, cfg.Retry, inbox, log)
	case DriverWebSocket:
		return NewWebSocket(cfg.WebSocket, cfg.Retry, inbox, log)
	default:
		return nil, xerrors.New(xerrors.CodeConfiguration, fmt.Sprintf("unsupported bus driver %q", cfg.Driver))
	}
}

func driverName(d string) string {
	d = strings.ToLower(strings.TrimSpace(d))
	if d == "" {
		return DriverMemory
	}
	return d
}

// Match reports whether subject matches pattern. "*" matches one slash
// separated segment and "**" any number of segments.
func Match(pattern, subject string) bool {
	ok, err := doublestar.Match(pattern, subject)
	return err == nil && ok
}

// MatchAny reports whether subject matches one of patterns.
func MatchAny(patterns []string, subject string) bool {
	for _, p := range patterns {
		if Match(p, subject) {
			return true
		}
	}
	return false
}
