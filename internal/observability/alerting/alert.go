package alerting

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	xerrors "Enclosure-Core/internal/errors"
	"Enclosure-Core/pkg/logger"
)

// Channel names a notification channel.
type Channel string

const (
	ChannelLog Channel = "log"
	ChannelBus Channel = "bus"
)

// DefaultSubject is where the bus notifier publishes alerts.
const DefaultSubject = "enclosure/alert"

// Event describes something an operator should hear about.
type Event struct {
	Code       xerrors.Code      `json:"code"`
	Message    string            `json:"message"`
	Severity   xerrors.Severity  `json:"severity"`
	Plugin     string            `json:"plugin,omitempty"`
	Metadata   map[string]string `json:"metadata,omitempty"`
	OccurredAt time.Time         `json:"occurred_at"`
}

// FromError builds an event from a coded error.
func FromError(err error, plugin string, now time.Time) Event {
	ev := Event{
		Code:       xerrors.CodeOf(err),
		Severity:   xerrors.SeverityOf(err),
		Plugin:     plugin,
		OccurredAt: now,
	}
	if e, ok := xerrors.From(err); ok {
		ev.Message = e.Message()
		ev.Metadata = e.Metadata()
	} else if err != nil {
		ev.Message = err.Error()
	}
	return ev
}

// Notifier sends events to one channel.
type Notifier interface {
	Channel() Channel
	Notify(ctx context.Context, event Event) error
}

// Dispatcher accepts events.
type Dispatcher interface {
	Notify(ctx context.Context, event Event) error
}

// FanoutDispatcher delivers every event to each notifier, in the order they
// were given. A later notifier for the same channel replaces the earlier one.
type FanoutDispatcher struct {
	notifiers []Notifier
}

// NewFanout creates a dispatcher over notifiers. Nil notifiers are skipped.
func NewFanout(notifiers ...Notifier) *FanoutDispatcher {
	d := &FanoutDispatcher{}
	for _, n := range notifiers {
		if n == nil {
			continue
		}
		replaced := false
		for i, existing := range d.notifiers {
			if existing.Channel() == n.Channel() {
				d.notifiers[i] = n
				replaced = true
			}
		}
		if !replaced {
			d.notifiers = append(d.notifiers, n)
		}
	}
	return d
}

func (d *FanoutDispatcher) Notify(ctx context.Context, event Event) error {
	if d == nil {
		return nil
	}
	var errs []error
	for _, n := range d.notifiers {
		if err := n.Notify(ctx, event); err != nil {
			errs = append(errs, fmt.Errorf("channel %s: %w", n.Channel(), err))
		}
	}
	return errors.Join(errs...)
}

// LogNotifier writes events to a structured logger, the audit log by
// default.
type LogNotifier struct {
	Logger *slog.Logger
}

func (n *LogNotifier) Channel() Channel { return ChannelLog }

func (n *LogNotifier) Notify(ctx context.Context, event Event) error {
	log := n.Logger
	if log == nil {
		log = logger.Audit()
	}
	level := slog.LevelInfo
	switch event.Severity {
	case xerrors.SeverityWarning:
		level = slog.LevelWarn
	case xerrors.SeverityCritical:
		level = slog.LevelError
	}
	attrs := []any{
		slog.String("code", string(event.Code)),
		slog.String("severity", string(event.Severity)),
		slog.Time("occurred_at", event.OccurredAt),
	}
	if event.Plugin != "" {
		attrs = append(attrs, slog.String("plugin", event.Plugin))
	}
	for k, v := range event.Metadata {
		attrs = append(attrs, slog.String(k, v))
	}
	log.Log(ctx, level, event.Message, attrs...)
	return nil
}

// BusNotifier publishes events as JSON through Send, normally the daemon
// outbox.
type BusNotifier struct {
	Send    func(subject string, payload []byte) bool
	Subject string
}

func (n *BusNotifier) Channel() Channel { return ChannelBus }

func (n *BusNotifier) Notify(_ context.Context, event Event) error {
	if n == nil || n.Send == nil {
		logger.L().Warn("bus notifier not configured, alert skipped", slog.String("code", string(event.Code)))
		return nil
	}
	payload, err := json.Marshal(event)
	if err != nil {
		return err
	}
	subject := n.Subject
	if subject == "" {
		subject = DefaultSubject
	}
	if !n.Send(subject, payload) {
		return xerrors.New(xerrors.CodeBusFailure, "alert not queued")
	}
	return nil
}
