package bus

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"Enclosure-Core/pkg/logger"
)

// Publisher is the outbound half of a Client.
type Publisher interface {
	Publish(ctx context.Context, subject string, payload []byte) error
}

// Outbox publishes on its own goroutine so the daemon loop never waits on
// the network.
type Outbox struct {
	pub     Publisher
	ch      chan Message
	timeout time.Duration
	log     *slog.Logger
	wg      sync.WaitGroup
	mu      sync.RWMutex
	closed  bool
}

// NewOutbox creates an outbox buffering up to size messages.
func NewOutbox(pub Publisher, size int, timeout time.Duration, log *slog.Logger) *Outbox {
	if size <= 0 {
		size = 256
	}
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	if log == nil {
		log = logger.Named("outbox")
	}
	return &Outbox{pub: pub, ch: make(chan Message, size), timeout: timeout, log: log}
}

// Start launches the publishing goroutine. It exits after Close once the
// buffer is empty.
func (o *Outbox) Start(ctx context.Context) {
	o.wg.Add(1)
	go func() {
		defer o.wg.Done()
		for msg := range o.ch {
			pctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), o.timeout)
			if err := o.pub.Publish(pctx, msg.Subject, msg.Payload); err != nil {
				o.log.Warn("publish failed", "subject", msg.Subject, "message_id", msg.ID, "error", err)
			}
			cancel()
		}
	}()
}

// Send queues a message and never blocks. A full buffer drops the message.
func (o *Outbox) Send(subject string, payload []byte) bool {
	o.mu.RLock()
	defer o.mu.RUnlock()
	if o.closed {
		return false
	}
	msg := NewMessage(subject, payload)
	select {
	case o.ch <- msg:
		return true
	default:
		o.log.Warn("outbox full, message dropped", "subject", subject)
		return false
	}
}

// Close stops accepting messages and waits for the queued ones.
func (o *Outbox) Close() {
	o.mu.Lock()
	if !o.closed {
		o.closed = true
		close(o.ch)
	}
	o.mu.Unlock()
	o.wg.Wait()
}
