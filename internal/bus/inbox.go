package bus

import (
	"github.com/Workiva/go-datastructures/queue"

	xerrors "Enclosure-Core/internal/errors"
)

// Inbox is the only point where bus goroutines and the daemon loop meet.
// Any goroutine may Put; only the loop drains.
type Inbox struct {
	q *queue.Queue
}

// NewInbox creates an inbox sized for hint messages.
func NewInbox(hint int) *Inbox {
	if hint <= 0 {
		hint = 256
	}
	return &Inbox{q: queue.New(int64(hint))}
}

// Put appends msg. It fails once the inbox was closed.
func (i *Inbox) Put(msg Message) error {
	if err := i.q.Put(msg); err != nil {
		return xerrors.Wrap(xerrors.CodeBusFailure, err, "inbox closed")
	}
	return nil
}

// Drain removes up to max messages without blocking.
func (i *Inbox) Drain(max int) []Message {
	if max <= 0 || i.q.Disposed() || i.q.Len() == 0 {
		return nil
	}
	items, err := i.q.Get(int64(max))
	if err != nil {
		return nil
	}
	out := make([]Message, 0, len(items))
	for _, item := range items {
		if msg, ok := item.(Message); ok {
			out = append(out, msg)
		}
	}
	return out
}

// Len returns the number of queued messages.
func (i *Inbox) Len() int {
	return int(i.q.Len())
}

// Close rejects further messages and drops the queued ones.
func (i *Inbox) Close() {
	if !i.q.Disposed() {
		i.q.Dispose()
	}
}
