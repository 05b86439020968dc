package bus

import (
	"context"
	"sync"

	cmap "github.com/orcaman/concurrent-map/v2"

	xerrors "Enclosure-Core/internal/errors"
)

// Memory is an in-process bus. Publishing loops back into the inbox when a
// subscription matches, and every published message is kept for inspection.
type Memory struct {
	inbox  *Inbox
	subs   cmap.ConcurrentMap[string, struct{}]
	mu     sync.Mutex
	sent   []Message
	closed bool
}

// NewMemory creates a memory bus using inbox.
func NewMemory(inbox *Inbox) *Memory {
	if inbox == nil {
		inbox = NewInbox(0)
	}
	return &Memory{inbox: inbox, subs: cmap.New[struct{}]()}
}

func (m *Memory) Connect(context.Context) error { return nil }

func (m *Memory) Subscribe(_ context.Context, patterns ...string) error {
	for _, p := range patterns {
		m.subs.Set(p, struct{}{})
	}
	return nil
}

func (m *Memory) Publish(_ context.Context, subject string, payload []byte) error {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return xerrors.New(xerrors.CodeBusFailure, "memory bus closed")
	}
	m.sent = append(m.sent, NewMessage(subject, append([]byte(nil), payload...)))
	m.mu.Unlock()

	if m.subscribed(subject) {
		return m.inbox.Put(NewMessage(subject, payload))
	}
	return nil
}

// Inject delivers a message as if it had arrived from outside, regardless
// of subscriptions.
func (m *Memory) Inject(subject string, payload []byte) error {
	return m.inbox.Put(NewMessage(subject, payload))
}

// Sent returns a copy of every published message, oldest first.
func (m *Memory) Sent() []Message {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]Message(nil), m.sent...)
}

// Subscriptions lists the subscribed patterns.
func (m *Memory) Subscriptions() []string {
	return m.subs.Keys()
}

func (m *Memory) subscribed(subject string) bool {
	found := false
	m.subs.IterCb(func(pattern string, _ struct{}) {
		if !found && Match(pattern, subject) {
			found = true
		}
	})
	return found
}

func (m *Memory) Inbox() *Inbox { return m.inbox }

func (m *Memory) Close() error {
	m.mu.Lock()
	m.closed = true
	m.mu.Unlock()
	m.inbox.Close()
	return nil
}
