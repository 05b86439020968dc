package bus

import (
	"time"

	"github.com/google/uuid"
)

// Message is one inbound or outbound bus payload. Subjects are slash
// separated, for example "switch/lamp".
type Message struct {
	ID         string
	Subject    string
	Payload    []byte
	ReceivedAt time.Time
}

// NewMessage stamps a message with a fresh id and the current time.
func NewMessage(subject string, payload []byte) Message {
	return Message{
		ID:         uuid.NewString(),
		Subject:    subject,
		Payload:    payload,
		ReceivedAt: time.Now(),
	}
}
