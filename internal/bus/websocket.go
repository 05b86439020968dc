package bus

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"sync"

	"github.com/coder/websocket"
	"github.com/coder/websocket/wsjson"

	xerrors "Enclosure-Core/internal/errors"
)

// WebSocketConfig describes a JSON frame relay reachable over WebSocket.
type WebSocketConfig struct {
	URL    string
	Header map[string]string
}

// Frame is the JSON envelope exchanged with the relay. Clients send
// "subscribe" and "publish"; the relay answers with "message".
type Frame struct {
	Op      string `json:"op"`
	Subject string `json:"subject"`
	Payload string `json:"payload,omitempty"`
}

const (
	OpSubscribe = "subscribe"
	OpPublish   = "publish"
	OpMessage   = "message"
)

// WebSocket talks to a relay that fans published frames out to subscribers.
type WebSocket struct {
	cfg   WebSocketConfig
	retry RetryConfig
	inbox *Inbox
	log   *slog.Logger

	mu       sync.Mutex
	conn     *websocket.Conn
	patterns []string
	cancel   context.CancelFunc
	wg       sync.WaitGroup
}

// NewWebSocket creates the driver without connecting.
func NewWebSocket(cfg WebSocketConfig, retryCfg RetryConfig, inbox *Inbox, log *slog.Logger) (*WebSocket, error) {
	if cfg.URL == "" {
		return nil, xerrors.New(xerrors.CodeConfiguration, "websocket url is required")
	}
	if inbox == nil {
		inbox = NewInbox(0)
	}
	return &WebSocket{cfg: cfg, retry: retryCfg, inbox: inbox, log: log}, nil
}

func (w *WebSocket) Connect(ctx context.Context) error {
	header := http.Header{}
	for k, v := range w.cfg.Header {
		header.Set(k, v)
	}
	var conn *websocket.Conn
	err := retry(ctx, w.retry, w.log, "websocket dial", func() error {
		c, _, err := websocket.Dial(ctx, w.cfg.URL, &websocket.DialOptions{HTTPHeader: header})
		if err != nil {
			return err
		}
		conn = c
		return nil
	})
	if err != nil {
		return xerrors.Wrap(xerrors.CodeBusFailure, err, "connect websocket")
	}

	readCtx, cancel := context.WithCancel(context.Background())
	w.mu.Lock()
	w.conn, w.cancel = conn, cancel
	w.mu.Unlock()

	w.wg.Add(1)
	go w.read(readCtx, conn)
	return nil
}

func (w *WebSocket) read(ctx context.Context, conn *websocket.Conn) {
	defer w.wg.Done()
	for {
		var frame Frame
		if err := wsjson.Read(ctx, conn, &frame); err != nil {
			if ctx.Err() == nil && websocket.CloseStatus(err) != websocket.StatusNormalClosure {
				w.log.Warn("websocket read failed", "error", err)
			}
			return
		}
		if frame.Op != OpMessage && frame.Op != OpPublish {
			continue
		}
		w.mu.Lock()
		wanted := MatchAny(w.patterns, frame.Subject)
		w.mu.Unlock()
		if !wanted {
			continue
		}
		if err := w.inbox.Put(NewMessage(frame.Subject, []byte(frame.Payload))); err != nil {
			w.log.Debug("inbound message dropped", "subject", frame.Subject, "error", err)
		}
	}
}

func (w *WebSocket) connection() (*websocket.Conn, error) {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.conn == nil {
		return nil, xerrors.New(xerrors.CodeInitializationFailure, "websocket not connected")
	}
	return w.conn, nil
}

func (w *WebSocket) Subscribe(ctx context.Context, patterns ...string) error {
	conn, err := w.connection()
	if err != nil {
		return err
	}
	for _, p := range patterns {
		w.mu.Lock()
		w.patterns = append(w.patterns, p)
		w.mu.Unlock()
		if err := wsjson.Write(ctx, conn, Frame{Op: OpSubscribe, Subject: p}); err != nil {
			return xerrors.Wrap(xerrors.CodeBusFailure, err, "websocket subscribe "+p)
		}
	}
	return nil
}

func (w *WebSocket) Publish(ctx context.Context, subject string, payload []byte) error {
	conn, err := w.connection()
	if err != nil {
		return err
	}
	if err := wsjson.Write(ctx, conn, Frame{Op: OpPublish, Subject: subject, Payload: string(payload)}); err != nil {
		return xerrors.Wrap(xerrors.CodeBusFailure, err, "websocket publish "+subject)
	}
	return nil
}

func (w *WebSocket) Inbox() *Inbox { return w.inbox }

func (w *WebSocket) Close() error {
	w.mu.Lock()
	conn, cancel := w.conn, w.cancel
	w.conn, w.cancel = nil, nil
	w.mu.Unlock()

	var err error
	if conn != nil {
		err = conn.Close(websocket.StatusNormalClosure, "")
		if errors.Is(err, context.Canceled) {
			err = nil
		}
	}
	if cancel != nil {
		cancel()
	}
	w.wg.Wait()
	w.inbox.Close()
	return err
}
