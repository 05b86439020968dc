package alerting

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	xerrors "Enclosure-Core/internal/errors"
)

type captured struct {
	subject string
	payload []byte
}

func TestFromError(t *testing.T) {
	now := time.Unix(10, 0)
	err := xerrors.New(xerrors.CodeRoutingOverflow, "budget 8 exceeded", xerrors.WithMetadata("tick", "3"))
	ev := FromError(err, "", now)
	assert.Equal(t, xerrors.CodeRoutingOverflow, ev.Code)
	assert.Equal(t, xerrors.SeverityCritical, ev.Severity)
	assert.Equal(t, "budget 8 exceeded", ev.Message)
	assert.Equal(t, map[string]string{"tick": "3"}, ev.Metadata)

	plain := FromError(errors.New("boom"), "lamp", now)
	assert.Equal(t, xerrors.CodeUnknown, plain.Code)
	assert.Equal(t, "boom", plain.Message)
	assert.Equal(t, "lamp", plain.Plugin)
}

func TestFanoutToLogAndBus(t *testing.T) {
	var buf bytes.Buffer
	var sent []captured
	d := NewFanout(
		&LogNotifier{Logger: slog.New(slog.NewJSONHandler(&buf, nil))},
		nil,
		&BusNotifier{Send: func(subject string, payload []byte) bool {
			sent = append(sent, captured{subject, payload})
			return true
		}},
	)

	ev := Event{Code: xerrors.CodeStartupStall, Severity: xerrors.SeverityCritical, Message: "B stalled", Plugin: "B"}
	require.NoError(t, d.Notify(context.Background(), ev))

	assert.Contains(t, buf.String(), `"level":"ERROR"`)
	assert.Contains(t, buf.String(), `"plugin":"B"`)
	require.Len(t, sent, 1)
	assert.Equal(t, DefaultSubject, sent[0].subject)
	var decoded Event
	require.NoError(t, json.Unmarshal(sent[0].payload, &decoded))
	assert.Equal(t, xerrors.CodeStartupStall, decoded.Code)
}

func TestBusNotifierReportsFullOutbox(t *testing.T) {
	d := NewFanout(&BusNotifier{Subject: "x", Send: func(string, []byte) bool { return false }})
	err := d.Notify(context.Background(), Event{Code: xerrors.CodeRoutingOverflow})
	assert.Error(t, err)

	var nilDispatcher *FanoutDispatcher
	assert.NoError(t, nilDispatcher.Notify(context.Background(), Event{}))
}
