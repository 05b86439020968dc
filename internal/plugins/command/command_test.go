package command

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"Enclosure-Core/internal/bus"
	xerrors "Enclosure-Core/internal/errors"
	"Enclosure-Core/internal/runlevel"
	"Enclosure-Core/internal/signal"
	"Enclosure-Core/internal/state"
	"Enclosure-Core/pkg/plugin/plugintest"
)

func configure(t *testing.T, run Runner) (*Command, *plugintest.Host) {
	t.Helper()
	host := plugintest.New("shell")
	p := NewWithRunner(run)
	require.NoError(t, p.Configure(host, map[string]any{
		"workers": 2,
		"commands": map[string]any{
			"reboot": map[string]any{"path": "/sbin/reboot", "timeout": "2s"},
			"broken": map[string]any{"path": "/bin/false"},
		},
	}))
	require.NoError(t, p.Start())
	t.Cleanup(func() { _ = p.Stop() })
	return p, host
}

func deliverCompletion(t *testing.T, p *Command, host *plugintest.Host, n int) {
	t.Helper()
	require.Eventually(t, func() bool { return len(host.Injections()) == n }, time.Second, 5*time.Millisecond)
	require.Len(t, host.Triggers, 1)
	sig := host.Triggers[0].Handle(host.Injections()[n-1])
	require.NotNil(t, sig)
	require.NoError(t, p.HandleSignal(sig))
}

func TestRunReportsCompletion(t *testing.T) {
	var mu sync.Mutex
	var ran []string
	p, host := configure(t, func(ctx context.Context, spec Spec) (int, error) {
		mu.Lock()
		ran = append(ran, spec.Path)
		mu.Unlock()
		_, hasDeadline := ctx.Deadline()
		if spec.Path == "/sbin/reboot" && !hasDeadline {
			return -1, errors.New("timeout not applied")
		}
		if spec.Path == "/bin/false" {
			return 1, nil
		}
		return 0, nil
	})
	assert.Equal(t, runlevel.Running, host.Runlevel())
	assert.Equal(t, state.Concrete(0), host.Value("shell", AttrRunning))

	require.NoError(t, p.HandleSignal(signal.Of("run", map[string]any{"command": "reboot"})))
	assert.Equal(t, state.Concrete(1), host.Value("shell", AttrRunning))
	deliverCompletion(t, p, host, 1)

	assert.Equal(t, state.Concrete(0), host.Value("shell", AttrRunning))
	assert.Equal(t, state.Concrete("reboot"), host.Value("shell", AttrLastCommand))
	assert.Equal(t, state.Concrete(0), host.Value("shell", AttrLastExit))

	var res Result
	require.NoError(t, json.Unmarshal(host.Injections()[0].Payload, &res))
	assert.Equal(t, "reboot", res.Command)
	assert.Equal(t, "shell/completed", host.Injections()[0].Subject)

	require.NoError(t, p.HandleSignal(signal.Of("run", map[string]any{"command": "broken"})))
	deliverCompletion(t, p, host, 2)
	assert.Equal(t, state.Concrete(1), host.Value("shell", AttrLastExit))

	mu.Lock()
	assert.Equal(t, []string{"/sbin/reboot", "/bin/false"}, ran)
	mu.Unlock()
}

func TestRunnerErrorMakesExitUnknown(t *testing.T) {
	p, host := configure(t, func(context.Context, Spec) (int, error) {
		return -1, errors.New("exec: not found")
	})
	require.NoError(t, p.HandleSignal(signal.Of("run", map[string]any{"command": "reboot"})))
	deliverCompletion(t, p, host, 1)
	assert.True(t, host.Value("shell", AttrLastExit).IsUnknown())
}

func TestUnknownCommand(t *testing.T) {
	p, _ := configure(t, func(context.Context, Spec) (int, error) { return 0, nil })
	err := p.HandleSignal(signal.Of("run", map[string]any{"command": "format"}))
	assert.Equal(t, xerrors.CodeNotFound, xerrors.CodeOf(err))
}

func TestBusyPoolDropsWork(t *testing.T) {
	release := make(chan struct{})
	p, host := configure(t, func(context.Context, Spec) (int, error) {
		<-release
		return 0, nil
	})
	require.NoError(t, p.HandleSignal(signal.Of("run", map[string]any{"command": "reboot"})))
	require.NoError(t, p.HandleSignal(signal.Of("run", map[string]any{"command": "reboot"})))
	err := p.HandleSignal(signal.Of("run", map[string]any{"command": "reboot"}))
	assert.Equal(t, xerrors.CodeExecutorFailure, xerrors.CodeOf(err))
	assert.Equal(t, state.Concrete(2), host.Value("shell", AttrRunning))
	close(release)
	require.Eventually(t, func() bool { return len(host.Injections()) == 2 }, time.Second, 5*time.Millisecond)
}

func TestCompletionTriggerIgnoresGarbage(t *testing.T) {
	_, host := configure(t, func(context.Context, Spec) (int, error) { return 0, nil })
	require.Len(t, host.Triggers, 1)
	assert.Equal(t, []string{"shell/completed"}, host.Triggers[0].Subjects())
	assert.Nil(t, host.Triggers[0].Handle(bus.NewMessage("shell/completed", []byte("not json"))))
}

func TestConfigureNeedsCommands(t *testing.T) {
	err := NewWithRunner(Exec).Configure(plugintest.New("x"), nil)
	assert.Equal(t, xerrors.CodeConfiguration, xerrors.CodeOf(err))

	err = NewWithRunner(Exec).Configure(plugintest.New("y"), map[string]any{
		"commands": map[string]any{"noop": map[string]any{}},
	})
	assert.Equal(t, xerrors.CodeConfiguration, xerrors.CodeOf(err))
}
