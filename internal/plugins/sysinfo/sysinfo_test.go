package sysinfo

import (
	"encoding/json"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"Enclosure-Core/internal/bus"
	xerrors "Enclosure-Core/internal/errors"
	"Enclosure-Core/internal/runlevel"
	"Enclosure-Core/internal/scheduler"
	"Enclosure-Core/internal/signal"
	"Enclosure-Core/internal/state"
	"Enclosure-Core/pkg/plugin/plugintest"
)

func deliverReading(t *testing.T, p *Sysinfo, host *plugintest.Host, n int) {
	t.Helper()
	require.Eventually(t, func() bool { return len(host.Injections()) == n }, time.Second, 5*time.Millisecond)
	require.Len(t, host.Triggers, 1)
	sig := host.Triggers[0].Handle(host.Injections()[n-1])
	require.NotNil(t, sig)
	require.NoError(t, p.HandleSignal(sig))
}

func TestSamplingCommitsAndSchedules(t *testing.T) {
	host := plugintest.New("host")
	p := NewWithSampler(func(path string) (Sample, error) {
		assert.Equal(t, "/", path)
		return Sample{Load1: 0.4567, MemoryUsed: 41.234, DiskUsed: 70, DiskSampled: true}, nil
	})
	require.NoError(t, p.Configure(host, map[string]any{"every": "1m", "disk": "/"}))
	assert.True(t, host.Value("host", AttrLoad1).IsUninitialized())

	require.NoError(t, p.Start())
	assert.True(t, host.Value("host", AttrLoad1).IsUninitialized())
	deliverReading(t, p, host, 1)

	assert.Equal(t, "host/sampled", host.Injections()[0].Subject)
	var r Reading
	require.NoError(t, json.Unmarshal(host.Injections()[0].Payload, &r))
	assert.Empty(t, r.Error)
	assert.InDelta(t, 0.4567, r.Load1, 1e-9)

	assert.Equal(t, state.Concrete(0.46), host.Value("host", AttrLoad1))
	assert.Equal(t, state.Concrete(41.23), host.Value("host", AttrMemory))
	assert.Equal(t, state.Concrete(70.0), host.Value("host", AttrDisk))
	assert.Equal(t, runlevel.Running, host.Runlevel())

	entry, ok := host.Scheduled["sample"]
	require.True(t, ok)
	assert.Equal(t, host.Clock.Add(time.Minute), entry.When)
	assert.Equal(t, scheduler.KindInterval, entry.Recurrence.Kind())

	require.NoError(t, p.Stop())
	assert.Empty(t, host.Scheduled)
}

func TestSamplingFailureMakesValuesUnknown(t *testing.T) {
	host := plugintest.New("host")
	var fail atomic.Bool
	fail.Store(true)
	p := NewWithSampler(func(string) (Sample, error) {
		if fail.Load() {
			return Sample{}, errors.New("/proc not mounted")
		}
		return Sample{Load1: 1, MemoryUsed: 2}, nil
	})
	require.NoError(t, p.Configure(host, nil))
	require.NoError(t, p.Start())
	t.Cleanup(func() { _ = p.Stop() })
	deliverReading(t, p, host, 1)

	assert.True(t, host.Value("host", AttrLoad1).IsUnknown())
	assert.True(t, host.Value("host", AttrMemory).IsUnknown())
	assert.Equal(t, runlevel.Unknown, host.Runlevel())
	rep := p.RunlevelError()
	assert.Equal(t, xerrors.CodeDependencyUnavailable, rep.Code)
	assert.Contains(t, rep.Message, "/proc not mounted")

	fail.Store(false)
	require.NoError(t, p.HandleSignal(signal.Of("sample", nil)))
	deliverReading(t, p, host, 2)
	assert.Equal(t, state.Concrete(1.0), host.Value("host", AttrLoad1))
	assert.Equal(t, runlevel.Running, host.Runlevel())
}

func TestSampleSkippedWhileOneIsRunning(t *testing.T) {
	host := plugintest.New("host")
	release := make(chan struct{})
	var calls atomic.Int32
	p := NewWithSampler(func(string) (Sample, error) {
		calls.Add(1)
		<-release
		return Sample{Load1: 3, MemoryUsed: 4}, nil
	})
	require.NoError(t, p.Configure(host, nil))
	require.NoError(t, p.Start())
	t.Cleanup(func() { _ = p.Stop() })
	require.Eventually(t, func() bool { return calls.Load() == 1 }, time.Second, 5*time.Millisecond)

	require.NoError(t, p.HandleSignal(signal.Of("sample", nil)))
	close(release)
	deliverReading(t, p, host, 1)
	assert.Equal(t, int32(1), calls.Load())
	assert.Equal(t, state.Concrete(3.0), host.Value("host", AttrLoad1))
}

func TestMalformedReadingIsIgnored(t *testing.T) {
	host := plugintest.New("host")
	p := NewWithSampler(Read)
	require.NoError(t, p.Configure(host, nil))
	require.Len(t, host.Triggers, 1)
	assert.Nil(t, host.Triggers[0].Handle(bus.NewMessage("host/sampled", []byte("not json"))))
}

func TestIntervalMustBePositive(t *testing.T) {
	err := NewWithSampler(Read).Configure(plugintest.New("host"), map[string]any{"every": "-1s"})
	assert.Equal(t, xerrors.CodeConfiguration, xerrors.CodeOf(err))
}

func TestSamplesArePublished(t *testing.T) {
	host := plugintest.New("host")
	p := NewWithSampler(func(string) (Sample, error) {
		return Sample{Load1: 0.5, MemoryUsed: 12.345}, nil
	})
	require.NoError(t, p.Configure(host, map[string]any{"publish": "metrics/host"}))
	require.NoError(t, p.Start())
	t.Cleanup(func() { _ = p.Stop() })
	deliverReading(t, p, host, 1)

	assert.Equal(t, []string{"metrics/host/load1", "metrics/host/memory_used_percent"}, host.Subjects())
	assert.Equal(t, "0.5", string(host.Published[0].Payload))
	assert.Equal(t, "12.35", string(host.Published[1].Payload))
}
