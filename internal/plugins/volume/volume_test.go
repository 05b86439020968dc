package volume

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"Enclosure-Core/internal/runlevel"
	"Enclosure-Core/internal/signal"
	"Enclosure-Core/internal/state"
	"Enclosure-Core/pkg/plugin/plugintest"
)

func speaker(t *testing.T) (*Volume, *plugintest.Host) {
	t.Helper()
	host := plugintest.New("speaker")
	p := New().(*Volume)
	require.NoError(t, p.Configure(host, map[string]any{"min": 0, "max": 10, "initial": 5}))
	require.NoError(t, p.Start())
	return p, host
}

func TestVolumeClampsAndPublishes(t *testing.T) {
	p, host := speaker(t)
	assert.Equal(t, runlevel.Running, host.Runlevel())

	require.NoError(t, p.HandleSignal(signal.Of("volume", map[string]any{"delta": 3})))
	assert.Equal(t, state.Concrete(8), host.Value("speaker", AttrLevel))

	require.NoError(t, p.HandleSignal(signal.Of("volume", map[string]any{"delta": 30})))
	assert.Equal(t, state.Concrete(10), host.Value("speaker", AttrLevel))

	require.NoError(t, p.HandleSignal(signal.Of("volume", map[string]any{"level": "-4"})))
	assert.Equal(t, state.Concrete(0), host.Value("speaker", AttrLevel))

	assert.Equal(t, []string{"speaker/level", "speaker/level", "speaker/level"}, host.Subjects())
	assert.Equal(t, "0", string(host.Published[2].Payload))
}

func TestVolumeVotes(t *testing.T) {
	_, host := speaker(t)
	ok, err := host.Request("speaker", AttrLevel, state.Concrete(11))
	require.NoError(t, err)
	assert.False(t, ok)

	ok, err = host.Request("speaker", AttrMute, state.Concrete("loud"))
	require.NoError(t, err)
	assert.False(t, ok)

	ok, err = host.Request("speaker", AttrLevel, state.Concrete(7))
	require.NoError(t, err)
	assert.True(t, ok)
}

func TestMuteAndReport(t *testing.T) {
	p, host := speaker(t)
	require.NoError(t, p.HandleSignal(signal.Of("mute", nil)))
	assert.Equal(t, state.Concrete(true), host.Value("speaker", AttrMute))
	require.NoError(t, p.HandleSignal(signal.Of("unmute", nil)))
	assert.Equal(t, state.Concrete(false), host.Value("speaker", AttrMute))

	require.NoError(t, p.HandleSignal(signal.Of("report", map[string]any{"level": 42})))
	assert.True(t, host.Value("speaker", AttrLevel).IsUnknown())

	err := p.HandleSignal(signal.Of("volume", map[string]any{"delta": 1}))
	assert.Error(t, err)

	require.NoError(t, p.HandleSignal(signal.Of("report", map[string]any{"level": 3, "mute": true})))
	assert.Equal(t, state.Concrete(3), host.Value("speaker", AttrLevel))
	assert.Equal(t, state.Concrete(true), host.Value("speaker", AttrMute))
}

func TestVolumeConfiguration(t *testing.T) {
	assert.Error(t, New().Configure(plugintest.New("a"), map[string]any{"min": 5, "max": 5}))
	assert.Error(t, New().Configure(plugintest.New("b"), map[string]any{"initial": 101}))

	host := plugintest.New("c")
	require.NoError(t, New().Configure(host, nil))
	assert.True(t, host.Value("c", AttrLevel).IsUnknown())
}
