// Package plugintest provides a plugin.Host backed by a real state registry
// and runlevel supervisor, recording everything a plugin sends outward.
package plugintest

import (
	"log/slog"
	"sync"
	"time"

	"Enclosure-Core/internal/bus"
	xerrors "Enclosure-Core/internal/errors"
	"Enclosure-Core/internal/runlevel"
	"Enclosure-Core/internal/scheduler"
	"Enclosure-Core/internal/signal"
	"Enclosure-Core/internal/state"
	"Enclosure-Core/pkg/logger"
	"Enclosure-Core/pkg/plugin"
)

// Emission is a signal queued by the plugin.
type Emission struct {
	Target string
	Signal *signal.Signal
}

// Scheduled is an entry created through Schedule.
type Scheduled struct {
	When       time.Time
	Signal     *signal.Signal
	Recurrence scheduler.Recurrence
}

// Host implements plugin.Host for a single plugin.
type Host struct {
	Registry   *state.Registry
	Supervisor *runlevel.Supervisor
	Clock      time.Time

	Published []bus.Message
	Emitted   []Emission
	Scheduled map[string]Scheduled
	Triggers  []signal.Trigger
	Exit      *int
	Paused    bool
	// Refuse makes Publish report a full outbox.
	Refuse bool

	id       string
	mu       sync.Mutex
	injected []bus.Message
}

var _ plugin.Host = (*Host)(nil)

// New returns a host for plugin id, tracked in runlevel unknown.
func New(id string) *Host {
	reg := state.NewRegistry(state.WithLogger(logger.Discard()))
	sup := runlevel.NewSupervisor(reg, runlevel.WithLogger(logger.Discard()), runlevel.WithAuditLogger(logger.Discard()))
	h := &Host{
		Registry:   reg,
		Supervisor: sup,
		Clock:      time.Date(2024, 1, 1, 12, 0, 0, 0, time.UTC),
		Scheduled:  make(map[string]Scheduled),
		id:         id,
	}
	h.AddPeer(id)
	return h
}

// AddPeer declares another plugin, tracked in runlevel unknown.
func (h *Host) AddPeer(id string) {
	if err := h.Registry.AddPlugin(id); err != nil {
		panic(err)
	}
	if err := h.Supervisor.Track(id, runlevel.Unknown, nil); err != nil {
		panic(err)
	}
}

// Value returns the committed value of plugin.attr, or Uninitialized.
func (h *Host) Value(plugin, attr string) state.Value {
	v, _ := h.Registry.Get(plugin, attr)
	return v
}

// Injections returns the messages injected so far.
func (h *Host) Injections() []bus.Message {
	h.mu.Lock()
	defer h.mu.Unlock()
	return append([]bus.Message(nil), h.injected...)
}

// Subjects lists the subjects published so far, in order.
func (h *Host) Subjects() []string {
	out := make([]string, 0, len(h.Published))
	for _, m := range h.Published {
		out = append(out, m.Subject)
	}
	return out
}

func (h *Host) ID() string           { return h.id }
func (h *Host) Logger() *slog.Logger { return logger.Discard() }
func (h *Host) Now() time.Time       { return h.Clock }

func (h *Host) Register(attr string, initial state.Value) error {
	return h.Registry.Register(h.id, attr, initial)
}

func (h *Host) Get(plugin, attr string) (state.Value, error) {
	return h.Registry.Get(plugin, attr)
}

func (h *Host) Set(attr string, v state.Value) (bool, error) {
	return h.Registry.RequestWrite(h.id, attr, v, state.LocalRequested)
}

func (h *Host) Report(attr string, v state.Value) (bool, error) {
	if attr == runlevel.Attribute {
		return false, xerrors.New(xerrors.CodeInvalidArgument, "runlevel changes only through SetRunlevel")
	}
	return h.Registry.RequestWrite(h.id, attr, v, state.Commit)
}

func (h *Host) Request(plugin, attr string, v state.Value) (bool, error) {
	return h.Registry.RequestWrite(plugin, attr, v, state.RemoteRequested)
}

func (h *Host) Observe(plugin, attr string, o state.Observer) error {
	return h.Registry.Observe(plugin, attr, o)
}

func (h *Host) Runlevel() runlevel.Runlevel { return h.Supervisor.Current(h.id) }

func (h *Host) SetRunlevel(rl runlevel.Runlevel) (bool, error) {
	return h.Supervisor.Request(h.id, rl)
}

func (h *Host) AddInhibitor(target runlevel.Runlevel, key string, p runlevel.Predicate, deps ...runlevel.AttrRef) error {
	return h.Supervisor.AddInhibitor(target, key, p, deps...)
}

func (h *Host) Emit(target string, sig *signal.Signal) error {
	h.Emitted = append(h.Emitted, Emission{Target: target, Signal: sig})
	return nil
}

func (h *Host) EmitBinding(binding string, sig *signal.Signal) error {
	h.Emitted = append(h.Emitted, Emission{Target: "binding:" + binding, Signal: sig})
	return nil
}

func (h *Host) AddTrigger(t signal.Trigger) error {
	h.Triggers = append(h.Triggers, t)
	return nil
}

func (h *Host) Schedule(key string, when time.Time, sig *signal.Signal, rec scheduler.Recurrence) error {
	h.Scheduled[key] = Scheduled{When: when, Signal: sig, Recurrence: rec}
	return nil
}

func (h *Host) Cancel(key string) bool {
	_, ok := h.Scheduled[key]
	delete(h.Scheduled, key)
	return ok
}

func (h *Host) Publish(subject string, payload []byte) bool {
	if h.Refuse {
		return false
	}
	h.Published = append(h.Published, bus.NewMessage(subject, payload))
	return true
}

func (h *Host) Inject(subject string, payload []byte) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.injected = append(h.injected, bus.NewMessage(subject, payload))
	return nil
}

func (h *Host) RequestExit(code int) {
	if h.Exit == nil {
		h.Exit = &code
	}
}

func (h *Host) SetPaused(paused bool) { h.Paused = paused }
