package daemon

import (
	"fmt"
	"log/slog"
	"strings"
	"time"

	"Enclosure-Core/internal/bus"
	xerrors "Enclosure-Core/internal/errors"
	"Enclosure-Core/internal/runlevel"
	"Enclosure-Core/internal/scheduler"
	"Enclosure-Core/internal/signal"
	"Enclosure-Core/internal/state"
	"Enclosure-Core/pkg/plugin"
)

var _ plugin.Host = (*host)(nil)

// host is the capability set handed to one plugin.
type host struct {
	d   *Daemon
	id  string
	log *slog.Logger
}

func (h *host) ID() string           { return h.id }
func (h *host) Logger() *slog.Logger { return h.log }
func (h *host) Now() time.Time       { return h.d.now }

func (h *host) Register(attr string, initial state.Value) error {
	if attr == runlevel.Attribute {
		return xerrors.New(xerrors.CodeDuplicateAttribute,
			fmt.Sprintf("%s.%s is managed by the daemon", h.id, attr))
	}
	return h.d.registry.Register(h.id, attr, initial)
}

func (h *host) Get(plugin, attr string) (state.Value, error) {
	return h.d.registry.Get(plugin, attr)
}

func (h *host) Set(attr string, v state.Value) (bool, error) {
	return h.write(h.id, attr, v, state.LocalRequested)
}

func (h *host) Report(attr string, v state.Value) (bool, error) {
	return h.write(h.id, attr, v, state.Commit)
}

func (h *host) Request(plugin, attr string, v state.Value) (bool, error) {
	return h.write(plugin, attr, v, state.RemoteRequested)
}

func (h *host) write(plugin, attr string, v state.Value, phase state.Phase) (bool, error) {
	if attr == runlevel.Attribute && phase == state.Commit {
		h.log.Warn("authoritative runlevel write refused", "plugin", plugin, "value", v.String())
		return false, xerrors.New(xerrors.CodeInvalidArgument,
			fmt.Sprintf("%s.%s changes only through SetRunlevel", plugin, attr))
	}
	ok, err := h.d.registry.RequestWrite(plugin, attr, v, phase)
	if err != nil && xerrors.CodeOf(err) == xerrors.CodeUnknownAttribute {
		h.log.Warn("write to undeclared attribute ignored", "plugin", plugin, "attribute", attr,
			"phase", phase.String())
	}
	return ok, err
}

func (h *host) Observe(plugin, attr string, o state.Observer) error {
	if o.Name == "" {
		o.Name = h.id
	}
	return h.d.observe(h.id, plugin, attr, o)
}

func (h *host) Runlevel() runlevel.Runlevel {
	return h.d.supervisor.Current(h.id)
}

func (h *host) SetRunlevel(rl runlevel.Runlevel) (bool, error) {
	return h.d.supervisor.Request(h.id, rl)
}

func (h *host) AddInhibitor(target runlevel.Runlevel, key string, p runlevel.Predicate, deps ...runlevel.AttrRef) error {
	return h.d.supervisor.AddInhibitor(target, h.id+":"+key, p, deps...)
}

func (h *host) Emit(target string, sig *signal.Signal) error {
	return h.d.router.Emit(target, sig)
}

func (h *host) EmitBinding(binding string, sig *signal.Signal) error {
	return h.d.router.EmitBinding(binding, sig)
}

// AddTrigger routes t to this plugin through a private binding named after
// the plugin.
func (h *host) AddTrigger(t signal.Trigger) error {
	name := "plugin:" + h.id
	if _, ok := h.d.router.Binding(name); !ok {
		if err := h.d.router.AddBinding(signal.Binding{Name: name, Targets: []string{h.id}}); err != nil {
			return err
		}
	}
	if err := h.d.router.AddTrigger(t, name); err != nil {
		return err
	}
	if h.d.started {
		if err := h.d.bus.Subscribe(h.d.ctx, t.Subjects()...); err != nil {
			return xerrors.Wrap(xerrors.CodeBusFailure, err, "subscribe "+strings.Join(t.Subjects(), ","))
		}
	}
	return nil
}

func (h *host) scoped(key string) string { return h.id + "/" + key }

func (h *host) Schedule(key string, when time.Time, sig *signal.Signal, rec scheduler.Recurrence) error {
	return h.d.scheduler.Schedule(h.scoped(key), when, h.id, sig, rec)
}

func (h *host) Cancel(key string) bool {
	return h.d.scheduler.Cancel(h.scoped(key))
}

func (h *host) Publish(subject string, payload []byte) bool {
	return h.d.publish(subject, payload)
}

func (h *host) Inject(subject string, payload []byte) error {
	return h.d.bus.Inbox().Put(bus.NewMessage(subject, payload))
}

func (h *host) RequestExit(code int) {
	if h.d.exit == nil {
		h.log.Info("exit requested", "code", code)
		h.d.exit = &ExitError{Code: code}
	}
}

func (h *host) SetPaused(paused bool) {
	if h.d.paused != paused {
		h.log.Info("cadence changed", "paused", paused)
	}
	h.d.paused = paused
}
