package plugin

import (
	"log/slog"
	"time"

	"Enclosure-Core/internal/runlevel"
	"Enclosure-Core/internal/scheduler"
	"Enclosure-Core/internal/signal"
	"Enclosure-Core/internal/state"
)

// Plugin is implemented by every plugin kind.
type Plugin interface {
	// Info returns the static metadata of the implementation.
	Info() Info
	// Configure declares attributes, observers and triggers through host and
	// reads the plugin specific configuration block. It runs once, before
	// the daemon loop starts.
	Configure(host Host, cfg map[string]any) error
	// HandleSignal receives every signal addressed to the plugin. It runs on
	// the daemon loop and must not block.
	HandleSignal(sig *signal.Signal) error
	// RunlevelError explains why the plugin is still in runlevel unknown.
	RunlevelError() runlevel.Report
}

// Starter is implemented by plugins that act once every plugin is
// configured, before the first tick.
type Starter interface {
	Start() error
}

// Stopper is implemented by plugins that release resources on shutdown.
type Stopper interface {
	Stop() error
}

// Host is the narrow set of daemon capabilities a plugin receives. Every
// method except Inject and Logger must be called from the daemon loop, that
// is from Configure, Start, Stop, HandleSignal or an observer.
type Host interface {
	// ID returns the configured id of the plugin.
	ID() string
	Logger() *slog.Logger
	// Now returns the time of the current tick.
	Now() time.Time

	// Register declares an attribute of this plugin.
	Register(attr string, initial state.Value) error
	// Get reads a committed value of any plugin.
	Get(plugin, attr string) (state.Value, error)
	// Set requests a change of an own attribute (LocalRequested).
	Set(attr string, v state.Value) (bool, error)
	// Report stores an authoritative own value without voting (Commit).
	Report(attr string, v state.Value) (bool, error)
	// Request asks another plugin to change its attribute (RemoteRequested).
	Request(plugin, attr string, v state.Value) (bool, error)
	// Observe attaches hooks to an attribute of any plugin, or to all of its
	// attributes with state.Wildcard.
	Observe(plugin, attr string, o state.Observer) error

	// Runlevel returns the committed runlevel of this plugin.
	Runlevel() runlevel.Runlevel
	// SetRunlevel requests a runlevel transition of this plugin.
	SetRunlevel(rl runlevel.Runlevel) (bool, error)
	// AddInhibitor gates transitions of any plugin into target.
	AddInhibitor(target runlevel.Runlevel, key string, p runlevel.Predicate, deps ...runlevel.AttrRef) error

	// Emit queues a signal for target.
	Emit(target string, sig *signal.Signal) error
	// EmitBinding queues a signal for every target of a binding.
	EmitBinding(binding string, sig *signal.Signal) error
	// AddTrigger routes the signals of t to this plugin.
	AddTrigger(t signal.Trigger) error
	// Schedule delivers sig to this plugin at when. Keys are scoped to the
	// plugin; scheduling an existing key replaces it.
	Schedule(key string, when time.Time, sig *signal.Signal, rec scheduler.Recurrence) error
	// Cancel removes a scheduled entry of this plugin.
	Cancel(key string) bool

	// Publish hands a message to the outbox without waiting.
	Publish(subject string, payload []byte) bool
	// Inject queues a message on the inbox. Safe from any goroutine; it is
	// how background work reports back to the loop.
	Inject(subject string, payload []byte) error

	// RequestExit stops the daemon after the current tick.
	RequestExit(code int)
	// SetPaused switches the daemon between the active and paused cadence.
	SetPaused(paused bool)
}
