package signal

import (
	"fmt"
	"log/slog"

	"Enclosure-Core/internal/bus"
	xerrors "Enclosure-Core/internal/errors"
	"Enclosure-Core/pkg/logger"
)

// DefaultBudget bounds the deliveries of a single tick.
const DefaultBudget = 1024

// Handler receives the signals addressed to one plugin.
type Handler interface {
	HandleSignal(sig *Signal) error
}

// HandlerFunc adapts a function to Handler.
type HandlerFunc func(sig *Signal) error

func (f HandlerFunc) HandleSignal(sig *Signal) error { return f(sig) }

// Recorder observes deliveries, typically for metrics.
type Recorder interface {
	RecordDelivery(target string)
	RecordOverflow()
}

type routedTrigger struct {
	trigger Trigger
	binding string
}

type delivery struct {
	target string
	sig    *Signal
}

// Router resolves triggers to bindings and delivers signals to handlers. It
// belongs to the daemon loop goroutine.
type Router struct {
	triggers []routedTrigger
	bindings map[string]Binding
	handlers map[string]Handler
	queue    []delivery
	budget   int
	used     int
	draining bool
	log      *slog.Logger
	recorder Recorder
}

// Option customises a Router.
type Option func(*Router)

// WithBudget sets the per-tick delivery budget. Values below one disable it.
func WithBudget(n int) Option {
	return func(r *Router) {
		r.budget = n
	}
}

func WithLogger(l *slog.Logger) Option {
	return func(r *Router) {
		if l != nil {
			r.log = l
		}
	}
}

func WithRecorder(rec Recorder) Option {
	return func(r *Router) {
		r.recorder = rec
	}
}

// NewRouter creates an empty router.
func NewRouter(opts ...Option) *Router {
	r := &Router{
		bindings: make(map[string]Binding),
		handlers: make(map[string]Handler),
		budget:   DefaultBudget,
		log:      logger.Named("router"),
	}
	for _, opt := range opts {
		if opt != nil {
			opt(r)
		}
	}
	return r
}

// AddBinding declares b. Names are unique.
func (r *Router) AddBinding(b Binding) error {
	if b.Name == "" {
		return xerrors.New(xerrors.CodeConfiguration, "binding name is required")
	}
	if _, ok := r.bindings[b.Name]; ok {
		return xerrors.New(xerrors.CodeConfiguration, fmt.Sprintf("binding %s declared twice", b.Name))
	}
	if len(b.Targets) == 0 {
		return xerrors.New(xerrors.CodeConfiguration, fmt.Sprintf("binding %s has no target", b.Name))
	}
	b.Targets = append([]string(nil), b.Targets...)
	r.bindings[b.Name] = b
	return nil
}

// Binding returns the binding called name.
func (r *Router) Binding(name string) (Binding, bool) {
	b, ok := r.bindings[name]
	return b, ok
}

// AddTrigger routes the signals of t through binding. The binding may be
// declared later; Validate checks it.
func (r *Router) AddTrigger(t Trigger, binding string) error {
	if t == nil || t.Name() == "" {
		return xerrors.New(xerrors.CodeConfiguration, "trigger name is required")
	}
	for _, existing := range r.triggers {
		if existing.trigger.Name() == t.Name() {
			return xerrors.New(xerrors.CodeConfiguration, fmt.Sprintf("trigger %s declared twice", t.Name()))
		}
	}
	r.triggers = append(r.triggers, routedTrigger{trigger: t, binding: binding})
	return nil
}

// AddHandler registers the signal handler of plugin id.
func (r *Router) AddHandler(id string, h Handler) error {
	if id == "" || h == nil {
		return xerrors.New(xerrors.CodeInvalidArgument, "handler needs an id")
	}
	if _, ok := r.handlers[id]; ok {
		return xerrors.New(xerrors.CodeConflict, fmt.Sprintf("handler %s registered twice", id))
	}
	r.handlers[id] = h
	return nil
}

// Validate checks that every trigger names a declared binding and every
// binding target has a handler.
func (r *Router) Validate() error {
	for _, rt := range r.triggers {
		if _, ok := r.bindings[rt.binding]; !ok {
			return xerrors.New(xerrors.CodeUnresolvedBinding,
				fmt.Sprintf("trigger %s uses undeclared binding %q", rt.trigger.Name(), rt.binding))
		}
	}
	for _, b := range r.bindings {
		for _, target := range b.Targets {
			if _, ok := r.handlers[target]; !ok {
				return xerrors.New(xerrors.CodeUnresolvedBinding,
					fmt.Sprintf("binding %s targets unknown plugin %q", b.Name, target))
			}
		}
	}
	return nil
}

// Subjects returns the distinct subject patterns of every trigger, in
// declaration order.
func (r *Router) Subjects() []string {
	seen := make(map[string]bool)
	var out []string
	for _, rt := range r.triggers {
		for _, s := range rt.trigger.Subjects() {
			if !seen[s] {
				seen[s] = true
				out = append(out, s)
			}
		}
	}
	return out
}

// BeginTick resets the delivery budget.
func (r *Router) BeginTick() {
	r.used = 0
}

// Pending returns the number of queued deliveries.
func (r *Router) Pending() int { return len(r.queue) }

// Dispatch offers msg to every trigger and queues the resulting signals for
// the targets of their bindings. Nothing is handled until Flush, so the
// signals of a whole inbound batch run before anything they emit.
func (r *Router) Dispatch(msg bus.Message) error {
	for _, rt := range r.triggers {
		sig := rt.trigger.Handle(msg)
		if sig == nil {
			continue
		}
		r.log.Debug("trigger fired", "trigger", rt.trigger.Name(), "subject", msg.Subject, "message_id", msg.ID,
			"binding", rt.binding, "signal", sig.String())
		if err := r.enqueueBinding(rt.binding, sig); err != nil {
			return err
		}
	}
	return nil
}

// Emit queues sig for target. Handlers use it; the signal is handled after
// every delivery queued before it.
func (r *Router) Emit(target string, sig *Signal) error {
	if _, ok := r.handlers[target]; !ok {
		return xerrors.New(xerrors.CodeUnknownPlugin, fmt.Sprintf("no handler for %q", target))
	}
	r.queue = append(r.queue, delivery{target: target, sig: sig})
	return nil
}

// EmitBinding queues sig for every target of binding, in binding order.
func (r *Router) EmitBinding(binding string, sig *Signal) error {
	return r.enqueueBinding(binding, sig)
}

// Flush handles queued deliveries breadth-first until the queue is empty
// or the tick budget is spent.
func (r *Router) Flush() error {
	return r.drain()
}

func (r *Router) enqueueBinding(name string, sig *Signal) error {
	b, ok := r.bindings[name]
	if !ok {
		return xerrors.New(xerrors.CodeUnresolvedBinding, fmt.Sprintf("binding %q", name))
	}
	for _, target := range b.Targets {
		if err := r.Emit(target, sig.Clone()); err != nil {
			return err
		}
	}
	return nil
}

func (r *Router) drain() error {
	if r.draining {
		return nil
	}
	r.draining = true
	defer func() { r.draining = false }()

	for len(r.queue) > 0 {
		d := r.queue[0]
		r.queue[0] = delivery{}
		r.queue = r.queue[1:]

		r.used++
		if r.budget > 0 && r.used > r.budget {
			dropped := len(r.queue) + 1
			r.queue = nil
			if r.recorder != nil {
				r.recorder.RecordOverflow()
			}
			return xerrors.New(xerrors.CodeRoutingOverflow,
				fmt.Sprintf("more than %d deliveries in one tick, %d dropped", r.budget, dropped))
		}
		if r.recorder != nil {
			r.recorder.RecordDelivery(d.target)
		}
		if err := r.handlers[d.target].HandleSignal(d.sig); err != nil {
			r.log.Warn("signal handler failed", "target", d.target, "signal", d.sig.String(), "error", err)
		}
	}
	return nil
}
