package state

import (
	"fmt"
	"log/slog"

	xerrors "Enclosure-Core/internal/errors"
	"Enclosure-Core/pkg/logger"
)

// Wildcard binds an observer to every attribute of a plugin.
const Wildcard = "*"

// maxWriteDepth bounds writes issued from Commit hooks of other writes.
const maxWriteDepth = 32

var (
	ErrDuplicateAttribute = xerrors.New(xerrors.CodeDuplicateAttribute, "")
	ErrUnknownAttribute   = xerrors.New(xerrors.CodeUnknownAttribute, "")
	ErrUnknownPlugin      = xerrors.New(xerrors.CodeUnknownPlugin, "")
	ErrDuplicatePlugin    = xerrors.New(xerrors.CodeConflict, "plugin already registered")
)

// Phase tells observers where a write came from.
type Phase uint8

const (
	// LocalRequested is a change originated by the owning plugin.
	LocalRequested Phase = iota
	// RemoteRequested is a change asked for by another plugin or an
	// external party.
	RemoteRequested
	// Commit is an authoritative write that bypasses voting, and the phase in
	// which notification hooks run.
	Commit
)

func (p Phase) String() string {
	switch p {
	case LocalRequested:
		return "local_requested"
	case RemoteRequested:
		return "remote_requested"
	case Commit:
		return "commit"
	default:
		return fmt.Sprintf("phase(%d)", uint8(p))
	}
}

// Change describes one write as seen by observers. Every observer of a write
// receives the same Old and New.
type Change struct {
	Plugin string
	Attr   string
	Old    Value
	New    Value
	Phase  Phase
}

// VoteFunc approves or vetoes a requested change. It must not write.
type VoteFunc func(Change) bool

// NotifyFunc runs after a change was stored.
type NotifyFunc func(Change)

// Observer groups the hooks an interested party attaches to an attribute.
// Nil hooks abstain. Guard is consulted in every phase, Commit included,
// before any voting hook; it holds invariants no writer may bypass.
type Observer struct {
	Name   string
	Guard  VoteFunc
	Local  VoteFunc
	Remote VoteFunc
	Commit NotifyFunc
}

func (o Observer) voter(phase Phase) VoteFunc {
	switch phase {
	case LocalRequested:
		return o.Local
	case RemoteRequested:
		return o.Remote
	}
	return nil
}

// Outcome classifies the result of RequestWrite.
type Outcome string

const (
	OutcomeCommitted Outcome = "committed"
	OutcomeVetoed    Outcome = "vetoed"
	OutcomeNoop      Outcome = "noop"
	OutcomeRejected  Outcome = "rejected"
)

// Recorder receives the outcome of every write, typically for metrics.
type Recorder interface {
	RecordWrite(plugin, attr string, phase Phase, outcome Outcome)
}

type binding struct {
	attr     string
	observer Observer
}

type pluginState struct {
	attrs     map[string]Value
	names     []string
	observers []binding
}

func (p *pluginState) observersOf(attr string) []binding {
	out := make([]binding, 0, len(p.observers))
	for _, b := range p.observers {
		if b.attr == attr || b.attr == Wildcard {
			out = append(out, b)
		}
	}
	return out
}

// Registry stores every plugin's attributes and runs the mutation pipeline.
// It is owned by the daemon loop goroutine and is not safe for concurrent use.
type Registry struct {
	plugins  map[string]*pluginState
	order    []string
	depth    int
	log      *slog.Logger
	recorder Recorder
}

// Option customises a Registry.
type Option func(*Registry)

// WithLogger overrides the registry logger.
func WithLogger(l *slog.Logger) Option {
	return func(r *Registry) {
		if l != nil {
			r.log = l
		}
	}
}

// WithRecorder reports write outcomes to rec.
func WithRecorder(rec Recorder) Option {
	return func(r *Registry) {
		r.recorder = rec
	}
}

// NewRegistry creates an empty registry.
func NewRegistry(opts ...Option) *Registry {
	r := &Registry{
		plugins: make(map[string]*pluginState),
		log:     logger.Named("state"),
	}
	for _, opt := range opts {
		if opt != nil {
			opt(r)
		}
	}
	return r
}

// AddPlugin declares a plugin so attributes can be registered for it.
func (r *Registry) AddPlugin(id string) error {
	if id == "" {
		return xerrors.New(xerrors.CodeInvalidArgument, "plugin id is required")
	}
	if _, ok := r.plugins[id]; ok {
		return xerrors.Wrap(xerrors.CodeConflict, ErrDuplicatePlugin, id)
	}
	r.plugins[id] = &pluginState{attrs: make(map[string]Value)}
	r.order = append(r.order, id)
	return nil
}

// HasPlugin reports whether id was declared.
func (r *Registry) HasPlugin(id string) bool {
	_, ok := r.plugins[id]
	return ok
}

// Plugins lists plugin ids in declaration order.
func (r *Registry) Plugins() []string {
	return append([]string(nil), r.order...)
}

// Register declares attr on plugin with its initial value.
func (r *Registry) Register(plugin, attr string, initial Value) error {
	p, ok := r.plugins[plugin]
	if !ok {
		return xerrors.New(xerrors.CodeUnknownPlugin, fmt.Sprintf("plugin %q", plugin))
	}
	if attr == "" || attr == Wildcard {
		return xerrors.New(xerrors.CodeInvalidArgument, fmt.Sprintf("invalid attribute name %q", attr))
	}
	if _, exists := p.attrs[attr]; exists {
		return xerrors.New(xerrors.CodeDuplicateAttribute, fmt.Sprintf("%s.%s", plugin, attr))
	}
	p.attrs[attr] = initial
	p.names = append(p.names, attr)
	return nil
}

// Declared reports whether plugin.attr exists.
func (r *Registry) Declared(plugin, attr string) bool {
	p, ok := r.plugins[plugin]
	if !ok {
		return false
	}
	_, ok = p.attrs[attr]
	return ok
}

// Attributes lists the attribute names of plugin in declaration order.
func (r *Registry) Attributes(plugin string) []string {
	p, ok := r.plugins[plugin]
	if !ok {
		return nil
	}
	return append([]string(nil), p.names...)
}

// Get returns the last committed value. Pending requests are never visible.
func (r *Registry) Get(plugin, attr string) (Value, error) {
	p, ok := r.plugins[plugin]
	if !ok {
		return Value{}, xerrors.New(xerrors.CodeUnknownPlugin, fmt.Sprintf("plugin %q", plugin))
	}
	v, ok := p.attrs[attr]
	if !ok {
		return Value{}, xerrors.New(xerrors.CodeUnknownAttribute, fmt.Sprintf("%s.%s", plugin, attr))
	}
	return v, nil
}

// Observe attaches o to plugin.attr, or to every attribute when attr is
// Wildcard. Observers run in attachment order.
func (r *Registry) Observe(plugin, attr string, o Observer) error {
	p, ok := r.plugins[plugin]
	if !ok {
		return xerrors.New(xerrors.CodeUnknownPlugin, fmt.Sprintf("plugin %q", plugin))
	}
	if attr != Wildcard {
		if _, ok := p.attrs[attr]; !ok {
			return xerrors.New(xerrors.CodeUnknownAttribute, fmt.Sprintf("%s.%s", plugin, attr))
		}
	}
	p.observers = append(p.observers, binding{attr: attr, observer: o})
	return nil
}

// RequestWrite runs the mutation pipeline for plugin.attr. The returned bool
// reports whether value is now the committed value.
//
// Writing the current value succeeds without consulting observers. For the
// two request phases every voting hook is invoked, even after a veto, and
// the write commits only if all of them approve. Phase Commit stores the
// value without voting. Guards apply to all phases. After storing, every Commit hook runs and observes
// the new value through Get.
func (r *Registry) RequestWrite(plugin, attr string, value Value, phase Phase) (bool, error) {
	p, ok := r.plugins[plugin]
	if !ok {
		r.log.Warn("write to unknown plugin", "plugin", plugin, "attr", attr)
		r.record(plugin, attr, phase, OutcomeRejected)
		return false, xerrors.New(xerrors.CodeUnknownPlugin, fmt.Sprintf("plugin %q", plugin))
	}
	old, ok := p.attrs[attr]
	if !ok {
		r.log.Warn("write to unregistered attribute", "plugin", plugin, "attr", attr, "value", value.String())
		r.record(plugin, attr, phase, OutcomeRejected)
		return false, xerrors.New(xerrors.CodeUnknownAttribute, fmt.Sprintf("%s.%s", plugin, attr))
	}
	if phase > Commit {
		return false, xerrors.New(xerrors.CodeInvalidArgument, fmt.Sprintf("invalid phase %s", phase))
	}
	if old.Equal(value) {
		r.record(plugin, attr, phase, OutcomeNoop)
		return true, nil
	}
	if r.depth >= maxWriteDepth {
		r.log.Error("nested write depth exceeded", "plugin", plugin, "attr", attr)
		r.record(plugin, attr, phase, OutcomeRejected)
		return false, xerrors.New(xerrors.CodeWriteDepthExceeded, fmt.Sprintf("%s.%s", plugin, attr))
	}
	r.depth++
	defer func() { r.depth-- }()

	change := Change{Plugin: plugin, Attr: attr, Old: old, New: value, Phase: phase}
	observers := p.observersOf(attr)

	approved := true
	for _, b := range observers {
		if b.observer.Guard != nil && !b.observer.Guard(change) {
			approved = false
			r.log.Debug("write refused by guard", "plugin", plugin, "attr", attr, "observer", b.observer.Name,
				"phase", phase.String(), "old", old.String(), "new", value.String())
		}
	}
	if phase != Commit {
		for _, b := range observers {
			vote := b.observer.voter(phase)
			if vote == nil {
				continue
			}
			if !vote(change) {
				approved = false
				r.log.Debug("write vetoed", "plugin", plugin, "attr", attr, "observer", b.observer.Name,
					"phase", phase.String(), "old", old.String(), "new", value.String())
			}
		}
	}
	if !approved {
		r.record(plugin, attr, phase, OutcomeVetoed)
		return false, nil
	}

	p.attrs[attr] = value
	r.log.Debug("write committed", "plugin", plugin, "attr", attr, "phase", phase.String(),
		"old", old.String(), "new", value.String())
	for _, b := range observers {
		if b.observer.Commit != nil {
			b.observer.Commit(change)
		}
	}
	r.record(plugin, attr, phase, OutcomeCommitted)
	return true, nil
}

// Snapshot copies every committed value, keyed by plugin then attribute.
func (r *Registry) Snapshot() map[string]map[string]Value {
	out := make(map[string]map[string]Value, len(r.plugins))
	for id, p := range r.plugins {
		attrs := make(map[string]Value, len(p.attrs))
		for k, v := range p.attrs {
			attrs[k] = v
		}
		out[id] = attrs
	}
	return out
}

func (r *Registry) record(plugin, attr string, phase Phase, outcome Outcome) {
	if r.recorder != nil {
		r.recorder.RecordWrite(plugin, attr, phase, outcome)
	}
}
