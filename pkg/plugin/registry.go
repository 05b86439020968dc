package plugin

import (
	"fmt"
	"sort"
	"sync"
	"time"

	xerrors "Enclosure-Core/internal/errors"
	"Enclosure-Core/internal/runlevel"
)

// Factory creates a fresh, unconfigured plugin.
type Factory func() Plugin

// Registry maps plugin kinds to factories.
type Registry struct {
	mu        sync.RWMutex
	factories map[string]Factory
}

// NewRegistry returns an empty registry.
func NewRegistry() *Registry {
	return &Registry{factories: make(map[string]Factory)}
}

// Register adds a kind. Kinds are unique.
func (r *Registry) Register(kind string, f Factory) error {
	if kind == "" || f == nil {
		return xerrors.New(xerrors.CodeInvalidArgument, "plugin kind needs a name and a factory")
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.factories[kind]; ok {
		return xerrors.New(xerrors.CodeConflict, fmt.Sprintf("plugin kind %s registered twice", kind))
	}
	r.factories[kind] = f
	return nil
}

// MustRegister is Register for package initialisation.
func (r *Registry) MustRegister(kind string, f Factory) {
	if err := r.Register(kind, f); err != nil {
		panic(err)
	}
}

// New instantiates kind.
func (r *Registry) New(kind string) (Plugin, error) {
	r.mu.RLock()
	f, ok := r.factories[kind]
	r.mu.RUnlock()
	if !ok {
		return nil, xerrors.New(xerrors.CodeConfiguration, fmt.Sprintf("unknown plugin kind %q", kind))
	}
	return f(), nil
}

// Kinds lists the registered kinds, sorted.
func (r *Registry) Kinds() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]string, 0, len(r.factories))
	for k := range r.factories {
		out = append(out, k)
	}
	sort.Strings(out)
	return out
}

// Base carries the bookkeeping most plugins share: the host, and the last
// failure reported through RunlevelError.
type Base struct {
	Host    Host
	failure runlevel.Report
	failed  time.Time
}

// Bind stores host.
func (b *Base) Bind(host Host) { b.Host = host }

// Fail records why the plugin cannot make progress.
func (b *Base) Fail(code xerrors.Code, message string) {
	b.failure = runlevel.Report{Code: code, Severity: xerrors.AttributesOf(code).Severity, Message: message}
	if b.Host != nil {
		b.failed = b.Host.Now()
		b.Host.Logger().Warn("plugin failure", "code", string(code), "message", message)
	}
}

// Recover clears the recorded failure.
func (b *Base) Recover() {
	b.failure = runlevel.Report{}
	b.failed = time.Time{}
}

// RunlevelError returns the recorded failure, or a generic report.
func (b *Base) RunlevelError() runlevel.Report {
	if b.failure.Code != "" {
		return b.failure
	}
	return runlevel.Report{
		Code:     xerrors.CodeStartupStall,
		Severity: xerrors.SeverityWarning,
		Message:  "plugin did not start",
	}
}

// FailedAt returns when the last failure was recorded.
func (b *Base) FailedAt() time.Time { return b.failed }
