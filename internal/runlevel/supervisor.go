package runlevel

import (
	"fmt"
	"log/slog"
	"strings"
	"time"

	xerrors "Enclosure-Core/internal/errors"
	"Enclosure-Core/internal/state"
	"Enclosure-Core/pkg/logger"
)

// Predicate is consulted with the id of the plugin attempting a transition.
type Predicate func(plugin string) bool

// AttrRef names an attribute of a plugin.
type AttrRef struct {
	Plugin string
	Attr   string
}

type gate struct {
	key       string
	predicate Predicate
}

type permit struct {
	from, to  Runlevel
	key       string
	predicate Predicate
}

// Supervisor enforces the runlevel lattice through the state registry and
// runs the startup deadline check.
type Supervisor struct {
	reg        *state.Registry
	log        *slog.Logger
	audit      *slog.Logger
	inhibitors map[Runlevel][]gate
	watched    map[string]bool
	permits    []permit
	tracked    []string
	reporters  map[string]Reporter
	pending    map[string]Runlevel

	timeout  time.Duration
	policy   StallPolicy
	deadline time.Time
	armed    bool
	done     bool
	stalled  bool

	onStall      func([]StallReport)
	onTransition func(plugin string, from, to Runlevel)
}

// Option customises a Supervisor.
type Option func(*Supervisor)

func WithLogger(l *slog.Logger) Option {
	return func(s *Supervisor) {
		if l != nil {
			s.log = l
		}
	}
}

func WithAuditLogger(l *slog.Logger) Option {
	return func(s *Supervisor) {
		if l != nil {
			s.audit = l
		}
	}
}

// WithStartupTimeout sets the delay between Start and the stall check. Zero
// disables the check.
func WithStartupTimeout(d time.Duration) Option {
	return func(s *Supervisor) {
		s.timeout = d
	}
}

func WithStallPolicy(p StallPolicy) Option {
	return func(s *Supervisor) {
		s.policy = p
	}
}

// WithStallHandler receives the reports of a failed startup check.
func WithStallHandler(fn func([]StallReport)) Option {
	return func(s *Supervisor) {
		s.onStall = fn
	}
}

// WithTransitionHook is called after every committed runlevel change.
func WithTransitionHook(fn func(plugin string, from, to Runlevel)) Option {
	return func(s *Supervisor) {
		s.onTransition = fn
	}
}

// NewSupervisor creates a supervisor bound to reg.
func NewSupervisor(reg *state.Registry, opts ...Option) *Supervisor {
	s := &Supervisor{
		reg:        reg,
		log:        logger.Named("runlevel"),
		audit:      logger.Audit(),
		inhibitors: make(map[Runlevel][]gate),
		watched:    make(map[string]bool),
		reporters:  make(map[string]Reporter),
		pending:    make(map[string]Runlevel),
		policy:     PolicyExit,
	}
	for _, opt := range opts {
		if opt != nil {
			opt(s)
		}
	}
	return s
}

// Track registers the runlevel attribute of plugin and attaches the lattice
// observer. The plugin must already be declared in the registry.
func (s *Supervisor) Track(plugin string, initial Runlevel, reporter Reporter) error {
	if err := s.reg.Register(plugin, Attribute, state.Concrete(initial)); err != nil {
		return err
	}
	observer := state.Observer{
		Name:   "runlevel-lattice",
		Guard:  s.guard,
		Local:  s.vote,
		Remote: s.vote,
		Commit: s.committed,
	}
	if err := s.reg.Observe(plugin, Attribute, observer); err != nil {
		return err
	}
	s.tracked = append(s.tracked, plugin)
	s.reporters[plugin] = reporter
	return nil
}

// Request asks for plugin to move to rl on its own behalf.
func (s *Supervisor) Request(plugin string, rl Runlevel) (bool, error) {
	return s.reg.RequestWrite(plugin, Attribute, state.Concrete(rl), state.LocalRequested)
}

// Current returns the committed runlevel of plugin.
func (s *Supervisor) Current(plugin string) Runlevel {
	v, err := s.reg.Get(plugin, Attribute)
	if err != nil {
		return Unknown
	}
	return Of(v)
}

// Tracked lists supervised plugins in tracking order.
func (s *Supervisor) Tracked() []string {
	return append([]string(nil), s.tracked...)
}

// Pending returns the runlevel plugin was last prevented from entering by an
// inhibitor, if that transition has not happened since.
func (s *Supervisor) Pending(plugin string) (Runlevel, bool) {
	rl, ok := s.pending[plugin]
	return rl, ok
}

// AddInhibitor gates every transition into target: while predicate returns
// false for a plugin, that plugin cannot enter target. A second call with the
// same key replaces the predicate. A commit on any of deps re-attempts the
// transitions this inhibitor held back.
func (s *Supervisor) AddInhibitor(target Runlevel, key string, predicate Predicate, deps ...AttrRef) error {
	if key == "" || predicate == nil {
		return xerrors.New(xerrors.CodeInvalidArgument, "inhibitor needs a key and a predicate")
	}
	gates := s.inhibitors[target]
	replaced := false
	for i := range gates {
		if gates[i].key == key {
			gates[i].predicate = predicate
			replaced = true
		}
	}
	if !replaced {
		gates = append(gates, gate{key: key, predicate: predicate})
	}
	s.inhibitors[target] = gates

	for _, dep := range deps {
		id := fmt.Sprintf("%s|%s|%s.%s", target, key, dep.Plugin, dep.Attr)
		if s.watched[id] {
			continue
		}
		err := s.reg.Observe(dep.Plugin, dep.Attr, state.Observer{
			Name:   "inhibitor:" + key,
			Commit: func(state.Change) { s.retry(target) },
		})
		if err != nil {
			return err
		}
		s.watched[id] = true
	}
	return nil
}

// AddPermit makes the off-lattice edge from -> to legal for plugins for
// which predicate holds. A nil predicate always holds.
func (s *Supervisor) AddPermit(from, to Runlevel, key string, predicate Predicate) {
	s.permits = append(s.permits, permit{from: from, to: to, key: key, predicate: predicate})
}

func (s *Supervisor) permitted(plugin string, from, to Runlevel) bool {
	if Legal(from, to) {
		return true
	}
	for _, p := range s.permits {
		if p.from == from && p.to == to && (p.predicate == nil || p.predicate(plugin)) {
			return true
		}
	}
	return false
}

// guard rejects values that are not runlevels and edges off the lattice,
// whatever the phase of the write.
func (s *Supervisor) guard(c state.Change) bool {
	if !s.valid(c) {
		s.log.Info("runlevel must be a concrete runlevel", "plugin", c.Plugin, "value", c.New.String(),
			"phase", c.Phase.String())
		return false
	}
	from, to := Of(c.Old), Of(c.New)
	if !s.permitted(c.Plugin, from, to) {
		s.log.Info("runlevel transition vetoed", "plugin", c.Plugin, "from", from, "to", to, "phase", c.Phase.String())
		return false
	}
	return true
}

func (s *Supervisor) valid(c state.Change) bool {
	_, ok := FromValue(c.New)
	return ok
}

func (s *Supervisor) vote(c state.Change) bool {
	if !s.valid(c) || !s.permitted(c.Plugin, Of(c.Old), Of(c.New)) {
		return false
	}
	to := Of(c.New)
	allowed := true
	for _, g := range s.inhibitors[to] {
		if !g.predicate(c.Plugin) {
			allowed = false
			s.log.Debug("runlevel transition inhibited", "plugin", c.Plugin, "from", Of(c.Old), "to", to, "inhibitor", g.key)
		}
	}
	if !allowed {
		s.pending[c.Plugin] = to
	}
	return allowed
}

func (s *Supervisor) committed(c state.Change) {
	from, to := Of(c.Old), Of(c.New)
	delete(s.pending, c.Plugin)
	s.audit.Info("runlevel changed", "plugin", c.Plugin, "from", from, "to", to, "phase", c.Phase.String())
	if s.onTransition != nil {
		s.onTransition(c.Plugin, from, to)
	}
}

func (s *Supervisor) retry(target Runlevel) {
	for _, plugin := range s.tracked {
		if rl, ok := s.pending[plugin]; ok && rl == target {
			if _, err := s.Request(plugin, target); err != nil {
				s.log.Warn("retry inhibited transition", "plugin", plugin, "to", target, "error", err)
			}
		}
	}
}

// Start arms the startup deadline.
func (s *Supervisor) Start(now time.Time) {
	if s.timeout <= 0 {
		s.done = true
		return
	}
	s.deadline = now.Add(s.timeout)
	s.armed = true
	s.done = false
	s.stalled = false
}

// Deadline returns the armed startup deadline.
func (s *Supervisor) Deadline() time.Time { return s.deadline }

// StartupSettled reports whether the startup check has run.
func (s *Supervisor) StartupSettled() bool { return s.done }

// Healthy reports whether the startup check has run and passed.
func (s *Supervisor) Healthy() bool { return s.done && !s.stalled }

// Tick runs the startup check. It disarms itself as soon as every plugin
// left Unknown, and fires at most once. Under PolicyExit a stall is returned
// as a STARTUP_STALL error.
func (s *Supervisor) Tick(now time.Time) error {
	if !s.armed || s.done {
		return nil
	}
	var stuck []string
	for _, plugin := range s.tracked {
		if s.Current(plugin) == Unknown {
			stuck = append(stuck, plugin)
		}
	}
	if len(stuck) == 0 {
		s.done = true
		s.log.Info("startup check passed", "plugins", len(s.tracked))
		return nil
	}
	if now.Before(s.deadline) {
		return nil
	}

	s.done = true
	s.stalled = true
	reports := make([]StallReport, 0, len(stuck))
	for _, plugin := range stuck {
		rep := s.reportFor(plugin)
		reports = append(reports, StallReport{Plugin: plugin, Report: rep})
		s.audit.Error("plugin stalled in runlevel unknown", "plugin", plugin,
			"code", string(rep.Code), "severity", string(rep.Severity), "message", rep.Message)
	}
	if s.onStall != nil {
		s.onStall(reports)
	}
	if s.policy == PolicyContinue {
		s.log.Warn("continuing with stalled plugins", "plugins", strings.Join(stuck, ","))
		return nil
	}
	return xerrors.New(xerrors.CodeStartupStall,
		fmt.Sprintf("plugins still in runlevel unknown: %s", strings.Join(stuck, ", ")))
}

func (s *Supervisor) reportFor(plugin string) Report {
	var rep Report
	if r := s.reporters[plugin]; r != nil {
		rep = r.RunlevelError()
	}
	if rep.Code == "" {
		rep.Code = xerrors.CodeStartupStall
	}
	if rep.Severity == "" {
		rep.Severity = xerrors.AttributesOf(rep.Code).Severity
	}
	if rep.Message == "" {
		rep.Message = "plugin gave no reason"
	}
	return rep
}
