// Package daemon wires the state registry, runlevel supervisor, signal
// router, scheduler and bus into the single-threaded enclosure loop.
package daemon

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync/atomic"
	"time"

	"Enclosure-Core/internal/bus"
	"Enclosure-Core/internal/config"
	xerrors "Enclosure-Core/internal/errors"
	"Enclosure-Core/internal/observability/alerting"
	"Enclosure-Core/internal/observability/metrics"
	"Enclosure-Core/internal/plugins"
	"Enclosure-Core/internal/runlevel"
	"Enclosure-Core/internal/scheduler"
	"Enclosure-Core/internal/signal"
	"Enclosure-Core/internal/state"
	"Enclosure-Core/pkg/logger"
	"Enclosure-Core/pkg/plugin"
)

// ExitError is returned by Run after a plugin requested the daemon to exit.
type ExitError struct {
	Code int
}

func (e *ExitError) Error() string { return fmt.Sprintf("exit requested with code %d", e.Code) }

// ExitCode makes the code visible to errors.ExitCodeOf.
func (e *ExitError) ExitCode() int { return e.Code }

type instance struct {
	cfg    config.PluginConfig
	plugin plugin.Plugin
	host   *host
	state  plugin.State
}

type deferredObserver struct {
	owner    string
	plugin   string
	attr     string
	observer state.Observer
}

// Daemon owns every component of the enclosure. All methods except Ready
// and the Inject capability of plugin hosts run on the loop goroutine.
type Daemon struct {
	cfg     *config.Config
	log     *slog.Logger
	audit   *slog.Logger
	kinds   *plugin.Registry
	metrics *metrics.Collector
	clock   func() time.Time

	registry   *state.Registry
	supervisor *runlevel.Supervisor
	router     *signal.Router
	scheduler  *scheduler.Scheduler
	bus        bus.Client
	outbox     *bus.Outbox
	alerts     alerting.Dispatcher

	instances []*instance
	byID      map[string]*instance
	deferred  []deferredObserver

	ctx      context.Context
	now      time.Time
	started  bool
	paused   bool
	exit     *ExitError
	ready    atomic.Bool
	snapshot atomic.Pointer[map[string]map[string]state.Value]
}

// Option customises a Daemon.
type Option func(*Daemon)

// WithBus replaces the bus built from the configuration.
func WithBus(c bus.Client) Option {
	return func(d *Daemon) { d.bus = c }
}

// WithKinds replaces the built-in plugin kinds.
func WithKinds(r *plugin.Registry) Option {
	return func(d *Daemon) {
		if r != nil {
			d.kinds = r
		}
	}
}

func WithMetrics(c *metrics.Collector) Option {
	return func(d *Daemon) {
		if c != nil {
			d.metrics = c
		}
	}
}

// WithClock replaces time.Now as the source of tick times in Run.
func WithClock(fn func() time.Time) Option {
	return func(d *Daemon) {
		if fn != nil {
			d.clock = fn
		}
	}
}

func WithLogger(l *slog.Logger) Option {
	return func(d *Daemon) {
		if l != nil {
			d.log = l
		}
	}
}

// New builds the daemon described by cfg and configures every plugin. Any
// configuration problem, such as an unknown kind, a duplicate attribute or
// an unresolved binding, is returned here.
func New(cfg *config.Config, opts ...Option) (*Daemon, error) {
	d := &Daemon{
		cfg:   cfg,
		log:   logger.Named("daemon"),
		audit: logger.Audit(),
		clock: time.Now,
		byID:  make(map[string]*instance),
		ctx:   context.Background(),
	}
	for _, opt := range opts {
		if opt != nil {
			opt(d)
		}
	}
	if d.kinds == nil {
		d.kinds = plugins.Builtin()
	}
	if d.metrics == nil {
		d.metrics = metrics.New()
	}
	d.now = d.clock()

	policy, err := runlevel.ParsePolicy(cfg.Daemon.StallPolicy)
	if err != nil {
		return nil, xerrors.Wrap(xerrors.CodeConfiguration, err, "stall policy")
	}
	loc, err := cfg.Location()
	if err != nil {
		return nil, err
	}

	d.registry = state.NewRegistry(state.WithRecorder(d.metrics))
	d.supervisor = runlevel.NewSupervisor(d.registry,
		runlevel.WithStartupTimeout(cfg.Daemon.StartupDeadline),
		runlevel.WithStallPolicy(policy),
		runlevel.WithStallHandler(d.onStall),
		runlevel.WithTransitionHook(func(id string, _, to runlevel.Runlevel) {
			d.metrics.SetRunlevel(id, to)
		}),
	)
	d.router = signal.NewRouter(signal.WithBudget(cfg.Daemon.SignalBudget), signal.WithRecorder(d.metrics))
	d.scheduler = scheduler.New(d.router, scheduler.WithLocation(loc), scheduler.WithRecorder(d.metrics))

	if d.bus == nil {
		client, err := bus.New(cfg.BusOptions())
		if err != nil {
			return nil, err
		}
		d.bus = client
	}
	d.outbox = bus.NewOutbox(d.bus, cfg.Bus.OutboxSize, cfg.Bus.PublishTimeout, logger.Named("outbox"))

	fanout := alerting.NewFanout(&alerting.LogNotifier{Logger: d.audit})
	if cfg.Alerts.Publish {
		fanout = alerting.NewFanout(&alerting.LogNotifier{Logger: d.audit},
			&alerting.BusNotifier{Send: d.publish, Subject: cfg.Alerts.Subject})
	}
	d.alerts = fanout

	if err := d.loadPlugins(); err != nil {
		return nil, err
	}
	if err := d.loadRouting(); err != nil {
		return nil, err
	}
	if err := d.configurePlugins(); err != nil {
		return nil, err
	}
	if err := d.installRequirements(); err != nil {
		return nil, err
	}
	if err := d.router.Validate(); err != nil {
		return nil, err
	}
	for _, s := range cfg.Schedule {
		if _, ok := d.byID[s.Target]; !ok {
			return nil, xerrors.New(xerrors.CodeUnknownPlugin,
				fmt.Sprintf("schedule %s targets unknown plugin %q", s.Key, s.Target))
		}
	}
	return d, nil
}

func (d *Daemon) loadPlugins() error {
	for _, pc := range d.cfg.Plugins {
		if _, dup := d.byID[pc.ID]; dup {
			return xerrors.New(xerrors.CodeConflict, fmt.Sprintf("plugin %s declared twice", pc.ID))
		}
		p, err := d.kinds.New(pc.Kind)
		if err != nil {
			return xerrors.Wrap(xerrors.CodeConfiguration, err, "plugin "+pc.ID)
		}
		if err := d.registry.AddPlugin(pc.ID); err != nil {
			return err
		}
		initial, err := runlevel.Parse(string(pc.Runlevel))
		if err != nil {
			return xerrors.Wrap(xerrors.CodeConfiguration, err, "plugin "+pc.ID)
		}
		if err := d.supervisor.Track(pc.ID, initial, p); err != nil {
			return err
		}
		d.metrics.SetRunlevel(pc.ID, initial)
		if err := d.router.AddHandler(pc.ID, p); err != nil {
			return err
		}
		inst := &instance{cfg: pc, plugin: p, state: plugin.StateRegistered}
		inst.host = &host{d: d, id: pc.ID, log: logger.Named(pc.ID).With("kind", pc.Kind)}
		d.instances = append(d.instances, inst)
		d.byID[pc.ID] = inst
	}
	return nil
}

func (d *Daemon) loadRouting() error {
	for _, b := range d.cfg.Bindings {
		if err := d.router.AddBinding(signal.Binding{Name: b.Name, Targets: b.Targets}); err != nil {
			return err
		}
	}
	for _, tc := range d.cfg.Triggers {
		rules := make([]signal.Rule, 0, len(tc.Rules))
		for _, rc := range tc.Rules {
			rules = append(rules, signal.Rule{Match: rc.Match, Signal: rc.Signal, Namespace: rc.Namespace})
		}
		t, err := signal.NewRuleTrigger(tc.Name, tc.Subjects, rules...)
		if err != nil {
			return err
		}
		if err := d.router.AddTrigger(t, tc.Binding); err != nil {
			return err
		}
	}
	return nil
}

func (d *Daemon) configurePlugins() error {
	for _, inst := range d.instances {
		if err := inst.plugin.Configure(inst.host, inst.cfg.Config); err != nil {
			code := xerrors.CodeInitializationFailure
			if _, ok := xerrors.From(err); ok {
				code = xerrors.CodeOf(err)
			}
			return xerrors.Wrap(code, err, "configure plugin "+inst.cfg.ID)
		}
		inst.state = plugin.StateConfigured
		d.log.Debug("plugin configured", "plugin", inst.cfg.ID, "kind", inst.cfg.Kind,
			"attributes", d.registry.Attributes(inst.cfg.ID))
	}
	for _, o := range d.deferred {
		if err := d.registry.Observe(o.plugin, o.attr, o.observer); err != nil {
			return xerrors.Wrap(xerrors.CodeConfiguration, err, "plugin "+o.owner+" observes "+o.plugin+"."+o.attr)
		}
	}
	d.deferred = nil
	return nil
}

// observe attaches an observer, waiting for the end of the configuration
// phase when the observed plugin has not declared its attributes yet.
func (d *Daemon) observe(owner, id, attr string, o state.Observer) error {
	if attr == state.Wildcard || d.registry.Declared(id, attr) {
		return d.registry.Observe(id, attr, o)
	}
	if inst, ok := d.byID[id]; ok && inst.state == plugin.StateRegistered {
		d.deferred = append(d.deferred, deferredObserver{owner: owner, plugin: id, attr: attr, observer: o})
		return nil
	}
	return d.registry.Observe(id, attr, o)
}

func (d *Daemon) installRequirements() error {
	for _, inst := range d.instances {
		reqs := inst.cfg.Requires
		if len(reqs) == 0 {
			continue
		}
		id := inst.cfg.ID
		deps := make([]runlevel.AttrRef, 0, len(reqs))
		for _, r := range reqs {
			if !d.registry.Declared(r.Plugin, r.Attribute) {
				return xerrors.New(xerrors.CodeUnknownAttribute,
					fmt.Sprintf("plugin %s requires undeclared attribute %s.%s", id, r.Plugin, r.Attribute))
			}
			deps = append(deps, runlevel.AttrRef{Plugin: r.Plugin, Attr: r.Attribute})
		}
		predicate := func(candidate string) bool {
			if candidate != id {
				return true
			}
			return d.requirementsMet(reqs)
		}
		if err := d.supervisor.AddInhibitor(runlevel.Running, "requires:"+id, predicate, deps...); err != nil {
			return err
		}
	}
	return nil
}

func (d *Daemon) requirementsMet(reqs []config.Requirement) bool {
	for _, r := range reqs {
		v, err := d.registry.Get(r.Plugin, r.Attribute)
		if err != nil || !v.IsConcrete() {
			return false
		}
		if r.Value != nil && fmt.Sprint(v.Payload()) != fmt.Sprint(r.Value) {
			return false
		}
	}
	return true
}

// Start connects the bus, seeds the schedule, runs the Start hooks and
// arms the startup check.
func (d *Daemon) Start(ctx context.Context, now time.Time) error {
	if d.started {
		return xerrors.New(xerrors.CodeConflict, "daemon already started")
	}
	d.ctx = ctx
	d.now = now

	if err := d.bus.Connect(ctx); err != nil {
		return xerrors.Wrap(xerrors.CodeBusFailure, err, "connect bus")
	}
	if subjects := d.router.Subjects(); len(subjects) > 0 {
		if err := d.bus.Subscribe(ctx, subjects...); err != nil {
			return xerrors.Wrap(xerrors.CodeBusFailure, err, "subscribe")
		}
	}
	d.outbox.Start(ctx)
	d.started = true

	loc := d.scheduler.Location()
	for _, s := range d.cfg.Schedule {
		first, rec, err := s.Recurrence(now, loc)
		if err != nil {
			return xerrors.Wrap(xerrors.CodeConfiguration, err, "schedule "+s.Key)
		}
		if err := d.scheduler.Schedule(s.Key, first, s.Target, s.Signal, rec); err != nil {
			return err
		}
	}

	d.router.BeginTick()
	for _, inst := range d.instances {
		if starter, ok := inst.plugin.(plugin.Starter); ok {
			if err := starter.Start(); err != nil {
				d.log.Error("plugin start failed", "plugin", inst.cfg.ID, "error", err)
				continue
			}
		}
		inst.state = plugin.StateStarted
	}
	d.supervisor.Start(now)
	d.log.Info("daemon started", "plugins", len(d.instances), "subjects", d.router.Subjects(),
		"startup_deadline", d.cfg.Daemon.StartupDeadline.String())
	err := d.route(d.router.Flush())
	d.storeSnapshot()
	return err
}

// Tick runs one loop iteration at now: a bounded batch of inbound
// messages, due schedule entries, then the startup check. Fatal conditions
// are returned as errors.
func (d *Daemon) Tick(now time.Time) error {
	started := time.Now()
	d.now = now
	d.router.BeginTick()

	msgs := d.bus.Inbox().Drain(d.cfg.Daemon.InboundBatch)
	for _, msg := range msgs {
		if err := d.route(d.router.Dispatch(msg)); err != nil {
			return err
		}
	}
	if err := d.route(d.router.Flush()); err != nil {
		return err
	}
	d.scheduler.Tick(now)
	if err := d.route(d.router.Flush()); err != nil {
		return err
	}
	if err := d.supervisor.Tick(now); err != nil {
		return err
	}
	if d.supervisor.Healthy() && !d.ready.Load() {
		d.ready.Store(true)
		d.log.Info("enclosure ready")
	}
	d.storeSnapshot()
	d.metrics.ObserveTick(time.Since(started), len(msgs), d.bus.Inbox().Len())

	if d.exit != nil {
		return d.exit
	}
	return nil
}

func (d *Daemon) route(err error) error {
	if err == nil {
		return nil
	}
	if xerrors.CodeOf(err) == xerrors.CodeRoutingOverflow {
		d.audit.Error("routing overflow", "error", err)
		d.alert(alerting.FromError(err, "", d.now))
		return err
	}
	d.log.Warn("routing failed", "error", err)
	return nil
}

// Run ticks until ctx is cancelled, a plugin requests an exit or a fatal
// error occurs, then shuts down. Cancellation is observed between ticks, so
// the tick in flight always completes.
func (d *Daemon) Run(ctx context.Context) error {
	if !d.started {
		if err := d.Start(ctx, d.clock()); err != nil {
			d.Shutdown()
			return err
		}
	}
	if d.cfg.Metrics.Address != "" {
		go d.serveMetrics(ctx)
	}

	var runErr error
	timer := time.NewTimer(0)
	defer timer.Stop()
loop:
	for {
		select {
		case <-ctx.Done():
			d.log.Info("shutdown requested", "cause", context.Cause(ctx))
			break loop
		case <-timer.C:
		}
		if err := d.Tick(d.clock()); err != nil {
			runErr = err
			break loop
		}
		timer.Reset(d.quantum(d.clock()))
	}
	d.Shutdown()

	var exit *ExitError
	if errors.As(runErr, &exit) && exit.Code == 0 {
		return nil
	}
	return runErr
}

// quantum is the sleep before the next tick: the cadence interval, cut
// short when a schedule entry falls due sooner.
func (d *Daemon) quantum(now time.Time) time.Duration {
	wait := d.cfg.Daemon.TickActive
	if d.paused {
		wait = d.cfg.Daemon.TickPaused
	}
	if next, ok := d.scheduler.Next(); ok {
		if until := next.Sub(now); until < wait {
			wait = max(until, 0)
		}
	}
	return wait
}

func (d *Daemon) storeSnapshot() {
	snap := d.registry.Snapshot()
	d.snapshot.Store(&snap)
}

// Snapshot returns the committed values as of the last completed tick. It
// is safe to call from any goroutine.
func (d *Daemon) Snapshot() map[string]map[string]state.Value {
	if p := d.snapshot.Load(); p != nil {
		return *p
	}
	return nil
}

func (d *Daemon) serveMetrics(ctx context.Context) {
	handler := metrics.Router(d.metrics, func() error {
		if !d.Ready() {
			return errors.New("startup check pending or failed")
		}
		return nil
	}, func() any { return d.Snapshot() })
	if err := metrics.StartServer(ctx, d.cfg.Metrics.Address, handler); err != nil && !errors.Is(err, context.Canceled) {
		d.log.Error("metrics server stopped", "error", err)
	}
}

// Shutdown asks every plugin to halt, runs the Stop hooks in reverse
// order, flushes the outbox and closes the bus. It is safe to call twice.
func (d *Daemon) Shutdown() {
	d.ready.Store(false)
	d.router.BeginTick()
	for _, inst := range d.instances {
		if inst.state == plugin.StateStopped {
			continue
		}
		if rl := d.supervisor.Current(inst.cfg.ID); rl != runlevel.Halting && rl != runlevel.Killed {
			if _, err := d.supervisor.Request(inst.cfg.ID, runlevel.Halting); err != nil {
				d.log.Warn("halt plugin", "plugin", inst.cfg.ID, "error", err)
			}
		}
	}
	if err := d.router.Flush(); err != nil {
		d.log.Warn("flush on shutdown", "error", err)
	}
	for i := len(d.instances) - 1; i >= 0; i-- {
		inst := d.instances[i]
		if inst.state == plugin.StateStopped {
			continue
		}
		if stopper, ok := inst.plugin.(plugin.Stopper); ok {
			if err := stopper.Stop(); err != nil {
				d.log.Warn("plugin stop failed", "plugin", inst.cfg.ID, "error", err)
			}
		}
		inst.state = plugin.StateStopped
	}
	d.outbox.Close()
	if err := d.bus.Close(); err != nil {
		d.log.Warn("close bus", "error", err)
	}
	d.log.Info("daemon stopped")
}

func (d *Daemon) onStall(reports []runlevel.StallReport) {
	for _, r := range reports {
		d.metrics.RecordStall(r.Plugin, string(r.Code))
		d.alert(alerting.Event{
			Code:       r.Code,
			Message:    r.Message,
			Severity:   r.Severity,
			Plugin:     r.Plugin,
			OccurredAt: d.now,
		})
	}
}

func (d *Daemon) alert(ev alerting.Event) {
	if err := d.alerts.Notify(d.ctx, ev); err != nil {
		d.log.Warn("alert delivery failed", "code", string(ev.Code), "error", err)
	}
}

func (d *Daemon) publish(subject string, payload []byte) bool {
	if !d.outbox.Send(subject, payload) {
		return false
	}
	d.metrics.RecordPublish()
	return true
}

// Ready reports whether the startup check passed. Safe for concurrent use.
func (d *Daemon) Ready() bool { return d.ready.Load() }

// Registry exposes the state registry, mainly to tests and the CLI.
func (d *Daemon) Registry() *state.Registry { return d.registry }

// Supervisor exposes the runlevel supervisor.
func (d *Daemon) Supervisor() *runlevel.Supervisor { return d.supervisor }

// Scheduler exposes the scheduler.
func (d *Daemon) Scheduler() *scheduler.Scheduler { return d.scheduler }

// Metrics exposes the collector.
func (d *Daemon) Metrics() *metrics.Collector { return d.metrics }

// Bus exposes the bus client.
func (d *Daemon) Bus() bus.Client { return d.bus }

// Paused reports whether the daemon runs at the paused cadence.
func (d *Daemon) Paused() bool { return d.paused }
