// Package command runs configured external commands on a worker pool and
// reports their completion back through the inbox.
package command

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os/exec"
	"time"

	"github.com/panjf2000/ants/v2"

	"Enclosure-Core/internal/bus"
	xerrors "Enclosure-Core/internal/errors"
	"Enclosure-Core/internal/runlevel"
	"Enclosure-Core/internal/signal"
	"Enclosure-Core/internal/state"
	"Enclosure-Core/pkg/plugin"
)

const (
	Kind = "command"

	AttrLastCommand = "last_command"
	AttrLastExit    = "last_exit"
	AttrRunning     = "running"
)

// Spec describes one runnable command.
type Spec struct {
	Path    string        `yaml:"path"`
	Args    []string      `yaml:"args"`
	Dir     string        `yaml:"dir"`
	Timeout time.Duration `yaml:"timeout"`
}

// Config is the plugin configuration block.
type Config struct {
	Workers  int             `yaml:"workers"`
	Commands map[string]Spec `yaml:"commands"`
}

// Result is published on <id>/completed when a command ends.
type Result struct {
	Command  string `json:"command"`
	ExitCode int    `json:"exit_code"`
	Error    string `json:"error,omitempty"`
	Duration string `json:"duration"`
}

// Runner executes a command. Tests replace it.
type Runner func(ctx context.Context, spec Spec) (int, error)

// Command is the plugin.
type Command struct {
	plugin.Base
	cfg     Config
	run     Runner
	pool    *ants.Pool
	running int
	ctx     context.Context
	cancel  context.CancelFunc
}

// New returns a Command that executes real processes.
func New() plugin.Plugin { return NewWithRunner(Exec) }

// NewWithRunner returns a Command that uses run instead of os/exec.
func NewWithRunner(run Runner) *Command {
	ctx, cancel := context.WithCancel(context.Background())
	return &Command{run: run, ctx: ctx, cancel: cancel}
}

// Exec runs spec as a child process and returns its exit code.
func Exec(ctx context.Context, spec Spec) (int, error) {
	cmd := exec.CommandContext(ctx, spec.Path, spec.Args...)
	cmd.Dir = spec.Dir
	err := cmd.Run()
	var exitErr *exec.ExitError
	if errors.As(err, &exitErr) {
		return exitErr.ExitCode(), nil
	}
	if err != nil {
		return -1, err
	}
	return 0, nil
}

func (c *Command) Info() plugin.Info {
	return plugin.Info{
		Kind:        Kind,
		Name:        "Command runner",
		Description: "Runs configured commands in the background",
		Version:     "1.0.0",
	}
}

func (c *Command) Configure(host plugin.Host, raw map[string]any) error {
	c.Bind(host)
	c.cfg = Config{Workers: 4}
	if err := plugin.Decode(raw, &c.cfg); err != nil {
		return err
	}
	if len(c.cfg.Commands) == 0 {
		return xerrors.New(xerrors.CodeConfiguration, "command plugin needs at least one command")
	}
	for name, spec := range c.cfg.Commands {
		if spec.Path == "" {
			return xerrors.New(xerrors.CodeConfiguration, fmt.Sprintf("command %s has no path", name))
		}
	}

	pool, err := ants.NewPool(c.cfg.Workers, ants.WithNonblocking(true))
	if err != nil {
		return xerrors.Wrap(xerrors.CodeExecutorFailure, err, "create worker pool")
	}
	c.pool = pool

	for _, attr := range []struct {
		name    string
		initial state.Value
	}{
		{AttrLastCommand, state.Uninitialized()},
		{AttrLastExit, state.Uninitialized()},
		{AttrRunning, state.Concrete(0)},
	} {
		if err := host.Register(attr.name, attr.initial); err != nil {
			return err
		}
	}
	return host.AddTrigger(signal.NewFuncTrigger(host.ID()+"-completion", []string{c.completionSubject()}, decodeResult))
}

func (c *Command) completionSubject() string { return c.Host.ID() + "/completed" }

func decodeResult(msg bus.Message) *signal.Signal {
	var res Result
	if err := json.Unmarshal(msg.Payload, &res); err != nil {
		return nil
	}
	return signal.Of("completed", map[string]any{
		"command":   res.Command,
		"exit_code": res.ExitCode,
		"error":     res.Error,
	})
}

func (c *Command) Start() error {
	_, err := plugin.Advance(c.Host, runlevel.Running)
	return err
}

func (c *Command) Stop() error {
	c.cancel()
	if c.pool == nil {
		return nil
	}
	return c.pool.ReleaseTimeout(5 * time.Second)
}

func (c *Command) HandleSignal(sig *signal.Signal) error {
	var req struct {
		Command string `yaml:"command"`
	}
	if ok, err := plugin.DecodeSignal(sig, "run", &req); ok {
		if err != nil {
			return err
		}
		return c.submit(req.Command)
	}
	var done struct {
		Command  string `yaml:"command"`
		ExitCode int    `yaml:"exit_code"`
		Error    string `yaml:"error"`
	}
	if ok, err := plugin.DecodeSignal(sig, "completed", &done); ok {
		if err != nil {
			return err
		}
		c.running = max(0, c.running-1)
		if _, err := c.Host.Report(AttrRunning, state.Concrete(c.running)); err != nil {
			return err
		}
		if _, err := c.Host.Report(AttrLastCommand, state.Concrete(done.Command)); err != nil {
			return err
		}
		exit := state.Concrete(done.ExitCode)
		if done.Error != "" {
			c.Host.Logger().Warn("command failed", "command", done.Command, "error", done.Error)
			exit = state.Unknown()
		}
		_, err := c.Host.Report(AttrLastExit, exit)
		return err
	}
	return nil
}

func (c *Command) submit(name string) error {
	spec, ok := c.cfg.Commands[name]
	if !ok {
		return xerrors.New(xerrors.CodeNotFound, fmt.Sprintf("command %q is not configured", name))
	}
	inject := c.Host.Inject
	subject := c.completionSubject()
	task := func() {
		ctx := c.ctx
		if spec.Timeout > 0 {
			var cancel context.CancelFunc
			ctx, cancel = context.WithTimeout(ctx, spec.Timeout)
			defer cancel()
		}
		begin := time.Now()
		code, err := c.run(ctx, spec)
		res := Result{Command: name, ExitCode: code, Duration: time.Since(begin).String()}
		if err != nil {
			res.Error = err.Error()
		}
		payload, _ := json.Marshal(res)
		_ = inject(subject, payload)
	}
	if err := c.pool.Submit(task); err != nil {
		if errors.Is(err, ants.ErrPoolOverload) {
			return xerrors.Wrap(xerrors.CodeExecutorFailure, err, "all workers busy, "+name+" dropped")
		}
		return xerrors.Wrap(xerrors.CodeExecutorFailure, err, "submit "+name)
	}
	c.running++
	_, err := c.Host.Report(AttrRunning, state.Concrete(c.running))
	return err
}
