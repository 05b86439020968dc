// Package sysinfo samples host load, memory and disk usage into
// attributes on a fixed interval. Sampling runs on a worker and the reading
// comes back through the inbox.
package sysinfo

import (
	"encoding/json"
	"errors"
	"math"
	"strconv"
	"sync/atomic"
	"time"

	"github.com/panjf2000/ants/v2"
	"github.com/shirou/gopsutil/v3/disk"
	"github.com/shirou/gopsutil/v3/load"
	"github.com/shirou/gopsutil/v3/mem"

	"Enclosure-Core/internal/bus"
	xerrors "Enclosure-Core/internal/errors"
	"Enclosure-Core/internal/runlevel"
	"Enclosure-Core/internal/scheduler"
	"Enclosure-Core/internal/signal"
	"Enclosure-Core/internal/state"
	"Enclosure-Core/pkg/plugin"
)

const (
	Kind = "sysinfo"

	AttrLoad1  = "load1"
	AttrMemory = "memory_used_percent"
	AttrDisk   = "disk_used_percent"
)

// Config is the plugin configuration block. When Publish is set every
// sample is also published as <publish>/<attribute>.
type Config struct {
	Every   time.Duration `yaml:"every"`
	Disk    string        `yaml:"disk"`
	Publish string        `yaml:"publish"`
}

// Sample is one reading.
type Sample struct {
	Load1       float64 `json:"load1"`
	MemoryUsed  float64 `json:"memory_used"`
	DiskUsed    float64 `json:"disk_used"`
	DiskSampled bool    `json:"disk_sampled"`
}

// Reading is injected on <id>/sampled when a sample finishes.
type Reading struct {
	Sample
	Error string `json:"error,omitempty"`
}

// Sampler reads the host. Tests replace it.
type Sampler func(diskPath string) (Sample, error)

// Read samples the running host through gopsutil.
func Read(diskPath string) (Sample, error) {
	var s Sample
	avg, err := load.Avg()
	if err != nil {
		return s, err
	}
	vm, err := mem.VirtualMemory()
	if err != nil {
		return s, err
	}
	s.Load1 = avg.Load1
	s.MemoryUsed = vm.UsedPercent
	if diskPath != "" {
		usage, err := disk.Usage(diskPath)
		if err != nil {
			return s, err
		}
		s.DiskUsed = usage.UsedPercent
		s.DiskSampled = true
	}
	return s, nil
}

type Sysinfo struct {
	plugin.Base
	cfg    Config
	sample Sampler
	pool   *ants.Pool
	busy   atomic.Bool
}

func New() plugin.Plugin { return NewWithSampler(Read) }

func NewWithSampler(s Sampler) *Sysinfo { return &Sysinfo{sample: s} }

func (p *Sysinfo) Info() plugin.Info {
	return plugin.Info{
		Kind:        Kind,
		Name:        "Host metrics",
		Description: "Load average, memory and disk usage",
		Version:     "1.0.0",
	}
}

func (p *Sysinfo) Configure(host plugin.Host, raw map[string]any) error {
	p.Bind(host)
	p.cfg = Config{Every: 30 * time.Second}
	if err := plugin.Decode(raw, &p.cfg); err != nil {
		return err
	}
	if p.cfg.Every <= 0 {
		return xerrors.New(xerrors.CodeConfiguration, "sysinfo interval must be positive")
	}
	attrs := []string{AttrLoad1, AttrMemory}
	if p.cfg.Disk != "" {
		attrs = append(attrs, AttrDisk)
	}
	for _, attr := range attrs {
		if err := host.Register(attr, state.Uninitialized()); err != nil {
			return err
		}
	}

	pool, err := ants.NewPool(1)
	if err != nil {
		return xerrors.Wrap(xerrors.CodeExecutorFailure, err, "create sampling worker")
	}
	p.pool = pool
	return host.AddTrigger(signal.NewFuncTrigger(host.ID()+"-sampled", []string{p.readingSubject()}, decodeReading))
}

func (p *Sysinfo) readingSubject() string { return p.Host.ID() + "/sampled" }

func decodeReading(msg bus.Message) *signal.Signal {
	var r Reading
	if err := json.Unmarshal(msg.Payload, &r); err != nil {
		return nil
	}
	return signal.Of("sampled", map[string]any{
		"load1":        r.Load1,
		"memory_used":  r.MemoryUsed,
		"disk_used":    r.DiskUsed,
		"disk_sampled": r.DiskSampled,
		"error":        r.Error,
	})
}

// Start requests the first sample and schedules the next ones.
func (p *Sysinfo) Start() error {
	if err := p.Host.Schedule("sample", p.Host.Now().Add(p.cfg.Every), signal.Of("sample", nil),
		scheduler.Every(p.cfg.Every)); err != nil {
		return err
	}
	return p.refresh()
}

func (p *Sysinfo) Stop() error {
	p.Host.Cancel("sample")
	if p.pool == nil {
		return nil
	}
	return p.pool.ReleaseTimeout(5 * time.Second)
}

func (p *Sysinfo) HandleSignal(sig *signal.Signal) error {
	if sig.Has("sample") {
		return p.refresh()
	}
	var r struct {
		Load1       float64 `yaml:"load1"`
		MemoryUsed  float64 `yaml:"memory_used"`
		DiskUsed    float64 `yaml:"disk_used"`
		DiskSampled bool    `yaml:"disk_sampled"`
		Error       string  `yaml:"error"`
	}
	if ok, err := plugin.DecodeSignal(sig, "sampled", &r); ok {
		if err != nil {
			return err
		}
		if r.Error != "" {
			p.apply(Sample{}, errors.New(r.Error))
			return nil
		}
		p.apply(Sample{Load1: r.Load1, MemoryUsed: r.MemoryUsed, DiskUsed: r.DiskUsed, DiskSampled: r.DiskSampled}, nil)
	}
	return nil
}

// refresh hands one sample to the worker. A request made while the previous
// sample is still running is skipped.
func (p *Sysinfo) refresh() error {
	if !p.busy.CompareAndSwap(false, true) {
		p.Host.Logger().Warn("previous sample still running, skipped")
		return nil
	}
	sample := p.sample
	diskPath := p.cfg.Disk
	inject := p.Host.Inject
	subject := p.readingSubject()
	task := func() {
		s, err := sample(diskPath)
		r := Reading{Sample: s}
		if err != nil {
			r.Error = err.Error()
		}
		payload, _ := json.Marshal(r)
		p.busy.Store(false)
		_ = inject(subject, payload)
	}
	if err := p.pool.Submit(task); err != nil {
		p.busy.Store(false)
		return xerrors.Wrap(xerrors.CodeExecutorFailure, err, "submit sample")
	}
	return nil
}

func (p *Sysinfo) apply(s Sample, err error) {
	if err != nil {
		p.Fail(xerrors.CodeDependencyUnavailable, "sample host: "+err.Error())
		p.report(AttrLoad1, state.Unknown())
		p.report(AttrMemory, state.Unknown())
		if p.cfg.Disk != "" {
			p.report(AttrDisk, state.Unknown())
		}
		return
	}
	p.Recover()
	p.report(AttrLoad1, state.Concrete(round(s.Load1)))
	p.report(AttrMemory, state.Concrete(round(s.MemoryUsed)))
	if s.DiskSampled {
		p.report(AttrDisk, state.Concrete(round(s.DiskUsed)))
	}
	if _, err := plugin.Advance(p.Host, runlevel.Running); err != nil {
		p.Host.Logger().Warn("advance runlevel", "error", err)
	}
}

func (p *Sysinfo) report(attr string, v state.Value) {
	if _, err := p.Host.Report(attr, v); err != nil {
		p.Host.Logger().Warn("report sample", "attribute", attr, "error", err)
		return
	}
	if p.cfg.Publish == "" {
		return
	}
	payload := "unknown"
	if f, ok := v.AsFloat(); ok {
		payload = strconv.FormatFloat(f, 'f', -1, 64)
	}
	p.Host.Publish(p.cfg.Publish+"/"+attr, []byte(payload))
}

func round(f float64) float64 {
	return math.Round(f*100) / 100
}
