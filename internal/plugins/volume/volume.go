// Package volume implements an audio output with a bounded level and a
// mute switch.
package volume

import (
	"fmt"
	"strconv"

	xerrors "Enclosure-Core/internal/errors"
	"Enclosure-Core/internal/runlevel"
	"Enclosure-Core/internal/signal"
	"Enclosure-Core/internal/state"
	"Enclosure-Core/pkg/plugin"
)

const (
	Kind = "volume"

	AttrLevel = "level"
	AttrMute  = "mute"
)

// Config is the plugin configuration block.
type Config struct {
	Min     int    `yaml:"min"`
	Max     int    `yaml:"max"`
	Initial *int   `yaml:"initial"`
	Publish string `yaml:"publish"`
}

// Adjust is the payload of the volume signal: an absolute level or a delta.
type Adjust struct {
	Level *int `yaml:"level"`
	Delta int  `yaml:"delta"`
}

// Report is the payload of the report signal sent by the device.
type Report struct {
	Level *int  `yaml:"level"`
	Mute  *bool `yaml:"mute"`
}

type Volume struct {
	plugin.Base
	cfg Config
}

func New() plugin.Plugin { return &Volume{} }

func (v *Volume) Info() plugin.Info {
	return plugin.Info{
		Kind:        Kind,
		Name:        "Volume control",
		Description: "Bounded output level with mute",
		Version:     "1.0.0",
	}
}

func (v *Volume) Configure(host plugin.Host, raw map[string]any) error {
	v.Bind(host)
	v.cfg = Config{Min: 0, Max: 100}
	if err := plugin.Decode(raw, &v.cfg); err != nil {
		return err
	}
	if v.cfg.Min >= v.cfg.Max {
		return xerrors.New(xerrors.CodeConfiguration, fmt.Sprintf("volume range [%d,%d] is empty", v.cfg.Min, v.cfg.Max))
	}
	if v.cfg.Publish == "" {
		v.cfg.Publish = host.ID()
	}

	level := state.Unknown()
	if v.cfg.Initial != nil {
		if !v.inRange(*v.cfg.Initial) {
			return xerrors.New(xerrors.CodeConfiguration, fmt.Sprintf("initial level %d out of range", *v.cfg.Initial))
		}
		level = state.Concrete(*v.cfg.Initial)
	}
	if err := host.Register(AttrLevel, level); err != nil {
		return err
	}
	if err := host.Register(AttrMute, state.Concrete(false)); err != nil {
		return err
	}
	return host.Observe(host.ID(), state.Wildcard, state.Observer{
		Name:   "volume",
		Local:  v.vote,
		Remote: v.vote,
		Commit: v.publish,
	})
}

func (v *Volume) Start() error {
	_, err := plugin.Advance(v.Host, runlevel.Running)
	return err
}

func (v *Volume) inRange(level int) bool {
	return level >= v.cfg.Min && level <= v.cfg.Max
}

func (v *Volume) clamp(level int) int {
	return max(v.cfg.Min, min(v.cfg.Max, level))
}

func (v *Volume) vote(c state.Change) bool {
	switch c.Attr {
	case AttrLevel:
		level, ok := c.New.AsInt()
		return ok && v.inRange(level)
	case AttrMute:
		_, ok := c.New.AsBool()
		return ok
	}
	return true
}

func (v *Volume) publish(c state.Change) {
	if c.Attr != AttrLevel && c.Attr != AttrMute {
		return
	}
	var payload string
	switch {
	case !c.New.IsConcrete():
		payload = "unknown"
	case c.Attr == AttrLevel:
		level, _ := c.New.AsInt()
		payload = strconv.Itoa(level)
	default:
		muted, _ := c.New.AsBool()
		payload = strconv.FormatBool(muted)
	}
	v.Host.Publish(v.cfg.Publish+"/"+c.Attr, []byte(payload))
}

func (v *Volume) HandleSignal(sig *signal.Signal) error {
	var adj Adjust
	if ok, err := plugin.DecodeSignal(sig, "volume", &adj); ok {
		if err != nil {
			return err
		}
		return v.adjust(adj)
	}
	if sig.Has("mute") {
		_, err := v.Host.Set(AttrMute, state.Concrete(true))
		return err
	}
	if sig.Has("unmute") {
		_, err := v.Host.Set(AttrMute, state.Concrete(false))
		return err
	}
	var rep Report
	if ok, err := plugin.DecodeSignal(sig, "report", &rep); ok {
		if err != nil {
			return err
		}
		return v.report(rep)
	}
	return nil
}

func (v *Volume) adjust(adj Adjust) error {
	var target int
	switch {
	case adj.Level != nil:
		target = *adj.Level
	case adj.Delta != 0:
		current, err := v.Host.Get(v.Host.ID(), AttrLevel)
		if err != nil {
			return err
		}
		level, ok := current.AsInt()
		if !ok {
			return xerrors.New(xerrors.CodeConflict, "relative change while the level is unknown")
		}
		target = level + adj.Delta
	default:
		return nil
	}
	_, err := v.Host.Set(AttrLevel, state.Concrete(v.clamp(target)))
	return err
}

func (v *Volume) report(rep Report) error {
	if rep.Level != nil {
		value := state.Concrete(*rep.Level)
		if !v.inRange(*rep.Level) {
			v.Host.Logger().Warn("device reported a level out of range", "level", *rep.Level)
			value = state.Unknown()
		}
		if _, err := v.Host.Report(AttrLevel, value); err != nil {
			return err
		}
	}
	if rep.Mute != nil {
		if _, err := v.Host.Report(AttrMute, state.Concrete(*rep.Mute)); err != nil {
			return err
		}
	}
	return nil
}
