// Package system gives configuration access to the daemon itself: exit
// requests and the paused cadence.
package system

import (
	"Enclosure-Core/internal/runlevel"
	"Enclosure-Core/internal/signal"
	"Enclosure-Core/internal/state"
	"Enclosure-Core/pkg/plugin"
)

const (
	Kind = "system"

	AttrPaused = "paused"
)

type System struct {
	plugin.Base
}

func New() plugin.Plugin { return &System{} }

func (s *System) Info() plugin.Info {
	return plugin.Info{
		Kind:        Kind,
		Name:        "Daemon control",
		Description: "Exit, pause and resume the daemon loop",
		Version:     "1.0.0",
	}
}

func (s *System) Configure(host plugin.Host, raw map[string]any) error {
	s.Bind(host)
	var cfg struct{}
	if err := plugin.Decode(raw, &cfg); err != nil {
		return err
	}
	return host.Register(AttrPaused, state.Concrete(false))
}

func (s *System) Start() error {
	_, err := plugin.Advance(s.Host, runlevel.Running)
	return err
}

func (s *System) HandleSignal(sig *signal.Signal) error {
	var exit struct {
		Code int `yaml:"code"`
	}
	if ok, err := plugin.DecodeSignal(sig, "exit", &exit); ok {
		if err != nil {
			return err
		}
		s.Host.RequestExit(exit.Code)
		return nil
	}
	switch {
	case sig.Has("pause"):
		return s.setPaused(true)
	case sig.Has("resume"):
		return s.setPaused(false)
	}
	return nil
}

func (s *System) setPaused(paused bool) error {
	s.Host.SetPaused(paused)
	_, err := s.Host.Report(AttrPaused, state.Concrete(paused))
	return err
}
