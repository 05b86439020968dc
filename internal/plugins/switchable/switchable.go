// Package switchable implements devices whose attributes take one of a
// fixed set of values, such as a lamp that is on or off.
package switchable

import (
	"fmt"
	"sort"

	xerrors "Enclosure-Core/internal/errors"
	"Enclosure-Core/internal/runlevel"
	"Enclosure-Core/internal/signal"
	"Enclosure-Core/internal/state"
	"Enclosure-Core/pkg/plugin"
)

// Kind is the configuration name of this plugin kind.
const Kind = "switchable"

// Config is the plugin configuration block.
//
//	attributes:            # attribute -> allowed values, in toggle order
//	  power: [off, on]
//	initial:               # optional; attributes without one start Uninitialized
//	  power: off
//	publish: lamp          # subject prefix for committed values, defaults to the id
//	command: lamp/set      # optional; set and toggle become outbound commands
type Config struct {
	Attributes map[string][]string `yaml:"attributes"`
	Initial    map[string]string   `yaml:"initial"`
	Publish    string              `yaml:"publish"`
	Command    string              `yaml:"command"`
}

// Change is the payload of the set, toggle, report and request signals.
type Change struct {
	Plugin    string `yaml:"plugin"`
	Attribute string `yaml:"attribute"`
	Value     string `yaml:"value"`
	Unknown   bool   `yaml:"unknown"`
}

// Switchable is the plugin.
type Switchable struct {
	plugin.Base
	cfg   Config
	attrs []string
}

// New returns an unconfigured Switchable.
func New() plugin.Plugin { return &Switchable{} }

func (s *Switchable) Info() plugin.Info {
	return plugin.Info{
		Kind:        Kind,
		Name:        "Switchable device",
		Description: "Attributes with an enumerated value set, driven by set, toggle and report signals",
		Version:     "1.0.0",
	}
}

func (s *Switchable) Configure(host plugin.Host, raw map[string]any) error {
	s.Bind(host)
	if err := plugin.Decode(raw, &s.cfg); err != nil {
		return err
	}
	if len(s.cfg.Attributes) == 0 {
		return xerrors.New(xerrors.CodeConfiguration, "switchable needs at least one attribute")
	}
	if s.cfg.Publish == "" {
		s.cfg.Publish = host.ID()
	}

	for attr := range s.cfg.Attributes {
		s.attrs = append(s.attrs, attr)
	}
	sort.Strings(s.attrs)
	for _, attr := range s.attrs {
		values := s.cfg.Attributes[attr]
		if len(values) == 0 {
			return xerrors.New(xerrors.CodeConfiguration, fmt.Sprintf("attribute %s has no values", attr))
		}
		initial := state.Uninitialized()
		if v, ok := s.cfg.Initial[attr]; ok {
			if !s.allowed(attr, v) {
				return xerrors.New(xerrors.CodeConfiguration, fmt.Sprintf("initial %s=%s is not allowed", attr, v))
			}
			initial = state.Concrete(v)
		}
		if err := host.Register(attr, initial); err != nil {
			return err
		}
		if err := host.Observe(host.ID(), attr, state.Observer{
			Name:   "switchable",
			Local:  s.vote,
			Remote: s.vote,
			Commit: s.publish,
		}); err != nil {
			return err
		}
	}
	for attr := range s.cfg.Initial {
		if _, ok := s.cfg.Attributes[attr]; !ok {
			return xerrors.New(xerrors.CodeConfiguration, fmt.Sprintf("initial value for undeclared attribute %s", attr))
		}
	}
	return nil
}

func (s *Switchable) Start() error {
	_, err := plugin.Advance(s.Host, runlevel.Running)
	return err
}

func (s *Switchable) allowed(attr, value string) bool {
	for _, v := range s.cfg.Attributes[attr] {
		if v == value {
			return true
		}
	}
	return false
}

func (s *Switchable) vote(c state.Change) bool {
	if c.New.IsUnknown() {
		return false
	}
	v, ok := c.New.AsString()
	return ok && s.allowed(c.Attr, v)
}

func (s *Switchable) publish(c state.Change) {
	payload := "unknown"
	if v, ok := c.New.AsString(); ok {
		payload = v
	}
	s.Host.Publish(s.cfg.Publish+"/"+c.Attr, []byte(payload))
}

func (s *Switchable) HandleSignal(sig *signal.Signal) error {
	var c Change
	if ok, err := plugin.DecodeSignal(sig, "toggle", &c); ok {
		if err != nil {
			return err
		}
		return s.toggle(c)
	}
	if ok, err := plugin.DecodeSignal(sig, "set", &c); ok {
		if err != nil {
			return err
		}
		return s.set(c)
	}
	if ok, err := plugin.DecodeSignal(sig, "report", &c); ok {
		if err != nil {
			return err
		}
		return s.report(c)
	}
	if ok, err := plugin.DecodeSignal(sig, "request", &c); ok {
		if err != nil {
			return err
		}
		return s.request(c)
	}
	return nil
}

func (s *Switchable) attribute(name string) (string, error) {
	if name == "" {
		if len(s.attrs) == 1 {
			return s.attrs[0], nil
		}
		return "", xerrors.New(xerrors.CodeInvalidArgument, "attribute is required")
	}
	if _, ok := s.cfg.Attributes[name]; !ok {
		return "", xerrors.New(xerrors.CodeUnknownAttribute, fmt.Sprintf("%s.%s", s.Host.ID(), name))
	}
	return name, nil
}

// next returns the value after the current one, wrapping around. An
// uninitialized or unknown current value yields the first value.
func (s *Switchable) next(attr string) string {
	values := s.cfg.Attributes[attr]
	current, _ := s.Host.Get(s.Host.ID(), attr)
	if v, ok := current.AsString(); ok {
		for i, candidate := range values {
			if candidate == v {
				return values[(i+1)%len(values)]
			}
		}
	}
	return values[0]
}

func (s *Switchable) toggle(c Change) error {
	attr, err := s.attribute(c.Attribute)
	if err != nil {
		return err
	}
	return s.change(attr, s.next(attr))
}

func (s *Switchable) set(c Change) error {
	attr, err := s.attribute(c.Attribute)
	if err != nil {
		return err
	}
	if !s.allowed(attr, c.Value) {
		return xerrors.New(xerrors.CodeInvalidArgument, fmt.Sprintf("%s=%s is not allowed", attr, c.Value))
	}
	return s.change(attr, c.Value)
}

// change writes locally, or sends a command and waits for the device to
// report when a command prefix is configured.
func (s *Switchable) change(attr, value string) error {
	if s.cfg.Command != "" {
		if !s.Host.Publish(s.cfg.Command+"/"+attr, []byte(value)) {
			return xerrors.New(xerrors.CodeBusFailure, "command dropped")
		}
		return nil
	}
	_, err := s.Host.Set(attr, state.Concrete(value))
	return err
}

func (s *Switchable) report(c Change) error {
	attr, err := s.attribute(c.Attribute)
	if err != nil {
		return err
	}
	if c.Unknown {
		_, err = s.Host.Report(attr, state.Unknown())
		return err
	}
	if !s.allowed(attr, c.Value) {
		s.Host.Logger().Warn("device reported a value outside the value set", "attribute", attr, "value", c.Value)
		_, err = s.Host.Report(attr, state.Unknown())
		return err
	}
	_, err = s.Host.Report(attr, state.Concrete(c.Value))
	return err
}

// request asks another plugin, or this one when Plugin is empty, to change
// an attribute on our behalf.
func (s *Switchable) request(c Change) error {
	target := c.Plugin
	if target == "" {
		target = s.Host.ID()
	}
	if c.Attribute == "" {
		return xerrors.New(xerrors.CodeInvalidArgument, "request needs an attribute")
	}
	_, err := s.Host.Request(target, c.Attribute, state.Concrete(c.Value))
	return err
}
