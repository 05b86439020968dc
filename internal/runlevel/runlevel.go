// Package runlevel supervises plugin lifecycles. Every tracked plugin owns a
// "runlevel" attribute whose transitions follow a forward-only lattice,
// optionally gated by inhibitors, and a one-shot startup deadline reports the
// plugins that never left Unknown.
package runlevel

import (
	"fmt"
	"strings"

	xerrors "Enclosure-Core/internal/errors"
	"Enclosure-Core/internal/state"
)

// Attribute is the reserved attribute name holding a plugin's runlevel.
const Attribute = "runlevel"

// Runlevel is a lifecycle stage.
type Runlevel string

const (
	Unknown  Runlevel = "unknown"
	Starting Runlevel = "starting"
	Ready    Runlevel = "ready"
	Running  Runlevel = "running"
	Halting  Runlevel = "halting"
	Killed   Runlevel = "killed"
)

// All lists the runlevels in lattice order.
var All = []Runlevel{Unknown, Starting, Ready, Running, Halting, Killed}

func (r Runlevel) String() string { return string(r) }

// Parse accepts a runlevel name, case-insensitively. Empty means Unknown.
func Parse(s string) (Runlevel, error) {
	if s == "" {
		return Unknown, nil
	}
	for _, rl := range All {
		if strings.EqualFold(s, string(rl)) {
			return rl, nil
		}
	}
	return "", xerrors.New(xerrors.CodeInvalidArgument, fmt.Sprintf("unknown runlevel %q", s))
}

// Legal reports whether from -> to is an edge of the lattice: the forward
// chain unknown, starting, ready, running, plus halting and killed from
// anywhere.
func Legal(from, to Runlevel) bool {
	if to == Halting || to == Killed {
		return true
	}
	switch from {
	case Unknown:
		return to == Starting
	case Starting:
		return to == Ready
	case Ready:
		return to == Running
	}
	return false
}

// Of extracts the runlevel stored in v. Anything but a concrete runlevel
// reads as Unknown.
func Of(v state.Value) Runlevel {
	switch p := v.Payload().(type) {
	case Runlevel:
		return p
	case string:
		if rl, err := Parse(p); err == nil {
			return rl
		}
	}
	return Unknown
}

// FromValue is Of for callers that must tell a stored runlevel apart from
// anything else: it reports false unless v is a concrete, known runlevel.
func FromValue(v state.Value) (Runlevel, bool) {
	if !v.IsConcrete() {
		return "", false
	}
	var name string
	switch p := v.Payload().(type) {
	case Runlevel:
		name = string(p)
	case string:
		name = p
	default:
		return "", false
	}
	if name == "" {
		return "", false
	}
	rl, err := Parse(name)
	return rl, err == nil
}

// Report is what a plugin answers when asked why it is stuck in Unknown.
type Report struct {
	Code     xerrors.Code
	Severity xerrors.Severity
	Message  string
}

// Reporter is implemented by plugins to explain a startup stall.
type Reporter interface {
	RunlevelError() Report
}

// StallReport ties a Report to the plugin that produced it.
type StallReport struct {
	Plugin string
	Report
}

// StallPolicy decides what happens after the startup deadline reports.
type StallPolicy string

const (
	PolicyContinue StallPolicy = "continue"
	PolicyExit     StallPolicy = "exit"
)

// ParsePolicy accepts "continue" or "exit"; empty means exit.
func ParsePolicy(s string) (StallPolicy, error) {
	switch StallPolicy(strings.ToLower(s)) {
	case "", PolicyExit:
		return PolicyExit, nil
	case PolicyContinue:
		return PolicyContinue, nil
	}
	return "", xerrors.New(xerrors.CodeInvalidArgument, fmt.Sprintf("unknown stall policy %q", s))
}
