package signal

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/bmatcuk/doublestar/v4"

	"Enclosure-Core/internal/bus"
	xerrors "Enclosure-Core/internal/errors"
)

// Trigger translates bus messages into signals. Handle returns nil when the
// message is not of interest.
type Trigger interface {
	Name() string
	Subjects() []string
	Handle(msg bus.Message) *Signal
}

// MatchSubject reports whether subject matches pattern. "*" matches one
// path segment and "**" any number of them.
func MatchSubject(pattern, subject string) bool {
	return bus.Match(pattern, subject)
}

// ValidSubject reports whether pattern is a well formed subject pattern.
func ValidSubject(pattern string) bool {
	return pattern != "" && doublestar.ValidatePattern(pattern)
}

// Rule maps one kind of payload onto a signal.
//
// Match, when set, must equal the trimmed payload. Signal is the literal to
// emit. Namespace, when set, receives the payload itself: decoded JSON if
// the payload is valid JSON, the trimmed text otherwise.
type Rule struct {
	Match     string
	Signal    *Signal
	Namespace string
}

func (r Rule) matches(payload []byte) bool {
	if r.Match == "" {
		return true
	}
	return string(bytes.TrimSpace(payload)) == r.Match
}

func (r Rule) build(msg bus.Message) *Signal {
	sig := r.Signal.Clone()
	if r.Namespace != "" {
		sig.Set(r.Namespace, decodePayload(msg.Payload))
	}
	return sig
}

func decodePayload(payload []byte) any {
	trimmed := bytes.TrimSpace(payload)
	if len(trimmed) > 0 && (trimmed[0] == '{' || trimmed[0] == '[') && json.Valid(trimmed) {
		var v any
		if err := json.Unmarshal(trimmed, &v); err == nil {
			return v
		}
	}
	return string(trimmed)
}

// RuleTrigger is the configurable Trigger: the first matching rule wins.
type RuleTrigger struct {
	name     string
	subjects []string
	rules    []Rule
}

// NewRuleTrigger validates the subject patterns and the rules.
func NewRuleTrigger(name string, subjects []string, rules ...Rule) (*RuleTrigger, error) {
	if name == "" {
		return nil, xerrors.New(xerrors.CodeConfiguration, "trigger name is required")
	}
	if len(subjects) == 0 {
		return nil, xerrors.New(xerrors.CodeConfiguration, fmt.Sprintf("trigger %s: no subject", name))
	}
	for _, s := range subjects {
		if !ValidSubject(s) {
			return nil, xerrors.New(xerrors.CodeConfiguration, fmt.Sprintf("trigger %s: invalid subject %q", name, s))
		}
	}
	if len(rules) == 0 {
		return nil, xerrors.New(xerrors.CodeConfiguration, fmt.Sprintf("trigger %s: no rule", name))
	}
	for i, r := range rules {
		if r.Signal.Len() == 0 && r.Namespace == "" {
			return nil, xerrors.New(xerrors.CodeConfiguration, fmt.Sprintf("trigger %s: rule %d emits nothing", name, i))
		}
	}
	return &RuleTrigger{name: name, subjects: append([]string(nil), subjects...), rules: rules}, nil
}

func (t *RuleTrigger) Name() string       { return t.name }
func (t *RuleTrigger) Subjects() []string { return append([]string(nil), t.subjects...) }

func (t *RuleTrigger) Handle(msg bus.Message) *Signal {
	if !bus.MatchAny(t.subjects, msg.Subject) {
		return nil
	}
	for _, r := range t.rules {
		if r.matches(msg.Payload) {
			return r.build(msg)
		}
	}
	return nil
}

// FuncTrigger adapts a function to the Trigger interface.
type FuncTrigger struct {
	name     string
	subjects []string
	fn       func(bus.Message) *Signal
}

// NewFuncTrigger returns a trigger that calls fn for every matching message.
func NewFuncTrigger(name string, subjects []string, fn func(bus.Message) *Signal) *FuncTrigger {
	return &FuncTrigger{name: name, subjects: append([]string(nil), subjects...), fn: fn}
}

func (t *FuncTrigger) Name() string       { return t.name }
func (t *FuncTrigger) Subjects() []string { return append([]string(nil), t.subjects...) }

func (t *FuncTrigger) Handle(msg bus.Message) *Signal {
	if t.fn == nil || !bus.MatchAny(t.subjects, msg.Subject) {
		return nil
	}
	return t.fn(msg)
}

// Binding is a named, ordered list of target plugin ids.
type Binding struct {
	Name    string
	Targets []string
}

func (b Binding) String() string {
	return fmt.Sprintf("%s -> [%s]", b.Name, strings.Join(b.Targets, ", "))
}
