// Package signal carries structured messages between plugins. A Trigger turns
// a bus message into a Signal, a Binding names the plugins that receive it,
// and the Router delivers it breadth-first within a per-tick budget.
package signal

import (
	"encoding/json"
	"strings"

	orderedmap "github.com/wk8/go-ordered-map/v2"
	"gopkg.in/yaml.v3"
)

// Signal is an ordered map from namespace to payload. Handlers read the
// namespaces they understand and ignore the rest.
type Signal struct {
	fields *orderedmap.OrderedMap[string, any]
}

// New returns an empty signal.
func New() *Signal {
	return &Signal{fields: orderedmap.New[string, any]()}
}

// Of returns a signal with a single namespace.
func Of(namespace string, payload any) *Signal {
	return New().Set(namespace, payload)
}

func (s *Signal) ensure() {
	if s.fields == nil {
		s.fields = orderedmap.New[string, any]()
	}
}

// Set adds or replaces namespace. Replacing keeps the original position.
func (s *Signal) Set(namespace string, payload any) *Signal {
	s.ensure()
	s.fields.Set(namespace, payload)
	return s
}

func (s *Signal) Get(namespace string) (any, bool) {
	if s == nil || s.fields == nil {
		return nil, false
	}
	return s.fields.Get(namespace)
}

func (s *Signal) Has(namespace string) bool {
	_, ok := s.Get(namespace)
	return ok
}

// Map returns the payload of namespace as a map. Empty payloads, such as
// the YAML literal "toggle: {}" or "toggle:", yield an empty map.
func (s *Signal) Map(namespace string) (map[string]any, bool) {
	v, ok := s.Get(namespace)
	if !ok {
		return nil, false
	}
	switch p := v.(type) {
	case map[string]any:
		return p, true
	case *orderedmap.OrderedMap[string, any]:
		out := make(map[string]any, p.Len())
		for pair := p.Oldest(); pair != nil; pair = pair.Next() {
			out[pair.Key] = pair.Value
		}
		return out, true
	case nil:
		return map[string]any{}, true
	}
	return nil, false
}

// Namespaces lists the namespaces in insertion order.
func (s *Signal) Namespaces() []string {
	if s == nil || s.fields == nil {
		return nil
	}
	out := make([]string, 0, s.fields.Len())
	for pair := s.fields.Oldest(); pair != nil; pair = pair.Next() {
		out = append(out, pair.Key)
	}
	return out
}

func (s *Signal) Len() int {
	if s == nil || s.fields == nil {
		return 0
	}
	return s.fields.Len()
}

// Clone copies the namespace table. Payloads are shared.
func (s *Signal) Clone() *Signal {
	out := New()
	if s == nil || s.fields == nil {
		return out
	}
	for pair := s.fields.Oldest(); pair != nil; pair = pair.Next() {
		out.fields.Set(pair.Key, pair.Value)
	}
	return out
}

func (s *Signal) MarshalJSON() ([]byte, error) {
	s.ensure()
	return s.fields.MarshalJSON()
}

func (s *Signal) UnmarshalJSON(data []byte) error {
	s.fields = orderedmap.New[string, any]()
	return s.fields.UnmarshalJSON(data)
}

func (s *Signal) UnmarshalYAML(node *yaml.Node) error {
	s.fields = orderedmap.New[string, any]()
	return s.fields.UnmarshalYAML(node)
}

func (s *Signal) MarshalYAML() (interface{}, error) {
	s.ensure()
	return s.fields.MarshalYAML()
}

// String renders the signal as compact JSON, or its namespaces when a payload
// cannot be encoded.
func (s *Signal) String() string {
	raw, err := json.Marshal(s)
	if err != nil {
		return "{" + strings.Join(s.Namespaces(), ",") + "}"
	}
	return string(raw)
}
