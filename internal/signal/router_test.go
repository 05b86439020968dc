package signal

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"Enclosure-Core/internal/bus"
	xerrors "Enclosure-Core/internal/errors"
	"Enclosure-Core/pkg/logger"
)

type trace struct {
	events []string
}

func (tr *trace) handler(id string, fn func(*Signal)) Handler {
	return HandlerFunc(func(sig *Signal) error {
		tr.events = append(tr.events, id+":"+sig.Namespaces()[0])
		if fn != nil {
			fn(sig)
		}
		return nil
	})
}

func newRouter(opts ...Option) *Router {
	return NewRouter(append([]Option{WithLogger(logger.Discard())}, opts...)...)
}

func TestMatchSubject(t *testing.T) {
	assert.True(t, MatchSubject("switch/lamp", "switch/lamp"))
	assert.True(t, MatchSubject("switch/*", "switch/lamp"))
	assert.False(t, MatchSubject("switch/*", "switch/lamp/state"))
	assert.True(t, MatchSubject("switch/**", "switch/lamp/state"))
	assert.False(t, MatchSubject("switch/[", "switch/lamp"))
	assert.False(t, ValidSubject("switch/["))
}

func TestRuleTrigger(t *testing.T) {
	trig, err := NewRuleTrigger("lamp-switch", []string{"switch/lamp"},
		Rule{Match: "pressed", Signal: Of("toggle", map[string]any{})},
		Rule{Namespace: "raw"},
	)
	require.NoError(t, err)

	sig := trig.Handle(bus.Message{Subject: "switch/lamp", Payload: []byte(" pressed\n")})
	require.NotNil(t, sig)
	assert.Equal(t, []string{"toggle"}, sig.Namespaces())

	sig = trig.Handle(bus.Message{Subject: "switch/lamp", Payload: []byte(`{"held":true}`)})
	require.NotNil(t, sig)
	raw, _ := sig.Get("raw")
	assert.Equal(t, map[string]any{"held": true}, raw)

	sig = trig.Handle(bus.Message{Subject: "switch/lamp", Payload: []byte("released")})
	raw, _ = sig.Get("raw")
	assert.Equal(t, "released", raw)

	assert.Nil(t, trig.Handle(bus.Message{Subject: "switch/fan", Payload: []byte("pressed")}))
}

func TestRuleTriggerValidation(t *testing.T) {
	_, err := NewRuleTrigger("", []string{"a"}, Rule{Namespace: "x"})
	assert.Error(t, err)
	_, err = NewRuleTrigger("t", nil, Rule{Namespace: "x"})
	assert.Error(t, err)
	_, err = NewRuleTrigger("t", []string{"a/["}, Rule{Namespace: "x"})
	assert.Error(t, err)
	_, err = NewRuleTrigger("t", []string{"a"}, Rule{Match: "x"})
	assert.True(t, errors.Is(err, xerrors.New(xerrors.CodeConfiguration, "")))
}

func TestDispatchFansOutBreadthFirst(t *testing.T) {
	tr := &trace{}
	r := newRouter()
	require.NoError(t, r.AddBinding(Binding{Name: "both", Targets: []string{"a", "b"}}))
	require.NoError(t, r.AddTrigger(NewFuncTrigger("t", []string{"in/**"}, func(bus.Message) *Signal {
		return Of("start", nil)
	}), "both"))
	require.NoError(t, r.AddHandler("a", tr.handler("a", func(*Signal) {
		require.NoError(t, r.Emit("c", Of("from-a", nil)))
		require.NoError(t, r.Emit("b", Of("from-a", nil)))
	})))
	require.NoError(t, r.AddHandler("b", tr.handler("b", func(sig *Signal) {
		if sig.Has("start") {
			require.NoError(t, r.Emit("c", Of("from-b", nil)))
		}
	})))
	require.NoError(t, r.AddHandler("c", tr.handler("c", nil)))
	require.NoError(t, r.Validate())
	assert.Equal(t, []string{"in/**"}, r.Subjects())

	r.BeginTick()
	require.NoError(t, r.Dispatch(bus.NewMessage("in/x", nil)))
	assert.Empty(t, tr.events)
	assert.Equal(t, 2, r.Pending())
	require.NoError(t, r.Flush())
	assert.Equal(t, []string{"a:start", "b:start", "c:from-a", "b:from-a", "c:from-b"}, tr.events)
	assert.Zero(t, r.Pending())
}

func TestInboundBatchRunsBeforeEmittedSignals(t *testing.T) {
	tr := &trace{}
	r := newRouter()
	require.NoError(t, r.AddBinding(Binding{Name: "buttons", Targets: []string{"a"}}))
	require.NoError(t, r.AddTrigger(NewFuncTrigger("press", []string{"btn/*"}, func(m bus.Message) *Signal {
		return Of(m.Subject[len("btn/"):], nil)
	}), "buttons"))
	require.NoError(t, r.AddHandler("a", tr.handler("a", func(sig *Signal) {
		if sig.Has("first") {
			require.NoError(t, r.Emit("c", Of("emitted", nil)))
		}
	})))
	require.NoError(t, r.AddHandler("c", tr.handler("c", nil)))

	r.BeginTick()
	require.NoError(t, r.Dispatch(bus.NewMessage("btn/first", nil)))
	require.NoError(t, r.Dispatch(bus.NewMessage("btn/second", nil)))
	require.NoError(t, r.Flush())
	assert.Equal(t, []string{"a:first", "a:second", "c:emitted"}, tr.events)
}

func TestEachTargetGetsItsOwnCopy(t *testing.T) {
	r := newRouter()
	require.NoError(t, r.AddBinding(Binding{Name: "pair", Targets: []string{"a", "b"}}))
	var seenByB []string
	require.NoError(t, r.AddHandler("a", HandlerFunc(func(sig *Signal) error {
		sig.Set("mutated", true)
		return nil
	})))
	require.NoError(t, r.AddHandler("b", HandlerFunc(func(sig *Signal) error {
		seenByB = sig.Namespaces()
		return nil
	})))
	require.NoError(t, r.EmitBinding("pair", Of("x", 1)))
	require.NoError(t, r.Flush())
	assert.Equal(t, []string{"x"}, seenByB)
}

func TestBudgetOverflow(t *testing.T) {
	r := newRouter(WithBudget(10))
	calls := 0
	require.NoError(t, r.AddHandler("loop", HandlerFunc(func(sig *Signal) error {
		calls++
		return r.Emit("loop", sig)
	})))

	r.BeginTick()
	require.NoError(t, r.Emit("loop", Of("ping", nil)))
	err := r.Flush()
	require.Error(t, err)
	assert.Equal(t, xerrors.CodeRoutingOverflow, xerrors.CodeOf(err))
	assert.Equal(t, 10, calls)
	assert.Zero(t, r.Pending())

	r.BeginTick()
	require.NoError(t, r.AddHandler("quiet", HandlerFunc(func(*Signal) error { return nil })))
	require.NoError(t, r.Emit("quiet", Of("ping", nil)))
	assert.NoError(t, r.Flush())
}

func TestHandlerErrorIsNotFatal(t *testing.T) {
	r := newRouter()
	require.NoError(t, r.AddHandler("bad", HandlerFunc(func(*Signal) error { return errors.New("boom") })))
	require.NoError(t, r.Emit("bad", Of("x", nil)))
	assert.NoError(t, r.Flush())
}

func TestValidateReportsUnresolvedNames(t *testing.T) {
	r := newRouter()
	require.NoError(t, r.AddTrigger(NewFuncTrigger("t", []string{"a"}, nil), "missing"))
	err := r.Validate()
	assert.Equal(t, xerrors.CodeUnresolvedBinding, xerrors.CodeOf(err))

	r = newRouter()
	require.NoError(t, r.AddBinding(Binding{Name: "b", Targets: []string{"ghost"}}))
	err = r.Validate()
	assert.Equal(t, xerrors.CodeUnresolvedBinding, xerrors.CodeOf(err))

	assert.Error(t, r.AddBinding(Binding{Name: "b", Targets: []string{"x"}}))
	assert.Error(t, r.AddBinding(Binding{Name: "empty"}))
	require.NoError(t, r.AddTrigger(NewFuncTrigger("t", []string{"a"}, nil), "b"))
	assert.Error(t, r.AddTrigger(NewFuncTrigger("t", []string{"b"}, nil), "b"))
	assert.Error(t, r.AddHandler("x", nil))
	assert.Error(t, r.Emit("ghost", Of("x", nil)))
}
