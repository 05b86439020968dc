package state

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestValueEquality(t *testing.T) {
	assert.True(t, Uninitialized().Equal(Value{}))
	assert.True(t, Unknown().Equal(Unknown()))
	assert.False(t, Unknown().Equal(Uninitialized()))
	assert.False(t, Concrete(nil).Equal(Uninitialized()))
	assert.True(t, Concrete(map[string]any{"a": 1}).Equal(Concrete(map[string]any{"a": 1})))
	assert.False(t, Concrete(1).Equal(Concrete(int64(1))))
}

func TestValueAccessors(t *testing.T) {
	n, ok := Concrete(42.9).AsInt()
	assert.True(t, ok)
	assert.Equal(t, 42, n)

	_, ok = Unknown().AsString()
	assert.False(t, ok)

	assert.Equal(t, "on", Concrete("on").String())
	assert.Equal(t, "unknown", Unknown().String())
	assert.Equal(t, `{"x":[1,2]}`, Concrete(map[string]any{"x": []int{1, 2}}).String())
}

func TestValueJSON(t *testing.T) {
	raw, err := json.Marshal(Concrete("on"))
	assert.NoError(t, err)
	assert.JSONEq(t, `{"kind":"concrete","value":"on"}`, string(raw))

	raw, err = json.Marshal(Uninitialized())
	assert.NoError(t, err)
	assert.JSONEq(t, `{"kind":"uninitialized"}`, string(raw))
}
