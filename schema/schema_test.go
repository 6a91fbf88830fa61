package schema

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type approval struct {
	Granted bool   `json:"granted"`
	Reason  string `json:"reason,omitempty"`
}

func TestForReflectsStruct(t *testing.T) {
	def, err := For[approval]()
	require.NoError(t, err)
	assert.Equal(t, "object", def["type"])
	assert.NotContains(t, def, "$schema")

	props, ok := def["properties"].(map[string]any)
	require.True(t, ok)
	assert.Contains(t, props, "granted")
	assert.Contains(t, props, "reason")
	assert.Contains(t, def["required"], "granted")
}

func TestValidatorAcceptsAndRejects(t *testing.T) {
	v, err := Compile(MustFor[approval]())
	require.NoError(t, err)

	require.NoError(t, v.Validate(json.RawMessage(`{"granted":true}`)))

	err = v.Validate(json.RawMessage(`{"granted":"yes"}`))
	require.ErrorIs(t, err, ErrInvalid)

	err = v.Validate(json.RawMessage(`{}`))
	require.ErrorIs(t, err, ErrInvalid)
}

func TestNilValidatorAcceptsEverything(t *testing.T) {
	v, err := Compile(nil)
	require.NoError(t, err)
	assert.Nil(t, v)
	assert.NoError(t, v.Validate(json.RawMessage(`[1,2,3]`)))
}

func TestForInterfaceAcceptsAnything(t *testing.T) {
	def, err := For[any]()
	require.NoError(t, err)
	v, err := Compile(def)
	require.NoError(t, err)
	assert.NoError(t, v.Validate(json.RawMessage(`"free form"`)))
}
