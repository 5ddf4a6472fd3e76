package core

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestShadowDocument_CurrentPrefersDesired(t *testing.T) {
	doc := ShadowDocument{State: ShadowState{
		Reported: At(1, 1),
		Desired:  At(5, 5),
	}}
	x, y := doc.Current()
	assert.Equal(t, 5, x)
	assert.Equal(t, 5, y)
}

func TestShadowDocument_CurrentPartialAxes(t *testing.T) {
	var doc ShadowDocument
	require.NoError(t, json.Unmarshal([]byte(`{"state":{"reported":{"x":3,"y":9},"desired":{"y":4}}}`), &doc))

	x, y := doc.Current()
	assert.Equal(t, 3, x)
	assert.Equal(t, 4, y)
}

func TestShadowDocument_CurrentEmpty(t *testing.T) {
	x, y := ShadowDocument{}.Current()
	assert.Zero(t, x)
	assert.Zero(t, y)
}

func TestShadowDocument_MarshalOmitsAbsentHalves(t *testing.T) {
	data, err := json.Marshal(ShadowDocument{State: ShadowState{Desired: At(3, 4)}})
	require.NoError(t, err)
	assert.JSONEq(t, `{"state":{"desired":{"x":3,"y":4}}}`, string(data))
}

func TestCommand_String(t *testing.T) {
	assert.Equal(t, "MOVE_LEFT", CommandMoveLeft.String())
	assert.Equal(t, "HIT", CommandHit.String())
	assert.Equal(t, "Command(42)", Command(42).String())
	assert.True(t, CommandMoveUp.Directional())
	assert.False(t, CommandHit.Directional())
	assert.False(t, CommandNone.Directional())
}

func TestOffset_Neg(t *testing.T) {
	o := Position{X: 250, Y: 100}.Sub(Position{X: 100, Y: 100})
	assert.Equal(t, Offset{DX: 150, DY: 0}, o)
	assert.Equal(t, Offset{DX: -150, DY: 0}, o.Neg())
}
