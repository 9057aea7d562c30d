package query

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/themisdb/themisdb/pkg/aql"
)

func proximityCall(targetVar, field string, lon, lat float64) *aql.Call {
	return &aql.Call{Name: "PROXIMITY", Args: []aql.Expr{
		&aql.MemberAccess{Target: &aql.Ident{Name: targetVar}, Field: field},
		&aql.ArrayLiteral{Elements: []aql.Expr{&aql.Literal{Value: lon}, &aql.Literal{Value: lat}}},
	}}
}

func TestEvalProximityCallComputesPlanarDistance(t *testing.T) {
	e, _, _ := newTestEngine(t)
	row := Row{"p": map[string]any{"loc_lon": -122.0, "loc_lat": 37.0}}
	ctx := &evalCtx{engine: e, row: row, params: map[string]any{}}

	v, err := e.evalProximityCall(ctx, proximityCall("p", "loc", -122.0, 40.0))
	require.NoError(t, err)
	assert.InDelta(t, 3.0, v.(float64), 1e-9)
}

func TestEvalProximityCallMissingCoordinatesReturnsZero(t *testing.T) {
	e, _, _ := newTestEngine(t)
	row := Row{"p": map[string]any{}}
	ctx := &evalCtx{engine: e, row: row, params: map[string]any{}}

	v, err := e.evalProximityCall(ctx, proximityCall("p", "loc", -122.0, 40.0))
	require.NoError(t, err)
	assert.Equal(t, 0.0, v)
}
