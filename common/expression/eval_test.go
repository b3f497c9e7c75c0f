package expression

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	errors2 "gitlab.com/meridian-workflow/meridian/server/errors"
)

var eng = &ExprEngine{}

func TestPositive(t *testing.T) {
	ctx := context.Background()
	vrs := make(map[string]interface{})
	res, err := Eval[bool](ctx, eng, "97 == 97", vrs)
	assert.NoError(t, err)
	assert.Equal(t, true, res)
}

func TestNoVariable(t *testing.T) {
	ctx := context.Background()
	vrs := make(map[string]interface{})
	res, err := Eval[bool](ctx, eng, "a == 4.5", vrs)
	assert.NoError(t, err)
	assert.Equal(t, false, res)
}

func TestVariable(t *testing.T) {
	ctx := context.Background()
	vrs := make(map[string]interface{})
	vrs["a"] = 4.5
	res, err := Eval[bool](ctx, eng, "a == 4.5", vrs)
	assert.NoError(t, err)
	assert.Equal(t, true, res)
}

func TestEqualsPrefixStripped(t *testing.T) {
	ctx := context.Background()
	vrs := map[string]interface{}{"amount": 250}
	res, err := Eval[bool](ctx, eng, "=amount > 100", vrs)
	assert.NoError(t, err)
	assert.Equal(t, true, res)
}

func TestEmptyExpressionEvaluatesNil(t *testing.T) {
	ctx := context.Background()
	res, err := EvalAny(ctx, eng, "", map[string]interface{}{})
	assert.NoError(t, err)
	assert.Nil(t, res)
}

func TestArithmeticResult(t *testing.T) {
	ctx := context.Background()
	vrs := map[string]interface{}{"net": 100, "tax": 19}
	res, err := EvalAny(ctx, eng, "=net + tax", vrs)
	assert.NoError(t, err)
	assert.Equal(t, 119, res)
}

func TestBadResultTypeIsFatal(t *testing.T) {
	ctx := context.Background()
	vrs := map[string]interface{}{"name": "elvis"}
	_, err := Eval[bool](ctx, eng, "=name", vrs)
	assert.Error(t, err)
	assert.True(t, errors2.IsWorkflowFatal(err))
}

func TestCompileFailureIsFatal(t *testing.T) {
	ctx := context.Background()
	_, err := EvalAny(ctx, eng, "=amount >", map[string]interface{}{})
	assert.Error(t, err)
	assert.True(t, errors2.IsWorkflowFatal(err))
}

func TestGetVariables(t *testing.T) {
	ctx := context.Background()
	vs, err := GetVariables(ctx, eng, "=amount > threshold && region == \"eu\"")
	assert.NoError(t, err)
	names := make([]string, 0, len(vs))
	for _, v := range vs {
		names = append(names, v.Name)
	}
	assert.ElementsMatch(t, []string{"amount", "threshold", "region"}, names)
}
