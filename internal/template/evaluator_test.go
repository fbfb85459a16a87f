package template

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tombee/stepflow/pkg/errors"
)

func TestEvaluateCondition(t *testing.T) {
	tests := []struct {
		name      string
		condition string
		ctx       map[string]interface{}
		want      bool
	}{
		{
			name:      "string equality true",
			condition: "{{ selected }}=='x'",
			ctx:       map[string]interface{}{"selected": "x"},
			want:      true,
		},
		{
			name:      "string equality false",
			condition: "{{ selected }}=='x'",
			ctx:       map[string]interface{}{"selected": "y"},
			want:      false,
		},
		{
			name:      "numeric comparison",
			condition: "{{ count }} > 2",
			ctx:       map[string]interface{}{"count": float64(5)},
			want:      true,
		},
		{
			name:      "boolean logic",
			condition: "{{ a }}=='1' and {{ b }}=='2'",
			ctx:       map[string]interface{}{"a": "1", "b": "2"},
			want:      true,
		},
	}

	eval := NewEvaluator()
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := eval.EvaluateCondition(tt.condition, tt.ctx)
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestEvaluateConditionMissingVars(t *testing.T) {
	eval := NewEvaluator()
	_, err := eval.EvaluateCondition("{{ absent }}=='x'", map[string]interface{}{})
	require.Error(t, err)

	var missing *errors.MissingVarsError
	assert.True(t, errors.As(err, &missing))
}

func TestEvaluateConditionNonBoolean(t *testing.T) {
	eval := NewEvaluator()
	_, err := eval.EvaluateCondition("{{ n }} + 1", map[string]interface{}{"n": 1})
	require.Error(t, err)

	var condErr *errors.ConditionError
	assert.True(t, errors.As(err, &condErr))
}

func TestEvaluateConditionCaches(t *testing.T) {
	eval := NewEvaluator()
	ctx := map[string]interface{}{"selected": "x"}

	_, err := eval.EvaluateCondition("{{ selected }}=='x'", ctx)
	require.NoError(t, err)
	_, err = eval.EvaluateCondition("{{ selected }}=='x'", ctx)
	require.NoError(t, err)

	assert.Equal(t, 1, eval.CacheSize())
}

func TestEvaluateConditionDeterministic(t *testing.T) {
	eval := NewEvaluator()
	ctx := map[string]interface{}{"status": "ready"}

	for i := 0; i < 5; i++ {
		got, err := eval.EvaluateCondition("{{ status }}=='ready'", ctx)
		require.NoError(t, err)
		assert.True(t, got)
	}
}
