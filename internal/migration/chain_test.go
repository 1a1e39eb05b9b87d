package migration

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/allen1211/sessionkv/internal/errs"
)

func addFields(name string, fields map[string]int) Step {
	return Step{
		Name: name,
		Apply: func(data json.RawMessage) (json.RawMessage, error) {
			m := map[string]int{}
			if len(data) > 0 {
				if err := json.Unmarshal(data, &m); err != nil {
					return nil, err
				}
			}
			for k, v := range fields {
				m[k] = v
			}
			return json.Marshal(m)
		},
	}
}

// TestMigrationChainScenario exercises spec.md §8 scenario 6: the chain
// [addFields("v1",{x=1}), transform("v2", d -> d ∪ {y=d.x+1})] applied to
// legacy {} yields {x=1,y=2}; re-running applies neither step again.
func TestMigrationChainScenario(t *testing.T) {
	chain, err := NewChain(
		addFields("v1", map[string]int{"x": 1}),
		Step{
			Name: "v2",
			Apply: func(data json.RawMessage) (json.RawMessage, error) {
				m := map[string]int{}
				require.NoError(t, json.Unmarshal(data, &m))
				m["y"] = m["x"] + 1
				return json.Marshal(m)
			},
		},
	)
	require.NoError(t, err)

	result, applied, err := chain.Apply(json.RawMessage(`{}`), nil)
	require.NoError(t, err)
	require.Equal(t, []string{"v1", "v2"}, applied)

	var m map[string]int
	require.NoError(t, json.Unmarshal(result, &m))
	require.Equal(t, map[string]int{"x": 1, "y": 2}, m)

	// Idempotent: re-running with the now-applied prefix changes nothing.
	result2, applied2, err := chain.Apply(result, applied)
	require.NoError(t, err)
	require.Equal(t, applied, applied2)
	require.JSONEq(t, string(result), string(result2))
}

func TestMigrationMismatchIsFatal(t *testing.T) {
	chain, err := NewChain(addFields("v1", map[string]int{"x": 1}))
	require.NoError(t, err)

	_, _, err = chain.Apply(json.RawMessage(`{}`), []string{"not-a-real-step"})
	require.ErrorIs(t, err, errs.ErrMigrationMismatch)
}

func TestDuplicateStepNameRejected(t *testing.T) {
	_, err := NewChain(addFields("v1", nil), addFields("v1", nil))
	require.Error(t, err)
}
