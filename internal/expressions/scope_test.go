package expressions

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/venzel/stepflow/pkg/schema"
)

func TestScope_VarsFrozenAtConstruction(t *testing.T) {
	vars := map[string]any{"name": "ada", "nested": map[string]any{"k": "v"}}
	scope := NewScope(vars, nil)

	vars["name"] = "mutated"
	vars["nested"].(map[string]any)["k"] = "mutated"

	r := NewResolver()
	out, err := r.ResolveString("${vars.name}", scope)
	require.NoError(t, err)
	assert.Equal(t, "ada", out)

	out, err = r.ResolveString("${vars.nested.k}", scope)
	require.NoError(t, err)
	assert.Equal(t, "v", out)
}

func TestScope_StepResultFrozenOnInsert(t *testing.T) {
	scope := NewScope(nil, nil)
	payload := map[string]any{"status": float64(200)}

	require.NoError(t, scope.AddStepResult(&schema.StepResult{
		StepID: "fetch", Success: true, Result: payload,
	}))

	payload["status"] = float64(500)

	r := NewResolver()
	out, err := r.ResolveString("${steps.fetch.result.status}", scope)
	require.NoError(t, err)
	assert.Equal(t, float64(200), out)
}

func TestScope_DuplicateStepRejected(t *testing.T) {
	scope := NewScope(nil, nil)
	require.NoError(t, scope.AddStepResult(&schema.StepResult{StepID: "a", Success: true}))

	err := scope.AddStepResult(&schema.StepResult{StepID: "a", Success: false})
	require.Error(t, err)
	assert.Equal(t, schema.ErrCodeInterpolation, schema.ErrorCode(err))
	assert.True(t, scope.HasStep("a"))
}

func TestScope_WithIterationSharesStepResults(t *testing.T) {
	parent := NewScope(nil, nil)
	child := parent.WithIteration("elem", 0)

	// Results recorded on the parent after the child was created are still
	// visible: iterations inherit step results by reference.
	require.NoError(t, parent.AddStepResult(&schema.StepResult{
		StepID: "before", Success: true, Result: "x",
	}))

	r := NewResolver()
	out, err := r.ResolveString("${steps.before.result}", child)
	require.NoError(t, err)
	assert.Equal(t, "x", out)
}

func TestScope_IterationBindingsDoNotLeak(t *testing.T) {
	parent := NewScope(nil, nil)
	first := parent.WithIteration("one", 0)
	second := parent.WithIteration("two", 1)

	r := NewResolver()

	out, err := r.ResolveString("${item}", first)
	require.NoError(t, err)
	assert.Equal(t, "one", out)

	out, err = r.ResolveString("${item}", second)
	require.NoError(t, err)
	assert.Equal(t, "two", out)

	_, err = r.ResolveString("${item}", parent)
	require.Error(t, err, "parent scope has no iteration binding")
}

func TestScope_IterationItemCopied(t *testing.T) {
	parent := NewScope(nil, nil)
	item := map[string]any{"id": "doc-1"}
	child := parent.WithIteration(item, 0)

	item["id"] = "mutated"

	r := NewResolver()
	out, err := r.ResolveString("${item.id}", child)
	require.NoError(t, err)
	assert.Equal(t, "doc-1", out)
}

func TestScope_SnapshotIsolation(t *testing.T) {
	parent := NewScope(map[string]any{"v": "1"}, nil)
	require.NoError(t, parent.AddStepResult(&schema.StepResult{
		StepID: "early", Success: true, Result: "e",
	}))

	snap := parent.Snapshot()

	require.NoError(t, parent.AddStepResult(&schema.StepResult{
		StepID: "late", Success: true, Result: "l",
	}))

	assert.True(t, snap.HasStep("early"))
	assert.False(t, snap.HasStep("late"), "snapshot must not observe later results")

	// Writes into the snapshot stay in the snapshot.
	require.NoError(t, snap.AddStepResult(&schema.StepResult{
		StepID: "branch-only", Success: true,
	}))
	assert.False(t, parent.HasStep("branch-only"))
}

func TestScope_SnapshotCarriesIteration(t *testing.T) {
	scope := NewScope(nil, nil).WithIteration("elem", 2)
	snap := scope.Snapshot()

	r := NewResolver()
	out, err := r.ResolveString("${index}", snap)
	require.NoError(t, err)
	assert.Equal(t, 2, out)
}

func TestScope_Activation(t *testing.T) {
	scope := NewScope(map[string]any{"k": "v"}, map[string]string{"HOME": "/root"})
	require.NoError(t, scope.AddStepResult(&schema.StepResult{
		StepID: "s", Success: true, Result: "r",
	}))

	act := scope.Activation()

	assert.Equal(t, "v", act["vars"].(map[string]any)["k"])
	assert.Equal(t, "/root", act["env"].(map[string]any)["HOME"])
	assert.Contains(t, act["steps"].(map[string]any), "s")
	assert.Nil(t, act["item"])
	assert.Equal(t, -1, act["index"])
}

func TestScope_ActivationWithIteration(t *testing.T) {
	scope := NewScope(nil, nil).WithIteration(map[string]any{"n": float64(1)}, 3)
	act := scope.Activation()

	assert.Equal(t, float64(1), act["item"].(map[string]any)["n"])
	assert.Equal(t, 3, act["index"])
}

func TestOSEnviron(t *testing.T) {
	t.Setenv("STEPFLOW_SCOPE_TEST", "present")

	env := OSEnviron()
	assert.Equal(t, "present", env["STEPFLOW_SCOPE_TEST"])
}
