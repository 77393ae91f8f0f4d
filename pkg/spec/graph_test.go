package spec

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/forgeline/phasor/pkg/models"
)

func phase(id string, deps ...string) models.PhaseSpec {
	return models.PhaseSpec{
		ID:           id,
		Name:         id,
		Type:         models.PhaseTypeDevelopment,
		Dependencies: deps,
		QualityGate:  models.QualityGateSpec{Type: models.GateTypeManual},
	}
}

func ids(phases []models.PhaseSpec) []string {
	out := make([]string, 0, len(phases))
	for _, p := range phases {
		out = append(out, p.ID)
	}

	return out
}

func TestDependencyGraph_FanOut(t *testing.T) {
	g, err := NewDependencyGraph([]models.PhaseSpec{
		phase("a"),
		phase("b", "a"),
		phase("c", "a"),
		phase("d", "b", "c"),
	})
	require.NoError(t, err)

	assert.ElementsMatch(t, []string{"a"}, ids(g.Ready()))

	unblocked := g.MarkCompleted("a")
	assert.ElementsMatch(t, []string{"b", "c"}, ids(unblocked))

	assert.Empty(t, g.MarkCompleted("b"))
	assert.ElementsMatch(t, []string{"d"}, ids(g.MarkCompleted("c")))

	g.MarkCompleted("d")
	assert.True(t, g.Done())
	assert.Zero(t, g.Remaining())
}

func TestDependencyGraph_FailureBlocksDependents(t *testing.T) {
	g, err := NewDependencyGraph([]models.PhaseSpec{
		phase("a"),
		phase("b", "a"),
		phase("c", "b"),
		phase("x"),
	})
	require.NoError(t, err)

	g.MarkCompleted("a")
	g.MarkFailed("b")

	// c is transitively blocked, x is still runnable.
	assert.ElementsMatch(t, []string{"x"}, ids(g.Ready()))
	assert.ElementsMatch(t, []string{"c"}, g.Blocked())
	assert.False(t, g.Done())

	g.MarkCompleted("x")
	assert.True(t, g.Done())
}

func TestDependencyGraph_RejectsCycle(t *testing.T) {
	_, err := NewDependencyGraph([]models.PhaseSpec{
		phase("a", "c"),
		phase("b", "a"),
		phase("c", "b"),
	})
	require.Error(t, err)

	var specErr *SpecError
	require.ErrorAs(t, err, &specErr)
	assert.Equal(t, ReasonCyclicDependency, specErr.Reason)
}

func TestDependencyGraph_RejectsUnknownDependency(t *testing.T) {
	_, err := NewDependencyGraph([]models.PhaseSpec{phase("a", "ghost")})
	require.Error(t, err)

	var specErr *SpecError
	require.ErrorAs(t, err, &specErr)
	assert.Equal(t, ReasonUnknownDependency, specErr.Reason)
}
