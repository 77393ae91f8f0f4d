package spec

import (
	"sync"

	"github.com/forgeline/phasor/pkg/models"
)

// DependencyGraph tracks which phases are unblocked as the job advances.
// All methods are safe for concurrent use.
type DependencyGraph struct {
	mu         sync.Mutex
	phases     map[string]models.PhaseSpec
	inDegree   map[string]int      // Unmet dependencies per phase
	dependents map[string][]string // Phases waiting on this phase
	failed     map[string]bool
}

// NewDependencyGraph builds a graph from validated phase specs. It rejects
// unknown dependencies and cycles with a *SpecError.
func NewDependencyGraph(phases []models.PhaseSpec) (*DependencyGraph, error) {
	g := &DependencyGraph{
		phases:     make(map[string]models.PhaseSpec, len(phases)),
		inDegree:   make(map[string]int, len(phases)),
		dependents: make(map[string][]string, len(phases)),
		failed:     make(map[string]bool),
	}

	for _, phase := range phases {
		g.phases[phase.ID] = phase
		g.inDegree[phase.ID] = 0
	}

	for _, phase := range phases {
		for _, dep := range phase.Dependencies {
			if _, ok := g.phases[dep]; !ok {
				return nil, &SpecError{
					Field:  "phases." + phase.ID + ".dependencies",
					Reason: ReasonUnknownDependency,
					Detail: dep,
				}
			}

			g.inDegree[phase.ID]++
			g.dependents[dep] = append(g.dependents[dep], phase.ID)
		}
	}

	if err := g.detectCycle(); err != nil {
		return nil, err
	}

	return g, nil
}

// detectCycle runs Kahn's algorithm over a scratch copy of the in-degrees.
func (g *DependencyGraph) detectCycle() error {
	degree := make(map[string]int, len(g.inDegree))
	for id, d := range g.inDegree {
		degree[id] = d
	}

	var queue []string

	for id, d := range degree {
		if d == 0 {
			queue = append(queue, id)
		}
	}

	ordered := 0

	for len(queue) > 0 {
		id := queue[0]
		queue = queue[1:]
		ordered++

		for _, next := range g.dependents[id] {
			degree[next]--
			if degree[next] == 0 {
				queue = append(queue, next)
			}
		}
	}

	if ordered != len(g.phases) {
		return &SpecError{Field: "phases", Reason: ReasonCyclicDependency}
	}

	return nil
}

// Ready returns every phase whose dependencies are all satisfied, excluding
// phases downstream of a failure.
func (g *DependencyGraph) Ready() []models.PhaseSpec {
	g.mu.Lock()
	defer g.mu.Unlock()

	var ready []models.PhaseSpec

	for id, d := range g.inDegree {
		if d == 0 && !g.blockedByFailure(id) {
			ready = append(ready, g.phases[id])
		}
	}

	return ready
}

// MarkCompleted records a finished phase and returns the phases it unblocked.
func (g *DependencyGraph) MarkCompleted(phaseID string) []models.PhaseSpec {
	g.mu.Lock()
	defer g.mu.Unlock()

	var unblocked []models.PhaseSpec

	for _, next := range g.dependents[phaseID] {
		g.inDegree[next]--
		if g.inDegree[next] == 0 && !g.blockedByFailure(next) {
			unblocked = append(unblocked, g.phases[next])
		}
	}

	delete(g.inDegree, phaseID)

	return unblocked
}

// MarkFailed records a failed phase. Its transitive dependents never become
// ready.
func (g *DependencyGraph) MarkFailed(phaseID string) {
	g.mu.Lock()
	defer g.mu.Unlock()

	g.failed[phaseID] = true
	delete(g.inDegree, phaseID)
}

// Blocked returns the ids of phases that can no longer run because an
// upstream phase failed.
func (g *DependencyGraph) Blocked() []string {
	g.mu.Lock()
	defer g.mu.Unlock()

	var blocked []string

	for id := range g.inDegree {
		if g.blockedByFailure(id) {
			blocked = append(blocked, id)
		}
	}

	return blocked
}

// Done reports whether no remaining phase can ever become ready. Phases
// still waiting on a running dependency keep the graph open.
func (g *DependencyGraph) Done() bool {
	g.mu.Lock()
	defer g.mu.Unlock()

	for id := range g.inDegree {
		if !g.blockedByFailure(id) {
			return false
		}
	}

	return true
}

// Remaining returns the number of phases not yet completed or failed.
func (g *DependencyGraph) Remaining() int {
	g.mu.Lock()
	defer g.mu.Unlock()

	return len(g.inDegree)
}

// blockedByFailure walks the phase's dependency chain for failed ancestors.
// Callers hold g.mu.
func (g *DependencyGraph) blockedByFailure(phaseID string) bool {
	for _, dep := range g.phases[phaseID].Dependencies {
		if g.failed[dep] {
			return true
		}

		if _, pending := g.inDegree[dep]; pending && g.blockedByFailure(dep) {
			return true
		}
	}

	return false
}
