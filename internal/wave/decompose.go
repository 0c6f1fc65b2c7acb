// Package wave schedules swarm agents in dependency-ordered waves with
// barrier semantics: a wave starts only when the previous one is done.
package wave

import (
	"fmt"

	"github.com/nextlevelbuilder/gasflow/internal/workspace"
)

// roleTable is the default decomposition, in assignment order.
var roleTable = []struct {
	role  string
	focus string
	wave  int
}{
	{"architect", "system design, interfaces, and task breakdown", 1},
	{"backend", "core services, business logic, and persistence", 2},
	{"frontend", "user-facing surfaces and client integration", 2},
	{"database", "schema, migrations, and query performance", 2},
	{"tester", "test coverage and regression protection", 3},
	{"integrator", "wiring components together and end-to-end flows", 3},
	{"documenter", "developer docs and operational runbooks", 3},
}

// Decomposition is a swarm plan ready for workspace.Init.
type Decomposition struct {
	Agents       []workspace.AgentSeed
	TotalWaves   int
	Dependencies map[string][]string
}

// Decompose assigns n agents roles and waves from the role table. A
// single agent gets the generalist treatment; larger swarms fill the
// table in order and cycle with numbered implementers after that.
func Decompose(objective string, n int) Decomposition {
	if n <= 0 {
		n = 1
	}
	if n == 1 {
		return Decomposition{
			Agents:       []workspace.AgentSeed{{ID: "agent-1", Role: "generalist", Focus: objective, Wave: 1}},
			TotalWaves:   1,
			Dependencies: map[string][]string{},
		}
	}

	d := Decomposition{Dependencies: map[string][]string{}}
	byWave := map[int][]string{}
	for i := 0; i < n; i++ {
		id := fmt.Sprintf("agent-%d", i+1)
		var role, focus string
		var wv int
		if i < len(roleTable) {
			role, focus, wv = roleTable[i].role, roleTable[i].focus, roleTable[i].wave
		} else {
			role = fmt.Sprintf("implementer-%d", i-len(roleTable)+1)
			focus = "additional implementation capacity"
			wv = 2
		}
		d.Agents = append(d.Agents, workspace.AgentSeed{ID: id, Role: role, Focus: focus, Wave: wv})
		byWave[wv] = append(byWave[wv], id)
		if wv > d.TotalWaves {
			d.TotalWaves = wv
		}
	}

	// Every agent depends on all agents of the previous wave.
	for _, seed := range d.Agents {
		if prev := byWave[seed.Wave-1]; len(prev) > 0 {
			d.Dependencies[seed.ID] = append([]string{}, prev...)
		}
	}
	return d
}
