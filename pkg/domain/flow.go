package domain

import (
	"encoding/json"
	"fmt"
)

// StepNode is one child node of a flow graph: the declarative description of a
// step before it becomes a queue job. DependsOn names step *types* within the
// same graph; queue submission resolves them to concrete job references.
type StepNode struct {
	Type      StepType        `json:"type"`
	Input     json.RawMessage `json:"input,omitempty"`
	DependsOn []StepType      `json:"dependsOn,omitempty"`
	Retry     RetryPolicy     `json:"retry"`
}

// Graph is the in-memory flow produced by a builder: one implicit parent
// aggregation point plus the child step nodes. It is built once per task
// submission, validated, handed to the queue and then discarded; the durable
// representation lives in the queue store.
type Graph struct {
	TaskID   string     `json:"taskId"`
	TaskType TaskType   `json:"taskType"`
	Steps    []StepNode `json:"steps"`
}

// Validate checks the structural invariants the engine relies on: the graph is
// non-empty, step types are unique, every declared dependency exists among the
// graph's own children and the dependency relation is acyclic.
func (g *Graph) Validate() error {
	if g.TaskID == "" {
		return fmt.Errorf("graph: missing task id")
	}
	if len(g.Steps) == 0 {
		return fmt.Errorf("graph %s: no steps", g.TaskID)
	}
	nodes := make(map[StepType]StepNode, len(g.Steps))
	for _, n := range g.Steps {
		if n.Type == "" {
			return fmt.Errorf("graph %s: step with empty type", g.TaskID)
		}
		if _, dup := nodes[n.Type]; dup {
			return fmt.Errorf("graph %s: duplicate step %q", g.TaskID, n.Type)
		}
		nodes[n.Type] = n
	}
	indegree := make(map[StepType]int, len(g.Steps))
	dependents := make(map[StepType][]StepType, len(g.Steps))
	for _, n := range g.Steps {
		for _, dep := range n.DependsOn {
			if dep == n.Type {
				return fmt.Errorf("graph %s: step %q depends on itself", g.TaskID, n.Type)
			}
			if _, ok := nodes[dep]; !ok {
				return fmt.Errorf("graph %s: step %q depends on unknown step %q", g.TaskID, n.Type, dep)
			}
			indegree[n.Type]++
			dependents[dep] = append(dependents[dep], n.Type)
		}
	}

	// Kahn's algorithm: if anything remains after draining zero-indegree
	// nodes, the dependency relation has a cycle.
	ready := make([]StepType, 0, len(g.Steps))
	for _, n := range g.Steps {
		if indegree[n.Type] == 0 {
			ready = append(ready, n.Type)
		}
	}
	visited := 0
	for len(ready) > 0 {
		cur := ready[len(ready)-1]
		ready = ready[:len(ready)-1]
		visited++
		for _, next := range dependents[cur] {
			indegree[next]--
			if indegree[next] == 0 {
				ready = append(ready, next)
			}
		}
	}
	if visited != len(g.Steps) {
		return fmt.Errorf("graph %s: dependency cycle", g.TaskID)
	}
	return nil
}

// Step returns the node for a step type, if present.
func (g *Graph) Step(t StepType) (StepNode, bool) {
	for _, n := range g.Steps {
		if n.Type == t {
			return n, true
		}
	}
	return StepNode{}, false
}
