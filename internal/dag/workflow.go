package dag

import (
	"fmt"
	"sort"
	"time"

	"github.com/cloacina-dev/cloacina/internal/domain"
)

// Node is one task's position in the graph: its dependency edges and its
// trigger rule. It carries no invocation behavior; that lives on the
// host-facing task descriptor.
type Node struct {
	Name         string
	Dependencies []string
	Rule         Rule
	Retry        RetryPolicy
	Timeout      time.Duration
}

// RetryPolicy mirrors the per-task retry configuration understood by the
// retry policy engine. It is redeclared here (rather than imported from
// internal/retry) so the DAG package stays free of a dependency on the
// component that consumes it.
type RetryPolicy struct {
	Attempts       int
	InitialDelay   time.Duration
	MaxDelay       time.Duration
	Backoff        domain.Backoff
	Jitter         bool
	RetryCondition domain.RetryCondition
}

// DefaultRetryPolicy matches the defaults a task gets when it declares none
// of its own: 3 attempts, 1s initial delay, 30s cap, exponential backoff with
// jitter, retrying only transient failures.
func DefaultRetryPolicy() RetryPolicy {
	return RetryPolicy{
		Attempts:       3,
		InitialDelay:   time.Second,
		MaxDelay:       30 * time.Second,
		Backoff:        domain.BackoffExponential,
		Jitter:         true,
		RetryCondition: domain.RetryTransientOnly,
	}
}

// Graph is a validated, acyclic workflow: every node's dependencies are
// known nodes, and a topological order has been computed once at build time.
type Graph struct {
	Name            string
	VersionFP       string
	Nodes           map[string]Node
	TopologicalOrder []string
}

// CycleError is raised at build time when the dependency graph contains a
// cycle; it names every node the topological sort could not order, which is
// the nodes on the cycle plus any node downstream of it.
type CycleError struct {
	Nodes []string
}

func (e *CycleError) Error() string {
	return fmt.Sprintf("cycle detected among tasks: %v", e.Nodes)
}

// Build validates nodes (unique names, known dependencies, rules that only
// reference tasks of this workflow), computes a deterministic topological
// order, and rejects cycles.
func Build(name, versionFP string, nodes []Node) (*Graph, error) {
	byName := make(map[string]Node, len(nodes))
	for _, n := range nodes {
		if _, dup := byName[n.Name]; dup {
			return nil, fmt.Errorf("duplicate task name %q", n.Name)
		}
		byName[n.Name] = n
	}

	for _, n := range nodes {
		for _, dep := range n.Dependencies {
			if _, ok := byName[dep]; !ok {
				return nil, fmt.Errorf("task %q declares unknown dependency %q", n.Name, dep)
			}
		}
		for _, ref := range n.Rule.Dependencies() {
			if _, ok := byName[ref]; !ok {
				return nil, fmt.Errorf("task %q's trigger rule references unknown task %q", n.Name, ref)
			}
		}
	}

	order, err := topologicalSort(byName)
	if err != nil {
		return nil, err
	}

	return &Graph{Name: name, VersionFP: versionFP, Nodes: byName, TopologicalOrder: order}, nil
}

// topologicalSort runs Kahn's algorithm, breaking ties by name so the
// resulting order is deterministic across runs for the same graph shape.
func topologicalSort(nodes map[string]Node) ([]string, error) {
	inDegree := make(map[string]int, len(nodes))
	dependents := make(map[string][]string, len(nodes))
	for name := range nodes {
		inDegree[name] = 0
	}
	for name, n := range nodes {
		for _, dep := range n.Dependencies {
			inDegree[name]++
			dependents[dep] = append(dependents[dep], name)
		}
	}

	var ready []string
	for name, deg := range inDegree {
		if deg == 0 {
			ready = append(ready, name)
		}
	}
	sort.Strings(ready)

	order := make([]string, 0, len(nodes))
	for len(ready) > 0 {
		sort.Strings(ready)
		next := ready[0]
		ready = ready[1:]
		order = append(order, next)

		children := append([]string(nil), dependents[next]...)
		sort.Strings(children)
		for _, child := range children {
			inDegree[child]--
			if inDegree[child] == 0 {
				ready = append(ready, child)
			}
		}
	}

	if len(order) != len(nodes) {
		var cyclic []string
		for name, deg := range inDegree {
			if deg > 0 {
				cyclic = append(cyclic, name)
			}
		}
		sort.Strings(cyclic)
		return nil, &CycleError{Nodes: cyclic}
	}
	return order, nil
}
