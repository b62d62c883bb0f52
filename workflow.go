package cloacina

import (
	"fmt"

	"github.com/cloacina-dev/cloacina/internal/dag"
)

// Workflow is a named, versioned set of task descriptors. NewWorkflow
// validates it once (unique ids, known dependencies, an acyclic graph with a deterministic
// topological order) before it can be registered with a Runner.
type Workflow struct {
	Name         string
	VersionFP    string
	Tasks        []TaskDescriptor
	graph        *dag.Graph
	invokeByTask map[string]TaskFunc
}

// NewWorkflow validates tasks into a Workflow. version is a caller-supplied
// fingerprint (e.g. a content hash of the workflow's own definition); it is
// stored alongside every pipeline execution created from this workflow but
// not otherwise interpreted by the engine.
func NewWorkflow(name, version string, tasks ...TaskDescriptor) (*Workflow, error) {
	nodes := make([]dag.Node, 0, len(tasks))
	invokeByTask := make(map[string]TaskFunc, len(tasks))

	for _, t := range tasks {
		if t.ID == "" {
			return nil, fmt.Errorf("task descriptor has empty id")
		}
		if t.Invoke == nil {
			return nil, fmt.Errorf("task %q has no invoke function", t.ID)
		}
		rule := t.Rule
		if rule.Kind == "" {
			rule = dag.DefaultRule(t.Dependencies)
		}
		retry := t.Retry
		if retry.Attempts == 0 {
			retry = DefaultRetryPolicy()
		}
		nodes = append(nodes, dag.Node{
			Name:         t.ID,
			Dependencies: t.Dependencies,
			Rule:         rule,
			Retry:        retry.toDAG(),
			Timeout:      t.Timeout,
		})
		invokeByTask[t.ID] = t.Invoke
	}

	graph, err := dag.Build(name, version, nodes)
	if err != nil {
		return nil, fmt.Errorf("build workflow %q: %w", name, err)
	}

	return &Workflow{
		Name:         name,
		VersionFP:    version,
		Tasks:        tasks,
		graph:        graph,
		invokeByTask: invokeByTask,
	}, nil
}

// lookup resolves a task body by name; it satisfies executor.Registry
// through Runner.Lookup, which fans out across every registered workflow.
func (w *Workflow) lookup(taskName string) (TaskFunc, bool) {
	fn, ok := w.invokeByTask[taskName]
	return fn, ok
}
