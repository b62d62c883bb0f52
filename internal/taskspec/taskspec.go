// Package taskspec serializes the per-task pieces of a workflow graph
// (its trigger rule, dependency list, timeout, and retry policy) into the
// task_executions row at pipeline-creation time. The scheduler and
// executor decode these snapshots instead of consulting the in-memory
// workflow registry, so neither can be derailed by a registry that
// doesn't survive a crash or a process restart.
package taskspec

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/cloacina-dev/cloacina/internal/dag"
)

// Config is the task_configuration column: everything about a task except
// its trigger rule (which gets its own column, trigger_rules).
type Config struct {
	Dependencies []string        `json:"dependencies"`
	Timeout      time.Duration   `json:"timeout"`
	Retry        dag.RetryPolicy `json:"retry"`
}

func EncodeConfig(c Config) ([]byte, error) {
	b, err := json.Marshal(c)
	if err != nil {
		return nil, fmt.Errorf("encode task configuration: %w", err)
	}
	return b, nil
}

func DecodeConfig(b []byte) (Config, error) {
	var c Config
	if len(b) == 0 {
		return c, nil
	}
	if err := json.Unmarshal(b, &c); err != nil {
		return c, fmt.Errorf("decode task configuration: %w", err)
	}
	return c, nil
}

func EncodeRule(r dag.Rule) ([]byte, error) {
	b, err := json.Marshal(r)
	if err != nil {
		return nil, fmt.Errorf("encode trigger rule: %w", err)
	}
	return b, nil
}

func DecodeRule(b []byte) (dag.Rule, error) {
	var r dag.Rule
	if len(b) == 0 {
		return dag.Always(), nil
	}
	if err := json.Unmarshal(b, &r); err != nil {
		return r, fmt.Errorf("decode trigger rule: %w", err)
	}
	return r, nil
}

// NodeFromRow reconstructs the dag.Node this row was created from, so the
// scheduler can rebuild the pipeline's graph (and therefore its
// topological order) purely from persisted rows.
func NodeFromRow(taskName string, ruleBytes, configBytes []byte) (dag.Node, error) {
	rule, err := DecodeRule(ruleBytes)
	if err != nil {
		return dag.Node{}, err
	}
	cfg, err := DecodeConfig(configBytes)
	if err != nil {
		return dag.Node{}, err
	}
	return dag.Node{
		Name:         taskName,
		Dependencies: cfg.Dependencies,
		Rule:         rule,
		Retry:        cfg.Retry,
		Timeout:      cfg.Timeout,
	}, nil
}
