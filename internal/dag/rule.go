package dag

import (
	"fmt"

	"github.com/cloacina-dev/cloacina/internal/domain"
)

// RuleKind identifies one node in a trigger rule expression tree.
type RuleKind string

const (
	RuleTaskSuccess  RuleKind = "task_success"
	RuleTaskFailed   RuleKind = "task_failed"
	RuleContextValue RuleKind = "context_value"
	RuleAlways       RuleKind = "always"
	RuleNever        RuleKind = "never"
	RuleAll          RuleKind = "all"
	RuleAny          RuleKind = "any"
)

// CompareOp is the comparison a context_value leaf applies against a literal.
type CompareOp string

const (
	OpEquals      CompareOp = "equals"
	OpGreaterThan CompareOp = "greater_than"
	OpLessThan    CompareOp = "less_than"
	OpNotEquals   CompareOp = "not_equals"
)

// Rule is one node of a trigger rule expression tree: a leaf (task_success,
// task_failed, context_value, always, never) or a composition (all, any) of
// child rules.
type Rule struct {
	Kind     RuleKind
	TaskName string // task_success / task_failed
	Key      string // context_value
	Op       CompareOp
	Literal  any
	Children []Rule // all / any
}

func TaskSuccess(taskName string) Rule { return Rule{Kind: RuleTaskSuccess, TaskName: taskName} }
func TaskFailed(taskName string) Rule  { return Rule{Kind: RuleTaskFailed, TaskName: taskName} }
func Always() Rule                     { return Rule{Kind: RuleAlways} }
func Never() Rule                      { return Rule{Kind: RuleNever} }

func ContextValue(key string, op CompareOp, literal any) Rule {
	return Rule{Kind: RuleContextValue, Key: key, Op: op, Literal: literal}
}

func All(rules ...Rule) Rule { return Rule{Kind: RuleAll, Children: rules} }
func Any(rules ...Rule) Rule { return Rule{Kind: RuleAny, Children: rules} }

// DefaultRule is what a task descriptor gets when it declares no trigger rule
// of its own: all declared dependencies must have succeeded. An empty
// dependency list reduces to Always.
func DefaultRule(deps []string) Rule {
	children := make([]Rule, len(deps))
	for i, d := range deps {
		children[i] = TaskSuccess(d)
	}
	return All(children...)
}

// EvalContext is the view of live state a rule is evaluated against: the
// terminal status of every task the pipeline knows about, and the current
// merged context snapshot.
type EvalContext struct {
	TaskStatus map[string]domain.TaskStatus
	Context    map[string]any
}

// Evaluate walks the rule tree against ec. An error means the rule references
// a task name the DAG does not contain; this should only ever happen if a
// rule was built without going through the DAG's own validation.
func (r Rule) Evaluate(ec EvalContext) (bool, error) {
	switch r.Kind {
	case RuleAlways:
		return true, nil
	case RuleNever:
		return false, nil
	case RuleTaskSuccess:
		status, ok := ec.TaskStatus[r.TaskName]
		if !ok {
			return false, fmt.Errorf("rule references unknown task %q", r.TaskName)
		}
		return status == domain.TaskCompleted, nil
	case RuleTaskFailed:
		status, ok := ec.TaskStatus[r.TaskName]
		if !ok {
			return false, fmt.Errorf("rule references unknown task %q", r.TaskName)
		}
		return status == domain.TaskFailed, nil
	case RuleContextValue:
		v, present := ec.Context[r.Key]
		if !present {
			return false, nil
		}
		return compare(v, r.Op, r.Literal)
	case RuleAll:
		for _, child := range r.Children {
			ok, err := child.Evaluate(ec)
			if err != nil {
				return false, err
			}
			if !ok {
				return false, nil
			}
		}
		return true, nil
	case RuleAny:
		for _, child := range r.Children {
			ok, err := child.Evaluate(ec)
			if err != nil {
				return false, err
			}
			if ok {
				return true, nil
			}
		}
		return false, nil
	default:
		return false, fmt.Errorf("unknown rule kind %q", r.Kind)
	}
}

// Dependencies returns the set of task names this rule's task_success/
// task_failed leaves reference, used by the DAG builder to check that every
// referenced task exists in the workflow.
func (r Rule) Dependencies() []string {
	var names []string
	var walk func(Rule)
	walk = func(rule Rule) {
		switch rule.Kind {
		case RuleTaskSuccess, RuleTaskFailed:
			names = append(names, rule.TaskName)
		case RuleAll, RuleAny:
			for _, c := range rule.Children {
				walk(c)
			}
		}
	}
	walk(r)
	return names
}

func compare(v any, op CompareOp, literal any) (bool, error) {
	switch op {
	case OpEquals:
		return v == literal, nil
	case OpNotEquals:
		return v != literal, nil
	case OpGreaterThan, OpLessThan:
		lf, lok := toFloat(v)
		rf, rok := toFloat(literal)
		if !lok || !rok {
			return false, fmt.Errorf("context_value comparison requires numeric operands, got %T and %T", v, literal)
		}
		if op == OpGreaterThan {
			return lf > rf, nil
		}
		return lf < rf, nil
	default:
		return false, fmt.Errorf("unknown comparison op %q", op)
	}
}

func toFloat(v any) (float64, bool) {
	switch n := v.(type) {
	case float64:
		return n, true
	case float32:
		return float64(n), true
	case int:
		return float64(n), true
	case int32:
		return float64(n), true
	case int64:
		return float64(n), true
	default:
		return 0, false
	}
}
