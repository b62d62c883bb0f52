package cloacina_test

import (
	"context"
	"testing"

	"github.com/cloacina-dev/cloacina"
)

func noopInvoke(context.Context, *cloacina.Context) error { return nil }

func TestNewWorkflow_BuildsValidGraph(t *testing.T) {
	w, err := cloacina.NewWorkflow("order-fulfillment", "v1",
		cloacina.TaskDescriptor{ID: "validate_order", Invoke: noopInvoke},
		cloacina.TaskDescriptor{ID: "ship_order", Dependencies: []string{"validate_order"}, Invoke: noopInvoke},
	)
	if err != nil {
		t.Fatalf("NewWorkflow: %v", err)
	}
	if w.Name != "order-fulfillment" || w.VersionFP != "v1" {
		t.Fatalf("got %+v", w)
	}
	if len(w.Tasks) != 2 {
		t.Fatalf("got %d tasks, want 2", len(w.Tasks))
	}
}

func TestNewWorkflow_RejectsEmptyTaskID(t *testing.T) {
	_, err := cloacina.NewWorkflow("w", "v1", cloacina.TaskDescriptor{Invoke: noopInvoke})
	if err == nil {
		t.Fatal("expected an error for an empty task id")
	}
}

func TestNewWorkflow_RejectsMissingInvoke(t *testing.T) {
	_, err := cloacina.NewWorkflow("w", "v1", cloacina.TaskDescriptor{ID: "a"})
	if err == nil {
		t.Fatal("expected an error for a missing invoke function")
	}
}

func TestNewWorkflow_RejectsUnknownDependency(t *testing.T) {
	_, err := cloacina.NewWorkflow("w", "v1",
		cloacina.TaskDescriptor{ID: "a", Dependencies: []string{"nonexistent"}, Invoke: noopInvoke},
	)
	if err == nil {
		t.Fatal("expected an error for an unknown dependency")
	}
}

func TestNewWorkflow_RejectsCycle(t *testing.T) {
	_, err := cloacina.NewWorkflow("w", "v1",
		cloacina.TaskDescriptor{ID: "a", Dependencies: []string{"b"}, Invoke: noopInvoke},
		cloacina.TaskDescriptor{ID: "b", Dependencies: []string{"a"}, Invoke: noopInvoke},
	)
	if err == nil {
		t.Fatal("expected an error for a cyclic dependency graph")
	}
}
