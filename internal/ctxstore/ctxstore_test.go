package ctxstore_test

import (
	"errors"
	"testing"
	"time"

	"github.com/cloacina-dev/cloacina/internal/ctxstore"
	"github.com/cloacina-dev/cloacina/internal/domain"
)

func TestContentHash_Deterministic(t *testing.T) {
	payload := map[string]any{"b": 2, "a": 1}
	h1, canon1, err := ctxstore.ContentHash(payload)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	h2, canon2, err := ctxstore.ContentHash(map[string]any{"a": 1, "b": 2})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if h1 != h2 {
		t.Errorf("hash of equivalent maps differs: %q vs %q", h1, h2)
	}
	if string(canon1) != string(canon2) {
		t.Errorf("canonical form differs despite key reordering: %s vs %s", canon1, canon2)
	}
}

func TestContentHash_DifferentPayload_DifferentHash(t *testing.T) {
	h1, _, _ := ctxstore.ContentHash(map[string]any{"a": 1})
	h2, _, _ := ctxstore.ContentHash(map[string]any{"a": 2})
	if h1 == h2 {
		t.Error("different payloads should not collide")
	}
}

func TestDecode_RoundTrips(t *testing.T) {
	_, canonical, err := ctxstore.ContentHash(map[string]any{"x": "y"})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	decoded, err := ctxstore.Decode(canonical)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if decoded["x"] != "y" {
		t.Errorf("decoded[x] = %v, want y", decoded["x"])
	}
}

func TestMergeInputs_RootIsLowestPrecedence(t *testing.T) {
	root := map[string]any{"k": "root"}
	deps := []ctxstore.DepOutput{
		{TaskName: "a", CompletedAt: time.Unix(100, 0), Values: map[string]any{"k": "from-a"}},
	}
	merged := ctxstore.MergeInputs(root, deps)
	if merged["k"] != "from-a" {
		t.Errorf("k = %v, want from-a (dependency overrides root)", merged["k"])
	}
}

func TestMergeInputs_LaterCompletedWins(t *testing.T) {
	deps := []ctxstore.DepOutput{
		{TaskName: "early", CompletedAt: time.Unix(100, 0), Values: map[string]any{"k": "early"}},
		{TaskName: "late", CompletedAt: time.Unix(200, 0), Values: map[string]any{"k": "late"}},
	}
	merged := ctxstore.MergeInputs(nil, deps)
	if merged["k"] != "late" {
		t.Errorf("k = %v, want late (most recently completed wins)", merged["k"])
	}
}

func TestMergeInputs_TieBreaksByTaskName(t *testing.T) {
	same := time.Unix(100, 0)
	deps := []ctxstore.DepOutput{
		{TaskName: "zeta", CompletedAt: same, Values: map[string]any{"k": "zeta"}},
		{TaskName: "alpha", CompletedAt: same, Values: map[string]any{"k": "alpha"}},
	}
	merged := ctxstore.MergeInputs(nil, deps)
	if merged["k"] != "zeta" {
		t.Errorf("k = %v, want zeta (alphabetically later task wins a timestamp tie)", merged["k"])
	}
}

func TestTaskContext_InsertThenInsertAgain_Fails(t *testing.T) {
	tc := ctxstore.NewTaskContext(nil)
	if err := tc.Insert("k", "v1"); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	err := tc.Insert("k", "v2")
	if !errors.Is(err, domain.ErrContextKeyExists) {
		t.Errorf("want ErrContextKeyExists, got %v", err)
	}
}

func TestTaskContext_UpdateOverwritesWithoutError(t *testing.T) {
	tc := ctxstore.NewTaskContext(nil)
	_ = tc.Insert("k", "v1")
	tc.Update("k", "v2")
	v, ok := tc.Get("k")
	if !ok || v != "v2" {
		t.Errorf("Get(k) = %v, %v; want v2, true", v, ok)
	}
}

func TestTaskContext_GetFallsBackToSnapshot(t *testing.T) {
	tc := ctxstore.NewTaskContext(map[string]any{"upstream": "value"})
	v, ok := tc.Get("upstream")
	if !ok || v != "value" {
		t.Errorf("Get(upstream) = %v, %v; want value, true", v, ok)
	}
}

func TestTaskContext_Output_OnlyContainsWrites(t *testing.T) {
	tc := ctxstore.NewTaskContext(map[string]any{"upstream": "value"})
	_ = tc.Insert("own", "mine")
	out := tc.Output()
	if _, ok := out["upstream"]; ok {
		t.Error("output should not include upstream snapshot keys the task never wrote")
	}
	if out["own"] != "mine" {
		t.Errorf("output[own] = %v, want mine", out["own"])
	}
}

func TestTaskContext_Keys_SortedAndDeduped(t *testing.T) {
	tc := ctxstore.NewTaskContext(map[string]any{"b": 1, "a": 2})
	_ = tc.Insert("c", 3)
	tc.Update("a", 99)
	keys := tc.Keys()
	want := []string{"a", "b", "c"}
	if len(keys) != len(want) {
		t.Fatalf("Keys() = %v, want %v", keys, want)
	}
	for i := range want {
		if keys[i] != want[i] {
			t.Errorf("Keys()[%d] = %q, want %q", i, keys[i], want[i])
		}
	}
}
