package statedoc_test

import (
	"reflect"
	"testing"

	"maestro/internal/statedoc"
)

func TestMergeNestedMaps(t *testing.T) {
	base := statedoc.Doc{"a": map[string]any{"x": 1}}
	patch := statedoc.Doc{"a": map[string]any{"y": 2}}

	got := statedoc.Merge(base, patch)
	want := statedoc.Doc{"a": map[string]any{"x": 1, "y": 2}}
	if !reflect.DeepEqual(got, want) {
		t.Fatalf("merge mismatch: got %#v, want %#v", got, want)
	}
}

func TestMergeEmptyObjectClearsKey(t *testing.T) {
	base := statedoc.Doc{"a": map[string]any{"x": 1}, "b": "keep"}
	patch := statedoc.Doc{"a": map[string]any{}}

	got := statedoc.Merge(base, patch)
	cleared, ok := got["a"].(map[string]any)
	if !ok || len(cleared) != 0 {
		t.Fatalf("expected key a cleared to empty object, got %#v", got["a"])
	}
	if got["b"] != "keep" {
		t.Fatalf("unrelated key mutated: %#v", got["b"])
	}
}

func TestMergeScalarReplacesMap(t *testing.T) {
	base := statedoc.Doc{"a": map[string]any{"x": 1}}
	got := statedoc.Merge(base, statedoc.Doc{"a": "flat"})
	if got["a"] != "flat" {
		t.Fatalf("expected scalar replacement, got %#v", got["a"])
	}
}

func TestMergeDoesNotMutateInputs(t *testing.T) {
	base := statedoc.Doc{"a": map[string]any{"x": 1}}
	patch := statedoc.Doc{"a": map[string]any{"y": 2}}
	_ = statedoc.Merge(base, patch)

	if _, ok := base["a"].(map[string]any)["y"]; ok {
		t.Fatal("base was mutated by merge")
	}
}

func TestPatchBuildsNestedPath(t *testing.T) {
	got := statedoc.Patch("candidates.lyrics.attempt", 2)
	if v, _ := statedoc.GetFloat(got, "candidates.lyrics.attempt"); int(v) != 2 {
		t.Fatalf("unexpected patch document: %#v", got)
	}
}

func TestGetMissingPath(t *testing.T) {
	doc := statedoc.Doc{"a": map[string]any{"b": "v"}}
	if statedoc.Get(doc, "a.missing.c") != nil {
		t.Fatal("expected nil for missing path")
	}
	if statedoc.GetString(doc, "a.b") != "v" {
		t.Fatal("expected value at a.b")
	}
}

func TestJSONRoundTrip(t *testing.T) {
	raw := `{"graph":{"stage":"plan"},"lyrics_text":"la la"}`
	doc, err := statedoc.FromJSON(raw)
	if err != nil {
		t.Fatalf("FromJSON failed: %v", err)
	}
	if statedoc.GetString(doc, "graph.stage") != "plan" {
		t.Fatalf("unexpected decode: %#v", doc)
	}
	encoded, err := statedoc.ToJSON(doc)
	if err != nil {
		t.Fatalf("ToJSON failed: %v", err)
	}
	back, err := statedoc.FromJSON(encoded)
	if err != nil {
		t.Fatalf("FromJSON round trip failed: %v", err)
	}
	if !reflect.DeepEqual(doc, back) {
		t.Fatalf("round trip mismatch: %#v vs %#v", doc, back)
	}
}

func TestFromJSONEmpty(t *testing.T) {
	doc, err := statedoc.FromJSON("")
	if err != nil || doc == nil || len(doc) != 0 {
		t.Fatalf("expected empty document, got %#v err=%v", doc, err)
	}
}
