package prepared

import (
	"testing"

	"cmdqueue/internal/command"
)

func TestRegistryCopiesInAndOut(t *testing.T) {
	r := New()
	tpl := &command.Entry{Queueable: "internals", Command: "nop", JSON: map[string]any{"a": 1},
		Options: command.Options{Statement: `has_register("x")`}}
	if r.Put("greet", tpl) {
		t.Fatal("first Put should not report a replacement")
	}

	// Mutating the source after Put must not leak into the registry.
	tpl.JSON.(map[string]any)["a"] = 2

	got, ok := r.Get("greet")
	if !ok {
		t.Fatal("template missing")
	}
	if got.Args()["a"] != 1 {
		t.Fatalf("stored template changed: %v", got.JSON)
	}
	got.JSON.(map[string]any)["a"] = 3
	again, _ := r.Get("greet")
	if again.Args()["a"] != 1 {
		t.Fatal("Get must return an independent copy")
	}

	if st, ok := r.Statement("greet"); !ok || st != `has_register("x")` {
		t.Fatalf("Statement = (%q, %v)", st, ok)
	}
	if !r.Put("greet", tpl) {
		t.Fatal("second Put should report a replacement")
	}
	if names := r.Names(); len(names) != 1 || names[0] != "greet" {
		t.Fatalf("names = %v", r.Names())
	}
	if !r.Delete("greet") || r.Delete("greet") {
		t.Fatal("Delete should report presence once")
	}
	if _, ok := r.Get("greet"); ok {
		t.Fatal("template should be gone")
	}
}
