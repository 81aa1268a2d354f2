package register

import (
	"strings"
	"testing"
)

func TestSet(t *testing.T) {
	s := New()
	if !s.Add("gateA") {
		t.Fatal("first Add should report true")
	}
	if s.Add("gateA") {
		t.Fatal("second Add should report false")
	}
	if s.Add("  ") {
		t.Fatal("blank names are ignored")
	}
	s.Add("b")
	if !s.Has("gateA") || s.Has("nope") {
		t.Fatal("Has mismatch")
	}
	if got := strings.Join(s.List(), ","); got != "b,gateA" {
		t.Fatalf("List = %q", got)
	}
	if !s.Remove("gateA") || s.Remove("gateA") {
		t.Fatal("Remove should report presence once")
	}
	if s.Has("gateA") {
		t.Fatal("gateA should be gone")
	}
}
