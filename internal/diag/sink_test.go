package diag

import (
	"bytes"
	"errors"
	"fmt"
	"strings"
	"testing"

	"cmdqueue/internal/eventbus"
	logx "cmdqueue/pkg/logx"
)

func TestIsKindThroughWrapping(t *testing.T) {
	base := &Error{Kind: KindState, Pid: 3, Op: "internals.nop", Msg: "not running"}
	wrapped := fmt.Errorf("finish: %w", base)

	if !IsKind(wrapped, KindState) {
		t.Fatal("expected state kind through wrapping")
	}
	if IsKind(wrapped, KindParse) {
		t.Fatal("unexpected parse kind")
	}
	if KindOf(errors.New("plain")) != "" {
		t.Fatal("plain errors have no kind")
	}
	if got := base.Error(); !strings.Contains(got, "pid=3") || !strings.Contains(got, "[internals.nop]") {
		t.Fatalf("unexpected message %q", got)
	}
	if Wrap(KindRuntime, 1, "x", nil) != nil {
		t.Fatal("Wrap(nil) must be nil")
	}
}

func TestSinkRecordsPublishesAndBoundsHistory(t *testing.T) {
	bus := eventbus.New()
	ch, unsub := bus.SubscribePrefix(eventbus.DiagPrefix, 16)
	defer unsub()

	s := NewSink(logx.Nop(), bus, Options{History: 2})
	s.Report(New(KindParse, "", "one"))
	s.Report(New(KindDispatch, "net.open", "two"))
	s.Report(errors.New("three"))

	h := s.History()
	if len(h) != 2 {
		t.Fatalf("history len = %d, want 2", len(h))
	}
	if h[0].Kind != KindDispatch || h[1].Kind != KindRuntime {
		t.Fatalf("unexpected kinds: %+v", h)
	}
	if h[0].ID == "" || h[0].ID == h[1].ID {
		t.Fatalf("expected distinct ids: %q %q", h[0].ID, h[1].ID)
	}

	var types []string
	for len(ch) > 0 {
		types = append(types, (<-ch).Type)
	}
	want := []string{"diag.parse", "diag.dispatch", "diag.runtime"}
	if strings.Join(types, ",") != strings.Join(want, ",") {
		t.Fatalf("events = %v, want %v", types, want)
	}
}

func TestSinkThrottlesLogsButKeepsRecords(t *testing.T) {
	var buf bytes.Buffer
	s := NewSink(logx.NewWriter(&buf, "debug"), nil, Options{RatePerSec: 0.001, Burst: 1})

	for i := 0; i < 5; i++ {
		s.Report(New(KindChain, "q", "halt"))
	}
	if n := strings.Count(buf.String(), "\n"); n != 1 {
		t.Fatalf("logged %d lines, want 1", n)
	}
	if s.Suppressed() != 4 {
		t.Fatalf("suppressed = %d, want 4", s.Suppressed())
	}
	if len(s.History()) != 5 {
		t.Fatalf("history = %d, want 5", len(s.History()))
	}
}
