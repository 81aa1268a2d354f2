package timer

import (
	"testing"
	"time"
)

func TestParseSpecVariants(t *testing.T) {
	t.Parallel()
	tests := []struct {
		name     string
		raw      string
		kind     Kind
		source   string
		duration time.Duration
	}{
		{name: "cron", raw: "*/5 * * * *", kind: KindCron, source: "cron"},
		{name: "cron with seconds", raw: "0 30 9 * * *", kind: KindCron, source: "cron"},
		{name: "descriptor", raw: "@every 5m", kind: KindCron, source: "cron"},
		{name: "prefixed cron", raw: "cron:0 0 * * *", kind: KindCron, source: "cron"},
		{name: "duration", raw: "10m", kind: KindInterval, source: "duration", duration: 10 * time.Minute},
		{name: "prefixed interval", raw: "interval:45s", kind: KindInterval, source: "duration", duration: 45 * time.Second},
		{name: "hhmm", raw: "01:30", kind: KindInterval, source: "hhmm", duration: 90 * time.Minute},
	}

	for _, tt := range tests {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			got, err := ParseSpec(tt.raw)
			if err != nil {
				t.Fatalf("ParseSpec(%q) error: %v", tt.raw, err)
			}
			if got.Kind != tt.kind {
				t.Fatalf("Kind = %v, want %v", got.Kind, tt.kind)
			}
			if got.Source != tt.source {
				t.Fatalf("Source = %s, want %s", got.Source, tt.source)
			}
			if tt.kind == KindInterval && got.Every != tt.duration {
				t.Fatalf("Every = %v, want %v", got.Every, tt.duration)
			}
		})
	}
}

func TestParseSpecInvalid(t *testing.T) {
	t.Parallel()
	for _, raw := range []string{"", "not-a-schedule", "cron:", "* * *", "00:75", "-5m"} {
		if _, err := ParseSpec(raw); err == nil {
			t.Fatalf("ParseSpec(%q): expected error", raw)
		}
	}
}

func TestParseDelay(t *testing.T) {
	t.Parallel()
	cases := []struct {
		in   any
		want time.Duration
	}{
		{float64(250), 250 * time.Millisecond},
		{"2s", 2 * time.Second},
		{"00:01", time.Minute},
	}
	for _, tc := range cases {
		got, err := ParseDelay(tc.in)
		if err != nil || got != tc.want {
			t.Fatalf("ParseDelay(%v) = %v, %v; want %v", tc.in, got, err, tc.want)
		}
	}
	if _, err := ParseDelay(nil); err == nil {
		t.Fatal("expected error for missing delay")
	}
}
