package schedule

import (
	"testing"
	"time"

	"cronkeeper/internal/fault"
)

func at(h, m int) time.Time {
	return time.Date(2025, time.March, 14, h, m, 27, 0, time.UTC)
}

func TestIsDueEveryMinute(t *testing.T) {
	t.Parallel()
	for h := 0; h < 24; h++ {
		for m := 0; m < 60; m++ {
			if !IsDue(EveryMinute, at(h, m)) {
				t.Fatalf("every minute not due at %02d:%02d", h, m)
			}
		}
	}
}

func TestIsDueGrid(t *testing.T) {
	t.Parallel()
	exprs := []struct {
		name string
		expr Expression
		want func(h, m int) bool
	}{
		{name: "hourly", expr: Hourly, want: func(h, m int) bool { return m == 0 }},
		{name: "daily", expr: Daily, want: func(h, m int) bool { return h == 0 && m == 0 }},
		{name: "at 14:30", expr: At(14, 30), want: func(h, m int) bool { return h == 14 && m == 30 }},
		{name: "at 00:05", expr: At(0, 5), want: func(h, m int) bool { return h == 0 && m == 5 }},
		{name: "unrecognized", expr: "*/5 * * * *", want: func(h, m int) bool { return false }},
		{name: "garbage", expr: "whenever", want: func(h, m int) bool { return false }},
		{name: "empty", expr: "", want: func(h, m int) bool { return false }},
	}
	for _, tt := range exprs {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			for h := 0; h < 24; h++ {
				for m := 0; m < 60; m++ {
					if got, want := IsDue(tt.expr, at(h, m)), tt.want(h, m); got != want {
						t.Fatalf("IsDue(%q, %02d:%02d) = %v, want %v", tt.expr, h, m, got, want)
					}
				}
			}
		})
	}
}

func TestAtEncoding(t *testing.T) {
	t.Parallel()
	if got := At(14, 30); got != "30 14 * * *" {
		t.Fatalf("At(14,30) = %q", got)
	}
	kind, h, m := Classify("30 14 * * *")
	if kind != KindAt || h != 14 || m != 30 {
		t.Fatalf("Classify = %v %d %d", kind, h, m)
	}
}

func TestParseFrequency(t *testing.T) {
	t.Parallel()
	tests := []struct {
		raw  string
		want Expression
	}{
		{raw: "daily", want: Daily},
		{raw: "hourly", want: Hourly},
		{raw: "everyMinute", want: EveryMinute},
		{raw: "every-minute", want: EveryMinute},
		{raw: "at:14:30", want: "30 14 * * *"},
		{raw: "at:7:05", want: "5 7 * * *"},
	}
	for _, tt := range tests {
		got, err := ParseFrequency(tt.raw)
		if err != nil {
			t.Fatalf("ParseFrequency(%q) error: %v", tt.raw, err)
		}
		if got != tt.want {
			t.Fatalf("ParseFrequency(%q) = %q, want %q", tt.raw, got, tt.want)
		}
	}
}

func TestParseFrequencyInvalid(t *testing.T) {
	t.Parallel()
	for _, raw := range []string{"", "weekly", "at:24:00", "at:12:60", "at:noon"} {
		_, err := ParseFrequency(raw)
		if err == nil {
			t.Fatalf("expected error for %q", raw)
		}
		if !fault.Is(err, fault.KindValidation) {
			t.Fatalf("error for %q is not a validation error: %v", raw, err)
		}
	}
}

func TestValidate(t *testing.T) {
	t.Parallel()
	for _, ok := range []Expression{EveryMinute, Hourly, Daily, At(23, 59)} {
		if err := Validate(ok); err != nil {
			t.Fatalf("Validate(%q) = %v", ok, err)
		}
	}
	for _, bad := range []Expression{"*/5 * * * *", "99 1 * * *", "1 30 * * *", "0 0 1 * *"} {
		if err := Validate(bad); err == nil {
			t.Fatalf("Validate(%q) should fail", bad)
		}
	}
}

func TestNextAndDescribe(t *testing.T) {
	t.Parallel()
	from := at(14, 31)
	next, ok := Next(At(14, 30), from)
	if !ok {
		t.Fatal("Next returned !ok")
	}
	want := time.Date(2025, time.March, 15, 14, 30, 0, 0, time.UTC)
	if !next.Equal(want) {
		t.Fatalf("Next = %v, want %v", next, want)
	}
	if _, ok := Next("bogus", from); ok {
		t.Fatal("Next on invalid expression should be !ok")
	}
	if got := Describe(At(9, 5)); got != "at 09:05" {
		t.Fatalf("Describe = %q", got)
	}
	if got := Describe(EveryMinute); got != "every minute" {
		t.Fatalf("Describe = %q", got)
	}
}
