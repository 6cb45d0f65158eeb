package scheduler

import (
	"testing"
	"time"

	"github.com/acme/whatsapp-broadcast/internal/domain"
)

func TestWithinBusinessHours(t *testing.T) {
	bh := domain.BusinessHours{
		Enabled:  true,
		TimeZone: "UTC",
		Start:    time.Date(0, 1, 1, 9, 0, 0, 0, time.UTC),
		End:      time.Date(0, 1, 1, 17, 0, 0, 0, time.UTC),
	}

	morning := time.Date(2024, 1, 1, 10, 0, 0, 0, time.UTC)
	if !WithinBusinessHours(morning, bh) {
		t.Fatalf("expected %v to be within business hours", morning)
	}

	night := time.Date(2024, 1, 1, 20, 0, 0, 0, time.UTC)
	if WithinBusinessHours(night, bh) {
		t.Fatalf("expected %v to be outside business hours", night)
	}

	bh.Enabled = false
	if !WithinBusinessHours(night, bh) {
		t.Fatalf("expected disabled window to allow %v", night)
	}
}

func TestWithinBusinessHoursSpanningMidnight(t *testing.T) {
	bh := domain.BusinessHours{
		Enabled:  true,
		TimeZone: "UTC",
		Start:    time.Date(0, 1, 1, 22, 0, 0, 0, time.UTC),
		End:      time.Date(0, 1, 1, 2, 0, 0, 0, time.UTC),
	}

	night := time.Date(2024, 1, 1, 23, 0, 0, 0, time.UTC)
	if !WithinBusinessHours(night, bh) {
		t.Fatalf("expected %v to be within cross-midnight window", night)
	}

	earlyMorning := time.Date(2024, 1, 2, 1, 0, 0, 0, time.UTC)
	if !WithinBusinessHours(earlyMorning, bh) {
		t.Fatalf("expected %v to be within cross-midnight window", earlyMorning)
	}

	noon := time.Date(2024, 1, 2, 12, 0, 0, 0, time.UTC)
	if WithinBusinessHours(noon, bh) {
		t.Fatalf("expected %v to be outside cross-midnight window", noon)
	}
}

func TestNextBusinessOpening(t *testing.T) {
	bh := domain.BusinessHours{
		Enabled:  true,
		TimeZone: "UTC",
		Start:    time.Date(0, 1, 1, 9, 0, 0, 0, time.UTC),
		End:      time.Date(0, 1, 1, 17, 0, 0, 0, time.UTC),
	}

	early := time.Date(2024, 1, 1, 7, 30, 0, 0, time.UTC)
	if got := NextBusinessOpening(early, bh); got != 90*time.Minute {
		t.Fatalf("expected 90m until opening, got %v", got)
	}
	late := time.Date(2024, 1, 1, 18, 0, 0, 0, time.UTC)
	if got := NextBusinessOpening(late, bh); got != 15*time.Hour {
		t.Fatalf("expected opening next morning, got %v", got)
	}
	inside := time.Date(2024, 1, 1, 12, 0, 0, 0, time.UTC)
	if got := NextBusinessOpening(inside, bh); got != 0 {
		t.Fatalf("expected zero inside window, got %v", got)
	}
}

func TestDelayFor(t *testing.T) {
	cases := []struct {
		index, mps int
		want       time.Duration
	}{
		{0, 2, 0},
		{1, 2, 500 * time.Millisecond},
		{3, 1, 3 * time.Second},
		{2, 0, 2 * time.Second},
		{4, 10, 400 * time.Millisecond},
	}
	for _, tc := range cases {
		if got := DelayFor(tc.index, tc.mps); got != tc.want {
			t.Errorf("DelayFor(%d, %d) = %v, want %v", tc.index, tc.mps, got, tc.want)
		}
	}
}

func TestRetryDelay(t *testing.T) {
	b := domain.Backoff{Type: "exponential", BaseDelay: 2 * time.Second, MaxDelay: 10 * time.Second}
	want := []time.Duration{2 * time.Second, 4 * time.Second, 8 * time.Second, 10 * time.Second, 10 * time.Second}
	for n, w := range want {
		if got := RetryDelay(b, n); got != w {
			t.Errorf("RetryDelay(%d) = %v, want %v", n, got, w)
		}
	}
}

func TestExhausted(t *testing.T) {
	job := &domain.BroadcastJob{Attempts: 3}
	for retry, want := range []bool{false, false, true} {
		job.Data.RetryCount = retry
		if got := Exhausted(job); got != want {
			t.Errorf("retry %d: exhausted=%v, want %v", retry, got, want)
		}
	}
}
