package transport

import (
	"errors"
	"fmt"
	"testing"
	"time"
)

func TestParseRetryAfterText(t *testing.T) {
	t.Parallel()

	cases := []struct {
		in   string
		want time.Duration
		ok   bool
	}{
		{"telegram: retry after 8 (429)", 8 * time.Second, true},
		{"SLOWMODE_WAIT: A wait of 12 seconds is required", 12 * time.Second, true},
		{"must wait 30 seconds before sending", 30 * time.Second, true},
		{"FLOOD_WAIT_42", 42 * time.Second, true},
		{"telegram: chat not found (400)", 0, false},
		{"", 0, false},
	}
	for _, tc := range cases {
		got, ok := ParseRetryAfterText(tc.in)
		if ok != tc.ok || got != tc.want {
			t.Fatalf("ParseRetryAfterText(%q)=(%v,%v) want (%v,%v)", tc.in, got, ok, tc.want, tc.ok)
		}
	}
}

func TestIsThrottledThroughWrapping(t *testing.T) {
	t.Parallel()

	base := errors.New("flood")
	err := fmt.Errorf("send .宗门点卯: %w", RetryAfter(base, 9*time.Second))

	d, ok := IsThrottled(err)
	if !ok || d != 9*time.Second {
		t.Fatalf("IsThrottled=(%v,%v) want (9s,true)", d, ok)
	}
	if !errors.Is(err, base) {
		t.Fatalf("RetryAfter must keep the cause reachable")
	}
	if _, ok := IsThrottled(base); ok {
		t.Fatalf("plain error must not be throttled")
	}
}

func TestClassifyText(t *testing.T) {
	t.Parallel()

	if ClassifyText(nil) != nil {
		t.Fatalf("nil in, nil out")
	}
	plain := errors.New("bad request")
	if got := ClassifyText(plain); got != plain {
		t.Fatalf("unclassifiable error must be returned unchanged")
	}
	got := ClassifyText(errors.New("retry after 5"))
	if d, ok := IsThrottled(got); !ok || d != 5*time.Second {
		t.Fatalf("ClassifyText did not classify: %v", got)
	}
	if RetryAfter(plain, -time.Second).(RetryAfterError).RetryAfter() != 0 {
		t.Fatalf("negative delays clamp to zero")
	}
}
