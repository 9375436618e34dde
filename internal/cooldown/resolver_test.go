package cooldown

import (
	"testing"
	"time"
)

func TestResolve(t *testing.T) {
	t.Parallel()

	r := NewResolver(DefaultTable())
	cases := []struct {
		name string
		text string
		want time.Duration
		ok   bool
	}{
		{"hours and minutes", "请在 12小时30分钟 后再来", 45000 * time.Second, true},
		{"seconds", "剩余 45秒", 45 * time.Second, true},
		{"hours only", "24小时", 86400 * time.Second, true},
		{"sums disjoint expressions", "等待 12小时...或者 24小时", 129600 * time.Second, true},
		{"short hour unit", "3时5分", 3*time.Hour + 5*time.Minute, true},
		{"space before unit", "还需 2 小时", 2 * time.Hour, true},
		{"full-width digits", "剩余　１２小时３０分钟", 45000 * time.Second, true},
		{"empty", "", 0, false},
		{"no units", "道友今日已点卯 100 次", 0, false},
		{"unit without digits", "请稍等几分钟", 0, false},
		{"oversized amount skipped", "剩余 9999999小时30分钟", 30 * time.Minute, true},
		{"only oversized amount", "剩余 1000001秒", 0, false},
		{"amount at bound kept", "1000000秒", 1_000_000 * time.Second, true},
	}
	for _, tc := range cases {
		tc := tc
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			got, ok := r.Resolve(tc.text, "")
			if ok != tc.ok || got != tc.want {
				t.Fatalf("Resolve(%q) = (%v, %v), want (%v, %v)", tc.text, got, ok, tc.want, tc.ok)
			}
		})
	}
}

func TestResolveThresholdDemotion(t *testing.T) {
	t.Parallel()

	r := NewResolver(DefaultTable())

	if _, ok := r.Resolve("剩余 30秒", ".宗门点卯"); ok {
		t.Fatalf("expected 30s to be demoted for a 24h command")
	}
	if got, ok := r.Resolve("剩余 30秒", ""); !ok || got != 30*time.Second {
		t.Fatalf("without hint got (%v, %v), want 30s", got, ok)
	}
	// 16m default is not above an hour, so no demotion applies.
	if got, ok := r.Resolve("剩余 30秒", ".闭关修炼"); !ok || got != 30*time.Second {
		t.Fatalf("short-cooldown command got (%v, %v), want 30s", got, ok)
	}
	if got, ok := r.Resolve("剩余 11小时", ".宗门点卯"); !ok || got != 11*time.Hour {
		t.Fatalf("above threshold got (%v, %v)", got, ok)
	}
}

func TestResolveWithFallback(t *testing.T) {
	t.Parallel()

	r := NewResolver(DefaultTable().WithOverrides(map[string]time.Duration{".灵树灌溉": 90 * time.Minute}))

	cases := []struct {
		text, command string
		want          time.Duration
	}{
		{"剩余 2小时", ".引道", 2 * time.Hour},
		{"没有时间", ".引道 水", 12 * time.Hour},
		{"30秒", "。宗门点卯", 24 * time.Hour},
		{"", ".灵树灌溉", 90 * time.Minute},
		{"观星台冷却中", ".观星台", 10 * time.Minute},
		{"", ".未知指令", DefaultFallback},
	}
	for _, tc := range cases {
		if got := r.ResolveWithFallback(tc.text, tc.command); got != tc.want {
			t.Fatalf("ResolveWithFallback(%q, %q) = %v, want %v", tc.text, tc.command, got, tc.want)
		}
	}
}

func TestFormat(t *testing.T) {
	t.Parallel()

	cases := []struct {
		in   time.Duration
		want string
	}{
		{0, "0秒"},
		{-5 * time.Second, "0秒"},
		{45 * time.Second, "45秒"},
		{45000 * time.Second, "12小时30分钟"},
		{time.Hour, "1小时"},
		{time.Hour + 5*time.Second, "1小时5秒"},
		{90*time.Second + 500*time.Millisecond, "1分钟30秒"},
	}
	for _, tc := range cases {
		if got := Format(tc.in); got != tc.want {
			t.Fatalf("Format(%v) = %q, want %q", tc.in, got, tc.want)
		}
	}
}

func TestFormatRoundTrip(t *testing.T) {
	t.Parallel()

	r := NewResolver(DefaultTable())
	for _, secs := range []int64{1, 59, 60, 61, 600, 3599, 3600, 3661, 45000, 86400, 129600, 360000} {
		d := time.Duration(secs) * time.Second
		got, ok := r.Resolve(Format(d), "")
		if !ok {
			t.Fatalf("Format(%v)=%q did not resolve", d, Format(d))
		}
		if Format(got) != Format(d) || got != d {
			t.Fatalf("round trip %v -> %q -> %v", d, Format(d), got)
		}
	}
}

func TestCommandName(t *testing.T) {
	t.Parallel()

	for in, want := range map[string]string{
		".引道 水":   "引道",
		"。宗门点卯":   "宗门点卯",
		"  .问道 ":  "问道",
		"闭关修炼":    "闭关修炼",
	} {
		if got := CommandName(in); got != want {
			t.Fatalf("CommandName(%q) = %q, want %q", in, got, want)
		}
	}
}
