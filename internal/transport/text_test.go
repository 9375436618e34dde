package transport

import (
	"strings"
	"testing"
)

func TestSplitText(t *testing.T) {
	t.Parallel()

	if got := SplitText(".宗门点卯", TextLimit); len(got) != 1 || got[0] != ".宗门点卯" {
		t.Fatalf("short text must not split: %q", got)
	}

	long := strings.Repeat("行", 30) + "\n" + strings.Repeat("字", 30)
	parts := SplitText(long, 40)
	if len(parts) != 2 {
		t.Fatalf("expected 2 parts, got %d: %q", len(parts), parts)
	}
	if parts[0] != strings.Repeat("行", 30) || parts[1] != strings.Repeat("字", 30) {
		t.Fatalf("split should land on the newline: %q", parts)
	}

	hard := SplitText(strings.Repeat("字", 90), 40)
	if len(hard) != 3 || len([]rune(hard[2])) != 10 {
		t.Fatalf("text without newlines must cut at the limit: %q", hard)
	}
}
