package adapter

import (
	"errors"
	"testing"
	"time"

	tele "gopkg.in/telebot.v4"

	kit "tgsigner/internal/transport"
)

func TestClassifyFloodError(t *testing.T) {
	t.Parallel()

	// FloodError.Error() dereferences an unexported field, so never format it here.
	for _, err := range []error{
		tele.FloodError{RetryAfter: 8},
		opaqueWrap{tele.FloodError{RetryAfter: 8}},
	} {
		d, ok := kit.IsThrottled(classify(err))
		if !ok || d != 8*time.Second {
			t.Fatalf("flood error not classified: delay=%v ok=%v", d, ok)
		}
	}
}

type opaqueWrap struct{ err error }

func (w opaqueWrap) Error() string { return "send failed" }
func (w opaqueWrap) Unwrap() error { return w.err }

func TestClassifyTextFallback(t *testing.T) {
	t.Parallel()

	got := classify(errors.New("telegram: Too Many Requests: retry after 3 (429)"))
	if d, ok := kit.IsThrottled(got); !ok || d != 3*time.Second {
		t.Fatalf("text fallback failed: %v", got)
	}

	plain := errors.New("telegram: chat not found (400)")
	if got := classify(plain); got != plain {
		t.Fatalf("generic error must pass through, got %v", got)
	}
	if classify(nil) != nil {
		t.Fatalf("nil must stay nil")
	}
}
