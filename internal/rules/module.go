package rules

import (
	"context"
	"fmt"
	"strconv"
	"strings"
	"time"

	"tgsigner/internal/cooldown"
	"tgsigner/internal/queue"
	"tgsigner/internal/storage"
	"tgsigner/internal/transport"
	logx "tgsigner/pkg/logx"
)

// Module handles one family of game messages.
type Module interface {
	Name() string
	// Start enqueues the module's initial commands.
	Start(ctx context.Context) error
	// HandleMessage reports whether the message was consumed.
	HandleMessage(ctx context.Context, m transport.Message) bool
}

// Queue is the part of *queue.Queue the modules use.
type Queue interface {
	Enqueue(c queue.Command) bool
	State(key string) (queue.State, bool)
}

// Env carries what every module shares.
type Env struct {
	ChatID   int64
	Account  string
	Queue    Queue
	Store    storage.Store
	Resolver *cooldown.Resolver
	Clock    queue.Clock
	Log      logx.Logger
	// Location decides the calendar day. Nil means time.Local.
	Location *time.Location
}

func (e Env) withDefaults() Env {
	if strings.TrimSpace(e.Account) == "" {
		e.Account = "default"
	}
	if e.Store == nil {
		e.Store = storage.NewMemory()
	}
	if e.Resolver == nil {
		e.Resolver = cooldown.NewResolver(cooldown.DefaultTable())
	}
	if e.Clock == nil {
		e.Clock = queue.SystemClock()
	}
	if e.Log.IsZero() {
		e.Log = logx.Nop()
	}
	if e.Location == nil {
		e.Location = time.Local
	}
	return e
}

// stateKey is the per-account, per-chat key inside a state document.
func (e Env) stateKey() string {
	return fmt.Sprintf("acct_%s_chat_%s", e.Account, strconv.FormatInt(e.ChatID, 10))
}

func (e Env) now() time.Time { return e.Clock.Now() }

func (e Env) today() string { return e.now().In(e.Location).Format("2006-01-02") }

// commandKey builds a dedupe key like "periodic:.引道 水:-100123".
func commandKey(kind, name string, chatID int64) string {
	return kind + ":" + name + ":" + strconv.FormatInt(chatID, 10)
}

func containsAny(text string, words []string) bool {
	for _, w := range words {
		if strings.Contains(text, w) {
			return true
		}
	}
	return false
}
