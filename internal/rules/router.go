package rules

import (
	"context"
	"runtime/debug"
	"strings"

	"tgsigner/internal/transport"
	logx "tgsigner/pkg/logx"
)

// Router filters game messages and hands them to the modules in order.
// The first module that consumes a message stops the walk, so custom rules
// (registered last) only see messages nobody else claimed.
type Router struct {
	chatID  int64
	name    string
	modules []Module
	log     logx.Logger
}

func NewRouter(chatID int64, gameName string, log logx.Logger, modules ...Module) *Router {
	if log.IsZero() {
		log = logx.Nop()
	}
	return &Router{chatID: chatID, name: strings.TrimSpace(gameName), modules: modules, log: log}
}

// Accept reports whether m is a game message worth parsing: it must come
// from the configured chat and be a bot reply, a mention of us, or a
// sender-less channel post.
func (r *Router) Accept(m transport.Message) bool {
	if m.ChatID != r.chatID || strings.TrimSpace(m.Text) == "" {
		return false
	}
	if m.FromIsBot || m.Mentioned || m.IsChannelPost() {
		return true
	}
	return r.name != "" && strings.Contains(m.Text, "@"+r.name)
}

// Handle returns the name of the module that consumed m, or "".
func (r *Router) Handle(ctx context.Context, m transport.Message) string {
	if !r.Accept(m) {
		return ""
	}
	for _, mod := range r.modules {
		if handled := r.safeHandle(ctx, mod, m); handled {
			r.log.Debug("message handled",
				logx.String("module", mod.Name()),
				logx.Int("message_id", m.ID),
			)
			return mod.Name()
		}
	}
	return ""
}

func (r *Router) safeHandle(ctx context.Context, mod Module, m transport.Message) (handled bool) {
	defer func() {
		if rec := recover(); rec != nil {
			r.log.Error("module panic",
				logx.String("module", mod.Name()),
				logx.Any("panic", rec),
				logx.Stack(string(debug.Stack())),
			)
			handled = false
		}
	}()
	return mod.HandleMessage(ctx, m)
}

// Start runs every module's Start. A failing module is logged and skipped.
func (r *Router) Start(ctx context.Context) {
	for _, mod := range r.modules {
		if err := mod.Start(ctx); err != nil {
			r.log.Warn("module start failed", logx.String("module", mod.Name()), logx.Err(err))
		}
	}
}

// Run consumes updates until ctx is done or the channel closes.
func (r *Router) Run(ctx context.Context, updates <-chan transport.Update) error {
	for {
		select {
		case <-ctx.Done():
			return nil
		case u, ok := <-updates:
			if !ok {
				return nil
			}
			if u.Kind != transport.UpdateMessage || u.Message == nil {
				continue
			}
			r.Handle(ctx, *u.Message)
		}
	}
}
