// Package mtproto drives the game from a regular user account. The Bot API
// never delivers other bots' messages to a bot, and the game ignores commands
// posted by bots, so the account has to be a user.
package mtproto

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"os"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gotd/td/session"
	"github.com/gotd/td/telegram"
	"github.com/gotd/td/telegram/auth"
	"github.com/gotd/td/telegram/message"
	"github.com/gotd/td/tg"

	rtsup "tgsigner/internal/runtime/supervisor"
	kit "tgsigner/internal/transport"
	logx "tgsigner/pkg/logx"
)

type Config struct {
	AppID    int
	AppHash  string
	Phone    string
	Password string
	// SessionPath keeps the authorization between runs.
	SessionPath string
	// ChatIDs restricts forwarded updates to these chats; empty forwards all.
	ChatIDs []int64
	// CodePrompt supplies the login code on first authorization. Defaults to
	// reading a line from stdin.
	CodePrompt func(ctx context.Context) (string, error)
}

// Adapter bridges a gotd user session to the transport contract.
type Adapter struct {
	cfg   Config
	log   logx.Logger
	peers *peerCache

	out     atomic.Value // chan<- kit.Update
	api     atomic.Pointer[tg.Client]
	runMu   sync.Mutex
	running bool
	sup     *rtsup.Supervisor

	droppedUpdates atomic.Uint64
}

func New(cfg Config, log logx.Logger) (*Adapter, error) {
	switch {
	case cfg.AppID <= 0:
		return nil, errors.New("mtproto app id is empty")
	case strings.TrimSpace(cfg.AppHash) == "":
		return nil, errors.New("mtproto app hash is empty")
	case strings.TrimSpace(cfg.Phone) == "":
		return nil, errors.New("mtproto phone is empty")
	}
	if cfg.SessionPath == "" {
		cfg.SessionPath = "./data/session.json"
	}
	if cfg.CodePrompt == nil {
		cfg.CodePrompt = stdinCode
	}
	if log.IsZero() {
		log = logx.Nop()
	}
	a := &Adapter{cfg: cfg, log: log, peers: newPeerCache()}
	var nilOut chan<- kit.Update
	a.out.Store(nilOut)
	return a, nil
}

func stdinCode(ctx context.Context) (string, error) {
	fmt.Fprint(os.Stderr, "Telegram login code: ")
	line := make(chan string, 1)
	go func() {
		s, _ := bufio.NewReader(os.Stdin).ReadString('\n')
		line <- strings.TrimSpace(s)
	}()
	select {
	case <-ctx.Done():
		return "", ctx.Err()
	case s := <-line:
		if s == "" {
			return "", errors.New("empty login code")
		}
		return s, nil
	}
}

func (a *Adapter) onMessage(e tg.Entities, mc tg.MessageClass) {
	a.peers.learn(e)
	m, ok := mc.(*tg.Message)
	if !ok {
		return
	}
	msg, ok := convertMessage(m, e)
	if !ok || !a.accepts(msg.ChatID) {
		return
	}
	a.forward(kit.Update{Kind: kit.UpdateMessage, Message: &msg})
}

func (a *Adapter) accepts(chatID int64) bool {
	if len(a.cfg.ChatIDs) == 0 {
		return true
	}
	for _, id := range a.cfg.ChatIDs {
		if id == chatID {
			return true
		}
	}
	return false
}

func (a *Adapter) forward(up kit.Update) {
	out, _ := a.out.Load().(chan<- kit.Update)
	if out == nil {
		return
	}
	select {
	case out <- up:
	default:
		a.droppedUpdates.Add(1)
	}
}

func (a *Adapter) Start(ctx context.Context, out chan<- kit.Update) error {
	a.runMu.Lock()
	if a.running {
		a.runMu.Unlock()
		return nil
	}
	a.running = true
	a.out.Store(out)
	a.sup = rtsup.NewSupervisor(ctx,
		rtsup.WithLogger(a.log),
		rtsup.WithCancelOnError(false),
	)
	sup := a.sup
	a.runMu.Unlock()

	sup.Go0("updates.drop_report", func(c context.Context) {
		ticker := time.NewTicker(5 * time.Second)
		defer ticker.Stop()
		report := func() {
			if n := a.droppedUpdates.Swap(0); n > 0 {
				a.log.Warn("incoming updates dropped (channel full)", logx.Uint64("count", n), logx.Int("chan_cap", cap(out)))
			}
		}
		for {
			select {
			case <-c.Done():
				report()
				return
			case <-ticker.C:
				report()
			}
		}
	})

	// The client connection drops now and then; reconnect with backoff.
	sup.GoRestart("mtproto.session", a.session,
		rtsup.WithRestartBackoff(time.Second, time.Minute),
		rtsup.WithStopOnCleanExit(false),
	)
	return nil
}

// session runs one client connection until ctx ends or the connection fails.
func (a *Adapter) session(ctx context.Context) error {
	d := tg.NewUpdateDispatcher()
	d.OnNewMessage(func(_ context.Context, e tg.Entities, u *tg.UpdateNewMessage) error {
		a.onMessage(e, u.Message)
		return nil
	})
	d.OnNewChannelMessage(func(_ context.Context, e tg.Entities, u *tg.UpdateNewChannelMessage) error {
		a.onMessage(e, u.Message)
		return nil
	})

	client := telegram.NewClient(a.cfg.AppID, a.cfg.AppHash, telegram.Options{
		SessionStorage: &session.FileStorage{Path: a.cfg.SessionPath},
		UpdateHandler:  d,
	})
	return client.Run(ctx, func(ctx context.Context) error {
		code := auth.CodeAuthenticatorFunc(func(ctx context.Context, _ *tg.AuthSentCode) (string, error) {
			return a.cfg.CodePrompt(ctx)
		})
		flow := auth.NewFlow(auth.Constant(a.cfg.Phone, a.cfg.Password, code), auth.SendCodeOptions{})
		if err := client.Auth().IfNecessary(ctx, flow); err != nil {
			return fmt.Errorf("mtproto auth: %w", err)
		}
		me, err := client.Self(ctx)
		if err != nil {
			return fmt.Errorf("mtproto self: %w", err)
		}

		api := client.API()
		if n, err := a.peers.warm(ctx, api); err != nil {
			a.log.Warn("dialog list unavailable; peers resolve from updates", logx.Err(err))
		} else {
			a.log.Debug("dialogs loaded", logx.Int("chats", n))
		}
		a.api.Store(api)
		defer a.api.Store(nil)

		a.log.Info("user session ready",
			logx.Int64("user_id", me.ID),
			logx.String("username", me.Username),
		)
		<-ctx.Done()
		a.log.Info("user session closed")
		return ctx.Err()
	})
}

func (a *Adapter) Stop(ctx context.Context) error {
	a.runMu.Lock()
	sup := a.sup
	a.sup = nil
	wasRunning := a.running
	a.running = false
	var nilOut chan<- kit.Update
	a.out.Store(nilOut)
	a.runMu.Unlock()

	if !wasRunning || sup == nil {
		return nil
	}
	a.log.Info("stopping", logx.Uint64("dropped_updates_pending", a.droppedUpdates.Load()))
	sup.Cancel()

	grace := 3 * time.Second
	if dl, ok := ctx.Deadline(); ok {
		if rem := time.Until(dl); rem > 0 && rem < grace {
			grace = rem
		}
	}
	wctx, cancel := context.WithTimeout(ctx, grace)
	defer cancel()
	if err := sup.Wait(wctx); err != nil {
		if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled) {
			a.log.Warn("mtproto stop timed out", logx.Err(err))
			return nil
		}
		a.log.Debug("mtproto stopped with supervisor error", logx.Err(err))
	}
	return nil
}

// resolve finds the input peer for chatID, reloading dialogs once on a miss.
func (a *Adapter) resolve(ctx context.Context, api *tg.Client, chatID int64) (tg.InputPeerClass, error) {
	if p, ok := a.peers.get(chatID); ok {
		return p, nil
	}
	if _, err := a.peers.warm(ctx, api); err != nil {
		return nil, classify(err)
	}
	if p, ok := a.peers.get(chatID); ok {
		return p, nil
	}
	return nil, fmt.Errorf("chat %d is not among this account's dialogs", chatID)
}

// SendText sends text as the logged-in user, splitting it when it exceeds
// the Telegram limit. Only the first chunk carries ReplyTo; inside a forum
// topic the other chunks reply to the topic root. Throttling failures are
// returned as kit.RetryAfterError.
func (a *Adapter) SendText(ctx context.Context, to kit.ChatTarget, text string, opt *kit.SendOptions) (kit.MessageRef, error) {
	if opt == nil {
		opt = &kit.SendOptions{}
	}
	api := a.api.Load()
	if api == nil {
		return kit.MessageRef{}, kit.ErrNotRunning
	}
	peer, err := a.resolve(ctx, api, to.ChatID)
	if err != nil {
		return kit.MessageRef{}, err
	}
	sender := message.NewSender(api)

	var first kit.MessageRef
	for i, chunk := range kit.SplitText(text, kit.TextLimit) {
		if err := ctx.Err(); err != nil {
			return first, err
		}
		reply := to.ThreadID
		if i == 0 && opt.ReplyTo != 0 {
			reply = opt.ReplyTo
		}
		var res tg.UpdatesClass
		switch {
		case reply != 0 && opt.DisablePreview:
			res, err = sender.To(peer).NoWebpage().Reply(reply).Text(ctx, chunk)
		case reply != 0:
			res, err = sender.To(peer).Reply(reply).Text(ctx, chunk)
		case opt.DisablePreview:
			res, err = sender.To(peer).NoWebpage().Text(ctx, chunk)
		default:
			res, err = sender.To(peer).Text(ctx, chunk)
		}
		if err != nil {
			return first, classify(err)
		}
		if i == 0 {
			first = kit.MessageRef{ChatID: to.ChatID, ThreadID: to.ThreadID, MessageID: sentMessageID(res)}
		}
	}
	return first, nil
}
