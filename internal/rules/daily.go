package rules

import (
	"context"
	"math/rand"
	"regexp"
	"strconv"
	"strings"
	"sync"
	"time"

	"tgsigner/internal/queue"
	"tgsigner/internal/storage"
	"tgsigner/internal/transport"
	logx "tgsigner/pkg/logx"
)

const (
	CmdSignIn       = ".宗门点卯"
	CmdGreeting     = ".每日问安"
	CmdTransmission = ".宗门传功"

	dailyDoc = "daily_state"

	// MaxTransmissions is the game's daily transmission limit.
	MaxTransmissions = 3

	greetingDelay     = 5 * time.Second
	transmissionDelay = 10 * time.Second
)

var (
	signInDone   = []string{"点卯成功", "今日已点卯"}
	greetingDone = []string{"情缘增加", "问安成功", "今日已经问安", "已问安"}
	replyWanted  = []string{"需回复", "请回复"}

	reTransmission = regexp.MustCompile(`传功\s*(\d+)\s*/\s*3`)
)

// DailyOptions toggles the three daily commands.
type DailyOptions struct {
	SignIn       bool
	Transmission bool
	Greeting     bool
}

type dailyState struct {
	Date              string    `json:"date"`
	SignInDone        bool      `json:"signin_done"`
	GreetingDone      bool      `json:"greeting_done"`
	TransmissionCount int       `json:"transmission_count"`
	LastSignIn        time.Time `json:"last_signin,omitempty"`
	LastGreeting      time.Time `json:"last_greeting,omitempty"`
	LastTransmission  time.Time `json:"last_transmission,omitempty"`
	// LastMessageID is the id of our last sent message. Transmission
	// replies to it.
	LastMessageID int `json:"last_message_id,omitempty"`
}

// DailyStatus is a point-in-time view of the day's progress.
type DailyStatus struct {
	Date              string
	SignInDone        bool
	GreetingDone      bool
	TransmissionCount int
}

// Daily runs sign-in, greeting and transmission once per calendar day.
type Daily struct {
	env  Env
	opts DailyOptions

	mu     sync.Mutex
	state  dailyState
	loaded bool
	rng    *rand.Rand
}

func NewDaily(env Env, opts DailyOptions) *Daily {
	env = env.withDefaults()
	return &Daily{
		env:  env,
		opts: opts,
		rng:  rand.New(rand.NewSource(env.now().UnixNano())),
	}
}

func (d *Daily) Name() string { return "daily" }

func (d *Daily) Start(ctx context.Context) error {
	d.mu.Lock()
	err := d.loadLocked(ctx)
	if err == nil && d.state.Date != d.env.today() {
		d.state = dailyState{Date: d.env.today(), LastMessageID: d.state.LastMessageID}
		err = d.saveLocked(ctx)
	}
	st := d.state
	d.mu.Unlock()

	d.schedule(st)
	return err
}

// Reset starts a new day: progress is cleared and the commands are queued
// again.
func (d *Daily) Reset(ctx context.Context) error {
	d.mu.Lock()
	if err := d.loadLocked(ctx); err != nil {
		d.env.Log.Warn("daily state load failed; resetting anyway", logx.Err(err))
	}
	d.state = dailyState{Date: d.env.today()}
	err := d.saveLocked(ctx)
	st := d.state
	d.mu.Unlock()

	d.env.Log.Info("daily state reset", logx.String("date", st.Date))
	d.schedule(st)
	return err
}

func (d *Daily) schedule(st dailyState) {
	now := d.env.now()
	if d.opts.SignIn && !st.SignInDone {
		d.enqueue(CmdSignIn, "signin", now, 0)
	}
	if d.opts.Greeting && !st.GreetingDone {
		d.enqueue(CmdGreeting, "greeting", now.Add(greetingDelay), 1)
	}
	if d.opts.Transmission && st.TransmissionCount < MaxTransmissions {
		d.enqueue(CmdTransmission, "transmission", now.Add(transmissionDelay), 1)
	}
}

func (d *Daily) enqueue(payload, kind string, at time.Time, prio int) {
	key := commandKey("daily", kind, d.env.ChatID)
	ok := d.env.Queue.Enqueue(queue.Command{
		Payload:   payload,
		NotBefore: at,
		Priority:  prio,
		Key:       key,
	})
	if !ok {
		d.env.Log.Debug("daily command already queued", logx.String("key", key))
		return
	}
	d.env.Log.Info("daily command queued",
		logx.String("command", payload),
		logx.Time("not_before", at),
		logx.Int("priority", prio),
	)
}

func (d *Daily) HandleMessage(ctx context.Context, m transport.Message) bool {
	text := m.Text
	now := d.env.now()

	d.mu.Lock()
	if err := d.loadLocked(ctx); err != nil {
		d.env.Log.Warn("daily state load failed", logx.Err(err))
	}
	if d.state.Date != d.env.today() {
		d.state = dailyState{Date: d.env.today(), LastMessageID: d.state.LastMessageID}
	}

	handled, followUp := false, false
	switch {
	case containsAny(text, signInDone):
		d.state.SignInDone = true
		d.state.LastSignIn = now
		handled = true
	case containsAny(text, greetingDone):
		d.state.GreetingDone = true
		d.state.LastGreeting = now
		handled = true
	}
	if sm := reTransmission.FindStringSubmatch(text); sm != nil {
		n, _ := strconv.Atoi(sm[1])
		if n > MaxTransmissions {
			n = MaxTransmissions
		}
		d.state.TransmissionCount = n
		d.state.LastTransmission = now
		followUp = n < MaxTransmissions
		handled = true
	} else if strings.Contains(text, "请明日再来") {
		d.state.TransmissionCount = MaxTransmissions
		d.state.LastTransmission = now
		handled = true
	}
	if containsAny(text, replyWanted) {
		d.env.Log.Info("game is waiting for a reply", logx.Int("message_id", m.ID))
		handled = true
	}

	var err error
	if handled {
		err = d.saveLocked(ctx)
	}
	count := d.state.TransmissionCount
	jitter := 30*time.Second + time.Duration(d.rng.Int63n(int64(15*time.Second)+1))
	d.mu.Unlock()

	if err != nil {
		d.env.Log.Warn("daily state save failed", logx.Err(err))
	}
	if followUp && d.opts.Transmission {
		d.env.Log.Info("transmission progress", logx.Int("count", count))
		d.enqueue(CmdTransmission, "transmission", now.Add(jitter), 1)
	}
	return handled
}

// ReplyTo returns the message id a payload should reply to, or 0.
func (d *Daily) ReplyTo(payload string) int {
	if !strings.Contains(payload, "宗门传功") {
		return 0
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.state.LastMessageID
}

// NoteSent records the id of a message we just sent.
func (d *Daily) NoteSent(ctx context.Context, messageID int) {
	if messageID <= 0 {
		return
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	d.state.LastMessageID = messageID
	if err := d.saveLocked(ctx); err != nil {
		d.env.Log.Warn("daily state save failed", logx.Err(err))
	}
}

func (d *Daily) Status() DailyStatus {
	d.mu.Lock()
	defer d.mu.Unlock()
	return DailyStatus{
		Date:              d.state.Date,
		SignInDone:        d.state.SignInDone,
		GreetingDone:      d.state.GreetingDone,
		TransmissionCount: d.state.TransmissionCount,
	}
}

func (d *Daily) loadLocked(ctx context.Context) error {
	if d.loaded {
		return nil
	}
	doc := map[string]dailyState{}
	if _, err := storage.LoadJSON(ctx, d.env.Store, dailyDoc, &doc); err != nil {
		return err
	}
	d.state = doc[d.env.stateKey()]
	d.loaded = true
	return nil
}

// saveLocked rewrites our entry and keeps entries of other accounts.
func (d *Daily) saveLocked(ctx context.Context) error {
	doc := map[string]dailyState{}
	if _, err := storage.LoadJSON(ctx, d.env.Store, dailyDoc, &doc); err != nil {
		return err
	}
	doc[d.env.stateKey()] = d.state
	return storage.SaveJSON(ctx, d.env.Store, dailyDoc, doc)
}
