package rules

import (
	"context"
	"fmt"
	"math/rand"
	"regexp"
	"strconv"
	"strings"
	"sync"
	"time"

	"tgsigner/internal/cooldown"
	"tgsigner/internal/queue"
	"tgsigner/internal/storage"
	"tgsigner/internal/transport"
	logx "tgsigner/pkg/logx"
)

const (
	CmdPacify  = ".安抚星辰"
	CmdObserve = ".观星台"
	CmdCollect = ".收集精华"
	CmdPull    = ".牵引星辰"

	starDoc = "star_state"

	defaultPullCooldown = 12 * time.Hour
)

// DefaultStarSequence is the pull rotation when none is configured.
var DefaultStarSequence = []string{"天雷星", "赤血星", "庚金星"}

// StarPullCooldowns is how long a pulled star condenses before its essence
// can be collected.
var StarPullCooldowns = map[string]time.Duration{
	"赤血星": 4 * time.Hour,
	"庚金星": 6 * time.Hour,
	"建木星": 8 * time.Hour,
	"天雷星": 24 * time.Hour,
	"帝魂星": 48 * time.Hour,
}

// PlateState is the condition of one star plate.
type PlateState string

const (
	PlateIdle       PlateState = "idle"
	PlateReady      PlateState = "ready"
	PlateCondensing PlateState = "condensing"
	PlateAgitated   PlateState = "agitated"
)

var (
	// "2号引星盘: 赤血星 - 凝聚中 (剩余: 3小时20分钟)"
	rePlate = regexp.MustCompile(`^(\d+)号引星盘[:：]\s*(?:([^\s\-－]+)\s*[-－]\s*)?(.+?)(?:\s*[(（]剩余[:：]\s*([^)）]+)[)）])?$`)

	pacifyDone   = []string{"成功安抚", "安抚成功"}
	pacifyNone   = []string{"没有需要安抚", "无需安抚"}
	pullDone     = []string{"牵引成功", "开始牵引"}
	collectDone  = []string{"收集成功", "获得"}
	agitatedWord = []string{"星光黯淡", "元磁紊乱", "躁动", "狂暴"}
)

// StarOptions configures the star observatory.
type StarOptions struct {
	Enabled bool
	// Sequence is the pull rotation. Defaults to DefaultStarSequence.
	Sequence []string
}

type starPlate struct {
	Index   int        `json:"idx"`
	Star    string     `json:"star,omitempty"`
	State   PlateState `json:"state"`
	ReadyAt time.Time  `json:"ready_at,omitempty"`
}

type starState struct {
	Plates           []starPlate `json:"plates"`
	SequenceIndex    int         `json:"sequence_index"`
	LastPacify       time.Time   `json:"last_pacify,omitempty"`
	LastObserve      time.Time   `json:"last_observe,omitempty"`
	NextObserve      time.Time   `json:"next_observe,omitempty"`
	EssenceCollected int         `json:"essence_collected"`
	StarsPulled      int         `json:"stars_pulled"`
}

// StarStatus summarises the observatory.
type StarStatus struct {
	Enabled          bool
	Plates           map[PlateState]int
	SequenceIndex    int
	LastPacify       time.Time
	NextObserve      time.Time
	EssenceCollected int
	StarsPulled      int
}

// Star runs the observatory: pacify first, then observe, then collect ready
// essence and pull the next star of the rotation into idle plates.
type Star struct {
	env  Env
	opts StarOptions

	mu     sync.Mutex
	state  starState
	loaded bool
	rng    *rand.Rand
}

func NewStar(env Env, opts StarOptions) *Star {
	env = env.withDefaults()
	if len(opts.Sequence) == 0 {
		opts.Sequence = DefaultStarSequence
	}
	return &Star{
		env:  env,
		opts: opts,
		rng:  rand.New(rand.NewSource(env.now().UnixNano())),
	}
}

func (s *Star) Name() string { return "star" }

// Start pacifies when the last pacify is old enough, then observes a few
// seconds later.
func (s *Star) Start(ctx context.Context) error {
	if !s.opts.Enabled {
		return nil
	}
	now := s.env.now()
	s.mu.Lock()
	err := s.loadLocked(ctx)
	if s.pacifyDueLocked(now) {
		s.enqueue(CmdPacify, "pacify", now, 0)
	}
	s.enqueue(CmdObserve, "observe", now.Add(s.jitterLocked(3, 6)), 1)
	s.mu.Unlock()
	return err
}

// Rescan queues an observation when none is live.
func (s *Star) Rescan(ctx context.Context) int {
	if !s.opts.Enabled {
		return 0
	}
	if st, ok := s.env.Queue.State(commandKey("star", "observe", s.env.ChatID)); ok && st.Live() {
		return 0
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.loadLocked(ctx); err != nil {
		s.env.Log.Warn("star state load failed", logx.Err(err))
	}
	if s.enqueue(CmdObserve, "observe", later(s.env.now(), s.state.NextObserve), 1) {
		return 1
	}
	return 0
}

func (s *Star) pacifyDueLocked(now time.Time) bool {
	return s.state.LastPacify.IsZero() || now.Sub(s.state.LastPacify) >= s.env.Resolver.Default(CmdPacify)
}

// jitterLocked returns a random whole number of seconds within [lo, hi].
func (s *Star) jitterLocked(lo, hi int) time.Duration {
	return time.Duration(lo+s.rng.Intn(hi-lo+1)) * time.Second
}

func (s *Star) enqueue(payload, kind string, at time.Time, prio int) bool {
	key := commandKey("star", kind, s.env.ChatID)
	if !s.env.Queue.Enqueue(queue.Command{Payload: payload, NotBefore: at, Priority: prio, Key: key}) {
		s.env.Log.Debug("star command already queued", logx.String("key", key))
		return false
	}
	s.env.Log.Debug("star command queued", logx.String("command", payload), logx.Time("not_before", at))
	return true
}

func (s *Star) HandleMessage(ctx context.Context, m transport.Message) bool {
	if !s.opts.Enabled {
		return false
	}
	text := m.Text
	now := s.env.now()

	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.loadLocked(ctx); err != nil {
		s.env.Log.Warn("star state load failed", logx.Err(err))
	}

	if plates := s.parsePlates(text, now); len(plates) > 0 {
		s.onObserveLocked(plates, now)
	} else {
		switch {
		case strings.Contains(text, "安抚"):
			s.onPacifyLocked(text, now)
		case strings.Contains(text, "牵引"):
			s.onPullLocked(text, now)
		case strings.Contains(text, "精华"):
			s.onCollectLocked(text, now)
		case strings.Contains(text, "观星台") && containsAny(text, cooldownWords):
			cd := s.env.Resolver.ResolveWithFallback(text, CmdObserve)
			s.state.NextObserve = now.Add(cd)
			s.enqueue(CmdObserve, "observe", s.state.NextObserve.Add(readyMargin), 1)
		default:
			return false
		}
	}

	if err := s.saveLocked(ctx); err != nil {
		s.env.Log.Warn("star state save failed", logx.Err(err))
	}
	return true
}

func (s *Star) parsePlates(text string, now time.Time) []starPlate {
	var out []starPlate
	for _, line := range strings.Split(text, "\n") {
		sm := rePlate.FindStringSubmatch(strings.TrimSpace(line))
		if sm == nil {
			continue
		}
		idx, _ := strconv.Atoi(sm[1])
		p := starPlate{Index: idx, Star: sm[2], State: plateState(sm[3])}
		if p.State == PlateCondensing && sm[4] != "" {
			if d, ok := s.env.Resolver.Resolve(sm[4], ""); ok {
				p.ReadyAt = now.Add(d)
			}
		}
		out = append(out, p)
	}
	return out
}

func plateState(s string) PlateState {
	switch {
	case strings.Contains(s, "精华已成"), strings.Contains(s, "可收集"):
		return PlateReady
	case containsAny(s, agitatedWord):
		return PlateAgitated
	case strings.Contains(s, "凝聚"):
		return PlateCondensing
	}
	return PlateIdle
}

func (s *Star) onObserveLocked(plates []starPlate, now time.Time) {
	s.state.Plates = plates
	s.state.LastObserve = now

	counts := map[PlateState]int{}
	next := now.Add(s.env.Resolver.Default(CmdObserve))
	for _, p := range plates {
		counts[p.State]++
		switch p.State {
		case PlateIdle:
			star := s.nextStarLocked()
			key := commandKey("star", "pull:"+strconv.Itoa(p.Index), s.env.ChatID)
			if s.env.Queue.Enqueue(queue.Command{
				Payload:   fmt.Sprintf("%s %d %s", CmdPull, p.Index, star),
				NotBefore: now.Add(s.jitterLocked(3, 8)),
				Priority:  1,
				Key:       key,
			}) {
				s.env.Log.Info("star pull queued", logx.Int("plate", p.Index), logx.String("star", star))
			}
		case PlateCondensing:
			if !p.ReadyAt.IsZero() && p.ReadyAt.Before(next) {
				next = p.ReadyAt
			}
		}
	}
	if counts[PlateReady] > 0 {
		s.enqueue(CmdCollect, "collect", now.Add(s.jitterLocked(1, 3)), 0)
	}
	if counts[PlateAgitated] > 0 {
		if s.pacifyDueLocked(now) {
			s.enqueue(CmdPacify, "pacify", now, 0)
		} else {
			s.env.Log.Info("agitated star seen shortly after pacifying", logx.Int("plates", counts[PlateAgitated]))
		}
	}
	s.state.NextObserve = next
	s.enqueue(CmdObserve, "observe", next.Add(readyMargin), 1)

	s.env.Log.Info("observatory scanned",
		logx.Int("plates", len(plates)),
		logx.Int("ready", counts[PlateReady]),
		logx.Int("idle", counts[PlateIdle]),
		logx.Int("agitated", counts[PlateAgitated]),
		logx.Time("next_observe", next),
	)
}

func (s *Star) nextStarLocked() string {
	seq := s.opts.Sequence
	i := s.state.SequenceIndex
	if i < 0 || i >= len(seq) {
		i = 0
	}
	s.state.SequenceIndex = (i + 1) % len(seq)
	return seq[i]
}

func (s *Star) onPacifyLocked(text string, now time.Time) {
	switch {
	case containsAny(text, pacifyDone):
		s.state.LastPacify = now
		s.env.Log.Info("stars pacified")
		s.enqueue(CmdObserve, "observe", now.Add(s.jitterLocked(5, 8)), 1)
	case containsAny(text, pacifyNone):
		s.state.LastPacify = now
		s.enqueue(CmdObserve, "observe", now.Add(s.jitterLocked(2, 4)), 1)
	default:
		s.env.Log.Warn("unrecognised pacify response", logx.String("text", preview(text)))
	}
}

func (s *Star) onPullLocked(text string, now time.Time) {
	if !containsAny(text, pullDone) {
		return
	}
	star := s.starIn(text)
	cd, ok := s.env.Resolver.Resolve(text, "")
	if !ok {
		cd = pullCooldown(star)
	}
	s.state.StarsPulled++
	s.env.Log.Info("star pulled",
		logx.String("star", star),
		logx.String("condense", cooldown.Format(cd)),
	)
	if at := now.Add(cd); s.state.NextObserve.Before(now) || at.Before(s.state.NextObserve) {
		s.state.NextObserve = at
	}
}

// starIn finds the first known star name in text.
func (s *Star) starIn(text string) string {
	for _, name := range s.opts.Sequence {
		if strings.Contains(text, name) {
			return name
		}
	}
	for name := range StarPullCooldowns {
		if strings.Contains(text, name) {
			return name
		}
	}
	return ""
}

func pullCooldown(star string) time.Duration {
	if d, ok := StarPullCooldowns[star]; ok {
		return d
	}
	return defaultPullCooldown
}

func (s *Star) onCollectLocked(text string, now time.Time) {
	if !containsAny(text, collectDone) {
		s.env.Log.Debug("no essence to collect")
		return
	}
	s.state.EssenceCollected++
	s.env.Log.Info("star essence collected", logx.Int("total", s.state.EssenceCollected))
	s.enqueue(CmdObserve, "observe", now.Add(s.jitterLocked(3, 6)), 1)
}

func (s *Star) Status() StarStatus {
	s.mu.Lock()
	defer s.mu.Unlock()
	counts := map[PlateState]int{}
	for _, p := range s.state.Plates {
		counts[p.State]++
	}
	return StarStatus{
		Enabled:          s.opts.Enabled,
		Plates:           counts,
		SequenceIndex:    s.state.SequenceIndex,
		LastPacify:       s.state.LastPacify,
		NextObserve:      s.state.NextObserve,
		EssenceCollected: s.state.EssenceCollected,
		StarsPulled:      s.state.StarsPulled,
	}
}

func (s *Star) loadLocked(ctx context.Context) error {
	if s.loaded {
		return nil
	}
	doc := map[string]starState{}
	if _, err := storage.LoadJSON(ctx, s.env.Store, starDoc, &doc); err != nil {
		return err
	}
	s.state = doc[s.env.stateKey()]
	s.loaded = true
	return nil
}

func (s *Star) saveLocked(ctx context.Context) error {
	doc := map[string]starState{}
	if _, err := storage.LoadJSON(ctx, s.env.Store, starDoc, &doc); err != nil {
		return err
	}
	doc[s.env.stateKey()] = s.state
	return storage.SaveJSON(ctx, s.env.Store, starDoc, doc)
}

func preview(s string) string {
	r := []rune(s)
	if len(r) > 50 {
		return string(r[:50])
	}
	return s
}
