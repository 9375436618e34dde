package rules

import (
	"context"
	"fmt"
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
	CmdGardenScan = ".小药园"
	CmdHarvest    = ".采药"
	CmdIrrigate   = ".灵树灌溉"
	DefaultSeed   = "凝血草种子"

	gardenDoc = "garden_state"

	gardenActionPriority = 1
	gardenSeedPriority   = 2
	gardenScanPriority   = 3

	DefaultPostMaintenanceRescan = 30 * time.Second
	DefaultPostHarvestRescan     = 20 * time.Second
	DefaultSeedShortageRetry     = 10 * time.Minute

	seedSpacing    = 2 * time.Second
	exchangeSettle = 5 * time.Second
)

// PlotState is the condition of one garden plot as reported by a scan.
type PlotState string

const (
	PlotIdle    PlotState = "idle"
	PlotGrowing PlotState = "growing"
	PlotMature  PlotState = "mature"
	PlotPest    PlotState = "pest"
	PlotWeed    PlotState = "weed"
	PlotDry     PlotState = "dry"
)

// maintenance maps a plot problem to the command that clears it, in the
// order they are sent.
var maintenance = []struct {
	state  PlotState
	action string
}{
	{PlotPest, "除虫"},
	{PlotWeed, "除草"},
	{PlotDry, "浇水"},
}

var (
	// "2号灵田: 清灵草种子 - 生长中 🌱 (剩余: 2小时15分钟)"
	rePlot      = regexp.MustCompile(`^(\d+)号灵田[:：]\s*(?:([^\s\-－]+)\s*[-－]\s*)?(.+?)(?:\s*[(（]剩余[:：]\s*([^)）]+)[)）])?$`)
	rePlotIndex = regexp.MustCompile(`(\d+)\s*号`)

	harvestDone   = []string{"一键采药完成", "采药成功"}
	harvestNone   = []string{"没有需要【采药】", "无成熟"}
	plantedWords  = []string{"播下", "种植成功", "播种成功"}
	seedShortage  = []string{"种子不足", "没有种子"}
	maintainWords = []string{"除虫", "除草", "浇水"}
)

// GardenOptions configures the herb garden.
type GardenOptions struct {
	Enabled bool
	// Seed is planted into idle plots. Defaults to DefaultSeed.
	Seed string
	// ExchangeCommand buys seeds when planting reports a shortage. Empty
	// disables exchanges.
	ExchangeCommand string
	// Irrigate keeps .灵树灌溉 cycling on its cooldown.
	Irrigate              bool
	PostMaintenanceRescan time.Duration
	PostHarvestRescan     time.Duration
	SeedShortageRetry     time.Duration
}

type gardenPlot struct {
	Index    int       `json:"idx"`
	State    PlotState `json:"state"`
	Seed     string    `json:"seed,omitempty"`
	MatureAt time.Time `json:"mature_at,omitempty"`
}

type gardenState struct {
	Plots            []gardenPlot `json:"plots"`
	LastScan         time.Time    `json:"last_scan,omitempty"`
	LastMaintenance  time.Time    `json:"last_maintenance,omitempty"`
	LastHarvest      time.Time    `json:"last_harvest,omitempty"`
	LastSeedExchange time.Time    `json:"last_seed_exchange,omitempty"`
	NextScan         time.Time    `json:"next_scan,omitempty"`
	NextIrrigate     time.Time    `json:"next_irrigate,omitempty"`
}

// GardenStatus summarises the last scan.
type GardenStatus struct {
	Enabled     bool
	Plots       map[PlotState]int
	LastHarvest time.Time
	NextScan    time.Time
}

// Garden tends the herb garden: scan, clear pests, weeds and drought,
// harvest, replant, and buy seeds when out.
type Garden struct {
	env  Env
	opts GardenOptions

	mu     sync.Mutex
	state  gardenState
	loaded bool
}

func NewGarden(env Env, opts GardenOptions) *Garden {
	if strings.TrimSpace(opts.Seed) == "" {
		opts.Seed = DefaultSeed
	}
	if opts.PostMaintenanceRescan <= 0 {
		opts.PostMaintenanceRescan = DefaultPostMaintenanceRescan
	}
	if opts.PostHarvestRescan <= 0 {
		opts.PostHarvestRescan = DefaultPostHarvestRescan
	}
	if opts.SeedShortageRetry <= 0 {
		opts.SeedShortageRetry = DefaultSeedShortageRetry
	}
	return &Garden{env: env.withDefaults(), opts: opts}
}

func (g *Garden) Name() string { return "garden" }

func (g *Garden) Start(ctx context.Context) error {
	if !g.opts.Enabled {
		return nil
	}
	g.mu.Lock()
	err := g.loadLocked(ctx)
	st := g.state
	g.mu.Unlock()

	now := g.env.now()
	g.enqueue(CmdGardenScan, "scan", later(now, st.NextScan), gardenScanPriority)
	if g.opts.Irrigate {
		g.enqueue(CmdIrrigate, "irrigate", later(now.Add(DefaultStagger), st.NextIrrigate), PeriodicPriority)
	}
	return err
}

// Rescan queues the routine scan and irrigation when no command for them is
// live, recovering from responses that never arrived.
func (g *Garden) Rescan(ctx context.Context) int {
	if !g.opts.Enabled {
		return 0
	}
	g.mu.Lock()
	if err := g.loadLocked(ctx); err != nil {
		g.env.Log.Warn("garden state load failed", logx.Err(err))
	}
	st := g.state
	g.mu.Unlock()

	now := g.env.now()
	n := 0
	if g.idle("scan") && g.enqueue(CmdGardenScan, "scan", later(now, st.NextScan), gardenScanPriority) {
		n++
	}
	if g.opts.Irrigate && g.idle("irrigate") && g.enqueue(CmdIrrigate, "irrigate", later(now, st.NextIrrigate), PeriodicPriority) {
		n++
	}
	return n
}

func (g *Garden) idle(kind string) bool {
	st, ok := g.env.Queue.State(commandKey("garden", kind, g.env.ChatID))
	return !ok || !st.Live()
}

func (g *Garden) enqueue(payload, kind string, at time.Time, prio int) bool {
	key := commandKey("garden", kind, g.env.ChatID)
	if !g.env.Queue.Enqueue(queue.Command{Payload: payload, NotBefore: at, Priority: prio, Key: key}) {
		g.env.Log.Debug("garden command already queued", logx.String("key", key))
		return false
	}
	g.env.Log.Debug("garden command queued",
		logx.String("command", payload),
		logx.Time("not_before", at),
	)
	return true
}

func (g *Garden) HandleMessage(ctx context.Context, m transport.Message) bool {
	if !g.opts.Enabled {
		return false
	}
	text := m.Text
	now := g.env.now()

	g.mu.Lock()
	defer g.mu.Unlock()
	if err := g.loadLocked(ctx); err != nil {
		g.env.Log.Warn("garden state load failed", logx.Err(err))
	}

	if plots := g.parsePlots(text, now); len(plots) > 0 {
		g.onScanLocked(plots, now)
	} else {
		switch {
		case strings.Contains(text, "灌溉"):
			g.onIrrigateLocked(text, now)
		case containsAny(text, seedShortage):
			g.onSeedShortageLocked(now)
		case strings.Contains(text, "采药"):
			g.onHarvestLocked(text, now)
		case containsAny(text, plantedWords):
			g.onPlantedLocked(text, now)
		case containsAny(text, maintainWords):
			g.onMaintenanceLocked(text, now)
		case strings.Contains(text, "小药园") && containsAny(text, cooldownWords):
			cd := g.env.Resolver.ResolveWithFallback(text, CmdGardenScan)
			g.state.NextScan = now.Add(cd)
			g.enqueue(CmdGardenScan, "scan", g.state.NextScan.Add(readyMargin), gardenScanPriority)
		default:
			return false
		}
	}

	if err := g.saveLocked(ctx); err != nil {
		g.env.Log.Warn("garden state save failed", logx.Err(err))
	}
	return true
}

// parsePlots reads one plot per "<n>号灵田" line. Growing plots get a
// maturity time when the line carries a remaining duration.
func (g *Garden) parsePlots(text string, now time.Time) []gardenPlot {
	var out []gardenPlot
	for _, line := range strings.Split(text, "\n") {
		sm := rePlot.FindStringSubmatch(strings.TrimSpace(line))
		if sm == nil {
			continue
		}
		idx, _ := strconv.Atoi(sm[1])
		p := gardenPlot{Index: idx, Seed: sm[2], State: plotState(sm[3])}
		if p.State == PlotGrowing && sm[4] != "" {
			if d, ok := g.env.Resolver.Resolve(sm[4], ""); ok {
				p.MatureAt = now.Add(d)
			}
		}
		out = append(out, p)
	}
	return out
}

func plotState(s string) PlotState {
	switch {
	case strings.Contains(s, "成熟"):
		return PlotMature
	case strings.Contains(s, "害虫"), strings.Contains(s, "虫害"):
		return PlotPest
	case strings.Contains(s, "杂草"):
		return PlotWeed
	case strings.Contains(s, "干涸"), strings.Contains(s, "缺水"):
		return PlotDry
	case strings.Contains(s, "生长"):
		return PlotGrowing
	}
	return PlotIdle
}

func (g *Garden) onScanLocked(plots []gardenPlot, now time.Time) {
	g.state.Plots = plots
	g.state.LastScan = now

	counts := countPlots(plots)
	maintained := false
	for _, m := range maintenance {
		if counts[m.state] > 0 {
			g.enqueue("."+m.action, m.action, now.Add(time.Second), gardenActionPriority)
			maintained = true
		}
	}
	harvest := counts[PlotMature] > 0
	if harvest {
		// Maintenance goes first; the harvest waits for it.
		delay := time.Second
		if maintained {
			delay = 5 * time.Second
		}
		g.enqueue(CmdHarvest, "harvest", now.Add(delay), gardenActionPriority)
	} else if counts[PlotIdle] > 0 {
		g.plantLocked(now)
	}

	switch {
	case maintained:
		g.enqueue(CmdGardenScan, "rescan", now.Add(g.opts.PostMaintenanceRescan), gardenScanPriority)
	case harvest:
		g.enqueue(CmdGardenScan, "rescan", now.Add(g.opts.PostHarvestRescan), gardenScanPriority)
	}

	next := now.Add(g.env.Resolver.Default(CmdGardenScan))
	for _, p := range plots {
		if p.State == PlotGrowing && !p.MatureAt.IsZero() && p.MatureAt.Before(next) {
			next = p.MatureAt
		}
	}
	g.state.NextScan = next
	g.enqueue(CmdGardenScan, "scan", next.Add(readyMargin), gardenScanPriority)

	g.env.Log.Info("garden scanned",
		logx.Int("plots", len(plots)),
		logx.Int("mature", counts[PlotMature]),
		logx.Int("idle", counts[PlotIdle]),
		logx.Bool("maintenance", maintained),
		logx.Time("next_scan", next),
	)
}

func countPlots(plots []gardenPlot) map[PlotState]int {
	out := map[PlotState]int{}
	for _, p := range plots {
		out[p.State]++
	}
	return out
}

// plantLocked queues one .播种 per idle plot, spaced apart.
func (g *Garden) plantLocked(at time.Time) int {
	n := 0
	for _, p := range g.state.Plots {
		if p.State != PlotIdle {
			continue
		}
		key := commandKey("garden", "seed:"+strconv.Itoa(p.Index), g.env.ChatID)
		if g.env.Queue.Enqueue(queue.Command{
			Payload:   fmt.Sprintf(".播种 %d %s", p.Index, g.opts.Seed),
			NotBefore: at.Add(time.Duration(n) * seedSpacing),
			Priority:  gardenSeedPriority,
			Key:       key,
		}) {
			n++
		}
	}
	if n > 0 {
		g.env.Log.Info("garden planting queued", logx.Int("plots", n), logx.String("seed", g.opts.Seed))
	}
	return n
}

func (g *Garden) onHarvestLocked(text string, now time.Time) {
	switch {
	case containsAny(text, harvestDone):
		g.state.LastHarvest = now
		for i := range g.state.Plots {
			if g.state.Plots[i].State == PlotMature {
				g.state.Plots[i] = gardenPlot{Index: g.state.Plots[i].Index, State: PlotIdle}
			}
		}
		g.env.Log.Info("garden harvested")
		g.plantLocked(now.Add(time.Second))
	case containsAny(text, harvestNone):
		g.env.Log.Debug("garden had nothing to harvest")
	}
}

func (g *Garden) onPlantedLocked(text string, now time.Time) {
	sm := rePlotIndex.FindStringSubmatch(text)
	if sm == nil {
		g.env.Log.Debug("garden planting confirmed")
		return
	}
	idx, _ := strconv.Atoi(sm[1])
	for i := range g.state.Plots {
		if g.state.Plots[i].Index == idx {
			g.state.Plots[i] = gardenPlot{Index: idx, State: PlotGrowing, Seed: g.opts.Seed}
		}
	}
	if d, ok := g.env.Resolver.Resolve(text, ""); ok {
		at := now.Add(d)
		if at.Before(g.state.NextScan) || g.state.NextScan.Before(now) {
			g.state.NextScan = at
		}
	}
	g.env.Log.Info("garden plot planted", logx.Int("plot", idx))
}

func (g *Garden) onSeedShortageLocked(now time.Time) {
	if g.opts.ExchangeCommand == "" {
		g.env.Log.Warn("garden is out of seeds and no exchange command is configured")
		return
	}
	if !g.state.LastSeedExchange.IsZero() && now.Sub(g.state.LastSeedExchange) < g.opts.SeedShortageRetry {
		g.env.Log.Debug("seed exchange attempted recently; skipping")
		return
	}
	if !g.enqueue(g.opts.ExchangeCommand, "exchange", now, gardenSeedPriority) {
		return
	}
	g.state.LastSeedExchange = now
	g.env.Log.Info("seed exchange queued", logx.String("command", g.opts.ExchangeCommand))
	g.plantLocked(now.Add(exchangeSettle))
}

func (g *Garden) onMaintenanceLocked(text string, now time.Time) {
	for _, m := range maintenance {
		if strings.Contains(text, "一键"+m.action+"完成") || strings.Contains(text, m.action+"成功") {
			g.state.LastMaintenance = now
			g.env.Log.Info("garden maintained", logx.String("action", m.action))
			return
		}
	}
}

func (g *Garden) onIrrigateLocked(text string, now time.Time) {
	cd := g.env.Resolver.ResolveWithFallback(text, CmdIrrigate)
	g.state.NextIrrigate = now.Add(cd)
	g.env.Log.Info("spirit tree irrigation recorded",
		logx.String("cooldown", cooldown.Format(cd)),
		logx.Time("next", g.state.NextIrrigate),
	)
	if g.opts.Irrigate {
		g.enqueue(CmdIrrigate, "irrigate", g.state.NextIrrigate.Add(readyMargin), PeriodicPriority)
	}
}

func (g *Garden) Status() GardenStatus {
	g.mu.Lock()
	defer g.mu.Unlock()
	return GardenStatus{
		Enabled:     g.opts.Enabled,
		Plots:       countPlots(g.state.Plots),
		LastHarvest: g.state.LastHarvest,
		NextScan:    g.state.NextScan,
	}
}

func (g *Garden) loadLocked(ctx context.Context) error {
	if g.loaded {
		return nil
	}
	doc := map[string]gardenState{}
	if _, err := storage.LoadJSON(ctx, g.env.Store, gardenDoc, &doc); err != nil {
		return err
	}
	g.state = doc[g.env.stateKey()]
	g.loaded = true
	return nil
}

func (g *Garden) saveLocked(ctx context.Context) error {
	doc := map[string]gardenState{}
	if _, err := storage.LoadJSON(ctx, g.env.Store, gardenDoc, &doc); err != nil {
		return err
	}
	doc[g.env.stateKey()] = g.state
	return storage.SaveJSON(ctx, g.env.Store, gardenDoc, doc)
}

// later returns at when it lies after now, otherwise now.
func later(now, at time.Time) time.Time {
	if at.After(now) {
		return at
	}
	return now
}
