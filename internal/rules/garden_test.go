package rules

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"tgsigner/internal/queue"
)

const gardenScanText = `【小药园】
1号灵田: 清灵草种子 - 已成熟 ✨
2号灵田: 凝血草种子 - 生长中 🌱 (剩余: 10分钟)
3号灵田: 空闲
4号灵田: 凝血草种子 - 有害虫 🐛`

func TestGardenScanQueuesMaintenanceThenHarvest(t *testing.T) {
	t.Parallel()
	f := newFixture(t)
	g := NewGarden(f.env, GardenOptions{Enabled: true})
	ctx := context.Background()
	now := f.clock.Now()

	require.True(t, g.HandleMessage(ctx, gameMsg(gardenScanText)))

	pest := f.queued(t, "garden:除虫:-100123")
	assert.Equal(t, ".除虫", pest.Payload)
	assert.Equal(t, now.Add(time.Second), pest.NotBefore)

	harvest := f.queued(t, "garden:harvest:-100123")
	assert.Equal(t, CmdHarvest, harvest.Payload)
	assert.Equal(t, now.Add(5*time.Second), harvest.NotBefore, "harvest waits for maintenance")

	assert.Equal(t, now.Add(DefaultPostMaintenanceRescan), f.queued(t, "garden:rescan:-100123").NotBefore)

	// The growing plot matures before the routine 15 minute scan.
	scan := f.queued(t, "garden:scan:-100123")
	assert.Equal(t, now.Add(10*time.Minute+readyMargin), scan.NotBefore)
	assert.Equal(t, gardenScanPriority, scan.Priority)

	for _, c := range f.q.Snapshot() {
		assert.NotContains(t, c.Payload, ".播种", "planting waits for the harvest")
	}
	st := g.Status()
	assert.Equal(t, map[PlotState]int{PlotMature: 1, PlotGrowing: 1, PlotIdle: 1, PlotPest: 1}, st.Plots)
}

func TestGardenHarvestReplantsFreedPlots(t *testing.T) {
	t.Parallel()
	f := newFixture(t)
	g := NewGarden(f.env, GardenOptions{Enabled: true, Seed: "清灵草种子"})
	ctx := context.Background()
	now := f.clock.Now()

	require.True(t, g.HandleMessage(ctx, gameMsg(gardenScanText)))
	require.True(t, g.HandleMessage(ctx, gameMsg("一键采药完成，获得清灵草x2")))

	one := f.queued(t, "garden:seed:1:-100123")
	assert.Equal(t, ".播种 1 清灵草种子", one.Payload)
	assert.Equal(t, now.Add(time.Second), one.NotBefore)
	three := f.queued(t, "garden:seed:3:-100123")
	assert.Equal(t, now.Add(time.Second+seedSpacing), three.NotBefore)
	assert.Equal(t, now, g.Status().LastHarvest)

	require.True(t, g.HandleMessage(ctx, gameMsg("你在1号灵田播下了清灵草种子，预计 30分钟 后成熟")))
	assert.Equal(t, 1, g.Status().Plots[PlotIdle])
}

func TestGardenSeedShortageExchangesOnce(t *testing.T) {
	t.Parallel()
	f := newFixture(t)
	g := NewGarden(f.env, GardenOptions{Enabled: true, ExchangeCommand: ".兑换 凝血草种子 5"})
	ctx := context.Background()
	now := f.clock.Now()

	require.True(t, g.HandleMessage(ctx, gameMsg("1号灵田: 空闲\n2号灵田: 空闲")))
	assert.Equal(t, now, f.queued(t, "garden:seed:1:-100123").NotBefore)
	assert.Equal(t, now.Add(seedSpacing), f.queued(t, "garden:seed:2:-100123").NotBefore)
	f.q.MarkCompleted("garden:seed:1:-100123", false)
	f.q.MarkCompleted("garden:seed:2:-100123", false)

	require.True(t, g.HandleMessage(ctx, gameMsg("播种失败：种子不足")))
	ex := f.queued(t, "garden:exchange:-100123")
	assert.Equal(t, ".兑换 凝血草种子 5", ex.Payload)
	assert.Equal(t, now, ex.NotBefore)
	assert.Equal(t, now.Add(exchangeSettle), f.queued(t, "garden:seed:1:-100123").NotBefore)
	assert.Equal(t, now.Add(exchangeSettle+seedSpacing), f.queued(t, "garden:seed:2:-100123").NotBefore)

	f.q.MarkCompleted("garden:exchange:-100123", true)
	f.clock.Advance(time.Minute)
	require.True(t, g.HandleMessage(ctx, gameMsg("播种失败：种子不足")))
	st, _ := f.q.State("garden:exchange:-100123")
	assert.Equal(t, queue.StateCompleted, st, "no second exchange inside the retry window")
}

func TestGardenCooldownTextUsesFallback(t *testing.T) {
	t.Parallel()
	f := newFixture(t)
	g := NewGarden(f.env, GardenOptions{Enabled: true, Irrigate: true})
	ctx := context.Background()
	now := f.clock.Now()

	require.True(t, g.HandleMessage(ctx, gameMsg("灵树灌溉成功！请在 50分钟 后再来")))
	irr := f.queued(t, "garden:irrigate:-100123")
	assert.Equal(t, CmdIrrigate, irr.Payload)
	assert.Equal(t, now.Add(50*time.Minute+readyMargin), irr.NotBefore)

	f.q.MarkCompleted("garden:irrigate:-100123", true)
	require.True(t, g.HandleMessage(ctx, gameMsg("灵树已灌溉过，稍后再试")))
	assert.Equal(t, now.Add(time.Hour+readyMargin), f.queued(t, "garden:irrigate:-100123").NotBefore)

	require.True(t, g.HandleMessage(ctx, gameMsg("小药园冷却中")))
	assert.Equal(t, now.Add(15*time.Minute+readyMargin), f.queued(t, "garden:scan:-100123").NotBefore)

	assert.False(t, g.HandleMessage(ctx, gameMsg("今日天气晴")))
}

func TestGardenStartRescanAndDisabled(t *testing.T) {
	t.Parallel()
	f := newFixture(t)
	ctx := context.Background()
	now := f.clock.Now()

	off := NewGarden(f.env, GardenOptions{})
	require.NoError(t, off.Start(ctx))
	assert.False(t, off.HandleMessage(ctx, gameMsg(gardenScanText)))
	assert.Equal(t, 0, off.Rescan(ctx))
	assert.Equal(t, 0, f.q.Len())

	g := NewGarden(f.env, GardenOptions{Enabled: true, Irrigate: true})
	require.NoError(t, g.Start(ctx))
	assert.Equal(t, now, f.queued(t, "garden:scan:-100123").NotBefore)
	assert.Equal(t, now.Add(DefaultStagger), f.queued(t, "garden:irrigate:-100123").NotBefore)
	assert.Equal(t, 0, g.Rescan(ctx), "both commands are still live")

	f.q.MarkCompleted("garden:scan:-100123", true)
	f.q.MarkCompleted("garden:irrigate:-100123", true)
	assert.Equal(t, 2, g.Rescan(ctx))

	// State survives a restart.
	f.q.MarkCompleted("garden:scan:-100123", true)
	require.True(t, g.HandleMessage(ctx, gameMsg(gardenScanText)))
	again := NewGarden(f.env, GardenOptions{Enabled: true})
	assert.Equal(t, 0, again.Rescan(ctx), "the scan queued after the last result is live")
	assert.Equal(t, 1, again.Status().Plots[PlotMature])
}
