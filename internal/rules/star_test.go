package rules

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"tgsigner/internal/queue"
)

func assertWithin(t *testing.T, got, from time.Time, lo, hi time.Duration) {
	t.Helper()
	d := got.Sub(from)
	assert.True(t, d >= lo && d <= hi, "offset %v not within [%v, %v]", d, lo, hi)
}

func TestStarStartPacifiesThenObserves(t *testing.T) {
	t.Parallel()
	f := newFixture(t)
	s := NewStar(f.env, StarOptions{Enabled: true})
	ctx := context.Background()
	now := f.clock.Now()

	require.NoError(t, s.Start(ctx))
	pacify := f.queued(t, "star:pacify:-100123")
	assert.Equal(t, CmdPacify, pacify.Payload)
	assert.Equal(t, 0, pacify.Priority)
	assert.Equal(t, now, pacify.NotBefore)

	observe := f.queued(t, "star:observe:-100123")
	assert.Equal(t, 1, observe.Priority)
	assertWithin(t, observe.NotBefore, now, 3*time.Second, 6*time.Second)

	off := NewStar(f.env, StarOptions{})
	require.NoError(t, off.Start(ctx))
	assert.False(t, off.HandleMessage(ctx, gameMsg("1号引星盘: 空闲")))
	assert.Equal(t, 0, off.Rescan(ctx))
}

func TestStarObservationPullsCollectsAndReschedules(t *testing.T) {
	t.Parallel()
	f := newFixture(t)
	s := NewStar(f.env, StarOptions{Enabled: true})
	ctx := context.Background()
	now := f.clock.Now()

	text := "【观星台】\n" +
		"1号引星盘: 赤血星 - 凝聚中 (剩余: 3小时)\n" +
		"2号引星盘: 空闲\n" +
		"3号引星盘: 庚金星 - 精华已成\n" +
		"4号引星盘: 空闲"
	require.True(t, s.HandleMessage(ctx, gameMsg(text)))

	two := f.queued(t, "star:pull:2:-100123")
	assert.Equal(t, ".牵引星辰 2 天雷星", two.Payload)
	assertWithin(t, two.NotBefore, now, 3*time.Second, 8*time.Second)
	assert.Equal(t, ".牵引星辰 4 赤血星", f.queued(t, "star:pull:4:-100123").Payload)

	collect := f.queued(t, "star:collect:-100123")
	assert.Equal(t, CmdCollect, collect.Payload)
	assert.Equal(t, 0, collect.Priority)

	// The routine 10 minute look comes before the condensing plate is ready.
	assert.Equal(t, now.Add(10*time.Minute+readyMargin), f.queued(t, "star:observe:-100123").NotBefore)

	st := s.Status()
	assert.Equal(t, 2, st.SequenceIndex)
	assert.Equal(t, map[PlateState]int{PlateCondensing: 1, PlateIdle: 2, PlateReady: 1}, st.Plates)

	// The rotation continues after a restart.
	f.q.MarkCompleted("star:pull:2:-100123", true)
	again := NewStar(f.env, StarOptions{Enabled: true})
	require.True(t, again.HandleMessage(ctx, gameMsg("2号引星盘: 空闲")))
	assert.Equal(t, ".牵引星辰 2 庚金星", f.queued(t, "star:pull:2:-100123").Payload)
}

func TestStarAgitatedPlatePacifiesOncePerWindow(t *testing.T) {
	t.Parallel()
	f := newFixture(t)
	s := NewStar(f.env, StarOptions{Enabled: true})
	ctx := context.Background()
	now := f.clock.Now()

	require.True(t, s.HandleMessage(ctx, gameMsg("1号引星盘: 天雷星 - 星光黯淡，星辰躁动")))
	assert.Equal(t, now, f.queued(t, "star:pacify:-100123").NotBefore)

	f.q.MarkCompleted("star:pacify:-100123", true)
	f.q.MarkCompleted("star:observe:-100123", true)
	require.True(t, s.HandleMessage(ctx, gameMsg("你成功安抚了躁动的星辰")))
	assert.Equal(t, now, s.Status().LastPacify)
	assertWithin(t, f.queued(t, "star:observe:-100123").NotBefore, now, 5*time.Second, 8*time.Second)

	f.clock.Advance(time.Minute)
	require.True(t, s.HandleMessage(ctx, gameMsg("1号引星盘: 天雷星 - 星光黯淡")))
	st, _ := f.q.State("star:pacify:-100123")
	assert.Equal(t, queue.StateCompleted, st, "pacified a minute ago")
}

func TestStarPullAndCooldownTexts(t *testing.T) {
	t.Parallel()
	f := newFixture(t)
	s := NewStar(f.env, StarOptions{Enabled: true})
	ctx := context.Background()
	now := f.clock.Now()

	require.True(t, s.HandleMessage(ctx, gameMsg("牵引成功！赤血星开始凝聚")))
	assert.Equal(t, now.Add(4*time.Hour), s.Status().NextObserve)

	require.True(t, s.HandleMessage(ctx, gameMsg("牵引成功！庚金星需 2小时 凝聚")))
	st := s.Status()
	assert.Equal(t, now.Add(2*time.Hour), st.NextObserve, "the sooner plate wins")
	assert.Equal(t, 2, st.StarsPulled)

	require.True(t, s.HandleMessage(ctx, gameMsg("收集精华成功，获得星辰精华x3")))
	assert.Equal(t, 1, s.Status().EssenceCollected)
	assertWithin(t, f.queued(t, "star:observe:-100123").NotBefore, now, 3*time.Second, 6*time.Second)

	f.q.MarkCompleted("star:observe:-100123", true)
	require.True(t, s.HandleMessage(ctx, gameMsg("观星台冷却中，请在 4分钟 后再来")))
	assert.Equal(t, now.Add(4*time.Minute+readyMargin), f.queued(t, "star:observe:-100123").NotBefore)

	f.q.MarkCompleted("star:observe:-100123", true)
	require.True(t, s.HandleMessage(ctx, gameMsg("观星台冷却中")))
	assert.Equal(t, now.Add(10*time.Minute+readyMargin), f.queued(t, "star:observe:-100123").NotBefore)

	assert.False(t, s.HandleMessage(ctx, gameMsg("今日宜修炼")))
}
