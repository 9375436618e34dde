package rules

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"tgsigner/internal/queue"
	"tgsigner/internal/transport"
)

func TestActivityAnswersSoulSacrifice(t *testing.T) {
	t.Parallel()
	f := newFixture(t)
	a, err := NewActivity(f.env, true, nil)
	require.NoError(t, err)
	ctx := context.Background()
	now := f.clock.Now()

	assert.False(t, a.HandleMessage(ctx, gameMsg("今日风和日丽")))
	assert.True(t, a.HandleMessage(ctx, gameMsg("血色祭坛升起！回复本消息 .收敛气息 可避开锁定")))

	cmd := f.queued(t, "activity:.收敛气息:-100123")
	assert.Equal(t, ".收敛气息", cmd.Payload)
	assert.Equal(t, ActivityPriority, cmd.Priority)
	assert.True(t, cmd.NotBefore.Equal(now))
	assert.Equal(t, 10, a.ReplyTo(".收敛气息"))

	// Seeing the prompt again does not queue a second answer.
	assert.True(t, a.HandleMessage(ctx, gameMsg("你感到一股无法抗拒的意志锁定了你的神魂")))
	assert.Equal(t, 1, f.q.Len())

	f.clock.Advance(activityReplyWindow + time.Second)
	assert.Equal(t, 0, a.ReplyTo(".收敛气息"))
}

func TestActivityNoReplyAndExtraPatterns(t *testing.T) {
	t.Parallel()
	f := newFixture(t)
	a, err := NewActivity(f.env, true, []ActivityPattern{
		{Name: "灵兽", Patterns: []string{`灵兽出没`}, Response: ".捕捉", Priority: 2},
	})
	require.NoError(t, err)
	ctx := context.Background()

	assert.True(t, a.HandleMessage(ctx, gameMsg("【洞府传音】有道友来访")))
	assert.Equal(t, 0, a.ReplyTo(".查看访客"), "visitor answers are plain messages")
	assert.Equal(t, ".查看访客", f.queued(t, "activity:.查看访客:-100123").Payload)

	assert.True(t, a.HandleMessage(ctx, gameMsg("后山灵兽出没！")))
	assert.Equal(t, 2, f.queued(t, "activity:.捕捉:-100123").Priority)
}

func TestActivityDisabledAndInvalid(t *testing.T) {
	t.Parallel()
	f := newFixture(t)
	a, err := NewActivity(f.env, false, nil)
	require.NoError(t, err)
	assert.False(t, a.HandleMessage(context.Background(), gameMsg("回复本消息 .献上魂魄")))
	assert.Equal(t, 0, f.q.Len())

	_, err = NewActivity(f.env, true, []ActivityPattern{{Name: "bad", Patterns: []string{"("}, Response: ".x"}})
	assert.Error(t, err)
	assert.Error(t, CompileActivities([]ActivityPattern{{Name: "empty", Patterns: []string{"x"}}}))
	assert.Error(t, CompileActivities([]ActivityPattern{{Name: "none", Response: ".x"}}))
	assert.NoError(t, CompileActivities(DefaultActivities))
}

func TestGameSenderRepliesToActivityPrompt(t *testing.T) {
	t.Parallel()
	f := newFixture(t)
	d := NewDaily(f.env, DailyOptions{})
	a, err := NewActivity(f.env, true, nil)
	require.NoError(t, err)
	out := &recordingSender{}
	s := NewGameSender(out, transport.ChatTarget{ChatID: testChat}, ReplyTrackers{d, a})
	ctx := context.Background()

	msg := gameMsg("回复本消息 .收敛气息")
	msg.ID = 321
	require.True(t, a.HandleMessage(ctx, msg))

	_, err = s.Send(ctx, f.queued(t, "activity:.收敛气息:-100123"))
	require.NoError(t, err)
	assert.Equal(t, 321, out.opts[0].ReplyTo)

	// Daily still sees every sent id.
	_, err = s.Send(ctx, f.queued(t, "activity:.收敛气息:-100123"))
	require.NoError(t, err)
	_, err = s.Send(ctx, queue.Command{Payload: CmdTransmission})
	require.NoError(t, err)
	assert.Equal(t, 2, out.opts[2].ReplyTo)
}
