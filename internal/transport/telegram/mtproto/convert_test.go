package mtproto

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/gotd/td/tg"
	"github.com/gotd/td/tgerr"

	kit "tgsigner/internal/transport"
	logx "tgsigner/pkg/logx"
)

const gameChannel = 1234567890

func gameEntities() tg.Entities {
	return tg.Entities{
		Users: map[int64]*tg.User{
			42: {ID: 42, Username: "xiuxian_bot", Bot: true},
			7:  {ID: 7, Username: "daoyou"},
		},
		Channels: map[int64]*tg.Channel{
			gameChannel: {ID: gameChannel, AccessHash: 99},
		},
	}
}

func TestConvertMessage(t *testing.T) {
	t.Parallel()

	e := gameEntities()
	m := &tg.Message{
		ID:        501,
		PeerID:    &tg.PeerChannel{ChannelID: gameChannel},
		FromID:    &tg.PeerUser{UserID: 42},
		Message:   "闭关成功，修为精进",
		Mentioned: true,
		ReplyTo:   &tg.MessageReplyHeader{ReplyToMsgID: 500},
	}
	got, ok := convertMessage(m, e)
	if !ok {
		t.Fatalf("game message must convert")
	}
	want := kit.Message{
		ID:           501,
		ChatID:       -1001234567890,
		FromID:       42,
		FromUsername: "xiuxian_bot",
		FromIsBot:    true,
		Mentioned:    true,
		ReplyToID:    500,
		Text:         "闭关成功，修为精进",
	}
	if got != want {
		t.Fatalf("convert mismatch:\n got %+v\nwant %+v", got, want)
	}
}

func TestConvertMessageSkipsAndEdges(t *testing.T) {
	t.Parallel()

	e := gameEntities()
	chanPeer := &tg.PeerChannel{ChannelID: gameChannel}

	if _, ok := convertMessage(&tg.Message{Out: true, PeerID: chanPeer, Message: ".闭关修炼"}, e); ok {
		t.Fatalf("own messages must be skipped")
	}
	if _, ok := convertMessage(&tg.Message{PeerID: chanPeer}, e); ok {
		t.Fatalf("messages without text must be skipped")
	}
	if _, ok := convertMessage(nil, e); ok {
		t.Fatalf("nil must be skipped")
	}

	post, ok := convertMessage(&tg.Message{ID: 3, PeerID: chanPeer, Message: "公告"}, e)
	if !ok || !post.IsChannelPost() {
		t.Fatalf("a message without sender is a channel post: %+v", post)
	}

	dm, ok := convertMessage(&tg.Message{ID: 4, PeerID: &tg.PeerUser{UserID: 7}, Message: "你好"}, e)
	if !ok || dm.ChatID != 7 || dm.FromID != 7 || dm.FromUsername != "daoyou" || dm.FromIsBot {
		t.Fatalf("private chat sender must come from the peer: %+v", dm)
	}

	group, ok := convertMessage(&tg.Message{ID: 5, PeerID: &tg.PeerChat{ChatID: 555}, FromID: &tg.PeerUser{UserID: 8}, Message: "x"}, e)
	if !ok || group.ChatID != -555 || group.FromID != 8 || group.FromUsername != "" {
		t.Fatalf("basic group mapping: %+v", group)
	}

	topic, _ := convertMessage(&tg.Message{
		ID: 6, PeerID: chanPeer, FromID: &tg.PeerUser{UserID: 42}, Message: "x",
		ReplyTo: &tg.MessageReplyHeader{ForumTopic: true, ReplyToMsgID: 80},
	}, e)
	if topic.ThreadID != 80 || topic.ReplyToID != 80 {
		t.Fatalf("a post at the top of a topic belongs to that topic: %+v", topic)
	}
	nested, _ := convertMessage(&tg.Message{
		ID: 7, PeerID: chanPeer, Message: "x",
		ReplyTo: &tg.MessageReplyHeader{ForumTopic: true, ReplyToMsgID: 90, ReplyToTopID: 80},
	}, e)
	if nested.ThreadID != 80 || nested.ReplyToID != 90 {
		t.Fatalf("nested topic reply: %+v", nested)
	}
}

func TestSentMessageID(t *testing.T) {
	t.Parallel()

	cases := []struct {
		name string
		in   tg.UpdatesClass
		want int
	}{
		{"short", &tg.UpdateShortSentMessage{ID: 11}, 11},
		{"id update", &tg.Updates{Updates: []tg.UpdateClass{&tg.UpdateMessageID{ID: 12, RandomID: 1}}}, 12},
		{"channel message", &tg.Updates{Updates: []tg.UpdateClass{
			&tg.UpdateNewChannelMessage{Message: &tg.Message{ID: 13}},
		}}, 13},
		{"combined", &tg.UpdatesCombined{Updates: []tg.UpdateClass{
			&tg.UpdateNewMessage{Message: &tg.Message{ID: 14}},
		}}, 14},
		{"unknown", &tg.UpdatesTooLong{}, 0},
	}
	for _, tc := range cases {
		if got := sentMessageID(tc.in); got != tc.want {
			t.Fatalf("%s: got %d want %d", tc.name, got, tc.want)
		}
	}
}

func TestClassify(t *testing.T) {
	t.Parallel()

	cases := []struct {
		name string
		err  error
		want time.Duration
		ok   bool
	}{
		{"flood wait", tgerr.New(420, "FLOOD_WAIT_30"), 30 * time.Second, true},
		{"wrapped flood wait", fmt.Errorf("send: %w", tgerr.New(420, "FLOOD_WAIT_7")), 7 * time.Second, true},
		{"slow mode", tgerr.New(400, "SLOWMODE_WAIT_12"), 12 * time.Second, true},
		{"text fallback", errors.New("rpc: wait of 5 seconds is required"), 5 * time.Second, true},
		{"plain", tgerr.New(400, "CHAT_WRITE_FORBIDDEN"), 0, false},
	}
	for _, tc := range cases {
		d, ok := kit.IsThrottled(classify(tc.err))
		if ok != tc.ok || d != tc.want {
			t.Fatalf("%s: got (%v,%v) want (%v,%v)", tc.name, d, ok, tc.want, tc.ok)
		}
	}
	if classify(nil) != nil {
		t.Fatalf("nil must stay nil")
	}
}

func TestPeerCacheLearns(t *testing.T) {
	t.Parallel()

	c := newPeerCache()
	c.learn(gameEntities())
	p, ok := c.get(-1001234567890)
	if !ok {
		t.Fatalf("channel must be learned from update entities")
	}
	ch, ok := p.(*tg.InputPeerChannel)
	if !ok || ch.ChannelID != gameChannel || ch.AccessHash != 99 {
		t.Fatalf("channel peer: %#v", p)
	}

	c.learnChats([]tg.ChatClass{&tg.Chat{ID: 555}, &tg.ChatEmpty{ID: 9}})
	if p, ok := c.get(-555); !ok || p.(*tg.InputPeerChat).ChatID != 555 {
		t.Fatalf("basic group peer: %#v", p)
	}
	if _, ok := c.get(-9); ok {
		t.Fatalf("empty chats must not become peers")
	}
}

func TestAdapterForwardAndSendBeforeLogin(t *testing.T) {
	t.Parallel()

	if _, err := New(Config{AppHash: "h", Phone: "+1"}, logx.Nop()); err == nil {
		t.Fatalf("missing app id must be rejected")
	}
	a, err := New(Config{AppID: 1, AppHash: "h", Phone: "+1", ChatIDs: []int64{-1001234567890}}, logx.Nop())
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	out := make(chan kit.Update, 2)
	a.out.Store((chan<- kit.Update)(out))
	e := gameEntities()
	a.onMessage(e, &tg.Message{ID: 1, PeerID: &tg.PeerChannel{ChannelID: gameChannel}, FromID: &tg.PeerUser{UserID: 42}, Message: "签到成功"})
	a.onMessage(e, &tg.Message{ID: 2, PeerID: &tg.PeerChat{ChatID: 555}, Message: "别的群"})
	a.onMessage(e, &tg.MessageService{ID: 3, PeerID: &tg.PeerChannel{ChannelID: gameChannel}})
	if len(out) != 1 {
		t.Fatalf("only the game chat's text messages are forwarded, got %d", len(out))
	}
	if up := <-out; up.Message.Text != "签到成功" || !up.Message.FromIsBot {
		t.Fatalf("forwarded: %+v", up.Message)
	}

	_, err = a.SendText(context.Background(), kit.ChatTarget{ChatID: -1001234567890}, ".宗门点卯", nil)
	if !errors.Is(err, kit.ErrNotRunning) {
		t.Fatalf("send before login must report not running, got %v", err)
	}
}
