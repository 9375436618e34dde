package mtproto

import (
	"errors"
	"time"

	"github.com/gotd/td/tg"
	"github.com/gotd/td/tgerr"

	kit "tgsigner/internal/transport"
)

// Bot API chat ids: supergroups and channels live below -10^12, basic
// groups are negated. The rest of the app keys chats this way.
const channelIDBase = -1_000_000_000_000

func channelChatID(id int64) int64 { return channelIDBase - id }
func basicChatID(id int64) int64   { return -id }

// chatIDOf maps a peer onto its Bot API chat id.
func chatIDOf(p tg.PeerClass) (int64, bool) {
	switch p := p.(type) {
	case *tg.PeerChannel:
		return channelChatID(p.ChannelID), true
	case *tg.PeerChat:
		return basicChatID(p.ChatID), true
	case *tg.PeerUser:
		return p.UserID, true
	}
	return 0, false
}

// convertMessage turns an incoming message into the transport form. Messages
// sent by this account and messages without text are skipped.
func convertMessage(m *tg.Message, e tg.Entities) (kit.Message, bool) {
	if m == nil || m.Out || m.Message == "" {
		return kit.Message{}, false
	}
	chat, ok := chatIDOf(m.PeerID)
	if !ok {
		return kit.Message{}, false
	}
	out := kit.Message{
		ID:        m.ID,
		ChatID:    chat,
		Text:      m.Message,
		Mentioned: m.Mentioned,
	}

	from, hasFrom := m.GetFromID()
	if !hasFrom {
		// Private chats carry the sender as the peer.
		if _, private := m.PeerID.(*tg.PeerUser); private {
			from, hasFrom = m.PeerID, true
		}
	}
	if pu, isUser := from.(*tg.PeerUser); hasFrom && isUser {
		out.FromID = pu.UserID
		if u := e.Users[pu.UserID]; u != nil {
			out.FromUsername = u.Username
			out.FromIsBot = u.Bot
		}
	}

	if h, ok := m.ReplyTo.(*tg.MessageReplyHeader); ok {
		out.ReplyToID = h.ReplyToMsgID
		if h.ForumTopic {
			out.ThreadID = h.ReplyToTopID
			if out.ThreadID == 0 {
				out.ThreadID = h.ReplyToMsgID
			}
		}
	}
	return out, true
}

// sentMessageID digs the id of a just-sent message out of the updates
// Telegram answers a send with.
func sentMessageID(u tg.UpdatesClass) int {
	var list []tg.UpdateClass
	switch u := u.(type) {
	case *tg.UpdateShortSentMessage:
		return u.ID
	case *tg.Updates:
		list = u.Updates
	case *tg.UpdatesCombined:
		list = u.Updates
	default:
		return 0
	}
	for _, up := range list {
		switch up := up.(type) {
		case *tg.UpdateMessageID:
			return up.ID
		case *tg.UpdateNewMessage:
			if m, ok := up.Message.(*tg.Message); ok {
				return m.ID
			}
		case *tg.UpdateNewChannelMessage:
			if m, ok := up.Message.(*tg.Message); ok {
				return m.ID
			}
		}
	}
	return 0
}

// classify maps RPC failures onto the transport error contract. FLOOD_WAIT
// and SLOWMODE_WAIT carry their delay as the error argument.
func classify(err error) error {
	if err == nil {
		return nil
	}
	if d, ok := tgerr.AsFloodWait(err); ok {
		return kit.RetryAfter(err, d)
	}
	var rpc *tgerr.Error
	if errors.As(err, &rpc) && rpc.IsType("SLOWMODE_WAIT") {
		return kit.RetryAfter(err, time.Duration(rpc.Argument)*time.Second)
	}
	return kit.ClassifyText(err)
}
