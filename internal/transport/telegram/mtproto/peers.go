package mtproto

import (
	"context"
	"sync"

	"github.com/gotd/td/tg"
)

// peerCache maps Bot API chat ids to input peers. Sending to a channel
// needs its access hash, which only arrives with dialogs or updates.
type peerCache struct {
	mu    sync.RWMutex
	peers map[int64]tg.InputPeerClass
}

func newPeerCache() *peerCache {
	return &peerCache{peers: map[int64]tg.InputPeerClass{}}
}

func (c *peerCache) get(chatID int64) (tg.InputPeerClass, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	p, ok := c.peers[chatID]
	return p, ok
}

func (c *peerCache) learnChats(chats []tg.ChatClass) {
	c.mu.Lock()
	defer c.mu.Unlock()
	for _, ch := range chats {
		switch ch := ch.(type) {
		case *tg.Channel:
			c.peers[channelChatID(ch.ID)] = &tg.InputPeerChannel{ChannelID: ch.ID, AccessHash: ch.AccessHash}
		case *tg.Chat:
			c.peers[basicChatID(ch.ID)] = &tg.InputPeerChat{ChatID: ch.ID}
		}
	}
}

// learn records every peer an update mentions.
func (c *peerCache) learn(e tg.Entities) {
	c.mu.Lock()
	defer c.mu.Unlock()
	for id, ch := range e.Channels {
		c.peers[channelChatID(id)] = &tg.InputPeerChannel{ChannelID: id, AccessHash: ch.AccessHash}
	}
	for id := range e.Chats {
		c.peers[basicChatID(id)] = &tg.InputPeerChat{ChatID: id}
	}
	for id, u := range e.Users {
		c.peers[id] = &tg.InputPeerUser{UserID: id, AccessHash: u.AccessHash}
	}
}

// warm loads the most recent dialogs. The game chat is normally among them.
func (c *peerCache) warm(ctx context.Context, api *tg.Client) (int, error) {
	res, err := api.MessagesGetDialogs(ctx, &tg.MessagesGetDialogsRequest{
		OffsetPeer: &tg.InputPeerEmpty{},
		Limit:      100,
	})
	if err != nil {
		return 0, err
	}
	var chats []tg.ChatClass
	switch res := res.(type) {
	case *tg.MessagesDialogs:
		chats = res.Chats
	case *tg.MessagesDialogsSlice:
		chats = res.Chats
	}
	c.learnChats(chats)
	return len(chats), nil
}
