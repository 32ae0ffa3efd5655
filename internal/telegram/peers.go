package telegram

import (
	"context"
	"fmt"
	"sync"

	"github.com/gotd/td/tg"

	"github.com/danhigham/telefleet/internal/authz"
	"github.com/danhigham/telefleet/internal/domain"
	"github.com/danhigham/telefleet/internal/transport"
)

const participantsLimit = 200

type cachedPeer struct {
	input tg.InputPeerClass
	title string
}

// peerCache remembers the access hashes seen in update entities, keyed by
// chat id suffix and numeric id.
type peerCache struct {
	mu    sync.RWMutex
	peers map[string]cachedPeer
}

func newPeerCache() *peerCache {
	return &peerCache{peers: make(map[string]cachedPeer)}
}

func (p *peerCache) remember(e tg.Entities) {
	p.mu.Lock()
	defer p.mu.Unlock()

	for id, u := range e.Users {
		p.peers[userChatID(id)] = cachedPeer{
			input: &tg.InputPeerUser{UserID: id, AccessHash: u.AccessHash},
			title: displayName(u),
		}
	}
	for id, ch := range e.Chats {
		p.peers[groupChatID(id)] = cachedPeer{
			input: &tg.InputPeerChat{ChatID: id},
			title: ch.Title,
		}
	}
	for id, ch := range e.Channels {
		key := channelChatID(id)
		if ch.Megagroup {
			key = groupChatID(id)
		}
		p.peers[key] = cachedPeer{
			input: &tg.InputPeerChannel{ChannelID: id, AccessHash: ch.AccessHash},
			title: ch.Title,
		}
	}
}

func (p *peerCache) get(chatID string) (cachedPeer, bool) {
	p.mu.RLock()
	defer p.mu.RUnlock()
	cp, ok := p.peers[chatID]
	return cp, ok
}

func (p *peerCache) lookup(id int64, suffix string) (tg.InputPeerClass, bool) {
	var key string
	switch suffix {
	case authz.SuffixDM:
		key = userChatID(id)
	case authz.SuffixGroup:
		key = groupChatID(id)
	case authz.SuffixChannel:
		key = channelChatID(id)
	default:
		return nil, false
	}
	cp, ok := p.get(key)
	return cp.input, ok
}

// GroupMetadata fetches the subject and participants of a basic group or
// megagroup.
func (c *Conn) GroupMetadata(ctx context.Context, chatID string) (domain.GroupMetadata, error) {
	if c.closed() {
		return domain.GroupMetadata{}, transport.ErrClosed
	}
	cp, ok := c.peers.get(chatID)
	if !ok {
		return domain.GroupMetadata{}, fmt.Errorf("unknown group %s", chatID)
	}

	switch peer := cp.input.(type) {
	case *tg.InputPeerChat:
		full, err := c.api.MessagesGetFullChat(ctx, peer.ChatID)
		if err != nil {
			return domain.GroupMetadata{}, fmt.Errorf("get full chat: %w", err)
		}
		meta := domain.GroupMetadata{Subject: cp.title}
		if f, ok := full.FullChat.(*tg.ChatFull); ok {
			meta.Participants = chatParticipants(f.Participants)
		}
		return meta, nil

	case *tg.InputPeerChannel:
		ch := &tg.InputChannel{ChannelID: peer.ChannelID, AccessHash: peer.AccessHash}
		meta := domain.GroupMetadata{Subject: cp.title}
		for _, filter := range []tg.ChannelParticipantsFilterClass{
			&tg.ChannelParticipantsRecent{},
			&tg.ChannelParticipantsAdmins{},
		} {
			res, err := c.api.ChannelsGetParticipants(ctx, &tg.ChannelsGetParticipantsRequest{
				Channel: ch,
				Filter:  filter,
				Limit:   participantsLimit,
			})
			if err != nil {
				return domain.GroupMetadata{}, fmt.Errorf("get participants: %w", err)
			}
			list, ok := res.(*tg.ChannelsChannelParticipants)
			if !ok {
				continue
			}
			for _, p := range list.Participants {
				if dp, ok := channelParticipant(p); ok {
					meta.Participants = mergeParticipants(meta.Participants, dp)
				}
			}
		}
		return meta, nil

	default:
		return domain.GroupMetadata{}, fmt.Errorf("%s is not a group", chatID)
	}
}
