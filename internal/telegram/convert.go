package telegram

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/gotd/td/tg"
	"github.com/gotd/td/tgerr"

	"github.com/danhigham/telefleet/internal/authz"
	"github.com/danhigham/telefleet/internal/domain"
	"github.com/danhigham/telefleet/internal/transport"
)

// revokedErrors are RPC error types meaning the authorization is gone.
var revokedErrors = []string{
	"AUTH_KEY_UNREGISTERED",
	"AUTH_KEY_INVALID",
	"AUTH_KEY_DUPLICATED",
	"SESSION_REVOKED",
	"SESSION_EXPIRED",
	"USER_DEACTIVATED",
	"USER_DEACTIVATED_BAN",
}

// closeCode maps the error that ended a client run to a close code.
func closeCode(err error, local bool) int {
	switch {
	case tgerr.Is(err, revokedErrors...), tgerr.IsCode(err, 401):
		return transport.CodeLoggedOut
	case local, errors.Is(err, context.Canceled):
		return transport.CodeClosed
	default:
		return transport.CodeConnectionLost
	}
}

func userChatID(id int64) string  { return strconv.FormatInt(id, 10) + authz.SuffixDM }
func groupChatID(id int64) string { return strconv.FormatInt(id, 10) + authz.SuffixGroup }
func channelChatID(id int64) string {
	return strconv.FormatInt(id, 10) + authz.SuffixChannel
}

// parseChatID splits "<id>@kind" into its numeric id and suffix.
func parseChatID(chatID string) (int64, string, error) {
	i := strings.IndexByte(chatID, '@')
	if i <= 0 {
		return 0, "", fmt.Errorf("malformed chat id %q", chatID)
	}
	id, err := strconv.ParseInt(chatID[:i], 10, 64)
	if err != nil {
		return 0, "", fmt.Errorf("malformed chat id %q: %w", chatID, err)
	}
	return id, chatID[i:], nil
}

func parseMessageID(id string) (int, error) {
	n, err := strconv.Atoi(id)
	if err != nil {
		return 0, fmt.Errorf("malformed message id %q: %w", id, err)
	}
	return n, nil
}

// peerChatID names the chat a peer belongs to. Megagroups are groups,
// other channels are broadcast channels.
func peerChatID(peer tg.PeerClass, megagroup func(id int64) bool) string {
	switch p := peer.(type) {
	case *tg.PeerUser:
		return userChatID(p.UserID)
	case *tg.PeerChat:
		return groupChatID(p.ChatID)
	case *tg.PeerChannel:
		if megagroup(p.ChannelID) {
			return groupChatID(p.ChannelID)
		}
		return channelChatID(p.ChannelID)
	default:
		return ""
	}
}

func displayName(u *tg.User) string {
	if u == nil {
		return ""
	}
	if u.FirstName != "" && u.LastName != "" {
		return u.FirstName + " " + u.LastName
	}
	if u.FirstName != "" {
		return u.FirstName
	}
	return u.Username
}

// messageContent maps a message's text and media to a content variant.
func messageContent(msg *tg.Message) domain.Content {
	switch m := msg.Media.(type) {
	case nil:
		if len(msg.Entities) > 0 || msg.ReplyTo != nil {
			return domain.ExtendedText{Text: msg.Message}
		}
		return domain.Conversation{Text: msg.Message}
	case *tg.MessageMediaPhoto:
		return domain.Image{Caption: msg.Message}
	case *tg.MessageMediaDocument:
		doc, ok := m.Document.(*tg.Document)
		if !ok {
			return domain.Document{Caption: msg.Message}
		}
		var fileName string
		for _, attr := range doc.Attributes {
			switch a := attr.(type) {
			case *tg.DocumentAttributeVideo:
				return domain.Video{Caption: msg.Message}
			case *tg.DocumentAttributeFilename:
				fileName = a.FileName
			}
		}
		return domain.Document{Caption: msg.Message, FileName: fileName}
	default:
		return domain.Unknown{Kind: m.TypeName()}
	}
}

// inboundEvent converts a message. selfID is the account's own user id.
func inboundEvent(msg *tg.Message, e tg.Entities, selfID int64) domain.InboundEvent {
	megagroup := func(id int64) bool {
		ch, ok := e.Channels[id]
		return ok && ch.Megagroup
	}

	ev := domain.InboundEvent{
		ID:        strconv.Itoa(msg.ID),
		ChatID:    peerChatID(msg.PeerID, megagroup),
		FromMe:    msg.Out,
		Timestamp: time.Unix(int64(msg.Date), 0),
		Content:   messageContent(msg),
		Raw:       msg,
	}

	var fromUser int64
	if p, ok := msg.FromID.(*tg.PeerUser); ok {
		fromUser = p.UserID
	} else if p, ok := msg.PeerID.(*tg.PeerUser); ok && !msg.Out {
		fromUser = p.UserID
	}
	if msg.Out {
		fromUser = selfID
	}
	if fromUser != 0 {
		ev.PushName = displayName(e.Users[fromUser])
		if _, dm := msg.PeerID.(*tg.PeerUser); !dm {
			ev.Participant = userChatID(fromUser)
		}
	}

	if h, ok := msg.ReplyTo.(*tg.MessageReplyHeader); ok && h.ReplyToMsgID != 0 {
		ev.Quoted = &domain.QuotedMessage{ID: strconv.Itoa(h.ReplyToMsgID)}
	}
	return ev
}

func chatParticipants(list tg.ChatParticipantsClass) []domain.Participant {
	full, ok := list.(*tg.ChatParticipants)
	if !ok {
		return nil
	}
	out := make([]domain.Participant, 0, len(full.Participants))
	for _, p := range full.Participants {
		switch p := p.(type) {
		case *tg.ChatParticipantCreator:
			out = append(out, domain.Participant{ID: userChatID(p.UserID), Admin: "superadmin"})
		case *tg.ChatParticipantAdmin:
			out = append(out, domain.Participant{ID: userChatID(p.UserID), Admin: "admin"})
		case *tg.ChatParticipant:
			out = append(out, domain.Participant{ID: userChatID(p.UserID)})
		}
	}
	return out
}

func channelParticipant(p tg.ChannelParticipantClass) (domain.Participant, bool) {
	switch p := p.(type) {
	case *tg.ChannelParticipantCreator:
		return domain.Participant{ID: userChatID(p.UserID), Admin: "superadmin"}, true
	case *tg.ChannelParticipantAdmin:
		return domain.Participant{ID: userChatID(p.UserID), Admin: "admin"}, true
	case *tg.ChannelParticipantSelf:
		return domain.Participant{ID: userChatID(p.UserID)}, true
	case *tg.ChannelParticipant:
		return domain.Participant{ID: userChatID(p.UserID)}, true
	default:
		return domain.Participant{}, false
	}
}

// mergeParticipants appends ps to list, letting admin entries upgrade
// existing members.
func mergeParticipants(list []domain.Participant, ps ...domain.Participant) []domain.Participant {
	for _, p := range ps {
		found := false
		for i := range list {
			if list[i].ID == p.ID {
				if p.Admin != "" {
					list[i].Admin = p.Admin
				}
				found = true
				break
			}
		}
		if !found {
			list = append(list, p)
		}
	}
	return list
}
