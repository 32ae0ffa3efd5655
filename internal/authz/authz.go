// Package authz computes per-message role flags.
package authz

import (
	"strings"

	"github.com/danhigham/telefleet/internal/domain"
)

// Chat id suffixes recognised by KindOf.
const (
	SuffixGroup   = "@group"
	SuffixDM      = "@user"
	SuffixChannel = "@channel"
)

// KindOf classifies a chat id by its suffix. Unrecognised suffixes fall into
// the community bucket.
func KindOf(chatID string) domain.ChatKind {
	switch {
	case strings.HasSuffix(chatID, SuffixGroup):
		return domain.ChatGroup
	case strings.HasSuffix(chatID, SuffixDM):
		return domain.ChatDM
	case strings.HasSuffix(chatID, SuffixChannel):
		return domain.ChatChannel
	default:
		return domain.ChatCommunity
	}
}

// BareNumber returns the part of a chat identity before the '@'.
func BareNumber(id string) string {
	if i := strings.IndexByte(id, '@'); i >= 0 {
		return id[:i]
	}
	return id
}

// Owners is an allow-list of owner identities. Entries may be bare numbers
// or full chat identities.
type Owners map[string]struct{}

func NewOwners(ids []string) Owners {
	o := make(Owners, len(ids))
	for _, id := range ids {
		id = strings.TrimSpace(id)
		if id == "" {
			continue
		}
		o[id] = struct{}{}
	}
	return o
}

// Contains reports whether sender is on the list, by full id or bare number.
func (o Owners) Contains(sender string) bool {
	if _, ok := o[sender]; ok {
		return true
	}
	_, ok := o[BareNumber(sender)]
	return ok
}

type Input struct {
	Message  domain.CanonicalMessage
	Metadata domain.GroupMetadata // zero value when absent or unavailable
	Owners   Owners
	Self     string
}

// Resolve computes the AuthorizationContext for one message. Self-sent
// messages are always treated as coming from an owner.
func Resolve(in Input) domain.AuthorizationContext {
	kind := KindOf(in.Message.ChatID)
	ac := domain.AuthorizationContext{
		IsOwner:  in.Message.FromMe || in.Owners.Contains(in.Message.Sender),
		ChatKind: kind,
	}
	if kind != domain.ChatGroup {
		return ac
	}
	if p, ok := in.Metadata.Find(in.Message.Sender); ok {
		ac.IsGroupAdmin = p.IsAdmin()
	}
	if p, ok := in.Metadata.Find(in.Self); ok {
		ac.IsBotAdmin = p.IsAdmin()
	}
	return ac
}
