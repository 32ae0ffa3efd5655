package domain

import (
	"errors"
	"strings"
	"time"
)

// ErrInvalidIdentity is returned when a phone number has too few digits.
var ErrInvalidIdentity = errors.New("invalid phone number")

const minIdentityDigits = 8

// Identity is the digits-only phone number naming one session.
type Identity string

// ParseIdentity strips every non-digit from raw and validates the result.
func ParseIdentity(raw string) (Identity, error) {
	var b strings.Builder
	for _, r := range raw {
		if r >= '0' && r <= '9' {
			b.WriteRune(r)
		}
	}
	if b.Len() < minIdentityDigits {
		return "", ErrInvalidIdentity
	}
	return Identity(b.String()), nil
}

func (id Identity) String() string { return string(id) }

type ChatKind string

const (
	ChatGroup   ChatKind = "group"
	ChatDM      ChatKind = "dm"
	ChatChannel ChatKind = "channel"
	// ChatCommunity is the fallback for chat ids with an unrecognised suffix.
	ChatCommunity ChatKind = "community"
)

// MessageKey addresses one message for quoting and reactions.
type MessageKey struct {
	ID     string
	ChatID string
	FromMe bool
}

// QuotedMessage is the message an inbound event replies to.
type QuotedMessage struct {
	ID     string
	Sender string
	Text   string
}

// InboundEvent is one message as delivered by a transport.
type InboundEvent struct {
	ID          string
	ChatID      string
	Participant string // sender inside groups, empty for direct chats
	FromMe      bool
	PushName    string
	Timestamp   time.Time
	Content     Content
	Quoted      *QuotedMessage
	// IsStatus marks side-channel status broadcasts; they never reach dispatch.
	IsStatus bool
	Raw      any // transport-native payload, opaque above the transport
}

// Key returns the MessageKey of the event.
func (e InboundEvent) Key() MessageKey {
	return MessageKey{ID: e.ID, ChatID: e.ChatID, FromMe: e.FromMe}
}

type CanonicalMessage struct {
	ID        string
	ChatID    string
	Type      string
	Text      string
	Sender    string
	PushName  string
	FromMe    bool
	Quoted    *QuotedMessage
	Timestamp time.Time
}

// Key returns the MessageKey of the message.
func (m CanonicalMessage) Key() MessageKey {
	return MessageKey{ID: m.ID, ChatID: m.ChatID, FromMe: m.FromMe}
}

type Participant struct {
	ID    string
	Admin string // "admin", "superadmin" or empty
}

// IsAdmin reports whether the participant carries any admin flag.
func (p Participant) IsAdmin() bool { return p.Admin != "" }

type GroupMetadata struct {
	Subject      string
	Participants []Participant
}

// Find returns the participant with the given id.
func (g GroupMetadata) Find(id string) (Participant, bool) {
	for _, p := range g.Participants {
		if p.ID == id {
			return p, true
		}
	}
	return Participant{}, false
}

type AuthorizationContext struct {
	IsOwner      bool
	IsGroupAdmin bool
	IsBotAdmin   bool
	ChatKind     ChatKind
}

// OutboundMessage is a text message sent through a session.
type OutboundMessage struct {
	Text     string
	Quoted   *MessageKey
	Mentions []string
}

// SessionState is the lifecycle state of one identity.
type SessionState int

const (
	StateAbsent SessionState = iota
	StateConnecting
	StateAwaitingPairing
	StateOpen
	StateClosing
)

func (s SessionState) String() string {
	switch s {
	case StateConnecting:
		return "connecting"
	case StateAwaitingPairing:
		return "awaiting-pairing"
	case StateOpen:
		return "open"
	case StateClosing:
		return "closing"
	default:
		return "absent"
	}
}
