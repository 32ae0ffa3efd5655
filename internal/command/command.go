// Package command holds the hot-reloadable registry of chat commands.
package command

import (
	"context"
	"strings"

	"golang.org/x/text/cases"
	"golang.org/x/text/language"

	"github.com/danhigham/telefleet/internal/domain"
)

// Session is the outbound capability a handler talks through.
type Session interface {
	Send(ctx context.Context, chatID string, msg domain.OutboundMessage) error
	React(ctx context.Context, chatID string, key domain.MessageKey, emoji string) error
}

// Context is the snapshot assembled for one dispatch.
type Context struct {
	IsGroup        bool
	Metadata       domain.GroupMetadata
	Participants   []domain.Participant
	IsAdmin        bool
	IsBotAdmin     bool
	IsOwner        bool
	IsSudo         bool
	IsAdminOrOwner bool
	ChatType       domain.ChatKind
	Body           string
	Sender         string
	Text           string
	BotID          string
	SenderNumber   string
	PushName       string
	GroupName      string
	Command        string // prefix + name
	Prefix         string
	Time           string
	CorrelationID  string
}

// Invocation is everything a handler receives.
type Invocation struct {
	Session Session
	Message domain.CanonicalMessage
	Raw     any
	Args    []string
	Context Context
}

// Reply sends text to the invoking chat, quoting the invoking message.
func (inv *Invocation) Reply(ctx context.Context, text string) error {
	key := inv.Message.Key()
	return inv.Session.Send(ctx, inv.Message.ChatID, domain.OutboundMessage{Text: text, Quoted: &key})
}

// React reacts to the invoking message.
func (inv *Invocation) React(ctx context.Context, emoji string) error {
	return inv.Session.React(ctx, inv.Message.ChatID, inv.Message.Key(), emoji)
}

type Handler interface {
	Run(ctx context.Context, inv *Invocation) error
}

type HandlerFunc func(ctx context.Context, inv *Invocation) error

func (f HandlerFunc) Run(ctx context.Context, inv *Invocation) error { return f(ctx, inv) }

// Descriptor is one registered command.
type Descriptor struct {
	Name        string
	Aliases     []string
	Description string
	Source      string // file the command was loaded from, empty for builtin tables
	Handler     Handler
}

// Fold lowercases a command name for lookup.
func Fold(name string) string {
	return cases.Lower(language.Und).String(strings.TrimSpace(name))
}
