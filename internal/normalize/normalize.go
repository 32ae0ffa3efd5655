// Package normalize converts transport events into canonical messages.
package normalize

import (
	"github.com/danhigham/telefleet/internal/domain"
)

// Message converts ev into a CanonicalMessage. self is the bot's own chat
// identity and replaces the sender of self-sent events.
func Message(ev domain.InboundEvent, self string) domain.CanonicalMessage {
	sender := ev.Participant
	if sender == "" {
		sender = ev.ChatID
	}
	if ev.FromMe {
		sender = self
	}

	return domain.CanonicalMessage{
		ID:        ev.ID,
		ChatID:    ev.ChatID,
		Type:      Tag(ev.Content),
		Text:      Text(ev.Content),
		Sender:    sender,
		PushName:  ev.PushName,
		FromMe:    ev.FromMe,
		Quoted:    ev.Quoted,
		Timestamp: ev.Timestamp,
	}
}

// Text returns the command-bearing text of c, or "" when c carries none.
// Cases are listed in priority order.
func Text(c domain.Content) string {
	switch v := c.(type) {
	case domain.Conversation:
		return v.Text
	case domain.ExtendedText:
		return v.Text
	case domain.Image:
		return v.Caption
	case domain.Video:
		return v.Caption
	case domain.Document:
		return v.Caption
	case domain.ButtonReply:
		return v.SelectedID
	case domain.ListReply:
		return v.SelectedRowID
	case domain.TemplateReply:
		return v.SelectedID
	default:
		return ""
	}
}

// Tag returns the variant tag of c, or "unknown" for an empty payload.
func Tag(c domain.Content) string {
	if c == nil {
		return domain.TagUnknown
	}
	return c.Tag()
}
