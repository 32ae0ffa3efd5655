package fleet

import (
	"context"
	"sync/atomic"
	"time"

	"github.com/danhigham/telefleet/internal/domain"
	"github.com/danhigham/telefleet/internal/transport"
)

// Session is one live connection for an identity. A reconnect creates a new
// Session for the same identity.
type Session struct {
	id      domain.Identity
	created time.Time
	conn    transport.Conn // set once connected, guarded by Manager.mu until then

	public   atomic.Bool
	opened   atomic.Bool
	stopping atomic.Bool
}

func newSession(id domain.Identity, created time.Time) *Session {
	s := &Session{id: id, created: created}
	s.public.Store(true)
	return s
}

func (s *Session) Identity() domain.Identity { return s.id }
func (s *Session) Created() time.Time        { return s.created }

func (s *Session) Public() bool          { return s.public.Load() }
func (s *Session) SetPublic(public bool) { s.public.Store(public) }

func (s *Session) SelfID() string { return s.conn.SelfID() }

func (s *Session) Send(ctx context.Context, chatID string, msg domain.OutboundMessage) error {
	return s.conn.Send(ctx, chatID, msg)
}

func (s *Session) React(ctx context.Context, chatID string, key domain.MessageKey, emoji string) error {
	return s.conn.React(ctx, chatID, key, emoji)
}

func (s *Session) GroupMetadata(ctx context.Context, chatID string) (domain.GroupMetadata, error) {
	return s.conn.GroupMetadata(ctx, chatID)
}
