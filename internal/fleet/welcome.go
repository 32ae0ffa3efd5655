package fleet

import (
	"fmt"

	"go.uber.org/zap"

	"github.com/danhigham/telefleet/internal/domain"
)

// bestEffort runs an optional step and discards its error after logging it.
func bestEffort(log *zap.Logger, step string, fn func() error) {
	if err := fn(); err != nil {
		log.Warn("optional step failed", zap.String("step", step), zap.Error(err))
	}
}

// postConnect runs once per connection after it opens. Nothing here can
// fail the connection.
func (m *Manager) postConnect(s *Session, log *zap.Logger) {
	w := m.welcome
	if err := sleep(m.ctx, w.Settle); err != nil {
		return
	}

	if w.FollowChannel != "" {
		bestEffort(log, "follow channel", func() error {
			return s.conn.Follow(m.ctx, w.FollowChannel)
		})
	}
	if w.ReactChat != "" && w.ReactMessageID != "" {
		bestEffort(log, "react to channel post", func() error {
			key := domain.MessageKey{ID: w.ReactMessageID, ChatID: w.ReactChat}
			return s.conn.React(m.ctx, w.ReactChat, key, w.ReactEmoji)
		})
	}
	if !w.Enabled {
		return
	}
	bestEffort(log, "welcome message", func() error {
		self := s.conn.SelfID()
		if self == "" {
			return fmt.Errorf("own chat id unknown")
		}
		return s.conn.Send(m.ctx, self, domain.OutboundMessage{Text: m.welcomeText(s)})
	})
}

func (m *Manager) welcomeText(s *Session) string {
	now := m.now().In(m.welcome.Location)
	return fmt.Sprintf("🤖 Bot connected ✅\n\n📅 Date: %s\n⏰ Time: %s\n🔢 Number: %s\n👥 Active sessions: %d",
		now.Format("02/01/2006"),
		now.Format("15:04:05"),
		s.id,
		m.Count(),
	)
}
