package telegram

import (
	"context"
	"fmt"

	"go.uber.org/zap"

	"github.com/danhigham/telefleet/internal/domain"
	"github.com/danhigham/telefleet/internal/transport"
)

// RequestPairingCode exports a QR login token and returns its tg://login
// URL. Scanning it from an authorized Telegram app links this session.
func (c *Conn) RequestPairingCode(ctx context.Context, id domain.Identity) (string, error) {
	if c.closed() {
		return "", transport.ErrClosed
	}
	if c.Registered() {
		return "", fmt.Errorf("%s is already registered", id)
	}
	token, err := c.client.QR().Export(ctx)
	if err != nil {
		return "", fmt.Errorf("export login token: %w", err)
	}
	c.logger.Debug("login token exported", zap.Time("expires", token.Expires()))
	return token.URL(), nil
}

// awaitLogin blocks until the exported token is accepted, then imports the
// resulting authorization.
func (c *Conn) awaitLogin(ctx context.Context) error {
	c.logger.Info("waiting for pairing")
	select {
	case <-c.loggedIn:
	case <-ctx.Done():
		return ctx.Err()
	}

	if _, err := c.client.QR().Import(ctx); err != nil {
		return fmt.Errorf("import login token: %w", err)
	}
	c.logger.Info("paired")
	return nil
}
