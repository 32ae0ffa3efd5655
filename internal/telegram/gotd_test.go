package telegram

import (
	"context"
	"errors"
	"sync"
	"testing"

	"github.com/gotd/td/telegram/message"
	"github.com/gotd/td/tg"

	"github.com/danhigham/telefleet/internal/domain"
	"github.com/danhigham/telefleet/internal/transport"
)

func TestConnClosedBeforeReady(t *testing.T) {
	c := &Conn{
		ready: make(chan struct{}),
		done:  make(chan struct{}),
		peers: newPeerCache(),
	}
	ctx := context.Background()

	if err := c.Send(ctx, "1@user", domain.OutboundMessage{Text: "hi"}); !errors.Is(err, transport.ErrClosed) {
		t.Errorf("Send before ready: expected ErrClosed, got %v", err)
	}
	if err := c.React(ctx, "1@user", domain.MessageKey{ID: "1"}, "👍"); !errors.Is(err, transport.ErrClosed) {
		t.Errorf("React before ready: expected ErrClosed, got %v", err)
	}
	if err := c.Follow(ctx, "@news"); !errors.Is(err, transport.ErrClosed) {
		t.Errorf("Follow before ready: expected ErrClosed, got %v", err)
	}
}

func TestConnClosedTracksLifecycle(t *testing.T) {
	c := &Conn{
		ready: make(chan struct{}),
		done:  make(chan struct{}),
		peers: newPeerCache(),
	}

	// Readers poll closed while the session publishes the client, the way
	// a send racing a slow auth check would.
	var wg sync.WaitGroup
	for i := 0; i < 4; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := 0; j < 100; j++ {
				if !c.closed() {
					_ = c.sender
				}
			}
		}()
	}
	c.api = tg.NewClient(nil)
	c.sender = message.NewSender(c.api)
	close(c.ready)
	wg.Wait()

	if c.closed() {
		t.Error("expected an open conn once ready")
	}
	close(c.done)
	if !c.closed() {
		t.Error("expected a closed conn once done")
	}
}
