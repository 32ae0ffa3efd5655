package telegram

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"

	"go.uber.org/zap"

	"github.com/gotd/td/telegram"
	"github.com/gotd/td/telegram/auth/qrlogin"
	"github.com/gotd/td/telegram/message"
	"github.com/gotd/td/telegram/updates"
	"github.com/gotd/td/tg"

	"github.com/danhigham/telefleet/internal/domain"
	"github.com/danhigham/telefleet/internal/transport"
)

const eventBuffer = 64

// Transport opens Telegram user sessions with gotd/td.
type Transport struct {
	APIID   int
	APIHash string
	Logger  *zap.Logger
}

var _ transport.Transport = (*Transport)(nil)

// Connect starts a gotd client and returns once its authorization status is
// known. The client keeps running until Close or a fatal error.
func (t *Transport) Connect(ctx context.Context, opts transport.ConnectOptions) (transport.Conn, error) {
	logger := opts.Logger
	if logger == nil {
		logger = t.Logger
	}
	if logger == nil {
		logger = zap.NewNop()
	}

	runCtx, cancel := context.WithCancel(context.Background())
	c := &Conn{
		identity: opts.Identity,
		logger:   logger,
		cancel:   cancel,
		events:   make(chan transport.Event, eventBuffer),
		ready:    make(chan struct{}),
		done:     make(chan struct{}),
		peers:    newPeerCache(),
	}

	dispatcher := tg.NewUpdateDispatcher()
	dispatcher.OnNewMessage(func(ctx context.Context, e tg.Entities, u *tg.UpdateNewMessage) error {
		c.onMessage(u.Message, e)
		return nil
	})
	dispatcher.OnNewChannelMessage(func(ctx context.Context, e tg.Entities, u *tg.UpdateNewChannelMessage) error {
		c.onMessage(u.Message, e)
		return nil
	})
	c.loggedIn = qrlogin.OnLoginToken(dispatcher)

	c.gaps = updates.New(updates.Config{
		Handler: dispatcher,
		Logger:  logger.Named("gaps"),
	})

	storage := newMemoryStorage(opts.Credentials, func(data []byte) {
		c.emit(transport.CredentialsChanged{Data: data})
	})
	c.client = telegram.NewClient(t.APIID, t.APIHash, telegram.Options{
		Logger: logger,
		// Until the gap manager runs, updates go straight to the dispatcher
		// so the login token update is seen during pairing.
		UpdateHandler: telegram.UpdateHandlerFunc(func(ctx context.Context, u tg.UpdatesClass) error {
			if c.gapsStarted.Load() {
				return c.gaps.Handle(ctx, u)
			}
			return dispatcher.Handle(ctx, u)
		}),
		SessionStorage: storage,
	})

	go func() {
		err := c.client.Run(runCtx, c.session)
		c.finish(err)
	}()

	select {
	case <-c.ready:
		return c, nil
	case <-c.done:
		return nil, fmt.Errorf("telegram client: %w", c.err)
	case <-ctx.Done():
		_ = c.Close()
		return nil, ctx.Err()
	}
}

// Conn is one running gotd client.
type Conn struct {
	identity domain.Identity
	logger   *zap.Logger
	cancel   context.CancelFunc

	client   *telegram.Client
	gaps     *updates.Manager
	loggedIn qrlogin.LoggedIn

	api    *tg.Client
	sender *message.Sender
	peers  *peerCache

	registered  atomic.Bool
	gapsStarted atomic.Bool
	closing     atomic.Bool

	selfMu sync.RWMutex
	self   *tg.User

	mu           sync.Mutex
	events       chan transport.Event
	eventsClosed bool

	ready chan struct{}
	done  chan struct{}
	err   error
}

var _ transport.Conn = (*Conn)(nil)

// session is the body of client.Run.
func (c *Conn) session(ctx context.Context) error {
	status, err := c.client.Auth().Status(ctx)
	if err != nil {
		return fmt.Errorf("auth status: %w", err)
	}
	c.api = c.client.API()
	c.sender = message.NewSender(c.api)
	c.registered.Store(status.Authorized)
	close(c.ready)

	if !status.Authorized {
		if err := c.awaitLogin(ctx); err != nil {
			return err
		}
	}

	self, err := c.client.Self(ctx)
	if err != nil {
		return fmt.Errorf("get self: %w", err)
	}
	c.selfMu.Lock()
	c.self = self
	c.selfMu.Unlock()
	c.registered.Store(true)

	c.emit(transport.ConnectionUpdate{State: transport.StateOpen})
	c.gapsStarted.Store(true)
	return c.gaps.Run(ctx, c.api, self.ID, updates.AuthOptions{})
}

func (c *Conn) finish(err error) {
	code := closeCode(err, c.closing.Load())
	if err != nil && code != transport.CodeClosed {
		c.logger.Warn("telegram client stopped", zap.Int("code", code), zap.Error(err))
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	c.err = err
	if c.err == nil {
		c.err = errors.New("client stopped")
	}
	if !c.eventsClosed {
		c.events <- transport.ConnectionUpdate{State: transport.StateClosed, Code: code, Err: err}
		close(c.events)
		c.eventsClosed = true
	}
	close(c.done)
}

func (c *Conn) emit(ev transport.Event) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.eventsClosed {
		return
	}
	c.events <- ev
}

func (c *Conn) onMessage(m tg.MessageClass, e tg.Entities) {
	msg, ok := m.(*tg.Message)
	if !ok {
		return
	}
	c.peers.remember(e)
	c.emit(transport.Inbound{Message: inboundEvent(msg, e, c.selfUserID())})
}

func (c *Conn) selfUserID() int64 {
	c.selfMu.RLock()
	defer c.selfMu.RUnlock()
	if c.self == nil {
		return 0
	}
	return c.self.ID
}

func (c *Conn) Events() <-chan transport.Event { return c.events }

func (c *Conn) Registered() bool { return c.registered.Load() }

func (c *Conn) SelfID() string {
	id := c.selfUserID()
	if id == 0 {
		return ""
	}
	return userChatID(id)
}

func (c *Conn) Send(ctx context.Context, chatID string, msg domain.OutboundMessage) error {
	if c.closed() {
		return transport.ErrClosed
	}
	peer, err := c.inputPeer(ctx, chatID)
	if err != nil {
		return err
	}
	b := &c.sender.To(peer).Builder
	if msg.Quoted != nil {
		id, err := parseMessageID(msg.Quoted.ID)
		if err != nil {
			return err
		}
		b = b.Reply(id)
	}
	if parts := c.mentionParts(msg.Text, msg.Mentions); parts != nil {
		_, err = b.StyledText(ctx, parts...)
	} else {
		_, err = b.Text(ctx, msg.Text)
	}
	if err != nil {
		return fmt.Errorf("send message: %w", err)
	}
	return nil
}

func (c *Conn) React(ctx context.Context, chatID string, key domain.MessageKey, emoji string) error {
	if c.closed() {
		return transport.ErrClosed
	}
	peer, err := c.inputPeer(ctx, chatID)
	if err != nil {
		return err
	}
	id, err := parseMessageID(key.ID)
	if err != nil {
		return err
	}
	_, err = c.api.MessagesSendReaction(ctx, &tg.MessagesSendReactionRequest{
		Peer:     peer,
		MsgID:    id,
		Reaction: []tg.ReactionClass{&tg.ReactionEmoji{Emoticon: emoji}},
	})
	if err != nil {
		return fmt.Errorf("send reaction: %w", err)
	}
	return nil
}

func (c *Conn) Follow(ctx context.Context, channel string) error {
	if c.closed() {
		return transport.ErrClosed
	}
	ch, err := c.sender.Resolve(channel).AsInputChannel(ctx)
	if err != nil {
		return fmt.Errorf("resolve channel: %w", err)
	}
	if _, err := c.api.ChannelsJoinChannel(ctx, ch); err != nil {
		return fmt.Errorf("join channel: %w", err)
	}
	return nil
}

// Close stops the client and waits for it to finish.
func (c *Conn) Close() error {
	c.closing.Store(true)
	c.cancel()
	<-c.done
	return nil
}

// closed reports whether the client is unusable. api and sender are written
// before ready is closed, so they are only read once ready is observed.
func (c *Conn) closed() bool {
	select {
	case <-c.done:
		return true
	default:
	}
	select {
	case <-c.ready:
		return false
	default:
		return true
	}
}

// inputPeer resolves a chat id or an @username.
func (c *Conn) inputPeer(ctx context.Context, chatID string) (tg.InputPeerClass, error) {
	if len(chatID) > 1 && chatID[0] == '@' {
		peer, err := c.sender.Resolve(chatID).AsInputPeer(ctx)
		if err != nil {
			return nil, fmt.Errorf("resolve %s: %w", chatID, err)
		}
		return peer, nil
	}

	id, suffix, err := parseChatID(chatID)
	if err != nil {
		return nil, err
	}
	if id == c.selfUserID() {
		return &tg.InputPeerSelf{}, nil
	}
	peer, ok := c.peers.lookup(id, suffix)
	if !ok {
		return nil, fmt.Errorf("unknown peer %s", chatID)
	}
	return peer, nil
}
