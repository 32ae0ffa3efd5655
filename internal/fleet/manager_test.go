package fleet_test

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/danhigham/telefleet/internal/authz"
	"github.com/danhigham/telefleet/internal/command"
	"github.com/danhigham/telefleet/internal/credstore"
	"github.com/danhigham/telefleet/internal/dispatch"
	"github.com/danhigham/telefleet/internal/domain"
	"github.com/danhigham/telefleet/internal/fleet"
	"github.com/danhigham/telefleet/internal/transport"
	"github.com/danhigham/telefleet/internal/transport/transporttest"
)

const (
	number  = domain.Identity("15551234567")
	delay   = 30 * time.Millisecond
	waitFor = 2 * time.Second
	tick    = 5 * time.Millisecond
)

type handled struct {
	sess  dispatch.Session
	ev    domain.InboundEvent
	creds []byte
}

// recorder captures dispatched events together with the credentials stored
// at the time each event was handled.
type recorder struct {
	store credstore.Store
	mu    sync.Mutex
	got   []handled
}

func (r *recorder) Handle(ctx context.Context, sess dispatch.Session, ev domain.InboundEvent) {
	data, _ := r.store.Load(ctx, number)
	r.mu.Lock()
	defer r.mu.Unlock()
	r.got = append(r.got, handled{sess: sess, ev: ev, creds: data})
}

func (r *recorder) events() []handled {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]handled(nil), r.got...)
}

type harness struct {
	manager   *fleet.Manager
	transport *transporttest.Transport
	store     *credstore.FileStore
	recorder  *recorder
}

func newHarness(t *testing.T, tweak ...func(*fleet.Options)) *harness {
	t.Helper()
	h := &harness{
		transport: transporttest.New(),
		store:     credstore.NewFileStore(t.TempDir()),
	}
	h.recorder = &recorder{store: h.store}

	opts := fleet.Options{
		Transport:      h.transport,
		Credentials:    h.store,
		Dispatcher:     h.recorder,
		Logger:         zap.NewNop(),
		ReconnectDelay: delay,
		Pairing:        fleet.PairingPolicy{Attempts: 3, RetryDelay: time.Millisecond},
		PurgeOnLogout:  true,
	}
	for _, f := range tweak {
		f(&opts)
	}
	h.manager = fleet.NewManager(opts)
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), waitFor)
		defer cancel()
		_ = h.manager.Shutdown(ctx)
	})
	return h
}

func TestStart_Idempotent(t *testing.T) {
	h := newHarness(t)

	res, err := h.manager.Start(context.Background(), number)
	require.NoError(t, err)
	assert.True(t, res.Registered)
	assert.Empty(t, res.Code)

	res, err = h.manager.Start(context.Background(), number)
	require.NoError(t, err)
	assert.True(t, res.AlreadyActive)

	assert.Equal(t, 1, h.transport.Connects())
	assert.Equal(t, 1, h.manager.Count())

	sessions := h.manager.Sessions()
	require.Len(t, sessions, 1)
	assert.Equal(t, number, sessions[0].Identity)
	assert.False(t, sessions[0].Since.IsZero())
}

func TestStart_LoadsStoredCredentials(t *testing.T) {
	h := newHarness(t)
	require.NoError(t, h.store.Save(context.Background(), number, []byte(`{"k":1}`)))

	_, err := h.manager.Start(context.Background(), number)
	require.NoError(t, err)
	assert.JSONEq(t, `{"k":1}`, string(h.transport.Options(0).Credentials))
	assert.Equal(t, number, h.transport.Options(0).Identity)
}

func TestStart_ConnectFailure(t *testing.T) {
	h := newHarness(t)
	h.transport.SetConnectErr(errors.New("dial tcp: refused"))

	_, err := h.manager.Start(context.Background(), number)
	require.ErrorIs(t, err, fleet.ErrConnect)
	assert.Zero(t, h.manager.Count(), "failed start leaves nothing tracked")
}

func TestStart_PairingRetries(t *testing.T) {
	h := newHarness(t)
	h.transport.Configure = func(n int, c *transporttest.Conn) {
		c.SetRegistered(false)
		c.PairingCode = "tg://login?token=abc"
		c.PairingErr = func(call int) error {
			if call < 3 {
				return errors.New("flood wait")
			}
			return nil
		}
	}

	res, err := h.manager.Start(context.Background(), number)
	require.NoError(t, err)
	assert.Equal(t, "tg://login?token=abc", res.Code)

	conn := h.transport.WaitConnect(t, waitFor)
	assert.Equal(t, 3, conn.PairingCalls())

	sess, ok := h.manager.Session(number)
	require.True(t, ok)
	assert.Equal(t, domain.StateAwaitingPairing, sess.State)
	assert.Equal(t, "tg://login?token=abc", sess.PairingCode)

	// Once the login completes the session opens and the code is dropped.
	conn.SetRegistered(true)
	conn.Open()
	require.Eventually(t, func() bool {
		s, _ := h.manager.Session(number)
		return s.State == domain.StateOpen && s.PairingCode == ""
	}, waitFor, tick)
}

func TestStart_PairingExhausted(t *testing.T) {
	h := newHarness(t)
	h.transport.Configure = func(n int, c *transporttest.Conn) {
		c.SetRegistered(false)
		c.PairingErr = func(int) error { return errors.New("unavailable") }
	}

	_, err := h.manager.Start(context.Background(), number)
	require.ErrorIs(t, err, fleet.ErrPairingFailed)

	conn := h.transport.WaitConnect(t, waitFor)
	assert.Equal(t, 3, conn.PairingCalls())
	assert.True(t, conn.Closed())
	assert.Zero(t, h.manager.Count())

	// No reconnect after a failed pairing.
	time.Sleep(3 * delay)
	assert.Equal(t, 1, h.transport.Connects())

	_, err = h.manager.Start(context.Background(), number)
	require.ErrorIs(t, err, fleet.ErrPairingFailed)
	assert.Equal(t, 2, h.transport.Connects(), "a new pairing request starts fresh")
}

func TestRecoverableCloseReconnectsOnce(t *testing.T) {
	h := newHarness(t)
	_, err := h.manager.Start(context.Background(), number)
	require.NoError(t, err)
	first := h.transport.WaitConnect(t, waitFor)

	first.Push(transport.CredentialsChanged{Data: []byte(`{"dc":2}`)})
	first.Drop(transport.CodeConnectionLost)

	second := h.transport.WaitConnect(t, waitFor)
	assert.NotSame(t, first, second)
	assert.JSONEq(t, `{"dc":2}`, string(h.transport.Options(1).Credentials))

	time.Sleep(5 * delay)
	assert.Equal(t, 2, h.transport.Connects())
	assert.Equal(t, 1, h.manager.Count())
}

func TestTerminalCloseDropsSession(t *testing.T) {
	h := newHarness(t)
	require.NoError(t, h.store.Save(context.Background(), number, []byte(`{}`)))
	_, err := h.manager.Start(context.Background(), number)
	require.NoError(t, err)
	conn := h.transport.WaitConnect(t, waitFor)

	conn.Drop(transport.CodeLoggedOut)

	require.Eventually(t, func() bool { return h.manager.Count() == 0 }, waitFor, tick)
	time.Sleep(5 * delay)
	assert.Equal(t, 1, h.transport.Connects())

	data, err := h.store.Load(context.Background(), number)
	require.NoError(t, err)
	assert.Nil(t, data, "credentials purged")
}

func TestTerminalCloseKeepsCredentialsWithoutPurge(t *testing.T) {
	h := newHarness(t, func(o *fleet.Options) { o.PurgeOnLogout = false })
	require.NoError(t, h.store.Save(context.Background(), number, []byte(`{}`)))
	_, err := h.manager.Start(context.Background(), number)
	require.NoError(t, err)

	h.transport.WaitConnect(t, waitFor).Drop(transport.CodeLoggedOut)
	require.Eventually(t, func() bool { return h.manager.Count() == 0 }, waitFor, tick)

	data, err := h.store.Load(context.Background(), number)
	require.NoError(t, err)
	assert.NotNil(t, data)
}

func TestReconnectRetriesConnectFailures(t *testing.T) {
	h := newHarness(t)
	_, err := h.manager.Start(context.Background(), number)
	require.NoError(t, err)
	conn := h.transport.WaitConnect(t, waitFor)

	h.transport.SetConnectErr(errors.New("network down"))
	conn.Drop(transport.CodeUnavailable)
	require.Eventually(t, func() bool { return h.transport.Connects() >= 3 }, waitFor, tick)

	h.transport.SetConnectErr(nil)
	h.transport.WaitConnect(t, waitFor)
	assert.Equal(t, 1, h.manager.Count())
}

func TestCredentialsPersistedBeforeNextMessage(t *testing.T) {
	h := newHarness(t)
	_, err := h.manager.Start(context.Background(), number)
	require.NoError(t, err)
	conn := h.transport.WaitConnect(t, waitFor)

	conn.Push(transport.CredentialsChanged{Data: []byte(`{"v":1}`)})
	conn.Deliver(domain.InboundEvent{ID: "1", ChatID: "42@user", Content: domain.Conversation{Text: "hi"}})
	conn.Deliver(domain.InboundEvent{ID: "2", ChatID: "status", IsStatus: true})
	conn.Push(transport.CredentialsChanged{Data: []byte(`{"v":2}`)})
	conn.Deliver(domain.InboundEvent{ID: "3", ChatID: "42@user", Content: domain.Conversation{Text: "again"}})

	require.Eventually(t, func() bool { return len(h.recorder.events()) == 2 }, waitFor, tick)
	got := h.recorder.events()
	assert.Equal(t, "1", got[0].ev.ID)
	assert.JSONEq(t, `{"v":1}`, string(got[0].creds))
	assert.Equal(t, "3", got[1].ev.ID)
	assert.JSONEq(t, `{"v":2}`, string(got[1].creds))
	assert.True(t, got[0].sess.Public(), "sessions start public")
}

func TestPostConnect(t *testing.T) {
	h := newHarness(t, func(o *fleet.Options) {
		o.Welcome = fleet.Welcome{
			Enabled:        true,
			FollowChannel:  "@news",
			ReactChat:      "@news",
			ReactMessageID: "428",
			ReactEmoji:     "❤️",
			Location:       time.UTC,
		}
	})
	h.transport.Configure = func(n int, c *transporttest.Conn) {
		c.FollowErr = errors.New("channel private")
	}
	_, err := h.manager.Start(context.Background(), number)
	require.NoError(t, err)
	conn := h.transport.WaitConnect(t, waitFor)

	conn.Open()
	conn.Open()

	require.Eventually(t, func() bool { return len(conn.Sent()) == 1 }, waitFor, tick)
	time.Sleep(3 * delay)

	sent := conn.Sent()
	require.Len(t, sent, 1, "welcome sent once per connection")
	assert.Equal(t, conn.SelfID(), sent[0].ChatID)
	assert.Contains(t, sent[0].Message.Text, string(number))
	assert.Contains(t, sent[0].Message.Text, "Active sessions: 1")

	reactions := conn.Reactions()
	require.Len(t, reactions, 1, "follow failure does not stop later steps")
	assert.Equal(t, "428", reactions[0].Key.ID)
	assert.Equal(t, "❤️", reactions[0].Emoji)
}

func TestPostConnectWelcomeFailureKeepsSession(t *testing.T) {
	h := newHarness(t, func(o *fleet.Options) { o.Welcome = fleet.Welcome{Enabled: true} })
	h.transport.Configure = func(n int, c *transporttest.Conn) {
		c.SendErr = errors.New("flood")
	}
	_, err := h.manager.Start(context.Background(), number)
	require.NoError(t, err)
	conn := h.transport.WaitConnect(t, waitFor)
	conn.Open()

	require.Eventually(t, func() bool {
		s, _ := h.manager.Session(number)
		return s.State == domain.StateOpen
	}, waitFor, tick)
	time.Sleep(3 * delay)
	assert.False(t, conn.Closed())
	assert.Equal(t, 1, h.manager.Count())
}

func TestRestore(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	require.NoError(t, h.store.Save(ctx, "15550000001", []byte(`{}`)))
	require.NoError(t, h.store.Save(ctx, "15550000002", []byte(`{}`)))

	n, err := h.manager.Restore(ctx)
	require.NoError(t, err)
	assert.Equal(t, 2, n)
	assert.Equal(t, 2, h.transport.Connects())
	assert.Equal(t, 2, h.manager.Count())

	n, err = h.manager.Restore(ctx)
	require.NoError(t, err)
	assert.Zero(t, n, "already active sessions are not restarted")
}

func TestShutdown(t *testing.T) {
	h := newHarness(t)
	_, err := h.manager.Start(context.Background(), number)
	require.NoError(t, err)
	conn := h.transport.WaitConnect(t, waitFor)

	ctx, cancel := context.WithTimeout(context.Background(), waitFor)
	defer cancel()
	require.NoError(t, h.manager.Shutdown(ctx))

	assert.True(t, conn.Closed())
	time.Sleep(3 * delay)
	assert.Equal(t, 1, h.transport.Connects(), "no reconnect after shutdown")

	_, err = h.manager.Start(context.Background(), number)
	assert.ErrorIs(t, err, fleet.ErrShutdown)
}

func TestShutdownDuringStart(t *testing.T) {
	for i := 0; i < 50; i++ {
		h := newHarness(t)

		started := make(chan struct{})
		go func() {
			defer close(started)
			_, _ = h.manager.Start(context.Background(), number)
		}()

		ctx, cancel := context.WithTimeout(context.Background(), waitFor)
		require.NoError(t, h.manager.Shutdown(ctx))
		cancel()
		<-started

		for _, c := range h.transport.Conns() {
			assert.True(t, c.Closed(), "iteration %d left a connection open", i)
		}
		assert.Zero(t, h.manager.Count())
	}
}

func TestDispatchThroughSession(t *testing.T) {
	registry := command.NewRegistry(zap.NewNop())
	registry.Replace(&command.Descriptor{
		Name: "ping",
		Handler: command.HandlerFunc(func(ctx context.Context, inv *command.Invocation) error {
			return inv.Reply(ctx, "pong "+strings.Join(inv.Args, " "))
		}),
	})
	engine := dispatch.New(dispatch.Options{
		Prefix:   ",",
		Owners:   authz.NewOwners([]string{"42"}),
		Registry: registry,
		Logger:   zap.NewNop(),
	})
	h := newHarness(t, func(o *fleet.Options) { o.Dispatcher = engine })

	_, err := h.manager.Start(context.Background(), number)
	require.NoError(t, err)
	conn := h.transport.WaitConnect(t, waitFor)

	conn.Deliver(domain.InboundEvent{ID: "1", ChatID: "42@user", Content: domain.Conversation{Text: ",private"}})
	conn.Deliver(domain.InboundEvent{ID: "2", ChatID: "7@user", Content: domain.Conversation{Text: ",ping x"}})
	conn.Deliver(domain.InboundEvent{ID: "3", ChatID: "42@user", Content: domain.Conversation{Text: ",ping y"}})

	require.Eventually(t, func() bool { return len(conn.Sent()) == 2 }, waitFor, tick)
	time.Sleep(3 * delay)

	sent := conn.Sent()
	require.Len(t, sent, 2, "stranger is ignored in private mode")
	assert.Equal(t, "42@user", sent[1].ChatID)
	assert.Equal(t, "pong y", sent[1].Message.Text)
	assert.Len(t, conn.Reactions(), 1)
}
