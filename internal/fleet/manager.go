// Package fleet owns the per-identity sessions: creation, pairing,
// credential persistence, reconnects and teardown.
package fleet

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"go.uber.org/zap"

	"github.com/danhigham/telefleet/internal/credstore"
	"github.com/danhigham/telefleet/internal/dispatch"
	"github.com/danhigham/telefleet/internal/domain"
	"github.com/danhigham/telefleet/internal/state"
	"github.com/danhigham/telefleet/internal/transport"
)

var (
	// ErrPairingFailed means every pairing code request failed.
	ErrPairingFailed = errors.New("pairing code unavailable")
	// ErrConnect wraps transport connection failures.
	ErrConnect = errors.New("connect failed")
	// ErrShutdown is returned once Shutdown has been called.
	ErrShutdown = errors.New("fleet is shut down")
)

// Dispatcher consumes inbound messages. *dispatch.Engine implements it.
type Dispatcher interface {
	Handle(ctx context.Context, sess dispatch.Session, ev domain.InboundEvent)
}

type PairingPolicy struct {
	// Attempts is the total number of pairing code requests.
	Attempts   int
	RetryDelay time.Duration
	// Settle is waited before every request.
	Settle time.Duration
}

type Welcome struct {
	Enabled       bool
	Settle        time.Duration
	FollowChannel string
	// ReactChat and ReactMessageID name a channel post to react to.
	ReactChat      string
	ReactMessageID string
	ReactEmoji     string
	Location       *time.Location
}

type Options struct {
	Transport      transport.Transport
	Credentials    credstore.Store
	Dispatcher     Dispatcher
	Table          *state.Store
	Logger         *zap.Logger
	ReconnectDelay time.Duration
	Pairing        PairingPolicy
	Welcome        Welcome
	// PurgeOnLogout deletes stored credentials after a terminal close.
	PurgeOnLogout bool
	Now           func() time.Time
}

// PairingResult is what Start reports to its caller.
type PairingResult struct {
	AlreadyActive bool
	Registered    bool
	Code          string
}

type Manager struct {
	transport  transport.Transport
	creds      credstore.Store
	dispatcher Dispatcher
	table      *state.Store
	logger     *zap.Logger
	reconnect  time.Duration
	pairing    PairingPolicy
	welcome    Welcome
	purge      bool
	now        func() time.Time

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	mu       sync.Mutex
	sessions map[domain.Identity]*Session
	closed   bool
}

func NewManager(opts Options) *Manager {
	ctx, cancel := context.WithCancel(context.Background())
	m := &Manager{
		transport:  opts.Transport,
		creds:      opts.Credentials,
		dispatcher: opts.Dispatcher,
		table:      opts.Table,
		logger:     opts.Logger,
		reconnect:  opts.ReconnectDelay,
		pairing:    opts.Pairing,
		welcome:    opts.Welcome,
		purge:      opts.PurgeOnLogout,
		now:        opts.Now,
		ctx:        ctx,
		cancel:     cancel,
		sessions:   make(map[domain.Identity]*Session),
	}
	if m.table == nil {
		m.table = state.New()
	}
	if m.logger == nil {
		m.logger = zap.NewNop()
	}
	if m.now == nil {
		m.now = time.Now
	}
	if m.pairing.Attempts < 1 {
		m.pairing.Attempts = 1
	}
	if m.welcome.Location == nil {
		m.welcome.Location = time.Local
	}
	return m
}

// Start brings up a session for id. It is a no-op reporting AlreadyActive
// when id is tracked. When the stored credentials are not registered it
// requests a pairing code and returns it; ctx bounds only that request,
// the session itself lives until it closes or Shutdown is called.
func (m *Manager) Start(ctx context.Context, id domain.Identity) (PairingResult, error) {
	log := m.logger.With(zap.String("identity", id.String()))

	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return PairingResult{}, ErrShutdown
	}
	if _, ok := m.sessions[id]; ok {
		m.mu.Unlock()
		return PairingResult{AlreadyActive: true}, nil
	}
	s := newSession(id, m.now())
	m.sessions[id] = s
	m.table.Track(id, s.created)
	m.mu.Unlock()

	conn, err := m.connect(id, log)
	if err != nil {
		m.forget(s)
		return PairingResult{}, err
	}

	// The run goroutine is counted under mu so Shutdown either sees this
	// conn or makes Start back out; its Wait never races the Add.
	m.mu.Lock()
	s.conn = conn
	if m.closed {
		m.mu.Unlock()
		s.stopping.Store(true)
		_ = conn.Close()
		m.forget(s)
		return PairingResult{}, ErrShutdown
	}
	m.wg.Add(1)
	m.mu.Unlock()
	go m.run(s, log)

	if conn.Registered() {
		log.Info("session started")
		return PairingResult{Registered: true}, nil
	}

	m.setState(s, domain.StateAwaitingPairing)
	code, err := m.pair(ctx, s, log)
	if err != nil {
		log.Error("pairing failed", zap.Error(err))
		m.teardown(s)
		return PairingResult{}, err
	}
	m.table.SetPairingCode(id, code)
	log.Info("pairing code issued")
	return PairingResult{Code: code}, nil
}

func (m *Manager) connect(id domain.Identity, log *zap.Logger) (transport.Conn, error) {
	if err := m.creds.Ensure(m.ctx, id); err != nil {
		return nil, fmt.Errorf("ensure credential storage: %w", err)
	}
	data, err := m.creds.Load(m.ctx, id)
	if err != nil {
		return nil, fmt.Errorf("load credentials: %w", err)
	}
	conn, err := m.transport.Connect(m.ctx, transport.ConnectOptions{
		Identity:    id,
		Credentials: data,
		Logger:      log.Named("transport"),
	})
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrConnect, err)
	}
	return conn, nil
}

func (m *Manager) pair(ctx context.Context, s *Session, log *zap.Logger) (string, error) {
	var code string
	op := func() error {
		if err := sleep(ctx, m.pairing.Settle); err != nil {
			return backoff.Permanent(err)
		}
		c, err := s.conn.RequestPairingCode(ctx, s.id)
		if err != nil {
			return err
		}
		code = c
		return nil
	}
	policy := backoff.WithContext(
		backoff.WithMaxRetries(backoff.NewConstantBackOff(m.pairing.RetryDelay), uint64(m.pairing.Attempts-1)),
		ctx,
	)
	notify := func(err error, next time.Duration) {
		log.Warn("pairing code request failed", zap.Error(err), zap.Duration("retry_in", next))
	}
	if err := backoff.RetryNotify(op, policy, notify); err != nil {
		return "", fmt.Errorf("%w: %w", ErrPairingFailed, err)
	}
	return code, nil
}

// run consumes one session's events in order until the stream ends.
func (m *Manager) run(s *Session, log *zap.Logger) {
	defer m.wg.Done()

	for ev := range s.conn.Events() {
		switch ev := ev.(type) {
		case transport.CredentialsChanged:
			if err := m.creds.Save(m.ctx, s.id, ev.Data); err != nil {
				log.Error("save credentials", zap.Error(err))
			}
		case transport.Inbound:
			if ev.Message.IsStatus {
				continue
			}
			m.dispatcher.Handle(m.ctx, s, ev.Message)
		case transport.ConnectionUpdate:
			switch ev.State {
			case transport.StateConnecting:
				m.setState(s, domain.StateConnecting)
			case transport.StateOpen:
				m.opened(s, log)
			case transport.StateClosed:
				m.closedWith(s, ev.Code, ev.Err, log)
				return
			}
		}
	}
	m.closedWith(s, transport.CodeConnectionLost, nil, log)
}

func (m *Manager) opened(s *Session, log *zap.Logger) {
	if !s.opened.CompareAndSwap(false, true) {
		return
	}
	m.setState(s, domain.StateOpen)
	log.Info("session open", zap.String("self", s.conn.SelfID()))

	m.wg.Add(1)
	go func() {
		defer m.wg.Done()
		m.postConnect(s, log)
	}()
}

func (m *Manager) closedWith(s *Session, code int, cause error, log *zap.Logger) {
	m.setState(s, domain.StateClosing)
	m.forget(s)
	_ = s.conn.Close()

	if s.stopping.Load() {
		log.Debug("session stopped")
		return
	}

	if transport.Terminal(code) {
		log.Warn("session logged out", zap.Int("code", code), zap.Error(cause))
		if m.purge {
			if err := m.creds.Delete(m.ctx, s.id); err != nil {
				log.Error("purge credentials", zap.Error(err))
			}
		}
		return
	}

	log.Info("connection closed, reconnecting",
		zap.Int("code", code),
		zap.Error(cause),
		zap.Duration("delay", m.reconnect),
	)
	m.scheduleReconnect(s.id, log)
}

func (m *Manager) scheduleReconnect(id domain.Identity, log *zap.Logger) {
	m.wg.Add(1)
	go func() {
		defer m.wg.Done()
		if err := sleep(m.ctx, m.reconnect); err != nil {
			return
		}
		_, err := m.Start(m.ctx, id)
		switch {
		case err == nil, errors.Is(err, ErrShutdown):
		case errors.Is(err, ErrConnect):
			log.Error("reconnect failed", zap.Error(err))
			m.scheduleReconnect(id, log)
		default:
			log.Error("reconnect failed", zap.Error(err))
		}
	}()
}

// teardown closes a session without reconnecting.
func (m *Manager) teardown(s *Session) {
	s.stopping.Store(true)
	_ = s.conn.Close()
	m.forget(s)
}

// setState updates the table only while s is the identity's current session.
func (m *Manager) setState(s *Session, st domain.SessionState) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.sessions[s.id] == s {
		m.table.SetState(s.id, st)
	}
}

func (m *Manager) forget(s *Session) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.sessions[s.id] == s {
		delete(m.sessions, s.id)
		m.table.Remove(s.id)
	}
}

// Restore starts every identity that already has stored credentials and
// returns how many were started.
func (m *Manager) Restore(ctx context.Context) (int, error) {
	ids, err := m.creds.List(ctx)
	if err != nil {
		return 0, fmt.Errorf("list credentials: %w", err)
	}

	started := 0
	for _, id := range ids {
		res, err := m.Start(ctx, id)
		if err != nil {
			m.logger.Warn("restore session", zap.String("identity", id.String()), zap.Error(err))
			continue
		}
		if !res.AlreadyActive {
			started++
		}
	}
	m.logger.Info("sessions restored", zap.Int("count", started))
	return started, nil
}

// Shutdown closes every session and waits for their loops to finish.
func (m *Manager) Shutdown(ctx context.Context) error {
	m.mu.Lock()
	m.closed = true
	var conns []transport.Conn
	for _, s := range m.sessions {
		s.stopping.Store(true)
		if s.conn != nil {
			conns = append(conns, s.conn)
		}
	}
	m.mu.Unlock()

	m.cancel()
	for _, c := range conns {
		_ = c.Close()
	}

	done := make(chan struct{})
	go func() {
		m.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Sessions returns a snapshot of the session table.
func (m *Manager) Sessions() []state.Session { return m.table.List() }

func (m *Manager) Count() int { return m.table.Count() }

// Session returns the tracked session for id, if any.
func (m *Manager) Session(id domain.Identity) (state.Session, bool) { return m.table.Get(id) }

func sleep(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
