package command_test

import (
	"context"
	"errors"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/danhigham/telefleet/internal/command"
	"github.com/danhigham/telefleet/internal/domain"
)

type sent struct {
	chat string
	msg  domain.OutboundMessage
}

type recordingSession struct {
	mu        sync.Mutex
	sent      []sent
	reactions []string
	err       error
}

func (s *recordingSession) Send(ctx context.Context, chatID string, msg domain.OutboundMessage) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.err != nil {
		return s.err
	}
	s.sent = append(s.sent, sent{chat: chatID, msg: msg})
	return nil
}

func (s *recordingSession) React(ctx context.Context, chatID string, key domain.MessageKey, emoji string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.reactions = append(s.reactions, emoji)
	return nil
}

func loadOne(t *testing.T, body string) *command.Descriptor {
	t.Helper()
	dir := t.TempDir()
	writeModule(t, dir, "cmd.lua", body)
	d, err := command.LoadModule(filepath.Join(dir, "cmd.lua"), zap.NewNop())
	require.NoError(t, err)
	return d
}

func invocation(sess command.Session, args ...string) *command.Invocation {
	return &command.Invocation{
		Session: sess,
		Message: domain.CanonicalMessage{ID: "m1", ChatID: "5@group", Sender: "42@user"},
		Args:    args,
		Context: command.Context{
			IsGroup:       true,
			Sender:        "42@user",
			PushName:      "Ada",
			Prefix:        ",",
			Command:       ",echo",
			CorrelationID: "a1b2c3",
			Participants:  []domain.Participant{{ID: "42@user", Admin: "admin"}},
		},
	}
}

func TestLuaModule_HostFunctions(t *testing.T) {
	d := loadOne(t, `return {
  name = "echo",
  alias = "say",
  run = function(ctx, args)
    react("👀")
    reply(ctx.push_name .. ": " .. table.concat(args, " "))
    send("9@user", ctx.command .. " " .. ctx.id .. " " .. tostring(ctx.is_group))
    log("echoed " .. #args)
    return ctx.participants[1].admin
  end,
}`)
	assert.Equal(t, []string{"say"}, d.Aliases)

	sess := &recordingSession{}
	require.NoError(t, d.Handler.Run(context.Background(), invocation(sess, "hello", "world")))

	require.Len(t, sess.sent, 3)
	assert.Equal(t, "5@group", sess.sent[0].chat)
	assert.Equal(t, "Ada: hello world", sess.sent[0].msg.Text)
	require.NotNil(t, sess.sent[0].msg.Quoted)
	assert.Equal(t, "m1", sess.sent[0].msg.Quoted.ID)

	assert.Equal(t, "9@user", sess.sent[1].chat)
	assert.Equal(t, ",echo a1b2c3 true", sess.sent[1].msg.Text)
	assert.Nil(t, sess.sent[1].msg.Quoted)

	assert.Equal(t, "admin", sess.sent[2].msg.Text, "string return value is sent as a reply")
	assert.Equal(t, []string{"👀"}, sess.reactions)
}

func TestLuaModule_RuntimeError(t *testing.T) {
	d := loadOne(t, `return { name = "bad", run = function() error("kaput") end }`)
	err := d.Handler.Run(context.Background(), invocation(&recordingSession{}))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "kaput")
}

func TestLuaModule_SendFailureSurfaces(t *testing.T) {
	d := loadOne(t, `return { name = "x", run = function() reply("hi") end }`)
	err := d.Handler.Run(context.Background(), invocation(&recordingSession{err: errors.New("closed")}))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "closed")
}

func TestLuaModule_StateSurvivesCalls(t *testing.T) {
	d := loadOne(t, `local n = 0
return { name = "count", run = function() n = n + 1; return tostring(n) end }`)

	sess := &recordingSession{}
	for i := 0; i < 3; i++ {
		require.NoError(t, d.Handler.Run(context.Background(), invocation(sess)))
	}
	require.Len(t, sess.sent, 3)
	assert.Equal(t, "3", sess.sent[2].msg.Text)
}

// blockingSession parks every Send until release is closed.
type blockingSession struct {
	entered chan struct{}
	release chan struct{}
	once    sync.Once
}

func (s *blockingSession) Send(ctx context.Context, chatID string, msg domain.OutboundMessage) error {
	s.once.Do(func() { close(s.entered) })
	select {
	case <-s.release:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (s *blockingSession) React(ctx context.Context, chatID string, key domain.MessageKey, emoji string) error {
	return nil
}

func TestLuaModule_BlockedSessionDoesNotStallOthers(t *testing.T) {
	d := loadOne(t, `return { name = "hi", run = function(ctx) reply("hi " .. ctx.push_name) end }`)

	slow := &blockingSession{entered: make(chan struct{}), release: make(chan struct{})}
	slowDone := make(chan error, 1)
	go func() { slowDone <- d.Handler.Run(context.Background(), invocation(slow)) }()
	<-slow.entered

	fast := &recordingSession{}
	fastDone := make(chan error, 1)
	go func() { fastDone <- d.Handler.Run(context.Background(), invocation(fast)) }()

	select {
	case err := <-fastDone:
		require.NoError(t, err)
	case <-time.After(time.Second):
		close(slow.release)
		t.Fatal("second session waited on the first one's send")
	}
	require.Len(t, fast.sent, 1)
	assert.Equal(t, "hi Ada", fast.sent[0].msg.Text)

	close(slow.release)
	require.NoError(t, <-slowDone)
}

func TestLuaModule_HostCallOutsideInvocation(t *testing.T) {
	dir := t.TempDir()
	writeModule(t, dir, "early.lua", `reply("too soon")
return { name = "early", run = function() end }`)
	_, err := command.LoadModule(filepath.Join(dir, "early.lua"), zap.NewNop())
	assert.Error(t, err)
}
