// Package dispatch turns inbound messages into command invocations.
package dispatch

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/danhigham/telefleet/internal/authz"
	"github.com/danhigham/telefleet/internal/command"
	"github.com/danhigham/telefleet/internal/domain"
	"github.com/danhigham/telefleet/internal/normalize"
)

const (
	builtinPublic  = "public"
	builtinPrivate = "private"

	emojiPublic  = "🔓"
	emojiPrivate = "🔒"

	timeLayout     = "15:04:05 02/01"
	defaultName    = "No Name"
	correlationLen = 6
)

// Session is the per-identity state the engine reads and acts through.
type Session interface {
	command.Session
	GroupMetadata(ctx context.Context, chatID string) (domain.GroupMetadata, error)
	SelfID() string
	Public() bool
	SetPublic(public bool)
}

type Resolver interface {
	Resolve(name string) (*command.Descriptor, bool)
}

// Replies are the texts the engine itself sends.
type Replies struct {
	Denied  string // formatted with the sender's bare number
	Public  string
	Private string
	Apology string
}

func DefaultReplies() Replies {
	return Replies{
		Denied:  "🚫 @%s, this command is reserved for the owner.",
		Public:  "PUBLIC MODE ✅",
		Private: "PRIVATE MODE ✅",
		Apology: "⚠️ Something went wrong.",
	}
}

type Options struct {
	Prefix   string
	Owners   authz.Owners
	Location *time.Location
	Registry Resolver
	Logger   *zap.Logger
	Replies  *Replies
	// Tracer defaults to the global otel tracer provider.
	Tracer trace.Tracer
	// Now and NewID are overridable for tests.
	Now   func() time.Time
	NewID func() string
}

type Engine struct {
	prefix   string
	owners   authz.Owners
	loc      *time.Location
	registry Resolver
	logger   *zap.Logger
	replies  Replies
	tracer   trace.Tracer
	now      func() time.Time
	newID    func() string
}

func New(opts Options) *Engine {
	e := &Engine{
		prefix:   opts.Prefix,
		owners:   opts.Owners,
		loc:      opts.Location,
		registry: opts.Registry,
		logger:   opts.Logger,
		replies:  DefaultReplies(),
		tracer:   opts.Tracer,
		now:      opts.Now,
		newID:    opts.NewID,
	}
	if opts.Replies != nil {
		e.replies = *opts.Replies
	}
	if e.loc == nil {
		e.loc = time.UTC
	}
	if e.logger == nil {
		e.logger = zap.NewNop()
	}
	if e.tracer == nil {
		e.tracer = otel.Tracer("github.com/danhigham/telefleet/internal/dispatch")
	}
	if e.now == nil {
		e.now = time.Now
	}
	if e.newID == nil {
		e.newID = correlationID
	}
	return e
}

func correlationID() string {
	return strings.ReplaceAll(uuid.NewString(), "-", "")[:correlationLen]
}

// Handle processes one inbound event. It never panics and never returns an
// error: failures are logged and answered with an apology.
func (e *Engine) Handle(ctx context.Context, sess Session, ev domain.InboundEvent) {
	msg := normalize.Message(ev, sess.SelfID())

	defer func() {
		if r := recover(); r != nil {
			e.fail(ctx, sess, msg, fmt.Errorf("panic: %v", r))
		}
	}()

	if err := e.dispatch(ctx, sess, msg, ev.Raw); err != nil {
		e.fail(ctx, sess, msg, err)
	}
}

func (e *Engine) dispatch(ctx context.Context, sess Session, msg domain.CanonicalMessage, raw any) error {
	body := strings.TrimSpace(msg.Text)
	if body == "" || !strings.HasPrefix(body, e.prefix) {
		return nil
	}
	fields := strings.Fields(strings.TrimPrefix(body, e.prefix))
	if len(fields) == 0 {
		return nil
	}
	name := command.Fold(fields[0])
	args := fields[1:]

	self := sess.SelfID()
	isOwner := authz.Resolve(authz.Input{Message: msg, Owners: e.owners, Self: self}).IsOwner

	switch name {
	case builtinPublic:
		return e.setMode(ctx, sess, msg, isOwner, true)
	case builtinPrivate:
		return e.setMode(ctx, sess, msg, isOwner, false)
	}

	if !sess.Public() && !isOwner {
		return nil
	}

	desc, ok := e.registry.Resolve(name)
	if !ok {
		return nil
	}

	var meta domain.GroupMetadata
	isGroup := authz.KindOf(msg.ChatID) == domain.ChatGroup
	if isGroup {
		m, err := sess.GroupMetadata(ctx, msg.ChatID)
		if err != nil {
			e.logger.Warn("group metadata unavailable", zap.String("chat", msg.ChatID), zap.Error(err))
		} else {
			meta = m
		}
	}
	ac := authz.Resolve(authz.Input{Message: msg, Metadata: meta, Owners: e.owners, Self: self})

	pushName := msg.PushName
	if pushName == "" {
		pushName = defaultName
	}
	inv := &command.Invocation{
		Session: sess,
		Message: msg,
		Raw:     raw,
		Args:    args,
		Context: command.Context{
			IsGroup:        isGroup,
			Metadata:       meta,
			Participants:   meta.Participants,
			IsAdmin:        ac.IsGroupAdmin,
			IsBotAdmin:     ac.IsBotAdmin,
			IsOwner:        ac.IsOwner,
			IsSudo:         ac.IsOwner,
			IsAdminOrOwner: ac.IsGroupAdmin || ac.IsOwner,
			ChatType:       ac.ChatKind,
			Body:           body,
			Sender:         msg.Sender,
			Text:           strings.Join(args, " "),
			BotID:          self,
			SenderNumber:   authz.BareNumber(msg.Sender),
			PushName:       pushName,
			GroupName:      meta.Subject,
			Command:        e.prefix + name,
			Prefix:         e.prefix,
			Time:           e.now().In(e.loc).Format(timeLayout),
			CorrelationID:  e.newID(),
		},
	}

	ctx, span := e.tracer.Start(ctx, "command "+desc.Name, trace.WithAttributes(
		attribute.String("command.name", desc.Name),
		attribute.String("chat.kind", string(ac.ChatKind)),
		attribute.String("correlation.id", inv.Context.CorrelationID),
	))
	defer span.End()

	e.logger.Debug("running command",
		zap.String("command", desc.Name),
		zap.String("chat", msg.ChatID),
		zap.String("sender", msg.Sender),
		zap.String("id", inv.Context.CorrelationID),
	)
	if err := desc.Handler.Run(ctx, inv); err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return fmt.Errorf("run %s: %w", desc.Name, err)
	}
	return nil
}

func (e *Engine) setMode(ctx context.Context, sess Session, msg domain.CanonicalMessage, isOwner, public bool) error {
	emoji, confirm := emojiPrivate, e.replies.Private
	if public {
		emoji, confirm = emojiPublic, e.replies.Public
	}
	if err := sess.React(ctx, msg.ChatID, msg.Key(), emoji); err != nil {
		return fmt.Errorf("react: %w", err)
	}

	if !isOwner {
		return sess.Send(ctx, msg.ChatID, domain.OutboundMessage{
			Text:     fmt.Sprintf(e.replies.Denied, authz.BareNumber(msg.Sender)),
			Mentions: []string{msg.Sender},
		})
	}

	sess.SetPublic(public)
	e.logger.Info("session mode changed", zap.Bool("public", public), zap.String("by", msg.Sender))
	key := msg.Key()
	return sess.Send(ctx, msg.ChatID, domain.OutboundMessage{Text: confirm, Quoted: &key})
}

func (e *Engine) fail(ctx context.Context, sess Session, msg domain.CanonicalMessage, err error) {
	e.logger.Error("dispatch failed",
		zap.String("chat", msg.ChatID),
		zap.String("message", msg.ID),
		zap.Error(err),
	)
	key := msg.Key()
	if err := sess.Send(ctx, msg.ChatID, domain.OutboundMessage{Text: e.replies.Apology, Quoted: &key}); err != nil {
		e.logger.Debug("apology not delivered", zap.Error(err))
	}
}
