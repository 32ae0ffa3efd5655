// Package transport defines the contract between the fleet and a chat
// protocol implementation.
package transport

import (
	"context"
	"errors"

	"go.uber.org/zap"

	"github.com/danhigham/telefleet/internal/domain"
)

// ErrClosed is returned by operations on a closed connection.
var ErrClosed = errors.New("transport: connection closed")

// Close codes carried by ConnectionUpdate.
const (
	// CodeLoggedOut means the credentials were revoked. It is terminal.
	CodeLoggedOut = 401
	// CodeConnectionLost is a recoverable network failure.
	CodeConnectionLost = 428
	// CodeClosed is a local shutdown.
	CodeClosed = 499
	// CodeUnavailable is any other recoverable failure.
	CodeUnavailable = 503
)

// Terminal reports whether a close code ends the session for good.
func Terminal(code int) bool { return code == CodeLoggedOut }

// Event is one item of a connection's event stream: Inbound,
// CredentialsChanged or ConnectionUpdate.
type Event interface {
	event()
}

type Inbound struct {
	Message domain.InboundEvent
}

// CredentialsChanged carries the full serialized credential state.
type CredentialsChanged struct {
	Data []byte
}

type ConnectionState int

const (
	StateConnecting ConnectionState = iota
	StateOpen
	StateClosed
)

func (s ConnectionState) String() string {
	switch s {
	case StateOpen:
		return "open"
	case StateClosed:
		return "closed"
	default:
		return "connecting"
	}
}

type ConnectionUpdate struct {
	State ConnectionState
	Code  int   // set when State is StateClosed
	Err   error // cause of the close, if any
}

func (Inbound) event()            {}
func (CredentialsChanged) event() {}
func (ConnectionUpdate) event()   {}

// ConnectOptions configures one connection attempt.
type ConnectOptions struct {
	Identity domain.Identity
	// Credentials is the persisted credential state, nil when none exists.
	Credentials []byte
	Logger      *zap.Logger
}

// Transport opens protocol connections.
type Transport interface {
	Connect(ctx context.Context, opts ConnectOptions) (Conn, error)
}

// Conn is one live protocol connection.
type Conn interface {
	// Events delivers the connection's events in arrival order. The channel
	// is closed after the final ConnectionUpdate.
	Events() <-chan Event
	// Registered reports whether the credentials are linked to an account.
	Registered() bool
	// SelfID is the bot's own chat identity; empty until registered.
	SelfID() string
	Send(ctx context.Context, chatID string, msg domain.OutboundMessage) error
	React(ctx context.Context, chatID string, key domain.MessageKey, emoji string) error
	RequestPairingCode(ctx context.Context, id domain.Identity) (string, error)
	GroupMetadata(ctx context.Context, chatID string) (domain.GroupMetadata, error)
	// Follow subscribes the account to a broadcast channel.
	Follow(ctx context.Context, channel string) error
	Close() error
}
