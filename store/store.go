// Package store defines the persistence interface for users, sessions
// and messages. Implementations live in subpackages.
package store

import (
	"errors"

	"github.com/jxucoder/fecoder/model"
)

// ErrNotFound is returned when a requested row does not exist.
var ErrNotFound = errors.New("not found")

// Store persists users, sessions and conversation messages. It is the
// single source of truth for session status.
type Store interface {
	CreateUser(u *model.User) error
	GetUser(id string) (*model.User, error)
	GetUserByEmail(email string) (*model.User, error)

	CreateSession(sess *model.Session) error
	GetSession(id string) (*model.Session, error)
	ListSessions(userID string) ([]*model.Session, error)
	UpdateSession(sess *model.Session) error

	AddMessage(msg *model.Message) error
	GetMessages(sessionID string) ([]*model.Message, error)
	// RecentMessages returns the last limit messages in chronological order.
	RecentMessages(sessionID string, limit int) ([]*model.Message, error)

	// CompleteTurn appends the assistant message and updates the session's
	// status, last-activity timestamp and (when non-empty) preview URL in a
	// single transaction.
	CompleteTurn(sess *model.Session, msg *model.Message) error

	Close() error
}
