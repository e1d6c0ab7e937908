// Package store persists chat credentials. The relay only needs three
// operations from it: an existence check, a conditional insert and a
// username/password match.
package store

import (
	"context"
	"errors"
)

// ErrUsernameTaken is returned by Insert when the username already has a record.
// Insert is the atomic step of registration, so two racing registrations of
// the same name produce exactly one success and one ErrUsernameTaken.
var ErrUsernameTaken = errors.New("store: username already exists")

// Store is the credential store consumed by chat sessions.
// Implementations must be safe for concurrent use.
type Store interface {
	Exists(ctx context.Context, username string) (bool, error)
	Insert(ctx context.Context, username, password string) error
	Authenticate(ctx context.Context, username, password string) (bool, error)
	Close() error
}

// Compile-time checks.
var (
	_ Store = (*SQLite)(nil)
	_ Store = (*Memory)(nil)
)
