// Package mailbox abstracts the remote mail store a connection talks to.
package mailbox

import (
	"context"
	"errors"
	"time"
)

// ErrSessionClosed is returned by blocking calls once the server side of a
// session has gone away.
var ErrSessionClosed = errors.New("mailbox session closed")

type Credentials struct {
	Host     string
	Port     int
	TLS      bool
	Username string
	Password string
}

type Message struct {
	UID          uint32
	Flags        []string
	InternalDate time.Time
	Raw          []byte
}

// Session is an authenticated connection with INBOX selected.
// Implementations are not safe for concurrent use.
type Session interface {
	// SearchAll returns every UID in the mailbox in ascending order.
	SearchAll(ctx context.Context) ([]uint32, error)
	// SearchUnseen returns UIDs without the \Seen flag in ascending order.
	SearchUnseen(ctx context.Context) ([]uint32, error)
	// Fetch returns full messages without marking them as seen.
	Fetch(ctx context.Context, uids []uint32) ([]Message, error)
	// WaitForUpdate blocks until the server reports new messages and returns
	// how many arrived. It returns an error when the session ends.
	WaitForUpdate(ctx context.Context) (int, error)
	Close() error
}

type Dialer interface {
	Dial(ctx context.Context, creds Credentials) (Session, error)
}

// Tail returns the last n elements of uids.
func Tail(uids []uint32, n int) []uint32 {
	if n <= 0 || len(uids) <= n {
		return uids
	}
	return uids[len(uids)-n:]
}
