// Package mailboxtest provides in-memory mailbox sessions for tests.
package mailboxtest

import (
	"context"
	"slices"
	"sync"
	"time"

	"onebox/internal/mailbox"
)

const flagSeen = `\Seen`

// Session is a scriptable mailbox.Session.
type Session struct {
	mu        sync.Mutex
	messages  []mailbox.Message
	fetchErr  error
	searchErr error
	fetches   [][]uint32
	closed    bool

	updates chan int
	ended   chan struct{}
	endOnce sync.Once
	// BeforeFetch, when set, runs before each fetch returns.
	BeforeFetch func(uids []uint32)
}

func NewSession(msgs ...mailbox.Message) *Session {
	return &Session{
		messages: msgs,
		updates:  make(chan int, 16),
		ended:    make(chan struct{}),
	}
}

// Deliver appends messages and notifies a waiting WaitForUpdate.
func (s *Session) Deliver(msgs ...mailbox.Message) {
	s.mu.Lock()
	s.messages = append(s.messages, msgs...)
	s.mu.Unlock()
	s.updates <- len(msgs)
}

// Notify reports n new messages without adding any.
func (s *Session) Notify(n int) {
	s.updates <- n
}

// End simulates the server dropping the connection.
func (s *Session) End() {
	s.endOnce.Do(func() { close(s.ended) })
}

func (s *Session) SetFetchError(err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.fetchErr = err
}

func (s *Session) SetSearchError(err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.searchErr = err
}

// Fetches returns the UID sets passed to Fetch so far.
func (s *Session) Fetches() [][]uint32 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return slices.Clone(s.fetches)
}

func (s *Session) Closed() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closed
}

func (s *Session) SearchAll(ctx context.Context) ([]uint32, error) {
	return s.search(ctx, func(mailbox.Message) bool { return true })
}

func (s *Session) SearchUnseen(ctx context.Context) ([]uint32, error) {
	return s.search(ctx, func(m mailbox.Message) bool { return !slices.Contains(m.Flags, flagSeen) })
}

func (s *Session) search(ctx context.Context, keep func(mailbox.Message) bool) ([]uint32, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.searchErr != nil {
		return nil, s.searchErr
	}
	var uids []uint32
	for _, m := range s.messages {
		if keep(m) {
			uids = append(uids, m.UID)
		}
	}
	return uids, nil
}

func (s *Session) Fetch(ctx context.Context, uids []uint32) ([]mailbox.Message, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if s.BeforeFetch != nil {
		s.BeforeFetch(uids)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.fetches = append(s.fetches, slices.Clone(uids))
	if s.fetchErr != nil {
		return nil, s.fetchErr
	}
	var out []mailbox.Message
	for _, m := range s.messages {
		if slices.Contains(uids, m.UID) {
			out = append(out, m)
		}
	}
	return out, nil
}

func (s *Session) WaitForUpdate(ctx context.Context) (int, error) {
	select {
	case n := <-s.updates:
		return n, nil
	case <-s.ended:
		return 0, mailbox.ErrSessionClosed
	case <-ctx.Done():
		return 0, ctx.Err()
	}
}

func (s *Session) Close() error {
	s.mu.Lock()
	s.closed = true
	s.mu.Unlock()
	s.End()
	return nil
}

// Dialer hands out sessions from DialFunc and records every attempt.
type Dialer struct {
	mu       sync.Mutex
	attempts []time.Time
	DialFunc func(ctx context.Context, creds mailbox.Credentials, attempt int) (mailbox.Session, error)
}

func (d *Dialer) Dial(ctx context.Context, creds mailbox.Credentials) (mailbox.Session, error) {
	d.mu.Lock()
	d.attempts = append(d.attempts, time.Now())
	attempt := len(d.attempts)
	d.mu.Unlock()
	return d.DialFunc(ctx, creds, attempt)
}

// Attempts returns the times Dial was called.
func (d *Dialer) Attempts() []time.Time {
	d.mu.Lock()
	defer d.mu.Unlock()
	return slices.Clone(d.attempts)
}

// RawMessage builds a minimal RFC 5322 message.
func RawMessage(messageID, subject, body string) []byte {
	var b []byte
	if messageID != "" {
		b = append(b, "Message-ID: <"+messageID+">\r\n"...)
	}
	b = append(b, "From: Sender <sender@example.com>\r\n"...)
	b = append(b, "To: inbox@example.com\r\n"...)
	if subject != "" {
		b = append(b, "Subject: "+subject+"\r\n"...)
	}
	b = append(b, "Date: Fri, 01 Mar 2024 09:30:00 +0000\r\n\r\n"...)
	b = append(b, body+"\r\n"...)
	return b
}
