// Package correlation matches asynchronous credential replies from foreground
// clients to the credential requests the worker has in flight.
package correlation

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/memohai/mxgate/internal/protocol"
)

// DefaultTimeout bounds how long a credential request waits for its reply.
const DefaultTimeout = 10 * time.Second

var (
	// ErrCredentialTimeout indicates no reply arrived within the timeout window.
	ErrCredentialTimeout = errors.New("timeout while retrieving credential")
	// ErrSendFailed indicates the request could not be delivered to the client.
	ErrSendFailed = errors.New("failed to send message to client")
	// ErrUnknownReply indicates a reply whose request id has no live entry.
	ErrUnknownReply = errors.New("reply for unknown request id")
)

// RejectedError carries the error text a foreground client replied with.
type RejectedError struct {
	RequestID string
	Message   string
}

func (e *RejectedError) Error() string { return e.Message }

// Messenger is a foreground client connection able to receive messages.
type Messenger interface {
	ID() string
	PostMessage(msg protocol.Message) error
}

type outcome struct {
	reply protocol.AuthResponse
	err   error
}

type entry struct {
	timer *time.Timer
	done  chan outcome
}

// settle must only be called by the goroutine that removed e from the table.
func (e *entry) settle(o outcome) {
	e.done <- o
}

// Table holds the pending credential requests of one worker.
type Table struct {
	mu      sync.Mutex
	entries map[string]*entry
	timeout time.Duration
	newID   func() string
	logger  *slog.Logger
}

// Option customizes a Table.
type Option func(*Table)

// WithTimeout overrides DefaultTimeout.
func WithTimeout(d time.Duration) Option {
	return func(t *Table) {
		if d > 0 {
			t.timeout = d
		}
	}
}

// WithIDGenerator overrides the uuid request id generator.
func WithIDGenerator(fn func() string) Option {
	return func(t *Table) {
		if fn != nil {
			t.newID = fn
		}
	}
}

// NewTable creates an empty correlation table.
func NewTable(log *slog.Logger, opts ...Option) *Table {
	if log == nil {
		log = slog.Default()
	}
	t := &Table{
		entries: map[string]*entry{},
		timeout: DefaultTimeout,
		newID:   uuid.NewString,
		logger:  log.With(slog.String("component", "correlation")),
	}
	for _, opt := range opts {
		opt(t)
	}
	return t
}

// Pending is a credential request awaiting its reply or timeout.
type Pending struct {
	id   string
	done <-chan outcome
}

// ID returns the request id sent to the client.
func (p *Pending) ID() string { return p.id }

// Wait blocks until the request settles or ctx is done. A cancelled ctx does
// not remove the entry; it is still cleared by its reply or its timeout.
func (p *Pending) Wait(ctx context.Context) (protocol.AuthResponse, error) {
	select {
	case o := <-p.done:
		return o.reply, o.err
	case <-ctx.Done():
		return protocol.AuthResponse{}, ctx.Err()
	}
}

// Initiate registers a new request and posts it to client. A delivery failure
// removes the entry and is returned immediately.
func (t *Table) Initiate(client Messenger) (*Pending, error) {
	if client == nil {
		return nil, fmt.Errorf("%w: client is nil", ErrSendFailed)
	}
	id := t.newID()
	e := &entry{done: make(chan outcome, 1)}

	t.mu.Lock()
	if _, exists := t.entries[id]; exists {
		t.mu.Unlock()
		return nil, fmt.Errorf("duplicate request id %q", id)
	}
	t.entries[id] = e
	e.timer = time.AfterFunc(t.timeout, func() { t.expire(id) })
	t.mu.Unlock()

	t.logger.Debug("sending auth request", slog.String("client_id", client.ID()), slog.String("request_id", id))
	if err := client.PostMessage(protocol.AuthRequest{RequestID: id}); err != nil {
		if taken, ok := t.take(id); ok {
			taken.timer.Stop()
		}
		t.logger.Warn("send auth request failed",
			slog.String("client_id", client.ID()),
			slog.String("request_id", id),
			slog.Any("error", err),
		)
		return nil, fmt.Errorf("%w: %v", ErrSendFailed, err)
	}
	return &Pending{id: id, done: e.done}, nil
}

// Request initiates a credential request and waits for it to settle.
func (t *Table) Request(ctx context.Context, client Messenger) (protocol.AuthResponse, error) {
	p, err := t.Initiate(client)
	if err != nil {
		return protocol.AuthResponse{}, err
	}
	return p.Wait(ctx)
}

// Resolve settles the request named by reply.RequestID. The reply is matched
// by request id only: any connected client may answer on behalf of the client
// the request was sent to.
func (t *Table) Resolve(reply protocol.AuthResponse) error {
	e, ok := t.take(reply.RequestID)
	if !ok {
		t.logger.Warn("auth response for unknown request id", slog.String("request_id", reply.RequestID))
		return fmt.Errorf("%w: %s", ErrUnknownReply, reply.RequestID)
	}
	e.timer.Stop()
	if reply.Error != "" {
		e.settle(outcome{err: &RejectedError{RequestID: reply.RequestID, Message: reply.Error}})
		return nil
	}
	e.settle(outcome{reply: reply})
	return nil
}

// Len reports the number of live entries.
func (t *Table) Len() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.entries)
}

func (t *Table) expire(id string) {
	e, ok := t.take(id)
	if !ok {
		return
	}
	t.logger.Warn("auth request timed out", slog.String("request_id", id), slog.Duration("timeout", t.timeout))
	e.settle(outcome{err: ErrCredentialTimeout})
}

func (t *Table) take(id string) (*entry, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	e, ok := t.entries[id]
	if ok {
		delete(t.entries, id)
	}
	return e, ok
}
