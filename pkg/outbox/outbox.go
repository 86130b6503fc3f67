// Package outbox keeps client-side sends that the server has not yet
// acknowledged and retries them when connectivity returns.
package outbox

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/google/uuid"
	"go.uber.org/zap"
)

type Kind string

const (
	KindStartConversation   Kind = "start_conversation"
	KindConversationMessage Kind = "conversation_message"
)

const (
	DefaultMaxAttempts = 50
	DefaultCallTimeout = 10 * time.Second
)

// Entry is one pending send. Target is a participant id for
// KindStartConversation and a conversation id otherwise.
type Entry struct {
	ID        string    `json:"id"`
	Kind      Kind      `json:"type"`
	Target    string    `json:"target"`
	Body      string    `json:"body"`
	CreatedAt time.Time `json:"created_at"`
	Attempts  int       `json:"attempts"`
	LastError string    `json:"last_error,omitempty"`
}

// Sender performs the real send. clientMessageID is the entry id and stays
// the same across retries, so the server stores a message once even when
// an earlier attempt committed but its answer was lost. A send wrapped
// with backoff.Permanent is never retried.
type Sender interface {
	StartConversation(ctx context.Context, clientMessageID, participantID, body string) error
	SendMessage(ctx context.Context, clientMessageID, conversationID, body string) error
}

// Queue is the durable store behind the outbox. List returns live
// entries oldest first; dead-lettered entries are excluded.
type Queue interface {
	Enqueue(ctx context.Context, e Entry) error
	List(ctx context.Context, limit int) ([]Entry, error)
	Remove(ctx context.Context, id string) error
	// RecordFailure increments attempts and returns the new count.
	RecordFailure(ctx context.Context, id, reason string) (int, error)
	DeadLetter(ctx context.Context, id string) error
	DeadLetters(ctx context.Context) ([]Entry, error)
	Len(ctx context.Context) (int, error)
}

var ErrInvalidEntry = errors.New("outbox: invalid entry")

type Option func(*Outbox)

func WithMaxAttempts(n int) Option           { return func(o *Outbox) { o.maxAttempts = n } }
func WithCallTimeout(d time.Duration) Option { return func(o *Outbox) { o.timeout = d } }
func WithLogger(l *zap.Logger) Option        { return func(o *Outbox) { o.log = l } }
func WithClock(now func() time.Time) Option  { return func(o *Outbox) { o.now = now } }

type Outbox struct {
	q           Queue
	s           Sender
	maxAttempts int
	timeout     time.Duration
	log         *zap.Logger
	now         func() time.Time

	flushMu sync.Mutex
}

func New(q Queue, s Sender, opts ...Option) *Outbox {
	o := &Outbox{
		q:           q,
		s:           s,
		maxAttempts: DefaultMaxAttempts,
		timeout:     DefaultCallTimeout,
		log:         zap.NewNop(),
		now:         time.Now,
	}
	for _, opt := range opts {
		opt(o)
	}
	return o
}

// Submit tries the send immediately and queues it when that fails. It
// reports whether the entry was queued.
func (o *Outbox) Submit(ctx context.Context, kind Kind, target, body string) (bool, error) {
	e := Entry{
		ID:        uuid.NewString(),
		Kind:      kind,
		Target:    strings.TrimSpace(target),
		Body:      body,
		CreatedAt: o.now().UTC(),
	}
	if err := validateEntry(e); err != nil {
		return false, err
	}
	err := o.attempt(ctx, e)
	if err == nil {
		return false, nil
	}
	if isPermanent(err) {
		return false, err
	}
	e.Attempts = 1
	e.LastError = err.Error()
	if qerr := o.q.Enqueue(ctx, e); qerr != nil {
		return false, fmt.Errorf("outbox: enqueue: %w", qerr)
	}
	o.log.Info("send queued", zap.String("entry_id", e.ID), zap.String("kind", string(kind)), zap.Error(err))
	return true, nil
}

func validateEntry(e Entry) error {
	switch {
	case e.Kind != KindStartConversation && e.Kind != KindConversationMessage:
		return fmt.Errorf("%w: unknown kind %q", ErrInvalidEntry, e.Kind)
	case e.Target == "":
		return fmt.Errorf("%w: target is required", ErrInvalidEntry)
	case e.Kind == KindConversationMessage && strings.TrimSpace(e.Body) == "":
		return fmt.Errorf("%w: body is required", ErrInvalidEntry)
	}
	return nil
}

func (o *Outbox) attempt(ctx context.Context, e Entry) error {
	ctx, cancel := context.WithTimeout(ctx, o.timeout)
	defer cancel()
	switch e.Kind {
	case KindStartConversation:
		return o.s.StartConversation(ctx, e.ID, e.Target, e.Body)
	case KindConversationMessage:
		return o.s.SendMessage(ctx, e.ID, e.Target, e.Body)
	}
	return backoff.Permanent(fmt.Errorf("%w: unknown kind %q", ErrInvalidEntry, e.Kind))
}

func isPermanent(err error) bool {
	var perm *backoff.PermanentError
	return errors.As(err, &perm) || errors.Is(err, ErrInvalidEntry)
}

type FlushResult struct {
	Sent         int `json:"sent"`
	Retained     int `json:"retained"`
	DeadLettered int `json:"dead_lettered"`
}

// Flush attempts up to maxBatch queued entries once each. Entries that
// succeed are removed; failures stay queued for the next flush, except
// permanent failures and entries that reached the attempt limit, which
// move to the dead-letter list. A failing entry never stops the pass.
func (o *Outbox) Flush(ctx context.Context, maxBatch int) (FlushResult, error) {
	o.flushMu.Lock()
	defer o.flushMu.Unlock()

	var res FlushResult
	entries, err := o.q.List(ctx, maxBatch)
	if err != nil {
		return res, fmt.Errorf("outbox: list: %w", err)
	}
	for _, e := range entries {
		if err := ctx.Err(); err != nil {
			return res, err
		}
		sendErr := o.attempt(ctx, e)
		if sendErr == nil {
			if err := o.q.Remove(ctx, e.ID); err != nil {
				return res, fmt.Errorf("outbox: remove %s: %w", e.ID, err)
			}
			res.Sent++
			continue
		}

		attempts, err := o.q.RecordFailure(ctx, e.ID, sendErr.Error())
		if err != nil {
			return res, fmt.Errorf("outbox: record failure %s: %w", e.ID, err)
		}
		if isPermanent(sendErr) || (o.maxAttempts > 0 && attempts >= o.maxAttempts) {
			if err := o.q.DeadLetter(ctx, e.ID); err != nil {
				return res, fmt.Errorf("outbox: dead-letter %s: %w", e.ID, err)
			}
			o.log.Warn("entry dead-lettered",
				zap.String("entry_id", e.ID), zap.Int("attempts", attempts), zap.Error(sendErr))
			res.DeadLettered++
			continue
		}
		res.Retained++
	}
	if res.Sent+res.Retained+res.DeadLettered > 0 {
		o.log.Debug("outbox flushed",
			zap.Int("sent", res.Sent), zap.Int("retained", res.Retained), zap.Int("dead_lettered", res.DeadLettered))
	}
	return res, nil
}

// Run flushes once at start and again on every trigger, typically a
// connectivity transition to online or a manual request, until ctx ends.
func (o *Outbox) Run(ctx context.Context, triggers <-chan struct{}, maxBatch int) error {
	flush := func() {
		if _, err := o.Flush(ctx, maxBatch); err != nil && ctx.Err() == nil {
			o.log.Warn("outbox flush failed", zap.Error(err))
		}
	}
	flush()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case _, ok := <-triggers:
			if !ok {
				return nil
			}
			flush()
		}
	}
}

// Pending returns the number of live entries.
func (o *Outbox) Pending(ctx context.Context) (int, error) {
	return o.q.Len(ctx)
}

func (o *Outbox) DeadLetters(ctx context.Context) ([]Entry, error) {
	return o.q.DeadLetters(ctx)
}
