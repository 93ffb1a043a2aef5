package delivery

import (
	"context"
	"errors"
	"time"

	"github.com/foxzi/campaignd/internal/models"
)

type timeoutBackend struct {
	next    Backend
	timeout time.Duration
}

// WithTimeout bounds every Send of next. When the deadline passes the call
// resolves with ErrTimeout even if next ignores its context.
func WithTimeout(next Backend, timeout time.Duration) Backend {
	if timeout <= 0 {
		return next
	}
	return &timeoutBackend{next: next, timeout: timeout}
}

func (b *timeoutBackend) Channel() models.Channel {
	return b.next.Channel()
}

func (b *timeoutBackend) Send(ctx context.Context, contact models.Contact, msg *Message) (string, error) {
	ctx, cancel := context.WithTimeout(ctx, b.timeout)
	defer cancel()

	type outcome struct {
		id  string
		err error
	}
	done := make(chan outcome, 1)
	go func() {
		id, err := b.next.Send(ctx, contact, msg)
		done <- outcome{id, err}
	}()

	select {
	case o := <-done:
		if o.err != nil && errors.Is(ctx.Err(), context.DeadlineExceeded) {
			return "", ErrTimeout
		}
		return o.id, o.err
	case <-ctx.Done():
		if errors.Is(ctx.Err(), context.DeadlineExceeded) {
			return "", ErrTimeout
		}
		return "", ctx.Err()
	}
}
