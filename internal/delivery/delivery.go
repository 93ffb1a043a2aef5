// Package delivery defines the contract every channel backend implements.
//
// A backend makes exactly one provider call per Send and never retries
// internally; retrying is the campaign layer's concern.
package delivery

import (
	"context"
	"errors"
	"fmt"

	"github.com/foxzi/campaignd/internal/models"
)

// ErrTimeout is returned when the provider did not answer in time
var ErrTimeout = &Error{Reason: "timeout", Temporary: true}

// Attachment is a file sent along with a message
type Attachment struct {
	Filename    string
	ContentType string
	Data        []byte
}

// Message is a rendered message for one recipient
type Message struct {
	CampaignID   string
	CampaignName string
	Subject      string
	Body         string
	MediaURL     string
	Attachments  []Attachment
}

// Backend delivers one message to one recipient over a single channel.
// A nil error means the provider accepted the message; the returned string
// is the provider's message id when it reports one.
type Backend interface {
	Channel() models.Channel
	Send(ctx context.Context, contact models.Contact, msg *Message) (string, error)
}

// Error represents a delivery error with type information
type Error struct {
	Reason    string
	Temporary bool
}

func (e *Error) Error() string {
	return e.Reason
}

// Permanent returns an error for a rejection that will not succeed on retry.
func Permanent(format string, args ...any) error {
	return &Error{Reason: fmt.Sprintf(format, args...)}
}

// Temporary returns an error for a failure that may succeed later.
func Temporary(format string, args ...any) error {
	return &Error{Reason: fmt.Sprintf(format, args...), Temporary: true}
}

// IsTemporary checks if the error is temporary
func IsTemporary(err error) bool {
	var de *Error
	if errors.As(err, &de) {
		return de.Temporary
	}
	return true // Assume temporary if unknown
}

// Reason returns the human-readable failure reason stored with a result.
func Reason(err error) string {
	if err == nil {
		return ""
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return ErrTimeout.Reason
	}
	var de *Error
	if errors.As(err, &de) {
		return de.Reason
	}
	return err.Error()
}

// Registry maps channels to their backend
type Registry struct {
	backends map[models.Channel]Backend
}

// NewRegistry creates a registry from the given backends. A later backend
// for the same channel replaces an earlier one.
func NewRegistry(backends ...Backend) *Registry {
	r := &Registry{backends: make(map[models.Channel]Backend)}
	for _, b := range backends {
		if b != nil {
			r.backends[b.Channel()] = b
		}
	}
	return r
}

// Get returns the backend for a channel
func (r *Registry) Get(ch models.Channel) (Backend, bool) {
	b, ok := r.backends[ch]
	return b, ok
}

// Wrap replaces every backend with wrap(backend).
func (r *Registry) Wrap(wrap func(Backend) Backend) {
	for ch, b := range r.backends {
		r.backends[ch] = wrap(b)
	}
}
