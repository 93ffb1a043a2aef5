package campaign

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/foxzi/campaignd/internal/models"
	"github.com/foxzi/campaignd/internal/repository"
)

// RetryCoordinator re-sends only the failed deliveries of a finished campaign
type RetryCoordinator struct {
	store      Store
	contacts   Contacts
	dispatcher *Dispatcher
	logger     *slog.Logger
}

// NewRetryCoordinator creates a retry coordinator
func NewRetryCoordinator(store Store, contacts Contacts, dispatcher *Dispatcher, logger *slog.Logger) *RetryCoordinator {
	return &RetryCoordinator{
		store:      store,
		contacts:   contacts,
		dispatcher: dispatcher,
		logger:     logger.With("component", "retry"),
	}
}

// Retry claims the campaign and runs the retry pass to completion
func (r *RetryCoordinator) Retry(ctx context.Context, id string) (*models.Campaign, error) {
	p, err := r.Prepare(ctx, id, 0)
	if err != nil {
		return nil, err
	}
	return p.Run(ctx)
}

// Prepare moves a failed or partial campaign back to sending and returns
// the pass over its failed deliveries. With a non-zero version the campaign
// must still be at that version. Succeeded deliveries are never included.
func (r *RetryCoordinator) Prepare(ctx context.Context, id string, version int) (*Pass, error) {
	c, err := r.store.GetByID(ctx, id)
	if err != nil {
		return nil, fmt.Errorf("failed to get campaign: %w", err)
	}
	if c == nil {
		return nil, ErrNotFound
	}
	if !c.Status.Retryable() {
		return nil, fmt.Errorf("%w: status is %s", ErrRetryPrecondition, c.Status)
	}
	if c.FailedCount == 0 {
		return nil, fmt.Errorf("%w: no failed deliveries", ErrRetryPrecondition)
	}
	if version > 0 && version != c.Version {
		return nil, fmt.Errorf("%w: version %d, current %d", ErrConflict, version, c.Version)
	}

	failed, err := r.store.BeginRetry(ctx, id, c.Status, c.Version)
	if err != nil {
		if errors.Is(err, repository.ErrStatusConflict) {
			return nil, fmt.Errorf("%w: %s changed during retry", ErrConflict, id)
		}
		return nil, fmt.Errorf("failed to begin retry: %w", err)
	}
	if len(failed) == 0 {
		return nil, fmt.Errorf("%w: no failed deliveries", ErrRetryPrecondition)
	}

	deliveries := make([]Delivery, len(failed))
	contactIDs := make([]string, 0, len(failed))
	for i, res := range failed {
		deliveries[i] = Delivery{ContactID: res.ContactID, Channel: res.Channel}
		contactIDs = append(contactIDs, res.ContactID)
	}

	c.Status = models.StatusSending
	c.FailedCount -= len(failed)
	c.Version++

	// The campaign is claimed; a contact lookup failure leaves it to stale recovery
	recipients, err := r.contacts.GetByIDs(context.WithoutCancel(ctx), uniqueIDs(contactIDs))
	if err != nil {
		return nil, fmt.Errorf("failed to load contacts: %w", err)
	}

	r.logger.Info("retry prepared", "campaign_id", id, "deliveries", len(deliveries))
	return r.dispatcher.newPass(c, PassRetry, deliveries, recipients), nil
}
