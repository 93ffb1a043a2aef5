package campaign

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/foxzi/campaignd/internal/models"
)

// SchedulerConfig holds sweep settings
type SchedulerConfig struct {
	Interval   time.Duration
	StaleAfter time.Duration
	BatchSize  int
	Now        func() time.Time
}

// Scheduler periodically dispatches due scheduled campaigns and recovers
// campaigns left in sending by an interrupted pass.
type Scheduler struct {
	store      Store
	contacts   Contacts
	dispatcher *Dispatcher
	observer   Observer
	logger     *slog.Logger

	interval   time.Duration
	staleAfter time.Duration
	batchSize  int
	now        func() time.Time

	sweepMu sync.Mutex

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// NewScheduler creates a scheduler
func NewScheduler(store Store, contacts Contacts, dispatcher *Dispatcher, cfg SchedulerConfig, logger *slog.Logger) *Scheduler {
	if cfg.Interval <= 0 {
		cfg.Interval = time.Minute
	}
	if cfg.StaleAfter <= 0 {
		cfg.StaleAfter = 30 * time.Minute
	}
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = 100
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}

	ctx, cancel := context.WithCancel(context.Background())
	return &Scheduler{
		store:      store,
		contacts:   contacts,
		dispatcher: dispatcher,
		observer:   dispatcher.observer,
		logger:     logger.With("component", "scheduler"),
		interval:   cfg.Interval,
		staleAfter: cfg.StaleAfter,
		batchSize:  cfg.BatchSize,
		now:        cfg.Now,
		ctx:        ctx,
		cancel:     cancel,
	}
}

// Start starts the sweep loop. Stale campaigns are recovered once first.
func (s *Scheduler) Start() {
	s.wg.Add(1)
	go s.run()
	s.logger.Info("scheduler started", "interval", s.interval, "stale_after", s.staleAfter)
}

// Stop stops the loop and waits for the running sweep. Passes the sweep
// already claimed run to completion.
func (s *Scheduler) Stop() {
	s.logger.Info("stopping scheduler...")
	s.cancel()
	s.wg.Wait()
	s.logger.Info("scheduler stopped")
}

func (s *Scheduler) run() {
	defer s.wg.Done()

	if _, err := s.RecoverStale(s.ctx); err != nil {
		s.logger.Error("stale recovery failed", "error", err)
	}

	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	for {
		select {
		case <-s.ctx.Done():
			return
		case <-ticker.C:
			if _, err := s.Sweep(s.ctx); err != nil {
				s.logger.Error("sweep failed", "error", err)
			}
			if _, err := s.RecoverStale(s.ctx); err != nil {
				s.logger.Error("stale recovery failed", "error", err)
			}
		}
	}
}

// Sweep claims every due scheduled campaign and dispatches the ones this
// caller won. It returns the number of campaigns dispatched and the joined
// errors of claimed campaigns whose pass failed. Cancelling ctx stops new
// claims; claimed passes still finish.
func (s *Scheduler) Sweep(ctx context.Context) (int, error) {
	processed := 0
	var errs []error
	for {
		due, err := s.store.ListDue(ctx, s.now(), s.batchSize)
		if err != nil {
			errs = append(errs, fmt.Errorf("failed to list due campaigns: %w", err))
			return processed, errors.Join(errs...)
		}
		if len(due) == 0 {
			return processed, errors.Join(errs...)
		}

		claimed := 0
		for i := range due {
			if ctx.Err() != nil {
				errs = append(errs, ctx.Err())
				return processed, errors.Join(errs...)
			}
			won, err := s.dispatchDue(ctx, &due[i])
			if err != nil {
				s.logger.Error("failed to dispatch campaign", "campaign_id", due[i].ID, "error", err)
				errs = append(errs, fmt.Errorf("campaign %s: %w", due[i].ID, err))
			}
			if won {
				claimed++
				if err == nil {
					processed++
				}
			}
		}

		// Everything in the batch went to other writers
		if claimed == 0 || len(due) < s.batchSize {
			return processed, errors.Join(errs...)
		}
	}
}

// ProcessOverdue runs a sweep on demand
func (s *Scheduler) ProcessOverdue(ctx context.Context) (int, error) {
	n, err := s.Sweep(ctx)
	s.logger.Info("processed overdue campaigns", "count", n)
	return n, err
}

// dispatchDue claims one campaign and runs its pass. won reports whether
// this caller won the claim.
func (s *Scheduler) dispatchDue(ctx context.Context, c *models.Campaign) (bool, error) {
	ok, err := s.store.Transition(ctx, c.ID, models.StatusScheduled, models.StatusSending, 0)
	if err != nil {
		return false, err
	}
	s.observer.SweepClaim(ok)
	if !ok {
		s.logger.Debug("campaign claimed elsewhere", "campaign_id", c.ID)
		return false, nil
	}
	c.Status = models.StatusSending
	c.Version++

	// Claimed: from here the caller's cancellation no longer applies
	ctx = context.WithoutCancel(ctx)

	recipients, err := s.contacts.GetByIDs(ctx, c.RecipientIDs)
	if err != nil {
		return true, fmt.Errorf("failed to load contacts: %w", err)
	}

	s.logger.Info("dispatching scheduled campaign", "campaign_id", c.ID, "scheduled_at", c.ScheduledAt)
	_, err = s.dispatcher.Dispatch(ctx, c, recipients)
	return true, err
}

// RecoverStale finalizes sending campaigns that made no progress for the
// stale period and are not being dispatched by this process. Deliveries
// without an outcome are recorded as interrupted.
func (s *Scheduler) RecoverStale(ctx context.Context) (int, error) {
	s.sweepMu.Lock()
	defer s.sweepMu.Unlock()

	stale, err := s.store.ListStale(ctx, s.now().Add(-s.staleAfter))
	if err != nil {
		return 0, fmt.Errorf("failed to list stale campaigns: %w", err)
	}

	recovered := 0
	for i := range stale {
		c := &stale[i]
		if s.dispatcher.Active(c.ID) {
			continue
		}
		if err := s.recover(ctx, c); err != nil {
			s.logger.Error("failed to recover campaign", "campaign_id", c.ID, "error", err)
			continue
		}
		recovered++
	}
	return recovered, nil
}

func (s *Scheduler) recover(ctx context.Context, c *models.Campaign) error {
	results, err := s.store.Results(ctx, c.ID, models.ResultFilter{})
	if err != nil {
		return err
	}
	done := make(map[Delivery]bool, len(results))
	for _, r := range results {
		if r.Status == models.ResultSent || r.Status == models.ResultFailed {
			done[Delivery{ContactID: r.ContactID, Channel: r.Channel}] = true
		}
	}

	interrupted := 0
	for _, dl := range deliveriesFor(c.Type, c.RecipientIDs) {
		if done[dl] {
			continue
		}
		_, err := s.store.RecordResult(ctx, &models.Result{
			CampaignID: c.ID,
			ContactID:  dl.ContactID,
			Channel:    dl.Channel,
			Status:     models.ResultFailed,
			Error:      ReasonInterrupted,
		})
		if err != nil {
			return err
		}
		interrupted++
	}

	final, err := s.dispatcher.finalize(ctx, c.ID)
	if err != nil {
		return err
	}
	s.logger.Warn("recovered stale campaign",
		"campaign_id", c.ID,
		"interrupted", interrupted,
		"status", final.Status,
	)
	return nil
}
