// Package reminder periodically nudges requesters whose borrowed equipment is
// past its expected return.
package reminder

import (
	"context"
	"time"

	"github.com/patrickmn/go-cache"
	"go.uber.org/zap"

	"lab-lending-backend/config"
	"lab-lending-backend/internal/model"
	"lab-lending-backend/internal/notification"
	"lab-lending-backend/internal/store"
)

// Dispatcher queues a notification job.
type Dispatcher interface {
	Dispatch(job notification.Job)
}

// Service sweeps borrowed transactions for overdue returns.
type Service struct {
	cfg        config.ReminderConfig
	store      store.Store
	dispatcher Dispatcher
	log        *zap.Logger
	now        func() time.Time
	// reminded holds transaction ids notified within cfg.RepeatAfter.
	reminded *cache.Cache
}

// NewService creates a reminder service.
func NewService(cfg config.ReminderConfig, s store.Store, d Dispatcher, log *zap.Logger) *Service {
	if log == nil {
		log = zap.NewNop()
	}
	if cfg.Interval <= 0 {
		cfg.Interval = 5 * time.Minute
	}
	if cfg.RepeatAfter <= 0 {
		cfg.RepeatAfter = 24 * time.Hour
	}
	return &Service{
		cfg:        cfg,
		store:      s,
		dispatcher: d,
		log:        log,
		now:        time.Now,
		reminded:   cache.New(cfg.RepeatAfter, cfg.RepeatAfter),
	}
}

// Run sweeps once immediately and then every cfg.Interval until ctx is done.
func (s *Service) Run(ctx context.Context) {
	if !s.cfg.Enabled {
		s.log.Info("Overdue reminders are disabled. Not starting.")
		return
	}
	s.log.Info("Starting overdue reminder service", zap.Duration("interval", s.cfg.Interval))

	s.SweepOnce(ctx)

	timer := time.NewTimer(s.cfg.Interval)
	defer timer.Stop()

	for {
		select {
		case <-ctx.Done():
			s.log.Info("Overdue reminder service shutting down.")
			return
		case <-timer.C:
			s.SweepOnce(ctx)
			timer.Reset(s.cfg.Interval)
		}
	}
}

// SweepOnce dispatches a reminder for every overdue borrowed transaction not
// reminded within cfg.RepeatAfter. It returns the number of reminders sent.
func (s *Service) SweepOnce(ctx context.Context) int {
	now := s.now().UTC()
	overdue, err := s.store.ListTransactions(ctx, store.TransactionFilter{
		State:     model.StateBorrowed,
		DueBefore: &now,
	})
	if err != nil {
		s.log.Error("Failed to list overdue transactions", zap.Error(err))
		return 0
	}

	sent := 0
	for _, t := range overdue {
		if err := s.reminded.Add(t.ID, now, cache.DefaultExpiration); err != nil {
			continue
		}
		s.dispatcher.Dispatch(notification.Job{
			TransactionID: t.ID,
			RequesterID:   t.RequesterID,
			State:         t.State,
			Overdue:       true,
		})
		sent++
	}
	if sent > 0 {
		s.log.Info("Dispatched overdue reminders", zap.Int("count", sent), zap.Int("overdue", len(overdue)))
	}
	return sent
}
