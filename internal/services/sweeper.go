package services

import (
	"context"
	"sync"
	"time"

	"github.com/juju/clock"
	"gopkg.in/tomb.v2"

	"verifyhub/internal/models"
)

// SweepReport counts what one sweep did.
type SweepReport struct {
	ExpiredVerifications int
	FailedVerifications  int
	RefreshedPending     int
	ExpiredRentals       int
	FailedRentals        int
	Errors               int
}

// Sweeper periodically expires stale verifications and rentals and polls
// pending verifications. It runs independently of any request.
type Sweeper struct {
	tomb          tomb.Tomb
	verifications *VerificationService
	rentals       *RentalService
	clock         clock.Clock
	interval      time.Duration
	batch         int

	mu      sync.Mutex
	started bool
}

func NewSweeper(verifications *VerificationService, rentals *RentalService, interval time.Duration, batch int, clk clock.Clock) *Sweeper {
	if clk == nil {
		clk = clock.WallClock
	}
	if interval <= 0 {
		interval = 15 * time.Second
	}
	if batch <= 0 {
		batch = 100
	}
	return &Sweeper{
		verifications: verifications,
		rentals:       rentals,
		clock:         clk,
		interval:      interval,
		batch:         batch,
	}
}

func (s *Sweeper) Start() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.started {
		return
	}
	s.started = true
	s.tomb.Go(s.loop)
	logger.Infof("[sweeper][start] interval=%s batch=%d", s.interval, s.batch)
}

// Stop asks the loop to finish the current sweep and waits for it.
func (s *Sweeper) Stop() error {
	s.mu.Lock()
	started := s.started
	s.mu.Unlock()
	if !started {
		return nil
	}
	s.tomb.Kill(nil)
	return s.tomb.Wait()
}

func (s *Sweeper) Wait() error {
	return s.tomb.Wait()
}

func (s *Sweeper) loop() error {
	ctx := s.tomb.Context(nil)
	for {
		select {
		case <-s.tomb.Dying():
			return tomb.ErrDying
		case <-s.clock.After(s.interval):
			report := s.RunOnce(ctx)
			if report != (SweepReport{}) {
				logger.Infof("[sweeper][run] %+v", report)
			}
		}
	}
}

// RunOnce performs a single sweep.
func (s *Sweeper) RunOnce(ctx context.Context) SweepReport {
	var report SweepReport
	now := s.clock.Now()
	cutoff := now.Add(-s.verifications.TTL())

	s.each(ctx, &report, func() ([]string, error) {
		return s.verifications.Store.Verifications().ListStale(ctx, models.VerificationPending, cutoff, s.batch)
	}, func(id string) error {
		v, err := s.verifications.Expire(ctx, id)
		if err == nil && v.Status == models.VerificationExpired {
			report.ExpiredVerifications++
		}
		return err
	})

	s.each(ctx, &report, func() ([]string, error) {
		return s.verifications.Store.Verifications().ListStale(ctx, models.VerificationCreated, cutoff, s.batch)
	}, func(id string) error {
		v, err := s.verifications.Expire(ctx, id)
		if err == nil && v.Status == models.VerificationFailed {
			report.FailedVerifications++
		}
		return err
	})

	s.each(ctx, &report, func() ([]string, error) {
		return s.rentals.Store.Rentals().ListExpired(ctx, now, s.batch)
	}, func(id string) error {
		r, err := s.rentals.Expire(ctx, id, s.verifications.TTL())
		if err == nil && r.Status == models.RentalExpired {
			report.ExpiredRentals++
		}
		return err
	})

	s.each(ctx, &report, func() ([]string, error) {
		return s.rentals.Store.Rentals().ListStaleCreated(ctx, cutoff, s.batch)
	}, func(id string) error {
		r, err := s.rentals.Expire(ctx, id, s.verifications.TTL())
		if err == nil && r.Status == models.RentalFailed {
			report.FailedRentals++
		}
		return err
	})

	// Whatever is still pending is inside its TTL: poll it.
	s.each(ctx, &report, func() ([]string, error) {
		return s.verifications.Store.Verifications().ListStale(ctx, models.VerificationPending, now.Add(time.Nanosecond), s.batch)
	}, func(id string) error {
		v, err := s.verifications.Refresh(ctx, id)
		if err == nil && v.Status != models.VerificationPending {
			report.RefreshedPending++
		}
		return err
	})
	return report
}

func (s *Sweeper) each(ctx context.Context, report *SweepReport, list func() ([]string, error), fn func(id string) error) {
	if ctx.Err() != nil {
		return
	}
	ids, err := list()
	if err != nil {
		report.Errors++
		logger.Errorf("[sweeper][list] %v", err)
		return
	}
	for _, id := range ids {
		if ctx.Err() != nil {
			return
		}
		if err := fn(id); err != nil {
			report.Errors++
			logger.Errorf("[sweeper][%s] %v", id, err)
		}
	}
}
