package services

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/juju/errors"
	"github.com/shopspring/decimal"

	"verifyhub/internal/models"
	"verifyhub/internal/provider"
	"verifyhub/internal/repositories"
	"verifyhub/internal/resilience"
)

var hoursPerDay = decimal.NewFromInt(24)

type CreateRentalInput struct {
	Service       string `json:"service"`
	Mode          string `json:"mode"`
	DurationHours int    `json:"duration_hours"`
}

type ReleaseResult struct {
	Rental *models.Rental  `json:"rental"`
	Refund decimal.Decimal `json:"refund"`
}

// RentalService manages created -> active -> released|expired rentals.
// Rentals are paid up front; extensions add debits and an early release
// refunds part of the cost according to the release policy.
type RentalService struct {
	Deps
}

func NewRentalService(deps Deps) *RentalService {
	return &RentalService{Deps: deps.withDefaults()}
}

// rentalExtensionRef carries an attempt suffix: a refunded attempt must not
// satisfy the debit of the next one.
func rentalExtensionRef(id string, n int, attempt string) string {
	return fmt.Sprintf("%s#ext-%d-%s", id, n, attempt)
}

func rentalReleaseRef(id string) string { return id + "#release" }

// Price is daily rate of the scope x hours / 24 x mode multiplier, rounded
// to cents.
func (s *RentalService) Price(scope models.RentalScope, mode models.RentalMode, hours int) (decimal.Decimal, error) {
	rate, ok := s.Pricing.DailyRates[string(scope)]
	if !ok {
		return decimal.Zero, errors.NotValidf("rental scope %q has no rate", scope)
	}
	mult, ok := s.Pricing.ModeMultipliers[string(mode)]
	if !ok {
		mult = decimal.NewFromInt(1)
	}
	return rate.Mul(decimal.NewFromInt(int64(hours))).Div(hoursPerDay).Mul(mult).Round(2), nil
}

func (s *RentalService) checkHours(total int) error {
	if total < s.Pricing.MinHours || total > s.Pricing.MaxHours {
		return errors.NotValidf("duration %dh outside %d-%dh", total, s.Pricing.MinHours, s.Pricing.MaxHours)
	}
	return nil
}

func (s *RentalService) Create(ctx context.Context, userID int64, in CreateRentalInput) (*models.Rental, error) {
	service := strings.ToLower(strings.TrimSpace(in.Service))
	scope := models.ScopeGeneral
	if service != "" {
		scope = models.ScopeService
	}
	mode := models.RentalMode(strings.ToLower(strings.TrimSpace(in.Mode)))
	if mode == "" {
		mode = models.ModeAlwaysReady
	}
	if !mode.Valid() {
		return nil, errors.NotValidf("rental mode %q", in.Mode)
	}
	if err := s.checkHours(in.DurationHours); err != nil {
		return nil, err
	}
	cost, err := s.Price(scope, mode, in.DurationHours)
	if err != nil {
		return nil, err
	}

	now := s.Clock.Now().UTC()
	r := &models.Rental{
		ID:            uuid.NewString(),
		UserID:        userID,
		ServiceName:   service,
		Scope:         scope,
		Mode:          mode,
		DurationHours: in.DurationHours,
		ExpiresAt:     now.Add(time.Duration(in.DurationHours) * time.Hour),
		Status:        models.RentalCreated,
		Cost:          cost,
		CreatedAt:     now,
		UpdatedAt:     now,
	}

	unlock := s.Locks.Lock(r.ID)
	defer unlock()

	err = s.Store.WithinTx(ctx, func(tx repositories.Tx) error {
		if err := tx.Rentals().Create(ctx, r); err != nil {
			return err
		}
		_, err := s.Ledger.Debit(ctx, tx, DebitRequest{
			UserID: userID,
			Amount: cost,
			Reason: fmt.Sprintf("rental %s %dh", scope, in.DurationHours),
			RefID:  debitRef(r.ID),
		})
		return err
	})
	if err != nil {
		return nil, errors.Trace(err)
	}
	s.committed(r)

	ctx = context.WithoutCancel(ctx)

	var res *provider.Reservation
	_, callErr := s.Executor.Do(ctx, resilience.EndpointCreateRental, func(ctx context.Context) error {
		var err error
		res, err = s.Provider.CreateRental(ctx, provider.RentalRequest{
			Service:       service,
			AlwaysOn:      mode == models.ModeAlwaysReady,
			DurationHours: in.DurationHours,
		})
		return err
	})

	out, err := s.transition(ctx, r.ID, func(tx repositories.Tx, cur *models.Rental) (bool, error) {
		if cur.Status != models.RentalCreated {
			return false, nil
		}
		if callErr != nil {
			cur.Status = models.RentalFailed
			cur.FailureReason = failureReason(callErr)
			_, err := s.Ledger.RefundDebit(ctx, tx, debitRef(cur.ID), refundRef(cur.ID), "rental failed")
			return true, err
		}
		cur.Status = models.RentalActive
		cur.ExternalID = res.ExternalID
		cur.PhoneNumber = res.PhoneNumber
		if !res.ExpiresAt.IsZero() {
			cur.ExpiresAt = res.ExpiresAt.UTC()
		}
		return true, nil
	})
	if err != nil {
		if callErr == nil {
			s.releaseAtProvider(ctx, res.ExternalID)
		}
		return nil, errors.Annotatef(err, "record rental %s", r.ID)
	}
	if callErr != nil {
		logger.Warningf("[rental][create] failed: id=%s user_id=%d err=%v", r.ID, userID, callErr)
		return out, errors.Annotatef(callErr, "rental %s", r.ID)
	}
	logger.Infof("[rental][create] ok: id=%s user_id=%d hours=%d cost=%s", r.ID, userID, in.DurationHours, cost)
	return out, nil
}

func (s *RentalService) Get(ctx context.Context, userID int64, id string) (*models.Rental, error) {
	if err := checkID("rental", id); err != nil {
		return nil, err
	}
	r, err := s.Store.Rentals().GetByID(ctx, id)
	if err != nil {
		return nil, errors.Trace(err)
	}
	if r.UserID != userID {
		return nil, errors.NotFoundf("rental %s", id)
	}
	return r, nil
}

// Extend buys additional hours in two steps. The extension is paid first
// and committed; the provider call runs outside any transaction. A provider
// refusal refunds the payment, success pushes expires_at.
func (s *RentalService) Extend(ctx context.Context, userID int64, id string, hours int) (*models.Rental, error) {
	if hours <= 0 {
		return nil, errors.NotValidf("extension of %dh", hours)
	}
	unlock := s.Locks.Lock(id)
	defer unlock()

	r, err := s.Get(ctx, userID, id)
	if err != nil {
		return nil, err
	}
	if err := s.checkHours(r.DurationHours + hours); err != nil {
		return nil, err
	}
	price, err := s.Price(r.Scope, r.Mode, hours)
	if err != nil {
		return nil, err
	}

	var ref, externalID string
	_, err = s.transition(ctx, id, func(tx repositories.Tx, cur *models.Rental) (bool, error) {
		if !s.live(cur, s.Clock.Now()) {
			return false, errors.Annotatef(ErrNotActive, "rental %s is %s", id, cur.Status)
		}
		ref = rentalExtensionRef(id, cur.ExtensionCount+1, uuid.NewString()[:8])
		externalID = cur.ExternalID
		_, err := s.Ledger.Debit(ctx, tx, DebitRequest{
			UserID: cur.UserID,
			Amount: price,
			Reason: fmt.Sprintf("rental extension %dh", hours),
			RefID:  ref,
		})
		return false, err
	})
	if err != nil {
		return nil, errors.Trace(err)
	}

	ctx = context.WithoutCancel(ctx)

	var expiresAt time.Time
	_, callErr := s.Executor.Do(ctx, resilience.EndpointExtendRental, func(ctx context.Context) error {
		var err error
		expiresAt, err = s.Provider.ExtendRental(ctx, externalID, hours)
		return err
	})

	out, err := s.transition(ctx, id, func(tx repositories.Tx, cur *models.Rental) (bool, error) {
		if callErr != nil || cur.Status != models.RentalActive {
			_, err := s.Ledger.RefundDebit(ctx, tx, ref, refundRef(ref), "rental extension failed")
			return false, err
		}
		if expiresAt.IsZero() {
			expiresAt = cur.ExpiresAt.Add(time.Duration(hours) * time.Hour)
		}
		cur.ExpiresAt = expiresAt.UTC()
		cur.DurationHours += hours
		cur.Cost = cur.Cost.Add(price)
		cur.ExtensionCount++
		return true, nil
	})
	if err != nil {
		logger.Errorf("[rental][extend] record failed: id=%s ref=%s provider_err=%v err=%v", id, ref, callErr, err)
		return nil, errors.Annotatef(err, "record extension of rental %s", id)
	}
	if callErr != nil {
		logger.Warningf("[rental][extend] failed: id=%s hours=%d err=%v", id, hours, callErr)
		return nil, errors.Annotatef(callErr, "extend rental %s", id)
	}
	if out.Status != models.RentalActive {
		return nil, errors.Annotatef(ErrNotActive, "rental %s is %s", id, out.Status)
	}
	logger.Infof("[rental][extend] ok: id=%s hours=%d price=%s expires_at=%s", id, hours, price, out.ExpiresAt.Format(time.RFC3339))
	return out, nil
}

// ReleaseEarly gives the number back before expiry. The provider is told
// first; only then is the rental released and the refund paid. Releasing an
// already terminal rental returns it with a zero refund. An active rental
// already past its expiry is expired instead, without a refund.
func (s *RentalService) ReleaseEarly(ctx context.Context, userID int64, id string) (*ReleaseResult, error) {
	unlock := s.Locks.Lock(id)
	defer unlock()

	r, err := s.Get(ctx, userID, id)
	if err != nil {
		return nil, err
	}
	if r.Status.Terminal() {
		return &ReleaseResult{Rental: r, Refund: decimal.Zero}, nil
	}
	if r.Status != models.RentalActive {
		return nil, errors.Annotatef(ErrNotActive, "rental %s is %s", id, r.Status)
	}
	if !s.Clock.Now().Before(r.ExpiresAt) {
		out, err := s.transition(ctx, id, s.expireMutate(s.Clock.Now()))
		if err != nil {
			return nil, errors.Annotatef(err, "expire rental %s", id)
		}
		logger.Infof("[rental][release] id=%s already past expiry, expired without refund", id)
		return &ReleaseResult{Rental: out, Refund: decimal.Zero}, nil
	}

	if _, err := s.Executor.Do(ctx, resilience.EndpointReleaseRental, func(ctx context.Context) error {
		return s.Provider.ReleaseRental(ctx, r.ExternalID)
	}); err != nil {
		return nil, errors.Annotatef(err, "release rental %s", id)
	}

	ctx = context.WithoutCancel(ctx)
	refund := decimal.Zero
	out, err := s.transition(ctx, id, func(tx repositories.Tx, cur *models.Rental) (bool, error) {
		if cur.Status != models.RentalActive {
			return false, nil
		}
		now := s.Clock.Now()
		if !now.Before(cur.ExpiresAt) {
			return s.expireMutate(now)(tx, cur)
		}
		refund = s.ReleaseRefund(cur, now)
		if refund.IsPositive() {
			if _, err := s.Ledger.Refund(ctx, tx, RefundRequest{
				UserID: cur.UserID,
				Amount: refund,
				RefID:  rentalReleaseRef(id),
				Reason: "rental early release",
			}); err != nil {
				return false, err
			}
		}
		cur.Status = models.RentalReleased
		return true, nil
	})
	if err != nil {
		return nil, errors.Trace(err)
	}
	logger.Infof("[rental][release] ok: id=%s status=%s refund=%s", id, out.Status, refund)
	return &ReleaseResult{Rental: out, Refund: refund}, nil
}

// ReleaseRefund applies the early release policy: inside the grace window
// the refund ratio applies to the full cost, afterwards to the prorated
// value of the time left. Nothing is refunded at or past expiry.
func (s *RentalService) ReleaseRefund(r *models.Rental, now time.Time) decimal.Decimal {
	left := r.ExpiresAt.Sub(now)
	total := time.Duration(r.DurationHours) * time.Hour
	if left <= 0 || total <= 0 {
		return decimal.Zero
	}
	ratio := s.Pricing.RefundRatio
	if now.Sub(r.CreatedAt) <= s.Pricing.EarlyReleaseGrace {
		return r.Cost.Mul(ratio).Round(2)
	}
	if left > total {
		left = total
	}
	remaining := r.Cost.Mul(decimal.NewFromInt(int64(left))).Div(decimal.NewFromInt(int64(total)))
	return remaining.Mul(ratio).Round(2)
}

func (s *RentalService) live(r *models.Rental, now time.Time) bool {
	return r.Status == models.RentalActive && now.Before(r.ExpiresAt)
}

func (s *RentalService) expireMutate(now time.Time) func(repositories.Tx, *models.Rental) (bool, error) {
	return func(_ repositories.Tx, cur *models.Rental) (bool, error) {
		if cur.Status != models.RentalActive || now.Before(cur.ExpiresAt) {
			return false, nil
		}
		cur.Status = models.RentalExpired
		return true, nil
	}
}

// Expire is the sweeper path. Active rentals past expiry end without a
// refund; rentals stuck in created past the verification TTL fail with a
// full refund.
func (s *RentalService) Expire(ctx context.Context, id string, stuckAfter time.Duration) (*models.Rental, error) {
	unlock := s.Locks.Lock(id)
	defer unlock()

	now := s.Clock.Now()
	out, err := s.transition(ctx, id, func(tx repositories.Tx, cur *models.Rental) (bool, error) {
		switch {
		case cur.Status == models.RentalActive && !now.Before(cur.ExpiresAt):
			return s.expireMutate(now)(tx, cur)
		case cur.Status == models.RentalCreated && now.Sub(cur.CreatedAt) >= stuckAfter:
			cur.Status = models.RentalFailed
			cur.FailureReason = "no provider response before timeout"
			_, err := s.Ledger.RefundDebit(ctx, tx, debitRef(cur.ID), refundRef(cur.ID), "rental failed")
			return true, err
		}
		return false, nil
	})
	if err != nil {
		return nil, errors.Annotatef(err, "expire rental %s", id)
	}
	return out, nil
}

// transition runs mutate on the locked row in one transaction. mutate does
// its own ledger work through tx; an error from it rolls everything back.
func (s *RentalService) transition(ctx context.Context, id string, mutate func(tx repositories.Tx, r *models.Rental) (bool, error)) (*models.Rental, error) {
	var (
		out     *models.Rental
		changed bool
	)
	err := s.Store.WithinTx(ctx, func(tx repositories.Tx) error {
		r, err := tx.Rentals().GetForUpdate(ctx, id)
		if err != nil {
			return err
		}
		from := r.Status
		ok, err := mutate(tx, r)
		if err != nil {
			return err
		}
		if !ok {
			out = r
			return nil
		}
		if from != r.Status && !canTransition(from, r.Status, RentalTransitions) {
			return errors.Errorf("rental %s: illegal transition %s -> %s", id, from, r.Status)
		}
		now := s.Clock.Now().UTC()
		r.UpdatedAt = now
		if r.Status.Terminal() {
			r.EndedAt = &now
		}
		if err := tx.Rentals().Update(ctx, r); err != nil {
			return err
		}
		out, changed = r, true
		return nil
	})
	if err != nil {
		return nil, err
	}
	if changed {
		s.committed(out)
	}
	return out, nil
}

func (s *RentalService) committed(r *models.Rental) {
	s.Observer.ObserveTransition(models.EntityRental, string(r.Status))
	s.Publisher.Publish(models.RentalEvent(r))
}

func (s *RentalService) releaseAtProvider(ctx context.Context, externalID string) {
	_, err := s.Executor.Do(ctx, resilience.EndpointReleaseRental, func(ctx context.Context) error {
		return s.Provider.ReleaseRental(ctx, externalID)
	})
	if err != nil {
		logger.Warningf("[rental][release] provider release failed: external_id=%s err=%v", externalID, err)
	}
}
