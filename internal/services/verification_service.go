package services

import (
	"context"
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

const DefaultVerificationTTL = 10 * time.Minute

type CreateVerificationInput struct {
	Service    string            `json:"service"`
	Capability string            `json:"capability"`
	Filters    map[string]string `json:"filters,omitempty"`
}

// VerificationService drives a verification through
// created -> pending -> completed|cancelled|expired|failed and keeps the
// ledger in step: every exit from pending other than completion refunds
// the debit exactly once.
type VerificationService struct {
	Deps
	ttl       time.Duration
	allowFree bool
}

func NewVerificationService(deps Deps, ttl time.Duration, allowFree bool) *VerificationService {
	if ttl <= 0 {
		ttl = DefaultVerificationTTL
	}
	return &VerificationService{Deps: deps.withDefaults(), ttl: ttl, allowFree: allowFree}
}

func (s *VerificationService) TTL() time.Duration {
	return s.ttl
}

func debitRef(id string) string  { return id }
func refundRef(id string) string { return id + "#refund" }

// checkID rejects ids that could not have been issued here.
func checkID(kind, id string) error {
	if _, err := uuid.Parse(id); err != nil {
		return errors.NotFoundf("%s %q", kind, id)
	}
	return nil
}

func (s *VerificationService) price(service string, capability models.Capability) (decimal.Decimal, error) {
	if p, ok := s.Pricing.Services[service]; ok {
		return p, nil
	}
	if p, ok := s.Pricing.Verification[string(capability)]; ok {
		return p, nil
	}
	return decimal.Zero, errors.NotValidf("capability %q has no price", capability)
}

// Create debits the user, reserves a number and returns the verification in
// pending. When the provider cannot deliver a number the debit is refunded,
// the verification ends failed and the provider error is returned.
func (s *VerificationService) Create(ctx context.Context, userID int64, in CreateVerificationInput) (*models.Verification, error) {
	service := strings.ToLower(strings.TrimSpace(in.Service))
	if service == "" {
		return nil, errors.NotValidf("empty service name")
	}
	capability := models.Capability(strings.ToLower(strings.TrimSpace(in.Capability)))
	if capability == "" {
		capability = models.CapabilitySMS
	}
	if !capability.Valid() {
		return nil, errors.NotValidf("capability %q", in.Capability)
	}
	cost, err := s.price(service, capability)
	if err != nil {
		return nil, err
	}

	now := s.Clock.Now().UTC()
	v := &models.Verification{
		ID:          uuid.NewString(),
		UserID:      userID,
		ServiceName: service,
		Capability:  capability,
		Filters:     in.Filters,
		Status:      models.VerificationCreated,
		Cost:        cost,
		CreatedAt:   now,
		UpdatedAt:   now,
	}

	unlock := s.Locks.Lock(v.ID)
	defer unlock()

	err = s.Store.WithinTx(ctx, func(tx repositories.Tx) error {
		if err := tx.Verifications().Create(ctx, v); err != nil {
			return err
		}
		_, err := s.Ledger.Debit(ctx, tx, DebitRequest{
			UserID:    userID,
			Amount:    cost,
			Reason:    "verification " + service,
			RefID:     debitRef(v.ID),
			AllowFree: s.allowFree,
		})
		return err
	})
	if err != nil {
		return nil, errors.Trace(err)
	}
	s.committed(v)

	// From here on money has moved: finish even if the caller goes away.
	ctx = context.WithoutCancel(ctx)

	var res *provider.Reservation
	attempts, callErr := s.Executor.Do(ctx, resilience.EndpointCreateVerification, func(ctx context.Context) error {
		var err error
		res, err = s.Provider.CreateVerification(ctx, provider.VerificationRequest{
			Service:    service,
			Capability: string(capability),
			Filters:    in.Filters,
		})
		return err
	})

	out, _, err := s.transition(ctx, v.ID, func(cur *models.Verification) bool {
		if cur.Status != models.VerificationCreated {
			return false
		}
		cur.RetryCount = max(attempts-1, 0)
		if callErr != nil {
			cur.Status = models.VerificationFailed
			cur.FailureReason = failureReason(callErr)
			return true
		}
		cur.Status = models.VerificationPending
		cur.ExternalID = res.ExternalID
		cur.PhoneNumber = res.PhoneNumber
		return true
	})
	if err != nil {
		if callErr == nil {
			// The number is reserved but we could not record it. Release it;
			// the sweeper refunds the stuck row.
			s.cancelAtProvider(ctx, res.ExternalID)
		}
		return nil, errors.Annotatef(err, "record verification %s", v.ID)
	}
	if callErr != nil {
		logger.Warningf("[verify][create] failed: id=%s user_id=%d attempts=%d err=%v", v.ID, userID, attempts, callErr)
		return out, errors.Annotatef(callErr, "verification %s", v.ID)
	}
	logger.Infof("[verify][create] ok: id=%s user_id=%d service=%s attempts=%d", v.ID, userID, service, attempts)
	return out, nil
}

// Get returns the stored state. Another user's verification is reported as
// not found.
func (s *VerificationService) Get(ctx context.Context, userID int64, id string) (*models.Verification, error) {
	if err := checkID("verification", id); err != nil {
		return nil, err
	}
	v, err := s.Store.Verifications().GetByID(ctx, id)
	if err != nil {
		return nil, errors.Trace(err)
	}
	if v.UserID != userID {
		return nil, errors.NotFoundf("verification %s", id)
	}
	return v, nil
}

// Messages refreshes a pending verification from the provider and returns
// the resulting state.
func (s *VerificationService) Messages(ctx context.Context, userID int64, id string) (*models.Verification, error) {
	if _, err := s.Get(ctx, userID, id); err != nil {
		return nil, err
	}
	return s.Refresh(ctx, id)
}

// Refresh polls the provider for a pending verification. A received code
// completes it; a provider-side cancel, expiry or failure fails it with a
// refund; a verification past its TTL expires. When the provider cannot be
// reached the stored state is returned unchanged.
func (s *VerificationService) Refresh(ctx context.Context, id string) (*models.Verification, error) {
	v, err := s.Store.Verifications().GetByID(ctx, id)
	if err != nil {
		return nil, errors.Trace(err)
	}
	if v.Status != models.VerificationPending {
		return v, nil
	}

	unlock := s.Locks.Lock(id)
	defer unlock()

	if v, err = s.Store.Verifications().GetByID(ctx, id); err != nil {
		return nil, errors.Trace(err)
	}
	if v.Status != models.VerificationPending {
		return v, nil
	}
	if s.Clock.Now().Sub(v.CreatedAt) >= s.ttl {
		return s.expireLocked(ctx, v)
	}

	var msgs []provider.Message
	_, err = s.Executor.Do(ctx, resilience.EndpointGetMessages, func(ctx context.Context) error {
		var err error
		msgs, err = s.Provider.GetMessages(ctx, v.ExternalID)
		return err
	})
	if err != nil {
		logger.Debugf("[verify][refresh] messages unavailable: id=%s err=%v", id, err)
		return v, nil
	}
	if len(msgs) > 0 {
		contents := make([]string, 0, len(msgs))
		for _, m := range msgs {
			contents = append(contents, m.Content())
		}
		out, _, err := s.transition(ctx, id, func(cur *models.Verification) bool {
			if cur.Status != models.VerificationPending {
				return false
			}
			cur.Status = models.VerificationCompleted
			cur.Messages = contents
			return true
		})
		if err == nil {
			logger.Infof("[verify][refresh] completed: id=%s", id)
		}
		return out, errors.Trace(err)
	}

	var status provider.Status
	_, err = s.Executor.Do(ctx, resilience.EndpointGetStatus, func(ctx context.Context) error {
		var err error
		status, err = s.Provider.GetStatus(ctx, v.ExternalID)
		return err
	})
	if err != nil {
		logger.Debugf("[verify][refresh] status unavailable: id=%s err=%v", id, err)
		return v, nil
	}
	switch status {
	case provider.StatusCancelled, provider.StatusExpired, provider.StatusFailed:
		out, _, err := s.transition(ctx, id, func(cur *models.Verification) bool {
			if cur.Status != models.VerificationPending {
				return false
			}
			cur.Status = models.VerificationFailed
			cur.FailureReason = "provider reported " + string(status)
			return true
		})
		if err == nil {
			logger.Infof("[verify][refresh] failed by provider: id=%s status=%s", id, status)
		}
		return out, errors.Trace(err)
	}
	return v, nil
}

// Cancel ends a verification that has not completed and refunds it in
// full. On an already terminal verification it returns the current state
// and moves no money.
func (s *VerificationService) Cancel(ctx context.Context, userID int64, id string) (*models.Verification, error) {
	unlock := s.Locks.Lock(id)
	defer unlock()

	v, err := s.Get(ctx, userID, id)
	if err != nil {
		return nil, err
	}
	if v.Status.Terminal() {
		return v, nil
	}
	if v.ExternalID != "" {
		s.cancelAtProvider(ctx, v.ExternalID)
	}

	out, changed, err := s.transition(ctx, id, func(cur *models.Verification) bool {
		if cur.Status.Terminal() {
			return false
		}
		cur.Status = models.VerificationCancelled
		return true
	})
	if err != nil {
		return nil, errors.Annotatef(err, "cancel verification %s", id)
	}
	if changed {
		logger.Infof("[verify][cancel] ok: id=%s user_id=%d", id, userID)
	}
	return out, nil
}

// Expire is the sweeper path. A pending verification past its TTL expires,
// one stuck in created past its TTL fails; both are refunded. Anything else
// is returned untouched.
func (s *VerificationService) Expire(ctx context.Context, id string) (*models.Verification, error) {
	unlock := s.Locks.Lock(id)
	defer unlock()

	v, err := s.Store.Verifications().GetByID(ctx, id)
	if err != nil {
		return nil, errors.Trace(err)
	}
	if v.Status.Terminal() || s.Clock.Now().Sub(v.CreatedAt) < s.ttl {
		return v, nil
	}
	return s.expireLocked(ctx, v)
}

func (s *VerificationService) expireLocked(ctx context.Context, v *models.Verification) (*models.Verification, error) {
	if v.Status == models.VerificationPending && v.ExternalID != "" {
		s.cancelAtProvider(ctx, v.ExternalID)
	}
	out, changed, err := s.transition(ctx, v.ID, func(cur *models.Verification) bool {
		switch cur.Status {
		case models.VerificationPending:
			cur.Status = models.VerificationExpired
		case models.VerificationCreated:
			cur.Status = models.VerificationFailed
			cur.FailureReason = "no provider response before timeout"
		default:
			return false
		}
		return true
	})
	if err != nil {
		return nil, errors.Annotatef(err, "expire verification %s", v.ID)
	}
	if changed {
		logger.Infof("[verify][expire] id=%s status=%s", v.ID, out.Status)
	}
	return out, nil
}

// transition applies mutate to the locked row inside one transaction. When
// mutate reports a change the new status is checked against the transition
// table, a non-completed terminal status refunds the debit, and the event is
// published after commit.
func (s *VerificationService) transition(ctx context.Context, id string, mutate func(v *models.Verification) bool) (*models.Verification, bool, error) {
	var (
		out     *models.Verification
		changed bool
	)
	err := s.Store.WithinTx(ctx, func(tx repositories.Tx) error {
		v, err := tx.Verifications().GetForUpdate(ctx, id)
		if err != nil {
			return err
		}
		from := v.Status
		if !mutate(v) {
			out = v
			return nil
		}
		if !canTransition(from, v.Status, VerificationTransitions) {
			return errors.Errorf("verification %s: illegal transition %s -> %s", id, from, v.Status)
		}
		now := s.Clock.Now().UTC()
		v.UpdatedAt = now
		if v.Status.Terminal() {
			v.CompletedAt = &now
		}
		if v.Status.Terminal() && v.Status != models.VerificationCompleted {
			if _, err := s.Ledger.RefundDebit(ctx, tx, debitRef(id), refundRef(id), "verification "+string(v.Status)); err != nil {
				return err
			}
		}
		if err := tx.Verifications().Update(ctx, v); err != nil {
			return err
		}
		out, changed = v, true
		return nil
	})
	if err != nil {
		return nil, false, errors.Trace(err)
	}
	if changed {
		s.committed(out)
	}
	return out, changed, nil
}

func (s *VerificationService) committed(v *models.Verification) {
	s.Observer.ObserveTransition(models.EntityVerification, string(v.Status))
	s.Publisher.Publish(models.VerificationEvent(v))
}

// cancelAtProvider releases the number on a best-effort basis; local state
// wins regardless of the outcome.
func (s *VerificationService) cancelAtProvider(ctx context.Context, externalID string) {
	_, err := s.Executor.Do(ctx, resilience.EndpointCancel, func(ctx context.Context) error {
		return s.Provider.Cancel(ctx, externalID)
	})
	if err != nil {
		logger.Warningf("[verify][cancel] provider cancel failed: external_id=%s err=%v", externalID, err)
	}
}

// failureReason keeps provider details out of user-facing state.
func failureReason(err error) string {
	switch {
	case errors.Is(err, ErrCircuitOpen):
		return "provider temporarily unavailable"
	case errors.Is(err, ErrProviderValidation):
		return "provider rejected request"
	case errors.Is(err, ErrProviderAuth), errors.Is(err, ErrProviderUnavailable):
		return "provider unavailable"
	}
	return "internal error"
}
