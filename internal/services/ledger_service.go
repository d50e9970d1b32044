package services

import (
	"context"
	"strconv"

	"github.com/google/uuid"
	"github.com/juju/clock"
	"github.com/juju/errors"
	"github.com/juju/loggo"
	"github.com/shopspring/decimal"

	"verifyhub/internal/models"
	"verifyhub/internal/repositories"
)

var logger = loggo.GetLogger("verifyhub.services")

type DebitRequest struct {
	UserID int64
	Amount decimal.Decimal
	Reason string
	// RefID is the entity the debit pays for. A second debit with the same
	// RefID returns the first one.
	RefID string
	// AllowFree consumes one free verification instead of money when the
	// user has any left.
	AllowFree bool
}

type RefundRequest struct {
	UserID    int64
	Amount    decimal.Decimal
	FreeUnits int
	RefID     string
	Reason    string
}

// Reconciliation compares the cached balance with the ledger sum.
type Reconciliation struct {
	UserID        int64           `json:"user_id"`
	CachedBalance decimal.Decimal `json:"cached_balance"`
	LedgerBalance decimal.Decimal `json:"ledger_balance"`
	Drift         decimal.Decimal `json:"drift"`
	Consistent    bool            `json:"consistent"`
}

// LedgerService is the only writer of balances. Debit and refund run inside
// the caller's transaction so money moves together with the status change
// that caused it.
type LedgerService struct {
	store repositories.Store
	clock clock.Clock
}

func NewLedgerService(store repositories.Store, clk clock.Clock) *LedgerService {
	if clk == nil {
		clk = clock.WallClock
	}
	return &LedgerService{store: store, clock: clk}
}

func (s *LedgerService) newTransaction(user *models.User, kind models.TransactionKind, amount decimal.Decimal, freeUnits int, ref, reason string) *models.CreditTransaction {
	return &models.CreditTransaction{
		ID:              uuid.NewString(),
		UserID:          user.ID,
		Amount:          amount,
		FreeUnits:       freeUnits,
		Kind:            kind,
		RelatedEntityID: ref,
		Reason:          reason,
		BalanceAfter:    user.CreditBalance.Add(amount),
		CreatedAt:       s.clock.Now().UTC(),
	}
}

// apply appends t and moves the cached balance with it. The user row must
// already be locked by tx.
func (s *LedgerService) apply(ctx context.Context, tx repositories.Tx, user *models.User, t *models.CreditTransaction) (*models.CreditTransaction, error) {
	if err := tx.Transactions().Insert(ctx, t); err != nil {
		if errors.Is(err, errors.AlreadyExists) {
			return tx.Transactions().GetByRef(ctx, t.Kind, t.RelatedEntityID)
		}
		return nil, errors.Trace(err)
	}
	if err := tx.Users().UpdateBalance(ctx, user.ID, t.BalanceAfter, user.FreeVerificationCount+t.FreeUnits); err != nil {
		return nil, errors.Trace(err)
	}
	return t, nil
}

func (s *LedgerService) Debit(ctx context.Context, tx repositories.Tx, req DebitRequest) (*models.CreditTransaction, error) {
	if req.RefID == "" {
		return nil, errors.NotValidf("debit without reference")
	}
	if req.Amount.IsNegative() {
		return nil, errors.NotValidf("debit amount %s", req.Amount)
	}
	user, err := tx.Users().GetForUpdate(ctx, req.UserID)
	if err != nil {
		return nil, errors.Trace(err)
	}
	if existing, err := tx.Transactions().GetByRef(ctx, models.TransactionDebit, req.RefID); err == nil {
		return existing, nil
	} else if !errors.Is(err, errors.NotFound) {
		return nil, errors.Trace(err)
	}
	if user.Suspended {
		return nil, errors.Trace(ErrSuspended)
	}

	amount, free := req.Amount, 0
	switch {
	case req.AllowFree && user.FreeVerificationCount > 0:
		amount, free = decimal.Zero, -1
	case user.CreditBalance.LessThan(amount):
		return nil, errors.Annotatef(ErrInsufficientFunds, "balance %s, need %s", user.CreditBalance.StringFixed(2), amount.StringFixed(2))
	}

	t, err := s.apply(ctx, tx, user, s.newTransaction(user, models.TransactionDebit, amount.Neg(), free, req.RefID, req.Reason))
	if err != nil {
		return nil, err
	}
	logger.Debugf("[ledger][debit] user_id=%d ref=%s amount=%s free_units=%d", user.ID, req.RefID, t.Amount, t.FreeUnits)
	return t, nil
}

// Refund is idempotent on RefID: a repeated call returns the first refund.
func (s *LedgerService) Refund(ctx context.Context, tx repositories.Tx, req RefundRequest) (*models.CreditTransaction, error) {
	if req.RefID == "" {
		return nil, errors.NotValidf("refund without reference")
	}
	if req.Amount.IsNegative() || req.FreeUnits < 0 {
		return nil, errors.NotValidf("refund amount %s / free units %d", req.Amount, req.FreeUnits)
	}
	user, err := tx.Users().GetForUpdate(ctx, req.UserID)
	if err != nil {
		return nil, errors.Trace(err)
	}
	if existing, err := tx.Transactions().GetByRef(ctx, models.TransactionRefund, req.RefID); err == nil {
		return existing, nil
	} else if !errors.Is(err, errors.NotFound) {
		return nil, errors.Trace(err)
	}

	t, err := s.apply(ctx, tx, user, s.newTransaction(user, models.TransactionRefund, req.Amount, req.FreeUnits, req.RefID, req.Reason))
	if err != nil {
		return nil, err
	}
	logger.Debugf("[ledger][refund] user_id=%d ref=%s amount=%s free_units=%d", user.ID, req.RefID, t.Amount, t.FreeUnits)
	return t, nil
}

// RefundDebit returns exactly what the debit with debitRef took, money and
// free units. Without such a debit there is nothing to refund and it
// returns nil.
func (s *LedgerService) RefundDebit(ctx context.Context, tx repositories.Tx, debitRef, refundRef, reason string) (*models.CreditTransaction, error) {
	debit, err := tx.Transactions().GetByRef(ctx, models.TransactionDebit, debitRef)
	if errors.Is(err, errors.NotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, errors.Trace(err)
	}
	return s.Refund(ctx, tx, RefundRequest{
		UserID:    debit.UserID,
		Amount:    debit.Amount.Neg(),
		FreeUnits: -debit.FreeUnits,
		RefID:     refundRef,
		Reason:    reason,
	})
}

// OpenAccount creates the billing row for a user known to the account
// service. Free verifications are granted through the ledger so the
// allowance is auditable. Opening an existing account is a no-op.
func (s *LedgerService) OpenAccount(ctx context.Context, userID int64, freeVerifications int) (*models.User, error) {
	err := s.store.WithinTx(ctx, func(tx repositories.Tx) error {
		user := &models.User{ID: userID, CreditBalance: decimal.Zero, CreatedAt: s.clock.Now().UTC()}
		if err := tx.Users().Create(ctx, user); err != nil {
			return err
		}
		if freeVerifications <= 0 {
			return nil
		}
		_, err := s.apply(ctx, tx, user, s.newTransaction(user, models.TransactionCredit, decimal.Zero, freeVerifications, accountRef(userID), "free verification allowance"))
		return err
	})
	switch {
	case err == nil:
		logger.Infof("[ledger][open] user_id=%d free=%d", userID, freeVerifications)
	case errors.Is(err, errors.AlreadyExists):
	default:
		return nil, errors.Annotatef(err, "open account %d", userID)
	}
	return s.store.Users().GetByID(ctx, userID)
}

// Credit applies a payment. It is idempotent on paymentRef and opens the
// account when the payment is the user's first contact with billing.
func (s *LedgerService) Credit(ctx context.Context, userID int64, amount decimal.Decimal, paymentRef string) (*models.CreditTransaction, error) {
	if !amount.IsPositive() {
		return nil, errors.NotValidf("credit amount %s", amount)
	}
	if paymentRef == "" {
		return nil, errors.NotValidf("credit without payment reference")
	}
	if _, err := s.store.Users().GetByID(ctx, userID); errors.Is(err, errors.NotFound) {
		if _, err := s.OpenAccount(ctx, userID, 0); err != nil {
			return nil, err
		}
	}

	var out *models.CreditTransaction
	err := s.store.WithinTx(ctx, func(tx repositories.Tx) error {
		user, err := tx.Users().GetForUpdate(ctx, userID)
		if err != nil {
			return err
		}
		if existing, err := tx.Transactions().GetByRef(ctx, models.TransactionCredit, paymentRef); err == nil {
			if existing.UserID != userID || !existing.Amount.Equal(amount) {
				return errors.AlreadyExistsf("payment %s with different user or amount", paymentRef)
			}
			out = existing
			return nil
		}
		out, err = s.apply(ctx, tx, user, s.newTransaction(user, models.TransactionCredit, amount, 0, paymentRef, "payment"))
		return err
	})
	if err != nil {
		return nil, errors.Trace(err)
	}
	logger.Infof("[ledger][credit] user_id=%d ref=%s amount=%s", userID, paymentRef, amount)
	return out, nil
}

func (s *LedgerService) Balance(ctx context.Context, userID int64) (*models.User, error) {
	return s.store.Users().GetByID(ctx, userID)
}

func (s *LedgerService) History(ctx context.Context, userID int64, limit, offset int) ([]*models.CreditTransaction, error) {
	if limit <= 0 || limit > 100 {
		limit = 20
	}
	if offset < 0 {
		offset = 0
	}
	return s.store.Transactions().ListByUser(ctx, userID, limit, offset)
}

func (s *LedgerService) Reconcile(ctx context.Context, userID int64) (*Reconciliation, error) {
	var out *Reconciliation
	err := s.store.WithinTx(ctx, func(tx repositories.Tx) error {
		user, err := tx.Users().GetForUpdate(ctx, userID)
		if err != nil {
			return err
		}
		sum, err := tx.Transactions().SumByUser(ctx, userID)
		if err != nil {
			return err
		}
		drift := user.CreditBalance.Sub(sum)
		out = &Reconciliation{
			UserID:        userID,
			CachedBalance: user.CreditBalance,
			LedgerBalance: sum,
			Drift:         drift,
			Consistent:    drift.IsZero(),
		}
		return nil
	})
	if err != nil {
		return nil, errors.Trace(err)
	}
	if !out.Consistent {
		logger.Errorf("[ledger][reconcile] drift for user_id=%d: cached=%s ledger=%s", userID, out.CachedBalance, out.LedgerBalance)
	}
	return out, nil
}

func accountRef(userID int64) string {
	return "account:" + strconv.FormatInt(userID, 10)
}
