package services

import (
	"context"
	"testing"

	"github.com/juju/errors"
	"github.com/shopspring/decimal"

	"verifyhub/internal/models"
	"verifyhub/internal/repositories"
)

func TestDebitRejectsInsufficientFunds(t *testing.T) {
	env := newTestEnv(t)
	env.fund(t, 1, "0.40")
	ctx := context.Background()

	err := env.store.WithinTx(ctx, func(tx repositories.Tx) error {
		_, err := env.ledger.Debit(ctx, tx, DebitRequest{UserID: 1, Amount: decimal.RequireFromString("0.50"), RefID: "v-1"})
		return err
	})
	if !errors.Is(err, ErrInsufficientFunds) {
		t.Fatalf("expected ErrInsufficientFunds, got %v", err)
	}
	env.assertBalance(t, 1, "0.40")
}

func TestDebitIsExactlyOncePerReference(t *testing.T) {
	env := newTestEnv(t)
	env.fund(t, 1, "5.00")
	ctx := context.Background()

	var first, second *models.CreditTransaction
	for _, out := range []**models.CreditTransaction{&first, &second} {
		err := env.store.WithinTx(ctx, func(tx repositories.Tx) error {
			var err error
			*out, err = env.ledger.Debit(ctx, tx, DebitRequest{UserID: 1, Amount: decimal.RequireFromString("0.50"), RefID: "v-1"})
			return err
		})
		if err != nil {
			t.Fatalf("debit: %v", err)
		}
	}
	if first.ID != second.ID {
		t.Fatalf("second debit created a new transaction")
	}
	env.assertBalance(t, 1, "4.50")
	env.assertReconciled(t, 1)
}

func TestDebitUsesFreeAllowanceFirst(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	if _, err := env.ledger.OpenAccount(ctx, 1, 1); err != nil {
		t.Fatalf("open: %v", err)
	}
	env.fund(t, 1, "1.00")

	var debit *models.CreditTransaction
	err := env.store.WithinTx(ctx, func(tx repositories.Tx) error {
		var err error
		debit, err = env.ledger.Debit(ctx, tx, DebitRequest{UserID: 1, Amount: decimal.RequireFromString("0.50"), RefID: "v-1", AllowFree: true})
		return err
	})
	if err != nil {
		t.Fatalf("debit: %v", err)
	}
	if !debit.Amount.IsZero() || debit.FreeUnits != -1 {
		t.Fatalf("expected free debit, got %+v", debit)
	}
	u, _ := env.ledger.Balance(ctx, 1)
	if u.FreeVerificationCount != 0 || !u.CreditBalance.Equal(decimal.RequireFromString("1.00")) {
		t.Fatalf("unexpected user after free debit: %+v", u)
	}

	// RefundDebit gives the free unit back, not money.
	err = env.store.WithinTx(ctx, func(tx repositories.Tx) error {
		_, err := env.ledger.RefundDebit(ctx, tx, "v-1", "v-1#refund", "cancelled")
		return err
	})
	if err != nil {
		t.Fatalf("refund: %v", err)
	}
	u, _ = env.ledger.Balance(ctx, 1)
	if u.FreeVerificationCount != 1 || !u.CreditBalance.Equal(decimal.RequireFromString("1.00")) {
		t.Fatalf("unexpected user after refund: %+v", u)
	}
}

func TestRefundIsIdempotent(t *testing.T) {
	env := newTestEnv(t)
	env.fund(t, 1, "1.00")
	ctx := context.Background()

	refund := func() error {
		return env.store.WithinTx(ctx, func(tx repositories.Tx) error {
			_, err := env.ledger.Refund(ctx, tx, RefundRequest{UserID: 1, Amount: decimal.RequireFromString("0.25"), RefID: "r-1"})
			return err
		})
	}
	for i := 0; i < 3; i++ {
		if err := refund(); err != nil {
			t.Fatalf("refund %d: %v", i, err)
		}
	}
	env.assertBalance(t, 1, "1.25")
	if n := len(env.transactions(t, 1, models.TransactionRefund)); n != 1 {
		t.Fatalf("refund transactions = %d", n)
	}
}

func TestRefundDebitWithoutDebitIsNoop(t *testing.T) {
	env := newTestEnv(t)
	env.fund(t, 1, "1.00")
	ctx := context.Background()
	err := env.store.WithinTx(ctx, func(tx repositories.Tx) error {
		got, err := env.ledger.RefundDebit(ctx, tx, "missing", "missing#refund", "x")
		if got != nil {
			t.Errorf("expected nil refund, got %+v", got)
		}
		return err
	})
	if err != nil {
		t.Fatalf("refund: %v", err)
	}
	env.assertBalance(t, 1, "1.00")
}

func TestCreditIsIdempotentOnPaymentRef(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	// The first payment opens the account.
	for i := 0; i < 2; i++ {
		if _, err := env.ledger.Credit(ctx, 9, decimal.RequireFromString("10.00"), "pay-abc"); err != nil {
			t.Fatalf("credit %d: %v", i, err)
		}
	}
	env.assertBalance(t, 9, "10.00")

	_, err := env.ledger.Credit(ctx, 9, decimal.RequireFromString("99.00"), "pay-abc")
	if !errors.Is(err, errors.AlreadyExists) {
		t.Fatalf("expected conflict for reused payment ref, got %v", err)
	}
	if _, err := env.ledger.Credit(ctx, 9, decimal.RequireFromString("-1"), "pay-neg"); !errors.Is(err, errors.NotValid) {
		t.Fatalf("expected NotValid for negative credit, got %v", err)
	}
	env.assertReconciled(t, 9)
}

func TestSuspendedUserCannotBeDebited(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	if err := env.store.Users().Create(ctx, &models.User{ID: 3, CreditBalance: decimal.Zero, Suspended: true}); err != nil {
		t.Fatalf("create: %v", err)
	}
	err := env.store.WithinTx(ctx, func(tx repositories.Tx) error {
		_, err := env.ledger.Debit(ctx, tx, DebitRequest{UserID: 3, Amount: decimal.Zero, RefID: "v-1"})
		return err
	})
	if !errors.Is(err, ErrSuspended) {
		t.Fatalf("expected ErrSuspended, got %v", err)
	}
}

func TestReconcileReportsDrift(t *testing.T) {
	env := newTestEnv(t)
	env.fund(t, 1, "2.00")
	ctx := context.Background()
	// Corrupt the cached balance behind the ledger's back.
	if err := env.store.Users().UpdateBalance(ctx, 1, decimal.RequireFromString("3.00"), 0); err != nil {
		t.Fatalf("update: %v", err)
	}
	rec, err := env.ledger.Reconcile(ctx, 1)
	if err != nil {
		t.Fatalf("reconcile: %v", err)
	}
	if rec.Consistent || !rec.Drift.Equal(decimal.RequireFromString("1.00")) {
		t.Fatalf("unexpected reconciliation %+v", rec)
	}
}
