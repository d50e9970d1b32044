package memory

import (
	"context"
	"testing"
	"time"

	"github.com/juju/errors"
	"github.com/shopspring/decimal"

	"verifyhub/internal/models"
	"verifyhub/internal/repositories"
)

func TestWithinTxRollsBackOnError(t *testing.T) {
	ctx := context.Background()
	s := New()
	if err := s.Users().Create(ctx, &models.User{ID: 7, CreditBalance: decimal.NewFromInt(10)}); err != nil {
		t.Fatalf("create user: %v", err)
	}

	boom := errors.New("boom")
	err := s.WithinTx(ctx, func(tx repositories.Tx) error {
		if err := tx.Users().UpdateBalance(ctx, 7, decimal.NewFromInt(3), 0); err != nil {
			return err
		}
		return boom
	})
	if !errors.Is(err, boom) {
		t.Fatalf("expected fn error, got %v", err)
	}
	u, _ := s.Users().GetByID(ctx, 7)
	if !u.CreditBalance.Equal(decimal.NewFromInt(10)) {
		t.Fatalf("rolled back balance changed: %s", u.CreditBalance)
	}
}

func TestWithinTxCommits(t *testing.T) {
	ctx := context.Background()
	s := New()
	_ = s.Users().Create(ctx, &models.User{ID: 1})

	err := s.WithinTx(ctx, func(tx repositories.Tx) error {
		return tx.Transactions().Insert(ctx, &models.CreditTransaction{
			ID: "t1", UserID: 1, Amount: decimal.NewFromInt(5), Kind: models.TransactionCredit, RelatedEntityID: "pay-1",
		})
	})
	if err != nil {
		t.Fatalf("commit: %v", err)
	}
	sum, _ := s.Transactions().SumByUser(ctx, 1)
	if !sum.Equal(decimal.NewFromInt(5)) {
		t.Fatalf("sum = %s", sum)
	}
}

func TestTransactionRefIsUnique(t *testing.T) {
	ctx := context.Background()
	s := New()
	_ = s.Users().Create(ctx, &models.User{ID: 1})

	tr := &models.CreditTransaction{ID: "a", UserID: 1, Kind: models.TransactionDebit, RelatedEntityID: "v-1", Amount: decimal.NewFromInt(-1)}
	if err := s.Transactions().Insert(ctx, tr); err != nil {
		t.Fatalf("first insert: %v", err)
	}
	tr2 := *tr
	tr2.ID = "b"
	if err := s.Transactions().Insert(ctx, &tr2); !errors.Is(err, errors.AlreadyExists) {
		t.Fatalf("expected AlreadyExists, got %v", err)
	}
	// Same ref with another kind is a different row.
	tr3 := *tr
	tr3.ID, tr3.Kind = "c", models.TransactionRefund
	if err := s.Transactions().Insert(ctx, &tr3); err != nil {
		t.Fatalf("refund insert: %v", err)
	}
	got, err := s.Transactions().GetByRef(ctx, models.TransactionDebit, "v-1")
	if err != nil || got.ID != "a" {
		t.Fatalf("GetByRef = %+v, %v", got, err)
	}
}

func TestReadsAreCopies(t *testing.T) {
	ctx := context.Background()
	s := New()
	_ = s.Users().Create(ctx, &models.User{ID: 1})
	v := &models.Verification{ID: "v", UserID: 1, Status: models.VerificationPending, Messages: []string{"a"}}
	if err := s.Verifications().Create(ctx, v); err != nil {
		t.Fatalf("create: %v", err)
	}
	got, _ := s.Verifications().GetByID(ctx, "v")
	got.Messages[0] = "mutated"
	got.Status = models.VerificationCompleted

	again, _ := s.Verifications().GetByID(ctx, "v")
	if again.Messages[0] != "a" || again.Status != models.VerificationPending {
		t.Fatalf("store was mutated through a read: %+v", again)
	}
}

func TestListStaleOrdersOldestFirst(t *testing.T) {
	ctx := context.Background()
	s := New()
	_ = s.Users().Create(ctx, &models.User{ID: 1})
	base := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	for i, id := range []string{"c", "a", "b"} {
		_ = s.Verifications().Create(ctx, &models.Verification{
			ID: id, UserID: 1, Status: models.VerificationPending, CreatedAt: base.Add(time.Duration(2-i) * time.Minute),
		})
	}
	ids, err := s.Verifications().ListStale(ctx, models.VerificationPending, base.Add(time.Hour), 2)
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(ids) != 2 || ids[0] != "b" || ids[1] != "a" {
		t.Fatalf("unexpected order %v", ids)
	}
}

func TestListByUserNewestFirstWithPaging(t *testing.T) {
	ctx := context.Background()
	s := New()
	_ = s.Users().Create(ctx, &models.User{ID: 1})
	for _, ref := range []string{"p1", "p2", "p3"} {
		_ = s.Transactions().Insert(ctx, &models.CreditTransaction{ID: ref, UserID: 1, Kind: models.TransactionCredit, RelatedEntityID: ref})
	}
	page, _ := s.Transactions().ListByUser(ctx, 1, 2, 1)
	if len(page) != 2 || page[0].ID != "p2" || page[1].ID != "p1" {
		t.Fatalf("unexpected page %+v", page)
	}
}
