package services

import (
	"context"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"go.uber.org/goleak"

	"verifyhub/internal/models"
)

func TestSweeperRunOnce(t *testing.T) {
	env := newTestEnv(t)
	env.fund(t, 1, "10.00")
	ctx := context.Background()

	older, err := env.verifications.Create(ctx, 1, CreateVerificationInput{Service: "telegram"})
	if err != nil {
		t.Fatalf("create older: %v", err)
	}
	env.clock.Advance(6 * time.Minute)
	younger, err := env.verifications.Create(ctx, 1, CreateVerificationInput{Service: "telegram"})
	if err != nil {
		t.Fatalf("create younger: %v", err)
	}
	env.provider.deliver(younger.ExternalID, "424242")
	rental, err := env.rentals.Create(ctx, 1, CreateRentalInput{Service: "whatsapp", DurationHours: 1})
	if err != nil {
		t.Fatalf("create rental: %v", err)
	}
	env.clock.Advance(5 * time.Minute)

	sw := NewSweeper(env.verifications, env.rentals, time.Minute, 10, env.clock)
	report := sw.RunOnce(ctx)
	if report.ExpiredVerifications != 1 || report.RefreshedPending != 1 || report.Errors != 0 {
		t.Fatalf("unexpected report %+v", report)
	}

	got, _ := env.verifications.Get(ctx, 1, older.ID)
	if got.Status != models.VerificationExpired {
		t.Fatalf("older status = %s, want expired", got.Status)
	}
	got, _ = env.verifications.Get(ctx, 1, younger.ID)
	if got.Status != models.VerificationCompleted || len(got.Messages) != 1 || got.Messages[0] != "424242" {
		t.Fatalf("younger = %+v, want completed with code", got)
	}
	// 10.00 - 0.50 - 0.50 + 0.50 refund - 0.21 rental
	env.assertBalance(t, 1, "9.29")

	env.clock.Advance(time.Hour)
	report = sw.RunOnce(ctx)
	if report.ExpiredRentals != 1 {
		t.Fatalf("unexpected report %+v", report)
	}
	r, _ := env.rentals.Get(ctx, 1, rental.ID)
	if r.Status != models.RentalExpired {
		t.Fatalf("rental status = %s, want expired", r.Status)
	}

	// Nothing left to do.
	if report = sw.RunOnce(ctx); report != (SweepReport{}) {
		t.Fatalf("expected empty report, got %+v", report)
	}
	env.assertReconciled(t, 1)
}

func TestSweeperFailsStuckCreated(t *testing.T) {
	env := newTestEnv(t)
	env.fund(t, 1, "1.00")
	ctx := context.Background()

	// A row left in created, as after a crash between the two phases.
	now := env.clock.Now()
	v := &models.Verification{
		ID:          "stuck-1",
		UserID:      1,
		ServiceName: "telegram",
		Capability:  models.CapabilitySMS,
		Status:      models.VerificationCreated,
		Cost:        decimal.RequireFromString("0.50"),
		CreatedAt:   now,
		UpdatedAt:   now,
	}
	if err := env.store.Verifications().Create(ctx, v); err != nil {
		t.Fatalf("seed verification: %v", err)
	}
	if _, err := env.ledger.Debit(ctx, env.store, DebitRequest{UserID: 1, Amount: v.Cost, RefID: debitRef(v.ID), Reason: "seed"}); err != nil {
		t.Fatalf("seed debit: %v", err)
	}
	env.assertBalance(t, 1, "0.50")

	env.clock.Advance(10 * time.Minute)
	report := NewSweeper(env.verifications, env.rentals, time.Minute, 10, env.clock).RunOnce(ctx)
	if report.FailedVerifications != 1 {
		t.Fatalf("unexpected report %+v", report)
	}
	env.assertBalance(t, 1, "1.00")
	env.assertReconciled(t, 1)
}

func TestSweeperStartStop(t *testing.T) {
	defer goleak.VerifyNone(t)

	env := newTestEnv(t)
	env.fund(t, 1, "1.00")
	ctx := context.Background()
	v, err := env.verifications.Create(ctx, 1, CreateVerificationInput{Service: "telegram"})
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	env.clock.Advance(10 * time.Minute)

	sw := NewSweeper(env.verifications, env.rentals, time.Minute, 10, env.clock)
	sw.Start()
	sw.Start()
	if err := env.clock.WaitAdvance(time.Minute, time.Second, 1); err != nil {
		t.Fatalf("sweeper never waited on the clock: %v", err)
	}

	deadline := time.Now().Add(2 * time.Second)
	for {
		got, _ := env.verifications.Get(ctx, 1, v.ID)
		if got.Status == models.VerificationExpired {
			break
		}
		if time.Now().After(deadline) {
			t.Fatalf("sweeper did not expire %s, status=%s", v.ID, got.Status)
		}
		time.Sleep(5 * time.Millisecond)
	}

	if err := sw.Stop(); err != nil {
		t.Fatalf("stop: %v", err)
	}
	env.assertBalance(t, 1, "1.00")
}

func TestSweeperStopWithoutStart(t *testing.T) {
	env := newTestEnv(t)
	if err := NewSweeper(env.verifications, env.rentals, 0, 0, env.clock).Stop(); err != nil {
		t.Fatalf("stop: %v", err)
	}
}
