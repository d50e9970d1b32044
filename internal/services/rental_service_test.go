package services

import (
	"context"
	"testing"
	"time"

	"github.com/juju/errors"
	"github.com/shopspring/decimal"

	"verifyhub/internal/models"
	"verifyhub/internal/provider"
)

func TestRentalPrice(t *testing.T) {
	env := newTestEnv(t)
	cases := []struct {
		scope models.RentalScope
		mode  models.RentalMode
		hours int
		want  string
	}{
		{models.ScopeService, models.ModeAlwaysReady, 24, "5.00"},
		{models.ScopeService, models.ModeManual, 24, "4.00"},
		{models.ScopeGeneral, models.ModeAlwaysReady, 12, "3.75"},
		{models.ScopeService, models.ModeAlwaysReady, 1, "0.21"},
	}
	for _, c := range cases {
		got, err := env.rentals.Price(c.scope, c.mode, c.hours)
		if err != nil {
			t.Fatalf("price %v: %v", c, err)
		}
		if !got.Equal(decimal.RequireFromString(c.want)) {
			t.Errorf("price(%s,%s,%d) = %s, want %s", c.scope, c.mode, c.hours, got, c.want)
		}
	}
}

func TestRentalEarlyReleaseInsideGraceRefundsHalf(t *testing.T) {
	env := newTestEnv(t)
	env.fund(t, 1, "10.00")
	ctx := context.Background()

	r, err := env.rentals.Create(ctx, 1, CreateRentalInput{Service: "whatsapp", DurationHours: 24})
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	if r.Status != models.RentalActive || !r.Cost.Equal(decimal.RequireFromString("5.00")) {
		t.Fatalf("unexpected rental %+v", r)
	}
	env.assertBalance(t, 1, "5.00")

	env.clock.Advance(time.Hour)
	res, err := env.rentals.ReleaseEarly(ctx, 1, r.ID)
	if err != nil {
		t.Fatalf("release: %v", err)
	}
	if res.Rental.Status != models.RentalReleased || !res.Refund.Equal(decimal.RequireFromString("2.50")) {
		t.Fatalf("unexpected release %+v refund=%s", res.Rental, res.Refund)
	}
	env.assertBalance(t, 1, "7.50")

	// A second release is a no-op.
	res, err = env.rentals.ReleaseEarly(ctx, 1, r.ID)
	if err != nil || !res.Refund.IsZero() {
		t.Fatalf("second release: %+v %v", res, err)
	}
	env.assertBalance(t, 1, "7.50")
	env.assertReconciled(t, 1)
}

func TestRentalLateReleaseRefundsProratedRemainder(t *testing.T) {
	env := newTestEnv(t)
	env.fund(t, 1, "5.00")
	ctx := context.Background()
	r, _ := env.rentals.Create(ctx, 1, CreateRentalInput{Service: "whatsapp", DurationHours: 24})

	env.clock.Advance(12 * time.Hour)
	res, err := env.rentals.ReleaseEarly(ctx, 1, r.ID)
	if err != nil {
		t.Fatalf("release: %v", err)
	}
	// 12h of 24h left: 5.00 * 0.5 * 0.5
	if !res.Refund.Equal(decimal.RequireFromString("1.25")) {
		t.Fatalf("refund = %s, want 1.25", res.Refund)
	}
	env.assertBalance(t, 1, "1.25")
}

func TestRentalReleaseProviderFailureChangesNothing(t *testing.T) {
	env := newTestEnv(t)
	env.fund(t, 1, "5.00")
	ctx := context.Background()
	r, _ := env.rentals.Create(ctx, 1, CreateRentalInput{Service: "whatsapp", DurationHours: 24})

	env.provider.releaseErr = unavailable("release_rental")
	if _, err := env.rentals.ReleaseEarly(ctx, 1, r.ID); !errors.Is(err, ErrProviderUnavailable) {
		t.Fatalf("expected provider error, got %v", err)
	}
	got, _ := env.rentals.Get(ctx, 1, r.ID)
	if got.Status != models.RentalActive {
		t.Fatalf("status = %s, want active", got.Status)
	}
	env.assertBalance(t, 1, "0.00")
}

func TestRentalExtend(t *testing.T) {
	env := newTestEnv(t)
	env.fund(t, 1, "10.00")
	ctx := context.Background()
	r, _ := env.rentals.Create(ctx, 1, CreateRentalInput{Service: "whatsapp", DurationHours: 24})

	got, err := env.rentals.Extend(ctx, 1, r.ID, 24)
	if err != nil {
		t.Fatalf("extend: %v", err)
	}
	if got.DurationHours != 48 || got.ExtensionCount != 1 || !got.Cost.Equal(decimal.RequireFromString("10.00")) {
		t.Fatalf("unexpected rental after extend %+v", got)
	}
	if !got.ExpiresAt.Equal(r.ExpiresAt.Add(24 * time.Hour)) {
		t.Fatalf("expires_at = %s, want %s", got.ExpiresAt, r.ExpiresAt.Add(24*time.Hour))
	}
	env.assertBalance(t, 1, "0.00")
	if n := len(env.transactions(t, 1, models.TransactionDebit)); n != 2 {
		t.Fatalf("debits = %d, want 2", n)
	}

	// No money left for another extension; nothing changes.
	if _, err := env.rentals.Extend(ctx, 1, r.ID, 1); !errors.Is(err, ErrInsufficientFunds) {
		t.Fatalf("expected insufficient funds, got %v", err)
	}
	env.assertReconciled(t, 1)
}

func TestRentalExtendProviderFailureRefunds(t *testing.T) {
	env := newTestEnv(t)
	env.fund(t, 1, "10.00")
	ctx := context.Background()
	r, _ := env.rentals.Create(ctx, 1, CreateRentalInput{Service: "whatsapp", DurationHours: 24})

	env.provider.extendErr = &provider.Error{Kind: provider.ErrValidation, Op: "extend_rental", StatusCode: 409}
	if _, err := env.rentals.Extend(ctx, 1, r.ID, 24); !errors.Is(err, ErrProviderValidation) {
		t.Fatalf("expected provider error, got %v", err)
	}
	got, _ := env.rentals.Get(ctx, 1, r.ID)
	if got.DurationHours != 24 || got.ExtensionCount != 0 || !got.ExpiresAt.Equal(r.ExpiresAt) {
		t.Fatalf("rental changed by failed extension: %+v", got)
	}
	env.assertBalance(t, 1, "5.00")
	if n := len(env.transactions(t, 1, models.TransactionRefund)); n != 1 {
		t.Fatalf("refunds = %d, want 1", n)
	}
	env.assertReconciled(t, 1)

	// The next attempt is charged on its own.
	env.provider.extendErr = nil
	got, err := env.rentals.Extend(ctx, 1, r.ID, 24)
	if err != nil {
		t.Fatalf("extend: %v", err)
	}
	if got.ExtensionCount != 1 || got.DurationHours != 48 {
		t.Fatalf("unexpected rental after extend %+v", got)
	}
	env.assertBalance(t, 1, "0.00")
	env.assertReconciled(t, 1)
}

func TestRentalReleaseAtOrPastExpiryExpiresWithoutRefund(t *testing.T) {
	for _, after := range []time.Duration{time.Hour, 90 * time.Minute} {
		t.Run(after.String(), func(t *testing.T) {
			env := newTestEnv(t)
			env.fund(t, 1, "5.00")
			ctx := context.Background()
			r, err := env.rentals.Create(ctx, 1, CreateRentalInput{Service: "whatsapp", DurationHours: 1})
			if err != nil {
				t.Fatalf("create: %v", err)
			}
			env.assertBalance(t, 1, "4.79")

			env.clock.Advance(after)
			res, err := env.rentals.ReleaseEarly(ctx, 1, r.ID)
			if err != nil {
				t.Fatalf("release: %v", err)
			}
			if res.Rental.Status != models.RentalExpired || !res.Refund.IsZero() || res.Rental.EndedAt == nil {
				t.Fatalf("unexpected release %+v refund=%s", res.Rental, res.Refund)
			}
			env.assertBalance(t, 1, "4.79")
			if n := env.provider.count("release_rental"); n != 0 {
				t.Fatalf("provider release calls = %d, want 0", n)
			}
			if n := len(env.transactions(t, 1, models.TransactionRefund)); n != 0 {
				t.Fatalf("refunds = %d, want 0", n)
			}
		})
	}
}

func TestRentalReleaseRefundIsZeroAtExpiryEvenInGrace(t *testing.T) {
	env := newTestEnv(t)
	r := &models.Rental{
		Cost:          decimal.RequireFromString("0.21"),
		DurationHours: 1,
		CreatedAt:     testEpoch,
		ExpiresAt:     testEpoch.Add(time.Hour),
	}
	if got := env.rentals.ReleaseRefund(r, testEpoch.Add(30*time.Minute)); !got.Equal(decimal.RequireFromString("0.11")) {
		t.Fatalf("refund in grace = %s, want 0.11", got)
	}
	for _, at := range []time.Duration{time.Hour, 90 * time.Minute} {
		if got := env.rentals.ReleaseRefund(r, testEpoch.Add(at)); !got.IsZero() {
			t.Fatalf("refund at +%s = %s, want 0", at, got)
		}
	}
}

func TestRentalExtendValidation(t *testing.T) {
	env := newTestEnv(t)
	env.fund(t, 1, "500.00")
	ctx := context.Background()
	r, _ := env.rentals.Create(ctx, 1, CreateRentalInput{DurationHours: 700})

	if _, err := env.rentals.Extend(ctx, 1, r.ID, 0); !errors.Is(err, errors.NotValid) {
		t.Fatalf("expected NotValid for zero hours, got %v", err)
	}
	if _, err := env.rentals.Extend(ctx, 1, r.ID, 48); !errors.Is(err, errors.NotValid) {
		t.Fatalf("expected NotValid past max duration, got %v", err)
	}

	env.clock.Advance(701 * time.Hour)
	if _, err := env.rentals.Extend(ctx, 1, r.ID, 1); !errors.Is(err, ErrNotActive) {
		t.Fatalf("expected ErrNotActive after expiry, got %v", err)
	}
}

func TestRentalExpireWithoutRefund(t *testing.T) {
	env := newTestEnv(t)
	env.fund(t, 1, "5.00")
	ctx := context.Background()
	r, _ := env.rentals.Create(ctx, 1, CreateRentalInput{Service: "whatsapp", DurationHours: 24})

	got, err := env.rentals.Expire(ctx, r.ID, 10*time.Minute)
	if err != nil || got.Status != models.RentalActive {
		t.Fatalf("expired early: %+v %v", got, err)
	}
	env.clock.Advance(24 * time.Hour)
	got, err = env.rentals.Expire(ctx, r.ID, 10*time.Minute)
	if err != nil || got.Status != models.RentalExpired || got.EndedAt == nil {
		t.Fatalf("expected expired, got %+v %v", got, err)
	}
	env.assertBalance(t, 1, "0.00")
	if _, err := env.rentals.ReleaseEarly(ctx, 1, r.ID); err != nil {
		t.Fatalf("release of expired rental should be a no-op: %v", err)
	}
}

func TestRentalCreateFailureRefunds(t *testing.T) {
	env := newTestEnv(t)
	env.fund(t, 1, "5.00")
	env.provider.rentalErr = unavailable("create_rental")

	r, err := env.rentals.Create(context.Background(), 1, CreateRentalInput{Service: "whatsapp", DurationHours: 24})
	if !errors.Is(err, ErrProviderUnavailable) {
		t.Fatalf("expected provider error, got %v", err)
	}
	if r.Status != models.RentalFailed {
		t.Fatalf("status = %s", r.Status)
	}
	env.assertBalance(t, 1, "5.00")
	env.assertReconciled(t, 1)
}

func TestRentalCreateValidation(t *testing.T) {
	env := newTestEnv(t)
	env.fund(t, 1, "5.00")
	ctx := context.Background()
	if _, err := env.rentals.Create(ctx, 1, CreateRentalInput{DurationHours: 0}); !errors.Is(err, errors.NotValid) {
		t.Fatalf("expected NotValid for zero hours, got %v", err)
	}
	if _, err := env.rentals.Create(ctx, 1, CreateRentalInput{DurationHours: 2, Mode: "sometimes"}); !errors.Is(err, errors.NotValid) {
		t.Fatalf("expected NotValid for mode, got %v", err)
	}
}
