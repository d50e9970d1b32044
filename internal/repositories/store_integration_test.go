package repositories

import (
	"context"
	"os"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/joho/godotenv"
	"github.com/juju/errors"
	"github.com/shopspring/decimal"

	"verifyhub/internal/models"
)

// TestPostgresStoreIntegration runs the repositories against a real database.
func TestPostgresStoreIntegration(t *testing.T) {
	if os.Getenv("RUN_DB_INTEGRATION") != "true" {
		t.Skip("set RUN_DB_INTEGRATION=true to run this integration test")
	}
	_ = godotenv.Load("../../.env")
	dsn := os.Getenv("DATABASE_URL")
	if dsn == "" {
		t.Fatal("DATABASE_URL is required")
	}

	ctx := context.Background()
	db, err := Open(ctx, dsn, 4)
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	defer db.Close()
	if err := Migrate(ctx, db); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	store := NewPostgresStore(db)

	user := &models.User{CreditBalance: decimal.Zero}
	if err := store.Users().Create(ctx, user); err != nil {
		t.Fatalf("create user: %v", err)
	}

	now := time.Now().UTC().Truncate(time.Microsecond)
	v := &models.Verification{
		ID:          uuid.NewString(),
		UserID:      user.ID,
		ServiceName: "telegram",
		Capability:  models.CapabilitySMS,
		Filters:     map[string]string{"carrier": "any"},
		Status:      models.VerificationCreated,
		Cost:        decimal.RequireFromString("0.50"),
		CreatedAt:   now,
		UpdatedAt:   now,
	}
	err = store.WithinTx(ctx, func(tx Tx) error {
		if err := tx.Verifications().Create(ctx, v); err != nil {
			return err
		}
		return tx.Transactions().Insert(ctx, &models.CreditTransaction{
			ID: uuid.NewString(), UserID: user.ID, Amount: decimal.Zero, FreeUnits: -1,
			Kind: models.TransactionDebit, RelatedEntityID: v.ID, CreatedAt: now,
		})
	})
	if err != nil {
		t.Fatalf("create tx: %v", err)
	}

	v.Status = models.VerificationCompleted
	v.Messages = []string{"123456"}
	v.CompletedAt = &now
	if err := store.Verifications().Update(ctx, v); err != nil {
		t.Fatalf("update: %v", err)
	}
	got, err := store.Verifications().GetByID(ctx, v.ID)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if got.Status != models.VerificationCompleted || len(got.Messages) != 1 || got.Filters["carrier"] != "any" {
		t.Fatalf("unexpected row %+v", got)
	}

	dup := &models.CreditTransaction{
		ID: uuid.NewString(), UserID: user.ID, Kind: models.TransactionDebit, RelatedEntityID: v.ID, CreatedAt: now,
	}
	if err := store.Transactions().Insert(ctx, dup); !errors.Is(err, errors.AlreadyExists) {
		t.Fatalf("expected AlreadyExists for duplicate debit, got %v", err)
	}

	if _, err := store.Verifications().GetByID(ctx, uuid.NewString()); !errors.Is(err, errors.NotFound) {
		t.Fatalf("expected NotFound, got %v", err)
	}
	if _, err := store.Verifications().GetByID(ctx, "abc"); !errors.Is(err, errors.NotFound) {
		t.Fatalf("expected NotFound for malformed verification id, got %v", err)
	}
	if _, err := store.Rentals().GetByID(ctx, "abc"); !errors.Is(err, errors.NotFound) {
		t.Fatalf("expected NotFound for malformed rental id, got %v", err)
	}
	orphan := *v
	orphan.ID = uuid.NewString()
	orphan.UserID = user.ID + 1_000_000
	if err := store.Verifications().Create(ctx, &orphan); !errors.Is(err, errors.NotFound) {
		t.Fatalf("expected NotFound for verification without account, got %v", err)
	}
	rental := &models.Rental{
		ID: uuid.NewString(), UserID: user.ID + 1_000_000, Scope: models.ScopeGeneral, Mode: models.ModeManual,
		DurationHours: 1, ExpiresAt: now.Add(time.Hour), Status: models.RentalCreated, Cost: decimal.Zero,
		CreatedAt: now, UpdatedAt: now,
	}
	if err := store.Rentals().Create(ctx, rental); !errors.Is(err, errors.NotFound) {
		t.Fatalf("expected NotFound for rental without account, got %v", err)
	}

	limiter := NewRateLimitRepository(db)
	key := "test:" + uuid.NewString()
	start := now.Truncate(time.Minute)
	for i := 1; i <= 3; i++ {
		cur, prev, err := limiter.Hit(ctx, key, start, time.Minute)
		if err != nil {
			t.Fatalf("hit: %v", err)
		}
		if cur != i || prev != 0 {
			t.Fatalf("hit %d: cur=%d prev=%d", i, cur, prev)
		}
	}
	cur, prev, err := limiter.Hit(ctx, key, start.Add(time.Minute), time.Minute)
	if err != nil || cur != 1 || prev != 3 {
		t.Fatalf("next window: cur=%d prev=%d err=%v", cur, prev, err)
	}
}
