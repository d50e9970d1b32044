package services

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/juju/clock/testclock"
	"github.com/shopspring/decimal"

	"verifyhub/internal/config"
	"verifyhub/internal/models"
	"verifyhub/internal/provider"
	"verifyhub/internal/repositories/memory"
	"verifyhub/internal/resilience"
)

var testEpoch = time.Date(2026, 5, 4, 9, 0, 0, 0, time.UTC)

// fakeProvider is a scriptable provider.API.
type fakeProvider struct {
	mu          sync.Mutex
	next        int
	calls       map[string]int
	createErr   error
	rentalErr   error
	extendErr   error
	releaseErr  error
	cancelErr   error
	messagesErr error
	messages    map[string][]provider.Message
	status      map[string]provider.Status
}

func newFakeProvider() *fakeProvider {
	return &fakeProvider{
		calls:    make(map[string]int),
		messages: make(map[string][]provider.Message),
		status:   make(map[string]provider.Status),
	}
}

func (f *fakeProvider) count(op string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls[op]
}

func (f *fakeProvider) record(op string) {
	f.mu.Lock()
	f.calls[op]++
	f.mu.Unlock()
}

func (f *fakeProvider) reserve() *provider.Reservation {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.next++
	return &provider.Reservation{ExternalID: fmt.Sprintf("ext-%d", f.next), PhoneNumber: fmt.Sprintf("+1555000%04d", f.next)}
}

func (f *fakeProvider) deliver(externalID, code string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.messages[externalID] = append(f.messages[externalID], provider.Message{Text: "code " + code, Code: code})
}

func (f *fakeProvider) CreateVerification(_ context.Context, _ provider.VerificationRequest) (*provider.Reservation, error) {
	f.record("create_verification")
	if f.createErr != nil {
		return nil, f.createErr
	}
	return f.reserve(), nil
}

func (f *fakeProvider) GetStatus(_ context.Context, externalID string) (provider.Status, error) {
	f.record("get_status")
	f.mu.Lock()
	defer f.mu.Unlock()
	if st, ok := f.status[externalID]; ok {
		return st, nil
	}
	return provider.StatusPending, nil
}

func (f *fakeProvider) GetMessages(_ context.Context, externalID string) ([]provider.Message, error) {
	f.record("get_messages")
	if f.messagesErr != nil {
		return nil, f.messagesErr
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]provider.Message(nil), f.messages[externalID]...), nil
}

func (f *fakeProvider) Cancel(_ context.Context, _ string) error {
	f.record("cancel")
	return f.cancelErr
}

func (f *fakeProvider) CreateRental(_ context.Context, _ provider.RentalRequest) (*provider.Reservation, error) {
	f.record("create_rental")
	if f.rentalErr != nil {
		return nil, f.rentalErr
	}
	return f.reserve(), nil
}

func (f *fakeProvider) ExtendRental(_ context.Context, _ string, _ int) (time.Time, error) {
	f.record("extend_rental")
	return time.Time{}, f.extendErr
}

func (f *fakeProvider) ReleaseRental(_ context.Context, _ string) error {
	f.record("release_rental")
	return f.releaseErr
}

type recordingPublisher struct {
	mu     sync.Mutex
	events []models.StatusEvent
}

func (p *recordingPublisher) Publish(ev models.StatusEvent) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.events = append(p.events, ev)
}

func (p *recordingPublisher) statuses(id string) []string {
	p.mu.Lock()
	defer p.mu.Unlock()
	var out []string
	for _, ev := range p.events {
		if ev.ID == id {
			out = append(out, ev.Status)
		}
	}
	return out
}

type testEnv struct {
	store         *memory.Store
	clock         *testclock.Clock
	provider      *fakeProvider
	executor      *resilience.Executor
	publisher     *recordingPublisher
	ledger        *LedgerService
	verifications *VerificationService
	rentals       *RentalService
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()
	pricing, err := config.Default().Pricing()
	if err != nil {
		t.Fatalf("pricing: %v", err)
	}
	clk := testclock.NewClock(testEpoch)
	store := memory.New()
	fp := newFakeProvider()
	registry := resilience.NewRegistry(resilience.Settings{
		FailureThreshold: 3,
		FailureWindow:    time.Minute,
		Cooldown:         time.Minute,
	}, nil, nil)
	// Backoff runs on the wall clock with tiny delays so retries do not
	// need the test clock advanced.
	executor := resilience.NewExecutor(registry, resilience.Policy{
		MaxAttempts: 3,
		BaseDelay:   time.Millisecond,
		MaxDelay:    2 * time.Millisecond,
	}, nil, nil)
	pub := &recordingPublisher{}
	ledger := NewLedgerService(store, clk)
	deps := Deps{
		Store:     store,
		Ledger:    ledger,
		Provider:  fp,
		Executor:  executor,
		Publisher: pub,
		Locks:     NewLocks(),
		Clock:     clk,
		Pricing:   pricing,
	}
	return &testEnv{
		store:         store,
		clock:         clk,
		provider:      fp,
		executor:      executor,
		publisher:     pub,
		ledger:        ledger,
		verifications: NewVerificationService(deps, 10*time.Minute, true),
		rentals:       NewRentalService(deps),
	}
}

// fund opens an account and credits it.
func (e *testEnv) fund(t *testing.T, userID int64, amount string) {
	t.Helper()
	ctx := context.Background()
	if _, err := e.ledger.OpenAccount(ctx, userID, 0); err != nil {
		t.Fatalf("open account: %v", err)
	}
	if _, err := e.ledger.Credit(ctx, userID, decimal.RequireFromString(amount), fmt.Sprintf("seed-%d", userID)); err != nil {
		t.Fatalf("credit: %v", err)
	}
}

func (e *testEnv) balance(t *testing.T, userID int64) decimal.Decimal {
	t.Helper()
	u, err := e.ledger.Balance(context.Background(), userID)
	if err != nil {
		t.Fatalf("balance: %v", err)
	}
	return u.CreditBalance
}

func (e *testEnv) assertBalance(t *testing.T, userID int64, want string) {
	t.Helper()
	if got := e.balance(t, userID); !got.Equal(decimal.RequireFromString(want)) {
		t.Fatalf("balance = %s, want %s", got.StringFixed(2), want)
	}
}

// assertReconciled checks the cached balance against the ledger sum.
func (e *testEnv) assertReconciled(t *testing.T, userID int64) {
	t.Helper()
	rec, err := e.ledger.Reconcile(context.Background(), userID)
	if err != nil {
		t.Fatalf("reconcile: %v", err)
	}
	if !rec.Consistent {
		t.Fatalf("ledger drift: %+v", rec)
	}
}

func (e *testEnv) transactions(t *testing.T, userID int64, kind models.TransactionKind) []*models.CreditTransaction {
	t.Helper()
	all, err := e.store.Transactions().ListByUser(context.Background(), userID, 1000, 0)
	if err != nil {
		t.Fatalf("list transactions: %v", err)
	}
	var out []*models.CreditTransaction
	for _, tr := range all {
		if tr.Kind == kind {
			out = append(out, tr)
		}
	}
	return out
}

func unavailable(op string) error {
	return &provider.Error{Kind: provider.ErrUnavailable, Op: op, Message: "timeout"}
}
