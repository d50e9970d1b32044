package provider

import (
	"context"
	"fmt"
	"math/rand"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/juju/clock"
)

// DryRunClient fakes the provider in-process: numbers are generated locally
// and a code "arrives" CodeDelay after the reservation. Nothing leaves the
// machine, so it is safe for local development.
type DryRunClient struct {
	CodeDelay time.Duration
	clock     clock.Clock

	mu           sync.Mutex
	rnd          *rand.Rand
	reservations map[string]*dryRunReservation
}

type dryRunReservation struct {
	createdAt time.Time
	expiresAt time.Time
	status    Status
	code      string
}

var _ API = (*DryRunClient)(nil)

func NewDryRunClient(clk clock.Clock) *DryRunClient {
	if clk == nil {
		clk = clock.WallClock
	}
	return &DryRunClient{
		CodeDelay:    20 * time.Second,
		clock:        clk,
		rnd:          rand.New(rand.NewSource(clk.Now().UnixNano())),
		reservations: make(map[string]*dryRunReservation),
	}
}

func (d *DryRunClient) reserve(expiresAt time.Time) *Reservation {
	id := uuid.NewString()
	number := fmt.Sprintf("+1555%07d", d.rnd.Intn(10000000))
	d.reservations[id] = &dryRunReservation{
		createdAt: d.clock.Now(),
		expiresAt: expiresAt,
		status:    StatusPending,
		code:      fmt.Sprintf("%06d", d.rnd.Intn(1000000)),
	}
	logger.Infof("[provider][dry-run] reserved id=%s number=%s", id, number)
	return &Reservation{ExternalID: id, PhoneNumber: number, ExpiresAt: expiresAt}
}

func (d *DryRunClient) lookup(op, externalID string) (*dryRunReservation, error) {
	r, ok := d.reservations[externalID]
	if !ok {
		return nil, &Error{Kind: ErrValidation, Op: op, StatusCode: 404, Message: "unknown reservation"}
	}
	return r, nil
}

func (d *DryRunClient) CreateVerification(_ context.Context, req VerificationRequest) (*Reservation, error) {
	if req.Service == "" {
		return nil, &Error{Kind: ErrValidation, Op: "create_verification", Message: "service name is required"}
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.reserve(time.Time{}), nil
}

func (d *DryRunClient) GetStatus(_ context.Context, externalID string) (Status, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	r, err := d.lookup("get_status", externalID)
	if err != nil {
		return "", err
	}
	if r.status == StatusPending && d.clock.Now().Sub(r.createdAt) >= d.CodeDelay {
		r.status = StatusCompleted
	}
	return r.status, nil
}

func (d *DryRunClient) GetMessages(_ context.Context, externalID string) ([]Message, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	r, err := d.lookup("get_messages", externalID)
	if err != nil {
		return nil, err
	}
	now := d.clock.Now()
	if r.status == StatusCancelled || now.Sub(r.createdAt) < d.CodeDelay {
		return nil, nil
	}
	if r.status == StatusPending {
		r.status = StatusCompleted
	}
	return []Message{{
		Text:       "Your verification code is " + r.code,
		Code:       r.code,
		ReceivedAt: r.createdAt.Add(d.CodeDelay),
	}}, nil
}

func (d *DryRunClient) Cancel(_ context.Context, externalID string) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	r, err := d.lookup("cancel", externalID)
	if err != nil {
		return err
	}
	r.status = StatusCancelled
	return nil
}

func (d *DryRunClient) CreateRental(_ context.Context, req RentalRequest) (*Reservation, error) {
	if req.DurationHours <= 0 {
		return nil, &Error{Kind: ErrValidation, Op: "create_rental", Message: "duration must be positive"}
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.reserve(d.clock.Now().Add(time.Duration(req.DurationHours) * time.Hour)), nil
}

func (d *DryRunClient) ExtendRental(_ context.Context, externalID string, hours int) (time.Time, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	r, err := d.lookup("extend_rental", externalID)
	if err != nil {
		return time.Time{}, err
	}
	r.expiresAt = r.expiresAt.Add(time.Duration(hours) * time.Hour)
	return r.expiresAt, nil
}

func (d *DryRunClient) ReleaseRental(_ context.Context, externalID string) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	r, err := d.lookup("release_rental", externalID)
	if err != nil {
		return err
	}
	r.status = StatusCancelled
	return nil
}
