// Package memory is an in-process repositories.Store for local development
// and tests. A transaction holds the store lock from begin to end, works on
// a copy of the data, and swaps the copy in on commit.
package memory

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/juju/errors"
	"github.com/shopspring/decimal"

	"verifyhub/internal/models"
	"verifyhub/internal/repositories"
)

type refKey struct {
	kind models.TransactionKind
	ref  string
}

type data struct {
	nextUserID    int64
	users         map[int64]*models.User
	verifications map[string]*models.Verification
	rentals       map[string]*models.Rental
	transactions  []*models.CreditTransaction
	refs          map[refKey]*models.CreditTransaction
}

func newData() *data {
	return &data{
		users:         make(map[int64]*models.User),
		verifications: make(map[string]*models.Verification),
		rentals:       make(map[string]*models.Rental),
		refs:          make(map[refKey]*models.CreditTransaction),
	}
}

func (d *data) clone() *data {
	out := &data{
		nextUserID:    d.nextUserID,
		users:         make(map[int64]*models.User, len(d.users)),
		verifications: make(map[string]*models.Verification, len(d.verifications)),
		rentals:       make(map[string]*models.Rental, len(d.rentals)),
		transactions:  append([]*models.CreditTransaction(nil), d.transactions...),
		refs:          make(map[refKey]*models.CreditTransaction, len(d.refs)),
	}
	for k, v := range d.users {
		u := *v
		out.users[k] = &u
	}
	for k, v := range d.verifications {
		out.verifications[k] = copyVerification(v)
	}
	for k, v := range d.rentals {
		out.rentals[k] = copyRental(v)
	}
	// Ledger rows are never mutated after insert, so sharing them is safe.
	for k, v := range d.refs {
		out.refs[k] = v
	}
	return out
}

type Store struct {
	mu   sync.Mutex
	data *data
}

var _ repositories.Store = (*Store)(nil)

func New() *Store {
	return &Store{data: newData()}
}

// scope is the view one set of repositories works on: either the live data
// under the store lock, or a transaction's private copy.
type scope struct {
	store *Store
	tx    *data
}

func (s scope) with(fn func(d *data) error) error {
	if s.tx != nil {
		return fn(s.tx)
	}
	s.store.mu.Lock()
	defer s.store.mu.Unlock()
	return fn(s.store.data)
}

type repos struct {
	users         *userRepo
	verifications *verificationRepo
	rentals       *rentalRepo
	transactions  *transactionRepo
}

func newRepos(s scope) repos {
	return repos{
		users:         &userRepo{s},
		verifications: &verificationRepo{s},
		rentals:       &rentalRepo{s},
		transactions:  &transactionRepo{s},
	}
}

func (r repos) Users() repositories.UserRepository                 { return r.users }
func (r repos) Verifications() repositories.VerificationRepository { return r.verifications }
func (r repos) Rentals() repositories.RentalRepository             { return r.rentals }
func (r repos) Transactions() repositories.CreditTransactionRepository {
	return r.transactions
}

func (s *Store) Users() repositories.UserRepository {
	return newRepos(scope{store: s}).Users()
}

func (s *Store) Verifications() repositories.VerificationRepository {
	return newRepos(scope{store: s}).Verifications()
}

func (s *Store) Rentals() repositories.RentalRepository {
	return newRepos(scope{store: s}).Rentals()
}

func (s *Store) Transactions() repositories.CreditTransactionRepository {
	return newRepos(scope{store: s}).Transactions()
}

// WithinTx serialises all transactions. fn must not use the Store's own
// repositories, only the Tx it is given.
func (s *Store) WithinTx(ctx context.Context, fn func(tx repositories.Tx) error) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	work := s.data.clone()
	if err := fn(newRepos(scope{store: s, tx: work})); err != nil {
		return err
	}
	s.data = work
	return nil
}

func (s *Store) Close() error { return nil }

type userRepo struct{ s scope }

func (r *userRepo) Create(_ context.Context, user *models.User) error {
	return r.s.with(func(d *data) error {
		if user.ID == 0 {
			d.nextUserID++
			user.ID = d.nextUserID
		} else if user.ID > d.nextUserID {
			d.nextUserID = user.ID
		}
		if _, ok := d.users[user.ID]; ok {
			return errors.AlreadyExistsf("user %d", user.ID)
		}
		if user.CreatedAt.IsZero() {
			user.CreatedAt = time.Now().UTC()
		}
		u := *user
		d.users[u.ID] = &u
		return nil
	})
}

func (r *userRepo) GetByID(_ context.Context, id int64) (*models.User, error) {
	var out *models.User
	err := r.s.with(func(d *data) error {
		u, ok := d.users[id]
		if !ok {
			return errors.NotFoundf("user %d", id)
		}
		cp := *u
		out = &cp
		return nil
	})
	return out, err
}

func (r *userRepo) GetForUpdate(ctx context.Context, id int64) (*models.User, error) {
	return r.GetByID(ctx, id)
}

func (r *userRepo) UpdateBalance(_ context.Context, id int64, balance decimal.Decimal, freeCount int) error {
	return r.s.with(func(d *data) error {
		u, ok := d.users[id]
		if !ok {
			return errors.NotFoundf("user %d", id)
		}
		u.CreditBalance = balance
		u.FreeVerificationCount = freeCount
		return nil
	})
}

type verificationRepo struct{ s scope }

func copyVerification(v *models.Verification) *models.Verification {
	cp := *v
	if v.Filters != nil {
		cp.Filters = make(map[string]string, len(v.Filters))
		for k, val := range v.Filters {
			cp.Filters[k] = val
		}
	}
	cp.Messages = append([]string(nil), v.Messages...)
	if v.CompletedAt != nil {
		t := *v.CompletedAt
		cp.CompletedAt = &t
	}
	return &cp
}

func (r *verificationRepo) Create(_ context.Context, v *models.Verification) error {
	return r.s.with(func(d *data) error {
		if _, ok := d.verifications[v.ID]; ok {
			return errors.AlreadyExistsf("verification %s", v.ID)
		}
		if _, ok := d.users[v.UserID]; !ok {
			return errors.NotFoundf("user %d", v.UserID)
		}
		d.verifications[v.ID] = copyVerification(v)
		return nil
	})
}

func (r *verificationRepo) GetByID(_ context.Context, id string) (*models.Verification, error) {
	var out *models.Verification
	err := r.s.with(func(d *data) error {
		v, ok := d.verifications[id]
		if !ok {
			return errors.NotFoundf("verification %s", id)
		}
		out = copyVerification(v)
		return nil
	})
	return out, err
}

func (r *verificationRepo) GetForUpdate(ctx context.Context, id string) (*models.Verification, error) {
	return r.GetByID(ctx, id)
}

func (r *verificationRepo) Update(_ context.Context, v *models.Verification) error {
	return r.s.with(func(d *data) error {
		cur, ok := d.verifications[v.ID]
		if !ok {
			return errors.NotFoundf("verification %s", v.ID)
		}
		next := copyVerification(v)
		// Only lifecycle columns are mutable.
		next.UserID, next.ServiceName, next.Capability = cur.UserID, cur.ServiceName, cur.Capability
		next.Filters, next.Cost, next.CreatedAt = cur.Filters, cur.Cost, cur.CreatedAt
		d.verifications[v.ID] = next
		return nil
	})
}

func (r *verificationRepo) ListStale(_ context.Context, status models.VerificationStatus, createdBefore time.Time, limit int) ([]string, error) {
	var out []*models.Verification
	err := r.s.with(func(d *data) error {
		for _, v := range d.verifications {
			if v.Status == status && v.CreatedAt.Before(createdBefore) {
				out = append(out, v)
			}
		}
		return nil
	})
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	ids := make([]string, 0, len(out))
	for i, v := range out {
		if limit > 0 && i == limit {
			break
		}
		ids = append(ids, v.ID)
	}
	return ids, err
}

type rentalRepo struct{ s scope }

func copyRental(r *models.Rental) *models.Rental {
	cp := *r
	if r.EndedAt != nil {
		t := *r.EndedAt
		cp.EndedAt = &t
	}
	return &cp
}

func (r *rentalRepo) Create(_ context.Context, rental *models.Rental) error {
	return r.s.with(func(d *data) error {
		if _, ok := d.rentals[rental.ID]; ok {
			return errors.AlreadyExistsf("rental %s", rental.ID)
		}
		if _, ok := d.users[rental.UserID]; !ok {
			return errors.NotFoundf("user %d", rental.UserID)
		}
		d.rentals[rental.ID] = copyRental(rental)
		return nil
	})
}

func (r *rentalRepo) GetByID(_ context.Context, id string) (*models.Rental, error) {
	var out *models.Rental
	err := r.s.with(func(d *data) error {
		rental, ok := d.rentals[id]
		if !ok {
			return errors.NotFoundf("rental %s", id)
		}
		out = copyRental(rental)
		return nil
	})
	return out, err
}

func (r *rentalRepo) GetForUpdate(ctx context.Context, id string) (*models.Rental, error) {
	return r.GetByID(ctx, id)
}

func (r *rentalRepo) Update(_ context.Context, rental *models.Rental) error {
	return r.s.with(func(d *data) error {
		cur, ok := d.rentals[rental.ID]
		if !ok {
			return errors.NotFoundf("rental %s", rental.ID)
		}
		next := copyRental(rental)
		next.UserID, next.ServiceName, next.Scope, next.Mode, next.CreatedAt =
			cur.UserID, cur.ServiceName, cur.Scope, cur.Mode, cur.CreatedAt
		d.rentals[rental.ID] = next
		return nil
	})
}

func (r *rentalRepo) list(match func(*models.Rental) bool, key func(*models.Rental) time.Time, limit int) []string {
	var out []*models.Rental
	_ = r.s.with(func(d *data) error {
		for _, rental := range d.rentals {
			if match(rental) {
				out = append(out, rental)
			}
		}
		return nil
	})
	sort.Slice(out, func(i, j int) bool { return key(out[i]).Before(key(out[j])) })
	ids := make([]string, 0, len(out))
	for i, rental := range out {
		if limit > 0 && i == limit {
			break
		}
		ids = append(ids, rental.ID)
	}
	return ids
}

func (r *rentalRepo) ListExpired(_ context.Context, before time.Time, limit int) ([]string, error) {
	return r.list(func(rental *models.Rental) bool {
		return rental.Status == models.RentalActive && rental.ExpiresAt.Before(before)
	}, func(rental *models.Rental) time.Time { return rental.ExpiresAt }, limit), nil
}

func (r *rentalRepo) ListStaleCreated(_ context.Context, createdBefore time.Time, limit int) ([]string, error) {
	return r.list(func(rental *models.Rental) bool {
		return rental.Status == models.RentalCreated && rental.CreatedAt.Before(createdBefore)
	}, func(rental *models.Rental) time.Time { return rental.CreatedAt }, limit), nil
}

type transactionRepo struct{ s scope }

func (r *transactionRepo) Insert(_ context.Context, t *models.CreditTransaction) error {
	return r.s.with(func(d *data) error {
		key := refKey{t.Kind, t.RelatedEntityID}
		if _, ok := d.refs[key]; ok {
			return errors.AlreadyExistsf("%s transaction for %s", t.Kind, t.RelatedEntityID)
		}
		if _, ok := d.users[t.UserID]; !ok {
			return errors.NotFoundf("user %d", t.UserID)
		}
		cp := *t
		d.transactions = append(d.transactions, &cp)
		d.refs[key] = &cp
		return nil
	})
}

func (r *transactionRepo) GetByRef(_ context.Context, kind models.TransactionKind, refID string) (*models.CreditTransaction, error) {
	var out *models.CreditTransaction
	err := r.s.with(func(d *data) error {
		t, ok := d.refs[refKey{kind, refID}]
		if !ok {
			return errors.NotFoundf("%s transaction for %s", kind, refID)
		}
		cp := *t
		out = &cp
		return nil
	})
	return out, err
}

func (r *transactionRepo) SumByUser(_ context.Context, userID int64) (decimal.Decimal, error) {
	sum := decimal.Zero
	err := r.s.with(func(d *data) error {
		for _, t := range d.transactions {
			if t.UserID == userID {
				sum = sum.Add(t.Amount)
			}
		}
		return nil
	})
	return sum, err
}

// ListByUser returns newest first, matching the Postgres ordering.
func (r *transactionRepo) ListByUser(_ context.Context, userID int64, limit, offset int) ([]*models.CreditTransaction, error) {
	var out []*models.CreditTransaction
	err := r.s.with(func(d *data) error {
		for i := len(d.transactions) - 1; i >= 0; i-- {
			t := d.transactions[i]
			if t.UserID != userID {
				continue
			}
			if offset > 0 {
				offset--
				continue
			}
			if limit > 0 && len(out) == limit {
				break
			}
			cp := *t
			out = append(out, &cp)
		}
		return nil
	})
	return out, err
}
