package repositories

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/juju/errors"
	"github.com/lib/pq"
	"github.com/shopspring/decimal"

	"verifyhub/internal/models"
)

type UserRepository interface {
	Create(ctx context.Context, user *models.User) error
	GetByID(ctx context.Context, id int64) (*models.User, error)
	// GetForUpdate locks the row until the surrounding transaction ends.
	GetForUpdate(ctx context.Context, id int64) (*models.User, error)
	UpdateBalance(ctx context.Context, id int64, balance decimal.Decimal, freeCount int) error
}

type VerificationRepository interface {
	Create(ctx context.Context, v *models.Verification) error
	GetByID(ctx context.Context, id string) (*models.Verification, error)
	GetForUpdate(ctx context.Context, id string) (*models.Verification, error)
	Update(ctx context.Context, v *models.Verification) error
	// ListStale returns ids in status created before the cutoff, oldest first.
	ListStale(ctx context.Context, status models.VerificationStatus, createdBefore time.Time, limit int) ([]string, error)
}

type RentalRepository interface {
	Create(ctx context.Context, r *models.Rental) error
	GetByID(ctx context.Context, id string) (*models.Rental, error)
	GetForUpdate(ctx context.Context, id string) (*models.Rental, error)
	Update(ctx context.Context, r *models.Rental) error
	// ListExpired returns active rentals whose expires_at is before the cutoff.
	ListExpired(ctx context.Context, before time.Time, limit int) ([]string, error)
	ListStaleCreated(ctx context.Context, createdBefore time.Time, limit int) ([]string, error)
}

type CreditTransactionRepository interface {
	// Insert appends a transaction. A second insert with the same
	// (kind, related_entity_id) returns errors.AlreadyExists and leaves the
	// transaction usable.
	Insert(ctx context.Context, t *models.CreditTransaction) error
	GetByRef(ctx context.Context, kind models.TransactionKind, refID string) (*models.CreditTransaction, error)
	SumByUser(ctx context.Context, userID int64) (decimal.Decimal, error)
	ListByUser(ctx context.Context, userID int64, limit, offset int) ([]*models.CreditTransaction, error)
}

// Tx is the set of repositories bound to one unit of work.
type Tx interface {
	Users() UserRepository
	Verifications() VerificationRepository
	Rentals() RentalRepository
	Transactions() CreditTransactionRepository
}

// Store gives autocommit access through the embedded Tx and transactional
// access through WithinTx. fn must only use the Tx it is handed.
type Store interface {
	Tx
	WithinTx(ctx context.Context, fn func(tx Tx) error) error
	Close() error
}

// queryer is satisfied by both *sql.DB and *sql.Tx.
type queryer interface {
	ExecContext(ctx context.Context, query string, args ...interface{}) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...interface{}) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...interface{}) *sql.Row
}

type pgRepos struct {
	users         *userRepository
	verifications *verificationRepository
	rentals       *rentalRepository
	transactions  *creditTransactionRepository
}

func newPGRepos(q queryer) pgRepos {
	return pgRepos{
		users:         &userRepository{db: q},
		verifications: &verificationRepository{db: q},
		rentals:       &rentalRepository{db: q},
		transactions:  &creditTransactionRepository{db: q},
	}
}

func (r pgRepos) Users() UserRepository                     { return r.users }
func (r pgRepos) Verifications() VerificationRepository     { return r.verifications }
func (r pgRepos) Rentals() RentalRepository                 { return r.rentals }
func (r pgRepos) Transactions() CreditTransactionRepository { return r.transactions }

// PostgresStore is the production Store on database/sql + lib/pq.
type PostgresStore struct {
	pgRepos
	db *sql.DB
}

var _ Store = (*PostgresStore)(nil)

func NewPostgresStore(db *sql.DB) *PostgresStore {
	return &PostgresStore{pgRepos: newPGRepos(db), db: db}
}

// Open connects with the postgres driver and verifies the connection.
func Open(ctx context.Context, dsn string, maxOpenConns int) (*sql.DB, error) {
	db, err := sql.Open("postgres", dsn)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}
	if maxOpenConns > 0 {
		db.SetMaxOpenConns(maxOpenConns)
		db.SetMaxIdleConns(maxOpenConns / 2)
	}
	db.SetConnMaxLifetime(30 * time.Minute)
	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("ping database: %w", err)
	}
	return db, nil
}

func (s *PostgresStore) DB() *sql.DB {
	return s.db
}

func (s *PostgresStore) WithinTx(ctx context.Context, fn func(tx Tx) error) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback()

	if err := fn(newPGRepos(tx)); err != nil {
		return err
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit tx: %w", err)
	}
	return nil
}

func (s *PostgresStore) Close() error {
	return s.db.Close()
}

func isUniqueViolation(err error) bool {
	return hasCode(err, "23505")
}

func hasCode(err error, code pq.ErrorCode) bool {
	var pqErr *pq.Error
	return errors.As(err, &pqErr) && pqErr.Code == code
}

// notFound maps a missing row to errors.NotFound. An id that is not a
// valid uuid (22P02) cannot name a row either.
func notFound(err error, format string, args ...interface{}) error {
	if errors.Is(err, sql.ErrNoRows) || hasCode(err, "22P02") {
		return errors.NotFoundf(format, args...)
	}
	return fmt.Errorf(format+": %w", append(args, err)...)
}

// missingParent maps a foreign key violation (23503) on insert to
// errors.NotFound: the row points at a user without a billing account.
func missingParent(err error, format string, args ...interface{}) error {
	if hasCode(err, "23503") {
		return errors.NotFoundf(format, args...)
	}
	return fmt.Errorf(format+": %w", append(args, err)...)
}

// errNoRowsAffected lets UPDATEs that matched nothing share the
// sql.ErrNoRows mapping in notFound.
var errNoRowsAffected = sql.ErrNoRows
