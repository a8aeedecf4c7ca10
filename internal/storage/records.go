package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/jmoiron/sqlx"
	"github.com/lib/pq"
)

var (
	// ErrDuplicateCode is returned when a discount code already exists
	ErrDuplicateCode = errors.New("discount code already exists")
	ErrNotRedeemable = errors.New("discount code is not redeemable")
)

// Account is a registered doctor or medical representative
type Account struct {
	ID        int64        `db:"id" json:"id"`
	Username  string       `db:"username" json:"username"`
	Email     string       `db:"email" json:"email"`
	UserType  string       `db:"user_type" json:"userType"`
	CreatedAt time.Time    `db:"created_at" json:"createdAt"`
	LastLogin sql.NullTime `db:"last_login" json:"-"`
}

// DiscountCode is a doctor's shareable patient discount
type DiscountCode struct {
	ID                 int64     `db:"id" json:"id"`
	Code               string    `db:"code" json:"code"`
	DoctorID           int64     `db:"doctor_id" json:"doctorId"`
	CreatedAt          time.Time `db:"created_at" json:"createdAt"`
	ExpiryDate         time.Time `db:"expiry_date" json:"expiryDate"`
	TimesUsed          int       `db:"times_used" json:"timesUsed"`
	MaxUses            int       `db:"max_uses" json:"maxUses"`
	DiscountPercentage int       `db:"discount_percentage" json:"discountPercentage"`
	IsActive           bool      `db:"is_active" json:"isActive"`
}

// Visit is a representative's visit to a doctor
type Visit struct {
	ID               int64          `db:"id" json:"id"`
	RepresentativeID int64          `db:"representative_id" json:"representativeId"`
	DoctorID         int64          `db:"doctor_id" json:"doctorId"`
	VisitDate        time.Time      `db:"visit_date" json:"visitDate"`
	Purpose          sql.NullString `db:"visit_purpose" json:"-"`
	DiscussionPoints sql.NullString `db:"discussion_points" json:"-"`
	Feedback         sql.NullString `db:"feedback" json:"-"`
	NextVisitDate    sql.NullTime   `db:"next_visit_date" json:"-"`
	Status           string         `db:"status" json:"status"`
}

// RecordStore handles the account, discount code and visit tables
type RecordStore struct {
	db *sqlx.DB
}

// NewRecordStore wraps an open PostgreSQL pool
func NewRecordStore(db *sql.DB) *RecordStore {
	return &RecordStore{db: sqlx.NewDb(db, "postgres")}
}

// GetAccount looks up an account by ID
func (r *RecordStore) GetAccount(ctx context.Context, id int64) (*Account, error) {
	query := `
		SELECT id, username, email, user_type, created_at, last_login
		FROM prescription.accounts
		WHERE id = $1`

	var acc Account
	if err := r.db.GetContext(ctx, &acc, query, id); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, fmt.Errorf("account %d: %w", id, ErrNotFound)
		}
		return nil, fmt.Errorf("failed to get account: %w", err)
	}

	return &acc, nil
}

// CreateDiscountCode inserts a new code. A code collision returns ErrDuplicateCode.
func (r *RecordStore) CreateDiscountCode(ctx context.Context, dc *DiscountCode) error {
	query := `
		INSERT INTO prescription.discount_codes
			(code, doctor_id, expiry_date, max_uses, discount_percentage)
		VALUES (:code, :doctor_id, :expiry_date, :max_uses, :discount_percentage)
		RETURNING id, created_at, times_used, is_active`

	rows, err := r.db.NamedQueryContext(ctx, query, dc)
	if err != nil {
		var pqErr *pq.Error
		if errors.As(err, &pqErr) && pqErr.Code == "23505" {
			return fmt.Errorf("%s: %w", dc.Code, ErrDuplicateCode)
		}
		return fmt.Errorf("failed to create discount code: %w", err)
	}
	defer rows.Close()

	if rows.Next() {
		if err := rows.Scan(&dc.ID, &dc.CreatedAt, &dc.TimesUsed, &dc.IsActive); err != nil {
			return fmt.Errorf("failed to read created discount code: %w", err)
		}
	}

	return rows.Err()
}

// GetDiscountCode looks up a code
func (r *RecordStore) GetDiscountCode(ctx context.Context, code string) (*DiscountCode, error) {
	query := `
		SELECT id, code, doctor_id, created_at, expiry_date, times_used,
			max_uses, discount_percentage, is_active
		FROM prescription.discount_codes
		WHERE code = $1`

	var dc DiscountCode
	if err := r.db.GetContext(ctx, &dc, query, code); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, fmt.Errorf("discount code %s: %w", code, ErrNotFound)
		}
		return nil, fmt.Errorf("failed to get discount code: %w", err)
	}

	return &dc, nil
}

// RedeemDiscountCode records one use of an active, unexpired code that is
// under its usage limit, and returns its percentage. The check and the
// increment are one statement, so concurrent redemptions cannot overshoot
// max_uses. A code that does not qualify returns ErrNotRedeemable.
func (r *RecordStore) RedeemDiscountCode(ctx context.Context, code string, now time.Time) (int, error) {
	var percentage int
	err := r.db.QueryRowxContext(ctx, `
		UPDATE prescription.discount_codes
		SET times_used = times_used + 1
		WHERE code = $1
			AND is_active
			AND times_used < max_uses
			AND expiry_date > $2
		RETURNING discount_percentage`, code, now).Scan(&percentage)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return 0, fmt.Errorf("discount code %s: %w", code, ErrNotRedeemable)
		}
		return 0, fmt.Errorf("failed to redeem discount code: %w", err)
	}

	return percentage, nil
}

// RecordVisit stores a visit and returns its ID
func (r *RecordStore) RecordVisit(ctx context.Context, v *Visit) (int64, error) {
	query := `
		INSERT INTO prescription.visits
			(representative_id, doctor_id, visit_purpose, discussion_points, feedback, next_visit_date)
		VALUES ($1, $2, $3, $4, $5, $6)
		RETURNING id`

	var id int64
	err := r.db.QueryRowxContext(ctx, query,
		v.RepresentativeID, v.DoctorID, v.Purpose, v.DiscussionPoints, v.Feedback, v.NextVisitDate,
	).Scan(&id)
	if err != nil {
		return 0, fmt.Errorf("failed to record visit: %w", err)
	}

	v.ID = id
	return id, nil
}
