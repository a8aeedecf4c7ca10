// Package discount issues and redeems the patient discount codes doctors
// share with their patients.
package discount

import (
	"context"
	"crypto/rand"
	"errors"
	"fmt"
	"math/big"
	"strings"
	"time"

	"github.com/adverant/nexus/prescription-worker/internal/logging"
	"github.com/adverant/nexus/prescription-worker/internal/storage"
)

const (
	CodePrefix        = "DR"
	codeDigits        = 5
	DefaultExpiry     = 30 * 24 * time.Hour
	DefaultMaxUses    = 100
	DefaultPercentage = 20

	maxGenerateAttempts = 5
)

// Account types allowed to issue codes
const UserTypeDoctor = "doctor"

var (
	ErrNotDoctor       = errors.New("only doctor accounts can issue discount codes")
	ErrCodeSpaceFull   = errors.New("could not generate a unique discount code")
	ErrAccountNotFound = errors.New("account not found")
)

// Repository is the persistence the service needs
type Repository interface {
	GetAccount(ctx context.Context, id int64) (*storage.Account, error)
	CreateDiscountCode(ctx context.Context, dc *storage.DiscountCode) error
	GetDiscountCode(ctx context.Context, code string) (*storage.DiscountCode, error)
	RedeemDiscountCode(ctx context.Context, code string, now time.Time) (int, error)
}

// Validation is the outcome of redeeming a code
type Validation struct {
	Valid      bool   `json:"valid"`
	Percentage int    `json:"percentage,omitempty"`
	Message    string `json:"message"`
}

type Service struct {
	repo   Repository
	now    func() time.Time
	digits func() (string, error)
	logger *logging.Logger
}

func NewService(repo Repository) *Service {
	return &Service{
		repo:   repo,
		now:    time.Now,
		digits: randomDigits,
		logger: logging.NewLogger("discount"),
	}
}

// Generate issues a new code for a doctor: DR plus five random digits,
// valid for 30 days and 100 uses at 20%.
func (s *Service) Generate(ctx context.Context, accountID int64) (*storage.DiscountCode, error) {
	account, err := s.repo.GetAccount(ctx, accountID)
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			return nil, fmt.Errorf("%w: %d", ErrAccountNotFound, accountID)
		}
		return nil, fmt.Errorf("failed to look up account: %w", err)
	}
	if account.UserType != UserTypeDoctor {
		return nil, ErrNotDoctor
	}

	for attempt := 1; attempt <= maxGenerateAttempts; attempt++ {
		digits, err := s.digits()
		if err != nil {
			return nil, fmt.Errorf("failed to generate code: %w", err)
		}

		dc := &storage.DiscountCode{
			Code:               CodePrefix + digits,
			DoctorID:           account.ID,
			ExpiryDate:         s.now().Add(DefaultExpiry),
			MaxUses:            DefaultMaxUses,
			DiscountPercentage: DefaultPercentage,
		}

		err = s.repo.CreateDiscountCode(ctx, dc)
		if err == nil {
			s.logger.Info("Discount code created", "doctorId", account.ID, "code", dc.Code)
			return dc, nil
		}
		if !errors.Is(err, storage.ErrDuplicateCode) {
			return nil, fmt.Errorf("failed to create discount code: %w", err)
		}
		s.logger.Debug("Discount code collision", "code", dc.Code, "attempt", attempt)
	}

	return nil, ErrCodeSpaceFull
}

// Validate redeems one use of a code. Rejections are reported in the
// Validation; the error is for store failures.
func (s *Service) Validate(ctx context.Context, code string) (Validation, error) {
	code = strings.TrimSpace(code)
	if code == "" {
		return Validation{Message: "Please enter a discount code"}, nil
	}

	now := s.now()
	percentage, err := s.repo.RedeemDiscountCode(ctx, code, now)
	if err == nil {
		return Validation{
			Valid:      true,
			Percentage: percentage,
			Message:    fmt.Sprintf("%d%% discount applied successfully!", percentage),
		}, nil
	}
	if !errors.Is(err, storage.ErrNotRedeemable) {
		return Validation{}, fmt.Errorf("failed to redeem discount code: %w", err)
	}

	return s.rejection(ctx, code, now)
}

// rejection explains why a code could not be redeemed
func (s *Service) rejection(ctx context.Context, code string, now time.Time) (Validation, error) {
	dc, err := s.repo.GetDiscountCode(ctx, code)
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			return Validation{Message: "Invalid discount code"}, nil
		}
		return Validation{}, fmt.Errorf("failed to look up discount code: %w", err)
	}

	switch {
	case !dc.IsActive:
		return Validation{Message: "This discount code is no longer active"}, nil
	case dc.TimesUsed >= dc.MaxUses:
		return Validation{Message: "This discount code has reached its maximum usage limit"}, nil
	case !dc.ExpiryDate.After(now):
		return Validation{Message: "This discount code has expired"}, nil
	}

	// the code changed between the redemption attempt and this read
	return Validation{Message: "Invalid discount code"}, nil
}

func randomDigits() (string, error) {
	max := new(big.Int).Exp(big.NewInt(10), big.NewInt(codeDigits), nil)
	n, err := rand.Int(rand.Reader, max)
	if err != nil {
		return "", err
	}
	return fmt.Sprintf("%0*d", codeDigits, n.Int64()), nil
}
