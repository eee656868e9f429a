// Package user implements the account directory.
//
// Registration creates the account, its wallet (credited with the
// welcome bonus), and the first API key in one step. Accounts with
// open transactions cannot be deleted.
package user

import (
	"context"
	"errors"
	"strings"
	"time"

	"github.com/shopspring/decimal"

	"github.com/tradesafe/tradesafe/internal/auth"
	"github.com/tradesafe/tradesafe/internal/idgen"
	"github.com/tradesafe/tradesafe/internal/logging"
	"github.com/tradesafe/tradesafe/internal/validation"
	"github.com/tradesafe/tradesafe/internal/wallet"
)

// maxNameLen bounds stored display names.
const maxNameLen = 200

var (
	ErrNotFound        = errors.New("user not found")
	ErrEmailTaken      = errors.New("email already registered")
	ErrInvalidEmail    = errors.New("invalid email address")
	ErrHasOpenActivity = errors.New("account has open transactions")
)

// User represents a platform account
type User struct {
	ID        string    `json:"id"`
	Email     string    `json:"email"`
	Name      string    `json:"name"`
	Role      string    `json:"role"`
	CreatedAt time.Time `json:"createdAt"`
	UpdatedAt time.Time `json:"updatedAt"`
}

// Profile is the public view of a user (no email).
type Profile struct {
	ID        string    `json:"id"`
	Name      string    `json:"name"`
	CreatedAt time.Time `json:"createdAt"`
}

// Profile returns the public view of the user.
func (u *User) Profile() *Profile {
	return &Profile{ID: u.ID, Name: u.Name, CreatedAt: u.CreatedAt}
}

// Store persists users
type Store interface {
	Create(ctx context.Context, u *User) error
	GetByID(ctx context.Context, id string) (*User, error)
	GetByEmail(ctx context.Context, email string) (*User, error)
	Update(ctx context.Context, u *User) error
	Delete(ctx context.Context, id string) error
	Count(ctx context.Context) (int64, error)
}

// ActivityChecker reports whether a user is party to any transaction
// that has not reached a terminal state. Wired to the escrow service.
type ActivityChecker func(ctx context.Context, userID string) (bool, error)

// Service manages accounts
type Service struct {
	store       Store
	keys        *auth.Manager
	wallets     *wallet.Service
	signupBonus decimal.Decimal
	hasActivity ActivityChecker
}

// NewService creates a user service. signupBonus may be zero.
func NewService(store Store, keys *auth.Manager, wallets *wallet.Service, signupBonus decimal.Decimal) *Service {
	return &Service{
		store:       store,
		keys:        keys,
		wallets:     wallets,
		signupBonus: signupBonus,
	}
}

// SetActivityChecker wires the open-transaction check used by Delete.
func (s *Service) SetActivityChecker(fn ActivityChecker) {
	s.hasActivity = fn
}

// RegisterResult is returned once at registration. The raw API key is
// never shown again.
type RegisterResult struct {
	User   *User
	APIKey string
}

// Register creates an account, its wallet, and the first API key.
func (s *Service) Register(ctx context.Context, email, name, role string) (*RegisterResult, error) {
	email = strings.ToLower(strings.TrimSpace(email))
	if !validation.IsValidEmail(email) {
		return nil, ErrInvalidEmail
	}
	name = validation.SanitizeString(name, maxNameLen)
	if name == "" {
		name = email[:strings.Index(email, "@")]
	}

	if _, err := s.store.GetByEmail(ctx, email); err == nil {
		return nil, ErrEmailTaken
	}

	now := time.Now()
	u := &User{
		ID:        idgen.WithPrefix("usr_"),
		Email:     email,
		Name:      name,
		Role:      role,
		CreatedAt: now,
		UpdatedAt: now,
	}
	if u.Role != auth.RoleAdmin {
		u.Role = auth.RoleUser
	}

	if err := s.store.Create(ctx, u); err != nil {
		return nil, err
	}

	rawKey, _, err := s.keys.GenerateKey(ctx, u.ID, u.Role, "Primary key")
	if err != nil {
		return nil, err
	}

	if err := s.wallets.SignupBonus(ctx, u.ID, s.signupBonus); err != nil {
		// The account exists; a missing bonus is recoverable by support.
		logging.L(ctx).Warn("signup bonus credit failed", "user_id", u.ID, "error", err)
	}

	return &RegisterResult{User: u, APIKey: rawKey}, nil
}

// Get returns a user by ID
func (s *Service) Get(ctx context.Context, id string) (*User, error) {
	return s.store.GetByID(ctx, id)
}

// GetByEmail returns a user by email (lowercased)
func (s *Service) GetByEmail(ctx context.Context, email string) (*User, error) {
	return s.store.GetByEmail(ctx, strings.ToLower(strings.TrimSpace(email)))
}

// UpdateName changes the display name
func (s *Service) UpdateName(ctx context.Context, id, name string) (*User, error) {
	u, err := s.store.GetByID(ctx, id)
	if err != nil {
		return nil, err
	}
	name = validation.SanitizeString(name, maxNameLen)
	if name != "" {
		u.Name = name
		u.UpdatedAt = time.Now()
		if err := s.store.Update(ctx, u); err != nil {
			return nil, err
		}
	}
	return u, nil
}

// Delete removes an account. Blocked while the user is party to any
// transaction that is not completed, cancelled, or refunded.
func (s *Service) Delete(ctx context.Context, id string) error {
	if _, err := s.store.GetByID(ctx, id); err != nil {
		return err
	}

	if s.hasActivity != nil {
		open, err := s.hasActivity(ctx, id)
		if err != nil {
			return err
		}
		if open {
			return ErrHasOpenActivity
		}
	}

	return s.store.Delete(ctx, id)
}

// Count returns the number of registered accounts
func (s *Service) Count(ctx context.Context) (int64, error) {
	return s.store.Count(ctx)
}
