package accounts

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/mail"
	"strings"
	"time"

	"subsidychain/observability/logging"
	"subsidychain/services/subsidyd/models"
	"subsidychain/services/subsidyd/store"
)

var (
	// ErrInvalidRequest is returned when required fields are missing or malformed.
	ErrInvalidRequest = errors.New("accounts: invalid request")
	// ErrEmailTaken is returned when signup collides with an existing account.
	ErrEmailTaken = errors.New("accounts: email already registered")
	// ErrInvalidCredentials is returned for an unknown email or a wrong password at login.
	ErrInvalidCredentials = errors.New("accounts: invalid email or password")
	// ErrWrongPassword is returned when the current password does not match on change.
	ErrWrongPassword = errors.New("accounts: incorrect current password")
	// ErrUserNotFound is returned when an account does not exist.
	ErrUserNotFound = errors.New("accounts: user not found")
)

// RoleMismatchError reports a login through a portal other than the account's role.
type RoleMismatchError struct {
	Role string
}

func (e *RoleMismatchError) Error() string {
	return fmt.Sprintf("access denied, please log in through the '%s' portal", e.Role)
}

// SignupRequest captures a new portal account.
type SignupRequest struct {
	Name     string
	Email    string
	Role     string
	Password string
}

// LoginResult is returned on successful authentication.
type LoginResult struct {
	User      *models.User
	Token     string
	ExpiresAt time.Time
}

// Service manages portal accounts.
type Service struct {
	store  *store.Store
	hasher Hasher
	tokens *TokenIssuer
	logger *slog.Logger
}

// NewService wires the account service. tokens may be nil, in which case login returns
// no session token.
func NewService(st *store.Store, hasher Hasher, tokens *TokenIssuer, logger *slog.Logger) *Service {
	if logger == nil {
		logger = slog.Default()
	}
	return &Service{store: st, hasher: hasher, tokens: tokens, logger: logger}
}

// Tokens exposes the configured issuer, if any.
func (s *Service) Tokens() *TokenIssuer {
	return s.tokens
}

// Signup creates an account.
func (s *Service) Signup(ctx context.Context, req SignupRequest) (*models.User, error) {
	name := strings.TrimSpace(req.Name)
	email := strings.TrimSpace(req.Email)
	role := strings.TrimSpace(req.Role)
	if name == "" || email == "" || role == "" || req.Password == "" {
		return nil, fmt.Errorf("%w: all fields are required for signup", ErrInvalidRequest)
	}
	if _, err := mail.ParseAddress(email); err != nil {
		return nil, fmt.Errorf("%w: invalid email", ErrInvalidRequest)
	}
	if !models.ValidRole(role) {
		return nil, fmt.Errorf("%w: unknown role %q", ErrInvalidRequest, role)
	}
	hash, err := s.hasher.Hash(req.Password)
	if err != nil {
		return nil, fmt.Errorf("accounts: hash password: %w", err)
	}
	user := &models.User{Name: name, Email: email, Role: role, PasswordHash: hash}
	if err := s.store.CreateUser(ctx, user); err != nil {
		if errors.Is(err, store.ErrConflict) {
			return nil, ErrEmailTaken
		}
		return nil, err
	}
	s.logger.Info("account created",
		slog.Uint64("user_id", uint64(user.ID)),
		slog.String("role", role),
		logging.MaskField("email", email))
	return user, nil
}

// Login verifies credentials and the requested portal role.
func (s *Service) Login(ctx context.Context, email, password, role string) (*LoginResult, error) {
	email = strings.TrimSpace(email)
	role = strings.TrimSpace(role)
	if email == "" || password == "" || role == "" {
		return nil, fmt.Errorf("%w: email, password, and role are required", ErrInvalidRequest)
	}
	user, err := s.store.UserByEmail(ctx, email)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return nil, ErrInvalidCredentials
		}
		return nil, err
	}
	if !s.hasher.Matches(user.PasswordHash, password) {
		return nil, ErrInvalidCredentials
	}
	if user.Role != role {
		return nil, &RoleMismatchError{Role: user.Role}
	}
	result := &LoginResult{User: user}
	if s.tokens != nil {
		token, expires, err := s.tokens.Issue(user.ID, user.Email, user.Role)
		if err != nil {
			return nil, err
		}
		result.Token = token
		result.ExpiresAt = expires
	}
	return result, nil
}

// ChangePassword replaces the password after verifying the current one.
func (s *Service) ChangePassword(ctx context.Context, email, current, next string) error {
	email = strings.TrimSpace(email)
	if email == "" || current == "" || next == "" {
		return fmt.Errorf("%w: all fields are required", ErrInvalidRequest)
	}
	user, err := s.store.UserByEmail(ctx, email)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return ErrUserNotFound
		}
		return err
	}
	if !s.hasher.Matches(user.PasswordHash, current) {
		return ErrWrongPassword
	}
	hash, err := s.hasher.Hash(next)
	if err != nil {
		return fmt.Errorf("accounts: hash password: %w", err)
	}
	if err := s.store.UpdatePasswordHash(ctx, email, hash); err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return ErrUserNotFound
		}
		return err
	}
	s.logger.Info("password changed", slog.Uint64("user_id", uint64(user.ID)))
	return nil
}
