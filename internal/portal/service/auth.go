package service

import (
	"context"
	"crypto/rand"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"github.com/carebridge/carebridge/internal/portal/domain"
	"github.com/carebridge/carebridge/internal/portal/store"
	"github.com/carebridge/carebridge/pkg/cryptox"
	"github.com/carebridge/carebridge/pkg/idx"
)

// Password policy: minimum length plus one of each character class.
const (
	minPasswordLength = 8
	passwordSpecials  = "!@#$%^&*()_+-=[]{}|;:,.<>?"
)

const (
	defaultMaxFailedLogins = 5
	defaultLockoutDuration = 15 * time.Minute
	defaultLoginRate       = rate.Limit(1) // tokens per second, per user
	defaultLoginBurst      = 5

	resetTokenTTL = time.Hour
)

var (
	ErrUserNotFound      = errors.New("user not found")
	ErrUserAlreadyExists = errors.New("user already exists")
	ErrWeakPassword      = errors.New("password does not meet policy")
	ErrBadPassword       = errors.New("invalid password")
	ErrAccountLocked     = errors.New("account locked")
	ErrRateLimited       = errors.New("too many login attempts")
	ErrResetTokenInvalid = errors.New("invalid or expired reset token")
)

// AuthService owns account lifecycle and password authentication: register,
// login with lockout and per-user rate limiting, and the password reset
// token flow. MFA and vault key enrollment hang off registration when the
// corresponding services are wired in.
type AuthService struct {
	Store   store.Store
	Deriver *cryptox.Deriver
	Audit   *AuditService

	// MFA enables TOTP at registration time. Must be wired in before
	// Register is called with enableMFA set; such calls fail otherwise.
	MFA *MFAService

	// Vault maintains the password-wrapped key slot for each user. Nil in
	// tests that only exercise credentials.
	Vault *VaultService

	// Lockout and rate limit knobs. Zero values select the defaults.
	MaxFailedLogins int
	LockoutDuration time.Duration
	LoginRate       rate.Limit
	LoginBurst      int

	mu       sync.Mutex
	limiters map[string]*rate.Limiter
}

// AuthResult is the outcome of a successful password check.
type AuthResult struct {
	User domain.UserAccount

	// MFARequired is set when the password was correct but the account has
	// MFA enabled: the login is not complete until VerifyMFA succeeds.
	MFARequired bool
}

// Register creates a new account. The password must satisfy the policy. When
// enableMFA is set a TOTP secret and backup codes are provisioned and
// returned exactly once.
func (s *AuthService) Register(ctx context.Context, username, password string, role domain.Role, enableMFA bool) (domain.UserAccount, *MFAEnrollment, error) {
	if err := ValidatePassword(password); err != nil {
		s.audit(ctx, username, role, "register", domain.AuditFailure, "registration rejected: weak password")
		return domain.UserAccount{}, nil, err
	}

	// Refuse up front rather than minting an account that believes MFA is
	// on when nothing can enroll it.
	if enableMFA && s.MFA == nil {
		return domain.UserAccount{}, nil, errors.New("mfa enrollment requested but no mfa service configured")
	}

	var hash string
	if err := s.Deriver.Run(ctx, func() error {
		var err error
		hash, err = cryptox.HashPassword(password)
		return err
	}); err != nil {
		return domain.UserAccount{}, nil, fmt.Errorf("hash password: %w", err)
	}

	kekSalt := make([]byte, cryptox.SaltLength)
	if _, err := rand.Read(kekSalt); err != nil {
		return domain.UserAccount{}, nil, fmt.Errorf("generate kek salt: %w", err)
	}

	now := time.Now().UTC()
	user := domain.UserAccount{
		ID:           idx.New().String(),
		Username:     username,
		Role:         role,
		PasswordHash: hash,
		KEKSalt:      kekSalt,
		CreatedAt:    now,
		UpdatedAt:    now,
	}

	if err := s.Store.Users().Create(ctx, user); err != nil {
		if errors.Is(err, store.ErrAlreadyExists) {
			s.audit(ctx, username, role, "register", domain.AuditFailure, "registration rejected: username taken")
			return domain.UserAccount{}, nil, ErrUserAlreadyExists
		}
		return domain.UserAccount{}, nil, fmt.Errorf("create user: %w", err)
	}

	// The user's vault slot wraps the shared data key under a KEK derived
	// from this password, so it can only be created while we hold the
	// plaintext password.
	if s.Vault != nil {
		if err := s.Vault.EnrollUserSlot(ctx, user, password); err != nil {
			return domain.UserAccount{}, nil, fmt.Errorf("enroll vault key slot: %w", err)
		}
	}

	var enrollment *MFAEnrollment
	if enableMFA {
		e, err := s.MFA.Enable(ctx, username)
		if err != nil {
			return domain.UserAccount{}, nil, fmt.Errorf("enable mfa: %w", err)
		}
		enrollment = &e
		user.MFAEnabled = true
		user.MFASecret = &e.Secret
	}

	s.audit(ctx, username, role, "register", domain.AuditSuccess, "account registered")
	return user, enrollment, nil
}

// Authenticate checks a username/password pair. The sourceIP is recorded in
// the audit trail only.
//
// A correct password against an MFA-enabled account returns MFARequired;
// the caller must follow up with MFAService.Verify before treating the user
// as logged in.
func (s *AuthService) Authenticate(ctx context.Context, username, password, sourceIP string) (AuthResult, error) {
	if !s.limiter(username).Allow() {
		s.auditLogin(ctx, username, "", sourceIP, domain.AuditFailure, "login throttled")
		return AuthResult{}, ErrRateLimited
	}

	user, err := s.Store.Users().GetByUsername(ctx, username)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			s.auditLogin(ctx, username, "", sourceIP, domain.AuditFailure, "login failed: unknown user")
			return AuthResult{}, ErrUserNotFound
		}
		return AuthResult{}, fmt.Errorf("load user: %w", err)
	}

	now := time.Now().UTC()
	if user.Locked(now) {
		s.auditLogin(ctx, username, string(user.Role), sourceIP, domain.AuditFailure, "login rejected: account locked")
		return AuthResult{}, ErrAccountLocked
	}

	var verifyErr error
	if err := s.Deriver.Run(ctx, func() error {
		verifyErr = cryptox.VerifyPassword(password, user.PasswordHash)
		return nil
	}); err != nil {
		return AuthResult{}, err
	}

	if verifyErr != nil {
		return AuthResult{}, s.recordFailedLogin(ctx, user, sourceIP, now)
	}

	if user.MFAEnabled {
		s.auditLogin(ctx, username, string(user.Role), sourceIP, domain.AuditSuccess, "password accepted, awaiting MFA")
		return AuthResult{User: user, MFARequired: true}, nil
	}

	if err := s.Store.Users().RecordLoginSuccess(ctx, username, now); err != nil {
		return AuthResult{}, fmt.Errorf("record login: %w", err)
	}
	s.auditLogin(ctx, username, string(user.Role), sourceIP, domain.AuditSuccess, "login successful")
	return AuthResult{User: user}, nil
}

// CreateResetToken issues a single-use password reset token for the user.
// The plaintext token is returned once; only its fingerprint is stored.
func (s *AuthService) CreateResetToken(ctx context.Context, username string) (string, error) {
	user, err := s.Store.Users().GetByUsername(ctx, username)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return "", ErrUserNotFound
		}
		return "", fmt.Errorf("load user: %w", err)
	}

	token, err := cryptox.GenerateToken(cryptox.TokenSize256)
	if err != nil {
		return "", err
	}

	now := time.Now().UTC()
	if err := s.Store.ResetTokens().Create(ctx, domain.ResetToken{
		TokenHash: cryptox.FingerprintToken(token),
		Username:  username,
		ExpiresAt: now.Add(resetTokenTTL),
		CreatedAt: now,
	}); err != nil {
		return "", fmt.Errorf("store reset token: %w", err)
	}

	s.audit(ctx, username, user.Role, "password_reset_request", domain.AuditSuccess, "reset token issued")
	return token, nil
}

// ResetPassword spends a reset token and replaces the account password. The
// token is consumed even when it turns out to be expired, so a token only
// ever gets one attempt. The user's vault key slot is rewrapped under the
// new password.
func (s *AuthService) ResetPassword(ctx context.Context, token, newPassword string) error {
	if err := ValidatePassword(newPassword); err != nil {
		return err
	}

	rt, err := s.Store.ResetTokens().Consume(ctx, cryptox.FingerprintToken(token))
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return ErrResetTokenInvalid
		}
		return fmt.Errorf("consume reset token: %w", err)
	}

	now := time.Now().UTC()
	if rt.Expired(now) {
		s.audit(ctx, rt.Username, "", "password_reset", domain.AuditFailure, "reset token expired")
		return ErrResetTokenInvalid
	}

	var hash string
	if err := s.Deriver.Run(ctx, func() error {
		var err error
		hash, err = cryptox.HashPassword(newPassword)
		return err
	}); err != nil {
		return fmt.Errorf("hash password: %w", err)
	}

	err = s.Store.WithTx(ctx, func(tx store.Tx) error {
		if err := tx.Users().UpdatePasswordHash(ctx, rt.Username, hash); err != nil {
			return err
		}
		// A successful reset also clears any lockout.
		return tx.Users().RecordLoginFailure(ctx, rt.Username, 0, nil)
	})
	if err != nil {
		return fmt.Errorf("update password: %w", err)
	}

	if s.Vault != nil {
		user, err := s.Store.Users().GetByUsername(ctx, rt.Username)
		if err != nil {
			return fmt.Errorf("load user: %w", err)
		}
		if err := s.Vault.RewrapUserSlot(ctx, user, newPassword); err != nil {
			return fmt.Errorf("rewrap vault key slot: %w", err)
		}
	}

	s.audit(ctx, rt.Username, "", "password_reset", domain.AuditSuccess, "password reset completed")
	return nil
}

// ValidatePassword enforces the account password policy: at least
// minPasswordLength characters with an uppercase letter, a lowercase letter,
// a digit, and a special character.
func ValidatePassword(password string) error {
	if len(password) < minPasswordLength {
		return fmt.Errorf("%w: must be at least %d characters", ErrWeakPassword, minPasswordLength)
	}

	var upper, lower, digit, special bool
	for _, r := range password {
		switch {
		case r >= 'A' && r <= 'Z':
			upper = true
		case r >= 'a' && r <= 'z':
			lower = true
		case r >= '0' && r <= '9':
			digit = true
		case strings.ContainsRune(passwordSpecials, r):
			special = true
		}
	}
	switch {
	case !upper:
		return fmt.Errorf("%w: must contain an uppercase letter", ErrWeakPassword)
	case !lower:
		return fmt.Errorf("%w: must contain a lowercase letter", ErrWeakPassword)
	case !digit:
		return fmt.Errorf("%w: must contain a digit", ErrWeakPassword)
	case !special:
		return fmt.Errorf("%w: must contain a special character", ErrWeakPassword)
	}
	return nil
}

// recordFailedLogin bumps the failure counter, locking the account when the
// threshold is reached, and returns the error the caller should surface.
//
// The counter is re-read inside the transaction: the snapshot the caller
// loaded is stale by at least one KDF run, and concurrent failures must not
// collapse into a single attempt.
func (s *AuthService) recordFailedLogin(ctx context.Context, user domain.UserAccount, sourceIP string, now time.Time) error {
	var attempts int
	var lockedUntil *time.Time
	err := s.Store.WithTx(ctx, func(tx store.Tx) error {
		current, err := tx.Users().GetByUsername(ctx, user.Username)
		if err != nil {
			return err
		}
		attempts = current.FailedLoginAttempts + 1
		lockedUntil = nil
		if attempts >= s.maxFailedLogins() {
			t := now.Add(s.lockoutDuration())
			lockedUntil = &t
		}
		return tx.Users().RecordLoginFailure(ctx, user.Username, attempts, lockedUntil)
	})
	if err != nil {
		return fmt.Errorf("record login failure: %w", err)
	}

	if lockedUntil != nil {
		s.auditLogin(ctx, user.Username, string(user.Role), sourceIP, domain.AuditFailure,
			fmt.Sprintf("login failed: account locked after %d attempts", attempts))
		return ErrAccountLocked
	}
	s.auditLogin(ctx, user.Username, string(user.Role), sourceIP, domain.AuditFailure, "login failed: invalid password")
	return ErrBadPassword
}

// limiter returns the per-user login limiter, creating it on first use.
func (s *AuthService) limiter(username string) *rate.Limiter {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.limiters == nil {
		s.limiters = make(map[string]*rate.Limiter)
	}
	l, ok := s.limiters[username]
	if !ok {
		r, b := s.LoginRate, s.LoginBurst
		if r <= 0 {
			r = defaultLoginRate
		}
		if b <= 0 {
			b = defaultLoginBurst
		}
		l = rate.NewLimiter(r, b)
		s.limiters[username] = l
	}
	return l
}

func (s *AuthService) maxFailedLogins() int {
	if s.MaxFailedLogins > 0 {
		return s.MaxFailedLogins
	}
	return defaultMaxFailedLogins
}

func (s *AuthService) lockoutDuration() time.Duration {
	if s.LockoutDuration > 0 {
		return s.LockoutDuration
	}
	return defaultLockoutDuration
}

func (s *AuthService) audit(ctx context.Context, username string, role domain.Role, action, status, message string) {
	if s.Audit == nil {
		return
	}
	_ = s.Audit.Record(ctx, domain.AuditEvent{
		UserID:   username,
		UserRole: string(role),
		Action:   action,
		Resource: "user:" + username,
		Status:   status,
		Message:  message,
	})
}

func (s *AuthService) auditLogin(ctx context.Context, username, role, sourceIP, status, message string) {
	if s.Audit == nil {
		return
	}
	_ = s.Audit.Record(ctx, domain.AuditEvent{
		UserID:    username,
		UserRole:  role,
		IPAddress: sourceIP,
		Action:    "login",
		Resource:  "auth",
		Status:    status,
		Message:   message,
	})
}
