package service

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/pquerna/otp"
	"github.com/pquerna/otp/totp"

	"github.com/carebridge/carebridge/internal/portal/domain"
	"github.com/carebridge/carebridge/internal/portal/store"
	"github.com/carebridge/carebridge/pkg/cryptox"
)

const (
	backupCodeCount  = 8
	backupCodeDigits = 8

	totpPeriod = 30
	totpSkew   = 1 // accept one step either side of now
)

var (
	ErrMFANotEnabled     = errors.New("MFA not enabled for this user")
	ErrMFAAlreadyEnabled = errors.New("MFA already enabled for this user")
	ErrBadMFACode        = errors.New("invalid MFA code")
)

// MFAEnrollment is handed to the user exactly once at enablement. The
// backup codes are never recoverable afterwards; only fingerprints are kept.
type MFAEnrollment struct {
	Secret          string // base32 TOTP secret
	ProvisioningURL string // otpauth:// URL for authenticator apps
	BackupCodes     []string
}

// MFAService manages TOTP second factors and their backup codes.
type MFAService struct {
	Store  store.Store
	Issuer string // issuer name shown in authenticator apps
	Audit  *AuditService
}

// Enable provisions a TOTP secret and a fresh set of backup codes for the
// user and turns MFA on.
func (s *MFAService) Enable(ctx context.Context, username string) (MFAEnrollment, error) {
	user, err := s.Store.Users().GetByUsername(ctx, username)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return MFAEnrollment{}, ErrUserNotFound
		}
		return MFAEnrollment{}, fmt.Errorf("load user: %w", err)
	}
	if user.MFAEnabled {
		return MFAEnrollment{}, ErrMFAAlreadyEnabled
	}

	key, err := totp.Generate(totp.GenerateOpts{
		Issuer:      s.issuer(),
		AccountName: username,
		Period:      totpPeriod,
		Digits:      otp.DigitsSix,
		Algorithm:   otp.AlgorithmSHA1,
	})
	if err != nil {
		return MFAEnrollment{}, fmt.Errorf("generate totp secret: %w", err)
	}

	codes, err := newBackupCodes()
	if err != nil {
		return MFAEnrollment{}, err
	}

	secret := key.Secret()
	err = s.Store.WithTx(ctx, func(tx store.Tx) error {
		if err := tx.BackupCodes().DeleteAll(ctx, username); err != nil {
			return err
		}
		for _, code := range codes {
			if err := tx.BackupCodes().Create(ctx, username, cryptox.FingerprintToken(code)); err != nil {
				return err
			}
		}
		return tx.Users().SetMFA(ctx, username, true, &secret)
	})
	if err != nil {
		return MFAEnrollment{}, fmt.Errorf("enable mfa: %w", err)
	}

	s.audit(ctx, user, "mfa_enable", domain.AuditSuccess, "MFA enabled")
	return MFAEnrollment{
		Secret:          secret,
		ProvisioningURL: key.URL(),
		BackupCodes:     codes,
	}, nil
}

// Verify completes an MFA login: it accepts either a current TOTP code
// (with one time step of clock skew) or an unspent backup code. A backup
// code is consumed atomically, so the same code can never complete two
// logins.
func (s *MFAService) Verify(ctx context.Context, username, code string) error {
	user, err := s.Store.Users().GetByUsername(ctx, username)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return ErrUserNotFound
		}
		return fmt.Errorf("load user: %w", err)
	}

	method, err := s.check(ctx, user, code)
	if err != nil {
		s.audit(ctx, user, "mfa_verify", domain.AuditFailure, "MFA verification failed")
		return err
	}

	if err := s.Store.Users().RecordLoginSuccess(ctx, username, time.Now().UTC()); err != nil {
		return fmt.Errorf("record login: %w", err)
	}
	s.audit(ctx, user, "mfa_verify", domain.AuditSuccess, "MFA verified via "+method)
	return nil
}

// Disable turns MFA off after one last successful code check and discards
// the secret and all backup codes.
func (s *MFAService) Disable(ctx context.Context, username, code string) error {
	user, err := s.Store.Users().GetByUsername(ctx, username)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return ErrUserNotFound
		}
		return fmt.Errorf("load user: %w", err)
	}

	if _, err := s.check(ctx, user, code); err != nil {
		s.audit(ctx, user, "mfa_disable", domain.AuditFailure, "MFA disable rejected: bad code")
		return err
	}

	err = s.Store.WithTx(ctx, func(tx store.Tx) error {
		if err := tx.Users().SetMFA(ctx, username, false, nil); err != nil {
			return err
		}
		return tx.BackupCodes().DeleteAll(ctx, username)
	})
	if err != nil {
		return fmt.Errorf("disable mfa: %w", err)
	}

	s.audit(ctx, user, "mfa_disable", domain.AuditSuccess, "MFA disabled")
	return nil
}

// RegenerateBackupCodes replaces every backup code after verifying a current
// TOTP code. Backup codes cannot mint their own replacements.
func (s *MFAService) RegenerateBackupCodes(ctx context.Context, username, totpCode string) ([]string, error) {
	user, err := s.Store.Users().GetByUsername(ctx, username)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return nil, ErrUserNotFound
		}
		return nil, fmt.Errorf("load user: %w", err)
	}
	if !user.MFAEnabled || user.MFASecret == nil {
		return nil, ErrMFANotEnabled
	}
	if !validTOTP(totpCode, *user.MFASecret) {
		return nil, ErrBadMFACode
	}

	codes, err := newBackupCodes()
	if err != nil {
		return nil, err
	}

	err = s.Store.WithTx(ctx, func(tx store.Tx) error {
		if err := tx.BackupCodes().DeleteAll(ctx, username); err != nil {
			return err
		}
		for _, code := range codes {
			if err := tx.BackupCodes().Create(ctx, username, cryptox.FingerprintToken(code)); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("regenerate backup codes: %w", err)
	}

	s.audit(ctx, user, "mfa_regenerate_codes", domain.AuditSuccess, "backup codes regenerated")
	return codes, nil
}

// check validates a code as either TOTP or backup code and reports which
// method succeeded.
func (s *MFAService) check(ctx context.Context, user domain.UserAccount, code string) (string, error) {
	if !user.MFAEnabled || user.MFASecret == nil {
		return "", ErrMFANotEnabled
	}

	if validTOTP(code, *user.MFASecret) {
		return "totp", nil
	}

	spent, err := s.Store.BackupCodes().Consume(ctx, user.Username, cryptox.FingerprintToken(code))
	if err != nil {
		return "", fmt.Errorf("consume backup code: %w", err)
	}
	if !spent {
		return "", ErrBadMFACode
	}
	return "backup_code", nil
}

func validTOTP(code, secret string) bool {
	ok, err := totp.ValidateCustom(code, secret, time.Now().UTC(), totp.ValidateOpts{
		Period:    totpPeriod,
		Skew:      totpSkew,
		Digits:    otp.DigitsSix,
		Algorithm: otp.AlgorithmSHA1,
	})
	return err == nil && ok
}

func newBackupCodes() ([]string, error) {
	codes := make([]string, backupCodeCount)
	for i := range codes {
		code, err := cryptox.GenerateDigitCode(backupCodeDigits)
		if err != nil {
			return nil, fmt.Errorf("generate backup code: %w", err)
		}
		codes[i] = code
	}
	return codes, nil
}

func (s *MFAService) issuer() string {
	if s.Issuer != "" {
		return s.Issuer
	}
	return "CareBridge"
}

func (s *MFAService) audit(ctx context.Context, user domain.UserAccount, action, status, message string) {
	if s.Audit == nil {
		return
	}
	_ = s.Audit.Record(ctx, domain.AuditEvent{
		UserID:   user.Username,
		UserRole: string(user.Role),
		Action:   action,
		Resource: "user:" + user.Username,
		Status:   status,
		Message:  message,
	})
}
