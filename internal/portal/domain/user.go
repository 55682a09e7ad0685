package domain

import (
	"fmt"
	"time"
)

// Role is the coarse clinical role attached to every account. ABAC rules
// match on it (plus the subject id) rather than granting anything directly.
type Role string

const (
	RoleDoctor  Role = "doctor"
	RoleNurse   Role = "nurse"
	RolePatient Role = "patient"
	RoleAdmin   Role = "admin"
)

// ParseRole validates a role string from external input.
func ParseRole(s string) (Role, error) {
	switch Role(s) {
	case RoleDoctor, RoleNurse, RolePatient, RoleAdmin:
		return Role(s), nil
	}
	return "", fmt.Errorf("domain: invalid role %q", s)
}

// UserAccount is the credential record for one user. Owned by the store;
// mutated only through the auth services.
//
// PasswordHash is a self-describing PHC string and embeds its own salt.
// KEKSalt is a separate salt used to derive the vault key-encryption key
// from the login password, so the password hash and the data key never
// share derivation inputs.
type UserAccount struct {
	ID           string // ULID
	Username     string // unique
	Role         Role
	PasswordHash string
	KEKSalt      []byte

	MFAEnabled bool
	MFASecret  *string // TOTP secret, base32; nil until MFA is enrolled

	FailedLoginAttempts int
	LockedUntil         *time.Time
	LastLoginAt         *time.Time

	CreatedAt time.Time
	UpdatedAt time.Time
}

// Locked reports whether the account is locked out at the given instant.
func (u UserAccount) Locked(now time.Time) bool {
	return u.LockedUntil != nil && now.Before(*u.LockedUntil)
}
