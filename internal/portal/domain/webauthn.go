package domain

import "time"

// WebAuthnCredential is one registered authenticator for a user.
//
// SignCount is the authenticator's signature counter. It must only ever
// grow; an assertion reporting a counter at or below the stored value is
// treated as a cloned or replayed authenticator.
type WebAuthnCredential struct {
	CredentialID []byte // opaque, unique across all users
	PublicKey    []byte // COSE-encoded
	SignCount    uint32
	Transports   []string
	CreatedAt    time.Time
}

// ChallengePurpose distinguishes the two WebAuthn ceremonies.
type ChallengePurpose string

const (
	ChallengeRegistration   ChallengePurpose = "registration"
	ChallengeAuthentication ChallengePurpose = "authentication"
)

// Challenge is a pending ceremony challenge for a user. At most one exists
// per (user, purpose); it is single-use and deleted on the first completion
// attempt, successful or not.
type Challenge struct {
	Username  string
	Purpose   ChallengePurpose
	Value     string // base64url challenge bytes, >=16 bytes of entropy
	Session   []byte // serialized ceremony session state
	IssuedAt  time.Time
	ExpiresAt time.Time
}

// Expired reports whether the challenge lifetime has passed.
func (c Challenge) Expired(now time.Time) bool {
	return now.After(c.ExpiresAt)
}
