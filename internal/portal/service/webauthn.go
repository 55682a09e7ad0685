package service

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/go-webauthn/webauthn/protocol"
	"github.com/go-webauthn/webauthn/webauthn"

	"github.com/carebridge/carebridge/internal/portal/domain"
	"github.com/carebridge/carebridge/internal/portal/store"
)

const defaultChallengeTTL = 2 * time.Minute

var (
	ErrChallengeMissing   = errors.New("no pending challenge")
	ErrChallengeExpired   = errors.New("challenge expired")
	ErrChallengeMismatch  = errors.New("response does not match issued challenge")
	ErrAttestationInvalid = errors.New("attestation verification failed")
	ErrAssertionInvalid   = errors.New("assertion verification failed")
	ErrReplayDetected     = errors.New("authenticator counter did not advance")
	ErrNoCredentials      = errors.New("no registered credentials")
)

// WebAuthnService runs the two WebAuthn ceremonies. Challenges are
// single-use: the first completion attempt consumes the pending challenge
// whether or not verification succeeds, so a captured response can never be
// replayed against the same challenge.
type WebAuthnService struct {
	Store store.Store
	Audit *AuditService

	// ChallengeTTL bounds how long a ceremony may stay open. Zero selects
	// the default of two minutes.
	ChallengeTTL time.Duration

	web *webauthn.WebAuthn
}

// NewWebAuthnService builds the relying-party configuration. The origins
// list must name every front-end origin responses may come from.
func NewWebAuthnService(st store.Store, audit *AuditService, rpID, rpName string, origins []string, ttl time.Duration) (*WebAuthnService, error) {
	if ttl <= 0 {
		ttl = defaultChallengeTTL
	}
	// Keep the library's session timeout in lockstep with the stored
	// challenge TTL so the two expiry checks agree.
	timeout := webauthn.TimeoutConfig{Enforce: true, Timeout: ttl, TimeoutUVD: ttl}
	web, err := webauthn.New(&webauthn.Config{
		RPID:          rpID,
		RPDisplayName: rpName,
		RPOrigins:     origins,
		Timeouts: webauthn.TimeoutsConfig{
			Registration: timeout,
			Login:        timeout,
		},
	})
	if err != nil {
		return nil, fmt.Errorf("webauthn config: %w", err)
	}
	return &WebAuthnService{
		Store:        st,
		Audit:        audit,
		ChallengeTTL: ttl,
		web:          web,
	}, nil
}

// BeginRegistration opens a credential registration ceremony and returns the
// creation options to hand to the browser. Any previous pending registration
// challenge for the user is replaced.
func (s *WebAuthnService) BeginRegistration(ctx context.Context, username string) (*protocol.CredentialCreation, error) {
	wu, err := s.loadUser(ctx, username)
	if err != nil {
		return nil, err
	}

	options, session, err := s.web.BeginRegistration(wu)
	if err != nil {
		return nil, fmt.Errorf("begin registration: %w", err)
	}

	if err := s.putChallenge(ctx, username, domain.ChallengeRegistration, options.Response.Challenge.String(), session); err != nil {
		return nil, err
	}
	return options, nil
}

// FinishRegistration verifies the browser's attestation response and stores
// the new credential. The pending challenge is consumed first, so a failed
// attempt requires starting over with BeginRegistration.
func (s *WebAuthnService) FinishRegistration(ctx context.Context, username string, response []byte) (domain.WebAuthnCredential, error) {
	wu, err := s.loadUser(ctx, username)
	if err != nil {
		return domain.WebAuthnCredential{}, err
	}

	challenge, err := s.consumeChallenge(ctx, username, domain.ChallengeRegistration)
	if err != nil {
		s.audit(ctx, wu.user, "webauthn_register", domain.AuditFailure, err.Error())
		return domain.WebAuthnCredential{}, err
	}

	parsed, err := protocol.ParseCredentialCreationResponseBody(bytes.NewReader(response))
	if err != nil {
		s.audit(ctx, wu.user, "webauthn_register", domain.AuditFailure, "malformed attestation response")
		return domain.WebAuthnCredential{}, fmt.Errorf("%w: %v", ErrAttestationInvalid, err)
	}

	if err := challengeMatches(challenge, parsed.Response.CollectedClientData.Challenge); err != nil {
		s.audit(ctx, wu.user, "webauthn_register", domain.AuditFailure, "challenge mismatch")
		return domain.WebAuthnCredential{}, err
	}

	var session webauthn.SessionData
	if err := json.Unmarshal(challenge.Session, &session); err != nil {
		return domain.WebAuthnCredential{}, fmt.Errorf("decode ceremony session: %w", err)
	}

	cred, err := s.web.CreateCredential(wu, session, parsed)
	if err != nil {
		s.audit(ctx, wu.user, "webauthn_register", domain.AuditFailure, "attestation rejected")
		return domain.WebAuthnCredential{}, fmt.Errorf("%w: %v", ErrAttestationInvalid, err)
	}

	stored := domain.WebAuthnCredential{
		CredentialID: cred.ID,
		PublicKey:    cred.PublicKey,
		SignCount:    cred.Authenticator.SignCount,
		Transports:   transportStrings(cred.Transport),
		CreatedAt:    time.Now().UTC(),
	}
	if err := s.Store.Credentials().Create(ctx, username, stored); err != nil {
		return domain.WebAuthnCredential{}, fmt.Errorf("store credential: %w", err)
	}

	s.audit(ctx, wu.user, "webauthn_register", domain.AuditSuccess, "authenticator registered")
	return stored, nil
}

// BeginAuthentication opens an assertion ceremony. Fails up front when the
// user has no registered credentials, so callers can fall back to password
// login without burning a challenge.
func (s *WebAuthnService) BeginAuthentication(ctx context.Context, username string) (*protocol.CredentialAssertion, error) {
	wu, err := s.loadUser(ctx, username)
	if err != nil {
		return nil, err
	}
	if len(wu.creds) == 0 {
		return nil, ErrNoCredentials
	}

	options, session, err := s.web.BeginLogin(wu)
	if err != nil {
		return nil, fmt.Errorf("begin authentication: %w", err)
	}

	if err := s.putChallenge(ctx, username, domain.ChallengeAuthentication, options.Response.Challenge.String(), session); err != nil {
		return nil, err
	}
	return options, nil
}

// FinishAuthentication verifies the browser's assertion response and
// completes the login. The authenticator's signature counter must strictly
// advance; a stalled or regressed counter means the credential was cloned or
// the assertion replayed, and the login is refused.
func (s *WebAuthnService) FinishAuthentication(ctx context.Context, username string, response []byte) (domain.UserAccount, error) {
	wu, err := s.loadUser(ctx, username)
	if err != nil {
		return domain.UserAccount{}, err
	}

	challenge, err := s.consumeChallenge(ctx, username, domain.ChallengeAuthentication)
	if err != nil {
		s.audit(ctx, wu.user, "webauthn_login", domain.AuditFailure, err.Error())
		return domain.UserAccount{}, err
	}

	parsed, err := protocol.ParseCredentialRequestResponseBody(bytes.NewReader(response))
	if err != nil {
		s.audit(ctx, wu.user, "webauthn_login", domain.AuditFailure, "malformed assertion response")
		return domain.UserAccount{}, fmt.Errorf("%w: %v", ErrAssertionInvalid, err)
	}

	if err := challengeMatches(challenge, parsed.Response.CollectedClientData.Challenge); err != nil {
		s.audit(ctx, wu.user, "webauthn_login", domain.AuditFailure, "challenge mismatch")
		return domain.UserAccount{}, err
	}

	var session webauthn.SessionData
	if err := json.Unmarshal(challenge.Session, &session); err != nil {
		return domain.UserAccount{}, fmt.Errorf("decode ceremony session: %w", err)
	}

	cred, err := s.web.ValidateLogin(wu, session, parsed)
	if err != nil {
		s.audit(ctx, wu.user, "webauthn_login", domain.AuditFailure, "assertion rejected")
		return domain.UserAccount{}, fmt.Errorf("%w: %v", ErrAssertionInvalid, err)
	}

	prev, ok := wu.signCount(cred.ID)
	if !ok {
		return domain.UserAccount{}, fmt.Errorf("%w: unknown credential", ErrAssertionInvalid)
	}
	if err := counterAdvanced(prev, cred.Authenticator.SignCount); err != nil {
		s.audit(ctx, wu.user, "webauthn_login", domain.AuditFailure, "signature counter did not advance")
		return domain.UserAccount{}, err
	}

	if err := s.Store.Credentials().UpdateSignCount(ctx, cred.ID, cred.Authenticator.SignCount); err != nil {
		return domain.UserAccount{}, fmt.Errorf("update sign count: %w", err)
	}
	if err := s.Store.Users().RecordLoginSuccess(ctx, username, time.Now().UTC()); err != nil {
		return domain.UserAccount{}, fmt.Errorf("record login: %w", err)
	}

	s.audit(ctx, wu.user, "webauthn_login", domain.AuditSuccess, "passwordless login successful")
	return wu.user, nil
}

// challengeMatches checks that the challenge echoed in the client data is the
// one issued at Begin time. A response built against any other challenge is
// rejected before signature verification.
func challengeMatches(issued domain.Challenge, asserted string) error {
	if asserted != issued.Value {
		return ErrChallengeMismatch
	}
	return nil
}

// counterAdvanced enforces a strictly increasing signature counter. A stalled
// or regressed counter means the assertion was replayed or the credential was
// cloned.
func counterAdvanced(previous, asserted uint32) error {
	if asserted <= previous {
		return ErrReplayDetected
	}
	return nil
}

// consumeChallenge atomically removes the pending challenge and returns it.
// Exactly one concurrent caller can win the Consume; the rest see
// ErrChallengeMissing. Expiry is checked after consumption so an expired
// challenge is also gone after its first use.
func (s *WebAuthnService) consumeChallenge(ctx context.Context, username string, purpose domain.ChallengePurpose) (domain.Challenge, error) {
	var challenge domain.Challenge
	err := s.Store.WithTx(ctx, func(tx store.Tx) error {
		got, err := tx.Challenges().Get(ctx, username, purpose)
		if err != nil {
			if errors.Is(err, store.ErrNotFound) {
				return ErrChallengeMissing
			}
			return err
		}
		ok, err := tx.Challenges().Consume(ctx, username, purpose)
		if err != nil {
			return err
		}
		if !ok {
			return ErrChallengeMissing
		}
		challenge = got
		return nil
	})
	if err != nil {
		return domain.Challenge{}, err
	}
	if challenge.Expired(time.Now().UTC()) {
		return domain.Challenge{}, ErrChallengeExpired
	}
	return challenge, nil
}

func (s *WebAuthnService) putChallenge(ctx context.Context, username string, purpose domain.ChallengePurpose, value string, session *webauthn.SessionData) error {
	raw, err := json.Marshal(session)
	if err != nil {
		return fmt.Errorf("encode ceremony session: %w", err)
	}
	now := time.Now().UTC()
	if err := s.Store.Challenges().Put(ctx, domain.Challenge{
		Username:  username,
		Purpose:   purpose,
		Value:     value,
		Session:   raw,
		IssuedAt:  now,
		ExpiresAt: now.Add(s.challengeTTL()),
	}); err != nil {
		return fmt.Errorf("store challenge: %w", err)
	}
	return nil
}

func (s *WebAuthnService) loadUser(ctx context.Context, username string) (*webauthnUser, error) {
	user, err := s.Store.Users().GetByUsername(ctx, username)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return nil, ErrUserNotFound
		}
		return nil, fmt.Errorf("load user: %w", err)
	}
	creds, err := s.Store.Credentials().ListByUser(ctx, username)
	if err != nil {
		return nil, fmt.Errorf("load credentials: %w", err)
	}
	return &webauthnUser{user: user, creds: creds}, nil
}

func (s *WebAuthnService) challengeTTL() time.Duration {
	if s.ChallengeTTL > 0 {
		return s.ChallengeTTL
	}
	return defaultChallengeTTL
}

func (s *WebAuthnService) audit(ctx context.Context, user domain.UserAccount, action, status, message string) {
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

// webauthnUser adapts an account and its stored credentials to the shape
// the ceremony library expects.
type webauthnUser struct {
	user  domain.UserAccount
	creds []domain.WebAuthnCredential
}

func (u *webauthnUser) WebAuthnID() []byte          { return []byte(u.user.ID) }
func (u *webauthnUser) WebAuthnName() string        { return u.user.Username }
func (u *webauthnUser) WebAuthnDisplayName() string { return u.user.Username }
func (u *webauthnUser) WebAuthnIcon() string        { return "" }

func (u *webauthnUser) WebAuthnCredentials() []webauthn.Credential {
	out := make([]webauthn.Credential, 0, len(u.creds))
	for _, c := range u.creds {
		out = append(out, webauthn.Credential{
			ID:        c.CredentialID,
			PublicKey: c.PublicKey,
			Transport: transportValues(c.Transports),
			Authenticator: webauthn.Authenticator{
				SignCount: c.SignCount,
			},
		})
	}
	return out
}

// signCount returns the stored counter for a credential id.
func (u *webauthnUser) signCount(credentialID []byte) (uint32, bool) {
	for _, c := range u.creds {
		if bytes.Equal(c.CredentialID, credentialID) {
			return c.SignCount, true
		}
	}
	return 0, false
}

func transportStrings(ts []protocol.AuthenticatorTransport) []string {
	out := make([]string, 0, len(ts))
	for _, t := range ts {
		out = append(out, string(t))
	}
	return out
}

func transportValues(ts []string) []protocol.AuthenticatorTransport {
	out := make([]protocol.AuthenticatorTransport, 0, len(ts))
	for _, t := range ts {
		out = append(out, protocol.AuthenticatorTransport(t))
	}
	return out
}
