// Package auth implements the challenge-response handshake and the session
// tokens it issues.
package auth

import (
	"crypto/rand"
	"encoding/hex"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"golang.org/x/crypto/ssh"

	"github.com/basket/clawremote/internal/clock"
	"github.com/basket/clawremote/internal/protocol"
)

const (
	NonceSize           = 32
	DefaultChallengeTTL = 30 * time.Second
	DefaultTokenTTL     = 15 * time.Minute
)

var (
	ErrChallengeUnknown    = errors.New("auth: unknown or already used challenge")
	ErrChallengeExpired    = errors.New("auth: challenge expired")
	ErrFingerprintMismatch = errors.New("auth: fingerprint does not match key on file")
	ErrBadSignature        = errors.New("auth: signature verification failed")
	ErrTokenUnknown        = errors.New("auth: unknown token")
	ErrTokenExpired        = errors.New("auth: token expired")
)

// KeyLookup resolves the public key on file for an identity.
type KeyLookup interface {
	PublicKey(identityID string) (ssh.PublicKey, error)
}

type Config struct {
	Keys         KeyLookup
	Clock        clock.Clock
	ChallengeTTL time.Duration
	TokenTTL     time.Duration
	Logger       *slog.Logger
}

// Grant is an issued session token.
type Grant struct {
	Token       string
	ProjectID   string
	IdentityID  string
	Fingerprint string
	IssuedAt    time.Time
	ExpiresAt   time.Time
}

type challenge struct {
	projectID  string
	identityID string
	expiresAt  time.Time
}

// Authenticator issues single-use challenges and verifies their answers.
type Authenticator struct {
	keys         KeyLookup
	clock        clock.Clock
	challengeTTL time.Duration
	tokenTTL     time.Duration
	logger       *slog.Logger

	mu         sync.Mutex
	challenges map[string]challenge
	tokens     map[string]Grant
}

func New(cfg Config) *Authenticator {
	c := cfg.Clock
	if c == nil {
		c = clock.Real()
	}
	challengeTTL := cfg.ChallengeTTL
	if challengeTTL <= 0 {
		challengeTTL = DefaultChallengeTTL
	}
	tokenTTL := cfg.TokenTTL
	if tokenTTL <= 0 {
		tokenTTL = DefaultTokenTTL
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Authenticator{
		keys:         cfg.Keys,
		clock:        c,
		challengeTTL: challengeTTL,
		tokenTTL:     tokenTTL,
		logger:       logger,
		challenges:   make(map[string]challenge),
		tokens:       make(map[string]Grant),
	}
}

// Challenge issues a fresh nonce bound to projectID and identityID.
func (a *Authenticator) Challenge(projectID, identityID string) (protocol.Challenge, error) {
	nonce := make([]byte, NonceSize)
	if _, err := rand.Read(nonce); err != nil {
		return protocol.Challenge{}, fmt.Errorf("generate nonce: %w", err)
	}
	expires := a.clock.Now().Add(a.challengeTTL)

	a.mu.Lock()
	a.challenges[hex.EncodeToString(nonce)] = challenge{
		projectID:  projectID,
		identityID: identityID,
		expiresAt:  expires,
	}
	a.mu.Unlock()
	return protocol.Challenge{Nonce: nonce, ExpiresAt: expires}, nil
}

// Verify checks resp against the challenge identified by nonce. The
// challenge is consumed whatever the outcome. Every failure is AUTH_FAILED.
func (a *Authenticator) Verify(nonce []byte, resp protocol.Auth) (Grant, error) {
	key := hex.EncodeToString(nonce)
	now := a.clock.Now()

	a.mu.Lock()
	ch, ok := a.challenges[key]
	delete(a.challenges, key)
	a.mu.Unlock()

	if !ok {
		return Grant{}, protocol.NewError(protocol.KindAuthFailed, "", "handshake", ErrChallengeUnknown)
	}
	fail := func(err error) (Grant, error) {
		a.logger.Warn("handshake rejected", "project_id", ch.projectID, "identity_id", ch.identityID, "error", err)
		return Grant{}, protocol.NewError(protocol.KindAuthFailed, ch.projectID, "handshake", err)
	}
	if !now.Before(ch.expiresAt) {
		return fail(ErrChallengeExpired)
	}
	if a.keys == nil {
		return fail(errors.New("no key store configured"))
	}
	pub, err := a.keys.PublicKey(ch.identityID)
	if err != nil {
		return fail(err)
	}
	if ssh.FingerprintSHA256(pub) != resp.Fingerprint {
		return fail(ErrFingerprintMismatch)
	}
	sig := &ssh.Signature{Format: resp.SignatureFormat, Blob: resp.Signature}
	if err := pub.Verify(SignedMessage(nonce, ch.projectID), sig); err != nil {
		return fail(fmt.Errorf("%w: %v", ErrBadSignature, err))
	}

	grant := Grant{
		Token:       uuid.NewString(),
		ProjectID:   ch.projectID,
		IdentityID:  ch.identityID,
		Fingerprint: resp.Fingerprint,
		IssuedAt:    now,
		ExpiresAt:   now.Add(a.tokenTTL),
	}
	a.mu.Lock()
	a.tokens[grant.Token] = grant
	a.mu.Unlock()
	return grant, nil
}

// Validate returns the live grant for token.
func (a *Authenticator) Validate(token string) (Grant, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.validateLocked(token)
}

func (a *Authenticator) validateLocked(token string) (Grant, error) {
	g, ok := a.tokens[token]
	if !ok {
		return Grant{}, ErrTokenUnknown
	}
	if !a.clock.Now().Before(g.ExpiresAt) {
		delete(a.tokens, token)
		return Grant{}, ErrTokenExpired
	}
	return g, nil
}

// Renew swaps a live token for a new one with a full validity window.
func (a *Authenticator) Renew(token string) (Grant, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	g, err := a.validateLocked(token)
	if err != nil {
		return Grant{}, protocol.NewError(protocol.KindAuthFailed, "", "renew", err)
	}
	delete(a.tokens, token)
	now := a.clock.Now()
	g.Token = uuid.NewString()
	g.IssuedAt = now
	g.ExpiresAt = now.Add(a.tokenTTL)
	a.tokens[g.Token] = g
	return g, nil
}

func (a *Authenticator) Revoke(token string) {
	a.mu.Lock()
	delete(a.tokens, token)
	a.mu.Unlock()
}

// Sweep drops expired challenges and tokens.
func (a *Authenticator) Sweep() int {
	now := a.clock.Now()
	a.mu.Lock()
	defer a.mu.Unlock()
	n := 0
	for k, ch := range a.challenges {
		if !now.Before(ch.expiresAt) {
			delete(a.challenges, k)
			n++
		}
	}
	for k, g := range a.tokens {
		if !now.Before(g.ExpiresAt) {
			delete(a.tokens, k)
			n++
		}
	}
	return n
}

// SignedMessage is the byte string a client signs: nonce || project id.
func SignedMessage(nonce []byte, projectID string) []byte {
	msg := make([]byte, 0, len(nonce)+len(projectID))
	msg = append(msg, nonce...)
	return append(msg, projectID...)
}

// Sign answers a challenge for projectID with signer.
func Sign(signer ssh.Signer, nonce []byte, projectID string) (protocol.Auth, error) {
	sig, err := signer.Sign(rand.Reader, SignedMessage(nonce, projectID))
	if err != nil {
		return protocol.Auth{}, fmt.Errorf("sign challenge: %w", err)
	}
	return protocol.Auth{
		Fingerprint:     ssh.FingerprintSHA256(signer.PublicKey()),
		SignatureFormat: sig.Format,
		Signature:       sig.Blob,
	}, nil
}
