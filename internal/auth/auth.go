package auth

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"errors"
	"fmt"
	"maps"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"beacon/internal/statestore"
)

const (
	secretKey   = "auth:signing-secret"
	secretBytes = 32

	// exp has one-second resolution; a token stays valid through its exp second.
	expiryLeeway = time.Second
)

var (
	// ErrUnauthenticated is the common cause of every verification failure.
	ErrUnauthenticated = errors.New("unauthenticated")
	ErrMalformed       = fmt.Errorf("%w: malformed token", ErrUnauthenticated)
	ErrSignature       = fmt.Errorf("%w: signature mismatch", ErrUnauthenticated)
	ErrExpired         = fmt.Errorf("%w: token expired", ErrUnauthenticated)
)

// Authenticator issues and verifies HS256 bearer tokens.
type Authenticator struct {
	secret   []byte
	issuer   string
	audience string
	ttl      time.Duration
	now      func() time.Time
}

// New creates an authenticator.
// Params: secret HMAC key; issuer iss claim; audience aud claim; ttl default token lifetime.
// Returns: authenticator or error for empty secret.
func New(secret []byte, issuer string, audience string, ttl time.Duration) (*Authenticator, error) {
	if len(secret) == 0 {
		return nil, errors.New("signing secret is empty")
	}
	if ttl <= 0 {
		return nil, fmt.Errorf("token ttl must be positive, got %s", ttl)
	}
	return &Authenticator{
		secret:   append([]byte(nil), secret...),
		issuer:   issuer,
		audience: audience,
		ttl:      ttl,
		now:      time.Now,
	}, nil
}

// Issue signs claims with the default ttl.
// Params: claims caller claims; registered claims override same-named keys.
// Returns: compact token or signing error.
func (a *Authenticator) Issue(claims map[string]any) (string, error) {
	token, _, err := a.IssueWithTTL(claims, a.ttl)
	return token, err
}

// IssueWithTTL signs claims with an explicit lifetime.
// Params: claims caller claims; ttl token lifetime.
// Returns: compact token, expiry time, signing error.
func (a *Authenticator) IssueWithTTL(claims map[string]any, ttl time.Duration) (string, time.Time, error) {
	now := a.now().UTC().Truncate(time.Second)
	expires := now.Add(ttl)

	mapClaims := jwt.MapClaims{}
	maps.Copy(mapClaims, claims)
	mapClaims["iss"] = a.issuer
	mapClaims["aud"] = a.audience
	mapClaims["iat"] = jwt.NewNumericDate(now)
	mapClaims["exp"] = jwt.NewNumericDate(expires)

	signed, err := jwt.NewWithClaims(jwt.SigningMethodHS256, mapClaims).SignedString(a.secret)
	if err != nil {
		return "", time.Time{}, fmt.Errorf("sign token: %w", err)
	}
	return signed, expires, nil
}

// Verify checks signature, expiry, issuer and audience.
// Params: token compact JWT.
// Returns: decoded claims or an error wrapping ErrUnauthenticated.
func (a *Authenticator) Verify(token string) (map[string]any, error) {
	if strings.Count(token, ".") != 2 {
		return nil, ErrMalformed
	}

	parser := jwt.NewParser(
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithTimeFunc(a.now),
		jwt.WithLeeway(expiryLeeway),
		jwt.WithExpirationRequired(),
		jwt.WithIssuer(a.issuer),
		jwt.WithAudience(a.audience),
	)

	parsed, err := parser.Parse(token, func(*jwt.Token) (any, error) {
		return a.secret, nil
	})
	if err != nil {
		return nil, classify(err)
	}

	claims, ok := parsed.Claims.(jwt.MapClaims)
	if !ok {
		return nil, ErrMalformed
	}
	return map[string]any(claims), nil
}

// classify maps jwt errors to package errors.
// Params: err jwt parse error.
// Returns: wrapped package error.
func classify(err error) error {
	switch {
	case errors.Is(err, jwt.ErrTokenMalformed):
		return fmt.Errorf("%w: %w", ErrMalformed, err)
	case errors.Is(err, jwt.ErrTokenSignatureInvalid):
		return fmt.Errorf("%w: %w", ErrSignature, err)
	case errors.Is(err, jwt.ErrTokenExpired):
		return fmt.Errorf("%w: %w", ErrExpired, err)
	default:
		return fmt.Errorf("%w: %w", ErrUnauthenticated, err)
	}
}

// ResolveSecret returns the configured secret or the one persisted in store, generating it once.
// Params: ctx store context; configured secret from config; store persistence (nil allowed).
// Returns: secret bytes or error.
func ResolveSecret(ctx context.Context, configured string, store statestore.Store) ([]byte, error) {
	if strings.TrimSpace(configured) != "" {
		return []byte(configured), nil
	}
	if store == nil {
		return generateSecret()
	}

	if raw, found, err := store.Get(ctx, secretKey); err != nil {
		return nil, fmt.Errorf("read signing secret: %w", err)
	} else if found {
		return decodeSecret(raw)
	}

	secret, err := generateSecret()
	if err != nil {
		return nil, err
	}
	if err := store.Set(ctx, secretKey, []byte(hex.EncodeToString(secret)), 0); err != nil {
		return nil, fmt.Errorf("persist signing secret: %w", err)
	}

	// Another worker may have written first; converge on the stored value.
	raw, found, err := store.Get(ctx, secretKey)
	if err != nil || !found {
		return secret, nil
	}
	return decodeSecret(raw)
}

// generateSecret returns fresh random secret bytes.
// Params: none.
// Returns: secret or entropy error.
func generateSecret() ([]byte, error) {
	secret := make([]byte, secretBytes)
	if _, err := rand.Read(secret); err != nil {
		return nil, fmt.Errorf("generate signing secret: %w", err)
	}
	return secret, nil
}

// decodeSecret parses a persisted hex secret.
// Params: raw stored value.
// Returns: secret bytes or decode error.
func decodeSecret(raw []byte) ([]byte, error) {
	secret, err := hex.DecodeString(strings.TrimSpace(string(raw)))
	if err != nil {
		return nil, fmt.Errorf("decode signing secret: %w", err)
	}
	if len(secret) == 0 {
		return nil, errors.New("decode signing secret: empty value")
	}
	return secret, nil
}
