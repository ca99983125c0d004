package auth

import (
	"crypto/subtle"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"
)

const (
	refreshBefore = 60 * time.Second
	controlUse    = "control"
)

var (
	ErrMissingAPIKey   = errors.New("api key is required")
	ErrInvalidAPIKey   = fmt.Errorf("%w: invalid api key", ErrUnauthenticated)
	ErrExchangeOff     = errors.New("api key exchange is not configured")
	ErrInsufficientUse = fmt.Errorf("%w: token is not a control token", ErrUnauthenticated)
)

// TokenSource caches the outbound bearer token until shortly before expiry.
type TokenSource struct {
	auth   *Authenticator
	claims map[string]any

	mu      sync.Mutex
	token   string
	expires time.Time
}

// NewTokenSource creates a cached token source.
// Params: auth signer; claims extra claims such as sub.
// Returns: token source.
func NewTokenSource(auth *Authenticator, claims map[string]any) *TokenSource {
	return &TokenSource{auth: auth, claims: claims}
}

// Token returns the cached token or issues a new one.
// Params: none.
// Returns: bearer token or signing error.
func (s *TokenSource) Token() (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.token != "" && s.auth.now().Add(refreshBefore).Before(s.expires) {
		return s.token, nil
	}

	token, expires, err := s.auth.IssueWithTTL(s.claims, s.auth.ttl)
	if err != nil {
		return "", err
	}
	s.token = token
	s.expires = expires
	return token, nil
}

// Grant is the result of an API key exchange.
type Grant struct {
	Token     string
	TokenType string
	ExpiresIn int64
	ExpiresAt time.Time
	Scope     string
}

// Exchanger trades a static API key for a long-lived control token.
type Exchanger struct {
	auth   *Authenticator
	apiKey string
	ttl    time.Duration
	scope  string
}

// NewExchanger creates a control-plane key exchanger.
// Params: auth signer; apiKey expected static key (empty disables exchange); ttl control token lifetime; scope granted scope.
// Returns: exchanger.
func NewExchanger(auth *Authenticator, apiKey string, ttl time.Duration, scope string) *Exchanger {
	return &Exchanger{auth: auth, apiKey: apiKey, ttl: ttl, scope: scope}
}

// Exchange validates apiKey and issues a control token.
// Params: apiKey presented key.
// Returns: grant or ErrMissingAPIKey/ErrInvalidAPIKey/ErrExchangeOff.
func (e *Exchanger) Exchange(apiKey string) (Grant, error) {
	if e.apiKey == "" {
		return Grant{}, ErrExchangeOff
	}
	apiKey = strings.TrimSpace(apiKey)
	if apiKey == "" {
		return Grant{}, ErrMissingAPIKey
	}
	if subtle.ConstantTimeCompare([]byte(apiKey), []byte(e.apiKey)) != 1 {
		return Grant{}, ErrInvalidAPIKey
	}

	token, expires, err := e.auth.IssueWithTTL(map[string]any{
		"scope":     e.scope,
		"token_use": controlUse,
	}, e.ttl)
	if err != nil {
		return Grant{}, err
	}

	return Grant{
		Token:     token,
		TokenType: "Bearer",
		ExpiresIn: int64(e.ttl / time.Second),
		ExpiresAt: expires,
		Scope:     e.scope,
	}, nil
}

// Authorize verifies a control token and the required scope.
// Params: token bearer token; scope required scope entry (empty skips the check).
// Returns: claims or error wrapping ErrUnauthenticated.
func (e *Exchanger) Authorize(token string, scope string) (map[string]any, error) {
	claims, err := e.auth.Verify(token)
	if err != nil {
		return nil, err
	}
	if use, _ := claims["token_use"].(string); use != controlUse {
		return nil, ErrInsufficientUse
	}
	if scope == "" {
		return claims, nil
	}
	granted, _ := claims["scope"].(string)
	for _, entry := range strings.Fields(granted) {
		if entry == scope {
			return claims, nil
		}
	}
	return nil, fmt.Errorf("%w: scope %q not granted", ErrUnauthenticated, scope)
}
