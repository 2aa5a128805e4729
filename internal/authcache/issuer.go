package authcache

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
	"github.com/rs/zerolog/log"

	"printgate/internal/model"
	"printgate/internal/store"
)

var (
	ErrBadCredentials = errors.New("authcache: invalid username or password")
	ErrUnknownToken   = errors.New("authcache: token not live")
)

// Authenticator verifies a username and password.
type Authenticator interface {
	Authenticate(ctx context.Context, username, password string) (model.User, error)
}

type claims struct {
	Context Context `json:"ctx"`
	Addr    string  `json:"addr,omitempty"`
	jwt.RegisteredClaims
}

// Issuer opens and closes sessions. Tokens are HS256 JWTs; a token is only
// honored while its entry is live in the cache.
type Issuer struct {
	Auth      Authenticator
	Tokens    *Cache
	Addresses *AddressCache
	Secret    []byte
	TTL       time.Duration
	Now       func() time.Time
}

func NewIssuer(auth Authenticator, tokens *Cache, addrs *AddressCache, secret []byte, ttl time.Duration) *Issuer {
	if len(secret) == 0 {
		secret = []byte(uuid.NewString())
		log.Warn().Msg("no JWT secret configured; using a random per-process secret")
	}
	return &Issuer{Auth: auth, Tokens: tokens, Addresses: addrs, Secret: secret, TTL: ttl, Now: time.Now}
}

func (i *Issuer) now() time.Time {
	if i.Now != nil {
		return i.Now()
	}
	return time.Now()
}

// Login verifies the credentials and registers a new token for
// (user, ctx), replacing the user's previous token in that context.
// Sessions in the user and pos contexts bind the client address.
func (i *Issuer) Login(ctx context.Context, username, password string, c Context, addr string) (Entry, error) {
	username = strings.TrimSpace(username)
	u, err := i.Auth.Authenticate(ctx, username, password)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) || errors.Is(err, store.ErrDisabled) || errors.Is(err, store.ErrBadPassword) {
			return Entry{}, fmt.Errorf("%w: %v", ErrBadCredentials, err)
		}
		return Entry{}, fmt.Errorf("authenticate %q: %w", username, err)
	}
	if c == ContextAdmin && !u.IsAdmin {
		return Entry{}, ErrBadCredentials
	}
	now := i.now()
	rc := jwt.RegisteredClaims{
		ID:       uuid.NewString(),
		Subject:  u.Username,
		IssuedAt: jwt.NewNumericDate(now),
	}
	var expires time.Time
	if i.TTL > 0 {
		expires = now.Add(i.TTL)
		rc.ExpiresAt = jwt.NewNumericDate(expires)
	}
	signed, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims{Context: c, Addr: addr, RegisteredClaims: rc}).SignedString(i.Secret)
	if err != nil {
		return Entry{}, fmt.Errorf("sign token: %w", err)
	}
	e := Entry{Token: signed, User: u.Username, Context: c, Addr: addr, CreatedAt: now, ExpiresAt: expires}
	old, replaced, err := i.Tokens.Put(e)
	if err != nil {
		return Entry{}, err
	}
	if replaced && old.Addr != "" && i.Addresses != nil {
		i.Addresses.Remove(old.Addr, old.Token)
	}
	if addr != "" && i.Addresses != nil && (c == ContextUser || c == ContextPOS) {
		i.Addresses.Put(addr, signed)
	}
	log.Info().Str("user", u.Username).Str("context", string(c)).Str("addr", addr).Msg("session opened")
	return e, nil
}

// Validate checks the signature and expiry of token and that it is still
// the live token for its user.
func (i *Issuer) Validate(token string) (Entry, error) {
	var cl claims
	_, err := jwt.ParseWithClaims(token, &cl, func(t *jwt.Token) (interface{}, error) {
		return i.Secret, nil
	}, jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}), jwt.WithTimeFunc(i.now))
	if err != nil {
		return Entry{}, err
	}
	e, ok := i.Tokens.ByToken(cl.Context, token)
	if !ok {
		return Entry{}, ErrUnknownToken
	}
	return e, nil
}

// Sessions returns the address index backed by i's caches and clock.
func (i *Issuer) Sessions() Sessions {
	return Sessions{Tokens: i.Tokens, Addresses: i.Addresses, Now: i.now}
}

// Logout invalidates token and its address binding.
func (i *Issuer) Logout(token string) bool {
	e, ok := i.Tokens.Remove(token)
	if !ok {
		return false
	}
	if e.Addr != "" && i.Addresses != nil {
		i.Addresses.Remove(e.Addr, token)
	}
	log.Info().Str("user", e.User).Str("context", string(e.Context)).Msg("session closed")
	return true
}
