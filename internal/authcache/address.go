package authcache

import (
	"sync"
	"time"
)

// AddressCache binds a client address to the token of the session opened
// from it. Kiosks and print stations are identified this way.
type AddressCache struct {
	mu     sync.Mutex
	tokens map[string]string
}

func NewAddressCache() *AddressCache {
	return &AddressCache{tokens: map[string]string{}}
}

func (a *AddressCache) Put(addr, token string) {
	a.mu.Lock()
	a.tokens[addr] = token
	a.mu.Unlock()
}

func (a *AddressCache) Get(addr string) (string, bool) {
	a.mu.Lock()
	defer a.mu.Unlock()
	t, ok := a.tokens[addr]
	return t, ok
}

// Remove drops the binding for addr if it still points at token. An empty
// token removes unconditionally.
func (a *AddressCache) Remove(addr, token string) bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	cur, ok := a.tokens[addr]
	if !ok || (token != "" && cur != token) {
		return false
	}
	delete(a.tokens, addr)
	return true
}

// Sessions resolves the user bound to a client address through the
// address cache and the user and pos token indexes. Expired sessions are
// dropped from both caches on lookup.
type Sessions struct {
	Tokens    *Cache
	Addresses *AddressCache
	Now       func() time.Time
}

func (s Sessions) UserForAddr(addr string) (string, bool) {
	if s.Tokens == nil || s.Addresses == nil {
		return "", false
	}
	token, ok := s.Addresses.Get(addr)
	if !ok {
		return "", false
	}
	for _, ctx := range []Context{ContextUser, ContextPOS} {
		e, ok := s.Tokens.ByToken(ctx, token)
		if !ok {
			continue
		}
		if e.Expired(s.now()) {
			s.Tokens.Remove(token)
			s.Addresses.Remove(addr, token)
			return "", false
		}
		return e.User, true
	}
	return "", false
}

func (s Sessions) now() time.Time {
	if s.Now != nil {
		return s.Now()
	}
	return time.Now()
}
