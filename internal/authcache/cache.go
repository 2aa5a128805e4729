package authcache

import (
	"fmt"
	"sync"
	"time"
)

// Context is the category a token was issued for. Each category has its
// own token and user indexes.
type Context string

const (
	ContextUser      Context = "user"
	ContextAdmin     Context = "admin"
	ContextPOS       Context = "pos"
	ContextJobTicket Context = "job-ticket"
)

var Contexts = []Context{ContextUser, ContextAdmin, ContextPOS, ContextJobTicket}

func ParseContext(v string) (Context, error) {
	for _, c := range Contexts {
		if string(c) == v {
			return c, nil
		}
	}
	return "", fmt.Errorf("authcache: unknown context %q", v)
}

type Entry struct {
	Token     string
	User      string
	Context   Context
	Addr      string
	CreatedAt time.Time
	// ExpiresAt is zero for sessions that never expire.
	ExpiresAt time.Time
}

func (e Entry) Expired(now time.Time) bool {
	return !e.ExpiresAt.IsZero() && !now.Before(e.ExpiresAt)
}

type index struct {
	byToken map[string]Entry
	byUser  map[string]Entry
}

// Cache keeps at most one live token per (user, context). Both indexes of a
// context change together under one lock.
type Cache struct {
	mu      sync.Mutex
	indexes map[Context]*index
}

func New() *Cache {
	c := &Cache{indexes: make(map[Context]*index, len(Contexts))}
	for _, ctx := range Contexts {
		c.indexes[ctx] = &index{byToken: map[string]Entry{}, byUser: map[string]Entry{}}
	}
	return c
}

// Put stores e, first dropping any entry the user already holds in the
// same context. The replaced entry is returned.
func (c *Cache) Put(e Entry) (Entry, bool, error) {
	if e.Token == "" || e.User == "" {
		return Entry{}, false, fmt.Errorf("authcache: token and user required")
	}
	c.mu.Lock()
	defer c.mu.Unlock()

	idx, ok := c.indexes[e.Context]
	if !ok {
		return Entry{}, false, fmt.Errorf("authcache: unknown context %q", e.Context)
	}
	if e.CreatedAt.IsZero() {
		e.CreatedAt = time.Now()
	}
	old, replaced := idx.byUser[e.User]
	if replaced {
		delete(idx.byToken, old.Token)
		delete(idx.byUser, old.User)
	}
	if stale, ok := idx.byToken[e.Token]; ok {
		delete(idx.byUser, stale.User)
	}
	idx.byToken[e.Token] = e
	idx.byUser[e.User] = e
	return old, replaced, nil
}

// Remove drops token from whichever context holds it.
func (c *Cache) Remove(token string) (Entry, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	for _, idx := range c.indexes {
		if e, ok := idx.byToken[token]; ok {
			delete(idx.byToken, token)
			if cur, ok := idx.byUser[e.User]; ok && cur.Token == token {
				delete(idx.byUser, e.User)
			}
			return e, true
		}
	}
	return Entry{}, false
}

// RemoveUser invalidates the token user holds in ctx.
func (c *Cache) RemoveUser(ctx Context, user string) (Entry, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	idx, ok := c.indexes[ctx]
	if !ok {
		return Entry{}, false
	}
	e, ok := idx.byUser[user]
	if !ok {
		return Entry{}, false
	}
	delete(idx.byUser, user)
	delete(idx.byToken, e.Token)
	return e, true
}

func (c *Cache) ByToken(ctx Context, token string) (Entry, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	idx, ok := c.indexes[ctx]
	if !ok {
		return Entry{}, false
	}
	e, ok := idx.byToken[token]
	return e, ok
}

func (c *Cache) ByUser(ctx Context, user string) (Entry, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	idx, ok := c.indexes[ctx]
	if !ok {
		return Entry{}, false
	}
	e, ok := idx.byUser[user]
	return e, ok
}

// Len returns the number of live tokens in ctx.
func (c *Cache) Len(ctx Context) int {
	c.mu.Lock()
	defer c.mu.Unlock()
	if idx, ok := c.indexes[ctx]; ok {
		return len(idx.byToken)
	}
	return 0
}
