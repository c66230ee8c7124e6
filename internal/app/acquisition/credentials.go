package acquisition

import (
	"context"
	"errors"
	"fmt"
	"sync"
)

// Bootstrapper produces a fresh bearer token. How it does so (a static
// value, a login call, an external capture script) is its own business.
type Bootstrapper interface {
	Token(ctx context.Context) (string, error)
}

// BootstrapperFunc adapts a function to Bootstrapper.
type BootstrapperFunc func(ctx context.Context) (string, error)

// Token implements Bootstrapper.
func (f BootstrapperFunc) Token(ctx context.Context) (string, error) { return f(ctx) }

var errEmptyToken = errors.New("bootstrapper returned an empty token")

// CredentialCache holds the current bearer token. The token is created on
// first use and replaced only by Refresh. It is the one piece of mutable
// state the client shares across tasks.
type CredentialCache struct {
	mu        sync.Mutex
	token     string
	bootstrap Bootstrapper
	refreshes int
}

// NewCredentialCache creates an empty cache backed by b.
func NewCredentialCache(b Bootstrapper) *CredentialCache {
	return &CredentialCache{bootstrap: b}
}

// Get returns the cached token, bootstrapping one if the cache is empty.
func (c *CredentialCache) Get(ctx context.Context) (string, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.token != "" {
		return c.token, nil
	}
	return c.fetchLocked(ctx)
}

// Refresh unconditionally replaces the token. On failure the cache is left
// empty, so the next Get bootstraps again rather than reusing a token known
// to be bad.
func (c *CredentialCache) Refresh(ctx context.Context) (string, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.token = ""
	c.refreshes++
	return c.fetchLocked(ctx)
}

// Refreshes is the number of Refresh calls made so far.
func (c *CredentialCache) Refreshes() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.refreshes
}

func (c *CredentialCache) fetchLocked(ctx context.Context) (string, error) {
	token, err := c.bootstrap.Token(ctx)
	if err != nil {
		return "", fmt.Errorf("bootstrap credential: %w", err)
	}
	if token == "" {
		return "", errEmptyToken
	}
	c.token = token
	return token, nil
}
