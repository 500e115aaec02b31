// Package sessiontest provides a scriptable identity-provider fake.
package sessiontest

import (
	"context"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"portal/cmd/internal/auth/credential"
)

// Gateway is a session.Gateway fake. Zero value answers every call successfully
// with credentials issued at Now() lasting ExpiresIn (15 minutes by default).
type Gateway struct {
	Now       func() time.Time
	ExpiresIn time.Duration

	// LoginErr and LogoutErr are returned when set.
	LoginErr  error
	LogoutErr error

	// RefreshErrs are returned in order, one per Refresh call; nil entries succeed.
	// Once exhausted, Refresh succeeds.
	RefreshErrs []error

	// RefreshGate, when set, blocks Refresh until it is closed or ctx ends.
	RefreshGate chan struct{}
	// LogoutBlock makes Logout wait for ctx to end.
	LogoutBlock bool

	mu           sync.Mutex
	refreshCalls atomic.Int32
	loginCalls   atomic.Int32
	logoutCalls  atomic.Int32
	seq          atomic.Int32
	lastRefresh  string
}

func (g *Gateway) now() time.Time {
	if g.Now != nil {
		return g.Now()
	}
	return time.Now()
}

func (g *Gateway) issue(prefix string) credential.Credential {
	ttl := g.ExpiresIn
	if ttl <= 0 {
		ttl = 15 * time.Minute
	}
	n := g.seq.Add(1)
	return credential.New(prefix+"-access-"+strconv.Itoa(int(n)), prefix+"-refresh-"+strconv.Itoa(int(n)), ttl, g.now())
}

func (g *Gateway) Login(ctx context.Context, _, _ string) (credential.Credential, error) {
	g.loginCalls.Add(1)
	if g.LoginErr != nil {
		return credential.Credential{}, g.LoginErr
	}
	return g.issue("login"), nil
}

func (g *Gateway) Refresh(ctx context.Context, refreshToken string) (credential.Credential, error) {
	call := int(g.refreshCalls.Add(1))

	g.mu.Lock()
	g.lastRefresh = refreshToken
	var err error
	if call <= len(g.RefreshErrs) {
		err = g.RefreshErrs[call-1]
	}
	gate := g.RefreshGate
	g.mu.Unlock()

	if gate != nil {
		select {
		case <-gate:
		case <-ctx.Done():
			return credential.Credential{}, ctx.Err()
		}
	}
	if err != nil {
		return credential.Credential{}, err
	}
	return g.issue("refreshed"), nil
}

func (g *Gateway) Logout(ctx context.Context, _ string) error {
	g.logoutCalls.Add(1)
	if g.LogoutBlock {
		<-ctx.Done()
		return ctx.Err()
	}
	return g.LogoutErr
}

// RefreshCalls returns the number of Refresh calls so far.
func (g *Gateway) RefreshCalls() int { return int(g.refreshCalls.Load()) }

// LoginCalls returns the number of Login calls so far.
func (g *Gateway) LoginCalls() int { return int(g.loginCalls.Load()) }

// LogoutCalls returns the number of Logout calls so far.
func (g *Gateway) LogoutCalls() int { return int(g.logoutCalls.Load()) }

// LastRefreshToken returns the token passed to the latest Refresh call.
func (g *Gateway) LastRefreshToken() string {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.lastRefresh
}
