package auth

import (
	"context"
	"fmt"
	"sync"
	"time"

	"golang.org/x/sync/singleflight"
)

// DefaultRefreshSkew is how long before expiry a session is treated as
// unusable.
const DefaultRefreshSkew = time.Minute

// Keeper shares one Session between workers and refreshes it on demand.
// Concurrent refreshes collapse into a single exchange.
type Keeper struct {
	auth   Authenticator
	cookie string
	skew   time.Duration
	now    func() time.Time

	mu      sync.RWMutex
	current *Session
	group   singleflight.Group
}

func NewKeeper(a Authenticator, cookie string) *Keeper {
	return &Keeper{
		auth:   a,
		cookie: cookie,
		skew:   DefaultRefreshSkew,
		now:    time.Now,
	}
}

// Seed installs an already obtained session.
func (k *Keeper) Seed(s *Session) {
	k.mu.Lock()
	k.current = s
	k.mu.Unlock()
}

// Current returns a usable session, authenticating when there is none.
func (k *Keeper) Current(ctx context.Context) (*Session, error) {
	k.mu.RLock()
	s := k.current
	k.mu.RUnlock()

	if k.usable(s) {
		return s, nil
	}
	return k.Refresh(ctx)
}

// usable applies the refresh skew, so Current and Refresh agree on which
// sessions may be kept.
func (k *Keeper) usable(s *Session) bool {
	return s.Usable(k.now().Add(k.skew))
}

// Invalidate drops stale if it is still the current session. Workers that
// saw a 401 call it before Current so only the first one re-authenticates.
func (k *Keeper) Invalidate(stale *Session) {
	k.mu.Lock()
	if k.current == stale {
		k.current = nil
	}
	k.mu.Unlock()
}

// Refresh exchanges the cookie for a new session.
func (k *Keeper) Refresh(ctx context.Context) (*Session, error) {
	v, err, _ := k.group.Do("session", func() (any, error) {
		k.mu.RLock()
		s := k.current
		k.mu.RUnlock()
		if k.usable(s) {
			return s, nil
		}

		fresh, err := k.auth.Authenticate(ctx, k.cookie)
		if err != nil {
			return nil, err
		}
		if !k.usable(fresh) {
			if fresh.Usable(k.now()) {
				return nil, fmt.Errorf("%w: expires within %s", ErrSessionUnusable, k.skew)
			}
			return nil, fmt.Errorf("%w: state %s", ErrSessionUnusable, fresh.State)
		}

		k.mu.Lock()
		k.current = fresh
		k.mu.Unlock()
		return fresh, nil
	})
	if err != nil {
		return nil, err
	}
	return v.(*Session), nil
}
