// Package auth exchanges a long-lived browser cookie for a short-lived bearer
// token and tracks that token's validity.
package auth

import (
	"context"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"github.com/manash/imgbatch/internal/transport"
)

const (
	DefaultSessionURL = "https://labs.google/fx/api/auth/session"
	sessionTimeout    = 30 * time.Second
)

// Sender is the subset of *transport.Client the provider needs.
type Sender interface {
	Send(ctx context.Context, req *transport.Request) (*transport.Response, error)
}

// Authenticator issues sessions from cookies.
type Authenticator interface {
	Authenticate(ctx context.Context, cookie string) (*Session, error)
}

type Options struct {
	URL string
	// Location is the zone expiries are expressed in. Defaults to time.Local.
	Location *time.Location
	Now      func() time.Time
	Logger   zerolog.Logger
}

type Provider struct {
	sender Sender
	url    string
	loc    *time.Location
	now    func() time.Time
	logger zerolog.Logger
}

func NewProvider(sender Sender, opts Options) *Provider {
	p := &Provider{
		sender: sender,
		url:    opts.URL,
		loc:    opts.Location,
		now:    opts.Now,
		logger: opts.Logger,
	}
	if p.url == "" {
		p.url = DefaultSessionURL
	}
	if p.loc == nil {
		p.loc = time.Local
	}
	if p.now == nil {
		p.now = time.Now
	}
	return p
}

// Authenticate performs one session exchange. It does not retry. The returned
// Session may be in a non-valid state; callers check Usable.
func (p *Provider) Authenticate(ctx context.Context, cookie string) (*Session, error) {
	cookie = strings.TrimSpace(cookie)
	if cookie == "" {
		return nil, ErrEmptyCookie
	}

	resp, err := p.sender.Send(ctx, &transport.Request{
		Method:  http.MethodGet,
		URL:     p.url,
		Header:  transport.APIHeaders("", cookie),
		Timeout: sessionTimeout,
	})
	if err != nil {
		return nil, fmt.Errorf("requesting session: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		p.logger.Error().Int("status", resp.StatusCode).Msg("Session exchange rejected")
		return nil, fmt.Errorf("%w: HTTP %d", ErrAuthFailed, resp.StatusCode)
	}

	s, err := ParseSession(resp.Body, cookie, p.now(), p.loc)
	if err != nil {
		return nil, err
	}

	ev := p.logger.Info()
	if s.State != StateValid {
		ev = p.logger.Warn()
	}
	ev.Str("user", s.UserEmail).
		Str("state", s.State.String()).
		Time("expiresAt", s.ExpiresAt).
		Int64("remainingSeconds", s.RemainingSeconds).
		Msg("Session issued")
	return s, nil
}
