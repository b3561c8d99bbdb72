package auth

import (
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"
)

var (
	ErrEmptyCookie     = errors.New("cookie is empty")
	ErrAuthFailed      = errors.New("authentication failed")
	ErrSessionUnusable = errors.New("session unusable, re-authenticate")
)

type State int

const (
	StateValid State = iota
	StateExpired
	StateParseError
	StateNoExpiryInfo
)

func (s State) String() string {
	switch s {
	case StateValid:
		return "valid"
	case StateExpired:
		return "expired"
	case StateParseError:
		return "parse-error"
	case StateNoExpiryInfo:
		return "no-expiry-info"
	}
	return "unknown"
}

// Session is an issued bearer token. It is never mutated after
// ParseSession returns it; a refresh produces a new value.
type Session struct {
	AccessToken string
	Cookie      string
	UserName    string
	UserEmail   string

	// ExpiresAt is set only when State is StateValid or StateExpired.
	ExpiresAt        time.Time
	RawExpiry        string
	CreatedAt        time.Time
	State            State
	RemainingSeconds int64
}

// Usable reports whether the token may be sent at time t.
func (s *Session) Usable(t time.Time) bool {
	return s != nil && s.State == StateValid && s.AccessToken != "" && s.ExpiresAt.After(t)
}

func (s *Session) Remaining(t time.Time) time.Duration {
	if s == nil || s.State != StateValid {
		return 0
	}
	if d := s.ExpiresAt.Sub(t); d > 0 {
		return d
	}
	return 0
}

type sessionPayload struct {
	AccessToken string  `json:"access_token"`
	Expires     *string `json:"expires"`
	User        struct {
		Name  string `json:"name"`
		Email string `json:"email"`
	} `json:"user"`
}

// ParseSession decodes a session endpoint body and classifies its expiry
// relative to now. Server expiries in UTC are converted into loc; bare
// timestamps are read as loc wall time.
func ParseSession(body []byte, cookie string, now time.Time, loc *time.Location) (*Session, error) {
	if loc == nil {
		loc = time.Local
	}

	var p sessionPayload
	if err := json.Unmarshal(body, &p); err != nil {
		return nil, fmt.Errorf("%w: decoding session: %v", ErrAuthFailed, err)
	}
	if p.AccessToken == "" {
		return nil, fmt.Errorf("%w: response has no access_token", ErrAuthFailed)
	}

	s := &Session{
		AccessToken: p.AccessToken,
		Cookie:      cookie,
		UserName:    p.User.Name,
		UserEmail:   p.User.Email,
		CreatedAt:   now.In(loc),
	}

	if p.Expires == nil {
		s.State = StateNoExpiryInfo
		return s, nil
	}
	s.RawExpiry = *p.Expires

	exp, err := ParseExpiry(*p.Expires, loc)
	if err != nil {
		s.State = StateParseError
		return s, nil
	}
	s.ExpiresAt = exp

	if !exp.After(now) {
		s.State = StateExpired
		return s, nil
	}
	s.State = StateValid
	s.RemainingSeconds = int64(exp.Sub(now) / time.Second)
	return s, nil
}

var bareLayouts = []string{
	"2006-01-02T15:04:05",
	"2006-01-02 15:04:05",
}

// ParseExpiry accepts an ISO-8601 instant with a Z or numeric offset, or a
// bare local timestamp. Fractional seconds are optional in both.
func ParseExpiry(raw string, loc *time.Location) (time.Time, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return time.Time{}, errors.New("empty expiry")
	}
	if t, err := time.Parse(time.RFC3339Nano, raw); err == nil {
		return t.In(loc), nil
	}
	for _, layout := range bareLayouts {
		if t, err := time.ParseInLocation(layout, raw, loc); err == nil {
			return t, nil
		}
	}
	return time.Time{}, fmt.Errorf("unrecognized expiry %q", raw)
}

// FixedZone parses an offset like "+07:00", "-0330" or "7" into a zone.
func FixedZone(offset string) (*time.Location, error) {
	offset = strings.TrimSpace(offset)
	if offset == "" {
		return time.Local, nil
	}
	if strings.EqualFold(offset, "utc") || offset == "Z" {
		return time.UTC, nil
	}

	sign, signChar := 1, '+'
	switch offset[0] {
	case '+':
		offset = offset[1:]
	case '-':
		sign, signChar = -1, '-'
		offset = offset[1:]
	}

	hh, mm := offset, "0"
	switch {
	case strings.Contains(offset, ":"):
		hh, mm, _ = strings.Cut(offset, ":")
	case len(offset) == 4:
		hh, mm = offset[:2], offset[2:]
	}
	h, herr := strconv.Atoi(hh)
	m, merr := strconv.Atoi(mm)
	if herr != nil || merr != nil || h > 14 || m > 59 || h < 0 || m < 0 {
		return nil, fmt.Errorf("invalid UTC offset %q", offset)
	}

	name := fmt.Sprintf("UTC%c%02d:%02d", signChar, h, m)
	return time.FixedZone(name, sign*(h*3600+m*60)), nil
}
