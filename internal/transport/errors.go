package transport

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"strings"
	"syscall"
)

type Kind int

const (
	KindGeneric Kind = iota
	KindProxy
	KindTimeout
	KindConnection
)

func (k Kind) String() string {
	switch k {
	case KindProxy:
		return "ProxyError"
	case KindTimeout:
		return "Timeout"
	case KindConnection:
		return "ConnectionError"
	default:
		return "GenericRequestError"
	}
}

// Error is a failure to obtain any HTTP response. It is fatal to the call
// that produced it and nothing else.
type Error struct {
	Kind   Kind
	Method string
	URL    string
	Err    error
}

func (e *Error) Error() string {
	return fmt.Sprintf("%s: %s %s: %v", e.Kind, e.Method, e.URL, e.Err)
}

func (e *Error) Unwrap() error {
	return e.Err
}

// Classify maps a low-level client error onto a Kind.
func Classify(err error) Kind {
	if err == nil {
		return KindGeneric
	}

	var opErr *net.OpError
	if errors.As(err, &opErr) && opErr.Op == "proxyconnect" {
		return KindProxy
	}
	if strings.Contains(err.Error(), "proxyconnect") || strings.Contains(err.Error(), "proxy error") {
		return KindProxy
	}

	if errors.Is(err, context.DeadlineExceeded) {
		return KindTimeout
	}
	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return KindTimeout
	}

	var dnsErr *net.DNSError
	switch {
	case errors.As(err, &dnsErr),
		errors.As(err, &opErr),
		errors.Is(err, syscall.ECONNREFUSED),
		errors.Is(err, syscall.ECONNRESET),
		errors.Is(err, io.ErrUnexpectedEOF),
		errors.Is(err, io.EOF):
		return KindConnection
	}

	return KindGeneric
}

// IsKind reports whether err is a transport Error of kind k.
func IsKind(err error, k Kind) bool {
	var te *Error
	return errors.As(err, &te) && te.Kind == k
}
