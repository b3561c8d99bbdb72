package transport

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"os"
	"strings"
)

var (
	ErrEmptyProxyFile = errors.New("proxy file is empty")
	ErrInvalidProxy   = errors.New("invalid proxy URL")
)

// ProxyConfig maps request schemes to upstream proxies. An empty field
// means direct connections for that scheme.
type ProxyConfig struct {
	HTTP  string `json:"http"`
	HTTPS string `json:"https"`
}

func (p *ProxyConfig) IsZero() bool {
	return p == nil || (p.HTTP == "" && p.HTTPS == "")
}

func (p *ProxyConfig) Validate() error {
	for _, raw := range []string{p.HTTP, p.HTTPS} {
		if raw == "" {
			continue
		}
		if _, err := parseProxyURL(raw); err != nil {
			return err
		}
	}
	return nil
}

// ProxyFunc returns a function suitable for http.Transport.Proxy.
func (p *ProxyConfig) ProxyFunc() func(*http.Request) (*url.URL, error) {
	return func(req *http.Request) (*url.URL, error) {
		raw := p.HTTP
		if req.URL.Scheme == "https" {
			raw = p.HTTPS
		}
		if raw == "" {
			return nil, nil
		}
		return parseProxyURL(raw)
	}
}

// String renders the proxy with credentials masked.
func (p *ProxyConfig) String() string {
	if p.IsZero() {
		return "direct"
	}
	return fmt.Sprintf("http=%s https=%s", redactProxy(p.HTTP), redactProxy(p.HTTPS))
}

// LoadProxyFile reads a proxy definition. Two layouts are accepted: a JSON
// object {"http": "...", "https": "..."}, or a single line holding one proxy
// used for both schemes. A line may be a URL, host:port, or
// host:port:user:pass.
func LoadProxyFile(path string) (*ProxyConfig, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading proxy file: %w", err)
	}
	return ParseProxy(string(data))
}

func ParseProxy(text string) (*ProxyConfig, error) {
	text = strings.TrimSpace(text)
	if text == "" {
		return nil, ErrEmptyProxyFile
	}

	if strings.HasPrefix(text, "{") {
		var p ProxyConfig
		if err := json.Unmarshal([]byte(text), &p); err != nil {
			return nil, fmt.Errorf("%w: %v", ErrInvalidProxy, err)
		}
		if p.IsZero() {
			return nil, ErrEmptyProxyFile
		}
		if err := p.Validate(); err != nil {
			return nil, err
		}
		return &p, nil
	}

	var line string
	for _, l := range strings.Split(text, "\n") {
		l = strings.TrimSpace(l)
		if l != "" && !strings.HasPrefix(l, "#") {
			line = l
			break
		}
	}
	if line == "" {
		return nil, ErrEmptyProxyFile
	}

	raw := normalizeProxyLine(line)
	if _, err := parseProxyURL(raw); err != nil {
		return nil, err
	}
	return &ProxyConfig{HTTP: raw, HTTPS: raw}, nil
}

func normalizeProxyLine(line string) string {
	if strings.Contains(line, "://") {
		return line
	}
	parts := strings.Split(line, ":")
	if len(parts) == 4 {
		u := url.URL{
			Scheme: "http",
			Host:   parts[0] + ":" + parts[1],
			User:   url.UserPassword(parts[2], parts[3]),
		}
		return u.String()
	}
	return "http://" + line
}

func parseProxyURL(raw string) (*url.URL, error) {
	u, err := url.Parse(raw)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidProxy, err)
	}
	switch u.Scheme {
	case "http", "https", "socks5", "socks5h":
	default:
		return nil, fmt.Errorf("%w: unsupported scheme %q", ErrInvalidProxy, u.Scheme)
	}
	if u.Host == "" {
		return nil, fmt.Errorf("%w: missing host in %q", ErrInvalidProxy, redactProxy(raw))
	}
	return u, nil
}

func redactProxy(raw string) string {
	if raw == "" {
		return "-"
	}
	u, err := url.Parse(raw)
	if err != nil || u.User == nil {
		return raw
	}
	return u.Redacted()
}
