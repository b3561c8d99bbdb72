package keys

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"runtime"
	"sort"
	"strings"
	"time"
)

const (
	// DefaultAccount is used when no --account is given.
	DefaultAccount = "default"
	EnvCookie      = "IMGBATCH_COOKIE"
	EnvConfigDir   = "IMGBATCH_CONFIG_DIR"
)

var (
	ErrNoCookie       = errors.New("cookie required: pass --cookie, run 'imgbatch cookie set', or set " + EnvCookie)
	ErrAccountMissing = errors.New("no cookie stored for account")
)

// Store keeps one browser cookie per account in cookies.json.
type Store struct {
	configDir string
}

// Entry is a stored account cookie.
type Entry struct {
	Cookie    string    `json:"cookie"`
	UpdatedAt time.Time `json:"updated_at"`
}

type Cookies map[string]Entry

func NewStore() (*Store, error) {
	configDir, err := configDir(os.Getenv)
	if err != nil {
		return nil, err
	}
	return &Store{configDir: configDir}, nil
}

// NewStoreAt opens a store rooted at dir.
func NewStoreAt(dir string) *Store {
	return &Store{configDir: dir}
}

// configDir returns the platform-specific config directory
func configDir(getenv func(string) string) (string, error) {
	if dir := getenv(EnvConfigDir); dir != "" {
		return dir, nil
	}

	switch runtime.GOOS {
	case "darwin":
		home, err := os.UserHomeDir()
		if err != nil {
			return "", err
		}
		return filepath.Join(home, "Library", "Application Support", "imgbatch"), nil
	case "windows":
		appData := getenv("APPDATA")
		if appData == "" {
			home, err := os.UserHomeDir()
			if err != nil {
				return "", err
			}
			appData = filepath.Join(home, "AppData", "Roaming")
		}
		return filepath.Join(appData, "imgbatch"), nil
	default:
		configHome := getenv("XDG_CONFIG_HOME")
		if configHome == "" {
			home, err := os.UserHomeDir()
			if err != nil {
				return "", err
			}
			configHome = filepath.Join(home, ".config")
		}
		return filepath.Join(configHome, "imgbatch"), nil
	}
}

func (s *Store) Path() string {
	return filepath.Join(s.configDir, "cookies.json")
}

func (s *Store) load() (Cookies, error) {
	data, err := os.ReadFile(s.Path())
	if err != nil {
		if os.IsNotExist(err) {
			return make(Cookies), nil
		}
		return nil, err
	}

	var cookies Cookies
	if err := json.Unmarshal(data, &cookies); err != nil {
		return nil, fmt.Errorf("failed to parse cookies.json: %w", err)
	}
	if cookies == nil {
		cookies = make(Cookies)
	}
	return cookies, nil
}

func (s *Store) save(cookies Cookies) error {
	if err := os.MkdirAll(s.configDir, 0700); err != nil {
		return fmt.Errorf("failed to create config directory: %w", err)
	}

	data, err := json.MarshalIndent(cookies, "", "  ")
	if err != nil {
		return err
	}

	// owner read/write only
	if err := os.WriteFile(s.Path(), data, 0600); err != nil {
		return fmt.Errorf("failed to write cookies.json: %w", err)
	}
	return nil
}

// Set stores cookie for account, replacing any previous value.
func (s *Store) Set(account, cookie string) error {
	cookie = strings.TrimSpace(cookie)
	if cookie == "" {
		return errors.New("cookie is empty")
	}
	cookies, err := s.load()
	if err != nil {
		return err
	}

	cookies[account] = Entry{Cookie: cookie, UpdatedAt: time.Now().UTC()}
	return s.save(cookies)
}

// Get returns the cookie for account, or "" when none is stored.
func (s *Store) Get(account string) (string, error) {
	cookies, err := s.load()
	if err != nil {
		return "", err
	}
	return cookies[account].Cookie, nil
}

func (s *Store) Delete(account string) error {
	cookies, err := s.load()
	if err != nil {
		return err
	}

	if _, ok := cookies[account]; !ok {
		return fmt.Errorf("%w: %s", ErrAccountMissing, account)
	}

	delete(cookies, account)
	return s.save(cookies)
}

// List returns the stored accounts sorted by name.
func (s *Store) List() ([]string, error) {
	cookies, err := s.load()
	if err != nil {
		return nil, err
	}

	accounts := make([]string, 0, len(cookies))
	for account := range cookies {
		accounts = append(accounts, account)
	}
	sort.Strings(accounts)
	return accounts, nil
}

// Entries returns every stored entry keyed by account.
func (s *Store) Entries() (Cookies, error) {
	return s.load()
}

// Mask hides the middle of a secret for display.
func Mask(secret string) string {
	if len(secret) <= 8 {
		return strings.Repeat("*", len(secret))
	}
	return secret[:4] + strings.Repeat("*", len(secret)-8) + secret[len(secret)-4:]
}

// ResolveCookie picks the cookie in priority order: the explicit flag value,
// the account's stored cookie, then the IMGBATCH_COOKIE environment variable.
// The second return value describes where the cookie came from. store may be
// nil.
func ResolveCookie(explicit string, store *Store, account string, getenv func(string) string) (string, string, error) {
	if c := strings.TrimSpace(explicit); c != "" {
		return c, "command-line flag", nil
	}

	if account == "" {
		account = DefaultAccount
	}
	if store != nil {
		if c, err := store.Get(account); err == nil && c != "" {
			return c, fmt.Sprintf("stored cookie for %q (%s)", account, store.Path()), nil
		}
	}

	if c := strings.TrimSpace(getenv(EnvCookie)); c != "" {
		return c, fmt.Sprintf("environment variable (%s)", EnvCookie), nil
	}

	return "", "", ErrNoCookie
}
