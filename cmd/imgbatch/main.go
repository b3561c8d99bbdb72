package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/rs/zerolog"
	"github.com/spf13/cobra"

	"github.com/manash/imgbatch/internal/auth"
	"github.com/manash/imgbatch/internal/config"
	"github.com/manash/imgbatch/internal/display"
	"github.com/manash/imgbatch/internal/history"
	"github.com/manash/imgbatch/internal/image"
	"github.com/manash/imgbatch/internal/keys"
	"github.com/manash/imgbatch/internal/logging"
	"github.com/manash/imgbatch/internal/provider"
	"github.com/manash/imgbatch/internal/provider/whisk"
	"github.com/manash/imgbatch/internal/retry"
	"github.com/manash/imgbatch/internal/transport"
)

var (
	version = "dev"
	commit  = "none"
)

// globalFlags are shared by every command that talks to the remote API.
type globalFlags struct {
	cookie     string
	account    string
	proxyFile  string
	logLevel   string
	logJSON    bool
	tzOffset   string
	maxRetries int
	rps        float64
}

type App struct {
	In     io.Reader
	Out    io.Writer
	Err    io.Writer
	GetEnv func(string) string
	Now    func() time.Time

	// Endpoint overrides; empty means the production endpoints.
	APIBaseURL     string
	LabsBaseURL    string
	SessionURL     string
	ProbeEndpoints []string

	// Sleep replaces retry backoff sleeps. Nil means real sleeps.
	Sleep func(ctx context.Context, d time.Duration) error

	NewSaver     func() *image.Saver
	NewDisplayer func(out io.Writer) *display.Displayer
	OpenHistory  func(path string) (*history.Store, error)
	OpenCookies  func() (*keys.Store, error)

	flags globalFlags
}

func DefaultApp() *App {
	return &App{
		In:           os.Stdin,
		Out:          os.Stdout,
		Err:          os.Stderr,
		GetEnv:       os.Getenv,
		Now:          time.Now,
		NewSaver:     image.NewSaver,
		NewDisplayer: display.New,
		OpenHistory:  history.NewStoreWithPath,
		OpenCookies:  keys.NewStore,
	}
}

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func run() error {
	if err := config.LoadDotEnv(config.DotEnvFiles...); err != nil {
		return err
	}
	app := DefaultApp()
	rootCmd := newRootCmd(app)
	return rootCmd.Execute()
}

func newRootCmd(app *App) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "imgbatch",
		Short: "Bulk image generation against the Whisk image API",
		Long: `imgbatch turns a file of prompts into generated images.

Each row becomes one job: a prompt alone, or a prompt composed with up to
three reference images (subject, scene, style). Jobs run on a small worker
pool, each with its own seed, and the first returned image is saved as
<row>_<prompt>.jpg in the output directory.

Examples:
  imgbatch cookie set "SID=...; HSID=..."
  imgbatch run prompts.csv -w 3 --seed 1000
  imgbatch generate "a red fox in snow" -n 4
  imgbatch run --rerun-failed 3f2a9c
  imgbatch auth check`,
		Version:       fmt.Sprintf("%s (commit: %s)", version, commit),
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	pf := cmd.PersistentFlags()
	pf.StringVar(&app.flags.cookie, "cookie", "", "labs.google cookie header (defaults to the stored cookie, then "+config.EnvCookie+")")
	pf.StringVar(&app.flags.account, "account", "", "stored cookie account to use (default \""+keys.DefaultAccount+"\")")
	pf.StringVar(&app.flags.proxyFile, "proxy-file", "", "proxy file: JSON {\"http\",\"https\"} or one proxy line")
	pf.StringVar(&app.flags.logLevel, "log-level", "", "diagnostic log level (debug, info, warn, error)")
	pf.BoolVar(&app.flags.logJSON, "log-json", false, "write diagnostic logs as JSON")
	pf.StringVar(&app.flags.tzOffset, "tz-offset", "", "UTC offset session expiries are reported in (e.g. +07:00)")
	pf.IntVar(&app.flags.maxRetries, "max-retries", 0, "attempts per remote call (default 3)")
	pf.Float64Var(&app.flags.rps, "rps", 0, "limit outbound requests per second (0 = unlimited)")

	cmd.AddCommand(
		newRunCmd(app),
		newGenerateCmd(app),
		newEditCmd(app),
		newAuthCmd(app),
		newCookieCmd(app),
		newProxyCmd(app),
		newHistoryCmd(app),
	)
	return cmd
}

// env is everything a command needs to reach the remote API.
type env struct {
	cfg    *config.Config
	logger zerolog.Logger
	client *transport.Client
	loc    *time.Location
}

// loadConfig reads the environment and applies flag overrides.
func (app *App) loadConfig(cmd *cobra.Command) (*config.Config, error) {
	cfg, err := config.Load(app.GetEnv)
	if err != nil {
		return nil, err
	}

	f := app.flags
	if f.cookie != "" {
		cfg.Cookie = f.cookie
	}
	if f.account != "" {
		cfg.Account = f.account
	}
	if f.proxyFile != "" {
		cfg.ProxyFile = f.proxyFile
	}
	if f.logLevel != "" {
		cfg.LogLevel = f.logLevel
	}
	if cmd.Flags().Changed("log-json") {
		cfg.LogJSON = f.logJSON
	}
	if f.tzOffset != "" {
		cfg.TZOffset = f.tzOffset
	}
	if f.maxRetries != 0 {
		cfg.MaxRetries = f.maxRetries
	}
	if cmd.Flags().Changed("rps") {
		cfg.RequestsPerSecond = f.rps
	}
	return cfg, nil
}

// newEnv validates cfg and builds the logger and the shared transport.
func (app *App) newEnv(cfg *config.Config) (*env, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	logger, err := logging.New(cfg.LogLevel, !cfg.LogJSON, app.Err)
	if err != nil {
		return nil, err
	}

	proxy, err := cfg.Proxy()
	if err != nil {
		return nil, fmt.Errorf("proxy: %w", err)
	}
	loc, err := cfg.Location()
	if err != nil {
		return nil, err
	}

	client, err := transport.New(transport.Config{
		Proxy:             proxy,
		MaxRetries:        transport.DefaultMaxRetries,
		RequestsPerSecond: cfg.RequestsPerSecond,
		Sleep:             app.Sleep,
		Logger:            logger.With().Str("component", "transport").Logger(),
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create transport: %w", err)
	}

	logger.Debug().Str("proxy", client.Proxy().String()).Str("tz", loc.String()).Msg("Environment ready")
	return &env{cfg: cfg, logger: logger, client: client, loc: loc}, nil
}

func (app *App) setup(cmd *cobra.Command) (*env, error) {
	cfg, err := app.loadConfig(cmd)
	if err != nil {
		return nil, err
	}
	return app.newEnv(cfg)
}

func (app *App) authenticator(e *env) *auth.Provider {
	return auth.NewProvider(e.client, auth.Options{
		URL:      app.SessionURL,
		Location: e.loc,
		Now:      app.Now,
		Logger:   e.logger.With().Str("component", "auth").Logger(),
	})
}

// resolveCookie applies flag > stored account cookie > environment.
func (app *App) resolveCookie(e *env) (string, error) {
	var store *keys.Store
	if s, err := app.OpenCookies(); err == nil {
		store = s
	} else {
		e.logger.Warn().Err(err).Msg("Cookie store unavailable")
	}
	cookie, source, err := keys.ResolveCookie(app.flags.cookie, store, e.cfg.Account, app.GetEnv)
	if err != nil {
		return "", err
	}
	e.logger.Debug().Str("source", source).Msg("Cookie resolved")
	return cookie, nil
}

// sessions checks connectivity, then authenticates once up front so a bad
// cookie fails before any job is dispatched. The keeper refreshes on demand.
func (app *App) sessions(ctx context.Context, e *env) (*auth.Keeper, error) {
	app.checkConnectivity(ctx, e)

	cookie, err := app.resolveCookie(e)
	if err != nil {
		return nil, err
	}
	keeper := auth.NewKeeper(app.authenticator(e), cookie)
	s, err := keeper.Refresh(ctx)
	if err != nil {
		return nil, fmt.Errorf("authentication failed: %w", err)
	}
	fmt.Fprintf(app.Out, "Authenticated as %s (session expires %s)\n", displayUser(s), humanTime(s.ExpiresAt, app.Now()))
	return keeper, nil
}

// checkConnectivity probes the network path once. A failure is reported and
// never stops the command.
func (app *App) checkConnectivity(ctx context.Context, e *env) {
	results := e.client.SelfTest(ctx, app.ProbeEndpoints)
	if transport.Healthy(results) {
		return
	}
	fmt.Fprintf(app.Err, "Warning: connectivity check failed (proxy: %s); continuing\n", e.client.Proxy())
	for _, r := range results {
		if transport.IsKind(r.Err, transport.KindProxy) {
			fmt.Fprintln(app.Err, "Hint: the proxy could not be reached; check --proxy-file or "+config.EnvProxyFile)
			return
		}
	}
}

func (app *App) generator(e *env) provider.Generator {
	policy := retry.DefaultPolicy()
	policy.Logger = e.logger.With().Str("component", "whisk").Logger()
	if app.Sleep != nil {
		policy.Sleep = app.Sleep
	}
	return whisk.New(e.client, &provider.Config{
		APIBaseURL:  app.APIBaseURL,
		LabsBaseURL: app.LabsBaseURL,
		MaxAttempts: e.cfg.MaxRetries,
	}, policy)
}

func signalContext() (context.Context, context.CancelFunc) {
	return signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
}

func displayUser(s *auth.Session) string {
	switch {
	case s.UserName != "" && s.UserEmail != "":
		return fmt.Sprintf("%s <%s>", s.UserName, s.UserEmail)
	case s.UserEmail != "":
		return s.UserEmail
	case s.UserName != "":
		return s.UserName
	}
	return "unknown user"
}

var errNoImages = errors.New("no images were generated")
