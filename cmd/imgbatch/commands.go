package main

import (
	"bufio"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/spf13/cobra"
	"golang.org/x/term"

	"github.com/manash/imgbatch/internal/auth"
	"github.com/manash/imgbatch/internal/config"
	"github.com/manash/imgbatch/internal/history"
	"github.com/manash/imgbatch/internal/keys"
	"github.com/manash/imgbatch/internal/transport"
)

func newAuthCmd(app *App) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "auth",
		Short: "Inspect the session issued for the configured cookie",
	}
	cmd.AddCommand(&cobra.Command{
		Use:   "check",
		Short: "Exchange the cookie for a session and report its validity",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return app.runAuthCheck(cmd)
		},
	})
	return cmd
}

func (app *App) runAuthCheck(cmd *cobra.Command) error {
	ctx, cancel := signalContext()
	defer cancel()

	e, err := app.setup(cmd)
	if err != nil {
		return err
	}
	cookie, err := app.resolveCookie(e)
	if err != nil {
		return err
	}

	s, err := app.authenticator(e).Authenticate(ctx, cookie)
	if err != nil {
		return err
	}

	now := app.Now()
	fmt.Fprintf(app.Out, "User:      %s\n", displayUser(s))
	fmt.Fprintf(app.Out, "State:     %s\n", s.State)
	switch s.State {
	case auth.StateValid, auth.StateExpired:
		fmt.Fprintf(app.Out, "Expires:   %s (%s)\n", s.ExpiresAt.In(e.loc).Format(time.DateTime+" MST"), humanTime(s.ExpiresAt, now))
		fmt.Fprintf(app.Out, "Remaining: %s\n", s.Remaining(now).Round(time.Second))
	default:
		if s.RawExpiry != "" {
			fmt.Fprintf(app.Out, "Expires:   %q (unparseable)\n", s.RawExpiry)
		}
	}

	if !s.Usable(now) {
		return fmt.Errorf("%w: state %s", auth.ErrSessionUnusable, s.State)
	}
	return nil
}

func newCookieCmd(app *App) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "cookie",
		Short: "Manage stored labs.google cookies",
		Long: `Manage stored labs.google cookies, one per account.

The account is chosen with --account (default "` + keys.DefaultAccount + `").`,
	}

	cmd.AddCommand(
		&cobra.Command{
			Use:   "set [cookie]",
			Short: "Store the cookie for an account (read from stdin when omitted)",
			Args:  cobra.MaximumNArgs(1),
			RunE: func(_ *cobra.Command, args []string) error {
				return app.runCookieSet(args)
			},
		},
		&cobra.Command{
			Use:   "list",
			Short: "List stored accounts",
			Args:  cobra.NoArgs,
			RunE: func(_ *cobra.Command, _ []string) error {
				return app.runCookieList()
			},
		},
		&cobra.Command{
			Use:   "delete [account]",
			Short: "Delete the stored cookie for an account",
			Args:  cobra.MaximumNArgs(1),
			RunE: func(_ *cobra.Command, args []string) error {
				account := app.account()
				if len(args) == 1 {
					account = args[0]
				}
				store, err := app.OpenCookies()
				if err != nil {
					return err
				}
				if err := store.Delete(account); err != nil {
					return err
				}
				fmt.Fprintf(app.Out, "Deleted cookie for %q\n", account)
				return nil
			},
		},
	)
	return cmd
}

func (app *App) account() string {
	if app.flags.account != "" {
		return app.flags.account
	}
	if a := app.GetEnv(config.EnvAccount); a != "" {
		return a
	}
	return keys.DefaultAccount
}

func (app *App) runCookieSet(args []string) error {
	var cookie string
	if len(args) == 1 {
		cookie = args[0]
	} else {
		var err error
		if cookie, err = app.readSecret("Paste cookie: "); err != nil {
			return fmt.Errorf("failed to read cookie: %w", err)
		}
	}

	store, err := app.OpenCookies()
	if err != nil {
		return err
	}
	account := app.account()
	if err := store.Set(account, cookie); err != nil {
		return err
	}
	fmt.Fprintf(app.Out, "Stored cookie for %q in %s (%s)\n", account, store.Path(), keys.Mask(strings.TrimSpace(cookie)))
	return nil
}

// readSecret reads one line from app.In without echo when it is a terminal.
func (app *App) readSecret(prompt string) (string, error) {
	if f, ok := app.In.(*os.File); ok && term.IsTerminal(int(f.Fd())) {
		fmt.Fprint(app.Err, prompt)
		b, err := term.ReadPassword(int(f.Fd()))
		fmt.Fprintln(app.Err)
		if err != nil {
			return "", err
		}
		return strings.TrimSpace(string(b)), nil
	}

	line, err := bufio.NewReader(app.In).ReadString('\n')
	if err != nil && !errors.Is(err, io.EOF) {
		return "", err
	}
	return strings.TrimSpace(line), nil
}

func (app *App) runCookieList() error {
	store, err := app.OpenCookies()
	if err != nil {
		return err
	}
	accounts, err := store.List()
	if err != nil {
		return err
	}
	if len(accounts) == 0 {
		fmt.Fprintln(app.Out, "No stored cookies")
		return nil
	}
	entries, err := store.Entries()
	if err != nil {
		return err
	}

	now := app.Now()
	tw := tabwriter.NewWriter(app.Out, 0, 0, 2, ' ', 0)
	fmt.Fprintln(tw, "ACCOUNT\tCOOKIE\tUPDATED")
	for _, a := range accounts {
		entry := entries[a]
		fmt.Fprintf(tw, "%s\t%s\t%s\n", a, keys.Mask(entry.Cookie), humanTime(entry.UpdatedAt, now))
	}
	return tw.Flush()
}

func newProxyCmd(app *App) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "proxy",
		Short: "Check connectivity through the configured proxy",
	}
	cmd.AddCommand(&cobra.Command{
		Use:   "test",
		Short: "Probe known endpoints through the configured proxy",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return app.runProxyTest(cmd)
		},
	})
	return cmd
}

func (app *App) runProxyTest(cmd *cobra.Command) error {
	ctx, cancel := signalContext()
	defer cancel()

	e, err := app.setup(cmd)
	if err != nil {
		return err
	}

	fmt.Fprintf(app.Out, "Proxy: %s\n", e.client.Proxy())
	results := e.client.SelfTest(ctx, app.ProbeEndpoints)
	for _, r := range results {
		status := "ok"
		detail := fmt.Sprintf("HTTP %d", r.StatusCode)
		if !r.OK() {
			status = "FAIL"
			if r.Err != nil {
				detail = r.Err.Error()
			}
		}
		fmt.Fprintf(app.Out, "  %-4s %s (%s, %s)\n", status, r.URL, detail, r.Elapsed.Round(time.Millisecond))
	}

	if !transport.Healthy(results) {
		return errors.New("connectivity check failed")
	}
	return nil
}

func newHistoryCmd(app *App) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "history",
		Short: "Browse recorded runs",
	}

	var limit int
	list := &cobra.Command{
		Use:   "list",
		Short: "List recent runs",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return app.withHistory(cmd, func(hs *history.Store) error {
				return app.listRuns(cmd, hs, limit)
			})
		},
	}
	list.Flags().IntVarP(&limit, "limit", "l", 20, "number of runs to show")

	show := &cobra.Command{
		Use:   "show <run-id>",
		Short: "Show every row of a run",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return app.withHistory(cmd, func(hs *history.Store) error {
				return app.showRun(cmd, hs, args[0])
			})
		},
	}

	del := &cobra.Command{
		Use:   "delete <run-id>",
		Short: "Delete a run and its rows",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return app.withHistory(cmd, func(hs *history.Store) error {
				run, err := hs.GetRun(cmd.Context(), args[0])
				if err != nil {
					return err
				}
				if err := hs.DeleteRun(cmd.Context(), run.ID); err != nil {
					return err
				}
				fmt.Fprintf(app.Out, "Deleted run %s\n", run.ID)
				return nil
			})
		},
	}

	cmd.AddCommand(list, show, del)
	return cmd
}

func (app *App) withHistory(cmd *cobra.Command, fn func(hs *history.Store) error) error {
	cfg, err := app.loadConfig(cmd)
	if err != nil {
		return err
	}
	hs, err := app.OpenHistory(cfg.HistoryDB)
	if err != nil {
		return fmt.Errorf("failed to open history: %w", err)
	}
	defer hs.Close()
	return fn(hs)
}

func (app *App) listRuns(cmd *cobra.Command, hs *history.Store, limit int) error {
	runs, err := hs.ListRuns(cmd.Context(), limit)
	if err != nil {
		return err
	}
	if len(runs) == 0 {
		fmt.Fprintln(app.Out, "No runs recorded")
		return nil
	}

	tw := tabwriter.NewWriter(app.Out, 0, 0, 2, ' ', 0)
	fmt.Fprintln(tw, "ID\tSTARTED\tSOURCE\tOK\tFAILED\tSKIPPED")
	for _, r := range runs {
		fmt.Fprintf(tw, "%s\t%s\t%s\t%d/%d\t%d\t%d\n",
			shortID(r.ID), history.FormatTimestamp(r.StartedAt), truncate(r.Source, 40),
			r.Succeeded, r.Total, r.Failed, r.Skipped)
	}
	return tw.Flush()
}

func (app *App) showRun(cmd *cobra.Command, hs *history.Store, id string) error {
	run, err := hs.GetRun(cmd.Context(), id)
	if err != nil {
		return err
	}
	jobs, err := hs.ListJobs(cmd.Context(), run.ID)
	if err != nil {
		return err
	}

	fmt.Fprintf(app.Out, "Run:      %s\n", run.ID)
	if run.ParentID != "" {
		fmt.Fprintf(app.Out, "Rerun of: %s\n", run.ParentID)
	}
	fmt.Fprintf(app.Out, "Source:   %s\n", run.Source)
	fmt.Fprintf(app.Out, "Output:   %s\n", run.OutputDir)
	fmt.Fprintf(app.Out, "Started:  %s\n", history.FormatTimestamp(run.StartedAt))
	fmt.Fprintf(app.Out, "Finished: %s\n", history.FormatTimestamp(run.FinishedAt))
	fmt.Fprintf(app.Out, "Result:   %d/%d succeeded, %d failed, %d skipped\n\n", run.Succeeded, run.Total, run.Failed, run.Skipped)

	tw := tabwriter.NewWriter(app.Out, 0, 0, 2, ' ', 0)
	fmt.Fprintln(tw, "ROW\tSTATUS\tSEED\tRESULT")
	for _, j := range jobs {
		result := j.Path
		switch {
		case j.Status != history.StatusSucceeded:
			result = j.Error
		case j.MediaGenerationID != "":
			result = fmt.Sprintf("%s (%s, media %s)", j.Path, humanize.Bytes(uint64(j.Size)), j.MediaGenerationID)
		}
		fmt.Fprintf(tw, "%s\t%s\t%d\t%s\n", j.RowID, j.Status, j.Seed, result)
	}
	return tw.Flush()
}

func humanTime(t, now time.Time) string {
	if t.IsZero() {
		return "unknown"
	}
	return humanize.RelTime(t, now, "ago", "from now")
}

func shortID(id string) string {
	if len(id) > 8 {
		return id[:8]
	}
	return id
}

func truncate(s string, maxLen int) string {
	r := []rune(s)
	if len(r) <= maxLen {
		return s
	}
	return string(r[:maxLen-3]) + "..."
}
