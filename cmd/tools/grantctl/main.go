// Command grantctl is the operator CLI for a running grant-sync server.
package main

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"strings"
	"time"

	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/spf13/cobra"

	"github.com/david/grant-sync/internal/auth"
	"github.com/david/grant-sync/internal/models"
	"github.com/david/grant-sync/internal/scheduler"
)

type options struct {
	baseURL string
	secret  string
	token   string
	timeout time.Duration
}

func main() {
	if err := newRootCmd().Execute(); err != nil {
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	opts := &options{}
	root := &cobra.Command{
		Use:          "grantctl",
		Short:        "Operate the grant-sync scheduler",
		SilenceUsage: true,
	}
	root.PersistentFlags().StringVar(&opts.baseURL, "url", envOr("GRANTSYNC_URL", "http://localhost:8081"), "server base URL")
	root.PersistentFlags().StringVar(&opts.secret, "secret", os.Getenv("ADMIN_SECRET"), "admin secret (sent as X-Admin-Secret)")
	root.PersistentFlags().StringVar(&opts.token, "token", os.Getenv("GRANTSYNC_TOKEN"), "operator bearer token")
	root.PersistentFlags().DurationVar(&opts.timeout, "timeout", 30*time.Second, "request timeout")

	root.AddCommand(newTriggerCmd(opts), newStatusCmd(opts), newRunsCmd(opts), newTokenCmd(opts))
	return root
}

func newTriggerCmd(opts *options) *cobra.Command {
	return &cobra.Command{
		Use:       "trigger full|quick",
		Short:     "Start a manual update",
		Args:      cobra.ExactArgs(1),
		ValidArgs: []string{string(models.UpdateFull), string(models.UpdateQuick)},
		RunE: func(cmd *cobra.Command, args []string) error {
			typ := strings.ToLower(args[0])
			if typ != string(models.UpdateFull) && typ != string(models.UpdateQuick) {
				return fmt.Errorf("unknown update type %q (want full or quick)", args[0])
			}
			var resp map[string]string
			if err := opts.call(cmd.Context(), http.MethodPost, "/api/v1/admin/scheduler/trigger/"+typ, &resp); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "started %s update: %s\n", typ, resp["job_id"])
			return nil
		},
	}
}

func newStatusCmd(opts *options) *cobra.Command {
	var asJSON bool
	cmd := &cobra.Command{
		Use:   "status",
		Short: "Show scheduler state and per-source health",
		RunE: func(cmd *cobra.Command, args []string) error {
			var st scheduler.Status
			if err := opts.call(cmd.Context(), http.MethodGet, "/api/v1/admin/scheduler/status", &st); err != nil {
				return err
			}
			out := cmd.OutOrStdout()
			if asJSON {
				enc := json.NewEncoder(out)
				enc.SetIndent("", "  ")
				return enc.Encode(st)
			}
			renderStatus(out, st)
			return nil
		},
	}
	cmd.Flags().BoolVar(&asJSON, "json", false, "print raw JSON")
	return cmd
}

func newRunsCmd(opts *options) *cobra.Command {
	return &cobra.Command{
		Use:   "runs",
		Short: "List recent update runs",
		RunE: func(cmd *cobra.Command, args []string) error {
			var st scheduler.Status
			if err := opts.call(cmd.Context(), http.MethodGet, "/api/v1/admin/scheduler/status", &st); err != nil {
				return err
			}
			renderRuns(cmd.OutOrStdout(), st.RecentUpdates)
			return nil
		},
	}
}

func newTokenCmd(opts *options) *cobra.Command {
	var (
		subject string
		ttl     time.Duration
	)
	cmd := &cobra.Command{
		Use:   "token",
		Short: "Mint an operator JWT signed with the admin secret",
		RunE: func(cmd *cobra.Command, args []string) error {
			if strings.TrimSpace(opts.secret) == "" {
				return errors.New("an admin secret is required (--secret or ADMIN_SECRET)")
			}
			a, err := auth.New(opts.secret, nil)
			if err != nil {
				return err
			}
			token, err := a.IssueToken(subject, ttl)
			if err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), token)
			return nil
		},
	}
	cmd.Flags().StringVar(&subject, "subject", envOr("USER", "operator"), "token subject")
	cmd.Flags().DurationVar(&ttl, "ttl", auth.DefaultTokenTTL, "token lifetime")
	return cmd
}

// call performs an authenticated request and decodes the JSON response.
func (o *options) call(ctx context.Context, method, path string, out any) error {
	ctx, cancel := context.WithTimeout(ctx, o.timeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, method, strings.TrimRight(o.baseURL, "/")+path, nil)
	if err != nil {
		return fmt.Errorf("error creating request: %w", err)
	}
	switch {
	case o.token != "":
		req.Header.Set("Authorization", "Bearer "+o.token)
	case o.secret != "":
		req.Header.Set(auth.AdminSecretHeader, o.secret)
	default:
		return errors.New("no credentials: pass --secret, --token, ADMIN_SECRET or GRANTSYNC_TOKEN")
	}

	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		return fmt.Errorf("error sending request: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, 4<<20))
	if err != nil {
		return fmt.Errorf("reading response: %w", err)
	}
	if resp.StatusCode >= 300 {
		var apiErr struct {
			Error   string `json:"error"`
			Message string `json:"message"`
		}
		msg := strings.TrimSpace(string(body))
		if json.Unmarshal(body, &apiErr) == nil {
			if apiErr.Error != "" {
				msg = apiErr.Error
			} else if apiErr.Message != "" {
				msg = apiErr.Message
			}
		}
		return fmt.Errorf("%s %s: %s: %s", method, path, resp.Status, msg)
	}
	if out == nil {
		return nil
	}
	return json.NewDecoder(bytes.NewReader(body)).Decode(out)
}

func renderStatus(w io.Writer, st scheduler.Status) {
	fmt.Fprintf(w, "running: %t\n", st.Running)
	if len(st.InFlight) > 0 {
		fmt.Fprintf(w, "in flight: %s\n", strings.Join(st.InFlight, ", "))
	}
	for _, job := range []scheduler.JobType{scheduler.JobFull, scheduler.JobQuick, scheduler.JobCleanup} {
		if at, ok := st.NextRuns[job]; ok {
			fmt.Fprintf(w, "next %s: %s\n", job, at.Local().Format(time.RFC3339))
		}
	}

	t := table.NewWriter()
	t.SetOutputMirror(w)
	t.AppendHeader(table.Row{"Source", "Kind", "Priority", "Status", "Last Updated", "Last Error"})
	for _, s := range st.Sources {
		status := string(s.Status)
		if !s.Enabled {
			status = "disabled"
		}
		t.AppendRow(table.Row{s.ID, s.Kind, s.Priority, status, formatTime(s.LastUpdated), truncate(s.LastError, 60)})
	}
	t.Render()
}

func renderRuns(w io.Writer, runs []models.UpdateRecord) {
	t := table.NewWriter()
	t.SetOutputMirror(w)
	t.AppendHeader(table.Row{"Type", "Success", "Sources", "Fetched", "Saved", "Failed", "Duration", "Started At"})
	for _, r := range runs {
		fetched, saved, failed := 0, 0, 0
		for _, o := range r.Outcomes {
			fetched += o.Fetched
			saved += o.Saved
			if o.Error != "" {
				failed++
			}
		}
		duration := "Running..."
		if !r.EndedAt.IsZero() {
			duration = r.EndedAt.Sub(r.StartedAt).Round(time.Second).String()
		}
		t.AppendRow(table.Row{r.Type, r.Success, len(r.Outcomes), fetched, saved, failed, duration, r.StartedAt.Local().Format("2006-01-02 15:04:05")})
	}
	t.Render()
}

func formatTime(t *time.Time) string {
	if t == nil {
		return "-"
	}
	return t.Local().Format("2006-01-02 15:04")
}

func truncate(s string, n int) string {
	r := []rune(s)
	if len(r) <= n {
		return s
	}
	return string(r[:n-1]) + "…"
}

func envOr(key, def string) string {
	if v := strings.TrimSpace(os.Getenv(key)); v != "" {
		return v
	}
	return def
}
