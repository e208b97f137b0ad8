package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/mblsha/appforge/internal/analyzer"
	"github.com/mblsha/appforge/internal/client"
	"github.com/mblsha/appforge/internal/job"
	"github.com/mblsha/appforge/internal/tui"
)

type submitOptions struct {
	app        string
	flavor     string
	outputType string
	mode       string

	configFile  string
	template    string
	sets        []string
	permissions []string
	features    []string

	keystore         string
	keystorePassword string
	keyAlias         string
	keyPassword      string

	wait      bool
	stream    bool
	poll      time.Duration
	outputDir string
	tailLines int
}

func newSubmitCommand(g *globalOptions) *cobra.Command {
	var o submitOptions
	cmd := &cobra.Command{
		Use:   "submit",
		Short: "Submit a build and optionally wait for its package",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return runSubmit(cmd.Context(), g, o)
		},
	}
	f := cmd.Flags()
	f.StringVar(&o.app, "app", "", "app name")
	f.StringVar(&o.flavor, "flavor", "", "build flavor")
	f.StringVar(&o.outputType, "output-type", "apk", "apk or aab")
	f.StringVar(&o.mode, "mode", "debug", "debug or release")
	f.StringVar(&o.configFile, "config-file", "", "JSON object with build config (overrides the stored config)")
	f.StringVar(&o.template, "template", "", "start from a stored config template")
	f.StringArrayVar(&o.sets, "set", nil, "config KEY=VALUE (repeatable, applied last)")
	f.StringSliceVar(&o.permissions, "permission", nil, "android permission to merge into the manifest (repeatable)")
	f.StringSliceVar(&o.features, "feature", nil, "uses-feature to merge into the manifest (repeatable)")
	f.StringVar(&o.keystore, "keystore", "", "release keystore file")
	f.StringVar(&o.keystorePassword, "keystore-password", envOr("APPFORGE_KEYSTORE_PASSWORD", ""), "keystore password")
	f.StringVar(&o.keyAlias, "key-alias", "", "signing key alias")
	f.StringVar(&o.keyPassword, "key-password", envOr("APPFORGE_KEY_PASSWORD", ""), "signing key password")
	f.BoolVar(&o.wait, "wait", true, "wait until the job finishes")
	f.BoolVar(&o.stream, "stream-events", false, "follow server events (SSE) instead of polling")
	f.DurationVar(&o.poll, "poll", 2*time.Second, "status polling interval")
	f.StringVar(&o.outputDir, "output-dir", "output", "download the package to <output-dir>/<job_id>/ (empty to skip)")
	f.IntVar(&o.tailLines, "tail-lines", 60, "console lines to print when the build fails")
	_ = cmd.MarkFlagRequired("app")
	_ = cmd.MarkFlagRequired("flavor")
	return cmd
}

func runSubmit(ctx context.Context, g *globalOptions, o submitOptions) error {
	c, err := g.client(ctx)
	if err != nil {
		return err
	}

	cfg, err := buildConfig(ctx, c, o)
	if err != nil {
		return err
	}
	req := client.BuildRequest{
		App:              o.app,
		Flavor:           o.flavor,
		OutputType:       o.outputType,
		BuildMode:        o.mode,
		Config:           cfg,
		Permissions:      o.permissions,
		Features:         o.features,
		KeystorePassword: o.keystorePassword,
		KeyAlias:         o.keyAlias,
		KeyPassword:      o.keyPassword,
	}
	if o.keystore != "" {
		raw, err := os.ReadFile(o.keystore)
		if err != nil {
			return fmt.Errorf("read keystore: %w", err)
		}
		req.Keystore = raw
	}

	jobID, err := c.SubmitBuild(ctx, req)
	for i := range req.Keystore {
		req.Keystore[i] = 0
	}
	if err != nil {
		return err
	}
	g.printf("job submitted: %s\n", jobID)
	if !o.wait {
		return nil
	}

	rec, err := waitForTerminal(ctx, g, c, jobID, o.poll, o.stream)
	if err != nil {
		return err
	}
	g.printf("job finished: %s %s\n", rec.State, rec.Message)

	if rec.State == job.StateFailed {
		g.printf("failure: reason=%s error=%s\n", rec.Reason, rec.Error)
		if o.tailLines > 0 {
			if tail, err := c.GetLogTail(ctx, jobID, o.tailLines); err == nil && strings.TrimSpace(tail) != "" {
				g.printf("console tail (%d lines):\n%s", o.tailLines, tail)
			}
		}
		return fmt.Errorf("job failed: %s", rec.Reason)
	}

	if strings.TrimSpace(o.outputDir) == "" {
		return nil
	}
	path, err := downloadTo(ctx, c, jobID, filepath.Join(o.outputDir, jobID), "")
	if err != nil {
		return err
	}
	g.printf("package written to %s\n", path)
	return nil
}

// buildConfig returns nil when no config source was given so the server
// falls back to the stored config for the app and flavor.
func buildConfig(ctx context.Context, c *client.HTTPClient, o submitOptions) (map[string]any, error) {
	if o.template == "" && o.configFile == "" && len(o.sets) == 0 {
		return nil, nil
	}
	cfg := map[string]any{}
	if o.template != "" {
		tmpl, err := c.GetTemplate(ctx, o.template)
		if err != nil {
			return nil, fmt.Errorf("load template %s: %w", o.template, err)
		}
		if err := json.Unmarshal(tmpl.Config, &cfg); err != nil {
			return nil, fmt.Errorf("decode template %s: %w", o.template, err)
		}
	}
	if o.configFile != "" {
		raw, err := os.ReadFile(o.configFile)
		if err != nil {
			return nil, fmt.Errorf("read config file: %w", err)
		}
		var fromFile map[string]any
		if err := json.Unmarshal(raw, &fromFile); err != nil {
			return nil, fmt.Errorf("config file must hold a JSON object: %w", err)
		}
		for k, v := range fromFile {
			cfg[k] = v
		}
	}
	for _, kv := range o.sets {
		k, v, ok := strings.Cut(kv, "=")
		if !ok || strings.TrimSpace(k) == "" {
			return nil, fmt.Errorf("invalid --set %q, want KEY=VALUE", kv)
		}
		cfg[strings.TrimSpace(k)] = v
	}
	return cfg, nil
}

func waitForTerminal(ctx context.Context, g *globalOptions, c *client.HTTPClient, jobID string, poll time.Duration, stream bool) (*job.Record, error) {
	var lastState job.State
	progress := func(state job.State, message string) {
		if state.Terminal() || state == lastState {
			return
		}
		g.printf("state=%s message=%s\n", state, message)
		lastState = state
	}

	if stream {
		err := c.StreamEvents(ctx, jobID, 0, func(ev *job.Event) {
			if ev.Type == job.EventLog {
				g.printf("  %s\n", ev.Line)
				return
			}
			progress(ev.State, ev.Message)
		})
		if err != nil {
			g.log().Warn("event stream ended, falling back to polling", "error", err)
		}
	}
	return c.WaitForTerminalWithProgress(ctx, jobID, poll, func(rec *job.Record) {
		progress(rec.State, rec.Message)
	})
}

func downloadTo(ctx context.Context, c *client.HTTPClient, jobID, dir, explicit string) (string, error) {
	tmpDir := dir
	if explicit != "" {
		tmpDir = filepath.Dir(explicit)
	}
	if err := os.MkdirAll(tmpDir, 0o755); err != nil {
		return "", err
	}
	tmp, err := os.CreateTemp(tmpDir, ".download-*")
	if err != nil {
		return "", err
	}
	defer os.Remove(tmp.Name())

	name, err := c.DownloadArtifact(ctx, jobID, tmp)
	if closeErr := tmp.Close(); err == nil {
		err = closeErr
	}
	if err != nil {
		return "", err
	}
	target := explicit
	if target == "" {
		if name == "" || name == "." || name == "/" {
			name = jobID + ".apk"
		}
		target = filepath.Join(dir, name)
	}
	if err := os.Rename(tmp.Name(), target); err != nil {
		return "", err
	}
	return target, nil
}

func newStatusCommand(g *globalOptions) *cobra.Command {
	var asJSON bool
	cmd := &cobra.Command{
		Use:   "status <job-id>",
		Short: "Show a job record and its console",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			c, err := g.client(cmd.Context())
			if err != nil {
				return err
			}
			status, err := c.GetJob(cmd.Context(), args[0])
			if err != nil {
				return err
			}
			if asJSON {
				return writeJSON(g.out, status)
			}
			printRecord(g.out, &status.Job)
			printConsoleTail(g.out, status.Log, 10)
			return nil
		},
	}
	cmd.Flags().BoolVar(&asJSON, "json", false, "print the raw JSON status")
	return cmd
}

func printRecord(w io.Writer, rec *job.Record) {
	tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
	fmt.Fprintf(tw, "id\t%s\n", rec.ID)
	fmt.Fprintf(tw, "app\t%s/%s\n", rec.App, rec.Flavor)
	fmt.Fprintf(tw, "build\t%s %s\n", rec.OutputType, rec.BuildMode)
	fmt.Fprintf(tw, "state\t%s\n", rec.State)
	if rec.Reason != job.ReasonNone {
		fmt.Fprintf(tw, "reason\t%s\n", rec.Reason)
	}
	if rec.Message != "" {
		fmt.Fprintf(tw, "message\t%s\n", rec.Message)
	}
	if rec.Error != "" {
		fmt.Fprintf(tw, "error\t%s\n", rec.Error)
	}
	if rec.ExitCode != nil {
		fmt.Fprintf(tw, "exit code\t%d\n", *rec.ExitCode)
	}
	fmt.Fprintf(tw, "created\t%s\n", rec.CreatedAt.Local().Format(time.RFC3339))
	if rec.FinishedAt != nil {
		fmt.Fprintf(tw, "finished\t%s\n", rec.FinishedAt.Local().Format(time.RFC3339))
	}
	if rec.Artifact != nil {
		fmt.Fprintf(tw, "artifact\t%s (%s, sha256 %s)\n", rec.Artifact.Name, humanBytes(rec.Artifact.Size), rec.Artifact.SHA256)
	}
	_ = tw.Flush()
}

func printConsoleTail(w io.Writer, lines []string, n int) {
	if len(lines) == 0 {
		return
	}
	start := len(lines) - n
	if start < 0 {
		start = 0
	}
	fmt.Fprintf(w, "\nconsole (last %d of %d lines):\n", len(lines)-start, len(lines))
	for _, line := range lines[start:] {
		fmt.Fprintf(w, "  %s\n", line)
	}
}

func newJobsCommand(g *globalOptions) *cobra.Command {
	var limit int
	cmd := &cobra.Command{
		Use:   "jobs",
		Short: "List jobs, newest first",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			c, err := g.client(cmd.Context())
			if err != nil {
				return err
			}
			jobs, err := c.ListJobs(cmd.Context(), limit)
			if err != nil {
				return err
			}
			tw := tabwriter.NewWriter(g.out, 0, 4, 2, ' ', 0)
			fmt.Fprintln(tw, "ID\tAPP\tFLAVOR\tTYPE\tMODE\tSTATE\tREASON\tCREATED")
			for _, rec := range jobs {
				fmt.Fprintf(tw, "%s\t%s\t%s\t%s\t%s\t%s\t%s\t%s\n",
					rec.ID, rec.App, rec.Flavor, rec.OutputType, rec.BuildMode, rec.State, rec.Reason,
					rec.CreatedAt.Local().Format("2006-01-02 15:04:05"))
			}
			return tw.Flush()
		},
	}
	cmd.Flags().IntVar(&limit, "limit", 50, "max jobs to list (0 for all)")
	return cmd
}

func newLogCommand(g *globalOptions) *cobra.Command {
	var (
		lines  int
		follow bool
		poll   time.Duration
	)
	cmd := &cobra.Command{
		Use:   "log <job-id>",
		Short: "Print a job's console output",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			c, err := g.client(ctx)
			if err != nil {
				return err
			}
			if follow {
				return followLog(ctx, g.out, c, args[0], poll)
			}
			var text string
			if lines > 0 {
				text, err = c.GetLogTail(ctx, args[0], lines)
			} else {
				text, err = c.GetLog(ctx, args[0])
			}
			if err != nil {
				return err
			}
			_, err = io.WriteString(g.out, text)
			return err
		},
	}
	cmd.Flags().IntVar(&lines, "lines", 0, "only print the last N lines")
	cmd.Flags().BoolVarP(&follow, "follow", "f", false, "keep printing until the job finishes")
	cmd.Flags().DurationVar(&poll, "poll", time.Second, "follow polling interval")
	return cmd
}

func followLog(ctx context.Context, w io.Writer, c *client.HTTPClient, jobID string, poll time.Duration) error {
	if poll <= 0 {
		poll = time.Second
	}
	offset := 0
	for {
		chunk, err := c.GetLogSince(ctx, jobID, offset)
		if err != nil {
			return err
		}
		for _, line := range chunk.Lines {
			fmt.Fprintln(w, line)
		}
		offset = chunk.Next
		if chunk.Done {
			return nil
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(poll):
		}
	}
}

func newDownloadCommand(g *globalOptions) *cobra.Command {
	var (
		out       string
		outputDir string
	)
	cmd := &cobra.Command{
		Use:   "download <job-id>",
		Short: "Download a completed job's package",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			c, err := g.client(cmd.Context())
			if err != nil {
				return err
			}
			path, err := downloadTo(cmd.Context(), c, args[0], outputDir, out)
			if err != nil {
				if client.IsCode(err, "NotReady") {
					return fmt.Errorf("job %s has no package yet", args[0])
				}
				return err
			}
			g.printf("package written to %s\n", path)
			return nil
		},
	}
	cmd.Flags().StringVarP(&out, "out", "o", "", "file to write (defaults to the server's file name)")
	cmd.Flags().StringVar(&outputDir, "output-dir", ".", "directory for the server-named file")
	return cmd
}

func newAnalyzeCommand(g *globalOptions) *cobra.Command {
	var asJSON bool
	cmd := &cobra.Command{
		Use:   "analyze <job-id>",
		Short: "Show the size breakdown of a job's package",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			c, err := g.client(cmd.Context())
			if err != nil {
				return err
			}
			res, err := c.GetAnalysis(cmd.Context(), args[0])
			if err != nil {
				return err
			}
			if asJSON {
				return writeJSON(g.out, res)
			}
			printAnalysis(g.out, res)
			return nil
		},
	}
	cmd.Flags().BoolVar(&asJSON, "json", false, "print the raw JSON result")
	return cmd
}

func printAnalysis(w io.Writer, res *analyzer.Result) {
	kind := "apk"
	if res.Bundle {
		kind = "aab"
	}
	tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
	fmt.Fprintf(tw, "package\t%s, %d entries\n", kind, res.Entries)
	fmt.Fprintf(tw, "size\t%s (compressed %s)\n", humanBytes(res.TotalSize), humanBytes(res.CompressedSize))
	fmt.Fprintf(tw, "methods\t%d in %d dex file(s)\n", res.MethodCount, res.DexFiles)
	fmt.Fprintf(tw, "native libs\t%s %s\n", humanBytes(res.NativeLibSize), strings.Join(res.ABIs, ","))
	fmt.Fprintln(tw, "\t")
	fmt.Fprintf(tw, "dex\t%s\n", humanBytes(res.Breakdown.Dex))
	fmt.Fprintf(tw, "assets\t%s\n", humanBytes(res.Breakdown.Assets))
	fmt.Fprintf(tw, "resources\t%s\n", humanBytes(res.Breakdown.Resources))
	fmt.Fprintf(tw, "native_libs\t%s\n", humanBytes(res.Breakdown.NativeLibs))
	fmt.Fprintf(tw, "other\t%s\n", humanBytes(res.Breakdown.Other))
	_ = tw.Flush()

	if len(res.LargestFiles) == 0 {
		return
	}
	fmt.Fprintln(w, "\nlargest entries:")
	tw = tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
	for _, e := range res.LargestFiles {
		fmt.Fprintf(tw, "  %s\t%s\t%s\n", humanBytes(e.Size), e.Category, e.Name)
	}
	_ = tw.Flush()
}

func newCancelCommand(g *globalOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "cancel <job-id>",
		Short: "Cancel a queued or running job",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			c, err := g.client(cmd.Context())
			if err != nil {
				return err
			}
			rec, err := c.CancelJob(cmd.Context(), args[0])
			if client.IsCode(err, "AlreadyFinished") {
				return fmt.Errorf("job %s already finished", args[0])
			}
			if err != nil {
				return err
			}
			g.printf("cancel requested: %s (%s)\n", rec.ID, rec.State)
			return nil
		},
	}
}

func newWatchCommand(g *globalOptions) *cobra.Command {
	var (
		limit   int
		refresh time.Duration
		tail    int
	)
	cmd := &cobra.Command{
		Use:   "watch",
		Short: "Interactive job list",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			c, err := g.client(cmd.Context())
			if err != nil {
				return err
			}
			return tui.Run(cmd.Context(), tui.Options{
				Client:          c,
				Limit:           limit,
				RefreshInterval: refresh,
				TailLines:       tail,
				Server:          c.BaseURL,
			})
		},
	}
	cmd.Flags().IntVar(&limit, "limit", 100, "max jobs to show")
	cmd.Flags().DurationVar(&refresh, "refresh", 1500*time.Millisecond, "refresh interval")
	cmd.Flags().IntVar(&tail, "tail-lines", 15, "console lines shown for the selected job")
	return cmd
}

func writeJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

func humanBytes(n int64) string {
	const unit = 1024
	if n < unit {
		return fmt.Sprintf("%d B", n)
	}
	div, exp := int64(unit), 0
	for m := n / unit; m >= unit; m /= unit {
		div *= unit
		exp++
	}
	return fmt.Sprintf("%.1f %ciB", float64(n)/float64(div), "KMGTPE"[exp])
}
