package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/mblsha/appforge/internal/client"
	"github.com/mblsha/appforge/internal/discovery"
	"github.com/mblsha/appforge/internal/logging"
)

var discoverFn = discovery.Discover

// globalOptions are the connection flags shared by every subcommand.
type globalOptions struct {
	server          string
	discover        bool
	discoverTimeout time.Duration
	discoverService string
	discoverDomain  string
	token           string
	authHeader      string
	verbose         bool

	out    io.Writer
	logger *slog.Logger
}

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	root := newRootCommand(os.Stdout)
	if err := root.ExecuteContext(ctx); err != nil {
		if errors.Is(err, context.Canceled) {
			os.Exit(130)
		}
		fmt.Fprintf(os.Stderr, "appforge-cli: %v\n", err)
		os.Exit(1)
	}
}

func newRootCommand(out io.Writer) *cobra.Command {
	opts := &globalOptions{out: out}

	root := &cobra.Command{
		Use:           "appforge-cli",
		Short:         "Submit and inspect appforge builds",
		SilenceErrors: true,
		SilenceUsage:  true,
		PersistentPreRunE: func(cmd *cobra.Command, _ []string) error {
			level := slog.LevelWarn
			if opts.verbose {
				level = slog.LevelDebug
			}
			opts.logger = logging.New(logging.FormatText, os.Stderr, level)
			return nil
		},
	}

	flags := root.PersistentFlags()
	flags.StringVar(&opts.server, "server", envOr("APPFORGE_SERVER", ""), "server base url (if empty, auto-discover)")
	flags.BoolVar(&opts.discover, "discover", true, "auto-discover the server when --server is not provided")
	flags.DurationVar(&opts.discoverTimeout, "discover-timeout", 2*time.Second, "mDNS auto-discovery timeout")
	flags.StringVar(&opts.discoverService, "discover-service", discovery.DefaultServiceName, "mDNS service name used for discovery")
	flags.StringVar(&opts.discoverDomain, "discover-domain", discovery.DefaultDomain, "mDNS discovery domain")
	flags.StringVar(&opts.token, "token", envOr("APPFORGE_TOKEN", ""), "auth token")
	flags.StringVar(&opts.authHeader, "auth-header", envOr("APPFORGE_AUTH_HEADER", "X-Build-Token"), "auth header")
	flags.BoolVarP(&opts.verbose, "verbose", "v", false, "debug logging")

	root.AddCommand(
		newSubmitCommand(opts),
		newStatusCommand(opts),
		newJobsCommand(opts),
		newLogCommand(opts),
		newDownloadCommand(opts),
		newAnalyzeCommand(opts),
		newCancelCommand(opts),
		newAppsCommand(opts),
		newConfigCommand(opts),
		newTemplatesCommand(opts),
		newWatchCommand(opts),
	)
	return root
}

func (o *globalOptions) client(ctx context.Context) (*client.HTTPClient, error) {
	serverURL, err := o.resolveServerURL(ctx)
	if err != nil {
		return nil, err
	}
	return &client.HTTPClient{
		BaseURL:    serverURL,
		Token:      strings.TrimSpace(o.token),
		AuthHeader: strings.TrimSpace(o.authHeader),
	}, nil
}

func (o *globalOptions) resolveServerURL(ctx context.Context) (string, error) {
	explicit := strings.TrimSpace(o.server)
	if explicit != "" {
		return explicit, nil
	}
	if !o.discover {
		return "", errors.New("server is required when discovery is disabled; pass --server")
	}
	timeout := o.discoverTimeout
	if timeout <= 0 {
		timeout = 2 * time.Second
	}
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()
	endpoint, err := discoverFn(ctx, o.discoverService, o.discoverDomain)
	if err != nil {
		return "", fmt.Errorf("discover server via mDNS: %w", err)
	}
	o.log().Info("discovered server", "url", endpoint.URL, "instance", endpoint.Instance, "host", endpoint.HostName)
	return endpoint.URL, nil
}

func (o *globalOptions) log() *slog.Logger {
	return logging.Ensure(o.logger)
}

func (o *globalOptions) printf(format string, args ...any) {
	fmt.Fprintf(o.out, format, args...)
}

func envOr(key, fallback string) string {
	if v := strings.TrimSpace(os.Getenv(key)); v != "" {
		return v
	}
	return fallback
}
