package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/mblsha/appforge/internal/archive"
	"github.com/mblsha/appforge/internal/artifact"
	"github.com/mblsha/appforge/internal/builder"
	"github.com/mblsha/appforge/internal/catalog"
	"github.com/mblsha/appforge/internal/catalog/catalogpg"
	"github.com/mblsha/appforge/internal/config"
	"github.com/mblsha/appforge/internal/discovery"
	"github.com/mblsha/appforge/internal/logging"
	"github.com/mblsha/appforge/internal/notify"
	"github.com/mblsha/appforge/internal/queue"
	"github.com/mblsha/appforge/internal/server"
	"github.com/mblsha/appforge/internal/store"
)

const shutdownTimeout = 10 * time.Second

func main() {
	logger := logging.New(logging.FormatText, os.Stderr, slog.LevelInfo)
	slog.SetDefault(logger)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := newRootCommand().ExecuteContext(ctx); err != nil {
		if errors.Is(err, context.Canceled) {
			os.Exit(130)
		}
		slog.Error("command failed", "error", err)
		os.Exit(1)
	}
}

func newRootCommand() *cobra.Command {
	var configPath string

	root := &cobra.Command{
		Use:           "appforge",
		Short:         "Build server for Flutter mobile apps",
		SilenceErrors: true,
		SilenceUsage:  true,
	}
	root.PersistentFlags().StringVar(&configPath, "config", os.Getenv("APPFORGE_CONFIG_FILE"), "YAML config file (APPFORGE_* environment variables override it)")

	root.AddCommand(
		newServeCommand(&configPath),
		newMigrateCommand(&configPath),
	)
	return root
}

func newServeCommand(configPath *string) *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run the HTTP API and build workers",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, logger, err := loadConfig(*configPath)
			if err != nil {
				return err
			}
			return runServe(cmd.Context(), cfg, logger)
		},
	}
}

func newMigrateCommand(configPath *string) *cobra.Command {
	return &cobra.Command{
		Use:   "migrate",
		Short: "Apply the catalog schema to APPFORGE_POSTGRES_URL",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, logger, err := loadConfig(*configPath)
			if err != nil {
				return err
			}
			if strings.TrimSpace(cfg.PostgresURL) == "" {
				return errors.New("postgres_url is not configured")
			}
			if err := catalogpg.Setup(cfg.PostgresURL); err != nil {
				return fmt.Errorf("migrate catalog: %w", err)
			}
			logger.Info("catalog schema is up to date")
			return nil
		},
	}
}

func loadConfig(path string) (config.Config, *slog.Logger, error) {
	cfg, err := config.Load(path)
	if err != nil {
		return config.Config{}, nil, err
	}
	logger, err := newLogger(cfg)
	if err != nil {
		return config.Config{}, nil, err
	}
	slog.SetDefault(logger)
	return cfg, logger, nil
}

func newLogger(cfg config.Config) (*slog.Logger, error) {
	level, err := logging.ParseLevel(cfg.LogLevel)
	if err != nil {
		return nil, err
	}
	format, err := logging.ParseFormat(cfg.LogFormat)
	if err != nil {
		return nil, err
	}
	return logging.New(format, os.Stderr, level), nil
}

func runServe(ctx context.Context, cfg config.Config, logger *slog.Logger) error {
	st := store.New(cfg)
	if err := st.EnsureDirs(); err != nil {
		return err
	}

	mirror, err := newMirror(ctx, cfg, logger)
	if err != nil {
		return err
	}
	arts := artifact.NewStore(cfg.ArtifactsDir(), mirror, logger)

	catStore, closeCatalog, err := openCatalog(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer closeCatalog()

	mgr := queue.New(cfg, st, newBuilder(cfg, logger), arts, logger)
	if strings.TrimSpace(cfg.AMQPURL) != "" {
		mgr.SetNotifier(notify.NewAMQPPublisher(cfg.AMQPURL, cfg.AMQPQueue))
		logger.Info("publishing job events", "queue", cfg.AMQPQueue)
	}

	g, gctx := errgroup.WithContext(ctx)
	if err := mgr.Start(gctx); err != nil {
		return err
	}
	defer mgr.Wait()

	api := server.New(cfg, mgr, catalog.NewResolver(catStore, cfg.AppsDir), logger)
	httpServer := &http.Server{
		Addr:              cfg.ListenAddr,
		Handler:           api.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	if advertiser := startAdvertiser(cfg, logger); advertiser != nil {
		defer advertiser.Close()
	}

	g.Go(func() error {
		logger.Info("appforge listening", "addr", cfg.ListenAddr, "workers", cfg.Workers)
		if err := httpServer.ListenAndServe(); !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(gctx), shutdownTimeout)
		defer cancel()
		return httpServer.Shutdown(shutdownCtx)
	})
	return g.Wait()
}

func newBuilder(cfg config.Config, logger *slog.Logger) builder.Builder {
	if cfg.UseFakeBuild {
		logger.Warn("using fake builder")
		return &builder.FakeBuilder{}
	}
	return builder.NewToolchainBuilder(cfg.ToolchainBin, cfg.AppsDir, archive.Limits{
		MaxFiles:      cfg.MaxExtractedFiles,
		MaxTotalBytes: cfg.MaxExtractedTotalBytes,
		MaxFileBytes:  cfg.MaxExtractedFileBytes,
	}, nil)
}

// newMirror returns a nil Mirror when no S3 endpoint is configured.
func newMirror(ctx context.Context, cfg config.Config, logger *slog.Logger) (artifact.Mirror, error) {
	if strings.TrimSpace(cfg.S3URL) == "" {
		return nil, nil
	}
	m, err := artifact.NewS3Mirror(cfg.S3URL, cfg.S3Bucket)
	if err != nil {
		return nil, fmt.Errorf("s3 mirror: %w", err)
	}
	if err := m.EnsureBucket(ctx); err != nil {
		return nil, err
	}
	logger.Info("mirroring artifacts to s3", "bucket", cfg.S3Bucket)
	return m, nil
}

func openCatalog(ctx context.Context, cfg config.Config, logger *slog.Logger) (catalog.Store, func(), error) {
	if strings.TrimSpace(cfg.PostgresURL) == "" {
		s, err := catalog.OpenFileStore(cfg.CatalogPath())
		if err != nil {
			return nil, nil, err
		}
		return s, func() {}, nil
	}
	if err := catalogpg.Setup(cfg.PostgresURL); err != nil {
		return nil, nil, fmt.Errorf("migrate catalog: %w", err)
	}
	pool, err := catalogpg.NewPool(ctx, cfg.PostgresURL)
	if err != nil {
		return nil, nil, fmt.Errorf("connect catalog: %w", err)
	}
	logger.Info("using postgres catalog")
	return catalogpg.NewStore(pool), pool.Close, nil
}

func startAdvertiser(cfg config.Config, logger *slog.Logger) *discovery.Advertiser {
	if !cfg.DiscoveryEnabled {
		return nil
	}
	instance := cfg.DiscoveryInstance
	if instance == "" {
		instance = hostFallback()
	}
	advertiser, err := discovery.StartAdvertiser(discovery.AdvertiseOptions{
		Instance:   instance,
		Service:    cfg.DiscoveryService,
		Domain:     cfg.DiscoveryDomain,
		ListenAddr: cfg.ListenAddr,
		Text:       discovery.TXTRecord(cfg.Workers, "proto=http", "path=/healthz"),
	})
	if err != nil {
		logger.Warn("discovery advertisement disabled", "error", err)
		return nil
	}
	logger.Info("advertising via mDNS", "service", cfg.DiscoveryService, "domain", cfg.DiscoveryDomain, "instance", instance)
	return advertiser
}

func hostFallback() string {
	hostname, err := os.Hostname()
	if err != nil || strings.TrimSpace(hostname) == "" {
		return "appforge"
	}
	return strings.TrimSpace(hostname)
}
