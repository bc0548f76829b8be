// Statflow - data set versioning, ingestion and query engine for tabular
// statistical data.
package main

import (
	"context"
	"fmt"
	"os"
	"path/filepath"

	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"github.com/statflow/statflow/pkg/config"
	"github.com/statflow/statflow/pkg/paths"
	"github.com/statflow/statflow/pkg/registry"
	"github.com/statflow/statflow/pkg/storage"
	"github.com/statflow/statflow/pkg/telemetry"
)

var (
	version = "0.1.0"
	commit  = "dev"
)

// Global CLI flags
var (
	configFile string
	verbose    bool
)

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

var rootCmd = &cobra.Command{
	Use:   "statflow",
	Short: "Statflow - versioned ingestion and querying of statistical data sets",
	Long: `Statflow ingests CSV data and metadata files into immutable, versioned,
columnar data sets, diffs new versions against their predecessors and
serves declarative criteria queries over published versions.`,
	Version:       fmt.Sprintf("%s (%s)", version, commit),
	SilenceUsage:  true,
	SilenceErrors: true,
}

func init() {
	rootCmd.PersistentFlags().StringVar(&configFile, "config", "", "config file (default: standard lookup paths)")
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "debug logging")

	rootCmd.AddCommand(ingestCmd)
	rootCmd.AddCommand(datasetsCmd)
	rootCmd.AddCommand(versionsCmd)
	rootCmd.AddCommand(mappingCmd)
	rootCmd.AddCommand(publishCmd)
	rootCmd.AddCommand(withdrawCmd)
	rootCmd.AddCommand(queryCmd)
	rootCmd.AddCommand(serveCmd)
}

// app bundles the wired subsystems a command needs.
type app struct {
	cfg      *config.Config
	log      *logrus.Logger
	reg      *registry.Registry
	store    storage.ObjectStorage
	resolver *paths.Resolver
	metrics  *telemetry.Telemetry
	lease    *registry.ImportLease

	// workRoot is the local directory for in-flight engine state.
	workRoot string

	shutdownTelemetry func(context.Context) error
}

// newApp loads configuration and opens the shared subsystems.
func newApp(ctx context.Context) (*app, error) {
	mgr := config.NewManager()
	var err error
	if configFile != "" {
		err = mgr.LoadFile(configFile)
	} else {
		err = mgr.Load()
	}
	if err != nil {
		return nil, err
	}
	cfg := mgr.Get()

	log := logrus.New()
	if cfg.Logging.Format == "json" {
		log.SetFormatter(&logrus.JSONFormatter{})
	}
	level, err := logrus.ParseLevel(cfg.Logging.Level)
	if err != nil {
		return nil, fmt.Errorf("invalid log level %q", cfg.Logging.Level)
	}
	log.SetLevel(level)
	if verbose {
		log.SetLevel(logrus.DebugLevel)
	}

	if err := os.MkdirAll(filepath.Dir(cfg.Registry.Database), 0o755); err != nil {
		return nil, fmt.Errorf("creating registry dir: %w", err)
	}
	reg, err := registry.Open(cfg.Registry.Database)
	if err != nil {
		return nil, err
	}

	a := &app{cfg: cfg, log: log, reg: reg}

	switch cfg.Storage.Scheme {
	case "s3":
		store, err := storage.NewS3Storage(ctx, cfg.Storage.S3)
		if err != nil {
			reg.Close()
			return nil, err
		}
		a.store = store
		a.resolver = paths.NewResolver(cfg.Storage.Root)
		a.workRoot = filepath.Join(os.TempDir(), "statflow-work")
	default:
		if err := os.MkdirAll(cfg.Storage.Root, 0o755); err != nil {
			reg.Close()
			return nil, fmt.Errorf("creating storage root: %w", err)
		}
		store, err := storage.NewLocalStorage(cfg.Storage.Root)
		if err != nil {
			reg.Close()
			return nil, err
		}
		a.store = store
		a.resolver = paths.NewResolver("")
		// Local mode works directly inside the storage root so exports
		// need no separate upload step.
		a.workRoot = cfg.Storage.Root
	}

	a.metrics = telemetry.New(cfg.Telemetry)
	a.shutdownTelemetry, err = a.metrics.Init(ctx)
	if err != nil {
		log.WithError(err).Warn("telemetry disabled")
		a.shutdownTelemetry = func(context.Context) error { return nil }
	}

	if cfg.Lease.Enabled {
		leaseCfg := registry.DefaultLeaseConfig(cfg.Lease.Addr)
		if cfg.Lease.TTL > 0 {
			leaseCfg.TTL = cfg.Lease.TTL
		}
		a.lease, err = registry.NewImportLease(leaseCfg)
		if err != nil {
			a.close(ctx)
			return nil, err
		}
	}

	return a, nil
}

func (a *app) close(ctx context.Context) {
	if a.lease != nil {
		a.lease.Close()
	}
	if a.shutdownTelemetry != nil {
		if err := a.shutdownTelemetry(ctx); err != nil {
			a.log.WithError(err).Debug("telemetry shutdown")
		}
	}
	a.reg.Close()
}
