package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/spf13/cobra"
	"go.uber.org/multierr"
	"golang.org/x/sync/errgroup"

	logging "github.com/ipfs/go-log/v2"

	"github.com/Tyrowin/relayhub/internal/artifact"
	"github.com/Tyrowin/relayhub/internal/config"
	"github.com/Tyrowin/relayhub/internal/metrics"
	"github.com/Tyrowin/relayhub/internal/relay"
	"github.com/Tyrowin/relayhub/internal/server"
)

var log = logging.Logger("main")

const shutdownTimeout = 15 * time.Second

var (
	configPath string
	envFile    string
	portFlag   string
	levelFlag  string
)

var rootCmd = &cobra.Command{
	Use:   "relayhub",
	Short: "Run the backup relay server",
	Long: "Runs the WebSocket relay that routes messages between controllers, " +
		"transfer clients and monitors, and reassembles chunked backups for download.",
	SilenceUsage: true,
	RunE: func(cmd *cobra.Command, _ []string) error {
		if err := loadEnvFile(envFile); err != nil {
			return err
		}

		cfg, err := config.Resolve(configPath)
		if err != nil {
			return err
		}
		if portFlag != "" {
			cfg.Port = portFlag
		}
		if levelFlag != "" {
			cfg.LogLevel = levelFlag
		}
		if err := logging.SetLogLevel("*", cfg.LogLevel); err != nil {
			return fmt.Errorf("set log level: %w", err)
		}

		return run(cmd.Context(), cfg)
	},
}

func init() {
	rootCmd.Flags().StringVar(&configPath, "config", "", "path to a YAML config file")
	rootCmd.Flags().StringVar(&envFile, "env-file", ".env", "dotenv file loaded before reading the environment")
	rootCmd.Flags().StringVar(&portFlag, "port", "", "listen address, overrides SERVER_PORT")
	rootCmd.Flags().StringVar(&levelFlag, "log-level", "", "log level, overrides LOG_LEVEL")
}

// loadEnvFile loads path when it exists; variables already set win.
func loadEnvFile(path string) error {
	if path == "" {
		return nil
	}
	if err := godotenv.Load(path); err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil
		}
		return fmt.Errorf("load env file %s: %w", path, err)
	}
	return nil
}

func brokerOptions(cfg *config.Config, m *metrics.Metrics) (relay.Options, error) {
	exclude := make([]relay.Role, 0, len(cfg.ForwardExcludeRoles))
	for _, name := range cfg.ForwardExcludeRoles {
		role, err := relay.ParseRole(name)
		if err != nil {
			return relay.Options{}, err
		}
		exclude = append(exclude, role)
	}
	return relay.Options{
		HeartbeatInterval: cfg.HeartbeatInterval,
		TransferDeadline:  cfg.Transfer.Deadline,
		StateGrace:        cfg.Transfer.StateGrace,
		ArtifactTTL:       cfg.Storage.ArtifactTTL,
		MaxChunkSize:      cfg.Transfer.MaxChunkSize,
		ForwardExclude:    exclude,
		Metrics:           m,
	}, nil
}

func run(ctx context.Context, cfg *config.Config) error {
	ctx, stop := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer stop()

	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	m := metrics.New(reg)

	store, err := artifact.NewStore(cfg.Storage.ArtifactDir, nil)
	if err != nil {
		return err
	}

	opts, err := brokerOptions(cfg, m)
	if err != nil {
		return err
	}
	broker := relay.New(store, opts)

	srv := server.New(cfg, broker, store, server.WithGatherer(reg))
	srv.Start()
	httpServer := server.CreateServer(cfg.Port, srv.SetupRoutes())

	log.Infow("starting relay server",
		"addr", cfg.Port,
		"artifacts", store.Dir(),
		"heartbeat", cfg.HeartbeatInterval,
		"deadline", cfg.Transfer.Deadline)

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		if err := server.StartServer(httpServer); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()

		httpErr := server.ShutdownServer(httpServer, shutdownTimeout)
		return multierr.Append(httpErr, srv.Shutdown(shutdownCtx))
	})

	return g.Wait()
}

func main() {
	if err := rootCmd.ExecuteContext(context.Background()); err != nil {
		os.Exit(1)
	}
}
