package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"os"
	"os/signal"
	"strconv"
	"syscall"

	"github.com/spf13/cobra"
	"github.com/spf13/pflag"

	"github.com/AltairaLabs/funcworker/internal/config"
	"github.com/AltairaLabs/funcworker/internal/entrypoint"
	"github.com/AltairaLabs/funcworker/internal/entrypoint/builtin"
	"github.com/AltairaLabs/funcworker/internal/entrypoint/wasm"
	"github.com/AltairaLabs/funcworker/internal/logging"
	"github.com/AltairaLabs/funcworker/internal/metrics"
	"github.com/AltairaLabs/funcworker/internal/session"
	"github.com/AltairaLabs/funcworker/internal/transport"
)

// version is overridden at build time with -ldflags "-X main.version=..."
var version = "0.1.0"

// Exit codes
const (
	exitOK    = 0
	exitUsage = 1
	exitFatal = 2
)

const (
	minPort = 1
	maxPort = 65535
)

// options is the bootstrap command line
type options struct {
	host      string
	port      int
	workerID  string
	requestID string
}

func (o options) endpoint() string {
	return net.JoinHostPort(o.host, strconv.Itoa(o.port))
}

// startWorker runs the session; tests replace it
var startWorker = serve

func main() {
	os.Exit(run(os.Args[1:], os.Stdout, os.Stderr))
}

// run parses args and runs the worker, returning the process exit code
func run(args []string, stdout, stderr io.Writer) int {
	var (
		opts   options
		runErr error
	)

	cmd := newRootCmd(&opts, func(cmd *cobra.Command) error {
		runErr = startWorker(cmd.Context(), opts, stderr)
		return nil
	})
	cmd.SetArgs(args)
	cmd.SetOut(stdout)
	cmd.SetErr(stderr)

	if err := cmd.ExecuteContext(context.Background()); err != nil {
		fmt.Fprintf(stderr, "Error: %v\n\n", err)
		fmt.Fprint(stderr, cmd.UsageString())
		return exitUsage
	}
	if runErr != nil {
		return exitFatal
	}
	return exitOK
}

func newRootCmd(opts *options, runFn func(cmd *cobra.Command) error) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "worker",
		Short: "Language worker for a function host",
		Long: `worker connects to a function host over a bidirectional event stream,
loads the functions the host names and runs their invocations.

Settings beyond the bootstrap flags come from WORKER_* environment variables.`,
		Version:       version,
		Args:          cobra.NoArgs,
		SilenceErrors: true,
		SilenceUsage:  true,
		PreRunE: func(_ *cobra.Command, _ []string) error {
			if opts.port < minPort || opts.port > maxPort {
				return fmt.Errorf("invalid --port %d: must be in [%d, %d]", opts.port, minPort, maxPort)
			}
			if opts.host == "" {
				return errors.New("--host must not be empty")
			}
			return nil
		},
		RunE: func(cmd *cobra.Command, _ []string) error {
			return runFn(cmd)
		},
	}

	addBootstrapFlags(cmd.Flags(), opts)

	for _, name := range []string{"host", "port", "workerId", "requestId"} {
		_ = cmd.MarkFlagRequired(name)
	}
	cmd.SetFlagErrorFunc(func(_ *cobra.Command, err error) error {
		return fmt.Errorf("invalid command line: %w", err)
	})
	return cmd
}

func addBootstrapFlags(flags *pflag.FlagSet, opts *options) {
	flags.StringVarP(&opts.host, "host", "h", "", "Hostname or IP of the functions host")
	flags.IntVarP(&opts.port, "port", "p", 0, "TCP port of the functions host")
	flags.StringVarP(&opts.workerID, "workerId", "w", "", "Worker identity sent in StartStream")
	flags.StringVarP(&opts.requestID, "requestId", "q", "", "Request id of the initial StartStream")
	// -h is the host, so help has no shorthand
	flags.Bool("help", false, "Help for worker")
}

// serve wires the worker and runs one session. SIGINT and SIGTERM start a
// drain
func serve(ctx context.Context, opts options, stderr io.Writer) error {
	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(stderr, "Error: %v\n", err)
		return err
	}

	logger := logging.New(stderr, cfg.LogLevel)
	logger.Info("Worker starting",
		"version", version,
		"worker_id", opts.workerID,
		"endpoint", opts.endpoint(),
		"max_concurrency", cfg.MaxConcurrency)

	ctx, stop := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer stop()

	m := metrics.New()
	metricsCtx, stopMetrics := context.WithCancel(context.Background())
	defer stopMetrics()
	if cfg.MetricsAddr != "" {
		go func() {
			if err := m.Serve(metricsCtx, cfg.MetricsAddr, logger); err != nil {
				logger.Warn("Metrics listener failed", "addr", cfg.MetricsAddr, "error", err)
			}
		}()
	}

	catalog := entrypoint.NewCatalog()
	builtin.Register(catalog)

	plugins, err := wasm.NewLoader(context.Background(), cfg.PluginPath, logger)
	if err != nil {
		logging.Critical(logger, "Failed to start plug-in runtime", "error", err)
		return err
	}
	defer func() {
		if err := plugins.Close(context.Background()); err != nil {
			logger.Debug("Plug-in runtime close failed", "error", err)
		}
	}()

	ctrl, err := session.New(session.Options{
		WorkerID:      opts.workerID,
		RequestID:     opts.requestID,
		WorkerVersion: version,
		Config:        cfg,
		Resolver:      entrypoint.Chain{catalog, plugins},
		Logger:        logger,
		Metrics:       m,
		Dial: func(ctx context.Context) (session.Stream, error) {
			client, err := transport.Dial(ctx, opts.endpoint(), transport.Options{
				MaxMessageBytes: cfg.MaxMessageBytes,
				Logger:          logger,
			})
			if err != nil {
				return nil, err
			}
			return client, nil
		},
	})
	if err != nil {
		return err
	}

	if err := ctrl.Run(ctx); err != nil {
		return err
	}
	logger.Info("Worker stopped")
	return nil
}
