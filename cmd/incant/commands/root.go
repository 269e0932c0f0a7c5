package commands

import (
	"context"
	"fmt"
	"net"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/rs/zerolog"
	"github.com/spf13/cobra"

	"github.com/crystian/incant/pkg/backend/incuscli"
	"github.com/crystian/incant/pkg/backend/sshrunner"
	"github.com/crystian/incant/pkg/engine"
	"github.com/crystian/incant/pkg/inventory"
	"github.com/crystian/incant/pkg/manifest"
	"github.com/crystian/incant/pkg/policy"
	"github.com/crystian/incant/pkg/telemetry"
)

var (
	// Global flags
	logLevel      string
	logFormat     string
	jsonOutput    bool
	dbPath        string
	policyPaths   []string
	environment   string
	sshTarget     string
	sshKeyPath    string
	incusBinary   string
	incusTimeout  time.Duration
	metricsListen string
	traceEndpoint string

	buildVersion string
)

// Execute runs the root command.
func Execute(ctx context.Context, version, commit, buildDate string) error {
	buildVersion = version
	rootCmd := newRootCommand(version, commit, buildDate)
	return rootCmd.ExecuteContext(ctx)
}

func newRootCommand(version, commit, buildDate string) *cobra.Command {
	rootCmd := &cobra.Command{
		Use:   "incant",
		Short: "Incant - declarative reconciliation for Incus",
		Long: `Incant reconciles Incus resources (instances, profiles, networks,
storage, images) onto declarative YAML manifests.

Features:
  - Convergent apply: only the drifted attributes are touched
  - Schema-validated manifests via CUE, computed values via Starlark
  - Policy gating with OPA/Rego before anything is applied
  - Run history and drift baselines in a local SQLite inventory
  - Local daemon or remote hosts over SSH`,
		Version: fmt.Sprintf("%s (commit: %s, built: %s)", version, commit, buildDate),
	}

	rootCmd.PersistentFlags().StringVar(&logLevel, "log-level", "info", "log level (trace, debug, info, warn, error)")
	rootCmd.PersistentFlags().StringVar(&logFormat, "log-format", "console", "log format (console or json)")
	rootCmd.PersistentFlags().BoolVar(&jsonOutput, "json", false, "output in JSON format")
	rootCmd.PersistentFlags().StringVar(&dbPath, "db", defaultDBPath(), "inventory database path")
	rootCmd.PersistentFlags().StringSliceVar(&policyPaths, "policy", nil, "extra policy files or directories (.rego, .json)")
	rootCmd.PersistentFlags().StringVarP(&environment, "environment", "e", "", "environment name for policy context (staging, production, ...)")
	rootCmd.PersistentFlags().StringVar(&sshTarget, "ssh", "", "run incus on a remote host (user@host[:port])")
	rootCmd.PersistentFlags().StringVar(&sshKeyPath, "ssh-key", "", "private key for --ssh")
	rootCmd.PersistentFlags().StringVar(&incusBinary, "incus-binary", "", "incus executable path")
	rootCmd.PersistentFlags().DurationVar(&incusTimeout, "timeout", 5*time.Minute, "per-invocation timeout")
	rootCmd.PersistentFlags().StringVar(&metricsListen, "metrics-listen", "", "serve Prometheus metrics on this address")
	rootCmd.PersistentFlags().StringVar(&traceEndpoint, "trace-endpoint", "", "OTLP gRPC endpoint for traces")

	rootCmd.AddCommand(newValidateCommand())
	rootCmd.AddCommand(newPlanCommand())
	rootCmd.AddCommand(newApplyCommand())
	rootCmd.AddCommand(newDriftCommand())
	rootCmd.AddCommand(newWatchCommand())
	rootCmd.AddCommand(newHistoryCommand())
	rootCmd.AddCommand(newPolicyCommand())

	return rootCmd
}

func defaultDBPath() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return "incant.db"
	}
	return filepath.Join(home, ".incant", "inventory.db")
}

// runtime bundles everything a command needs: logger, telemetry, the
// policy engine, the inventory store and the execution engine.
type runtime struct {
	log      zerolog.Logger
	loader   *manifest.Loader
	engine   *engine.Engine
	policies *policy.Engine
	store    *inventory.SQLiteStore
	metrics  *telemetry.Metrics
	tracer   *telemetry.Tracer
	runner   incuscli.Runner

	closers []func(context.Context)
}

// newRuntime builds the runtime from the global flags. withStore opens
// the inventory database; read-only commands skip it.
func newRuntime(ctx context.Context, withStore bool) (*runtime, error) {
	logger, err := telemetry.NewLogger(telemetry.LoggingConfig{
		Level:      logLevel,
		Format:     logFormat,
		Output:     "stderr",
		TimeFormat: "rfc3339",
	})
	if err != nil {
		return nil, err
	}
	rt := &runtime{log: logger, loader: manifest.NewLoader(logger)}

	metrics, err := telemetry.NewMetrics(telemetry.MetricsConfig{
		Enabled:       metricsListen != "",
		ListenAddress: metricsListen,
		Path:          "/metrics",
		Namespace:     "incant",
	})
	if err != nil {
		return nil, err
	}
	rt.metrics = metrics
	if metricsListen != "" {
		go func() {
			if err := metrics.StartServer(); err != nil {
				logger.Error().Err(err).Msg("metrics server failed")
			}
		}()
	}

	tracer, err := telemetry.NewTracer(telemetry.TracingConfig{
		Enabled:       traceEndpoint != "",
		Exporter:      "otlp",
		Endpoint:      traceEndpoint,
		SamplingRate:  1.0,
		ExportTimeout: 30 * time.Second,
		Insecure:      true,
	}, "incant", buildVersion, environment)
	if err != nil {
		return nil, err
	}
	rt.tracer = tracer
	rt.closers = append(rt.closers, func(ctx context.Context) {
		if err := tracer.Shutdown(ctx); err != nil {
			logger.Warn().Err(err).Msg("tracer shutdown failed")
		}
	})

	policies, err := policy.NewEngine(logger)
	if err != nil {
		return nil, err
	}
	if len(policyPaths) > 0 {
		if err := policies.Load(ctx, policyPaths); err != nil {
			return nil, err
		}
	}
	rt.policies = policies

	if withStore {
		if err := os.MkdirAll(filepath.Dir(dbPath), 0o755); err != nil {
			return nil, fmt.Errorf("creating inventory directory: %w", err)
		}
		store, err := inventory.NewSQLiteStore(dbPath, logger)
		if err != nil {
			return nil, err
		}
		if err := store.Init(ctx); err != nil {
			return nil, err
		}
		if err := store.Migrate(ctx); err != nil {
			_ = store.Close()
			return nil, err
		}
		rt.store = store
		rt.closers = append(rt.closers, func(context.Context) {
			if err := store.Close(); err != nil {
				logger.Warn().Err(err).Msg("closing inventory failed")
			}
		})
	}

	runner, err := rt.buildRunner(ctx)
	if err != nil {
		rt.Close(ctx)
		return nil, err
	}
	rt.runner = runner

	cfg := engine.Config{
		Runner:   runner,
		Policies: policies,
		Metrics:  metrics,
		Logger:   logger,
	}
	if rt.store != nil {
		cfg.Store = rt.store
	}
	rt.engine = engine.New(cfg)
	return rt, nil
}

func (r *runtime) buildRunner(ctx context.Context) (incuscli.Runner, error) {
	if sshTarget == "" {
		return incuscli.NewLocalRunner(incusBinary, incusTimeout, r.log), nil
	}

	user, host, port, err := parseSSHTarget(sshTarget)
	if err != nil {
		return nil, err
	}
	cfg := sshrunner.DefaultConfig(host, user)
	cfg.Port = port
	cfg.CommandTimeout = incusTimeout
	if sshKeyPath != "" {
		cfg.PrivateKeyPath = sshKeyPath
	}
	runner, err := sshrunner.NewRunner(cfg, r.log)
	if err != nil {
		return nil, err
	}
	if incusBinary != "" {
		runner.Binary = incusBinary
	}
	if err := runner.Connect(ctx); err != nil {
		return nil, err
	}
	r.closers = append(r.closers, func(context.Context) {
		if err := runner.Close(); err != nil {
			r.log.Warn().Err(err).Msg("closing ssh connection failed")
		}
	})
	return runner, nil
}

func (r *runtime) Close(ctx context.Context) {
	for i := len(r.closers) - 1; i >= 0; i-- {
		r.closers[i](ctx)
	}
}

// parseSSHTarget splits user@host[:port].
func parseSSHTarget(target string) (user, host string, port int, err error) {
	at := strings.IndexByte(target, '@')
	if at <= 0 || at == len(target)-1 {
		return "", "", 0, fmt.Errorf("invalid --ssh target %q, expected user@host[:port]", target)
	}
	user = target[:at]
	host = target[at+1:]
	port = 22
	if h, p, splitErr := net.SplitHostPort(host); splitErr == nil {
		host = h
		port, err = strconv.Atoi(p)
		if err != nil || port <= 0 || port > 65535 {
			return "", "", 0, fmt.Errorf("invalid --ssh port %q", p)
		}
	}
	return user, host, port, nil
}
