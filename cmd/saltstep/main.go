package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/andrej220/saltstep/pkg/capability"
	"github.com/andrej220/saltstep/pkg/config"
	"github.com/andrej220/saltstep/pkg/executor"
	"github.com/andrej220/saltstep/pkg/lg"
	"github.com/andrej220/saltstep/pkg/orchestrator"
)

const (
	serviceName = "saltstep"
	passwordEnv = "SALT_PASSWORD"
)

// app carries what every subcommand shares once flags are parsed.
type app struct {
	configPath  string
	mongoURI    string
	mongoDB     string
	mongoColl   string
	configID    string
	debug       bool
	logFormat   string
	settings    config.Settings
	logger      lg.Logger
	stdout      io.Writer
	stderr      io.Writer
	getenv      func(string) string
	runExitCode int
}

func newApp(stdout, stderr io.Writer) *app {
	return &app{
		settings: config.Default(),
		logger:   lg.Discard,
		stdout:   stdout,
		stderr:   stderr,
		getenv:   os.Getenv,
	}
}

func newRootCmd(a *app) *cobra.Command {
	root := &cobra.Command{
		Use:   serviceName,
		Short: "Run salt functions on single minions through salt-api",
		Long: `saltstep logs in to salt-api, submits one function for one minion, waits
for the minion's answer and reports its output and exit code.

The password is read from the ` + passwordEnv + ` environment variable.`,
		SilenceUsage:      true,
		SilenceErrors:     true,
		PersistentPreRunE: a.setup,
		PersistentPostRun: func(*cobra.Command, []string) { _ = a.logger.Sync() },
	}
	root.SetOut(a.stdout)
	root.SetErr(a.stderr)
	root.SetFlagErrorFunc(func(_ *cobra.Command, err error) error { return usageError{err} })

	pf := root.PersistentFlags()
	pf.StringVar(&a.configPath, "config", "", "YAML settings file")
	pf.StringVar(&a.mongoURI, "config-mongo-uri", "", "load settings from MongoDB instead of a file")
	pf.StringVar(&a.mongoDB, "config-mongo-db", "saltstep", "settings database")
	pf.StringVar(&a.mongoColl, "config-mongo-collection", "settings", "settings collection")
	pf.StringVar(&a.configID, "config-id", serviceName, "settings document id")
	pf.BoolVar(&a.debug, "debug", false, "enable debug logging")
	pf.StringVar(&a.logFormat, "log-format", "", "log format: json or console")
	root.MarkFlagsMutuallyExclusive("config", "config-mongo-uri")

	root.AddCommand(newRunCmd(a), newWorkerCmd(a), newEnqueueCmd(a), newGatewayCmd(a))
	return root
}

func (a *app) setup(cmd *cobra.Command, _ []string) error {
	if err := a.loadSettings(cmd.Context()); err != nil {
		return err
	}
	if cmd.Flags().Changed("debug") {
		a.settings.Log.Debug = a.debug
	}
	if a.logFormat != "" {
		a.settings.Log.Format = a.logFormat
	}
	a.logger = lg.New(&lg.Config{
		ServiceName: serviceName,
		Debug:       a.settings.Log.Debug,
		Format:      a.settings.Log.Format,
	})
	return nil
}

func (a *app) loadSettings(ctx context.Context) error {
	var (
		storeType config.StoreType
		storeCfg  any
	)
	switch {
	case a.configPath != "":
		storeType, storeCfg = config.FileStore, &config.FileConfig{Path: a.configPath}
	case a.mongoURI != "":
		storeType, storeCfg = config.MongoStore, &config.MongoConfig{
			URI: a.mongoURI, DBName: a.mongoDB, CollName: a.mongoColl, ID: a.configID,
		}
	default:
		return nil
	}
	store, err := config.NewStore(ctx, storeType, storeCfg)
	if err != nil {
		return fmt.Errorf("open settings: %w", err)
	}
	if closer, ok := store.(interface{ Close(context.Context) error }); ok {
		defer closer.Close(context.WithoutCancel(ctx))
	}
	s, err := config.Load(ctx, store)
	if err != nil {
		return fmt.Errorf("load settings: %w", err)
	}
	a.settings = s
	return nil
}

// newOrchestrator wires the salt-api client stack from settings.
func (a *app) newOrchestrator(sink orchestrator.Sink) (*orchestrator.Orchestrator, error) {
	extractors, err := a.settings.ExtractorRegistry()
	if err != nil {
		return nil, err
	}
	client := executor.NewResilientClient(
		executor.NewHTTPClient(a.settings.HTTP.Timeout),
		a.settings.Resilience(),
		executor.WithLogger(a.logger),
	)
	return orchestrator.New(client, capability.Default(), extractors,
		orchestrator.WithOptions(a.settings.OrchestratorOptions()),
		orchestrator.WithLogger(a.logger),
		orchestrator.WithSink(sink),
	), nil
}

// usageError marks a command line that cannot be run.
type usageError struct{ err error }

func (e usageError) Error() string { return e.err.Error() }
func (e usageError) Unwrap() error { return e.err }

// exactArgs is cobra.ExactArgs reporting a usage error.
func exactArgs(n int) cobra.PositionalArgs {
	return func(cmd *cobra.Command, args []string) error {
		if err := cobra.ExactArgs(n)(cmd, args); err != nil {
			return usageError{err}
		}
		return nil
	}
}

// execute runs the command line and returns the process exit status.
func execute(ctx context.Context, args []string, stdout, stderr io.Writer) int {
	a := newApp(stdout, stderr)
	root := newRootCmd(a)
	root.SetArgs(args)
	if err := root.ExecuteContext(ctx); err != nil {
		fmt.Fprintln(stderr, "Error:", err)
		return exitCodeFor(a, err)
	}
	return exitOK
}

func exitCodeFor(a *app, err error) int {
	var uerr usageError
	switch {
	case errors.As(err, &uerr):
		return exitUsage
	case a.runExitCode != 0:
		return a.runExitCode
	default:
		return exitFailure
	}
}

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	code := execute(ctx, os.Args[1:], os.Stdout, os.Stderr)
	stop()
	os.Exit(code)
}
