package main

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/andrej220/saltstep/pkg/orchestrator"
	"github.com/andrej220/saltstep/pkg/persistence"
)

const (
	exitOK      = 0
	exitFailure = 1
	exitUsage   = 2
)

type runFlags struct {
	endpoint   string
	user       string
	eauth      string
	apiVersion string
	timeout    time.Duration
	output     string
}

func newRunCmd(a *app) *cobra.Command {
	var f runFlags
	cmd := &cobra.Command{
		Use:   "run TARGET COMMAND",
		Short: "Run one salt function on one minion and wait for its result",
		Long: `Runs COMMAND on the minion TARGET. COMMAND is the salt function followed by
its arguments, quoted like a shell would, e.g.

  saltstep run web01 "cmd.run_all 'df -h /var'"

Job stdout goes to stdout and job stderr to stderr. The exit status is the
minion's exit code, 2 for bad arguments and 1 for any other failure.`,
		Args: exactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			return a.run(cmd.Context(), f, args[0], args[1])
		},
	}
	flags := cmd.Flags()
	flags.StringVar(&f.endpoint, "endpoint", "", "salt-api base URL (default from settings)")
	flags.StringVar(&f.user, "user", "", "salt-api user (default from settings)")
	flags.StringVar(&f.eauth, "eauth", "", "external auth backend, e.g. pam (default from settings)")
	flags.StringVar(&f.apiVersion, "api-version", "", "salt-api version; empty means the latest known")
	flags.DurationVar(&f.timeout, "timeout", 0, "give up after this long; 0 waits for the minion")
	flags.StringVarP(&f.output, "output", "o", "", "also write the result as JSON to this file")
	return cmd
}

func (a *app) run(ctx context.Context, f runFlags, target, command string) error {
	req := orchestrator.Request{
		Endpoint: firstNonEmpty(f.endpoint, a.settings.SaltAPI.Endpoint),
		Command:  command,
		Target:   target,
		Credentials: orchestrator.Credentials{
			User:     firstNonEmpty(f.user, a.settings.SaltAPI.User),
			Password: a.getenv(passwordEnv),
			Eauth:    firstNonEmpty(f.eauth, a.settings.SaltAPI.Eauth),
		},
		APIVersion: firstNonEmpty(f.apiVersion, a.settings.SaltAPI.APIVersion),
	}
	orch, err := a.newOrchestrator(orchestrator.WriterSink{Out: a.stdout, Err: a.stderr})
	if err != nil {
		a.runExitCode = exitUsage
		return fmt.Errorf("extractor settings: %w", err)
	}

	if f.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, f.timeout)
		defer cancel()
	}
	res, runErr := orch.Run(ctx, req)
	a.runExitCode = exitStatus(res, runErr)

	if f.output != "" && res != nil {
		if err := persistence.WriteJSON(res, f.output); err != nil {
			return errors.Join(runErr, fmt.Errorf("write %s: %w", f.output, err))
		}
	}
	return runErr
}

// exitStatus maps a run outcome to a process exit status. A failed job
// passes its own exit code through when it fits.
func exitStatus(res *orchestrator.Result, err error) int {
	switch orchestrator.ReasonOf(err) {
	case "":
		if err != nil {
			return exitFailure
		}
		return exitOK
	case orchestrator.ArgumentsMissing, orchestrator.ArgumentsInvalid:
		return exitUsage
	case orchestrator.ExitCode:
		if res != nil && res.ExitCode != nil && *res.ExitCode > 0 && *res.ExitCode < 256 {
			return *res.ExitCode
		}
		return exitFailure
	default:
		return exitFailure
	}
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if v != "" {
			return v
		}
	}
	return ""
}
