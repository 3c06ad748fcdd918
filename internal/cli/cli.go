package cli

import (
	"context"
	"errors"
	"fmt"
	"io"

	"github.com/spf13/cobra"

	"github.com/specialistvlad/stepgate/internal/app"
	"github.com/specialistvlad/stepgate/internal/config"
	"github.com/specialistvlad/stepgate/internal/engine"
	"github.com/specialistvlad/stepgate/internal/model"
)

// Exit codes.
const (
	ExitFailure    = 1
	ExitUsage      = 2
	ExitRolledBack = 3
	ExitHalted     = 4
)

// ExitError is a custom error type that includes a specific exit code.
type ExitError struct {
	Code    int
	Message string
}

// Error implements the error interface for ExitError.
func (e *ExitError) Error() string {
	return e.Message
}

// globals are the flags every command shares.
type globals struct {
	configPath  string
	logLevel    string
	logFormat   string
	storeDriver string
	storeDir    string
}

// settings loads the settings file and applies flag overrides.
func (g *globals) settings(cmd *cobra.Command) (*config.Settings, error) {
	s, err := config.LoadSettings(g.configPath)
	if err != nil {
		return nil, &ExitError{Code: ExitUsage, Message: err.Error()}
	}
	flags := cmd.Flags()
	if flags.Changed("log-level") {
		s.Log.Level = g.logLevel
	}
	if flags.Changed("log-format") {
		s.Log.Format = g.logFormat
	}
	if flags.Changed("store") {
		s.Store.Driver = g.storeDriver
	}
	if flags.Changed("store-dir") {
		s.Store.Dir = g.storeDir
	}
	if err := s.Validate(); err != nil {
		return nil, &ExitError{Code: ExitUsage, Message: err.Error()}
	}
	return s, nil
}

// newApp builds the application for commands that touch the store.
func (g *globals) newApp(cmd *cobra.Command) (*app.App, error) {
	s, err := g.settings(cmd)
	if err != nil {
		return nil, err
	}
	return app.New(cmd.Context(), cmd.ErrOrStderr(), s)
}

// NewRootCommand returns the stepgate command tree. Results go to out,
// logs and errors to errOut.
func NewRootCommand(out, errOut io.Writer) *cobra.Command {
	g := &globals{}
	root := &cobra.Command{
		Use:   "stepgate",
		Short: "Risk-gated workflow engine with approvals and rollback",
		Long: `stepgate runs workflows of dependent steps. Each step is scored for risk
before it runs; risky steps wait for a human decision on their approval gate.
When a step fails or a gate is denied, completed steps are undone in reverse
order.`,
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.SetOut(out)
	root.SetErr(errOut)
	root.SetFlagErrorFunc(func(_ *cobra.Command, err error) error {
		return &ExitError{Code: ExitUsage, Message: err.Error()}
	})

	pf := root.PersistentFlags()
	pf.StringVarP(&g.configPath, "config", "c", "", "Path to a YAML settings file.")
	pf.StringVar(&g.logLevel, "log-level", "info", "Logging level: debug, info, warn or error.")
	pf.StringVar(&g.logFormat, "log-format", "text", "Log output format: text or json.")
	pf.StringVar(&g.storeDriver, "store", config.DriverFile, "State store driver: memory, file, redis or postgres.")
	pf.StringVar(&g.storeDir, "store-dir", ".stepgate", "Directory of the file store.")

	root.AddCommand(
		newValidateCommand(g),
		newRunCommand(g),
		newResumeCommand(g),
		newStatusCommand(g),
		newListCommand(g),
		newDecisionCommand(true),
		newDecisionCommand(false),
		newAbortCommand(),
	)
	return root
}

// Execute runs the command tree with args.
func Execute(ctx context.Context, args []string, out, errOut io.Writer) error {
	root := NewRootCommand(out, errOut)
	root.SetArgs(args)
	err := root.ExecuteContext(ctx)
	if err == nil {
		return nil
	}
	var exitErr *ExitError
	if errors.As(err, &exitErr) {
		return exitErr
	}
	return classify(err)
}

// classify turns an error from the application into an ExitError.
func classify(err error) *ExitError {
	var halted *engine.HaltedError
	switch {
	case errors.As(err, &halted):
		return &ExitError{
			Code:    ExitHalted,
			Message: fmt.Sprintf("%v\nresume with: stepgate resume --instance %s <workflow>", err, halted.Instance),
		}
	case errors.Is(err, model.ErrDefinition), errors.Is(err, engine.ErrDigestMismatch):
		return &ExitError{Code: ExitUsage, Message: err.Error()}
	}
	return &ExitError{Code: ExitFailure, Message: err.Error()}
}
