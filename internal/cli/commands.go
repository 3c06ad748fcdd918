package cli

import (
	"fmt"
	"sort"
	"strings"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/specialistvlad/stepgate/internal/app"
	"github.com/specialistvlad/stepgate/internal/ctxlog"
	"github.com/specialistvlad/stepgate/internal/model"
	"github.com/specialistvlad/stepgate/internal/risk"
	"github.com/specialistvlad/stepgate/internal/server"
)

func newValidateCommand(g *globals) *cobra.Command {
	return &cobra.Command{
		Use:   "validate WORKFLOW",
		Short: "Check a workflow definition and show its layers and static risk",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			s, err := g.settings(cmd)
			if err != nil {
				return err
			}
			ctx := ctxlog.WithLogger(cmd.Context(), app.NewLogger(s.Log.Level, s.Log.Format, cmd.ErrOrStderr()))
			def, err := app.LoadDefinition(ctx, args[0])
			if err != nil {
				return err
			}
			scorer, err := risk.New(s.Risk.Weights)
			if err != nil {
				return &ExitError{Code: ExitUsage, Message: err.Error()}
			}
			printDefinition(cmd, def, scorer.ScoreWorkflow(def, nil))
			return nil
		},
	}
}

func printDefinition(cmd *cobra.Command, def *model.Definition, ws risk.WorkflowScore) {
	out := cmd.OutOrStdout()
	fmt.Fprintf(out, "Workflow %q is valid: %d steps in %d layers.\n", def.Name, len(def.Steps), len(def.Layers))
	for i, layer := range def.Layers {
		names := make([]string, len(layer))
		for n, id := range layer {
			names[n] = def.Step(id).Name
		}
		fmt.Fprintf(out, "  layer %d: %s\n", i, strings.Join(names, ", "))
	}
	for _, gate := range def.Gates {
		threshold := "always"
		if gate.Threshold != nil {
			threshold = fmt.Sprintf("risk >= %.2f", *gate.Threshold)
		}
		fmt.Fprintf(out, "  gate %s: %s\n", gate.ID, threshold)
	}
	fmt.Fprintf(out, "Static risk: %.2f\n", ws.Score)
	if len(ws.Unresolved) > 0 {
		fmt.Fprintf(out, "Decided at run time: %s\n", strings.Join(ws.Unresolved, ", "))
	}
}

// runFlags are shared by run and resume.
type runFlags struct {
	serve    string
	instance string
}

func (f *runFlags) execute(g *globals, cmd *cobra.Command, path string) error {
	a, err := g.newApp(cmd)
	if err != nil {
		return err
	}
	defer a.Close()

	def, err := app.LoadDefinition(ctxlog.WithLogger(cmd.Context(), a.Logger()), path)
	if err != nil {
		return err
	}
	inst, err := a.Run(cmd.Context(), def, app.RunOptions{
		Instance:  model.InstanceID(f.instance),
		ServeAddr: f.serve,
	})
	if err != nil {
		return err
	}
	fmt.Fprint(cmd.OutOrStdout(), inst.Summary())
	if inst.Status == model.InstanceRolledBack {
		return &ExitError{Code: ExitRolledBack, Message: fmt.Sprintf("instance %s rolled back: %s", inst.ID, inst.Reason)}
	}
	return nil
}

func newRunCommand(g *globals) *cobra.Command {
	f := &runFlags{}
	cmd := &cobra.Command{
		Use:   "run WORKFLOW",
		Short: "Start a new instance of a workflow and drive it to completion",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return f.execute(g, cmd, args[0])
		},
	}
	cmd.Flags().StringVar(&f.serve, "serve", "", "Serve the HTTP API on this address while the instance runs.")
	return cmd
}

func newResumeCommand(g *globals) *cobra.Command {
	f := &runFlags{}
	cmd := &cobra.Command{
		Use:   "resume WORKFLOW",
		Short: "Continue an interrupted instance",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return f.execute(g, cmd, args[0])
		},
	}
	cmd.Flags().StringVar(&f.serve, "serve", "", "Serve the HTTP API on this address while the instance runs.")
	cmd.Flags().StringVar(&f.instance, "instance", "", "Id of the instance to resume.")
	_ = cmd.MarkFlagRequired("instance")
	return cmd
}

func newStatusCommand(g *globals) *cobra.Command {
	var instance string
	cmd := &cobra.Command{
		Use:   "status",
		Short: "Print the report of one instance",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := g.newApp(cmd)
			if err != nil {
				return err
			}
			defer a.Close()
			inst, err := a.Store().Load(cmd.Context(), model.InstanceID(instance))
			if err != nil {
				return err
			}
			fmt.Fprint(cmd.OutOrStdout(), inst.Summary())
			return nil
		},
	}
	cmd.Flags().StringVar(&instance, "instance", "", "Id of the instance.")
	_ = cmd.MarkFlagRequired("instance")
	return cmd
}

func newListCommand(g *globals) *cobra.Command {
	return &cobra.Command{
		Use:   "list",
		Short: "List instances, most recent first",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := g.newApp(cmd)
			if err != nil {
				return err
			}
			defer a.Close()
			list, err := a.Store().List(cmd.Context())
			if err != nil {
				return err
			}
			sort.SliceStable(list, func(i, j int) bool { return list[i].CreatedAt.After(list[j].CreatedAt) })

			tw := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
			fmt.Fprintln(tw, "ID\tWORKFLOW\tSTATUS\tROLLBACK FAILURES\tCREATED")
			for _, s := range list {
				fmt.Fprintf(tw, "%s\t%s\t%s\t%d\t%s\n", s.ID, s.Definition, s.Status, s.RollbackFailures, s.CreatedAt.Format("2006-01-02 15:04:05"))
			}
			return tw.Flush()
		},
	}
}

// remoteFlags address an instance on a running server.
type remoteFlags struct {
	server   string
	instance string
}

func (f *remoteFlags) bind(cmd *cobra.Command) {
	cmd.Flags().StringVar(&f.server, "server", "http://localhost:8080", "Base URL of the stepgate server.")
	cmd.Flags().StringVar(&f.instance, "instance", "", "Id of the instance.")
	_ = cmd.MarkFlagRequired("instance")
}

func newDecisionCommand(approve bool) *cobra.Command {
	f := &remoteFlags{}
	var gate, decider string
	use, short, verb := "deny", "Deny a pending approval gate", "denied"
	if approve {
		use, short, verb = "approve", "Approve a pending approval gate", "approved"
	}
	cmd := &cobra.Command{
		Use:   use,
		Short: short,
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			client := server.NewClient(f.server)
			if err := client.Decide(cmd.Context(), model.InstanceID(f.instance), gate, approve, decider); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Gate %s of instance %s %s.\n", gate, f.instance, verb)
			return nil
		},
	}
	f.bind(cmd)
	cmd.Flags().StringVar(&gate, "gate", "", "Id of the gate.")
	cmd.Flags().StringVar(&decider, "decider", "", "Who takes the decision.")
	_ = cmd.MarkFlagRequired("gate")
	return cmd
}

func newAbortCommand() *cobra.Command {
	f := &remoteFlags{}
	cmd := &cobra.Command{
		Use:   "abort",
		Short: "Abort a running instance and roll it back",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := server.NewClient(f.server).Abort(cmd.Context(), model.InstanceID(f.instance)); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Abort of instance %s requested.\n", f.instance)
			return nil
		},
	}
	f.bind(cmd)
	return cmd
}
