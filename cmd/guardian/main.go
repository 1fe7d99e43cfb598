package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/spf13/cobra"

	"github.com/opsflow/guardian/internal/actor"
	"github.com/opsflow/guardian/internal/config"
	"github.com/opsflow/guardian/internal/plan"
	"github.com/opsflow/guardian/internal/version"
)

func main() {
	if err := rootCmd().Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

type globalFlags struct {
	configPath string
	logLevel   string
}

func rootCmd() *cobra.Command {
	var g globalFlags

	cmd := &cobra.Command{
		Use:   "guardian",
		Short: "Approval-gated workflow planning and execution",
		Long: `Guardian turns automation requests into step-by-step plans, holds
risky steps for human approval and executes approved plans against the
configured tool integrations, recording every transition in an audit trail.`,
		SilenceUsage: true,
	}
	cmd.PersistentFlags().StringVarP(&g.configPath, "config", "c", "", "Config file path (YAML)")
	cmd.PersistentFlags().StringVar(&g.logLevel, "log-level", "", "Log level override (debug, info, warn, error)")

	cmd.AddCommand(
		&cobra.Command{
			Use:   "version",
			Short: "Print version information",
			Run: func(cmd *cobra.Command, args []string) {
				fmt.Fprintln(cmd.OutOrStdout(), version.Get())
			},
		},
		validateCmd(&g),
		planCmd(&g),
		runCmd(&g),
		serveCmd(&g),
	)
	return cmd
}

func loadConfig(g *globalFlags) (*config.Config, error) {
	cfg := config.Default()
	if g.configPath != "" {
		var err error
		if cfg, err = config.Load(g.configPath); err != nil {
			return nil, err
		}
	}
	if g.logLevel != "" {
		cfg.Log.Level = g.logLevel
	}
	return cfg, nil
}

// setup loads the configuration and builds the application around it.
func setup(ctx context.Context, g *globalFlags, logOut io.Writer) (*app, error) {
	cfg, err := loadConfig(g)
	if err != nil {
		return nil, err
	}
	logger := newLogger(cfg.Log, logOut)
	return buildApp(ctx, cfg, logger)
}

func validateCmd(g *globalFlags) *cobra.Command {
	return &cobra.Command{
		Use:   "validate",
		Short: "Check the configuration file and exit",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig(g)
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "config ok: oracle=%s store=%s tools=%d orgs=%d\n",
				cfg.Oracle.Kind, cfg.Store.Driver, len(cfg.Tools), len(cfg.Policy.Orgs))
			return nil
		},
	}
}

type requestFlags struct {
	org     string
	by      string
	context []string
}

func (f *requestFlags) register(cmd *cobra.Command) {
	cmd.Flags().StringVar(&f.org, "org", "", "Organization whose policy applies")
	cmd.Flags().StringVar(&f.by, "requested-by", "", "Requester recorded on the plan")
	cmd.Flags().StringArrayVar(&f.context, "context", nil, "Extra context as key=value (repeatable)")
}

func (f *requestFlags) request(args []string) (plan.Request, error) {
	req := plan.Request{
		Description: strings.Join(args, " "),
		OrgID:       f.org,
		RequestedBy: f.by,
	}
	for _, kv := range f.context {
		k, v, ok := strings.Cut(kv, "=")
		if !ok || k == "" {
			return req, fmt.Errorf("invalid --context %q: want key=value", kv)
		}
		if req.Context == nil {
			req.Context = make(map[string]any)
		}
		req.Context[k] = v
	}
	return req, nil
}

func planCmd(g *globalFlags) *cobra.Command {
	var rf requestFlags
	cmd := &cobra.Command{
		Use:   "plan <description>",
		Short: "Generate a plan and print it as JSON",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			req, err := rf.request(args)
			if err != nil {
				return err
			}
			ctx := actor.WithActor(cmd.Context(), req.RequestedBy)
			a, err := setup(ctx, g, cmd.ErrOrStderr())
			if err != nil {
				return err
			}
			defer func() { _ = a.Close() }()

			p, err := a.engine.CreatePlan(ctx, req)
			if err != nil {
				return err
			}
			return printJSON(cmd.OutOrStdout(), p)
		},
	}
	rf.register(cmd)
	return cmd
}

func runCmd(g *globalFlags) *cobra.Command {
	var (
		rf       requestFlags
		approver string
		notes    string
	)
	cmd := &cobra.Command{
		Use:   "run <description>",
		Short: "Generate a plan, approve it and execute it in the foreground",
		Long: `Run generates a plan and executes it. Plans that need approval are
approved on behalf of --approve; without it such plans stop at the gate and
their status is printed.`,
		Args: cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			req, err := rf.request(args)
			if err != nil {
				return err
			}
			ctx := actor.WithActor(cmd.Context(), req.RequestedBy)
			a, err := setup(ctx, g, cmd.ErrOrStderr())
			if err != nil {
				return err
			}
			defer func() { _ = a.Close() }()

			p, err := a.engine.CreatePlan(ctx, req)
			if err != nil {
				return err
			}
			if p.Status == plan.StatusPendingApproval {
				if approver == "" {
					st, err := a.engine.GetPlanStatus(ctx, p.ID)
					if err != nil {
						return err
					}
					return printJSON(cmd.OutOrStdout(), st)
				}
				actx := actor.WithActor(ctx, approver)
				// Execute joins a run the approval may already have started
				if _, err := a.engine.Approve(actx, p.ID, notes); err != nil {
					return err
				}
			}
			if _, err := a.engine.Execute(ctx, p.ID); err != nil {
				return err
			}
			st, err := a.engine.GetPlanStatus(ctx, p.ID)
			if err != nil {
				return err
			}
			if err := printJSON(cmd.OutOrStdout(), st); err != nil {
				return err
			}
			if st.Status == plan.StatusFailed {
				return fmt.Errorf("plan %s failed", p.ID)
			}
			return nil
		},
	}
	rf.register(cmd)
	cmd.Flags().StringVar(&approver, "approve", "", "Approve the plan as this approver if it needs sign-off")
	cmd.Flags().StringVar(&notes, "notes", "", "Approval notes")
	return cmd
}

func printJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
