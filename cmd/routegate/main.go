package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"sort"
	"strings"
	"syscall"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/zen-systems/routegate/pkg/audit"
	"github.com/zen-systems/routegate/pkg/config"
	"github.com/zen-systems/routegate/pkg/dispatch"
	"github.com/zen-systems/routegate/pkg/fallback"
	"github.com/zen-systems/routegate/pkg/roles"
)

var version = "dev"

var (
	configFile   string
	logLevelFlag string
	auditDBFlag  string
	modeFlag     string
	roleFlag     string
	overrideFlag string
	filesFlag    []string
	jsonFlag     bool
)

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	rootCmd := &cobra.Command{
		Use:   "routegate",
		Short: "Local-first model routing for coding agents",
		Long: `Routegate decides which language model serves each request of a coding
agent. It honors the operating mode (local_only, airgapped, burst), the
agent's current role, a complexity estimate of the task, live model
availability and per-model circuit breakers.`,
		SilenceUsage: true,
	}

	rootCmd.PersistentFlags().StringVar(&configFile, "config", "", "path to routing config file (yaml or toml)")
	rootCmd.PersistentFlags().StringVar(&logLevelFlag, "log-level", "", "log level: debug, info, warn, error")
	rootCmd.PersistentFlags().StringVar(&auditDBFlag, "audit-db", "", "SQLite file receiving audit records")
	rootCmd.PersistentFlags().StringVar(&modeFlag, "mode", "", "operating mode: local_only, airgapped, burst")

	rootCmd.AddCommand(routeCmd())
	rootCmd.AddCommand(askCmd())
	rootCmd.AddCommand(rolesCmd())
	rootCmd.AddCommand(modelsCmd())
	rootCmd.AddCommand(heuristicsCmd())
	rootCmd.AddCommand(fallbackCmd())
	rootCmd.AddCommand(validateCmd())
	rootCmd.AddCommand(auditCmd())

	if err := rootCmd.ExecuteContext(ctx); err != nil {
		os.Exit(1)
	}
}

func addRequestFlags(cmd *cobra.Command) {
	cmd.Flags().StringVar(&roleFlag, "role", "", "agent role: default, planner, coder, reviewer (defaults to the current role)")
	cmd.Flags().StringVar(&overrideFlag, "override", "", "force a model id or alias")
	cmd.Flags().StringSliceVar(&filesFlag, "files", nil, "files the task touches")
}

func routeCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "route [task description]",
		Short: "Show which model would serve a task",
		Long: `Evaluates the task's complexity, walks the candidate list for the role and
prints the routing decision without calling any model.`,
		Args: cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			rt, err := setup(cmd.Context())
			if err != nil {
				return err
			}
			defer rt.close()

			req, err := rt.request(strings.Join(args, " "))
			if err != nil {
				return err
			}
			d, err := rt.router.Route(cmd.Context(), req)
			if err != nil {
				return err
			}

			if jsonFlag {
				data, err := d.MarshalIndent()
				if err != nil {
					return err
				}
				fmt.Println(string(data))
				return nil
			}

			w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
			fmt.Fprintf(w, "MODEL\t%s\n", d.ModelID)
			fmt.Fprintf(w, "PROVIDER\t%s\n", d.Provider)
			fmt.Fprintf(w, "ROLE\t%s\n", d.Role)
			fmt.Fprintf(w, "MODE\t%s\n", d.Mode)
			fmt.Fprintf(w, "STRATEGY\t%s\n", d.Strategy)
			if d.Complexity != nil {
				fmt.Fprintf(w, "COMPLEXITY\t%d (%s)\n", d.Complexity.Combined, d.Complexity.Tier)
			}
			fmt.Fprintf(w, "FALLBACK\t%t\n", d.FallbackUsed)
			fmt.Fprintf(w, "REASON\t%s\n", d.Reason)
			if d.OverrideRejection != "" {
				fmt.Fprintf(w, "OVERRIDE\t%s\n", d.OverrideRejection)
			}
			for _, m := range d.Tried {
				if reason, ok := d.FailureReasons[m]; ok {
					fmt.Fprintf(w, "SKIPPED\t%s: %s\n", m, reason)
				}
			}
			return w.Flush()
		},
	}
	addRequestFlags(cmd)
	cmd.Flags().BoolVar(&jsonFlag, "json", false, "print the decision as JSON")
	return cmd
}

func askCmd() *cobra.Command {
	var reportFlag bool

	cmd := &cobra.Command{
		Use:   "ask [prompt]",
		Short: "Route a prompt and send it to the chosen model",
		Long: `Routes the prompt like "route" does, then sends it to the decided model.
Transient provider errors are retried with backoff. When a model's call
fails the next candidate is tried.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			prompt := args[0]

			rt, err := setup(cmd.Context())
			if err != nil {
				return err
			}
			defer rt.close()

			req, err := rt.request(prompt)
			if err != nil {
				return err
			}

			d := dispatch.New(rt.router, rt.router, retryConfig(rt.cfg.RoutingConfig.Retry), dispatch.WithLogger(rt.logger))
			result, err := d.Ask(cmd.Context(), req, prompt)
			if reportFlag && result != nil {
				data, jerr := json.MarshalIndent(result.Reports, "", "  ")
				if jerr == nil {
					fmt.Fprintln(os.Stderr, string(data))
				}
			}
			if err != nil {
				return err
			}

			fmt.Fprintf(os.Stderr, "Routed to %s via %s\n", result.Decision.ModelID, result.Decision.Provider)
			fmt.Println(result.Response.Content)
			return nil
		},
	}
	addRequestFlags(cmd)
	cmd.Flags().BoolVar(&reportFlag, "report", false, "print per-model call reports to stderr")
	return cmd
}

func rolesCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "roles",
		Short: "List agent roles and their model preferences",
		RunE: func(cmd *cobra.Command, args []string) error {
			rt, err := setup(cmd.Context())
			if err != nil {
				return err
			}
			defer rt.close()

			w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
			fmt.Fprintln(w, "ROLE\tMODEL\tFALLBACK\tCONSTRAINTS\tDESCRIPTION")
			for _, def := range rt.router.Registry().ListRoles() {
				fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%s\n",
					def.Role, orDash(def.PreferredModel), orDash(strings.Join(def.FallbackChain, ", ")),
					orDash(strings.Join(def.Constraints, ", ")), def.Description)
			}
			return w.Flush()
		},
	}
}

func modelsCmd() *cobra.Command {
	var resolveFlag bool
	var validateFlag bool

	cmd := &cobra.Command{
		Use:   "models",
		Short: "List providers, available models and aliases",
		Long: `Probes every configured provider and lists the models it serves.

	Use --resolve to show aliases and what they resolve to.
	Use --validate to check that every model named in the routing config exists.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			rt, err := setup(cmd.Context())
			if err != nil {
				return err
			}
			defer rt.close()

			if resolveFlag {
				return showAliases(rt.router.Aliases())
			}
			if validateFlag {
				return validateAliases(rt.router.Aliases(), rt.cfg.RoutingConfig)
			}

			snap := rt.router.Availability().Snapshot(cmd.Context())
			if snap == nil {
				return cmd.Context().Err()
			}
			served := make(map[string][]string)
			for _, e := range snap.Entries {
				served[e.Provider] = append(served[e.Provider], e.Model)
			}

			w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
			fmt.Fprintln(w, "PROVIDER\tCLASS\tSTATUS\tCONTEXT\tMODELS")
			for _, p := range rt.router.Availability().Providers() {
				status := "up"
				if perr, ok := snap.ProviderErrors[p.Name()]; ok {
					status = "down: " + perr
				}
				fmt.Fprintf(w, "%s\t%s\t%s\t%d\t%s\n", p.Name(), p.Class(), status,
					p.Capabilities().MaxContext, orDash(strings.Join(served[p.Name()], ", ")))
			}
			skipped := rt.router.SkippedProviders()
			names := make([]string, 0, len(skipped))
			for name := range skipped {
				names = append(names, name)
			}
			sort.Strings(names)
			for _, name := range names {
				fmt.Fprintf(w, "%s\t-\tskipped: %s\t-\t-\n", name, skipped[name])
			}
			return w.Flush()
		},
	}

	cmd.Flags().BoolVar(&resolveFlag, "resolve", false, "show aliases and what they resolve to")
	cmd.Flags().BoolVar(&validateFlag, "validate", false, "check that every configured model is known")
	return cmd
}

func showAliases(aliases *config.ModelAliases) error {
	aliasMap := aliases.ListAliases()
	if len(aliasMap) == 0 {
		fmt.Println("No model aliases configured.")
		return nil
	}

	names := make([]string, 0, len(aliasMap))
	for name := range aliasMap {
		names = append(names, name)
	}
	sort.Strings(names)

	w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "ALIAS\tMODEL\tPROVIDER")
	for _, alias := range names {
		model := aliasMap[alias]
		fmt.Fprintf(w, "%s\t%s\t%s\n", alias, model, orDash(aliases.GetProviderForModel(model)))
	}
	return w.Flush()
}

func validateAliases(aliases *config.ModelAliases, cfg *config.RoutingConfig) error {
	errs := aliases.ValidateRoutingConfig(cfg)
	if len(errs) == 0 {
		fmt.Println("All models in the routing config are known.")
		return nil
	}

	fmt.Fprintf(os.Stderr, "Found %d unknown models:\n", len(errs))
	for _, err := range errs {
		fmt.Fprintf(os.Stderr, "  - %s\n", err)
	}
	return errors.New("model validation failed")
}

func heuristicsCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "heuristics [task description]",
		Short: "List complexity heuristics, or score a task",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			rt, err := setup(cmd.Context())
			if err != nil {
				return err
			}
			defer rt.close()

			engine := rt.router.Engine()
			if len(args) == 0 {
				t := engine.Thresholds()
				w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
				fmt.Fprintln(w, "HEURISTIC\tPRIORITY\tENABLED")
				for _, reg := range engine.Registered() {
					fmt.Fprintf(w, "%s\t%d\t%t\n", reg.Name, reg.Priority, reg.Enabled)
				}
				fmt.Fprintln(w)
				fmt.Fprintf(w, "THRESHOLDS\tlow <= %d\thigh >= %d\n", t.Low, t.High)
				return w.Flush()
			}

			hctx, err := rt.heuristicContext(args[0])
			if err != nil {
				return err
			}
			score, err := engine.Evaluate(hctx)
			if err != nil {
				return err
			}
			if jsonFlag {
				data, err := json.MarshalIndent(score, "", "  ")
				if err != nil {
					return err
				}
				fmt.Println(string(data))
				return nil
			}

			w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
			fmt.Fprintln(w, "HEURISTIC\tSCORE\tCONFIDENCE\tREASONING")
			for _, nr := range score.Results {
				fmt.Fprintf(w, "%s\t%d\t%.2f\t%s\n", nr.Name, nr.Result.Score, nr.Result.Confidence, nr.Result.Reasoning)
			}
			fmt.Fprintln(w)
			fmt.Fprintf(w, "COMBINED\t%d\t%s\t%s\n", score.Combined, score.Tier, score.Reasoning)
			return w.Flush()
		},
	}
	addRequestFlags(cmd)
	cmd.Flags().BoolVar(&jsonFlag, "json", false, "print the score as JSON")
	return cmd
}

func fallbackCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "fallback",
		Short: "Inspect fallback chains and circuit breakers",
	}
	cmd.AddCommand(fallbackStatusCmd())
	cmd.AddCommand(fallbackTestCmd())
	return cmd
}

func fallbackStatusCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "status",
		Short: "Show fallback chains and circuit breaker settings",
		RunE: func(cmd *cobra.Command, args []string) error {
			rt, err := setup(cmd.Context())
			if err != nil {
				return err
			}
			defer rt.close()

			rc := rt.cfg.RoutingConfig
			cb := rt.router.Breaker().Config()

			w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
			fmt.Fprintf(w, "STRATEGY\t%s\n", rc.Strategy)
			fmt.Fprintf(w, "MODE\t%s\n", rt.router.Mode())
			fmt.Fprintf(w, "DEFAULT\t%s\n", orDash(rc.DefaultModel))
			fmt.Fprintf(w, "GLOBAL CHAIN\t%s\n", orDash(strings.Join(rc.FallbackChain, " -> ")))
			fmt.Fprintln(w)

			fmt.Fprintln(w, "ROLE\tCHAIN")
			for _, role := range roles.Builtin() {
				chain, err := rt.router.Policy().Candidates(role, nil)
				if err != nil {
					return err
				}
				fmt.Fprintf(w, "%s\t%s\n", role, orDash(strings.Join(chain, " -> ")))
			}
			fmt.Fprintln(w)

			fmt.Fprintln(w, "CIRCUIT BREAKER")
			fmt.Fprintf(w, "failure threshold\t%d\n", cb.FailureThreshold)
			fmt.Fprintf(w, "base backoff\t%s\n", cb.BaseBackoff)
			fmt.Fprintf(w, "max backoff\t%s\n", cb.MaxBackoff)
			fmt.Fprintf(w, "trial timeout\t%s\n", cb.TrialTimeout)
			for _, info := range rt.router.Breaker().States() {
				fmt.Fprintf(w, "%s\t%s (failures %d)\n", info.ModelID, info.State, info.FailureCount)
			}
			return w.Flush()
		},
	}
}

func fallbackTestCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "test",
		Short: "Resolve a role's chain against live availability",
		RunE: func(cmd *cobra.Command, args []string) error {
			rt, err := setup(cmd.Context())
			if err != nil {
				return err
			}
			defer rt.close()

			role := rt.router.Registry().GetCurrentRole()
			if roleFlag != "" {
				if role, err = roles.Parse(roleFlag); err != nil {
					return err
				}
			}
			candidates, err := rt.router.Policy().Candidates(role, nil)
			if err != nil {
				return err
			}

			resolver := fallback.NewResolver(rt.router.Availability(), rt.router.Breaker(), fallback.WithLogger(rt.logger))
			res := resolver.Resolve(cmd.Context(), candidates, rt.router.Mode())
			data, err := json.MarshalIndent(res, "", "  ")
			if err != nil {
				return err
			}
			fmt.Println(string(data))
			if !res.Success {
				return fmt.Errorf("no model available for role %s", role)
			}
			return nil
		},
	}
	cmd.Flags().StringVar(&roleFlag, "role", "", "role whose chain to resolve")
	return cmd
}

func validateCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "validate [routing.yaml|routing.toml]",
		Short: "Validate a routing config file",
		Long:  "Parses and validates routing configuration without probing providers.",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			path := configFile
			if len(args) == 1 {
				path = args[0]
			}
			if path == "" {
				return errors.New("routing config file is required")
			}

			rc, err := config.LoadRoutingConfig(path)
			if err != nil {
				return err
			}
			if err := rc.Validate(); err != nil {
				return err
			}
			for _, err := range config.AliasesFromRouting(rc).ValidateRoutingConfig(rc) {
				fmt.Fprintf(os.Stderr, "warning: %s\n", err)
			}
			fmt.Println("Routing config is valid.")
			return nil
		},
	}
}

func auditCmd() *cobra.Command {
	var limit int
	var transitionsFlag bool

	cmd := &cobra.Command{
		Use:   "audit",
		Short: "List recent routing decisions or role transitions",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return fmt.Errorf("failed to load config: %w", err)
			}
			if cfg.AuditDB == "" {
				return fmt.Errorf("no audit database configured (set --audit-db or %s)", config.EnvAuditDB)
			}

			store, err := audit.OpenSQLite(cfg.AuditDB)
			if err != nil {
				return err
			}
			defer store.Close()

			w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
			if transitionsFlag {
				recs, err := store.ListTransitions(cmd.Context(), limit)
				if err != nil {
					return err
				}
				fmt.Fprintln(w, "TIME\tFROM\tTO\tREASON")
				for _, rec := range recs {
					fmt.Fprintf(w, "%s\t%s\t%s\t%s\n", rec.Timestamp.Format(time.RFC3339), rec.From, rec.To, rec.Reason)
				}
				return w.Flush()
			}

			recs, err := store.ListDecisions(cmd.Context(), limit)
			if err != nil {
				return err
			}
			fmt.Fprintln(w, "TIME\tROLE\tMODE\tMODEL\tFALLBACK\tREASON")
			for _, rec := range recs {
				model := rec.Model
				if !rec.Success {
					model = "(none)"
				}
				fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%t\t%s\n",
					rec.Timestamp.Format(time.RFC3339), rec.Role, rec.Mode, model, rec.FallbackUsed, rec.Reason)
			}
			return w.Flush()
		},
	}

	cmd.Flags().IntVar(&limit, "limit", 20, "number of records to show")
	cmd.Flags().BoolVar(&transitionsFlag, "transitions", false, "list role transitions instead of decisions")
	return cmd
}

func loadConfig() (*config.Config, error) {
	var cfg *config.Config
	var err error

	if configFile != "" {
		cfg, err = config.LoadWithRoutingFile(configFile)
	} else {
		cfg, err = config.Load()
	}
	if err != nil {
		return nil, err
	}

	if auditDBFlag != "" {
		cfg.AuditDB = auditDBFlag
	}
	if logLevelFlag != "" {
		cfg.LogLevel = logLevelFlag
	}
	if modeFlag != "" {
		cfg.Mode = modeFlag
		cfg.RoutingConfig.Mode = modeFlag
	}
	return cfg, nil
}

func orDash(s string) string {
	if s == "" {
		return "-"
	}
	return s
}
