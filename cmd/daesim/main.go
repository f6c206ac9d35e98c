package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"slices"
	"strings"
	"text/tabwriter"

	"github.com/guptarohit/asciigraph"
	"github.com/joho/godotenv"
	"github.com/spf13/cobra"

	"github.com/san-kum/daesim/internal/config"
	"github.com/san-kum/daesim/internal/experiment"
	"github.com/san-kum/daesim/internal/logging"
	"github.com/san-kum/daesim/internal/tableau"
	"github.com/san-kum/daesim/internal/trajectory"
	"github.com/san-kum/daesim/internal/viz"
)

var (
	dataDir    string
	configFile string
	preset     string
	method     string
	atol       float64
	rtol       float64
	h0         float64
	tEnd       float64
	save       bool
	sensMode   string
	workers    int
	logLevel   string
	logFormat  string
)

func main() {
	_ = godotenv.Load()

	rootCmd := &cobra.Command{
		Use:           "daesim",
		Short:         "Runge-Kutta integration of differential-algebraic systems",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	rootCmd.PersistentFlags().StringVar(&dataDir, "data", "", "data directory (default from config)")
	rootCmd.PersistentFlags().StringVar(&configFile, "config", "", "config file path (yaml)")
	rootCmd.PersistentFlags().StringVar(&logLevel, "log-level", "", "log level: debug, info, warn, error")
	rootCmd.PersistentFlags().StringVar(&logFormat, "log-format", "", "log format: text, json")

	runCmd := &cobra.Command{
		Use:   "run [problem]",
		Short: "integrate a problem",
		Args:  cobra.MaximumNArgs(1),
		RunE:  runProblem,
	}
	addIntegrationFlags(runCmd)
	runCmd.Flags().BoolVar(&save, "save", false, "store the trajectory")

	sensCmd := &cobra.Command{
		Use:   "sens [problem]",
		Short: "gradient of the cost with respect to x0 and u",
		Args:  cobra.MaximumNArgs(1),
		RunE:  runSensitivity,
	}
	addIntegrationFlags(sensCmd)
	sensCmd.Flags().StringVar(&sensMode, "mode", "", "adjoint, tangent or both")
	sensCmd.Flags().IntVar(&workers, "workers", 0, "parallel tangent directions")
	sensCmd.Flags().BoolVar(&save, "save", false, "store the trajectory and gradient")

	hybridCmd := &cobra.Command{
		Use:   "hybrid [scenario]",
		Short: "run a hybrid scenario",
		Args:  cobra.ExactArgs(1),
		RunE:  runHybrid,
	}
	addIntegrationFlags(hybridCmd)
	hybridCmd.Flags().BoolVar(&save, "save", false, "store the trajectory")

	watchCmd := &cobra.Command{
		Use:   "watch [problem]",
		Short: "integrate with live visualization",
		Args:  cobra.MaximumNArgs(1),
		RunE:  watchProblem,
	}
	addIntegrationFlags(watchCmd)

	methodsCmd := &cobra.Command{
		Use:   "methods",
		Short: "list integration methods",
		RunE:  listMethods,
	}

	problemsCmd := &cobra.Command{
		Use:   "problems",
		Short: "list problems and hybrid scenarios",
		RunE:  listProblems,
	}

	presetsCmd := &cobra.Command{
		Use:   "presets [problem]",
		Short: "list presets",
		Args:  cobra.MaximumNArgs(1),
		RunE:  listPresets,
	}

	listCmd := &cobra.Command{
		Use:   "list",
		Short: "list stored runs",
		RunE:  listRuns,
	}

	plotCmd := &cobra.Command{
		Use:   "plot [run_id]",
		Short: "plot a stored run",
		Args:  cobra.ExactArgs(1),
		RunE:  plotRun,
	}

	exportCmd := &cobra.Command{
		Use:   "export [run_id]",
		Short: "export a stored run as json",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			st, err := openStore()
			if err != nil {
				return err
			}
			return st.ExportJSON(args[0], os.Stdout)
		},
	}

	exportCSVCmd := &cobra.Command{
		Use:   "export-csv [run_id]",
		Short: "export a stored run as csv",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			st, err := openStore()
			if err != nil {
				return err
			}
			return st.ExportCSV(args[0], os.Stdout)
		},
	}

	rootCmd.AddCommand(runCmd, sensCmd, hybridCmd, watchCmd, methodsCmd, problemsCmd,
		presetsCmd, listCmd, plotCmd, exportCmd, exportCSVCmd)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt)
	defer stop()
	if err := rootCmd.ExecuteContext(ctx); err != nil {
		fmt.Fprintln(os.Stderr, "error:", err)
		stop()
		os.Exit(1)
	}
}

func addIntegrationFlags(cmd *cobra.Command) {
	cmd.Flags().StringVar(&preset, "preset", "", "use preset configuration")
	cmd.Flags().StringVar(&method, "method", "", "integration method")
	cmd.Flags().Float64Var(&atol, "atol", 0, "absolute tolerance")
	cmd.Flags().Float64Var(&rtol, "rtol", 0, "relative tolerance")
	cmd.Flags().Float64Var(&h0, "h0", 0, "initial step (fixed step for non-adaptive methods)")
	cmd.Flags().Float64Var(&tEnd, "t-end", 0, "end time")
}

// loadConfig layers defaults, the config file, the preset, DAESIM_*
// variables and finally the flags set on cmd.
func loadConfig(cmd *cobra.Command, args []string) (*config.Config, error) {
	cfg := config.DefaultConfig()
	if configFile != "" {
		var err error
		if cfg, err = config.Load(configFile); err != nil {
			return nil, fmt.Errorf("failed to load config: %w", err)
		}
	}
	if err := cfg.ApplyEnv(); err != nil {
		return nil, err
	}
	if len(args) > 0 && cmd.Name() != "hybrid" {
		cfg.Problem = args[0]
	}
	if preset != "" {
		if err := config.ApplyPreset(cfg, preset); err != nil {
			return nil, err
		}
	}

	flags := cmd.Flags()
	if flags.Changed("method") {
		cfg.Method = method
	}
	if flags.Changed("atol") {
		cfg.Step.AbsTol = atol
	}
	if flags.Changed("rtol") {
		cfg.Step.RelTol = rtol
	}
	if flags.Changed("h0") {
		cfg.Step.InitialStep = h0
	}
	if flags.Changed("t-end") {
		cfg.TEnd = tEnd
	}
	if flags.Changed("mode") {
		cfg.Sensitivity.Mode = sensMode
	}
	if flags.Changed("workers") {
		cfg.Sensitivity.Workers = workers
	}
	if dataDir != "" {
		cfg.DataDir = dataDir
	}
	if logLevel != "" {
		cfg.Log.Level = logLevel
	}
	if logFormat != "" {
		cfg.Log.Format = logFormat
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func newLogger(cfg *config.Config) (*slog.Logger, error) {
	level, err := logging.ParseLevel(cfg.Log.Level)
	if err != nil {
		return nil, err
	}
	format, err := logging.ParseFormat(cfg.Log.Format)
	if err != nil {
		return nil, err
	}
	return logging.New(logging.WithLevel(level), logging.WithFormat(format)), nil
}

func setup(cmd *cobra.Command, args []string) (*experiment.Experiment, error) {
	cfg, err := loadConfig(cmd, args)
	if err != nil {
		return nil, err
	}
	log, err := newLogger(cfg)
	if err != nil {
		return nil, err
	}
	return experiment.New(cfg, experiment.WithLogger(log)), nil
}

func openStore() (*trajectory.Store, error) {
	dir := dataDir
	if dir == "" {
		cfg := config.DefaultConfig()
		if err := cfg.ApplyEnv(); err != nil {
			return nil, err
		}
		dir = cfg.DataDir
	}
	st := trajectory.NewStore(dir)
	return st, st.Init()
}

func saveRun(cfg *config.Config, meta trajectory.RunMetadata, tr *trajectory.Trajectory) error {
	st := trajectory.NewStore(cfg.DataDir)
	if err := st.Init(); err != nil {
		return err
	}
	id, err := st.Save(meta, tr)
	if err != nil {
		return err
	}
	fmt.Printf("saved: %s\n", id)
	return nil
}

func runProblem(cmd *cobra.Command, args []string) error {
	exp, err := setup(cmd, args)
	if err != nil {
		return err
	}
	res, err := exp.Run(cmd.Context())
	if err != nil {
		return err
	}

	in := res.Integration
	st := in.Stats
	fmt.Printf("problem: %s\n", res.Problem)
	fmt.Printf("method: %s\n", res.Method)
	fmt.Printf("steps: %d accepted, %d rejected\n", st.Accepted, st.Rejected)
	fmt.Printf("work: %d evaluations, %d jacobians, %d factorizations, %d newton iterations\n",
		st.Evaluations, st.Jacobians, st.Factorizations, st.Iterations)
	fmt.Printf("step range: [%.3e, %.3e]\n", st.MinStep, st.MaxStep)
	fmt.Printf("final state: %s\n", formatVector(in.States[len(in.States)-1]))
	fmt.Printf("cost: %.10g\n", in.Cost)
	fmt.Printf("elapsed: %s\n", res.Elapsed)

	w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
	for _, name := range sortedNames(res.Metrics) {
		fmt.Fprintf(w, "  %s\t%.6g\n", name, res.Metrics[name])
	}
	if err := w.Flush(); err != nil {
		return err
	}

	if save {
		return saveRun(exp.Config(), res.Metadata(exp.Config()), in.Trajectory)
	}
	return nil
}

func runSensitivity(cmd *cobra.Command, args []string) error {
	exp, err := setup(cmd, args)
	if err != nil {
		return err
	}
	rep, err := exp.Sensitivity(cmd.Context())
	if err != nil {
		return err
	}

	fmt.Printf("problem: %s\n", rep.Run.Problem)
	fmt.Printf("method: %s\n", rep.Run.Method)
	fmt.Printf("cost: %.12g\n", rep.Cost)
	fmt.Printf("dJ/dx0: %s\n", formatVector(rep.GradX0()))
	if u := rep.GradU(); len(u) > 0 {
		fmt.Printf("dJ/du: %s\n", formatVector(u))
	}
	if rep.Adjoint != nil && rep.Tangent != nil {
		fmt.Printf("adjoint/tangent max diff: %.3e\n", rep.MaxDiff)
	}

	if save {
		cfg := exp.Config()
		meta := rep.Run.Metadata(cfg)
		meta.Gradient = append(append([]float64(nil), rep.GradX0()...), rep.GradU()...)
		return saveRun(cfg, meta, rep.Run.Integration.Trajectory)
	}
	return nil
}

func runHybrid(cmd *cobra.Command, args []string) error {
	exp, err := setup(cmd, args)
	if err != nil {
		return err
	}
	cfg := exp.Config()
	horizon := 0.0
	if cmd.Flags().Changed("t-end") {
		horizon = cfg.TEnd
	}
	res, err := exp.Hybrid(cmd.Context(), args[0], horizon)
	if err != nil {
		return err
	}

	fmt.Printf("scenario: %s\n", args[0])
	fmt.Printf("status: %s (final %s)\n", res.Status, res.Final)
	fmt.Printf("steps: %d accepted, %d rejected\n", res.Stats.Accepted, res.Stats.Rejected)
	fmt.Printf("transitions: %d\n\n", len(res.Transitions))

	w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "T\tFROM\tTO\tX-\tX+")
	for _, tr := range res.Transitions {
		fmt.Fprintf(w, "%.8f\t%s\t%s\t%s\t%s\n", tr.T, tr.From, tr.To, formatVector(tr.XMinus), formatVector(tr.XPlus))
	}
	if err := w.Flush(); err != nil {
		return err
	}

	if save {
		meta := trajectory.RunMetadata{
			Problem:  args[0],
			Method:   cfg.Method,
			T0:       cfg.T0,
			TEnd:     res.Times[len(res.Times)-1],
			AbsTol:   cfg.Step.AbsTol,
			RelTol:   cfg.Step.RelTol,
			Rejected: res.Stats.Rejected,
			Cost:     res.Cost,
		}
		return saveRun(cfg, meta, res.Trajectory)
	}
	return nil
}

func watchProblem(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig(cmd, args)
	if err != nil {
		return err
	}
	// the alt screen owns the terminal
	exp := experiment.New(cfg, experiment.WithLogger(logging.Discard()))
	p, x0, u, err := exp.Setup()
	if err != nil {
		return err
	}
	in, err := exp.Integrator()
	if err != nil {
		return err
	}
	m, err := viz.NewModel(cfg.Problem, in, p, cfg.T0, cfg.TEnd, x0, u)
	if err != nil {
		return err
	}
	return viz.Watch(m)
}

func listMethods(cmd *cobra.Command, args []string) error {
	w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "NAME\tCLASS\tSTAGES\tORDER\tEMBEDDED")
	for _, name := range tableau.Names() {
		tab, err := tableau.Build(name)
		if err != nil {
			return err
		}
		embedded := "-"
		if tab.HasEmbedded() {
			embedded = fmt.Sprintf("%d", tab.EmbeddedOrder())
		}
		fmt.Fprintf(w, "%s\t%s\t%d\t%d\t%s\n", name, tab.Class(), tab.Stages(), tab.Order(), embedded)
	}
	return w.Flush()
}

func listProblems(cmd *cobra.Command, args []string) error {
	reg := experiment.NewRegistry()
	fmt.Println("problems:")
	for _, name := range reg.ListProblems() {
		fmt.Printf("  %s\n", name)
	}
	fmt.Println("hybrid scenarios:")
	for _, name := range reg.ListScenarios() {
		fmt.Printf("  %s\n", name)
	}
	return nil
}

func listPresets(cmd *cobra.Command, args []string) error {
	problems := make([]string, 0, len(config.Presets))
	if len(args) > 0 {
		problems = append(problems, args[0])
	} else {
		problems = sortedNames(config.Presets)
	}

	w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "PROBLEM\tPRESET\tMETHOD\tT_END\tRTOL")
	for _, problem := range problems {
		names := config.ListPresets(problem)
		if len(names) == 0 {
			return fmt.Errorf("no presets for %q", problem)
		}
		for _, name := range names {
			cfg := config.GetPreset(problem, name)
			fmt.Fprintf(w, "%s\t%s\t%s\t%g\t%g\n", problem, name, cfg.Method, cfg.TEnd, cfg.Step.RelTol)
		}
	}
	return w.Flush()
}

func listRuns(cmd *cobra.Command, args []string) error {
	st, err := openStore()
	if err != nil {
		return err
	}
	runs, err := st.List()
	if err != nil {
		return err
	}

	if len(runs) == 0 {
		fmt.Println("no runs found")
		return nil
	}

	w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "ID\tPROBLEM\tTIME\tT_END\tMETHOD\tSTEPS\tREJECTED\tSEGMENTS")
	for _, run := range runs {
		fmt.Fprintf(w, "%s\t%s\t%s\t%g\t%s\t%d\t%d\t%d\n",
			run.ID,
			run.Problem,
			run.Timestamp.Format("2006-01-02 15:04:05"),
			run.TEnd,
			run.Method,
			run.Steps,
			run.Rejected,
			run.Segments,
		)
	}
	return w.Flush()
}

func plotRun(cmd *cobra.Command, args []string) error {
	runID := args[0]

	st, err := openStore()
	if err != nil {
		return err
	}
	meta, err := st.Load(runID)
	if err != nil {
		return err
	}
	states, times, err := st.LoadStates(runID)
	if err != nil {
		return err
	}
	if len(states) == 0 {
		return fmt.Errorf("no data to plot")
	}

	fmt.Printf("run: %s\n", meta.ID)
	fmt.Printf("problem: %s (%s)\n", meta.Problem, meta.Method)
	fmt.Printf("samples: %d over [%g, %g]\n\n", len(states), times[0], times[len(times)-1])

	numVars := min(len(states[0]), 6)
	for varIdx := 0; varIdx < numVars; varIdx++ {
		data := make([]float64, len(states))
		for i := range states {
			data[i] = states[i][varIdx]
		}
		graph := asciigraph.Plot(data,
			asciigraph.Height(10),
			asciigraph.Width(80),
			asciigraph.Caption(fmt.Sprintf("x%d vs step", varIdx)),
		)
		fmt.Println(graph)
		fmt.Println()
	}
	return nil
}

func formatVector(v []float64) string {
	parts := make([]string, len(v))
	for i, x := range v {
		parts[i] = fmt.Sprintf("%.8g", x)
	}
	return "[" + strings.Join(parts, " ") + "]"
}

func sortedNames[V any](m map[string]V) []string {
	names := make([]string, 0, len(m))
	for k := range m {
		names = append(names, k)
	}
	slices.Sort(names)
	return names
}
