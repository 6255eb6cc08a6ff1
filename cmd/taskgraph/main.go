package main

import (
	"context"
	"fmt"
	"io"
	"log"
	"os"
	"os/signal"
	"syscall"

	tea "github.com/charmbracelet/bubbletea"
	"github.com/spf13/cobra"
	"golang.org/x/term"

	"github.com/aristath/taskgraph/internal/action"
	"github.com/aristath/taskgraph/internal/config"
	"github.com/aristath/taskgraph/internal/events"
	"github.com/aristath/taskgraph/internal/persistence"
	"github.com/aristath/taskgraph/internal/runner"
	"github.com/aristath/taskgraph/internal/scheduler"
	"github.com/aristath/taskgraph/internal/tui"
)

// exitFatal is returned when no session could run to the end: a broken
// task file, graph or selection, a state file that would not open, or an
// interrupted session.
const exitFatal = 3

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	code := run(ctx, os.Args[1:], os.Stdout, os.Stderr)
	stop()
	os.Exit(code)
}

// flags holds the command line. Only flags the user set override the
// loaded configuration.
type flags struct {
	configPath  string
	taskFile    string
	backend     string
	depFile     string
	checker     string
	metricsFile string
	workers     int
	cont        bool
	noTUI       bool
}

func run(ctx context.Context, args []string, stdout, stderr io.Writer) int {
	code := 0
	cmd := newRootCmd(stdout, &code)
	cmd.SetArgs(args)
	cmd.SetOut(stdout)
	cmd.SetErr(stderr)
	if err := cmd.ExecuteContext(ctx); err != nil {
		fmt.Fprintf(stderr, "Error: %v\n", err)
		return exitFatal
	}
	return code
}

func newRootCmd(stdout io.Writer, code *int) *cobra.Command {
	var f flags
	cmd := &cobra.Command{
		Use:          "taskgraph [task|target|pattern]...",
		Short:        "Run tasks whose dependencies changed since their last success",
		SilenceUsage: true,
		// run prints the error itself
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig(cmd, f)
			if err != nil {
				return err
			}
			useTUI := !f.noTUI && isTerminal(stdout)
			result, err := session(cmd.Context(), cfg, args, stdout, useTUI)
			if err != nil {
				return err
			}
			*code = result.ExitCode()
			return nil
		},
	}

	fs := cmd.Flags()
	fs.StringVar(&f.configPath, "config", "", "project config file (default .taskgraph/config.json)")
	fs.StringVarP(&f.taskFile, "file", "f", "", "task definition file (YAML or JSON)")
	fs.StringVar(&f.backend, "backend", "", "state backend: bolt, json or sqlite")
	fs.StringVar(&f.depFile, "dep-file", "", "state file path")
	fs.StringVar(&f.checker, "checker", "", "file change checker: content or timestamp")
	fs.StringVar(&f.metricsFile, "metrics-file", "", "write Prometheus metrics to this textfile after the session")
	fs.IntVarP(&f.workers, "workers", "n", 0, "tasks to run concurrently")
	fs.BoolVarP(&f.cont, "continue", "c", false, "keep going after a task fails")
	fs.BoolVar(&f.noTUI, "no-tui", false, "print plain output even on a terminal")
	return cmd
}

func loadConfig(cmd *cobra.Command, f flags) (*config.Config, error) {
	projectPath := config.ProjectPath()
	if f.configPath != "" {
		projectPath = f.configPath
	}
	cfg, err := config.Load(config.GlobalPath(), projectPath)
	if err != nil {
		return nil, err
	}

	changed := cmd.Flags().Changed
	if changed("file") {
		cfg.TaskFile = f.taskFile
	}
	if changed("backend") {
		cfg.Backend = f.backend
	}
	if changed("dep-file") {
		cfg.DepFile = f.depFile
	}
	if changed("checker") {
		cfg.Checker = f.checker
	}
	if changed("metrics-file") {
		cfg.MetricsFile = f.metricsFile
	}
	if changed("workers") {
		cfg.Workers = f.workers
	}
	if changed("continue") {
		cfg.Continue = f.cont
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	return cfg, nil
}

func isTerminal(w io.Writer) bool {
	f, ok := w.(*os.File)
	return ok && term.IsTerminal(int(f.Fd()))
}

// session builds the graph from the task file and runs the selection.
// A returned error is fatal; task failures only show in the result.
func session(ctx context.Context, cfg *config.Config, selectors []string, stdout io.Writer, useTUI bool) (runner.Result, error) {
	tf, err := loadTaskFile(cfg.TaskFile)
	if err != nil {
		return runner.ResultError, err
	}
	tasks, err := tf.SchedulerTasks()
	if err != nil {
		return runner.ResultError, err
	}
	graph, err := scheduler.Build(tasks, scheduler.WithAutoDelayedRegex(cfg.AutoDelayedRegex))
	if err != nil {
		return runner.ResultError, err
	}
	if len(selectors) == 0 {
		selectors = tf.DefaultTasks
	}
	selected, err := graph.Select(selectors)
	if err != nil {
		return runner.ResultError, err
	}

	kind, err := cfg.Kind()
	if err != nil {
		return runner.ResultError, err
	}
	checker, err := persistence.NewChecker(cfg.Checker)
	if err != nil {
		return runner.ResultError, err
	}
	backend, err := persistence.Open(ctx, kind, cfg.DepFile, cfg.OpenOptions())
	if err != nil {
		return runner.ResultError, err
	}
	store := persistence.NewStore(backend, checker)

	procs := action.NewProcessManager()
	stopKill := context.AfterFunc(ctx, func() {
		log.Println("Shutdown signal received, killing running commands...")
		if err := procs.KillAll(); err != nil {
			log.Printf("ERROR: killing commands: %v", err)
		}
	})
	defer stopKill()

	bus := events.NewEventBus()
	metrics := runner.NewMetrics()

	var output io.Writer
	if !useTUI {
		output = stdout
	}
	strategy := runner.New(store, action.NewExecutor(procs, output), runner.Options{
		Continue: cfg.Continue,
		Workers:  cfg.Workers,
		Bus:      bus,
		Metrics:  metrics,
	})
	dispatcher := scheduler.NewDispatcher(graph, selected)

	var summary *runner.Summary
	if useTUI {
		summary, err = runWithTUI(ctx, strategy, dispatcher, bus)
	} else {
		rep := newReporter(stdout, bus)
		rep.start()
		summary, err = strategy.Run(ctx, dispatcher)
		bus.Close()
		rep.wait()
		if n := bus.Dropped(); n > 0 {
			log.Printf("WARNING: %d events were dropped, output is incomplete", n)
		}
	}
	printSummary(stdout, summary)

	if cfg.MetricsFile != "" {
		if werr := metrics.WriteTextfile(cfg.MetricsFile); werr != nil {
			log.Printf("WARNING: writing metrics to %s: %v", cfg.MetricsFile, werr)
		}
	}
	if err != nil {
		return runner.ResultError, err
	}
	return summary.Result, nil
}

// runWithTUI runs the session behind the progress view. Quitting the view
// early cancels the session.
func runWithTUI(ctx context.Context, strategy runner.Strategy, d *scheduler.Dispatcher, bus *events.EventBus) (*runner.Summary, error) {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	model := tui.New(bus)
	p := tea.NewProgram(model, tea.WithAltScreen())

	type result struct {
		summary *runner.Summary
		err     error
	}
	done := make(chan result, 1)
	go func() {
		summary, err := strategy.Run(ctx, d)
		bus.Close()
		done <- result{summary, err}
	}()

	final, err := p.Run()
	if err != nil {
		log.Printf("ERROR: TUI exited: %v", err)
		cancel()
	}
	if m, ok := final.(tui.Model); ok {
		m.Detach(bus)
		if m.Interrupted() {
			cancel()
		}
	}

	r := <-done
	return r.summary, r.err
}
