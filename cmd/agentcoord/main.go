package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"agentcoord/internal/adapter/executor"
	"agentcoord/internal/domain"
	"agentcoord/internal/infra/config"
	"agentcoord/internal/infra/logger"
	"agentcoord/internal/usecase/coordination"
	"agentcoord/internal/usecase/scheduling"
)

func main() {
	if len(os.Args) >= 2 {
		switch os.Args[1] {
		case "--help", "-h", "help":
			showUsage()
			return
		}
	}

	if len(os.Args) < 2 || strings.HasPrefix(os.Args[1], "-") {
		if err := run(); err != nil {
			fmt.Fprintf(os.Stderr, "fatal: %v\n", err)
			os.Exit(1)
		}
		return
	}

	var err error
	switch os.Args[1] {
	case "run":
		err = run()
	case "coordinate":
		err = runCoordinate(os.Args[2:])
	case "workflow":
		err = runWorkflow(os.Args[2:])
	case "status":
		err = runStatus()
	case "doctor":
		err = runDoctor()
	default:
		fmt.Fprintf(os.Stderr, "unknown command: %s\n\nRun 'agentcoord --help' for usage information.\n", os.Args[1])
		os.Exit(1)
	}
	if err != nil {
		fmt.Fprintf(os.Stderr, "%s: %v\n", os.Args[1], err)
		os.Exit(1)
	}
}

func showUsage() {
	fmt.Println(`agentcoord - multi-agent task coordination engine

USAGE:
    agentcoord [COMMAND] [FLAGS]

COMMANDS:
    run                      Run the engine until SIGINT/SIGTERM (default)
    coordinate FILE          Submit a coordination request (JSON file, "-" for stdin)
                             Flags: --wait, --timeout DURATION
    workflow TEMPLATE        Instantiate and execute a workflow template
                             Flags: --wait, --timeout DURATION
    workflow list            List workflow templates
    workflow history ID      Show stored executions of a workflow, newest first
    status                   Print registry, queue, routing and workflow statistics
    doctor                   Run health checks on your setup

FLAGS:
    -h, --help         Show this help message
    --config PATH      Specify config file path (default: ./agentcoord.yaml)

CONFIGURATION:
    Config file: ./agentcoord.yaml
    Environment: AGENTCOORD_* variables override config

EXAMPLES:
    agentcoord                                   # Run with agentcoord.yaml
    agentcoord coordinate request.json --wait    # Route a request and wait for it
    agentcoord workflow documentation_update --wait
    agentcoord doctor                            # Check system health`)
}

func configPath() string {
	for i, arg := range os.Args {
		if arg == "--config" && i+1 < len(os.Args) {
			return os.Args[i+1]
		}
		if strings.HasPrefix(arg, "--config=") {
			return strings.TrimPrefix(arg, "--config=")
		}
	}
	if p := os.Getenv("AGENTCOORD_CONFIG"); p != "" {
		return p
	}
	return "agentcoord.yaml"
}

// cmdFlags holds the flags shared by the one-shot commands.
type cmdFlags struct {
	Wait    bool
	Timeout time.Duration
	Args    []string // positional arguments
}

func parseCmdFlags(args []string) (cmdFlags, error) {
	flags := cmdFlags{Timeout: 10 * time.Minute}
	for i := 0; i < len(args); i++ {
		arg := args[i]
		switch {
		case arg == "--wait":
			flags.Wait = true
		case arg == "--timeout" && i+1 < len(args):
			d, err := time.ParseDuration(args[i+1])
			if err != nil {
				return flags, fmt.Errorf("--timeout: %w", err)
			}
			flags.Timeout = d
			i++
		case strings.HasPrefix(arg, "--timeout="):
			d, err := time.ParseDuration(strings.TrimPrefix(arg, "--timeout="))
			if err != nil {
				return flags, fmt.Errorf("--timeout: %w", err)
			}
			flags.Timeout = d
		case arg == "--config":
			i++
		case strings.HasPrefix(arg, "--config="):
		default:
			flags.Args = append(flags.Args, arg)
		}
	}
	return flags, nil
}

// engine is a started application: components wired, watcher and
// scheduler running.
type engine struct {
	app   *App
	sched *scheduling.Scheduler
	log   *slog.Logger
	stop  func()
}

func startEngine(ctx context.Context) (*engine, error) {
	cfg, err := config.Load(configPath())
	if err != nil {
		return nil, fmt.Errorf("config: %w", err)
	}
	log, logCloser, err := logger.New(cfg.Logger)
	if err != nil {
		return nil, fmt.Errorf("logger: %w", err)
	}

	app, cleanup, err := initApp(ctx, cfg, log)
	if err != nil {
		_ = logCloser()
		return nil, err
	}

	if app.RuleWatcher != nil {
		if cfg.Routing.WatchRules {
			err = app.RuleWatcher.Start(ctx)
		} else {
			err = app.RuleWatcher.Reload(ctx)
		}
		if err != nil {
			_ = cleanup(context.Background())
			_ = logCloser()
			return nil, fmt.Errorf("routing rules: %w", err)
		}
	}

	abort := func(err error) (*engine, error) {
		if app.RuleWatcher != nil {
			app.RuleWatcher.Stop()
		}
		_ = cleanup(context.Background())
		_ = logCloser()
		return nil, fmt.Errorf("scheduler: %w", err)
	}
	sched, err := initScheduler(app, log)
	if err != nil {
		return abort(err)
	}
	if err := sched.Start(ctx); err != nil {
		return abort(err)
	}

	e := &engine{app: app, sched: sched, log: log}
	e.stop = func() {
		_ = sched.Stop()
		if app.RuleWatcher != nil {
			app.RuleWatcher.Stop()
		}
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := cleanup(shutdownCtx); err != nil {
			log.Error("shutdown error", "error", err)
		}
		_ = logCloser()
	}
	return e, nil
}

func run() error {
	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	e, err := startEngine(ctx)
	if err != nil {
		return err
	}
	defer e.stop()

	e.log.Info("agentcoord running",
		"agents", e.app.Registry.Len(),
		"strategy", e.app.Config.Routing.DefaultStrategy,
		"rules", len(e.app.Router.Rules()),
	)
	<-ctx.Done()
	e.log.Info("agentcoord stopping")
	return nil
}

func runCoordinate(args []string) error {
	flags, err := parseCmdFlags(args)
	if err != nil {
		return err
	}
	if len(flags.Args) != 1 {
		return fmt.Errorf("usage: agentcoord coordinate <request.json|-> [--wait] [--timeout DURATION]")
	}
	data, err := readInput(flags.Args[0])
	if err != nil {
		return err
	}
	req, err := coordination.DecodeRequest(data)
	if err != nil {
		return err
	}

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()
	e, err := startEngine(ctx)
	if err != nil {
		return err
	}
	defer e.stop()

	resp, err := e.app.Coordination.Coordinate(ctx, req)
	if err != nil {
		return err
	}
	if err := printJSON(os.Stdout, resp); err != nil {
		return err
	}
	if !flags.Wait || resp.Status == domain.CoordinationFailed || resp.Status == domain.CoordinationMonitoring {
		return nil
	}

	report, err := waitCoordination(ctx, e.app.Coordination, resp.CoordinationID, flags.Timeout)
	if err != nil {
		return err
	}
	if err := printJSON(os.Stdout, report); err != nil {
		return err
	}
	if report.Status != domain.CoordinationCompleted {
		return fmt.Errorf("coordination %s ended %s", report.CoordinationID, report.Status)
	}
	return nil
}

// waitCoordination polls until the coordination reaches a terminal status.
func waitCoordination(ctx context.Context, svc *coordination.Service, id string, timeout time.Duration) (domain.CoordinationReport, error) {
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()
	ticker := time.NewTicker(200 * time.Millisecond)
	defer ticker.Stop()
	for {
		report, err := svc.Status(id)
		if err != nil {
			return domain.CoordinationReport{}, err
		}
		switch report.Status {
		case domain.CoordinationCompleted, domain.CoordinationFailed, domain.CoordinationCancelled:
			return report, nil
		}
		select {
		case <-ctx.Done():
			return report, fmt.Errorf("waiting for coordination %s: %w", id, ctx.Err())
		case <-ticker.C:
		}
	}
}

func runWorkflow(args []string) error {
	flags, err := parseCmdFlags(args)
	if err != nil {
		return err
	}
	usage := fmt.Errorf("usage: agentcoord workflow <template|list|history ID> [--wait] [--timeout DURATION]")
	switch {
	case len(flags.Args) == 2 && flags.Args[0] == "history":
	case len(flags.Args) != 1, flags.Args[0] == "history":
		return usage
	}

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()
	e, err := startEngine(ctx)
	if err != nil {
		return err
	}
	defer e.stop()
	wf := e.app.Workflows

	if flags.Args[0] == "list" {
		templates := make([]domain.WorkflowDefinition, 0)
		for _, name := range wf.Templates() {
			if def, ok := wf.Template(name); ok {
				templates = append(templates, def)
			}
		}
		return printJSON(os.Stdout, templates)
	}
	if flags.Args[0] == "history" {
		history, err := wf.History(ctx, flags.Args[1])
		if err != nil {
			return err
		}
		return printJSON(os.Stdout, history)
	}

	def, err := wf.CreateFromTemplate(ctx, flags.Args[0], nil)
	if err != nil {
		return err
	}
	exec, err := wf.Execute(ctx, def.WorkflowID)
	if err != nil {
		return err
	}
	if !flags.Wait {
		return printJSON(os.Stdout, exec)
	}

	waitCtx, waitCancel := context.WithTimeout(ctx, flags.Timeout)
	defer waitCancel()
	done, err := wf.WaitExecution(waitCtx, exec.ExecutionID)
	if err != nil {
		return err
	}
	if err := printJSON(os.Stdout, done); err != nil {
		return err
	}
	if done.Status != domain.WorkflowCompleted {
		return fmt.Errorf("workflow %s ended %s", done.WorkflowID, done.Status)
	}
	return nil
}

// statusReport is the JSON document printed by the status command.
type statusReport struct {
	Registry  domain.RegistryStats        `json:"registry"`
	Queue     domain.QueueStatus          `json:"queue"`
	Routing   domain.RoutingStats         `json:"routing"`
	Workflows domain.EngineStats          `json:"workflows"`
	Service   domain.ServiceHealth        `json:"coordination"`
	Templates []string                    `json:"templates"`
	Loads     map[string]domain.AgentLoad `json:"agent_loads"`
	Jobs      []scheduling.JobStatus      `json:"scheduled_jobs"`
	Executor  executor.Status             `json:"executor"`
}

func runStatus() error {
	ctx := context.Background()
	e, err := startEngine(ctx)
	if err != nil {
		return err
	}
	defer e.stop()

	if err := e.app.Router.SampleLoads(ctx); err != nil {
		e.log.Warn("load sample failed", "error", err)
	}
	return printJSON(os.Stdout, statusReport{
		Registry:  e.app.Registry.Stats(),
		Queue:     e.app.Coordinator.QueueStatus(),
		Routing:   e.app.Router.Statistics(),
		Workflows: e.app.Workflows.Stats(),
		Service:   e.app.Coordination.Health(),
		Templates: e.app.Workflows.Templates(),
		Loads:     e.app.Router.AgentLoadStatus(),
		Jobs:      e.sched.Jobs(),
		Executor:  e.app.Executor.Status(),
	})
}

func readInput(path string) ([]byte, error) {
	if path == "-" {
		return io.ReadAll(os.Stdin)
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read %s: %w", path, err)
	}
	return data, nil
}

func printJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
