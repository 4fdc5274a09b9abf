package main

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"agentcoord/internal/adapter/activity"
	"agentcoord/internal/domain"
	"agentcoord/internal/infra/config"
	"agentcoord/internal/usecase/registry"
	"agentcoord/internal/usecase/routing"
	"agentcoord/internal/usecase/workflow"
)

// CheckStatus represents the result of a health check.
type CheckStatus string

const (
	StatusPass CheckStatus = "PASS"
	StatusWarn CheckStatus = "WARN"
	StatusFail CheckStatus = "FAIL"
)

// CheckResult holds the outcome of a single health check.
type CheckResult struct {
	Name    string
	Status  CheckStatus
	Message string
	Fix     string // optional fix suggestion
}

// Check is a named health check function.
type Check struct {
	Name string
	Fn   func(cfg *config.Config) CheckResult
}

// runDoctor executes all health checks and reports results.
func runDoctor() error {
	cfgPath := configPath()
	cfg, cfgErr := config.Load(cfgPath)

	checks := []Check{
		{Name: "Config file", Fn: checkConfigFile(cfgPath, cfgErr)},
		{Name: "Agent roster", Fn: checkRoster},
		{Name: "Routing rules", Fn: checkRules},
		{Name: "Workflow templates", Fn: checkTemplates},
		{Name: "Workflow store", Fn: checkStoreDir},
		{Name: "Activity log", Fn: checkActivityLog},
	}

	fmt.Println("agentcoord doctor")
	fmt.Println(strings.Repeat("=", 50))
	fmt.Println()

	var pass, warn, fail int
	for _, check := range checks {
		result := check.Fn(cfg)
		result.Name = check.Name

		fmt.Printf("  %s %s: %s\n", statusIcon(result.Status), result.Name, result.Message)
		if result.Fix != "" {
			fmt.Printf("      Fix: %s\n", result.Fix)
		}

		switch result.Status {
		case StatusPass:
			pass++
		case StatusWarn:
			warn++
		case StatusFail:
			fail++
		}
	}

	fmt.Println()
	fmt.Println(strings.Repeat("-", 50))
	fmt.Printf("Results: %d passed, %d warnings, %d failed\n", pass, warn, fail)

	if fail > 0 {
		fmt.Println("\nFix the FAIL issues above before running agentcoord.")
		return fmt.Errorf("%d check(s) failed", fail)
	}
	if warn > 0 {
		fmt.Println("\nagentcoord should work, but consider addressing the warnings.")
	} else {
		fmt.Println("\nAll checks passed! agentcoord is ready to run.")
	}
	return nil
}

func statusIcon(s CheckStatus) string {
	switch s {
	case StatusPass:
		return "[PASS]"
	case StatusWarn:
		return "[WARN]"
	case StatusFail:
		return "[FAIL]"
	default:
		return "[????]"
	}
}

// checkConfigFile returns a check that reports whether the config file
// exists and loaded cleanly. A missing file is only a warning because the
// defaults apply.
func checkConfigFile(cfgPath string, cfgErr error) func(*config.Config) CheckResult {
	return func(cfg *config.Config) CheckResult {
		if cfgErr != nil {
			return CheckResult{
				Status:  StatusFail,
				Message: fmt.Sprintf("config error: %v", cfgErr),
				Fix:     fmt.Sprintf("Check %s syntax and values", cfgPath),
			}
		}
		if _, err := os.Stat(cfgPath); os.IsNotExist(err) {
			return CheckResult{
				Status:  StatusWarn,
				Message: fmt.Sprintf("no config file at %s, using defaults", cfgPath),
				Fix:     "Create agentcoord.yaml or pass --config PATH",
			}
		}
		msg := fmt.Sprintf("config loaded from %s", cfgPath)
		if cfg != nil && len(cfg.Sources) > 1 {
			msg += fmt.Sprintf(" with %d include file(s)", len(cfg.Sources)-1)
		}
		return CheckResult{Status: StatusPass, Message: msg}
	}
}

func checkRoster(cfg *config.Config) CheckResult {
	if cfg == nil {
		return CheckResult{Status: StatusFail, Message: "cannot check, config not loaded"}
	}
	count := 0
	if cfg.Registry.SeedDefaults {
		count = len(registry.DefaultRoster())
	}
	if cfg.Registry.RosterFile != "" {
		profiles, err := registry.LoadRosterFile(cfg.Registry.RosterFile)
		if err != nil {
			return CheckResult{
				Status:  StatusFail,
				Message: fmt.Sprintf("roster file %s: %v", cfg.Registry.RosterFile, err),
				Fix:     "Fix the roster file or unset registry.roster_file",
			}
		}
		count += len(profiles)
	}
	if count == 0 {
		return CheckResult{
			Status:  StatusWarn,
			Message: "no agents will be registered at startup",
			Fix:     "Set registry.seed_defaults: true or registry.roster_file",
		}
	}
	return CheckResult{
		Status:  StatusPass,
		Message: fmt.Sprintf("%d agent profile(s) available at startup", count),
	}
}

func checkRules(cfg *config.Config) CheckResult {
	if cfg == nil {
		return CheckResult{Status: StatusFail, Message: "cannot check, config not loaded"}
	}
	builtin := 0
	if cfg.Routing.UseDefaultRules {
		builtin = len(routing.DefaultRules())
	}
	if cfg.Routing.RulesFile == "" {
		return CheckResult{
			Status:  StatusPass,
			Message: fmt.Sprintf("%d built-in rule(s), no rules file", builtin),
		}
	}
	rules, err := routing.LoadRulesFile(cfg.Routing.RulesFile)
	if err != nil {
		return CheckResult{
			Status:  StatusFail,
			Message: fmt.Sprintf("rules file %s: %v", cfg.Routing.RulesFile, err),
			Fix:     "Fix the rules file or unset routing.rules_file",
		}
	}
	return CheckResult{
		Status:  StatusPass,
		Message: fmt.Sprintf("%d built-in and %d file rule(s)", builtin, len(rules)),
	}
}

func checkTemplates(cfg *config.Config) CheckResult {
	if cfg == nil {
		return CheckResult{Status: StatusFail, Message: "cannot check, config not loaded"}
	}
	builtin, err := workflow.BuiltinTemplateNames()
	if err != nil {
		return CheckResult{Status: StatusFail, Message: fmt.Sprintf("built-in templates: %v", err)}
	}
	dir := cfg.Workflow.TemplateDir
	if dir == "" {
		return CheckResult{
			Status:  StatusPass,
			Message: fmt.Sprintf("%d built-in template(s)", len(builtin)),
		}
	}
	entries, err := os.ReadDir(dir)
	if os.IsNotExist(err) {
		return CheckResult{
			Status:  StatusWarn,
			Message: fmt.Sprintf("template directory %s does not exist", dir),
			Fix:     fmt.Sprintf("Create it with: mkdir -p %s", dir),
		}
	}
	if err != nil {
		return CheckResult{Status: StatusFail, Message: fmt.Sprintf("read template directory: %v", err)}
	}

	var loaded int
	var bad []string
	for _, entry := range entries {
		ext := strings.ToLower(filepath.Ext(entry.Name()))
		if entry.IsDir() || (ext != ".yaml" && ext != ".yml") {
			continue
		}
		names, err := workflow.CheckTemplateFile(filepath.Join(dir, entry.Name()))
		if err != nil {
			bad = append(bad, fmt.Sprintf("%s (%v)", entry.Name(), err))
			continue
		}
		loaded += len(names)
	}
	if len(bad) > 0 {
		return CheckResult{
			Status:  StatusWarn,
			Message: fmt.Sprintf("invalid template file(s) will be skipped: %s", strings.Join(bad, "; ")),
			Fix:     "Fix or remove the listed files",
		}
	}
	return CheckResult{
		Status:  StatusPass,
		Message: fmt.Sprintf("%d built-in and %d custom template(s)", len(builtin), loaded),
	}
}

// checkStoreDir verifies the workflow store directory exists, or can be
// created, is writable and holds readable documents.
func checkStoreDir(cfg *config.Config) CheckResult {
	if cfg == nil {
		return CheckResult{Status: StatusFail, Message: "cannot check, config not loaded"}
	}
	if res := checkWritableDir(cfg.Workflow.StoreDir); res.Status == StatusFail {
		return res
	}
	store, err := workflow.NewFileStore(cfg.Workflow.StoreDir)
	if err != nil {
		return CheckResult{
			Status:  StatusFail,
			Message: fmt.Sprintf("workflow store unreadable: %v", err),
			Fix:     "Remove or repair the named file in " + cfg.Workflow.StoreDir,
		}
	}
	ctx := context.Background()
	all, _ := store.ListWorkflows(ctx, domain.WorkflowQuery{})
	running, _ := store.ListWorkflows(ctx, domain.WorkflowQuery{Statuses: []domain.WorkflowStatus{domain.WorkflowInProgress}})
	msg := fmt.Sprintf("%d stored workflow(s) in %s", len(all), cfg.Workflow.StoreDir)
	if len(running) > 0 {
		msg += fmt.Sprintf(", %d will be marked interrupted on start", len(running))
	}
	return CheckResult{Status: StatusPass, Message: msg}
}

func checkWritableDir(dir string) CheckResult {
	absDir, _ := filepath.Abs(dir)

	info, err := os.Stat(absDir)
	if os.IsNotExist(err) {
		if mkErr := os.MkdirAll(absDir, 0o755); mkErr != nil {
			return CheckResult{
				Status:  StatusFail,
				Message: fmt.Sprintf("directory %s does not exist and cannot be created: %v", absDir, mkErr),
				Fix:     fmt.Sprintf("Create the directory: mkdir -p %s", absDir),
			}
		}
		return CheckResult{
			Status:  StatusPass,
			Message: fmt.Sprintf("directory created at %s", absDir),
		}
	}
	if err != nil {
		return CheckResult{Status: StatusFail, Message: fmt.Sprintf("cannot stat directory: %v", err)}
	}
	if !info.IsDir() {
		return CheckResult{Status: StatusFail, Message: fmt.Sprintf("%s exists but is not a directory", absDir)}
	}

	testFile := filepath.Join(absDir, ".doctor-check")
	if err := os.WriteFile(testFile, []byte("ok"), 0o644); err != nil {
		return CheckResult{
			Status:  StatusFail,
			Message: fmt.Sprintf("directory %s is not writable: %v", absDir, err),
			Fix:     fmt.Sprintf("Fix permissions: chmod 755 %s", absDir),
		}
	}
	os.Remove(testFile)

	return CheckResult{
		Status:  StatusPass,
		Message: fmt.Sprintf("directory %s writable", absDir),
	}
}

func checkActivityLog(cfg *config.Config) CheckResult {
	if cfg == nil {
		return CheckResult{Status: StatusFail, Message: "cannot check, config not loaded"}
	}
	if !cfg.Activity.Enabled {
		return CheckResult{
			Status:  StatusPass,
			Message: "activity log disabled (no warm start, no history)",
		}
	}
	if cfg.Activity.Backend == "memory" {
		return CheckResult{
			Status:  StatusWarn,
			Message: "activity log kept in memory, warm start sees only this process",
			Fix:     "Set activity.backend: sqlite to persist activity",
		}
	}
	if res := checkWritableDir(filepath.Dir(cfg.Activity.DBPath)); res.Status == StatusFail {
		return res
	}

	db, err := activity.NewSQLiteLog(cfg.Activity.DBPath)
	if err != nil {
		return CheckResult{
			Status:  StatusFail,
			Message: fmt.Sprintf("open %s: %v", cfg.Activity.DBPath, err),
			Fix:     "Remove the file if it is corrupt; it is recreated on start",
		}
	}
	defer db.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	if err := db.Ping(ctx); err != nil {
		return CheckResult{Status: StatusFail, Message: fmt.Sprintf("ping %s: %v", cfg.Activity.DBPath, err)}
	}
	return CheckResult{
		Status:  StatusPass,
		Message: fmt.Sprintf("sqlite activity log at %s", cfg.Activity.DBPath),
	}
}
