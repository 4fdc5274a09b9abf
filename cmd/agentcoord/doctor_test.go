package main

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"agentcoord/internal/domain"
	"agentcoord/internal/infra/config"
	"agentcoord/internal/usecase/workflow"
)

func TestCheckConfigFile_NotFound(t *testing.T) {
	fn := checkConfigFile("/nonexistent/path/agentcoord.yaml", nil)
	result := fn(nil)
	if result.Status != StatusWarn {
		t.Errorf("expected WARN for missing config, got %s", result.Status)
	}
	if result.Fix == "" {
		t.Error("expected fix suggestion for missing config")
	}
}

func TestCheckConfigFile_LoadError(t *testing.T) {
	cfgPath := filepath.Join(t.TempDir(), "agentcoord.yaml")
	if err := writeTestFile(t, cfgPath, "routing:\n  default_strategy: nope"); err != nil {
		t.Fatal(err)
	}

	fn := checkConfigFile(cfgPath, &config.ValidationError{Errors: []string{"routing.default_strategy is invalid"}})
	result := fn(nil)
	if result.Status != StatusFail {
		t.Errorf("expected FAIL for load error, got %s", result.Status)
	}
}

func TestCheckConfigFile_Valid(t *testing.T) {
	cfgPath := filepath.Join(t.TempDir(), "agentcoord.yaml")
	if err := writeTestFile(t, cfgPath, "logger:\n  level: info"); err != nil {
		t.Fatal(err)
	}

	fn := checkConfigFile(cfgPath, nil)
	result := fn(nil)
	if result.Status != StatusPass {
		t.Errorf("expected PASS for valid config, got %s: %s", result.Status, result.Message)
	}
}

func TestCheckConfigFile_CountsIncludes(t *testing.T) {
	dir := t.TempDir()
	if err := writeTestFile(t, filepath.Join(dir, "logging.yaml"), "logger:\n  format: json"); err != nil {
		t.Fatal(err)
	}
	cfgPath := filepath.Join(dir, "agentcoord.yaml")
	if err := writeTestFile(t, cfgPath, "includes:\n  - logging.yaml\n"); err != nil {
		t.Fatal(err)
	}
	cfg, err := config.Load(cfgPath)
	if err != nil {
		t.Fatal(err)
	}

	result := checkConfigFile(cfgPath, nil)(cfg)
	if result.Status != StatusPass {
		t.Fatalf("expected PASS, got %s: %s", result.Status, result.Message)
	}
	if !strings.Contains(result.Message, "with 1 include file(s)") {
		t.Errorf("unexpected message %q", result.Message)
	}
}

func TestChecksFailWithoutConfig(t *testing.T) {
	for name, fn := range map[string]func(*config.Config) CheckResult{
		"roster":    checkRoster,
		"rules":     checkRules,
		"templates": checkTemplates,
		"store":     checkStoreDir,
		"activity":  checkActivityLog,
	} {
		if result := fn(nil); result.Status != StatusFail {
			t.Errorf("%s: expected FAIL for nil config, got %s", name, result.Status)
		}
	}
}

func TestCheckRoster_Defaults(t *testing.T) {
	cfg := config.Defaults()
	result := checkRoster(cfg)
	if result.Status != StatusPass {
		t.Errorf("expected PASS, got %s: %s", result.Status, result.Message)
	}
}

func TestCheckRoster_Empty(t *testing.T) {
	cfg := config.Defaults()
	cfg.Registry.SeedDefaults = false
	result := checkRoster(cfg)
	if result.Status != StatusWarn {
		t.Errorf("expected WARN with no agents, got %s", result.Status)
	}
}

func TestCheckRoster_InvalidFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "roster.yaml")
	if err := writeTestFile(t, path, "agents:\n  - bogus_field: 1\n"); err != nil {
		t.Fatal(err)
	}
	cfg := config.Defaults()
	cfg.Registry.RosterFile = path
	result := checkRoster(cfg)
	if result.Status != StatusFail {
		t.Errorf("expected FAIL for invalid roster, got %s", result.Status)
	}
}

func TestCheckRules_MissingFile(t *testing.T) {
	cfg := config.Defaults()
	cfg.Routing.RulesFile = filepath.Join(t.TempDir(), "missing.yaml")
	result := checkRules(cfg)
	if result.Status != StatusFail {
		t.Errorf("expected FAIL for missing rules file, got %s", result.Status)
	}
}

func TestCheckRules_EmptyFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "rules.yaml")
	if err := writeTestFile(t, path, ""); err != nil {
		t.Fatal(err)
	}
	cfg := config.Defaults()
	cfg.Routing.RulesFile = path
	result := checkRules(cfg)
	if result.Status != StatusPass {
		t.Errorf("expected PASS, got %s: %s", result.Status, result.Message)
	}
}

func TestCheckTemplates(t *testing.T) {
	dir := t.TempDir()
	good := `templates:
  nightly:
    name: Nightly
    steps:
      - step_id: one
        name: One
`
	if err := writeTestFile(t, filepath.Join(dir, "good.yaml"), good); err != nil {
		t.Fatal(err)
	}
	if err := writeTestFile(t, filepath.Join(dir, "notes.txt"), "ignored"); err != nil {
		t.Fatal(err)
	}

	cfg := config.Defaults()
	cfg.Workflow.TemplateDir = dir
	result := checkTemplates(cfg)
	if result.Status != StatusPass {
		t.Fatalf("expected PASS, got %s: %s", result.Status, result.Message)
	}
	if !strings.Contains(result.Message, "1 custom") {
		t.Errorf("expected one custom template, got %q", result.Message)
	}

	if err := writeTestFile(t, filepath.Join(dir, "bad.yml"), "templates: [oops"); err != nil {
		t.Fatal(err)
	}
	result = checkTemplates(cfg)
	if result.Status != StatusWarn {
		t.Errorf("expected WARN for invalid template file, got %s", result.Status)
	}
	if !strings.Contains(result.Message, "bad.yml") {
		t.Errorf("expected bad.yml in message, got %q", result.Message)
	}
}

func TestCheckTemplates_MissingDir(t *testing.T) {
	cfg := config.Defaults()
	cfg.Workflow.TemplateDir = filepath.Join(t.TempDir(), "absent")
	result := checkTemplates(cfg)
	if result.Status != StatusWarn {
		t.Errorf("expected WARN for missing dir, got %s", result.Status)
	}
}

func TestCheckStoreDir_Creates(t *testing.T) {
	cfg := config.Defaults()
	cfg.Workflow.StoreDir = filepath.Join(t.TempDir(), "nested", "workflows")
	result := checkStoreDir(cfg)
	if result.Status != StatusPass {
		t.Fatalf("expected PASS, got %s: %s", result.Status, result.Message)
	}
	if info, err := os.Stat(cfg.Workflow.StoreDir); err != nil || !info.IsDir() {
		t.Errorf("expected store dir to be created, stat err = %v", err)
	}
}

func TestCheckStoreDir_CorruptDocument(t *testing.T) {
	cfg := config.Defaults()
	cfg.Workflow.StoreDir = t.TempDir()
	if err := writeTestFile(t, filepath.Join(cfg.Workflow.StoreDir, "wf_1.json"), "{broken"); err != nil {
		t.Fatal(err)
	}
	result := checkStoreDir(cfg)
	if result.Status != StatusFail {
		t.Errorf("expected FAIL for unreadable store, got %s", result.Status)
	}
	if !strings.Contains(result.Message, "wf_1.json") {
		t.Errorf("expected file name in message, got %q", result.Message)
	}
}

func TestCheckStoreDir_CountsInterrupted(t *testing.T) {
	cfg := config.Defaults()
	cfg.Workflow.StoreDir = t.TempDir()
	store, err := workflow.NewFileStore(cfg.Workflow.StoreDir)
	if err != nil {
		t.Fatal(err)
	}
	ctx := context.Background()
	for id, status := range map[string]domain.WorkflowStatus{
		"wf_done":    domain.WorkflowCompleted,
		"wf_running": domain.WorkflowInProgress,
	} {
		if err := store.SaveWorkflow(ctx, domain.WorkflowDefinition{WorkflowID: id, Name: id, Status: status}); err != nil {
			t.Fatal(err)
		}
	}

	result := checkStoreDir(cfg)
	if result.Status != StatusPass {
		t.Fatalf("expected PASS, got %s: %s", result.Status, result.Message)
	}
	if !strings.Contains(result.Message, "2 stored") || !strings.Contains(result.Message, "1 will be marked interrupted") {
		t.Errorf("unexpected message %q", result.Message)
	}
}

func TestCheckStoreDir_NotADirectory(t *testing.T) {
	path := filepath.Join(t.TempDir(), "file")
	if err := writeTestFile(t, path, "x"); err != nil {
		t.Fatal(err)
	}
	cfg := config.Defaults()
	cfg.Workflow.StoreDir = path
	result := checkStoreDir(cfg)
	if result.Status != StatusFail {
		t.Errorf("expected FAIL when path is a file, got %s", result.Status)
	}
}

func TestCheckActivityLog(t *testing.T) {
	cfg := config.Defaults()
	cfg.Activity.Enabled = false
	if result := checkActivityLog(cfg); result.Status != StatusPass {
		t.Errorf("expected PASS when disabled, got %s", result.Status)
	}

	cfg.Activity.Enabled = true
	cfg.Activity.Backend = "memory"
	if result := checkActivityLog(cfg); result.Status != StatusWarn {
		t.Errorf("expected WARN for memory backend, got %s", result.Status)
	}

	cfg.Activity.Backend = "sqlite"
	cfg.Activity.DBPath = filepath.Join(t.TempDir(), "data", "activity.db")
	result := checkActivityLog(cfg)
	if result.Status != StatusPass {
		t.Errorf("expected PASS, got %s: %s", result.Status, result.Message)
	}
}

func TestStatusIcon(t *testing.T) {
	tests := map[CheckStatus]string{
		StatusPass:           "[PASS]",
		StatusWarn:           "[WARN]",
		StatusFail:           "[FAIL]",
		CheckStatus("other"): "[????]",
	}
	for status, want := range tests {
		if got := statusIcon(status); got != want {
			t.Errorf("statusIcon(%q) = %q, want %q", status, got, want)
		}
	}
}

func TestParseCmdFlags(t *testing.T) {
	flags, err := parseCmdFlags([]string{"req.json", "--wait", "--timeout", "30s", "--config", "x.yaml"})
	if err != nil {
		t.Fatal(err)
	}
	if !flags.Wait {
		t.Error("expected --wait to be set")
	}
	if flags.Timeout != 30*time.Second {
		t.Errorf("Timeout = %v, want 30s", flags.Timeout)
	}
	if len(flags.Args) != 1 || flags.Args[0] != "req.json" {
		t.Errorf("Args = %v, want [req.json]", flags.Args)
	}

	flags, err = parseCmdFlags([]string{"--timeout=2m", "--config=other.yaml", "documentation_update"})
	if err != nil {
		t.Fatal(err)
	}
	if flags.Wait || flags.Timeout != 2*time.Minute {
		t.Errorf("unexpected flags: %+v", flags)
	}
	if len(flags.Args) != 1 || flags.Args[0] != "documentation_update" {
		t.Errorf("Args = %v, want [documentation_update]", flags.Args)
	}

	if _, err := parseCmdFlags([]string{"--timeout", "soon"}); err == nil {
		t.Error("expected error for invalid duration")
	}
}

// writeTestFile is a test helper that creates a file with the given content.
func writeTestFile(t *testing.T, path, content string) error {
	t.Helper()
	return os.WriteFile(path, []byte(content), 0644)
}
