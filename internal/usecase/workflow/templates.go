package workflow

import (
	"bytes"
	_ "embed"
	"errors"
	"fmt"
	"io"
	"maps"
	"os"
	"path/filepath"
	"slices"
	"strings"

	"gopkg.in/yaml.v3"

	"agentcoord/internal/domain"
)

//go:embed templates.yaml
var builtinTemplates []byte

type templateFile struct {
	Templates map[string]domain.WorkflowDefinition `yaml:"templates"`
}

// parseTemplates decodes a templates document. Unknown keys are rejected so
// a typo in a step field does not silently drop a setting.
func parseTemplates(data []byte) (map[string]domain.WorkflowDefinition, error) {
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	var f templateFile
	if err := dec.Decode(&f); err != nil && !errors.Is(err, io.EOF) {
		return nil, fmt.Errorf("%w: parse templates: %v", domain.ErrInvalidInput, err)
	}
	out := make(map[string]domain.WorkflowDefinition, len(f.Templates))
	for name, def := range f.Templates {
		def.TemplateName = name
		if def.Type == "" {
			def.Type = domain.WorkflowSequential
		}
		if def.Priority == "" {
			def.Priority = domain.PriorityMedium
		}
		if err := def.Validate(); err != nil {
			return nil, fmt.Errorf("template %s: %w", name, err)
		}
		out[name] = def
	}
	return out, nil
}

// LoadTemplateDir reads extra templates from every .yaml or .yml file in
// dir. Unreadable or invalid files are skipped with a warning. A template
// with the same name as a loaded one replaces it.
func (e *Engine) LoadTemplateDir(dir string) (int, error) {
	if dir == "" {
		return 0, nil
	}
	entries, err := os.ReadDir(dir)
	if err != nil {
		if os.IsNotExist(err) {
			e.logger.Debug("template directory does not exist", "dir", dir)
			return 0, nil
		}
		return 0, fmt.Errorf("read template dir: %w", err)
	}

	loaded := 0
	for _, entry := range entries {
		if entry.IsDir() {
			continue
		}
		ext := strings.ToLower(filepath.Ext(entry.Name()))
		if ext != ".yaml" && ext != ".yml" {
			continue
		}
		data, err := os.ReadFile(filepath.Join(dir, entry.Name()))
		if err != nil {
			e.logger.Warn("skip unreadable template file", "file", entry.Name(), "error", err)
			continue
		}
		templates, err := parseTemplates(data)
		if err != nil {
			e.logger.Warn("skip invalid template file", "file", entry.Name(), "error", err)
			continue
		}
		e.mu.Lock()
		for name, def := range templates {
			e.templates[name] = def
			loaded++
		}
		e.mu.Unlock()
	}
	e.logger.Info("workflow templates loaded", "dir", dir, "count", loaded)
	return loaded, nil
}

// CheckTemplateFile parses a template file and returns the template names
// it defines.
func CheckTemplateFile(path string) ([]string, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	templates, err := parseTemplates(data)
	if err != nil {
		return nil, err
	}
	return slices.Sorted(maps.Keys(templates)), nil
}

// BuiltinTemplateNames lists the embedded templates.
func BuiltinTemplateNames() ([]string, error) {
	templates, err := parseTemplates(builtinTemplates)
	if err != nil {
		return nil, err
	}
	return slices.Sorted(maps.Keys(templates)), nil
}

// applyParameters overlays template parameters onto def. step_parameters
// is keyed by step name or step ID; preferred_agents and
// estimated_duration_minutes override the step settings and every other
// key lands in the step's parameters.
func applyParameters(def *domain.WorkflowDefinition, params map[string]any) error {
	if len(params) == 0 {
		return nil
	}
	if v, ok := params["priority"]; ok {
		s, _ := v.(string)
		p, err := domain.ParsePriority(s)
		if err != nil {
			return err
		}
		def.Priority = p
	}
	if v, ok := params["timeout_minutes"]; ok {
		n, err := intParam("timeout_minutes", v)
		if err != nil {
			return err
		}
		def.TimeoutMinutes = n
	}
	if v, ok := params["max_concurrent_steps"]; ok {
		n, err := intParam("max_concurrent_steps", v)
		if err != nil {
			return err
		}
		def.MaxConcurrentSteps = n
	}
	if v, ok := params["allow_partial_success"].(bool); ok {
		def.AllowPartialSuccess = v
	}

	raw, ok := params["step_parameters"]
	if !ok {
		return nil
	}
	byStep, ok := raw.(map[string]any)
	if !ok {
		return fmt.Errorf("step_parameters must be an object, got %T", raw)
	}
	for key, v := range byStep {
		step := stepByNameOrID(def, key)
		if step == nil {
			return fmt.Errorf("step_parameters: unknown step %q", key)
		}
		values, ok := v.(map[string]any)
		if !ok {
			return fmt.Errorf("step_parameters.%s must be an object, got %T", key, v)
		}
		for k, val := range values {
			switch k {
			case "preferred_agents":
				agents, err := stringsParam(k, val)
				if err != nil {
					return err
				}
				step.PreferredAgents = agents
			case "estimated_duration_minutes":
				n, err := intParam(k, val)
				if err != nil {
					return err
				}
				step.EstimatedDurationMinutes = n
			default:
				if step.Parameters == nil {
					step.Parameters = make(map[string]any)
				}
				step.Parameters[k] = val
			}
		}
	}
	return nil
}

func stepByNameOrID(def *domain.WorkflowDefinition, key string) *domain.WorkflowStep {
	for i := range def.Steps {
		if def.Steps[i].Name == key || def.Steps[i].StepID == key {
			return &def.Steps[i]
		}
	}
	return nil
}

func intParam(name string, v any) (int, error) {
	switch n := v.(type) {
	case int:
		return n, nil
	case int64:
		return int(n), nil
	case float64:
		if n != float64(int(n)) {
			return 0, fmt.Errorf("%s must be a whole number, got %v", name, n)
		}
		return int(n), nil
	}
	return 0, fmt.Errorf("%s must be a number, got %T", name, v)
}

func stringsParam(name string, v any) ([]string, error) {
	switch list := v.(type) {
	case []string:
		return list, nil
	case []any:
		out := make([]string, 0, len(list))
		for _, item := range list {
			s, ok := item.(string)
			if !ok {
				return nil, fmt.Errorf("%s must contain strings, got %T", name, item)
			}
			out = append(out, s)
		}
		return out, nil
	}
	return nil, fmt.Errorf("%s must be a list, got %T", name, v)
}
