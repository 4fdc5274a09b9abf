package registry

import (
	"bytes"
	_ "embed"
	"errors"
	"fmt"
	"io"
	"os"

	"gopkg.in/yaml.v3"

	"agentcoord/internal/domain"
)

//go:embed roster.yaml
var defaultRoster []byte

type rosterFile struct {
	Agents []domain.AgentProfile `yaml:"agents"`
}

// DecodeRoster parses a roster document. Unknown keys are rejected.
func DecodeRoster(r io.Reader) ([]domain.AgentProfile, error) {
	dec := yaml.NewDecoder(r)
	dec.KnownFields(true)
	var f rosterFile
	if err := dec.Decode(&f); err != nil && !errors.Is(err, io.EOF) {
		return nil, fmt.Errorf("decode roster: %w", err)
	}
	for _, p := range f.Agents {
		if err := p.Validate(); err != nil {
			return nil, fmt.Errorf("decode roster: %w", err)
		}
	}
	return f.Agents, nil
}

// DefaultRoster returns the built-in agent profiles.
func DefaultRoster() []domain.AgentProfile {
	agents, err := DecodeRoster(bytes.NewReader(defaultRoster))
	if err != nil {
		panic("registry: embedded roster is invalid: " + err.Error())
	}
	return agents
}

// LoadRosterFile reads a roster from disk.
func LoadRosterFile(path string) ([]domain.AgentProfile, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("open roster: %w", err)
	}
	defer f.Close()
	return DecodeRoster(f)
}

// Seed registers every profile. A profile whose name is already present
// replaces the existing one, so a roster file can override defaults.
// It returns the number of profiles registered.
func (r *Registry) Seed(profiles []domain.AgentProfile) (int, error) {
	n := 0
	for _, p := range profiles {
		if _, err := r.Get(p.Name); err == nil {
			if err := r.Unregister(p.Name); err != nil {
				return n, err
			}
		}
		if err := r.Register(p); err != nil {
			return n, err
		}
		n++
	}
	r.logger.Info("agent roster seeded", "agents", n, "total", r.Len())
	return n, nil
}
