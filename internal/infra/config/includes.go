package config

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"slices"
	"strings"

	"gopkg.in/yaml.v3"
)

const maxIncludeDepth = 10

// fragment is a config file reached through includes.
type fragment struct {
	path string
	data []byte
}

// includeGraph resolves the include tree of one config file into an
// ordered list of fragments. A fragment's own includes come before it, so
// every file overrides what it pulls in and the main file overrides all.
type includeGraph struct {
	done  map[string]bool
	chain []string
	order []fragment
}

// resolveIncludes returns the fragments reachable from the main config at
// mainPath, which declares patterns. A file reached twice through
// different parents is applied once.
func resolveIncludes(mainPath string, patterns []string) ([]fragment, error) {
	g := &includeGraph{done: map[string]bool{mainPath: true}, chain: []string{mainPath}}
	if err := g.expand(filepath.Dir(mainPath), patterns); err != nil {
		return nil, err
	}
	return g.order, nil
}

func (g *includeGraph) expand(dir string, patterns []string) error {
	for _, pattern := range patterns {
		paths, err := includePaths(dir, pattern)
		if err != nil {
			return err
		}
		for _, path := range paths {
			if err := g.visit(path); err != nil {
				return err
			}
		}
	}
	return nil
}

func (g *includeGraph) visit(path string) error {
	if slices.Contains(g.chain, path) {
		return fmt.Errorf("config includes: circular include %s", g.describe(path))
	}
	if g.done[path] {
		return nil
	}
	if len(g.chain) > maxIncludeDepth {
		return fmt.Errorf("config includes: max depth %d exceeded at %s", maxIncludeDepth, path)
	}
	if err := validatePermissions(path); err != nil {
		return fmt.Errorf("config includes: %w", err)
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("config includes: read %q: %w", path, err)
	}

	var header struct {
		Includes []string `yaml:"includes"`
	}
	if err := yaml.Unmarshal(data, &header); err != nil {
		return fmt.Errorf("config includes: parse %q: %w", path, err)
	}

	g.chain = append(g.chain, path)
	err = g.expand(filepath.Dir(path), header.Includes)
	g.chain = g.chain[:len(g.chain)-1]
	if err != nil {
		return err
	}
	g.done[path] = true
	g.order = append(g.order, fragment{path: path, data: data})
	return nil
}

// describe renders the include chain leading back to path.
func (g *includeGraph) describe(path string) string {
	start := slices.Index(g.chain, path)
	names := make([]string, 0, len(g.chain)-start+1)
	for _, p := range g.chain[start:] {
		names = append(names, filepath.Base(p))
	}
	return strings.Join(append(names, filepath.Base(path)), " -> ")
}

// includePaths expands pattern relative to dir into absolute paths, sorted
// for globs. A relative pattern may not climb out of dir. A literal path
// is returned even when missing so the read reports it; an empty glob is
// fine.
func includePaths(dir, pattern string) ([]string, error) {
	if !filepath.IsAbs(pattern) {
		joined := filepath.Join(dir, pattern)
		if rel, err := filepath.Rel(dir, joined); err == nil && (rel == ".." || strings.HasPrefix(rel, ".."+string(filepath.Separator))) {
			return nil, fmt.Errorf("config includes: path %q escapes config directory", joined)
		}
		pattern = joined
	}
	abs, err := filepath.Abs(filepath.Clean(pattern))
	if err != nil {
		return nil, fmt.Errorf("config includes: abs path %q: %w", pattern, err)
	}
	pattern = abs
	if !strings.ContainsAny(pattern, "*?[") {
		return []string{pattern}, nil
	}
	matches, err := filepath.Glob(pattern)
	if err != nil {
		return nil, fmt.Errorf("config includes: glob %q: %w", pattern, err)
	}
	slices.Sort(matches)
	return matches, nil
}

// applyFragment decodes one fragment onto cfg. Fragments are decoded
// strictly so a misspelt key in a hand-written file is reported.
func applyFragment(cfg *Config, f fragment) error {
	dec := yaml.NewDecoder(bytes.NewReader(f.data))
	dec.KnownFields(true)
	if err := dec.Decode(cfg); err != nil && !errors.Is(err, io.EOF) {
		return fmt.Errorf("config includes: parse %q: %w", f.path, err)
	}
	return nil
}
