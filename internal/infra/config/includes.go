package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"gopkg.in/yaml.v3"
)

const maxIncludeDepth = 10

// includeLoader overlays included YAML files onto a Config. It tracks the
// absolute paths already merged so a cycle fails instead of recursing.
type includeLoader struct {
	visited map[string]bool
}

// processIncludes merges the files referenced by cfg.Includes into cfg.
// baseDir is the directory of the file that declared the includes.
func processIncludes(cfg *Config, baseDir string, visited map[string]bool, depth int) error {
	if visited == nil {
		visited = make(map[string]bool)
	}
	l := &includeLoader{visited: visited}
	return l.include(cfg, baseDir, depth)
}

func (l *includeLoader) include(cfg *Config, baseDir string, depth int) error {
	if depth > maxIncludeDepth {
		return fmt.Errorf("config includes: max depth %d exceeded", maxIncludeDepth)
	}

	patterns := cfg.Includes
	cfg.Includes = nil

	for _, pattern := range patterns {
		paths, err := resolveIncludePaths(pattern, baseDir)
		if err != nil {
			return err
		}
		for _, p := range paths {
			abs, err := filepath.Abs(p)
			if err != nil {
				return fmt.Errorf("config includes: abs path %q: %w", p, err)
			}
			if l.visited[abs] {
				return fmt.Errorf("config includes: circular include of %q", abs)
			}
			l.visited[abs] = true

			if err := l.merge(cfg, abs, depth+1); err != nil {
				return err
			}
		}
	}
	cfg.Includes = nil
	return nil
}

// merge overlays one file onto cfg, then follows that file's own includes.
func (l *includeLoader) merge(cfg *Config, path string, depth int) error {
	if err := validatePermissions(path); err != nil {
		return fmt.Errorf("config includes: %w", err)
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("config includes: read %q: %w", path, err)
	}
	if len(strings.TrimSpace(string(data))) == 0 {
		return nil
	}

	cfg.Includes = nil
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return fmt.Errorf("config includes: parse %q: %w", path, err)
	}
	if len(cfg.Includes) == 0 {
		return nil
	}
	return l.include(cfg, filepath.Dir(path), depth)
}

// resolveIncludePaths expands pattern relative to baseDir. Patterns may be
// globs; a relative pattern must stay inside baseDir.
func resolveIncludePaths(pattern, baseDir string) ([]string, error) {
	if !filepath.IsAbs(pattern) {
		pattern = filepath.Join(baseDir, pattern)
	}
	pattern = filepath.Clean(pattern)

	if rel, err := filepath.Rel(baseDir, pattern); err == nil && strings.HasPrefix(rel, "..") {
		return nil, fmt.Errorf("config includes: path %q escapes config directory", pattern)
	}

	matches, err := filepath.Glob(pattern)
	if err != nil {
		return nil, fmt.Errorf("config includes: glob %q: %w", pattern, err)
	}
	if len(matches) > 0 {
		return matches, nil
	}
	// A literal path that matched nothing is reported by merge as not found.
	if !strings.ContainsAny(pattern, "*?[") {
		return []string{pattern}, nil
	}
	return nil, nil
}
