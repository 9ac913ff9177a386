package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"gopkg.in/yaml.v3"
)

const maxIncludeDepth = 10

// processIncludes overlays every file named by cfg.Includes onto cfg.
// Relative patterns resolve against baseDir; visited holds absolute paths
// already merged so cycles are reported instead of followed.
func processIncludes(cfg *Config, baseDir string, visited map[string]bool, depth int) error {
	if depth > maxIncludeDepth {
		return fmt.Errorf("config includes: max depth %d exceeded", maxIncludeDepth)
	}
	if visited == nil {
		visited = make(map[string]bool)
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
			if visited[abs] {
				return fmt.Errorf("config includes: circular include detected for %q", abs)
			}
			visited[abs] = true

			if err := mergeFile(cfg, abs, visited, depth+1); err != nil {
				return err
			}
		}
	}
	return nil
}

// resolveIncludePaths expands pattern relative to baseDir. Paths that climb
// out of baseDir are rejected. A glob that matches nothing yields no paths;
// a literal path is returned as is so mergeFile reports a missing file.
func resolveIncludePaths(pattern, baseDir string) ([]string, error) {
	if !filepath.IsAbs(pattern) {
		pattern = filepath.Join(baseDir, pattern)
	}
	pattern = filepath.Clean(pattern)

	rel, err := filepath.Rel(baseDir, pattern)
	if err == nil && (rel == ".." || strings.HasPrefix(rel, ".."+string(filepath.Separator))) {
		return nil, fmt.Errorf("config includes: path %q escapes config directory", pattern)
	}

	matches, err := filepath.Glob(pattern)
	if err != nil {
		return nil, fmt.Errorf("config includes: glob %q: %w", pattern, err)
	}
	if len(matches) == 0 && !hasMeta(pattern) {
		return []string{pattern}, nil
	}
	return matches, nil
}

func hasMeta(pattern string) bool {
	return strings.ContainsAny(pattern, "*?[")
}

// mergeFile decodes the YAML file at path onto cfg, then follows the file's
// own includes.
func mergeFile(cfg *Config, path string, visited map[string]bool, depth int) error {
	if err := validatePermissions(path); err != nil {
		return fmt.Errorf("config includes: %w", err)
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("config includes: read %q: %w", path, err)
	}
	if len(data) == 0 {
		return nil
	}

	cfg.Includes = nil
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return fmt.Errorf("config includes: parse %q: %w", path, err)
	}

	if len(cfg.Includes) > 0 {
		return processIncludes(cfg, filepath.Dir(path), visited, depth)
	}
	return nil
}
