package harness

import (
	"fmt"
	"io/fs"
	"path/filepath"
	"slices"
	"strings"
)

// FindScenarios returns the scenario files under dir, sorted by path.
// Files ending in .yaml or .yml are scenarios.
func FindScenarios(dir string) ([]string, error) {
	var paths []string
	err := filepath.WalkDir(dir, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.IsDir() {
			return nil
		}
		switch strings.ToLower(filepath.Ext(path)) {
		case ".yaml", ".yml":
			paths = append(paths, path)
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("find scenarios in %s: %w", dir, err)
	}
	slices.Sort(paths)
	return paths, nil
}

// LoadScenarios loads every scenario under dir and rejects duplicate names,
// since names select golden files.
func LoadScenarios(dir string) ([]*Scenario, error) {
	paths, err := FindScenarios(dir)
	if err != nil {
		return nil, err
	}

	seen := make(map[string]string, len(paths))
	scenarios := make([]*Scenario, 0, len(paths))
	for _, path := range paths {
		s, err := LoadScenario(path)
		if err != nil {
			return nil, err
		}
		if prev, dup := seen[s.Name]; dup {
			return nil, fmt.Errorf("scenario name %q used by %s and %s", s.Name, prev, path)
		}
		seen[s.Name] = path
		scenarios = append(scenarios, s)
	}
	return scenarios, nil
}
