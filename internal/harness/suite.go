package harness

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
)

// SuiteResult summarizes a run over several scenario files.
type SuiteResult struct {
	Total    int            `json:"total"`
	Passed   int            `json:"passed"`
	Failed   int            `json:"failed"`
	Failures []SuiteFailure `json:"failures,omitempty"`
}

// SuiteFailure is a scenario that failed to load, run or hold.
type SuiteFailure struct {
	Scenario string   `json:"scenario"`
	Path     string   `json:"path"`
	Errors   []string `json:"errors"`
}

// FindScenarios expands directories into the .yaml and .yml files they
// contain. Files are returned as given.
func FindScenarios(paths []string) ([]string, error) {
	var files []string
	for _, p := range paths {
		info, err := os.Stat(p)
		if err != nil {
			return nil, fmt.Errorf("scenario path: %w", err)
		}
		if !info.IsDir() {
			files = append(files, p)
			continue
		}
		entries, err := os.ReadDir(p)
		if err != nil {
			return nil, fmt.Errorf("read scenario dir: %w", err)
		}
		var found []string
		for _, e := range entries {
			ext := strings.ToLower(filepath.Ext(e.Name()))
			if !e.IsDir() && (ext == ".yaml" || ext == ".yml") {
				found = append(found, filepath.Join(p, e.Name()))
			}
		}
		sort.Strings(found)
		files = append(files, found...)
	}
	return files, nil
}

// RunFiles loads and runs each scenario in its own harness.
func RunFiles(ctx context.Context, paths []string) (SuiteResult, error) {
	files, err := FindScenarios(paths)
	if err != nil {
		return SuiteResult{}, err
	}

	var suite SuiteResult
	for _, path := range files {
		suite.Total++
		scenario, err := LoadScenario(path)
		if err != nil {
			suite.fail(SuiteFailure{Scenario: filepath.Base(path), Path: path, Errors: []string{err.Error()}})
			continue
		}
		result, err := Run(ctx, scenario)
		if err != nil {
			suite.fail(SuiteFailure{Scenario: scenario.Name, Path: path, Errors: []string{err.Error()}})
			continue
		}
		if !result.Pass {
			suite.fail(SuiteFailure{Scenario: scenario.Name, Path: path, Errors: result.Errors})
			continue
		}
		suite.Passed++
	}
	return suite, nil
}

func (s *SuiteResult) fail(f SuiteFailure) {
	s.Failed++
	s.Failures = append(s.Failures, f)
}
