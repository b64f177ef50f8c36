// Copyright (C) 2026 Noldarim
// SPDX-License-Identifier: AGPL-3.0-or-later

package server

import (
	"embed"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/noldarim/ctxdash/internal/features"
	"github.com/noldarim/ctxdash/internal/protocol"
)

//go:embed scenarios/*.yaml
var builtinScenarios embed.FS

// Step is one scripted progress frame.
type Step struct {
	Delay    time.Duration `yaml:"delay"`
	Type     string        `yaml:"type"` // defaults to "progress"
	Phase    string        `yaml:"phase"`
	Status   string        `yaml:"status"`
	Detail   string        `yaml:"detail"`
	Progress float64       `yaml:"progress"`
}

// Scenario scripts one stage run.
type Scenario struct {
	Feature string           `yaml:"feature"`
	Stage   string           `yaml:"stage"`
	Steps   []Step           `yaml:"steps"`
	Outcome protocol.Outcome `yaml:"outcome"` // complete or failed; cancelled only happens on request
	Detail  string           `yaml:"detail"`
	Error   string           `yaml:"error"`
}

func (s Scenario) key() string {
	return s.Feature + "/" + s.Stage
}

// Scenarios indexes scenarios by feature and stage.
type Scenarios map[string]Scenario

// Get returns the scenario for a stage, or a short generated run when none is scripted.
func (sc Scenarios) Get(feature, stage string) Scenario {
	if s, ok := sc[feature+"/"+stage]; ok {
		return s
	}
	return Scenario{
		Feature: feature,
		Stage:   stage,
		Steps: []Step{
			{Delay: 200 * time.Millisecond, Phase: "start", Status: string(protocol.StatusRunning), Progress: 0.1},
			{Delay: 500 * time.Millisecond, Phase: "work", Status: string(protocol.StatusRunning), Progress: 0.6},
		},
		Outcome: protocol.OutcomeComplete,
	}
}

// LoadScenarios reads every *.yaml file in dir, or the built-in set when dir is empty.
// Files may hold one scenario or a list.
func LoadScenarios(dir string) (Scenarios, error) {
	var fsys fs.FS = builtinScenarios
	root := "scenarios"
	if dir != "" {
		fsys = os.DirFS(dir)
		root = "."
	}

	paths, err := fs.Glob(fsys, filepath.ToSlash(filepath.Join(root, "*.yaml")))
	if err != nil {
		return nil, fmt.Errorf("failed to list scenarios: %w", err)
	}

	out := make(Scenarios)
	for _, p := range paths {
		data, err := fs.ReadFile(fsys, p)
		if err != nil {
			return nil, fmt.Errorf("failed to read scenario %s: %w", p, err)
		}
		list, err := parseScenarios(data)
		if err != nil {
			return nil, fmt.Errorf("invalid scenario file %s: %w", p, err)
		}
		for i := range list {
			s := &list[i]
			if err := s.validate(); err != nil {
				return nil, fmt.Errorf("%s: %w", p, err)
			}
			out[s.key()] = *s
		}
	}
	return out, nil
}

func parseScenarios(data []byte) ([]Scenario, error) {
	trimmed := strings.TrimSpace(string(data))
	if trimmed == "" {
		return nil, nil
	}
	var list []Scenario
	if err := yaml.Unmarshal(data, &list); err == nil {
		return list, nil
	}
	var one Scenario
	if err := yaml.Unmarshal(data, &one); err != nil {
		return nil, err
	}
	return []Scenario{one}, nil
}

func (s *Scenario) validate() error {
	f, err := features.Lookup(s.Feature)
	if err != nil {
		return err
	}
	if _, ok := f.Stage(s.Stage); !ok {
		return fmt.Errorf("feature %s has no stage %q", s.Feature, s.Stage)
	}
	switch s.Outcome {
	case "":
		s.Outcome = protocol.OutcomeComplete
	case protocol.OutcomeComplete, protocol.OutcomeFailed:
	default:
		return fmt.Errorf("%s: outcome must be complete or failed, got %q", s.key(), s.Outcome)
	}
	for i, st := range s.Steps {
		if st.Delay < 0 {
			return fmt.Errorf("%s: step %d has negative delay", s.key(), i)
		}
	}
	return nil
}
