// Copyright (C) 2026 Noldarim
// SPDX-License-Identifier: AGPL-3.0-or-later

package cli

import (
	"errors"
	"fmt"
	"os"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/noldarim/ctxdash/internal/features"
	"github.com/noldarim/ctxdash/internal/pipeline"
)

// RunFile is a YAML file of request parameters for a feature.
//
//	feature: configapis
//	params:
//	  source_url: https://petstore.example.com/openapi.yaml
//	seeds:
//	  extraction: 7f3c...   # run id a later stage should continue from
type RunFile struct {
	Feature string            `yaml:"feature"`
	Params  map[string]any    `yaml:"params"`
	Seeds   map[string]string `yaml:"seeds"`
}

// LoadRunFile loads and validates a run file against f.
func LoadRunFile(path string, f features.Feature) (*RunFile, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read run file: %w", err)
	}

	var rf RunFile
	if err := yaml.Unmarshal(data, &rf); err != nil {
		return nil, fmt.Errorf("failed to parse run file YAML: %w", err)
	}

	if err := rf.Validate(f); err != nil {
		return nil, fmt.Errorf("invalid run file: %w", err)
	}
	return &rf, nil
}

// Validate checks that the file targets f and only seeds known stages.
func (rf *RunFile) Validate(f features.Feature) error {
	if rf.Feature != "" && rf.Feature != f.Name {
		return fmt.Errorf("file is for feature %q, not %q", rf.Feature, f.Name)
	}
	for stage, id := range rf.Seeds {
		if _, ok := f.Stage(stage); !ok {
			return fmt.Errorf("seed for unknown stage %q", stage)
		}
		if id == "" {
			return fmt.Errorf("seed for stage %q is empty", stage)
		}
	}
	for k := range rf.Params {
		if k == "" {
			return errors.New("parameter names cannot be empty")
		}
	}
	return nil
}

// parseParams turns repeated key=value flags into a request body.
func parseParams(pairs []string) (map[string]any, error) {
	out := make(map[string]any, len(pairs))
	for _, p := range pairs {
		k, v, ok := strings.Cut(p, "=")
		if !ok || k == "" {
			return nil, fmt.Errorf("invalid param %q, use key=value", p)
		}
		out[k] = v
	}
	return out, nil
}

// requestInput gathers params and seeds from an optional run file and flags.
// Flags win over the file.
type requestInput struct {
	runFile string
	params  []string
	seeds   []string
}

func (in requestInput) resolve(f features.Feature) (map[string]any, map[string]string, error) {
	params := map[string]any{}
	seeds := map[string]string{}

	if in.runFile != "" {
		rf, err := LoadRunFile(in.runFile, f)
		if err != nil {
			return nil, nil, err
		}
		for k, v := range rf.Params {
			params[k] = v
		}
		for k, v := range rf.Seeds {
			seeds[k] = v
		}
	}

	flagParams, err := parseParams(in.params)
	if err != nil {
		return nil, nil, err
	}
	for k, v := range flagParams {
		params[k] = v
	}

	for _, s := range in.seeds {
		stage, id, ok := strings.Cut(s, "=")
		if !ok || stage == "" || id == "" {
			return nil, nil, fmt.Errorf("invalid seed %q, use stage=run-id", s)
		}
		if _, known := f.Stage(stage); !known {
			return nil, nil, fmt.Errorf("seed for unknown stage %q", stage)
		}
		seeds[stage] = id
	}
	return params, seeds, nil
}

// applySeeds records upstream run ids so dependent stages can start in a fresh process.
func applySeeds(store *pipeline.Store, seeds map[string]string) error {
	for _, stage := range sortedKeys(seeds) {
		if err := store.SetActiveID(stage, seeds[stage]); err != nil {
			return err
		}
	}
	return nil
}
