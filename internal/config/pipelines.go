package config

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"

	"github.com/lei/conveyor/internal/pipeline"
)

// PipelinesFile represents the pipeline definitions file structure
type PipelinesFile struct {
	Pipelines []pipeline.Def `yaml:"pipelines"`
}

// LoadPipelines reads, parses and validates the pipeline definitions file.
// Environment variables are expanded so step commands can reference
// deployment-specific values.
func LoadPipelines(path string) ([]pipeline.Def, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read pipelines file: %w", err)
	}

	expanded := os.ExpandEnv(string(data))

	var file PipelinesFile
	if err := yaml.Unmarshal([]byte(expanded), &file); err != nil {
		return nil, fmt.Errorf("parse pipelines file: %w", err)
	}

	seen := make(map[string]bool, len(file.Pipelines))
	for _, def := range file.Pipelines {
		if err := def.Validate(); err != nil {
			return nil, fmt.Errorf("pipeline %q: %w", def.ID, err)
		}
		if seen[def.ID] {
			return nil, fmt.Errorf("duplicate pipeline_id %q", def.ID)
		}
		seen[def.ID] = true
	}

	return file.Pipelines, nil
}
