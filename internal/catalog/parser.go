package catalog

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/mpataki/dayrun/internal/models"
)

type planFile struct {
	Interpreter string       `yaml:"interpreter"`
	Stages      []stageEntry `yaml:"stages"`
}

type stageEntry struct {
	Kind      string          `yaml:"kind"`
	ID        string          `yaml:"id"`
	Label     string          `yaml:"label"`
	Fork      string          `yaml:"fork"`
	Pipelines []pipelineEntry `yaml:"pipelines"`
}

type pipelineEntry struct {
	Name    string   `yaml:"name"`
	Script  string   `yaml:"script"`
	Command []string `yaml:"command"`
	Steps   int      `yaml:"steps"`
}

// Load reads a plan file, picking the format from its extension.
func Load(path, interpreter string) (*Catalog, error) {
	switch strings.ToLower(filepath.Ext(path)) {
	case ".yaml", ".yml":
		return ParseYAML(path, interpreter)
	case ".lua":
		return ParseLua(path, interpreter)
	default:
		return nil, fmt.Errorf("unsupported plan file %s: want .yaml, .yml or .lua", path)
	}
}

func ParseYAML(path, interpreter string) (*Catalog, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read plan file: %w", err)
	}
	return DecodeYAML(data, interpreter)
}

// DecodeYAML builds a catalog from a YAML document. The interpreter set in
// the document wins over the one passed in.
func DecodeYAML(data []byte, interpreter string) (*Catalog, error) {
	var pf planFile
	if err := yaml.Unmarshal(data, &pf); err != nil {
		return nil, fmt.Errorf("failed to parse plan YAML: %w", err)
	}

	if pf.Interpreter != "" {
		interpreter = pf.Interpreter
	}
	b := NewBuilder(interpreter)
	forks := make(map[string]int)

	for i, entry := range pf.Stages {
		switch entry.Kind {
		case "", "sequential":
			b.Sequential(entry.Label, b.pipelines(entry.Pipelines)...)

		case "fork":
			idx := b.Fork(entry.Label, b.pipelines(entry.Pipelines)...)
			if entry.ID != "" {
				if _, dup := forks[entry.ID]; dup {
					return nil, fmt.Errorf("%w: duplicate fork id %q", ErrInvalidPlan, entry.ID)
				}
				forks[entry.ID] = idx
			}

		case "join":
			idx, ok := forks[entry.Fork]
			if !ok {
				return nil, fmt.Errorf("%w: stage entry %d joins unknown fork %q", ErrInvalidPlan, i, entry.Fork)
			}
			b.Join(idx)

		default:
			return nil, fmt.Errorf("%w: stage entry %d has unknown kind %q", ErrInvalidPlan, i, entry.Kind)
		}
	}

	return b.Build()
}

func (b *Builder) pipelines(entries []pipelineEntry) []models.PipelineSpec {
	specs := make([]models.PipelineSpec, 0, len(entries))
	for _, e := range entries {
		specs = append(specs, b.Pipeline(e.Name, e.Script, e.Command, e.Steps))
	}
	return specs
}
