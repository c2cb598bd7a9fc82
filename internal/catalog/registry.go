package catalog

import (
	_ "embed"
	"encoding/json"
	"fmt"
	"os"

	"github.com/samber/lo"

	"wanVideoBot/internal/generation"
)

//go:embed models.json
var embeddedModels []byte

// AIModel describes a generation model as offered to users and as
// addressed on the provider side.
type AIModel struct {
	ID          string                  `json:"id"`
	Name        string                  `json:"name"`
	Mode        generation.Mode         `json:"mode"`
	Version     string                  `json:"version"`
	Description string                  `json:"description"`
	Resolutions []generation.Resolution `json:"resolutions"`
	SampleSteps int                     `json:"sample_steps"`
}

// Registry is the read-only set of models, loaded once at startup.
type Registry struct {
	models []AIModel
}

var defaultRegistry = mustParseRegistry(embeddedModels)

// DefaultRegistry returns the registry built from the embedded models.json.
func DefaultRegistry() *Registry {
	return defaultRegistry
}

// LoadRegistry reads a models file, replacing the embedded defaults.
func LoadRegistry(filePath string) (*Registry, error) {
	file, err := os.ReadFile(filePath)
	if err != nil {
		return nil, fmt.Errorf("failed to read models file: %w", err)
	}
	return ParseRegistry(file)
}

func ParseRegistry(data []byte) (*Registry, error) {
	var models []AIModel
	if err := json.Unmarshal(data, &models); err != nil {
		return nil, fmt.Errorf("failed to parse models json: %w", err)
	}
	seen := make(map[string]bool, len(models))
	for _, m := range models {
		if seen[m.ID] {
			return nil, fmt.Errorf("duplicate model id %q", m.ID)
		}
		seen[m.ID] = true
		if !lo.Contains(m.Mode.Models(), generation.Model(m.ID)) {
			return nil, fmt.Errorf("model %q is not accepted for mode %q", m.ID, m.Mode)
		}
		for _, r := range m.Resolutions {
			if !lo.Contains(generation.Resolutions, r) {
				return nil, fmt.Errorf("model %q lists unsupported resolution %q", m.ID, r)
			}
		}
	}
	return &Registry{models: models}, nil
}

func mustParseRegistry(data []byte) *Registry {
	r, err := ParseRegistry(data)
	if err != nil {
		panic(err)
	}
	return r
}

func (r *Registry) All() []AIModel {
	return append([]AIModel(nil), r.models...)
}

func (r *Registry) ModelByID(id string) (AIModel, bool) {
	return lo.Find(r.models, func(m AIModel) bool { return m.ID == id })
}

func (r *Registry) ModelsForMode(mode generation.Mode) []AIModel {
	return lo.Filter(r.models, func(m AIModel, _ int) bool { return m.Mode == mode })
}
