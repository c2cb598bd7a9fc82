package catalog

import (
	_ "embed"
	"encoding/json"
	"fmt"
	"os"
	"strings"

	"github.com/samber/lo"

	"wanVideoBot/internal/generation"
)

//go:embed templates.json
var embeddedTemplates []byte

type Category string

const (
	CategoryCinematic Category = "cinematic"
	CategoryAnimation Category = "animation"
	CategoryRealistic Category = "realistic"
	CategoryAbstract  Category = "abstract"
	CategoryNature    Category = "nature"
	CategoryPeople    Category = "people"
	CategoryAnimals   Category = "animals"
)

func Categories() []Category {
	return []Category{
		CategoryCinematic,
		CategoryAnimation,
		CategoryRealistic,
		CategoryAbstract,
		CategoryNature,
		CategoryPeople,
		CategoryAnimals,
	}
}

func (c Category) Valid() bool {
	return lo.Contains(Categories(), c)
}

// PromptTemplate is a reusable example request shown as a suggestion.
type PromptTemplate struct {
	ID             string   `json:"id"`
	Title          string   `json:"title"`
	Category       Category `json:"category"`
	Prompt         string   `json:"prompt"`
	NegativePrompt *string  `json:"negative_prompt,omitempty"`
	Tags           []string `json:"tags"`
	Featured       bool     `json:"featured,omitempty"`
}

// Fields returns the template as form values that can be merged with the
// user's model and resolution choices before validation.
func (t PromptTemplate) Fields() generation.RawFields {
	raw := generation.RawFields{generation.FieldPrompt: t.Prompt}
	if t.NegativePrompt != nil {
		raw[generation.FieldNegativePrompt] = *t.NegativePrompt
	}
	return raw
}

func (t PromptTemplate) matches(lowerQuery string) bool {
	return strings.Contains(strings.ToLower(t.Title), lowerQuery) ||
		strings.Contains(strings.ToLower(t.Prompt), lowerQuery) ||
		lo.SomeBy(t.Tags, func(tag string) bool {
			return strings.Contains(strings.ToLower(tag), lowerQuery)
		})
}

func (t PromptTemplate) clone() PromptTemplate {
	t.Tags = append([]string(nil), t.Tags...)
	if t.NegativePrompt != nil {
		np := *t.NegativePrompt
		t.NegativePrompt = &np
	}
	return t
}

// Catalog is an immutable, insertion-ordered set of templates. Every query
// returns copies, so it is safe to share between goroutines.
type Catalog struct {
	templates []PromptTemplate
	byID      map[string]int
}

var defaultCatalog = mustParseCatalog(embeddedTemplates)

// Default returns the catalog seeded from the embedded templates.json.
func Default() *Catalog {
	return defaultCatalog
}

func NewCatalog(templates []PromptTemplate) (*Catalog, error) {
	c := &Catalog{
		templates: make([]PromptTemplate, 0, len(templates)),
		byID:      make(map[string]int, len(templates)),
	}
	for _, t := range templates {
		if t.ID == "" {
			return nil, fmt.Errorf("template %q has no id", t.Title)
		}
		if _, dup := c.byID[t.ID]; dup {
			return nil, fmt.Errorf("duplicate template id %q", t.ID)
		}
		if !t.Category.Valid() {
			return nil, fmt.Errorf("template %q has unknown category %q", t.ID, t.Category)
		}
		c.byID[t.ID] = len(c.templates)
		c.templates = append(c.templates, t.clone())
	}
	return c, nil
}

func ParseCatalog(data []byte) (*Catalog, error) {
	var templates []PromptTemplate
	if err := json.Unmarshal(data, &templates); err != nil {
		return nil, fmt.Errorf("failed to parse templates json: %w", err)
	}
	return NewCatalog(templates)
}

// LoadCatalog reads a templates file, replacing the embedded defaults.
func LoadCatalog(filePath string) (*Catalog, error) {
	file, err := os.ReadFile(filePath)
	if err != nil {
		return nil, fmt.Errorf("failed to read templates file: %w", err)
	}
	return ParseCatalog(file)
}

func mustParseCatalog(data []byte) *Catalog {
	c, err := ParseCatalog(data)
	if err != nil {
		panic(err)
	}
	return c
}

func (c *Catalog) Len() int {
	return len(c.templates)
}

func (c *Catalog) All() []PromptTemplate {
	return c.filter(func(PromptTemplate) bool { return true })
}

func (c *Catalog) ByCategory(category Category) []PromptTemplate {
	return c.filter(func(t PromptTemplate) bool { return t.Category == category })
}

func (c *Catalog) Featured() []PromptTemplate {
	return c.filter(func(t PromptTemplate) bool { return t.Featured })
}

func (c *Catalog) ByID(id string) (PromptTemplate, bool) {
	i, ok := c.byID[id]
	if !ok {
		return PromptTemplate{}, false
	}
	return c.templates[i].clone(), true
}

// Search does a case-insensitive substring match on title, prompt and tags.
// Results keep catalog order; there is no relevance ranking.
func (c *Catalog) Search(query string) []PromptTemplate {
	q := strings.ToLower(query)
	return c.filter(func(t PromptTemplate) bool { return t.matches(q) })
}

func (c *Catalog) filter(keep func(PromptTemplate) bool) []PromptTemplate {
	found := lo.Filter(c.templates, func(t PromptTemplate, _ int) bool { return keep(t) })
	return lo.Map(found, func(t PromptTemplate, _ int) PromptTemplate { return t.clone() })
}
