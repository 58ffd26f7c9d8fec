// Package knowledge holds the typology definitions and SAR templates
// that seed the similarity store.
package knowledge

import (
	"context"
	"embed"
	"errors"
	"fmt"
	"os"
	"path"
	"sort"
	"strings"

	"github.com/Masterminds/semver/v3"
	"gopkg.in/yaml.v3"

	"github.com/opensource-finance/kestrel/internal/domain"
)

//go:embed data/typologies.yaml
var builtinTypologies []byte

//go:embed data/templates/*.txt
var builtinTemplates embed.FS

// SupportedVersions constrains the version field of knowledge files.
const SupportedVersions = ">= 1.0.0, < 2.0.0"

const templateSuffix = "_template"

// ErrUnsupportedVersion is returned for knowledge files outside SupportedVersions.
var ErrUnsupportedVersion = errors.New("unsupported knowledge file version")

// Template is a SAR narrative template.
type Template struct {
	ID       string
	Typology string
	Source   string
	Content  string
}

// File is the on-disk layout of a knowledge file.
type File struct {
	Version    string                      `yaml:"version"`
	Typologies []domain.TypologyDefinition `yaml:"typologies"`
}

// Base is a loaded knowledge base. It is read-only after Load.
type Base struct {
	order      []string
	typologies map[string]domain.TypologyDefinition
	templates  []Template
}

// Load returns the built-in knowledge base, merged with the override file
// at overridePath when it is non-empty. Override entries replace built-in
// typologies with the same key and new keys are appended.
func Load(overridePath string) (*Base, error) {
	b := &Base{typologies: make(map[string]domain.TypologyDefinition)}

	builtin, err := Parse(builtinTypologies)
	if err != nil {
		return nil, fmt.Errorf("failed to parse built-in typologies: %w", err)
	}
	b.merge(builtin.Typologies)

	if overridePath != "" {
		data, err := os.ReadFile(overridePath)
		if err != nil {
			return nil, fmt.Errorf("failed to read knowledge file: %w", err)
		}
		override, err := Parse(data)
		if err != nil {
			return nil, fmt.Errorf("knowledge file %s: %w", overridePath, err)
		}
		b.merge(override.Typologies)
	}

	templates, err := loadTemplates()
	if err != nil {
		return nil, err
	}
	b.templates = templates

	return b, nil
}

// Parse decodes a knowledge file and checks its version.
func Parse(data []byte) (*File, error) {
	var f File
	if err := yaml.Unmarshal(data, &f); err != nil {
		return nil, fmt.Errorf("failed to decode knowledge file: %w", err)
	}
	if err := checkVersion(f.Version); err != nil {
		return nil, err
	}
	for i, def := range f.Typologies {
		if strings.TrimSpace(def.Key) == "" {
			return nil, fmt.Errorf("typology %d: key is required", i)
		}
		if strings.TrimSpace(def.Name) == "" {
			return nil, fmt.Errorf("typology %s: name is required", def.Key)
		}
	}
	return &f, nil
}

func checkVersion(v string) error {
	constraint, err := semver.NewConstraint(SupportedVersions)
	if err != nil {
		return fmt.Errorf("invalid version constraint: %w", err)
	}
	version, err := semver.NewVersion(v)
	if err != nil {
		return fmt.Errorf("%w: %q: %v", ErrUnsupportedVersion, v, err)
	}
	if !constraint.Check(version) {
		return fmt.Errorf("%w: %s does not satisfy %s", ErrUnsupportedVersion, version, SupportedVersions)
	}
	return nil
}

func (b *Base) merge(defs []domain.TypologyDefinition) {
	for _, def := range defs {
		if _, ok := b.typologies[def.Key]; !ok {
			b.order = append(b.order, def.Key)
		}
		b.typologies[def.Key] = def
	}
}

func loadTemplates() ([]Template, error) {
	entries, err := builtinTemplates.ReadDir("data/templates")
	if err != nil {
		return nil, fmt.Errorf("failed to list templates: %w", err)
	}

	names := make([]string, 0, len(entries))
	for _, e := range entries {
		if !e.IsDir() && strings.HasSuffix(e.Name(), ".txt") {
			names = append(names, e.Name())
		}
	}
	sort.Strings(names)

	templates := make([]Template, 0, len(names))
	for _, name := range names {
		data, err := builtinTemplates.ReadFile(path.Join("data/templates", name))
		if err != nil {
			return nil, fmt.Errorf("failed to read template %s: %w", name, err)
		}
		stem := strings.TrimSuffix(name, ".txt")
		templates = append(templates, Template{
			ID:       "template_" + stem,
			Typology: strings.TrimSuffix(stem, templateSuffix),
			Source:   name,
			Content:  string(data),
		})
	}
	return templates, nil
}

// Typology returns the definition for key.
func (b *Base) Typology(key string) (domain.TypologyDefinition, bool) {
	def, ok := b.typologies[key]
	return def, ok
}

// Typologies returns all definitions in load order.
func (b *Base) Typologies() []domain.TypologyDefinition {
	out := make([]domain.TypologyDefinition, 0, len(b.order))
	for _, key := range b.order {
		out = append(out, b.typologies[key])
	}
	return out
}

// Templates returns the SAR templates sorted by file name.
func (b *Base) Templates() []Template {
	out := make([]Template, len(b.templates))
	copy(out, b.templates)
	return out
}

// Keywords returns the classifier keyword table keyed by typology.
func (b *Base) Keywords() map[string][]string {
	out := make(map[string][]string, len(b.typologies))
	for key, def := range b.typologies {
		out[key] = def.Keywords
	}
	return out
}

// Document renders a typology definition as an indexable document.
func Document(def domain.TypologyDefinition) domain.Document {
	content := fmt.Sprintf("%s\n%s\nIndicators: %s\n%s\n%s",
		def.Name, def.Description, strings.Join(def.Indicators, ", "), def.PMLAReference, def.RBIReference)
	return domain.Document{
		ID:      "typology_" + def.Key,
		Content: content,
		Metadata: map[string]string{
			"type":     domain.DocTypeTypology,
			"typology": def.Key,
			"name":     def.Name,
		},
	}
}

// Seed indexes every typology and template into store.
// Seeding is idempotent since documents are replaced by ID.
func (b *Base) Seed(ctx context.Context, store domain.VectorStore) error {
	for _, def := range b.Typologies() {
		if err := store.Insert(ctx, Document(def)); err != nil {
			return fmt.Errorf("failed to index typology %s: %w", def.Key, err)
		}
	}
	for _, t := range b.templates {
		doc := domain.Document{
			ID:      t.ID,
			Content: t.Content,
			Metadata: map[string]string{
				"type":     domain.DocTypeTemplate,
				"typology": t.Typology,
				"source":   t.Source,
			},
		}
		if err := store.Insert(ctx, doc); err != nil {
			return fmt.Errorf("failed to index template %s: %w", t.ID, err)
		}
	}
	return nil
}
