package domain

import "context"

// UnknownTypology is the key reported when no typology document matches.
const UnknownTypology = "unknown"

// TypologyDefinition describes a money-laundering method and its legal references.
type TypologyDefinition struct {
	Key           string   `json:"key" yaml:"key"`
	Name          string   `json:"name" yaml:"name"`
	Description   string   `json:"description" yaml:"description"`
	Indicators    []string `json:"indicators" yaml:"indicators"`
	PMLAReference string   `json:"pmla_reference" yaml:"pmla_reference"`
	RBIReference  string   `json:"rbi_reference" yaml:"rbi_reference"`
	Keywords      []string `json:"keywords,omitempty" yaml:"keywords"`
}

// TypologyClassification is the outcome of the typology stage.
type TypologyClassification struct {
	Typology          string  `json:"typology"`
	Confidence        float64 `json:"confidence"` // 0-100
	Distance          float64 `json:"distance"`
	KeywordBoost      bool    `json:"keyword_boost"`
	RegulatoryContext string  `json:"regulatory_context"`
}

// Document types held in the similarity store.
const (
	DocTypeTypology = "typology"
	DocTypeTemplate = "template"
)

// Document is a unit of text indexed in the similarity store.
type Document struct {
	ID       string            `json:"id"`
	Content  string            `json:"content"`
	Metadata map[string]string `json:"metadata"`
}

// Match is a ranked query result. Lower distance means closer.
type Match struct {
	Document
	Distance float64 `json:"distance"`
}

// VectorStore is the similarity store contract.
// Implementations must be safe for concurrent readers and writers.
type VectorStore interface {
	// Insert adds or replaces a document by ID.
	Insert(ctx context.Context, doc Document) error

	// Query returns up to topK documents nearest to text whose metadata
	// contains every key/value of filter, closest first.
	Query(ctx context.Context, text string, topK int, filter map[string]string) ([]Match, error)

	// Count returns the number of indexed documents.
	Count() int
}

// VectorConfig holds configuration for the similarity store and its embedder.
type VectorConfig struct {
	// Embedder is "hash" (local feature hashing) or "ollama"
	Embedder string

	// Dimensions of the local hash embedder
	Dimensions int

	// Ollama embedding settings
	OllamaURL   string
	OllamaModel string

	// CacheEmbeddings stores embeddings in the configured cache
	CacheEmbeddings bool

	// KnowledgeFile is an optional YAML override for the typology knowledge base
	KnowledgeFile string
}
