package domain

import (
	"context"
	"time"
)

// MetadataPrefix marks metadata keys owned by the system. Caller-supplied
// keys with this prefix are dropped at upload.
const MetadataPrefix = "ragdocs."

// Reserved metadata keys.
const (
	MetaContentType = MetadataPrefix + "content_type"
	MetaSourcePath  = MetadataPrefix + "source_path"
	MetaTitle       = MetadataPrefix + "title"
)

// Document represents a single uploaded text and its processing state.
type Document struct {
	ID            string            `json:"id"`
	Filename      string            `json:"filename"`
	Content       string            `json:"content,omitempty"`
	Metadata      map[string]string `json:"metadata"`
	Status        Status            `json:"status"`
	FailureReason string            `json:"failureReason,omitempty"`
	ChunkCount    int               `json:"chunkCount"`
	CreatedAt     time.Time         `json:"createdAt"`
	UpdatedAt     time.Time         `json:"updatedAt"`
}

// Span is a half-open byte range [Start, End) into a document's content.
type Span struct {
	Start int `json:"start"`
	End   int `json:"end"`
}

// Len returns the number of bytes covered by the span.
func (s Span) Len() int { return s.End - s.Start }

// Chunk is a contiguous part of a document used for indexing.
type Chunk struct {
	ID         string    `json:"id"`
	DocumentID string    `json:"documentId"`
	Index      int       `json:"index"`
	Span       Span      `json:"span"`
	Text       string    `json:"text"`
	Embedding  []float32 `json:"-"`
}

// IndexEntry is the unit stored by a vector index.
type IndexEntry struct {
	ChunkID    string
	DocumentID string
	Vector     []float32
	Chunk      Chunk
}

// Hit is an index entry matched by a similarity search.
type Hit struct {
	Entry      IndexEntry
	Similarity float64
	// Seq is the insertion sequence of the entry; lower was inserted earlier.
	Seq uint64
}

// ScoredChunk pairs a chunk with its similarity to a query.
type ScoredChunk struct {
	Chunk      Chunk
	Similarity float64
}

// SearchResult is one document matched by a query with its contributing chunks.
type SearchResult struct {
	Document   Document
	Similarity float64
	Chunks     []ScoredChunk
}

// Source attributes part of an answer to a document.
type Source struct {
	DocumentID string `json:"documentId"`
	Filename   string `json:"filename"`
	Excerpt    string `json:"chunk"`
}

// AnswerResult is the outcome of answer synthesis.
type AnswerResult struct {
	Query         string   `json:"query"`
	Model         string   `json:"model"`
	Answer        *string  `json:"answer"`
	Confidence    float64  `json:"confidence"`
	Sources       []Source `json:"sources"`
	SearchResults int      `json:"searchResults"`
}

// AnswerRecord is a persisted, completed answer.
type AnswerRecord struct {
	ID            uint64    `json:"id"`
	Query         string    `json:"query"`
	Model         string    `json:"model"`
	Answer        string    `json:"answer"`
	Answered      bool      `json:"answered"`
	Confidence    float64   `json:"confidence"`
	SourceCount   int       `json:"sourceCount"`
	SearchResults int       `json:"searchResults"`
	CreatedAt     time.Time `json:"createdAt"`
}

// Chunker splits documents into chunks suitable for retrieval indexing.
type Chunker interface {
	Chunk(document Document) ([]Chunk, error)
}

// DocumentStore is the durable store keyed by document id.
type DocumentStore interface {
	Create(ctx context.Context, doc Document) error
	Get(ctx context.Context, id string) (Document, error)
	// List returns documents in upload order.
	List(ctx context.Context) ([]Document, error)
	// UpdateStatus moves a document to a new status. Regressions fail with ErrInvalidTransition.
	UpdateStatus(ctx context.Context, id string, status Status, reason string) (Document, error)
	SaveChunks(ctx context.Context, documentID string, chunks []Chunk) error
	Chunks(ctx context.Context, documentID string) ([]Chunk, error)
	DeleteChunks(ctx context.Context, documentID string) error
	Delete(ctx context.Context, id string) error
	AppendAnswer(ctx context.Context, rec AnswerRecord) (AnswerRecord, error)
	// Answers returns the answer history in insertion order.
	Answers(ctx context.Context) ([]AnswerRecord, error)
	Close() error
}

// GenerateRequest is a single prompt sent to a language model.
type GenerateRequest struct {
	Model     string
	System    string
	Prompt    string
	MaxTokens int
	// Query and Context are set for generators that work on the retrieved
	// evidence directly instead of the rendered prompt.
	Query   string
	Context []string
}

// Generator produces text from a prompt.
type Generator interface {
	Name() string
	Generate(ctx context.Context, req GenerateRequest) (string, error)
}
