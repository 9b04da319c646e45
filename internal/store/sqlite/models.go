package sqlite

import (
	"bytes"
	"encoding/binary"
	"time"

	"ragdocs/internal/domain"
)

type documentRow struct {
	ID            string            `gorm:"primaryKey"`
	Filename      string            `gorm:"not null"`
	Content       string            `gorm:"not null"`
	Metadata      map[string]string `gorm:"serializer:json"`
	Status        string            `gorm:"index;not null"`
	FailureReason string
	ChunkCount    int
	CreatedAt     time.Time
	UpdatedAt     time.Time
}

func (documentRow) TableName() string { return "documents" }

type chunkRow struct {
	ID         string `gorm:"primaryKey"`
	DocumentID string `gorm:"index;not null"`
	Ord        int
	SpanStart  int
	SpanEnd    int
	Text       string
	Embedding  []byte
}

func (chunkRow) TableName() string { return "chunks" }

type answerRow struct {
	ID            uint64 `gorm:"primaryKey;autoIncrement"`
	Query         string
	Model         string
	Answer        string
	Answered      bool
	Confidence    float64
	SourceCount   int
	SearchResults int
	CreatedAt     time.Time
}

func (answerRow) TableName() string { return "answers" }

func toDocumentRow(d domain.Document) documentRow {
	return documentRow{
		ID:            d.ID,
		Filename:      d.Filename,
		Content:       d.Content,
		Metadata:      d.Metadata,
		Status:        string(d.Status),
		FailureReason: d.FailureReason,
		ChunkCount:    d.ChunkCount,
		CreatedAt:     d.CreatedAt,
		UpdatedAt:     d.UpdatedAt,
	}
}

func (r documentRow) toDomain() domain.Document {
	md := r.Metadata
	if md == nil {
		md = map[string]string{}
	}
	return domain.Document{
		ID:            r.ID,
		Filename:      r.Filename,
		Content:       r.Content,
		Metadata:      md,
		Status:        domain.Status(r.Status),
		FailureReason: r.FailureReason,
		ChunkCount:    r.ChunkCount,
		CreatedAt:     r.CreatedAt.UTC(),
		UpdatedAt:     r.UpdatedAt.UTC(),
	}
}

func toChunkRow(c domain.Chunk) chunkRow {
	return chunkRow{
		ID:         c.ID,
		DocumentID: c.DocumentID,
		Ord:        c.Index,
		SpanStart:  c.Span.Start,
		SpanEnd:    c.Span.End,
		Text:       c.Text,
		Embedding:  FloatsToBytes(c.Embedding),
	}
}

func (r chunkRow) toDomain() domain.Chunk {
	return domain.Chunk{
		ID:         r.ID,
		DocumentID: r.DocumentID,
		Index:      r.Ord,
		Span:       domain.Span{Start: r.SpanStart, End: r.SpanEnd},
		Text:       r.Text,
		Embedding:  BytesToFloats(r.Embedding),
	}
}

func toAnswerRow(a domain.AnswerRecord) answerRow {
	return answerRow{
		Query:         a.Query,
		Model:         a.Model,
		Answer:        a.Answer,
		Answered:      a.Answered,
		Confidence:    a.Confidence,
		SourceCount:   a.SourceCount,
		SearchResults: a.SearchResults,
		CreatedAt:     a.CreatedAt,
	}
}

func (r answerRow) toDomain() domain.AnswerRecord {
	return domain.AnswerRecord{
		ID:            r.ID,
		Query:         r.Query,
		Model:         r.Model,
		Answer:        r.Answer,
		Answered:      r.Answered,
		Confidence:    r.Confidence,
		SourceCount:   r.SourceCount,
		SearchResults: r.SearchResults,
		CreatedAt:     r.CreatedAt.UTC(),
	}
}

// FloatsToBytes encodes a vector as little-endian float32s.
func FloatsToBytes(v []float32) []byte {
	if v == nil {
		return nil
	}
	buf := new(bytes.Buffer)
	_ = binary.Write(buf, binary.LittleEndian, v)
	return buf.Bytes()
}

// BytesToFloats decodes what FloatsToBytes produced.
func BytesToFloats(b []byte) []float32 {
	if len(b) == 0 {
		return nil
	}
	out := make([]float32, len(b)/4)
	_ = binary.Read(bytes.NewReader(b), binary.LittleEndian, &out)
	return out
}
