package domain

import (
	"errors"
	"fmt"
)

// Sentinel kinds. Typed errors below match them with errors.Is.
var (
	// ErrConfiguration indicates invalid chunking, index or provider parameters.
	ErrConfiguration = errors.New("configuration error")

	// ErrEmbeddingProvider indicates the embedding provider failed or misbehaved.
	ErrEmbeddingProvider = errors.New("embedding provider error")

	// ErrIndexWrite indicates a vector index insert or remove failed.
	ErrIndexWrite = errors.New("index write error")

	// ErrSynthesis indicates the language model call failed.
	ErrSynthesis = errors.New("synthesis error")

	// ErrNotFound indicates a requested entity does not exist.
	ErrNotFound = errors.New("not found")

	// ErrInvalidInput indicates malformed or invalid input.
	ErrInvalidInput = errors.New("invalid input")

	// ErrInvalidTransition indicates a document status regression.
	ErrInvalidTransition = errors.New("invalid status transition")

	// ErrCancelled is the failure reason recorded for cancelled ingestion.
	ErrCancelled = errors.New("cancelled")
)

// ConfigurationError reports an invalid parameter. Fatal at startup.
type ConfigurationError struct {
	Field  string
	Reason string
}

func (e *ConfigurationError) Error() string {
	return fmt.Sprintf("configuration error: %s: %s", e.Field, e.Reason)
}

func (e *ConfigurationError) Is(target error) bool { return target == ErrConfiguration }

// EmbeddingProviderError reports a failed or inconsistent embedding call.
type EmbeddingProviderError struct {
	Provider string
	Attempts int
	Err      error
}

func (e *EmbeddingProviderError) Error() string {
	if e.Attempts > 1 {
		return fmt.Sprintf("embedding provider %s failed after %d attempts: %v", e.Provider, e.Attempts, e.Err)
	}
	return fmt.Sprintf("embedding provider %s: %v", e.Provider, e.Err)
}

func (e *EmbeddingProviderError) Unwrap() error { return e.Err }

func (e *EmbeddingProviderError) Is(target error) bool { return target == ErrEmbeddingProvider }

// IndexWriteError reports a failed vector index write.
type IndexWriteError struct {
	Op         string
	DocumentID string
	Err        error
}

func (e *IndexWriteError) Error() string {
	return fmt.Sprintf("index %s for document %s: %v", e.Op, e.DocumentID, e.Err)
}

func (e *IndexWriteError) Unwrap() error { return e.Err }

func (e *IndexWriteError) Is(target error) bool { return target == ErrIndexWrite }

// SynthesisError reports a failed language model call.
type SynthesisError struct {
	Model string
	Err   error
}

func (e *SynthesisError) Error() string {
	return fmt.Sprintf("synthesis with model %s: %v", e.Model, e.Err)
}

func (e *SynthesisError) Unwrap() error { return e.Err }

func (e *SynthesisError) Is(target error) bool { return target == ErrSynthesis }

// NotFoundError reports an unknown entity id.
type NotFoundError struct {
	Kind string
	ID   string
}

func (e *NotFoundError) Error() string {
	return fmt.Sprintf("%s %q not found", e.Kind, e.ID)
}

func (e *NotFoundError) Is(target error) bool { return target == ErrNotFound }

// transientError marks a provider failure as retryable.
type transientError struct{ err error }

func (e *transientError) Error() string { return e.err.Error() }
func (e *transientError) Unwrap() error { return e.err }

// MarkTransient wraps err so IsTransient reports true. Nil stays nil.
func MarkTransient(err error) error {
	if err == nil {
		return nil
	}
	return &transientError{err: err}
}

// IsTransient reports whether err was marked retryable.
func IsTransient(err error) bool {
	var t *transientError
	return errors.As(err, &t)
}
