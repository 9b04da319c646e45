package httpapi

import (
	"context"
	"errors"
	"fmt"
	"net/http"

	"github.com/labstack/echo/v4"

	"ragdocs/internal/domain"
)

// Error codes returned in the code field of error bodies.
const (
	CodeInvalidInput      = "invalid_input"
	CodeNotFound          = "not_found"
	CodeConfiguration     = "configuration_error"
	CodeEmbeddingProvider = "embedding_provider_error"
	CodeIndexWrite        = "index_write_error"
	CodeSynthesis         = "synthesis_error"
	CodeCancelled         = "cancelled"
	CodeInternal          = "internal"
)

type errorResponse struct {
	Error string `json:"error"`
	Code  string `json:"code"`
}

// classify maps an error onto an HTTP status and an error code.
func classify(err error) (int, string) {
	switch {
	case errors.Is(err, domain.ErrInvalidInput), errors.Is(err, domain.ErrInvalidTransition):
		return http.StatusBadRequest, CodeInvalidInput
	case errors.Is(err, domain.ErrNotFound):
		return http.StatusNotFound, CodeNotFound
	case errors.Is(err, domain.ErrConfiguration):
		return http.StatusInternalServerError, CodeConfiguration
	case errors.Is(err, domain.ErrEmbeddingProvider):
		return http.StatusBadGateway, CodeEmbeddingProvider
	case errors.Is(err, domain.ErrIndexWrite):
		return http.StatusInternalServerError, CodeIndexWrite
	case errors.Is(err, domain.ErrSynthesis):
		return http.StatusBadGateway, CodeSynthesis
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		return http.StatusRequestTimeout, CodeCancelled
	}
	return http.StatusInternalServerError, CodeInternal
}

func codeForStatus(status int) string {
	switch status {
	case http.StatusNotFound, http.StatusMethodNotAllowed:
		return CodeNotFound
	case http.StatusRequestTimeout:
		return CodeCancelled
	}
	if status < http.StatusInternalServerError {
		return CodeInvalidInput
	}
	return CodeInternal
}

func (s *Server) handleError(err error, c echo.Context) {
	if c.Response().Committed {
		return
	}
	var (
		status int
		body   errorResponse
		he     *echo.HTTPError
	)
	if errors.As(err, &he) {
		status = he.Code
		body = errorResponse{Error: fmt.Sprint(he.Message), Code: codeForStatus(he.Code)}
	} else {
		status, body.Code = classify(err)
		body.Error = err.Error()
	}
	if status >= http.StatusInternalServerError {
		s.log.Error().Err(err).Str("path", c.Path()).Msg("request failed")
	}

	if c.Request().Method == http.MethodHead {
		err = c.NoContent(status)
	} else {
		err = c.JSON(status, body)
	}
	if err != nil {
		s.log.Error().Err(err).Msg("write error response")
	}
}
