package httpapi

import (
	"errors"
	"net/http"
	"time"

	"github.com/labstack/echo/v4"

	"ragdocs/internal/domain"
	"ragdocs/internal/service"
)

type uploadRequest struct {
	Filename    string            `json:"filename"`
	Content     string            `json:"content"`
	Metadata    map[string]string `json:"metadata"`
	ContentType string            `json:"contentType"`
}

type uploadResponse struct {
	DocumentID string        `json:"documentId"`
	Filename   string        `json:"filename"`
	Status     domain.Status `json:"status"`
}

type searchRequest struct {
	Query      string `json:"query"`
	MaxResults int    `json:"maxResults"`
}

type chunkView struct {
	ID         string  `json:"id"`
	Text       string  `json:"text"`
	Start      int     `json:"start"`
	End        int     `json:"end"`
	Similarity float64 `json:"similarity"`
}

type resultView struct {
	Document   domain.Document `json:"document"`
	Similarity float64         `json:"similarity"`
	Chunks     []chunkView     `json:"chunks"`
}

type searchResponse struct {
	Query        string       `json:"query"`
	TotalResults int          `json:"totalResults"`
	Results      []resultView `json:"results"`
}

type askRequest struct {
	Query string `json:"query"`
	Model string `json:"model"`
}

type askFailure struct {
	errorResponse
	Sources       []domain.Source `json:"sources"`
	SearchResults int             `json:"searchResults"`
}

type memoryView struct {
	HeapUsed  uint64 `json:"heapUsed"`
	HeapTotal uint64 `json:"heapTotal"`
	RSS       uint64 `json:"rss"`
}

type adminMetrics struct {
	Uptime        float64               `json:"uptime"`
	Memory        memoryView            `json:"memory"`
	ActiveWorkers int64                 `json:"activeWorkers"`
	QueuedTasks   int                   `json:"queuedTasks"`
	TotalRequests int64                 `json:"totalRequests"`
	Documents     map[domain.Status]int `json:"documents"`
	IndexEntries  int                   `json:"indexEntries"`
	Timestamp     time.Time             `json:"timestamp"`
}

// summary drops the content from a document listing.
func summary(d domain.Document) domain.Document {
	d.Content = ""
	return d
}

func (s *Server) health(c echo.Context) error {
	return c.JSON(http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) upload(c echo.Context) error {
	var req uploadRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid json: "+err.Error())
	}
	doc, err := s.svc.Upload(c.Request().Context(), service.UploadRequest{
		Filename:    req.Filename,
		Content:     req.Content,
		Metadata:    req.Metadata,
		ContentType: req.ContentType,
	})
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, uploadResponse{DocumentID: doc.ID, Filename: doc.Filename, Status: doc.Status})
}

func (s *Server) listDocuments(c echo.Context) error {
	docs, err := s.svc.ListDocuments(c.Request().Context())
	if err != nil {
		return err
	}
	out := make([]domain.Document, len(docs))
	for i, d := range docs {
		out[i] = summary(d)
	}
	return c.JSON(http.StatusOK, out)
}

func (s *Server) getDocument(c echo.Context) error {
	doc, err := s.svc.GetDocument(c.Request().Context(), c.Param("id"))
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, doc)
}

func (s *Server) deleteDocument(c echo.Context) error {
	if err := s.svc.DeleteDocument(c.Request().Context(), c.Param("id")); err != nil {
		return err
	}
	return c.NoContent(http.StatusNoContent)
}

func (s *Server) search(c echo.Context) error {
	var req searchRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid json: "+err.Error())
	}
	results, err := s.svc.Search(c.Request().Context(), req.Query, req.MaxResults)
	if err != nil {
		return err
	}
	resp := searchResponse{Query: req.Query, TotalResults: len(results), Results: make([]resultView, 0, len(results))}
	for _, r := range results {
		view := resultView{Document: summary(r.Document), Similarity: r.Similarity, Chunks: make([]chunkView, 0, len(r.Chunks))}
		for _, sc := range r.Chunks {
			view.Chunks = append(view.Chunks, chunkView{
				ID:         sc.Chunk.ID,
				Text:       sc.Chunk.Text,
				Start:      sc.Chunk.Span.Start,
				End:        sc.Chunk.Span.End,
				Similarity: sc.Similarity,
			})
		}
		resp.Results = append(resp.Results, view)
	}
	return c.JSON(http.StatusOK, resp)
}

func (s *Server) ask(c echo.Context) error {
	var req askRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid json: "+err.Error())
	}
	res, err := s.svc.Answer(c.Request().Context(), req.Query, req.Model)
	if errors.Is(err, domain.ErrSynthesis) {
		// Retrieval succeeded; the sources are still useful to the caller.
		s.log.Warn().Err(err).Str("model", res.Model).Msg("answer synthesis failed")
		return c.JSON(http.StatusBadGateway, askFailure{
			errorResponse: errorResponse{Error: err.Error(), Code: CodeSynthesis},
			Sources:       res.Sources,
			SearchResults: res.SearchResults,
		})
	}
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, res)
}

func (s *Server) history(c echo.Context) error {
	records, err := s.svc.History(c.Request().Context())
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, records)
}

func (s *Server) adminMetrics(c echo.Context) error {
	st, err := s.svc.Stats(c.Request().Context())
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, adminMetrics{
		Uptime:        st.Uptime.Seconds(),
		Memory:        memoryView(st.Memory),
		ActiveWorkers: st.ActiveWorkers,
		QueuedTasks:   st.QueuedTasks,
		TotalRequests: st.TotalRequests,
		Documents:     st.Documents,
		IndexEntries:  st.IndexEntries,
		Timestamp:     time.Now().UTC(),
	})
}
