package embedding

import (
	"context"
	"errors"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"
	"golang.org/x/time/rate"

	"ragdocs/internal/domain"
	"ragdocs/internal/metrics"
)

// Options configures a Client.
type Options struct {
	// BatchSize is the maximum number of texts sent in one provider call.
	BatchSize int
	// MaxRetries is the number of retries after the first attempt.
	MaxRetries int
	BaseDelay  time.Duration
	MaxDelay   time.Duration
	// AttemptTimeout bounds a single provider call. Zero means no bound.
	AttemptTimeout time.Duration
	// MaxInFlight caps concurrent provider calls across all callers.
	MaxInFlight int
	// ReservedQuerySlots of MaxInFlight are usable by interactive calls only.
	ReservedQuerySlots int
	// RequestsPerSecond limits provider calls. Zero disables the limit.
	RequestsPerSecond float64
	Burst             int
	// Dimension is the expected vector length. Zero adopts the length of
	// the first successful response.
	Dimension int
}

// DefaultOptions returns the options used when configuration leaves them unset.
func DefaultOptions() Options {
	return Options{
		BatchSize:          32,
		MaxRetries:         5,
		BaseDelay:          200 * time.Millisecond,
		MaxDelay:           5 * time.Second,
		AttemptTimeout:     30 * time.Second,
		MaxInFlight:        4,
		ReservedQuerySlots: 1,
		Burst:              1,
	}
}

func (o Options) validate() error {
	switch {
	case o.BatchSize <= 0:
		return &domain.ConfigurationError{Field: "embedder.batch_size", Reason: "must be positive"}
	case o.MaxRetries < 0:
		return &domain.ConfigurationError{Field: "embedder.max_retries", Reason: "must not be negative"}
	case o.MaxInFlight <= 0:
		return &domain.ConfigurationError{Field: "embedder.max_in_flight", Reason: "must be positive"}
	case o.ReservedQuerySlots < 0 || o.ReservedQuerySlots >= o.MaxInFlight:
		return &domain.ConfigurationError{Field: "embedder.reserved_query_slots", Reason: "must be in [0, max_in_flight)"}
	case o.Dimension < 0:
		return &domain.ConfigurationError{Field: "embedder.dimension", Reason: "must not be negative"}
	case o.RequestsPerSecond < 0:
		return &domain.ConfigurationError{Field: "embedder.requests_per_second", Reason: "must not be negative"}
	}
	return nil
}

// Option customizes a Client.
type Option func(*Client)

// WithLogger sets the logger used for retries and failures.
func WithLogger(l zerolog.Logger) Option {
	return func(c *Client) { c.log = l }
}

// WithMetrics records provider calls and retries.
func WithMetrics(m *metrics.Metrics) Option {
	return func(c *Client) { c.metrics = m }
}

// Client wraps a Provider with batching, retries, rate limiting and a
// priority-aware cap on concurrent calls. It is safe for concurrent use.
type Client struct {
	provider Provider
	opts     Options
	gate     *gate
	limiter  *rate.Limiter
	dim      atomic.Int64
	log      zerolog.Logger
	metrics  *metrics.Metrics
}

// NewClient validates opts and wraps p.
func NewClient(p Provider, opts Options, options ...Option) (*Client, error) {
	if p == nil {
		return nil, &domain.ConfigurationError{Field: "embedder.type", Reason: "no provider"}
	}
	if err := opts.validate(); err != nil {
		return nil, err
	}
	if opts.MaxDelay < opts.BaseDelay {
		opts.MaxDelay = opts.BaseDelay
	}
	limit := rate.Inf
	if opts.RequestsPerSecond > 0 {
		limit = rate.Limit(opts.RequestsPerSecond)
	}
	burst := opts.Burst
	if burst < 1 {
		burst = 1
	}
	c := &Client{
		provider: p,
		opts:     opts,
		gate:     newGate(opts.MaxInFlight, opts.ReservedQuerySlots),
		limiter:  rate.NewLimiter(limit, burst),
		log:      zerolog.Nop(),
	}
	c.dim.Store(int64(opts.Dimension))
	for _, o := range options {
		o(c)
	}
	return c, nil
}

// Name returns the identifier of the wrapped provider.
func (c *Client) Name() string { return c.provider.Name() }

// Dimension returns the vector length, or 0 before the first response when
// it was not configured.
func (c *Client) Dimension() int { return int(c.dim.Load()) }

// InFlight returns the number of running and waiting provider calls.
func (c *Client) InFlight() (running, waiting int) { return c.gate.stats() }

// EmbedDocuments embeds texts at bulk priority. The result has the same
// length and order as texts. On error no vectors are returned.
func (c *Client) EmbedDocuments(ctx context.Context, texts []string) ([][]float32, error) {
	return c.embed(ctx, texts, PriorityBulk)
}

// EmbedQuery embeds a single query at interactive priority.
func (c *Client) EmbedQuery(ctx context.Context, text string) ([]float32, error) {
	out, err := c.embed(ctx, []string{text}, PriorityInteractive)
	if err != nil {
		return nil, err
	}
	return out[0], nil
}

func (c *Client) embed(ctx context.Context, texts []string, p Priority) ([][]float32, error) {
	if len(texts) == 0 {
		return [][]float32{}, nil
	}
	out := make([][]float32, len(texts))
	g, gctx := errgroup.WithContext(ctx)
	for start := 0; start < len(texts); start += c.opts.BatchSize {
		end := min(start+c.opts.BatchSize, len(texts))
		g.Go(func() error {
			vecs, err := c.call(gctx, texts[start:end], p)
			if err != nil {
				return err
			}
			copy(out[start:end], vecs)
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		if ctx.Err() != nil {
			return nil, fmt.Errorf("embed %d texts: %w", len(texts), ctx.Err())
		}
		return nil, err
	}
	return out, nil
}

// call sends one batch, retrying transient failures with exponential backoff.
func (c *Client) call(ctx context.Context, texts []string, p Priority) ([][]float32, error) {
	for attempt := 0; ; attempt++ {
		vecs, err := c.attempt(ctx, texts, p)
		if err == nil {
			if err := c.check(texts, vecs); err != nil {
				return nil, &domain.EmbeddingProviderError{Provider: c.Name(), Attempts: attempt + 1, Err: err}
			}
			return vecs, nil
		}
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		if !domain.IsTransient(err) || attempt >= c.opts.MaxRetries {
			c.log.Error().Err(err).Str("priority", p.String()).Int("attempts", attempt+1).Msg("embedding failed")
			return nil, &domain.EmbeddingProviderError{Provider: c.Name(), Attempts: attempt + 1, Err: err}
		}

		delay := c.backoff(attempt)
		c.metrics.RecordEmbeddingRetry()
		c.log.Warn().Err(err).Str("priority", p.String()).Int("attempt", attempt+1).Dur("delay", delay).Msg("retrying embedding call")
		if err := sleep(ctx, delay); err != nil {
			return nil, err
		}
	}
}

func (c *Client) attempt(ctx context.Context, texts []string, p Priority) ([][]float32, error) {
	if err := c.gate.acquire(ctx, p); err != nil {
		return nil, err
	}
	defer c.gate.release()
	if err := c.limiter.Wait(ctx); err != nil {
		return nil, err
	}

	actx := ctx
	if c.opts.AttemptTimeout > 0 {
		var cancel context.CancelFunc
		actx, cancel = context.WithTimeout(ctx, c.opts.AttemptTimeout)
		defer cancel()
	}

	start := time.Now()
	vecs, err := c.provider.Embed(actx, texts)
	outcome := "ok"
	if err != nil {
		outcome = "error"
		if ctx.Err() == nil && errors.Is(actx.Err(), context.DeadlineExceeded) {
			outcome = "timeout"
			err = domain.MarkTransient(fmt.Errorf("attempt timed out after %s: %w", c.opts.AttemptTimeout, err))
		}
	}
	c.metrics.RecordEmbeddingCall(p.String(), outcome, time.Since(start))
	return vecs, err
}

// check rejects a response whose shape does not match the request.
func (c *Client) check(texts []string, vecs [][]float32) error {
	if len(vecs) != len(texts) {
		return fmt.Errorf("provider returned %d vectors for %d inputs", len(vecs), len(texts))
	}
	for i, v := range vecs {
		if len(v) == 0 {
			return fmt.Errorf("provider returned an empty vector at position %d", i)
		}
		want := c.dim.Load()
		if want == 0 && c.dim.CompareAndSwap(0, int64(len(v))) {
			c.log.Info().Int("dimension", len(v)).Msg("embedding dimension detected")
			want = int64(len(v))
		} else if want == 0 {
			want = c.dim.Load()
		}
		if int64(len(v)) != want {
			return fmt.Errorf("dimension mismatch at position %d: got %d, want %d", i, len(v), want)
		}
	}
	return nil
}

// backoff returns BaseDelay << attempt, capped at MaxDelay.
func (c *Client) backoff(attempt int) time.Duration {
	if attempt < 0 {
		attempt = 0
	}
	if attempt > 30 {
		return c.opts.MaxDelay
	}
	d := c.opts.BaseDelay << attempt
	if d > c.opts.MaxDelay {
		d = c.opts.MaxDelay
	}
	return d
}

func sleep(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
