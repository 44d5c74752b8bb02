package source

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"time"

	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"deepzoom/internal/tileid"
)

// HTTPSource requests tiles from a tile server:
// GET {baseURL}{identifier}&format={png|jpg|raw}
type HTTPSource struct {
	baseURL string
	client  *http.Client
	limiter *rate.Limiter
	timeout time.Duration
	logger  *zap.Logger
}

type HTTPOption func(*HTTPSource)

// WithRateLimit caps the request rate. Zero or less means unlimited.
func WithRateLimit(perSecond float64) HTTPOption {
	return func(s *HTTPSource) {
		if perSecond > 0 {
			s.limiter = rate.NewLimiter(rate.Limit(perSecond), 1)
		}
	}
}

// WithTimeout bounds every request.
func WithTimeout(d time.Duration) HTTPOption {
	return func(s *HTTPSource) {
		s.timeout = d
	}
}

func WithHTTPClient(c *http.Client) HTTPOption {
	return func(s *HTTPSource) {
		s.client = c
	}
}

func NewHTTPSource(baseURL string, logger *zap.Logger, opts ...HTTPOption) *HTTPSource {
	s := &HTTPSource{
		baseURL: baseURL,
		client:  http.DefaultClient,
		logger:  logger,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// URL returns the request URL for a tile.
func (s *HTTPSource) URL(id tileid.Identifier, format tileid.TileFormat) string {
	return s.baseURL + string(id) + "&format=" + format.QueryValue()
}

func (s *HTTPSource) Fetch(ctx context.Context, id tileid.Identifier, format tileid.TileFormat) ([]byte, error) {
	if s.limiter != nil {
		if err := s.limiter.Wait(ctx); err != nil {
			return nil, err
		}
	}

	if s.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, s.timeout)
		defer cancel()
	}

	url := s.URL(id, format)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to build request: %w", err)
	}

	start := time.Now()
	resp, err := s.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("failed to fetch tile: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		io.Copy(io.Discard, resp.Body)
		if resp.StatusCode == http.StatusNotFound {
			return nil, fmt.Errorf("%w: %w (%d)", ErrNotFound, ErrStatus, resp.StatusCode)
		}
		return nil, fmt.Errorf("%w: %d", ErrStatus, resp.StatusCode)
	}

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("failed to read tile body: %w", err)
	}

	s.logger.Debug("Fetched tile",
		zap.String("url", url),
		zap.Int("bytes", len(data)),
		zap.Int64("duration_ms", time.Since(start).Milliseconds()),
	)
	return data, nil
}
