package scanner

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"
)

// maxBodyBytes caps how much of any response body is read.
const maxBodyBytes = 5 << 20

type response struct {
	StatusCode int
	Status     string
	FinalURL   string
	Header     http.Header
	Body       string
}

func (r *response) success() bool { return r.StatusCode >= 200 && r.StatusCode < 300 }

// fetch issues one GET with the configured User-Agent, waiting on the
// per-process limiter first. Redirects are followed.
func (s *Scanner) fetch(ctx context.Context, rawURL string, timeout time.Duration) (*response, error) {
	if err := s.limiter.Wait(ctx); err != nil {
		return nil, err
	}
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, rawURL, nil)
	if err != nil {
		return nil, err
	}
	req.Header.Set("User-Agent", s.userAgent)

	resp, err := s.client.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxBodyBytes))
	if err != nil {
		return nil, fmt.Errorf("read body: %w", err)
	}
	return &response{
		StatusCode: resp.StatusCode,
		Status:     resp.Status,
		FinalURL:   resp.Request.URL.String(),
		Header:     resp.Header,
		Body:       string(body),
	}, nil
}

func joinPath(target, path string) string {
	return strings.TrimRight(target, "/") + path
}
