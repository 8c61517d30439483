package attachment

import (
	"context"
	"encoding/base64"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"path"
	"strings"
	"time"
)

// DefaultMaxSize is the largest attachment the fetcher will download
const DefaultMaxSize = 25 << 20

// ErrTooLarge is returned when a download exceeds the configured size limit
var ErrTooLarge = errors.New("attachment exceeds size limit")

// FetchError reports a failed attachment download
type FetchError struct {
	URL        string
	StatusCode int
	Cause      error
}

func (e *FetchError) Error() string {
	if e.StatusCode != 0 {
		return fmt.Sprintf("fetch %s: unexpected status code: %d", redact(e.URL), e.StatusCode)
	}
	return fmt.Sprintf("fetch %s: %v", redact(e.URL), e.Cause)
}

func (e *FetchError) Unwrap() error {
	return e.Cause
}

// Fetcher downloads attachment bytes from platform CDNs and model-hosted file URLs
type Fetcher struct {
	httpClient *http.Client
	maxSize    int64
	maxRetries int
	baseDelay  time.Duration
	logger     *slog.Logger
}

// NewFetcher creates a fetcher with the given per-request timeout and size limit.
// A non-positive maxSize falls back to DefaultMaxSize.
func NewFetcher(timeout time.Duration, maxSize int64, logger *slog.Logger) *Fetcher {
	if maxSize <= 0 {
		maxSize = DefaultMaxSize
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Fetcher{
		httpClient: &http.Client{Timeout: timeout},
		maxSize:    maxSize,
		maxRetries: 3,
		baseDelay:  500 * time.Millisecond,
		logger:     logger,
	}
}

// Fetch downloads the resource at rawURL and returns its bytes with a filename
// taken from the last path segment.
func (f *Fetcher) Fetch(ctx context.Context, rawURL string) ([]byte, string, error) {
	filename := FilenameFromURL(rawURL)

	var lastErr error
	for attempt := 0; attempt < f.maxRetries; attempt++ {
		if attempt > 0 {
			delay := time.Duration(1<<(attempt-1)) * f.baseDelay
			f.logger.Info("Retrying attachment fetch after delay",
				slog.Int("attempt", attempt+1),
				slog.Duration("delay", delay))
			select {
			case <-time.After(delay):
			case <-ctx.Done():
				return nil, filename, &FetchError{URL: rawURL, Cause: ctx.Err()}
			}
		}

		data, retry, err := f.fetchOnce(ctx, rawURL)
		if err == nil {
			return data, filename, nil
		}
		lastErr = err
		if !retry {
			break
		}
		f.logger.Warn("Attachment fetch failed",
			slog.Int("attempt", attempt+1),
			slog.Any("error", err))
	}

	return nil, filename, lastErr
}

// FetchURL is Fetch extended with inline data: URLs
func (f *Fetcher) FetchURL(ctx context.Context, rawURL string) ([]byte, error) {
	if strings.HasPrefix(rawURL, "data:") {
		data, err := decodeDataURL(rawURL)
		if err != nil {
			return nil, &FetchError{URL: rawURL, Cause: err}
		}
		return data, nil
	}
	data, _, err := f.Fetch(ctx, rawURL)
	return data, err
}

// fetchOnce performs a single download; retry reports whether the failure is transient
func (f *Fetcher) fetchOnce(ctx context.Context, rawURL string) ([]byte, bool, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, rawURL, nil)
	if err != nil {
		return nil, false, &FetchError{URL: rawURL, Cause: err}
	}

	resp, err := f.httpClient.Do(req)
	if err != nil {
		return nil, ctx.Err() == nil, &FetchError{URL: rawURL, Cause: err}
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return nil, resp.StatusCode >= 500, &FetchError{URL: rawURL, StatusCode: resp.StatusCode}
	}

	if resp.ContentLength > f.maxSize {
		return nil, false, &FetchError{URL: rawURL, Cause: ErrTooLarge}
	}

	body, err := io.ReadAll(io.LimitReader(resp.Body, f.maxSize+1))
	if err != nil {
		return nil, true, &FetchError{URL: rawURL, Cause: fmt.Errorf("failed to read response body: %w", err)}
	}
	if int64(len(body)) > f.maxSize {
		return nil, false, &FetchError{URL: rawURL, Cause: ErrTooLarge}
	}

	return body, false, nil
}

// FilenameFromURL returns the unescaped last path segment of a URL, ignoring the query
func FilenameFromURL(rawURL string) string {
	u, err := url.Parse(rawURL)
	if err != nil {
		return ""
	}
	name := path.Base(u.Path)
	if name == "." || name == "/" {
		return ""
	}
	return name
}

// decodeDataURL handles data:[<mediatype>][;base64],<payload>
func decodeDataURL(rawURL string) ([]byte, error) {
	meta, payload, ok := strings.Cut(strings.TrimPrefix(rawURL, "data:"), ",")
	if !ok {
		return nil, errors.New("malformed data url")
	}
	if strings.HasSuffix(meta, ";base64") {
		return base64.StdEncoding.DecodeString(payload)
	}
	decoded, err := url.PathUnescape(payload)
	if err != nil {
		return nil, err
	}
	return []byte(decoded), nil
}

// redact drops query strings (signed CDN parameters) and inline payloads from log output
func redact(rawURL string) string {
	if strings.HasPrefix(rawURL, "data:") {
		meta, _, _ := strings.Cut(rawURL, ",")
		return meta + ",…"
	}
	u, err := url.Parse(rawURL)
	if err != nil {
		return rawURL
	}
	u.RawQuery = ""
	return u.String()
}
