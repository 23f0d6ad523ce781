package retrieval

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/iago/download-jobs/internal/domain"
)

type HTTPSourceConfig struct {
	BaseURL    string
	Token      string
	Timeout    time.Duration
	MaxRetries int
	HTTPClient *http.Client
}

// HTTPSource downloads files from an upstream file service at
// GET {BaseURL}/files/{file_id}.
type HTTPSource struct {
	baseURL    string
	token      string
	timeout    time.Duration
	maxRetries int
	httpClient *http.Client
}

func NewHTTPSource(config HTTPSourceConfig) (*HTTPSource, error) {
	if strings.TrimSpace(config.BaseURL) == "" {
		return nil, errors.New("file source base url is required")
	}
	if config.Timeout <= 0 {
		config.Timeout = 30 * time.Second
	}
	if config.MaxRetries < 0 {
		config.MaxRetries = 0
	}
	if config.HTTPClient == nil {
		config.HTTPClient = &http.Client{}
	}
	return &HTTPSource{
		baseURL:    strings.TrimSuffix(strings.TrimSpace(config.BaseURL), "/"),
		token:      strings.TrimSpace(config.Token),
		timeout:    config.Timeout,
		maxRetries: config.MaxRetries,
		httpClient: config.HTTPClient,
	}, nil
}

// Open retries transient upstream failures in place before giving the error
// back to the worker, which may retry the whole attempt later.
func (s *HTTPSource) Open(ctx context.Context, fileID int64) (io.ReadCloser, error) {
	var lastErr error
	for attempt := 0; attempt <= s.maxRetries; attempt++ {
		body, err := s.get(ctx, fileID)
		if err == nil {
			return body, nil
		}
		lastErr = err

		if !isRetryableSourceError(err) || attempt == s.maxRetries {
			break
		}

		backoff := time.Duration(250*(attempt+1)) * time.Millisecond
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(backoff):
		}
	}
	return nil, classifySourceError(fileID, lastErr)
}

func (s *HTTPSource) get(ctx context.Context, fileID int64) (io.ReadCloser, error) {
	timeoutCtx, cancel := context.WithTimeout(ctx, s.timeout)

	request, err := http.NewRequestWithContext(
		timeoutCtx,
		http.MethodGet,
		s.baseURL+"/files/"+strconv.FormatInt(fileID, 10),
		nil,
	)
	if err != nil {
		cancel()
		return nil, fmt.Errorf("create file source request: %w", err)
	}
	if s.token != "" {
		request.Header.Set("Authorization", "Bearer "+s.token)
	}
	request.Header.Set("Accept", "application/octet-stream")

	response, err := s.httpClient.Do(request)
	if err != nil {
		cancel()
		if errors.Is(err, context.DeadlineExceeded) || errors.Is(timeoutCtx.Err(), context.DeadlineExceeded) {
			return nil, fmt.Errorf("file source timeout: %w", err)
		}
		return nil, fmt.Errorf("file source transport error: %w", err)
	}

	if response.StatusCode < 200 || response.StatusCode > 299 {
		message, _ := io.ReadAll(io.LimitReader(response.Body, 700))
		response.Body.Close()
		cancel()
		return nil, &sourceHTTPError{
			StatusCode: response.StatusCode,
			Message:    strings.TrimSpace(string(message)),
		}
	}

	// The timeout covers the body too; it is released when the caller closes.
	return &cancelOnClose{ReadCloser: response.Body, cancel: cancel}, nil
}

type cancelOnClose struct {
	io.ReadCloser
	cancel context.CancelFunc
}

func (c *cancelOnClose) Close() error {
	err := c.ReadCloser.Close()
	c.cancel()
	return err
}

type sourceHTTPError struct {
	StatusCode int
	Message    string
}

func (e *sourceHTTPError) Error() string {
	return fmt.Sprintf("file source status %d: %s", e.StatusCode, e.Message)
}

func isRetryableSourceError(err error) bool {
	if err == nil {
		return false
	}
	var httpErr *sourceHTTPError
	if errors.As(err, &httpErr) {
		return httpErr.StatusCode == http.StatusTooManyRequests || httpErr.StatusCode >= 500
	}
	if errors.Is(err, context.Canceled) {
		return false
	}
	return true
}

func classifySourceError(fileID int64, err error) error {
	if errors.Is(err, context.Canceled) {
		return err
	}
	var httpErr *sourceHTTPError
	if errors.As(err, &httpErr) && (httpErr.StatusCode == http.StatusNotFound || httpErr.StatusCode == http.StatusGone) {
		return domain.Fatal(fmt.Errorf("file %d does not exist", fileID))
	}
	if isRetryableSourceError(err) {
		return domain.Retryable(fmt.Errorf("fetch file %d: %w", fileID, err))
	}
	return domain.Fatal(fmt.Errorf("fetch file %d: %w", fileID, err))
}
