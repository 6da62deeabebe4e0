package httpmiddleware

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"time"

	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"
)

const defaultTimeout = 60 * time.Second

var client = &http.Client{
	Transport: otelhttp.NewTransport(http.DefaultTransport),
	Timeout:   defaultTimeout,
}

type HttpRequestStruct struct {
	Context context.Context
	Method  string
	Url     string
	Body    io.Reader
	Headers map[string]string
}

// StatusError is returned for any non-2xx response.
type StatusError struct {
	StatusCode int
	Body       []byte
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("http status %d: %s", e.StatusCode, truncate(e.Body, 256))
}

// Retryable reports whether the request is worth repeating.
func (e *StatusError) Retryable() bool {
	return e.StatusCode == http.StatusTooManyRequests || e.StatusCode >= 500
}

// HttpRequest sends a traced request and returns the response body.
func HttpRequest(args HttpRequestStruct) ([]byte, error) {
	ctx := args.Context
	if ctx == nil {
		ctx = context.Background()
	}

	req, err := http.NewRequestWithContext(ctx, args.Method, args.Url, args.Body)
	if err != nil {
		return nil, fmt.Errorf("could not build request: %w", err)
	}
	for k, v := range args.Headers {
		req.Header.Set(k, v)
	}

	resp, err := client.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("could not read response body: %w", err)
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return nil, &StatusError{StatusCode: resp.StatusCode, Body: body}
	}
	return body, nil
}

func truncate(b []byte, n int) string {
	if len(b) <= n {
		return string(b)
	}
	return string(b[:n]) + "..."
}
