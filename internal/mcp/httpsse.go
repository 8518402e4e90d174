package mcp

import (
	"bufio"
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"sync/atomic"
	"time"
)

const (
	httpRequestAttempts = 2
	httpRetryBackoff    = 150 * time.Millisecond
)

type httpSSEConnector struct {
	client *http.Client
}

func (c httpSSEConnector) Connect(ctx context.Context, serverName string, cfg ServerConfig) (Client, error) {
	rawURL := strings.TrimSpace(cfg.URL)
	if rawURL == "" {
		return nil, fmt.Errorf("http_sse transport requires url")
	}
	parsed, err := url.Parse(rawURL)
	if err != nil {
		return nil, fmt.Errorf("invalid url %q: %w", rawURL, err)
	}
	if parsed.Scheme != "http" && parsed.Scheme != "https" {
		return nil, fmt.Errorf("unsupported url scheme %q", parsed.Scheme)
	}

	client := &httpSSEClient{
		httpClient: c.client,
		endpoints:  candidateEndpoints(parsed),
		headers:    cfg.Headers,
	}
	if err := initializeSession(ctx, client); err != nil {
		return nil, err
	}
	return client, nil
}

// candidateEndpoints lists the message endpoints to try. Servers exposing a
// /sse stream typically accept posts on the sibling /messages path.
func candidateEndpoints(base *url.URL) []string {
	out := []string{base.String()}
	if strings.HasSuffix(base.Path, "/sse") {
		alt := *base
		alt.Path = strings.TrimSuffix(base.Path, "/sse") + "/messages"
		out = append(out, alt.String())
	}
	return out
}

type httpSSEClient struct {
	httpClient *http.Client
	endpoints  []string
	headers    map[string]string

	mu     sync.Mutex
	nextID int64
}

func (c *httpSSEClient) ListTools(ctx context.Context) ([]ToolDefinition, error) {
	result, err := c.invoke(ctx, "tools/list", map[string]any{})
	if err != nil {
		return nil, err
	}
	return decodeToolList(result)
}

func (c *httpSSEClient) CallTool(ctx context.Context, toolName, argsJSON string) (any, error) {
	args, err := parseToolArgs(argsJSON)
	if err != nil {
		return nil, err
	}
	result, err := c.invoke(ctx, "tools/call", map[string]any{
		"name":      strings.TrimSpace(toolName),
		"arguments": args,
	})
	if err != nil {
		return nil, err
	}
	return decodeCallResult(result)
}

func (c *httpSSEClient) invoke(ctx context.Context, method string, params any) (any, error) {
	id := atomic.AddInt64(&c.nextID, 1)
	body, err := encodeRequest(id, method, params)
	if err != nil {
		return nil, err
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	var lastErr error
	for _, endpoint := range c.endpoints {
		for attempt := 0; attempt < httpRequestAttempts; attempt++ {
			result, err := c.post(ctx, endpoint, body, id)
			if err == nil {
				return result, nil
			}
			lastErr = err
			if !isRetryable(err) || attempt == httpRequestAttempts-1 {
				break
			}
			if err := sleepCtx(ctx, time.Duration(attempt+1)*httpRetryBackoff); err != nil {
				return nil, err
			}
		}
	}
	return nil, fmt.Errorf("mcp %s failed: %w", method, lastErr)
}

func (c *httpSSEClient) notify(ctx context.Context, method string, params any) error {
	body, err := encodeNotification(method, params)
	if err != nil {
		return err
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	var lastErr error
	for _, endpoint := range c.endpoints {
		resp, err := c.doPost(ctx, endpoint, body)
		if err != nil {
			lastErr = err
			continue
		}
		io.Copy(io.Discard, resp.Body)
		resp.Body.Close()
		if resp.StatusCode >= 200 && resp.StatusCode < 300 {
			return nil
		}
		lastErr = fmt.Errorf("notify status %s", resp.Status)
	}
	return fmt.Errorf("mcp notify %s failed: %w", method, lastErr)
}

// post sends one request and decodes either a JSON body or the matching
// json-rpc event from an SSE response stream.
func (c *httpSSEClient) post(ctx context.Context, endpoint string, body []byte, id int64) (any, error) {
	resp, err := c.doPost(ctx, endpoint, body)
	if err != nil {
		return nil, retryable(err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		detail, _ := io.ReadAll(io.LimitReader(resp.Body, 2048))
		msg := strings.TrimSpace(string(detail))
		if msg == "" {
			msg = resp.Status
		}
		err := fmt.Errorf("mcp http status: %s", msg)
		if resp.StatusCode == http.StatusTooManyRequests || resp.StatusCode >= 500 {
			return nil, retryable(err)
		}
		return nil, err
	}

	contentType := strings.ToLower(resp.Header.Get("Content-Type"))
	if strings.HasPrefix(contentType, "text/event-stream") {
		return readSSEResult(ctx, resp.Body, id)
	}

	payload, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("read response: %w", err)
	}
	result, matched, err := decodeResponse(payload, id)
	if err != nil {
		return nil, err
	}
	if !matched {
		return nil, fmt.Errorf("json-rpc response id mismatch")
	}
	return result, nil
}

func (c *httpSSEClient) doPost(ctx context.Context, endpoint string, body []byte) (*http.Response, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, bytes.NewReader(body))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "application/json, text/event-stream")
	for key, value := range c.headers {
		if key = strings.TrimSpace(key); key != "" {
			req.Header.Set(key, value)
		}
	}
	return c.httpClient.Do(req)
}

func readSSEResult(ctx context.Context, body io.Reader, expectedID int64) (any, error) {
	reader := bufio.NewReader(body)
	var dataLines []string
	for {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		line, err := reader.ReadString('\n')
		if err != nil {
			return nil, fmt.Errorf("read sse response: %w", err)
		}
		line = strings.TrimRight(line, "\r\n")

		if line == "" {
			payload := strings.TrimSpace(strings.Join(dataLines, "\n"))
			dataLines = dataLines[:0]
			if payload == "" {
				continue
			}
			result, matched, err := decodeResponse([]byte(payload), expectedID)
			if err != nil {
				return nil, err
			}
			if matched {
				return result, nil
			}
			continue
		}
		if value, ok := strings.CutPrefix(line, "data:"); ok {
			dataLines = append(dataLines, strings.TrimSpace(value))
		}
	}
}

type retryableError struct{ err error }

func (e retryableError) Error() string { return e.err.Error() }
func (e retryableError) Unwrap() error { return e.err }

func retryable(err error) error {
	if err == nil {
		return nil
	}
	return retryableError{err: err}
}

func isRetryable(err error) bool {
	var target retryableError
	return errors.As(err, &target)
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
