package http

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"slices"
	"strings"
	"time"
)

// HTTP runs an API check: one request, judged by its status code.
type HTTP struct {
	Client *http.Client
}

type Request struct {
	URL          string            `json:"url"`
	Method       string            `json:"method"`
	Headers      map[string]string `json:"headers"`
	Query        map[string]string `json:"query"`
	Body         json.RawMessage   `json:"body"`
	Timeout      int               `json:"timeout"` // seconds
	ExpectStatus []int             `json:"expect_status"`
}

const maxErrorBody = 512

func (h HTTP) Handle(ctx context.Context, payload json.RawMessage) error {
	var req Request
	if err := json.Unmarshal(payload, &req); err != nil {
		return fmt.Errorf("invalid HTTP request payload: %w", err)
	}
	if req.URL == "" {
		return fmt.Errorf("URL is required")
	}
	if req.Method == "" {
		req.Method = http.MethodGet
	}
	if req.Timeout <= 0 {
		req.Timeout = 30
	}

	target, err := url.Parse(req.URL)
	if err != nil {
		return fmt.Errorf("invalid URL: %w", err)
	}
	if len(req.Query) > 0 {
		q := target.Query()
		for k, v := range req.Query {
			q.Set(k, v)
		}
		target.RawQuery = q.Encode()
	}

	var body io.Reader
	if len(req.Body) > 0 && string(req.Body) != "null" {
		body = bytes.NewReader(rawBody(req.Body))
	}

	ctx, cancel := context.WithTimeout(ctx, time.Duration(req.Timeout)*time.Second)
	defer cancel()
	httpReq, err := http.NewRequestWithContext(ctx, strings.ToUpper(req.Method), target.String(), body)
	if err != nil {
		return fmt.Errorf("failed to create HTTP request: %w", err)
	}
	if body != nil && json.Valid(req.Body) && req.Body[0] != '"' {
		httpReq.Header.Set("Content-Type", "application/json")
	}
	for key, value := range req.Headers {
		httpReq.Header.Set(key, value)
	}

	client := h.Client
	if client == nil {
		client = http.DefaultClient
	}
	resp, err := client.Do(httpReq)
	if err != nil {
		return fmt.Errorf("HTTP request failed: %w", err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(io.LimitReader(resp.Body, maxErrorBody))
	if err != nil {
		return fmt.Errorf("failed to read response body: %w", err)
	}

	if len(req.ExpectStatus) > 0 {
		if !slices.Contains(req.ExpectStatus, resp.StatusCode) {
			return fmt.Errorf("HTTP %d, expected one of %v: %s", resp.StatusCode, req.ExpectStatus, string(respBody))
		}
		return nil
	}
	if resp.StatusCode >= 400 {
		return fmt.Errorf("HTTP %d error: %s", resp.StatusCode, string(respBody))
	}
	return nil
}

// rawBody sends JSON strings as their plain text and everything else verbatim.
func rawBody(b json.RawMessage) []byte {
	if b[0] == '"' {
		var s string
		if err := json.Unmarshal(b, &s); err == nil {
			return []byte(s)
		}
	}
	return b
}
