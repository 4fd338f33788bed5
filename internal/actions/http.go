package actions

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/rendis/bizflow/internal/logging"
	"github.com/rendis/bizflow/pkg/schema"
)

// apiCall performs an outbound HTTP request. A status >= 400 is an error.
// A JSON response may be reduced with a jq responsePath and stored in resultVariable.
func (e *Executor) apiCall(ctx context.Context, config map[string]any, ec ExecutionContext) (any, error) {
	if e.caps.HTTP == nil {
		return nil, unavailable(schema.ActionAPICall, "http client")
	}
	method := strings.ToUpper(stringParam(config, "method", http.MethodGet))
	rawURL := stringParam(config, "url", "")
	if rawURL == "" {
		return nil, missingParam(schema.ActionAPICall, "url")
	}
	u, err := url.ParseRequestURI(rawURL)
	if err != nil || (u.Scheme != "http" && u.Scheme != "https") {
		return nil, schema.NewErrorf(schema.ErrCodeValidation, "%s: invalid url %q", schema.ActionAPICall, rawURL)
	}

	var body io.Reader
	if raw, ok := config["body"]; ok && raw != nil {
		b, err := json.Marshal(raw)
		if err != nil {
			return nil, schema.NewError(schema.ErrCodeValidation, "API_CALL: body is not JSON-serializable").WithCause(err)
		}
		body = bytes.NewReader(b)
	}

	req, err := http.NewRequestWithContext(ctx, method, rawURL, body)
	if err != nil {
		return nil, schema.NewError(schema.ErrCodeExecution, "API_CALL: failed to create request").WithCause(err)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	req.Header.Set("Accept", "application/json")
	for k, v := range stringMapParam(config, "headers") {
		req.Header.Set(k, v)
	}
	applyAuth(req, mapParam(config, "auth"))

	logging.LogWith(ctx, e.logger).InfoContext(ctx, "calling api", "method", method, "url", rawURL)
	start := time.Now()
	resp, err := e.caps.HTTP.Do(req)
	if err != nil {
		return nil, schema.NewErrorf(schema.ErrCodeExecution, "API_CALL: %s %s: %v", method, rawURL, err).WithCause(err)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(io.LimitReader(resp.Body, e.maxBody))
	if err != nil {
		return nil, schema.NewError(schema.ErrCodeExecution, "API_CALL: failed to read response body").WithCause(err)
	}
	parsed := parseBody(data)

	if resp.StatusCode >= 400 {
		return nil, schema.NewErrorf(schema.ErrCodeExecution, "API call failed with status %d", resp.StatusCode).
			WithDetails(map[string]any{
				"status_code": resp.StatusCode,
				"url":         rawURL,
				"body":        parsed,
				"duration_ms": time.Since(start).Milliseconds(),
			})
	}

	result := parsed
	if path := stringParam(config, "responsePath", ""); path != "" {
		result, err = e.jq.Query(ctx, path, parsed)
		if err != nil {
			return nil, err
		}
	}
	if v := stringParam(config, "resultVariable", ""); v != "" {
		ec.SetVariable(v, result)
	}
	return result, nil
}

// parseBody decodes JSON when possible and falls back to the raw string.
func parseBody(data []byte) any {
	if len(bytes.TrimSpace(data)) == 0 {
		return nil
	}
	var v any
	if err := json.Unmarshal(data, &v); err == nil {
		return v
	}
	return string(data)
}

func applyAuth(req *http.Request, auth map[string]any) {
	if auth == nil {
		return
	}
	switch stringParam(auth, "type", "") {
	case "bearer":
		req.Header.Set("Authorization", "Bearer "+stringParam(auth, "token", ""))
	case "basic":
		req.SetBasicAuth(stringParam(auth, "username", ""), stringParam(auth, "password", ""))
	case "api_key":
		if name := stringParam(auth, "header_name", ""); name != "" {
			req.Header.Set(name, stringParam(auth, "header_value", ""))
		}
	}
}

// NewHTTPClient returns the default HTTPDoer with a request timeout.
func NewHTTPClient(timeout time.Duration) *http.Client {
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	transport := http.DefaultTransport.(*http.Transport).Clone()
	return &http.Client{
		Transport: transport,
		Timeout:   timeout,
		CheckRedirect: func(req *http.Request, via []*http.Request) error {
			if len(via) >= 10 {
				return fmt.Errorf("stopped after %d redirects", len(via))
			}
			return nil
		},
	}
}
