package node

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"

	"github.com/flowmaestro/flowmaestro/fault"
)

// HTTPExecutor performs one HTTP request per node. The output exposes status,
// headers and the decoded body under "data" so later nodes can reference
// ${<node>.data...}.
type HTTPExecutor struct {
	client *http.Client
}

// NewHTTP constructs the http executor. A nil client uses a default with the
// standard node timeout.
func NewHTTP(client *http.Client) *HTTPExecutor {
	if client == nil {
		client = &http.Client{Timeout: DefaultTimeout}
	}
	return &HTTPExecutor{client: client}
}

// Metadata implements Executor.
func (e *HTTPExecutor) Metadata() Metadata {
	return Metadata{
		Type:        "http",
		Description: "Perform an HTTP request",
		Category:    "network",
		Retryable:   true,
		InputSchema: json.RawMessage(`{
			"type": "object",
			"required": ["url"],
			"properties": {
				"url": {"type": "string", "minLength": 1},
				"method": {"enum": ["GET", "POST", "PUT", "PATCH", "DELETE", "HEAD"]},
				"headers": {"type": "object"},
				"query": {"type": "object"},
				"body": {}
			}
		}`),
	}
}

// Execute implements Executor.
func (e *HTTPExecutor) Execute(ctx context.Context, req Request) (any, error) {
	rawURL, _ := req.Config["url"].(string)
	if rawURL == "" {
		return nil, fault.New(fault.KindValidation, "http node requires a url")
	}
	method, _ := req.Config["method"].(string)
	if method == "" {
		method = http.MethodGet
	}
	method = strings.ToUpper(method)

	if q, ok := req.Config["query"].(map[string]any); ok && len(q) > 0 {
		vals := url.Values{}
		for k, v := range q {
			vals.Set(k, fmt.Sprintf("%v", v))
		}
		sep := "?"
		if strings.Contains(rawURL, "?") {
			sep = "&"
		}
		rawURL += sep + vals.Encode()
	}

	var body io.Reader
	contentType := ""
	if raw, ok := req.Config["body"]; ok && raw != nil {
		switch b := raw.(type) {
		case string:
			body = strings.NewReader(b)
		default:
			data, err := json.Marshal(b)
			if err != nil {
				return nil, fault.Wrap(fault.KindValidation, err, "encode request body")
			}
			body = bytes.NewReader(data)
			contentType = "application/json"
		}
	}

	httpReq, err := http.NewRequestWithContext(ctx, method, rawURL, body)
	if err != nil {
		return nil, fault.Wrap(fault.KindValidation, err, "build http request")
	}
	if contentType != "" {
		httpReq.Header.Set("Content-Type", contentType)
	}
	if hdrs, ok := req.Config["headers"].(map[string]any); ok {
		for k, v := range hdrs {
			httpReq.Header.Set(k, fmt.Sprintf("%v", v))
		}
	}

	resp, err := e.client.Do(httpReq)
	if err != nil {
		var urlErr *url.Error
		if errors.As(err, &urlErr) && urlErr.Timeout() {
			return nil, fault.Wrap(fault.KindTimeout, err, "http request timed out")
		}
		return nil, fault.Wrap(fault.KindNetwork, err, "http request failed")
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fault.Wrap(fault.KindNetwork, err, "read response body")
	}
	if kind := classifyHTTPStatus(resp.StatusCode); kind != "" {
		return nil, fault.Newf(kind, "http %s %s returned %d", method, rawURL, resp.StatusCode)
	}

	headers := make(map[string]string, len(resp.Header))
	for k := range resp.Header {
		headers[k] = resp.Header.Get(k)
	}
	var decoded any = string(data)
	if len(data) > 0 && json.Valid(data) {
		var v any
		if err := json.Unmarshal(data, &v); err == nil {
			decoded = v
		}
	}
	return map[string]any{
		"status":  resp.StatusCode,
		"headers": headers,
		"data":    decoded,
	}, nil
}

func classifyHTTPStatus(status int) fault.Kind {
	switch {
	case status == http.StatusUnauthorized || status == http.StatusForbidden:
		return fault.KindAuth
	case status == http.StatusNotFound:
		return fault.KindNotFound
	case status == http.StatusTooManyRequests:
		return fault.KindRateLimited
	case status == http.StatusRequestTimeout || status == http.StatusGatewayTimeout:
		return fault.KindTimeout
	case status >= 500:
		return fault.KindServer
	case status >= 400:
		return fault.KindValidation
	default:
		return ""
	}
}
