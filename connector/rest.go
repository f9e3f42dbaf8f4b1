package connector

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
	"time"

	"github.com/flowmaestro/flowmaestro/fault"
)

// restTimeout bounds each outbound call.
const restTimeout = 30 * time.Second

// RESTConnector is a generic HTTP connector for providers without a dedicated
// integration. Credentials supply base_url and optional headers (typically an
// Authorization value); operations map to HTTP methods.
type RESTConnector struct {
	client *http.Client
}

// NewREST constructs the generic REST connector. A nil client uses a default
// with the standard call timeout.
func NewREST(client *http.Client) *RESTConnector {
	if client == nil {
		client = &http.Client{Timeout: restTimeout}
	}
	return &RESTConnector{client: client}
}

// Provider implements Connector.
func (c *RESTConnector) Provider() string { return "rest" }

// ListOperations implements Connector.
func (c *RESTConnector) ListOperations() []Operation {
	schema := json.RawMessage(`{
		"type": "object",
		"required": ["path"],
		"properties": {
			"path": {"type": "string"},
			"query": {"type": "object"},
			"headers": {"type": "object"},
			"body": {}
		}
	}`)
	return []Operation{
		{ID: "get", Description: "HTTP GET against the connection base URL", Schema: schema, Retryable: true},
		{ID: "post", Description: "HTTP POST against the connection base URL", Schema: schema},
		{ID: "put", Description: "HTTP PUT against the connection base URL", Schema: schema},
		{ID: "patch", Description: "HTTP PATCH against the connection base URL", Schema: schema},
		{ID: "delete", Description: "HTTP DELETE against the connection base URL", Schema: schema},
	}
}

// Execute implements Connector. The result is the decoded JSON body (or raw
// string for non-JSON responses) plus the response status.
func (c *RESTConnector) Execute(ctx context.Context, operationID string, params map[string]any, creds Credentials) (any, error) {
	method := strings.ToUpper(operationID)
	switch method {
	case http.MethodGet, http.MethodPost, http.MethodPut, http.MethodPatch, http.MethodDelete:
	default:
		return nil, fault.Newf(fault.KindValidation, "rest connector has no operation %q", operationID)
	}
	baseURL, _ := creds["base_url"].(string)
	if baseURL == "" {
		return nil, fault.New(fault.KindValidation, "connection is missing base_url")
	}
	path, _ := params["path"].(string)
	target, err := joinURL(baseURL, path)
	if err != nil {
		return nil, fault.Wrap(fault.KindValidation, err, "resolve request url")
	}
	if q, ok := params["query"].(map[string]any); ok && len(q) > 0 {
		vals := url.Values{}
		for k, v := range q {
			vals.Set(k, fmt.Sprintf("%v", v))
		}
		target += "?" + vals.Encode()
	}

	var body io.Reader
	if raw, ok := params["body"]; ok && raw != nil {
		data, err := json.Marshal(raw)
		if err != nil {
			return nil, fault.Wrap(fault.KindValidation, err, "encode request body")
		}
		body = bytes.NewReader(data)
	}
	req, err := http.NewRequestWithContext(ctx, method, target, body)
	if err != nil {
		return nil, fault.Wrap(fault.KindValidation, err, "build request")
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if hdrs, ok := creds["headers"].(map[string]any); ok {
		for k, v := range hdrs {
			req.Header.Set(k, fmt.Sprintf("%v", v))
		}
	}
	if hdrs, ok := params["headers"].(map[string]any); ok {
		for k, v := range hdrs {
			req.Header.Set(k, fmt.Sprintf("%v", v))
		}
	}

	resp, err := c.client.Do(req)
	if err != nil {
		var urlErr *url.Error
		if errors.As(err, &urlErr) && urlErr.Timeout() {
			return nil, fault.Wrap(fault.KindTimeout, err, "rest call timed out")
		}
		return nil, fault.Wrap(fault.KindNetwork, err, "rest call failed")
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fault.Wrap(fault.KindNetwork, err, "read response body")
	}
	if kind := classifyStatus(resp.StatusCode); kind != "" {
		return nil, fault.Newf(kind, "rest call returned %d: %s", resp.StatusCode, truncate(data, 256))
	}

	var decoded any
	if len(data) > 0 && json.Valid(data) {
		if err := json.Unmarshal(data, &decoded); err == nil {
			return map[string]any{"status": resp.StatusCode, "data": decoded}, nil
		}
	}
	return map[string]any{"status": resp.StatusCode, "data": string(data)}, nil
}

func joinURL(base, path string) (string, error) {
	u, err := url.Parse(base)
	if err != nil {
		return "", err
	}
	if path == "" {
		return u.String(), nil
	}
	ref, err := url.Parse(path)
	if err != nil {
		return "", err
	}
	return u.ResolveReference(ref).String(), nil
}

func classifyStatus(status int) fault.Kind {
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

func truncate(data []byte, n int) string {
	if len(data) <= n {
		return string(data)
	}
	return string(data[:n]) + "..."
}
