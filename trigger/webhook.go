package trigger

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"io"
	"mime"
	"net"
	"net/http"
	"strconv"
	"time"

	"github.com/google/uuid"

	"github.com/flowmaestro/flowmaestro/store"
)

// DefaultSignatureHeader carries the webhook HMAC unless the trigger config
// overrides it.
const DefaultSignatureHeader = "X-Signature"

// maxWebhookBody bounds inbound webhook payloads.
const maxWebhookBody = 1 << 20

// ServeWebhook handles one inbound webhook delivery. Exactly one webhook log
// row is written per request, whatever the outcome.
func (s *Supervisor) ServeWebhook(w http.ResponseWriter, r *http.Request, workflowID, triggerID string) {
	ctx := r.Context()
	started := time.Now()

	body, err := io.ReadAll(io.LimitReader(r.Body, maxWebhookBody))
	if err != nil {
		body = nil
	}

	wl := &store.WebhookLog{
		ID:         uuid.NewString(),
		WorkflowID: workflowID,
		TriggerID:  triggerID,
		Method:     r.Method,
		Path:       r.URL.Path,
		SourceIP:   sourceIP(r),
		Headers:    firstValues(r.Header),
		Query:      firstValues(r.URL.Query()),
		Body:       body,
	}
	respond := func(status int, errMsg string, payload any) {
		wl.ResponseStatus = status
		wl.Error = errMsg
		wl.ResponseBody = encodeResponse(status, payload)
		wl.Duration = time.Since(started)
		if err := s.st.Triggers().AppendWebhookLog(ctx, wl); err != nil {
			s.logger.Error(ctx, "webhook log append failed", "trigger_id", triggerID, "err", err)
		}
		s.metrics.IncCounter("webhook_requests_total", 1, "status", strconv.Itoa(status))
		s.metrics.RecordTimer("webhook_duration", wl.Duration)
		switch payload.(type) {
		case nil:
			http.Error(w, http.StatusText(status), status)
		case string:
			w.WriteHeader(status)
			_, _ = w.Write(wl.ResponseBody)
		default:
			w.Header().Set("Content-Type", "application/json")
			w.WriteHeader(status)
			_, _ = w.Write(wl.ResponseBody)
		}
	}

	t, err := s.st.Triggers().GetForWebhook(ctx, workflowID, triggerID)
	if err != nil {
		respond(http.StatusNotFound, "unknown webhook", nil)
		return
	}
	if allowed, _ := t.Config["method"].(string); allowed != "" && allowed != r.Method {
		respond(http.StatusMethodNotAllowed, "method not allowed", nil)
		return
	}
	if !s.verifySignature(t, r, body) {
		respond(http.StatusUnauthorized, "signature mismatch", nil)
		return
	}
	if !s.adm.admitWebhook(t.UserID) {
		respond(http.StatusServiceUnavailable, "execution ceiling reached", nil)
		return
	}

	inputs := map[string]any{
		"method":  r.Method,
		"headers": firstValues(r.Header),
		"query":   firstValues(r.URL.Query()),
		"body":    parseBody(r.Header.Get("Content-Type"), body),
	}
	ex, err := s.fire(ctx, t, inputs)
	if err != nil {
		respond(http.StatusInternalServerError, err.Error(), nil)
		return
	}
	wl.ExecutionID = ex.ID

	if format, _ := t.Config["response_format"].(string); format == "text" {
		respond(http.StatusOK, "", "ok")
		return
	}
	respond(http.StatusOK, "", map[string]any{
		"success": true,
		"data":    map[string]any{"executionId": ex.ID},
	})
}

// verifySignature checks the sha256=<hex> HMAC of the raw body. The header
// name is configurable per trigger; signing can be disabled explicitly.
func (s *Supervisor) verifySignature(t *store.Trigger, r *http.Request, body []byte) bool {
	if skip, _ := t.Config["skip_signature"].(bool); skip {
		return true
	}
	secret, _ := t.Config["secret"].(string)
	if secret == "" {
		return false
	}
	header := DefaultSignatureHeader
	if h, _ := t.Config["signature_header"].(string); h != "" {
		header = h
	}
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(body)
	want := "sha256=" + hex.EncodeToString(mac.Sum(nil))
	return hmac.Equal([]byte(want), []byte(r.Header.Get(header)))
}

// parseBody decodes JSON payloads so node config can select into them;
// anything else passes through as text.
func parseBody(contentType string, body []byte) any {
	if len(body) == 0 {
		return nil
	}
	mt, _, err := mime.ParseMediaType(contentType)
	if err == nil && mt == "application/json" {
		var v any
		if json.Unmarshal(body, &v) == nil {
			return v
		}
	}
	return string(body)
}

// encodeResponse renders the payload exactly as it goes on the wire so the
// webhook log carries the bytes the caller saw.
func encodeResponse(status int, payload any) []byte {
	switch p := payload.(type) {
	case nil:
		return []byte(http.StatusText(status))
	case string:
		return []byte(p)
	default:
		data, err := json.Marshal(p)
		if err != nil {
			return []byte(http.StatusText(status))
		}
		return data
	}
}

func sourceIP(r *http.Request) string {
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}

func firstValues(m map[string][]string) map[string]string {
	out := make(map[string]string, len(m))
	for k, vs := range m {
		if len(vs) > 0 {
			out[k] = vs[0]
		}
	}
	return out
}
