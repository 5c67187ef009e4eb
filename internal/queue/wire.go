package queue

import (
	"bytes"
	"encoding/json"
	"errors"
	"net/http"
	"net/url"
	"strings"
)

// BatchItem is one member of the batch request array.
type BatchItem struct {
	ID      int               `json:"id"`
	URL     string            `json:"url"`
	Method  string            `json:"method"`
	Headers map[string]string `json:"headers"`
	Body    json.RawMessage   `json:"body,omitempty"`
}

// BatchResponse is the batch endpoint's reply. Data holds one entry per
// request item, in request order.
type BatchResponse struct {
	Data []json.RawMessage `json:"data"`
}

// Entry is one decoded response entry.
type Entry struct {
	Data json.RawMessage
	// Err is set when the upstream reported the entry as failed.
	Err *ItemError
}

// SplitEntry decodes a response entry. Objects with an "error" member are
// failures, objects with a "data" member carry their payload there, and any
// other value is the payload itself.
func SplitEntry(raw json.RawMessage) Entry {
	trimmed := bytes.TrimSpace(raw)
	if len(trimmed) == 0 || trimmed[0] != '{' {
		return Entry{Data: raw}
	}

	var obj map[string]json.RawMessage
	if err := json.Unmarshal(trimmed, &obj); err != nil {
		return Entry{Data: raw}
	}
	if e, ok := obj["error"]; ok && !isJSONNull(e) {
		return Entry{Err: decodeItemError(e)}
	}
	if d, ok := obj["data"]; ok {
		return Entry{Data: d}
	}
	return Entry{Data: raw}
}

func decodeItemError(raw json.RawMessage) *ItemError {
	var msg string
	if err := json.Unmarshal(raw, &msg); err == nil {
		return &ItemError{Message: msg}
	}

	var obj struct {
		Message string `json:"message"`
		Status  int    `json:"status"`
	}
	if err := json.Unmarshal(raw, &obj); err == nil && (obj.Message != "" || obj.Status != 0) {
		return &ItemError{Message: obj.Message, Status: obj.Status}
	}
	return &ItemError{Message: string(raw)}
}

func isJSONNull(raw json.RawMessage) bool {
	return bytes.Equal(bytes.TrimSpace(raw), []byte("null"))
}

// decodeBatchResponse validates the envelope and returns its entries.
func decodeBatchResponse(body []byte) ([]json.RawMessage, error) {
	var envelope map[string]json.RawMessage
	if err := json.Unmarshal(body, &envelope); err != nil {
		return nil, errors.New("invalid batch response format: body is not a JSON object")
	}
	data, ok := envelope["data"]
	if !ok {
		return nil, errors.New("invalid batch response format: missing data property")
	}
	var entries []json.RawMessage
	if t := bytes.TrimSpace(data); len(t) == 0 || t[0] != '[' {
		return nil, errors.New("invalid batch response format: data must be an array")
	}
	if err := json.Unmarshal(data, &entries); err != nil {
		return nil, errors.New("invalid batch response format: data must be an array")
	}
	return entries, nil
}

// relativeURL strips scheme and host from an absolute URL.
func relativeURL(raw string) string {
	u, err := url.Parse(raw)
	if err != nil || !u.IsAbs() {
		return raw
	}
	rel := u.RequestURI()
	if u.Fragment != "" {
		rel += "#" + u.Fragment
	}
	return rel
}

// origin returns "scheme://host" for an absolute URL, or "".
func origin(raw string) string {
	u, err := url.Parse(raw)
	if err != nil || !u.IsAbs() {
		return ""
	}
	return u.Scheme + "://" + u.Host
}

func flattenHeader(h http.Header) map[string]string {
	out := make(map[string]string, len(h))
	for k, v := range h {
		out[k] = strings.Join(v, ", ")
	}
	return out
}

// itemBody encodes a request body for a batch item. JSON bodies are
// embedded as-is, anything else as a JSON string.
func itemBody(req Request) (json.RawMessage, error) {
	if len(req.Body) == 0 {
		return nil, nil
	}
	if strings.Contains(req.Header.Get("Content-Type"), "application/json") && json.Valid(req.Body) {
		return json.RawMessage(req.Body), nil
	}
	return json.Marshal(string(req.Body))
}
