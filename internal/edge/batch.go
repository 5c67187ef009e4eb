package edge

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strings"

	"golang.org/x/sync/errgroup"

	"github.com/dskow/cms-edge/internal/apiclient"
	"github.com/dskow/cms-edge/internal/apierror"
	"github.com/dskow/cms-edge/internal/queue"
	"github.com/dskow/cms-edge/internal/routing"
)

type itemData struct {
	Data json.RawMessage `json:"data"`
}

type itemFailure struct {
	Error itemFailureBody `json:"error"`
}

type itemFailureBody struct {
	Message string `json:"message"`
	Status  int    `json:"status"`
	Code    string `json:"code"`
}

// batchTarget is a validated batch item.
type batchTarget struct {
	method string
	path   string
	params url.Values
	// key identifies the item in the micro-cache.
	key  string
	body json.RawMessage
}

// handleBatch serves the batch endpoint the request queue posts to: a JSON
// array of items answered by {"data":[...]} with one entry per item in
// request order. Items run concurrently; a failed item never fails the
// batch.
func (s *Server) handleBatch(w http.ResponseWriter, r *http.Request) {
	raw, ok := readJSONBody(w, r)
	if !ok {
		return
	}
	var items []queue.BatchItem
	if err := json.Unmarshal(raw, &items); err != nil {
		apierror.WriteJSON(w, r, http.StatusBadRequest, apierror.InvalidRequest, "batch body must be a JSON array of requests")
		return
	}
	targets, err := s.validateBatch(items)
	if err != nil {
		apierror.WriteJSON(w, r, http.StatusBadRequest, apierror.InvalidRequest, err.Error())
		return
	}

	entries := make([]json.RawMessage, len(targets))
	var g errgroup.Group
	if n := s.cfg.Edge.FanoutConcurrency; n > 0 {
		g.SetLimit(n)
	}
	for i, t := range targets {
		g.Go(func() error {
			entries[i] = s.runItem(r.Context(), t)
			return nil
		})
	}
	g.Wait() //nolint:errcheck

	s.logger.Debug("batch served", "items", len(entries))
	writeJSON(w, http.StatusOK, queue.BatchResponse{Data: entries})
}

func (s *Server) validateBatch(items []queue.BatchItem) ([]batchTarget, error) {
	if len(items) == 0 {
		return nil, errors.New("batch must contain at least one request")
	}
	if limit := s.cfg.Edge.BatchMaxItems; limit > 0 && len(items) > limit {
		return nil, fmt.Errorf("batch of %d requests exceeds the limit of %d", len(items), limit)
	}

	targets := make([]batchTarget, len(items))
	for i, item := range items {
		method := strings.ToUpper(strings.TrimSpace(item.Method))
		if method == "" {
			method = http.MethodGet
		}
		switch method {
		case http.MethodGet:
		case http.MethodPost, http.MethodPut, http.MethodDelete:
			if !s.cfg.Edge.AllowBatchWrites {
				return nil, fmt.Errorf("request %d: method %s is not allowed in a batch", i+1, method)
			}
		default:
			return nil, fmt.Errorf("request %d: unsupported method %q", i+1, item.Method)
		}

		t, err := parseTarget(item.URL)
		if err != nil {
			return nil, fmt.Errorf("request %d: %w", i+1, err)
		}
		t.method = method
		t.body = item.Body
		targets[i] = t
	}
	return targets, nil
}

// parseTarget accepts a relative URL, with or without the /content mount
// point, and splits it into content path and query.
func parseTarget(raw string) (batchTarget, error) {
	if strings.TrimSpace(raw) == "" {
		return batchTarget{}, errors.New("url is required")
	}
	u, err := url.Parse(raw)
	if err != nil {
		return batchTarget{}, fmt.Errorf("invalid url %q", raw)
	}
	if u.IsAbs() || u.Host != "" || !strings.HasPrefix(u.Path, "/") {
		return batchTarget{}, fmt.Errorf("url %q must be a path relative to the edge", raw)
	}

	path := u.Path
	if routing.MatchesPrefix(path, contentPrefix) {
		path = "/" + strings.TrimLeft(strings.TrimPrefix(path, contentPrefix), "/")
	}
	if path == "/" {
		return batchTarget{}, fmt.Errorf("url %q does not name any content", raw)
	}

	params := u.Query()
	key := path
	if enc := params.Encode(); enc != "" {
		key += "?" + enc
	}
	return batchTarget{path: path, params: params, key: key}, nil
}

func (s *Server) runItem(ctx context.Context, t batchTarget) json.RawMessage {
	if t.method == http.MethodGet {
		if data, ok := s.micro.Get(t.method, t.key); ok {
			return dataEntry(data)
		}
		resp, err := s.client.Get(ctx, t.path, s.readOptions(t.path, t.params, false))
		if err != nil {
			return failureEntry(err)
		}
		if !resp.Stale {
			s.micro.Set(t.method, t.key, resp.Body)
		}
		return dataEntry(resp.Body)
	}

	opts := &apiclient.Options{}
	if len(t.params) > 0 {
		opts.Params = t.params
	}
	var body any
	if len(t.body) > 0 {
		body = t.body
	}

	var (
		resp *apiclient.Response
		err  error
	)
	switch t.method {
	case http.MethodPost:
		resp, err = s.client.Post(ctx, t.path, body, opts)
	case http.MethodPut:
		resp, err = s.client.Put(ctx, t.path, body, opts)
	default:
		resp, err = s.client.Delete(ctx, t.path, opts)
	}
	if err != nil {
		return failureEntry(err)
	}
	s.invalidate(ctx, "/"+routing.Group(t.path))
	return dataEntry(resp.Body)
}

// dataEntry wraps a payload. Bodies that are not JSON travel as strings.
func dataEntry(body []byte) json.RawMessage {
	var payload json.RawMessage
	switch {
	case len(body) == 0:
		payload = json.RawMessage("null")
	case json.Valid(body):
		payload = body
	default:
		payload, _ = json.Marshal(string(body))
	}
	out, _ := json.Marshal(itemData{Data: payload})
	return out
}

func failureEntry(err error) json.RawMessage {
	status, code, message := apierror.FromError(err)
	out, _ := json.Marshal(itemFailure{Error: itemFailureBody{
		Message: message,
		Status:  status,
		Code:    string(code),
	}})
	return out
}
