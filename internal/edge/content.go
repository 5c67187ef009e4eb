package edge

import (
	"encoding/json"
	"errors"
	"io"
	"math"
	"net/http"
	"net/url"
	"strconv"
	"strings"

	"github.com/gorilla/mux"

	"github.com/dskow/cms-edge/internal/apiclient"
	"github.com/dskow/cms-edge/internal/apierror"
	"github.com/dskow/cms-edge/internal/classify"
	"github.com/dskow/cms-edge/internal/middleware"
	"github.com/dskow/cms-edge/internal/routing"
)

// contentPrefix is where the edge mounts the CMS content namespace.
const contentPrefix = "/content"

func contentPath(r *http.Request) string {
	return "/" + strings.TrimLeft(mux.Vars(r)["path"], "/")
}

// readOptions picks the caching preset of path's content class.
// "Cache-Control: no-cache" from the caller forces a fresh fetch.
func (s *Server) readOptions(path string, params url.Values, revalidate bool) *apiclient.Options {
	opts := apiclient.OptionsFor(s.Classifier().ClassFor(path))
	if len(params) > 0 {
		opts.Params = params
	}
	if opts.Cache != nil {
		opts.Cache.Revalidate = revalidate
		if !s.cfg.Cache.IsEnabled() {
			opts.Cache.Enabled = false
		}
	}
	return opts
}

func wantsRevalidate(r *http.Request) bool {
	cc := strings.ToLower(r.Header.Get("Cache-Control"))
	return strings.Contains(cc, "no-cache") || strings.Contains(cc, "max-age=0")
}

func (s *Server) handleGetContent(w http.ResponseWriter, r *http.Request) {
	path := contentPath(r)
	if path == "/" {
		apierror.WriteJSON(w, r, http.StatusNotFound, apierror.RouteNotFound, "no matching route")
		return
	}

	resp, err := s.client.Get(r.Context(), path, s.readOptions(path, r.URL.Query(), wantsRevalidate(r)))
	if err != nil {
		s.writeUpstreamError(w, r, path, err)
		return
	}
	writeUpstream(w, r, resp)
}

func (s *Server) handleWriteContent(w http.ResponseWriter, r *http.Request) {
	path := contentPath(r)
	if path == "/" {
		apierror.WriteJSON(w, r, http.StatusNotFound, apierror.RouteNotFound, "no matching route")
		return
	}
	opts := &apiclient.Options{}
	if q := r.URL.Query(); len(q) > 0 {
		opts.Params = q
	}

	var (
		resp *apiclient.Response
		err  error
	)
	switch r.Method {
	case http.MethodPost, http.MethodPut:
		body, ok := readJSONBody(w, r)
		if !ok {
			return
		}
		if r.Method == http.MethodPost {
			resp, err = s.client.Post(r.Context(), path, body, opts)
		} else {
			resp, err = s.client.Put(r.Context(), path, body, opts)
		}
	default:
		resp, err = s.client.Delete(r.Context(), path, opts)
	}
	if err != nil {
		s.writeUpstreamError(w, r, path, err)
		return
	}

	// Cached reads of the collection are stale once it was written to.
	group := routing.Group(path)
	n := s.invalidate(r.Context(), "/"+group)
	s.logger.Debug("content written", "method", r.Method, "path", path, "invalidated", n)
	writeUpstream(w, r, resp)
}

// readJSONBody reads a required JSON request body, writing the error
// response itself when the body is missing, too large or malformed.
func readJSONBody(w http.ResponseWriter, r *http.Request) (json.RawMessage, bool) {
	if r.Body == nil {
		apierror.WriteJSON(w, r, http.StatusBadRequest, apierror.InvalidRequest, "request body is required")
		return nil, false
	}
	body, err := io.ReadAll(r.Body)
	if err != nil {
		if middleware.IsBodyTooLarge(err) {
			middleware.WriteBodyLimitError(w, r)
			return nil, false
		}
		apierror.WriteJSON(w, r, http.StatusBadRequest, apierror.InvalidRequest, "failed to read request body")
		return nil, false
	}
	if len(strings.TrimSpace(string(body))) == 0 {
		apierror.WriteJSON(w, r, http.StatusBadRequest, apierror.InvalidRequest, "request body is required")
		return nil, false
	}
	if !json.Valid(body) {
		apierror.WriteJSON(w, r, http.StatusBadRequest, apierror.InvalidRequest, "request body must be valid JSON")
		return nil, false
	}
	return body, true
}

// writeUpstream relays a settled response. X-Cache is only meaningful for
// reads.
func writeUpstream(w http.ResponseWriter, r *http.Request, resp *apiclient.Response) {
	h := w.Header()
	ct := resp.Header.Get("Content-Type")
	if ct == "" {
		ct = "application/json"
	}
	h.Set("Content-Type", ct)
	if cc := resp.Header.Get("Cache-Control"); cc != "" {
		h.Set("Cache-Control", cc)
	}
	if r.Method == http.MethodGet || r.Method == http.MethodHead {
		h.Set("X-Cache", resp.CacheStatus())
	}
	h.Set("X-Upstream-Group", resp.Group)

	status := resp.StatusCode
	if status == 0 {
		status = http.StatusOK
	}
	w.WriteHeader(status)
	if r.Method == http.MethodHead || status == http.StatusNoContent || status == http.StatusNotModified {
		return
	}
	w.Write(resp.Body) //nolint:errcheck
}

// writeUpstreamError maps an API client error onto the edge error body.
// Upstream throttling passes its Retry-After through.
func (s *Server) writeUpstreamError(w http.ResponseWriter, r *http.Request, path string, err error) {
	group := routing.Group(path)
	w.Header().Set("X-Upstream-Group", group)

	var se *classify.StatusError
	if errors.As(err, &se) {
		if d := se.RetryAfter(); d > 0 {
			w.Header().Set("Retry-After", strconv.Itoa(int(math.Ceil(d.Seconds()))))
		}
	}

	status, code, message := apierror.FromError(err)
	level := s.logger.Warn
	if status == http.StatusNotFound {
		level = s.logger.Debug
	}
	level("upstream request failed",
		"method", r.Method,
		"path", path,
		"group", group,
		"status", status,
		"error_code", code,
		"error", err,
		"request_id", middleware.GetRequestID(r.Context()),
	)
	apierror.WriteJSON(w, r, status, code, message)
}
