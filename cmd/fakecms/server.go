package main

import (
	"bytes"
	"encoding/json"
	"log/slog"
	"math/rand/v2"
	"net/http"
	"net/url"
	"strconv"
	"time"

	"github.com/gorilla/mux"

	"github.com/dskow/cms-edge/internal/queue"
)

// options tune the fault injection of the fake CMS.
type options struct {
	Name      string
	Latency   time.Duration
	Jitter    time.Duration
	ErrorRate float64
}

type server struct {
	opts   options
	store  *store
	logger *slog.Logger
	sleep  func(time.Duration)
	rand   func() float64
	router *mux.Router
}

func newServer(opts options, st *store, logger *slog.Logger) *server {
	if logger == nil {
		logger = slog.Default()
	}
	s := &server{
		opts:   opts,
		store:  st,
		logger: logger,
		sleep:  time.Sleep,
		rand:   rand.Float64,
	}
	s.router = s.routes()
	return s
}

func (s *server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.router.ServeHTTP(w, r)
}

func (s *server) routes() *mux.Router {
	r := mux.NewRouter()

	r.HandleFunc("/api/health", s.handleHealth).Methods(http.MethodGet, http.MethodHead)

	// /__status/{code} returns an arbitrary HTTP status code.
	// Example: GET /__status/503 → 503 Service Unavailable
	r.HandleFunc("/__status/{code}", s.handleStatus)

	api := r.PathPrefix("/api").Subrouter()
	api.Use(s.faults)
	api.HandleFunc("/batch", s.handleBatch).Methods(http.MethodPost)
	api.HandleFunc("/{collection}", s.handleList).Methods(http.MethodGet, http.MethodHead)
	api.HandleFunc("/{collection}", s.handleCreate).Methods(http.MethodPost)
	api.HandleFunc("/{collection}/{ref}", s.handleFind).Methods(http.MethodGet, http.MethodHead)
	api.HandleFunc("/{collection}/{ref}", s.handleUpdate).Methods(http.MethodPut)
	api.HandleFunc("/{collection}/{ref}", s.handleDelete).Methods(http.MethodDelete)
	return r
}

// faults delays every content request and fails a share of them with 503.
func (s *server) faults(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if d := s.delay(); d > 0 {
			s.sleep(d)
		}
		if s.opts.ErrorRate > 0 && s.rand() < s.opts.ErrorRate {
			w.Header().Set("Retry-After", "1")
			writeError(w, http.StatusServiceUnavailable, "ServiceUnavailableError", "injected failure")
			return
		}
		next.ServeHTTP(w, r)
	})
}

func (s *server) delay() time.Duration {
	d := s.opts.Latency
	if s.opts.Jitter > 0 {
		d += time.Duration(s.rand() * float64(s.opts.Jitter))
	}
	return d
}

func (s *server) handleHealth(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	if r.Method == http.MethodHead {
		return
	}
	json.NewEncoder(w).Encode(map[string]string{"status": "ok", "service": s.opts.Name})
}

func (s *server) handleStatus(w http.ResponseWriter, r *http.Request) {
	code, err := strconv.Atoi(mux.Vars(r)["code"])
	if err != nil || code < 100 || code > 599 {
		code = 500
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	json.NewEncoder(w).Encode(map[string]any{
		"service":        s.opts.Name,
		"requested_code": code,
		"message":        http.StatusText(code),
	})
}

func (s *server) handleList(w http.ResponseWriter, r *http.Request) {
	docs := s.store.list(mux.Vars(r)["collection"])
	writeJSON(w, http.StatusOK, map[string]any{
		"data": docs,
		"meta": map[string]any{"pagination": map[string]int{"total": len(docs)}},
	})
}

func (s *server) handleFind(w http.ResponseWriter, r *http.Request) {
	vars := mux.Vars(r)
	d, ok := s.store.find(vars["collection"], vars["ref"])
	if !ok {
		writeError(w, http.StatusNotFound, "NotFoundError", "Not Found")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"data": d})
}

func (s *server) handleCreate(w http.ResponseWriter, r *http.Request) {
	attrs, ok := decodeData(w, r)
	if !ok {
		return
	}
	d := s.store.create(mux.Vars(r)["collection"], attrs)
	s.logger.Info("entry created", "collection", mux.Vars(r)["collection"], "id", d["id"])
	writeJSON(w, http.StatusCreated, map[string]any{"data": d})
}

func (s *server) handleUpdate(w http.ResponseWriter, r *http.Request) {
	attrs, ok := decodeData(w, r)
	if !ok {
		return
	}
	vars := mux.Vars(r)
	d, found := s.store.update(vars["collection"], vars["ref"], attrs)
	if !found {
		writeError(w, http.StatusNotFound, "NotFoundError", "Not Found")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"data": d})
}

func (s *server) handleDelete(w http.ResponseWriter, r *http.Request) {
	vars := mux.Vars(r)
	d, ok := s.store.delete(vars["collection"], vars["ref"])
	if !ok {
		writeError(w, http.StatusNotFound, "NotFoundError", "Not Found")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"data": d})
}

// handleBatch answers the request queue's batch protocol. Every item is
// served by the router itself; 2xx bodies become {"data": body} and
// anything else {"error": {"message", "status"}}.
func (s *server) handleBatch(w http.ResponseWriter, r *http.Request) {
	var items []queue.BatchItem
	if err := json.NewDecoder(r.Body).Decode(&items); err != nil {
		writeError(w, http.StatusBadRequest, "ValidationError", "batch body must be a JSON array")
		return
	}

	resp := queue.BatchResponse{Data: make([]json.RawMessage, len(items))}
	for i, item := range items {
		resp.Data[i] = s.serveItem(r, item)
	}
	s.logger.Debug("batch served", "items", len(items))
	writeJSON(w, http.StatusOK, resp)
}

func (s *server) serveItem(parent *http.Request, item queue.BatchItem) json.RawMessage {
	target, err := url.Parse(item.URL)
	if err != nil {
		return itemError(http.StatusBadRequest, "invalid url")
	}
	method := item.Method
	if method == "" {
		method = http.MethodGet
	}
	if target.Path == parent.URL.Path {
		return itemError(http.StatusBadRequest, "batches cannot be nested")
	}
	req, err := http.NewRequestWithContext(parent.Context(), method, target.RequestURI(), bytes.NewReader(item.Body))
	if err != nil {
		return itemError(http.StatusBadRequest, err.Error())
	}
	for k, v := range item.Headers {
		req.Header.Set(k, v)
	}

	rec := newRecorder()
	s.router.ServeHTTP(rec, req)
	if rec.status < 200 || rec.status > 299 {
		return itemError(rec.status, http.StatusText(rec.status))
	}
	payload := bytes.TrimSpace(rec.body.Bytes())
	if len(payload) == 0 || !json.Valid(payload) {
		payload = []byte("null")
	}
	out, _ := json.Marshal(map[string]json.RawMessage{"data": payload})
	return out
}

func itemError(status int, msg string) json.RawMessage {
	out, _ := json.Marshal(map[string]any{"error": map[string]any{"message": msg, "status": status}})
	return out
}

// recorder captures a response served inside a batch.
type recorder struct {
	header http.Header
	status int
	body   bytes.Buffer
}

func newRecorder() *recorder { return &recorder{header: make(http.Header), status: http.StatusOK} }

func (r *recorder) Header() http.Header         { return r.header }
func (r *recorder) Write(p []byte) (int, error) { return r.body.Write(p) }
func (r *recorder) WriteHeader(code int)        { r.status = code }

func decodeData(w http.ResponseWriter, r *http.Request) (document, bool) {
	var envelope struct {
		Data document `json:"data"`
	}
	if err := json.NewDecoder(r.Body).Decode(&envelope); err != nil || envelope.Data == nil {
		writeError(w, http.StatusBadRequest, "ValidationError", `body must be {"data": {...}}`)
		return nil, false
	}
	return envelope.Data, true
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v) //nolint:errcheck
}

// writeError renders the CMS error envelope.
func writeError(w http.ResponseWriter, status int, name, msg string) {
	writeJSON(w, status, map[string]any{
		"data": nil,
		"error": map[string]any{
			"status":  status,
			"name":    name,
			"message": msg,
		},
	})
}
