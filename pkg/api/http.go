// Package api exposes the store over HTTP. The URL path below /store is
// the store address verbatim; the HTTP method selects the operation.
package api

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"msgstore/pkg/config"
	"msgstore/pkg/errs"
	"msgstore/pkg/logger"
	"msgstore/pkg/provider"
	"msgstore/pkg/query"
	"msgstore/pkg/utils"
)

var (
	requestsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "msgstore_http_requests_total",
		Help: "HTTP requests by method and status.",
	}, []string{"method", "status"})
	requestDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "msgstore_http_request_seconds",
		Help:    "HTTP request latency.",
		Buckets: prometheus.DefBuckets,
	}, []string{"method"})
)

type handler struct {
	p *provider.Provider
}

// NewRouter builds the HTTP surface: the /store address passthrough plus
// /metrics and /healthz.
func NewRouter(p *provider.Provider, cfg *config.Config) *mux.Router {
	h := &handler{p: p}
	r := mux.NewRouter()
	r.Handle("/metrics", promhttp.Handler()).Methods(http.MethodGet)
	r.HandleFunc("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		_ = utils.JSONWrite(w, http.StatusOK, map[string]string{"status": "ok"})
	}).Methods(http.MethodGet)

	s := r.PathPrefix("/store").Subrouter()
	s.Use(requestLog, metrics, rateLimit(cfg), authorize(cfg))
	s.PathPrefix("/").HandlerFunc(h.dispatch)
	return r
}

func (h *handler) dispatch(w http.ResponseWriter, r *http.Request) {
	addr := strings.TrimPrefix(r.URL.Path, "/store")
	switch r.Method {
	case http.MethodGet:
		h.query(w, r, addr)
	case http.MethodPost:
		h.insert(w, r, addr)
	case http.MethodPut:
		h.update(w, r, addr)
	case http.MethodDelete:
		h.delete(w, addr)
	default:
		utils.JSONError(w, http.StatusMethodNotAllowed, "unsupported method")
	}
}

// parseSpec reads filter=prop:op:value (repeatable), sort, order, limit
// and token query parameters.
func parseSpec(r *http.Request) (query.Spec, error) {
	var spec query.Spec
	q := r.URL.Query()
	for _, f := range q["filter"] {
		parts := strings.SplitN(f, ":", 3)
		if len(parts) != 3 {
			return spec, errs.InvalidQuery("filter must be property:op:value, got %q", f)
		}
		spec.Filters = append(spec.Filters, query.Filter{
			Property: parts[0],
			Op:       query.FilterOp(parts[1]),
			Value:    parts[2],
		})
	}
	spec.SortBy = q.Get("sort")
	spec.Desc = q.Get("order") == "desc"
	if v := q.Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil {
			return spec, errs.InvalidQuery("limit must be an integer")
		}
		spec.Limit = n
	}
	spec.Token = q.Get("token")
	return spec, nil
}

func (h *handler) query(w http.ResponseWriter, r *http.Request, addr string) {
	spec, err := parseSpec(r)
	if err != nil {
		writeError(w, err)
		return
	}
	page, err := h.p.Query(addr, spec)
	if err != nil {
		writeError(w, err)
		return
	}
	_ = utils.JSONWrite(w, http.StatusOK, page)
}

func (h *handler) insert(w http.ResponseWriter, r *http.Request, addr string) {
	body, err := io.ReadAll(r.Body)
	if err != nil {
		utils.JSONError(w, http.StatusBadRequest, "unreadable body")
		return
	}
	trimmed := strings.TrimSpace(string(body))
	if strings.HasPrefix(trimmed, "[") {
		var payloads []json.RawMessage
		if err := json.Unmarshal(body, &payloads); err != nil {
			utils.JSONError(w, http.StatusBadRequest, "invalid json array")
			return
		}
		ids, err := h.p.InsertBatch(addr, payloads)
		if err != nil {
			writeError(w, err)
			return
		}
		_ = utils.JSONWrite(w, http.StatusCreated, map[string]any{"ids": ids})
		return
	}
	id, err := h.p.Insert(addr, json.RawMessage(body))
	if err != nil {
		writeError(w, err)
		return
	}
	status := http.StatusCreated
	if id == 0 {
		// Documented no-op outcome (e.g. duplicate p2p thread).
		status = http.StatusOK
	}
	_ = utils.JSONWrite(w, status, map[string]any{"id": id})
}

func (h *handler) update(w http.ResponseWriter, r *http.Request, addr string) {
	body, err := io.ReadAll(r.Body)
	if err != nil {
		utils.JSONError(w, http.StatusBadRequest, "unreadable body")
		return
	}
	n, err := h.p.Update(addr, json.RawMessage(body))
	if err != nil {
		writeError(w, err)
		return
	}
	_ = utils.JSONWrite(w, http.StatusOK, map[string]any{"count": n})
}

func (h *handler) delete(w http.ResponseWriter, addr string) {
	n, err := h.p.Delete(addr)
	if err != nil {
		writeError(w, err)
		return
	}
	_ = utils.JSONWrite(w, http.StatusOK, map[string]any{"count": n})
}

func writeError(w http.ResponseWriter, err error) {
	status := http.StatusInternalServerError
	switch {
	case errors.Is(err, errs.ErrUnresolvedAddress), errors.Is(err, errs.ErrNotFound):
		status = http.StatusNotFound
	case errors.Is(err, errs.ErrUnsupportedOperation):
		status = http.StatusMethodNotAllowed
	case errors.Is(err, errs.ErrConstraintViolation):
		status = http.StatusConflict
	case errors.Is(err, errs.ErrInvalidQuerySpec):
		status = http.StatusBadRequest
	}
	utils.JSONError(w, status, err.Error())
}

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (sr *statusRecorder) WriteHeader(code int) {
	sr.status = code
	sr.ResponseWriter.WriteHeader(code)
}

func metrics(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		sr := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(sr, r)
		requestsTotal.WithLabelValues(r.Method, strconv.Itoa(sr.status)).Inc()
		requestDuration.WithLabelValues(r.Method).Observe(time.Since(start).Seconds())
	})
}

func requestLog(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		reqID := uuid.NewString()
		logger.Log.Debug("http_request",
			zap.String("request_id", reqID),
			zap.String("method", r.Method),
			zap.String("path", r.URL.Path))
		next.ServeHTTP(w, r)
	})
}
