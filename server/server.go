// Package server exposes admission over HTTP.
package server

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"go.uber.org/zap"

	"github.com/ineyio/querygate"
)

// retryAfter is advertised on retryable failures.
const retryAfter = 5 * time.Second

// maxBodyBytes bounds a query submission.
const maxBodyBytes = 1 << 20

// Admitter is the part of *querygate.Coordinator the handlers use.
type Admitter interface {
	Admit(ctx context.Context, req querygate.Request) (querygate.Decision, error)
	Usage(ctx context.Context, identity querygate.Identity) (querygate.Usage, int64, error)
}

// Handler serves the admission API.
type Handler struct {
	admitter       Admitter
	identityHeader string
	logger         *zap.Logger
}

// NewHandler creates a Handler reading the caller identity from
// identityHeader (default "X-User-Email").
func NewHandler(a Admitter, identityHeader string, logger *zap.Logger) *Handler {
	if identityHeader == "" {
		identityHeader = "X-User-Email"
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Handler{admitter: a, identityHeader: identityHeader, logger: logger}
}

// RegisterRoutes mounts the API routes on r.
func (h *Handler) RegisterRoutes(r chi.Router) {
	r.Post("/queries", h.submitQuery)
	r.Get("/usage", h.usage)
}

// NewRouter builds the full HTTP surface. metrics may be nil.
func NewRouter(h *Handler, cfg querygate.HTTPConfig, metrics http.Handler) http.Handler {
	r := chi.NewRouter()

	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(loggerMiddleware(h.logger))
	r.Use(middleware.Recoverer)

	origins := cfg.AllowedOrigins
	if len(origins) == 0 {
		origins = []string{"*"}
	}
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins: origins,
		AllowedMethods: []string{"GET", "POST", "OPTIONS"},
		AllowedHeaders: []string{"Accept", "Content-Type", h.identityHeader},
		ExposedHeaders: []string{"Retry-After"},
		MaxAge:         300,
	}))

	r.Get("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	})
	if metrics != nil {
		r.Method(http.MethodGet, "/metrics", metrics)
	}
	r.Route("/v1", h.RegisterRoutes)

	r.NotFound(func(w http.ResponseWriter, _ *http.Request) {
		writeError(w, http.StatusNotFound, "NOT_FOUND", "endpoint not found")
	})
	r.MethodNotAllowed(func(w http.ResponseWriter, _ *http.Request) {
		writeError(w, http.StatusMethodNotAllowed, "METHOD_NOT_ALLOWED", "method not allowed")
	})
	return r
}

type queryRequest struct {
	Kind       querygate.QueryKind `json:"kind"`
	Datasource string              `json:"datasource"`
	SQL        string              `json:"sql"`
	Params     map[string]string   `json:"params,omitempty"`
	Force      bool                `json:"force"`
}

type queryResponse struct {
	RequestID   string          `json:"request_id"`
	Outcome     string          `json:"outcome"`
	Fingerprint string          `json:"fingerprint"`
	Cost        int64           `json:"cost,omitempty"`
	JobToken    string          `json:"job_token,omitempty"`
	Result      json.RawMessage `json:"result,omitempty"`
	CachedAt    *time.Time      `json:"cached_at,omitempty"`
}

type errorResponse struct {
	ErrorType string `json:"error_type"`
	Message   string `json:"message"`
	Used      *int64 `json:"used,omitempty"`
	Limit     *int64 `json:"limit,omitempty"`
	Requested *int64 `json:"requested,omitempty"`
}

type usageResponse struct {
	Identity  string `json:"identity"`
	Used      int64  `json:"used"`
	Reserved  int64  `json:"reserved"`
	Limit     int64  `json:"limit"`
	Remaining int64  `json:"remaining"`
}

func (h *Handler) submitQuery(w http.ResponseWriter, r *http.Request) {
	var body queryRequest
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodyBytes))
	dec.DisallowUnknownFields()
	if err := dec.Decode(&body); err != nil {
		writeError(w, http.StatusBadRequest, "INVALID_REQUEST", "invalid request body: "+err.Error())
		return
	}
	if body.Kind == "" {
		body.Kind = querygate.QuerySQLLab
	}

	req := querygate.Request{
		ID:       middleware.GetReqID(r.Context()),
		Identity: querygate.Identity(r.Header.Get(h.identityHeader)),
		Query: querygate.Query{
			Kind:       body.Kind,
			Datasource: body.Datasource,
			SQL:        body.SQL,
			Params:     body.Params,
		},
		Force: body.Force,
	}

	d, err := h.admitter.Admit(r.Context(), req)
	if err != nil {
		h.writeAdmitError(w, r, err)
		return
	}

	resp := queryResponse{
		RequestID:   d.RequestID,
		Outcome:     string(d.Outcome),
		Fingerprint: string(d.Fingerprint),
		Cost:        d.Cost,
	}
	switch d.Outcome {
	case querygate.OutcomeServedFromCache:
		if d.Cached != nil {
			resp.Result = artifactJSON(d.Cached.Artifact)
			resp.CachedAt = &d.Cached.StoredAt
		}
		writeJSON(w, http.StatusOK, resp)
	default:
		resp.JobToken = d.Job.Token
		writeJSON(w, http.StatusAccepted, resp)
	}
}

func (h *Handler) writeAdmitError(w http.ResponseWriter, r *http.Request, err error) {
	if qe, ok := querygate.AsQuotaExceeded(err); ok {
		writeJSON(w, http.StatusForbidden, errorResponse{
			ErrorType: "USER_QUOTA_EXCEEDED",
			Message:   qe.Error(),
			Used:      &qe.Used,
			Limit:     &qe.Limit,
			Requested: &qe.Requested,
		})
		return
	}

	switch {
	case errors.Is(err, querygate.ErrInvalidRequest):
		writeError(w, http.StatusBadRequest, "INVALID_REQUEST", err.Error())
	case errors.Is(err, querygate.ErrDispatchRejected):
		w.Header().Set("Retry-After", strconv.Itoa(int(retryAfter.Seconds())))
		writeError(w, http.StatusServiceUnavailable, "DISPATCH_FAILED", err.Error())
	case querygate.IsRetryable(err):
		w.Header().Set("Retry-After", strconv.Itoa(int(retryAfter.Seconds())))
		writeError(w, http.StatusServiceUnavailable, "SERVICE_UNAVAILABLE", err.Error())
	default:
		h.logger.Error("admission failed",
			zap.String("request_id", middleware.GetReqID(r.Context())),
			zap.Error(err),
		)
		writeError(w, http.StatusInternalServerError, "INTERNAL", "internal error")
	}
}

func (h *Handler) usage(w http.ResponseWriter, r *http.Request) {
	identity := querygate.Identity(r.Header.Get(h.identityHeader))
	if identity == "" {
		writeError(w, http.StatusBadRequest, "INVALID_REQUEST", "missing "+h.identityHeader+" header")
		return
	}

	u, limit, err := h.admitter.Usage(r.Context(), identity)
	if err != nil {
		h.writeAdmitError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, usageResponse{
		Identity:  string(identity),
		Used:      u.Committed,
		Reserved:  u.Reserved,
		Limit:     limit,
		Remaining: max(limit-u.Reserved, 0),
	})
}

// artifactJSON embeds JSON artifacts as-is and quotes anything else.
func artifactJSON(b []byte) json.RawMessage {
	if json.Valid(b) {
		return b
	}
	quoted, _ := json.Marshal(string(b))
	return quoted
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, errType, msg string) {
	writeJSON(w, status, errorResponse{ErrorType: errType, Message: msg})
}

func loggerMiddleware(logger *zap.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			start := time.Now()
			ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
			defer func() {
				logger.Info("http request",
					zap.String("request_id", middleware.GetReqID(r.Context())),
					zap.String("method", r.Method),
					zap.String("path", r.URL.Path),
					zap.Int("status", ww.Status()),
					zap.Duration("duration", time.Since(start)),
				)
			}()
			next.ServeHTTP(ww, r)
		})
	}
}
