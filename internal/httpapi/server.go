package httpapi

import (
	"context"
	"encoding/json"
	"log"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"repod/internal/lifecycle"
	"repod/internal/router"
	"repod/pkg/types"
)

// Service defines the methods required by the HTTP API layer.
type Service interface {
	ServerLive() bool
	ServerReady() bool
	ModelReady(name string, version int64, namespace string) bool
	ModelMetadata(name, namespace string) (*types.ModelMetadata, error)
	ModelStats(name string, version int64, namespace string) (*types.ModelStatsResponse, error)
	RepositoryIndex(onlyReady bool) (*types.RepositoryIndexResponse, error)
	LoadModel(ctx context.Context, name string) error
	UnloadModel(ctx context.Context, name string, unloadDependents bool) error
	Infer(ctx context.Context, name string, version int64, namespace string, req *types.InferRequest) (*types.InferResponse, error)
}

// NewMux builds the HTTP handler exposing the repository control plane and
// inference endpoints.
func NewMux(svc Service) http.Handler {
	r := chi.NewRouter()
	// Basic middlewares: request id, real ip, recoverer
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)
	// Compression for JSON endpoints
	r.Use(middleware.Compress(5))
	r.Use(MetricsMiddleware)
	// Security headers
	r.Use(func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			w.Header().Set("X-Content-Type-Options", "nosniff")
			next.ServeHTTP(w, r)
		})
	})
	if corsEnabled {
		r.Use(cors.Handler(cors.Options{
			AllowedOrigins: corsAllowedOrigins,
			AllowedMethods: corsAllowedMethods,
			AllowedHeaders: corsAllowedHeaders,
		}))
	}

	r.Get("/v2/health/live", func(w http.ResponseWriter, r *http.Request) {
		if svc.ServerLive() {
			w.WriteHeader(http.StatusOK)
			return
		}
		w.WriteHeader(http.StatusServiceUnavailable)
	})

	r.Get("/v2/health/ready", func(w http.ResponseWriter, r *http.Request) {
		if svc.ServerReady() {
			w.WriteHeader(http.StatusOK)
			return
		}
		w.WriteHeader(http.StatusServiceUnavailable)
	})

	r.Get("/v2/models/{name}", func(w http.ResponseWriter, r *http.Request) {
		md, err := svc.ModelMetadata(chi.URLParam(r, "name"), namespaceOf(r))
		if err != nil {
			writeServiceError(w, err)
			return
		}
		writeJSON(w, md)
	})

	r.Get("/v2/models/{name}/versions/{version}", func(w http.ResponseWriter, r *http.Request) {
		v, ok := versionParam(w, r)
		if !ok {
			return
		}
		name := chi.URLParam(r, "name")
		md, err := svc.ModelMetadata(name, namespaceOf(r))
		if err != nil {
			writeServiceError(w, err)
			return
		}
		for _, mv := range md.Versions {
			if mv == strconv.FormatInt(v, 10) {
				writeJSON(w, md)
				return
			}
		}
		writeServiceError(w, router.ErrVersionNotReady(name, v))
	})

	r.Get("/v2/models/{name}/ready", func(w http.ResponseWriter, r *http.Request) {
		writeReady(w, svc.ModelReady(chi.URLParam(r, "name"), 0, namespaceOf(r)))
	})

	r.Get("/v2/models/{name}/versions/{version}/ready", func(w http.ResponseWriter, r *http.Request) {
		v, ok := versionParam(w, r)
		if !ok {
			return
		}
		writeReady(w, svc.ModelReady(chi.URLParam(r, "name"), v, namespaceOf(r)))
	})

	r.Get("/v2/models/{name}/stats", func(w http.ResponseWriter, r *http.Request) {
		stats, err := svc.ModelStats(chi.URLParam(r, "name"), 0, namespaceOf(r))
		if err != nil {
			writeServiceError(w, err)
			return
		}
		writeJSON(w, stats)
	})

	r.Get("/v2/models/{name}/versions/{version}/stats", func(w http.ResponseWriter, r *http.Request) {
		v, ok := versionParam(w, r)
		if !ok {
			return
		}
		stats, err := svc.ModelStats(chi.URLParam(r, "name"), v, namespaceOf(r))
		if err != nil {
			writeServiceError(w, err)
			return
		}
		writeJSON(w, stats)
	})

	r.Post("/v2/models/{name}/infer", func(w http.ResponseWriter, r *http.Request) {
		handleInfer(svc, w, r, 0)
	})

	r.Post("/v2/models/{name}/versions/{version}/infer", func(w http.ResponseWriter, r *http.Request) {
		v, ok := versionParam(w, r)
		if !ok {
			return
		}
		handleInfer(svc, w, r, v)
	})

	r.Post("/v2/repository/index", func(w http.ResponseWriter, r *http.Request) {
		var body struct {
			Ready bool `json:"ready"`
		}
		if r.ContentLength > 0 {
			r.Body = http.MaxBytesReader(w, r.Body, maxBodyBytes)
			if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
				writeJSONError(w, http.StatusBadRequest, "invalid JSON body")
				return
			}
		}
		idx, err := svc.RepositoryIndex(body.Ready)
		if err != nil {
			writeJSONError(w, http.StatusInternalServerError, err.Error())
			return
		}
		writeJSON(w, idx)
	})

	r.Post("/v2/repository/models/{name}/load", func(w http.ResponseWriter, r *http.Request) {
		ctx, cancel := joinContexts(serverBaseCtx, r.Context())
		defer cancel()
		if err := svc.LoadModel(ctx, chi.URLParam(r, "name")); err != nil {
			writeServiceError(w, err)
			return
		}
		writeJSON(w, map[string]any{})
	})

	r.Post("/v2/repository/models/{name}/unload", func(w http.ResponseWriter, r *http.Request) {
		var body types.UnloadRequest
		if r.ContentLength > 0 {
			r.Body = http.MaxBytesReader(w, r.Body, maxBodyBytes)
			if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
				writeJSONError(w, http.StatusBadRequest, "invalid JSON body")
				return
			}
		}
		ctx, cancel := joinContexts(serverBaseCtx, r.Context())
		defer cancel()
		if err := svc.UnloadModel(ctx, chi.URLParam(r, "name"), body.UnloadDependents); err != nil {
			writeServiceError(w, err)
			return
		}
		writeJSON(w, map[string]any{})
	})

	r.Get("/healthz", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		w.Write([]byte("ok"))
	})

	r.Get("/readyz", func(w http.ResponseWriter, r *http.Request) {
		if svc.ServerReady() {
			w.WriteHeader(http.StatusOK)
			w.Write([]byte("ready"))
			return
		}
		w.WriteHeader(http.StatusServiceUnavailable)
		w.Write([]byte("loading"))
	})

	// Prometheus metrics endpoint
	r.Get("/metrics", promhttp.Handler().ServeHTTP)

	MountSwagger(r)

	return r
}

func handleInfer(svc Service, w http.ResponseWriter, r *http.Request, version int64) {
	ct := r.Header.Get("Content-Type")
	if ct == "" || !strings.HasPrefix(strings.ToLower(ct), "application/json") {
		writeJSONError(w, http.StatusUnsupportedMediaType, "Content-Type must be application/json")
		return
	}
	// Limit body size (configurable, default 1MiB)
	r.Body = http.MaxBytesReader(w, r.Body, maxBodyBytes)
	var req types.InferRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSONError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}
	if len(req.Inputs) == 0 {
		writeJSONError(w, http.StatusBadRequest, "inputs are required")
		return
	}

	name := chi.URLParam(r, "name")
	lvl := requestLogLevel(r)
	start := time.Now()
	if lvl >= LevelInfo {
		if zlog != nil {
			z := zlog.Info().Str("path", r.URL.Path).Str("model", name)
			if rid := middleware.GetReqID(r.Context()); rid != "" {
				z = z.Str("request_id", rid)
			}
			z.Msg("infer start")
		} else {
			log.Printf("infer start path=%s model=%s", r.URL.Path, name)
		}
	}

	// Join server base context with request context so shutdown cancels
	// the wait. The backend attempt itself is never canceled mid-flight.
	ctx, cancel := joinContexts(serverBaseCtx, r.Context())
	defer cancel()
	if inferTimeout > 0 {
		var tcancel context.CancelFunc
		ctx, tcancel = context.WithTimeout(ctx, time.Duration(inferTimeout)*time.Second)
		defer tcancel()
	}

	resp, err := svc.Infer(ctx, name, version, namespaceOf(r), &req)
	if err != nil {
		if r.Context().Err() != nil || serverBaseCtx.Err() != nil {
			return
		}
		status := serviceErrorStatus(err)
		writeJSONError(w, status, err.Error())
		if lvl >= LevelInfo {
			logInferEnd(r, status, start, err)
		}
		return
	}
	writeJSON(w, resp)
	if lvl >= LevelInfo {
		logInferEnd(r, http.StatusOK, start, nil)
	}
}

func logInferEnd(r *http.Request, status int, start time.Time, err error) {
	if zlog != nil {
		z := zlog.Info().Int("status", status).Dur("dur", time.Since(start))
		if rid := middleware.GetReqID(r.Context()); rid != "" {
			z = z.Str("request_id", rid)
		}
		if err != nil {
			z = z.Err(err)
		}
		z.Msg("infer end")
		return
	}
	log.Printf("infer end status=%d dur=%s err=%v", status, time.Since(start), err)
}

// namespaceOf returns the optional namespace qualifier of a request.
func namespaceOf(r *http.Request) string {
	return r.URL.Query().Get("namespace")
}

func versionParam(w http.ResponseWriter, r *http.Request) (int64, bool) {
	raw := chi.URLParam(r, "version")
	v, err := strconv.ParseInt(raw, 10, 64)
	if err != nil || v <= 0 || raw != strconv.FormatInt(v, 10) {
		writeJSONError(w, http.StatusBadRequest, "invalid model version: "+raw)
		return 0, false
	}
	return v, true
}

func writeReady(w http.ResponseWriter, ready bool) {
	if ready {
		w.WriteHeader(http.StatusOK)
		return
	}
	w.WriteHeader(http.StatusNotFound)
}

func writeJSON(w http.ResponseWriter, v any) {
	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(v); err != nil {
		writeJSONError(w, http.StatusInternalServerError, "failed to encode response")
	}
}

// serviceErrorStatus maps resolution and lifecycle errors onto HTTP codes:
// a name that does not exist at all is 404, everything the caller can fix
// by changing the request or the repository is 400.
func serviceErrorStatus(err error) int {
	switch {
	case router.IsUnknownModel(err):
		return http.StatusNotFound
	case router.IsNoAvailableVersions(err),
		router.IsVersionNotReady(err),
		router.IsAmbiguous(err),
		router.IsVersionRequired(err),
		lifecycle.IsLoadFailed(err):
		return http.StatusBadRequest
	}
	if he, ok := err.(HTTPError); ok {
		return he.StatusCode()
	}
	return http.StatusInternalServerError
}

func writeServiceError(w http.ResponseWriter, err error) {
	writeJSONError(w, serviceErrorStatus(err), err.Error())
}
