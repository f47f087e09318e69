package api

import (
	"net/http"

	"github.com/fhaynes/saga/pkg/config"
	"github.com/fhaynes/saga/pkg/health"
	"github.com/fhaynes/saga/pkg/metrics"
	"github.com/fhaynes/saga/pkg/middleware"
	"github.com/fhaynes/saga/pkg/tracing"
)

// NewRouter builds the node's HTTP handler.
//
// Route table:
//
//	GET    /health/live
//	GET    /health/ready
//	GET    /api/v1/nodes
//	GET    /api/v1/indices
//	POST   /api/v1/indices/{index}/documents
//	GET    /api/v1/indices/{index}/documents/{id}
//	DELETE /api/v1/indices/{index}/documents/{id}
//	GET    /api/v1/indices/{index}/stats
//	GET    /api/v1/indices/{index}/terms/{term}
//
// Index routes take ?shard=replica to address the replica shard.
//
// Middleware chain (outermost first):
//
//	Timeout → CORS → RequestID → RateLimit → tracing → Metrics → mux
//
// Timeout and RateLimit are skipped when their settings are zero.
func NewRouter(h *Handler, checker *health.Checker, m *metrics.Metrics, cfg config.ServerConfig) http.Handler {
	mux := http.NewServeMux()

	mux.HandleFunc("GET /health/live", checker.LiveHandler())
	mux.HandleFunc("GET /health/ready", checker.ReadyHandler())

	mux.HandleFunc("GET /api/v1/nodes", h.ListNodes)
	mux.HandleFunc("GET /api/v1/indices", h.ListShards)

	mux.HandleFunc("POST /api/v1/indices/{index}/documents", h.IndexDocument)
	mux.HandleFunc("GET /api/v1/indices/{index}/documents/{id}", h.GetDocument)
	mux.HandleFunc("DELETE /api/v1/indices/{index}/documents/{id}", h.DeleteDocument)
	mux.HandleFunc("GET /api/v1/indices/{index}/stats", h.Stats)
	mux.HandleFunc("GET /api/v1/indices/{index}/terms/{term}", h.TermCount)

	mws := []func(http.Handler) http.Handler{}
	if cfg.RequestTimeout > 0 {
		mws = append(mws, middleware.Timeout(cfg.RequestTimeout))
	}
	mws = append(mws, middleware.CORS(middleware.DefaultCORSConfig()), middleware.RequestID)
	if cfg.RateLimit > 0 && cfg.RateLimitWindow > 0 {
		mws = append(mws, middleware.RateLimit(middleware.NewLimiter(cfg.RateLimit, cfg.RateLimitWindow)))
	}
	mws = append(mws, tracing.Middleware)
	if m != nil {
		mws = append(mws, middleware.Metrics(m))
	}
	return middleware.Chain(mux, mws...)
}
