// Package httpapi routes the facilitator's external HTTP surface: request
// verification and settlement, settlement status lookup, health, the FCR
// monitor's status/catalogue/wait endpoints, and the deferred voucher store.
package httpapi

import (
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"

	"facilitatord/internal/httpapi/middleware"
	"facilitatord/internal/observability/metrics"
)

// Config wires the middleware chain and handler dependencies into a router.
type Config struct {
	Handlers      *Handlers
	CORS          middleware.CORSConfig
	Observability *middleware.Observability
	Authenticator *middleware.Authenticator
	RateLimiter   *middleware.RateLimiter
}

// New builds the chi router: CORS -> observability -> auth (deferred writes
// only) -> rate limit -> handlers, with health and FCR endpoints always open.
func New(cfg Config) http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.CORS(cfg.CORS))

	if cfg.Observability != nil {
		r.Use(cfg.Observability.Middleware("root"))
		r.Handle("/metrics", cfg.Observability.MetricsHandler())
	}

	r.Use(fcrHeaders(cfg.Handlers))
	r.Use(recordHTTPMetrics)

	r.Get("/health", cfg.Handlers.HandleHealth)
	r.Get("/fcr/status", cfg.Handlers.HandleFCRStatus)
	r.Get("/fcr/levels", cfg.Handlers.HandleFCRLevels)
	r.Get("/fcr/wait/{level}", cfg.Handlers.HandleFCRWait)
	r.Post("/internal/fee-estimate", cfg.Handlers.HandleFeeEstimate)

	r.Group(func(open chi.Router) {
		if cfg.RateLimiter != nil {
			open.Use(cfg.RateLimiter.Middleware("verify_settle"))
		}
		open.Post("/verify", cfg.Handlers.HandleVerify)
		open.Post("/settle", cfg.Handlers.HandleSettle)
		open.Get("/settle/{paymentId}", cfg.Handlers.HandleGetSettlement)
	})

	r.Route("/deferred", func(dr chi.Router) {
		dr.Get("/buyers/{addr}", cfg.Handlers.HandleGetBuyerAccount)
		dr.Group(func(write chi.Router) {
			if cfg.Authenticator != nil {
				write.Use(cfg.Authenticator.Middleware("deferred:write"))
			}
			if cfg.RateLimiter != nil {
				write.Use(cfg.RateLimiter.Middleware("deferred_write"))
			}
			write.Post("/vouchers", cfg.Handlers.HandleStoreVoucher)
			write.Post("/vouchers/{id}/settle", cfg.Handlers.HandleSettleVoucher)
		})
	})

	return r
}

// fcrHeaders annotates every response with the monitor's current snapshot,
// so callers can observe confirmation progress without a dedicated request.
func fcrHeaders(h *Handlers) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if h != nil && h.FCR != nil {
				state := h.FCR.State()
				status := h.FCR.Evaluate(r.Context(), 0)
				w.Header().Set("X-FCR-Level", string(status.Level))
				w.Header().Set("X-FCR-Instance", strconv.FormatUint(state.Instance, 10))
				w.Header().Set("X-FCR-Phase", string(state.Phase))
			}
			next.ServeHTTP(w, r)
		})
	}
}

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (s *statusRecorder) WriteHeader(code int) {
	s.status = code
	s.ResponseWriter.WriteHeader(code)
}

// recordHTTPMetrics observes every request against the facilitator-wide HTTP
// metrics registry, distinct from the route-scoped counters the teacher's
// observability middleware maintains on its own registry.
func recordHTTPMetrics(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		route := chi.RouteContext(r.Context()).RoutePattern()
		recorder := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(recorder, r)
		if route == "" {
			route = r.URL.Path
		}
		metrics.HTTP().Observe(route, r.Method, recorder.status, time.Since(start))
	})
}
