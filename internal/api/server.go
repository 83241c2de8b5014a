// Package api implements the HTTP edge: inventory, boot-config, DHCP
// export, and image-manifest endpoints, fronted by bearer-token auth,
// a CIDR allowlist, and a per-token sliding-window rate limiter.
package api

import (
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/linuxmuster-net/dc-authority/internal/auth"
	"github.com/linuxmuster-net/dc-authority/internal/changelog"
	"github.com/linuxmuster-net/dc-authority/internal/devices"
	"github.com/linuxmuster-net/dc-authority/internal/dhcpexport"
	"github.com/linuxmuster-net/dc-authority/internal/health"
	"github.com/linuxmuster-net/dc-authority/internal/images"
	"github.com/linuxmuster-net/dc-authority/internal/logging"
	"github.com/linuxmuster-net/dc-authority/internal/metrics"
	"github.com/linuxmuster-net/dc-authority/internal/ratelimit"
	"github.com/linuxmuster-net/dc-authority/internal/startconf"
)

// Version is reported on the health endpoint. It is overridden at build
// time for release binaries via -ldflags.
var Version = "dev"

// Options holds every dependency the API server wires together.
type Options struct {
	Devices      *devices.Adapter
	StartConf    *startconf.Adapter
	Changelog    *changelog.Changelog
	Images       *images.Store
	DHCPSettings dhcpexport.NetworkSettings
	Health       *health.Checker
	AuthMw       *auth.Middleware
	RateLimiter  *ratelimit.Limiter
	RateLimit    int // requests per minute, default 60
	Logger       *logging.Logger
}

// Server serves the LINBO inventory/boot-config/DHCP HTTP API.
type Server struct {
	devices      *devices.Adapter
	startconf    *startconf.Adapter
	changelog    *changelog.Changelog
	images       *images.Store
	dhcpSettings dhcpexport.NetworkSettings
	health       *health.Checker
	authMw       *auth.Middleware
	rateLimiter  *ratelimit.Limiter
	rateLimit    int
	logger       *logging.Logger
	startTime    time.Time

	mux *http.ServeMux
}

// NewServer builds a Server and registers every route.
func NewServer(opts Options) *Server {
	rateLimit := opts.RateLimit
	if rateLimit <= 0 {
		rateLimit = 60
	}
	s := &Server{
		devices:      opts.Devices,
		startconf:    opts.StartConf,
		changelog:    opts.Changelog,
		images:       opts.Images,
		dhcpSettings: opts.DHCPSettings,
		health:       opts.Health,
		authMw:       opts.AuthMw,
		rateLimiter:  opts.RateLimiter,
		rateLimit:    rateLimit,
		logger:       opts.Logger,
		startTime:    time.Now(),
	}
	s.initRoutes()
	return s
}

func (s *Server) initRoutes() {
	mux := http.NewServeMux()
	s.mux = mux

	mux.HandleFunc("GET /health", s.handleHealth)
	mux.HandleFunc("GET /ready", s.handleReady)

	mux.HandleFunc("GET /api/v1/linbo/changes", s.handleChanges)
	mux.HandleFunc("POST /api/v1/linbo/hosts:batch", s.handleHostsBatch)
	mux.HandleFunc("GET /api/v1/linbo/host", s.handleHostSingle)
	mux.HandleFunc("POST /api/v1/linbo/startconfs:batch", s.handleStartConfsBatch)
	mux.HandleFunc("GET /api/v1/linbo/startconf", s.handleStartConfSingle)
	mux.HandleFunc("POST /api/v1/linbo/configs:batch", s.handleConfigsBatch)
	mux.HandleFunc("POST /api/v1/linbo/dhcp/reservations:batch", s.handleDHCPReservationsBatch)
	mux.HandleFunc("GET /api/v1/linbo/dhcp/export/dnsmasq-proxy", s.handleDHCPExportDnsmasq)
	mux.HandleFunc("GET /api/v1/linbo/dhcp/export/isc-dhcp", s.handleDHCPExportISC)
	mux.HandleFunc("GET /api/v1/linbo/images/manifest", s.handleImagesManifest)
	mux.HandleFunc("GET /api/v1/linbo/images/download/", s.handleImagesDownload)
	mux.HandleFunc("HEAD /api/v1/linbo/images/download/", s.handleImagesDownload)
	mux.HandleFunc("POST /api/v1/linbo/webhooks", s.handleWebhooks)

	mux.Handle("GET /metrics", promhttp.Handler())
}

// Handler returns the full middleware chain: access logging, auth,
// rate limiting, then routing.
func (s *Server) Handler() http.Handler {
	var h http.Handler = s.mux
	h = s.rateLimitMiddleware(h)
	if s.authMw != nil {
		h = s.authMw.Wrap(h)
	}
	h = s.loggingMiddleware(h)
	return h
}

// loggingMiddleware logs every request and records Prometheus request
// metrics keyed by route pattern, not raw path, to keep label cardinality
// bounded.
func (s *Server) loggingMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		wrapped := &responseWriter{ResponseWriter: w, statusCode: http.StatusOK}
		next.ServeHTTP(wrapped, r)
		duration := time.Since(start)

		route := routeLabel(r)
		metrics.Get().RecordAPIRequest(r.Method, route, wrapped.statusCode, duration.Seconds())

		if s.logger == nil {
			return
		}
		level := s.logger.Info
		if wrapped.statusCode >= 500 {
			level = s.logger.Error
		} else if wrapped.statusCode >= 400 {
			level = s.logger.Warn
		}
		level("api request", "method", r.Method, "path", r.URL.Path, "status", wrapped.statusCode, "duration_ms", duration.Milliseconds())
	})
}

// routeLabel collapses path parameters (image download segments) so the
// metric cardinality stays bounded.
func routeLabel(r *http.Request) string {
	path := r.URL.Path
	if strings.HasPrefix(path, "/api/v1/linbo/images/download/") {
		return "/api/v1/linbo/images/download/{name}/{filename}"
	}
	return path
}

// rateLimitMiddleware enforces the per-token sliding window. Exempt
// paths (health/ready) and requests with no limiter configured pass
// straight through.
func (s *Server) rateLimitMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if s.rateLimiter == nil || r.URL.Path == "/health" || r.URL.Path == "/ready" {
			next.ServeHTTP(w, r)
			return
		}

		key := rateLimitKey(r)
		result := s.rateLimiter.CheckAndRecord(key, s.rateLimit, 60*time.Second)
		if !result.Allowed {
			metrics.Get().RecordRateLimited(routeLabel(r))
			w.Header().Set("Retry-After", strconv.FormatInt(int64(result.RetryAfter/time.Second), 10))
			WriteError(w, http.StatusTooManyRequests, "RATE_LIMITED", "rate limit exceeded")
			return
		}
		next.ServeHTTP(w, r)
	})
}

// rateLimitKey keys the limiter by bearer token, falling back to the
// remote address for unauthenticated (exempt) requests.
func rateLimitKey(r *http.Request) string {
	if token, ok := auth.TokenFromContext(r.Context()); ok && token != "" {
		return token
	}
	return r.RemoteAddr
}

// responseWriter wraps http.ResponseWriter to capture the status code for
// logging and metrics.
type responseWriter struct {
	http.ResponseWriter
	statusCode int
}

func (rw *responseWriter) WriteHeader(code int) {
	rw.statusCode = code
	rw.ResponseWriter.WriteHeader(code)
}
