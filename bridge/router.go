package bridge

import (
	"fmt"
	"net/http"
	"time"

	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	lhmetrics "github.com/tachyon-beep/lighthouse-sub002/infrastructure/metrics"
	"github.com/tachyon-beep/lighthouse-sub002/infrastructure/middleware"
	"github.com/tachyon-beep/lighthouse-sub002/infrastructure/resilience"
)

// RouterConfig configures the HTTP surface wrapped around a Bridge.
type RouterConfig struct {
	AllowedOrigins   []string
	RateLimitPerMin  int
	BodyLimitBytes   int64
	RequestTimeout   time.Duration
}

// NewRouter builds the Control/Coordination API's gorilla/mux router
// (spec.md §6a), with the same middleware composition order the service
// layer's gateway uses: logging, recovery, security headers, metrics,
// CORS, body limit, rate limit.
func NewRouter(b *Bridge, rc RouterConfig) http.Handler {
	router := mux.NewRouter()

	router.Use(middleware.LoggingMiddleware(b.logger))
	router.Use(middleware.NewRecoveryMiddleware(b.logger).Handler)
	router.Use(middleware.NewSecurityHeadersMiddleware(nil).Handler)

	if lhmetrics.Enabled() {
		router.Use(middleware.MetricsMiddleware("bridge", b.metrics))
		router.Handle("/metrics", promhttp.Handler()).Methods(http.MethodGet)
	}

	router.Use(middleware.NewCORSMiddleware(&middleware.CORSConfig{
		AllowedOrigins:         rc.AllowedOrigins,
		AllowedMethods:         []string{http.MethodGet, http.MethodPost, http.MethodOptions},
		AllowedHeaders:         []string{"Content-Type", "Authorization", "X-Fingerprint", "X-Trace-ID"},
		ExposedHeaders:         []string{"X-Trace-ID"},
		AllowCredentials:       false,
		MaxAgeSeconds:          3600,
		PreflightStatus:        http.StatusOK,
		RejectDisallowedOrigin: true,
	}).Handler)

	router.Use(middleware.NewBodyLimitMiddleware(rc.BodyLimitBytes).Handler)

	rateLimiter := middleware.NewRateLimiterWithWindow(rateLimitOrDefault(rc.RateLimitPerMin), time.Minute, rateLimitOrDefault(rc.RateLimitPerMin), b.logger)
	router.Use(rateLimiter.Handler)
	rateLimiter.StartCleanup(5 * time.Minute)

	health := middleware.NewHealthChecker("lighthouse")
	health.RegisterCheck("event_store", func() error {
		if b.Monitor.Degraded() {
			return errDegraded
		}
		return nil
	})
	health.RegisterCheck("dispatcher", func() error {
		for tier, state := range b.Dispatcher.BreakerStates() {
			if state == resilience.StateOpen {
				return fmt.Errorf("%s tier breaker open", tier)
			}
		}
		return nil
	})
	health.RegisterCheck("expert_bus", func() error {
		if b.Escalator == nil {
			return errDegraded
		}
		return nil
	})
	router.Handle("/status", health.Handler()).Methods(http.MethodGet)

	// /stream is a long-lived SSE/WebSocket connection and must not be
	// subject to a request deadline; every other route gets one.
	timeoutMW := middleware.NewTimeoutMiddleware(rc.RequestTimeout)
	bounded := func(h http.HandlerFunc) http.Handler {
		return timeoutMW.Handler(h)
	}

	router.Handle("/session/create", bounded(b.handleSessionCreate)).Methods(http.MethodPost)
	router.Handle("/session/validate", bounded(b.handleSessionValidate)).Methods(http.MethodPost)
	router.Handle("/session/end", bounded(b.handleSessionEnd)).Methods(http.MethodPost)
	router.Handle("/validate", bounded(b.handleValidate)).Methods(http.MethodPost)
	router.Handle("/event/store", bounded(b.handleEventStore)).Methods(http.MethodPost)
	router.Handle("/event/query", bounded(b.handleEventQuery)).Methods(http.MethodGet)
	router.Handle("/expert/register", bounded(b.handleExpertRegister)).Methods(http.MethodPost)
	router.Handle("/expert/delegate", bounded(b.handleExpertDelegate)).Methods(http.MethodPost)
	router.Handle("/elicitation/respond", bounded(b.handleElicitationRespond)).Methods(http.MethodPost)
	router.HandleFunc("/stream", b.handleStream)

	return router
}

func rateLimitOrDefault(v int) int {
	if v <= 0 {
		return 600
	}
	return v
}

// NewServer wraps router in an *http.Server with the timeouts the service
// layer's gateway uses, and a GracefulShutdown wired to close the Bridge.
func NewServer(b *Bridge, addr string, handler http.Handler) (*http.Server, *middleware.GracefulShutdown) {
	server := &http.Server{
		Addr:              addr,
		Handler:           handler,
		ReadTimeout:       30 * time.Second,
		ReadHeaderTimeout: 10 * time.Second,
		WriteTimeout:      30 * time.Second,
		IdleTimeout:       120 * time.Second,
		MaxHeaderBytes:    1 << 20,
	}

	shutdown := middleware.NewGracefulShutdown(server, 30*time.Second)
	shutdown.OnShutdown(func() { _ = b.Close() })
	return server, shutdown
}
