// Package httpapi exposes the allocation engine over HTTP with JSON bodies.
package httpapi

import (
	"context"
	"net/http"
	"time"

	metrics "github.com/docker/go-metrics"
	"github.com/julienschmidt/httprouter"
	"github.com/labipam/labipam/log"
	"github.com/labipam/labipam/manager/allocator"
	"github.com/sirupsen/logrus"
	"golang.org/x/time/rate"
)

// maxBodyBytes bounds request bodies.
const maxBodyBytes = 1 << 20

// Config is the configuration of the HTTP API.
type Config struct {
	// RateLimit is the number of allocate and deallocate requests per
	// second the server accepts. Zero disables rate limiting.
	RateLimit float64
	// Burst is the number of mutating requests allowed at once above
	// RateLimit.
	Burst int
}

// Server routes HTTP requests to an allocator.
type Server struct {
	allocator *allocator.Allocator
	limiter   *rate.Limiter
	router    *httprouter.Router
	ctx       context.Context
}

// New returns a server for a. ctx carries the logger used for requests.
func New(ctx context.Context, a *allocator.Allocator, config Config) *Server {
	s := &Server{
		allocator: a,
		router:    httprouter.New(),
		ctx:       log.WithModule(ctx, "httpapi"),
	}
	if config.RateLimit > 0 {
		burst := config.Burst
		if burst <= 0 {
			burst = 1
		}
		s.limiter = rate.NewLimiter(rate.Limit(config.RateLimit), burst)
	}

	s.router.GET("/health", s.health)
	s.router.POST("/allocate", s.limited(s.allocate))
	s.router.GET("/allocation/:name", s.getAllocation)
	s.router.DELETE("/deallocate", s.limited(s.deallocate))
	s.router.GET("/allocations", s.listAllocations)
	s.router.GET("/stats", s.stats)
	s.router.GET("/protected-ranges", s.protectedRanges)
	s.router.Handler(http.MethodGet, "/metrics", metrics.Handler())

	return s
}

// ServeHTTP logs and dispatches a request.
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	start := time.Now()
	rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}

	ctx := log.WithLogger(s.ctx, log.G(s.ctx).WithFields(logrus.Fields{
		"method": r.Method,
		"path":   r.URL.Path,
	}))
	s.router.ServeHTTP(rec, r.WithContext(ctx))

	log.G(ctx).WithFields(logrus.Fields{
		"status":   rec.status,
		"duration": time.Since(start),
	}).Debug("handled request")
}

func (s *Server) limited(h httprouter.Handle) httprouter.Handle {
	if s.limiter == nil {
		return h
	}
	return func(w http.ResponseWriter, r *http.Request, ps httprouter.Params) {
		if !s.limiter.Allow() {
			writeJSON(w, http.StatusTooManyRequests, errorResponse{Error: "too many requests"})
			return
		}
		h(w, r, ps)
	}
}

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(code int) {
	r.status = code
	r.ResponseWriter.WriteHeader(code)
}
