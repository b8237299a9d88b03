// pkg/api/server.go
package api

import (
	"context"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/mux"
	"golang.org/x/time/rate"

	"github.com/valpere/ProxyHarvester/internal/config"
	"github.com/valpere/ProxyHarvester/internal/coordinator"
	"github.com/valpere/ProxyHarvester/internal/monitoring"
	"github.com/valpere/ProxyHarvester/internal/scheduler"
	"github.com/valpere/ProxyHarvester/internal/store"
	"github.com/valpere/ProxyHarvester/internal/utils"
	"github.com/valpere/ProxyHarvester/pkg/types"
)

// ProxyStore is the slice of the store the API reads and mutates.
type ProxyStore interface {
	Query(ctx context.Context, filter store.Filter) (*store.ProxyPage, error)
	Get(ctx context.Context, id int64) (*types.Proxy, error)
	Delete(ctx context.Context, id int64) error
	Random(ctx context.Context, filter store.Filter) (*types.Proxy, error)
	Stats(ctx context.Context) (*store.Stats, error)
	CrawlLogs(ctx context.Context, filter store.CrawlLogFilter) ([]*types.CrawlLog, error)
}

// JobScheduler is the slice of the scheduler the API exposes.
type JobScheduler interface {
	Submit(proxies []types.ProxyRef, level types.TestLevel, priority int, scheduleDelay time.Duration) (string, error)
	GetStatus(jobID string) (*types.ValidationJob, error)
	Jobs() []*types.ValidationJob
	GetSystemStatus() scheduler.SystemStatus
}

// Crawler is the slice of the coordinator the API drives.
type Crawler interface {
	RunSourceWith(ctx context.Context, name string, overrides coordinator.RunOverrides) (*coordinator.RunReport, error)
	TestSource(ctx context.Context, src config.SourceConfig) (*coordinator.RunReport, error)
	SourceConfig(name string) (config.SourceConfig, bool)
	Status() []coordinator.SourceStatus
}

// Deps bundles everything the server serves.
type Deps struct {
	Store     ProxyStore
	Scheduler JobScheduler
	Crawler   Crawler
	Health    *monitoring.HealthManager
	Metrics   *monitoring.MetricsManager
	Logger    utils.Logger
}

// Server is the thin HTTP surface over the harvester.
type Server struct {
	cfg     config.APIConfig
	deps    Deps
	logger  utils.Logger
	router  *mux.Router
	limiter *rate.Limiter
	httpSrv *http.Server

	taskMu  sync.Mutex
	tasks   map[string]*crawlTask
	baseCtx context.Context
}

// NewServer wires the routes and middleware.
func NewServer(cfg config.APIConfig, deps Deps) *Server {
	if cfg.ListenAddress == "" {
		cfg.ListenAddress = ":8080"
	}
	if cfg.DefaultPageSize <= 0 {
		cfg.DefaultPageSize = 20
	}
	if cfg.MaxPageSize <= 0 {
		cfg.MaxPageSize = 100
	}
	if cfg.RateLimitPerMinute <= 0 {
		cfg.RateLimitPerMinute = 600
	}

	s := &Server{
		cfg:     cfg,
		deps:    deps,
		logger:  deps.Logger.WithField("component", "api"),
		limiter: rate.NewLimiter(rate.Limit(float64(cfg.RateLimitPerMinute)/60.0), cfg.RateLimitPerMinute),
		tasks:   make(map[string]*crawlTask),
		baseCtx: context.Background(),
	}
	s.router = s.routes()
	return s
}

func (s *Server) routes() *mux.Router {
	r := mux.NewRouter()

	// Operational endpoints live outside the versioned prefix and skip
	// the inbound rate limit.
	r.HandleFunc("/health", s.deps.Health.Handler()).Methods(http.MethodGet)
	r.HandleFunc("/monitoring/health", s.deps.Health.Handler()).Methods(http.MethodGet)
	r.Handle("/monitoring/metrics", s.deps.Metrics.Handler()).Methods(http.MethodGet)
	r.HandleFunc("/monitoring/status", s.handleMonitoringStatus).Methods(http.MethodGet)

	v1 := r.PathPrefix("/api/v1").Subrouter()
	v1.Use(s.rateLimitMiddleware, s.metricsMiddleware)

	v1.HandleFunc("/proxies", s.handleListProxies).Methods(http.MethodGet)
	v1.HandleFunc("/proxies/random", s.handleRandomProxy).Methods(http.MethodGet)
	v1.HandleFunc("/proxies/stats", s.handleProxyStats).Methods(http.MethodGet)
	v1.HandleFunc("/proxies/{id:[0-9]+}", s.handleGetProxy).Methods(http.MethodGet)
	v1.HandleFunc("/proxies/{id:[0-9]+}", s.handleDeleteProxy).Methods(http.MethodDelete)
	v1.HandleFunc("/proxies/{id:[0-9]+}/validate", s.handleValidateProxy).Methods(http.MethodPost)

	v1.HandleFunc("/crawl/start", s.handleCrawlStart).Methods(http.MethodPost)
	v1.HandleFunc("/crawl/status/{id}", s.handleCrawlStatus).Methods(http.MethodGet)
	v1.HandleFunc("/crawl/history", s.handleCrawlHistory).Methods(http.MethodGet)
	v1.HandleFunc("/crawl/sources", s.handleCrawlSources).Methods(http.MethodGet)
	v1.HandleFunc("/crawl/sources/{name}/test", s.handleCrawlSourceTest).Methods(http.MethodPost)
	v1.HandleFunc("/crawl/tasks/{id}", s.handleCrawlTaskDelete).Methods(http.MethodDelete)

	v1.HandleFunc("/validation/jobs", s.handleSubmitJob).Methods(http.MethodPost)
	v1.HandleFunc("/validation/jobs", s.handleListJobs).Methods(http.MethodGet)
	v1.HandleFunc("/validation/jobs/{id}", s.handleJobStatus).Methods(http.MethodGet)

	r.NotFoundHandler = http.HandlerFunc(func(w http.ResponseWriter, req *http.Request) {
		writeError(w, utils.NewError(utils.ErrCodeProxyNotFound, "no such route"))
	})
	return r
}

// Handler exposes the router for tests and embedding.
func (s *Server) Handler() http.Handler { return s.router }

// Start serves until the context dies, then drains connections.
func (s *Server) Start(ctx context.Context) error {
	s.baseCtx = ctx
	s.httpSrv = &http.Server{
		Addr:         s.cfg.ListenAddress,
		Handler:      s.router,
		ReadTimeout:  s.cfg.ReadTimeout.Std(),
		WriteTimeout: s.cfg.WriteTimeout.Std(),
	}

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		s.httpSrv.Shutdown(shutdownCtx)
	}()

	s.logger.Infof("listening on %s", s.cfg.ListenAddress)
	err := s.httpSrv.ListenAndServe()
	if err == http.ErrServerClosed {
		return nil
	}
	return err
}

func (s *Server) rateLimitMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !s.limiter.Allow() {
			writeError(w, utils.NewError(utils.ErrCodeRateLimit, "rate limit exceeded"))
			return
		}
		next.ServeHTTP(w, r)
	})
}

// statusRecorder captures the response code for the request metrics.
type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(code int) {
	r.status = code
	r.ResponseWriter.WriteHeader(code)
}

func (s *Server) metricsMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		started := time.Now()
		rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(rec, r)

		route := r.URL.Path
		if current := mux.CurrentRoute(r); current != nil {
			if template, err := current.GetPathTemplate(); err == nil {
				route = template
			}
		}
		s.deps.Metrics.RecordHTTPRequest(r.Method, route, rec.status, time.Since(started))
	})
}

// handleMonitoringStatus reports a runtime snapshot: scheduler
// throughput, source schedules, pool stats.
func (s *Server) handleMonitoringStatus(w http.ResponseWriter, r *http.Request) {
	stats, err := s.deps.Store.Stats(r.Context())
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"scheduler": s.deps.Scheduler.GetSystemStatus(),
		"sources":   s.deps.Crawler.Status(),
		"pool":      stats,
		"timestamp": time.Now().UTC(),
	})
}
