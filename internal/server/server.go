package server

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"github.com/itstheanurag/judgebox/internal/api"
	config "github.com/itstheanurag/judgebox/internal/config"
	"github.com/itstheanurag/judgebox/internal/database"
	"github.com/itstheanurag/judgebox/internal/executor"
	"github.com/itstheanurag/judgebox/internal/languages"
	"github.com/itstheanurag/judgebox/internal/limiter"
	"github.com/itstheanurag/judgebox/internal/queue"
	"github.com/itstheanurag/judgebox/internal/sandbox"
	"github.com/itstheanurag/judgebox/internal/worker"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"
)

const (
	limiterCleanupInterval = 5 * time.Minute
	limiterMaxIdle         = 10 * time.Minute

	// shutdownGrace is added to the longest run when waiting for in-flight
	// requests.
	shutdownGrace = 15 * time.Second

	// workerDrainTimeout bounds the wait for canceled jobs to kill and
	// remove their containers.
	workerDrainTimeout = 30 * time.Second
)

// sandboxRuntime is the container runtime the server owns for its lifetime.
type sandboxRuntime interface {
	sandbox.Runtime
	// Reap removes sandbox containers left behind by an earlier process.
	Reap(ctx context.Context) (int, error)
	Close() error
}

type Server struct {
	conf        *config.Config
	logger      *zerolog.Logger
	httpServer  *http.Server
	db          *database.Database
	registry    *languages.Registry
	runtime     sandboxRuntime
	executor    *executor.Executor
	queue       *queue.Manager
	workers     []*worker.Worker
	rateLimiter *limiter.RateLimiter

	// ctx is the parent of every request and job; Stop cancels it.
	ctx        context.Context
	cancelFunc context.CancelFunc
	wg         sync.WaitGroup
}

func New(
	conf *config.Config,
	logger *zerolog.Logger,
) (*Server, error) {

	var (
		db    *database.Database
		store api.TestCaseStore
		err   error
	)
	if conf.Db.Enabled() {
		db, err = database.New(conf, logger)
		if err != nil {
			return nil, fmt.Errorf("failed to create database: %w", err)
		}
		store = db
	} else {
		logger.Warn().Msg("no database configured, /submit is disabled")
	}

	rt, err := sandbox.NewDockerRuntime(conf.Sandbox.DockerHost, logger)
	if err != nil {
		return nil, fmt.Errorf("failed to create sandbox runtime: %w", err)
	}

	s, err := newServer(conf, logger, rt, db, store)
	if err != nil {
		_ = rt.Close()
		return nil, err
	}
	return s, nil
}

func newServer(
	conf *config.Config,
	logger *zerolog.Logger,
	rt sandboxRuntime,
	db *database.Database,
	store api.TestCaseStore,
) (*Server, error) {
	registry := languages.NewRegistry()
	if err := registry.Apply(conf.Languages); err != nil {
		return nil, fmt.Errorf("failed to configure languages: %w", err)
	}

	exec, err := executor.NewExecutor(conf, registry, rt, logger)
	if err != nil {
		return nil, fmt.Errorf("failed to create executor: %w", err)
	}
	q := queue.NewManager(conf.Server.QueueCapacity)

	rl := limiter.NewRateLimiter(
		conf.RateLimit.GlobalRPS,
		conf.RateLimit.PerIPRPS,
		conf.RateLimit.PerIPBurst,
		conf.RateLimit.MaxConcurrent,
	)

	handler := api.NewHandler(q, registry, store, conf.Limits, logger)

	gin.SetMode(gin.ReleaseMode)
	router := gin.New()
	router.Use(gin.Recovery(), requestLogger(logger))
	router.Use(cors.New(cors.Config{
		AllowOrigins:  []string{"*"},
		AllowMethods:  []string{http.MethodGet, http.MethodPost, http.MethodOptions},
		AllowHeaders:  []string{"Origin", "Content-Type", "Accept"},
		ExposeHeaders: []string{"Retry-After"},
		MaxAge:        12 * time.Hour,
	}))

	// Prometheus metrics endpoint
	router.GET("/metrics", gin.WrapH(promhttp.Handler()))
	handler.Register(router, rl.Middleware())

	ctx, cancel := context.WithCancel(context.Background())
	httpServer := &http.Server{
		Addr:         ":" + conf.Server.Port,
		Handler:      router,
		ReadTimeout:  time.Duration(conf.Server.ReadTimeout) * time.Second,
		WriteTimeout: time.Duration(conf.Server.WriteTimeout) * time.Second,
		IdleTimeout:  time.Duration(conf.Server.IdleTimeout) * time.Second,
		BaseContext:  func(net.Listener) context.Context { return ctx },
	}

	workers := make([]*worker.Worker, conf.Server.Workers)
	for i := range workers {
		workers[i] = worker.NewWorker(i, exec, q, logger)
	}

	s := &Server{
		conf:        conf,
		logger:      logger,
		httpServer:  httpServer,
		db:          db,
		registry:    registry,
		runtime:     rt,
		executor:    exec,
		queue:       q,
		workers:     workers,
		rateLimiter: rl,
		ctx:         ctx,
		cancelFunc:  cancel,
	}

	return s, nil
}

func (s *Server) Start() error {
	s.logger.Info().
		Str("port", s.conf.Server.Port).
		Int("workers", len(s.workers)).
		Msg("starting HTTP server")

	if s.conf.Sandbox.PullImages {
		if err := s.ensureImages(s.ctx); err != nil {
			return fmt.Errorf("failed to ensure docker images: %w", err)
		}
	}
	s.reclaim(s.ctx)

	s.rateLimiter.StartCleanup(s.ctx, limiterCleanupInterval, limiterMaxIdle)
	s.wg.Add(len(s.workers))
	for _, w := range s.workers {
		go func(w *worker.Worker) {
			defer s.wg.Done()
			w.Start(s.ctx)
		}(w)
	}

	if err := s.httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return fmt.Errorf("http server failed: %w", err)
	}

	return nil
}

func (s *Server) ensureImages(ctx context.Context) error {
	langs := s.registry.List()
	uniqueImages := make(map[string]bool)
	for _, l := range langs {
		uniqueImages[l.Config.Image] = true
	}

	for img := range uniqueImages {
		if err := s.runtime.EnsureImage(ctx, img); err != nil {
			return err
		}
	}

	return nil
}

// reclaim removes containers and workspaces a crashed predecessor left
// behind. Failures are logged; they do not stop the server.
func (s *Server) reclaim(ctx context.Context) {
	if n, err := s.runtime.Reap(ctx); err != nil {
		s.logger.Warn().Err(err).Msg("failed to reap stale sandboxes")
	} else if n > 0 {
		s.logger.Warn().Int("containers", n).Msg("reaped stale sandboxes")
	}
	if n, err := s.executor.Reclaim(); err != nil {
		s.logger.Warn().Err(err).Msg("failed to remove stale workspaces")
	} else if n > 0 {
		s.logger.Warn().Int("workspaces", n).Msg("removed stale workspaces")
	}
}

// ShutdownTimeout is how long Stop should let in-flight requests finish:
// the longest allowed run plus a grace period. Runs still going after
// that are killed.
func (s *Server) ShutdownTimeout() time.Duration {
	return time.Duration(s.conf.Limits.MaxTimeLimitMs)*time.Millisecond + shutdownGrace
}

// Stop waits for in-flight requests until ctx expires, then cancels every
// remaining job and waits for the workers to remove their sandboxes.
func (s *Server) Stop(ctx context.Context) error {
	s.logger.Info().Msg("shutting down HTTP server")

	var errs []error
	if err := s.httpServer.Shutdown(ctx); err != nil {
		errs = append(errs, fmt.Errorf("failed to shutdown HTTP server: %w", err))
	}

	s.cancelFunc()
	if err := s.drainWorkers(workerDrainTimeout); err != nil {
		errs = append(errs, err)
	}

	if err := s.runtime.Close(); err != nil {
		s.logger.Error().Err(err).Msg("failed to close docker client")
	}

	if s.db != nil {
		s.db.Close()
	}

	return errors.Join(errs...)
}

func (s *Server) drainWorkers(timeout time.Duration) error {
	done := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		s.logger.Info().Msg("workers stopped")
		return nil
	case <-time.After(timeout):
		return fmt.Errorf("workers still running after %s", timeout)
	}
}

func requestLogger(logger *zerolog.Logger) gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()
		logger.Info().
			Str("method", c.Request.Method).
			Str("path", c.FullPath()).
			Int("status", c.Writer.Status()).
			Str("client_ip", c.ClientIP()).
			Dur("latency", time.Since(start)).
			Msg("request")
	}
}
