package server

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/fiber/v2/middleware/adaptor"
	"github.com/gofiber/fiber/v2/middleware/logger"
	"github.com/gofiber/fiber/v2/middleware/recover"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog/log"
	"github.com/vlebourl/redlights/internal/auth"
	"github.com/vlebourl/redlights/internal/cluster"
	"github.com/vlebourl/redlights/internal/config"
	"github.com/vlebourl/redlights/internal/db"
	"github.com/vlebourl/redlights/internal/fixsource"
	"github.com/vlebourl/redlights/internal/memstore"
	"github.com/vlebourl/redlights/internal/metrics"
	"github.com/vlebourl/redlights/internal/stream"
	"github.com/vlebourl/redlights/internal/tracking"
)

type Server struct {
	App      *fiber.App
	Cfg      config.Config
	DB       *pgxpool.Pool
	Redis    *redis.Client
	Stream   *stream.Hub
	Pipeline *tracking.Pipeline
	Clusters *cluster.Engine
	Queue    *cluster.Queue
	Registry *prometheus.Registry

	cancel  context.CancelFunc
	workers sync.WaitGroup
}

// NewServer wires storage, clustering, the ride pipeline and the HTTP
// routes. Without a Postgres pool everything is kept in memory.
func NewServer(cfg config.Config, pg *pgxpool.Pool, redisClient *redis.Client) (*Server, error) {
	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	m, err := metrics.New(reg)
	if err != nil {
		return nil, err
	}

	var (
		repo  tracking.Repository
		store cluster.Store
	)
	if pg != nil {
		repo = tracking.NewPostgresRepository(pg)
		store = cluster.NewPostgresStore(pg)
	} else {
		mem := memstore.New()
		repo, store = mem, mem
	}

	engine := cluster.NewEngine(store, cfg.ClusterRadiusM, m)
	queue := cluster.NewQueue(engine, 0)
	hub := stream.NewHub(redisClient)

	params := tracking.DefaultParams()
	if cfg.MaxAccuracyM > 0 {
		params.MaxAccuracyM = cfg.MaxAccuracyM
	}
	pipeline := tracking.NewPipeline(repo, queue, params,
		tracking.WithPublisher(hub),
		tracking.WithMetrics(m),
	)

	app := fiber.New()
	app.Use(recover.New())
	app.Use(logger.New())

	s := &Server{
		App:      app,
		Cfg:      cfg,
		DB:       pg,
		Redis:    redisClient,
		Stream:   hub,
		Pipeline: pipeline,
		Clusters: engine,
		Queue:    queue,
		Registry: reg,
	}

	registerRoutes(s)
	return s, nil
}

func registerRoutes(s *Server) {
	s.App.Get("/health", func(c *fiber.Ctx) error {
		return c.JSON(fiber.Map{"status": "ok"})
	})
	s.App.Get("/metrics", adaptor.HTTPHandler(promhttp.HandlerFor(s.Registry, promhttp.HandlerOpts{
		ErrorHandling: promhttp.HTTPErrorOnError,
	})))

	jwtMiddleware := auth.JWTMiddleware(s.Cfg.JWTSecret)

	auth.RegisterRoutes(s.App.Group("/auth"), auth.NewService(s.Cfg.JWTSecret))
	tracking.RegisterRoutes(s.App.Group("/rides"), s.Pipeline, jwtMiddleware)
	cluster.RegisterRoutes(s.App.Group("/clusters"), s.Clusters, jwtMiddleware)
	stream.RegisterRoutes(s.App.Group("/stream"), s.Stream)
}

// Start prepares storage, discards sessions a crash left open, and starts
// the clustering worker plus, when a device is configured, the Redis fix
// follower. Stop ends them.
func (s *Server) Start(ctx context.Context) error {
	if s.DB != nil {
		if err := db.EnsureSchema(ctx, s.DB); err != nil {
			return fmt.Errorf("ensure schema: %w", err)
		}
	}
	discarded, err := s.Pipeline.Recover(ctx)
	if err != nil {
		return fmt.Errorf("recover sessions: %w", err)
	}
	if discarded > 0 {
		log.Warn().Int64("sessions", discarded).Msg("discarded unfinished sessions")
	}
	if _, err := s.Clusters.AssignUnclustered(ctx); err != nil {
		return fmt.Errorf("assign unclustered stops: %w", err)
	}

	ctx, s.cancel = context.WithCancel(ctx)

	s.workers.Add(1)
	go func() {
		defer s.workers.Done()
		s.Queue.Run(ctx)
	}()

	if s.Cfg.FixDevice != "" && s.Redis != nil {
		s.workers.Add(1)
		go func() {
			defer s.workers.Done()
			s.followFixes(ctx)
		}()
	}
	return nil
}

// followRetry is the pause before resubscribing after the fix source failed.
var followRetry = 5 * time.Second

// followFixes feeds the active session from the device channel until ctx
// ends. A failed subscription suspends the session; the next fix after
// resubscribing resumes it.
func (s *Server) followFixes(ctx context.Context) {
	src := fixsource.NewRedisSource(s.Redis, s.Cfg.FixDevice)
	for {
		err := fixsource.Follow(ctx, src, s.Pipeline)
		if ctx.Err() != nil {
			return
		}
		if err != nil && !errors.Is(err, context.Canceled) {
			log.Error().Err(err).Str("device", s.Cfg.FixDevice).Dur("retry_in", followRetry).Msg("fix follower stopped")
		}
		select {
		case <-ctx.Done():
			return
		case <-time.After(followRetry):
		}
	}
}

// Stop ends background workers and disconnects live listeners.
func (s *Server) Stop() error {
	if s.cancel != nil {
		s.cancel()
	}
	s.workers.Wait()
	return s.Stream.Close()
}
