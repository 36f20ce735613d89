package main

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"golang.org/x/sync/errgroup"
	"golang.org/x/time/rate"
	"google.golang.org/grpc"
	"google.golang.org/grpc/health"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
	"google.golang.org/grpc/reflection"

	"github.com/pesio-ai/be-disbursement-flows/internal/client"
	"github.com/pesio-ai/be-disbursement-flows/internal/common/database"
	"github.com/pesio-ai/be-disbursement-flows/internal/common/logger"
	"github.com/pesio-ai/be-disbursement-flows/internal/common/middleware"
	"github.com/pesio-ai/be-disbursement-flows/internal/config"
	"github.com/pesio-ai/be-disbursement-flows/internal/flow"
	"github.com/pesio-ai/be-disbursement-flows/internal/handler"
	"github.com/pesio-ai/be-disbursement-flows/internal/metrics"
	"github.com/pesio-ai/be-disbursement-flows/internal/repository"
	"github.com/pesio-ai/be-disbursement-flows/internal/repository/memory"
	"github.com/pesio-ai/be-disbursement-flows/internal/service"
	"github.com/pesio-ai/be-disbursement-flows/internal/tracing"
)

func main() {
	root := &cobra.Command{
		Use:          "disbursement-flows",
		Short:        "Disbursement approval flow engine",
		SilenceUsage: true,
	}
	root.AddCommand(serveCommand(), migrateCommand())

	if err := root.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "%v\n", err)
		os.Exit(1)
	}
}

func serveCommand() *cobra.Command {
	v := viper.New()
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the HTTP and gRPC servers and the escalation sweeper",
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := config.Load(v)
			if err != nil {
				return err
			}
			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()
			return serve(ctx, cfg)
		},
	}
	cobra.CheckErr(config.BindFlags(cmd, v))
	return cmd
}

func migrateCommand() *cobra.Command {
	v := viper.New()
	cmd := &cobra.Command{
		Use:   "migrate",
		Short: "Apply the database schema",
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := config.Load(v)
			if err != nil {
				return err
			}
			log := newLogger(cfg)

			db, err := database.New(cmd.Context(), cfg.Database)
			if err != nil {
				return fmt.Errorf("connect to database: %w", err)
			}
			defer db.Close()

			if err := repository.Migrate(cmd.Context(), db); err != nil {
				return err
			}
			log.Info().Str("database", cfg.Database.Database).Msg("Schema applied")
			return nil
		},
	}
	cobra.CheckErr(config.BindFlags(cmd, v))
	return cmd
}

func newLogger(cfg *config.Config) *logger.Logger {
	return logger.New(logger.Config{
		Level:       cfg.Service.LogLevel,
		Environment: cfg.Service.Environment,
		ServiceName: cfg.Service.Name,
		Version:     cfg.Service.Version,
	})
}

// stores groups the persistence the services are built on.
type stores struct {
	flows         service.FlowRepository
	config        service.ConfigRepository
	verifications service.VerificationRepository
	audit         service.AuditRepository
	requests      service.RequestLookup
	users         client.UserSource
	timers        service.TimerStore
	checks        map[string]handler.HealthCheck
	closers       []func()
}

func (s *stores) close() {
	for i := len(s.closers) - 1; i >= 0; i-- {
		s.closers[i]()
	}
}

func openStores(ctx context.Context, cfg *config.Config, log *logger.Logger) (*stores, error) {
	s := &stores{checks: map[string]handler.HealthCheck{}}

	switch cfg.Storage {
	case config.StoragePostgres:
		db, err := database.New(ctx, cfg.Database)
		if err != nil {
			return nil, fmt.Errorf("connect to database: %w", err)
		}
		s.closers = append(s.closers, db.Close)
		s.checks["database"] = db.Ping
		s.flows = repository.NewApprovalFlowRepository(db)
		s.config = repository.NewSystemConfigRepository(db)
		s.verifications = repository.NewDisbursementVerificationRepository(db)
		s.audit = repository.NewAuditRepository(db)
		s.requests = repository.NewRequestRepository(db)
		s.users = repository.NewUserRepository(db)
		log.Info().Str("host", cfg.Database.Host).Msg("Database connection established")

	case config.StorageMemory:
		users := memory.NewUserStore()
		requests := memory.NewRequestStore()
		if cfg.SeedFile != "" {
			f, err := os.Open(cfg.SeedFile)
			if err != nil {
				return nil, fmt.Errorf("open seed file: %w", err)
			}
			err = memory.LoadSeed(f, users, requests)
			f.Close()
			if err != nil {
				return nil, err
			}
		}
		flows := memory.NewFlowStore()
		s.flows = flows
		s.config = memory.NewConfigStore()
		s.verifications = memory.NewVerificationStore(flows)
		s.audit = memory.NewAuditStore()
		s.requests = requests
		s.users = users
		log.Warn().Msg("Using in-memory storage; state is lost on restart")
	}

	switch cfg.Timers {
	case config.TimerRedis:
		timers := repository.NewRedisTimerStore(cfg.Redis)
		if err := timers.Ping(ctx); err != nil {
			s.close()
			return nil, fmt.Errorf("connect to redis: %w", err)
		}
		s.closers = append(s.closers, func() { timers.Close() })
		s.checks["redis"] = timers.Ping
		s.timers = timers
	case config.TimerMemory:
		s.timers = memory.NewTimerStore()
	}
	return s, nil
}

func openNotifier(ctx context.Context, cfg *config.Config, log *logger.Logger) (service.Notifier, func(), error) {
	if cfg.NATS.URL == "" {
		log.Warn().Msg("No NATS url configured; notifications are logged only")
		return client.NewLogNotifier(log), func() {}, nil
	}
	pub, err := client.NewJetStreamPublisher(ctx, cfg.NATS.URL, cfg.NATS.Stream, cfg.NATS.SubjectPrefix)
	if err != nil {
		return nil, nil, err
	}
	log.Info().Str("url", cfg.NATS.URL).Str("stream", cfg.NATS.Stream).Msg("NATS notification publisher initialized")
	closeFn := func() {
		if err := pub.Close(); err != nil {
			log.Warn().Err(err).Msg("Failed to drain NATS connection")
		}
	}
	return client.NewNotificationPublisher(pub, cfg.NATS.SubjectPrefix, cfg.NATS.MaxRetries, log), closeFn, nil
}

func serve(ctx context.Context, cfg *config.Config) error {
	log := newLogger(cfg)
	log.Info().
		Str("service", cfg.Service.Name).
		Str("version", cfg.Service.Version).
		Str("environment", cfg.Service.Environment).
		Str("storage", string(cfg.Storage)).
		Str("timers", string(cfg.Timers)).
		Msg("Starting disbursement flow service")

	shutdownTracing, err := tracing.Init(cfg.Tracing)
	if err != nil {
		return fmt.Errorf("init tracing: %w", err)
	}
	defer func() {
		if err := shutdownTracing(context.Background()); err != nil {
			log.Warn().Err(err).Msg("Failed to flush traces")
		}
	}()

	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	m := metrics.New(reg)

	st, err := openStores(ctx, cfg, log)
	if err != nil {
		return err
	}
	defer st.close()

	notifier, closeNotifier, err := openNotifier(ctx, cfg, log)
	if err != nil {
		return err
	}
	defer closeNotifier()

	registry := flow.DefaultRegistry()
	users := client.NewCachedUserDirectory(st.users, cfg.UserCache)
	configSvc := service.NewSystemConfigService(st.config, st.audit, m, log.With("system_config"))
	escalation := service.NewEscalationService(st.timers, st.flows, st.requests, st.audit, notifier, m,
		service.EscalationOptions{
			Delay:         cfg.Engine.EscalationDelay,
			RecapDueDays:  cfg.Engine.RecapDueDays,
			SweepInterval: cfg.Engine.SweepInterval,
		}, log.With("escalation"))

	flowSvc := service.NewApprovalFlowService(service.Dependencies{
		Registry:      registry,
		Flows:         st.flows,
		Requests:      st.requests,
		Users:         users,
		Audit:         st.audit,
		Verifications: st.verifications,
		Notifier:      notifier,
		Config:        configSvc,
		Escalation:    escalation,
		Metrics:       m,
	}, service.Options{PettyCashCeiling: cfg.Engine.PettyCashCeiling}, log.With("approval_flow"))

	// HTTP
	httpHandler := handler.NewHTTPHandler(flowSvc, st.checks, log)
	limiter := rate.NewLimiter(rate.Limit(cfg.RateLimit.RedeemPerSecond), cfg.RateLimit.RedeemBurst)
	router := httpHandler.Router(limiter)
	router.Handle("/metrics", promhttp.HandlerFor(reg, promhttp.HandlerOpts{Registry: reg}))

	var h http.Handler = router
	h = middleware.RequestID(h)
	h = middleware.Logger(&log.Logger)(h)
	h = middleware.Recovery(&log.Logger)(h)
	h = middleware.CORS(cfg.Server.CORSOrigins)(h)
	h = middleware.Timeout(cfg.Server.RequestTimeout)(h)

	httpServer := &http.Server{
		Addr:         fmt.Sprintf(":%d", cfg.Server.HTTPPort),
		Handler:      h,
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
		IdleTimeout:  cfg.Server.IdleTimeout,
	}

	// gRPC
	grpcServer := grpc.NewServer(grpc.UnaryInterceptor(handler.LoggingInterceptor(log.Logger)))
	handler.NewGRPCHandler(flowSvc, log.Logger).Register(grpcServer)
	healthServer := health.NewServer()
	healthServer.SetServingStatus(handler.ServiceName, healthpb.HealthCheckResponse_SERVING)
	healthpb.RegisterHealthServer(grpcServer, healthServer)
	reflection.Register(grpcServer)

	grpcListener, err := net.Listen("tcp", fmt.Sprintf(":%d", cfg.Server.GRPCPort))
	if err != nil {
		return fmt.Errorf("create gRPC listener: %w", err)
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		log.Info().Int("port", cfg.Server.HTTPPort).Msg("Starting HTTP server")
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("http server: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		log.Info().Int("port", cfg.Server.GRPCPort).Msg("Starting gRPC server")
		if err := grpcServer.Serve(grpcListener); err != nil && !errors.Is(err, grpc.ErrServerStopped) {
			return fmt.Errorf("grpc server: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		return escalation.Run(gctx)
	})
	g.Go(func() error {
		<-gctx.Done()
		log.Info().Msg("Shutting down server...")
		healthServer.Shutdown()

		shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
		defer cancel()
		if err := httpServer.Shutdown(shutdownCtx); err != nil {
			log.Error().Err(err).Msg("HTTP server shutdown failed")
		}
		grpcServer.GracefulStop()
		return nil
	})

	err = g.Wait()
	log.Info().Msg("Server stopped")
	return err
}
