package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"go.opentelemetry.io/contrib/instrumentation/google.golang.org/grpc/otelgrpc"
	"go.opentelemetry.io/otel/attribute"
	"google.golang.org/grpc"
	"google.golang.org/grpc/health"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"

	"github.com/signalsfoundry/intersection-coordinator/internal/config"
	"github.com/signalsfoundry/intersection-coordinator/internal/coordinator"
	"github.com/signalsfoundry/intersection-coordinator/internal/logging"
	"github.com/signalsfoundry/intersection-coordinator/internal/notify"
	"github.com/signalsfoundry/intersection-coordinator/internal/observability"
)

// Config holds the command-line settings of one coordinator process.
type Config struct {
	ConfigPath       string
	MetricsAddress   string
	WebsocketAddress string
	GRPCAddress      string

	// Overrides applied on top of the YAML configuration when non-empty.
	Scheme   string
	Strategy string
	Criteria string
	MaxTicks int
	RealTime bool

	// Serve keeps the servers up after the run finished until the process
	// is interrupted.
	Serve bool
}

func main() {
	var cfg Config
	flag.StringVar(&cfg.ConfigPath, "config", "", "Path to a YAML run configuration (defaults when empty)")
	flag.StringVar(&cfg.MetricsAddress, "metrics-addr", ":9090", "HTTP address for Prometheus /metrics")
	flag.StringVar(&cfg.WebsocketAddress, "ws-addr", ":8080", "HTTP address for the /ws viewer stream")
	flag.StringVar(&cfg.GRPCAddress, "grpc-addr", ":50051", "TCP address of the gRPC health service")
	flag.StringVar(&cfg.Scheme, "scheme", "", "Communication scheme (FULL, DIFFERENTIAL, MINMAXINTERVAL, MINMAXINTERVALMOVING, CONTINUOUS)")
	flag.StringVar(&cfg.Strategy, "strategy", "", "Scheduling strategy (flat, hierarchical, tree)")
	flag.StringVar(&cfg.Criteria, "criteria", "", "Conflict resolution criteria")
	flag.IntVar(&cfg.MaxTicks, "max-ticks", 0, "Stop after this many ticks")
	flag.BoolVar(&cfg.RealTime, "realtime", false, "Pace ticks at wall-clock speed")
	flag.BoolVar(&cfg.Serve, "serve", false, "Keep serving after the run finished")
	flag.Parse()

	log := logging.NewFromEnv()
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	var lis net.Listener
	if cfg.GRPCAddress != "" {
		var err error
		lis, err = net.Listen("tcp", cfg.GRPCAddress)
		if err != nil {
			log.Error(ctx, "failed to listen for gRPC", logging.String("addr", cfg.GRPCAddress), logging.Err(err))
			os.Exit(1)
		}
	}

	if err := run(ctx, cfg, log, lis); err != nil {
		log.Error(ctx, "coordinator exited", logging.Err(err))
		os.Exit(1)
	}
}

// loadRunConfig reads the YAML configuration and applies flag overrides.
func loadRunConfig(cfg Config) (config.RunConfig, error) {
	rc := config.Default()
	if cfg.ConfigPath != "" {
		var err error
		if rc, err = config.Load(cfg.ConfigPath); err != nil {
			return config.RunConfig{}, err
		}
	}
	if cfg.Scheme != "" {
		rc.Communication.Scheme = cfg.Scheme
	}
	if cfg.Strategy != "" {
		rc.Scheduler.Strategy = cfg.Strategy
	}
	if cfg.Criteria != "" {
		rc.Scheduler.Criteria = cfg.Criteria
	}
	if cfg.MaxTicks > 0 {
		rc.Run.MaxTicks = cfg.MaxTicks
	}
	if cfg.RealTime {
		rc.Run.Mode = "realtime"
	}
	rc.ApplyDefaults()
	if err := rc.Validate(); err != nil {
		return config.RunConfig{}, err
	}
	return rc, nil
}

// run drives one coordination run and its servers until the run ends or
// ctx is cancelled. lis may be nil to skip the gRPC health service.
func run(ctx context.Context, cfg Config, log logging.Logger, lis net.Listener) error {
	rc, err := loadRunConfig(cfg)
	if err != nil {
		return err
	}

	ctx, log = logging.WithRunLogger(ctx, log)
	ctx = logging.ContextWithLogger(ctx, log)

	shutdownTracing, err := observability.InitTracing(ctx, observability.TracingConfigFromEnv(), log,
		attribute.String("coordinator.run_id", logging.RunIDFromContext(ctx)),
		attribute.String("coordinator.scheme", rc.Communication.Scheme),
	)
	if err != nil {
		return fmt.Errorf("init tracing: %w", err)
	}
	defer observability.ShutdownWithTimeout(context.Background(), shutdownTracing, log)

	collector, err := observability.NewCoordinatorCollector(nil)
	if err != nil {
		return fmt.Errorf("init metrics: %w", err)
	}
	schedCollector, err := observability.NewSchedulerCollector(nil)
	if err != nil {
		return fmt.Errorf("init scheduler metrics: %w", err)
	}

	orch, err := coordinator.New(rc,
		coordinator.WithLogger(log),
		coordinator.WithMetrics(collector),
		coordinator.WithScheduleMetrics(schedCollector),
	)
	if err != nil {
		return err
	}
	hub := notify.NewHub(orch, notify.WithLogger(log))
	orch.AddObserver(hub)
	defer hub.Close()

	metricsSrv := serveHTTP(ctx, cfg.MetricsAddress, "/metrics", collector.Handler(), "metrics", log)
	wsSrv := serveHTTP(ctx, cfg.WebsocketAddress, "/ws", hub, "viewer", log)
	defer shutdownHTTP(log, metricsSrv, wsSrv)

	grpcSrv, healthSrv := serveHealth(ctx, lis, collector, log)
	if grpcSrv != nil {
		defer grpcSrv.GracefulStop()
	}

	err = orch.Run(ctx)
	snap := orch.Snapshot()
	log.Info(ctx, "coordination run finished",
		logging.Int("ticks", snap.Tick),
		logging.Int("agents", len(snap.Agents)),
		logging.Int("waiting", snap.Waiting),
	)
	if errors.Is(err, context.Canceled) {
		return nil
	}
	if err != nil {
		if healthSrv != nil {
			healthSrv.SetServingStatus("", healthpb.HealthCheckResponse_NOT_SERVING)
		}
		return err
	}

	if cfg.Serve {
		<-ctx.Done()
	}
	return nil
}

func serveHTTP(ctx context.Context, addr, path string, handler http.Handler, name string, log logging.Logger) *http.Server {
	if addr == "" {
		return nil
	}
	mux := http.NewServeMux()
	mux.Handle(path, handler)
	srv := &http.Server{
		Addr:              addr,
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}
	go func() {
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Warn(ctx, name+" server exited", logging.Err(err))
		}
	}()
	log.Info(ctx, "serving "+name, logging.String("addr", addr), logging.String("path", path))
	return srv
}

func shutdownHTTP(log logging.Logger, servers ...*http.Server) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	for _, srv := range servers {
		if srv == nil {
			continue
		}
		if err := srv.Shutdown(ctx); err != nil {
			log.Warn(ctx, "http shutdown failed", logging.String("addr", srv.Addr), logging.Err(err))
		}
	}
}

func serveHealth(ctx context.Context, lis net.Listener, collector *observability.CoordinatorCollector, log logging.Logger) (*grpc.Server, *health.Server) {
	if lis == nil {
		return nil, nil
	}
	server := grpc.NewServer(
		grpc.StatsHandler(otelgrpc.NewServerHandler()),
		grpc.ChainUnaryInterceptor(
			observability.RequestLoggerUnaryServerInterceptor(log),
			collector.UnaryServerInterceptor(),
		),
	)
	healthSrv := health.NewServer()
	healthSrv.SetServingStatus("", healthpb.HealthCheckResponse_SERVING)
	healthpb.RegisterHealthServer(server, healthSrv)

	log.Info(ctx, "starting gRPC health service", logging.String("addr", lis.Addr().String()))
	go func() {
		if err := server.Serve(lis); err != nil {
			log.Error(ctx, "gRPC server exited", logging.Err(err))
		}
	}()
	return server, healthSrv
}
