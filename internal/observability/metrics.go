package observability

import (
	"context"
	"net/http"
	"strings"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"google.golang.org/grpc"
	"google.golang.org/grpc/status"
)

// CoordinatorCollector bundles the Prometheus metrics of the tick loop and
// of the control-plane gRPC surface.
type CoordinatorCollector struct {
	gatherer prometheus.Gatherer

	RPCRequests  *prometheus.CounterVec
	RPCDurations *prometheus.HistogramVec

	Ticks                prometheus.Counter
	TickDuration         prometheus.Histogram
	ActiveAgents         prometheus.Gauge
	WaitingAgents        prometheus.Gauge
	Replans              prometheus.Counter
	ReservationConflicts prometheus.Counter
	Infeasible           prometheus.Counter
	ConstraintsPublished *prometheus.CounterVec
	CellsReserved        *prometheus.CounterVec
	Arrivals             prometheus.Counter
	Completed            prometheus.Counter
}

// NewCoordinatorCollector registers the coordinator metrics against reg,
// defaulting to the global Prometheus registry when nil.
func NewCoordinatorCollector(reg prometheus.Registerer) (*CoordinatorCollector, error) {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	gatherer := prometheus.DefaultGatherer
	if g, ok := reg.(prometheus.Gatherer); ok {
		gatherer = g
	}

	requests, err := register(reg, prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "coordinator_rpc_requests_total",
		Help: "Total number of handled control-plane RPCs, labeled by service, method, and gRPC status code.",
	}, []string{"service", "method", "code"}), "coordinator_rpc_requests_total")
	if err != nil {
		return nil, err
	}
	durations, err := register(reg, prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "coordinator_rpc_duration_seconds",
		Help:    "Control-plane RPC latency in seconds.",
		Buckets: []float64{0.001, 0.005, 0.01, 0.05, 0.1, 0.5, 1},
	}, []string{"service", "method"}), "coordinator_rpc_duration_seconds")
	if err != nil {
		return nil, err
	}

	ticks, err := register(reg, prometheus.NewCounter(prometheus.CounterOpts{
		Name: "coordinator_ticks_total",
		Help: "Number of completed coordination ticks.",
	}), "coordinator_ticks_total")
	if err != nil {
		return nil, err
	}
	tickDuration, err := register(reg, prometheus.NewHistogram(prometheus.HistogramOpts{
		Name:    "coordinator_tick_duration_seconds",
		Help:    "Wall-clock duration of one coordination tick.",
		Buckets: []float64{0.001, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2, 5},
	}), "coordinator_tick_duration_seconds")
	if err != nil {
		return nil, err
	}
	active, err := register(reg, prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "coordinator_active_agents",
		Help: "Agents currently inside the intersection.",
	}), "coordinator_active_agents")
	if err != nil {
		return nil, err
	}
	waiting, err := register(reg, prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "coordinator_waiting_agents",
		Help: "Arrived agents waiting for a free entry slot.",
	}), "coordinator_waiting_agents")
	if err != nil {
		return nil, err
	}
	replans, err := register(reg, prometheus.NewCounter(prometheus.CounterOpts{
		Name: "coordinator_replans_total",
		Help: "Re-plans triggered by failed reservations or cost jumps.",
	}), "coordinator_replans_total")
	if err != nil {
		return nil, err
	}
	conflicts, err := register(reg, prometheus.NewCounter(prometheus.CounterOpts{
		Name: "coordinator_reservation_conflicts_total",
		Help: "Reservation attempts rejected because the cell-time slot was held.",
	}), "coordinator_reservation_conflicts_total")
	if err != nil {
		return nil, err
	}
	infeasible, err := register(reg, prometheus.NewCounter(prometheus.CounterOpts{
		Name: "coordinator_optimizer_infeasible_total",
		Help: "Agents left blocked because no feasible plan was found.",
	}), "coordinator_optimizer_infeasible_total")
	if err != nil {
		return nil, err
	}
	published, err := register(reg, prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "coordinator_constraints_published_total",
		Help: "Constraints published to later tiers, labeled by communication scheme.",
	}, []string{"scheme"}), "coordinator_constraints_published_total")
	if err != nil {
		return nil, err
	}
	reserved, err := register(reg, prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "coordinator_cells_reserved_total",
		Help: "Cell-time slots represented by published constraints, labeled by communication scheme.",
	}, []string{"scheme"}), "coordinator_cells_reserved_total")
	if err != nil {
		return nil, err
	}
	arrivals, err := register(reg, prometheus.NewCounter(prometheus.CounterOpts{
		Name: "coordinator_arrivals_total",
		Help: "Agents that arrived at an entry point.",
	}), "coordinator_arrivals_total")
	if err != nil {
		return nil, err
	}
	completed, err := register(reg, prometheus.NewCounter(prometheus.CounterOpts{
		Name: "coordinator_completed_total",
		Help: "Agents that reached their target and left.",
	}), "coordinator_completed_total")
	if err != nil {
		return nil, err
	}

	return &CoordinatorCollector{
		gatherer:             gatherer,
		RPCRequests:          requests,
		RPCDurations:         durations,
		Ticks:                ticks,
		TickDuration:         tickDuration,
		ActiveAgents:         active,
		WaitingAgents:        waiting,
		Replans:              replans,
		ReservationConflicts: conflicts,
		Infeasible:           infeasible,
		ConstraintsPublished: published,
		CellsReserved:        reserved,
		Arrivals:             arrivals,
		Completed:            completed,
	}, nil
}

// UnaryServerInterceptor records request counts and durations for unary RPCs.
func (c *CoordinatorCollector) UnaryServerInterceptor() grpc.UnaryServerInterceptor {
	return func(ctx context.Context, req interface{}, info *grpc.UnaryServerInfo, handler grpc.UnaryHandler) (interface{}, error) {
		start := time.Now()
		resp, err := handler(ctx, req)

		if c == nil {
			return resp, err
		}

		fullMethod := ""
		if info != nil {
			fullMethod = info.FullMethod
		}
		service, method := SplitMethod(fullMethod)
		code := status.Code(err).String()

		if c.RPCRequests != nil {
			c.RPCRequests.WithLabelValues(service, method, code).Inc()
		}
		if c.RPCDurations != nil {
			c.RPCDurations.WithLabelValues(service, method).Observe(time.Since(start).Seconds())
		}

		return resp, err
	}
}

// Handler exposes a ready-to-use /metrics handler.
func (c *CoordinatorCollector) Handler() http.Handler {
	gatherer := prometheus.DefaultGatherer
	if c != nil && c.gatherer != nil {
		gatherer = c.gatherer
	}
	return promhttp.HandlerFor(gatherer, promhttp.HandlerOpts{})
}

// Gatherer returns the Prometheus gatherer associated with the collector.
func (c *CoordinatorCollector) Gatherer() prometheus.Gatherer {
	if c == nil {
		return nil
	}
	return c.gatherer
}

// ObserveTick counts a finished tick and its wall-clock duration.
func (c *CoordinatorCollector) ObserveTick(d time.Duration) {
	if c == nil {
		return
	}
	c.Ticks.Inc()
	c.TickDuration.Observe(d.Seconds())
}

// SetAgents updates the active and waiting agent gauges.
func (c *CoordinatorCollector) SetAgents(active, waiting int) {
	if c == nil {
		return
	}
	c.ActiveAgents.Set(float64(active))
	c.WaitingAgents.Set(float64(waiting))
}

func (c *CoordinatorCollector) AddReplans(n int) {
	if c == nil || n <= 0 {
		return
	}
	c.Replans.Add(float64(n))
}

func (c *CoordinatorCollector) IncReservationConflicts() {
	if c == nil {
		return
	}
	c.ReservationConflicts.Inc()
}

func (c *CoordinatorCollector) IncInfeasible() {
	if c == nil {
		return
	}
	c.Infeasible.Inc()
}

// AddPublished records one publication under the given scheme name.
func (c *CoordinatorCollector) AddPublished(scheme string, constraints, reserved int) {
	if c == nil {
		return
	}
	c.ConstraintsPublished.WithLabelValues(scheme).Add(float64(constraints))
	c.CellsReserved.WithLabelValues(scheme).Add(float64(reserved))
}

func (c *CoordinatorCollector) AddArrivals(n int) {
	if c == nil || n <= 0 {
		return
	}
	c.Arrivals.Add(float64(n))
}

func (c *CoordinatorCollector) AddCompleted(n int) {
	if c == nil || n <= 0 {
		return
	}
	c.Completed.Add(float64(n))
}

// SplitMethod turns "/pkg.Service/Method" into ("Service", "Method"). Missing
// parts come back as "unknown".
func SplitMethod(fullMethod string) (service, method string) {
	service, method = "unknown", "unknown"
	path := strings.TrimPrefix(fullMethod, "/")
	slash := strings.LastIndexByte(path, '/')
	if slash < 0 {
		return service, method
	}
	svc, m := path[:slash], path[slash+1:]
	if i := strings.LastIndexByte(svc, '/'); i >= 0 {
		svc = svc[i+1:]
	}
	if i := strings.LastIndexByte(svc, '.'); i >= 0 {
		svc = svc[i+1:]
	}
	if svc != "" {
		service = svc
	}
	if m != "" {
		method = m
	}
	return service, method
}
