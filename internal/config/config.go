// Package config loads and validates the parameters of one coordination run.
package config

import (
	"errors"
	"fmt"
	"math"
	"os"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/signalsfoundry/intersection-coordinator/internal/arrival"
	"github.com/signalsfoundry/intersection-coordinator/internal/constraint"
	"github.com/signalsfoundry/intersection-coordinator/internal/grid"
	"github.com/signalsfoundry/intersection-coordinator/internal/motion"
	"github.com/signalsfoundry/intersection-coordinator/internal/planner"
	"github.com/signalsfoundry/intersection-coordinator/internal/scheduler"
)

// ErrInvalidConfig is wrapped by every validation failure.
var ErrInvalidConfig = errors.New("invalid run config")

// Infeasibility policies.
const (
	OnInfeasibleHold     = "hold"
	OnInfeasibleContinue = "continue"
)

// RunConfig is the whole parameter set of a run. It is threaded through
// construction; nothing reads it from package state.
type RunConfig struct {
	Intersection  IntersectionConfig  `yaml:"intersection"`
	Horizon       HorizonConfig       `yaml:"horizon"`
	Agents        AgentsConfig        `yaml:"agents"`
	Communication CommunicationConfig `yaml:"communication"`
	Scheduler     SchedulerConfig     `yaml:"scheduler"`
	Planner       PlannerConfig       `yaml:"planner"`
	Replan        ReplanConfig        `yaml:"replan"`
	Arrivals      ArrivalsConfig      `yaml:"arrivals"`
	Run           RunSection          `yaml:"run"`
}

// IntersectionConfig is the geometry of the shared area.
type IntersectionConfig struct {
	Width    float64 `yaml:"width"`
	Height   float64 `yaml:"height"`
	CellSize float64 `yaml:"cell_size"`
}

// HorizonConfig holds the prediction length N and sampling step T.
type HorizonConfig struct {
	N int     `yaml:"n"`
	T float64 `yaml:"t"`
}

// AgentStart is one agent of the fixed start list.
type AgentStart struct {
	Name   string     `yaml:"name"`
	Start  [2]float64 `yaml:"start"`
	Target [2]float64 `yaml:"target"`
}

// AgentsConfig describes the agents and their controllers.
type AgentsConfig struct {
	// MinDistance is the minimum distance kept between two agents.
	MinDistance     float64      `yaml:"min_distance"`
	ControlLower    float64      `yaml:"control_lower"`
	ControlUpper    float64      `yaml:"control_upper"`
	Lambda          float64      `yaml:"lambda"`
	TargetTolerance float64      `yaml:"target_tolerance"`
	MaxAgents       int          `yaml:"max_agents"`
	Crosswise       int          `yaml:"crosswise"`
	Start           []AgentStart `yaml:"start,omitempty"`
}

type CommunicationConfig struct {
	Scheme string `yaml:"scheme"`
}

type SchedulerConfig struct {
	Strategy string `yaml:"strategy"`
	Criteria string `yaml:"criteria"`
}

type PlannerConfig struct {
	Algorithm     string  `yaml:"algorithm"`
	MaxIterations int     `yaml:"max_iterations"`
	Tolerance     float64 `yaml:"tolerance"`
	PenaltyStart  float64 `yaml:"penalty_start"`
	PenaltyMax    float64 `yaml:"penalty_max"`
}

// ReplanConfig bounds the work spent on an agent whose reservation failed.
type ReplanConfig struct {
	MaxAttempts      int     `yaml:"max_attempts"`
	ReoptimizeFactor float64 `yaml:"reoptimize_factor"`
	AcceptanceFactor float64 `yaml:"acceptance_factor"`
	OnInfeasible     string  `yaml:"on_infeasible"`
}

// ArrivalsConfig enables stochastic entry at the lane starts. Means are
// counts per MetricSeconds at every entry point; Sides overrides the mean
// for individual sides ("top", "right", "bottom", "left").
type ArrivalsConfig struct {
	Enabled       bool               `yaml:"enabled"`
	Seed          uint64             `yaml:"seed"`
	Mean          float64            `yaml:"mean"`
	MetricSeconds float64            `yaml:"metric_seconds"`
	Sides         map[string]float64 `yaml:"sides,omitempty"`
}

type RunSection struct {
	MaxTicks int    `yaml:"max_ticks"`
	Mode     string `yaml:"mode"`
}

// Default returns the reference parameter set.
func Default() RunConfig {
	return RunConfig{
		Intersection:  IntersectionConfig{Width: 12, Height: 12, CellSize: 1.1},
		Horizon:       HorizonConfig{N: 12, T: 0.5},
		Agents: AgentsConfig{
			MinDistance:     0.5,
			ControlLower:    -1,
			ControlUpper:    1,
			Lambda:          0.2,
			TargetTolerance: 0.1,
			MaxAgents:       4,
			Crosswise:       4,
		},
		Communication: CommunicationConfig{Scheme: constraint.Full.String()},
		Scheduler:     SchedulerConfig{Strategy: scheduler.Flat.String(), Criteria: scheduler.MinOpenLoop.String()},
		Planner: PlannerConfig{
			Algorithm:     planner.Gradient.String(),
			MaxIterations: 200,
			Tolerance:     1e-3,
			PenaltyStart:  10,
			PenaltyMax:    1e4,
		},
		Replan: ReplanConfig{
			MaxAttempts:      3,
			ReoptimizeFactor: 4,
			AcceptanceFactor: 1.5,
			OnInfeasible:     OnInfeasibleHold,
		},
		Arrivals: ArrivalsConfig{Mean: 6, MetricSeconds: 60, Seed: 1},
		Run:      RunSection{MaxTicks: 120, Mode: "accelerated"},
	}
}

// Load reads a YAML file and applies defaults.
func Load(path string) (RunConfig, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return RunConfig{}, fmt.Errorf("read config %s: %w", path, err)
	}
	return Parse(data)
}

// Parse decodes YAML, fills unset fields with defaults and validates.
func Parse(data []byte) (RunConfig, error) {
	var cfg RunConfig
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return RunConfig{}, fmt.Errorf("parse config: %w", err)
	}
	cfg.ApplyDefaults()
	if err := cfg.Validate(); err != nil {
		return RunConfig{}, err
	}
	return cfg, nil
}

// Marshal encodes the configuration as YAML.
func (c RunConfig) Marshal() ([]byte, error) {
	return yaml.Marshal(c)
}

// ApplyDefaults fills zero-valued fields from Default. Control bounds are
// only defaulted when both are zero.
func (c *RunConfig) ApplyDefaults() {
	d := Default()
	setF := func(v *float64, def float64) {
		if *v == 0 {
			*v = def
		}
	}
	setI := func(v *int, def int) {
		if *v == 0 {
			*v = def
		}
	}
	setS := func(v *string, def string) {
		if strings.TrimSpace(*v) == "" {
			*v = def
		}
	}

	setF(&c.Intersection.Width, d.Intersection.Width)
	setF(&c.Intersection.Height, d.Intersection.Height)
	setF(&c.Intersection.CellSize, d.Intersection.CellSize)
	setI(&c.Horizon.N, d.Horizon.N)
	setF(&c.Horizon.T, d.Horizon.T)

	setF(&c.Agents.MinDistance, d.Agents.MinDistance)
	if c.Agents.ControlLower == 0 && c.Agents.ControlUpper == 0 {
		c.Agents.ControlLower, c.Agents.ControlUpper = d.Agents.ControlLower, d.Agents.ControlUpper
	}
	setF(&c.Agents.Lambda, d.Agents.Lambda)
	setF(&c.Agents.TargetTolerance, d.Agents.TargetTolerance)
	setI(&c.Agents.MaxAgents, d.Agents.MaxAgents)

	setS(&c.Communication.Scheme, d.Communication.Scheme)
	setS(&c.Scheduler.Strategy, d.Scheduler.Strategy)
	setS(&c.Scheduler.Criteria, d.Scheduler.Criteria)

	setS(&c.Planner.Algorithm, d.Planner.Algorithm)
	setI(&c.Planner.MaxIterations, d.Planner.MaxIterations)
	setF(&c.Planner.Tolerance, d.Planner.Tolerance)
	setF(&c.Planner.PenaltyStart, d.Planner.PenaltyStart)
	setF(&c.Planner.PenaltyMax, d.Planner.PenaltyMax)

	setI(&c.Replan.MaxAttempts, d.Replan.MaxAttempts)
	setF(&c.Replan.ReoptimizeFactor, d.Replan.ReoptimizeFactor)
	setF(&c.Replan.AcceptanceFactor, d.Replan.AcceptanceFactor)
	setS(&c.Replan.OnInfeasible, d.Replan.OnInfeasible)

	setF(&c.Arrivals.Mean, d.Arrivals.Mean)
	setF(&c.Arrivals.MetricSeconds, d.Arrivals.MetricSeconds)
	setI(&c.Run.MaxTicks, d.Run.MaxTicks)
	setS(&c.Run.Mode, d.Run.Mode)
}

// Validate reports the first inconsistent parameter.
func (c RunConfig) Validate() error {
	bad := func(format string, args ...any) error {
		return fmt.Errorf("%w: %s", ErrInvalidConfig, fmt.Sprintf(format, args...))
	}
	switch {
	case c.Intersection.Width <= 0 || c.Intersection.Height <= 0:
		return bad("intersection must have positive width and height")
	case c.Intersection.CellSize <= 0:
		return bad("cell_size must be positive, got %v", c.Intersection.CellSize)
	case c.Horizon.N < 2:
		return bad("horizon n must be at least 2, got %d", c.Horizon.N)
	case c.Horizon.T <= 0:
		return bad("horizon t must be positive, got %v", c.Horizon.T)
	case c.Agents.ControlLower >= c.Agents.ControlUpper:
		return bad("control bounds [%v, %v] are empty", c.Agents.ControlLower, c.Agents.ControlUpper)
	case c.Agents.MinDistance < 0 || c.Agents.Lambda < 0:
		return bad("min_distance and lambda must not be negative")
	case c.Agents.TargetTolerance <= 0:
		return bad("target_tolerance must be positive")
	case c.Agents.MaxAgents < 1:
		return bad("max_agents must be at least 1")
	case c.Replan.MaxAttempts < 0:
		return bad("replan max_attempts must not be negative")
	case c.Replan.AcceptanceFactor <= 0 || c.Replan.ReoptimizeFactor <= 0:
		return bad("replan factors must be positive")
	case c.Replan.OnInfeasible != OnInfeasibleHold && c.Replan.OnInfeasible != OnInfeasibleContinue:
		return bad("on_infeasible must be %q or %q, got %q", OnInfeasibleHold, OnInfeasibleContinue, c.Replan.OnInfeasible)
	case c.Arrivals.Enabled && c.Arrivals.MetricSeconds <= 0:
		return bad("arrivals metric_seconds must be positive")
	case c.Run.MaxTicks < 0:
		return bad("max_ticks must not be negative")
	}
	if _, err := c.Scheme(); err != nil {
		return bad("%v", err)
	}
	if _, err := c.Strategy(); err != nil {
		return bad("%v", err)
	}
	if _, err := c.Criteria(); err != nil {
		return bad("%v", err)
	}
	if _, err := c.Algorithm(); err != nil {
		return bad("%v", err)
	}
	for side := range c.Arrivals.Sides {
		if _, ok := ParseSide(side); !ok {
			return bad("unknown arrival side %q", side)
		}
	}
	for i, a := range c.Agents.Start {
		if a.Start == a.Target {
			return bad("agent %d (%s) starts at its target", i, a.Name)
		}
	}
	return nil
}

func (c RunConfig) Scheme() (constraint.Scheme, error) {
	return constraint.ParseScheme(c.Communication.Scheme)
}

func (c RunConfig) Strategy() (scheduler.Strategy, error) {
	return scheduler.ParseStrategy(c.Scheduler.Strategy)
}

func (c RunConfig) Criteria() (scheduler.Criteria, error) {
	return scheduler.ParseCriteria(c.Scheduler.Criteria)
}

func (c RunConfig) Algorithm() (planner.Algorithm, error) {
	return planner.ParseAlgorithm(c.Planner.Algorithm)
}

// RealTime reports whether ticks are paced by the wall clock.
func (c RunConfig) RealTime() bool {
	return strings.EqualFold(strings.TrimSpace(c.Run.Mode), "realtime")
}

// ParseSide maps a side name to a grid side.
func ParseSide(name string) (grid.Side, bool) {
	for _, s := range []grid.Side{grid.Top, grid.Right, grid.Bottom, grid.Left} {
		if strings.EqualFold(strings.TrimSpace(name), s.String()) {
			return s, true
		}
	}
	return 0, false
}

// MaxDynamics is the largest speed a control can command on one axis.
func (c RunConfig) MaxDynamics() float64 {
	return math.Max(math.Abs(c.Agents.ControlLower), math.Abs(c.Agents.ControlUpper))
}

// SafetyMargin is recomputed from the current parameters on every call.
func (c RunConfig) SafetyMargin() float64 {
	return constraint.SafetyMargin(c.Agents.MinDistance, c.MaxDynamics(), c.Horizon.T)
}

// GridWidth and GridHeight are the grid dimensions in cells.
func (c RunConfig) GridWidth() int {
	return int(math.Ceil(c.Intersection.Width / c.Intersection.CellSize))
}

func (c RunConfig) GridHeight() int {
	return int(math.Ceil(c.Intersection.Height / c.Intersection.CellSize))
}

// referenceCost is the stage cost of a unit diagonal step seen from the far
// corner of the grid.
func (c RunConfig) referenceCost() float64 {
	far := motion.Vec2{X: float64(c.GridWidth()), Y: float64(c.GridHeight())}
	return motion.StageCost(motion.Vec2{}, motion.Vec2{X: 1, Y: 1}, far, c.Agents.Lambda)
}

// ReoptimizeBound is the cost increase over the previous tick's solution
// that forces a second optimization pass.
func (c RunConfig) ReoptimizeBound() float64 {
	return c.referenceCost() * c.Replan.ReoptimizeFactor
}

// AcceptanceBound is the looser threshold used by the second pass.
func (c RunConfig) AcceptanceBound() float64 {
	return c.referenceCost() * c.Replan.AcceptanceFactor
}

// ConstraintParams returns the inputs of constraint formulation.
func (c RunConfig) ConstraintParams() constraint.Params {
	return constraint.Params{
		N:           c.Horizon.N,
		T:           c.Horizon.T,
		CellSize:    c.Intersection.CellSize,
		Dmin:        c.Agents.MinDistance,
		MaxDynamics: c.MaxDynamics(),
		UMax:        c.Agents.ControlUpper,
	}
}

// PlannerOptions returns the controller options for one agent.
func (c RunConfig) PlannerOptions() planner.Options {
	return planner.Options{
		N:             c.Horizon.N,
		T:             c.Horizon.T,
		Lambda:        c.Agents.Lambda,
		ControlLower:  motion.Vec2{X: c.Agents.ControlLower, Y: c.Agents.ControlLower},
		ControlUpper:  motion.Vec2{X: c.Agents.ControlUpper, Y: c.Agents.ControlUpper},
		Tolerance:     c.Planner.Tolerance,
		MaxIterations: c.Planner.MaxIterations,
		PenaltyStart:  c.Planner.PenaltyStart,
		PenaltyMax:    c.Planner.PenaltyMax,
	}
}

// ArrivalsPerTick converts a mean per MetricSeconds into a per-tick rate.
func (c RunConfig) ArrivalsPerTick(mean float64) float64 {
	return arrival.RatePerTick(mean, c.Arrivals.MetricSeconds, c.Horizon.T)
}
