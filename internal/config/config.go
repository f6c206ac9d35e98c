package config

import (
	"fmt"
	"os"

	"github.com/caarlos0/env/v11"
	"gopkg.in/yaml.v3"

	"github.com/san-kum/daesim/internal/hybrid"
	"github.com/san-kum/daesim/internal/integrators"
	"github.com/san-kum/daesim/internal/linalg"
	"github.com/san-kum/daesim/internal/nonlinear"
)

// EnvPrefix prefixes every environment override, e.g. DAESIM_RTOL.
const EnvPrefix = "DAESIM_"

const (
	DefaultProblem = "pendulum"
	DefaultMethod  = "dopri5"
	DefaultTEnd    = 10.0
	DefaultDataDir = ".daesim"
)

type Config struct {
	Problem string  `yaml:"problem" env:"PROBLEM"`
	Method  string  `yaml:"method" env:"METHOD"`
	T0      float64 `yaml:"t0" env:"T0"`
	TEnd    float64 `yaml:"t_end" env:"T_END"`

	Step        StepConfig        `yaml:"step" envPrefix:"STEP_"`
	Nonlinear   NonlinearConfig   `yaml:"nonlinear" envPrefix:"NONLINEAR_"`
	Linear      string            `yaml:"linear" env:"LINEAR"`
	Events      EventConfig       `yaml:"events" envPrefix:"EVENTS_"`
	Sensitivity SensitivityConfig `yaml:"sensitivity" envPrefix:"SENS_"`
	Log         LogConfig         `yaml:"log" envPrefix:"LOG_"`

	// InitialState overrides the problem's default state when set.
	InitialState []float64          `yaml:"initial_state" env:"INITIAL_STATE" envSeparator:","`
	Controls     []float64          `yaml:"controls" env:"CONTROLS" envSeparator:","`
	Params       map[string]float64 `yaml:"params" env:"PARAMS"`

	DataDir string `yaml:"data_dir" env:"DATA_DIR"`
}

type StepConfig struct {
	AbsTol        float64 `yaml:"atol" env:"ATOL"`
	RelTol        float64 `yaml:"rtol" env:"RTOL"`
	InitialStep   float64 `yaml:"h0" env:"H0"`
	MinStep       float64 `yaml:"min" env:"MIN"`
	MaxStep       float64 `yaml:"max" env:"MAX"`
	Fixed         bool    `yaml:"fixed" env:"FIXED"`
	Safety        float64 `yaml:"safety" env:"SAFETY"`
	FacMin        float64 `yaml:"fac_min" env:"FAC_MIN"`
	FacMax        float64 `yaml:"fac_max" env:"FAC_MAX"`
	MaxRejections int     `yaml:"max_rejections" env:"MAX_REJECTIONS"`
	MaxSteps      int     `yaml:"max_steps" env:"MAX_STEPS"`
}

// NonlinearConfig leaves the stage solver tolerances at zero to derive them
// from the step tolerances.
type NonlinearConfig struct {
	Method       string  `yaml:"method" env:"METHOD"`
	AbsTol       float64 `yaml:"atol" env:"ATOL"`
	RelTol       float64 `yaml:"rtol" env:"RTOL"`
	MaxIter      int     `yaml:"max_iter" env:"MAX_ITER"`
	Relaxation   float64 `yaml:"relaxation" env:"RELAXATION"`
	RefreshAfter int     `yaml:"refresh_after" env:"REFRESH_AFTER"`
}

type EventConfig struct {
	Tol          float64 `yaml:"tol" env:"TOL"`
	Localization string  `yaml:"localization" env:"LOCALIZATION"`
	MaxCycles    int     `yaml:"max_cycles" env:"MAX_CYCLES"`
}

type SensitivityConfig struct {
	// Mode is adjoint, tangent or both.
	Mode    string `yaml:"mode" env:"MODE"`
	Workers int    `yaml:"workers" env:"WORKERS"`
	Retain  bool   `yaml:"retain_factors" env:"RETAIN_FACTORS"`
}

type LogConfig struct {
	Level  string `yaml:"level" env:"LEVEL"`
	Format string `yaml:"format" env:"FORMAT"`
}

func DefaultConfig() *Config {
	ctl := integrators.DefaultStepControl()
	nl := nonlinear.DefaultOptions()
	return &Config{
		Problem: DefaultProblem,
		Method:  DefaultMethod,
		TEnd:    DefaultTEnd,
		Step: StepConfig{
			AbsTol:        ctl.AbsTol,
			RelTol:        ctl.RelTol,
			MinStep:       ctl.MinStep,
			Safety:        ctl.Safety,
			FacMin:        ctl.FacMin,
			FacMax:        ctl.FacMax,
			MaxRejections: ctl.MaxRejections,
			MaxSteps:      ctl.MaxSteps,
		},
		Nonlinear: NonlinearConfig{
			Method:       nl.Method.String(),
			MaxIter:      nl.MaxIter,
			Relaxation:   nl.Relaxation,
			RefreshAfter: nl.RefreshAfter,
		},
		Linear: linalg.Auto.String(),
		Events: EventConfig{
			Tol:          hybrid.DefaultEventTol,
			Localization: hybrid.Bisection.String(),
			MaxCycles:    hybrid.DefaultMaxCycles,
		},
		Sensitivity: SensitivityConfig{Mode: "adjoint", Workers: 4},
		Log:         LogConfig{Level: "info", Format: "text"},
		DataDir:     DefaultDataDir,
	}
}

// Load reads a YAML file over the defaults.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	cfg := DefaultConfig()
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("config: %s: %w", path, err)
	}
	return cfg, nil
}

func Save(path string, cfg *Config) error {
	data, err := yaml.Marshal(cfg)
	if err != nil {
		return err
	}
	return os.WriteFile(path, data, 0644)
}

// ApplyEnv overrides the fields whose DAESIM_* variables are set.
func (c *Config) ApplyEnv() error {
	if err := env.ParseWithOptions(c, env.Options{Prefix: EnvPrefix}); err != nil {
		return fmt.Errorf("config: environment: %w", err)
	}
	return nil
}

func (c *Config) Validate() error {
	if c.Problem == "" {
		return fmt.Errorf("config: no problem")
	}
	if c.TEnd < c.T0 {
		return fmt.Errorf("config: t_end %g before t0 %g", c.TEnd, c.T0)
	}
	if err := c.StepControl().Validate(); err != nil {
		return fmt.Errorf("config: %w", err)
	}
	if _, err := c.NonlinearOptions(); err != nil {
		return err
	}
	if _, err := c.LinearKind(); err != nil {
		return fmt.Errorf("config: %w", err)
	}
	if _, err := hybrid.ParseLocalization(c.Events.Localization); err != nil {
		return fmt.Errorf("config: %w", err)
	}
	switch c.Sensitivity.Mode {
	case "", "adjoint", "tangent", "both":
	default:
		return fmt.Errorf("config: unknown sensitivity mode %q", c.Sensitivity.Mode)
	}
	return nil
}

func (c *Config) StepControl() integrators.StepControl {
	s := c.Step
	return integrators.StepControl{
		AbsTol:        s.AbsTol,
		RelTol:        s.RelTol,
		MinStep:       s.MinStep,
		MaxStep:       s.MaxStep,
		InitialStep:   s.InitialStep,
		Fixed:         s.Fixed,
		Safety:        s.Safety,
		FacMin:        s.FacMin,
		FacMax:        s.FacMax,
		MaxRejections: s.MaxRejections,
		MaxSteps:      s.MaxSteps,
	}
}

// NonlinearOptions returns the stage solver options. Unset tolerances are
// a hundredth of the step tolerances.
func (c *Config) NonlinearOptions() (nonlinear.Options, error) {
	o := nonlinear.DefaultOptions()
	m, err := nonlinear.ParseMethod(c.Nonlinear.Method)
	if err != nil {
		return o, fmt.Errorf("config: %w", err)
	}
	o.Method = m
	o.AbsTol = 1e-2 * c.Step.AbsTol
	o.RelTol = 1e-2 * c.Step.RelTol
	if c.Nonlinear.AbsTol > 0 {
		o.AbsTol = c.Nonlinear.AbsTol
	}
	if c.Nonlinear.RelTol > 0 {
		o.RelTol = c.Nonlinear.RelTol
	}
	if c.Nonlinear.MaxIter > 0 {
		o.MaxIter = c.Nonlinear.MaxIter
	}
	if c.Nonlinear.Relaxation > 0 {
		o.Relaxation = c.Nonlinear.Relaxation
	}
	if c.Nonlinear.RefreshAfter > 0 {
		o.RefreshAfter = c.Nonlinear.RefreshAfter
	}
	return o, nil
}

func (c *Config) LinearKind() (linalg.Kind, error) {
	return linalg.ParseKind(c.Linear)
}

// IntegratorOptions collects every integrator setting of the file.
func (c *Config) IntegratorOptions() ([]integrators.Option, error) {
	nl, err := c.NonlinearOptions()
	if err != nil {
		return nil, err
	}
	kind, err := c.LinearKind()
	if err != nil {
		return nil, fmt.Errorf("config: %w", err)
	}
	opts := []integrators.Option{
		integrators.WithStepControl(c.StepControl()),
		integrators.WithNonlinear(nl),
		integrators.WithLinear(kind),
	}
	if c.Sensitivity.Retain {
		opts = append(opts, integrators.WithRetainFactors())
	}
	return opts, nil
}

// MachineOptions maps the event settings onto hybrid options.
func (c *Config) MachineOptions() ([]hybrid.Option, error) {
	loc, err := hybrid.ParseLocalization(c.Events.Localization)
	if err != nil {
		return nil, fmt.Errorf("config: %w", err)
	}
	return []hybrid.Option{
		hybrid.WithMethod(c.Method),
		hybrid.WithStepControl(c.StepControl()),
		hybrid.WithLocalization(loc),
		hybrid.WithEventTol(c.Events.Tol),
		hybrid.WithMaxCycles(c.Events.MaxCycles),
	}, nil
}
