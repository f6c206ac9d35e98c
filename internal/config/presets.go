package config

import (
	"fmt"
	"sort"
)

// Preset adjusts the defaults for one problem. Zero fields keep the
// default.
type Preset struct {
	Method       string
	TEnd         float64
	AbsTol       float64
	RelTol       float64
	InitialState []float64
	Params       map[string]float64
}

var Presets = map[string]map[string]Preset{
	"pendulum": {
		"small":    {Method: "dopri5", TEnd: 20, InitialState: []float64{0.2, 0}},
		"large":    {Method: "dopri5", TEnd: 20, InitialState: []float64{2.5, 0}},
		"spinning": {Method: "dopri5", TEnd: 30, InitialState: []float64{0.1, 8}},
		"implicit": {Method: "sdirk3", TEnd: 10, RelTol: 1e-6},
	},
	"van-der-pol": {
		"mild":  {Method: "dopri5", TEnd: 20, Params: map[string]float64{"mu": 1}},
		"stiff": {Method: "radau-iia3", TEnd: 200, Params: map[string]float64{"mu": 100}, RelTol: 1e-5},
		"rosenbrock": {
			Method: "ros2", TEnd: 100, Params: map[string]float64{"mu": 50}, RelTol: 1e-4,
		},
	},
	"robertson": {
		"classic": {Method: "radau-iia3", TEnd: 40, AbsTol: 1e-10, RelTol: 1e-6},
		"long":    {Method: "sdirk3", TEnd: 1e4, AbsTol: 1e-10, RelTol: 1e-5},
	},
	"linear-dae": {
		"index1": {Method: "sdirk2", TEnd: 5, RelTol: 1e-6},
	},
	"prothero-robinson": {
		"stiff": {Method: "trbdf2", TEnd: 10, RelTol: 1e-6, InitialState: []float64{0}},
	},
}

// GetPreset returns the defaults with the named preset applied, or nil.
func GetPreset(problem, name string) *Config {
	ps, ok := Presets[problem]
	if !ok {
		return nil
	}
	p, ok := ps[name]
	if !ok {
		return nil
	}
	cfg := DefaultConfig()
	cfg.Problem = problem
	p.apply(cfg)
	return cfg
}

// ApplyPreset applies the named preset of cfg.Problem over cfg.
func ApplyPreset(cfg *Config, name string) error {
	p, ok := Presets[cfg.Problem][name]
	if !ok {
		return fmt.Errorf("config: unknown preset %q for %s (available: %v)", name, cfg.Problem, ListPresets(cfg.Problem))
	}
	p.apply(cfg)
	return nil
}

func (p Preset) apply(cfg *Config) {
	if p.Method != "" {
		cfg.Method = p.Method
	}
	if p.TEnd > 0 {
		cfg.TEnd = p.TEnd
	}
	if p.AbsTol > 0 {
		cfg.Step.AbsTol = p.AbsTol
	}
	if p.RelTol > 0 {
		cfg.Step.RelTol = p.RelTol
	}
	if p.InitialState != nil {
		cfg.InitialState = append([]float64(nil), p.InitialState...)
	}
	if p.Params != nil {
		cfg.Params = make(map[string]float64, len(p.Params))
		for k, v := range p.Params {
			cfg.Params[k] = v
		}
	}
}

// ListPresets returns the preset names of problem, sorted.
func ListPresets(problem string) []string {
	ps, ok := Presets[problem]
	if !ok {
		return nil
	}
	names := make([]string, 0, len(ps))
	for name := range ps {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}
