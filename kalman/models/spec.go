package models

import (
	"fmt"

	"gonum.org/v1/gonum/mat"
	"gopkg.in/yaml.v3"
)

// Spec is a declarative model definition, typically loaded from YAML:
//
//	groups: 3
//	horizon: 100
//	measures:
//	  - name: pm10
//	    variance: 1.0
//	processes:
//	  - type: local_trend
//	    id: trend
//	    measure: pm10
//	    initial_variance: 1.0
//	    process_variance: 0.1
//	    trend_variance: 0.01
//	  - type: regression
//	    id: weather
//	    measure: pm10
//	    predictors: [temp, wind]
//	    initial_variance: 1.0
//
// Regression predictor data is bound at Build time with WithPredictorData.
type Spec struct {
	Groups    int           `yaml:"groups"`
	Horizon   int           `yaml:"horizon"`
	Measures  []SpecMeasure `yaml:"measures"`
	Processes []SpecProcess `yaml:"processes"`
}

type SpecMeasure struct {
	Name     string  `yaml:"name"`
	Variance float64 `yaml:"variance"`
}

type SpecProcess struct {
	Type            string   `yaml:"type"`
	ID              string   `yaml:"id"`
	Measure         string   `yaml:"measure"`
	InitialMean     float64  `yaml:"initial_mean"`
	InitialVariance float64  `yaml:"initial_variance"`
	ProcessVariance float64  `yaml:"process_variance"`
	TrendVariance   float64  `yaml:"trend_variance"`
	Decay           float64  `yaml:"decay"`
	Predictors      []string `yaml:"predictors"`
}

// ParseSpec decodes a YAML model definition.
func ParseSpec(data []byte) (*Spec, error) {
	spec := &Spec{}
	if err := yaml.Unmarshal(data, spec); err != nil {
		return nil, fmt.Errorf("parse model spec: %w", err)
	}
	return spec, nil
}

type BuildOption func(*buildOpts)

type buildOpts struct {
	predictorData map[string][]*mat.Dense
}

// WithPredictorData binds per-group predictor matrices to the regression
// process with the given id.
func WithPredictorData(processID string, data []*mat.Dense) BuildOption {
	return func(o *buildOpts) {
		o.predictorData[processID] = data
	}
}

// Build assembles the StackedDesign the Spec describes.
func (s *Spec) Build(opts ...BuildOption) (*StackedDesign, error) {
	o := &buildOpts{predictorData: make(map[string][]*mat.Dense)}
	for _, opt := range opts {
		opt(o)
	}

	measures := make([]string, len(s.Measures))
	variances := make([]float64, len(s.Measures))
	for i, m := range s.Measures {
		measures[i] = m.Name
		variances[i] = m.Variance
	}

	processes := make([]Process, 0, len(s.Processes))
	for _, sp := range s.Processes {
		switch sp.Type {
		case "local_level":
			processes = append(processes, NewLocalLevel(sp.ID, LocalLevelConfig{
				Measure:         sp.Measure,
				InitialMean:     sp.InitialMean,
				InitialVariance: sp.InitialVariance,
				ProcessVariance: sp.ProcessVariance,
				Decay:           sp.Decay,
			}))
		case "local_trend":
			processes = append(processes, NewLocalTrend(sp.ID, LocalTrendConfig{
				Measure:         sp.Measure,
				InitialMean:     sp.InitialMean,
				InitialVariance: sp.InitialVariance,
				LevelVariance:   sp.ProcessVariance,
				TrendVariance:   sp.TrendVariance,
				TrendDecay:      sp.Decay,
			}))
		case "regression":
			data, ok := o.predictorData[sp.ID]
			if !ok {
				return nil, fmt.Errorf("regression %q has no bound predictor data", sp.ID)
			}
			reg, err := NewRegression(sp.ID, RegressionConfig{
				Measure:         sp.Measure,
				Predictors:      sp.Predictors,
				InitialVariance: sp.InitialVariance,
				ProcessVariance: sp.ProcessVariance,
				Decay:           sp.Decay,
			}, data)
			if err != nil {
				return nil, err
			}
			processes = append(processes, reg)
		default:
			return nil, fmt.Errorf("unknown process type %q", sp.Type)
		}
	}

	return NewStackedDesign(DesignConfig{
		NumGroups:           s.Groups,
		NumTimesteps:        s.Horizon,
		Measures:            measures,
		ObservationVariance: variances,
	}, processes...)
}
