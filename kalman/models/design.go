package models

import (
	"fmt"

	"gonum.org/v1/gonum/mat"
)

type DesignConfig struct {
	NumGroups    int
	NumTimesteps int
	// Measures lists the observed series in measurement order.
	Measures []string
	// ObservationVariance is the measurement-noise variance per measure.
	ObservationVariance []float64
}

// StackedDesign composes processes into the batched system matrices of a
// filter design: block-diagonal F and Q over the process blocks, per-group
// observation matrices assembled from the process observation rows, and a
// diagonal R built from the per-measure observation variances.
type StackedDesign struct {
	cfg       DesignConfig
	processes []Process
	offsets   []int
	elements  []StateElement
	stateDim  int

	f []*mat.Dense
	q []*mat.Dense
	r []*mat.Dense

	timeVarying bool
	hStatic     []*mat.Dense
	hCache      map[int][]*mat.Dense

	initialMean *mat.VecDense
	initialCov  *mat.Dense
}

func NewStackedDesign(cfg DesignConfig, processes ...Process) (*StackedDesign, error) {
	if cfg.NumGroups <= 0 {
		return nil, fmt.Errorf("design requires at least one group")
	}
	if cfg.NumTimesteps <= 0 {
		return nil, fmt.Errorf("design requires at least one timestep")
	}
	if len(cfg.Measures) == 0 {
		return nil, fmt.Errorf("design requires at least one measure")
	}
	if len(cfg.ObservationVariance) != len(cfg.Measures) {
		return nil, fmt.Errorf("%d observation variances for %d measures",
			len(cfg.ObservationVariance), len(cfg.Measures))
	}
	for i, v := range cfg.ObservationVariance {
		if v < 0 {
			return nil, fmt.Errorf("negative observation variance for measure %q", cfg.Measures[i])
		}
	}
	if len(processes) == 0 {
		return nil, fmt.Errorf("design requires at least one process")
	}
	seen := make(map[string]bool)
	for _, m := range cfg.Measures {
		if seen[m] {
			return nil, fmt.Errorf("duplicate measure %q", m)
		}
		seen[m] = true
	}

	d := &StackedDesign{
		cfg:       cfg,
		processes: processes,
		hCache:    make(map[int][]*mat.Dense),
	}
	ids := make(map[string]bool)
	for _, p := range processes {
		if ids[p.ID()] {
			return nil, fmt.Errorf("duplicate process id %q", p.ID())
		}
		ids[p.ID()] = true

		k := len(p.StateElements())
		if k == 0 {
			return nil, fmt.Errorf("process %q has no state elements", p.ID())
		}
		if err := checkBlockDims(p, k); err != nil {
			return nil, err
		}

		d.offsets = append(d.offsets, d.stateDim)
		for _, el := range p.StateElements() {
			d.elements = append(d.elements, StateElement{Process: p.ID(), Element: el})
		}
		d.stateDim += k
		if p.TimeVarying() {
			d.timeVarying = true
		}

		if reg, ok := p.(*Regression); ok {
			if reg.NumDataGroups() != cfg.NumGroups {
				return nil, fmt.Errorf("regression %q has predictor data for %d groups, expected %d",
					reg.ID(), reg.NumDataGroups(), cfg.NumGroups)
			}
			if reg.NumDataTimesteps() < cfg.NumTimesteps {
				return nil, fmt.Errorf("regression %q has %d timesteps of predictor data, expected at least %d",
					reg.ID(), reg.NumDataTimesteps(), cfg.NumTimesteps)
			}
		}

		observed := false
		for _, m := range cfg.Measures {
			if p.ObservationRow(m, 0, 0) != nil {
				observed = true
				break
			}
		}
		if !observed {
			return nil, fmt.Errorf("process %q does not observe any design measure", p.ID())
		}
	}

	f := mat.NewDense(d.stateDim, d.stateDim, nil)
	q := mat.NewDense(d.stateDim, d.stateDim, nil)
	d.initialMean = mat.NewVecDense(d.stateDim, nil)
	d.initialCov = mat.NewDense(d.stateDim, d.stateDim, nil)
	for i, p := range processes {
		o := d.offsets[i]
		k := len(p.StateElements())
		tr := p.Transition()
		pc := p.ProcessCovariance()
		im, ic := p.InitialState()
		for r := 0; r < k; r++ {
			d.initialMean.SetVec(o+r, im.AtVec(r))
			for c := 0; c < k; c++ {
				f.Set(o+r, o+c, tr.At(r, c))
				q.Set(o+r, o+c, pc.At(r, c))
				d.initialCov.Set(o+r, o+c, ic.At(r, c))
			}
		}
	}
	d.f = repeat(f, cfg.NumGroups)
	d.q = repeat(q, cfg.NumGroups)

	nm := len(cfg.Measures)
	r := mat.NewDense(nm, nm, nil)
	for i, v := range cfg.ObservationVariance {
		r.Set(i, i, v)
	}
	d.r = repeat(r, cfg.NumGroups)

	if !d.timeVarying {
		d.hStatic = repeat(d.buildGroupH(0, 0), cfg.NumGroups)
	}
	return d, nil
}

func checkBlockDims(p Process, k int) error {
	if r, c := p.Transition().Dims(); r != k || c != k {
		return fmt.Errorf("process %q transition is %dx%d, expected %dx%d", p.ID(), r, c, k, k)
	}
	if r, c := p.ProcessCovariance().Dims(); r != k || c != k {
		return fmt.Errorf("process %q covariance is %dx%d, expected %dx%d", p.ID(), r, c, k, k)
	}
	im, ic := p.InitialState()
	if im.Len() != k {
		return fmt.Errorf("process %q initial mean has %d elements, expected %d", p.ID(), im.Len(), k)
	}
	if r, c := ic.Dims(); r != k || c != k {
		return fmt.Errorf("process %q initial covariance is %dx%d, expected %dx%d", p.ID(), r, c, k, k)
	}
	return nil
}

func repeat(m *mat.Dense, n int) []*mat.Dense {
	out := make([]*mat.Dense, n)
	for i := range out {
		out[i] = m
	}
	return out
}

func (d *StackedDesign) F(t int) []*mat.Dense { return d.f }
func (d *StackedDesign) Q(t int) []*mat.Dense { return d.q }
func (d *StackedDesign) R(t int) []*mat.Dense { return d.r }

func (d *StackedDesign) H(t int) []*mat.Dense {
	if !d.timeVarying {
		return d.hStatic
	}
	if h, ok := d.hCache[t]; ok {
		return h
	}
	h := make([]*mat.Dense, d.cfg.NumGroups)
	for g := range h {
		h[g] = d.buildGroupH(t, g)
	}
	d.hCache[t] = h
	return h
}

func (d *StackedDesign) buildGroupH(t, g int) *mat.Dense {
	h := mat.NewDense(len(d.cfg.Measures), d.stateDim, nil)
	for m, measure := range d.cfg.Measures {
		for i, p := range d.processes {
			row := p.ObservationRow(measure, t, g)
			if row == nil {
				continue
			}
			for j, v := range row {
				h.Set(m, d.offsets[i]+j, v)
			}
		}
	}
	return h
}

func (d *StackedDesign) NumGroups() int    { return d.cfg.NumGroups }
func (d *StackedDesign) NumTimesteps() int { return d.cfg.NumTimesteps }

func (d *StackedDesign) Measures() []string { return d.cfg.Measures }

func (d *StackedDesign) StateElements() []StateElement { return d.elements }

// StateDim is the total latent dimension over all process blocks.
func (d *StackedDesign) StateDim() int { return d.stateDim }

func (d *StackedDesign) InitialState() ([]*mat.VecDense, []*mat.Dense) {
	means := make([]*mat.VecDense, d.cfg.NumGroups)
	covs := make([]*mat.Dense, d.cfg.NumGroups)
	for g := range means {
		means[g] = mat.VecDenseCopyOf(d.initialMean)
		covs[g] = mat.DenseCopyOf(d.initialCov)
	}
	return means, covs
}
