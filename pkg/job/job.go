// Package job reads the YAML file that describes one optimization run:
// where the mesh comes from, the material, and the load and restraint
// points.
package job

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"path/filepath"
	"strings"

	"github.com/chazu/beso/pkg/kernel"
	"github.com/chazu/beso/pkg/spec"
	"github.com/chazu/beso/pkg/units"
	"github.com/spf13/afero"
	"gonum.org/v1/gonum/spatial/r3"
	"gopkg.in/yaml.v3"
)

// Limits on the load magnitude, in newtons.
const (
	MinLoadMagnitude     = 1
	MaxLoadMagnitude     = 1000
	DefaultLoadMagnitude = 100
)

// DefaultPrecision is used when the job does not set one.
const DefaultPrecision = spec.Medium

// Point is an x, y, z triple in model units.
type Point [3]float64

// Vec converts p for vector math.
func (p Point) Vec() r3.Vec { return r3.Vec{X: p[0], Y: p[1], Z: p[2]} }

// LoadPoint is where a force is applied. Without a direction the force
// acts along the mesh normal nearest to At.
type LoadPoint struct {
	At        Point  `yaml:"at"`
	Direction *Point `yaml:"direction,omitempty"`
}

type RestraintPoint struct {
	At Point `yaml:"at"`
}

// Job is one run description.
type Job struct {
	Mesh          string           `yaml:"mesh,omitempty"`
	Shape         string           `yaml:"shape,omitempty"`
	ModelUnit     units.System     `yaml:"model_unit"`
	Material      spec.Material    `yaml:"material"`
	LoadMagnitude float64          `yaml:"load_magnitude"`
	Precision     spec.Precision   `yaml:"precision"`
	Loads         []LoadPoint      `yaml:"loads"`
	Restraints    []RestraintPoint `yaml:"restraints"`
}

// Decode parses a job document. Unknown keys are rejected.
func Decode(r io.Reader) (*Job, error) {
	j := &Job{
		ModelUnit:     units.Millimeters,
		LoadMagnitude: DefaultLoadMagnitude,
		Precision:     DefaultPrecision,
	}
	dec := yaml.NewDecoder(r)
	dec.KnownFields(true)
	if err := dec.Decode(j); err != nil {
		if errors.Is(err, io.EOF) {
			return nil, errors.New("job: empty document")
		}
		return nil, fmt.Errorf("job: %w", err)
	}
	return j, nil
}

// Load reads and validates a job file. A relative mesh path is taken
// relative to the job file.
func Load(fs afero.Fs, path string) (*Job, error) {
	data, err := afero.ReadFile(fs, path)
	if err != nil {
		return nil, fmt.Errorf("job: %w", err)
	}
	j, err := Decode(bytes.NewReader(data))
	if err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	if j.Mesh != "" && !filepath.IsAbs(j.Mesh) {
		j.Mesh = filepath.Join(filepath.Dir(path), j.Mesh)
	}
	if err := j.Validate(); err != nil {
		return nil, err
	}
	return j, nil
}

// Validate checks the job against the limits the solver chain accepts.
func (j *Job) Validate() error {
	hasMesh, hasShape := j.Mesh != "", strings.TrimSpace(j.Shape) != ""
	switch {
	case hasMesh && hasShape:
		return &spec.ValidationError{Field: "mesh", Reason: "set either mesh or shape, not both"}
	case !hasMesh && !hasShape:
		return &spec.ValidationError{Field: "mesh", Reason: "one of mesh or shape is required"}
	}
	if _, err := units.Factor(j.ModelUnit); err != nil {
		return &spec.ValidationError{Field: "model unit", Reason: err.Error()}
	}
	if _, err := j.Material.Properties(); err != nil {
		return err
	}
	if j.LoadMagnitude < MinLoadMagnitude || j.LoadMagnitude > MaxLoadMagnitude {
		return &spec.ValidationError{
			Field:  "load magnitude",
			Reason: fmt.Sprintf("%g N is outside %d..%d", j.LoadMagnitude, MinLoadMagnitude, MaxLoadMagnitude),
		}
	}
	if _, err := spec.Resolution(j.Precision); err != nil {
		return err
	}
	if len(j.Loads) == 0 {
		return &spec.ValidationError{Field: "loads", Reason: "no load points selected"}
	}
	if len(j.Restraints) == 0 {
		return &spec.ValidationError{Field: "restraints", Reason: "no restraint points selected"}
	}
	return nil
}

// Params turns the job into spec parameters for mesh. Loads without an
// explicit direction use the mesh normal nearest to the load point.
// Loads whose direction cannot be normalized are kept with zero force
// and reported in warnings.
func (j *Job) Params(mesh *kernel.Mesh, stlUnit units.System) (spec.Params, []error, error) {
	p := spec.Params{
		Material:  j.Material,
		Precision: j.Precision,
		ModelUnit: j.ModelUnit,
		StlUnit:   stlUnit,
	}
	var warnings []error
	for i, lp := range j.Loads {
		dir, err := j.direction(mesh, lp)
		if err != nil {
			return spec.Params{}, nil, fmt.Errorf("job: load %d: %w", i, err)
		}
		l, warn := spec.NewLoad(lp.At.Vec(), dir, j.LoadMagnitude)
		if warn != nil {
			warnings = append(warnings, fmt.Errorf("load %d: %w", i, warn))
		}
		p.Loads = append(p.Loads, l)
	}
	for _, rp := range j.Restraints {
		p.Restraints = append(p.Restraints, spec.NewRestraint(rp.At.Vec()))
	}
	return p, warnings, nil
}

func (j *Job) direction(mesh *kernel.Mesh, lp LoadPoint) (r3.Vec, error) {
	if lp.Direction != nil {
		return lp.Direction.Vec(), nil
	}
	if mesh == nil {
		return r3.Vec{}, errors.New("no direction and no mesh to take a normal from")
	}
	n, ok := mesh.NormalAt(lp.At.Vec())
	if !ok {
		return r3.Vec{}, errors.New("no direction and the mesh is empty")
	}
	return n, nil
}
