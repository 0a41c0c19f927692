// Package spec builds the parameter record the finite-element generator
// reads, along with the load and restraint point lists it references.
package spec

import (
	"encoding/json"
	"fmt"
	"math"

	"github.com/chazu/beso/pkg/units"
	"github.com/chazu/beso/pkg/workspace"
	"github.com/spf13/afero"
	"gonum.org/v1/gonum/spatial/r3"
)

// Gravity is fixed: straight down at standard acceleration. The generator
// is told not to apply it; point loads dominate.
const (
	GravityMagnitude = 9.81 // m/s²
	GravityIsNeeded  = false
)

// GravityDirection is the unit vector gravity acts along.
var GravityDirection = r3.Vec{X: 0, Y: 0, Z: -1}

// ValidationError reports a bad user-supplied parameter.
type ValidationError struct {
	Field  string
	Reason string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("spec: invalid %s: %s", e.Field, e.Reason)
}

// Load is a point force. Mag is a unit direction scaled by the magnitude.
type Load struct {
	LocX float64
	LocY float64
	LocZ float64
	MagX float64
	MagY float64
	MagZ float64
}

// NewLoad places a force of the given magnitude at loc along direction.
// A direction that cannot be normalized yields a zero force and a non-nil
// warning; the load is still usable.
func NewLoad(loc, direction r3.Vec, magnitude float64) (Load, error) {
	l := Load{LocX: loc.X, LocY: loc.Y, LocZ: loc.Z}
	n := r3.Norm(direction)
	if n == 0 || math.IsNaN(n) || math.IsInf(n, 0) {
		return l, fmt.Errorf("spec: cannot normalize load direction %v at %v", direction, loc)
	}
	m := r3.Scale(magnitude/n, direction)
	l.MagX, l.MagY, l.MagZ = m.X, m.Y, m.Z
	return l, nil
}

// Restraint is a point fixed in all three axes.
type Restraint struct {
	LocX     float64
	LocY     float64
	LocZ     float64
	IsFixedX bool
	IsFixedY bool
	IsFixedZ bool
}

// NewRestraint fixes loc in every axis.
func NewRestraint(loc r3.Vec) Restraint {
	return Restraint{LocX: loc.X, LocY: loc.Y, LocZ: loc.Z, IsFixedX: true, IsFixedY: true, IsFixedZ: true}
}

// SimulationSpec is the record handed to the finite-element generator.
// JSON keys are part of the generator's input contract.
type SimulationSpec struct {
	PathResult                    string  `json:"PathResult"`
	PathReport                    string  `json:"PathReport"`
	PathStl                       string  `json:"PathStl"`
	PathLoadPoints                string  `json:"PathLoadPoints"`
	PathRestraintPoints           string  `json:"PathRestraintPoints"`
	MassDensity                   float64 `json:"MassDensity"`
	YoungModulus                  float64 `json:"YoungModulus"`
	PoissonRatio                  float64 `json:"PoissonRatio"`
	GravityDirectionX             float64 `json:"GravityDirectionX"`
	GravityDirectionY             float64 `json:"GravityDirectionY"`
	GravityDirectionZ             float64 `json:"GravityDirectionZ"`
	GravityMagnitude              float64 `json:"GravityMagnitude"`
	GravityIsNeeded               bool    `json:"GravityIsNeeded"`
	Resolution                    int     `json:"Resolution"`
	NonlinearConsidered           bool    `json:"NonlinearConsidered"`
	ExactSurfaceConsidered        bool    `json:"ExactSurfaceConsidered"`
	ModelUnitSystem               string  `json:"ModelUnitSystem"`
	ModelUnitSystemOfSavedStlFile string  `json:"ModelUnitSystemOfSavedStlFile"`
}

// Params are the user's choices for one run.
type Params struct {
	Material   Material
	Precision  Precision
	ModelUnit  units.System // unit the model was authored in
	StlUnit    units.System // unit the STL was written in
	Loads      []Load
	Restraints []Restraint
}

// Document is a built spec plus the point lists it references.
type Document struct {
	Path       string // where Write puts the record itself
	Spec       SimulationSpec
	Loads      []Load
	Restraints []Restraint
}

// Build validates params and fills in the record against the run's paths.
func Build(p Params, paths *workspace.Paths) (*Document, error) {
	props, err := p.Material.Properties()
	if err != nil {
		return nil, err
	}
	res, err := Resolution(p.Precision)
	if err != nil {
		return nil, err
	}
	if len(p.Loads) == 0 {
		return nil, &ValidationError{Field: "loads", Reason: "no load points selected"}
	}
	if len(p.Restraints) == 0 {
		return nil, &ValidationError{Field: "restraints", Reason: "no restraint points selected"}
	}
	if _, err := units.Factor(p.ModelUnit); err != nil {
		return nil, &ValidationError{Field: "model unit", Reason: err.Error()}
	}
	gravity, err := units.Convert(GravityMagnitude, units.Meters, p.StlUnit)
	if err != nil {
		return nil, &ValidationError{Field: "stl unit", Reason: err.Error()}
	}

	doc := &Document{
		Path: paths.Specs,
		Spec: SimulationSpec{
			PathResult:                    paths.Result,
			PathReport:                    paths.Report,
			PathStl:                       paths.Stl,
			PathLoadPoints:                paths.Loads,
			PathRestraintPoints:           paths.Restraints,
			MassDensity:                   props.MassDensity,
			YoungModulus:                  props.YoungModulus,
			PoissonRatio:                  props.PoissonRatio,
			GravityDirectionX:             GravityDirection.X,
			GravityDirectionY:             GravityDirection.Y,
			GravityDirectionZ:             GravityDirection.Z,
			GravityMagnitude:              gravity,
			GravityIsNeeded:               GravityIsNeeded,
			Resolution:                    res,
			NonlinearConsidered:           false,
			ExactSurfaceConsidered:        true,
			ModelUnitSystem:               p.ModelUnit.String(),
			ModelUnitSystemOfSavedStlFile: p.StlUnit.String(),
		},
		Loads:      p.Loads,
		Restraints: p.Restraints,
	}
	if err := doc.Validate(); err != nil {
		return nil, err
	}
	return doc, nil
}

// Validate checks that every numeric field is finite and the resolution
// is positive.
func (d *Document) Validate() error {
	s := d.Spec
	nums := map[string]float64{
		"MassDensity":       s.MassDensity,
		"YoungModulus":      s.YoungModulus,
		"PoissonRatio":      s.PoissonRatio,
		"GravityDirectionX": s.GravityDirectionX,
		"GravityDirectionY": s.GravityDirectionY,
		"GravityDirectionZ": s.GravityDirectionZ,
		"GravityMagnitude":  s.GravityMagnitude,
	}
	for k, v := range nums {
		if !finite(v) {
			return &ValidationError{Field: k, Reason: fmt.Sprintf("%v is not finite", v)}
		}
	}
	if s.Resolution <= 0 {
		return &ValidationError{Field: "Resolution", Reason: "must be positive"}
	}
	for i, l := range d.Loads {
		for _, v := range [...]float64{l.LocX, l.LocY, l.LocZ, l.MagX, l.MagY, l.MagZ} {
			if !finite(v) {
				return &ValidationError{Field: fmt.Sprintf("load %d", i), Reason: fmt.Sprintf("%v is not finite", v)}
			}
		}
	}
	for i, r := range d.Restraints {
		for _, v := range [...]float64{r.LocX, r.LocY, r.LocZ} {
			if !finite(v) {
				return &ValidationError{Field: fmt.Sprintf("restraint %d", i), Reason: fmt.Sprintf("%v is not finite", v)}
			}
		}
	}
	return nil
}

func finite(v float64) bool {
	return !math.IsNaN(v) && !math.IsInf(v, 0)
}

// Write serializes the load list, the restraint list and the spec record
// to the paths the record names.
func (d *Document) Write(fs afero.Fs) error {
	if err := writeJSON(fs, d.Spec.PathLoadPoints, d.Loads); err != nil {
		return err
	}
	if err := writeJSON(fs, d.Spec.PathRestraintPoints, d.Restraints); err != nil {
		return err
	}
	return writeJSON(fs, d.Path, d.Spec)
}

func writeJSON(fs afero.Fs, path string, v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("spec: encode %s: %w", path, err)
	}
	if err := afero.WriteFile(fs, path, data, 0o644); err != nil {
		return fmt.Errorf("spec: write %s: %w", path, err)
	}
	return nil
}
