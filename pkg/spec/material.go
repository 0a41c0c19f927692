package spec

import (
	"fmt"
	"strings"
)

// Material is one of the metals the optimizer is calibrated for.
type Material int

const (
	Gold Material = iota + 1
	Silver
	Steel
)

// Properties are expressed in the N-mm-s system: density in N*s²/mm⁴ (which
// is t/mm³), Young's modulus in MPa (N/mm²).
type Properties struct {
	MassDensity  float64
	YoungModulus float64
	PoissonRatio float64
}

var materials = map[Material]Properties{
	Gold:   {MassDensity: 19.3e-9, YoungModulus: 79000, PoissonRatio: 0.4},
	Silver: {MassDensity: 10.49e-9, YoungModulus: 83000, PoissonRatio: 0.37},
	Steel:  {MassDensity: 7.85e-9, YoungModulus: 210000, PoissonRatio: 0.3},
}

func (m Material) String() string {
	switch m {
	case Gold:
		return "gold"
	case Silver:
		return "silver"
	case Steel:
		return "steel"
	}
	return fmt.Sprintf("Material(%d)", int(m))
}

// Properties returns the fixed constants of m.
func (m Material) Properties() (Properties, error) {
	p, ok := materials[m]
	if !ok {
		return Properties{}, &ValidationError{Field: "material", Reason: fmt.Sprintf("unknown material %d", int(m))}
	}
	return p, nil
}

// ParseMaterial accepts a name ("steel") or its menu number ("3").
func ParseMaterial(s string) (Material, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "gold", "1":
		return Gold, nil
	case "silver", "2":
		return Silver, nil
	case "steel", "3":
		return Steel, nil
	}
	return 0, &ValidationError{Field: "material", Reason: fmt.Sprintf("%q is not gold, silver or steel", s)}
}

// MarshalText writes the material name.
func (m Material) MarshalText() ([]byte, error) {
	return []byte(m.String()), nil
}

// UnmarshalText parses a material name.
func (m *Material) UnmarshalText(b []byte) error {
	v, err := ParseMaterial(string(b))
	if err != nil {
		return err
	}
	*m = v
	return nil
}

// Precision levels trade computation time for voxel resolution.
type Precision int

const (
	VeryLow Precision = iota + 1
	Low
	Medium
	High
	VeryHigh
)

// resolutions is the voxel count along the longest axis of the model's
// bounding box for each precision level.
var resolutions = [...]int{VeryLow: 30, Low: 60, Medium: 90, High: 120, VeryHigh: 150}

// Resolution maps a precision level to a mesh resolution. Levels outside
// 1..5 are rejected.
func Resolution(p Precision) (int, error) {
	if p < VeryLow || p > VeryHigh {
		return 0, &ValidationError{Field: "precision", Reason: fmt.Sprintf("%d is outside 1..5 (VeryLow=1 … VeryHigh=5)", int(p))}
	}
	return resolutions[p], nil
}
