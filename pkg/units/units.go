// Package units converts scalar lengths between the linear unit systems a
// CAD model can be authored in. Every conversion goes through metres.
package units

import (
	"fmt"
	"strings"
)

// System identifies a linear unit of measurement.
type System int

const (
	Unset System = iota
	None
	Angstroms
	Nanometers
	Microns
	Millimeters
	Centimeters
	Decimeters
	Meters
	Dekameters
	Hectometers
	Kilometers
	Megameters
	Gigameters
	Microinches
	Mils
	Inches
	Feet
	Yards
	Miles
	PrinterPoints
	PrinterPicas
	NauticalMiles
	AstronomicalUnits
	LightYears
	Parsecs
	Custom
)

var names = [...]string{
	Unset:             "Unset",
	None:              "None",
	Angstroms:         "Angstroms",
	Nanometers:        "Nanometers",
	Microns:           "Microns",
	Millimeters:       "Millimeters",
	Centimeters:       "Centimeters",
	Decimeters:        "Decimeters",
	Meters:            "Meters",
	Dekameters:        "Dekameters",
	Hectometers:       "Hectometers",
	Kilometers:        "Kilometers",
	Megameters:        "Megameters",
	Gigameters:        "Gigameters",
	Microinches:       "Microinches",
	Mils:              "Mils",
	Inches:            "Inches",
	Feet:              "Feet",
	Yards:             "Yards",
	Miles:             "Miles",
	PrinterPoints:     "PrinterPoints",
	PrinterPicas:      "PrinterPicas",
	NauticalMiles:     "NauticalMiles",
	AstronomicalUnits: "AstronomicalUnits",
	LightYears:        "LightYears",
	Parsecs:           "Parsecs",
	Custom:            "CustomUnits",
}

// String returns the unit name as written into spec records.
func (s System) String() string {
	if s >= 0 && int(s) < len(names) {
		return names[s]
	}
	return fmt.Sprintf("System(%d)", int(s))
}

// metres per unit. Unset and Custom are deliberately absent.
var factors = map[System]float64{
	None:              1,
	Angstroms:         1.0e-10,
	Nanometers:        1.0e-9,
	Microns:           1.0e-6,
	Millimeters:       1.0e-3,
	Centimeters:       1.0e-2,
	Decimeters:        1.0e-1,
	Meters:            1,
	Dekameters:        10,
	Hectometers:       100,
	Kilometers:        1.0e+3,
	Megameters:        1.0e+6,
	Gigameters:        1.0e+9,
	Microinches:       2.54e-8,
	Mils:              2.54e-5,
	Inches:            0.0254,
	Feet:              0.3048,
	Yards:             0.9144,
	Miles:             1609.344,
	PrinterPoints:     0.0254 / 72,
	PrinterPicas:      0.0254 / 6,
	NauticalMiles:     1852,
	AstronomicalUnits: 1.4959787e+11,
	LightYears:        9.4607304725808e+15,
	Parsecs:           3.08567758e+16,
}

// UnsupportedUnitError is returned for units that have no metre equivalent.
type UnsupportedUnitError struct {
	Unit System
}

func (e *UnsupportedUnitError) Error() string {
	switch e.Unit {
	case Unset:
		return "units: unit system is unset"
	case Custom:
		return "units: custom units are not supported"
	}
	return fmt.Sprintf("units: unknown unit system %s", e.Unit)
}

// Factor returns how many metres one unit of s represents.
func Factor(s System) (float64, error) {
	f, ok := factors[s]
	if !ok {
		return 0, &UnsupportedUnitError{Unit: s}
	}
	return f, nil
}

// Convert rescales v from one unit system to another.
func Convert(v float64, from, to System) (float64, error) {
	ff, err := Factor(from)
	if err != nil {
		return 0, err
	}
	ft, err := Factor(to)
	if err != nil {
		return 0, err
	}
	return v * ff / ft, nil
}

// MustConvert is Convert for unit pairs known to be supported.
func MustConvert(v float64, from, to System) float64 {
	out, err := Convert(v, from, to)
	if err != nil {
		panic(err)
	}
	return out
}

// Supported lists every unit Convert accepts, in declaration order.
func Supported() []System {
	out := make([]System, 0, len(factors))
	for s := None; s < Custom; s++ {
		if _, ok := factors[s]; ok {
			out = append(out, s)
		}
	}
	return out
}

var aliases = map[string]System{
	"a": Angstroms, "nm": Nanometers, "um": Microns, "mm": Millimeters,
	"cm": Centimeters, "dm": Decimeters, "m": Meters, "km": Kilometers,
	"in": Inches, "ft": Feet, "yd": Yards, "mi": Miles, "nmi": NauticalMiles,
	"au": AstronomicalUnits, "ly": LightYears, "pc": Parsecs,
	"custom": Custom,
}

// Parse accepts either a full unit name ("Millimeters") or a common
// abbreviation ("mm"). Matching is case-insensitive.
func Parse(name string) (System, error) {
	key := strings.ToLower(strings.TrimSpace(name))
	if s, ok := aliases[key]; ok {
		return s, nil
	}
	for i, n := range names {
		if strings.ToLower(n) == key {
			return System(i), nil
		}
	}
	return Unset, fmt.Errorf("units: unrecognized unit %q", name)
}

// MarshalText lets System appear by name in YAML and JSON documents.
func (s System) MarshalText() ([]byte, error) {
	return []byte(s.String()), nil
}

// UnmarshalText parses a unit name or abbreviation.
func (s *System) UnmarshalText(b []byte) error {
	v, err := Parse(string(b))
	if err != nil {
		return err
	}
	*s = v
	return nil
}
