package spec

import (
	"encoding/json"
	"errors"
	"math"
	"sort"
	"testing"

	"github.com/chazu/beso/pkg/units"
	"github.com/chazu/beso/pkg/workspace"
	"github.com/google/go-cmp/cmp"
	"github.com/spf13/afero"
	"gonum.org/v1/gonum/spatial/r3"
)

func newPaths(t *testing.T, fs afero.Fs) *workspace.Paths {
	t.Helper()
	p, err := workspace.Create(fs, workspace.Options{Base: "/tmp", NewName: func() string { return "spec" }})
	if err != nil {
		t.Fatal(err)
	}
	return p
}

func TestResolutionTable(t *testing.T) {
	want := map[Precision]int{1: 30, 2: 60, 3: 90, 4: 120, 5: 150}
	prev := 0
	for p := VeryLow; p <= VeryHigh; p++ {
		got, err := Resolution(p)
		if err != nil {
			t.Fatalf("Resolution(%d): %v", p, err)
		}
		if got != want[p] {
			t.Errorf("Resolution(%d) = %d, want %d", p, got, want[p])
		}
		if got <= prev {
			t.Errorf("Resolution not increasing at %d", p)
		}
		prev = got
	}
	for _, p := range []Precision{0, 6, -1, 100} {
		var ve *ValidationError
		if _, err := Resolution(p); !errors.As(err, &ve) {
			t.Errorf("Resolution(%d) err = %v, want ValidationError", p, err)
		}
	}
}

func TestParseMaterial(t *testing.T) {
	tests := []struct {
		in   string
		want Material
	}{
		{"gold", Gold}, {"Silver", Silver}, {"3", Steel}, {" steel ", Steel},
	}
	for _, tt := range tests {
		got, err := ParseMaterial(tt.in)
		if err != nil || got != tt.want {
			t.Errorf("ParseMaterial(%q) = %v, %v", tt.in, got, err)
		}
	}
	if _, err := ParseMaterial("titanium"); err == nil {
		t.Error("ParseMaterial(titanium): expected error")
	}
}

func TestNewLoadScalesUnitDirection(t *testing.T) {
	l, err := NewLoad(r3.Vec{X: 1, Y: 2, Z: 3}, r3.Vec{X: 0, Y: 3, Z: 4}, 10)
	if err != nil {
		t.Fatal(err)
	}
	want := Load{LocX: 1, LocY: 2, LocZ: 3, MagX: 0, MagY: 6, MagZ: 8}
	if diff := cmp.Diff(want, l); diff != "" {
		t.Errorf("load mismatch (-want +got):\n%s", diff)
	}

	l, err = NewLoad(r3.Vec{}, r3.Vec{}, 10)
	if err == nil {
		t.Error("zero direction: expected warning")
	}
	if l.MagX != 0 || l.MagY != 0 || l.MagZ != 0 {
		t.Errorf("zero direction load = %+v", l)
	}
}

// Steel, one 100 N load normal to the top face of a unit cube, one fixed
// restraint, precision 3.
func TestSteelScenario(t *testing.T) {
	fs := afero.NewMemMapFs()
	paths := newPaths(t, fs)

	load, err := NewLoad(r3.Vec{X: 0.5, Y: 0.5, Z: 1}, r3.Vec{Z: 1}, 100)
	if err != nil {
		t.Fatal(err)
	}
	doc, err := Build(Params{
		Material:   Steel,
		Precision:  Medium,
		ModelUnit:  units.Millimeters,
		StlUnit:    units.Millimeters,
		Loads:      []Load{load},
		Restraints: []Restraint{NewRestraint(r3.Vec{X: 0.5, Y: 0.5, Z: 0})},
	}, paths)
	if err != nil {
		t.Fatalf("Build: %v", err)
	}
	if err := doc.Write(fs); err != nil {
		t.Fatalf("Write: %v", err)
	}

	data, err := afero.ReadFile(fs, paths.Specs)
	if err != nil {
		t.Fatal(err)
	}
	var rec map[string]any
	if err := json.Unmarshal(data, &rec); err != nil {
		t.Fatal(err)
	}

	keys := make([]string, 0, len(rec))
	for k := range rec {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	wantKeys := []string{
		"ExactSurfaceConsidered", "GravityDirectionX", "GravityDirectionY", "GravityDirectionZ",
		"GravityIsNeeded", "GravityMagnitude", "MassDensity", "ModelUnitSystem",
		"ModelUnitSystemOfSavedStlFile", "NonlinearConsidered", "PathLoadPoints", "PathReport",
		"PathRestraintPoints", "PathResult", "PathStl", "PoissonRatio", "Resolution", "YoungModulus",
	}
	if diff := cmp.Diff(wantKeys, keys); diff != "" {
		t.Fatalf("spec keys mismatch (-want +got):\n%s", diff)
	}

	numeric := map[string]float64{
		"MassDensity":       7.85e-9,
		"YoungModulus":      210000,
		"PoissonRatio":      0.3,
		"GravityDirectionX": 0,
		"GravityDirectionY": 0,
		"GravityDirectionZ": -1,
		"Resolution":        90,
	}
	for k, want := range numeric {
		if got := rec[k].(float64); got != want {
			t.Errorf("%s = %v, want %v", k, got, want)
		}
	}
	if g := rec["GravityMagnitude"].(float64); math.Abs(g-9810) > 1e-6 {
		t.Errorf("GravityMagnitude = %v, want 9810 mm/s²", g)
	}
	if rec["GravityIsNeeded"] != false || rec["NonlinearConsidered"] != false || rec["ExactSurfaceConsidered"] != true {
		t.Errorf("boolean defaults wrong: %v", rec)
	}
	if rec["ModelUnitSystemOfSavedStlFile"] != "Millimeters" || rec["PathStl"] != paths.Stl {
		t.Errorf("paths/units wrong: %v", rec)
	}

	var loads []map[string]float64
	raw, _ := afero.ReadFile(fs, paths.Loads)
	if err := json.Unmarshal(raw, &loads); err != nil {
		t.Fatal(err)
	}
	wantLoads := []map[string]float64{{"LocX": 0.5, "LocY": 0.5, "LocZ": 1, "MagX": 0, "MagY": 0, "MagZ": 100}}
	if diff := cmp.Diff(wantLoads, loads); diff != "" {
		t.Errorf("loads mismatch (-want +got):\n%s", diff)
	}

	var restraints []Restraint
	raw, _ = afero.ReadFile(fs, paths.Restraints)
	if err := json.Unmarshal(raw, &restraints); err != nil {
		t.Fatal(err)
	}
	if len(restraints) != 1 || !restraints[0].IsFixedX || !restraints[0].IsFixedY || !restraints[0].IsFixedZ {
		t.Errorf("restraints = %+v", restraints)
	}
}

func TestBuildRejectsBadInput(t *testing.T) {
	paths := newPaths(t, afero.NewMemMapFs())
	good := Params{
		Material:   Gold,
		Precision:  Low,
		ModelUnit:  units.Inches,
		StlUnit:    units.Millimeters,
		Loads:      []Load{{MagZ: 1}},
		Restraints: []Restraint{NewRestraint(r3.Vec{})},
	}
	if _, err := Build(good, paths); err != nil {
		t.Fatalf("Build(good): %v", err)
	}

	tests := []struct {
		name   string
		mutate func(*Params)
		field  string
	}{
		{"no loads", func(p *Params) { p.Loads = nil }, "loads"},
		{"no restraints", func(p *Params) { p.Restraints = nil }, "restraints"},
		{"bad material", func(p *Params) { p.Material = 0 }, "material"},
		{"bad precision", func(p *Params) { p.Precision = 9 }, "precision"},
		{"unset model unit", func(p *Params) { p.ModelUnit = units.Unset }, "model unit"},
		{"custom stl unit", func(p *Params) { p.StlUnit = units.Custom }, "stl unit"},
		{"NaN load", func(p *Params) { p.Loads = []Load{{MagX: math.NaN()}} }, "load 0"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			p := good
			tt.mutate(&p)
			_, err := Build(p, paths)
			var ve *ValidationError
			if !errors.As(err, &ve) {
				t.Fatalf("Build err = %v, want ValidationError", err)
			}
			if ve.Field != tt.field {
				t.Errorf("Field = %q, want %q", ve.Field, tt.field)
			}
		})
	}
}
