package engine

import (
	"fmt"
	"strings"

	"github.com/chazu/beso/pkg/kernel"
	zygo "github.com/glycerine/zygomys/zygo"
)

// kwPrefix marks keyword tokens rewritten by preprocessSource.
const kwPrefix = "__kw_"

// preprocessSource adapts shape source to zygomys before loading:
//
//  1. :keyword becomes the string "__kw_keyword", so keywords need no
//     global symbols.
//  2. ; line comments become // comments.
//  3. wall-thickness becomes wall_thickness, since zygomys reads a hyphen
//     between letters as subtraction.
//
// String literals are copied unchanged.
func preprocessSource(source string) string {
	var out strings.Builder
	out.Grow(len(source) + len(source)/4)
	b := source
	for i := 0; i < len(b); {
		c := b[i]
		switch {
		case c == '"' || c == '`':
			j := i + 1
			for j < len(b) && b[j] != c {
				if c == '"' && b[j] == '\\' && j+1 < len(b) {
					j++
				}
				j++
			}
			if j < len(b) {
				j++
			}
			out.WriteString(b[i:j])
			i = j

		case c == ';':
			out.WriteString("//")
			for i < len(b) && b[i] == ';' {
				i++
			}
			j := strings.IndexByte(b[i:], '\n')
			if j < 0 {
				j = len(b) - i
			}
			out.WriteString(b[i : i+j])
			i += j

		case c == ':' && i+1 < len(b) && b[i+1] == '=':
			out.WriteString(":=")
			i += 2

		case c == ':' && i+1 < len(b) && isLetter(b[i+1]):
			j := i + 1
			for j < len(b) && isKWChar(b[j]) {
				j++
			}
			out.WriteString(`"` + kwPrefix + b[i+1:j] + `"`)
			i = j

		case c == '-' && i > 0 && i+1 < len(b) && isIdentChar(b[i-1]) && isLetter(b[i+1]):
			out.WriteByte('_')
			i++

		default:
			out.WriteByte(c)
			i++
		}
	}
	return out.String()
}

func isLetter(c byte) bool {
	return (c >= 'a' && c <= 'z') || (c >= 'A' && c <= 'Z')
}

func isKWChar(c byte) bool {
	return isLetter(c) || (c >= '0' && c <= '9') || c == '-' || c == '_'
}

func isIdentChar(c byte) bool {
	return isLetter(c) || (c >= '0' && c <= '9') || c == '_'
}

// sexpSolid carries a kernel solid between builtins.
type sexpSolid struct {
	solid kernel.Solid
	op    string
}

func (s *sexpSolid) SexpString(ps *zygo.PrintState) string {
	min, max := s.solid.BoundingBox()
	return fmt.Sprintf("(%s [%.3g %.3g %.3g]..[%.3g %.3g %.3g])", s.op, min[0], min[1], min[2], max[0], max[1], max[2])
}
func (s *sexpSolid) Type() *zygo.RegisteredType { return nil }

type sexpVec3 struct {
	v [3]float64
}

func (v *sexpVec3) SexpString(ps *zygo.PrintState) string {
	return fmt.Sprintf("(vec3 %g %g %g)", v.v[0], v.v[1], v.v[2])
}
func (v *sexpVec3) Type() *zygo.RegisteredType { return nil }

// args separates keyword and positional arguments.
type args struct {
	kw         map[string]zygo.Sexp
	positional []zygo.Sexp
}

func parseArgs(in []zygo.Sexp) args {
	a := args{kw: make(map[string]zygo.Sexp)}
	for i := 0; i < len(in); i++ {
		if s, ok := in[i].(*zygo.SexpStr); ok && strings.HasPrefix(s.S, kwPrefix) {
			name := s.S[len(kwPrefix):]
			if i+1 < len(in) {
				a.kw[name] = in[i+1]
				i++
			} else {
				a.kw[name] = zygo.SexpNull
			}
			continue
		}
		a.positional = append(a.positional, in[i])
	}
	return a
}

// numbers reads one number per name, positionally or by keyword.
func (a args) numbers(names ...string) ([]float64, error) {
	if len(a.positional) > len(names) {
		return nil, fmt.Errorf("expected at most %d numbers, got %d", len(names), len(a.positional))
	}
	out := make([]float64, len(names))
	for i, n := range names {
		var s zygo.Sexp
		if i < len(a.positional) {
			s = a.positional[i]
		} else if v, ok := a.kw[n]; ok {
			s = v
		} else {
			return nil, fmt.Errorf("missing %s", n)
		}
		f, err := toFloat64(s)
		if err != nil {
			return nil, fmt.Errorf("%s: %w", n, err)
		}
		out[i] = f
	}
	return out, nil
}

func toFloat64(s zygo.Sexp) (float64, error) {
	switch v := s.(type) {
	case *zygo.SexpInt:
		return float64(v.Val), nil
	case *zygo.SexpFloat:
		return v.Val, nil
	}
	return 0, fmt.Errorf("expected number, got %T (%s)", s, s.SexpString(nil))
}

func toString(s zygo.Sexp) (string, error) {
	if str, ok := s.(*zygo.SexpStr); ok {
		return str.S, nil
	}
	return "", fmt.Errorf("expected string, got %T (%s)", s, s.SexpString(nil))
}

func toSolid(s zygo.Sexp) (kernel.Solid, error) {
	if v, ok := s.(*sexpSolid); ok {
		return v.solid, nil
	}
	return nil, fmt.Errorf("expected solid, got %T (%s)", s, s.SexpString(nil))
}

// offset reads x y z after a solid, either as three numbers or a vec3.
func offset(rest []zygo.Sexp) ([3]float64, error) {
	if len(rest) == 1 {
		if v, ok := rest[0].(*sexpVec3); ok {
			return v.v, nil
		}
	}
	if len(rest) != 3 {
		return [3]float64{}, fmt.Errorf("expected x y z or a vec3")
	}
	var out [3]float64
	for i, s := range rest {
		f, err := toFloat64(s)
		if err != nil {
			return out, fmt.Errorf("%c: %w", "xyz"[i], err)
		}
		out[i] = f
	}
	return out, nil
}

// scene collects the parts a program defines.
type scene struct {
	parts  []Part
	byName map[string]int
}

func newScene() *scene {
	return &scene{byName: make(map[string]int)}
}

type builtin func(args []zygo.Sexp) (zygo.Sexp, error)

// registerBuiltins installs the shape builtins into env.
//
// Source must go through preprocessSource first so :keyword tokens are
// recognizable.
func registerBuiltins(env *zygo.Zlisp, k kernel.Kernel, sc *scene) {
	add := func(name string, f builtin) {
		env.AddFunction(name, func(env *zygo.Zlisp, _ string, args []zygo.Sexp) (zygo.Sexp, error) {
			out, err := f(args)
			if err != nil {
				return zygo.SexpNull, fmt.Errorf("%s: %w", name, err)
			}
			return out, nil
		})
	}

	// (box 10 20 5) or (box :x 10 :y 20 :z 5)
	add("box", func(in []zygo.Sexp) (zygo.Sexp, error) {
		n, err := parseArgs(in).numbers("x", "y", "z")
		if err != nil {
			return nil, err
		}
		s, err := k.Box(n[0], n[1], n[2])
		if err != nil {
			return nil, err
		}
		return &sexpSolid{solid: s, op: "box"}, nil
	})

	// (cylinder 10 2) or (cylinder :height 10 :radius 2)
	add("cylinder", func(in []zygo.Sexp) (zygo.Sexp, error) {
		n, err := parseArgs(in).numbers("height", "radius")
		if err != nil {
			return nil, err
		}
		s, err := k.Cylinder(n[0], n[1])
		if err != nil {
			return nil, err
		}
		return &sexpSolid{solid: s, op: "cylinder"}, nil
	})

	// (sphere 3)
	add("sphere", func(in []zygo.Sexp) (zygo.Sexp, error) {
		n, err := parseArgs(in).numbers("radius")
		if err != nil {
			return nil, err
		}
		s, err := k.Sphere(n[0])
		if err != nil {
			return nil, err
		}
		return &sexpSolid{solid: s, op: "sphere"}, nil
	})

	// (vec3 1 2 3)
	add("vec3", func(in []zygo.Sexp) (zygo.Sexp, error) {
		if len(in) != 3 {
			return nil, fmt.Errorf("requires exactly 3 arguments, got %d", len(in))
		}
		v, err := offset(in)
		if err != nil {
			return nil, err
		}
		return &sexpVec3{v: v}, nil
	})

	// (translate s 1 2 3) or (translate s (vec3 1 2 3))
	add("translate", func(in []zygo.Sexp) (zygo.Sexp, error) {
		if len(in) < 2 {
			return nil, fmt.Errorf("requires a solid and an offset")
		}
		s, err := toSolid(in[0])
		if err != nil {
			return nil, err
		}
		v, err := offset(in[1:])
		if err != nil {
			return nil, err
		}
		return &sexpSolid{solid: k.Translate(s, v[0], v[1], v[2]), op: "translate"}, nil
	})

	// (rotate s 0 0 90), Euler angles in degrees
	add("rotate", func(in []zygo.Sexp) (zygo.Sexp, error) {
		if len(in) < 2 {
			return nil, fmt.Errorf("requires a solid and angles")
		}
		s, err := toSolid(in[0])
		if err != nil {
			return nil, err
		}
		v, err := offset(in[1:])
		if err != nil {
			return nil, err
		}
		return &sexpSolid{solid: k.Rotate(s, v[0], v[1], v[2]), op: "rotate"}, nil
	})

	fold := func(op string, f func(a, b kernel.Solid) kernel.Solid) builtin {
		return func(in []zygo.Sexp) (zygo.Sexp, error) {
			if len(in) < 2 {
				return nil, fmt.Errorf("requires at least two solids, got %d", len(in))
			}
			acc, err := toSolid(in[0])
			if err != nil {
				return nil, err
			}
			for i, arg := range in[1:] {
				s, err := toSolid(arg)
				if err != nil {
					return nil, fmt.Errorf("argument %d: %w", i+2, err)
				}
				acc = f(acc, s)
			}
			return &sexpSolid{solid: acc, op: op}, nil
		}
	}
	// (union a b ...), (difference a b ...) removes b and the rest from a
	add("union", fold("union", k.Union))
	add("difference", fold("difference", k.Difference))
	add("intersection", fold("intersection", k.Intersection))

	// (defpart "bracket" solid)
	add("defpart", func(in []zygo.Sexp) (zygo.Sexp, error) {
		if len(in) != 2 {
			return nil, fmt.Errorf("requires a name and a solid")
		}
		name, err := toString(in[0])
		if err != nil {
			return nil, fmt.Errorf("name: %w", err)
		}
		if _, dup := sc.byName[name]; dup {
			return nil, fmt.Errorf("part %q already defined", name)
		}
		s, err := toSolid(in[1])
		if err != nil {
			return nil, err
		}
		sc.byName[name] = len(sc.parts)
		sc.parts = append(sc.parts, Part{Name: name, Solid: s})
		return &sexpSolid{solid: s, op: "part " + name}, nil
	})

	// (part "bracket")
	add("part", func(in []zygo.Sexp) (zygo.Sexp, error) {
		if len(in) != 1 {
			return nil, fmt.Errorf("requires a name")
		}
		name, err := toString(in[0])
		if err != nil {
			return nil, fmt.Errorf("name: %w", err)
		}
		i, ok := sc.byName[name]
		if !ok {
			return nil, fmt.Errorf("no part named %q", name)
		}
		return &sexpSolid{solid: sc.parts[i].Solid, op: "part " + name}, nil
	})
}
