package stl

import (
	"bytes"
	"encoding/binary"
	"errors"
	"math"
	"testing"

	"github.com/chazu/beso/pkg/kernel"
	"github.com/chazu/beso/pkg/units"
	"github.com/spf13/afero"
)

func rightTriangle() *kernel.Mesh {
	m := &kernel.Mesh{}
	m.AddVertex(0, 0, 0)
	m.AddVertex(1, 0, 0)
	m.AddVertex(0, 1, 0)
	m.AddTriangle(0, 1, 2)
	return m
}

// cube is a unit cube built from quads with outward winding.
func cube() *kernel.Mesh {
	m := &kernel.Mesh{}
	for _, p := range [][3]float32{
		{0, 0, 0}, {1, 0, 0}, {1, 1, 0}, {0, 1, 0},
		{0, 0, 1}, {1, 0, 1}, {1, 1, 1}, {0, 1, 1},
	} {
		m.AddVertex(p[0], p[1], p[2])
	}
	m.AddQuad(0, 3, 2, 1) // bottom
	m.AddQuad(4, 5, 6, 7) // top
	m.AddQuad(0, 1, 5, 4) // front
	m.AddQuad(1, 2, 6, 5) // right
	m.AddQuad(2, 3, 7, 6) // back
	m.AddQuad(3, 0, 4, 7) // left
	return m
}

func floatAt(b []byte, off int) float32 {
	return math.Float32frombits(binary.LittleEndian.Uint32(b[off:]))
}

func TestEncodeRightTriangle(t *testing.T) {
	var buf bytes.Buffer
	res, err := Encode(&buf, rightTriangle(), units.Millimeters, units.Millimeters)
	if err != nil {
		t.Fatalf("Encode: %v", err)
	}
	b := buf.Bytes()
	if len(b) != HeaderSize+4+TriangleSize {
		t.Fatalf("len = %d, want %d", len(b), HeaderSize+4+TriangleSize)
	}
	if res.Triangles != 1 || binary.LittleEndian.Uint32(b[80:]) != 1 {
		t.Fatalf("triangle count = %d / %d, want 1", res.Triangles, binary.LittleEndian.Uint32(b[80:]))
	}
	for i := 0; i < HeaderSize; i++ {
		if b[i] != 0 {
			t.Fatalf("header byte %d = %d, want 0", i, b[i])
		}
	}

	// The normal comes from the input winding (v2-v1)x(v3-v1) = +Z.
	n := [3]float32{floatAt(b, 84), floatAt(b, 88), floatAt(b, 92)}
	if n != [3]float32{0, 0, 1} {
		t.Errorf("normal = %v, want (0,0,1)", n)
	}

	// Vertices are stored v1, v3, v2.
	want := [][3]float32{{0, 0, 0}, {0, 1, 0}, {1, 0, 0}}
	for j, w := range want {
		off := 96 + j*12
		got := [3]float32{floatAt(b, off), floatAt(b, off+4), floatAt(b, off+8)}
		if got != w {
			t.Errorf("stored vertex %d = %v, want %v", j, got, w)
		}
	}
	// So the stored order winds clockwise about the stored normal.
	s0, s1, s2 := want[0], want[1], want[2]
	wound := faceNormal(s0, s1, s2)
	if wound[2] != -1 {
		t.Errorf("winding normal of stored order = %v, want (0,0,-1)", wound)
	}

	if b[144] != 0 || b[145] != 0 {
		t.Errorf("attribute = %v, want zero", b[144:146])
	}
}

func TestEncodeConvertsUnits(t *testing.T) {
	m := rightTriangle()
	var buf bytes.Buffer
	if _, err := Encode(&buf, m, units.Meters, units.Millimeters); err != nil {
		t.Fatalf("Encode: %v", err)
	}
	b := buf.Bytes()
	// The third stored vertex is input v2, (1,0,0) m = (1000,0,0) mm.
	if got := floatAt(b, 120); got != 1000 {
		t.Errorf("converted x = %v, want 1000", got)
	}
	// Source mesh is untouched.
	if m.Vertices[3] != 1 {
		t.Errorf("source mesh mutated: %v", m.Vertices)
	}
}

func TestEncodeUnsupportedUnit(t *testing.T) {
	var buf bytes.Buffer
	_, err := Encode(&buf, rightTriangle(), units.Custom, units.Millimeters)
	var ue *units.UnsupportedUnitError
	if !errors.As(err, &ue) {
		t.Fatalf("Encode err = %v, want UnsupportedUnitError", err)
	}
	if buf.Len() != 0 {
		t.Errorf("wrote %d bytes before failing", buf.Len())
	}
}

func TestEncodeDegenerateTriangle(t *testing.T) {
	m := &kernel.Mesh{}
	m.AddVertex(1, 1, 1)
	m.AddVertex(1, 1, 1)
	m.AddVertex(1, 1, 1)
	m.AddTriangle(0, 1, 2)
	var buf bytes.Buffer
	if _, err := Encode(&buf, m, units.Meters, units.Meters); err != nil {
		t.Fatalf("Encode: %v", err)
	}
	b := buf.Bytes()
	for off := 84; off < 96; off += 4 {
		if v := floatAt(b, off); v != 0 || math.IsNaN(float64(v)) {
			t.Errorf("normal component at %d = %v, want 0", off, v)
		}
	}
}

func TestEncodeTriangulatesQuads(t *testing.T) {
	m := cube()
	m.Quads = append(m.Quads, 0, 0, 1, 2) // cannot be split
	var buf bytes.Buffer
	res, err := Encode(&buf, m, units.Millimeters, units.Millimeters)
	if err != nil {
		t.Fatalf("Encode: %v", err)
	}
	if res.Triangles != 12 {
		t.Errorf("Triangles = %d, want 12", res.Triangles)
	}
	if res.Warning == nil {
		t.Error("expected a triangulation warning")
	}
	if m.QuadCount() != 7 {
		t.Errorf("caller's quads modified: %d", m.QuadCount())
	}
}

func TestRoundTrip(t *testing.T) {
	src := cube()
	_ = src.Triangulate()
	var buf bytes.Buffer
	if _, err := Encode(&buf, src, units.Inches, units.Inches); err != nil {
		t.Fatalf("Encode: %v", err)
	}
	got, err := Decode(&buf)
	if err != nil {
		t.Fatalf("Decode: %v", err)
	}
	if got.TriangleCount() != src.TriangleCount() {
		t.Fatalf("TriangleCount = %d, want %d", got.TriangleCount(), src.TriangleCount())
	}
	// No dedup: three vertices per triangle, all referenced.
	if got.VertexCount() != 3*src.TriangleCount() {
		t.Errorf("VertexCount = %d, want %d", got.VertexCount(), 3*src.TriangleCount())
	}
	if len(got.Normals) != len(got.Vertices) {
		t.Errorf("normals not recomputed: %d vs %d", len(got.Normals), len(got.Vertices))
	}
	for tri := 0; tri < src.TriangleCount(); tri++ {
		// Decoded triangle is (v1, v3, v2) of the source triangle.
		order := [3]int{0, 2, 1}
		for j := 0; j < 3; j++ {
			sv := src.Vertex(src.Indices[tri*3+order[j]])
			gv := got.Vertex(got.Indices[tri*3+j])
			if math.Abs(sv.X-gv.X) > 1e-6 || math.Abs(sv.Y-gv.Y) > 1e-6 || math.Abs(sv.Z-gv.Z) > 1e-6 {
				t.Fatalf("triangle %d vertex %d = %v, want %v", tri, j, gv, sv)
			}
		}
	}
}

func TestDecodeTruncated(t *testing.T) {
	var full bytes.Buffer
	if _, err := Encode(&full, rightTriangle(), units.Meters, units.Meters); err != nil {
		t.Fatal(err)
	}
	tests := []struct {
		name   string
		n      int
		record string
	}{
		{"empty", 0, "header"},
		{"short header", 40, "header"},
		{"short count", 82, "count"},
		{"short triangle", 100, "triangle 0"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Decode(bytes.NewReader(full.Bytes()[:tt.n]))
			var te *TruncatedStreamError
			if !errors.As(err, &te) {
				t.Fatalf("Decode err = %v, want TruncatedStreamError", err)
			}
			if te.Record != tt.record {
				t.Errorf("Record = %q, want %q", te.Record, tt.record)
			}
		})
	}
}

func TestDecodeHugeCountWithoutData(t *testing.T) {
	var buf bytes.Buffer
	buf.Write(make([]byte, HeaderSize))
	_ = binary.Write(&buf, binary.LittleEndian, uint32(math.MaxUint32))

	_, err := Decode(bytes.NewReader(buf.Bytes()))
	var te *TruncatedStreamError
	if !errors.As(err, &te) || te.Record != "triangle 0" {
		t.Fatalf("Decode err = %v, want TruncatedStreamError at triangle 0", err)
	}
}

func TestPrealloc(t *testing.T) {
	tests := []struct {
		name      string
		count     uint32
		remaining int64
		want      int
	}{
		{"small count", 10, -1, 10},
		{"huge count capped", math.MaxUint32, -1, maxPrealloc},
		{"capped by remaining bytes", math.MaxUint32, 3*TriangleSize + 7, 3},
		{"nothing remaining", 1000, 0, 0},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := prealloc(tt.count, tt.remaining); got != tt.want {
				t.Errorf("prealloc = %d, want %d", got, tt.want)
			}
		})
	}
}

func TestFileHelpers(t *testing.T) {
	fs := afero.NewMemMapFs()
	if _, err := WriteFile(fs, "/w/input.stl", cube(), units.Millimeters, units.Millimeters); err != nil {
		t.Fatalf("WriteFile: %v", err)
	}
	info, err := Stat(fs, "/w/input.stl")
	if err != nil {
		t.Fatalf("Stat: %v", err)
	}
	if info.Triangles != 12 || !info.Complete || info.Size != 84+12*50 {
		t.Errorf("Stat = %+v", info)
	}
	m, err := ReadFile(fs, "/w/input.stl")
	if err != nil {
		t.Fatalf("ReadFile: %v", err)
	}
	if m.TriangleCount() != 12 {
		t.Errorf("TriangleCount = %d, want 12", m.TriangleCount())
	}
	if _, err := ReadFile(fs, "/w/missing.stl"); err == nil {
		t.Error("ReadFile of missing file: expected error")
	}
}
