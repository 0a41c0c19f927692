package kernel

import (
	"errors"
	"fmt"
	"math"

	"gonum.org/v1/gonum/spatial/r3"
)

// Mesh is a polygon mesh with flat buffers.
// Vertices has 3 floats per vertex (x,y,z), Normals has 3 floats per vertex,
// Indices has 3 uint32s per triangle and Quads has 4 uint32s per quad.
// Quads are folded into Indices by Triangulate before the mesh is encoded.
type Mesh struct {
	Vertices []float32 `json:"vertices"` // [x0,y0,z0, x1,y1,z1, ...]
	Normals  []float32 `json:"normals"`  // [nx0,ny0,nz0, ...]
	Indices  []uint32  `json:"indices"`  // [i0,i1,i2, ...] triangles
	Quads    []uint32  `json:"quads,omitempty"`
	PartName string    `json:"partName"`
}

// VertexCount returns the number of vertices.
func (m *Mesh) VertexCount() int {
	return len(m.Vertices) / 3
}

// TriangleCount returns the number of triangles.
func (m *Mesh) TriangleCount() int {
	return len(m.Indices) / 3
}

// QuadCount returns the number of quads not yet triangulated.
func (m *Mesh) QuadCount() int {
	return len(m.Quads) / 4
}

// IsEmpty returns true if the mesh has no geometry.
func (m *Mesh) IsEmpty() bool {
	return len(m.Vertices) == 0
}

// Vertex returns vertex i as a vector.
func (m *Mesh) Vertex(i uint32) r3.Vec {
	return r3.Vec{
		X: float64(m.Vertices[i*3]),
		Y: float64(m.Vertices[i*3+1]),
		Z: float64(m.Vertices[i*3+2]),
	}
}

// AddVertex appends a vertex and returns its index.
func (m *Mesh) AddVertex(x, y, z float32) uint32 {
	m.Vertices = append(m.Vertices, x, y, z)
	return uint32(m.VertexCount() - 1)
}

// AddTriangle appends a triangular face.
func (m *Mesh) AddTriangle(a, b, c uint32) {
	m.Indices = append(m.Indices, a, b, c)
}

// AddQuad appends a quad face. A quad whose last two corners coincide
// is stored as a triangle.
func (m *Mesh) AddQuad(a, b, c, d uint32) {
	if c == d {
		m.AddTriangle(a, b, c)
		return
	}
	m.Quads = append(m.Quads, a, b, c, d)
}

// Validate reports the first face that references a missing vertex.
func (m *Mesh) Validate() error {
	if len(m.Vertices)%3 != 0 {
		return fmt.Errorf("mesh: vertex buffer length %d is not a multiple of 3", len(m.Vertices))
	}
	if len(m.Indices)%3 != 0 {
		return fmt.Errorf("mesh: index buffer length %d is not a multiple of 3", len(m.Indices))
	}
	n := uint32(m.VertexCount())
	for i, idx := range m.Indices {
		if idx >= n {
			return fmt.Errorf("mesh: triangle %d references vertex %d of %d", i/3, idx, n)
		}
	}
	for i, idx := range m.Quads {
		if idx >= n {
			return fmt.Errorf("mesh: quad %d references vertex %d of %d", i/4, idx, n)
		}
	}
	return nil
}

// QuadError describes a quad that could not be split into triangles.
type QuadError struct {
	Quad   int
	Reason string
}

func (e *QuadError) Error() string {
	return fmt.Sprintf("quad %d: %s", e.Quad, e.Reason)
}

// Triangulate splits every quad into two triangles along its shorter
// diagonal. Quads that cannot be split are dropped and reported in the
// returned error, which callers treat as a warning: the triangles that
// were produced are kept either way.
func (m *Mesh) Triangulate() error {
	if len(m.Quads) == 0 {
		return nil
	}
	var errs []error
	n := uint32(m.VertexCount())
	for q := 0; q+3 < len(m.Quads); q += 4 {
		a, b, c, d := m.Quads[q], m.Quads[q+1], m.Quads[q+2], m.Quads[q+3]
		if a >= n || b >= n || c >= n || d >= n {
			errs = append(errs, &QuadError{Quad: q / 4, Reason: "vertex index out of range"})
			continue
		}
		if a == b || a == c || a == d || b == c || b == d {
			errs = append(errs, &QuadError{Quad: q / 4, Reason: "repeated corner"})
			continue
		}
		ac := r3.Norm(r3.Sub(m.Vertex(c), m.Vertex(a)))
		bd := r3.Norm(r3.Sub(m.Vertex(d), m.Vertex(b)))
		if ac <= bd {
			m.AddTriangle(a, b, c)
			m.AddTriangle(a, c, d)
		} else {
			m.AddTriangle(a, b, d)
			m.AddTriangle(b, c, d)
		}
	}
	if len(m.Quads)%4 != 0 {
		errs = append(errs, &QuadError{Quad: len(m.Quads) / 4, Reason: "incomplete quad"})
	}
	m.Quads = nil
	return errors.Join(errs...)
}

// ComputeNormals recomputes per-vertex normals as the area-weighted sum of
// the normals of every triangle touching the vertex.
func (m *Mesh) ComputeNormals() {
	acc := make([]r3.Vec, m.VertexCount())
	for i := 0; i+2 < len(m.Indices); i += 3 {
		a, b, c := m.Indices[i], m.Indices[i+1], m.Indices[i+2]
		va, vb, vc := m.Vertex(a), m.Vertex(b), m.Vertex(c)
		// Cross product length is twice the area, so this is area-weighted.
		fn := r3.Cross(r3.Sub(vb, va), r3.Sub(vc, va))
		acc[a] = r3.Add(acc[a], fn)
		acc[b] = r3.Add(acc[b], fn)
		acc[c] = r3.Add(acc[c], fn)
	}
	m.Normals = make([]float32, len(acc)*3)
	for i, v := range acc {
		if l := r3.Norm(v); l > 0 {
			v = r3.Scale(1/l, v)
		}
		m.Normals[i*3] = float32(v.X)
		m.Normals[i*3+1] = float32(v.Y)
		m.Normals[i*3+2] = float32(v.Z)
	}
}

// Compact drops vertices that no face references and renumbers the
// indices. Normals follow their vertices.
func (m *Mesh) Compact() {
	n := m.VertexCount()
	used := make([]bool, n)
	for _, idx := range m.Indices {
		used[idx] = true
	}
	for _, idx := range m.Quads {
		used[idx] = true
	}
	remap := make([]uint32, n)
	hasNormals := len(m.Normals) == len(m.Vertices)
	next := 0
	for i := 0; i < n; i++ {
		if !used[i] {
			continue
		}
		remap[i] = uint32(next)
		copy(m.Vertices[next*3:next*3+3], m.Vertices[i*3:i*3+3])
		if hasNormals {
			copy(m.Normals[next*3:next*3+3], m.Normals[i*3:i*3+3])
		}
		next++
	}
	m.Vertices = m.Vertices[:next*3]
	if hasNormals {
		m.Normals = m.Normals[:next*3]
	} else {
		m.Normals = nil
	}
	for i, idx := range m.Indices {
		m.Indices[i] = remap[idx]
	}
	for i, idx := range m.Quads {
		m.Quads[i] = remap[idx]
	}
}

// ClosestVertex returns the index of the vertex nearest to p.
// It returns false for an empty mesh.
func (m *Mesh) ClosestVertex(p r3.Vec) (uint32, bool) {
	best, bestDist := uint32(0), math.Inf(1)
	for i := 0; i < m.VertexCount(); i++ {
		d := r3.Norm2(r3.Sub(m.Vertex(uint32(i)), p))
		if d < bestDist {
			best, bestDist = uint32(i), d
		}
	}
	return best, !math.IsInf(bestDist, 1)
}

// NormalAt returns the vertex normal closest to p, computing normals first
// if the mesh has none.
func (m *Mesh) NormalAt(p r3.Vec) (r3.Vec, bool) {
	i, ok := m.ClosestVertex(p)
	if !ok {
		return r3.Vec{}, false
	}
	if len(m.Normals) != len(m.Vertices) {
		m.ComputeNormals()
	}
	return r3.Vec{
		X: float64(m.Normals[i*3]),
		Y: float64(m.Normals[i*3+1]),
		Z: float64(m.Normals[i*3+2]),
	}, true
}

// Bounds returns the axis-aligned bounding box of the vertices.
func (m *Mesh) Bounds() (min, max r3.Vec) {
	if m.IsEmpty() {
		return min, max
	}
	min = m.Vertex(0)
	max = min
	for i := 1; i < m.VertexCount(); i++ {
		v := m.Vertex(uint32(i))
		min = r3.Vec{X: math.Min(min.X, v.X), Y: math.Min(min.Y, v.Y), Z: math.Min(min.Z, v.Z)}
		max = r3.Vec{X: math.Max(max.X, v.X), Y: math.Max(max.Y, v.Y), Z: math.Max(max.Z, v.Z)}
	}
	return min, max
}
