// Package stl reads and writes binary STL, the triangle interchange format
// the finite-element generator consumes.
//
// Layout: an 80-byte header, a little-endian uint32 triangle count, then
// 50 bytes per triangle: normal (3 float32), three vertices (9 float32) and
// a uint16 attribute that is always zero. Vertices are written in the order
// v1, v3, v2 relative to the mesh's own winding; the downstream toolchain
// expects that order and decoding preserves it as stored.
package stl

import (
	"bufio"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"math"

	"github.com/chazu/beso/pkg/kernel"
	"github.com/chazu/beso/pkg/units"
	v3 "github.com/deadsy/sdfx/vec/v3"
)

const (
	HeaderSize   = 80
	countSize    = 4
	TriangleSize = 50
)

// TruncatedStreamError reports input that ended before a complete record.
type TruncatedStreamError struct {
	Offset int64  // bytes consumed before the short read
	Want   int    // bytes the current record needed
	Record string // "header", "count" or "triangle N"
}

func (e *TruncatedStreamError) Error() string {
	return fmt.Sprintf("stl: truncated stream at byte %d: %s needs %d bytes", e.Offset, e.Record, e.Want)
}

// EncodeResult summarizes an Encode call.
type EncodeResult struct {
	Triangles int
	// Warning is non-nil when some quads could not be triangulated. The
	// remaining geometry was still written.
	Warning error
}

// Encode writes mesh as binary STL, rescaling coordinates from source to
// target units when they differ. The caller's mesh is not modified.
func Encode(w io.Writer, mesh *kernel.Mesh, source, target units.System) (EncodeResult, error) {
	var res EncodeResult
	if mesh == nil {
		return res, errors.New("stl: nil mesh")
	}
	convert := source != target
	if convert {
		if _, err := units.Convert(1, source, target); err != nil {
			return res, fmt.Errorf("stl: encode: %w", err)
		}
	}

	m := &kernel.Mesh{
		Vertices: mesh.Vertices,
		Indices:  append([]uint32(nil), mesh.Indices...),
		Quads:    append([]uint32(nil), mesh.Quads...),
	}
	res.Warning = m.Triangulate()
	if err := m.Validate(); err != nil {
		return res, fmt.Errorf("stl: encode: %w", err)
	}

	bw := bufio.NewWriter(w)
	var header [HeaderSize]byte
	if _, err := bw.Write(header[:]); err != nil {
		return res, fmt.Errorf("stl: write header: %w", err)
	}
	count := m.TriangleCount()
	if err := binary.Write(bw, binary.LittleEndian, uint32(count)); err != nil {
		return res, fmt.Errorf("stl: write count: %w", err)
	}

	var rec [TriangleSize]byte
	for t := 0; t < count; t++ {
		var p [3][3]float32
		for j := 0; j < 3; j++ {
			idx := m.Indices[t*3+j]
			for k := 0; k < 3; k++ {
				c := m.Vertices[idx*3+uint32(k)]
				if convert {
					// Units were checked above, so Convert cannot fail here.
					cv, _ := units.Convert(float64(c), source, target)
					c = float32(cv)
				}
				p[j][k] = c
			}
		}
		n := faceNormal(p[0], p[1], p[2])

		putVec(rec[0:12], n)
		putVec(rec[12:24], p[0])
		putVec(rec[24:36], p[2])
		putVec(rec[36:48], p[1])
		rec[48], rec[49] = 0, 0
		if _, err := bw.Write(rec[:]); err != nil {
			return res, fmt.Errorf("stl: write triangle %d: %w", t, err)
		}
	}
	if err := bw.Flush(); err != nil {
		return res, fmt.Errorf("stl: flush: %w", err)
	}
	res.Triangles = count
	return res, nil
}

// faceNormal is the unit normal of (b-a)x(c-a), or zero for a degenerate
// triangle.
func faceNormal(a, b, c [3]float32) [3]float32 {
	va := toVec(a)
	n := toVec(b).Sub(va).Cross(toVec(c).Sub(va))
	l := n.Length()
	if l == 0 || math.IsNaN(l) || math.IsInf(l, 0) {
		return [3]float32{}
	}
	n = n.MulScalar(1 / l)
	return [3]float32{float32(n.X), float32(n.Y), float32(n.Z)}
}

func toVec(p [3]float32) v3.Vec {
	return v3.Vec{X: float64(p[0]), Y: float64(p[1]), Z: float64(p[2])}
}

func putVec(b []byte, v [3]float32) {
	binary.LittleEndian.PutUint32(b[0:], math.Float32bits(v[0]))
	binary.LittleEndian.PutUint32(b[4:], math.Float32bits(v[1]))
	binary.LittleEndian.PutUint32(b[8:], math.Float32bits(v[2]))
}

func getVec(b []byte) (x, y, z float32) {
	x = math.Float32frombits(binary.LittleEndian.Uint32(b[0:]))
	y = math.Float32frombits(binary.LittleEndian.Uint32(b[4:]))
	z = math.Float32frombits(binary.LittleEndian.Uint32(b[8:]))
	return x, y, z
}

// maxPrealloc bounds the up-front allocation driven by the untrusted count.
// Larger meshes grow as their records arrive.
const maxPrealloc = 1 << 16

// prealloc sizes the initial buffers for count triangles. remaining is the
// number of unread bytes, or -1 when unknown.
func prealloc(count uint32, remaining int64) int {
	n := min(int64(count), maxPrealloc)
	if remaining >= 0 {
		n = min(n, remaining/TriangleSize)
	}
	return int(n)
}

// Decode reads a binary STL stream. Stored normals are ignored; every
// triangle contributes three new vertices, then per-vertex normals are
// recomputed and unused vertices compacted away.
func Decode(r io.Reader) (*kernel.Mesh, error) {
	br := bufio.NewReader(r)
	var off int64

	var header [HeaderSize]byte
	if n, err := io.ReadFull(br, header[:]); err != nil {
		return nil, shortRead(err, off+int64(n), HeaderSize, "header")
	}
	off += HeaderSize

	var cb [countSize]byte
	if n, err := io.ReadFull(br, cb[:]); err != nil {
		return nil, shortRead(err, off+int64(n), countSize, "count")
	}
	off += countSize
	count := binary.LittleEndian.Uint32(cb[:])

	remaining := int64(-1)
	if l, ok := r.(interface{ Len() int }); ok {
		remaining = int64(l.Len() + br.Buffered())
	}
	pre := prealloc(count, remaining)
	mesh := &kernel.Mesh{
		Vertices: make([]float32, 0, pre*9),
		Indices:  make([]uint32, 0, pre*3),
	}

	var rec [TriangleSize]byte
	for t := uint32(0); t < count; t++ {
		if n, err := io.ReadFull(br, rec[:]); err != nil {
			return nil, shortRead(err, off+int64(n), TriangleSize, fmt.Sprintf("triangle %d", t))
		}
		off += TriangleSize
		base := uint32(mesh.VertexCount())
		for j := 0; j < 3; j++ {
			x, y, z := getVec(rec[12+j*12:])
			mesh.AddVertex(x, y, z)
		}
		mesh.AddTriangle(base, base+1, base+2)
	}

	mesh.ComputeNormals()
	mesh.Compact()
	return mesh, nil
}

func shortRead(err error, off int64, want int, record string) error {
	if errors.Is(err, io.EOF) || errors.Is(err, io.ErrUnexpectedEOF) {
		return &TruncatedStreamError{Offset: off, Want: want, Record: record}
	}
	return fmt.Errorf("stl: read %s: %w", record, err)
}
