// Package tessellate turns the named parts of a shape program into
// triangle meshes, one mesh per part.
package tessellate

import (
	"context"
	"fmt"
	"runtime"

	"github.com/chazu/beso/pkg/engine"
	"github.com/chazu/beso/pkg/kernel"
	"golang.org/x/sync/errgroup"
)

// Parts meshes every part with k at the given cell count. Meshes come
// back in part order, each with PartName set. Parts are meshed in
// parallel; the first failure cancels the rest.
func Parts(ctx context.Context, k kernel.Kernel, parts []engine.Part, cells int) ([]*kernel.Mesh, error) {
	meshes := make([]*kernel.Mesh, len(parts))
	g, ctx := errgroup.WithContext(ctx)
	g.SetLimit(runtime.GOMAXPROCS(0))
	for i, p := range parts {
		g.Go(func() error {
			if err := ctx.Err(); err != nil {
				return err
			}
			if p.Solid == nil {
				return fmt.Errorf("tessellate: part %q has no solid", p.Name)
			}
			m, err := k.ToMesh(p.Solid, cells)
			if err != nil {
				return fmt.Errorf("tessellate: part %q: %w", p.Name, err)
			}
			m.PartName = p.Name
			meshes[i] = m
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}
	return meshes, nil
}

// Merge concatenates meshes into one, renumbering indices. Normals are
// kept only when every input has them.
func Merge(meshes []*kernel.Mesh) *kernel.Mesh {
	out := &kernel.Mesh{}
	normals := true
	for _, m := range meshes {
		if m == nil {
			continue
		}
		base := uint32(out.VertexCount())
		out.Vertices = append(out.Vertices, m.Vertices...)
		if len(m.Normals) != len(m.Vertices) {
			normals = false
		}
		out.Normals = append(out.Normals, m.Normals...)
		for _, i := range m.Indices {
			out.Indices = append(out.Indices, base+i)
		}
		for _, i := range m.Quads {
			out.Quads = append(out.Quads, base+i)
		}
	}
	if !normals {
		out.Normals = nil
	}
	return out
}
