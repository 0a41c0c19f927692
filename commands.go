package main

import (
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"

	"github.com/chazu/beso/pkg/cfgpatch"
	"github.com/chazu/beso/pkg/job"
	"github.com/chazu/beso/pkg/kernel"
	"github.com/chazu/beso/pkg/pipeline"
	"github.com/chazu/beso/pkg/units"
	"github.com/chazu/beso/pkg/workspace"
	"github.com/dustin/go-humanize"
	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/spf13/afero"
	"github.com/spf13/cobra"
)

func (c *cli) table() table.Writer {
	t := table.NewWriter()
	t.SetOutputMirror(c.out)
	t.SetStyle(table.StyleLight)
	return t
}

func (c *cli) runCmd() *cobra.Command {
	var jobFile string
	cmd := &cobra.Command{
		Use:   "run",
		Short: "Run the full pipeline for a job file",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			j, err := job.Load(c.fs, jobFile)
			if err != nil {
				return err
			}
			out, err := c.app.Run(cmd.Context(), j, nil)
			c.printOutcome(out)
			return err
		},
	}
	cmd.Flags().StringVar(&jobFile, "job", "", "job file (yaml)")
	_ = cmd.MarkFlagRequired("job")
	return cmd
}

func (c *cli) printOutcome(out pipeline.Outcome) {
	t := c.table()
	t.AppendHeader(table.Row{"State", "Stage", "Output", "Workspace"})
	dir := ""
	if out.Paths != nil {
		dir = out.Paths.Dir
	}
	t.AppendRow(table.Row{out.State, out.Stage, out.Output, dir})
	t.Render()
}

func (c *cli) specCmd() *cobra.Command {
	var jobFile string
	cmd := &cobra.Command{
		Use:   "spec",
		Short: "Write a job's solver inputs to a new workspace without running anything",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			j, err := job.Load(c.fs, jobFile)
			if err != nil {
				return err
			}
			p, err := c.app.Prepare(j)
			if err != nil {
				return err
			}
			c.printPaths(p)
			return nil
		},
	}
	cmd.Flags().StringVar(&jobFile, "job", "", "job file (yaml)")
	_ = cmd.MarkFlagRequired("job")
	return cmd
}

func (c *cli) printPaths(p *workspace.Paths) {
	t := c.table()
	t.AppendHeader(table.Row{"File", "Path"})
	for _, r := range []struct{ name, path string }{
		{"workspace", p.Dir},
		{"mesh", p.Stl},
		{"specs", p.Specs},
		{"loads", p.Loads},
		{"restraints", p.Restraints},
		{"result", p.Result},
		{"solution config", p.SolutionConfig},
		{"optimized config", p.OptimizedConfig},
	} {
		t.AppendRow(table.Row{r.name, r.path})
	}
	t.Render()
}

func (c *cli) encodeCmd() *cobra.Command {
	var from, to string
	cmd := &cobra.Command{
		Use:   "encode IN OUT",
		Short: "Re-encode an STL file as binary, converting units",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			src, err := units.Parse(from)
			if err != nil {
				return err
			}
			dst, err := units.Parse(to)
			if err != nil {
				return err
			}
			res, err := c.app.Encode(args[0], args[1], src, dst)
			if err != nil {
				return err
			}
			if res.Warning != nil {
				fmt.Fprintln(c.errOut, "warning:", res.Warning)
			}
			fmt.Fprintf(c.out, "wrote %s (%s triangles, %s to %s)\n",
				args[1], humanize.Comma(int64(res.Triangles)), src, dst)
			return nil
		},
	}
	cmd.Flags().StringVar(&from, "from", units.Millimeters.String(), "unit of the input")
	cmd.Flags().StringVar(&to, "to", units.Millimeters.String(), "unit to write")
	return cmd
}

func (c *cli) inspectCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "inspect FILE",
		Short: "Show an STL file's header, size and bounds",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ins, err := c.app.Inspect(args[0])
			if err != nil {
				return err
			}
			t := c.table()
			t.AppendHeader(table.Row{"Field", "Value"})
			t.AppendRow(table.Row{"header", ins.Info.Header})
			t.AppendRow(table.Row{"triangles", humanize.Comma(int64(ins.Info.Triangles))})
			t.AppendRow(table.Row{"size", humanize.Bytes(uint64(ins.Info.Size))})
			t.AppendRow(table.Row{"complete", ins.Info.Complete})
			if ins.Info.Complete {
				t.AppendRow(table.Row{"vertices", humanize.Comma(int64(ins.Vertices))})
				t.AppendRow(table.Row{"min", fmt.Sprintf("%.4g %.4g %.4g", ins.Min[0], ins.Min[1], ins.Min[2])})
				t.AppendRow(table.Row{"max", fmt.Sprintf("%.4g %.4g %.4g", ins.Max[0], ins.Max[1], ins.Max[2])})
			}
			t.Render()
			return nil
		},
	}
}

func (c *cli) shapeCmd() *cobra.Command {
	var (
		file, out, unit, partsDir string
		cells                     int
	)
	cmd := &cobra.Command{
		Use:   "shape [EXPR]",
		Short: "Evaluate a shape program and write it as STL",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			source, err := c.shapeSource(file, args)
			if err != nil {
				return err
			}
			model, err := units.Parse(unit)
			if err != nil {
				return err
			}
			target, err := c.cfg.Unit()
			if err != nil {
				return err
			}
			if partsDir != "" {
				return c.writeParts(cmd, source, partsDir, cells, model, target)
			}
			m, err := c.app.Shape(source, cells)
			if err != nil {
				return err
			}
			return c.writeMesh(out, m, model, target)
		},
	}
	cmd.Flags().StringVarP(&file, "file", "f", "", "read the program from a file ('-' for stdin)")
	cmd.Flags().StringVarP(&out, "output", "o", "shape.stl", "STL file to write")
	cmd.Flags().StringVar(&unit, "unit", units.Millimeters.String(), "unit the program is written in")
	cmd.Flags().StringVar(&partsDir, "parts", "", "write one STL per defpart into this directory instead of -o")
	cmd.Flags().IntVar(&cells, "cells", 0, "marching-cubes cells along the longest axis (default: mesh_cells)")
	return cmd
}

func (c *cli) writeMesh(path string, m *kernel.Mesh, model, target units.System) error {
	res, err := c.app.WriteMesh(path, m, model, target)
	if err != nil {
		return err
	}
	if res.Warning != nil {
		fmt.Fprintln(c.errOut, "warning:", res.Warning)
	}
	fmt.Fprintf(c.out, "wrote %s (%s triangles)\n", path, humanize.Comma(int64(res.Triangles)))
	return nil
}

func (c *cli) writeParts(cmd *cobra.Command, source, dir string, cells int, model, target units.System) error {
	meshes, err := c.app.ShapeParts(cmd.Context(), source, cells)
	if err != nil {
		return err
	}
	if err := c.fs.MkdirAll(dir, 0o755); err != nil {
		return err
	}
	for _, m := range meshes {
		if err := c.writeMesh(filepath.Join(dir, filepath.Base(m.PartName)+".stl"), m, model, target); err != nil {
			return err
		}
	}
	return nil
}

func (c *cli) shapeSource(file string, args []string) (string, error) {
	switch {
	case file != "" && len(args) > 0:
		return "", errors.New("shape: give an expression or --file, not both")
	case file == "-":
		b, err := io.ReadAll(os.Stdin)
		return string(b), err
	case file != "":
		b, err := afero.ReadFile(c.fs, file)
		return string(b), err
	case len(args) == 1:
		return args[0], nil
	}
	return "", errors.New("shape: no expression given")
}

func (c *cli) patchCmd() *cobra.Command {
	var match, line string
	cmd := &cobra.Command{
		Use:   "patch FILE",
		Short: "Replace the first line containing a pattern",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			err := cfgpatch.PatchLine(c.fs, args[0], match, line)
			if errors.Is(err, cfgpatch.ErrLineNotFound) {
				fmt.Fprintf(c.errOut, "warning: no line in %s contains %q\n", args[0], match)
				return nil
			}
			return err
		},
	}
	cmd.Flags().StringVar(&match, "match", "", "text to look for anywhere in a line")
	cmd.Flags().StringVar(&line, "line", "", "replacement line")
	_ = cmd.MarkFlagRequired("match")
	_ = cmd.MarkFlagRequired("line")
	return cmd
}

func (c *cli) workspaceCmd() *cobra.Command {
	var templates bool
	cmd := &cobra.Command{
		Use:   "workspace",
		Short: "Allocate a run directory and print its file paths",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			p, err := c.app.NewWorkspace(templates)
			if err != nil {
				return err
			}
			c.printPaths(p)
			return nil
		},
	}
	cmd.Flags().BoolVar(&templates, "templates", false, "copy the viewer templates into it")
	return cmd
}
