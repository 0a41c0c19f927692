package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"

	"github.com/chazu/beso/internal/logging"
	"github.com/chazu/beso/pkg/config"
	"github.com/chazu/beso/pkg/engine"
	"github.com/chazu/beso/pkg/job"
	"github.com/chazu/beso/pkg/kernel"
	"github.com/chazu/beso/pkg/kernel/sdfx"
	"github.com/chazu/beso/pkg/pipeline"
	"github.com/chazu/beso/pkg/process"
	"github.com/chazu/beso/pkg/stl"
	"github.com/chazu/beso/pkg/tessellate"
	"github.com/chazu/beso/pkg/units"
	"github.com/chazu/beso/pkg/workspace"
	"github.com/spf13/afero"
)

// App ties the settings to the kernel, the shape engine and the pipeline.
// Every CLI command goes through it.
type App struct {
	fs     afero.Fs
	cfg    *config.Config
	kernel kernel.Kernel
	engine *engine.Engine
	runner process.Runner
	log    *slog.Logger
}

// NewApp returns an App on the sdfx kernel. A nil runner launches real
// processes.
func NewApp(fs afero.Fs, cfg *config.Config, runner process.Runner) *App {
	k := sdfx.New()
	if runner == nil {
		runner = process.NewExecRunner()
	}
	return &App{
		fs:     fs,
		cfg:    cfg,
		kernel: k,
		engine: engine.NewEngine(k),
		runner: runner,
		log:    logging.New("app"),
	}
}

// ShapeError carries the evaluation errors of a shape program.
type ShapeError struct {
	Errors []engine.EvalError
}

func (e *ShapeError) Error() string {
	msgs := make([]string, len(e.Errors))
	for i, ee := range e.Errors {
		msgs[i] = ee.Error()
	}
	return "shape: " + strings.Join(msgs, "; ")
}

// Shape evaluates a shape program and tessellates the result with cells
// marching-cubes cells along its longest axis; cells <= 0 uses the
// configured default.
func (a *App) Shape(source string, cells int) (*kernel.Mesh, error) {
	res, evalErrs, err := a.engine.Evaluate(source)
	if err != nil {
		return nil, fmt.Errorf("shape: %w", err)
	}
	if len(evalErrs) > 0 {
		return nil, &ShapeError{Errors: evalErrs}
	}
	if res.Solid == nil {
		return nil, errors.New("shape: program produced no solid")
	}
	if cells <= 0 {
		cells = a.cfg.MeshCells
	}
	m, err := a.kernel.ToMesh(res.Solid, cells)
	if err != nil {
		return nil, fmt.Errorf("shape: %w", err)
	}
	a.log.Debug("shape tessellated", "parts", len(res.Parts), "triangles", m.TriangleCount(), "cells", cells)
	return m, nil
}

// ShapeParts evaluates a shape program and meshes each part it names on
// its own. A program without parts yields one mesh named "shape".
func (a *App) ShapeParts(ctx context.Context, source string, cells int) ([]*kernel.Mesh, error) {
	res, evalErrs, err := a.engine.EvaluateContext(ctx, source)
	if err != nil {
		return nil, fmt.Errorf("shape: %w", err)
	}
	if len(evalErrs) > 0 {
		return nil, &ShapeError{Errors: evalErrs}
	}
	parts := res.Parts
	if len(parts) == 0 {
		if res.Solid == nil {
			return nil, errors.New("shape: program produced no solid")
		}
		parts = []engine.Part{{Name: "shape", Solid: res.Solid}}
	}
	if cells <= 0 {
		cells = a.cfg.MeshCells
	}
	return tessellate.Parts(ctx, a.kernel, parts, cells)
}

// Mesh loads the job's model, from its STL file or its shape program.
func (a *App) Mesh(j *job.Job) (*kernel.Mesh, error) {
	if j.Mesh != "" {
		return stl.ReadFile(a.fs, j.Mesh)
	}
	return a.Shape(j.Shape, 0)
}

// Inputs resolves a job into pipeline inputs. Load directions that could
// not be normalized are logged.
func (a *App) Inputs(j *job.Job) (pipeline.Inputs, error) {
	m, err := a.Mesh(j)
	if err != nil {
		return pipeline.Inputs{}, err
	}
	stlUnit, err := a.cfg.Unit()
	if err != nil {
		return pipeline.Inputs{}, err
	}
	params, warnings, err := j.Params(m, stlUnit)
	if err != nil {
		return pipeline.Inputs{}, err
	}
	for _, w := range warnings {
		a.log.Warn("load direction", "error", w)
	}
	return pipeline.Inputs{Mesh: m, Params: params}, nil
}

func (a *App) orchestrator(obs pipeline.Observer) (*pipeline.Orchestrator, error) {
	opts, err := a.cfg.PipelineOptions()
	if err != nil {
		return nil, err
	}
	if obs == nil {
		obs = &pipeline.LogObserver{Logger: logging.New("pipeline")}
	}
	opts.Observer = obs
	return pipeline.New(a.fs, a.runner, opts), nil
}

// Run executes the full pipeline for j. The workspace is removed after a
// successful run unless keep_workspace is set.
func (a *App) Run(ctx context.Context, j *job.Job, obs pipeline.Observer) (pipeline.Outcome, error) {
	in, err := a.Inputs(j)
	if err != nil {
		return pipeline.Outcome{State: pipeline.Aborted, Err: err}, err
	}
	o, err := a.orchestrator(obs)
	if err != nil {
		return pipeline.Outcome{State: pipeline.Aborted, Err: err}, err
	}
	out, err := o.Run(ctx, in)
	if err == nil && !a.cfg.KeepWorkspace && out.Paths != nil {
		if rerr := out.Paths.Remove(); rerr != nil {
			a.log.Warn("remove workspace", "dir", out.Paths.Dir, "error", rerr)
		}
	}
	return out, err
}

// Prepare writes a run's inputs to a fresh workspace without launching
// any stage.
func (a *App) Prepare(j *job.Job) (*workspace.Paths, error) {
	in, err := a.Inputs(j)
	if err != nil {
		return nil, err
	}
	o, err := a.orchestrator(nil)
	if err != nil {
		return nil, err
	}
	return o.Prepare(in)
}

// Encode re-encodes an STL file, converting between units.
func (a *App) Encode(in, out string, from, to units.System) (stl.EncodeResult, error) {
	m, err := stl.ReadFile(a.fs, in)
	if err != nil {
		return stl.EncodeResult{}, err
	}
	return stl.WriteFile(a.fs, out, m, from, to)
}

// Inspection is what inspect reports about an STL file.
type Inspection struct {
	Info     *stl.Info
	Vertices int
	Min, Max [3]float64
}

// Inspect reads an STL file's header and, when it is complete, its
// geometry.
func (a *App) Inspect(path string) (*Inspection, error) {
	info, err := stl.Stat(a.fs, path)
	if err != nil {
		return nil, err
	}
	ins := &Inspection{Info: info}
	if !info.Complete {
		return ins, nil
	}
	m, err := stl.ReadFile(a.fs, path)
	if err != nil {
		return nil, err
	}
	ins.Vertices = m.VertexCount()
	lo, hi := m.Bounds()
	ins.Min = [3]float64{lo.X, lo.Y, lo.Z}
	ins.Max = [3]float64{hi.X, hi.Y, hi.Z}
	return ins, nil
}

// NewWorkspace allocates a run directory under the configured base and,
// when templates is true, copies the viewer templates into it.
func (a *App) NewWorkspace(templates bool) (*workspace.Paths, error) {
	p, err := workspace.Create(a.fs, workspace.Options{Base: a.cfg.WorkDir})
	if err != nil {
		return nil, err
	}
	if !templates {
		return p, nil
	}
	tools, err := a.cfg.Tools()
	if err != nil {
		return nil, err
	}
	if err := p.CopyTemplates(tools.SolutionTemplate, tools.OptimizedTemplate); err != nil {
		return nil, err
	}
	return p, nil
}

// WriteMesh encodes m to path, converting from the model unit to target.
func (a *App) WriteMesh(path string, m *kernel.Mesh, model, target units.System) (stl.EncodeResult, error) {
	return stl.WriteFile(a.fs, path, m, model, target)
}
