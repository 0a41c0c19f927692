// Package pipeline sequences the five external stages of a structural
// optimization run as a state machine. Each stage is launched only after
// the previous stage's process has exited successfully and the files it
// needs are present.
package pipeline

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/chazu/beso/internal/logging"
	"github.com/chazu/beso/pkg/cfgpatch"
	"github.com/chazu/beso/pkg/kernel"
	"github.com/chazu/beso/pkg/process"
	"github.com/chazu/beso/pkg/spec"
	"github.com/chazu/beso/pkg/stl"
	"github.com/chazu/beso/pkg/workspace"
	"github.com/spf13/afero"
)

// Options configures an Orchestrator.
type Options struct {
	Tools          Tools
	OptimizerRules cfgpatch.Rules // DefaultOptimizerRules when nil
	ViewerRules    cfgpatch.Rules // DefaultViewerRules when nil
	Workspace      workspace.Options
	Shell          string        // stage 4 shell; platform default when empty
	StageTimeout   time.Duration // 0 means no limit
	Observer       Observer
}

// Inputs are the user's choices for one run. The mesh is written in
// Params.ModelUnit and converted to Params.StlUnit.
type Inputs struct {
	Mesh   *kernel.Mesh
	Params spec.Params
}

// Outcome is the terminal result of a run.
type Outcome struct {
	State  State  // Done or Aborted
	Stage  string // stage that aborted the run, empty otherwise
	Err    error
	Output string // optimizer output shown by the last stage
	Paths  *workspace.Paths
}

// Orchestrator runs pipelines. It holds no per-run state and may start
// several runs; each gets its own workspace.
type Orchestrator struct {
	fs     afero.Fs
	runner process.Runner
	opts   Options
	log    *slog.Logger
}

// New returns an Orchestrator that launches stages with runner and
// reads and writes files through fs.
func New(fs afero.Fs, runner process.Runner, opts Options) *Orchestrator {
	if opts.OptimizerRules == nil {
		opts.OptimizerRules = DefaultOptimizerRules()
	}
	if opts.ViewerRules == nil {
		opts.ViewerRules = DefaultViewerRules()
	}
	if opts.Tools.ResultGlob == "" {
		opts.Tools.ResultGlob = DefaultResultGlob
	}
	if opts.Tools.CPUCores <= 0 {
		opts.Tools.CPUCores = 1
	}
	return &Orchestrator{fs: fs, runner: runner, opts: opts, log: logging.New("pipeline")}
}

// Run is one pipeline execution. It owns its workspace and the handle of
// the stage currently running.
type Run struct {
	Paths *workspace.Paths

	o    *Orchestrator
	done chan Outcome
	stop chan struct{}

	mu     sync.Mutex
	state  State
	proc   process.Process
	output string

	finishOnce sync.Once
}

// State returns the run's current state.
func (r *Run) State() State {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.state
}

// Done delivers the Outcome once the run reaches Done or Aborted.
func (r *Run) Done() <-chan Outcome { return r.done }

// Wait blocks until the run finishes or ctx is done.
func (r *Run) Wait(ctx context.Context) (Outcome, error) {
	select {
	case out := <-r.done:
		return out, out.Err
	case <-ctx.Done():
		return Outcome{}, ctx.Err()
	}
}

func (r *Run) transition(to State) {
	r.mu.Lock()
	from := r.state
	r.state = to
	r.mu.Unlock()
	r.emit(Event{Type: EventTransition, From: from, To: to, Stage: stageName(to)})
}

// Process returns the handle of the stage currently running, or nil.
func (r *Run) Process() process.Process {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.proc
}

func (r *Run) setProcess(p process.Process) {
	r.mu.Lock()
	r.proc = p
	r.mu.Unlock()
}

func (r *Run) setOutput(path string) {
	r.mu.Lock()
	r.output = path
	r.mu.Unlock()
}

// emit delivers e to the observer. An observer panic is logged and the
// event dropped; it never reaches the run.
func (r *Run) emit(e Event) {
	obs := r.o.opts.Observer
	if obs == nil {
		return
	}
	defer func() {
		if p := recover(); p != nil {
			r.o.log.Error("observer panic", "event", string(e.Type), "panic", p)
		}
	}()
	obs.OnEvent(e)
}

// finish moves the run to its terminal state and delivers the Outcome.
// Only the first call has any effect.
func (r *Run) finish(state State, stage string, err error) {
	r.finishOnce.Do(func() {
		r.transition(state)
		r.setProcess(nil)
		r.mu.Lock()
		out := Outcome{State: state, Stage: stage, Err: err, Output: r.output, Paths: r.Paths}
		r.mu.Unlock()
		close(r.stop)
		r.done <- out
		close(r.done)
	})
}

// Prepare allocates a workspace and writes every stage-1 input into it
// without launching anything.
func (o *Orchestrator) Prepare(in Inputs) (*workspace.Paths, error) {
	paths, err := workspace.Create(o.fs, o.opts.Workspace)
	if err != nil {
		return nil, err
	}
	if _, err := o.buildInputs(paths, in); err != nil {
		return paths, err
	}
	return paths, nil
}

// Start allocates a workspace and runs the pipeline in the background.
// Cancelling ctx kills the running stage and aborts the run.
func (o *Orchestrator) Start(ctx context.Context, in Inputs) (*Run, error) {
	paths, err := workspace.Create(o.fs, o.opts.Workspace)
	if err != nil {
		return nil, err
	}
	r := &Run{
		Paths: paths,
		o:     o,
		done:  make(chan Outcome, 1),
		stop:  make(chan struct{}),
	}
	go o.loop(ctx, r, in)
	return r, nil
}

// Run runs the pipeline to completion.
func (o *Orchestrator) Run(ctx context.Context, in Inputs) (Outcome, error) {
	r, err := o.Start(ctx, in)
	if err != nil {
		return Outcome{State: Aborted, Err: err}, err
	}
	out := <-r.Done()
	return out, out.Err
}

func (o *Orchestrator) loop(ctx context.Context, r *Run, in Inputs) {
	current := ""
	defer func() {
		if p := recover(); p != nil {
			o.log.Error("pipeline panic", "stage", current, "panic", p)
			r.finish(Aborted, current, fmt.Errorf("pipeline: panic: %v", p))
		}
	}()

	r.transition(BuildingInputs)
	warn, err := o.buildInputs(r.Paths, in)
	if err != nil {
		r.finish(Aborted, "", err)
		return
	}
	if warn != nil {
		r.emit(Event{Type: EventWarning, Err: warn})
	}

	completions := make(chan completion)
	r.transition(Stage1Running)
	for {
		st := stageFor(r.State())
		current = st.name
		if err := ctx.Err(); err != nil {
			r.finish(Aborted, st.name, &StageFailedError{Stage: st.name, Code: -1, Err: err})
			return
		}
		cmd, err := st.prepare(o, r)
		if err != nil {
			r.finish(Aborted, st.name, err)
			return
		}
		next, err := o.launch(ctx, r, st, cmd, completions)
		if err != nil {
			r.finish(Aborted, st.name, err)
			return
		}
		if next == Done {
			current = ""
			r.finish(Done, "", nil)
			return
		}
		r.transition(next)
	}
}

// launch starts one stage and blocks this run's goroutine, not the
// caller, until the stage's completion moves the state machine on.
func (o *Orchestrator) launch(ctx context.Context, r *Run, st stage, cmd process.Command, completions chan completion) (State, error) {
	sctx, cancel := ctx, context.CancelFunc(func() {})
	if o.opts.StageTimeout > 0 {
		sctx, cancel = context.WithTimeout(ctx, o.opts.StageTimeout)
	}
	defer cancel()

	started := time.Now()
	proc, err := o.runner.Start(sctx, cmd)
	if err != nil {
		return Aborted, &StartError{Stage: st.name, Err: err}
	}
	r.setProcess(proc)
	r.emit(Event{Type: EventLaunch, Stage: st.name})

	go func() {
		select {
		case exit, ok := <-proc.Done():
			if !ok {
				exit = process.Exit{Code: -1, Err: fmt.Errorf("completion channel closed")}
			}
			select {
			case completions <- completion{state: st.state, exit: exit, elapsed: time.Since(started)}:
			case <-r.stop:
			}
		case <-r.stop:
		}
	}()

	for {
		select {
		case c := <-completions:
			next, err := advance(r.State(), c, stageName(c.state))
			if err == errStale {
				r.emit(Event{Type: EventStale, Stage: stageName(c.state), Code: c.exit.Code})
				continue
			}
			r.emit(Event{Type: EventExit, Stage: st.name, Code: c.exit.Code, Elapsed: c.elapsed, Err: c.exit.Err})
			return next, err
		case <-sctx.Done():
			return Aborted, &StageFailedError{Stage: st.name, Code: -1, Err: sctx.Err()}
		}
	}
}

func (o *Orchestrator) buildInputs(paths *workspace.Paths, in Inputs) (warning error, err error) {
	if in.Mesh == nil || in.Mesh.IsEmpty() {
		return nil, &spec.ValidationError{Field: "mesh", Reason: "empty mesh"}
	}
	doc, err := spec.Build(in.Params, paths)
	if err != nil {
		return nil, err
	}
	t := o.opts.Tools
	if err := o.require("inputs", "template", t.SolutionTemplate); err != nil {
		return nil, err
	}
	if err := o.require("inputs", "template", t.OptimizedTemplate); err != nil {
		return nil, err
	}

	res, err := stl.WriteFile(o.fs, paths.Stl, in.Mesh, in.Params.ModelUnit, in.Params.StlUnit)
	if err != nil {
		return nil, err
	}
	if err := doc.Write(o.fs); err != nil {
		return nil, err
	}
	if err := paths.CopyTemplates(t.SolutionTemplate, t.OptimizedTemplate); err != nil {
		return nil, err
	}
	o.log.Debug("inputs written", "dir", paths.Dir, "triangles", res.Triangles)
	return res.Warning, nil
}

func (o *Orchestrator) require(stage, kind, path string) error {
	if path == "" {
		return &MissingDependencyError{Stage: stage, Kind: kind, Path: "(unset)"}
	}
	ok, err := afero.Exists(o.fs, path)
	if err != nil {
		return fmt.Errorf("pipeline: %s: stat %s: %w", stage, path, err)
	}
	if !ok {
		return &MissingDependencyError{Stage: stage, Kind: kind, Path: path}
	}
	return nil
}

// sink logs one stage's output lines.
func (o *Orchestrator) sink(stage string) process.LineFunc {
	log := o.log.With(slog.String("stage", stage))
	return func(stream process.Stream, line string) {
		log.Info("stage output", "stream", string(stream), "line", line)
	}
}
