package pipeline

import (
	"errors"
	"fmt"
	"path/filepath"
	"sort"
	"strconv"

	"github.com/chazu/beso/pkg/cfgpatch"
	"github.com/chazu/beso/pkg/process"
	"github.com/chazu/beso/pkg/workspace"
	"github.com/spf13/afero"
)

// DefaultResultGlob matches the optimizer's per-iteration output files.
// The last match in lexicographic order is taken as the final iteration,
// which assumes the optimizer zero-pads its iteration numbers.
const DefaultResultGlob = "file*_state1.inp"

// Setting names understood by the optimizer and viewer rule tables.
const (
	SettingWorkdir = "workdir"
	SettingInput   = "input"
	SettingSolver  = "solver"
	SettingCores   = "cores"
	SettingResult  = "result"
)

// DefaultOptimizerRules locate the settings in the optimizer's Python
// config file.
func DefaultOptimizerRules() cfgpatch.Rules {
	return cfgpatch.Rules{
		{Name: SettingWorkdir, Match: "path = ", Format: `path = "{value}"`},
		{Name: SettingInput, Match: "file_name = ", Format: `file_name = "{value}.inp"`},
		{Name: SettingSolver, Match: "path_calculix = ", Format: `path_calculix = "{value}"`},
		{Name: SettingCores, Match: "cpu_cores = ", Format: "cpu_cores = {value}"},
	}
}

// DefaultViewerRules locate the result file in a viewer batch script.
func DefaultViewerRules() cfgpatch.Rules {
	return cfgpatch.Rules{
		{Name: SettingResult, Match: "read ", Format: "read {value}"},
	}
}

// Tools locates the installed stage executables and optimizer files.
type Tools struct {
	FiniteElements    string
	Solver            string
	Viewer            string
	OptimizerDir      string
	OptimizerConfig   string // relative to OptimizerDir unless absolute
	Activate          string // shell line that activates the optimizer's environment
	Python            string
	Script            string // relative to OptimizerDir
	CPUCores          int
	SolutionTemplate  string
	OptimizedTemplate string
	ResultGlob        string
}

func (t Tools) optimizerFile(name string) string {
	if filepath.IsAbs(name) {
		return name
	}
	return filepath.Join(t.OptimizerDir, name)
}

// stage is one row of the stage table. prepare checks preconditions,
// patches config files and returns the command to launch.
type stage struct {
	state   State
	name    string
	prepare func(o *Orchestrator, r *Run) (process.Command, error)
}

var stages = []stage{
	{Stage1Running, "finite_elements", prepareElements},
	{Stage2Running, "solve", prepareSolve},
	{Stage3Running, "view_solution", prepareViewSolution},
	{Stage4Running, "optimize", prepareOptimize},
	{Stage5Running, "view_optimized", prepareViewOptimized},
}

func stageName(s State) string {
	for _, st := range stages {
		if st.state == s {
			return st.name
		}
	}
	return ""
}

func prepareElements(o *Orchestrator, r *Run) (process.Command, error) {
	const name = "finite_elements"
	t, p := o.opts.Tools, r.Paths
	if err := o.require(name, "executable", t.FiniteElements); err != nil {
		return process.Command{}, err
	}
	if err := o.require(name, "input", p.Specs); err != nil {
		return process.Command{}, err
	}
	return process.Command{
		Name: name,
		Path: t.FiniteElements,
		Args: []string{p.Specs},
		Dir:  p.Dir,
		Mode: process.Logged,
		Sink: o.sink(name),
	}, nil
}

func prepareSolve(o *Orchestrator, r *Run) (process.Command, error) {
	const name = "solve"
	t, p := o.opts.Tools, r.Paths
	if err := o.require(name, "executable", t.Solver); err != nil {
		return process.Command{}, err
	}
	if err := o.require(name, "input", p.Result); err != nil {
		return process.Command{}, err
	}
	return process.Command{
		Name: name,
		Path: t.Solver,
		Args: []string{"-i", p.ResultNoExt},
		Dir:  p.Dir,
		Mode: process.Logged,
		Sink: o.sink(name),
	}, nil
}

func prepareViewSolution(o *Orchestrator, r *Run) (process.Command, error) {
	const name = "view_solution"
	p := r.Paths
	if err := o.require(name, "input", p.ResultData); err != nil {
		return process.Command{}, err
	}
	return o.viewer(name, r, p.SolutionConfig, p.ResultData)
}

func prepareOptimize(o *Orchestrator, r *Run) (process.Command, error) {
	const name = "optimize"
	t, p := o.opts.Tools, r.Paths
	ok, err := afero.DirExists(o.fs, t.OptimizerDir)
	if err != nil {
		return process.Command{}, fmt.Errorf("pipeline: %s: %w", name, err)
	}
	if !ok {
		return process.Command{}, &MissingDependencyError{Stage: name, Kind: "directory", Path: t.OptimizerDir}
	}
	cfg := t.optimizerFile(t.OptimizerConfig)
	if err := o.require(name, "template", cfg); err != nil {
		return process.Command{}, err
	}
	if err := o.require(name, "executable", t.optimizerFile(t.Script)); err != nil {
		return process.Command{}, err
	}
	if err := o.require(name, "input", p.Result); err != nil {
		return process.Command{}, err
	}

	values := map[string]string{
		SettingWorkdir: workspace.Escape(p.Dir),
		SettingInput:   workspace.ResultStem,
		SettingSolver:  workspace.Escape(t.Solver),
		SettingCores:   strconv.Itoa(t.CPUCores),
	}
	if err := o.patch(name, r, o.opts.OptimizerRules, cfg, values); err != nil {
		return process.Command{}, err
	}

	input := []string{"cd " + t.OptimizerDir}
	if t.Activate != "" {
		input = append(input, t.Activate)
	}
	input = append(input, t.Python+" "+t.Script, "exit")
	return process.Command{
		Name:     name,
		Path:     o.opts.Shell,
		Dir:      t.OptimizerDir,
		Mode:     process.Shell,
		Input:    input,
		Elevated: true,
	}, nil
}

func prepareViewOptimized(o *Orchestrator, r *Run) (process.Command, error) {
	const name = "view_optimized"
	last, err := LastOutput(o.fs, r.Paths.Dir, o.opts.Tools.ResultGlob)
	if err != nil {
		return process.Command{}, err
	}
	r.setOutput(last)
	return o.viewer(name, r, r.Paths.OptimizedConfig, last)
}

// viewer patches a copied batch script to read result and launches the
// viewer on it.
func (o *Orchestrator) viewer(name string, r *Run, script, result string) (process.Command, error) {
	if err := o.require(name, "executable", o.opts.Tools.Viewer); err != nil {
		return process.Command{}, err
	}
	if err := o.require(name, "template", script); err != nil {
		return process.Command{}, err
	}
	if err := o.patch(name, r, o.opts.ViewerRules, script, map[string]string{SettingResult: result}); err != nil {
		return process.Command{}, err
	}
	return process.Command{
		Name: name,
		Path: o.opts.Tools.Viewer,
		Args: []string{"-b", script},
		Dir:  r.Paths.Dir,
		Mode: process.Logged,
		Sink: o.sink(name),
	}, nil
}

// patch applies rules to path. Settings whose line is missing are
// reported as warnings and do not stop the stage.
func (o *Orchestrator) patch(stage string, r *Run, rules cfgpatch.Rules, path string, values map[string]string) error {
	err := rules.Apply(o.fs, path, values)
	if err == nil {
		return nil
	}
	if isOnlyLineNotFound(err) {
		r.emit(Event{Type: EventWarning, Stage: stage, Err: err})
		return nil
	}
	return fmt.Errorf("pipeline: %s: patch %s: %w", stage, path, err)
}

func isOnlyLineNotFound(err error) bool {
	if j, ok := err.(interface{ Unwrap() []error }); ok {
		for _, e := range j.Unwrap() {
			if !errors.Is(e, cfgpatch.ErrLineNotFound) {
				return false
			}
		}
		return true
	}
	return errors.Is(err, cfgpatch.ErrLineNotFound)
}

// LastOutput returns the lexicographically last file in dir matching
// pattern. Iteration numbers that are not zero-padded sort wrongly.
func LastOutput(fs afero.Fs, dir, pattern string) (string, error) {
	if pattern == "" {
		pattern = DefaultResultGlob
	}
	matches, err := afero.Glob(fs, filepath.Join(dir, pattern))
	if err != nil {
		return "", fmt.Errorf("pipeline: glob %s: %w", pattern, err)
	}
	if len(matches) == 0 {
		return "", fmt.Errorf("%w: no %s in %s", ErrNoOutput, pattern, dir)
	}
	sort.Strings(matches)
	return matches[len(matches)-1], nil
}

func stageFor(s State) stage {
	for _, st := range stages {
		if st.state == s {
			return st
		}
	}
	panic(fmt.Sprintf("pipeline: no stage for state %v", s))
}
