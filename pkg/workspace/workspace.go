// Package workspace allocates the private directory one pipeline run works
// in and derives every file path the stages exchange.
//
// Each run gets a fresh directory under the base, so runs never share or
// clean up each other's files. Directories are left in place after a run
// unless the caller removes them; stage output is more useful for diagnosis
// than the disk it occupies.
package workspace

import (
	"errors"
	"fmt"
	iofs "io/fs"
	"os"
	"path/filepath"
	"strings"

	"github.com/chazu/beso/internal/logging"
	"github.com/google/uuid"
	"github.com/spf13/afero"
)

// File names inside a run directory.
const (
	StlName             = "input.stl"
	SpecsName           = "specs.json"
	LoadsName           = "load-points.json"
	RestraintsName      = "restraint-points.json"
	ResultStem          = "result"
	ResultName          = ResultStem + ".inp"
	ResultDataName      = ResultStem + ".frd"
	ReportName          = "report.json"
	SolutionConfigName  = "cfg.fbd"
	OptimizedConfigName = "cfg-beso.fbd"
)

// DefaultPrefix is prepended to every run directory name.
const DefaultPrefix = "beso-"

// DefaultMaxAttempts bounds the name-collision retry loop.
const DefaultMaxAttempts = 16

// ErrExhausted is returned when every attempted directory name collided.
var ErrExhausted = errors.New("workspace: no free directory name")

// Options controls directory allocation.
type Options struct {
	Base        string        // parent directory; os.TempDir() when empty
	Prefix      string        // DefaultPrefix when empty
	MaxAttempts int           // DefaultMaxAttempts when <= 0
	NewName     func() string // random name source; uuid when nil
}

// Paths is the set of file locations for one run. All paths live directly
// in Dir.
type Paths struct {
	Dir             string
	Stl             string
	Specs           string
	Loads           string
	Restraints      string
	Result          string
	ResultNoExt     string
	ResultData      string
	Report          string
	SolutionConfig  string
	OptimizedConfig string

	fs afero.Fs
}

// Create allocates a new run directory. Every attempt uses a fresh random
// name; a name that already exists is retried until MaxAttempts.
func Create(fs afero.Fs, opts Options) (*Paths, error) {
	if opts.Base == "" {
		opts.Base = os.TempDir()
	}
	if opts.Prefix == "" {
		opts.Prefix = DefaultPrefix
	}
	if opts.MaxAttempts <= 0 {
		opts.MaxAttempts = DefaultMaxAttempts
	}
	if opts.NewName == nil {
		opts.NewName = uuid.NewString
	}
	if err := fs.MkdirAll(opts.Base, 0o755); err != nil {
		return nil, fmt.Errorf("workspace: create base %s: %w", opts.Base, err)
	}

	log := logging.New("workspace")
	for attempt := 1; attempt <= opts.MaxAttempts; attempt++ {
		dir := filepath.Join(opts.Base, opts.Prefix+opts.NewName())
		err := fs.Mkdir(dir, 0o700)
		if err == nil {
			log.Debug("workspace allocated", "dir", dir, "attempt", attempt)
			return derive(fs, dir), nil
		}
		if !errors.Is(err, iofs.ErrExist) {
			return nil, fmt.Errorf("workspace: mkdir %s: %w", dir, err)
		}
		log.Debug("workspace name collision", "dir", dir, "attempt", attempt)
	}
	return nil, fmt.Errorf("%w after %d attempts under %s", ErrExhausted, opts.MaxAttempts, opts.Base)
}

// Open returns the paths of an existing run directory.
func Open(fs afero.Fs, dir string) (*Paths, error) {
	st, err := fs.Stat(dir)
	if err != nil {
		return nil, fmt.Errorf("workspace: %w", err)
	}
	if !st.IsDir() {
		return nil, fmt.Errorf("workspace: %s is not a directory", dir)
	}
	return derive(fs, dir), nil
}

func derive(fs afero.Fs, dir string) *Paths {
	return &Paths{
		Dir:             dir,
		Stl:             filepath.Join(dir, StlName),
		Specs:           filepath.Join(dir, SpecsName),
		Loads:           filepath.Join(dir, LoadsName),
		Restraints:      filepath.Join(dir, RestraintsName),
		Result:          filepath.Join(dir, ResultName),
		ResultNoExt:     filepath.Join(dir, ResultStem),
		ResultData:      filepath.Join(dir, ResultDataName),
		Report:          filepath.Join(dir, ReportName),
		SolutionConfig:  filepath.Join(dir, SolutionConfigName),
		OptimizedConfig: filepath.Join(dir, OptimizedConfigName),
		fs:              fs,
	}
}

// Join returns name inside the run directory.
func (p *Paths) Join(name string) string {
	return filepath.Join(p.Dir, name)
}

// CopyTemplates copies the two visualizer templates into the run directory
// so they can be patched without touching the installed originals.
func (p *Paths) CopyTemplates(solution, optimized string) error {
	if err := copyFile(p.fs, solution, p.SolutionConfig); err != nil {
		return err
	}
	return copyFile(p.fs, optimized, p.OptimizedConfig)
}

// Remove deletes the run directory and everything in it.
func (p *Paths) Remove() error {
	return p.fs.RemoveAll(p.Dir)
}

func copyFile(fs afero.Fs, src, dst string) error {
	data, err := afero.ReadFile(fs, src)
	if err != nil {
		return fmt.Errorf("workspace: read template: %w", err)
	}
	if err := afero.WriteFile(fs, dst, data, 0o644); err != nil {
		return fmt.Errorf("workspace: write %s: %w", dst, err)
	}
	return nil
}

// Escape doubles every backslash so the path can be embedded in a quoted
// Python string. Only backslash is doubled, on every platform: '/' is not
// an escape character, so POSIX separators are left single rather than
// doubled like the native separator would be.
func Escape(path string) string {
	return strings.ReplaceAll(path, `\`, `\\`)
}
