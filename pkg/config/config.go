// Package config loads orchestrator settings from defaults, an optional
// YAML file, BESO_* environment variables and command-line flags, in that
// order of increasing precedence.
package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"runtime"
	"sort"
	"strings"
	"time"

	"github.com/chazu/beso/internal/logging"
	"github.com/chazu/beso/pkg/cfgpatch"
	"github.com/chazu/beso/pkg/pipeline"
	"github.com/chazu/beso/pkg/units"
	"github.com/chazu/beso/pkg/workspace"
	"github.com/spf13/afero"
	"github.com/spf13/viper"
)

// EnvPrefix is prepended to every environment override.
const EnvPrefix = "BESO"

// Config is the full settings tree.
type Config struct {
	ToolsDir      string        `mapstructure:"tools_dir"`
	WorkDir       string        `mapstructure:"work_dir"`
	StlUnit       string        `mapstructure:"stl_unit"`
	KeepWorkspace bool          `mapstructure:"keep_workspace"`
	StageTimeout  time.Duration `mapstructure:"stage_timeout"`
	MeshCells     int           `mapstructure:"mesh_cells"`
	LogLevel      string        `mapstructure:"log_level"`
	LogFormat     string        `mapstructure:"log_format"`

	Executables Executables `mapstructure:"executables"`
	Optimizer   Optimizer   `mapstructure:"optimizer"`
	Templates   Templates   `mapstructure:"templates"`
	Rules       Rules       `mapstructure:"rules"`
}

// Executables are resolved against ToolsDir unless absolute.
type Executables struct {
	FiniteElements string `mapstructure:"finite_elements"`
	Solver         string `mapstructure:"solver"`
	Viewer         string `mapstructure:"viewer"`
	OptimizerDir   string `mapstructure:"optimizer_dir"`
}

type Optimizer struct {
	Config     string `mapstructure:"config"`
	Activate   string `mapstructure:"activate"`
	Script     string `mapstructure:"script"`
	Python     string `mapstructure:"python"`
	CPUCores   int    `mapstructure:"cpu_cores"`
	ResultGlob string `mapstructure:"result_glob"`
}

type Templates struct {
	Solution  string `mapstructure:"solution"`
	Optimized string `mapstructure:"optimized"`
}

// Rules override the built-in config patch tables when non-empty.
type Rules struct {
	Optimizer cfgpatch.Rules `mapstructure:"optimizer"`
	Viewer    cfgpatch.Rules `mapstructure:"viewer"`
}

func exe(name string) string {
	if runtime.GOOS == "windows" {
		return name + ".exe"
	}
	return name
}

func defaultActivate() string {
	if runtime.GOOS == "windows" {
		return `virtual_env\Scripts\activate.bat`
	}
	return ". virtual_env/bin/activate"
}

// New returns a viper instance with defaults and environment binding set.
// Callers bind flags to it before calling Load.
func New() *viper.Viper {
	v := viper.New()
	v.SetDefault("tools_dir", "")
	v.SetDefault("work_dir", "")
	v.SetDefault("stl_unit", units.Millimeters.String())
	v.SetDefault("keep_workspace", true)
	v.SetDefault("stage_timeout", time.Duration(0))
	v.SetDefault("mesh_cells", 100)
	v.SetDefault("log_level", "info")
	v.SetDefault("log_format", "text")

	v.SetDefault("executables.finite_elements", exe("finite_elements"))
	v.SetDefault("executables.solver", exe("ccx_static"))
	v.SetDefault("executables.viewer", exe("cgx_STATIC"))
	v.SetDefault("executables.optimizer_dir", "beso")

	v.SetDefault("optimizer.config", "beso_conf.py")
	v.SetDefault("optimizer.activate", defaultActivate())
	v.SetDefault("optimizer.script", "beso_main.py")
	v.SetDefault("optimizer.python", "python")
	v.SetDefault("optimizer.cpu_cores", 1)
	v.SetDefault("optimizer.result_glob", pipeline.DefaultResultGlob)

	v.SetDefault("templates.solution", workspace.SolutionConfigName)
	v.SetDefault("templates.optimized", workspace.OptimizedConfigName)

	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_", "-", "_"))
	v.AutomaticEnv()
	return v
}

// Load reads file (if not empty) through fs and decodes the merged
// settings.
func Load(v *viper.Viper, fs afero.Fs, file string) (*Config, error) {
	if file != "" {
		v.SetFs(fs)
		v.SetConfigFile(file)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("config: read %s: %w", file, err)
		}
	}
	var c Config
	if err := v.Unmarshal(&c); err != nil {
		return nil, fmt.Errorf("config: decode: %w", err)
	}
	return &c, nil
}

// Validate rejects settings no run could succeed with.
func (c *Config) Validate() error {
	var errs []error
	required := map[string]string{
		"executables.finite_elements": c.Executables.FiniteElements,
		"executables.solver":          c.Executables.Solver,
		"executables.viewer":          c.Executables.Viewer,
		"executables.optimizer_dir":   c.Executables.OptimizerDir,
		"optimizer.config":            c.Optimizer.Config,
		"optimizer.script":            c.Optimizer.Script,
		"optimizer.python":            c.Optimizer.Python,
		"templates.solution":          c.Templates.Solution,
		"templates.optimized":         c.Templates.Optimized,
	}
	for _, key := range sortedKeys(required) {
		if strings.TrimSpace(required[key]) == "" {
			errs = append(errs, fmt.Errorf("%s must not be empty", key))
		}
	}
	if c.Optimizer.CPUCores < 1 {
		errs = append(errs, fmt.Errorf("optimizer.cpu_cores must be at least 1, got %d", c.Optimizer.CPUCores))
	}
	if c.StageTimeout < 0 {
		errs = append(errs, fmt.Errorf("stage_timeout must not be negative"))
	}
	if c.MeshCells < 8 {
		errs = append(errs, fmt.Errorf("mesh_cells must be at least 8, got %d", c.MeshCells))
	}
	if _, err := c.Unit(); err != nil {
		errs = append(errs, err)
	}
	if _, err := logging.ParseLevel(c.LogLevel); err != nil {
		errs = append(errs, err)
	}
	if c.LogFormat != "text" && c.LogFormat != "json" {
		errs = append(errs, fmt.Errorf("log_format must be text or json, got %q", c.LogFormat))
	}
	if err := c.Rules.Optimizer.Validate(); err != nil {
		errs = append(errs, fmt.Errorf("rules.optimizer: %w", err))
	}
	if err := c.Rules.Viewer.Validate(); err != nil {
		errs = append(errs, fmt.Errorf("rules.viewer: %w", err))
	}
	if err := errors.Join(errs...); err != nil {
		return fmt.Errorf("config: %w", err)
	}
	return nil
}

// Unit parses StlUnit.
func (c *Config) Unit() (units.System, error) {
	u, err := units.Parse(c.StlUnit)
	if err != nil {
		return units.Unset, fmt.Errorf("stl_unit: %w", err)
	}
	if _, err := units.Factor(u); err != nil {
		return units.Unset, fmt.Errorf("stl_unit: %w", err)
	}
	return u, nil
}

// Dir returns ToolsDir, or the directory of the running binary when unset.
func (c *Config) Dir() (string, error) {
	if c.ToolsDir != "" {
		return c.ToolsDir, nil
	}
	self, err := os.Executable()
	if err != nil {
		return "", fmt.Errorf("config: locate tools: %w", err)
	}
	return filepath.Dir(self), nil
}

// Tools resolves every installed path against the tools directory.
func (c *Config) Tools() (pipeline.Tools, error) {
	dir, err := c.Dir()
	if err != nil {
		return pipeline.Tools{}, err
	}
	at := func(p string) string {
		if p == "" || filepath.IsAbs(p) {
			return p
		}
		return filepath.Join(dir, p)
	}
	return pipeline.Tools{
		FiniteElements:    at(c.Executables.FiniteElements),
		Solver:            at(c.Executables.Solver),
		Viewer:            at(c.Executables.Viewer),
		OptimizerDir:      at(c.Executables.OptimizerDir),
		OptimizerConfig:   c.Optimizer.Config,
		Activate:          c.Optimizer.Activate,
		Python:            c.Optimizer.Python,
		Script:            c.Optimizer.Script,
		CPUCores:          c.Optimizer.CPUCores,
		SolutionTemplate:  at(c.Templates.Solution),
		OptimizedTemplate: at(c.Templates.Optimized),
		ResultGlob:        c.Optimizer.ResultGlob,
	}, nil
}

// PipelineOptions assembles orchestrator options from the settings.
func (c *Config) PipelineOptions() (pipeline.Options, error) {
	tools, err := c.Tools()
	if err != nil {
		return pipeline.Options{}, err
	}
	opts := pipeline.Options{
		Tools:        tools,
		Workspace:    workspace.Options{Base: c.WorkDir},
		StageTimeout: c.StageTimeout,
	}
	if len(c.Rules.Optimizer) > 0 {
		opts.OptimizerRules = c.Rules.Optimizer
	}
	if len(c.Rules.Viewer) > 0 {
		opts.ViewerRules = c.Rules.Viewer
	}
	return opts, nil
}

func sortedKeys(m map[string]string) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
