package config

import (
	"path/filepath"
	"testing"
	"time"

	"github.com/chazu/beso/pkg/pipeline"
	"github.com/chazu/beso/pkg/units"
	"github.com/spf13/afero"
	"github.com/stretchr/testify/require"
)

func TestDefaults(t *testing.T) {
	c, err := Load(New(), afero.NewMemMapFs(), "")
	require.NoError(t, err)
	require.NoError(t, c.Validate())

	require.True(t, c.KeepWorkspace)
	require.Equal(t, 1, c.Optimizer.CPUCores)
	require.Equal(t, pipeline.DefaultResultGlob, c.Optimizer.ResultGlob)
	require.Equal(t, "cfg.fbd", c.Templates.Solution)
	require.Equal(t, 100, c.MeshCells)
	u, err := c.Unit()
	require.NoError(t, err)
	require.Equal(t, units.Millimeters, u)
}

func TestFileOverridesDefaults(t *testing.T) {
	fs := afero.NewMemMapFs()
	require.NoError(t, afero.WriteFile(fs, "/etc/beso.yaml", []byte(`
tools_dir: /opt/beso
stl_unit: in
stage_timeout: 90s
optimizer:
  cpu_cores: 2
  python: python3
rules:
  viewer:
    - name: result
      match: "read "
      format: "read {value} inp"
`), 0o644))

	c, err := Load(New(), fs, "/etc/beso.yaml")
	require.NoError(t, err)
	require.NoError(t, c.Validate())
	require.Equal(t, 90*time.Second, c.StageTimeout)
	require.Equal(t, 2, c.Optimizer.CPUCores)
	require.Equal(t, "python3", c.Optimizer.Python)
	require.Equal(t, "beso_main.py", c.Optimizer.Script, "unset keys keep defaults")
	require.Len(t, c.Rules.Viewer, 1)
	require.Equal(t, "read {value} inp", c.Rules.Viewer[0].Format)

	u, err := c.Unit()
	require.NoError(t, err)
	require.Equal(t, units.Inches, u)
}

func TestEnvOverridesFile(t *testing.T) {
	fs := afero.NewMemMapFs()
	require.NoError(t, afero.WriteFile(fs, "/beso.yaml", []byte("optimizer:\n  cpu_cores: 2\n"), 0o644))
	t.Setenv("BESO_OPTIMIZER_CPU_CORES", "3")
	t.Setenv("BESO_WORK_DIR", "/scratch")

	c, err := Load(New(), fs, "/beso.yaml")
	require.NoError(t, err)
	require.Equal(t, 3, c.Optimizer.CPUCores)
	require.Equal(t, "/scratch", c.WorkDir)
}

func TestFlagOverridesEnv(t *testing.T) {
	t.Setenv("BESO_LOG_LEVEL", "warn")
	v := New()
	v.Set("log_level", "debug")
	c, err := Load(v, afero.NewMemMapFs(), "")
	require.NoError(t, err)
	require.Equal(t, "debug", c.LogLevel)
}

func TestMissingFile(t *testing.T) {
	_, err := Load(New(), afero.NewMemMapFs(), "/nope.yaml")
	require.Error(t, err)
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*Config)
		want   string
	}{
		{"cores", func(c *Config) { c.Optimizer.CPUCores = 0 }, "cpu_cores"},
		{"empty solver", func(c *Config) { c.Executables.Solver = " " }, "executables.solver"},
		{"unit", func(c *Config) { c.StlUnit = "CustomUnits" }, "stl_unit"},
		{"unknown unit", func(c *Config) { c.StlUnit = "furlongs" }, "stl_unit"},
		{"log format", func(c *Config) { c.LogFormat = "xml" }, "log_format"},
		{"log level", func(c *Config) { c.LogLevel = "loud" }, "log level"},
		{"timeout", func(c *Config) { c.StageTimeout = -time.Second }, "stage_timeout"},
		{"cells", func(c *Config) { c.MeshCells = 2 }, "mesh_cells"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			c, err := Load(New(), afero.NewMemMapFs(), "")
			require.NoError(t, err)
			tt.mutate(c)
			require.ErrorContains(t, c.Validate(), tt.want)
		})
	}
}

func TestToolsResolveAgainstToolsDir(t *testing.T) {
	c, err := Load(New(), afero.NewMemMapFs(), "")
	require.NoError(t, err)
	dir := t.TempDir()
	c.ToolsDir = dir
	abs := filepath.Join(t.TempDir(), "ccx")
	c.Executables.Solver = abs

	opts, err := c.PipelineOptions()
	require.NoError(t, err)
	require.Equal(t, filepath.Join(dir, exe("finite_elements")), opts.Tools.FiniteElements)
	require.Equal(t, abs, opts.Tools.Solver)
	require.Equal(t, filepath.Join(dir, "beso"), opts.Tools.OptimizerDir)
	require.Equal(t, "beso_conf.py", opts.Tools.OptimizerConfig)
	require.Equal(t, filepath.Join(dir, "cfg-beso.fbd"), opts.Tools.OptimizedTemplate)
	require.Nil(t, opts.OptimizerRules)
}
