package workspace

import (
	"errors"
	"path/filepath"
	"testing"

	"github.com/spf13/afero"
)

// names returns a name source that yields the given names in order.
func names(ns ...string) func() string {
	i := 0
	return func() string {
		n := ns[i%len(ns)]
		i++
		return n
	}
}

func TestCreateDerivesPaths(t *testing.T) {
	fs := afero.NewMemMapFs()
	p, err := Create(fs, Options{Base: "/tmp", NewName: names("run1")})
	if err != nil {
		t.Fatalf("Create: %v", err)
	}
	dir := filepath.Join("/tmp", "beso-run1")
	if p.Dir != dir {
		t.Fatalf("Dir = %q, want %q", p.Dir, dir)
	}
	want := map[string]string{
		"Stl":             "input.stl",
		"Specs":           "specs.json",
		"Loads":           "load-points.json",
		"Restraints":      "restraint-points.json",
		"Result":          "result.inp",
		"ResultNoExt":     "result",
		"ResultData":      "result.frd",
		"Report":          "report.json",
		"SolutionConfig":  "cfg.fbd",
		"OptimizedConfig": "cfg-beso.fbd",
	}
	got := map[string]string{
		"Stl":             p.Stl,
		"Specs":           p.Specs,
		"Loads":           p.Loads,
		"Restraints":      p.Restraints,
		"Result":          p.Result,
		"ResultNoExt":     p.ResultNoExt,
		"ResultData":      p.ResultData,
		"Report":          p.Report,
		"SolutionConfig":  p.SolutionConfig,
		"OptimizedConfig": p.OptimizedConfig,
	}
	for field, name := range want {
		if got[field] != filepath.Join(dir, name) {
			t.Errorf("%s = %q, want %q", field, got[field], filepath.Join(dir, name))
		}
		if filepath.Dir(got[field]) != dir {
			t.Errorf("%s is outside the run directory", field)
		}
	}
	if ok, _ := afero.DirExists(fs, dir); !ok {
		t.Error("run directory was not created")
	}
}

func TestCreateRetriesOnCollision(t *testing.T) {
	fs := afero.NewMemMapFs()
	if err := fs.MkdirAll("/tmp/beso-taken", 0o755); err != nil {
		t.Fatal(err)
	}
	p, err := Create(fs, Options{Base: "/tmp", NewName: names("taken", "taken", "free")})
	if err != nil {
		t.Fatalf("Create: %v", err)
	}
	if p.Dir != filepath.Join("/tmp", "beso-free") {
		t.Errorf("Dir = %q, want the first free name", p.Dir)
	}
}

func TestCreateGivesUpAfterMaxAttempts(t *testing.T) {
	fs := afero.NewMemMapFs()
	_ = fs.MkdirAll("/tmp/beso-taken", 0o755)
	_, err := Create(fs, Options{Base: "/tmp", MaxAttempts: 3, NewName: names("taken")})
	if !errors.Is(err, ErrExhausted) {
		t.Fatalf("Create err = %v, want ErrExhausted", err)
	}
}

func TestCreateIsUniqueAcrossRuns(t *testing.T) {
	fs := afero.NewMemMapFs()
	seen := make(map[string]bool)
	for i := 0; i < 200; i++ {
		p, err := Create(fs, Options{Base: "/tmp"})
		if err != nil {
			t.Fatalf("Create #%d: %v", i, err)
		}
		if seen[p.Dir] {
			t.Fatalf("directory %s handed out twice", p.Dir)
		}
		seen[p.Dir] = true
	}
}

func TestCopyTemplatesAndRemove(t *testing.T) {
	fs := afero.NewMemMapFs()
	_ = afero.WriteFile(fs, "/opt/beso/cfg.fbd", []byte("read result.frd\n"), 0o644)
	_ = afero.WriteFile(fs, "/opt/beso/cfg-beso.fbd", []byte("read file.inp\n"), 0o644)

	p, err := Create(fs, Options{Base: "/tmp", NewName: names("x")})
	if err != nil {
		t.Fatal(err)
	}
	if err := p.CopyTemplates("/opt/beso/cfg.fbd", "/opt/beso/cfg-beso.fbd"); err != nil {
		t.Fatalf("CopyTemplates: %v", err)
	}
	data, _ := afero.ReadFile(fs, p.SolutionConfig)
	if string(data) != "read result.frd\n" {
		t.Errorf("solution config = %q", data)
	}
	if err := p.CopyTemplates("/opt/beso/missing.fbd", "/opt/beso/cfg-beso.fbd"); err == nil {
		t.Error("CopyTemplates with missing template: expected error")
	}

	if err := p.Remove(); err != nil {
		t.Fatalf("Remove: %v", err)
	}
	if ok, _ := afero.Exists(fs, p.Dir); ok {
		t.Error("run directory still exists after Remove")
	}
}

func TestOpen(t *testing.T) {
	fs := afero.NewMemMapFs()
	_ = fs.MkdirAll("/tmp/beso-old", 0o755)
	p, err := Open(fs, "/tmp/beso-old")
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	if p.Specs != filepath.Join("/tmp/beso-old", SpecsName) {
		t.Errorf("Specs = %q", p.Specs)
	}
	if _, err := Open(fs, "/tmp/nope"); err == nil {
		t.Error("Open of missing dir: expected error")
	}
}

func TestEscape(t *testing.T) {
	tests := []struct{ in, want string }{
		{`C:\Users\m3\Temp\beso-1`, `C:\\Users\\m3\\Temp\\beso-1`},
		{"/tmp/beso-1", "/tmp/beso-1"},
		{`C:/mixed\beso-1`, `C:/mixed\\beso-1`},
	}
	for _, tt := range tests {
		if got := Escape(tt.in); got != tt.want {
			t.Errorf("Escape(%q) = %q, want %q", tt.in, got, tt.want)
		}
	}
}
