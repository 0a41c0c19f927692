package process

import (
	"bytes"
	"context"
	"os"
	"path/filepath"
	"runtime"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func skipOnWindows(t *testing.T) {
	t.Helper()
	if runtime.GOOS == "windows" {
		t.Skip("POSIX shell scripts")
	}
}

func script(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "stage.sh")
	require.NoError(t, os.WriteFile(path, []byte("#!/bin/sh\n"+body), 0o755))
	return path
}

type recorder struct {
	mu    sync.Mutex
	lines map[Stream][]string
}

func (r *recorder) sink(stream Stream, line string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.lines == nil {
		r.lines = map[Stream][]string{}
	}
	r.lines[stream] = append(r.lines[stream], line)
}

func wait(t *testing.T, p Process) Exit {
	t.Helper()
	select {
	case exit, ok := <-p.Done():
		require.True(t, ok, "Done closed without an Exit")
		return exit
	case <-time.After(10 * time.Second):
		t.Fatal("process did not finish")
	}
	return Exit{}
}

func TestLoggedCapturesBothStreams(t *testing.T) {
	skipOnWindows(t)
	path := script(t, "echo one\necho\necho two\necho oops >&2\nexit 0\n")

	rec := &recorder{}
	r := &ExecRunner{Sink: rec.sink}
	p, err := r.Start(context.Background(), Command{Name: "stage1", Path: path})
	require.NoError(t, err)
	require.Positive(t, p.Pid())

	exit := wait(t, p)
	require.True(t, exit.Success())
	require.Equal(t, []string{"one", "two"}, rec.lines[Stdout], "empty lines are skipped")
	require.Equal(t, []string{"oops"}, rec.lines[Stderr])
}

func TestLoggedKeepsDrainingAfterLongLine(t *testing.T) {
	skipOnWindows(t)
	path := script(t, "head -c 2097152 /dev/zero | tr '\\0' a\necho\necho after\necho late >&2\nexit 0\n")

	rec := &recorder{}
	p, err := (&ExecRunner{Sink: rec.sink}).Start(context.Background(), Command{Name: "stage1", Path: path})
	require.NoError(t, err)

	exit := wait(t, p)
	require.True(t, exit.Success(), "exit = %+v", exit)
	require.Len(t, rec.lines[Stdout], 2)
	require.Len(t, rec.lines[Stdout][0], maxLine)
	require.Equal(t, "after", rec.lines[Stdout][1])
	require.Equal(t, []string{"late"}, rec.lines[Stderr])
}

func TestScanLinesTruncates(t *testing.T) {
	var got []string
	in := strings.Repeat("x", maxLine+100) + "\r\nnext\n\nlast"
	err := scanLines(strings.NewReader(in), Stdout, func(_ Stream, line string) { got = append(got, line) })
	require.NoError(t, err)
	require.Len(t, got, 3)
	require.Len(t, got[0], maxLine)
	require.Equal(t, []string{"next", "last"}, got[1:])
}

func TestLoggedReportsExitCode(t *testing.T) {
	skipOnWindows(t)
	path := script(t, "exit 3\n")

	p, err := (&ExecRunner{Sink: func(Stream, string) {}}).Start(context.Background(), Command{Path: path})
	require.NoError(t, err)
	exit := wait(t, p)
	require.Equal(t, 3, exit.Code)
	require.NoError(t, exit.Err)
	require.False(t, exit.Success())
}

func TestDoneDeliversExactlyOnce(t *testing.T) {
	skipOnWindows(t)
	path := script(t, "exit 0\n")

	p, err := (&ExecRunner{Sink: func(Stream, string) {}}).Start(context.Background(), Command{Path: path})
	require.NoError(t, err)
	wait(t, p)
	_, ok := <-p.Done()
	require.False(t, ok)
}

func TestCommandSinkOverridesRunnerSink(t *testing.T) {
	skipOnWindows(t)
	path := script(t, "echo hi\n")

	runnerRec, cmdRec := &recorder{}, &recorder{}
	r := &ExecRunner{Sink: runnerRec.sink}
	p, err := r.Start(context.Background(), Command{Path: path, Sink: cmdRec.sink})
	require.NoError(t, err)
	wait(t, p)
	require.Empty(t, runnerRec.lines)
	require.Equal(t, []string{"hi"}, cmdRec.lines[Stdout])
}

func TestLoggedArgsAndDir(t *testing.T) {
	skipOnWindows(t)
	path := script(t, "pwd\necho \"$1\"\necho \"$BESO_TEST\"\n")
	dir := t.TempDir()

	rec := &recorder{}
	p, err := (&ExecRunner{Sink: rec.sink}).Start(context.Background(), Command{
		Path: path,
		Args: []string{"specs.json"},
		Dir:  dir,
		Env:  []string{"BESO_TEST=yes"},
	})
	require.NoError(t, err)
	require.True(t, wait(t, p).Success())

	got := rec.lines[Stdout]
	require.Len(t, got, 3)
	wantDir, err := filepath.EvalSymlinks(dir)
	require.NoError(t, err)
	gotDir, err := filepath.EvalSymlinks(got[0])
	require.NoError(t, err)
	require.Equal(t, wantDir, gotDir)
	require.Equal(t, "specs.json", got[1])
	require.Equal(t, "yes", got[2])
}

func TestStartErrorIsSynchronous(t *testing.T) {
	p, err := NewExecRunner().Start(context.Background(), Command{
		Path: filepath.Join(t.TempDir(), "missing"),
	})
	require.Nil(t, p)
	var se *StartError
	require.ErrorAs(t, err, &se)
}

func TestShellFeedsInput(t *testing.T) {
	skipOnWindows(t)
	dir := t.TempDir()

	var out bytes.Buffer
	r := &ExecRunner{Passthrough: &out}
	p, err := r.Start(context.Background(), Command{
		Mode: Shell,
		Input: []string{
			"cd " + dir,
			"echo ran > marker",
			"echo done",
			"exit",
		},
	})
	require.NoError(t, err)
	require.True(t, wait(t, p).Success())

	data, err := os.ReadFile(filepath.Join(dir, "marker"))
	require.NoError(t, err)
	require.Equal(t, "ran\n", string(data))
	require.Contains(t, out.String(), "done")
}

func TestShellExitStatus(t *testing.T) {
	skipOnWindows(t)
	p, err := (&ExecRunner{Passthrough: &bytes.Buffer{}}).Start(context.Background(), Command{
		Mode:  Shell,
		Input: []string{"exit 4"},
	})
	require.NoError(t, err)
	require.Equal(t, 4, wait(t, p).Code)
}

func TestCancelKillsProcess(t *testing.T) {
	skipOnWindows(t)
	path := script(t, "sleep 30\n")

	ctx, cancel := context.WithCancel(context.Background())
	p, err := (&ExecRunner{Sink: func(Stream, string) {}}).Start(ctx, Command{Path: path})
	require.NoError(t, err)
	cancel()

	exit := wait(t, p)
	require.ErrorIs(t, exit.Err, context.Canceled)
	require.Equal(t, -1, exit.Code)
}

func TestModeString(t *testing.T) {
	require.Equal(t, "logged", Logged.String())
	require.Equal(t, "shell", Shell.String())
	require.Equal(t, "Mode(7)", Mode(7).String())
}

func TestElevatedCommandLine(t *testing.T) {
	path, args := elevated("cmd.exe", Command{
		Dir:   `C:\Program Files\beso`,
		Input: []string{`cd C:\beso`, "python beso_main.py", "exit"},
	})
	require.Equal(t, "powershell.exe", path)
	require.Equal(t, []string{"-NoProfile", "-NonInteractive", "-Command"}, args[:3])
	require.Equal(t,
		`$p = Start-Process -Verb RunAs -Wait -PassThru -FilePath 'cmd.exe' -ArgumentList '/c cd C:\beso & python beso_main.py & exit' -WorkingDirectory 'C:\Program Files\beso'; exit $p.ExitCode`,
		args[3])
}

func TestPSQuote(t *testing.T) {
	require.Equal(t, `'it''s'`, psQuote("it's"))
	require.Equal(t, `''`, psQuote(""))
}

func TestElevatedIgnoredOffWindows(t *testing.T) {
	skipOnWindows(t)
	var out bytes.Buffer
	r := &ExecRunner{Passthrough: &out}
	p, err := r.Start(context.Background(), Command{
		Mode:     Shell,
		Elevated: true,
		Input:    []string{"echo plain", "exit 0"},
	})
	require.NoError(t, err)
	exit := <-p.Done()
	require.True(t, exit.Success(), "exit = %+v", exit)
	require.Contains(t, out.String(), "plain")
}
