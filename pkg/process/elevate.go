package process

import (
	"runtime"
	"strings"
)

// elevationSupported reports whether Elevated has any effect here.
func elevationSupported() bool { return runtime.GOOS == "windows" }

// elevated rewrites a shell-mode launch so it runs through PowerShell's
// Start-Process -Verb RunAs. The shell receives its input lines as a
// single command line, since an elevated child gets no stdin from us, and
// the wrapper exits with the child's status.
func elevated(shell string, c Command) (path string, args []string) {
	script := strings.Join(c.Input, " & ")
	var b strings.Builder
	b.WriteString("$p = Start-Process -Verb RunAs -Wait -PassThru -FilePath ")
	b.WriteString(psQuote(shell))
	b.WriteString(" -ArgumentList ")
	b.WriteString(psQuote("/c " + script))
	if c.Dir != "" {
		b.WriteString(" -WorkingDirectory ")
		b.WriteString(psQuote(c.Dir))
	}
	b.WriteString("; exit $p.ExitCode")
	return "powershell.exe", []string{"-NoProfile", "-NonInteractive", "-Command", b.String()}
}

// psQuote single-quotes s for PowerShell.
func psQuote(s string) string {
	return "'" + strings.ReplaceAll(s, "'", "''") + "'"
}
