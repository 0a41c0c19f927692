// Package cfgpatch rewrites single lines of flat text configuration files
// belonging to third-party tools that only read settings at startup.
package cfgpatch

import (
	"bytes"
	"errors"
	"fmt"

	"github.com/spf13/afero"
)

// ErrLineNotFound is returned when no line contains the match string.
// The file is left untouched; callers usually log it and carry on.
var ErrLineNotFound = errors.New("cfgpatch: line not found")

// PatchLine replaces the first line of path that contains match with
// newLine. All other lines keep their content and order, and the file keeps
// its line-ending style and trailing newline.
func PatchLine(fs afero.Fs, path, match, newLine string) error {
	data, err := afero.ReadFile(fs, path)
	if err != nil {
		return fmt.Errorf("cfgpatch: read %s: %w", path, err)
	}
	out, err := Patch(data, match, newLine)
	if err != nil {
		return fmt.Errorf("%w: %q in %s", err, match, path)
	}
	st, err := fs.Stat(path)
	if err != nil {
		return fmt.Errorf("cfgpatch: stat %s: %w", path, err)
	}
	if err := afero.WriteFile(fs, path, out, st.Mode().Perm()); err != nil {
		return fmt.Errorf("cfgpatch: write %s: %w", path, err)
	}
	return nil
}

// Patch is PatchLine on an in-memory file.
func Patch(data []byte, match, newLine string) ([]byte, error) {
	if match == "" {
		return nil, errors.New("cfgpatch: empty match string")
	}
	lines := bytes.Split(data, []byte("\n"))
	for i, line := range lines {
		body := bytes.TrimSuffix(line, []byte("\r"))
		if !bytes.Contains(body, []byte(match)) {
			continue
		}
		repl := []byte(newLine)
		if len(body) != len(line) {
			repl = append(repl, '\r')
		}
		lines[i] = repl
		return bytes.Join(lines, []byte("\n")), nil
	}
	return nil, ErrLineNotFound
}
