package cfgpatch

import (
	"errors"
	"fmt"
	"strings"

	"github.com/spf13/afero"
)

// Rule ties a logical setting to the line that holds it in a tool's config
// file. Match identifies the line; Format renders the replacement, with
// {value} substituted by the setting's value.
type Rule struct {
	Name   string `mapstructure:"name" yaml:"name"`
	Match  string `mapstructure:"match" yaml:"match"`
	Format string `mapstructure:"format" yaml:"format"`
}

// Render returns the replacement line for value.
func (r Rule) Render(value string) string {
	return strings.ReplaceAll(r.Format, "{value}", value)
}

// Rules is an ordered table of settings for one config file.
type Rules []Rule

// Lookup returns the rule with the given name.
func (rs Rules) Lookup(name string) (Rule, bool) {
	for _, r := range rs {
		if r.Name == name {
			return r, true
		}
	}
	return Rule{}, false
}

// Validate rejects rules without a name, match string or format.
func (rs Rules) Validate() error {
	seen := make(map[string]bool, len(rs))
	for i, r := range rs {
		if r.Name == "" || r.Match == "" || r.Format == "" {
			return fmt.Errorf("cfgpatch: rule %d: name, match and format are required", i)
		}
		if seen[r.Name] {
			return fmt.Errorf("cfgpatch: duplicate rule %q", r.Name)
		}
		seen[r.Name] = true
	}
	return nil
}

// Apply patches path once per rule that has a value. Rules whose line is
// missing are collected and reported together (each wraps ErrLineNotFound)
// after the remaining rules have been applied; any other failure stops
// immediately.
func (rs Rules) Apply(fs afero.Fs, path string, values map[string]string) error {
	var missing []error
	for _, r := range rs {
		v, ok := values[r.Name]
		if !ok {
			continue
		}
		err := PatchLine(fs, path, r.Match, r.Render(v))
		switch {
		case err == nil:
		case errors.Is(err, ErrLineNotFound):
			missing = append(missing, fmt.Errorf("setting %s: %w", r.Name, err))
		default:
			return err
		}
	}
	return errors.Join(missing...)
}
