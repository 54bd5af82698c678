package config

import (
	"github.com/pmezard/go-difflib/difflib"
)

// Diff renders a unified diff between two serialized configs. Used by
// `kestrel config diff` and by the setup wizard's change preview.
func Diff(before, after []byte, fromLabel, toLabel string) (string, error) {
	ud := difflib.UnifiedDiff{
		A:        difflib.SplitLines(string(before)),
		B:        difflib.SplitLines(string(after)),
		FromFile: fromLabel,
		ToFile:   toLabel,
		Context:  3,
	}
	return difflib.GetUnifiedDiffString(ud)
}

// DiffConfigs diffs two Config values via their generated HCL form. Note
// that comments do not survive generation; for file-level diffs pass the
// raw bytes to Diff instead.
func DiffConfigs(before, after *Config) (string, error) {
	return Diff(Generate(before), Generate(after), "current", "proposed")
}
