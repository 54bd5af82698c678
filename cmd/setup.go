package cmd

import (
	"fmt"

	"kestrel.gg/kestrel/internal/setup"
)

// RunSetup runs the first-run wizard.
func RunSetup(configPath string, force bool) error {
	w := setup.NewWizard(configPath)
	if !w.NeedsSetup() && !force {
		return fmt.Errorf("config already exists at %s (use --force to overwrite)", w.ConfigPath())
	}
	return w.Run()
}
