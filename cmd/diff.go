package cmd

import (
	"fmt"
	"os"

	"kestrel.gg/kestrel/internal/brand"
	"kestrel.gg/kestrel/internal/config"
)

// RunDiff prints a unified diff between two config files. With one
// argument the active config is the "before" side.
func RunDiff(args []string) error {
	var beforePath, afterPath string
	switch len(args) {
	case 1:
		beforePath = brand.ConfigFilePath()
		afterPath = args[0]
	case 2:
		beforePath = args[0]
		afterPath = args[1]
	default:
		return fmt.Errorf("usage: %s diff [<before>] <after>", brand.BinaryName)
	}

	before, err := os.ReadFile(beforePath)
	if err != nil {
		return fmt.Errorf("cannot read %s: %w", beforePath, err)
	}
	after, err := os.ReadFile(afterPath)
	if err != nil {
		return fmt.Errorf("cannot read %s: %w", afterPath, err)
	}

	// Parse both sides so the diff compares canonical renderings, not
	// whitespace.
	beforeCfg, err := config.LoadHCL(before, beforePath)
	if err != nil {
		return fmt.Errorf("%s: %w", beforePath, err)
	}
	afterCfg, err := config.LoadHCL(after, afterPath)
	if err != nil {
		return fmt.Errorf("%s: %w", afterPath, err)
	}

	text, err := config.DiffConfigs(beforeCfg, afterCfg)
	if err != nil {
		return err
	}
	if text == "" {
		fmt.Println("No differences.")
		return nil
	}
	fmt.Print(text)
	return nil
}
