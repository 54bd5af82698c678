package cmd

import (
	"fmt"
	"os"
	"text/tabwriter"

	"kestrel.gg/kestrel/internal/config"
)

// RunCheck validates a configuration file and prints a summary.
func RunCheck(configFile string, verbose bool) error {
	var cfg *config.Config
	var err error
	if configFile != "" {
		cfg, err = config.LoadFile(configFile)
	} else {
		cfg, err = config.Load("")
	}
	if err != nil {
		return fmt.Errorf("configuration invalid: %w", err)
	}

	errs := cfg.Validate()
	for _, e := range errs {
		fmt.Printf("%s: %s: %s\n", e.Severity, e.Field, e.Message)
	}
	if errs.HasErrors() {
		return fmt.Errorf("configuration has errors")
	}

	fmt.Println("Configuration valid!")
	fmt.Printf("Schema Version: %s\n", cfg.SchemaVersion)
	if cfg.Panel != nil {
		fmt.Printf("Panel: listening on %s\n", cfg.Panel.Listen)
	}
	if cfg.Agent != nil {
		fmt.Printf("Agent: node %q -> %s (%d servers)\n",
			cfg.Agent.NodeID, cfg.Agent.PanelURL, len(cfg.Agent.Servers))
	}

	if verbose && cfg.Agent != nil && len(cfg.Agent.Servers) > 0 {
		fmt.Println()
		tw := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
		fmt.Fprintln(tw, "SERVER\tTEMPLATE\tAUTOSTART\tPORTS")
		for _, srv := range cfg.Agent.Servers {
			fmt.Fprintf(tw, "%s\t%s\t%v\t%d\n",
				srv.ID, srv.Template, srv.AutoStart, len(srv.Ports))
		}
		tw.Flush()
	}
	return nil
}
