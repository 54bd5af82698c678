package main

import (
	"flag"
	"fmt"
	"os"

	"kestrel.gg/kestrel/cmd"
	"kestrel.gg/kestrel/internal/brand"
)

func main() {
	if len(os.Args) < 2 {
		printUsage()
		os.Exit(1)
	}

	switch os.Args[1] {
	case "run":
		runFlags := flag.NewFlagSet("run", flag.ExitOnError)
		configFile := runFlags.String("config", "", "Configuration file")
		runFlags.StringVar(configFile, "c", "", "Configuration file (short)")
		runFlags.Parse(os.Args[2:])

		fail(cmd.RunAll(*configFile))

	case "panel":
		panelFlags := flag.NewFlagSet("panel", flag.ExitOnError)
		configFile := panelFlags.String("config", "", "Configuration file")
		panelFlags.StringVar(configFile, "c", "", "Configuration file (short)")
		panelFlags.Parse(os.Args[2:])

		fail(cmd.RunPanel(*configFile))

	case "agent":
		agentFlags := flag.NewFlagSet("agent", flag.ExitOnError)
		configFile := agentFlags.String("config", "", "Configuration file")
		agentFlags.StringVar(configFile, "c", "", "Configuration file (short)")
		agentFlags.Parse(os.Args[2:])

		fail(cmd.RunAgent(*configFile))

	case "console":
		consoleFlags := flag.NewFlagSet("console", flag.ExitOnError)
		panelURL := consoleFlags.String("panel", "", "Panel URL (e.g. https://panel.example.com)")
		consoleFlags.StringVar(panelURL, "p", "", "Panel URL (short)")
		configFile := consoleFlags.String("config", "", "Configuration file")
		consoleFlags.Parse(os.Args[2:])

		fail(cmd.RunConsole(*panelURL, *configFile))

	case "setup":
		setupFlags := flag.NewFlagSet("setup", flag.ExitOnError)
		configPath := setupFlags.String("config", "", "Where to write the config")
		force := setupFlags.Bool("force", false, "Overwrite an existing config")
		setupFlags.Parse(os.Args[2:])

		fail(cmd.RunSetup(*configPath, *force))

	case "token":
		fail(cmd.RunToken(os.Args[2:]))

	case "status":
		statusFlags := flag.NewFlagSet("status", flag.ExitOnError)
		panelURL := statusFlags.String("panel", "", "Panel URL")
		statusFlags.StringVar(panelURL, "p", "", "Panel URL (short)")
		configFile := statusFlags.String("config", "", "Configuration file")
		statusFlags.Parse(os.Args[2:])

		fail(cmd.RunStatus(*panelURL, *configFile))

	case "check":
		checkFlags := flag.NewFlagSet("check", flag.ExitOnError)
		verbose := checkFlags.Bool("verbose", false, "Verbose output")
		checkFlags.BoolVar(verbose, "v", false, "Verbose output (short)")
		checkFlags.Parse(os.Args[2:])

		configFile := ""
		if len(checkFlags.Args()) > 0 {
			configFile = checkFlags.Arg(0)
		}
		fail(cmd.RunCheck(configFile, *verbose))

	case "diff":
		fail(cmd.RunDiff(os.Args[2:]))

	case "version":
		fmt.Printf("%s - %s\n", brand.Name, brand.Description)

	case "help", "-h", "--help":
		printUsage()

	default:
		fmt.Fprintf(os.Stderr, "Unknown command: %s\n\n", os.Args[1])
		printUsage()
		os.Exit(1)
	}
}

func fail(err error) {
	if err != nil {
		fmt.Fprintf(os.Stderr, "%v\n", err)
		os.Exit(1)
	}
}

func printUsage() {
	fmt.Printf(`%s - %s

Usage:
  %s <command> [options]

Core Commands:
  run       Run every role the config declares (panel and/or agent)
            Options: --config (-c) <file>
  panel     Run the management panel
            Options: --config (-c) <file>
  agent     Run the node agent
            Options: --config (-c) <file>

Management Commands:
  console   Interactive server console (TUI)
            Options: --panel (-p) <url>, --config <file>
  token     Manage node credentials
            Subcommands: mint, list, revoke, remove
  status    Show panel and server status
            Options: --panel (-p) <url>, --config <file>

Utility Commands:
  setup     First-run setup wizard
            Options: --config <file>, --force
  check     Validate a configuration file
            Options: --verbose (-v)
  diff      Compare two configuration files
  version   Print version information

Examples:
  %s setup                          # Interactive first-run setup
  %s run                            # Panel + agent from the local config
  %s token mint --node mc-host-01   # Mint a credential for a node
  %s console -p https://panel.example.com
`, brand.Name, brand.Description, brand.BinaryName,
		brand.BinaryName, brand.BinaryName, brand.BinaryName, brand.BinaryName)
}
