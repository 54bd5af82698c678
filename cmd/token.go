package cmd

import (
	"flag"
	"fmt"
	"os"
	"text/tabwriter"

	"kestrel.gg/kestrel/internal/auth"
	"kestrel.gg/kestrel/internal/brand"
	"kestrel.gg/kestrel/internal/protocol"
)

// RunToken manages node credentials in the panel's token store.
func RunToken(args []string) error {
	if len(args) < 1 {
		return fmt.Errorf("usage: %s token <mint|list|revoke|remove> [options]", brand.BinaryName)
	}

	sub := args[0]
	flags := flag.NewFlagSet("token "+sub, flag.ExitOnError)
	nodeID := flags.String("node", "", "Node ID")
	typeName := flags.String("type", "secret", "Credential type: secret or api_key")
	tokenFile := flags.String("token-file", "", "Token store path (default: panel state dir)")
	flags.Parse(args[1:])

	tokenType := protocol.TokenType(*typeName)
	if tokenType != protocol.TokenSecret && tokenType != protocol.TokenAPIKey {
		return fmt.Errorf("invalid --type %q: use secret or api_key", *typeName)
	}

	store, err := auth.NewStore(*tokenFile)
	if err != nil {
		return fmt.Errorf("failed to open token store: %w", err)
	}

	switch sub {
	case "mint":
		if *nodeID == "" {
			return fmt.Errorf("usage: %s token mint --node <id> [--type secret|api_key]", brand.BinaryName)
		}
		token, err := store.Mint(*nodeID, tokenType)
		if err != nil {
			return err
		}
		fmt.Printf("Token for node %q (%s):\n\n  %s\n\n", *nodeID, tokenType, token)
		fmt.Println("Store it in the agent config now; it cannot be shown again.")
		return nil

	case "list":
		tokens := store.List()
		if len(tokens) == 0 {
			fmt.Println("No node credentials.")
			return nil
		}
		tw := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
		fmt.Fprintln(tw, "NODE\tTYPE\tCREATED\tLAST SEEN\tREVOKED")
		for _, nt := range tokens {
			lastSeen := "-"
			if !nt.LastSeen.IsZero() {
				lastSeen = nt.LastSeen.Format("2006-01-02 15:04")
			}
			revoked := ""
			if nt.Revoked {
				revoked = "yes"
			}
			fmt.Fprintf(tw, "%s\t%s\t%s\t%s\t%s\n",
				nt.NodeID, nt.Type, nt.CreatedAt.Format("2006-01-02"), lastSeen, revoked)
		}
		return tw.Flush()

	case "revoke":
		if *nodeID == "" {
			return fmt.Errorf("usage: %s token revoke --node <id> [--type secret|api_key]", brand.BinaryName)
		}
		if err := store.Revoke(*nodeID, tokenType); err != nil {
			return err
		}
		fmt.Printf("Revoked %s credential for node %q.\n", tokenType, *nodeID)
		return nil

	case "remove":
		if *nodeID == "" {
			return fmt.Errorf("usage: %s token remove --node <id> [--type secret|api_key]", brand.BinaryName)
		}
		if err := store.Remove(*nodeID, tokenType); err != nil {
			return err
		}
		fmt.Printf("Removed %s credential for node %q.\n", tokenType, *nodeID)
		return nil

	default:
		return fmt.Errorf("unknown token subcommand %q", sub)
	}
}
