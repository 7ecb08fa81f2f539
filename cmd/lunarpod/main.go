package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

func main() {
	if err := buildRoot().Execute(); err != nil {
		_, _ = fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

// GlobalFlags holds the persistent flags shared by every command.
type GlobalFlags struct {
	ConfigPath string
	APIFlags
}

func buildRoot() *cobra.Command {
	flags := &GlobalFlags{}
	root := createRootCommand(flags)
	root.AddCommand(
		createServeCommand(flags),
		createPingCommand(flags),
		createPodsCommand(flags),
		createPodCommand(flags),
		createOpenCommand(flags),
		createCloseCommand(flags),
		createDbCommand(flags),
		createLogBooksCommand(flags),
		createLogsCommand(flags),
	)
	return root
}

// createRootCommand creates the root command with minimal persistent flags
func createRootCommand(flags *GlobalFlags) *cobra.Command {
	root := &cobra.Command{
		Use:   "lunarpod",
		Short: "Supervisor for libp2p, ipfs and orbitdb pods",
		Long: `Lunarpod runs pods of libp2p, ipfs and orbitdb engines behind an HTTP API
and talks to a running daemon from the command line.

Examples:
  lunarpod serve --config lunarpod.toml     # Start daemon
  lunarpod open events --type events        # Open a database
  lunarpod db exec events add '{"value":{"msg":"hi"}}'
  lunarpod pods --api-url=http://remote:8080/api`,
		SilenceUsage: true,
	}

	root.PersistentFlags().StringVar(&flags.ConfigPath, "config", "", "path to config file (json, toml or yaml)")
	root.PersistentFlags().StringVar(&flags.APIUrl, "api-url", "", "daemon API url (default from config, else http://127.0.0.1:8080/api)")
	root.PersistentFlags().DurationVar(&flags.APITimeout, "api-timeout", 0, "daemon API request timeout")
	root.PersistentFlags().StringVar(&flags.CACert, "ca-cert", "", "CA certificate for an https daemon")
	root.PersistentFlags().BoolVar(&flags.Insecure, "insecure", false, "skip TLS certificate verification")

	return root
}
