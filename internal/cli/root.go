package cli

import (
	"github.com/spf13/cobra"
)

// NewRootCmd creates the root bastion command.
func NewRootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:   "bastion",
		Short: "Abuse prevention for login and API endpoints",
		Long: `Bastion rate limits attempts per client address and account, locks out
repeat offenders, keeps allow and deny lists, and tightens every limit while
the system is under attack.`,
		SilenceUsage: true,
	}

	root.AddCommand(
		newServeCmd(),
		newSimulateCmd(),
		newConfigCmd(),
	)

	return root
}
