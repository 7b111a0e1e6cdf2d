package cli

import (
	"github.com/spf13/cobra"

	internalcli "github.com/SmitUplenchwar2687/bastion/internal/cli"
)

// NewRootCmd creates the public bastion root command for embedding.
func NewRootCmd() *cobra.Command {
	return internalcli.NewRootCmd()
}
