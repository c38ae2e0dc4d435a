package cli

import (
	"github.com/spf13/cobra"
)

var sitesCmd = &cobra.Command{
	Use:   "sites",
	Short: "List electricity sites on the account",
	RunE: func(cmd *cobra.Command, args []string) error {
		return getApp().Sites(cmd.Context())
	},
}
