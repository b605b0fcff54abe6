package commands

import (
	"github.com/spf13/cobra"
)

var lsCmd = &cobra.Command{
	Use:   "ls [prefix]",
	Short: "List committed objects",
	Args:  cobra.MaximumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		prefix := ""
		if len(args) == 1 {
			prefix = args[0]
		}

		objs, err := API.List(cmd.Context(), prefix)
		if err != nil {
			return err
		}
		printObjects(cmd.OutOrStdout(), objs)
		return nil
	},
}

func init() {
	rootCmd.AddCommand(lsCmd)
}
