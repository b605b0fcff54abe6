package commands

import (
	"fmt"

	"chunkdrop/pkg/types"

	"github.com/spf13/cobra"
)

var catCmd = &cobra.Command{
	Use:   "cat [key]",
	Short: "Write object content to stdout",
	Long:  `Download a committed object and write it to stdout. Redirect to save binary content, e.g. cdrop cat /models/a.bin > a.bin`,
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		if _, err := API.Download(cmd.Context(), types.ObjectKey(args[0]), cmd.OutOrStdout()); err != nil {
			return fmt.Errorf("cat failed: %w", err)
		}
		return nil
	},
}

func init() {
	rootCmd.AddCommand(catCmd)
}
