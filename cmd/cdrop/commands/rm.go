package commands

import (
	"errors"
	"fmt"

	"chunkdrop/pkg/types"
	"chunkdrop/pkg/uploader"

	"github.com/spf13/cobra"
)

var rmCmd = &cobra.Command{
	Use:   "rm [keys...]",
	Short: "Delete committed objects by key",
	Args:  cobra.MinimumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()
		notifier := &cliNotifier{ctx: ctx, out: cmd.OutOrStdout(), errOut: cmd.ErrOrStderr()}
		up := uploader.New(API, uploader.WithNotifier(notifier))

		var errs []error
		for _, key := range args {
			// 每次成功删除都会触发 Reload，打印最新列表
			if err := up.Delete(ctx, types.ObjectKey(key)); err != nil {
				errs = append(errs, err)
				continue
			}
			fmt.Fprintf(cmd.OutOrStdout(), "🗑️  Deleted: %s\n", key)
		}

		if len(errs) > 0 {
			return reported(errors.Join(errs...))
		}
		return nil
	},
}

func init() {
	rootCmd.AddCommand(rmCmd)
}
