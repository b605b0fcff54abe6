package commands

import (
	"fmt"
	"os"
	"time"

	"chunkdrop/pkg/ignore"
	"chunkdrop/pkg/session"
	"chunkdrop/pkg/uploader"

	"github.com/docker/go-units"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
)

var uploadCmd = &cobra.Command{
	Use:   "upload [paths...]",
	Short: "Upload files into one batch",
	Long: `Upload files (or every non-ignored file under a directory) in a single batch.
Each file is stored under <prefix>/<file name>. Files are uploaded one after another;
a failed file does not stop the rest.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()
		prefix := viper.GetString("client.prefix")

		// 1. 展开目录参数
		files, err := collectFiles(args)
		if err != nil {
			return err
		}

		notifier := &cliNotifier{ctx: ctx, out: cmd.OutOrStdout(), errOut: cmd.ErrOrStderr(), prefix: prefix}
		up := uploader.New(API,
			uploader.WithConcurrency(viper.GetInt("client.concurrency")),
			uploader.WithNotifier(notifier),
		)

		// 2. 上传
		start := time.Now()
		report, err := up.Upload(ctx, prefix, files)
		if err != nil {
			// Alert 已经打印过了
			return reported(err)
		}

		// 3. 汇总
		var total int64
		for _, j := range report.Jobs {
			if j.State != session.Committed {
				continue
			}
			total += j.Bytes
			fmt.Fprintf(cmd.OutOrStdout(), "✅ %s (%d chunks, %s)\n", j.Key, j.Chunks, units.BytesSize(float64(j.Bytes)))
		}
		fmt.Fprintf(cmd.OutOrStdout(), "📦 Batch %s: %d/%d files, %s in %s\n",
			report.BatchID, report.Committed(), len(report.Jobs),
			units.BytesSize(float64(total)), time.Since(start).Round(time.Millisecond))

		if failed := len(report.Jobs) - report.Committed(); failed > 0 {
			return reported(fmt.Errorf("%d file(s) failed", failed))
		}
		return nil
	},
}

// collectFiles 把命令行参数展开成待上传文件列表
// 目录按浏览器选择文件夹的语义处理: 只取文件名，不保留子目录结构
func collectFiles(args []string) ([]uploader.File, error) {
	var files []uploader.File
	for _, arg := range args {
		info, err := os.Stat(arg)
		if err != nil {
			return nil, err
		}
		if !info.IsDir() {
			files = append(files, uploader.LocalFile(arg))
			continue
		}

		paths, err := ignore.Files(arg)
		if err != nil {
			return nil, fmt.Errorf("walk %s: %w", arg, err)
		}
		for _, p := range paths {
			files = append(files, uploader.LocalFile(p))
		}
	}
	return files, nil
}

func init() {
	uploadCmd.Flags().StringP("prefix", "p", "", "key prefix, e.g. /datasets/v1")
	uploadCmd.Flags().IntP("concurrency", "c", 0, "max in-flight chunk requests per file")
	bind("client.prefix", uploadCmd.Flags().Lookup("prefix"))
	bind("client.concurrency", uploadCmd.Flags().Lookup("concurrency"))

	rootCmd.AddCommand(uploadCmd)
}
