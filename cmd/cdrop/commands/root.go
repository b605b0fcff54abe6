package commands

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"chunkdrop/pkg/client"
	"chunkdrop/pkg/config"

	"github.com/spf13/cobra"
	"github.com/spf13/pflag"
	"github.com/spf13/viper"
)

var (
	cfgFile string
	// 全局客户端实例，供子命令使用
	API *client.Client
)

var rootCmd = &cobra.Command{
	Use:           "cdrop",
	Short:         "chunkdrop: chunked batch uploads to an object directory",
	SilenceUsage:  true,
	SilenceErrors: true,
	// PersistentPreRunE 会在所有子命令执行前运行
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		if err := config.SetupLogger(viper.GetString("log.level"), viper.GetString("log.format")); err != nil {
			return err
		}

		// 测试里可能已经注入了客户端
		if API != nil {
			return nil
		}

		var err error
		API, err = client.New(viper.GetString("client.server"),
			client.WithRetryMax(viper.GetInt("client.retry_max")),
			client.WithTimeout(viper.GetDuration("client.timeout")),
		)
		if err != nil {
			return fmt.Errorf("failed to initialize client: %w", err)
		}
		return nil
	},
}

// Execute 是入口，Ctrl-C 会取消正在进行的请求
func Execute() error {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	err := rootCmd.ExecuteContext(ctx)
	var r *reportedError
	if err != nil && !errors.As(err, &r) {
		fmt.Fprintln(os.Stderr, "❌", err)
	}
	return err
}

// reportedError 标记已经通过 Notifier 展示过的错误，避免重复打印
type reportedError struct {
	err error
}

func (e *reportedError) Error() string { return e.err.Error() }
func (e *reportedError) Unwrap() error { return e.err }

func reported(err error) error {
	if err == nil {
		return nil
	}
	return &reportedError{err: err}
}

func init() {
	cobra.OnInitialize(initConfig)

	flags := rootCmd.PersistentFlags()
	flags.StringVar(&cfgFile, "config", "", "config file (default is $HOME/.cdrop/config.yaml)")
	flags.String("server", "", "chunkdrop server address, e.g. http://localhost:8080")
	flags.String("log-level", "", "log level (debug, info, warn, error)")

	bind("client.server", flags.Lookup("server"))
	bind("log.level", flags.Lookup("log-level"))
}

// initConfig 读取配置文件和环境变量
func initConfig() {
	if err := config.Load(cfgFile); err != nil {
		fmt.Fprintln(os.Stderr, "Config error:", err)
		os.Exit(1)
	}
}

func bind(key string, flag *pflag.Flag) {
	if err := viper.BindPFlag(key, flag); err != nil {
		fmt.Fprintln(os.Stderr, "Failed to bind flag:", err)
		os.Exit(1)
	}
}
