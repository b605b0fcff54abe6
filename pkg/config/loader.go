package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/docker/go-units"
	"github.com/joho/godotenv"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/spf13/viper"
)

// Load 初始化 Viper 配置
// cfgFile: 可选，用户显式指定的配置文件路径
// 优先级: 命令行参数 > 环境变量 (CDROP_*) > 配置文件 > 默认值
func Load(cfgFile string) error {
	// 0. .env 只补充尚未设置的环境变量，文件不存在不算错
	_ = godotenv.Load()

	// 1. 设置默认值 (Defaults)
	setDefaults()

	// 2. 配置搜索路径
	if cfgFile != "" {
		viper.SetConfigFile(cfgFile)
	} else {
		home, err := os.UserHomeDir()
		if err != nil {
			return err
		}

		// 搜索顺序：当前目录 -> ./.cdrop -> ~/.cdrop
		viper.AddConfigPath(".")
		viper.AddConfigPath(".cdrop")
		viper.AddConfigPath(filepath.Join(home, ".cdrop"))

		viper.SetConfigType("yaml")
		viper.SetConfigName("config") // 找 config.yaml
	}

	// 3. 读取环境变量 (CDROP_SERVER_ADDR 等)
	viper.SetEnvPrefix("CDROP")
	viper.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	viper.AutomaticEnv()

	// 4. 读取配置文件
	if err := viper.ReadInConfig(); err != nil {
		// 没找到配置文件可以接受，格式错误不行
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return fmt.Errorf("fatal error config file: %w", err)
		}
		log.Debug().Msg("no config file found, using defaults/env vars")
	} else {
		log.Debug().Str("file", viper.ConfigFileUsed()).Msg("using config file")
	}

	return nil
}

func setDefaults() {
	wd, _ := os.Getwd()
	dataDir := filepath.Join(wd, ".cdrop")

	// 服务端
	viper.SetDefault("server.addr", ":8080")
	viper.SetDefault("server.max_chunk_size", "8MiB")
	viper.SetDefault("server.shutdown_timeout", 15*time.Second)

	// 存储
	viper.SetDefault("storage.type", "disk")
	viper.SetDefault("storage.path", filepath.Join(dataDir, "blobs"))
	viper.SetDefault("storage.s3.region", "us-east-1")

	// 缓存 (redis_url 为空时不启用)
	viper.SetDefault("cache.redis_url", "")
	viper.SetDefault("cache.ttl", 24*time.Hour)

	// 元数据库
	viper.SetDefault("database.driver", "sqlite")
	viper.SetDefault("database.path", filepath.Join(dataDir, "meta.db"))
	viper.SetDefault("database.host", "localhost")
	viper.SetDefault("database.port", 5432)
	viper.SetDefault("database.sslmode", "disable")

	// 批次回收
	viper.SetDefault("directory.batch_ttl", 24*time.Hour)
	viper.SetDefault("directory.reclaim_interval", 10*time.Minute)

	// 客户端
	viper.SetDefault("client.server", "http://localhost:8080")
	viper.SetDefault("client.prefix", "")
	viper.SetDefault("client.concurrency", 8)
	viper.SetDefault("client.retry_max", 0)
	viper.SetDefault("client.timeout", 0)

	// 日志
	viper.SetDefault("log.level", "info")
	viper.SetDefault("log.format", "console")
}

// MaxChunkSize 解析 server.max_chunk_size，支持 "8MiB"、"4mb"、"1048576" 等写法
func MaxChunkSize() (int64, error) {
	raw := viper.GetString("server.max_chunk_size")
	n, err := units.RAMInBytes(raw)
	if err != nil {
		return 0, fmt.Errorf("invalid server.max_chunk_size %q: %w", raw, err)
	}
	if n <= 0 {
		return 0, fmt.Errorf("server.max_chunk_size must be positive, got %q", raw)
	}
	return n, nil
}

// SetupLogger 配置全局 zerolog 日志
// format: "console" 输出人类可读格式，"json" 输出结构化日志
func SetupLogger(level, format string) error {
	lvl, err := zerolog.ParseLevel(strings.ToLower(level))
	if err != nil {
		return fmt.Errorf("invalid log level %q: %w", level, err)
	}
	if lvl == zerolog.NoLevel {
		lvl = zerolog.InfoLevel
	}
	zerolog.SetGlobalLevel(lvl)

	switch format {
	case "json":
		log.Logger = zerolog.New(os.Stderr).With().Timestamp().Logger()
	case "console", "":
		log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: time.RFC3339})
	default:
		return fmt.Errorf("invalid log format %q (want console or json)", format)
	}
	return nil
}
