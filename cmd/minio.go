package cmd

import (
	"fmt"
	"os"

	"AzanFM/config"
	"AzanFM/logger"
	"AzanFM/storage"

	"github.com/spf13/cobra"
)

var minioCmd = &cobra.Command{
	Use:   "minio",
	Short: "测试 MinIO 源站存储连接",
	Long:  `测试源站对象存储的连接、存储桶和基本读写操作`,
	Run: func(cmd *cobra.Command, args []string) {
		cfg := config.Load()
		logger.InitLogger(logger.Config{Level: logger.LogLevel(cfg.LogLevel)})

		if err := storage.InitMinio(cfg); err != nil {
			fmt.Fprintf(os.Stderr, "MinIO 初始化失败: %v\n", err)
			os.Exit(1)
		}

		if err := storage.TestMinio(); err != nil {
			fmt.Fprintf(os.Stderr, "MinIO 测试失败: %v\n", err)
			os.Exit(1)
		}

		fmt.Println("MinIO 连接正常")
	},
}

func init() {
	rootCmd.AddCommand(minioCmd)
}
