package cmd

import (
	"fmt"
	"os"

	"AzanFM/config"
	"AzanFM/db"

	"github.com/spf13/cobra"
)

var redisCmd = &cobra.Command{
	Use:   "redis",
	Short: "测试 Redis 连接",
	Long:  `测试缓存索引持久化后端的 Redis 连接和基本读写操作`,
	Run: func(cmd *cobra.Command, args []string) {
		cfg := config.Load()

		if err := db.ConnectRedis(cfg); err != nil {
			fmt.Fprintf(os.Stderr, "Redis 连接失败: %v\n", err)
			os.Exit(1)
		}
		defer db.CloseRedis()

		if err := db.TestRedis(); err != nil {
			fmt.Fprintf(os.Stderr, "Redis 测试失败: %v\n", err)
			os.Exit(1)
		}

		fmt.Println("Redis 连接正常")
	},
}

func init() {
	rootCmd.AddCommand(redisCmd)
}
