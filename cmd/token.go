package cmd

import (
	"fmt"
	"os"
	"time"

	"AzanFM/config"
	"AzanFM/core/auth"

	"github.com/spf13/cobra"
)

var (
	tokenDeviceID string
	tokenTTLHours int
)

var tokenCmd = &cobra.Command{
	Use:   "token",
	Short: "签发测试用订阅凭证",
	Long:  `用当前配置的密钥为指定设备签发一个付费订阅凭证，供联调和测试使用`,
	Run: func(cmd *cobra.Command, args []string) {
		cfg := config.Load()

		token, err := auth.GenerateToken(cfg.JWTSecret, tokenDeviceID, true,
			time.Duration(tokenTTLHours)*time.Hour)
		if err != nil {
			fmt.Fprintf(os.Stderr, "签发凭证失败: %v\n", err)
			os.Exit(1)
		}

		fmt.Println(token)
	},
}

func init() {
	tokenCmd.Flags().StringVar(&tokenDeviceID, "device", "dev-device", "设备 ID")
	tokenCmd.Flags().IntVar(&tokenTTLHours, "ttl", 24, "有效期（小时）")
	rootCmd.AddCommand(tokenCmd)
}
