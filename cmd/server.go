package cmd

import (
	"AzanFM/server"

	"github.com/spf13/cobra"
)

var serverCmd = &cobra.Command{
	Use:   "server",
	Short: "启动 AzanFM 流媒体服务器",
	Long:  `启动自适应音频分发引擎的 HTTP 服务器，提供播放会话与缓存管理 API`,
	Run: func(cmd *cobra.Command, args []string) {
		server.Start()
	},
}

func init() {
	rootCmd.AddCommand(serverCmd)
}
