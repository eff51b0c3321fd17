package commands

import (
	"github.com/spf13/cobra"

	"github.com/life-stream-dev/life-stream-go-stomp-broker/internal/config"
)

var configPath string

var rootCmd = &cobra.Command{
	Use:   "stomp-broker",
	Short: "STOMP 1.2 publish/subscribe broker",
	Long: `A text-protocol message broker. Clients connect over TCP, log in,
subscribe to topics and receive every message published to them.`,
	SilenceUsage: true,
}

func init() {
	rootCmd.PersistentFlags().StringVarP(&configPath, "config", "c", config.DefaultPath, "path of the JSON configuration file")
	rootCmd.AddCommand(serveCmd, reportCmd, configCmd)
}

// Execute runs the root command.
func Execute() error {
	return rootCmd.Execute()
}
