package main

import (
	"os"

	"github.com/spf13/cobra"
	"github.com/yanun0323/logs"
)

var configPath string

func init() {
	rootCmd.AddCommand(runCmd)
	rootCmd.AddCommand(validateCmd)
	rootCmd.AddCommand(versionCmd)
	rootCmd.PersistentFlags().StringVarP(
		&configPath, "config", "c", "calsync.yaml",
		`Path to the YAML or JSON config file.`,
	)
}

var rootCmd = &cobra.Command{
	Use:   "calsync",
	Short: "Calendar change-notification client",
	Long: `calsync keeps a websocket subscription to the calendar notification service
for the selected calendars and refreshes each calendar when it changes.`,
	SilenceUsage: true,
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		logs.Errorf("calsync: %+v", err)
		os.Exit(1)
	}
}
