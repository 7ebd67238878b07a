package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

// version is set at build time with -ldflags "-X main.version=...".
var version = "dev"

var rootCmd = &cobra.Command{
	Use:   "titanbot",
	Short: "Titan class reminder bot",
	Long: `Titan posts class reminders to a linked Telegram group at the configured
lead time before every scheduled class, and lets admins manage the
timetable from chat. Configuration is read from the environment (.env).`,
	Version:       version,
	SilenceUsage:  true,
	SilenceErrors: true,
	RunE:          runBot,
}

func init() {
	rootCmd.AddCommand(newRunCommand())
	rootCmd.AddCommand(newMigrateCommand())
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func newRunCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "run",
		Short: "Start the bot, the scheduler and the keep-alive server",
		Args:  cobra.NoArgs,
		RunE:  runBot,
	}
}

func newMigrateCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "migrate",
		Short: "Apply store migrations and exit",
		Args:  cobra.NoArgs,
		RunE:  runMigrate,
	}
}
