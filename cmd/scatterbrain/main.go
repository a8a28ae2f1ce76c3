package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
)

var version = "dev"

var noColor bool

var rootCmd = &cobra.Command{
	Use:           "scatterbrain",
	Short:         "Turn scattered thoughts into themes, next actions and content",
	Version:       version,
	SilenceUsage:  true,
	SilenceErrors: true,
}

func init() {
	rootCmd.PersistentFlags().BoolVar(&noColor, "no-color", os.Getenv("NO_COLOR") != "", "disable colored output")

	rootCmd.AddCommand(startCmd, stopCmd, statusCmd)
	rootCmd.AddCommand(captureCmd, synthesizeCmd, thoughtsCmd)
	rootCmd.AddCommand(usageCmd, trendingCmd, upgradeCmd, portalCmd)
	rootCmd.AddCommand(configCmd)
	rootCmd.SetVersionTemplate(fmt.Sprintf("scatterbrain version %s\n", version))
}

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := rootCmd.ExecuteContext(ctx); err != nil {
		printError("%v", err)
		stop()
		os.Exit(1)
	}
}
