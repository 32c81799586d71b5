package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
)

var Version = "dev"

func main() {
	var configPath string

	rootCmd := &cobra.Command{
		Use:     "kibanda-admin",
		Short:   "Operator tooling for the data bundle payment engine",
		Version: Version,
	}
	rootCmd.PersistentFlags().StringVarP(&configPath, "config", "c", os.Getenv("CONFIG_FILE"), "Path to YAML config file")

	rootCmd.AddCommand(webhooksCmd(&configPath))
	rootCmd.AddCommand(expireStaleCmd(&configPath))
	rootCmd.AddCommand(statusCmd(&configPath))
	rootCmd.AddCommand(watchCmd())
	rootCmd.AddCommand(reportCmd(&configPath))

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := rootCmd.ExecuteContext(ctx); err != nil {
		stop()
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
