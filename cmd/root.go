package cmd

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/jmehdipour/delivery-saga/cmd/worker"
)

var (
	cfgPath string
	rootCmd = &cobra.Command{
		Use:          "delivery-saga",
		Short:        "Order, payment and delivery saga",
		SilenceUsage: true,
	}
)

func Execute() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func init() {
	rootCmd.PersistentFlags().StringVar(&cfgPath, "config", "config.yaml", "path to YAML config file")
	rootCmd.AddCommand(serveCmd)
	rootCmd.AddCommand(migrateCmd)
	rootCmd.AddCommand(seedCmd)
	rootCmd.AddCommand(sagaCmd)
	rootCmd.AddCommand(worker.NewWorkerCmd())
}
