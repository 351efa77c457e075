package main

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
)

var rootCmd = &cobra.Command{
	Use:   "taskkit",
	Short: "taskkit - a distributed task queue",
	Long:  `taskkit runs background workers that pull due work from a shared backend, execute it through a handler, and persist results producers can await.`,
}

var (
	dbPath     string
	monitorAddr string
	logger     = logrus.StandardLogger()
)

func init() {
	homeDir, _ := os.UserHomeDir()
	defaultDB := filepath.Join(homeDir, ".taskkit", "taskkit.db")

	rootCmd.PersistentFlags().StringVar(&dbPath, "db", defaultDB, "path to the SQLite backend database")
	rootCmd.PersistentFlags().StringVar(&monitorAddr, "monitor", "127.0.0.1:7467", "monitor HTTP server address")

	rootCmd.AddCommand(workerCmd)
	rootCmd.AddCommand(taskCmd)
	rootCmd.AddCommand(monitorCmd)
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
