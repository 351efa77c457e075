package main

import (
	"context"
	"time"

	"github.com/spf13/cobra"

	"github.com/saryou/taskkit/internal/kit"
)

var (
	workerGroup    string
	workerSize     int
	leaseDuration  time.Duration
	shutdownWindow time.Duration
)

var workerCmd = &cobra.Command{
	Use:   "worker",
	Short: "Run a worker pool against one task group",
	Long:  `Starts a pool of workers claiming and executing tasks from one group until interrupted.`,
	RunE:  runWorker,
}

func init() {
	workerCmd.Flags().StringVar(&workerGroup, "group", "shell", "task group this pool polls")
	workerCmd.Flags().IntVar(&workerSize, "size", 4, "number of concurrent workers in the pool")
	workerCmd.Flags().DurationVar(&leaseDuration, "lease", 30*time.Second, "lease duration granted per claimed task")
	workerCmd.Flags().DurationVar(&shutdownWindow, "shutdown-timeout", 30*time.Second, "time allowed for in-flight tasks to drain on shutdown")
}

func runWorker(cmd *cobra.Command, args []string) error {
	be, err := openBackend()
	if err != nil {
		return err
	}
	defer be.Close()

	reg := defaultRegistry()
	k := kit.New(be, reg, kit.Config{
		Groups: []kit.GroupConfig{
			{Group: workerGroup, Size: workerSize, LeaseDuration: leaseDuration},
		},
		Logger: logger,
	})

	logger.WithField("group", workerGroup).WithField("size", workerSize).Info("starting worker pool")
	return k.Start(context.Background(), shutdownWindow)
}
