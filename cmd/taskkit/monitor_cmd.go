package main

import (
	tea "github.com/charmbracelet/bubbletea"
	"github.com/spf13/cobra"

	"github.com/saryou/taskkit/internal/monitor"
)

var monitorCmd = &cobra.Command{
	Use:   "monitor",
	Short: "Observability surface: HTTP server and terminal dashboard",
}

var monitorServeCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the read-only monitor HTTP server",
	RunE:  runMonitorServe,
}

var monitorDashboardCmd = &cobra.Command{
	Use:   "dashboard",
	Short: "Run the interactive terminal dashboard",
	RunE:  runMonitorDashboard,
}

func init() {
	monitorCmd.AddCommand(monitorServeCmd, monitorDashboardCmd)
}

func runMonitorServe(cmd *cobra.Command, args []string) error {
	be, err := openBackend()
	if err != nil {
		return err
	}
	defer be.Close()

	s := monitor.New(be, nil, monitorAddr, logger)
	logger.WithField("addr", monitorAddr).Info("starting monitor server")
	return s.Start()
}

func runMonitorDashboard(cmd *cobra.Command, args []string) error {
	be, err := openBackend()
	if err != nil {
		return err
	}
	defer be.Close()

	p := tea.NewProgram(monitor.NewDashboard(be, 0))
	_, err = p.Run()
	return err
}
