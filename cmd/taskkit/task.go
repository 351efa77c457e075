package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/saryou/taskkit/internal/kit"
)

var taskCmd = &cobra.Command{
	Use:   "task",
	Short: "Submit and inspect tasks",
}

var taskSubmitCmd = &cobra.Command{
	Use:   "submit",
	Short: "Submit a new task and optionally wait for its result",
	RunE:  runTaskSubmit,
}

var taskListCmd = &cobra.Command{
	Use:   "list",
	Short: "List tasks",
	RunE:  runTaskList,
}

var taskShowCmd = &cobra.Command{
	Use:   "show [task-id]",
	Short: "Show one task's state",
	Args:  cobra.ExactArgs(1),
	RunE:  runTaskShow,
}

var (
	submitGroup   string
	submitName    string
	submitCommand string
	submitArgs    []string
	submitWait    time.Duration
	listStatus    string
)

func init() {
	taskCmd.AddCommand(taskSubmitCmd, taskListCmd, taskShowCmd)

	taskSubmitCmd.Flags().StringVar(&submitGroup, "group", "shell", "task group")
	taskSubmitCmd.Flags().StringVar(&submitName, "name", "run", "handler name within the group")
	taskSubmitCmd.Flags().StringVar(&submitCommand, "command", "", "command to run (shell handler)")
	taskSubmitCmd.Flags().StringArrayVar(&submitArgs, "arg", nil, "argument for --command, may be repeated")
	taskSubmitCmd.Flags().DurationVar(&submitWait, "wait", 0, "if > 0, block up to this long for the result")

	taskListCmd.Flags().StringVar(&listStatus, "status", "", "filter by derived status (pending, ready, running)")
}

func runTaskSubmit(cmd *cobra.Command, args []string) error {
	be, err := openBackend()
	if err != nil {
		return err
	}
	defer be.Close()

	reg := defaultRegistry()
	k := kit.New(be, reg, kit.Config{Logger: logger})

	ctx := context.Background()
	data := map[string]any{"command": submitCommand, "args": submitArgs}
	handle, err := k.InitiateTask(ctx, submitGroup, submitName, data)
	if err != nil {
		return err
	}
	fmt.Println(handle.ID())

	if submitWait <= 0 {
		return nil
	}
	val, err := handle.Get(ctx, submitWait)
	if err != nil {
		return err
	}
	enc, _ := json.MarshalIndent(val, "", "  ")
	fmt.Println(string(enc))
	return nil
}

func runTaskList(cmd *cobra.Command, args []string) error {
	be, err := openBackend()
	if err != nil {
		return err
	}
	defer be.Close()

	tasks, err := be.ListTasks(context.Background(), listStatus)
	if err != nil {
		return err
	}

	w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
	fmt.Fprintln(w, "ID\tGROUP\tNAME\tRETRY\tDUE_AT")
	for _, t := range tasks {
		fmt.Fprintf(w, "%s\t%s\t%s\t%d\t%s\n", t.ID, t.Group, t.Name, t.RetryCount, t.DueAt.Format(time.RFC3339))
	}
	return w.Flush()
}

func runTaskShow(cmd *cobra.Command, args []string) error {
	be, err := openBackend()
	if err != nil {
		return err
	}
	defer be.Close()

	t, err := be.GetTask(context.Background(), args[0])
	if err != nil {
		return err
	}
	if t == nil {
		return fmt.Errorf("task %s not found (already completed, failed, or discarded)", args[0])
	}
	enc, _ := json.MarshalIndent(t, "", "  ")
	fmt.Println(string(enc))
	return nil
}
