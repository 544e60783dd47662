package main

import (
	"encoding/json"
	"fmt"
	"os"
	"text/tabwriter"

	"github.com/cuemby/scanplane/pkg/errdefs"
	"github.com/cuemby/scanplane/pkg/orchestrator"
	"github.com/cuemby/scanplane/pkg/types"
	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"
)

var taskCmd = &cobra.Command{
	Use:   "task",
	Short: "Manage scan tasks",
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		if err := initCLI(cmd); err != nil {
			return err
		}
		return requireTenant()
	},
}

var taskCreateCmd = &cobra.Command{
	Use:   "create -f MANIFEST",
	Short: "Create a task from a YAML manifest",
	Long: `Create a task from a YAML manifest.

Example manifest:

  type: SAST
  repoId: payments
  executorId: 7d0c...   # omit to run with 'scanplane task start'
  spec:
    source:
      type: git
      url: https://github.com/acme/payments
      ref: main
      credentialRef: github
    rules:
      configs: [p/default]
      severities: [high, critical]
    engine:
      engine: semgrep
      usePro: true
    review:
      enabled: true
      severities: [critical]`,
	RunE: func(cmd *cobra.Command, args []string) error {
		file, _ := cmd.Flags().GetString("file")
		executorID, _ := cmd.Flags().GetString("executor")

		req, err := readManifest(file)
		if err != nil {
			return err
		}
		if executorID != "" {
			req.ExecutorID = executorID
		}

		c, err := apiClient()
		if err != nil {
			return err
		}
		task, err := c.CreateTask(*req)
		if task != nil {
			fmt.Printf("✓ Task created: %s (%s)\n", task.ID, task.Status)
		}
		if err != nil && task != nil {
			return fmt.Errorf("task stored but not dispatched, reassign it with 'scanplane task assign': %w", err)
		}
		return err
	},
}

// readManifest parses a CreateTaskRequest from YAML
func readManifest(file string) (*orchestrator.CreateTaskRequest, error) {
	data, err := os.ReadFile(file)
	if err != nil {
		return nil, fmt.Errorf("failed to read manifest: %w", err)
	}
	var req orchestrator.CreateTaskRequest
	if err := yaml.Unmarshal(data, &req); err != nil {
		return nil, errdefs.Validation("failed to parse manifest %s: %v", file, err)
	}
	if req.Type == "" {
		return nil, errdefs.Validation("manifest %s has no type", file)
	}
	return &req, nil
}

var taskListCmd = &cobra.Command{
	Use:   "list",
	Short: "List tasks",
	RunE: func(cmd *cobra.Command, args []string) error {
		c, err := apiClient()
		if err != nil {
			return err
		}
		tasks, err := c.ListTasks()
		if err != nil {
			return err
		}

		w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
		fmt.Fprintln(w, "ID\tTYPE\tSTATUS\tEXECUTOR\tCREATED")
		for _, t := range tasks {
			executor := t.ExecutorID
			if executor == "" {
				executor = "(local)"
			}
			fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%s\n", t.ID, t.Type, t.Status, executor, t.CreatedAt.Format("2006-01-02 15:04:05"))
		}
		return w.Flush()
	},
}

var taskGetCmd = &cobra.Command{
	Use:   "get ID",
	Short: "Show a task and its stages",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		c, err := apiClient()
		if err != nil {
			return err
		}
		task, err := c.GetTask(args[0])
		if err != nil {
			return err
		}
		stages, err := c.ListStages(args[0])
		if err != nil {
			return err
		}

		asJSON, _ := cmd.Flags().GetBool("json")
		if asJSON {
			enc := json.NewEncoder(os.Stdout)
			enc.SetIndent("", "  ")
			return enc.Encode(struct {
				Task   *types.Task    `json:"task"`
				Stages []*types.Stage `json:"stages"`
			}{task, stages})
		}

		fmt.Printf("Task:        %s\n", task.ID)
		fmt.Printf("Type:        %s\n", task.Type)
		fmt.Printf("Status:      %s\n", task.Status)
		fmt.Printf("Correlation: %s\n", task.CorrelationID)
		if task.ExecutorID != "" {
			fmt.Printf("Executor:    %s\n", task.ExecutorID)
		}
		fmt.Println()

		w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
		fmt.Fprintln(w, "STAGE\tTYPE\tSTATUS\tDURATION\tMESSAGE")
		for _, s := range stages {
			msg := s.Message
			if msg == "" {
				msg = s.Spec.Reason
			}
			fmt.Fprintf(w, "%s\t%s\t%s\t%dms\t%s\n", s.ID, s.Type, s.Status, s.Metrics.DurationMs, msg)
		}
		return w.Flush()
	},
}

var taskAssignCmd = &cobra.Command{
	Use:   "assign ID EXECUTOR",
	Short: "Assign a task that has not run yet to an executor",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		c, err := apiClient()
		if err != nil {
			return err
		}
		task, err := c.AssignExecutor(args[0], args[1])
		if err != nil {
			return err
		}
		fmt.Printf("✓ Task %s assigned to %s\n", task.ID, task.ExecutorID)
		return nil
	},
}

var taskStartCmd = &cobra.Command{
	Use:   "start ID",
	Short: "Run an unassigned task on the control plane",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		c, err := apiClient()
		if err != nil {
			return err
		}
		task, err := c.StartTask(args[0])
		if err != nil {
			return err
		}
		fmt.Printf("✓ Task %s started\n", task.ID)
		return nil
	},
}

var taskDeleteCmd = &cobra.Command{
	Use:   "delete ID",
	Short: "Cancel and delete a task",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		c, err := apiClient()
		if err != nil {
			return err
		}
		task, err := c.DeleteTask(args[0])
		if err != nil {
			return err
		}
		fmt.Printf("✓ Task %s deleted (%s)\n", task.ID, task.Status)
		return nil
	},
}

func init() {
	taskCmd.AddCommand(taskCreateCmd)
	taskCmd.AddCommand(taskListCmd)
	taskCmd.AddCommand(taskGetCmd)
	taskCmd.AddCommand(taskAssignCmd)
	taskCmd.AddCommand(taskStartCmd)
	taskCmd.AddCommand(taskDeleteCmd)

	taskCreateCmd.Flags().StringP("file", "f", "", "YAML manifest (required)")
	taskCreateCmd.Flags().String("executor", "", "Executor id, overrides the manifest")
	_ = taskCreateCmd.MarkFlagRequired("file")

	taskGetCmd.Flags().Bool("json", false, "Print JSON")
}
