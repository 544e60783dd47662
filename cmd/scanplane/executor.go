package main

import (
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"text/tabwriter"
	"time"

	"github.com/cuemby/scanplane/pkg/agent"
	"github.com/cuemby/scanplane/pkg/channel"
	"github.com/cuemby/scanplane/pkg/client"
	"github.com/cuemby/scanplane/pkg/log"
	"github.com/cuemby/scanplane/pkg/runtime"
	"github.com/cuemby/scanplane/pkg/stage"
	"github.com/cuemby/scanplane/pkg/types"
	"github.com/spf13/cobra"
)

var executorCmd = &cobra.Command{
	Use:   "executor",
	Short: "Manage and run remote executors",
}

var executorRegisterCmd = &cobra.Command{
	Use:   "register NAME",
	Short: "Register an executor and print its token",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		if err := requireTenant(); err != nil {
			return err
		}
		cpu, _ := cmd.Flags().GetFloat64("cpu")
		memory, _ := cmd.Flags().GetInt64("memory-mb")
		labels, _ := cmd.Flags().GetStringToString("label")

		c, err := apiClient()
		if err != nil {
			return err
		}
		executor, err := c.RegisterExecutor(args[0], labels, types.ExecutorResources{CPU: cpu, MemoryMB: memory})
		if err != nil {
			return fmt.Errorf("failed to register executor: %w", err)
		}

		fmt.Println("✓ Executor registered")
		fmt.Printf("  ID:    %s\n", executor.ID)
		fmt.Printf("  Name:  %s\n", executor.Name)
		fmt.Printf("  Token: %s\n", executor.Token)
		fmt.Println()
		fmt.Println("The token is shown only once. Pass it to 'scanplane executor agent --token'.")
		return nil
	},
}

var executorListCmd = &cobra.Command{
	Use:   "list",
	Short: "List executors",
	RunE: func(cmd *cobra.Command, args []string) error {
		if err := requireTenant(); err != nil {
			return err
		}
		c, err := apiClient()
		if err != nil {
			return err
		}
		executors, err := c.ListExecutors()
		if err != nil {
			return err
		}

		w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
		fmt.Fprintln(w, "ID\tNAME\tSTATUS\tLAST HEARTBEAT")
		for _, e := range executors {
			last := "never"
			if !e.LastHeartbeat.IsZero() {
				last = time.Since(e.LastHeartbeat).Truncate(time.Second).String() + " ago"
			}
			fmt.Fprintf(w, "%s\t%s\t%s\t%s\n", e.ID, e.Name, e.Status, last)
		}
		return w.Flush()
	},
}

var executorStatusCmd = &cobra.Command{
	Use:   "status ID STATUS",
	Short: "Override an executor status (READY, BUSY, DRAINING, OFFLINE)",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		if err := requireTenant(); err != nil {
			return err
		}
		c, err := apiClient()
		if err != nil {
			return err
		}
		executor, err := c.SetExecutorStatus(args[0], types.ExecutorStatus(args[1]))
		if err != nil {
			return err
		}
		fmt.Printf("✓ Executor %s is %s\n", executor.ID, executor.Status)
		return nil
	},
}

var executorHeartbeatCmd = &cobra.Command{
	Use:   "heartbeat",
	Short: "Send one heartbeat over HTTP",
	RunE: func(cmd *cobra.Command, args []string) error {
		token, _ := cmd.Flags().GetString("token")
		if token == "" {
			return errors.New("--token is required")
		}
		c, err := apiClient(client.WithToken(token))
		if err != nil {
			return err
		}
		executor, err := c.Heartbeat(types.HeartbeatPayload{})
		if err != nil {
			return err
		}
		fmt.Printf("✓ Executor %s is %s\n", executor.ID, executor.Status)
		return nil
	},
}

var executorAgentCmd = &cobra.Command{
	Use:   "agent",
	Short: "Run an executor: hold the channel open and execute assigned stages",
	RunE: func(cmd *cobra.Command, args []string) error {
		token, _ := cmd.Flags().GetString("token")
		if token == "" {
			return errors.New("--token is required")
		}
		channelAddr, _ := cmd.Flags().GetString("channel")
		workDir, _ := cmd.Flags().GetString("work-dir")
		runnerName, _ := cmd.Flags().GetString("runner")
		socket, _ := cmd.Flags().GetString("containerd-socket")
		interval, _ := cmd.Flags().GetDuration("heartbeat-interval")
		logger := log.WithComponent("agent")

		var runner runtime.Runner = runtime.NewExecRunner()
		if runnerName == "containerd" {
			cr, err := runtime.NewContainerdRunner(socket, "")
			if err != nil {
				return err
			}
			runner = cr
		}
		defer runner.Close()

		callbacks, err := apiClient(client.WithToken(token))
		if err != nil {
			return err
		}

		a, err := agent.New(agent.Config{
			WorkDir:           workDir,
			Runner:            runner,
			Preparer:          &stage.FSPreparer{},
			HeartbeatInterval: interval,
			Fallback:          callbacks,
		})
		if err != nil {
			return err
		}

		conn, err := channel.NewClient(channelAddr, token)
		if err != nil {
			return err
		}
		defer conn.Close()

		ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
		defer stop()

		// Reconnect with a capped backoff until interrupted
		backoff := time.Second
		for {
			stream, err := conn.Connect(ctx)
			if err == nil {
				logger.Info().Str("channel", channelAddr).Msg("Connected to control plane")
				err = a.Run(ctx, stream)
				_ = stream.CloseSend()
				backoff = time.Second
			}
			if ctx.Err() != nil {
				logger.Info().Msg("Agent stopped")
				return nil
			}
			logger.Warn().Err(err).Dur("retry_in", backoff).Msg("Channel lost")

			select {
			case <-time.After(backoff):
			case <-ctx.Done():
				return nil
			}
			backoff = min(backoff*2, 30*time.Second)
		}
	},
}

func init() {
	executorCmd.AddCommand(executorRegisterCmd)
	executorCmd.AddCommand(executorListCmd)
	executorCmd.AddCommand(executorStatusCmd)
	executorCmd.AddCommand(executorHeartbeatCmd)
	executorCmd.AddCommand(executorAgentCmd)

	executorRegisterCmd.Flags().Float64("cpu", 2, "CPU cores offered")
	executorRegisterCmd.Flags().Int64("memory-mb", 4096, "Memory offered in MB")
	executorRegisterCmd.Flags().StringToString("label", nil, "Executor labels (key=value)")

	executorHeartbeatCmd.Flags().String("token", "", "Executor token")

	executorAgentCmd.Flags().String("token", "", "Executor token")
	executorAgentCmd.Flags().String("channel", "127.0.0.1:9090", "Control plane channel address")
	executorAgentCmd.Flags().String("work-dir", "./scanplane-agent", "Directory for stage workspaces")
	executorAgentCmd.Flags().String("runner", "exec", "Stage runner (exec, containerd)")
	executorAgentCmd.Flags().String("containerd-socket", "/run/containerd/containerd.sock", "containerd socket for the containerd runner")
	executorAgentCmd.Flags().Duration("heartbeat-interval", 30*time.Second, "Interval between channel heartbeats")
}
