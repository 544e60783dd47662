package main

import (
	"fmt"
	"os"

	"github.com/cuemby/scanplane/pkg/api"
	"github.com/cuemby/scanplane/pkg/client"
	"github.com/cuemby/scanplane/pkg/config"
	"github.com/cuemby/scanplane/pkg/log"
	"github.com/spf13/cobra"
)

var (
	// Version information (set via ldflags during build)
	Version   = "dev"
	Commit    = "unknown"
	BuildTime = "unknown"
)

// v holds the merged configuration for every command
var v = config.New()

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

var rootCmd = &cobra.Command{
	Use:   "scanplane",
	Short: "scanplane - control plane for source code scan tasks",
	Long: `scanplane runs SAST and SCA scan tasks through a staged pipeline,
either on the control plane host or on registered remote executors that
hold a persistent channel to it.`,
	Version:       Version,
	SilenceUsage:  true,
	SilenceErrors: true,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		return initCLI(cmd)
	},
}

// initCLI reads the --config file and initializes logging
func initCLI(cmd *cobra.Command) error {
	if file, _ := cmd.Flags().GetString("config"); file != "" {
		v.SetConfigFile(file)
		if err := v.ReadInConfig(); err != nil {
			return fmt.Errorf("failed to read config %s: %w", file, err)
		}
	}
	log.Init(log.Config{
		Level:      log.ParseLevel(v.GetString("log.level")),
		JSONOutput: v.GetBool("log.json"),
		Output:     os.Stderr,
	})
	return nil
}

func init() {
	api.Version = Version
	rootCmd.SetVersionTemplate(fmt.Sprintf(
		"scanplane version %s\nCommit: %s\nBuilt: %s\n",
		Version, Commit, BuildTime,
	))

	flags := rootCmd.PersistentFlags()
	flags.String("config", "", "YAML configuration file")
	flags.String("log-level", "info", "Log level (debug, info, warn, error)")
	flags.Bool("log-json", false, "Log as JSON")
	flags.String("api", "127.0.0.1:8080", "Control plane HTTP address")
	flags.String("tenant", "", "Tenant id sent with tenant-scoped calls")
	bind(rootCmd, map[string]string{
		"log.level":  "log-level",
		"log.json":   "log-json",
		"cli.api":    "api",
		"cli.tenant": "tenant",
	})

	rootCmd.AddCommand(serveCmd)
	rootCmd.AddCommand(executorCmd)
	rootCmd.AddCommand(taskCmd)
	rootCmd.AddCommand(secretCmd)
}

// bind ties config keys to flags of cmd so flags take precedence over the
// file and environment
func bind(cmd *cobra.Command, keys map[string]string) {
	for key, name := range keys {
		flag := cmd.PersistentFlags().Lookup(name)
		if flag == nil {
			flag = cmd.Flags().Lookup(name)
		}
		if flag == nil {
			panic("unknown flag " + name)
		}
		if err := v.BindPFlag(key, flag); err != nil {
			panic(err)
		}
	}
}

// loadConfig decodes the merged configuration; initCLI already read the file
func loadConfig() (*config.Config, error) {
	return config.Load(v, "")
}

// apiClient builds an HTTP client from the --api and --tenant flags
func apiClient(opts ...client.Option) (*client.Client, error) {
	if tenant := v.GetString("cli.tenant"); tenant != "" {
		opts = append(opts, client.WithTenant(tenant))
	}
	return client.NewClient(v.GetString("cli.api"), opts...)
}

// requireTenant fails fast for commands that call tenant-scoped routes
func requireTenant() error {
	if v.GetString("cli.tenant") == "" {
		return fmt.Errorf("--tenant (or SCANPLANE_CLI_TENANT) is required")
	}
	return nil
}
