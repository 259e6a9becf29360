// sandboxctl inspects and validates sandbox configuration profiles
// without starting the broker. Exit code 0 on success, 1 on any
// configuration error.
package main

import (
	"fmt"
	"os"
	"strings"

	"github.com/spf13/cobra"

	"sandbox-broker/internal/config"
)

func main() {
	if err := rootCmd().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "Error:", err)
		os.Exit(1)
	}
}

func rootCmd() *cobra.Command {
	var configPath string

	cmd := &cobra.Command{
		Use:           "sandboxctl",
		Short:         "Manage sandbox broker configuration profiles",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	cmd.PersistentFlags().StringVarP(&configPath, "config", "c", "sandbox_config.json", "path to the configuration file")

	cmd.AddCommand(
		listCmd(&configPath),
		validateCmd(&configPath),
		showCmd(&configPath),
		authCmd(&configPath),
	)
	return cmd
}

func loadManager(configPath string) (*config.SandboxConfigManager, error) {
	return config.LoadSandboxConfigManager(configPath)
}

func listCmd(configPath *string) *cobra.Command {
	return &cobra.Command{
		Use:   "list",
		Short: "List configured environments",
		RunE: func(cmd *cobra.Command, args []string) error {
			m, err := loadManager(*configPath)
			if err != nil {
				return err
			}
			envs := m.ListEnvironments()
			if len(envs) == 0 {
				fmt.Println("No environments configured.")
				return nil
			}
			fmt.Println("Configured environments:")
			for _, e := range envs {
				fmt.Printf("  %s (auth: %s)\n", e, m.AuthMethod(e))
			}
			return nil
		},
	}
}

func validateCmd(configPath *string) *cobra.Command {
	return &cobra.Command{
		Use:   "validate <environment>",
		Short: "Validate one environment's configuration",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			m, err := loadManager(*configPath)
			if err != nil {
				return err
			}
			if _, err := m.GetConfig(args[0]); err != nil {
				return err
			}
			fmt.Printf("Environment %q is valid.\n", args[0])
			return nil
		},
	}
}

func showCmd(configPath *string) *cobra.Command {
	return &cobra.Command{
		Use:   "show <environment>",
		Short: "Show one environment's resolved configuration",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			m, err := loadManager(*configPath)
			if err != nil {
				return err
			}
			cfg, err := m.GetConfig(args[0])
			if err != nil {
				return err
			}
			fmt.Printf("Environment:        %s\n", args[0])
			fmt.Printf("Instance ID:        %s\n", cfg.InstanceID)
			fmt.Printf("Region:             %s\n", cfg.Region)
			fmt.Printf("Base sandbox dir:   %s\n", cfg.BaseDir)
			fmt.Printf("Max execution time: %ds\n", cfg.MaxExecTimeSec)
			fmt.Printf("Max memory:         %dMB\n", cfg.MaxMemoryMB)
			fmt.Printf("Retention:          %dh\n", cfg.RetentionHours)
			fmt.Printf("Allowed runtimes:   %s\n", strings.Join(cfg.AllowedRuntimes, ", "))
			fmt.Printf("Auth method:        %s\n", m.AuthMethod(args[0]))
			return nil
		},
	}
}

func authCmd(configPath *string) *cobra.Command {
	return &cobra.Command{
		Use:   "auth <environment>",
		Short: "Report which authentication method an environment uses",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			m, err := loadManager(*configPath)
			if err != nil {
				return err
			}
			method := m.AuthMethod(args[0])
			if method == "unknown" {
				return fmt.Errorf("environment %q has no recognizable authentication method", args[0])
			}
			fmt.Println(method)
			return nil
		},
	}
}
