package cli

import (
	"encoding/json"
	"fmt"

	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"github.com/valter-silva-au/taskd/internal/core"
)

var configCmd = &cobra.Command{
	Use:   "config",
	Short: "Show or create the taskd configuration",
}

var configShowJSON bool

var configShowCmd = &cobra.Command{
	Use:   "show",
	Short: "Print the effective configuration",
	Long: `Print the configuration after defaults, taskd.yaml and TASKD_*
environment overrides are applied.`,
	Args: cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		data, err := core.MarshalConfig(Cfg)
		if err != nil {
			return err
		}
		w := cmd.OutOrStdout()
		if !configShowJSON {
			fmt.Fprintf(w, "# %s\n%s", ConfigMgr.ConfigFile(), data)
			return nil
		}

		var tree map[string]any
		if err := yaml.Unmarshal(data, &tree); err != nil {
			return fmt.Errorf("re-reading configuration: %w", err)
		}
		out, err := json.MarshalIndent(tree, "", "  ")
		if err != nil {
			return fmt.Errorf("formatting configuration as JSON: %w", err)
		}
		fmt.Fprintln(w, string(out))
		return nil
	},
}

var configInitForce bool

var configInitCmd = &cobra.Command{
	Use:   "init",
	Short: "Write a default taskd.yaml",
	Args:  cobra.NoArgs,
	// Runs without loading, so a broken file can be replaced with --force.
	Annotations: map[string]string{noBootstrap: "true"},
	RunE: func(cmd *cobra.Command, args []string) error {
		cm := core.NewConfigurationManagerWithFile(homeDir, configFile)
		path := cm.ConfigFile()
		if err := core.WriteConfigFile(path, core.DefaultConfig(cm.Home()), configInitForce); err != nil {
			return err
		}
		fmt.Fprintf(cmd.OutOrStdout(), "Wrote %s\n", path)
		return nil
	},
}

func init() {
	configShowCmd.Flags().BoolVar(&configShowJSON, "json", false, "Output as JSON")
	configInitCmd.Flags().BoolVar(&configInitForce, "force", false, "Overwrite an existing file")
	configCmd.AddCommand(configShowCmd, configInitCmd)
	rootCmd.AddCommand(configCmd)
}
