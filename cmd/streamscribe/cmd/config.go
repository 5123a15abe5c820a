package cmd

import (
	"fmt"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"gopkg.in/yaml.v3"

	"github.com/streamscribe/streamscribe/internal/config"
)

var configCmd = &cobra.Command{
	Use:   "config",
	Short: "Configuration management commands",
}

var configDumpCmd = &cobra.Command{
	Use:   "dump",
	Short: "Dump the default configuration",
	Long: `Dump the default configuration values in YAML format.

Redirect the output to a file to create a configuration template:

  streamscribe config dump > config.yaml

Environment variables use the STREAMSCRIBE_ prefix with underscores for
nesting, e.g. server.url -> STREAMSCRIBE_SERVER_URL.`,
	RunE: runConfigDump,
}

func init() {
	rootCmd.AddCommand(configCmd)
	configCmd.AddCommand(configDumpCmd)
}

func runConfigDump(_ *cobra.Command, _ []string) error {
	v := viper.New()
	config.SetDefaults(v)

	yamlData, err := yaml.Marshal(v.AllSettings())
	if err != nil {
		return fmt.Errorf("marshaling config: %w", err)
	}

	fmt.Println("# streamscribe Configuration File")
	fmt.Println("# ===============================")
	fmt.Println("#")
	fmt.Println("# All values shown below are defaults. Streamers must be added")
	fmt.Println("# before the worker does anything useful:")
	fmt.Println("#")
	fmt.Println("#   streamers:")
	fmt.Println("#     - key: somechannel")
	fmt.Println("#       urls: [\"https://www.twitch.tv/somechannel\"]")
	fmt.Println("#       active: true")
	fmt.Println("#       media_type: audio")
	fmt.Println("#")
	fmt.Print(string(yamlData))

	return nil
}
