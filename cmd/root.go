// Package cmd contains all the commands included in the binary file.
package cmd

import (
	"strings"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"
)

// NewRootCommand enables all children commands to read flags from CLI flags, environment variables prefixed with PARIS, or config.yaml (in that order).
func NewRootCommand() *cobra.Command {
	viper.SetConfigName("config")
	viper.SetConfigType("yaml")

	viper.SetEnvPrefix("PARIS")
	viper.SetEnvKeyReplacer(strings.NewReplacer(".", "_", "-", "_"))
	viper.AutomaticEnv()

	configPaths := []string{"/etc/paris", "$HOME/.paris", "."}
	for _, path := range configPaths {
		viper.AddConfigPath(path)
	}

	return &cobra.Command{
		Use:   "paris",
		Short: "A multi-device cone-beam CT reconstruction pipeline",
		Long: `A multi-device cone-beam CT reconstruction pipeline.

paris splits the reconstructed volume into subvolumes that fit the memory of a
single device and reconstructs them with one filtered back-projection pipeline
per device, all pulling from a shared task queue.`,
		SilenceUsage: true,
	}
}
