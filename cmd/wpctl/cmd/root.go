package cmd

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"
)

var (
	endpoint     string
	outputFormat string
	cfgFile      string
)

// rootCmd represents the base command
var rootCmd = &cobra.Command{
	Use:   "wpctl",
	Short: "CLI for the wasmpod daemon",
	Long:  `wpctl manages pod sandboxes, containers and wasm module images through a running wasmpod daemon.`,
}

// Execute adds all child commands to the root command and sets flags appropriately
func Execute() error {
	return rootCmd.Execute()
}

func init() {
	cobra.OnInitialize(initConfig)

	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "", "config file (default is $HOME/.wpctl/config)")
	rootCmd.PersistentFlags().StringVar(&endpoint, "endpoint", "", "daemon endpoint: unix:///path/to.sock or http://host:port (default from config or unix:///run/wasmpod/wasmpod.sock)")
	rootCmd.PersistentFlags().StringVar(&outputFormat, "output", "table", "output format: table or json")
}

// initConfig reads in config file and ENV variables if set
func initConfig() {
	if cfgFile != "" {
		viper.SetConfigFile(cfgFile)
	} else {
		home, err := os.UserHomeDir()
		if err != nil {
			fmt.Fprintf(os.Stderr, "Error finding home directory: %v\n", err)
			os.Exit(1)
		}
		viper.AddConfigPath(filepath.Join(home, ".wpctl"))
		viper.SetConfigName("config")
		viper.SetConfigType("yaml")
	}

	viper.AutomaticEnv()
	viper.BindEnv("endpoint", "WASMPOD_ENDPOINT")

	if err := viper.ReadInConfig(); err == nil {
		if endpoint == "" && viper.GetString("endpoint") != "" {
			endpoint = viper.GetString("endpoint")
		}
	}
	if endpoint == "" && viper.GetString("endpoint") != "" {
		endpoint = viper.GetString("endpoint")
	}
	if endpoint == "" {
		endpoint = "unix:///run/wasmpod/wasmpod.sock"
	}
}

// IsJSONOutput returns true if JSON output is requested
func IsJSONOutput() bool {
	return outputFormat == "json"
}
