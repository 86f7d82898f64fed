package cmd

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"
)

var serverURL string

// rootCmd represents the base command when called without any subcommands
var rootCmd = &cobra.Command{
	Use:   "shipped-ctl",
	Short: "Command line interface for the shipped stack dashboard",
	Long:  `CLI for managing docker compose stacks deployed from git repositories or uploaded files.`,
}

// Execute runs the root command. It is called once by main.main().
func Execute() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Println(err)
		os.Exit(1)
	}
}

func init() {
	cobra.OnInitialize(initConfig)

	rootCmd.PersistentFlags().StringVar(&serverURL, "url", "http://localhost:5055", "shipped server URL")
	viper.BindPFlag("url", rootCmd.PersistentFlags().Lookup("url"))
}

// initConfig reads SHIPPED_* environment variables, e.g. SHIPPED_URL.
func initConfig() {
	viper.SetEnvPrefix("SHIPPED")
	viper.AutomaticEnv()
}
