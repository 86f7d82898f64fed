package cmd

import (
	"fmt"

	"github.com/shipped/shipped/internal/compose"
	"github.com/spf13/cobra"
)

// Version is overridden at build time with -ldflags.
var Version = "v0.1.0"

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Print the version of shipped-ctl and the server's docker toolchain",
	RunE: func(cmd *cobra.Command, args []string) error {
		fmt.Printf("shipped-ctl %s\n", Version)

		var toolchain compose.Toolchain
		if err := NewClient().GetJSON("/health", &toolchain); err != nil {
			fmt.Printf("server: unavailable (%v)\n", err)
			return nil
		}
		fmt.Printf("server docker: client %s, engine %s, compose %s\n",
			toolchain.ClientVersion, toolchain.ServerVersion, toolchain.ComposeVersion)
		return nil
	},
}

func init() {
	rootCmd.AddCommand(versionCmd)
}
