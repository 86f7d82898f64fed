package cmd

import (
	"fmt"
	"net/http"
	"os"

	"github.com/spf13/cobra"
)

var (
	updateRepoURL       string
	updateBranch        string
	updateComposePath   string
	updateFetchInterval string
	updateRevert        bool
	updateNotifyURL     string
	updateNotifyProv    string
	updateComposeFile   string
	updateEnvFile       string
)

// updateCmd represents the update command
var updateCmd = &cobra.Command{
	Use:   "update [name]",
	Short: "Update a stack's settings",
	Long:  `Update stack settings. Only provided flags are changed. Running containers are not restarted.`,
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		updates := make(map[string]interface{})

		strFlags := map[string]struct {
			field string
			value *string
		}{
			"repo":            {"url", &updateRepoURL},
			"branch":          {"branch", &updateBranch},
			"compose-path":    {"composePath", &updateComposePath},
			"fetch-interval":  {"fetchInterval", &updateFetchInterval},
			"notify-url":      {"notificationUrl", &updateNotifyURL},
			"notify-provider": {"notificationProvider", &updateNotifyProv},
		}
		for flag, f := range strFlags {
			if cmd.Flags().Changed(flag) {
				updates[f.field] = *f.value
			}
		}
		if cmd.Flags().Changed("revert") {
			updates["revertOnFailure"] = updateRevert
		}
		if cmd.Flags().Changed("compose") {
			content, err := os.ReadFile(updateComposeFile)
			if err != nil {
				return fmt.Errorf("error reading compose file: %w", err)
			}
			updates["composeFile"] = string(content)
		}
		if cmd.Flags().Changed("env") {
			content, err := os.ReadFile(updateEnvFile)
			if err != nil {
				return fmt.Errorf("error reading env file: %w", err)
			}
			updates["envFile"] = string(content)
		}

		if len(updates) == 0 {
			return fmt.Errorf("no updates provided")
		}

		if _, err := NewClient().Call(http.MethodPatch, stackPath(args[0]), updates, nil); err != nil {
			return fmt.Errorf("error updating stack: %w", err)
		}

		fmt.Println("Stack updated successfully.")
		return nil
	},
}

// pullCmd pulls images and recreates containers without checking git
var pullCmd = &cobra.Command{
	Use:   "pull [name]",
	Short: "Pull images and recreate a stack's containers",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		client := NewClient()
		client.Client.Timeout = 0
		resp, err := client.Call(http.MethodGet, stackPath(args[0], "update"), nil, nil)
		if err != nil {
			return fmt.Errorf("error updating containers: %w", err)
		}
		fmt.Println(resp.Message)
		return nil
	},
}

func init() {
	updateCmd.Flags().StringVar(&updateRepoURL, "repo", "", "New git repository URL")
	updateCmd.Flags().StringVar(&updateBranch, "branch", "", "New branch to track")
	updateCmd.Flags().StringVar(&updateComposePath, "compose-path", "", "New compose file path inside the repository")
	updateCmd.Flags().StringVar(&updateFetchInterval, "fetch-interval", "", "New update check interval (e.g. 30m)")
	updateCmd.Flags().BoolVar(&updateRevert, "revert", false, "Revert to the previous commit when an update fails")
	updateCmd.Flags().StringVar(&updateNotifyURL, "notify-url", "", "New notification URL")
	updateCmd.Flags().StringVar(&updateNotifyProv, "notify-provider", "", "New notification provider")
	updateCmd.Flags().StringVar(&updateComposeFile, "compose", "", "Replace a file stack's compose file")
	updateCmd.Flags().StringVar(&updateEnvFile, "env", "", "Replace a file stack's env file")

	stacksCmd.AddCommand(updateCmd, pullCmd)
}
