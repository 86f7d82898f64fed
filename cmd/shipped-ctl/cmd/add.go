package cmd

import (
	"encoding/json"
	"fmt"
	"net/http"
	"os"
	"regexp"

	"github.com/manifoldco/promptui"
	"github.com/spf13/cobra"
)

var stackNamePattern = regexp.MustCompile(`^[a-z0-9_-]{3,30}$`)

var (
	addName            string
	addRepoURL         string
	addBranch          string
	addComposePath     string
	addFetchInterval   string
	addCloneDepth      int
	addRevert          bool
	addDeployKeyFile   string
	addNotifyURL       string
	addNotifyProvider  string
	addSkipPrompts     bool
	addFileCompose     string
	addFileEnv         string
	addFileSkipPrompts bool
)

func validateStackName(input string) error {
	if !stackNamePattern.MatchString(input) {
		return fmt.Errorf("name must be 3-30 characters of a-z, 0-9, _ or -")
	}
	return nil
}

func required(label string) func(string) error {
	return func(input string) error {
		if len(input) == 0 {
			return fmt.Errorf("%s is required", label)
		}
		return nil
	}
}

// promptString returns value when set, otherwise asks for it.
func promptString(value, label, def string, validate promptui.ValidateFunc) (string, error) {
	if value != "" {
		return value, nil
	}
	prompt := promptui.Prompt{
		Label:    label,
		Default:  def,
		Validate: validate,
	}
	return prompt.Run()
}

func promptConfirm(label string) (bool, error) {
	prompt := promptui.Prompt{
		Label:     label,
		IsConfirm: true,
	}
	if _, err := prompt.Run(); err != nil {
		if err == promptui.ErrAbort {
			return false, nil
		}
		return false, err
	}
	return true, nil
}

// addCmd registers a git stack
var addCmd = &cobra.Command{
	Use:   "add [file]",
	Short: "Create a stack from a git repository",
	Long: `Create a stack from a git repository.
You can provide a JSON file, use flags, or run interactively.

Examples:
  # From JSON file
  shipped-ctl stacks add web.json

  # Using flags (non-interactive)
  shipped-ctl stacks add --name web --repo https://github.com/user/repo --branch main --yes

  # Private repository over SSH
  shipped-ctl stacks add --name web --repo git@github.com:user/repo.git --deploy-key ~/.ssh/web_deploy --yes

  # Interactive mode
  shipped-ctl stacks add`,
	Args: cobra.MaximumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		stackData := make(map[string]interface{})

		if len(args) > 0 {
			fileData, err := os.ReadFile(args[0])
			if err != nil {
				return fmt.Errorf("error reading file: %w", err)
			}
			if err := json.Unmarshal(fileData, &stackData); err != nil {
				return fmt.Errorf("invalid json file: %w", err)
			}
		} else {
			if addSkipPrompts {
				if addName == "" || addRepoURL == "" {
					return fmt.Errorf("name and repo are required when using --yes")
				}
			}

			var err error
			if !addSkipPrompts {
				if addName, err = promptString(addName, "Stack Name", "", validateStackName); err != nil {
					return err
				}
				if addRepoURL, err = promptString(addRepoURL, "Git Repository URL", "", required("repo url")); err != nil {
					return err
				}
				if addBranch, err = promptString(addBranch, "Branch", "main", nil); err != nil {
					return err
				}
				if addComposePath, err = promptString(addComposePath, "Compose File Path (blank for repo root)", "", nil); err != nil {
					return err
				}
				if addFetchInterval, err = promptString(addFetchInterval, "Fetch Interval", "15m", nil); err != nil {
					return err
				}
				if !cmd.Flags().Changed("revert") {
					if addRevert, err = promptConfirm("Revert on failed updates"); err != nil {
						return err
					}
				}
			}

			stackData["name"] = addName
			stackData["url"] = addRepoURL
			stackData["branch"] = addBranch
			stackData["composePath"] = addComposePath
			stackData["fetchInterval"] = addFetchInterval
			stackData["cloneDepth"] = addCloneDepth
			stackData["revertOnFailure"] = addRevert
			stackData["notificationUrl"] = addNotifyURL
			stackData["notificationProvider"] = addNotifyProvider
		}

		if addDeployKeyFile != "" {
			key, err := os.ReadFile(addDeployKeyFile)
			if err != nil {
				return fmt.Errorf("error reading deploy key: %w", err)
			}
			stackData["deployKey"] = string(key)
			stackData["repoAuthMethod"] = "deploy_key"
		}

		client := NewClient()
		client.Client.Timeout = 0
		if _, err := client.Call(http.MethodPost, "/v1/stacks/git", stackData, nil); err != nil {
			return fmt.Errorf("error creating stack: %w", err)
		}

		fmt.Println("Stack created successfully.")
		return nil
	},
}

// addFileCmd registers a stack from a local compose file
var addFileCmd = &cobra.Command{
	Use:   "add-file",
	Short: "Create a stack from a local compose file",
	Long: `Create a stack from a local compose file and optional env file.

Examples:
  shipped-ctl stacks add-file --name cache --compose docker-compose.yml --env .env --yes`,
	Args: cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		var err error
		if addFileSkipPrompts {
			if addName == "" || addFileCompose == "" {
				return fmt.Errorf("name and compose are required when using --yes")
			}
		} else {
			if addName, err = promptString(addName, "Stack Name", "", validateStackName); err != nil {
				return err
			}
			if addFileCompose, err = promptString(addFileCompose, "Compose File", "docker-compose.yml", required("compose file")); err != nil {
				return err
			}
		}

		composeFile, err := os.ReadFile(addFileCompose)
		if err != nil {
			return fmt.Errorf("error reading compose file: %w", err)
		}
		stackData := map[string]interface{}{
			"name":                 addName,
			"composeFile":          string(composeFile),
			"notificationUrl":      addNotifyURL,
			"notificationProvider": addNotifyProvider,
		}
		if addFileEnv != "" {
			envFile, err := os.ReadFile(addFileEnv)
			if err != nil {
				return fmt.Errorf("error reading env file: %w", err)
			}
			stackData["envFile"] = string(envFile)
		}

		client := NewClient()
		client.Client.Timeout = 0
		if _, err := client.Call(http.MethodPost, "/v1/stacks/file", stackData, nil); err != nil {
			return fmt.Errorf("error creating stack: %w", err)
		}

		fmt.Println("Stack created successfully.")
		return nil
	},
}

func init() {
	addCmd.Flags().StringVar(&addName, "name", "", "Stack name")
	addCmd.Flags().StringVar(&addRepoURL, "repo", "", "Git repository URL")
	addCmd.Flags().StringVar(&addBranch, "branch", "", "Git branch (default: main)")
	addCmd.Flags().StringVar(&addComposePath, "compose-path", "", "Path to the compose file inside the repository")
	addCmd.Flags().StringVar(&addFetchInterval, "fetch-interval", "", "Update check interval, e.g. 15m, 1h, 1d (default: 15m)")
	addCmd.Flags().IntVar(&addCloneDepth, "clone-depth", 0, "Clone depth: 0 for the server default, -1 for full history")
	addCmd.Flags().BoolVar(&addRevert, "revert", false, "Revert to the previous commit when an update fails")
	addCmd.Flags().StringVar(&addDeployKeyFile, "deploy-key", "", "Path to an SSH private key for private repositories")
	addCmd.Flags().StringVar(&addNotifyURL, "notify-url", "", "Notification URL")
	addCmd.Flags().StringVar(&addNotifyProvider, "notify-provider", "", "Notification provider: ntfy, discord-webhook or webhook")
	addCmd.Flags().BoolVarP(&addSkipPrompts, "yes", "y", false, "Skip interactive prompts (use defaults)")

	addFileCmd.Flags().StringVar(&addName, "name", "", "Stack name")
	addFileCmd.Flags().StringVar(&addFileCompose, "compose", "", "Path to the compose file")
	addFileCmd.Flags().StringVar(&addFileEnv, "env", "", "Path to an env file")
	addFileCmd.Flags().StringVar(&addNotifyURL, "notify-url", "", "Notification URL")
	addFileCmd.Flags().StringVar(&addNotifyProvider, "notify-provider", "", "Notification provider: ntfy, discord-webhook or webhook")
	addFileCmd.Flags().BoolVarP(&addFileSkipPrompts, "yes", "y", false, "Skip interactive prompts")

	stacksCmd.AddCommand(addCmd, addFileCmd)
}
