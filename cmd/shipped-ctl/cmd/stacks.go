package cmd

import (
	"fmt"
	"net/http"
	"net/url"
	"os"
	"text/tabwriter"
	"time"

	"github.com/shipped/shipped/internal/api"
	"github.com/shipped/shipped/internal/compose"
	"github.com/spf13/cobra"
)

// stacksCmd represents the stacks command
var stacksCmd = &cobra.Command{
	Use:   "stacks",
	Short: "Manage stacks",
	Long:  `Manage stacks (list, get, add, add-file, update, delete, check, start, stop, restart).`,
	Run: func(cmd *cobra.Command, args []string) {
		cmd.Help()
	},
}

func stackPath(name string, parts ...string) string {
	path := "/v1/stacks/" + url.PathEscape(name)
	for _, p := range parts {
		path += "/" + p
	}
	return path
}

var listCmd = &cobra.Command{
	Use:   "list",
	Short: "List all stacks",
	RunE: func(cmd *cobra.Command, args []string) error {
		var stacks []api.StackSummary
		if err := NewClient().GetJSON("/v1/stacks", &stacks); err != nil {
			return fmt.Errorf("error fetching stacks: %w", err)
		}

		w := tabwriter.NewWriter(os.Stdout, 0, 0, 3, ' ', 0)
		fmt.Fprintln(w, "NAME\tTYPE\tSTATUS\tREPO\tBRANCH\tCOMMIT")
		for _, s := range stacks {
			commit := s.Commit
			if len(commit) > 7 {
				commit = commit[:7]
			}
			fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%s\t%s\n", s.Name, s.Kind, s.Status, s.URL, s.Branch, commit)
		}
		return w.Flush()
	},
}

var getCmd = &cobra.Command{
	Use:   "get [name]",
	Short: "Get stack details",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		var detail api.StackDetail
		if err := NewClient().GetJSON(stackPath(args[0]), &detail); err != nil {
			return fmt.Errorf("error getting stack: %w", err)
		}
		PrintJSON(detail)
		return nil
	},
}

var deleteCmd = &cobra.Command{
	Use:   "delete [name]",
	Short: "Stop a stack, remove its volumes and files, and delete it",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		if _, err := NewClient().Call(http.MethodDelete, stackPath(args[0]), nil, nil); err != nil {
			return fmt.Errorf("error deleting stack: %w", err)
		}
		fmt.Println("Stack deleted successfully.")
		return nil
	},
}

var checkTimeout time.Duration

var checkCmd = &cobra.Command{
	Use:   "check [name]",
	Short: "Check a git stack for upstream changes and deploy them",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		client := NewClient()
		client.Client.Timeout = checkTimeout

		var outcome struct {
			Updated bool   `json:"updated"`
			From    string `json:"from"`
			To      string `json:"to"`
		}
		resp, err := client.Call(http.MethodGet, stackPath(args[0], "run-check"), nil, &outcome)
		if err != nil {
			return fmt.Errorf("error checking stack: %w", err)
		}
		if outcome.Updated {
			fmt.Printf("%s: updated from %s to %s\n", resp.Message, outcome.From, outcome.To)
			return nil
		}
		fmt.Println(resp.Message)
		return nil
	},
}

// lifecycleCommand builds a command that runs one compose action and prints its log.
func lifecycleCommand(action, short string) *cobra.Command {
	return &cobra.Command{
		Use:   action + " [name]",
		Short: short,
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			client := NewClient()
			client.Client.Timeout = 10 * time.Minute

			var out struct {
				Log compose.Result `json:"log"`
			}
			resp, err := client.Call(http.MethodGet, stackPath(args[0], action), nil, &out)
			if err != nil {
				return fmt.Errorf("error running %s: %w", action, err)
			}
			fmt.Println(resp.Message)
			if out.Log.Stdout != "" {
				fmt.Print(out.Log.Stdout)
			}
			if out.Log.Stderr != "" {
				fmt.Fprint(os.Stderr, out.Log.Stderr)
			}
			return nil
		},
	}
}

var containersCmd = &cobra.Command{
	Use:   "containers [name] [container]",
	Short: "List a stack's containers, or show one container with its logs",
	Args:  cobra.RangeArgs(1, 2),
	RunE: func(cmd *cobra.Command, args []string) error {
		client := NewClient()
		if len(args) == 2 {
			var detail struct {
				api.Container
				Logs string `json:"logs"`
			}
			if err := client.GetJSON(stackPath(args[0], "containers", url.PathEscape(args[1])), &detail); err != nil {
				return fmt.Errorf("error getting container: %w", err)
			}
			fmt.Printf("%s (%s) %s\n\n", detail.Name, detail.Image, detail.State)
			fmt.Print(detail.Logs)
			return nil
		}

		var containers []api.Container
		if err := client.GetJSON(stackPath(args[0], "containers"), &containers); err != nil {
			return fmt.Errorf("error listing containers: %w", err)
		}
		w := tabwriter.NewWriter(os.Stdout, 0, 0, 3, ' ', 0)
		fmt.Fprintln(w, "NAME\tSERVICE\tIMAGE\tSTATE")
		for _, c := range containers {
			fmt.Fprintf(w, "%s\t%s\t%s\t%s\n", c.Name, c.Service, c.Image, c.State)
		}
		return w.Flush()
	},
}

func init() {
	rootCmd.AddCommand(stacksCmd)

	checkCmd.Flags().DurationVar(&checkTimeout, "timeout", 6*time.Minute, "How long to wait for the check")

	stacksCmd.AddCommand(
		listCmd,
		getCmd,
		deleteCmd,
		checkCmd,
		containersCmd,
		lifecycleCommand("start", "Start a stack's containers"),
		lifecycleCommand("stop", "Stop a stack's containers"),
		lifecycleCommand("restart", "Restart a stack's containers"),
	)
}
