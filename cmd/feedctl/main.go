// Command feedctl is an operator CLI talking to the pipeline's control
// HTTP surface: listing/adding/removing feeds, reading stats, inspecting
// what the scoring service has learned, printing the curated RSS export,
// and syncing corrected training scores back onto stored items.
package main

import (
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"os"
	"strings"

	"github.com/spf13/cobra"
)

var baseURL string

func main() {
	root := &cobra.Command{
		Use:   "feedctl",
		Short: "Operate the news-feed pipeline's control surface",
	}
	root.PersistentFlags().StringVar(&baseURL, "server", "http://localhost:8089", "pipeline control surface base URL")

	root.AddCommand(
		feedsListCmd(),
		feedsAddCmd(),
		feedsRemoveCmd(),
		statsCmd(),
		trainingSetCmd(),
		exportCmd(),
		trainingSyncCmd(),
	)

	if err := root.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func feedsListCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "feeds",
		Short: "List configured feeds",
		RunE: func(cmd *cobra.Command, args []string) error {
			return printJSON(httpGet(baseURL + "/feeds/"))
		},
	}
}

func feedsAddCmd() *cobra.Command {
	var name string
	cmd := &cobra.Command{
		Use:   "feeds-add <url>",
		Short: "Add a feed source",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			body, err := json.Marshal(map[string]string{"url": args[0], "name": name})
			if err != nil {
				return err
			}
			return printJSON(http.Post(baseURL+"/feeds/", "application/json", strings.NewReader(string(body))))
		},
	}
	cmd.Flags().StringVar(&name, "name", "", "display name for the feed")
	return cmd
}

func feedsRemoveCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "feeds-remove <id>",
		Short: "Remove a feed source",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			req, err := http.NewRequest(http.MethodDelete, baseURL+"/feeds/"+args[0], nil)
			if err != nil {
				return err
			}
			resp, err := http.DefaultClient.Do(req)
			if err != nil {
				return err
			}
			defer resp.Body.Close()
			fmt.Println(resp.Status)
			return nil
		},
	}
}

func statsCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "stats",
		Short: "Show pipeline statistics",
		RunE: func(cmd *cobra.Command, args []string) error {
			return printJSON(httpGet(baseURL + "/stats"))
		},
	}
}

func trainingSetCmd() *cobra.Command {
	var rankerURL string
	cmd := &cobra.Command{
		Use:   "training-set",
		Short: "Inspect what the scoring service has learned",
		RunE: func(cmd *cobra.Command, args []string) error {
			if rankerURL == "" {
				return fmt.Errorf("--ranker-url is required")
			}
			return printJSON(httpGet(rankerURL + "/training_set"))
		},
	}
	cmd.Flags().StringVar(&rankerURL, "ranker-url", "", "base URL of the scoring service")
	return cmd
}

// exportCmd prints the curated RSS export to stdout, mirroring the
// original implementation's `export_rss` CLI command.
func exportCmd() *cobra.Command {
	var minScore float64
	var limit int
	cmd := &cobra.Command{
		Use:   "export",
		Short: "Print the curated RSS export",
		RunE: func(cmd *cobra.Command, args []string) error {
			url := fmt.Sprintf("%s/export?min_score=%g&limit=%d", baseURL, minScore, limit)
			return printRaw(httpGet(url))
		},
	}
	cmd.Flags().Float64Var(&minScore, "min-score", 8.0, "minimum score to include")
	cmd.Flags().IntVar(&limit, "limit", 50, "maximum number of items to include")
	return cmd
}

// trainingSyncCmd asks the control surface to pull the scoring service's
// training set and write corrected scores back onto stored items,
// mirroring the original implementation's `update_trained` CLI command.
func trainingSyncCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "training-sync",
		Short: "Sync corrected scores from the scoring service's training set",
		RunE: func(cmd *cobra.Command, args []string) error {
			return printJSON(http.Post(baseURL+"/training-sync", "application/json", nil))
		},
	}
}

func httpGet(url string) (*http.Response, error) {
	return http.Get(url)
}

func printRaw(resp *http.Response, err error) error {
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return err
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return fmt.Errorf("server returned %s: %s", resp.Status, string(body))
	}
	fmt.Println(string(body))
	return nil
}

func printJSON(resp *http.Response, err error) error {
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return err
	}

	var pretty interface{}
	if err := json.Unmarshal(body, &pretty); err != nil {
		fmt.Println(string(body))
		return nil
	}
	out, err := json.MarshalIndent(pretty, "", "  ")
	if err != nil {
		return err
	}
	fmt.Println(string(out))
	return nil
}
