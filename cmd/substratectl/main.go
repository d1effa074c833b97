// Command substratectl is the operator CLI over the substrate daemon's
// internal endpoints.
package main

import (
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"os"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"silexa/substrate/internal/proxy"
)

var (
	daemonURL     string
	whitelistPath string
)

func main() {
	root := &cobra.Command{
		Use:           "substratectl",
		Short:         "Operate the agent execution substrate",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.PersistentFlags().StringVar(&daemonURL, "url", envDefault("SUBSTRATE_URL", "http://localhost:8080"), "substrated base URL")

	containers := &cobra.Command{Use: "containers", Short: "Inspect and reclaim sandbox containers"}
	containers.AddCommand(
		&cobra.Command{
			Use:   "list",
			Short: "List allocated and warm sandbox containers",
			RunE: func(cmd *cobra.Command, _ []string) error {
				return getJSON(cmd.OutOrStdout(), "/internal/containers")
			},
		},
		&cobra.Command{
			Use:   "reap",
			Short: "Run one reap pass now",
			RunE: func(cmd *cobra.Command, _ []string) error {
				return postJSON(cmd.OutOrStdout(), "/internal/reap")
			},
		},
	)

	whitelist := &cobra.Command{
		Use:   "whitelist",
		Short: "Show the egress whitelist",
		RunE: func(cmd *cobra.Command, _ []string) error {
			wl, err := proxy.LoadWhitelist(whitelistPath)
			if err != nil {
				return fmt.Errorf("load whitelist: %w", err)
			}
			for _, e := range wl.Entries() {
				methods := "ANY"
				if len(e.AllowedMethods) > 0 {
					methods = strings.Join(e.AllowedMethods, ",")
				}
				profile := e.SigningProfile
				if profile == "" {
					profile = "passthrough"
				}
				fmt.Fprintf(cmd.OutOrStdout(), "%-40s %-20s %s\n", e.HostPattern, methods, profile)
			}
			return nil
		},
	}
	whitelist.Flags().StringVar(&whitelistPath, "file", envDefault("SUBSTRATE_WHITELIST_PATH", "whitelist.yaml"), "whitelist file path")

	runs := &cobra.Command{
		Use:   "runs <conversation-id>",
		Short: "Show retained run records for a conversation",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return getJSON(cmd.OutOrStdout(), "/internal/runs/"+args[0])
		},
	}

	health := &cobra.Command{
		Use:   "health",
		Short: "Show orchestrator pool occupancy",
		RunE: func(cmd *cobra.Command, _ []string) error {
			return getJSON(cmd.OutOrStdout(), "/internal/health")
		},
	}

	files := &cobra.Command{
		Use:   "files <tenant> <conversation>",
		Short: "List a conversation's workspace files",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			return getJSON(cmd.OutOrStdout(), fmt.Sprintf("/tenants/%s/conversations/%s/files", args[0], args[1]))
		},
	}

	root.AddCommand(containers, whitelist, runs, health, files)

	if err := root.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "substratectl:", err)
		os.Exit(1)
	}
}

func httpClient() *http.Client {
	return &http.Client{Timeout: 30 * time.Second}
}

func getJSON(out io.Writer, path string) error {
	resp, err := httpClient().Get(strings.TrimRight(daemonURL, "/") + path)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	return renderJSON(out, resp)
}

func postJSON(out io.Writer, path string) error {
	resp, err := httpClient().Post(strings.TrimRight(daemonURL, "/")+path, "application/json", nil)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	return renderJSON(out, resp)
}

func renderJSON(out io.Writer, resp *http.Response) error {
	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return err
	}
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("%s: %s", resp.Status, strings.TrimSpace(string(body)))
	}
	var pretty any
	if err := json.Unmarshal(body, &pretty); err != nil {
		_, _ = out.Write(body)
		return nil
	}
	enc := json.NewEncoder(out)
	enc.SetIndent("", "  ")
	return enc.Encode(pretty)
}

func envDefault(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}
