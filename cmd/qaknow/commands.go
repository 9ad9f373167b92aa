package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/url"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"syscall"

	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/mark3labs/mcp-go/server"
	"github.com/spf13/cobra"

	"github.com/kalambet/qaknow/internal/api"
	"github.com/kalambet/qaknow/internal/config"
	"github.com/kalambet/qaknow/internal/keys"
	"github.com/kalambet/qaknow/internal/resolver"
)

// --- mcp ---

var mcpCmd = &cobra.Command{
	Use:   "mcp",
	Short: "Serve the resolution tools over MCP (stdio)",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := config.Load()
		if err != nil {
			return err
		}
		// stdout carries the protocol; logs go to stderr.
		setupLogging(cfg.Log.Level)

		ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
		defer stop()

		svc, err := openServices(cfg)
		if err != nil {
			return err
		}
		defer svc.Close()

		mcpSrv := api.NewMCPServer(api.MCPDeps{
			Selectors: svc.selectors,
			Data:      svc.data,
			Tickets:   svc.tickets,
			Jobs:      svc.store,
		}, version)
		stdioSrv := server.NewStdioServer(mcpSrv)
		if err := stdioSrv.Listen(ctx, os.Stdin, os.Stdout); err != nil && !errors.Is(err, context.Canceled) {
			return fmt.Errorf("MCP stdio server: %w", err)
		}
		return nil
	},
}

// --- jobs ---

var jobsCmd = &cobra.Command{
	Use:   "jobs",
	Short: "Inspect and manage queued jobs",
}

type jobRow struct {
	ID          string `json:"id"`
	Queue       string `json:"queue"`
	EntityID    string `json:"entity_id"`
	State       string `json:"state"`
	Attempts    int    `json:"attempts"`
	MaxAttempts int    `json:"max_attempts"`
	LastError   string `json:"last_error"`
	UpdatedAt   string `json:"updated_at"`
}

func stateColor(state string) string {
	switch state {
	case "completed":
		return colorize(colorGreen, state)
	case "failed":
		return colorize(colorRed, state)
	case "active":
		return colorize(colorCyan, state)
	case "delayed":
		return colorize(colorYellow, state)
	default:
		return state
	}
}

func truncate(s string, n int) string {
	r := []rune(s)
	if len(r) <= n {
		return s
	}
	return string(r[:n]) + "..."
}

func jobsListPath(queueName, state string, limit int) string {
	q := url.Values{}
	if queueName != "" {
		q.Set("queue", queueName)
	}
	if state != "" {
		q.Set("state", state)
	}
	q.Set("limit", strconv.Itoa(limit))
	return "/jobs?" + q.Encode()
}

var jobsListCmd = &cobra.Command{
	Use:   "list",
	Short: "List jobs, newest first",
	RunE: func(cmd *cobra.Command, args []string) error {
		state, _ := cmd.Flags().GetString("state")
		queueName, _ := cmd.Flags().GetString("queue")
		limit, _ := cmd.Flags().GetInt("limit")

		client, err := newAPIClient()
		if err != nil {
			return err
		}
		resp, err := client.get(cmd.Context(), jobsListPath(queueName, state, limit))
		if err != nil {
			return err
		}
		var jobs []jobRow
		if err := decodeJSON(resp, &jobs); err != nil {
			return err
		}

		if len(jobs) == 0 {
			fmt.Println("No jobs found.")
			return nil
		}
		rows := make([]table.Row, 0, len(jobs))
		for _, j := range jobs {
			rows = append(rows, table.Row{
				j.ID, j.Queue, j.EntityID, stateColor(j.State),
				fmt.Sprintf("%d/%d", j.Attempts, j.MaxAttempts),
				j.UpdatedAt, truncate(j.LastError, 60),
			})
		}
		renderTable(os.Stdout, table.Row{"ID", "Queue", "Entity", "State", "Attempts", "Updated", "Last error"}, rows)
		return nil
	},
}

var jobsShowCmd = &cobra.Command{
	Use:   "show <id>",
	Short: "Show a single job",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		client, err := newAPIClient()
		if err != nil {
			return err
		}
		resp, err := client.get(cmd.Context(), "/jobs/"+url.PathEscape(args[0]))
		if err != nil {
			return err
		}
		var job any
		if err := decodeJSON(resp, &job); err != nil {
			return err
		}
		enc := json.NewEncoder(os.Stdout)
		enc.SetIndent("", "  ")
		return enc.Encode(job)
	},
}

var jobsCountsCmd = &cobra.Command{
	Use:   "counts",
	Short: "Show job counts per state",
	RunE: func(cmd *cobra.Command, args []string) error {
		queueName, _ := cmd.Flags().GetString("queue")
		client, err := newAPIClient()
		if err != nil {
			return err
		}
		path := "/jobs/counts"
		if queueName != "" {
			path += "?queue=" + url.QueryEscape(queueName)
		}
		resp, err := client.get(cmd.Context(), path)
		if err != nil {
			return err
		}
		var counts map[string]int
		if err := decodeJSON(resp, &counts); err != nil {
			return err
		}
		fmt.Println(formatCounts(counts))
		return nil
	},
}

var jobsRetryCmd = &cobra.Command{
	Use:   "retry <id>",
	Short: "Move a failed job back to waiting",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		client, err := newAPIClient()
		if err != nil {
			return err
		}
		resp, err := client.post(cmd.Context(), "/jobs/"+url.PathEscape(args[0])+"/retry", nil)
		if err != nil {
			return err
		}
		var result map[string]string
		if err := decodeJSON(resp, &result); err != nil {
			return err
		}
		printSuccess("Job %s queued for retry", args[0])
		return nil
	},
}

var jobsRemoveCmd = &cobra.Command{
	Use:   "remove <id>",
	Short: "Delete a job that is not active",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		client, err := newAPIClient()
		if err != nil {
			return err
		}
		resp, err := client.delete(cmd.Context(), "/jobs/"+url.PathEscape(args[0]))
		if err != nil {
			return err
		}
		var result map[string]string
		if err := decodeJSON(resp, &result); err != nil {
			return err
		}
		printSuccess("Job %s removed", args[0])
		return nil
	},
}

func init() {
	jobsListCmd.Flags().String("state", "", "filter by state (waiting, delayed, active, completed, failed)")
	jobsListCmd.Flags().String("queue", "", "filter by queue")
	jobsListCmd.Flags().Int("limit", 50, "maximum number of jobs to list")
	jobsCountsCmd.Flags().String("queue", "", "restrict to one queue")
	jobsCmd.AddCommand(jobsListCmd, jobsShowCmd, jobsCountsCmd, jobsRetryCmd, jobsRemoveCmd)
}

// --- knowledge ---

var knowledgeCmd = &cobra.Command{
	Use:   "knowledge",
	Short: "Inspect stored knowledge",
}

var knowledgeSelectorsCmd = &cobra.Command{
	Use:   "selectors",
	Short: "List stored selectors for a project",
	RunE: func(cmd *cobra.Command, args []string) error {
		project, _ := cmd.Flags().GetString("project")
		application, _ := cmd.Flags().GetString("application")
		limit, _ := cmd.Flags().GetInt("limit")
		if project == "" {
			return fmt.Errorf("--project is required")
		}

		q := url.Values{}
		q.Set("project_id", project)
		if application != "" {
			q.Set("application_id", application)
		}
		q.Set("limit", strconv.Itoa(limit))

		client, err := newAPIClient()
		if err != nil {
			return err
		}
		resp, err := client.get(cmd.Context(), "/knowledge/selectors?"+q.Encode())
		if err != nil {
			return err
		}
		var records []struct {
			ApplicationID  string `json:"application_id"`
			SemanticKey    string `json:"semantic_key"`
			Selector       string `json:"selector"`
			UsageCount     int    `json:"usage_count"`
			LastVerifiedAt string `json:"last_verified_at"`
		}
		if err := decodeJSON(resp, &records); err != nil {
			return err
		}

		if len(records) == 0 {
			fmt.Println("No selectors stored.")
			return nil
		}
		rows := make([]table.Row, 0, len(records))
		for _, k := range records {
			rows = append(rows, table.Row{k.ApplicationID, k.SemanticKey, k.Selector, k.UsageCount, k.LastVerifiedAt})
		}
		renderTable(os.Stdout, table.Row{"Application", "Key", "Selector", "Uses", "Last verified"}, rows)
		return nil
	},
}

func init() {
	knowledgeSelectorsCmd.Flags().String("project", "", "project id")
	knowledgeSelectorsCmd.Flags().String("application", "", "application id")
	knowledgeSelectorsCmd.Flags().Int("limit", 100, "maximum number of selectors to list")
	knowledgeCmd.AddCommand(knowledgeSelectorsCmd)
}

// --- key ---

var keyCmd = &cobra.Command{
	Use:   "key",
	Short: "Preview knowledge keys",
}

var keySelectorCmd = &cobra.Command{
	Use:   "selector <description>",
	Short: "Print the semantic key for a step description",
	Args:  cobra.MinimumNArgs(1),
	Run: func(cmd *cobra.Command, args []string) {
		description := strings.Join(args, " ")
		cmd.Println(resolver.KeyFor(resolver.SelectorRequest{Description: description}))
	},
}

var keyDataCmd = &cobra.Command{
	Use:   "data",
	Short: "Print the data key for a requirement",
	RunE: func(cmd *cobra.Command, args []string) error {
		scenario, _ := cmd.Flags().GetString("scenario")
		role, _ := cmd.Flags().GetString("role")
		typ, _ := cmd.Flags().GetString("type")
		if strings.TrimSpace(scenario) == "" || strings.TrimSpace(typ) == "" {
			return fmt.Errorf("--scenario and --type are required")
		}
		cmd.Println(keys.BuildDataKey(scenario, role, typ))
		return nil
	},
}

func init() {
	keyDataCmd.Flags().String("scenario", "", "data scenario, e.g. \"valid login\"")
	keyDataCmd.Flags().String("role", "", "optional role, e.g. admin")
	keyDataCmd.Flags().String("type", "", "requirement type, e.g. credentials")
	keyCmd.AddCommand(keySelectorCmd, keyDataCmd)
}

// --- config ---

var configCmd = &cobra.Command{
	Use:   "config",
	Short: "Show or update configuration",
}

var configShowCmd = &cobra.Command{
	Use:   "show",
	Short: "Show current configuration",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := config.Load()
		if err != nil {
			return err
		}

		for _, k := range config.ShowAll(cfg) {
			cmd.Printf("  %s = %s\n", colorize(colorBold, k.Key), k.Value)
		}
		return nil
	},
}

var configSetCmd = &cobra.Command{
	Use:   "set <key> <value>",
	Short: "Set a configuration value",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		key, value := args[0], args[1]

		if err := config.SetKey(config.FilePath(), key, value); err != nil {
			return err
		}

		printSuccess("Set %s = %s", key, value)
		return nil
	},
}

func init() {
	configCmd.AddCommand(configShowCmd, configSetCmd)
}
