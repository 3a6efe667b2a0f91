package cli

// ============================================================================
// 遠端指令：透過 gRPC 呼叫執行中的 dispatcher
// ============================================================================

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/ChuLiYu/forge-dispatch/internal/orchestrator"
	"github.com/ChuLiYu/forge-dispatch/internal/projectctx"
	"github.com/ChuLiYu/forge-dispatch/internal/server"
)

const requestTimeout = 10 * time.Second

// Overridden in tests.
var (
	dialClient = func(addr string) (*server.Client, error) { return server.Dial(addr) }
	runMigrate = projectctx.Migrate
)

// withClient dials the dispatcher, runs fn and closes the connection.
func withClient(cmd *cobra.Command, fn func(ctx context.Context, c *server.Client) (orchestrator.ToolResponse, error)) error {
	client, err := dialClient(serverAddr)
	if err != nil {
		return err
	}
	defer client.Close()

	ctx, cancel := context.WithTimeout(cmd.Context(), requestTimeout)
	defer cancel()

	resp, err := fn(ctx, client)
	if err != nil {
		return fmt.Errorf("request to %s failed: %w", serverAddr, err)
	}
	return printResponse(cmd.OutOrStdout(), resp)
}

// printResponse writes resp as indented JSON; an unsuccessful response
// becomes the command's error.
func printResponse(w io.Writer, resp orchestrator.ToolResponse) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	if err := enc.Encode(resp); err != nil {
		return err
	}
	if !resp.Success {
		return fmt.Errorf("%s", resp.Error)
	}
	return nil
}

func buildSubmitCommand() *cobra.Command {
	var userID, projectID string
	var history []string

	cmd := &cobra.Command{
		Use:   "submit <text>",
		Short: "Submit a natural-language request",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			req := orchestrator.Request{
				Text:      strings.Join(args, " "),
				UserID:    userID,
				ProjectID: projectID,
				History:   history,
			}
			return withClient(cmd, func(ctx context.Context, c *server.Client) (orchestrator.ToolResponse, error) {
				return c.ProcessRequest(ctx, req)
			})
		},
	}

	cmd.Flags().StringVarP(&userID, "user", "u", "", "requesting user id")
	cmd.Flags().StringVarP(&projectID, "project", "p", "", "project id")
	cmd.Flags().StringArrayVar(&history, "history", nil, "earlier conversation turn (repeatable)")
	_ = cmd.MarkFlagRequired("user")
	_ = cmd.MarkFlagRequired("project")
	return cmd
}

func buildStatusCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "status <queue> <job-id>",
		Short: "Show job status and progress",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withClient(cmd, func(ctx context.Context, c *server.Client) (orchestrator.ToolResponse, error) {
				return c.GetJobStatus(ctx, args[0], args[1])
			})
		},
	}
}

func buildCancelCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "cancel <queue> <job-id>",
		Short: "Cancel a waiting, delayed or active job",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withClient(cmd, func(ctx context.Context, c *server.Client) (orchestrator.ToolResponse, error) {
				return c.CancelJob(ctx, args[0], args[1])
			})
		},
	}
}

func buildStatsCommand() *cobra.Command {
	var asJSON bool

	cmd := &cobra.Command{
		Use:   "stats [queue]",
		Short: "Show queue statistics",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			queue := ""
			if len(args) == 1 {
				queue = args[0]
			}
			client, err := dialClient(serverAddr)
			if err != nil {
				return err
			}
			defer client.Close()

			ctx, cancel := context.WithTimeout(cmd.Context(), requestTimeout)
			defer cancel()
			resp, err := client.GetQueueStats(ctx, queue)
			if err != nil {
				return fmt.Errorf("request to %s failed: %w", serverAddr, err)
			}
			if asJSON || !resp.Success {
				return printResponse(cmd.OutOrStdout(), resp)
			}
			return printStats(cmd.OutOrStdout(), resp)
		},
	}

	cmd.Flags().BoolVar(&asJSON, "json", false, "print raw JSON")
	return cmd
}

// printStats renders queue statistics as a table.
func printStats(w io.Writer, resp orchestrator.ToolResponse) error {
	rows := []map[string]any{resp.Data}
	if list, ok := resp.Data["queues"].([]any); ok {
		rows = rows[:0]
		for _, item := range list {
			if m, ok := item.(map[string]any); ok {
				rows = append(rows, m)
			}
		}
	}

	fmt.Fprintln(w, "╔═══════════════════════════════════════════════════════════════════════╗")
	fmt.Fprintln(w, "║                     Forge-Dispatch Queue Status                       ║")
	fmt.Fprintln(w, "╚═══════════════════════════════════════════════════════════════════════╝")
	fmt.Fprintf(w, "%-20s %8s %8s %8s %10s %8s %10s\n", "QUEUE", "WAITING", "DELAYED", "ACTIVE", "COMPLETED", "FAILED", "CANCELLED")
	for _, r := range rows {
		fmt.Fprintf(w, "%-20v %8v %8v %8v %10v %8v %10v\n",
			r["queue"], r["waiting"], r["delayed"], r["active"], r["completed"], r["failed"], r["cancelled"])
	}
	return nil
}

func buildEnqueueCommand() *cobra.Command {
	var jobFile string

	cmd := &cobra.Command{
		Use:   "enqueue",
		Short: "Enqueue typed jobs from a JSON file",
		Long:  "Read job definitions from a JSON file and submit them directly, bypassing intent routing.",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			specs, err := readJobFile(jobFile)
			if err != nil {
				return err
			}
			return enqueueJobs(cmd, specs)
		},
	}

	cmd.Flags().StringVarP(&jobFile, "file", "f", "", "JSON file containing job definitions")
	_ = cmd.MarkFlagRequired("file")
	return cmd
}

func readJobFile(path string) ([]server.EnqueueSpec, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read job file: %w", err)
	}
	var specs []server.EnqueueSpec
	if err := json.Unmarshal(data, &specs); err != nil {
		return nil, fmt.Errorf("failed to parse job file: %w", err)
	}
	for i, s := range specs {
		if s.Queue == "" {
			return nil, fmt.Errorf("failed to parse job file: job #%d has no queue", i+1)
		}
	}
	return specs, nil
}

// enqueueJobs submits every spec, reporting failures without stopping.
func enqueueJobs(cmd *cobra.Command, specs []server.EnqueueSpec) error {
	client, err := dialClient(serverAddr)
	if err != nil {
		return err
	}
	defer client.Close()

	out := cmd.OutOrStdout()
	ctx, cancel := context.WithTimeout(cmd.Context(), requestTimeout)
	defer cancel()

	succeeded := 0
	for i, spec := range specs {
		resp, err := client.EnqueueJob(ctx, spec)
		switch {
		case err != nil:
			fmt.Fprintf(out, "job #%d (%s): %v\n", i+1, spec.Queue, err)
		case !resp.Success:
			fmt.Fprintf(out, "job #%d (%s): rejected: %s\n", i+1, spec.Queue, resp.Error)
		default:
			fmt.Fprintf(out, "job #%d (%s): %v\n", i+1, spec.Queue, resp.Data["jobId"])
			succeeded++
		}
	}
	fmt.Fprintf(out, "Successfully submitted %d/%d jobs to %s\n", succeeded, len(specs), serverAddr)
	if succeeded < len(specs) {
		return fmt.Errorf("%d of %d jobs were not enqueued", len(specs)-succeeded, len(specs))
	}
	return nil
}

func buildCleanCommand() *cobra.Command {
	var maxAge time.Duration

	cmd := &cobra.Command{
		Use:   "clean <queue>",
		Short: "Remove finished jobs older than --max-age",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withClient(cmd, func(ctx context.Context, c *server.Client) (orchestrator.ToolResponse, error) {
				return c.CleanQueue(ctx, args[0], maxAge.String())
			})
		},
	}

	cmd.Flags().DurationVar(&maxAge, "max-age", 24*time.Hour, "minimum age of removed jobs")
	return cmd
}

func buildFailedCommand() *cobra.Command {
	var userID string
	var limit int

	cmd := &cobra.Command{
		Use:   "failed",
		Short: "List jobs that failed for good, newest first",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			if limit < 0 {
				return fmt.Errorf("--limit must not be negative")
			}
			return withClient(cmd, func(ctx context.Context, c *server.Client) (orchestrator.ToolResponse, error) {
				return c.GetFailedJobs(ctx, userID, limit)
			})
		},
	}

	cmd.Flags().StringVarP(&userID, "user", "u", "", "only this user's jobs")
	cmd.Flags().IntVar(&limit, "limit", 100, "maximum number of jobs")
	return cmd
}
