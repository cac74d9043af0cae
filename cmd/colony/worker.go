package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/cuemby/colony/pkg/api"
	"github.com/cuemby/colony/pkg/types"
)

var workerCmd = &cobra.Command{
	Use:   "worker",
	Short: "Manage workers",
}

var workerListCmd = &cobra.Command{
	Use:   "list",
	Short: "List workers",
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, cancel := requestContext(cmd)
		defer cancel()

		status, _ := cmd.Flags().GetString("status")
		workers, err := newClient(cmd).ListWorkers(ctx, types.WorkerStatus(status))
		if err != nil {
			return err
		}
		if asJSON(cmd) {
			return printJSON(workers)
		}
		if len(workers) == 0 {
			fmt.Println("No workers running")
			return nil
		}

		tw := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
		fmt.Fprintln(tw, "ID\tSTATUS\tMODEL\tURL\tMESSAGES\tTASK")
		for _, w := range workers {
			fmt.Fprintf(tw, "%s\t%s\t%s\t%s\t%d\t%s\n",
				w.ID(), w.Status, w.Model, w.ServerURL, w.MessageCount, w.CurrentTask)
		}
		return tw.Flush()
	},
}

var workerGetCmd = &cobra.Command{
	Use:   "get ID",
	Short: "Show one worker",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, cancel := requestContext(cmd)
		defer cancel()

		w, err := newClient(cmd).GetWorker(ctx, args[0])
		if err != nil {
			return err
		}
		return printJSON(w)
	},
}

var workerSpawnCmd = &cobra.Command{
	Use:   "spawn ID",
	Short: "Spawn a worker from its profile",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, cancel := requestContext(cmd)
		defer cancel()

		w, err := newClient(cmd).SpawnWorker(ctx, args[0])
		if err != nil {
			return err
		}
		fmt.Printf("✓ Worker %s is %s at %s (session %s)\n", w.ID(), w.Status, w.ServerURL, w.SessionID)
		if w.Reused {
			fmt.Println("  reused an existing runtime")
		}
		if w.Warning != "" {
			fmt.Printf("  warning: %s\n", w.Warning)
		}
		return nil
	},
}

var workerStopCmd = &cobra.Command{
	Use:   "stop ID",
	Short: "Stop a worker",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, cancel := requestContext(cmd)
		defer cancel()

		if err := newClient(cmd).StopWorker(ctx, args[0]); err != nil {
			return err
		}
		fmt.Printf("✓ Worker %s stopped\n", args[0])
		return nil
	},
}

var workerSendCmd = &cobra.Command{
	Use:   "send ID MESSAGE...",
	Short: "Send a message to a worker",
	Args:  cobra.MinimumNArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, cancel := requestContext(cmd)
		defer cancel()

		async, _ := cmd.Flags().GetBool("async")
		ensure, _ := cmd.Flags().GetBool("ensure")
		files, _ := cmd.Flags().GetStringSlice("attach")
		from, _ := cmd.Flags().GetString("from")

		req := api.SendRequest{
			Message:     strings.Join(args[1:], " "),
			From:        from,
			RequestedBy: "cli",
			Ensure:      ensure,
		}
		for _, f := range files {
			req.Attachments = append(req.Attachments, types.Attachment{Path: f})
		}
		if d, _ := cmd.Flags().GetDuration("timeout"); d > 0 {
			req.Timeout = d.String()
		}

		c := newClient(cmd)
		if async {
			job, err := c.SendAsync(ctx, args[0], req)
			if err != nil {
				return err
			}
			fmt.Println(job.ID)
			return nil
		}

		res, err := c.Send(ctx, args[0], req)
		if err != nil {
			return err
		}
		if asJSON(cmd) {
			return printJSON(res)
		}
		fmt.Println(res.Response)
		return nil
	},
}

func init() {
	workerCmd.AddCommand(workerListCmd)
	workerCmd.AddCommand(workerGetCmd)
	workerCmd.AddCommand(workerSpawnCmd)
	workerCmd.AddCommand(workerStopCmd)
	workerCmd.AddCommand(workerSendCmd)

	workerListCmd.Flags().String("status", "", "Only list workers with this status")
	workerListCmd.Flags().Bool("json", false, "Print JSON")

	workerSendCmd.Flags().Bool("async", false, "Return a job id instead of waiting for the reply")
	workerSendCmd.Flags().Bool("ensure", false, "Spawn the worker if it is not running")
	workerSendCmd.Flags().StringSlice("attach", nil, "Attach a file or image (repeatable)")
	workerSendCmd.Flags().String("from", "", "Sender shown to the worker")
	workerSendCmd.Flags().Bool("json", false, "Print the full result as JSON")
}

func requestContext(cmd *cobra.Command) (context.Context, context.CancelFunc) {
	timeout, _ := cmd.Flags().GetDuration("timeout")
	if timeout <= 0 {
		return context.WithCancel(cmd.Context())
	}
	// Server-side send timeouts need room to report back.
	return context.WithTimeout(cmd.Context(), timeout+30*time.Second)
}

func asJSON(cmd *cobra.Command) bool {
	v, _ := cmd.Flags().GetBool("json")
	return v
}

func printJSON(v any) error {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
