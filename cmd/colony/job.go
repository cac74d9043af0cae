package main

import (
	"fmt"
	"os"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/cuemby/colony/pkg/jobs"
	"github.com/cuemby/colony/pkg/types"
)

var jobCmd = &cobra.Command{
	Use:   "job",
	Short: "Inspect asynchronous jobs",
}

var jobListCmd = &cobra.Command{
	Use:   "list",
	Short: "List jobs, newest first",
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, cancel := requestContext(cmd)
		defer cancel()

		worker, _ := cmd.Flags().GetString("worker")
		status, _ := cmd.Flags().GetString("status")
		limit, _ := cmd.Flags().GetInt("limit")

		list, err := newClient(cmd).ListJobs(ctx, worker, types.JobStatus(status), limit)
		if err != nil {
			return err
		}
		if asJSON(cmd) {
			return printJSON(list)
		}
		if len(list) == 0 {
			fmt.Println("No jobs")
			return nil
		}

		tw := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
		fmt.Fprintln(tw, "ID\tWORKER\tSTATUS\tCREATED\tDURATION\tMESSAGE")
		for _, j := range list {
			fmt.Fprintf(tw, "%s\t%s\t%s\t%s\t%s\t%s\n",
				j.ID, j.WorkerID, j.Status, j.CreatedAt.Format(time.DateTime), j.Duration.Round(time.Millisecond), jobs.Preview(j))
		}
		return tw.Flush()
	},
}

var jobGetCmd = &cobra.Command{
	Use:   "get ID",
	Short: "Show one job",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, cancel := requestContext(cmd)
		defer cancel()

		job, err := newClient(cmd).GetJob(ctx, args[0])
		if err != nil {
			return err
		}
		return printJSON(job)
	},
}

var jobAwaitCmd = &cobra.Command{
	Use:   "await ID",
	Short: "Wait for a job to complete",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, cancel := requestContext(cmd)
		defer cancel()

		wait, _ := cmd.Flags().GetDuration("wait")
		res, err := newClient(cmd).AwaitJob(ctx, args[0], wait)
		if err != nil {
			return err
		}
		if res.TimedOut {
			return fmt.Errorf("job %s still %s after %s", args[0], res.Job.Status, wait)
		}
		if asJSON(cmd) {
			return printJSON(res.Job)
		}
		if res.Job.Status == types.JobStatusFailed {
			return fmt.Errorf("job %s failed: %s", res.Job.ID, res.Job.Error)
		}
		fmt.Println(res.Job.Result)
		return nil
	},
}

func init() {
	jobCmd.AddCommand(jobListCmd)
	jobCmd.AddCommand(jobGetCmd)
	jobCmd.AddCommand(jobAwaitCmd)

	jobListCmd.Flags().String("worker", "", "Only jobs for this worker")
	jobListCmd.Flags().String("status", "", "Only jobs with this status (pending, succeeded, failed)")
	jobListCmd.Flags().Int("limit", 20, "Maximum number of jobs")
	jobListCmd.Flags().Bool("json", false, "Print JSON")

	jobAwaitCmd.Flags().Duration("wait", 5*time.Minute, "How long the server waits for completion")
	jobAwaitCmd.Flags().Bool("json", false, "Print the job as JSON")
}
