package main

import (
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/cuemby/colony/pkg/events"
)

var eventsCmd = &cobra.Command{
	Use:   "events",
	Short: "Tail engine events",
	RunE: func(cmd *cobra.Command, args []string) error {
		worker, _ := cmd.Flags().GetString("worker")
		typeFilter, _ := cmd.Flags().GetStringSlice("type")
		jsonOut := asJSON(cmd)

		return newClient(cmd).StreamEvents(cmd.Context(), worker, typeFilter, func(ev *events.Event) error {
			if jsonOut {
				return printJSON(ev)
			}
			fmt.Printf("%s  %-22s %-12s %s\n", ev.Timestamp.Format(time.TimeOnly), ev.Type, ev.WorkerID, ev.Message)
			return nil
		})
	},
}

func init() {
	eventsCmd.Flags().String("worker", "", "Only events for this worker")
	eventsCmd.Flags().StringSlice("type", nil, "Only events of these types")
	eventsCmd.Flags().Bool("json", false, "Print events as JSON")
}
