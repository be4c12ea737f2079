package main

import (
	"fmt"
	"net/url"
	"sort"
	"strings"

	"github.com/spf13/cobra"

	"github.com/flightline/fleet/pkg/models"
)

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show coordinator status",
	RunE: func(cmd *cobra.Command, args []string) error {
		var out struct {
			Service            string           `json:"service"`
			Version            string           `json:"version"`
			UptimeSeconds      int64            `json:"uptime_seconds"`
			Pilots             map[string]int64 `json:"pilots"`
			Missions           map[string]int64 `json:"missions"`
			WorkOrders         map[string]int64 `json:"work_orders"`
			QueueDepth         int64            `json:"queue_depth"`
			ActiveReservations int64            `json:"active_reservations"`
			ActiveLocks        int64            `json:"active_locks"`
			EventsTotal        int64            `json:"events_total"`
			StreamClients      int              `json:"stream_clients"`
		}
		if err := newClient().get("/api/coordinator/status", &out); err != nil {
			return finish(err)
		}

		fmt.Printf("Coordinator:  %s (up %s)\n", out.Version, upFor(out.UptimeSeconds))
		fmt.Printf("Pilots:       %s\n", countsLine(out.Pilots))
		fmt.Printf("Missions:     %s\n", countsLine(out.Missions))
		fmt.Printf("Work orders:  %s\n", countsLine(out.WorkOrders))
		fmt.Printf("Queue depth:  %d\n", out.QueueDepth)
		fmt.Printf("Reservations: %d active\n", out.ActiveReservations)
		fmt.Printf("Locks:        %d active\n", out.ActiveLocks)
		fmt.Printf("Events:       %d recorded, %d stream clients\n",
			out.EventsTotal, out.StreamClients)
		return nil
	},
}

var dispatchCmd = &cobra.Command{
	Use:   "dispatch",
	Short: "Force one scheduler dispatch pass",
	RunE: func(cmd *cobra.Command, args []string) error {
		var out struct {
			Assigned int `json:"assigned"`
		}
		if err := newClient().post("/api/coordinator/dispatch", nil, &out); err != nil {
			return finish(err)
		}
		fmt.Printf("Dispatched %d work orders\n", out.Assigned)
		return nil
	},
}

var eventsCmd = &cobra.Command{
	Use:   "events",
	Short: "Query the event log",
	RunE: func(cmd *cobra.Command, args []string) error {
		streamType, _ := cmd.Flags().GetString("stream-type")
		streamID, _ := cmd.Flags().GetString("stream-id")
		eventType, _ := cmd.Flags().GetString("event-type")
		correlationID, _ := cmd.Flags().GetString("correlation")
		limit, _ := cmd.Flags().GetInt("limit")

		// With no filter at all, show the coordinator's own stream.
		if streamType == "" && eventType == "" && correlationID == "" {
			streamType, streamID = string(models.StreamSystem), "fleet"
		}

		q := url.Values{}
		if streamType != "" {
			q.Set("stream_type", streamType)
		}
		if streamID != "" {
			q.Set("stream_id", streamID)
		}
		if eventType != "" {
			q.Set("event_type", eventType)
		}
		if correlationID != "" {
			q.Set("correlation_id", correlationID)
		}
		if limit > 0 {
			q.Set("limit", fmt.Sprint(limit))
		}
		path := "/api/events"
		if len(q) > 0 {
			path += "?" + q.Encode()
		}

		var out struct {
			Events []models.Event `json:"events"`
			Count  int            `json:"count"`
		}
		if err := newClient().get(path, &out); err != nil {
			return finish(err)
		}

		if out.Count == 0 {
			fmt.Println("No events.")
			return nil
		}
		for _, e := range out.Events {
			fmt.Printf("%s  %s/%s #%d  %s  %s\n",
				e.OccurredAt.Format("2006-01-02 15:04:05"),
				e.StreamType, e.StreamID, e.Sequence, e.EventType,
				trunc(string(e.Data), 80))
		}
		return nil
	},
}

// upFor renders an uptime in the largest sensible unit.
func upFor(seconds int64) string {
	switch {
	case seconds < 60:
		return fmt.Sprintf("%ds", seconds)
	case seconds < 3600:
		return fmt.Sprintf("%dm", seconds/60)
	case seconds < 86400:
		return fmt.Sprintf("%dh%dm", seconds/3600, (seconds%3600)/60)
	default:
		return fmt.Sprintf("%dd%dh", seconds/86400, (seconds%86400)/3600)
	}
}

// countsLine renders a status->count map as "3 idle, 1 busy" in stable order.
func countsLine(counts map[string]int64) string {
	if len(counts) == 0 {
		return "none"
	}
	keys := make([]string, 0, len(counts))
	for k := range counts {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	parts := make([]string, 0, len(keys))
	for _, k := range keys {
		parts = append(parts, fmt.Sprintf("%d %s", counts[k], k))
	}
	return strings.Join(parts, ", ")
}

func init() {
	eventsCmd.Flags().String("stream-type", "", "Filter by stream type")
	eventsCmd.Flags().String("stream-id", "", "Filter by stream ID (requires --stream-type)")
	eventsCmd.Flags().String("event-type", "", "Filter by event type")
	eventsCmd.Flags().String("correlation", "", "All events sharing a correlation ID")
	eventsCmd.Flags().Int("limit", 50, "Maximum events to return")

	rootCmd.AddCommand(statusCmd)
	rootCmd.AddCommand(dispatchCmd)
	rootCmd.AddCommand(eventsCmd)
}
