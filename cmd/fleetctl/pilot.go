package main

import (
	"fmt"
	"net/url"

	"github.com/spf13/cobra"

	"github.com/flightline/fleet/pkg/models"
)

var pilotCmd = &cobra.Command{
	Use:   "pilot",
	Short: "Manage registered pilots",
}

var pilotListCmd = &cobra.Command{
	Use:   "list",
	Short: "List registered pilots",
	RunE: func(cmd *cobra.Command, args []string) error {
		capability, _ := cmd.Flags().GetString("capability")

		path := "/api/pilots"
		if capability != "" {
			path += "?capability=" + url.QueryEscape(capability)
		}

		var out struct {
			Pilots []models.Pilot `json:"pilots"`
			Count  int            `json:"count"`
		}
		if err := newClient().get(path, &out); err != nil {
			return finish(err)
		}

		if out.Count == 0 {
			fmt.Println("No pilots registered.")
			return nil
		}
		fmt.Printf("%-16s %-14s %-10s %-10s %s\n",
			"CALLSIGN", "AGENT_TYPE", "STATUS", "WORKLOAD", "LAST_HEARTBEAT")
		for _, p := range out.Pilots {
			fmt.Printf("%-16s %-14s %-10s %-10s %s ago\n",
				p.Callsign, p.AgentType, p.Status,
				fmt.Sprintf("%d/%d", p.CurrentWorkload, p.MaxWorkload),
				age(p.LastHeartbeat))
		}
		return nil
	},
}

var pilotGetCmd = &cobra.Command{
	Use:   "get CALLSIGN",
	Short: "Show one pilot",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		var p models.Pilot
		if err := newClient().get("/api/pilots/"+url.PathEscape(args[0]), &p); err != nil {
			return finish(err)
		}

		fmt.Printf("Callsign:   %s\n", p.Callsign)
		fmt.Printf("Pilot ID:   %s\n", p.PilotID)
		fmt.Printf("Agent type: %s\n", p.AgentType)
		fmt.Printf("Status:     %s\n", p.Status)
		fmt.Printf("Workload:   %d/%d\n", p.CurrentWorkload, p.MaxWorkload)
		fmt.Printf("Heartbeat:  %s ago\n", age(p.LastHeartbeat))
		if len(p.Capabilities) > 0 {
			fmt.Println("Capabilities:")
			for _, capability := range p.Capabilities {
				fmt.Printf("  %s\n", capability.Name)
			}
		}
		return nil
	},
}

var pilotAssignmentsCmd = &cobra.Command{
	Use:   "assignments CALLSIGN",
	Short: "List a pilot's active assignments",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		var out struct {
			Assignments []models.Assignment `json:"assignments"`
			Count       int                 `json:"count"`
		}
		if err := newClient().get("/api/pilots/"+url.PathEscape(args[0])+"/assignments", &out); err != nil {
			return finish(err)
		}

		if out.Count == 0 {
			fmt.Println("No active assignments.")
			return nil
		}
		fmt.Printf("%-40s %-40s %-10s %s\n", "ASSIGNMENT", "WORK_ORDER", "PROGRESS", "ASSIGNED")
		for _, a := range out.Assignments {
			fmt.Printf("%-40s %-40s %-10s %s ago\n",
				a.AssignmentID, a.WorkOrderID,
				fmt.Sprintf("%d%%", a.ProgressPercent), age(a.AssignedAt))
		}
		return nil
	},
}

var pilotDeregisterCmd = &cobra.Command{
	Use:   "deregister CALLSIGN",
	Short: "Deregister a pilot and release everything it holds",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		var out map[string]any
		if err := newClient().delete("/api/pilots/"+url.PathEscape(args[0]), &out); err != nil {
			return finish(err)
		}
		fmt.Printf("Deregistered pilot %s\n", args[0])
		return nil
	},
}

func init() {
	pilotListCmd.Flags().String("capability", "", "Only pilots advertising this capability")

	pilotCmd.AddCommand(pilotListCmd)
	pilotCmd.AddCommand(pilotGetCmd)
	pilotCmd.AddCommand(pilotAssignmentsCmd)
	pilotCmd.AddCommand(pilotDeregisterCmd)
	rootCmd.AddCommand(pilotCmd)
}
