package main

import (
	"fmt"
	"net/url"

	"github.com/spf13/cobra"

	"github.com/flightline/fleet/pkg/models"
)

var missionCmd = &cobra.Command{
	Use:   "mission",
	Short: "Manage missions",
}

var missionListCmd = &cobra.Command{
	Use:   "list",
	Short: "List missions",
	RunE: func(cmd *cobra.Command, args []string) error {
		status, _ := cmd.Flags().GetString("status")
		limit, _ := cmd.Flags().GetInt("limit")

		path := "/api/missions"
		q := url.Values{}
		if status != "" {
			q.Set("status", status)
		}
		if limit > 0 {
			q.Set("limit", fmt.Sprint(limit))
		}
		if len(q) > 0 {
			path += "?" + q.Encode()
		}

		var out struct {
			Missions []models.Mission `json:"missions"`
			Count    int              `json:"count"`
		}
		if err := newClient().get(path, &out); err != nil {
			return finish(err)
		}

		if out.Count == 0 {
			fmt.Println("No missions.")
			return nil
		}
		fmt.Printf("%-42s %-12s %-10s %-8s %s\n", "ID", "STATUS", "PRIORITY", "AGE", "TITLE")
		for _, m := range out.Missions {
			fmt.Printf("%-42s %-12s %-10s %-8s %s\n",
				m.ID, m.Status, m.Priority, age(m.CreatedAt), trunc(m.Title, 60))
		}
		return nil
	},
}

var missionGetCmd = &cobra.Command{
	Use:   "get ID",
	Short: "Show one mission with its sorties and work orders",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		var out struct {
			Mission    models.Mission                `json:"mission"`
			Sorties    []models.Sortie               `json:"sorties"`
			WorkOrders map[string][]models.WorkOrder `json:"work_orders"`
		}
		if err := newClient().get("/api/missions/"+url.PathEscape(args[0])+"/overview", &out); err != nil {
			return finish(err)
		}

		m := out.Mission
		fmt.Printf("Mission:  %s\n", m.ID)
		fmt.Printf("Title:    %s\n", m.Title)
		fmt.Printf("Status:   %s\n", m.Status)
		fmt.Printf("Priority: %s\n", m.Priority)
		if m.Description != "" {
			fmt.Printf("About:    %s\n", m.Description)
		}
		for _, s := range out.Sorties {
			line := fmt.Sprintf("\nSortie %s  %s", s.ID, s.Status)
			if s.AssignedTo != "" {
				line += "  " + s.AssignedTo
			}
			if s.BlockedReason != "" {
				line += "  (" + trunc(s.BlockedReason, 40) + ")"
			}
			fmt.Println(line)
			for _, wo := range out.WorkOrders[s.ID] {
				fmt.Printf("  %-42s %-12s %-10s %s\n",
					wo.ID, wo.Status, wo.Priority, trunc(wo.Description, 50))
			}
		}
		return nil
	},
}

var missionCreateCmd = &cobra.Command{
	Use:   "create TITLE",
	Short: "Create a mission",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		description, _ := cmd.Flags().GetString("description")
		missionType, _ := cmd.Flags().GetString("type")
		priority, _ := cmd.Flags().GetString("priority")
		launch, _ := cmd.Flags().GetBool("launch")

		body := map[string]any{"title": args[0]}
		if description != "" {
			body["description"] = description
		}
		if missionType != "" {
			body["mission_type"] = missionType
		}
		if priority != "" {
			body["priority"] = priority
		}

		cl := newClient()
		var mission models.Mission
		if err := cl.post("/api/missions", body, &mission); err != nil {
			return finish(err)
		}
		fmt.Printf("Created mission %s (%s)\n", mission.ID, mission.Status)

		if launch {
			if err := cl.post("/api/missions/"+mission.ID+"/launch", nil, &mission); err != nil {
				return finish(err)
			}
			fmt.Printf("Launched mission %s (%s)\n", mission.ID, mission.Status)
		}
		return nil
	},
}

var missionLaunchCmd = &cobra.Command{
	Use:   "launch ID",
	Short: "Launch a pending mission",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		var mission models.Mission
		if err := newClient().post("/api/missions/"+url.PathEscape(args[0])+"/launch", nil, &mission); err != nil {
			return finish(err)
		}
		fmt.Printf("Launched mission %s (%s)\n", mission.ID, mission.Status)
		return nil
	},
}

var missionCancelCmd = &cobra.Command{
	Use:   "cancel ID",
	Short: "Cancel a mission and its unfinished work",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		reason, _ := cmd.Flags().GetString("reason")
		body := map[string]any{}
		if reason != "" {
			body["reason"] = reason
		}
		var out struct {
			MissionID string `json:"mission_id"`
			Status    string `json:"status"`
		}
		if err := newClient().post("/api/missions/"+url.PathEscape(args[0])+"/cancel", body, &out); err != nil {
			return finish(err)
		}
		fmt.Printf("Cancelled mission %s\n", out.MissionID)
		return nil
	},
}

var missionArchiveCmd = &cobra.Command{
	Use:   "archive ID",
	Short: "Archive a finished mission",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		var out struct {
			MissionID string `json:"mission_id"`
			Status    string `json:"status"`
		}
		if err := newClient().post("/api/missions/"+url.PathEscape(args[0])+"/archive", nil, &out); err != nil {
			return finish(err)
		}
		fmt.Printf("Archived mission %s\n", out.MissionID)
		return nil
	},
}

var missionResumeCmd = &cobra.Command{
	Use:   "resume ID",
	Short: "Resume a mission from its latest checkpoint",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		checkpointID, _ := cmd.Flags().GetString("checkpoint")
		body := map[string]any{}
		if checkpointID != "" {
			body["checkpoint_id"] = checkpointID
		}
		var out map[string]any
		if err := newClient().post("/api/missions/"+url.PathEscape(args[0])+"/resume", body, &out); err != nil {
			return finish(err)
		}
		fmt.Printf("Resume briefing issued for mission %s\n", args[0])
		return nil
	},
}

func init() {
	missionListCmd.Flags().String("status", "", "Filter by status")
	missionListCmd.Flags().Int("limit", 0, "Maximum missions to list")

	missionCreateCmd.Flags().String("description", "", "Mission description")
	missionCreateCmd.Flags().String("type", "", "Mission type (feature, bug_fix, refactor, ...)")
	missionCreateCmd.Flags().String("priority", "", "Priority (critical, high, medium, low)")
	missionCreateCmd.Flags().Bool("launch", false, "Launch immediately after creating")

	missionCancelCmd.Flags().String("reason", "", "Cancellation reason")
	missionResumeCmd.Flags().String("checkpoint", "", "Resume from a specific checkpoint")

	missionCmd.AddCommand(missionListCmd)
	missionCmd.AddCommand(missionGetCmd)
	missionCmd.AddCommand(missionCreateCmd)
	missionCmd.AddCommand(missionLaunchCmd)
	missionCmd.AddCommand(missionCancelCmd)
	missionCmd.AddCommand(missionArchiveCmd)
	missionCmd.AddCommand(missionResumeCmd)
	rootCmd.AddCommand(missionCmd)
}
