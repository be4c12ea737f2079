package main

import (
	"fmt"
	"net/url"

	"github.com/spf13/cobra"

	"github.com/flightline/fleet/pkg/models"
)

var orderCmd = &cobra.Command{
	Use:   "order",
	Short: "Manage work orders",
}

var orderListCmd = &cobra.Command{
	Use:   "list",
	Short: "List work orders",
	RunE: func(cmd *cobra.Command, args []string) error {
		status, _ := cmd.Flags().GetString("status")
		limit, _ := cmd.Flags().GetInt("limit")

		path := "/api/work-orders"
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
			WorkOrders []models.WorkOrder `json:"work_orders"`
			Count      int                `json:"count"`
		}
		if err := newClient().get(path, &out); err != nil {
			return finish(err)
		}

		if out.Count == 0 {
			fmt.Println("No work orders.")
			return nil
		}
		fmt.Printf("%-40s %-12s %-10s %-14s %-8s %s\n",
			"ID", "STATUS", "PRIORITY", "ASSIGNED", "AGE", "TYPE")
		for _, wo := range out.WorkOrders {
			assigned := wo.AssignedTo
			if assigned == "" {
				assigned = "-"
			}
			fmt.Printf("%-40s %-12s %-10s %-14s %-8s %s\n",
				wo.ID, wo.Status, wo.Priority, assigned, age(wo.CreatedAt), wo.WorkType)
		}
		return nil
	},
}

var orderGetCmd = &cobra.Command{
	Use:   "get ID",
	Short: "Show one work order with its dependencies",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		var out struct {
			WorkOrder    models.WorkOrder        `json:"work_order"`
			Dependencies []models.TaskDependency `json:"dependencies"`
		}
		if err := newClient().get("/api/work-orders/"+url.PathEscape(args[0]), &out); err != nil {
			return finish(err)
		}

		wo := out.WorkOrder
		fmt.Printf("Work order: %s\n", wo.ID)
		fmt.Printf("Type:       %s\n", wo.WorkType)
		fmt.Printf("Status:     %s\n", wo.Status)
		fmt.Printf("Priority:   %s\n", wo.Priority)
		if wo.SortieID != "" {
			fmt.Printf("Sortie:     %s\n", wo.SortieID)
		}
		if wo.AssignedTo != "" {
			fmt.Printf("Assigned:   %s\n", wo.AssignedTo)
		}
		if wo.RetryCount > 0 {
			fmt.Printf("Retries:    %d\n", wo.RetryCount)
		}
		if wo.LastError != "" {
			fmt.Printf("Last error: %s\n", wo.LastError)
		}
		if wo.Description != "" {
			fmt.Printf("About:      %s\n", wo.Description)
		}
		if len(out.Dependencies) > 0 {
			fmt.Printf("\nDependencies (%d):\n", len(out.Dependencies))
			for _, dep := range out.Dependencies {
				state := "waiting"
				if dep.Resolved {
					state = "resolved"
				}
				fmt.Printf("  %s -> %s (%s, %s)\n", dep.TaskID, dep.DependsOnTaskID, dep.Type, state)
			}
		}
		return nil
	},
}

var orderCreateCmd = &cobra.Command{
	Use:   "create WORK_TYPE",
	Short: "Submit a work order for scheduling",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		description, _ := cmd.Flags().GetString("description")
		priority, _ := cmd.Flags().GetString("priority")
		sortieID, _ := cmd.Flags().GetString("sortie")
		agentType, _ := cmd.Flags().GetString("agent-type")

		body := map[string]any{"work_type": args[0]}
		if description != "" {
			body["description"] = description
		}
		if priority != "" {
			body["priority"] = priority
		}
		if sortieID != "" {
			body["sortie_id"] = sortieID
		}
		if agentType != "" {
			body["preferred_agent_type"] = agentType
		}

		var wo models.WorkOrder
		if err := newClient().post("/api/work-orders", body, &wo); err != nil {
			return finish(err)
		}
		fmt.Printf("Submitted work order %s (%s)\n", wo.ID, wo.Status)
		return nil
	},
}

var orderCancelCmd = &cobra.Command{
	Use:   "cancel ID",
	Short: "Cancel a work order",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		reason, _ := cmd.Flags().GetString("reason")
		body := map[string]any{"status": string(models.WorkOrderCancelled)}
		if reason != "" {
			body["reason"] = reason
		}
		var wo models.WorkOrder
		if err := newClient().patch("/api/work-orders/"+url.PathEscape(args[0]), body, &wo); err != nil {
			return finish(err)
		}
		fmt.Printf("Cancelled work order %s\n", wo.ID)
		return nil
	},
}

var orderPriorityCmd = &cobra.Command{
	Use:   "priority ID PRIORITY",
	Short: "Change a work order's priority",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		var wo models.WorkOrder
		body := map[string]any{"priority": args[1]}
		if err := newClient().patch("/api/work-orders/"+url.PathEscape(args[0]), body, &wo); err != nil {
			return finish(err)
		}
		fmt.Printf("Work order %s priority is now %s\n", wo.ID, wo.Priority)
		return nil
	},
}

var orderDeleteCmd = &cobra.Command{
	Use:   "delete ID",
	Short: "Delete a work order, cancelling it first if still active",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		var out struct {
			WorkOrderID string `json:"work_order_id"`
			Deleted     bool   `json:"deleted"`
		}
		if err := newClient().delete("/api/work-orders/"+url.PathEscape(args[0]), &out); err != nil {
			return finish(err)
		}
		fmt.Printf("Deleted work order %s\n", out.WorkOrderID)
		return nil
	},
}

func init() {
	orderListCmd.Flags().String("status", "", "Filter by status")
	orderListCmd.Flags().Int("limit", 0, "Maximum work orders to list")

	orderCreateCmd.Flags().String("description", "", "What the work order asks for")
	orderCreateCmd.Flags().String("priority", "", "Priority (critical, high, medium, low)")
	orderCreateCmd.Flags().String("sortie", "", "Parent sortie ID")
	orderCreateCmd.Flags().String("agent-type", "", "Preferred pilot agent type")

	orderCancelCmd.Flags().String("reason", "", "Cancellation reason")

	orderCmd.AddCommand(orderListCmd)
	orderCmd.AddCommand(orderGetCmd)
	orderCmd.AddCommand(orderCreateCmd)
	orderCmd.AddCommand(orderCancelCmd)
	orderCmd.AddCommand(orderPriorityCmd)
	orderCmd.AddCommand(orderDeleteCmd)
	rootCmd.AddCommand(orderCmd)
}
