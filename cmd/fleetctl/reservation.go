package main

import (
	"fmt"
	"net/url"
	"time"

	"github.com/spf13/cobra"

	"github.com/flightline/fleet/pkg/models"
)

var reservationCmd = &cobra.Command{
	Use:     "reservation",
	Aliases: []string{"res"},
	Short:   "Inspect and release file reservations",
}

var reservationListCmd = &cobra.Command{
	Use:   "list",
	Short: "List active reservations",
	RunE: func(cmd *cobra.Command, args []string) error {
		callsign, _ := cmd.Flags().GetString("callsign")

		path := "/api/reservations"
		if callsign != "" {
			path += "?callsign=" + url.QueryEscape(callsign)
		}

		var out struct {
			Reservations []models.Reservation `json:"reservations"`
		}
		if err := newClient().get(path, &out); err != nil {
			return finish(err)
		}

		if len(out.Reservations) == 0 {
			fmt.Println("No active reservations.")
			return nil
		}
		fmt.Printf("%-40s %-14s %-6s %-10s %s\n", "ID", "HOLDER", "MODE", "EXPIRES", "PATH")
		for _, r := range out.Reservations {
			mode := "shared"
			if r.Exclusive {
				mode = "excl"
			}
			fmt.Printf("%-40s %-14s %-6s %-10s %s\n",
				r.ReservationID, r.HolderCallsign, mode, expiresIn(r.ExpiresAt), r.FilePath)
		}
		return nil
	},
}

var reservationReleaseCmd = &cobra.Command{
	Use:   "release ID",
	Short: "Release a reservation, forcing if --callsign is omitted",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		callsign, _ := cmd.Flags().GetString("callsign")
		q := url.Values{}
		if callsign != "" {
			q.Set("callsign", callsign)
		} else {
			// Operator override: release on behalf of whoever holds it.
			q.Set("callsign", "fleetctl")
			q.Set("force", "true")
		}
		var out map[string]any
		path := "/api/reservations/" + url.PathEscape(args[0]) + "?" + q.Encode()
		if err := newClient().delete(path, &out); err != nil {
			return finish(err)
		}
		fmt.Printf("Released reservation %s\n", args[0])
		return nil
	},
}

var lockCmd = &cobra.Command{
	Use:   "lock",
	Short: "Inspect and release coordination locks",
}

var lockListCmd = &cobra.Command{
	Use:   "list",
	Short: "List held locks",
	RunE: func(cmd *cobra.Command, args []string) error {
		var out struct {
			Locks []models.Lock `json:"locks"`
		}
		if err := newClient().get("/api/locks", &out); err != nil {
			return finish(err)
		}

		if len(out.Locks) == 0 {
			fmt.Println("No locks held.")
			return nil
		}
		fmt.Printf("%-40s %-20s %-10s %s\n", "ID", "HOLDER", "EXPIRES", "KEY")
		for _, l := range out.Locks {
			fmt.Printf("%-40s %-20s %-10s %s\n",
				l.LockID, l.HolderID, expiresIn(l.ExpiresAt), l.LockKey)
		}
		return nil
	},
}

var lockReleaseCmd = &cobra.Command{
	Use:   "release ID",
	Short: "Release a lock, forcing if --holder is omitted",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		holder, _ := cmd.Flags().GetString("holder")
		q := url.Values{}
		if holder != "" {
			q.Set("holder_id", holder)
		} else {
			q.Set("holder_id", "fleetctl")
			q.Set("force", "true")
		}
		var out map[string]any
		path := "/api/locks/" + url.PathEscape(args[0]) + "?" + q.Encode()
		if err := newClient().delete(path, &out); err != nil {
			return finish(err)
		}
		fmt.Printf("Released lock %s\n", args[0])
		return nil
	},
}

// expiresIn renders time remaining until t, or "expired".
func expiresIn(t time.Time) string {
	d := time.Until(t)
	if d <= 0 {
		return "expired"
	}
	if d < time.Minute {
		return fmt.Sprintf("%ds", int(d.Seconds()))
	}
	if d < time.Hour {
		return fmt.Sprintf("%dm", int(d.Minutes()))
	}
	return fmt.Sprintf("%dh", int(d.Hours()))
}

func init() {
	reservationListCmd.Flags().String("callsign", "", "Only reservations held by this pilot")
	reservationReleaseCmd.Flags().String("callsign", "", "Release as this holder instead of forcing")
	lockReleaseCmd.Flags().String("holder", "", "Release as this holder instead of forcing")

	reservationCmd.AddCommand(reservationListCmd)
	reservationCmd.AddCommand(reservationReleaseCmd)
	rootCmd.AddCommand(reservationCmd)

	lockCmd.AddCommand(lockListCmd)
	lockCmd.AddCommand(lockReleaseCmd)
	rootCmd.AddCommand(lockCmd)
}
