package main

import (
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/droverhq/drover/store"
)

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Print the queue and proxy picture for the group",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg := loadConfig()
		ctx := cmd.Context()

		st, err := store.NewPostgresStore(ctx, cfg.Database.DSN, cfg.Database.MaxConns)
		if err != nil {
			return fmt.Errorf("connect postgres: %w", err)
		}
		defer st.Close()

		stats, err := st.TaskStats(ctx, groupID)
		if err != nil {
			return err
		}
		fmt.Printf("Group %s\n", groupID)
		fmt.Printf("  tasks: %d total, %d pending, %d in progress, %d completed, %d blocked\n",
			stats.Total, stats.Pending, stats.InProgress, stats.Completed, stats.Blocked)
		for reason, n := range stats.BlockedByReason {
			fmt.Printf("    blocked %-24s %d\n", reason, n)
		}

		profiles, err := st.ListActiveProfiles(ctx, groupID)
		if err != nil {
			return err
		}
		fmt.Printf("  profiles: %d active\n", len(profiles))
		for _, p := range profiles {
			fmt.Printf("    %-20s sent %d this hour\n", p.ID, p.HourlySent)
		}

		proxies, err := st.ListProxies(ctx)
		if err != nil {
			return err
		}
		healthy, assigned := 0, 0
		for _, p := range proxies {
			if p.Healthy {
				healthy++
			}
			if p.AssignedProfileID != "" {
				assigned++
			}
		}
		fmt.Printf("  proxies: %d total, %d healthy, %d assigned\n", len(proxies), healthy, assigned)

		today := time.Now().UTC().Format("2006-01-02")
		daily, err := st.DailyStats(ctx, groupID, today)
		if err != nil {
			return err
		}
		if len(daily) > 0 {
			fmt.Printf("  today (%s):\n", today)
			for _, d := range daily {
				fmt.Printf("    %-20s sent %d, failed %d\n", d.ProfileID, d.Sent, d.Failed)
			}
		}
		return nil
	},
}

func init() {
	rootCmd.AddCommand(statusCmd)
}
