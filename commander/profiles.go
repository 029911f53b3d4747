package main

import (
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/droverhq/drover/config"
	"github.com/droverhq/drover/store"
)

var profileName string

var addProfileCmd = &cobra.Command{
	Use:   "add-profile <id>",
	Short: "Register a browser profile in the group",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return withStore(cmd, func(_ *config.Config, st *store.PostgresStore) error {
			name := profileName
			if name == "" {
				name = args[0]
			}
			err := st.UpsertProfile(cmd.Context(), &store.Profile{
				ID:      args[0],
				GroupID: groupID,
				Name:    name,
				Active:  true,
			})
			if err != nil {
				return err
			}
			fmt.Printf("profile %s registered in group %s\n", args[0], groupID)
			return nil
		})
	},
}

var unblockCmd = &cobra.Command{
	Use:   "unblock <reason>",
	Short: "Return tasks blocked with the given reason to pending",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return withStore(cmd, func(_ *config.Config, st *store.PostgresStore) error {
			n, err := st.UnblockTasks(cmd.Context(), groupID, args[0], time.Now())
			if err != nil {
				return err
			}
			fmt.Printf("unblocked %d tasks\n", n)
			return nil
		})
	},
}

func init() {
	addProfileCmd.Flags().StringVar(&profileName, "name", "", "display name (defaults to id)")
	rootCmd.AddCommand(addProfileCmd, unblockCmd)
}
