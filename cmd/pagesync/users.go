package main

import (
	"context"
	"fmt"
	"os"
	"text/tabwriter"

	"github.com/spf13/cobra"
)

var usersCmd = &cobra.Command{
	Use:     "users <graph-uuid>",
	GroupID: "admin",
	Short:   "List users with access to a graph",
	Args:    cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		svc, _, err := newService("[pagesync]")
		if err != nil {
			return err
		}
		defer svc.Close()

		ctx, cancel := context.WithTimeout(cmd.Context(), shutdownTimeout)
		defer cancel()

		users, err := svc.GetUsersInfo(ctx, args[0])
		if err != nil {
			return err
		}
		if len(users) == 0 {
			fmt.Println("No users")
			return nil
		}

		w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
		fmt.Fprintln(w, "UUID\tNAME\tEMAIL")
		for _, u := range users {
			fmt.Fprintf(w, "%s\t%s\t%s\n", u.ID, u.Name, u.Email)
		}
		return w.Flush()
	},
}

var grantCmd = &cobra.Command{
	Use:     "grant <graph-uuid> <user-or-email>...",
	GroupID: "admin",
	Short:   "Share a graph with other users",
	Args:    cobra.MinimumNArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		svc, _, err := newService("[pagesync]")
		if err != nil {
			return err
		}
		defer svc.Close()

		ctx, cancel := context.WithTimeout(cmd.Context(), shutdownTimeout)
		defer cancel()

		if err := svc.GrantAccess(ctx, args[0], args[1:]); err != nil {
			return err
		}
		fmt.Printf("Granted access to %d target(s)\n", len(args)-1)
		return nil
	},
}

var versionsCmd = &cobra.Command{
	Use:     "versions <graph-uuid> <block-uuid>...",
	GroupID: "admin",
	Short:   "Query server-side content versions for blocks",
	Args:    cobra.MinimumNArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		svc, _, err := newService("[pagesync]")
		if err != nil {
			return err
		}
		defer svc.Close()

		ctx, cancel := context.WithTimeout(cmd.Context(), shutdownTimeout)
		defer cancel()

		versions, err := svc.GetBlockContentVersions(ctx, args[0], args[1:])
		if err != nil {
			return err
		}

		w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
		fmt.Fprintln(w, "BLOCK\tVERSION")
		for _, v := range versions {
			fmt.Fprintf(w, "%s\t%d\n", v.BlockUUID, v.Version)
		}
		return w.Flush()
	},
}

func init() {
	rootCmd.AddCommand(usersCmd, grantCmd, versionsCmd)
}
