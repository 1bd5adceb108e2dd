package main

import (
	"context"
	"fmt"
	"os"
	"text/tabwriter"

	"github.com/spf13/cobra"
)

var graphsCmd = &cobra.Command{
	Use:     "graphs",
	GroupID: "admin",
	Short:   "Manage remote graphs",
}

var graphsListCmd = &cobra.Command{
	Use:   "list",
	Short: "List remote graphs visible to this token",
	RunE: func(cmd *cobra.Command, args []string) error {
		svc, _, err := newService("[pagesync]")
		if err != nil {
			return err
		}
		defer svc.Close()

		ctx, cancel := context.WithTimeout(cmd.Context(), shutdownTimeout)
		defer cancel()

		graphs, err := svc.GetGraphs(ctx)
		if err != nil {
			return err
		}
		if len(graphs) == 0 {
			fmt.Println("No remote graphs")
			return nil
		}

		w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
		fmt.Fprintln(w, "UUID\tNAME\tSCHEMA")
		for _, g := range graphs {
			fmt.Fprintf(w, "%s\t%s\t%s\n", g.UUID, g.Name, g.SchemaVersion)
		}
		return w.Flush()
	},
}

var graphsDeleteCmd = &cobra.Command{
	Use:   "delete <graph-uuid>",
	Short: "Delete a remote graph",
	Long: `Delete a remote graph. Deleting the graph this database is bound to
also wipes the local sync metadata (the device identity survives); deleting
any other graph leaves local state untouched.`,
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		svc, _, err := newService("[pagesync]")
		if err != nil {
			return err
		}
		defer svc.Close()

		ctx, cancel := context.WithTimeout(cmd.Context(), shutdownTimeout)
		defer cancel()

		if err := svc.DeleteGraph(ctx, args[0]); err != nil {
			return err
		}
		fmt.Printf("Deleted graph %s\n", args[0])
		return nil
	},
}

var graphsBranchCmd = &cobra.Command{
	Use:   "branch <graph-uuid> <branch-name>",
	Short: "Fork a remote graph",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		svc, _, err := newService("[pagesync]")
		if err != nil {
			return err
		}
		defer svc.Close()

		ctx, cancel := context.WithTimeout(cmd.Context(), shutdownTimeout)
		defer cancel()

		result, err := svc.BranchGraph(ctx, args[0], args[1])
		if err != nil {
			return err
		}
		fmt.Println(string(result))
		return nil
	},
}

func init() {
	graphsCmd.AddCommand(graphsListCmd, graphsDeleteCmd, graphsBranchCmd)
	rootCmd.AddCommand(graphsCmd)
}
