package main

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/spf13/cobra"
)

// downloadTimeout covers snapshot preparation, which can take a while for
// large graphs.
const downloadTimeout = 10 * time.Minute

var downloadCmd = &cobra.Command{
	Use:     "download <graph-uuid> <dest-file>",
	GroupID: "admin",
	Short:   "Download a full graph snapshot",
	Long: `Ask the server to prepare a full snapshot of a remote graph, wait for
it, and download it to the given file. Importing the snapshot into a local
database is the application's job.`,
	Args: cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		graphUUID, dest := args[0], args[1]

		svc, _, err := newService("[pagesync]")
		if err != nil {
			return err
		}
		defer svc.Close()

		ctx, cancel := context.WithTimeout(cmd.Context(), downloadTimeout)
		defer cancel()

		result, err := svc.RequestDownload(ctx, graphUUID)
		if err != nil {
			return err
		}
		var req struct {
			DownloadID string `json:"download-id"`
		}
		if err := json.Unmarshal(result, &req); err != nil {
			return fmt.Errorf("failed to decode download request: %w", err)
		}

		fmt.Println("Waiting for snapshot...")
		ready, err := svc.WaitDownloadReady(ctx, req.DownloadID)
		if err != nil {
			return err
		}
		var loc struct {
			URL string `json:"url"`
		}
		if err := json.Unmarshal(ready, &loc); err != nil {
			return fmt.Errorf("failed to decode download location: %w", err)
		}

		if err := svc.DownloadFromS3(ctx, loc.URL, dest); err != nil {
			return err
		}
		fmt.Printf("Snapshot written to %s\n", dest)
		return nil
	},
}

var uploadCmd = &cobra.Command{
	Use:     "upload <graph-name> <snapshot-key>",
	GroupID: "admin",
	Short:   "Create a remote graph from an uploaded snapshot",
	Args:    cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		svc, _, err := newService("[pagesync]")
		if err != nil {
			return err
		}
		defer svc.Close()

		ctx, cancel := context.WithTimeout(cmd.Context(), downloadTimeout)
		defer cancel()

		result, err := svc.UploadGraph(ctx, args[0], args[1])
		if err != nil {
			return err
		}
		fmt.Println(string(result))
		return nil
	},
}

func init() {
	rootCmd.AddCommand(downloadCmd, uploadCmd)
}
