package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/pagegraph/pagesync/internal/service"
)

var startCmd = &cobra.Command{
	Use:     "start",
	GroupID: "sync",
	Short:   "Run the sync loop in the foreground",
	Long: `Start the sync loop and keep it running until interrupted.

The loop holds the process-wide exclusivity lock: at most one loop syncs a
local graph at a time. Socket timeouts restart the loop automatically; fatal
failures (schema mismatch, invalid token) terminate with a classified error.

Example usage:
  pagesync start                 # use the configured token
  pagesync start --stop-existing # replace a loop another caller started`,
	RunE: func(cmd *cobra.Command, args []string) error {
		stopExisting, _ := cmd.Flags().GetBool("stop-existing")
		showStatus, _ := cmd.Flags().GetBool("show-status")

		svc, cfg, err := newService("[pagesync]")
		if err != nil {
			return err
		}
		defer svc.Close()

		ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
		defer cancel()

		if err := svc.Start(ctx, service.StartOptions{StopExisting: stopExisting}); err != nil {
			return err
		}
		fmt.Printf("Sync loop running against %s\n", cfg.ServerURL)
		fmt.Println("Press Ctrl+C to stop...")

		if showStatus {
			go func() {
				ticker := time.NewTicker(5 * time.Second)
				defer ticker.Stop()
				for {
					select {
					case <-ctx.Done():
						return
					case <-ticker.C:
						if snap, ok := svc.GetDebugState(); ok {
							fmt.Println(boxStyle.Render(renderSnapshot(snap)))
						}
					}
				}
			}()
		}

		<-ctx.Done()

		fmt.Println("\nStopping sync loop...")
		stopCtx, stopCancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer stopCancel()
		if err := svc.Stop(stopCtx); err != nil {
			return fmt.Errorf("shutdown: %w", err)
		}
		fmt.Println("Sync loop stopped")
		return nil
	},
}

func init() {
	startCmd.Flags().Bool("stop-existing", false, "stop an already-running loop instead of failing")
	startCmd.Flags().Bool("show-status", false, "print a live status box every few seconds")
	rootCmd.AddCommand(startCmd)
}
