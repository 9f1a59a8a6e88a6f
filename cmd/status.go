package cmd

import (
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/spf13/cobra"

	"dirsynch/internal/daemon"
)

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "View daemon status",
	RunE: func(cmd *cobra.Command, args []string) error {
		resp, err := http.Get(daemonURL("/status"))
		if err != nil {
			return fmt.Errorf("daemon not running: %w", err)
		}

		defer func(Body io.ReadCloser) {
			_ = Body.Close()
		}(resp.Body)

		var snap daemon.Snapshot
		if err := json.NewDecoder(resp.Body).Decode(&snap); err != nil {
			return fmt.Errorf("failed to decode status response: %w", err)
		}

		lastSync := "-"
		if snap.LastSync != nil {
			lastSync = snap.LastSync.Format("2006-01-02 15:04:05")
		}

		fmt.Printf("%s -> %s\n", snap.Src, snap.Dst)
		fmt.Printf("  uptime:    %s\n", time.Since(snap.StartedAt).Round(time.Second))
		fmt.Printf("  synced:    %d\n", snap.Synced)
		fmt.Printf("  failed:    %d\n", snap.Failed)
		fmt.Printf("  resyncs:   %d\n", snap.Resyncs)
		fmt.Printf("  overflows: %d\n", snap.Overflows)
		fmt.Printf("  last sync: %s\n", lastSync)

		return nil
	},
}

func init() {
	rootCmd.AddCommand(statusCmd)
}
