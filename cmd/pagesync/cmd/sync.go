package cmd

import (
	"context"
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

var syncCmd = &cobra.Command{
	Use:   "sync <page>",
	Short: "Sync a page with the cloud",
	Long:  "Run one sync pass: download remote commits, merge divergence, upload local commits.",
	Args:  cobra.ExactArgs(1),
	RunE:  runSync,
}

func init() {
	rootCmd.AddCommand(syncCmd)
}

func runSync(cmd *cobra.Command, args []string) (err error) {
	store, err := openStore()
	if err != nil {
		return err
	}
	defer func() {
		if cerr := store.Close(); cerr != nil && err == nil {
			err = cerr
		}
	}()

	page, err := store.OpenPage(args[0])
	if err != nil {
		return err
	}

	fmt.Fprintf(os.Stderr, "Syncing %s...\n", args[0])

	if err := page.Sync(context.Background()); err != nil {
		return fmt.Errorf("sync failed: %w", err)
	}

	stats, err := page.Stats(context.Background())
	if err != nil {
		return err
	}
	fmt.Fprintf(os.Stderr, "Done. %d commits, %d heads", stats.Commits, stats.Heads)
	if s := stats.Sync; s != nil {
		fmt.Fprintf(os.Stderr, " (up %d commits / %d objects, down %d commits / %d objects)",
			s.CommitsUploaded, s.ObjectsUploaded, s.CommitsDownloaded, s.ObjectsDownloaded)
	}
	fmt.Fprintln(os.Stderr)
	return nil
}
