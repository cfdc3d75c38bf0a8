package cmd

import (
	"context"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/aweris/pagesync"
)

var listCmd = &cobra.Command{
	Use:   "list <page> [prefix]",
	Short: "List entries in a page",
	Long:  "List all entries in a page, optionally filtered by key prefix.",
	Args:  cobra.RangeArgs(1, 2),
	RunE:  runList,
}

func init() {
	rootCmd.AddCommand(listCmd)
}

func runList(cmd *cobra.Command, args []string) (err error) {
	var prefix []byte
	if len(args) > 1 {
		prefix = []byte(args[1])
	}

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

	ctx := context.Background()
	snap, err := page.Snapshot(ctx)
	if err != nil {
		return err
	}

	count := 0
	for key, entry := range snap.List(ctx, prefix) {
		marker := ""
		if entry.Priority == pagesync.PriorityLazy {
			marker = "\t(lazy)"
		}
		fmt.Printf("%s\t%d bytes%s\n", key, entry.Value.Size, marker)
		count++
	}
	if err := snap.Err(); err != nil {
		return err
	}

	if count == 0 {
		fmt.Println("(no entries)")
	}
	return nil
}
