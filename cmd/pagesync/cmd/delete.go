package cmd

import (
	"context"

	"github.com/spf13/cobra"
)

var deleteCmd = &cobra.Command{
	Use:   "delete <page> <key>",
	Short: "Remove a key",
	Args:  cobra.ExactArgs(2),
	RunE:  runDelete,
}

func init() {
	rootCmd.AddCommand(deleteCmd)
}

func runDelete(cmd *cobra.Command, args []string) (err error) {
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
	return page.Delete(context.Background(), []byte(args[1]))
}
