package cmd

import (
	"context"
	"os"

	"github.com/spf13/cobra"
)

var getCmd = &cobra.Command{
	Use:   "get <page> <key>",
	Short: "Print a value",
	Long:  "Print the value stored under a key to stdout.",
	Args:  cobra.ExactArgs(2),
	RunE:  runGet,
}

func init() {
	rootCmd.AddCommand(getCmd)
}

func runGet(cmd *cobra.Command, args []string) (err error) {
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

	value, err := page.Get(context.Background(), []byte(args[1]))
	if err != nil {
		return err
	}
	_, err = os.Stdout.Write(value)
	return err
}
