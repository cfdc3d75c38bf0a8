package cmd

import (
	"context"
	"fmt"
	"io"
	"os"

	"github.com/spf13/cobra"
)

var putLazy bool

var putCmd = &cobra.Command{
	Use:   "put <page> <key> [value]",
	Short: "Store a value",
	Long:  "Store a value under a key. Without a value argument the value is read from stdin.",
	Args:  cobra.RangeArgs(2, 3),
	RunE:  runPut,
}

func init() {
	putCmd.Flags().BoolVar(&putLazy, "lazy", false, "other devices fetch the value on demand instead of with the commit")
	rootCmd.AddCommand(putCmd)
}

func runPut(cmd *cobra.Command, args []string) (err error) {
	var value []byte
	if len(args) > 2 {
		value = []byte(args[2])
	} else {
		if value, err = io.ReadAll(os.Stdin); err != nil {
			return fmt.Errorf("read stdin: %w", err)
		}
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
	if putLazy {
		return page.PutLazy(ctx, []byte(args[1]), value)
	}
	return page.Put(ctx, []byte(args[1]), value)
}
