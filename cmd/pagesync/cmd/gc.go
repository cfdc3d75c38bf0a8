package cmd

import (
	"context"
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

var gcCmd = &cobra.Command{
	Use:   "gc",
	Short: "Remove unreferenced objects",
	Long:  "Remove local objects no commit history references anymore.",
	Args:  cobra.NoArgs,
	RunE:  runGC,
}

func init() {
	rootCmd.AddCommand(gcCmd)
}

func runGC(cmd *cobra.Command, args []string) (err error) {
	store, err := openStore()
	if err != nil {
		return err
	}
	defer func() {
		if cerr := store.Close(); cerr != nil && err == nil {
			err = cerr
		}
	}()

	removed, err := store.GC(context.Background())
	if err != nil {
		return err
	}
	fmt.Fprintf(os.Stderr, "Removed %d objects\n", removed)
	return nil
}
