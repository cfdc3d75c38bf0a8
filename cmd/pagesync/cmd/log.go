package cmd

import (
	"context"
	"fmt"
	"time"

	"github.com/spf13/cobra"
)

var logLimit int

var logCmd = &cobra.Command{
	Use:   "log <page>",
	Short: "Show commit history",
	Long:  "Show the page's commit history, newest first.",
	Args:  cobra.ExactArgs(1),
	RunE:  runLog,
}

func init() {
	logCmd.Flags().IntVarP(&logLimit, "limit", "n", 0, "stop after this many commits (0 = all)")
	rootCmd.AddCommand(logCmd)
}

func runLog(cmd *cobra.Command, args []string) (err error) {
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

	shown := 0
	err = page.History(context.Background(), func(id string, generation uint64, timestamp int64, parents int) bool {
		when := "genesis"
		if timestamp > 0 {
			when = time.UnixMilli(timestamp).UTC().Format(time.RFC3339)
		}
		suffix := ""
		if parents > 1 {
			suffix = fmt.Sprintf("\t(merge of %d)", parents)
		}
		fmt.Printf("%s\tgen %d\t%s%s\n", shortDigest(id), generation, when, suffix)
		shown++
		return logLimit == 0 || shown < logLimit
	})
	return err
}

func shortDigest(digest string) string {
	const keep = len("sha256:") + 12
	if len(digest) > keep {
		return digest[:keep]
	}
	return digest
}
