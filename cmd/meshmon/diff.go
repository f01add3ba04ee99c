package main

import (
	"context"
	"fmt"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"meshmon/internal/diff"
)

var diffSampleLimit int

var diffCmd = &cobra.Command{
	Use:   "diff <db-a> <db-b>",
	Short: "Compare the contents of two telemetry databases",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
		defer cancel()

		summary, err := diff.CompareSQLite(ctx, args[0], args[1], diff.Options{
			SampleLimit: diffSampleLimit,
		})
		if err != nil {
			return fmt.Errorf("diff: %w", err)
		}

		printTableDiff("messages", summary.Messages)
		printTableDiff("nodes", summary.Nodes)

		if !summary.InSync() {
			return fmt.Errorf("databases differ")
		}
		fmt.Println("databases are in sync")
		return nil
	},
}

func printTableDiff(table string, d diff.TableDiff) {
	fmt.Printf("%s: only in A: %d, only in B: %d\n", table, d.OnlyA, d.OnlyB)
	for _, fp := range d.SampleOnlyA {
		fmt.Printf("  A: %s\n", fp)
	}
	for _, fp := range d.SampleOnlyB {
		fmt.Printf("  B: %s\n", fp)
	}
}

func init() {
	diffCmd.Flags().IntVar(&diffSampleLimit, "samples", 5, "number of differing rows to print per table")
}
