// Copyright (c) 2026 Backupgate Team
// Backupgate - backup export gateway
// This source code is licensed under the MIT license found in the LICENSE file.

package cli

import (
	"context"
	"fmt"
	"io"
	"text/tabwriter"
	"time"

	"github.com/backupgate/backupgate/internal/config"
	"github.com/backupgate/backupgate/internal/db"
	"github.com/backupgate/backupgate/internal/model"
	"github.com/backupgate/backupgate/internal/throttle"
	"github.com/dustin/go-humanize"
	"github.com/spf13/cobra"
)

func newRecordsCmd() *cobra.Command {
	recordsCmd := &cobra.Command{
		Use:   "records",
		Short: "Inspect and prune the login record history",
	}

	var page, pageSize int
	listCmd := &cobra.Command{
		Use:   "list",
		Short: "List login attempts, newest first",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig(cmd)
			if err != nil {
				return err
			}
			return withThrottle(cmd.Context(), cfg, func(th *throttle.Throttle) error {
				printRecords(cmd.OutOrStdout(), th.Page(page, pageSize), time.Now())
				return nil
			})
		},
	}
	listCmd.Flags().IntVar(&page, "page", 1, "Page number")
	listCmd.Flags().IntVar(&pageSize, "page-size", 20, "Records per page")
	applyDefaultFlags(listCmd)

	var olderThan time.Duration
	pruneCmd := &cobra.Command{
		Use:   "prune",
		Short: "Delete login records older than the retention period",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig(cmd)
			if err != nil {
				return err
			}
			return withThrottle(cmd.Context(), cfg, func(th *throttle.Throttle) error {
				n := th.PruneOlderThan(olderThan)
				fmt.Fprintf(cmd.OutOrStdout(), "pruned %d records, %d remaining\n", n, th.Len())
				return nil
			})
		},
	}
	pruneCmd.Flags().DurationVar(&olderThan, "older-than", throttle.DefaultRetention, "Age beyond which records are deleted")
	applyDefaultFlags(pruneCmd)

	recordsCmd.AddCommand(listCmd, pruneCmd)
	return recordsCmd
}

// withThrottle loads the record history, runs fn and flushes any changes
// back to the store.
func withThrottle(ctx context.Context, cfg config.Config, fn func(*throttle.Throttle) error) error {
	if ctx == nil {
		ctx = context.Background()
	}
	th, store, err := openThrottle(ctx, cfg)
	if err != nil {
		return err
	}
	defer func(s db.RecordStore) { _ = s.Close() }(store)

	runErr := fn(th)
	if err := th.Close(ctx); err != nil && runErr == nil {
		runErr = fmt.Errorf("flush login records: %w", err)
	}
	return runErr
}

func printRecords(w io.Writer, page model.RecordPage, now time.Time) {
	tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "TIME\tAGE\tADDRESS\tCOUNTRY\tUSER\tRESULT")
	for _, r := range page.Records {
		result := "failed"
		if r.Succeeded {
			result = "ok"
		}
		country := r.Country
		if country == "" {
			country = "-"
		}
		fmt.Fprintf(tw, "%s\t%s\t%s\t%s\t%s\t%s\n",
			r.Timestamp.UTC().Format(time.RFC3339), humanize.RelTime(r.Timestamp, now, "ago", "from now"),
			r.Address, country, r.Username, result)
	}
	_ = tw.Flush()
	fmt.Fprintf(w, "page %d of %d (%s records)\n", page.Page, page.TotalPages, humanize.Comma(int64(page.Total)))
}
