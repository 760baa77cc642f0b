package main

import (
	"fmt"
	"strings"

	"github.com/spf13/cobra"

	"github.com/dharsanguruparan/CiteDrop/internal/app"
	"github.com/dharsanguruparan/CiteDrop/internal/archive"
)

func newBatchCmd(cli *cliContext) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "batch",
		Short: "Batch ingestion runs",
	}
	cmd.AddCommand(&cobra.Command{
		Use:   "run",
		Short: "Ingest every ready deposit now",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			a, err := cli.open(cmd.Context())
			if err != nil {
				return err
			}
			release, err := app.AcquireRunLock(a.Config.DataDir, "batch")
			if err != nil {
				return err
			}
			defer func() { _ = release() }()

			report, err := a.Batch.RunBatch(cmd.Context())
			if err != nil {
				return err
			}
			if cli.jsonOutput {
				return writeJSON(cmd.OutOrStdout(), report)
			}
			fmt.Fprintln(cmd.OutOrStdout(), renderTable(
				[]string{"PICKED", "DONE", "RETRIED", "FAILED", "SKIPPED", "RECOVERED"},
				[][]string{{
					fmt.Sprint(report.Picked),
					fmt.Sprint(report.Succeeded),
					fmt.Sprint(report.Retried),
					fmt.Sprint(report.Failed),
					fmt.Sprint(report.Skipped),
					fmt.Sprint(report.Recovered),
				}},
				[]columnAlignment{alignRight, alignRight, alignRight, alignRight, alignRight, alignRight},
			))
			if len(report.FailedIDs) > 0 {
				fmt.Fprintf(cmd.OutOrStdout(), "failed: %s\n", strings.Join(report.FailedIDs, ", "))
			}
			return nil
		},
	})
	return cmd
}

func newArchiveCmd(cli *cliContext) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "archive",
		Short: "Archival runs",
	}
	cmd.AddCommand(&cobra.Command{
		Use:   "run",
		Short: "Archive every done deposit now",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			a, err := cli.open(cmd.Context())
			if err != nil {
				return err
			}
			release, err := app.AcquireRunLock(a.Config.DataDir, "archive")
			if err != nil {
				return err
			}
			defer func() { _ = release() }()

			if err := a.Archive.EnsureBucket(cmd.Context()); err != nil {
				return err
			}
			report, err := a.Archiver.RunArchival(cmd.Context())
			if err != nil {
				return err
			}
			if cli.jsonOutput {
				return writeJSON(cmd.OutOrStdout(), report)
			}
			fmt.Fprintln(cmd.OutOrStdout(), renderTable(
				[]string{"PICKED", "ARCHIVED", "FAILED", "SKIPPED"},
				[][]string{{
					fmt.Sprint(report.Picked),
					fmt.Sprint(report.Archived),
					fmt.Sprint(report.Failed),
					fmt.Sprint(report.Skipped),
				}},
				[]columnAlignment{alignRight, alignRight, alignRight, alignRight},
			))
			if len(report.FailedIDs) > 0 {
				fmt.Fprintf(cmd.OutOrStdout(), "failed: %s\n", strings.Join(report.FailedIDs, ", "))
			}
			return nil
		},
	}, newArchiveVerifyCmd(cli))
	return cmd
}

func newArchiveVerifyCmd(cli *cliContext) *cobra.Command {
	return &cobra.Command{
		Use:   "verify <id|owner/repo#N>",
		Short: "Re-read an archived record and check its digest",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := cli.open(cmd.Context())
			if err != nil {
				return err
			}
			d, err := lookupDeposit(cmd, a.Machine, args[0])
			if err != nil {
				return err
			}
			rec, err := archive.Verify(cmd.Context(), a.Archive, d)
			if err != nil {
				return err
			}
			if cli.jsonOutput {
				return writeJSON(cmd.OutOrStdout(), rec)
			}
			fmt.Fprintf(cmd.OutOrStdout(), "%s matches %s (%d metadata rows, %d citations)\n",
				d.ArchiveLocation, d.ArchiveDigest, len(rec.Data.Metadata), len(rec.Data.Citations))
			return nil
		},
	}
}

func newNoticesCmd(cli *cliContext) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "notices",
		Short: "Ticket notification outbox",
	}
	cmd.AddCommand(&cobra.Command{
		Use:   "flush",
		Short: "Deliver every pending notice",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			a, err := cli.open(cmd.Context())
			if err != nil {
				return err
			}
			n, err := a.Dispatcher.FlushPending(cmd.Context())
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "delivered %d notice(s)\n", n)
			return nil
		},
	})
	return cmd
}
