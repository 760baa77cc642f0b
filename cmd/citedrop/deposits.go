package main

import (
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/dharsanguruparan/CiteDrop/internal/deposit"
	"github.com/dharsanguruparan/CiteDrop/internal/model"
	"github.com/dharsanguruparan/CiteDrop/internal/ticketing"
)

func newDepositsCmd(cli *cliContext) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "deposits",
		Short: "Inspect and repair deposits",
	}
	cmd.AddCommand(
		newDepositsListCmd(cli),
		newDepositsShowCmd(cli),
		newDepositsHistoryCmd(cli),
		newDepositsRequeueCmd(cli),
	)
	return cmd
}

func newDepositsListCmd(cli *cliContext) *cobra.Command {
	var stateFlag string
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List deposits in a lifecycle state",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			state, err := model.ParseState(stateFlag)
			if err != nil {
				return err
			}
			a, err := cli.open(cmd.Context())
			if err != nil {
				return err
			}
			ids, err := a.Machine.Query(cmd.Context(), state)
			if err != nil {
				return err
			}
			deposits := make([]*model.Deposit, 0, len(ids))
			for _, id := range ids {
				d, err := a.Machine.Get(cmd.Context(), id)
				if err != nil {
					return err
				}
				deposits = append(deposits, d)
			}
			if cli.jsonOutput {
				return writeJSON(cmd.OutOrStdout(), deposits)
			}
			if len(deposits) == 0 {
				fmt.Fprintf(cmd.OutOrStdout(), "no %s deposits\n", state)
				return nil
			}
			fmt.Fprintln(cmd.OutOrStdout(), depositTable(deposits))
			return nil
		},
	}
	cmd.Flags().StringVar(&stateFlag, "state", string(model.StateReady), "Lifecycle state to list")
	return cmd
}

func depositTable(deposits []*model.Deposit) string {
	rows := make([][]string, 0, len(deposits))
	for _, d := range deposits {
		rows = append(rows, []string{
			d.ID,
			d.ExternalRef,
			string(d.State),
			strconv.Itoa(d.ProcessingAttempts),
			d.LastTransitionAt.UTC().Format(time.RFC3339),
		})
	}
	return renderTable(
		[]string{"ID", "REF", "STATE", "ATTEMPTS", "LAST TRANSITION"},
		rows,
		[]columnAlignment{alignLeft, alignLeft, alignLeft, alignRight, alignLeft},
	)
}

func newDepositsShowCmd(cli *cliContext) *cobra.Command {
	return &cobra.Command{
		Use:   "show <id|owner/repo#N>",
		Short: "Show one deposit",
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
			if cli.jsonOutput {
				return writeJSON(cmd.OutOrStdout(), d)
			}
			fmt.Fprintln(cmd.OutOrStdout(), describeDeposit(d))
			return nil
		},
	}
}

// lookupDeposit accepts either a deposit id or a ticket reference.
func lookupDeposit(cmd *cobra.Command, m *deposit.Machine, key string) (*model.Deposit, error) {
	if _, _, err := ticketing.ParseRef(key); err == nil {
		return m.GetByExternalRef(cmd.Context(), key)
	}
	return m.Get(cmd.Context(), key)
}

func describeDeposit(d *model.Deposit) string {
	rows := [][]string{
		{"id", d.ID},
		{"ref", d.ExternalRef},
		{"submitter", d.Submitter},
		{"title", d.Title},
		{"state", string(d.State)},
		{"attempts", strconv.Itoa(d.ProcessingAttempts)},
		{"metadata rows", strconv.Itoa(dataRows(d.Metadata))},
		{"citation rows", strconv.Itoa(dataRows(d.Citations))},
		{"created", d.CreatedAt.UTC().Format(time.RFC3339)},
	}
	if d.RejectionReason != "" {
		rows = append(rows, []string{"rejection", d.RejectionReason})
	}
	if d.FailureReason != "" {
		rows = append(rows, []string{"failure", d.FailureReason})
	}
	if len(d.ValidationErrors) > 0 {
		lines := make([]string, 0, len(d.ValidationErrors))
		for _, e := range d.ValidationErrors {
			lines = append(lines, e.String())
		}
		rows = append(rows, []string{"findings", strings.Join(lines, "\n")})
	}
	if d.ArchiveLocation != "" {
		rows = append(rows, []string{"archive", d.ArchiveLocation}, []string{"digest", d.ArchiveDigest})
	}
	if d.PendingNotice != nil {
		rows = append(rows, []string{"pending notice", d.PendingNotice.Label})
	}
	return renderTable([]string{"FIELD", "VALUE"}, rows, nil)
}

func dataRows(t model.Table) int {
	if len(t) == 0 {
		return 0
	}
	return len(t) - 1
}

func newDepositsHistoryCmd(cli *cliContext) *cobra.Command {
	return &cobra.Command{
		Use:   "history <id>",
		Short: "Show the transition history of a deposit",
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
			history, err := a.Machine.History(cmd.Context(), d.ID)
			if err != nil {
				return err
			}
			if cli.jsonOutput {
				return writeJSON(cmd.OutOrStdout(), history)
			}
			rows := make([][]string, 0, len(history))
			for _, t := range history {
				rows = append(rows, []string{
					t.At.UTC().Format(time.RFC3339),
					string(t.From),
					string(t.To),
					t.Event,
					t.Reason,
				})
			}
			fmt.Fprintln(cmd.OutOrStdout(), renderTable(
				[]string{"AT", "FROM", "TO", "EVENT", "REASON"}, rows, nil))
			return nil
		},
	}
}

func newDepositsRequeueCmd(cli *cliContext) *cobra.Command {
	var reason string
	cmd := &cobra.Command{
		Use:   "requeue <id>",
		Short: "Send a failed deposit back to the ready queue",
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
			d, err = a.Machine.Transition(cmd.Context(), d.ID, deposit.Requeue(reason))
			if err != nil {
				return err
			}
			if cli.jsonOutput {
				return writeJSON(cmd.OutOrStdout(), d)
			}
			fmt.Fprintf(cmd.OutOrStdout(), "deposit %s is %s\n", d.ID, d.State)
			return nil
		},
	}
	cmd.Flags().StringVar(&reason, "reason", "requeued by operator", "Reason recorded in the history")
	return cmd
}
