package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"

	"github.com/spf13/cobra"

	"github.com/dharsanguruparan/CiteDrop/internal/app"
	"github.com/dharsanguruparan/CiteDrop/internal/authz"
)

func newRosterCmd(cli *cliContext) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "roster",
		Short: "Manage the trusted submitter allow-list",
	}
	cmd.AddCommand(newRosterAddCmd(cli), newRosterCheckCmd(cli))
	return cmd
}

func newRosterAddCmd(cli *cliContext) *cobra.Command {
	return &cobra.Command{
		Use:   "add <user-id|login>",
		Short: "Trust a submitter",
		Long: `add appends a numeric GitHub user id to the allow-list. A login is resolved
to its id through the GitHub API, which requires CITEDROP_GITHUB_TOKEN.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := cli.open(cmd.Context())
			if err != nil {
				return err
			}
			id, err := resolveIdentity(cmd.Context(), a, args[0])
			if err != nil {
				return err
			}
			present, err := a.Roster.Contains(cmd.Context(), id)
			if err != nil && !errors.Is(err, authz.ErrRosterMissing) {
				return err
			}
			if present {
				fmt.Fprintf(cmd.OutOrStdout(), "%s is already trusted\n", id)
				return nil
			}
			if err := appendIdentity(a.Config.RosterFile, id); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "trusted %s\n", id)
			return nil
		},
	}
}

func resolveIdentity(ctx context.Context, a *app.App, arg string) (string, error) {
	if _, err := strconv.ParseInt(arg, 10, 64); err == nil {
		return arg, nil
	}
	if a.GitHub == nil {
		return "", fmt.Errorf("cannot resolve login %q without GitHub credentials, pass the numeric user id", arg)
	}
	id, err := a.GitHub.UserID(ctx, arg)
	if err != nil {
		return "", err
	}
	return strconv.FormatInt(id, 10), nil
}

func appendIdentity(path, id string) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("ensure roster directory: %w", err)
	}
	f, err := os.OpenFile(path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o644)
	if err != nil {
		return fmt.Errorf("open roster: %w", err)
	}
	if _, err := fmt.Fprintln(f, id); err != nil {
		_ = f.Close()
		return fmt.Errorf("append roster: %w", err)
	}
	return f.Close()
}

func newRosterCheckCmd(cli *cliContext) *cobra.Command {
	return &cobra.Command{
		Use:   "check <user-id>",
		Short: "Report whether a submitter is trusted",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := cli.open(cmd.Context())
			if err != nil {
				return err
			}
			ok, err := a.Roster.Contains(cmd.Context(), args[0])
			if err != nil {
				return err
			}
			if ok {
				fmt.Fprintf(cmd.OutOrStdout(), "%s is trusted\n", args[0])
			} else {
				fmt.Fprintf(cmd.OutOrStdout(), "%s is not on the allow-list\n", args[0])
			}
			return nil
		},
	}
}
