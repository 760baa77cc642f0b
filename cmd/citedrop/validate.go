package main

import (
	"errors"
	"fmt"
	"io"
	"os"

	"github.com/spf13/cobra"

	"github.com/dharsanguruparan/CiteDrop/internal/intake"
	"github.com/dharsanguruparan/CiteDrop/internal/validation"
)

var errFindings = errors.New("submission has validation errors")

func newValidateCmd(cli *cliContext) *cobra.Command {
	var (
		title      string
		bodyFile   string
		schemaFile string
	)
	cmd := &cobra.Command{
		Use:   "validate",
		Short: "Check a deposit title and issue body offline",
		Long: `validate runs the intake format checks against a title and an issue body
(metadata CSV, separator line, citations CSV) without touching the store.
Use --file - to read the body from stdin.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			schema, err := validation.LoadSchema(schemaFile)
			if err != nil {
				return err
			}
			body, err := readBody(cmd.InOrStdin(), bodyFile)
			if err != nil {
				return err
			}
			findings := intake.Preview(schema, title, body)
			if cli.jsonOutput {
				if err := writeJSON(cmd.OutOrStdout(), findings); err != nil {
					return err
				}
			} else if len(findings) == 0 {
				fmt.Fprintln(cmd.OutOrStdout(), "ok")
			} else {
				fmt.Fprintln(cmd.OutOrStdout(), intake.FormatErrors(findings))
			}
			if len(findings) > 0 {
				return errFindings
			}
			return nil
		},
	}
	cmd.Flags().StringVar(&title, "title", "", "Issue title, e.g. \"deposit journal.org doi:10.1234/abc\"")
	cmd.Flags().StringVar(&bodyFile, "file", "-", "File holding the issue body")
	cmd.Flags().StringVar(&schemaFile, "schema", os.Getenv("CITEDROP_SCHEMA_FILE"), "Schema file (defaults to the built-in schema)")
	return cmd
}

func readBody(stdin io.Reader, path string) (string, error) {
	if path == "-" {
		data, err := io.ReadAll(stdin)
		if err != nil {
			return "", fmt.Errorf("read body from stdin: %w", err)
		}
		return string(data), nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return "", fmt.Errorf("read body: %w", err)
	}
	return string(data), nil
}
