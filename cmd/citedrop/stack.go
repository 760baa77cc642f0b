package main

import (
	"github.com/spf13/cobra"
)

func newStackCmd() *cobra.Command {
	var composeFile string
	cmd := &cobra.Command{
		Use:   "stack",
		Short: "Drive the local docker compose stack (postgres, redis, minio)",
	}
	cmd.PersistentFlags().StringVarP(&composeFile, "compose-file", "f", "docker-compose.yml", "Compose file to use for stack commands")
	cmd.AddCommand(
		newUpCmd(&composeFile),
		newDownCmd(&composeFile),
		newLogsCmd(&composeFile),
	)
	return cmd
}

func newUpCmd(composeFile *string) *cobra.Command {
	var detach bool
	cmd := &cobra.Command{
		Use:   "up [service...]",
		Short: "Start the compose stack",
		RunE: func(cmd *cobra.Command, args []string) error {
			composeArgs := []string{"compose", "-f", *composeFile, "up"}
			if detach {
				composeArgs = append(composeArgs, "-d")
			}
			composeArgs = append(composeArgs, args...)
			return runCommand(cmd.Context(), "docker", composeArgs...)
		},
	}
	cmd.Flags().BoolVarP(&detach, "detached", "d", true, "Run docker compose in detached mode")
	return cmd
}

func newDownCmd(composeFile *string) *cobra.Command {
	var removeVolumes bool
	cmd := &cobra.Command{
		Use:   "down",
		Short: "Stop the compose stack",
		RunE: func(cmd *cobra.Command, _ []string) error {
			composeArgs := []string{"compose", "-f", *composeFile, "down"}
			if removeVolumes {
				composeArgs = append(composeArgs, "-v")
			}
			return runCommand(cmd.Context(), "docker", composeArgs...)
		},
	}
	cmd.Flags().BoolVarP(&removeVolumes, "volumes", "v", false, "Remove stack volumes")
	return cmd
}

func newLogsCmd(composeFile *string) *cobra.Command {
	var follow bool
	cmd := &cobra.Command{
		Use:   "logs [service...]",
		Short: "Tail logs from compose services",
		RunE: func(cmd *cobra.Command, args []string) error {
			composeArgs := []string{"compose", "-f", *composeFile, "logs"}
			if follow {
				composeArgs = append(composeArgs, "-f")
			}
			composeArgs = append(composeArgs, args...)
			return runCommand(cmd.Context(), "docker", composeArgs...)
		},
	}
	cmd.Flags().BoolVarP(&follow, "follow", "f", false, "Stream logs continuously")
	return cmd
}
