package main

import (
	"fmt"
	"strings"

	"github.com/spf13/cobra"

	"triangulum/internal/api"
)

var submitSeverity int

// submitCmd files a bug with a running instance
var submitCmd = &cobra.Command{
	Use:   "submit <description...>",
	Short: "Submit a bug ticket to the running supervisor",
	Long: `Submits a ticket over the control API. The ticket is durable once this
command prints its id.

Example:
  triangulum submit -s 4 "nil pointer in config reload"`,
	Args: cobra.MinimumNArgs(1),
	RunE: runSubmit,
}

func init() {
	submitCmd.Flags().IntVarP(&submitSeverity, "severity", "s", 1, "Severity (0 and up; capped by scheduler.max_severity for priority)")
}

func runSubmit(cmd *cobra.Command, args []string) error {
	description := strings.Join(args, " ")
	id, err := api.NewClient(addr).Submit(cmd.Context(), description, submitSeverity)
	if err != nil {
		return fmt.Errorf("submit failed: %w", err)
	}
	fmt.Fprintf(cmd.OutOrStdout(), "accepted ticket %s\n", id)
	return nil
}
