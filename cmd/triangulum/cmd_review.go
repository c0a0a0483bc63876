package main

import (
	"fmt"
	"io"
	"strconv"

	"github.com/spf13/cobra"

	"triangulum/internal/api"
	"triangulum/internal/review"
)

// =============================================================================
// REVIEW COMMANDS
// =============================================================================

// reviewCmd manages escalated sessions
var reviewCmd = &cobra.Command{
	Use:   "review",
	Short: "List and decide sessions escalated for human review",
	Long: `Repair sessions that return an escalated result wait here for a human.

Subcommands:
  list              - Show items awaiting a decision
  approve <ticket>  - Approve the escalated patch
  reject <ticket>   - Reject it`,
	RunE: runReviewList,
}

var reviewListCmd = &cobra.Command{
	Use:   "list",
	Short: "Show items awaiting a decision",
	Args:  cobra.NoArgs,
	RunE:  runReviewList,
}

var reviewApproveCmd = &cobra.Command{
	Use:   "approve <ticket-id>",
	Short: "Approve an escalated session",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return runReviewDecide(cmd, args[0], review.Approve)
	},
}

var reviewRejectCmd = &cobra.Command{
	Use:   "reject <ticket-id>",
	Short: "Reject an escalated session",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return runReviewDecide(cmd, args[0], review.Reject)
	},
}

func init() {
	reviewCmd.AddCommand(reviewListCmd)
	reviewCmd.AddCommand(reviewApproveCmd)
	reviewCmd.AddCommand(reviewRejectCmd)
}

func runReviewList(cmd *cobra.Command, args []string) error {
	items, err := api.NewClient(addr).Reviews(cmd.Context())
	if err != nil {
		return err
	}
	renderReviews(cmd.OutOrStdout(), items)
	return nil
}

func renderReviews(w io.Writer, items []review.Item) {
	printTitle(w, "Awaiting review")
	rows := make([][]string, 0, len(items))
	for _, it := range items {
		rows = append(rows, []string{
			it.TicketID,
			strconv.Itoa(it.Severity),
			it.SessionID,
			it.AddedAt.Local().Format("2006-01-02 15:04:05"),
			truncate(it.Reason, 40),
		})
	}
	renderTable(w, "nothing to review", []string{"TICKET", "SEV", "SESSION", "ESCALATED", "REASON"}, rows)
}

func runReviewDecide(cmd *cobra.Command, ticketID string, v review.Verdict) error {
	it, err := api.NewClient(addr).Decide(cmd.Context(), ticketID, v)
	if err != nil {
		return fmt.Errorf("review %s failed: %w", ticketID, err)
	}
	fmt.Fprintf(cmd.OutOrStdout(), "ticket %s %s\n", it.TicketID, it.Status)
	return nil
}
