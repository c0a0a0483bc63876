package main

import (
	"fmt"
	"io"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"triangulum/internal/outcomes"
	"triangulum/internal/types"
)

var (
	outcomesLimit  int
	outcomesTicket string
)

// outcomesCmd reads session history from the outcome database
var outcomesCmd = &cobra.Command{
	Use:   "outcomes",
	Short: "Show recent repair session outcomes",
	Long: `Reads the outcome database in state_dir directly, so it works whether
or not the runtime is up.`,
	Args: cobra.NoArgs,
	RunE: runOutcomes,
}

func init() {
	outcomesCmd.Flags().IntVarP(&outcomesLimit, "limit", "n", 20, "Number of sessions to show")
	outcomesCmd.Flags().StringVarP(&outcomesTicket, "ticket", "t", "", "Show every session for one ticket")
}

func runOutcomes(cmd *cobra.Command, args []string) error {
	store, err := outcomes.Open(cfg.OutcomesPath())
	if err != nil {
		return err
	}
	defer store.Close()

	ctx := cmd.Context()
	var rows []types.Outcome
	if outcomesTicket != "" {
		rows, err = store.ForTicket(ctx, outcomesTicket)
	} else {
		rows, err = store.Recent(ctx, outcomesLimit)
	}
	if err != nil {
		return err
	}
	counts, err := store.CountByStatus(ctx)
	if err != nil {
		return err
	}
	renderOutcomes(cmd.OutOrStdout(), rows, counts)
	return nil
}

func renderOutcomes(w io.Writer, rows []types.Outcome, counts map[types.ResultStatus]int) {
	printTitle(w, "Outcomes")
	statuses := make([]string, 0, len(counts))
	for s := range counts {
		statuses = append(statuses, string(s))
	}
	sort.Strings(statuses)
	parts := make([]string, 0, len(statuses))
	for _, s := range statuses {
		parts = append(parts, fmt.Sprintf("%s %d", statusStyle(types.ResultStatus(s)).Render(s), counts[types.ResultStatus(s)]))
	}
	if len(parts) > 0 {
		printField(w, "totals", strings.Join(parts, ", "))
	}
	fmt.Fprintln(w)

	lines := make([][]string, 0, len(rows))
	for _, o := range rows {
		lines = append(lines, []string{
			o.TicketID,
			o.SessionID,
			strconv.Itoa(o.Severity),
			statusStyle(o.Status).Render(string(o.Status)),
			o.Duration().Truncate(time.Millisecond).String(),
			o.FinishedAt.Local().Format(time.DateTime),
			truncate(o.Reason, 36),
		})
	}
	renderTable(w, "no sessions recorded", []string{"TICKET", "SESSION", "SEV", "STATUS", "DURATION", "FINISHED", "REASON"}, lines)
}
