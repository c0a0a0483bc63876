package main

import (
	"encoding/json"
	"fmt"
	"io"
	"strconv"
	"time"

	"github.com/spf13/cobra"

	"triangulum/internal/api"
)

var statusJSON bool

// statusCmd shows the live supervisor view
var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show queue, capacity and in-flight sessions",
	Args:  cobra.NoArgs,
	RunE:  runStatus,
}

func init() {
	statusCmd.Flags().BoolVar(&statusJSON, "json", false, "Print raw JSON")
}

func runStatus(cmd *cobra.Command, args []string) error {
	st, err := api.NewClient(addr).Status(cmd.Context())
	if err != nil {
		return err
	}
	out := cmd.OutOrStdout()
	if statusJSON {
		enc := json.NewEncoder(out)
		enc.SetIndent("", "  ")
		return enc.Encode(st)
	}
	renderStatus(out, st, time.Now())
	return nil
}

func renderStatus(w io.Writer, st api.StatusResponse, now time.Time) {
	s := st.Status
	printTitle(w, "Triangulum")
	printField(w, "running", s.Running)
	printField(w, "ticks", s.Ticks)
	printField(w, "queued", s.QueuedCount)
	printField(w, "active", s.ActiveCount)
	printField(w, "free capacity", s.FreeCapacity)
	printField(w, "signal", fmt.Sprintf("%+.3f", s.Signal))
	c := s.Counters
	printField(w, "tickets", fmt.Sprintf("%d submitted, %d launched, %d requeued", c.Submitted, c.Launched, c.Requeued))
	printField(w, "results", fmt.Sprintf("%d succeeded, %d failed, %d escalated", c.Succeeded, c.Failed, c.Escalated))
	if s.Health != "" {
		printField(w, "health", errorStyle.Render(s.Health))
	}
	fmt.Fprintln(w)

	printTitle(w, "Pending")
	rows := make([][]string, 0, len(st.Pending))
	for _, t := range st.Pending {
		rows = append(rows, []string{t.ID, strconv.Itoa(t.Severity), t.Age(now).Truncate(time.Second).String(), truncate(t.Description, 48)})
	}
	renderTable(w, "queue is empty", []string{"ID", "SEV", "AGE", "DESCRIPTION"}, rows)
	fmt.Fprintln(w)

	printTitle(w, "In flight")
	rows = rows[:0]
	for _, ss := range st.InFlight {
		rows = append(rows, []string{ss.Ticket.ID, ss.SessionID, now.Sub(ss.LaunchedAt).Truncate(time.Second).String(), truncate(ss.Ticket.Description, 40)})
	}
	renderTable(w, "no sessions running", []string{"TICKET", "SESSION", "RUNNING FOR", "DESCRIPTION"}, rows)
}
